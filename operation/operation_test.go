package operation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestOperationFinishesOnce(t *testing.T) {
	calls := 0

	op := New("test", func(op *Operation) {
		op.SetResult("/cache/1.2.0/recovery_1.2.0.squash")
		if !op.SetFinished() {
			t.Fatalf("first finish was rejected")
		}
		if op.SetFinishedWithError(FailedRequest, "too late") {
			t.Fatalf("second finish was accepted")
		}
	})

	op.OnFinished(func(*Operation) {
		calls++
	})

	if op.State() != Created {
		t.Fatalf("expected CREATED, got %v", op.State())
	}

	op.Start()
	op.Start()

	if op.State() != Finished {
		t.Fatalf("expected FINISHED, got %v", op.State())
	}

	if op.Err() != nil {
		t.Fatalf("expected no error, got %v", op.Err())
	}

	if op.Result() != "/cache/1.2.0/recovery_1.2.0.squash" {
		t.Fatalf("unexpected result %q", op.Result())
	}

	if calls != 1 {
		t.Fatalf("expected 1 callback, got %d", calls)
	}
}

func TestOperationStartRunsOnce(t *testing.T) {
	starts := 0

	op := New("test", func(op *Operation) {
		starts++
	})

	op.Start()
	op.Start()

	if starts != 1 {
		t.Fatalf("expected start to run once, ran %d times", starts)
	}

	if op.State() != Running {
		t.Fatalf("expected RUNNING, got %v", op.State())
	}
}

func TestOperationCallbackAfterFinish(t *testing.T) {
	op := Failure(NoSpaceLeftOnDisk, "only %d bytes left", 12)

	var got Kind
	op.OnFinished(func(op *Operation) {
		got = op.Error().Kind
	})

	if got != NoSpaceLeftOnDisk {
		t.Fatalf("expected NoSpaceLeftOnDisk, got %q", got)
	}

	if KindOf(op.Err()) != NoSpaceLeftOnDisk {
		t.Fatalf("KindOf lost the kind")
	}
}

func TestOperationFailWrapsForeignErrors(t *testing.T) {
	cause := errors.New("connection refused")

	op := New("test", func(op *Operation) {
		op.Fail(cause)
	}).Start()

	if op.Error().Kind != FailedRequest {
		t.Fatalf("expected FailedRequest, got %q", op.Error().Kind)
	}

	if !errors.Is(op.Err(), cause) {
		t.Fatalf("expected the cause to be preserved")
	}
}

func TestOperationWait(t *testing.T) {
	release := make(chan struct{})

	op := New("test", func(op *Operation) {
		go func() {
			<-release
			op.SetFinishedWithError(DownloadError, "boom")
		}()
	}).Start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := op.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline, got %v", err)
	}

	close(release)

	err := op.Wait(context.Background())
	if KindOf(err) != DownloadError {
		t.Fatalf("expected DownloadError, got %v", err)
	}
}

func TestOperationConcurrentFinish(t *testing.T) {
	var callbacks int
	var mu sync.Mutex

	op := New("test", func(op *Operation) {
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				op.SetFinished()
			}()
		}
		wg.Wait()
	})

	op.OnFinished(func(*Operation) {
		mu.Lock()
		callbacks++
		mu.Unlock()
	})

	op.Start()

	if callbacks != 1 {
		t.Fatalf("expected exactly one callback, got %d", callbacks)
	}
}

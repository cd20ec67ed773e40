package operation

import (
	"strings"
	"testing"
)

func pending(name string) (*Operation, func(*Error)) {
	var self *Operation

	self = New(name, func(*Operation) {})

	return self, func(err *Error) {
		if err == nil {
			self.SetFinished()
			return
		}
		self.finish(err)
	}
}

func TestCompositeEmpty(t *testing.T) {
	op := NewComposite().Start()

	if op.State() != Finished {
		t.Fatalf("expected FINISHED, got %v", op.State())
	}
}

func TestCompositeWaitsForAllMembers(t *testing.T) {
	a, finishA := pending("a")
	b, finishB := pending("b")

	c := NewComposite(a, b).Start()

	if a.State() != Running || b.State() != Running {
		t.Fatalf("members were not started")
	}

	finishA(nil)

	if c.IsFinished() {
		t.Fatalf("composite finished before all members")
	}

	finishB(nil)

	if c.State() != Finished {
		t.Fatalf("expected FINISHED, got %v", c.State())
	}
}

func TestCompositeErrorIsDeterministic(t *testing.T) {
	a, finishA := pending("first")
	b, finishB := pending("second")
	d, finishD := pending("third")

	c := NewComposite(a, b, d).Start()

	// finish in reverse order, the error must still follow member order
	finishD(Errorf(DownloadError, "store unreachable"))
	finishB(Errorf(FailedRequest, "bad gateway"))
	finishA(nil)

	err := c.Error()
	if err == nil {
		t.Fatalf("expected an error")
	}

	if err.Kind != FailedRequest {
		t.Fatalf("expected kind of first failed member, got %q", err.Kind)
	}

	second := strings.Index(err.Message, "second")
	third := strings.Index(err.Message, "third")
	if second < 0 || third < 0 || second > third {
		t.Fatalf("unexpected message %q", err.Message)
	}
}

func TestCompositeDoesNotRestartMembers(t *testing.T) {
	starts := 0

	member := New("member", func(op *Operation) {
		starts++
		op.SetFinished()
	}).Start()

	c := NewComposite(member).Start()

	if starts != 1 {
		t.Fatalf("member was restarted")
	}

	if c.State() != Finished {
		t.Fatalf("expected FINISHED, got %v", c.State())
	}
}

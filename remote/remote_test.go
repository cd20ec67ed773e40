package remote

import (
	"sync"
	"testing"
	"time"

	"github.com/the-lightning-land/softwared/operation"
	"github.com/the-lightning-land/softwared/orchestrator"
	"github.com/the-lightning-land/softwared/update"
)

type fakeOrchestrator struct {
	mu          sync.Mutex
	calls       []string
	preferred   update.Type
	listener    func(orchestrator.Event)
	downloadErr bool
}

func (o *fakeOrchestrator) record(call string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.calls = append(o.calls, call)
}

func (o *fakeOrchestrator) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]string(nil), o.calls...)
}

func (o *fakeOrchestrator) CheckForUpdates(preferred update.Type) *operation.Operation {
	o.mu.Lock()
	o.preferred = preferred
	o.mu.Unlock()

	o.record("check")

	return operation.Success("")
}

func (o *fakeOrchestrator) DownloadSystemUpdate() *operation.Operation {
	o.record("download")

	if o.downloadErr {
		return operation.Failure(operation.DownloadError, "connection reset")
	}

	return operation.Success("/cache/2.0.0/recovery_2.0.0.squash")
}

func (o *fakeOrchestrator) UpdateSystem() *operation.Operation {
	o.record("apply")
	return operation.Success("")
}

func (o *fakeOrchestrator) AddListener(fn func(orchestrator.Event)) func() {
	o.mu.Lock()
	o.listener = fn
	o.mu.Unlock()

	return func() {}
}

func (o *fakeOrchestrator) emit(event orchestrator.Event) {
	o.mu.Lock()
	fn := o.listener
	o.mu.Unlock()

	fn(event)
}

type staticVersion string

func (v staticVersion) Version() (string, error) {
	return string(v), nil
}

type memoryStore struct {
	target string
}

func (s *memoryStore) TargetVersion() (string, error) {
	return s.target, nil
}

func (s *memoryStore) SetTargetVersion(version string) error {
	s.target = version
	return nil
}

func newTestRemote(t *testing.T, installed string, store *memoryStore) (*Remote, *fakeOrchestrator) {
	t.Helper()

	o := &fakeOrchestrator{}
	r := New(&Config{
		Orchestrator: o,
		Versions:     staticVersion(installed),
		Store:        store,
		SettleDelay:  time.Millisecond,
	})

	t.Cleanup(r.Close)

	return r, o
}

func waitCalls(t *testing.T, o *fakeOrchestrator, n int) []string {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for len(o.list()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d calls, got %v", n, o.list())
		}
		time.Sleep(time.Millisecond)
	}

	return o.list()
}

func TestTargetVersionDrivesUpdate(t *testing.T) {
	store := &memoryStore{}
	r, o := newTestRemote(t, "1.0.0", store)

	if err := r.SetTargetVersion("2.0.0"); err != nil {
		t.Fatal(err)
	}

	if store.target != "2.0.0" {
		t.Fatalf("target was not persisted")
	}

	calls := o.list()
	if len(calls) != 1 || calls[0] != "check" || o.preferred != update.Recovery {
		t.Fatalf("expected a recovery check, got %v (%v)", calls, o.preferred)
	}

	o.emit(orchestrator.SystemUpdateAvailable)

	calls = waitCalls(t, o, 3)
	if calls[1] != "download" || calls[2] != "apply" {
		t.Fatalf("unexpected chain %v", calls)
	}
}

func TestTargetVersionNotNewer(t *testing.T) {
	r, o := newTestRemote(t, "2.0.0", &memoryStore{})

	if err := r.SetTargetVersion("1.5.0"); err != nil {
		t.Fatal(err)
	}

	o.emit(orchestrator.SystemUpdateAvailable)
	time.Sleep(20 * time.Millisecond)

	if calls := o.list(); len(calls) != 0 {
		t.Fatalf("an older target triggered %v", calls)
	}
}

func TestSameTargetIsIgnored(t *testing.T) {
	r, o := newTestRemote(t, "1.0.0", &memoryStore{})

	r.SetTargetVersion("2.0.0")
	r.SetTargetVersion("2.0.0")

	if calls := o.list(); len(calls) != 1 {
		t.Fatalf("expected a single check, got %v", calls)
	}
}

func TestDownloadFailureAbortsChain(t *testing.T) {
	r, o := newTestRemote(t, "1.0.0", &memoryStore{})
	o.downloadErr = true

	r.SetTargetVersion("2.0.0")
	o.emit(orchestrator.SystemUpdateAvailable)

	waitCalls(t, o, 2)
	time.Sleep(20 * time.Millisecond)

	if calls := o.list(); len(calls) != 2 {
		t.Fatalf("chain continued after a failed download: %v", calls)
	}
}

func TestRestoredTarget(t *testing.T) {
	store := &memoryStore{target: "2.0.0"}
	r, o := newTestRemote(t, "1.0.0", store)

	if r.TargetVersion() != "2.0.0" {
		t.Fatalf("target was not restored")
	}

	r.Start()

	if calls := o.list(); len(calls) != 1 || calls[0] != "check" {
		t.Fatalf("expected a check on start, got %v", calls)
	}

	if err := r.UnsetTargetVersion(); err != nil {
		t.Fatal(err)
	}

	if store.target != "" || r.TargetVersion() != "" {
		t.Fatalf("target was not unset")
	}
}

package appmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu         sync.Mutex
	refreshes  int
	refreshErr error
	updates    []byte
	installed  []byte
	installs   [][]byte
}

func (b *fakeBackend) RefreshRepositories(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshes++

	return b.refreshErr
}

func (b *fakeBackend) refreshCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.refreshes
}

func (b *fakeBackend) AddRepository(ctx context.Context, name string, urls []string) error {
	return nil
}

func (b *fakeBackend) RemoveRepository(ctx context.Context, name string) error {
	return nil
}

func (b *fakeBackend) ListUpdates(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.updates, nil
}

func (b *fakeBackend) ListInstalledApplications(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.installed == nil {
		return nil, errors.New("backend is not running")
	}

	return b.installed, nil
}

func (b *fakeBackend) InstallApplications(ctx context.Context, applications []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.installs = append(b.installs, applications)
	b.installed = applications

	return nil
}

func (b *fakeBackend) RemoveApplications(ctx context.Context, applications []byte) error {
	return nil
}

func (b *fakeBackend) DownloadApplicationUpdates(ctx context.Context, updates []byte) error {
	return nil
}

func (b *fakeBackend) UpdateApplications(ctx context.Context, updates []byte) error {
	return nil
}

func (b *fakeBackend) UpdateSystem(ctx context.Context, path string) error {
	return nil
}

func (b *fakeBackend) SetSubscribedToProgress(ctx context.Context, subscribed bool) error {
	return nil
}

func (b *fakeBackend) AllProperties(ctx context.Context) (map[string]interface{}, error) {
	return nil, nil
}

type memoryState struct {
	mu   sync.Mutex
	last time.Time
}

func (s *memoryState) LastApplicationCheck() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.last, nil
}

func (s *memoryState) SetLastApplicationCheck(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = t

	return nil
}

func TestCheckForApplicationUpdates(t *testing.T) {
	b := &fakeBackend{updates: []byte(`[{"name":"lnd","version":"0.17.0"}]`)}
	state := &memoryState{}

	m := New(&Config{Backend: b, State: state})

	var events []Event
	m.AddListener(func(e Event) {
		events = append(events, e)
	})

	if err := m.CheckForApplicationUpdates(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if state.last.IsZero() || m.LastCheck().IsZero() {
		t.Fatalf("time of the check was not recorded")
	}

	if string(m.ApplicationUpdates()) != `[{"name":"lnd","version":"0.17.0"}]` {
		t.Fatalf("unexpected updates %s", m.ApplicationUpdates())
	}

	if len(events) != 2 || events[0] != LastCheckChanged || events[1] != ApplicationUpdatesChanged {
		t.Fatalf("unexpected events %v", events)
	}

	// an unchanged list is no news
	m.RefreshUpdateList(context.Background())
	if len(events) != 2 {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestFailedCheckKeepsLastCheck(t *testing.T) {
	b := &fakeBackend{refreshErr: errors.New("repository unreachable")}
	m := New(&Config{Backend: b})

	if err := m.CheckForApplicationUpdates(context.Background()); err == nil {
		t.Fatalf("expected an error")
	}

	if !m.LastCheck().IsZero() {
		t.Fatalf("a failed check was recorded")
	}
}

func TestInstallRefreshesInstalledApplications(t *testing.T) {
	b := &fakeBackend{}
	m := New(&Config{Backend: b})

	changed := 0
	m.AddListener(func(e Event) {
		if e == InstalledApplicationsChanged {
			changed++
		}
	})

	if err := m.InstallApplications(context.Background(), []byte(`["rtl"]`)); err != nil {
		t.Fatal(err)
	}

	if string(m.InstalledApplications()) != `["rtl"]` || changed != 1 {
		t.Fatalf("installed applications were not refreshed: %s", m.InstalledApplications())
	}
}

func TestAddRepositoryValidates(t *testing.T) {
	m := New(&Config{Backend: &fakeBackend{}})

	if err := m.AddRepository(context.Background(), "", nil); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestNextCheck(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		lastCheck time.Time
		expected  time.Duration
	}{
		{"never checked", time.Time{}, 0},
		{"overdue", now.Add(-4 * 24 * time.Hour), 0},
		{"recent", now.Add(-24 * time.Hour), 2 * 24 * time.Hour},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := New(&Config{
				Backend: &fakeBackend{},
				State:   &memoryState{last: test.lastCheck},
			})

			if delay := m.nextCheck(now); delay != test.expected {
				t.Fatalf("expected %v, got %v", test.expected, delay)
			}
		})
	}
}

func TestRunChecksWhenOverdue(t *testing.T) {
	b := &fakeBackend{}
	m := New(&Config{Backend: b, State: &memoryState{}})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() {
		done <- m.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for b.refreshCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no check was run")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()

	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if b.refreshCount() != 1 {
		t.Fatalf("expected a single check, got %d", b.refreshCount())
	}
}

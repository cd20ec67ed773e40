package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/the-lightning-land/softwared/operation"
	"github.com/the-lightning-land/softwared/progress"
	"github.com/the-lightning-land/softwared/update"
)

type fakeOrchestrator struct {
	mu        sync.Mutex
	candidate update.SystemUpdate
	preferred update.Type
	download  *operation.Operation
	apply     *operation.Operation
	cleaned   int
}

func (o *fakeOrchestrator) SystemUpdate() update.SystemUpdate {
	return o.candidate
}

func (o *fakeOrchestrator) LastCheckForUpdates() time.Time {
	return time.UnixMilli(1700000000000)
}

func (o *fakeOrchestrator) Applying() bool {
	return false
}

func (o *fakeOrchestrator) CheckForUpdates(preferred update.Type) *operation.Operation {
	o.mu.Lock()
	o.preferred = preferred
	o.mu.Unlock()

	return operation.Success("")
}

func (o *fakeOrchestrator) DownloadSystemUpdate() *operation.Operation {
	return o.download
}

func (o *fakeOrchestrator) UpdateSystem() *operation.Operation {
	return o.apply
}

func (o *fakeOrchestrator) CleanCache() error {
	o.cleaned++
	return nil
}

func (o *fakeOrchestrator) ClearCache() error {
	o.cleaned++
	return nil
}

type fakeRemote struct {
	target string
}

func (r *fakeRemote) TargetVersion() string {
	return r.target
}

func (r *fakeRemote) SetTargetVersion(version string) error {
	r.target = version
	return nil
}

func (r *fakeRemote) UnsetTargetVersion() error {
	r.target = ""
	return nil
}

type nopBackend struct{}

func (nopBackend) SetSubscribedToProgress(ctx context.Context, subscribed bool) error {
	return nil
}

func (nopBackend) AllProperties(ctx context.Context) (map[string]interface{}, error) {
	return nil, nil
}

type fixture struct {
	server       *httptest.Server
	orchestrator *fakeOrchestrator
	remote       *fakeRemote
	hub          *progress.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		orchestrator: &fakeOrchestrator{
			candidate: update.SystemUpdate{Type: update.Recovery, Version: "1.2.0", DownloadSize: 42, Checksum: "abc"},
		},
		remote: &fakeRemote{},
		hub:    progress.NewHub(&progress.Config{Backend: nopBackend{}}),
	}

	t.Cleanup(f.hub.Close)

	a := New(&Config{
		Orchestrator: f.orchestrator,
		Remote:       f.remote,
		Progress:     f.hub,
	})

	f.server = httptest.NewServer(a.Handler())
	t.Cleanup(f.server.Close)

	return f
}

func (f *fixture) do(t *testing.T, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	buf := &bytes.Buffer{}
	buf.ReadFrom(res.Body)

	return res, buf.Bytes()
}

func TestGetSystemUpdate(t *testing.T) {
	f := newFixture(t)
	f.remote.target = "1.2.0"

	res, body := f.do(t, http.MethodGet, "/api/v1/system/update", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", res.StatusCode)
	}

	var decoded struct {
		SystemUpdate struct {
			ArtifactType string `json:"artifact_type"`
			Version      string `json:"version"`
		} `json:"systemUpdate"`
		LastCheckForUpdates int64  `json:"lastCheckForUpdates"`
		TargetVersion       string `json:"targetVersion"`
	}

	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("could not decode %s: %v", body, err)
	}

	if decoded.SystemUpdate.ArtifactType != "recovery" || decoded.SystemUpdate.Version != "1.2.0" {
		t.Fatalf("unexpected update %s", body)
	}

	if decoded.LastCheckForUpdates != 1700000000000 || decoded.TargetVersion != "1.2.0" {
		t.Fatalf("unexpected status %s", body)
	}
}

func TestPostCheck(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name      string
		body      string
		status    int
		preferred update.Type
	}{
		{"default", "", http.StatusOK, update.Recovery},
		{"incremental", `{"preferredType":1}`, http.StatusOK, update.Incremental},
		{"unknown type", `{"preferredType":7}`, http.StatusBadRequest, update.None},
		{"malformed", `{`, http.StatusBadRequest, update.None},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f.orchestrator.preferred = update.None

			res, body := f.do(t, http.MethodPost, "/api/v1/system/update/check", test.body)
			if res.StatusCode != test.status {
				t.Fatalf("expected %d, got %d: %s", test.status, res.StatusCode, body)
			}

			if f.orchestrator.preferred != test.preferred {
				t.Fatalf("expected %v, got %v", test.preferred, f.orchestrator.preferred)
			}
		})
	}
}

func TestOperationErrors(t *testing.T) {
	f := newFixture(t)
	f.orchestrator.download = operation.Failure(operation.NoSpaceLeftOnDisk, "1024 bytes needed, 12 available")
	f.orchestrator.apply = operation.Failure(operation.BadRequest, "no system update available")

	res, body := f.do(t, http.MethodPost, "/api/v1/system/update/download", "")
	if res.StatusCode != http.StatusInsufficientStorage {
		t.Fatalf("unexpected status %d", res.StatusCode)
	}

	var e errorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Kind != operation.NoSpaceLeftOnDisk {
		t.Fatalf("unexpected error body %s", body)
	}

	res, _ = f.do(t, http.MethodPost, "/api/v1/system/update/apply", "")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", res.StatusCode)
	}
}

func TestAsyncApply(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	f.orchestrator.apply = operation.New("recovery update", func(op *operation.Operation) {
		go func() {
			<-release
			op.SetFinished()
		}()
	}).Start()
	defer close(release)

	res, body := f.do(t, http.MethodPost, "/api/v1/system/update/apply?async=true", "")
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", res.StatusCode, body)
	}

	var decoded operationResponse
	if err := json.Unmarshal(body, &decoded); err != nil || decoded.State != "RUNNING" {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestTargetVersion(t *testing.T) {
	f := newFixture(t)

	res, _ := f.do(t, http.MethodPut, "/api/v1/system/update/target", `{"version":"not a version"}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid version was accepted")
	}

	res, _ = f.do(t, http.MethodPut, "/api/v1/system/update/target", `{"version":"2.0.0"}`)
	if res.StatusCode != http.StatusOK || f.remote.target != "2.0.0" {
		t.Fatalf("target was not set")
	}

	res, _ = f.do(t, http.MethodDelete, "/api/v1/system/update/target", "")
	if res.StatusCode != http.StatusOK || f.remote.target != "" {
		t.Fatalf("target was not unset")
	}
}

func TestCache(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/api/v1/system/cache/clean", "/api/v1/system/cache/clear"} {
		res, _ := f.do(t, http.MethodPost, path, "")
		if res.StatusCode != http.StatusNoContent {
			t.Fatalf("%s: unexpected status %d", path, res.StatusCode)
		}
	}

	if f.orchestrator.cleaned != 2 {
		t.Fatalf("cache was not cleaned")
	}
}

func TestProgressEventsSubscribe(t *testing.T) {
	f := newFixture(t)
	f.hub.SetBackendAvailable(true)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/progress/events"

	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("could not connect: %v", err)
	}

	var first progressEvent
	if err := c.ReadJSON(&first); err != nil || first.Signal != "state" {
		t.Fatalf("expected the current state first, got %+v (%v)", first, err)
	}

	if f.hub.Subscriptions("ws-1") != 1 || !f.hub.IsSubscribed() {
		t.Fatalf("websocket observer did not subscribe")
	}

	tx := f.hub.StartLocalTransaction()
	tx.SetProgress(30, 512)

	var event progressEvent
	for event.State.Percent != 30 {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := c.ReadJSON(&event); err != nil {
			t.Fatalf("did not receive progress: %v", err)
		}
	}

	tx.Finished()
	c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.IsSubscribed() {
		if time.Now().After(deadline) {
			t.Fatalf("closed websocket still holds a subscription")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeApplications struct {
	installed []byte
}

func (f *fakeApplications) ApplicationUpdates() []byte {
	return nil
}

func (f *fakeApplications) InstalledApplications() []byte {
	return f.installed
}

func (f *fakeApplications) CheckForApplicationUpdates(ctx context.Context) error {
	return nil
}

func (f *fakeApplications) InstallApplications(ctx context.Context, applications []byte) error {
	f.installed = applications
	return nil
}

func (f *fakeApplications) RemoveApplications(ctx context.Context, applications []byte) error {
	f.installed = nil
	return nil
}

func TestApplications(t *testing.T) {
	apps := &fakeApplications{}

	a := New(&Config{
		Orchestrator: &fakeOrchestrator{},
		Applications: apps,
		Progress:     progress.NewHub(&progress.Config{Backend: nopBackend{}}),
	})

	server := httptest.NewServer(a.Handler())
	defer server.Close()

	f := &fixture{server: server}

	_, body := f.do(t, http.MethodGet, "/api/v1/applications/updates", "")
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("expected an empty list, got %s", body)
	}

	res, _ := f.do(t, http.MethodPost, "/api/v1/applications/install", "not json")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid body was accepted")
	}

	res, body = f.do(t, http.MethodPost, "/api/v1/applications/install", `[{"id":"lnd"}]`)
	if res.StatusCode != http.StatusOK || string(body) != `[{"id":"lnd"}]` {
		t.Fatalf("unexpected install response %d %s", res.StatusCode, body)
	}
}

func TestApplicationsDisabled(t *testing.T) {
	f := newFixture(t)

	res, _ := f.do(t, http.MethodGet, "/api/v1/applications", "")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("application routes should not exist without a backend")
	}
}

package source

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/the-lightning-land/softwared/appliance"
	"github.com/the-lightning-land/softwared/cache"
	"github.com/the-lightning-land/softwared/operation"
	"github.com/the-lightning-land/softwared/progress"
	"github.com/the-lightning-land/softwared/update"
)

type staticIdentity appliance.Identity

func (s staticIdentity) Identity() (appliance.Identity, error) {
	return appliance.Identity(s), nil
}

var testIdentity = staticIdentity{
	Version:    "1.0.0",
	Name:       "candy",
	Variant:    "pi3",
	HardwareID: "0f1e2d3c",
}

type imageStoreServer struct {
	*httptest.Server

	payload   atomic.Value
	checksum  string
	status    int32
	checks    int32
	downloads int32
	lastQuery atomic.Value
}

func newImageStoreServer(t *testing.T, artifactType string, version string, payload []byte) *imageStoreServer {
	t.Helper()

	sum := sha1.Sum(payload)

	s := &imageStoreServer{
		checksum: hex.EncodeToString(sum[:]),
		status:   http.StatusOK,
	}
	s.payload.Store(payload)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/updates/candy_pi3/latest" {
			http.NotFound(w, r)
			return
		}

		if r.Header.Get("Authorization") != "device-key" || r.Header.Get("X-Hardware-ID") != "0f1e2d3c" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		s.lastQuery.Store(r.URL.Query())

		status := int(atomic.LoadInt32(&s.status))
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}

		payload := s.payload.Load().([]byte)

		switch r.Method {
		case http.MethodOptions:
			atomic.AddInt32(&s.checks, 1)
			fmt.Fprintf(w, `{"artifact_type":%q,"version":%q,"download_size":%d,"checksum":%q}`,
				artifactType, version, len(payload), s.checksum)
		case http.MethodGet:
			atomic.AddInt32(&s.downloads, 1)
			w.Write(payload)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))

	t.Cleanup(s.Close)

	return s
}

func newTestStore(t *testing.T, endpoint string) (*ImageStore, *cache.Cache, *progress.Hub) {
	t.Helper()

	c := cache.New(&cache.Config{Root: t.TempDir()})
	hub := progress.NewHub(&progress.Config{})
	t.Cleanup(hub.Close)

	s, err := NewImageStore(&ImageStoreConfig{
		Name:     "test",
		Endpoint: endpoint,
		APIKey:   "device-key",
		Identity: testIdentity,
		Cache:    c,
		Progress: hub,
	})
	if err != nil {
		t.Fatalf("could not create source: %v", err)
	}

	t.Cleanup(s.Close)

	return s, c, hub
}

func wait(t *testing.T, op *operation.Operation) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := op.Wait(ctx)
	if err == context.DeadlineExceeded {
		t.Fatalf("operation %s did not finish", op.Name())
	}

	return err
}

func TestCheckForUpdates(t *testing.T) {
	server := newImageStoreServer(t, "update", "1.2.0", []byte("artifact"))
	s, _, _ := newTestStore(t, server.URL)

	changes := 0
	s.OnUpdateChanged(func() {
		changes++
	})

	if err := wait(t, s.CheckForUpdates(update.Incremental)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	query := server.lastQuery.Load().(url.Values)
	if query["from_version"][0] != "1.0.0" || query["device_id"][0] != "0f1e2d3c" {
		t.Fatalf("unexpected incremental query %v", query)
	}

	metadata := s.UpdateMetadata()
	if metadata.Type != update.Incremental || metadata.Version != "1.2.0" {
		t.Fatalf("unexpected metadata %+v", metadata)
	}

	if err := wait(t, s.CheckForUpdates(update.Incremental)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if changes != 1 {
		t.Fatalf("expected one change notification, got %d", changes)
	}
}

func TestCheckForRecoveryUpdates(t *testing.T) {
	server := newImageStoreServer(t, "recovery", "1.2.0", []byte("artifact"))
	s, _, _ := newTestStore(t, server.URL)

	if err := wait(t, s.CheckForUpdates(update.Recovery)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	query := server.lastQuery.Load().(url.Values)
	if _, ok := query["from_version"]; ok {
		t.Fatalf("recovery checks must not send from_version: %v", query)
	}

	if s.UpdateMetadata().Type != update.Recovery {
		t.Fatalf("unexpected metadata %+v", s.UpdateMetadata())
	}
}

func TestCheckForUpdatesIgnoresOlderVersions(t *testing.T) {
	server := newImageStoreServer(t, "recovery", "1.0.0", []byte("artifact"))
	s, _, _ := newTestStore(t, server.URL)

	if err := wait(t, s.CheckForUpdates(update.Recovery)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.UpdateMetadata().IsValid() {
		t.Fatalf("the installed version was offered as an update")
	}
}

func TestCheckForUpdatesNotFound(t *testing.T) {
	server := newImageStoreServer(t, "recovery", "1.2.0", []byte("artifact"))
	s, _, _ := newTestStore(t, server.URL)

	if err := wait(t, s.CheckForUpdates(update.Recovery)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	atomic.StoreInt32(&server.status, http.StatusNotFound)

	if err := wait(t, s.CheckForUpdates(update.Recovery)); err != nil {
		t.Fatalf("a missing update must not be an error, got %v", err)
	}

	if s.UpdateMetadata().IsValid() {
		t.Fatalf("expected the metadata to be cleared")
	}
}

func TestCheckForUpdatesServerError(t *testing.T) {
	server := newImageStoreServer(t, "recovery", "1.2.0", []byte("artifact"))
	atomic.StoreInt32(&server.status, http.StatusBadGateway)

	s, _, _ := newTestStore(t, server.URL)

	err := wait(t, s.CheckForUpdates(update.Recovery))
	if operation.KindOf(err) != operation.FailedRequest {
		t.Fatalf("expected FailedRequest, got %v", err)
	}
}

func TestDownloadWithoutMetadata(t *testing.T) {
	s, _, _ := newTestStore(t, "http://127.0.0.1:1")

	err := wait(t, s.DownloadAvailableUpdate())
	if operation.KindOf(err) != operation.BadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestDownloadAvailableUpdate(t *testing.T) {
	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	server := newImageStoreServer(t, "recovery", "1.2.0", payload)
	s, c, hub := newTestStore(t, server.URL)

	var percents []int32
	hub.AddListener(func(signal progress.Signal, state progress.State) {
		if signal == progress.ProgressChanged && state.Active() {
			percents = append(percents, state.Percent)
		}
	})

	if err := wait(t, s.CheckForUpdates(update.Recovery)); err != nil {
		t.Fatal(err)
	}

	op := s.DownloadAvailableUpdate()
	if err := wait(t, op); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := c.Path(update.Recovery, "1.2.0")
	if op.Result() != expected {
		t.Fatalf("expected %s, got %s", expected, op.Result())
	}

	data, err := os.ReadFile(expected)
	if err != nil || len(data) != len(payload) {
		t.Fatalf("artifact was not stored: %v", err)
	}

	if len(percents) == 0 || percents[len(percents)-1] != 100 {
		t.Fatalf("download progress was not reported: %v", percents)
	}

	if hub.State().Active() {
		t.Fatalf("the local transaction was not finished")
	}

	// a verified cache entry is reused without touching the network
	op = s.DownloadAvailableUpdate()
	if err := wait(t, op); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if downloads := atomic.LoadInt32(&server.downloads); downloads != 1 {
		t.Fatalf("expected a single download, got %d", downloads)
	}
}

func TestDownloadReplacesStaleArtifact(t *testing.T) {
	server := newImageStoreServer(t, "recovery", "1.2.0", []byte("fresh artifact"))
	s, c, _ := newTestStore(t, server.URL)

	if err := wait(t, s.CheckForUpdates(update.Recovery)); err != nil {
		t.Fatal(err)
	}

	path, err := c.EntryFor(update.Recovery, "1.2.0")
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("corrupted"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := wait(t, s.DownloadAvailableUpdate()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if downloads := atomic.LoadInt32(&server.downloads); downloads != 1 {
		t.Fatalf("expected a fresh download, got %d", downloads)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "fresh artifact" {
		t.Fatalf("stale artifact was kept: %q", data)
	}
}

func TestDownloadChecksumMismatch(t *testing.T) {
	server := newImageStoreServer(t, "update", "1.2.0", []byte("artifact"))
	s, c, _ := newTestStore(t, server.URL)

	if err := wait(t, s.CheckForUpdates(update.Incremental)); err != nil {
		t.Fatal(err)
	}

	server.payload.Store([]byte("tampered"))

	err := wait(t, s.DownloadAvailableUpdate())
	if operation.KindOf(err) != operation.ChecksumMismatch {
		t.Fatalf("expected ChecksumMismatch, got %v", err)
	}

	path := c.Path(update.Incremental, "1.2.0")
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 0 {
		t.Fatalf("expected no artifact left behind, found %v", entries)
	}
}

func TestPlatformAPIKey(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "endpoint.conf")

	var got atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("X-API-Key"))
		http.NotFound(w, r)
	}))
	defer server.Close()

	s, err := NewImageStore(&ImageStoreConfig{
		Endpoint:        server.URL,
		PlatformKeyFile: keyFile,
		Identity:        testIdentity,
		Cache:           cache.New(&cache.Config{Root: dir}),
		Progress:        progress.NewHub(&progress.Config{}),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(keyFile, []byte("apiKey = platform-secret\n"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := wait(t, s.CheckForUpdates(update.Recovery)); err != nil {
		t.Fatal(err)
	}

	if got.Load() != "platform-secret" {
		t.Fatalf("expected the platform key header, got %v", got.Load())
	}
}

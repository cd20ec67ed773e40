package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func newTestClient(t *testing.T, handler http.Handler) *client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := newClient(strings.TrimPrefix(server.URL, "http://"), 0)
	if err != nil {
		t.Fatal(err)
	}

	return c
}

func TestStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/system/update" {
			http.NotFound(w, r)
			return
		}

		w.Write([]byte(`{"systemUpdate":{"artifact_type":"recovery","version":"2.0.0","download_size":10},"lastCheckForUpdates":0,"applying":false}`))
	}))

	s, err := c.status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := formatStatus(s)
	if !strings.Contains(out, "recovery 2.0.0") || !strings.Contains(out, "never") {
		t.Fatalf("unexpected status output:\n%s", out)
	}
}

func TestOperationError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInsufficientStorage)
		w.Write([]byte(`{"kind":"NoSpaceLeftOnDisk","message":"10 bytes needed, 2 available"}`))
	}))

	_, err := c.operation(context.Background(), "/system/update/download", nil)

	var e *apiError
	if !errors.As(err, &e) || e.Kind != "NoSpaceLeftOnDisk" || e.Status != http.StatusInsufficientStorage {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestFollow(t *testing.T) {
	upgrader := websocket.Upgrader{}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(progressEvent{Signal: "state"})
		conn.WriteJSON(progressEvent{Signal: "progressChanged", State: progressState{OperationID: "op", Percent: 40, Rate: -1}})
		conn.ReadMessage()
	}))

	var lines []string
	err := c.follow(context.Background(), func(event progressEvent) bool {
		lines = append(lines, formatProgress(event))
		return len(lines) < 2
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if lines[0] != "idle" || lines[1] != "op step 0  40%" {
		t.Fatalf("unexpected lines %q", lines)
	}
}

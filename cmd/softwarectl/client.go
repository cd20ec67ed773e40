package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type apiError struct {
	Status  int
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("%s (%d)", e.Message, e.Status)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

type systemUpdate struct {
	ArtifactType string `json:"artifact_type"`
	Version      string `json:"version"`
	DownloadSize int64  `json:"download_size"`
	Checksum     string `json:"checksum"`
}

type systemStatus struct {
	SystemUpdate        systemUpdate `json:"systemUpdate"`
	LastCheckForUpdates int64        `json:"lastCheckForUpdates"`
	Applying            bool         `json:"applying"`
	TargetVersion       string       `json:"targetVersion"`
}

type operationResult struct {
	Operation string `json:"operation"`
	State     string `json:"state"`
	Result    string `json:"result"`
}

type progressState struct {
	OperationID   string `json:"operationId"`
	OperationType uint32 `json:"operationType"`
	CurrentStep   uint32 `json:"currentStep"`
	Description   string `json:"description"`
	Percent       int32  `json:"percent"`
	Rate          int32  `json:"rate"`
}

type progressEvent struct {
	Signal string        `json:"signal"`
	State  progressState `json:"state"`
}

// client talks to the HTTP API of softwared.
type client struct {
	base *url.URL
	http *http.Client
}

func newClient(address string, timeout time.Duration) (*client, error) {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}

	base, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid api address %q: %w", address, err)
	}

	return &client{
		base: base,
		http: &http.Client{Timeout: timeout},
	}, nil
}

func (c *client) url(path string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1" + path

	return u.String()
}

func (c *client) do(ctx context.Context, method string, path string, in interface{}, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return err
	}

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		e := &apiError{Status: res.StatusCode}
		if err := json.NewDecoder(res.Body).Decode(e); err != nil || e.Message == "" {
			e.Message = http.StatusText(res.StatusCode)
		}

		return e
	}

	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}

	return json.NewDecoder(res.Body).Decode(out)
}

func (c *client) status(ctx context.Context) (*systemStatus, error) {
	s := &systemStatus{}
	if err := c.do(ctx, http.MethodGet, "/system/update", nil, s); err != nil {
		return nil, err
	}

	return s, nil
}

func (c *client) operation(ctx context.Context, path string, in interface{}) (*operationResult, error) {
	r := &operationResult{}
	if err := c.do(ctx, http.MethodPost, path, in, r); err != nil {
		return nil, err
	}

	return r, nil
}

// follow streams progress events to fn until ctx is done or fn returns
// false.
func (c *client) follow(ctx context.Context, fn func(progressEvent) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/progress/events"

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("could not follow progress: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var event progressEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("progress stream ended: %w", err)
		}

		if !fn(event) {
			return conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
	}
}

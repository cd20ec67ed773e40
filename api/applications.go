package api

import (
	"encoding/json"
	"io"
	"net/http"
)

// writeRawJSON responds with a JSON document kept as bytes by the backend.
func (a *Api) writeRawJSON(w http.ResponseWriter, data []byte) {
	if len(data) == 0 {
		data = []byte("[]")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		a.log.Errorf("Could not respond with JSON: %v", err)
	}
}

// readRawJSON reads a request body that must be valid JSON.
func (a *Api) readRawJSON(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		a.jsonError(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	if !json.Valid(data) {
		a.jsonError(w, "request body is not valid JSON", http.StatusBadRequest)
		return nil, false
	}

	return data, true
}

func (a *Api) handleGetApplications() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.writeRawJSON(w, a.applications.InstalledApplications())
	}
}

func (a *Api) handleGetApplicationUpdates() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.writeRawJSON(w, a.applications.ApplicationUpdates())
	}
}

func (a *Api) handlePostApplicationCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.applications.CheckForApplicationUpdates(r.Context()); err != nil {
			a.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		a.writeRawJSON(w, a.applications.ApplicationUpdates())
	}
}

func (a *Api) handlePostInstall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applications, ok := a.readRawJSON(w, r)
		if !ok {
			return
		}

		if err := a.applications.InstallApplications(r.Context(), applications); err != nil {
			a.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		a.writeRawJSON(w, a.applications.InstalledApplications())
	}
}

func (a *Api) handlePostRemove() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applications, ok := a.readRawJSON(w, r)
		if !ok {
			return
		}

		if err := a.applications.RemoveApplications(r.Context(), applications); err != nil {
			a.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		a.writeRawJSON(w, a.applications.InstalledApplications())
	}
}

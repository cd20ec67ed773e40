package api

import (
	"encoding/json"
	"net/http"

	"github.com/the-lightning-land/softwared/operation"
	"github.com/the-lightning-land/softwared/update"
)

type systemUpdateResponse struct {
	SystemUpdate        update.SystemUpdate `json:"systemUpdate"`
	LastCheckForUpdates int64               `json:"lastCheckForUpdates"`
	Applying            bool                `json:"applying"`
	TargetVersion       string              `json:"targetVersion,omitempty"`
}

type postCheckRequest struct {
	PreferredType update.Type `json:"preferredType"`
}

type operationResponse struct {
	Operation string `json:"operation"`
	State     string `json:"state"`
	Result    string `json:"result,omitempty"`
}

type putTargetRequest struct {
	Version string `json:"version"`
}

func (a *Api) systemUpdateResponse() *systemUpdateResponse {
	res := &systemUpdateResponse{
		SystemUpdate: a.orchestrator.SystemUpdate(),
		Applying:     a.orchestrator.Applying(),
	}

	if last := a.orchestrator.LastCheckForUpdates(); !last.IsZero() {
		res.LastCheckForUpdates = last.UnixMilli()
	}

	if a.remote != nil {
		res.TargetVersion = a.remote.TargetVersion()
	}

	return res
}

func (a *Api) handleGetSystemUpdate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.jsonResponse(w, a.systemUpdateResponse(), http.StatusOK)
	}
}

// respondOperation waits for op unless the request asks not to, and responds
// with its outcome.
func (a *Api) respondOperation(w http.ResponseWriter, r *http.Request, op *operation.Operation) {
	if r.URL.Query().Get("async") == "true" {
		a.jsonResponse(w, &operationResponse{
			Operation: op.Name(),
			State:     op.State().String(),
		}, http.StatusAccepted)
		return
	}

	if err := op.Wait(r.Context()); err != nil {
		if r.Context().Err() != nil {
			a.log.Infof("Client left before %s finished", op.Name())
			return
		}

		a.operationError(w, err)
		return
	}

	a.jsonResponse(w, &operationResponse{
		Operation: op.Name(),
		State:     op.State().String(),
		Result:    op.Result(),
	}, http.StatusOK)
}

func (a *Api) handlePostCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := postCheckRequest{PreferredType: update.Recovery}

		if r.ContentLength != 0 {
			err := json.NewDecoder(r.Body).Decode(&req)
			if err != nil {
				a.jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		if req.PreferredType != update.Incremental && req.PreferredType != update.Recovery {
			a.jsonError(w, "preferredType must be 1 (incremental) or 2 (recovery)", http.StatusBadRequest)
			return
		}

		a.respondOperation(w, r, a.orchestrator.CheckForUpdates(req.PreferredType))
	}
}

func (a *Api) handlePostDownload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.respondOperation(w, r, a.orchestrator.DownloadSystemUpdate())
	}
}

func (a *Api) handlePostApply() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.respondOperation(w, r, a.orchestrator.UpdateSystem())
	}
}

func (a *Api) handlePutTarget() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.remote == nil {
			a.jsonError(w, "remote updates are disabled", http.StatusNotFound)
			return
		}

		req := putTargetRequest{}
		err := json.NewDecoder(r.Body).Decode(&req)
		if err != nil {
			a.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if _, err := update.CompareVersions(req.Version, req.Version); err != nil {
			a.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := a.remote.SetTargetVersion(req.Version); err != nil {
			a.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		a.jsonResponse(w, a.systemUpdateResponse(), http.StatusOK)
	}
}

func (a *Api) handleDeleteTarget() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.remote == nil {
			a.jsonError(w, "remote updates are disabled", http.StatusNotFound)
			return
		}

		if err := a.remote.UnsetTargetVersion(); err != nil {
			a.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		a.jsonResponse(w, a.systemUpdateResponse(), http.StatusOK)
	}
}

func (a *Api) handlePostCleanCache() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.orchestrator.CleanCache(); err != nil {
			a.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *Api) handlePostClearCache() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.orchestrator.ClearCache(); err != nil {
			a.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/the-lightning-land/softwared/operation"
)

type errorResponse struct {
	Kind    operation.Kind `json:"kind,omitempty"`
	Message string         `json:"message"`
}

func (a *Api) jsonResponse(w http.ResponseWriter, v interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		a.log.Errorf("Could not respond with JSON: %v", err)
	}
}

func (a *Api) jsonError(w http.ResponseWriter, message string, code int) {
	a.jsonResponse(w, &errorResponse{Message: message}, code)
}

// operationError responds with the kind and message of err.
func (a *Api) operationError(w http.ResponseWriter, err error) {
	e := operation.Wrap(operation.FailedRequest, err)

	a.jsonResponse(w, &errorResponse{
		Kind:    e.Kind,
		Message: e.Message,
	}, statusForKind(e.Kind))
}

func statusForKind(kind operation.Kind) int {
	switch kind {
	case operation.BadRequest:
		return http.StatusBadRequest
	case operation.NoSpaceLeftOnDisk:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

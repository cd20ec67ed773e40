package dbusapi

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/the-lightning-land/softwared/operation"
)

const ErrorPrefix = "land.lightning.Software.Error."

// ErrorName returns the bus error name of kind.
func ErrorName(kind operation.Kind) string {
	return ErrorPrefix + string(kind)
}

// KindFromErrorName is the inverse of ErrorName. Unknown names map to
// FailedRequest.
func KindFromErrorName(name string) operation.Kind {
	if !strings.HasPrefix(name, ErrorPrefix) {
		return operation.FailedRequest
	}

	candidate := operation.Kind(strings.TrimPrefix(name, ErrorPrefix))
	for _, kind := range operation.Kinds {
		if kind == candidate {
			return kind
		}
	}

	return operation.FailedRequest
}

func busError(err error) *dbus.Error {
	if err == nil {
		return nil
	}

	e := operation.Wrap(operation.FailedRequest, err)

	return dbus.NewError(ErrorName(e.Kind), []interface{}{e.Message})
}

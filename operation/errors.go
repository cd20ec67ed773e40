package operation

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind string

const (
	BadRequest        Kind = "BadRequest"
	FailedRequest     Kind = "FailedRequest"
	DownloadError     Kind = "DownloadError"
	InvalidPackage    Kind = "InvalidPackage"
	RemountError      Kind = "RemountError"
	ExtractionError   Kind = "ExtractionError"
	RecoveryNotSet    Kind = "RecoveryNotSet"
	NoSpaceLeftOnDisk Kind = "NoSpaceLeftOnDisk"
	ChecksumMismatch  Kind = "ChecksumMismatch"
	RegistrationError Kind = "RegistrationError"
)

// Kinds lists every known kind.
var Kinds = []Kind{
	BadRequest,
	FailedRequest,
	DownloadError,
	InvalidPackage,
	RemountError,
	ExtractionError,
	RecoveryNotSet,
	NoSpaceLeftOnDisk,
	ChecksumMismatch,
	RegistrationError,
}

// Error is the error every operation finishes with when it fails.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Errorf creates an error of the given kind.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap turns any error into an *Error. Errors that already carry a kind
// keep it, everything else becomes the given kind.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return &Error{
		Kind:    kind,
		Message: err.Error(),
		Cause:   err,
	}
}

// KindOf returns the kind of err, FailedRequest for foreign errors and the
// empty kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return FailedRequest
}

package backend

import (
	"errors"
	"fmt"
)

// ErrTimedOut reports that a backend call exceeded its wall-clock budget
// and was abandoned. It is distinct from backend failures so callers can
// track the two separately.
var ErrTimedOut = errors.New("backend call timed out")

// ErrorCode classifies a processing failure.
type ErrorCode string

const (
	ErrorValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrorTransformFailed  ErrorCode = "TRANSFORM_FAILED"
	ErrorBackendFailed    ErrorCode = "BACKEND_FAILED"
	ErrorBackendTimeout   ErrorCode = "BACKEND_TIMEOUT"
	ErrorCacheFailed      ErrorCode = "CACHE_FAILED"
)

// ProcessingError is a structured error carrying a classification code,
// the image it relates to, and the underlying cause.
type ProcessingError struct {
	Code    ErrorCode
	Message string
	Path    string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// NewValidationError reports an input file that cannot be processed at
// all: missing, empty, or over the size limit.
func NewValidationError(path, message string, cause error) *ProcessingError {
	return &ProcessingError{Code: ErrorValidationFailed, Message: message, Path: path, Cause: cause}
}

// NewBackendError wraps a failure raised by the recognition backend.
func NewBackendError(path string, cause error) *ProcessingError {
	return &ProcessingError{Code: ErrorBackendFailed, Message: "recognition backend failed", Path: path, Cause: cause}
}

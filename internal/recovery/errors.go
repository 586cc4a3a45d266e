package recovery

import (
	"errors"
	"fmt"

	"github.com/uploadguard/backend/internal/models"
)

// Error codes surfaced to callers.
const (
	CodeFileTooLarge         = "FILE_TOO_LARGE"
	CodeOperationNotFound    = "OPERATION_NOT_FOUND"
	CodeOperationExists      = "OPERATION_EXISTS"
	CodeOperationBusy        = "OPERATION_BUSY"
	CodeSequenceMismatch     = "SEQUENCE_MISMATCH"
	CodeStreamChunkFailed    = "STREAM_CHUNK_FAILED"
	CodeStreamFinalizeFailed = "STREAM_FINALIZE_FAILED"
	CodeModuleNotLoaded      = "MODULE_NOT_LOADED"
	CodeModuleInitFailed     = "MODULE_INIT_FAILED"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
	CodeContentTooLarge      = "CONTENT_TOO_LARGE"
	CodeAborted              = "OPERATION_ABORTED"
)

// Error is a failure tagged with its recovery type at the point it was
// raised.
type Error struct {
	Type      models.ErrorType
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a typed error.
func NewError(t models.ErrorType, code, message string, retryable bool) *Error {
	return &Error{Type: t, Code: code, Message: message, Retryable: retryable}
}

// Wrap tags err with a type and code. The message is taken from err.
func Wrap(t models.ErrorType, code string, retryable bool, err error) *Error {
	return &Error{Type: t, Code: code, Message: err.Error(), Retryable: retryable, Err: err}
}

// AsError returns err as a typed error, classifying untyped errors with
// the keyword fallback.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	t := classifyType(err)
	return &Error{
		Type:      t,
		Code:      string(t),
		Message:   err.Error(),
		Retryable: t == models.ErrorTypeNetwork || t == models.ErrorTypeTimeout,
		Err:       err,
	}
}

// Payload converts err to the structured error returned to callers.
func Payload(err error, timestampMs int64) *models.ErrorPayload {
	e := AsError(err)
	if e == nil {
		return nil
	}
	return &models.ErrorPayload{Code: e.Code, Message: e.Error(), Timestamp: timestampMs}
}

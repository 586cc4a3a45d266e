package streaming

import (
	"errors"
	"fmt"
	"time"

	"github.com/uploadguard/backend/internal/models"
	"github.com/uploadguard/backend/internal/recovery"
)

var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrOperationExists   = errors.New("operation already exists")
	ErrFileTooLarge      = errors.New("file too large")
	ErrOperationBusy     = errors.New("operation busy")
	ErrSequenceMismatch  = errors.New("sequence mismatch")
	ErrModuleNotLoaded   = errors.New("analysis module not loaded")
	ErrInvalidOperation  = errors.New("invalid operation")
)

func notFoundError(id string) error {
	return &recovery.Error{
		Type:    models.ErrorTypeFile,
		Code:    recovery.CodeOperationNotFound,
		Message: fmt.Sprintf("operation not found: %s", id),
		Err:     ErrOperationNotFound,
	}
}

func existsError(id string) error {
	return &recovery.Error{
		Type:    models.ErrorTypeFile,
		Code:    recovery.CodeOperationExists,
		Message: fmt.Sprintf("operation already exists: %s", id),
		Err:     ErrOperationExists,
	}
}

func tooLargeError(size, max int64) error {
	return &recovery.Error{
		Type:    models.ErrorTypeFile,
		Code:    recovery.CodeFileTooLarge,
		Message: fmt.Sprintf("file too large: %d bytes exceeds the %d byte limit", size, max),
		Err:     ErrFileTooLarge,
	}
}

func busyError(id string) error {
	return &recovery.Error{
		Type:      models.ErrorTypeFile,
		Code:      recovery.CodeOperationBusy,
		Message:   fmt.Sprintf("operation %s is processing another call", id),
		Retryable: true,
		Err:       ErrOperationBusy,
	}
}

func sequenceError(id string, got, want uint64) error {
	return &recovery.Error{
		Type:    models.ErrorTypeFile,
		Code:    recovery.CodeSequenceMismatch,
		Message: fmt.Sprintf("operation %s: sequence %d does not match expected %d", id, got, want),
		Err:     ErrSequenceMismatch,
	}
}

func invalidError(msg string) error {
	return &recovery.Error{
		Type:    models.ErrorTypeFile,
		Code:    recovery.CodeInvalidPayload,
		Message: msg,
		Err:     ErrInvalidOperation,
	}
}

func moduleNotLoadedError() error {
	return &recovery.Error{
		Type:      models.ErrorTypeModule,
		Code:      recovery.CodeModuleNotLoaded,
		Message:   "analysis module not loaded",
		Retryable: true,
		Err:       ErrModuleNotLoaded,
	}
}

func timeoutError(code, what string, d time.Duration, retryable bool, cause error) error {
	return &recovery.Error{
		Type:      models.ErrorTypeTimeout,
		Code:      code,
		Message:   fmt.Sprintf("%s did not complete within %s", what, d),
		Retryable: retryable,
		Err:       cause,
	}
}

func panicError(code string, v any) error {
	return &recovery.Error{
		Type:      models.ErrorTypeModule,
		Code:      code,
		Message:   fmt.Sprintf("analysis module panicked: %v", v),
		Retryable: true,
	}
}

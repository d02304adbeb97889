package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/fieldsync/internal/op"
	"github.com/roach88/fieldsync/internal/remote"
)

// Error text prefixes recorded on FAILED operations. They are the only
// thing distinguishing a fatal rejection from an exhausted retry budget.
const (
	FatalPrefix     = "fatal: "
	ExhaustedPrefix = "retry budget exhausted: "
)

// SyncError represents an error detected by the engine or surfaced from an
// operation's recorded state.
//
// SyncError includes structured fields for diagnostics; callers branch on
// Code through the IsXxx helpers, which see through wrapping.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// OpID identifies the affected operation, if any.
	OpID string

	// Err is the underlying cause, if any.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeTransient indicates a network or server failure that is retried with backoff.
	ErrCodeTransient SyncErrorCode = "TRANSIENT"

	// ErrCodeVersionConflict indicates a remote precondition failed. The
	// operation is held as CONFLICT.
	ErrCodeVersionConflict SyncErrorCode = "VERSION_CONFLICT"

	// ErrCodeFatal indicates the remote rejected the operation permanently.
	ErrCodeFatal SyncErrorCode = "FATAL"

	// ErrCodeRetryExhausted indicates the retry budget ran out.
	ErrCodeRetryExhausted SyncErrorCode = "RETRY_EXHAUSTED"

	// ErrCodeNotFound indicates the referenced operation does not exist.
	ErrCodeNotFound SyncErrorCode = "NOT_FOUND"

	// ErrCodeInvalidState indicates the operation cannot make the requested
	// transition, e.g. discarding the operation currently being applied.
	ErrCodeInvalidState SyncErrorCode = "INVALID_STATE"

	// ErrCodeInvalidPayload indicates a payload failed structural validation
	// and was not enqueued.
	ErrCodeInvalidPayload SyncErrorCode = "INVALID_PAYLOAD"

	// ErrCodeOffline indicates a sync was requested while offline.
	ErrCodeOffline SyncErrorCode = "OFFLINE"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.OpID != "" {
		return fmt.Sprintf("%s: %s (op=%s)", e.Code, msg, e.OpID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsTransient returns true if err is a TRANSIENT SyncError.
func IsTransient(err error) bool { return hasCode(err, ErrCodeTransient) }

// IsConflict returns true if err is a VERSION_CONFLICT SyncError.
func IsConflict(err error) bool { return hasCode(err, ErrCodeVersionConflict) }

// IsFatal returns true if err is a FATAL SyncError.
func IsFatal(err error) bool { return hasCode(err, ErrCodeFatal) }

// IsRetryExhausted returns true if err is a RETRY_EXHAUSTED SyncError.
func IsRetryExhausted(err error) bool { return hasCode(err, ErrCodeRetryExhausted) }

// IsNotFound returns true if err is a NOT_FOUND SyncError.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsInvalidState returns true if err is an INVALID_STATE SyncError.
func IsInvalidState(err error) bool { return hasCode(err, ErrCodeInvalidState) }

// IsInvalidPayload returns true if err is an INVALID_PAYLOAD SyncError.
func IsInvalidPayload(err error) bool { return hasCode(err, ErrCodeInvalidPayload) }

// IsOffline returns true if err is an OFFLINE SyncError.
func IsOffline(err error) bool { return hasCode(err, ErrCodeOffline) }

func newNotFoundError(id string) *SyncError {
	return &SyncError{Code: ErrCodeNotFound, Message: "operation not in queue", OpID: id}
}

func newInvalidStateError(id, msg string) *SyncError {
	return &SyncError{Code: ErrCodeInvalidState, Message: msg, OpID: id}
}

// Classify maps an apply result to exactly one outcome. Unknown errors are
// retryable; the retry budget bounds them.
func Classify(err error) op.Outcome {
	if err == nil {
		return op.OutcomeSuccess
	}

	var se *SyncError
	if errors.As(err, &se) {
		switch se.Code {
		case ErrCodeVersionConflict:
			return op.OutcomeConflict
		case ErrCodeFatal, ErrCodeNotFound, ErrCodeInvalidPayload, ErrCodeRetryExhausted:
			return op.OutcomeFatal
		case ErrCodeTransient:
			return op.OutcomeRetryable
		}
	}

	switch {
	case errors.Is(err, remote.ErrVersionConflict):
		return op.OutcomeConflict
	case errors.Is(err, remote.ErrFatal), errors.Is(err, remote.ErrNotFound):
		return op.OutcomeFatal
	case errors.Is(err, remote.ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return op.OutcomeRetryable
	}

	// Timeouts, net.Error and anything unrecognized.
	return op.OutcomeRetryable
}

// OperationError describes why an operation needs attention, or returns nil
// if it does not.
//
// The code is recovered from the recorded status and error text:
// CONFLICT maps to VERSION_CONFLICT, FAILED to FATAL or RETRY_EXHAUSTED
// by prefix, and a RETRYING operation to TRANSIENT.
func OperationError(o op.Operation) error {
	switch o.Status {
	case op.StatusConflict:
		return &SyncError{Code: ErrCodeVersionConflict, Message: o.Error, OpID: o.ID}
	case op.StatusFailed:
		switch {
		case strings.HasPrefix(o.Error, ExhaustedPrefix):
			return &SyncError{Code: ErrCodeRetryExhausted, Message: strings.TrimPrefix(o.Error, ExhaustedPrefix), OpID: o.ID}
		default:
			return &SyncError{Code: ErrCodeFatal, Message: strings.TrimPrefix(o.Error, FatalPrefix), OpID: o.ID}
		}
	case op.StatusRetrying:
		if o.Error != "" {
			return &SyncError{Code: ErrCodeTransient, Message: o.Error, OpID: o.ID}
		}
	}
	return nil
}

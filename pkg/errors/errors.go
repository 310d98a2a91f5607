// Package errors defines the error taxonomy shared by the synchronization
// pipeline. Callers classify failures with errors.Is against the sentinels
// below; messages are for humans only.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMalformedInput        = errors.New("malformed input")
	ErrObjectGone            = errors.New("object gone")
	ErrConsistencyMismatch   = errors.New("consistency mismatch")
	ErrConflictStale         = errors.New("stale version conflict")
	ErrIndexerUnavailable    = errors.New("indexer unavailable")
	ErrStoreUnavailable      = errors.New("object store unavailable")
	ErrQueueUnavailable      = errors.New("retry queue unavailable")
	ErrTimeoutBudgetExceeded = errors.New("time budget exceeded")
	ErrNotFound              = errors.New("not found")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Malformed wraps a formatted message as ErrMalformedInput.
func Malformed(format string, args ...any) *AppError {
	return Newf(ErrMalformedInput, http.StatusBadRequest, format, args...)
}

// Unavailable wraps cause under the given infrastructure sentinel so that both
// the sentinel and the underlying error stay reachable through errors.Is.
func Unavailable(sentinel error, op string, cause error) error {
	return fmt.Errorf("%s: %w: %w", op, sentinel, cause)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrObjectGone):
		return http.StatusNotFound
	case errors.Is(err, ErrConsistencyMismatch), errors.Is(err, ErrConflictStale):
		return http.StatusConflict
	case errors.Is(err, ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrIndexerUnavailable), errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrQueueUnavailable), errors.Is(err, ErrTimeoutBudgetExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Kind returns a stable, low-cardinality label for err, suitable for metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformedInput):
		return "malformed_input"
	case errors.Is(err, ErrObjectGone):
		return "object_gone"
	case errors.Is(err, ErrConsistencyMismatch):
		return "consistency_mismatch"
	case errors.Is(err, ErrConflictStale):
		return "conflict_stale"
	case errors.Is(err, ErrIndexerUnavailable):
		return "indexer_unavailable"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrQueueUnavailable):
		return "queue_unavailable"
	case errors.Is(err, ErrTimeoutBudgetExceeded):
		return "timeout_budget_exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

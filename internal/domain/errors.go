package domain

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrInvalidScore       = errors.New("invalid score")
	ErrPolicyGap          = errors.New("no policy condition matched")
	ErrInvalidTransition  = errors.New("invalid case transition")
	ErrDuplicateCase      = errors.New("case already exists for event")
	ErrDuplicateDecision  = errors.New("decision already recorded for event")
	ErrStorageTimeout     = errors.New("storage timeout")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStaleInput         = errors.New("stale input")
	ErrNotFound           = errors.New("record not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNoActivePolicy     = errors.New("no active policy")
	ErrChainConflict      = errors.New("audit chain head moved")
)

// ErrorCode maps an error to its stable machine-readable code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidScore):
		return "INVALID_SCORE"
	case errors.Is(err, ErrPolicyGap):
		return "POLICY_GAP"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrDuplicateCase):
		return "DUPLICATE_CASE"
	case errors.Is(err, ErrDuplicateDecision):
		return "DUPLICATE_DECISION"
	case errors.Is(err, ErrStorageTimeout), errors.Is(err, context.DeadlineExceeded):
		return "STORAGE_TIMEOUT"
	case errors.Is(err, ErrStorageUnavailable):
		return "STORAGE_UNAVAILABLE"
	case errors.Is(err, ErrStaleInput):
		return "STALE_INPUT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(err, ErrNoActivePolicy):
		return "NO_ACTIVE_POLICY"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus maps an error to the response status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidScore), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrStaleInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrPolicyGap), errors.Is(err, ErrNoActivePolicy):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDuplicateCase), errors.Is(err, ErrDuplicateDecision):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStorageTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether err is a transient storage failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageTimeout) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrChainConflict)
}

package app

import (
	"errors"
	"fmt"
	"net/http"

	"threadline/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflict")
)

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets callers match a DomainError against the kind sentinels.
func (e *DomainError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrValidation:
		return e.Code == "VALIDATION_ERROR"
	case ErrNotFound:
		return e.Code == "NOT_FOUND"
	case ErrForbidden:
		return e.Code == "FORBIDDEN"
	case ErrConflict:
		return e.Code == "CONFLICT"
	}
	return false
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func forbiddenError(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func conflictError(message string, details any) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, details)
}

// notFoundOr turns store.ErrNotFound into a NOT_FOUND domain error and wraps
// anything else.
func notFoundOr(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError(what + " not found")
	}
	return fmt.Errorf("load %s: %w", what, err)
}

// saveError maps a failed thread write. A stale revision means another
// writer got there first; the caller reloads and retries.
func saveError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFoundError("thread not found")
	case errors.Is(err, store.ErrStale):
		return conflictError("thread was modified concurrently", nil)
	}
	return fmt.Errorf("save thread: %w", err)
}

func unavailableError(message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, "UNAVAILABLE", message, nil)
}

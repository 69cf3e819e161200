package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/hit0sh1/triathlon-community-site-sub001/internal/auth"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/store"
)

const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeInternal        = "INTERNAL"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func invalidArgument(message string) *DomainError {
	return domainError(http.StatusBadRequest, CodeInvalidArgument, message, nil)
}

func forbidden() *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, "Forbidden", nil)
}

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, what+" not found", nil)
}

func conflict(message string) *DomainError {
	return domainError(http.StatusConflict, CodeConflict, message, nil)
}

// wrapNotFound names the missing entity; other errors pass through.
func wrapNotFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(what)
	}
	return err
}

// mapError turns service and store errors into the stable code/message pair.
// internal is true when the error is not one the caller can act on.
func mapError(err error) (status int, code, message string, details any, internal bool) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details, false
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, CodeNotFound, "Not found", nil, false
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, CodeConflict, "Already exists", nil, false
	case errors.Is(err, store.ErrNotEmpty):
		return http.StatusConflict, CodeConflict, "Container is not empty", nil, false
	case errors.Is(err, store.ErrNestedThread):
		return http.StatusBadRequest, CodeInvalidArgument, "Cannot reply to a thread reply", nil, false
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil, false
	}
	return http.StatusInternalServerError, CodeInternal, "Server error", nil, true
}

package api

import (
	"errors"
	"fmt"

	"github.com/steemit/feedsync/internal/models"
)

// Application error codes, in the JSON-RPC server error range
const (
	ErrServerError    = -32000
	ErrEntityNotReady = -32001
	ErrFetchFailed    = -32002
)

// Error represents an API error
type Error struct {
	Code    int
	Message string
}

// NewError creates a new API error
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

func invalidParams(format string, args ...interface{}) *Error {
	return NewError(ErrInvalidParams, fmt.Sprintf(format, args...))
}

// classify maps a handler error to a JSON-RPC code and message
func classify(err error) (int, string) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Code, apiErr.Message
	case errors.Is(err, models.ErrEntityNotReady):
		return ErrEntityNotReady, "Entity not ready"
	case errors.Is(err, models.ErrFetchFailed):
		return ErrFetchFailed, "Fetch failed"
	default:
		return ErrServerError, "Server error"
	}
}

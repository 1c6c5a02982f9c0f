package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents the class of failure a crawl operation ran into
type ErrorType string

const (
	ErrorTypeBudgetExceeded    ErrorType = "budget_exceeded"
	ErrorTypeAPI               ErrorType = "api"
	ErrorTypeMalformedResponse ErrorType = "malformed_response"
	ErrorTypeNetwork           ErrorType = "network"
	ErrorTypeHTTP              ErrorType = "http"
	ErrorTypeAuth              ErrorType = "auth"
	ErrorTypeCancelled         ErrorType = "cancelled"
	ErrorTypeUnknown           ErrorType = "unknown"
)

// Error represents a typed crawler error
type Error struct {
	Type    ErrorType
	Message string
	Code    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
}

// Is reports whether target is an *Error of the same type. A zero Code on the
// target matches any code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Code == 0 || t.Code == e.Code)
}

var (
	// ErrBudgetExceeded is returned by a rate budget with no capacity left
	ErrBudgetExceeded = &Error{Type: ErrorTypeBudgetExceeded, Message: "no call capacity left in the rolling window"}

	// ErrCancelled is delivered to queued tasks rejected before they ran
	ErrCancelled = &Error{Type: ErrorTypeCancelled, Message: "request cancelled before dispatch"}

	// ErrNoAPIKey is returned when no usable API key is configured
	ErrNoAPIKey = &Error{Type: ErrorTypeAuth, Message: "API key not set"}
)

// NewAPIError creates an error for an upstream payload whose status was not "ok"
func NewAPIError(code int, message string) *Error {
	return &Error{Type: ErrorTypeAPI, Message: message, Code: code}
}

// NewMalformedResponse creates an error for a payload of unexpected shape
func NewMalformedResponse(format string, args ...interface{}) *Error {
	return &Error{Type: ErrorTypeMalformedResponse, Message: fmt.Sprintf(format, args...)}
}

// TypeOf returns the ErrorType carried by err, or ErrorTypeUnknown
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// IsAPIError reports whether err is an upstream failure. Malformed responses
// count as API errors.
func IsAPIError(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeAPI, ErrorTypeMalformedResponse:
		return true
	default:
		return false
	}
}

// IsBudgetExceeded reports whether err signals an exhausted rate budget
func IsBudgetExceeded(err error) bool {
	return stderrors.Is(err, ErrBudgetExceeded)
}

// IsCancelled reports whether err signals a task rejected by cancellation
func IsCancelled(err error) bool {
	return stderrors.Is(err, ErrCancelled)
}

package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest            = "BAD_REQUEST"
	ErrUnauthorized          = "UNAUTHORIZED"
	ErrForbidden             = "FORBIDDEN"
	ErrNotFound              = "NOT_FOUND"
	ErrConflict              = "CONFLICT"
	ErrValidationError       = "VALIDATION_ERROR"
	ErrInternalError         = "INTERNAL_ERROR"
	ErrDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
)

// Workflow-specific error codes.
const (
	ErrStaleState        = "STALE_STATE"
	ErrIllegalTransition = "ILLEGAL_TRANSITION"
	ErrGuardFailed       = "GUARD_FAILED"
)

// retriableCodes lists the codes a caller may retry after refreshing state.
var retriableCodes = map[string]bool{
	ErrStaleState:            true,
	ErrGuardFailed:           true,
	ErrDependencyUnavailable: true,
}

// ErrorEnvelope is the standard error returned by the service.
// It implements the error interface.
type ErrorEnvelope struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Details   []FieldError `json:"details,omitempty"`
	Retriable bool         `json:"retriable"`
	TraceID   string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newEnvelope(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg, Retriable: retriableCodes[code]}
}

// AsEnvelope unwraps err to an *ErrorEnvelope if one is in its chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsCode reports whether err carries an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// IsRetriable reports whether err is an envelope the caller may retry.
func IsRetriable(err error) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Retriable
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrBadRequest, msg)
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrUnauthorized, msg)
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrForbidden, msg)
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrNotFound, msg)
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrConflict, msg)
}

// NewStaleStateError returns a STALE_STATE error. The application was moved
// by someone else; the caller should refresh and retry.
func NewStaleStateError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrStaleState, msg)
}

// NewIllegalTransitionError returns an ILLEGAL_TRANSITION error. It is not
// retriable.
func NewIllegalTransitionError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrIllegalTransition, msg)
}

// NewGuardFailedError returns a GUARD_FAILED error.
func NewGuardFailedError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrGuardFailed, msg)
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := newEnvelope(ErrValidationError, "One or more fields are invalid")
	e.Details = details
	return e
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return newEnvelope(ErrInternalError, "An unexpected error occurred")
}

// NewDependencyUnavailableError returns a DEPENDENCY_UNAVAILABLE error.
func NewDependencyUnavailableError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrDependencyUnavailable, msg)
}

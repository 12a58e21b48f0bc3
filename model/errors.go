package model

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	ErrBadRequest              = "BAD_REQUEST"
	ErrUnauthenticated         = "UNAUTHENTICATED"
	ErrUnauthorized            = "UNAUTHORIZED"
	ErrNotFound                = "NOT_FOUND"
	ErrValidationError         = "VALIDATION_ERROR"
	ErrInvalidStateTransition  = "INVALID_STATE_TRANSITION"
	ErrDuplicateActiveInstance = "DUPLICATE_ACTIVE_INSTANCE"
	ErrDuplicateActiveTask     = "DUPLICATE_ACTIVE_TASK"
	ErrConcurrentModification  = "CONCURRENT_MODIFICATION"
	ErrIdempotencyConflict     = "IDEMPOTENCY_CONFLICT"
	ErrInternalError           = "INTERNAL_ERROR"
)

// ErrorEnvelope is the error type returned by every engine operation and
// serialized as the API error body. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	// ExistingID carries the id of the entity that tripped a duplicate
	// guard.
	ExistingID string `json:"existing_id,omitempty"`
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

// AsEnvelope extracts an *ErrorEnvelope from err's chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthenticatedError returns an UNAUTHENTICATED error.
func NewUnauthenticatedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthenticated, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewFieldValidationError returns a VALIDATION_ERROR for a single field.
func NewFieldValidationError(field, code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: msg,
		Details: []FieldError{{Field: field, Code: code, Message: msg}},
	}
}

// NewInvalidStateTransitionError returns an INVALID_STATE_TRANSITION error.
func NewInvalidStateTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidStateTransition, Message: msg}
}

// NewDuplicateActiveInstanceError returns a DUPLICATE_ACTIVE_INSTANCE error
// pointing at the instance that already holds the triple.
func NewDuplicateActiveInstanceError(existingID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:       ErrDuplicateActiveInstance,
		Message:    fmt.Sprintf("an active instance %q already exists for this entity", existingID),
		ExistingID: existingID,
	}
}

// NewDuplicateActiveTaskError returns a DUPLICATE_ACTIVE_TASK error pointing
// at the non-terminal task that already occupies the step.
func NewDuplicateActiveTaskError(existingID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:       ErrDuplicateActiveTask,
		Message:    fmt.Sprintf("a non-terminal task %q already exists for this step", existingID),
		ExistingID: existingID,
	}
}

// NewConcurrentModificationError returns a CONCURRENT_MODIFICATION error.
func NewConcurrentModificationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConcurrentModification, Message: msg}
}

// NewIdempotencyConflictError returns an IDEMPOTENCY_CONFLICT error.
func NewIdempotencyConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIdempotencyConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "task not found"}
	want := "NOT_FOUND: task not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestIsCode_unwrapsChain(t *testing.T) {
	err := fmt.Errorf("transition: %w", NewConcurrentModificationError("stale"))
	if !IsCode(err, ErrConcurrentModification) {
		t.Error("IsCode should see through wrapping")
	}
	if IsCode(err, ErrNotFound) {
		t.Error("IsCode(NOT_FOUND) = true, want false")
	}
	if IsCode(fmt.Errorf("plain"), ErrNotFound) {
		t.Error("plain error should carry no code")
	}
}

func TestNewDuplicateActiveInstanceError(t *testing.T) {
	e := NewDuplicateActiveInstanceError("inst-1")
	if e.Code != ErrDuplicateActiveInstance {
		t.Errorf("Code = %q, want %q", e.Code, ErrDuplicateActiveInstance)
	}
	if e.ExistingID != "inst-1" {
		t.Errorf("ExistingID = %q, want inst-1", e.ExistingID)
	}
}

func TestNewFieldValidationError(t *testing.T) {
	e := NewFieldValidationError("role", "INVALID_ENUM", "unknown role")
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 || e.Details[0].Field != "role" {
		t.Errorf("Details = %+v", e.Details)
	}
}

package definition

import (
	"fmt"

	"github.com/pitabwire/stepflow/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks workflow definitions structurally.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns every problem found in def. Steps are expected in the
// order they were declared; contiguity is checked against the sorted orders.
func (v *Validator) Validate(def model.WorkflowDefinition) []VError {
	var errs []VError

	if def.Name == "" {
		errs = append(errs, VError{Path: "name", Code: "REQUIRED", Message: "name is required"})
	}
	if def.EntityType == "" {
		errs = append(errs, VError{Path: "entity_type", Code: "REQUIRED", Message: "entity_type is required"})
	} else if !def.EntityType.Valid() {
		errs = append(errs, VError{Path: "entity_type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid entity type %q", def.EntityType)})
	}
	if len(def.Steps) == 0 {
		errs = append(errs, VError{Path: "steps", Code: "REQUIRED", Message: "at least one step is required"})
		return errs
	}

	seenOrders := make(map[int]bool, len(def.Steps))
	seenNames := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		sp := fmt.Sprintf("steps[%d]", i)
		if s.Order <= 0 {
			errs = append(errs, VError{Path: sp + ".order", Code: "INVALID_VALUE", Message: "order must be a positive integer"})
		} else if seenOrders[s.Order] {
			errs = append(errs, VError{Path: sp + ".order", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate step order %d", s.Order)})
		}
		seenOrders[s.Order] = true

		if s.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: "REQUIRED", Message: "step name is required"})
		} else if seenNames[s.Name] {
			errs = append(errs, VError{Path: sp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate step name %q", s.Name)})
		}
		seenNames[s.Name] = true

		if s.Type == "" {
			errs = append(errs, VError{Path: sp + ".type", Code: "REQUIRED", Message: "step type is required"})
		} else if !s.Type.Valid() {
			errs = append(errs, VError{Path: sp + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid step type %q", s.Type)})
		}
		if s.AssignedRole == "" {
			errs = append(errs, VError{Path: sp + ".assigned_role", Code: "REQUIRED", Message: "assigned_role is required"})
		} else if !s.AssignedRole.Valid() {
			errs = append(errs, VError{Path: sp + ".assigned_role", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid role %q", s.AssignedRole)})
		}
		if s.Priority != "" && !s.Priority.Valid() {
			errs = append(errs, VError{Path: sp + ".priority", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid priority %q", s.Priority)})
		}
		if s.TimeoutHours < 0 {
			errs = append(errs, VError{Path: sp + ".timeout_hours", Code: "INVALID_VALUE", Message: "timeout_hours must not be negative"})
		}
		errs = append(errs, validateTimeout(sp, s)...)
	}

	// Orders must run 1..n without gaps.
	for order := 1; order <= len(def.Steps); order++ {
		if !seenOrders[order] {
			errs = append(errs, VError{Path: "steps", Code: "NON_CONTIGUOUS", Message: fmt.Sprintf("step order %d is missing", order)})
		}
	}

	return errs
}

func validateTimeout(sp string, s model.StepTemplate) []VError {
	var errs []VError
	if s.OnTimeout != "" {
		if !s.OnTimeout.Valid() {
			errs = append(errs, VError{Path: sp + ".on_timeout", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid timeout action %q", s.OnTimeout)})
		}
		if s.TimeoutHours == 0 {
			errs = append(errs, VError{Path: sp + ".timeout_hours", Code: "REQUIRED", Message: "on_timeout needs timeout_hours"})
		}
	}
	if s.EscalationRole != "" {
		if !s.EscalationRole.Valid() {
			errs = append(errs, VError{Path: sp + ".escalation_role", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid role %q", s.EscalationRole)})
		}
		if s.OnTimeout != model.TimeoutEscalate {
			errs = append(errs, VError{Path: sp + ".escalation_role", Code: "INVALID_VALUE", Message: "escalation_role is only used by on_timeout ESCALATE"})
		}
	}
	return errs
}

// AsValidationError converts validation findings into a VALIDATION_ERROR, or
// nil when there are none.
func AsValidationError(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return model.NewValidationError(details)
}

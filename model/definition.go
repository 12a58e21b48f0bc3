package model

import (
	"fmt"
	"strings"
	"time"
)

// EntityType is the kind of business entity a workflow is bound to.
type EntityType string

// Known entity types.
const (
	EntityFruit   EntityType = "FRUIT"
	EntitySeller  EntityType = "SELLER"
	EntityOrder   EntityType = "ORDER"
	EntityGeneric EntityType = "GENERIC"
)

var allEntityTypes = []EntityType{EntityFruit, EntitySeller, EntityOrder, EntityGeneric}

// ParseEntityType parses a raw entity type, case-insensitively.
func ParseEntityType(raw string) (EntityType, error) {
	t := EntityType(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", NewFieldValidationError("entity_type", "INVALID_ENUM",
			fmt.Sprintf("unknown entity type %q", raw))
	}
	return t, nil
}

// Valid reports whether t is a member of the enumeration.
func (t EntityType) Valid() bool {
	for _, known := range allEntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// StepType describes how a step's task is carried out.
type StepType string

// Known step types.
const (
	StepManual    StepType = "MANUAL"
	StepAutomatic StepType = "AUTOMATIC"
	StepApproval  StepType = "APPROVAL"
)

// Valid reports whether t is a member of the enumeration.
func (t StepType) Valid() bool {
	return t == StepManual || t == StepAutomatic || t == StepApproval
}

// Actionable reports whether a task for this step type is ready for an actor
// as soon as it is created. AUTOMATIC steps wait for the automation pass.
func (t StepType) Actionable() bool {
	return t == StepManual || t == StepApproval
}

// Priority orders tasks in a user's work list.
type Priority string

// Known priorities.
const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Valid reports whether p is a member of the enumeration.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Rank returns a sort weight, higher is more urgent. Unknown values rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	}
	return 0
}

// TimeoutAction is what happens to a task still open at its due date.
type TimeoutAction string

// Timeout actions. NOTIFY is the default for steps with a timeout.
const (
	TimeoutNotify      TimeoutAction = "NOTIFY"
	TimeoutEscalate    TimeoutAction = "ESCALATE"
	TimeoutAutoApprove TimeoutAction = "AUTO_APPROVE"
	TimeoutAutoReject  TimeoutAction = "AUTO_REJECT"
)

// Valid reports whether a is a member of the enumeration.
func (a TimeoutAction) Valid() bool {
	switch a {
	case TimeoutNotify, TimeoutEscalate, TimeoutAutoApprove, TimeoutAutoReject:
		return true
	}
	return false
}

// StepTemplate is one ordered stage of a workflow definition.
type StepTemplate struct {
	Order        int      `json:"order" yaml:"order"`
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description,omitempty" yaml:"description"`
	Type         StepType `json:"type" yaml:"type"`
	AssignedRole Role     `json:"assigned_role" yaml:"assigned_role"`
	Required     bool     `json:"required" yaml:"required"`
	Priority     Priority `json:"priority,omitempty" yaml:"priority"`
	TimeoutHours int      `json:"timeout_hours,omitempty" yaml:"timeout_hours"`

	// OnTimeout applies once TimeoutHours have passed. EscalationRole is the
	// role an ESCALATE hands the task to; empty keeps the assigned role.
	OnTimeout      TimeoutAction `json:"on_timeout,omitempty" yaml:"on_timeout"`
	EscalationRole Role          `json:"escalation_role,omitempty" yaml:"escalation_role"`
}

// WorkflowDefinition is a named, versioned template: an ordered list of step
// templates for one entity type. Published definitions are never edited.
type WorkflowDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description"`
	EntityType  EntityType     `json:"entity_type" yaml:"entity_type"`
	Version     int            `json:"version"`
	Active      bool           `json:"active"`
	Steps       []StepTemplate `json:"steps" yaml:"steps"`
	Checksum    string         `json:"checksum,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Step returns the step at the given 0-based index.
func (d WorkflowDefinition) Step(index int) (StepTemplate, bool) {
	if index < 0 || index >= len(d.Steps) {
		return StepTemplate{}, false
	}
	return d.Steps[index], true
}

// Clone returns a deep copy so callers cannot mutate a published definition.
func (d WorkflowDefinition) Clone() WorkflowDefinition {
	c := d
	c.Steps = append([]StepTemplate(nil), d.Steps...)
	return c
}

package model

import (
	"fmt"
	"strings"
	"time"
)

// InstanceStatus is the lifecycle status of a workflow instance.
type InstanceStatus string

// Workflow instance statuses.
const (
	InstanceCreated    InstanceStatus = "CREATED"
	InstanceInProgress InstanceStatus = "IN_PROGRESS"
	InstanceBlocked    InstanceStatus = "BLOCKED"
	InstanceCompleted  InstanceStatus = "COMPLETED"
	InstanceRejected   InstanceStatus = "REJECTED"
	InstanceCancelled  InstanceStatus = "CANCELLED"
)

var allInstanceStatuses = []InstanceStatus{
	InstanceCreated, InstanceInProgress, InstanceBlocked,
	InstanceCompleted, InstanceRejected, InstanceCancelled,
}

// ParseInstanceStatus parses a raw instance status, case-insensitively.
func ParseInstanceStatus(raw string) (InstanceStatus, error) {
	s := InstanceStatus(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range allInstanceStatuses {
		if s == known {
			return s, nil
		}
	}
	return "", NewFieldValidationError("status", "INVALID_ENUM",
		fmt.Sprintf("unknown instance status %q", raw))
}

// Terminal reports whether no further transition is permitted.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceRejected || s == InstanceCancelled
}

// Decision is an administrative resolution of a blocked instance.
type Decision string

// Resolution decisions.
const (
	DecisionReactivate Decision = "REACTIVATE"
	DecisionReject     Decision = "REJECT"
)

// ParseDecision parses a raw decision, case-insensitively.
func ParseDecision(raw string) (Decision, error) {
	d := Decision(strings.ToUpper(strings.TrimSpace(raw)))
	if d != DecisionReactivate && d != DecisionReject {
		return "", NewFieldValidationError("decision", "INVALID_ENUM",
			fmt.Sprintf("unknown decision %q", raw))
	}
	return d, nil
}

// WorkflowInstance is a running execution of a workflow definition against
// one concrete entity.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	DefinitionName    string         `json:"definition_name"`
	DefinitionVersion int            `json:"definition_version"`
	EntityType        EntityType     `json:"entity_type"`
	EntityID          string         `json:"entity_id"`
	Status            InstanceStatus `json:"status"`
	CurrentStepIndex  int            `json:"current_step_index"`
	StartedBy         string         `json:"started_by"`
	StartedAt         time.Time      `json:"started_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	Version           int            `json:"version"`
}

// InstanceFilter narrows instance listings. Zero values match everything.
type InstanceFilter struct {
	Status         InstanceStatus
	EntityType     EntityType
	EntityID       string
	DefinitionName string

	// NonTerminal restricts the listing to CREATED, IN_PROGRESS and BLOCKED.
	NonTerminal bool
	Limit       int
	Offset      int
}

// Matches reports whether inst passes the filter.
func (f InstanceFilter) Matches(inst WorkflowInstance) bool {
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.EntityType != "" && inst.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && inst.EntityID != f.EntityID {
		return false
	}
	if f.DefinitionName != "" && inst.DefinitionName != f.DefinitionName {
		return false
	}
	if f.NonTerminal && inst.Status.Terminal() {
		return false
	}
	return true
}

// Workflow event names recorded in the audit trail and published to the
// notification relay.
const (
	EventWorkflowStarted     = "workflow.started"
	EventWorkflowAdvanced    = "workflow.advanced"
	EventWorkflowBlocked     = "workflow.blocked"
	EventWorkflowResumed     = "workflow.resumed"
	EventWorkflowCompleted   = "workflow.completed"
	EventWorkflowRejected    = "workflow.rejected"
	EventWorkflowCancelled   = "workflow.cancelled"
	EventTaskCreated         = "task.created"
	EventTaskTransitioned    = "task.transitioned"
	EventTaskOverdue         = "task.overdue"
	EventDefinitionPublished = "definition.published"
)

// WorkflowEvent records an event in a workflow instance's audit trail.
type WorkflowEvent struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	TaskID     string         `json:"task_id,omitempty"`
	StepOrder  int            `json:"step_order,omitempty"`
	Event      string         `json:"event"`
	ActorID    string         `json:"actor_id"`
	Data       map[string]any `json:"data,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

package model

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

// Task statuses.
const (
	TaskPending    TaskStatus = "PENDING"
	TaskReady      TaskStatus = "READY"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskRejected   TaskStatus = "REJECTED"
	TaskBlocked    TaskStatus = "BLOCKED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

var allTaskStatuses = []TaskStatus{
	TaskPending, TaskReady, TaskInProgress, TaskCompleted,
	TaskRejected, TaskBlocked, TaskCancelled,
}

// ParseTaskStatus parses a raw task status, case-insensitively.
func ParseTaskStatus(raw string) (TaskStatus, error) {
	s := TaskStatus(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range allTaskStatuses {
		if s == known {
			return s, nil
		}
	}
	return "", NewFieldValidationError("status", "INVALID_ENUM",
		fmt.Sprintf("unknown task status %q", raw))
}

// Terminal reports whether no further transition is permitted.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskRejected || s == TaskCancelled
}

// Task is one step template materialized for one workflow instance.
type Task struct {
	ID             string        `json:"id"`
	InstanceID     string        `json:"instance_id"`
	DefinitionName string        `json:"definition_name"`
	EntityType     EntityType    `json:"entity_type"`
	EntityID       string        `json:"entity_id"`
	StepOrder      int           `json:"step_order"`
	StepName       string        `json:"step_name"`
	StepType       StepType      `json:"step_type"`
	AssignedRole   Role          `json:"assigned_role"`
	Required       bool          `json:"required"`
	Attempt        int           `json:"attempt"`
	Status         TaskStatus    `json:"status"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	Priority       Priority      `json:"priority"`
	DueDate        *time.Time    `json:"due_date,omitempty"`
	OnTimeout      TimeoutAction `json:"on_timeout,omitempty"`
	EscalationRole Role          `json:"escalation_role,omitempty"`
	TimedOutAt     *time.Time    `json:"timed_out_at,omitempty"`
	Comment        string        `json:"comment,omitempty"`
	ClaimedBy      string        `json:"claimed_by,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedBy    string        `json:"completed_by,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Version        int           `json:"version"`
}

// Overdue reports whether a non-terminal task has passed its due date.
func (t Task) Overdue(now time.Time) bool {
	return !t.Status.Terminal() && t.DueDate != nil && t.DueDate.Before(now)
}

// TimeoutPending reports whether the task is overdue and its timeout action
// has not run yet.
func (t Task) TimeoutPending(now time.Time) bool {
	return t.Overdue(now) && t.TimedOutAt == nil
}

// TaskFilter narrows task listings. Zero values match everything.
type TaskFilter struct {
	InstanceID string
	StepOrder  int
	Statuses   []TaskStatus
	Roles      []Role
	StepType   StepType
}

// Matches reports whether t passes the filter.
func (f TaskFilter) Matches(t Task) bool {
	if f.InstanceID != "" && t.InstanceID != f.InstanceID {
		return false
	}
	if f.StepOrder != 0 && t.StepOrder != f.StepOrder {
		return false
	}
	if f.StepType != "" && t.StepType != f.StepType {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	if len(f.Roles) > 0 && !containsRole(f.Roles, t.AssignedRole) {
		return false
	}
	return true
}

func containsStatus(list []TaskStatus, s TaskStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsRole(list []Role, r Role) bool {
	for _, v := range list {
		if v == r {
			return true
		}
	}
	return false
}

// NonTerminalTaskStatuses lists the statuses from which a task can still move.
var NonTerminalTaskStatuses = []TaskStatus{TaskPending, TaskReady, TaskInProgress, TaskBlocked}

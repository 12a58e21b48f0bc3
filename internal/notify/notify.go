// Package notify relays workflow and task events to an external broker. The
// engine hands events to a Relay, which never blocks the caller; a worker
// goroutine forwards them to the configured Publisher.
package notify

import (
	"context"
	"strings"
	"time"

	"github.com/pitabwire/stepflow/model"
)

// Event is the notification payload for one workflow or task change.
type Event struct {
	ID                string           `json:"id"`
	Type              string           `json:"type"`
	InstanceID        string           `json:"instance_id"`
	TaskID            string           `json:"task_id,omitempty"`
	DefinitionName    string           `json:"definition_name"`
	DefinitionVersion int              `json:"definition_version,omitempty"`
	EntityType        model.EntityType `json:"entity_type"`
	EntityID          string           `json:"entity_id"`
	StepName          string           `json:"step_name,omitempty"`
	StepType          model.StepType   `json:"step_type,omitempty"`
	AssignedRole      model.Role       `json:"assigned_role,omitempty"`
	Status            string           `json:"status"`
	ActorID           string           `json:"actor_id"`
	Comment           string           `json:"comment,omitempty"`
	Timestamp         time.Time        `json:"timestamp"`
}

// Notifier accepts events fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Nop discards every event.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Event) {}

// Publisher delivers one event to a backend.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Topics events are routed to.
const (
	TopicWorkflowEvents = "workflow-events"
	TopicTaskEvents     = "task-events"
	TopicApprovalEvents = "approval-events"
)

// TopicFor routes an event: task events of APPROVAL steps go to the approval
// topic, other task events to the task topic, everything else to the
// workflow topic.
func TopicFor(evt Event) string {
	if strings.HasPrefix(evt.Type, "task.") {
		if evt.StepType == model.StepApproval {
			return TopicApprovalEvents
		}
		return TopicTaskEvents
	}
	return TopicWorkflowEvents
}

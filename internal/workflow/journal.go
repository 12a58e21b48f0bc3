package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/notify"
	"github.com/pitabwire/stepflow/model"
)

// journal appends audit events and forwards them to the notification relay.
// Both happen after the state change they describe has been committed, so a
// failure here is logged and never undoes the change.
type journal struct {
	store    Store
	notifier notify.Notifier
	logger   *zap.Logger
}

func (j *journal) instanceEvent(
	ctx context.Context,
	inst model.WorkflowInstance,
	event, actorID, comment string,
	data map[string]any,
) {
	// A completed instance points one past its last step.
	stepOrder := inst.CurrentStepIndex + 1
	if inst.Status == model.InstanceCompleted {
		stepOrder = inst.CurrentStepIndex
	}
	evt := model.WorkflowEvent{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		StepOrder:  stepOrder,
		Event:      event,
		ActorID:    actorID,
		Data:       data,
		Comment:    comment,
		Timestamp:  time.Now().UTC(),
	}
	j.append(ctx, evt)
	j.notifier.Notify(ctx, notify.Event{
		ID:                evt.ID,
		Type:              event,
		InstanceID:        inst.ID,
		DefinitionName:    inst.DefinitionName,
		DefinitionVersion: inst.DefinitionVersion,
		EntityType:        inst.EntityType,
		EntityID:          inst.EntityID,
		Status:            string(inst.Status),
		ActorID:           actorID,
		Comment:           comment,
		Timestamp:         evt.Timestamp,
	})
}

func (j *journal) taskEvent(
	ctx context.Context,
	task model.Task,
	event, actorID, comment string,
	data map[string]any,
) {
	evt := model.WorkflowEvent{
		ID:         uuid.New().String(),
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		StepOrder:  task.StepOrder,
		Event:      event,
		ActorID:    actorID,
		Data:       data,
		Comment:    comment,
		Timestamp:  time.Now().UTC(),
	}
	j.append(ctx, evt)
	j.notifier.Notify(ctx, notify.Event{
		ID:             evt.ID,
		Type:           event,
		InstanceID:     task.InstanceID,
		TaskID:         task.ID,
		DefinitionName: task.DefinitionName,
		EntityType:     task.EntityType,
		EntityID:       task.EntityID,
		StepName:       task.StepName,
		StepType:       task.StepType,
		AssignedRole:   task.AssignedRole,
		Status:         string(task.Status),
		ActorID:        actorID,
		Comment:        comment,
		Timestamp:      evt.Timestamp,
	})
}

func (j *journal) append(ctx context.Context, evt model.WorkflowEvent) {
	if err := j.store.AppendEvent(ctx, evt); err != nil {
		j.logger.Error("append workflow event failed",
			zap.String("instance_id", evt.InstanceID),
			zap.String("event", evt.Event),
			zap.Error(err),
		)
	}
}

package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/model"
)

// Store persists definitions, workflow instances, tasks and the audit trail.
//
// Implementations must enforce two uniqueness rules atomically: at most one
// non-terminal instance per (definition name, entity type, entity id) and at
// most one non-terminal task per (instance, step order). Conditional updates
// compare the stored version with expectedVersion and store expectedVersion+1
// on success.
type Store interface {
	definition.Repository

	// CreateInstance persists a new instance. Returns
	// DUPLICATE_ACTIVE_INSTANCE carrying the existing id when a non-terminal
	// instance already holds the triple.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// GetInstance returns NOT_FOUND for unknown ids.
	GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error)

	// FindActiveInstance returns the non-terminal instance for the triple, or
	// NOT_FOUND.
	FindActiveInstance(ctx context.Context, definitionName string, entityType model.EntityType, entityID string) (model.WorkflowInstance, error)

	// UpdateInstanceIfVersion writes inst when the stored version equals
	// expectedVersion. Returns CONCURRENT_MODIFICATION otherwise.
	UpdateInstanceIfVersion(ctx context.Context, inst model.WorkflowInstance, expectedVersion int) (model.WorkflowInstance, error)

	// ListInstances returns instances newest first.
	ListInstances(ctx context.Context, filter model.InstanceFilter) ([]model.WorkflowInstance, error)

	// CreateTask persists a new task. Returns DUPLICATE_ACTIVE_TASK carrying
	// the existing id when a non-terminal task already occupies the step, and
	// INVALID_STATE_TRANSITION when the owning instance is terminal. The
	// instance status check and the insert are atomic with respect to
	// instance updates, so a task never outlives a concurrent finish.
	CreateTask(ctx context.Context, task model.Task) error

	GetTask(ctx context.Context, id string) (model.Task, error)

	// UpdateTaskIfVersion writes task when the stored version equals
	// expectedVersion. Returns CONCURRENT_MODIFICATION otherwise.
	UpdateTaskIfVersion(ctx context.Context, task model.Task, expectedVersion int) (model.Task, error)

	// ListTasks returns tasks oldest first.
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.Task, error)

	// ListOverdueTasks returns up to limit non-terminal tasks due before now
	// whose timeout action has not run, earliest due date first. A limit of
	// zero returns them all.
	ListOverdueTasks(ctx context.Context, now time.Time, limit int) ([]model.Task, error)

	AppendEvent(ctx context.Context, event model.WorkflowEvent) error

	// ListEvents returns an instance's audit trail in timestamp order.
	ListEvents(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error)

	// Summary aggregates dashboard counters as of now.
	Summary(ctx context.Context, now time.Time) (model.DashboardSummary, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// latestAttempt picks the task with the highest attempt number, breaking ties
// by creation time.
func latestAttempt(tasks []model.Task) (model.Task, bool) {
	if len(tasks) == 0 {
		return model.Task{}, false
	}
	latest := tasks[0]
	for _, t := range tasks[1:] {
		if t.Attempt > latest.Attempt ||
			(t.Attempt == latest.Attempt && t.CreatedAt.After(latest.CreatedAt)) {
			latest = t
		}
	}
	return latest, true
}

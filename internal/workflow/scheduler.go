package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/capability"
	"github.com/pitabwire/stepflow/internal/notify"
	"github.com/pitabwire/stepflow/model"
)

// TransitionRequest asks for a task to move to Target. ExpectedVersion is the
// version the caller last observed.
type TransitionRequest struct {
	TaskID          string
	Actor           model.Actor
	ExpectedVersion int
	Target          model.TaskStatus
	Comment         string
}

// outcomeHandler is told about every task that reaches a terminal status.
type outcomeHandler interface {
	OnTaskResolved(ctx context.Context, instanceID string, stepOrder int, outcome model.TaskStatus) error
}

// AutomationHandler performs the work of an AUTOMATIC step. A returned error
// rejects the task with the error text as comment.
type AutomationHandler func(ctx context.Context, task model.Task) error

// Scheduler materializes and transitions tasks for the active step of an
// instance.
type Scheduler struct {
	*journal
	directory  *capability.Directory
	outcomes   outcomeHandler
	automation map[string]AutomationHandler
	now        func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock replaces the clock used for task timestamps and due dates.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler creates a Scheduler. A nil notifier discards notifications.
func NewScheduler(store Store, directory *capability.Directory, notifier notify.Notifier, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &Scheduler{
		journal:    &journal{store: store, notifier: notifier, logger: logger},
		directory:  directory,
		automation: make(map[string]AutomationHandler),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterAutomation installs the handler run for AUTOMATIC steps named
// stepName. Steps without a handler succeed immediately. Not safe to call
// once processing has started.
func (s *Scheduler) RegisterAutomation(stepName string, h AutomationHandler) {
	s.automation[stepName] = h
}

// CreateTasksForStep materializes the task for step. If a non-terminal task
// already exists for (instance, step) it is returned unchanged. A new task
// gets the next attempt number for the step.
func (s *Scheduler) CreateTasksForStep(ctx context.Context, inst model.WorkflowInstance, step model.StepTemplate) ([]model.Task, error) {
	if inst.Status.Terminal() {
		return nil, model.NewInvalidStateTransitionError(
			fmt.Sprintf("workflow instance %q is %s, cannot schedule tasks", inst.ID, inst.Status),
		)
	}

	existing, err := s.store.ListTasks(ctx, model.TaskFilter{InstanceID: inst.ID, StepOrder: step.Order})
	if err != nil {
		return nil, err
	}
	attempt := 1
	for _, t := range existing {
		if !t.Status.Terminal() {
			return []model.Task{t}, nil
		}
		if t.Attempt >= attempt {
			attempt = t.Attempt + 1
		}
	}

	now := s.now()
	status := model.TaskPending
	if step.Type.Actionable() {
		status = model.TaskReady
	}
	priority := step.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	var due *time.Time
	onTimeout := step.OnTimeout
	if step.TimeoutHours > 0 {
		d := now.Add(time.Duration(step.TimeoutHours) * time.Hour)
		due = &d
		if onTimeout == "" {
			onTimeout = model.TimeoutNotify
		}
	}

	task := model.Task{
		ID:             uuid.New().String(),
		InstanceID:     inst.ID,
		DefinitionName: inst.DefinitionName,
		EntityType:     inst.EntityType,
		EntityID:       inst.EntityID,
		StepOrder:      step.Order,
		StepName:       step.Name,
		StepType:       step.Type,
		AssignedRole:   step.AssignedRole,
		Required:       step.Required,
		Attempt:        attempt,
		Status:         status,
		Title:          fmt.Sprintf("%s: %s %s", step.Name, inst.EntityType, inst.EntityID),
		Description:    step.Description,
		Priority:       priority,
		DueDate:        due,
		OnTimeout:      onTimeout,
		EscalationRole: step.EscalationRole,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		if ee, ok := model.AsEnvelope(err); ok && ee.Code == model.ErrDuplicateActiveTask {
			winner, getErr := s.store.GetTask(ctx, ee.ExistingID)
			if getErr != nil {
				return nil, getErr
			}
			return []model.Task{winner}, nil
		}
		return nil, err
	}

	s.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("instance_id", inst.ID),
		zap.String("step", step.Name),
		zap.Int("attempt", attempt),
		zap.String("status", string(status)),
	)
	s.taskEvent(ctx, task, model.EventTaskCreated, model.SystemActorID, "", map[string]any{
		"attempt": attempt,
	})
	return []model.Task{task}, nil
}

// allowedEdges lists the transitions an actor may request. PENDING to READY
// is reserved for Release.
var allowedEdges = map[model.TaskStatus][]model.TaskStatus{
	model.TaskReady:      {model.TaskInProgress, model.TaskCancelled},
	model.TaskInProgress: {model.TaskCompleted, model.TaskRejected, model.TaskCancelled},
	model.TaskPending:    {model.TaskCancelled},
	model.TaskBlocked:    {model.TaskCancelled},
}

func edgeAllowed(from, to model.TaskStatus) bool {
	for _, t := range allowedEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition applies an actor's requested status change to a task. Checks
// run in a fixed order: target, existence, authorization, version, edge.
// Authorization comes before the version check so callers without access
// learn nothing about the task's state.
func (s *Scheduler) Transition(ctx context.Context, req TransitionRequest) (model.Task, error) {
	target, err := model.ParseTaskStatus(string(req.Target))
	if err != nil {
		return model.Task{}, err
	}
	if err := req.Actor.Validate(); err != nil {
		return model.Task{}, model.NewUnauthenticatedError(err.Error())
	}

	task, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return model.Task{}, err
	}
	if target == model.TaskCancelled {
		if !s.directory.Allows(req.Actor.Roles, model.CapTaskCancel) {
			return model.Task{}, model.NewUnauthorizedError("cancelling a task requires the task:cancel capability")
		}
	} else if !capability.CanAccess(req.Actor.Roles, []model.Role{task.AssignedRole}) {
		return model.Task{}, model.NewUnauthorizedError(
			fmt.Sprintf("task %q is assigned to role %s", task.ID, task.AssignedRole),
		)
	}
	if task.Version != req.ExpectedVersion {
		return model.Task{}, model.NewConcurrentModificationError(
			fmt.Sprintf("task %q is at version %d, not %d", task.ID, task.Version, req.ExpectedVersion),
		)
	}
	if !edgeAllowed(task.Status, target) {
		return model.Task{}, model.NewInvalidStateTransitionError(
			fmt.Sprintf("task %q cannot move from %s to %s", task.ID, task.Status, target),
		)
	}

	from := task.Status
	now := s.now()
	task.Status = target
	if req.Comment != "" {
		task.Comment = req.Comment
	}
	switch target {
	case model.TaskInProgress:
		task.ClaimedBy = req.Actor.ID
		task.StartedAt = &now
	case model.TaskCompleted, model.TaskRejected, model.TaskCancelled:
		task.CompletedBy = req.Actor.ID
		task.CompletedAt = &now
	}

	updated, err := s.store.UpdateTaskIfVersion(ctx, task, req.ExpectedVersion)
	if err != nil {
		return model.Task{}, err
	}

	s.logger.Info("task transitioned",
		zap.String("task_id", updated.ID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("actor_id", req.Actor.ID),
		zap.Int("version", updated.Version),
	)
	s.taskEvent(ctx, updated, model.EventTaskTransitioned, req.Actor.ID, req.Comment, map[string]any{
		"from": string(from),
		"to":   string(target),
	})

	if target.Terminal() && s.outcomes != nil {
		if err := s.outcomes.OnTaskResolved(ctx, updated.InstanceID, updated.StepOrder, target); err != nil {
			s.logger.Warn("instance re-derivation failed, left to reconciler",
				zap.String("instance_id", updated.InstanceID),
				zap.String("task_id", updated.ID),
				zap.Error(err),
			)
		}
	}
	return updated, nil
}

// Release moves a PENDING task to READY on behalf of the system.
func (s *Scheduler) Release(ctx context.Context, taskID string) (model.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if task.Status != model.TaskPending {
		return model.Task{}, model.NewInvalidStateTransitionError(
			fmt.Sprintf("task %q is %s, only PENDING tasks can be released", task.ID, task.Status),
		)
	}

	expected := task.Version
	task.Status = model.TaskReady
	updated, err := s.store.UpdateTaskIfVersion(ctx, task, expected)
	if err != nil {
		return model.Task{}, err
	}
	s.taskEvent(ctx, updated, model.EventTaskTransitioned, model.SystemActorID, "", map[string]any{
		"from": string(model.TaskPending),
		"to":   string(model.TaskReady),
	})
	return updated, nil
}

// cancelTask closes a task as part of finalizing its instance. It does not
// trigger re-derivation.
func (s *Scheduler) cancelTask(ctx context.Context, task model.Task, actorID, comment string) error {
	from := task.Status
	expected := task.Version
	now := s.now()
	task.Status = model.TaskCancelled
	task.CompletedBy = actorID
	task.CompletedAt = &now
	if comment != "" {
		task.Comment = comment
	}

	updated, err := s.store.UpdateTaskIfVersion(ctx, task, expected)
	if err != nil {
		return err
	}
	s.taskEvent(ctx, updated, model.EventTaskTransitioned, actorID, comment, map[string]any{
		"from": string(from),
		"to":   string(model.TaskCancelled),
	})
	return nil
}

// ProcessAutomaticTasks drives open AUTOMATIC tasks to completion as the
// system actor. Tasks another writer touched concurrently are skipped and
// picked up on a later pass. It returns the number of tasks finished.
func (s *Scheduler) ProcessAutomaticTasks(ctx context.Context) (int, error) {
	tasks, err := s.store.ListTasks(ctx, model.TaskFilter{
		StepType: model.StepAutomatic,
		Statuses: []model.TaskStatus{model.TaskPending, model.TaskReady, model.TaskInProgress},
	})
	if err != nil {
		return 0, fmt.Errorf("list automatic tasks: %w", err)
	}

	done := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if task.Status == model.TaskInProgress && task.ClaimedBy != model.SystemActorID {
			continue
		}
		if err := s.runAutomatic(ctx, task); err != nil {
			if model.IsCode(err, model.ErrConcurrentModification) || model.IsCode(err, model.ErrInvalidStateTransition) {
				s.logger.Debug("automatic task taken by another writer", zap.String("task_id", task.ID))
				continue
			}
			s.logger.Warn("automatic task failed", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}

func (s *Scheduler) runAutomatic(ctx context.Context, task model.Task) error {
	task, err := s.claimAsSystem(ctx, task)
	if err != nil {
		return err
	}

	target, comment := model.TaskCompleted, ""
	if h, ok := s.automation[task.StepName]; ok {
		if herr := h(ctx, task); herr != nil {
			target, comment = model.TaskRejected, herr.Error()
		}
	}
	_, err = s.Transition(ctx, TransitionRequest{
		TaskID: task.ID, Actor: model.SystemActor(), ExpectedVersion: task.Version, Target: target, Comment: comment,
	})
	return err
}

// claimAsSystem brings a task to IN_PROGRESS under the system actor,
// releasing it first when it is still PENDING.
func (s *Scheduler) claimAsSystem(ctx context.Context, task model.Task) (model.Task, error) {
	var err error
	if task.Status == model.TaskPending {
		if task, err = s.Release(ctx, task.ID); err != nil {
			return model.Task{}, err
		}
	}
	if task.Status == model.TaskReady {
		task, err = s.Transition(ctx, TransitionRequest{
			TaskID: task.ID, Actor: model.SystemActor(), ExpectedVersion: task.Version, Target: model.TaskInProgress,
		})
		if err != nil {
			return model.Task{}, err
		}
	}
	return task, nil
}

// timeoutBatch bounds the overdue tasks handled per pass.
const timeoutBatch = 200

// ProcessTimeouts applies the on_timeout action of every overdue task whose
// action has not run yet. AUTO_APPROVE and AUTO_REJECT resolve the task as
// the system actor, ESCALATE raises it to URGENT and hands it to the
// escalation role, and NOTIFY only marks and announces it. Each handled task
// emits task.overdue. Tasks moved by another writer meanwhile are skipped.
// It returns the number of tasks handled.
func (s *Scheduler) ProcessTimeouts(ctx context.Context) (int, error) {
	tasks, err := s.store.ListOverdueTasks(ctx, s.now(), timeoutBatch)
	if err != nil {
		return 0, fmt.Errorf("list overdue tasks: %w", err)
	}

	handled := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		if err := s.handleTimeout(ctx, task); err != nil {
			if model.IsCode(err, model.ErrConcurrentModification) || model.IsCode(err, model.ErrInvalidStateTransition) {
				s.logger.Debug("overdue task moved by another writer", zap.String("task_id", task.ID))
				continue
			}
			s.logger.Warn("timeout action failed",
				zap.String("task_id", task.ID),
				zap.String("action", string(task.OnTimeout)),
				zap.Error(err),
			)
			continue
		}
		handled++
	}
	return handled, nil
}

func (s *Scheduler) handleTimeout(ctx context.Context, task model.Task) error {
	action := task.OnTimeout
	if action == "" {
		action = model.TimeoutNotify
	}
	// Blocked tasks cannot be resolved, only announced.
	if task.Status == model.TaskBlocked && (action == model.TimeoutAutoApprove || action == model.TimeoutAutoReject) {
		action = model.TimeoutNotify
	}

	dueDate := task.DueDate
	var updated model.Task
	var err error
	switch action {
	case model.TimeoutAutoApprove, model.TimeoutAutoReject:
		updated, err = s.autoResolve(ctx, task, action)
	case model.TimeoutEscalate:
		updated, err = s.markTimedOut(ctx, task, func(t *model.Task) {
			t.Priority = model.PriorityUrgent
			if t.EscalationRole != "" {
				t.AssignedRole = t.EscalationRole
			}
		})
	default:
		updated, err = s.markTimedOut(ctx, task, nil)
	}
	if err != nil {
		return err
	}

	data := map[string]any{"action": string(action)}
	if dueDate != nil {
		data["due_date"] = dueDate.Format(time.RFC3339)
	}
	if action == model.TimeoutEscalate {
		data["assigned_role"] = string(updated.AssignedRole)
	}
	s.logger.Info("task timed out",
		zap.String("task_id", updated.ID),
		zap.String("instance_id", updated.InstanceID),
		zap.String("action", string(action)),
	)
	s.taskEvent(ctx, updated, model.EventTaskOverdue, model.SystemActorID, "", data)
	return nil
}

// markTimedOut stamps TimedOutAt so the task is not picked up again.
func (s *Scheduler) markTimedOut(ctx context.Context, task model.Task, mutate func(*model.Task)) (model.Task, error) {
	expected := task.Version
	now := s.now()
	task.TimedOutAt = &now
	if mutate != nil {
		mutate(&task)
	}
	return s.store.UpdateTaskIfVersion(ctx, task, expected)
}

func (s *Scheduler) autoResolve(ctx context.Context, task model.Task, action model.TimeoutAction) (model.Task, error) {
	target := model.TaskCompleted
	if action == model.TimeoutAutoReject {
		target = model.TaskRejected
	}
	claimed, err := s.claimAsSystem(ctx, task)
	if err != nil {
		return model.Task{}, err
	}
	hours := 0
	if task.DueDate != nil {
		hours = int(task.DueDate.Sub(task.CreatedAt).Round(time.Hour) / time.Hour)
	}
	return s.Transition(ctx, TransitionRequest{
		TaskID:          claimed.ID,
		Actor:           model.SystemActor(),
		ExpectedVersion: claimed.Version,
		Target:          target,
		Comment:         fmt.Sprintf("timed out after %dh", hours),
	})
}

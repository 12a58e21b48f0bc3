package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/capability"
	"github.com/pitabwire/stepflow/internal/idempotency"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/workflow"
	"github.com/pitabwire/stepflow/model"
)

// TaskQuery filters ListTasksForUser. Statuses are raw status names.
type TaskQuery struct {
	Statuses   []string
	InstanceID string
}

// TransitionInput is a requested task status change. A nil ExpectedVersion
// lets the facade read the current version and retry on conflicts. A
// non-empty IdempotencyKey caches the response per actor.
type TransitionInput struct {
	TaskID          string
	Target          string
	Comment         string
	ExpectedVersion *int
	IdempotencyKey  string
}

const opTransitionTask = "transition_task"

// ListTasksForUser returns the open tasks the actor's roles can act on plus
// the tasks the actor claimed or completed, most urgent first, then oldest
// first.
func (f *Facade) ListTasksForUser(ctx context.Context, actor model.Actor, q TaskQuery) (out []model.Task, err error) {
	ctx, done := f.begin(ctx, "list_tasks_for_user", observability.AttrActorID.String(actor.ID))
	defer func() { done(err) }()

	if err = authenticate(actor); err != nil {
		return nil, err
	}
	filter := model.TaskFilter{InstanceID: strings.TrimSpace(q.InstanceID)}
	for _, raw := range q.Statuses {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		s, err := model.ParseTaskStatus(raw)
		if err != nil {
			return nil, err
		}
		filter.Statuses = append(filter.Statuses, s)
	}

	tasks, err := f.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	out = make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if visibleTo(actor, t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func visibleTo(actor model.Actor, t model.Task) bool {
	if t.ClaimedBy == actor.ID || t.CompletedBy == actor.ID {
		return true
	}
	return !t.Status.Terminal() && capability.CanAccess(actor.Roles, []model.Role{t.AssignedRole})
}

// GetTask returns one task.
func (f *Facade) GetTask(ctx context.Context, taskID string) (task model.Task, err error) {
	ctx, done := f.begin(ctx, "get_task", observability.AttrTaskID.String(taskID))
	defer func() { done(err) }()
	return f.store.GetTask(ctx, taskID)
}

// TransitionTask moves a task to the requested status on behalf of actor.
func (f *Facade) TransitionTask(ctx context.Context, actor model.Actor, in TransitionInput) (task model.Task, err error) {
	ctx, done := f.begin(ctx, opTransitionTask,
		observability.AttrActorID.String(actor.ID),
		observability.AttrTaskID.String(in.TaskID),
		observability.AttrStatus.String(in.Target),
	)
	defer func() { done(err) }()

	if err = authenticate(actor); err != nil {
		return task, err
	}
	if strings.TrimSpace(in.TaskID) == "" {
		return task, model.NewFieldValidationError("task_id", "REQUIRED", "task_id is required")
	}
	target, err := model.ParseTaskStatus(in.Target)
	if err != nil {
		return task, err
	}

	if in.IdempotencyKey == "" || f.idempotency == nil {
		return f.transition(ctx, actor, target, in)
	}

	key := idempotency.Key(opTransitionTask, actor.ID, in.IdempotencyKey)
	hash := idempotency.HashRequest(in.TaskID, string(target), in.Comment, versionString(in.ExpectedVersion))
	entry, found, err := f.idempotency.Check(ctx, key, hash)
	if err != nil {
		if model.IsCode(err, model.ErrIdempotencyConflict) {
			f.recordIdempotency("conflict")
		}
		return task, err
	}
	if found && entry != nil {
		if err = json.Unmarshal(entry.Body, &task); err != nil {
			return model.Task{}, err
		}
		f.recordIdempotency("replay")
		return task, nil
	}
	f.recordIdempotency("miss")

	task, err = f.transition(ctx, actor, target, in)
	if err != nil {
		return task, err
	}
	body, mErr := json.Marshal(task)
	if mErr == nil {
		mErr = f.idempotency.Save(ctx, key, idempotency.Entry{RequestHash: hash, Status: 200, Body: body}, f.idempotencyTTL)
	}
	if mErr != nil {
		observability.RequestLogger(ctx, f.logger).Warn("idempotency save failed",
			zap.String("task_id", task.ID),
			zap.Error(mErr),
		)
	}
	return task, nil
}

func (f *Facade) transition(ctx context.Context, actor model.Actor, target model.TaskStatus, in TransitionInput) (model.Task, error) {
	req := workflow.TransitionRequest{
		TaskID:  in.TaskID,
		Actor:   actor,
		Target:  target,
		Comment: strings.TrimSpace(in.Comment),
	}

	for attempt := 0; ; attempt++ {
		if in.ExpectedVersion != nil {
			req.ExpectedVersion = *in.ExpectedVersion
		} else {
			current, err := f.store.GetTask(ctx, in.TaskID)
			if err != nil {
				return model.Task{}, err
			}
			req.ExpectedVersion = current.Version
		}

		task, err := f.scheduler.Transition(ctx, req)
		observability.Annotate(ctx, observability.AttrAttempts.Int(attempt+1))
		if err == nil {
			observability.Annotate(ctx, observability.AttrInstanceID.String(task.InstanceID))
			f.afterTransition(ctx, task)
			return task, nil
		}
		if !model.IsCode(err, model.ErrConcurrentModification) {
			return model.Task{}, err
		}
		if f.metrics != nil {
			f.metrics.RecordConflict(opTransitionTask)
		}
		if in.ExpectedVersion != nil || attempt >= f.maxRetries {
			return model.Task{}, err
		}
		observability.RequestLogger(ctx, f.logger).Debug("transition lost a write race, retrying",
			zap.String("task_id", in.TaskID),
			zap.Int("attempt", attempt+1),
		)
	}
}

func (f *Facade) afterTransition(ctx context.Context, task model.Task) {
	if f.metrics == nil {
		return
	}
	f.metrics.RecordTaskTransition(string(task.StepType), string(task.Status))
	if !task.Status.Terminal() {
		return
	}
	if inst, err := f.store.GetInstance(ctx, task.InstanceID); err == nil {
		f.recordInstanceOutcome(inst)
	}
}

func (f *Facade) recordIdempotency(result string) {
	if f.metrics != nil {
		f.metrics.RecordIdempotency(result)
	}
}

func versionString(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

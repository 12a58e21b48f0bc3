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

const defaultMaxDerivations = 5

// DefinitionSource resolves published workflow definitions.
type DefinitionSource interface {
	GetActive(name string) (model.WorkflowDefinition, error)
	Get(name string, version int) (model.WorkflowDefinition, error)
}

// StartRequest asks for a workflow to run against an entity.
type StartRequest struct {
	DefinitionName string
	EntityType     model.EntityType
	EntityID       string
	StartedBy      string
}

// StartResult reports the instance serving a start request and whether this
// request created it.
type StartResult struct {
	Instance model.WorkflowInstance `json:"instance"`
	Created  bool                   `json:"created"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Scanned int `json:"scanned"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

// Manager owns the workflow instance lifecycle. Instance state is always
// re-derived from persisted tasks, so every step can be replayed safely.
type Manager struct {
	*journal
	defs           DefinitionSource
	scheduler      *Scheduler
	directory      *capability.Directory
	maxDerivations int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxDerivations bounds how often a derivation pass re-reads an instance
// after losing a write race.
func WithMaxDerivations(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxDerivations = n
		}
	}
}

// NewManager creates a Manager and registers it with scheduler for task
// outcomes.
func NewManager(
	store Store,
	defs DefinitionSource,
	scheduler *Scheduler,
	directory *capability.Directory,
	notifier notify.Notifier,
	logger *zap.Logger,
	opts ...ManagerOption,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	m := &Manager{
		journal:        &journal{store: store, notifier: notifier, logger: logger},
		defs:           defs,
		scheduler:      scheduler,
		directory:      directory,
		maxDerivations: defaultMaxDerivations,
	}
	for _, opt := range opts {
		opt(m)
	}
	scheduler.outcomes = m
	return m
}

// Start returns the active instance for the entity, creating it from the
// active definition when none exists.
func (m *Manager) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if req.EntityID == "" {
		return StartResult{}, model.NewFieldValidationError("entity_id", "REQUIRED", "entity_id is required")
	}
	if req.StartedBy == "" {
		return StartResult{}, model.NewUnauthenticatedError("actor id is required")
	}

	def, err := m.defs.GetActive(req.DefinitionName)
	if err != nil {
		return StartResult{}, err
	}
	if def.EntityType != req.EntityType {
		return StartResult{}, model.NewFieldValidationError("entity_type", "ENTITY_TYPE_MISMATCH",
			fmt.Sprintf("workflow %q applies to %s, not %s", def.Name, def.EntityType, req.EntityType))
	}

	existing, err := m.store.FindActiveInstance(ctx, def.Name, req.EntityType, req.EntityID)
	if err == nil {
		return StartResult{Instance: existing}, nil
	}
	if !model.IsCode(err, model.ErrNotFound) {
		return StartResult{}, err
	}

	now := time.Now().UTC()
	inst := model.WorkflowInstance{
		ID:                uuid.New().String(),
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		EntityType:        req.EntityType,
		EntityID:          req.EntityID,
		Status:            model.InstanceCreated,
		CurrentStepIndex:  0,
		StartedBy:         req.StartedBy,
		StartedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}

	if err := m.store.CreateInstance(ctx, inst); err != nil {
		if ee, ok := model.AsEnvelope(err); ok && ee.Code == model.ErrDuplicateActiveInstance {
			winner, getErr := m.store.GetInstance(ctx, ee.ExistingID)
			if getErr != nil {
				return StartResult{}, getErr
			}
			return StartResult{Instance: winner}, nil
		}
		return StartResult{}, err
	}

	m.logger.Info("workflow started",
		zap.String("instance_id", inst.ID),
		zap.String("definition", def.Name),
		zap.Int("definition_version", def.Version),
		zap.String("entity_type", string(inst.EntityType)),
		zap.String("entity_id", inst.EntityID),
	)
	m.instanceEvent(ctx, inst, model.EventWorkflowStarted, req.StartedBy, "", map[string]any{
		"definition_version": def.Version,
	})

	derived, err := m.derive(ctx, inst.ID)
	if err != nil {
		// The instance exists; the reconciler finishes materializing it.
		m.logger.Warn("initial derivation failed", zap.String("instance_id", inst.ID), zap.Error(err))
		return StartResult{Instance: inst, Created: true}, nil
	}
	return StartResult{Instance: derived, Created: true}, nil
}

// OnTaskResolved re-derives the instance after one of its tasks reached a
// terminal outcome.
func (m *Manager) OnTaskResolved(ctx context.Context, instanceID string, stepOrder int, outcome model.TaskStatus) error {
	m.logger.Debug("task resolved",
		zap.String("instance_id", instanceID),
		zap.Int("step_order", stepOrder),
		zap.String("outcome", string(outcome)),
	)
	_, err := m.derive(ctx, instanceID)
	return err
}

// derive runs derivation passes until one commits without losing a race.
func (m *Manager) derive(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	var lastErr error
	for i := 0; i < m.maxDerivations; i++ {
		inst, err := m.store.GetInstance(ctx, instanceID)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		next, err := m.deriveOnce(ctx, inst)
		if err == nil {
			return next, nil
		}
		if !model.IsCode(err, model.ErrConcurrentModification) {
			return model.WorkflowInstance{}, err
		}
		lastErr = err
	}
	return model.WorkflowInstance{}, lastErr
}

// deriveOnce applies the state table to a freshly read instance. It writes
// nothing when the instance already reflects its tasks.
func (m *Manager) deriveOnce(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	if inst.Status.Terminal() {
		return inst, m.closeOutstanding(ctx, inst)
	}

	def, err := m.defs.Get(inst.DefinitionName, inst.DefinitionVersion)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	step, ok := def.Step(inst.CurrentStepIndex)
	if !ok {
		return m.finish(ctx, inst, model.InstanceCompleted, model.SystemActorID, "")
	}

	tasks, err := m.store.ListTasks(ctx, model.TaskFilter{InstanceID: inst.ID, StepOrder: step.Order})
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	latest, found := latestAttempt(tasks)

	switch {
	case !found:
		if inst.Status == model.InstanceBlocked {
			return inst, nil
		}
		if _, err := m.scheduler.CreateTasksForStep(ctx, inst, step); err != nil {
			if model.IsCode(err, model.ErrInvalidStateTransition) {
				// Finished by another writer since it was read.
				return model.WorkflowInstance{}, model.NewConcurrentModificationError(
					fmt.Sprintf("workflow instance %q changed during derivation", inst.ID),
				)
			}
			return model.WorkflowInstance{}, err
		}
		return m.ensureInProgress(ctx, inst)

	case !latest.Status.Terminal():
		return m.ensureInProgress(ctx, inst)

	case latest.Status == model.TaskCompleted || !step.Required:
		return m.advance(ctx, inst, def)

	default:
		if inst.Status == model.InstanceBlocked {
			return inst, nil
		}
		return m.block(ctx, inst, latest)
	}
}

func (m *Manager) ensureInProgress(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	if inst.Status == model.InstanceInProgress {
		return inst, nil
	}
	from := inst.Status
	inst.Status = model.InstanceInProgress
	updated, err := m.store.UpdateInstanceIfVersion(ctx, inst, inst.Version)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if from == model.InstanceBlocked {
		m.instanceEvent(ctx, updated, model.EventWorkflowResumed, model.SystemActorID, "", nil)
	}
	return updated, nil
}

// advance moves past the current step. The instance is written before the
// next task is created so a crash in between leaves a state that derivation
// completes.
func (m *Manager) advance(ctx context.Context, inst model.WorkflowInstance, def model.WorkflowDefinition) (model.WorkflowInstance, error) {
	if inst.CurrentStepIndex+1 >= len(def.Steps) {
		inst.CurrentStepIndex = len(def.Steps)
		return m.finish(ctx, inst, model.InstanceCompleted, model.SystemActorID, "")
	}

	from := inst.CurrentStepIndex
	inst.CurrentStepIndex++
	inst.Status = model.InstanceInProgress
	updated, err := m.store.UpdateInstanceIfVersion(ctx, inst, inst.Version)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	next := def.Steps[updated.CurrentStepIndex]
	m.logger.Info("workflow advanced",
		zap.String("instance_id", updated.ID),
		zap.Int("from_index", from),
		zap.String("step", next.Name),
	)
	m.instanceEvent(ctx, updated, model.EventWorkflowAdvanced, model.SystemActorID, "", map[string]any{
		"from_step": def.Steps[from].Name,
		"to_step":   next.Name,
	})

	if _, err := m.scheduler.CreateTasksForStep(ctx, updated, next); err != nil {
		if model.IsCode(err, model.ErrInvalidStateTransition) {
			m.logger.Info("instance finished before its next step was scheduled",
				zap.String("instance_id", updated.ID),
				zap.String("step", next.Name),
			)
			return updated, nil
		}
		m.logger.Warn("next step not materialized, left to reconciler",
			zap.String("instance_id", updated.ID),
			zap.String("step", next.Name),
			zap.Error(err),
		)
	}
	return updated, nil
}

func (m *Manager) block(ctx context.Context, inst model.WorkflowInstance, cause model.Task) (model.WorkflowInstance, error) {
	inst.Status = model.InstanceBlocked
	updated, err := m.store.UpdateInstanceIfVersion(ctx, inst, inst.Version)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	m.logger.Info("workflow blocked",
		zap.String("instance_id", updated.ID),
		zap.String("step", cause.StepName),
		zap.String("task_status", string(cause.Status)),
	)
	m.instanceEvent(ctx, updated, model.EventWorkflowBlocked, cause.CompletedBy, cause.Comment, map[string]any{
		"task_id":     cause.ID,
		"task_status": string(cause.Status),
	})
	return updated, nil
}

// finish moves the instance into a terminal status and closes its open tasks.
func (m *Manager) finish(ctx context.Context, inst model.WorkflowInstance, status model.InstanceStatus, actorID, reason string) (model.WorkflowInstance, error) {
	now := time.Now().UTC()
	inst.Status = status
	inst.CompletedAt = &now
	if reason != "" {
		inst.Reason = reason
	}
	updated, err := m.store.UpdateInstanceIfVersion(ctx, inst, inst.Version)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	event := model.EventWorkflowCompleted
	switch status {
	case model.InstanceRejected:
		event = model.EventWorkflowRejected
	case model.InstanceCancelled:
		event = model.EventWorkflowCancelled
	}
	m.logger.Info("workflow finished",
		zap.String("instance_id", updated.ID),
		zap.String("status", string(status)),
		zap.String("actor_id", actorID),
	)
	m.instanceEvent(ctx, updated, event, actorID, reason, nil)

	if err := m.closeOutstanding(ctx, updated); err != nil {
		m.logger.Warn("closing outstanding tasks failed, left to reconciler",
			zap.String("instance_id", updated.ID), zap.Error(err))
	}
	return updated, nil
}

// closeOutstanding cancels non-terminal tasks of a terminal instance.
func (m *Manager) closeOutstanding(ctx context.Context, inst model.WorkflowInstance) error {
	open, err := m.store.ListTasks(ctx, model.TaskFilter{
		InstanceID: inst.ID,
		Statuses:   model.NonTerminalTaskStatuses,
	})
	if err != nil {
		return err
	}
	for _, t := range open {
		comment := fmt.Sprintf("workflow %s", inst.Status)
		if err := m.scheduler.cancelTask(ctx, t, model.SystemActorID, comment); err != nil {
			return err
		}
	}
	return nil
}

// Resolve applies an administrative decision to a BLOCKED instance.
// REACTIVATE schedules a fresh attempt of the current step before the
// instance is written; REJECT finalizes the instance.
func (m *Manager) Resolve(ctx context.Context, instanceID string, actor model.Actor, decision model.Decision) (model.WorkflowInstance, error) {
	decision, err := model.ParseDecision(string(decision))
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !m.directory.Allows(actor.Roles, model.CapInstanceResolve) {
		return model.WorkflowInstance{}, model.NewUnauthorizedError("resolving an instance requires the instance:resolve capability")
	}

	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status != model.InstanceBlocked {
		return model.WorkflowInstance{}, model.NewInvalidStateTransitionError(
			fmt.Sprintf("workflow instance %q is %s, only BLOCKED instances can be resolved", inst.ID, inst.Status),
		)
	}

	if decision == model.DecisionReject {
		return m.finish(ctx, inst, model.InstanceRejected, actor.ID, fmt.Sprintf("rejected by %s", actor.ID))
	}

	def, err := m.defs.Get(inst.DefinitionName, inst.DefinitionVersion)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	step, ok := def.Step(inst.CurrentStepIndex)
	if !ok {
		return model.WorkflowInstance{}, fmt.Errorf("instance %q points past its last step", inst.ID)
	}
	if _, err := m.scheduler.CreateTasksForStep(ctx, inst, step); err != nil {
		return model.WorkflowInstance{}, err
	}

	inst.Status = model.InstanceInProgress
	updated, err := m.store.UpdateInstanceIfVersion(ctx, inst, inst.Version)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	m.logger.Info("workflow reactivated",
		zap.String("instance_id", updated.ID),
		zap.String("step", step.Name),
		zap.String("actor_id", actor.ID),
	)
	m.instanceEvent(ctx, updated, model.EventWorkflowResumed, actor.ID, "", map[string]any{
		"decision": string(decision),
	})
	return updated, nil
}

// Cancel terminates a non-terminal instance and closes its open tasks.
func (m *Manager) Cancel(ctx context.Context, instanceID string, actor model.Actor, reason string) (model.WorkflowInstance, error) {
	if !m.directory.Allows(actor.Roles, model.CapInstanceCancel) {
		return model.WorkflowInstance{}, model.NewUnauthorizedError("cancelling an instance requires the instance:cancel capability")
	}

	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status.Terminal() {
		return model.WorkflowInstance{}, model.NewInvalidStateTransitionError(
			fmt.Sprintf("workflow instance %q is %s, cannot cancel", inst.ID, inst.Status),
		)
	}
	return m.finish(ctx, inst, model.InstanceCancelled, actor.ID, reason)
}

// Reconcile re-derives every instance that is non-terminal or still owns open
// tasks. Each instance is handled independently; failures are counted and
// logged.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	active, err := m.store.ListInstances(ctx, model.InstanceFilter{NonTerminal: true})
	if err != nil {
		return report, fmt.Errorf("list active instances: %w", err)
	}
	open, err := m.store.ListTasks(ctx, model.TaskFilter{Statuses: model.NonTerminalTaskStatuses})
	if err != nil {
		return report, fmt.Errorf("list open tasks: %w", err)
	}

	versions := make(map[string]int, len(active))
	var ids []string
	for _, inst := range active {
		versions[inst.ID] = inst.Version
		ids = append(ids, inst.ID)
	}
	for _, t := range open {
		if _, seen := versions[t.InstanceID]; !seen {
			versions[t.InstanceID] = -1
			ids = append(ids, t.InstanceID)
		}
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Scanned++
		derived, err := m.derive(ctx, id)
		if err != nil {
			report.Failed++
			m.logger.Warn("reconcile failed", zap.String("instance_id", id), zap.Error(err))
			continue
		}
		if before := versions[id]; before >= 0 && derived.Version != before {
			report.Changed++
		}
	}
	if report.Changed > 0 || report.Failed > 0 {
		m.logger.Info("reconcile pass finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("changed", report.Changed),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}

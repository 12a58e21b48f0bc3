package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/workflow"
	"github.com/pitabwire/stepflow/model"
)

// InstanceQuery filters ListInstances. Empty fields match everything.
type InstanceQuery struct {
	Status         string
	EntityType     string
	EntityID       string
	DefinitionName string
	Limit          int
	Offset         int
}

// History is an instance together with its tasks and audit trail.
type History struct {
	Instance model.WorkflowInstance `json:"instance"`
	Tasks    []model.Task           `json:"tasks"`
	Events   []model.WorkflowEvent  `json:"events"`
}

// StartWorkflow returns the active instance of definitionName for the entity,
// creating one when none exists.
func (f *Facade) StartWorkflow(ctx context.Context, actor model.Actor, definitionName, entityType, entityID string) (res workflow.StartResult, err error) {
	ctx, done := f.begin(ctx, "start_workflow",
		observability.AttrActorID.String(actor.ID),
		observability.AttrDefinition.String(definitionName),
		observability.AttrEntityType.String(entityType),
		observability.AttrEntityID.String(entityID),
	)
	defer func() { done(err) }()

	if err = authenticate(actor); err != nil {
		return res, err
	}
	definitionName = strings.TrimSpace(definitionName)
	if definitionName == "" {
		return res, model.NewFieldValidationError("definition_name", "REQUIRED", "definition_name is required")
	}
	et, err := model.ParseEntityType(entityType)
	if err != nil {
		return res, err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return res, model.NewFieldValidationError("entity_id", "REQUIRED", "entity_id is required")
	}

	res, err = f.manager.Start(ctx, workflow.StartRequest{
		DefinitionName: definitionName,
		EntityType:     et,
		EntityID:       entityID,
		StartedBy:      actor.ID,
	})
	if err != nil {
		return res, err
	}
	observability.Annotate(ctx,
		observability.AttrInstanceID.String(res.Instance.ID),
		observability.AttrStatus.String(string(res.Instance.Status)),
	)
	if f.metrics != nil {
		f.metrics.RecordWorkflowStart(definitionName, res.Created)
	}
	observability.RequestLogger(ctx, f.logger).Debug("start workflow served",
		zap.String("instance_id", res.Instance.ID),
		zap.Bool("created", res.Created),
	)
	return res, nil
}

// ResolveBlockedInstance applies a manual decision, REACTIVATE or REJECT, to a
// BLOCKED instance.
func (f *Facade) ResolveBlockedInstance(ctx context.Context, actor model.Actor, instanceID, decision string) (inst model.WorkflowInstance, err error) {
	ctx, done := f.begin(ctx, "resolve_blocked_instance",
		observability.AttrActorID.String(actor.ID),
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { done(err) }()

	if err = authenticate(actor); err != nil {
		return inst, err
	}
	d, err := model.ParseDecision(decision)
	if err != nil {
		return inst, err
	}
	inst, err = f.manager.Resolve(ctx, instanceID, actor, d)
	if err != nil {
		return inst, err
	}
	f.recordInstanceOutcome(inst)
	return inst, nil
}

// CancelInstance terminates a non-terminal instance.
func (f *Facade) CancelInstance(ctx context.Context, actor model.Actor, instanceID, reason string) (inst model.WorkflowInstance, err error) {
	ctx, done := f.begin(ctx, "cancel_instance",
		observability.AttrActorID.String(actor.ID),
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { done(err) }()

	if err = authenticate(actor); err != nil {
		return inst, err
	}
	inst, err = f.manager.Cancel(ctx, instanceID, actor, strings.TrimSpace(reason))
	if err != nil {
		return inst, err
	}
	f.recordInstanceOutcome(inst)
	return inst, nil
}

// GetInstance returns one instance.
func (f *Facade) GetInstance(ctx context.Context, instanceID string) (inst model.WorkflowInstance, err error) {
	ctx, done := f.begin(ctx, "get_instance", observability.AttrInstanceID.String(instanceID))
	defer func() { done(err) }()
	return f.store.GetInstance(ctx, instanceID)
}

// ListInstances returns instances newest first.
func (f *Facade) ListInstances(ctx context.Context, q InstanceQuery) (out []model.WorkflowInstance, err error) {
	ctx, done := f.begin(ctx, "list_instances")
	defer func() { done(err) }()

	filter := model.InstanceFilter{
		EntityID:       strings.TrimSpace(q.EntityID),
		DefinitionName: strings.TrimSpace(q.DefinitionName),
		Limit:          q.Limit,
		Offset:         q.Offset,
	}
	if q.Status != "" {
		if filter.Status, err = model.ParseInstanceStatus(q.Status); err != nil {
			return nil, err
		}
	}
	if q.EntityType != "" {
		if filter.EntityType, err = model.ParseEntityType(q.EntityType); err != nil {
			return nil, err
		}
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nil, model.NewFieldValidationError("limit", "OUT_OF_RANGE", "limit and offset must not be negative")
	}
	return f.store.ListInstances(ctx, filter)
}

// GetInstanceHistory returns an instance with every task attempt and the
// audit trail.
func (f *Facade) GetInstanceHistory(ctx context.Context, instanceID string) (h History, err error) {
	ctx, done := f.begin(ctx, "get_instance_history", observability.AttrInstanceID.String(instanceID))
	defer func() { done(err) }()

	if h.Instance, err = f.store.GetInstance(ctx, instanceID); err != nil {
		return History{}, err
	}
	if h.Tasks, err = f.store.ListTasks(ctx, model.TaskFilter{InstanceID: instanceID}); err != nil {
		return History{}, err
	}
	if h.Events, err = f.store.ListEvents(ctx, instanceID); err != nil {
		return History{}, err
	}
	return h, nil
}

// ReconcileInstances runs one re-derivation pass over unfinished instances.
func (f *Facade) ReconcileInstances(ctx context.Context, actor model.Actor) (report workflow.ReconcileReport, err error) {
	ctx, done := f.begin(ctx, "reconcile_instances", observability.AttrActorID.String(actor.ID))
	defer func() { done(err) }()

	if err = authenticate(actor); err != nil {
		return report, err
	}
	if !f.directory.Allows(actor.Roles, model.CapInstanceReconcile) {
		return report, model.NewUnauthorizedError("reconciliation requires the instance:reconcile capability")
	}
	report, err = f.manager.Reconcile(ctx)
	if f.metrics != nil {
		f.metrics.RecordReconcile(report.Scanned, report.Changed, report.Failed)
	}
	return report, err
}

// GetDashboardSummary aggregates instance and task counters.
func (f *Facade) GetDashboardSummary(ctx context.Context) (s model.DashboardSummary, err error) {
	ctx, done := f.begin(ctx, "get_dashboard_summary")
	defer func() { done(err) }()
	return f.store.Summary(ctx, f.now())
}

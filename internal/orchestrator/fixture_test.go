package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/capability"
	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/internal/idempotency"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/workflow"
	"github.com/pitabwire/stepflow/model"
)

var (
	sellerUser  = model.Actor{ID: "seller-1", Roles: []model.Role{model.RoleSeller}}
	qualityUser = model.Actor{ID: "qa-1", Roles: []model.Role{model.RoleQuality}}
	qualityPeer = model.Actor{ID: "qa-2", Roles: []model.Role{model.RoleQuality}}
	financeUser = model.Actor{ID: "fin-1", Roles: []model.Role{model.RoleFinance}}
	managerUser = model.Actor{ID: "mgr-1", Roles: []model.Role{model.RoleManager}}
	adminUser   = model.Actor{ID: "admin-1", Roles: []model.Role{model.RoleAdmin}}
	opsUser     = model.Actor{ID: "ops-1", Roles: []model.Role{model.RoleBackoffice}}
)

func fruitDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Name:       "fruit-approval",
		EntityType: model.EntityFruit,
		Steps: []model.StepTemplate{
			{Order: 1, Name: "quality-check", Type: model.StepManual, AssignedRole: model.RoleQuality, Required: true},
			{Order: 2, Name: "finance-review", Type: model.StepApproval, AssignedRole: model.RoleFinance, Required: true, Priority: model.PriorityHigh, TimeoutHours: 48},
		},
	}
}

func sellerDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Name:       "seller-onboarding",
		EntityType: model.EntitySeller,
		Steps: []model.StepTemplate{
			{Order: 1, Name: "kyc-review", Type: model.StepManual, AssignedRole: model.RoleBackoffice, Required: true, Priority: model.PriorityUrgent},
			{Order: 2, Name: "welcome-email", Type: model.StepAutomatic, AssignedRole: model.RoleBackoffice},
		},
	}
}

// testClock is wall time shifted by an adjustable offset.
type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().UTC().Add(c.offset)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

type harness struct {
	facade    *Facade
	store     *workflow.MemoryStore
	scheduler *workflow.Scheduler
	metrics   *observability.Metrics
	idem      *idempotency.MemoryStore
	clock     *testClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()

	store := workflow.NewMemoryStore()
	registry := definition.NewRegistry(store, zap.NewNop())
	for _, def := range []model.WorkflowDefinition{fruitDefinition(), sellerDefinition()} {
		if _, err := registry.Publish(ctx, def); err != nil {
			t.Fatalf("Publish(%s): %v", def.Name, err)
		}
	}

	directory := capability.NewDirectory(capability.DefaultPolicy())
	clock := &testClock{}
	scheduler := workflow.NewScheduler(store, directory, nil, zap.NewNop(), workflow.WithClock(clock.Now))
	manager := workflow.NewManager(store, registry, scheduler, directory, nil, zap.NewNop())

	metrics := observability.InitMetrics(prometheus.NewRegistry())
	idem := idempotency.NewMemoryStore()
	opts = append([]Option{WithMetrics(metrics), WithIdempotencyStore(idem, 0)}, opts...)

	return &harness{
		facade:    New(store, registry, scheduler, manager, directory, zap.NewNop(), opts...),
		store:     store,
		scheduler: scheduler,
		metrics:   metrics,
		idem:      idem,
		clock:     clock,
	}
}

func (h *harness) startFruit(t *testing.T, entityID string) model.WorkflowInstance {
	t.Helper()
	res, err := h.facade.StartWorkflow(context.Background(), sellerUser, "fruit-approval", "fruit", entityID)
	if err != nil {
		t.Fatalf("StartWorkflow error: %v", err)
	}
	return res.Instance
}

// openTask returns the single non-terminal task of the instance's step.
func (h *harness) openTask(t *testing.T, instanceID string, stepOrder int) model.Task {
	t.Helper()
	tasks, err := h.store.ListTasks(context.Background(), model.TaskFilter{
		InstanceID: instanceID,
		StepOrder:  stepOrder,
		Statuses:   model.NonTerminalTaskStatuses,
	})
	if err != nil {
		t.Fatalf("ListTasks error: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("open tasks at step %d = %d, want 1", stepOrder, len(tasks))
	}
	return tasks[0]
}

func (h *harness) move(t *testing.T, actor model.Actor, taskID, target string) model.Task {
	t.Helper()
	task, err := h.facade.TransitionTask(context.Background(), actor, TransitionInput{TaskID: taskID, Target: target})
	if err != nil {
		t.Fatalf("TransitionTask(%s -> %s) error: %v", taskID, target, err)
	}
	return task
}

func (h *harness) finish(t *testing.T, actor model.Actor, taskID, target string) model.Task {
	t.Helper()
	h.move(t, actor, taskID, "IN_PROGRESS")
	return h.move(t, actor, taskID, target)
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if !model.IsCode(err, code) {
		t.Fatalf("error = %v, want code %s", err, code)
	}
}

func intPtr(v int) *int { return &v }

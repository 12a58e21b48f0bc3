package workflow

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/capability"
	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/internal/notify"
	"github.com/pitabwire/stepflow/model"
)

var (
	qualityUser = model.Actor{ID: "qa-1", Roles: []model.Role{model.RoleQuality}}
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
			{Order: 1, Name: "kyc-review", Type: model.StepManual, AssignedRole: model.RoleBackoffice, Required: true},
			{Order: 2, Name: "welcome-email", Type: model.StepAutomatic, AssignedRole: model.RoleBackoffice, Required: false},
		},
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, evt notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	store     Store
	registry  *definition.Registry
	scheduler *Scheduler
	manager   *Manager
	notes     *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, store Store) *fixture {
	t.Helper()
	ctx := context.Background()

	registry := definition.NewRegistry(store, zap.NewNop())
	for _, def := range []model.WorkflowDefinition{fruitDefinition(), sellerDefinition()} {
		if _, err := registry.Publish(ctx, def); err != nil {
			t.Fatalf("Publish(%s): %v", def.Name, err)
		}
	}

	directory := capability.NewDirectory(capability.DefaultPolicy())
	notes := &recordingNotifier{}
	scheduler := NewScheduler(store, directory, notes, zap.NewNop())
	manager := NewManager(store, registry, scheduler, directory, notes, zap.NewNop())
	return &fixture{
		store:     store,
		registry:  registry,
		scheduler: scheduler,
		manager:   manager,
		notes:     notes,
	}
}

func (f *fixture) startFruit(t *testing.T, entityID string) model.WorkflowInstance {
	t.Helper()
	res, err := f.manager.Start(context.Background(), StartRequest{
		DefinitionName: "fruit-approval",
		EntityType:     model.EntityFruit,
		EntityID:       entityID,
		StartedBy:      "seller-1",
	})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	return res.Instance
}

func (f *fixture) instance(t *testing.T, id string) model.WorkflowInstance {
	t.Helper()
	inst, err := f.store.GetInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("GetInstance error: %v", err)
	}
	return inst
}

func (f *fixture) tasksAt(t *testing.T, instanceID string, stepOrder int) []model.Task {
	t.Helper()
	tasks, err := f.store.ListTasks(context.Background(), model.TaskFilter{InstanceID: instanceID, StepOrder: stepOrder})
	if err != nil {
		t.Fatalf("ListTasks error: %v", err)
	}
	return tasks
}

// openTask returns the single non-terminal task of a step.
func (f *fixture) openTask(t *testing.T, instanceID string, stepOrder int) model.Task {
	t.Helper()
	var open []model.Task
	for _, task := range f.tasksAt(t, instanceID, stepOrder) {
		if !task.Status.Terminal() {
			open = append(open, task)
		}
	}
	if len(open) != 1 {
		t.Fatalf("step %d has %d open tasks, want 1", stepOrder, len(open))
	}
	return open[0]
}

func (f *fixture) move(t *testing.T, task model.Task, actor model.Actor, target model.TaskStatus, comment string) model.Task {
	t.Helper()
	updated, err := f.scheduler.Transition(context.Background(), TransitionRequest{
		TaskID:          task.ID,
		Actor:           actor,
		ExpectedVersion: task.Version,
		Target:          target,
		Comment:         comment,
	})
	if err != nil {
		t.Fatalf("Transition %s -> %s error: %v", task.Status, target, err)
	}
	return updated
}

// finishTask claims a READY task and resolves it with outcome.
func (f *fixture) finishTask(t *testing.T, task model.Task, actor model.Actor, outcome model.TaskStatus) model.Task {
	t.Helper()
	claimed := f.move(t, task, actor, model.TaskInProgress, "")
	return f.move(t, claimed, actor, outcome, "")
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

// hookStore runs beforeCreateTask ahead of every task insert, letting a test
// interleave another writer between an instance write and task creation.
type hookStore struct {
	Store
	beforeCreateTask func(ctx context.Context, task model.Task)
}

func (h *hookStore) CreateTask(ctx context.Context, task model.Task) error {
	if hook := h.beforeCreateTask; hook != nil {
		h.beforeCreateTask = nil
		hook(ctx, task)
	}
	return h.Store.CreateTask(ctx, task)
}

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/stepflow/model"
)

func TestStartWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.facade.StartWorkflow(ctx, sellerUser, "fruit-approval", "fruit", "apple-1")
	if err != nil {
		t.Fatalf("StartWorkflow error: %v", err)
	}
	if !first.Created {
		t.Error("first start should create the instance")
	}
	if first.Instance.EntityType != model.EntityFruit || first.Instance.StartedBy != "seller-1" {
		t.Errorf("instance = %+v", first.Instance)
	}

	second, err := h.facade.StartWorkflow(ctx, sellerUser, "fruit-approval", "FRUIT", "apple-1")
	if err != nil {
		t.Fatalf("second StartWorkflow error: %v", err)
	}
	if second.Created || second.Instance.ID != first.Instance.ID {
		t.Errorf("second start = %+v, want existing instance %s", second, first.Instance.ID)
	}

	if v := testutil.ToFloat64(h.metrics.WorkflowStartsTotal.WithLabelValues("fruit-approval", "true")); v != 1 {
		t.Errorf("created starts = %v, want 1", v)
	}
	if v := testutil.ToFloat64(h.metrics.WorkflowStartsTotal.WithLabelValues("fruit-approval", "false")); v != 1 {
		t.Errorf("existing starts = %v, want 1", v)
	}
}

func TestStartWorkflow_errors(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name       string
		actor      model.Actor
		definition string
		entityType string
		entityID   string
		code       string
	}{
		{"anonymous", model.Actor{}, "fruit-approval", "FRUIT", "apple-1", model.ErrUnauthenticated},
		{"missing definition name", sellerUser, " ", "FRUIT", "apple-1", model.ErrValidationError},
		{"unknown entity type", sellerUser, "fruit-approval", "VEGETABLE", "apple-1", model.ErrValidationError},
		{"missing entity id", sellerUser, "fruit-approval", "FRUIT", "", model.ErrValidationError},
		{"unknown definition", sellerUser, "nope", "FRUIT", "apple-1", model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.facade.StartWorkflow(context.Background(), tt.actor, tt.definition, tt.entityType, tt.entityID)
			assertCode(t, err, tt.code)
		})
	}

	list, err := h.facade.ListInstances(context.Background(), InstanceQuery{})
	if err != nil {
		t.Fatalf("ListInstances error: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("failed starts created %d instances", len(list))
	}
}

func TestTwoStepApprovalScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.startFruit(t, "apple-1")

	quality := h.openTask(t, inst.ID, 1)
	h.finish(t, qualityUser, quality.ID, "COMPLETED")

	got, err := h.facade.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance error: %v", err)
	}
	if got.CurrentStepIndex != 1 || got.Status != model.InstanceInProgress {
		t.Fatalf("after quality: index=%d status=%s", got.CurrentStepIndex, got.Status)
	}

	finance := h.openTask(t, inst.ID, 2)
	if finance.AssignedRole != model.RoleFinance || finance.Priority != model.PriorityHigh {
		t.Errorf("finance task = %+v", finance)
	}
	h.finish(t, financeUser, finance.ID, "COMPLETED")

	got, _ = h.facade.GetInstance(ctx, inst.ID)
	if got.Status != model.InstanceCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}

	history, err := h.facade.GetInstanceHistory(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstanceHistory error: %v", err)
	}
	if len(history.Tasks) != 2 {
		t.Errorf("tasks = %d, want 2 (the quality task is never recreated)", len(history.Tasks))
	}
	if len(history.Events) == 0 || history.Events[len(history.Events)-1].Event != model.EventWorkflowCompleted {
		t.Errorf("last event should be %s", model.EventWorkflowCompleted)
	}
	if v := testutil.ToFloat64(h.metrics.InstanceOutcomesTotal.WithLabelValues("fruit-approval", "COMPLETED")); v != 1 {
		t.Errorf("completed outcomes = %v, want 1", v)
	}
}

func TestRejectionBlocksThenResolve(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.startFruit(t, "apple-1")

	h.finish(t, qualityUser, h.openTask(t, inst.ID, 1).ID, "COMPLETED")
	h.finish(t, financeUser, h.openTask(t, inst.ID, 2).ID, "REJECTED")

	blocked, _ := h.facade.GetInstance(ctx, inst.ID)
	if blocked.Status != model.InstanceBlocked || blocked.CurrentStepIndex != 1 {
		t.Fatalf("after rejection: status=%s index=%d", blocked.Status, blocked.CurrentStepIndex)
	}

	_, err := h.facade.ResolveBlockedInstance(ctx, financeUser, inst.ID, "REACTIVATE")
	assertCode(t, err, model.ErrUnauthorized)
	_, err = h.facade.ResolveBlockedInstance(ctx, managerUser, inst.ID, "maybe")
	assertCode(t, err, model.ErrValidationError)

	resumed, err := h.facade.ResolveBlockedInstance(ctx, managerUser, inst.ID, "reactivate")
	if err != nil {
		t.Fatalf("ResolveBlockedInstance error: %v", err)
	}
	if resumed.Status != model.InstanceInProgress {
		t.Fatalf("status = %s, want IN_PROGRESS", resumed.Status)
	}
	retry := h.openTask(t, inst.ID, 2)
	if retry.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", retry.Attempt)
	}

	h.finish(t, financeUser, retry.ID, "REJECTED")
	rejected, err := h.facade.ResolveBlockedInstance(ctx, adminUser, inst.ID, "REJECT")
	if err != nil {
		t.Fatalf("ResolveBlockedInstance(REJECT) error: %v", err)
	}
	if rejected.Status != model.InstanceRejected {
		t.Errorf("status = %s, want REJECTED", rejected.Status)
	}
	if v := testutil.ToFloat64(h.metrics.InstanceOutcomesTotal.WithLabelValues("fruit-approval", "BLOCKED")); v != 2 {
		t.Errorf("blocked outcomes = %v, want 2", v)
	}
}

func TestCancelInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.startFruit(t, "apple-1")

	_, err := h.facade.CancelInstance(ctx, qualityUser, inst.ID, "no longer sold")
	assertCode(t, err, model.ErrUnauthorized)

	cancelled, err := h.facade.CancelInstance(ctx, adminUser, inst.ID, "no longer sold")
	if err != nil {
		t.Fatalf("CancelInstance error: %v", err)
	}
	if cancelled.Status != model.InstanceCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}
	_, err = h.facade.CancelInstance(ctx, adminUser, inst.ID, "")
	assertCode(t, err, model.ErrInvalidStateTransition)
}

func TestListInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startFruit(t, "apple-1")
	h.startFruit(t, "apple-2")
	if _, err := h.facade.StartWorkflow(ctx, sellerUser, "seller-onboarding", "SELLER", "s-1"); err != nil {
		t.Fatalf("StartWorkflow error: %v", err)
	}

	tests := []struct {
		name  string
		query InstanceQuery
		want  int
	}{
		{"all", InstanceQuery{}, 3},
		{"by entity type", InstanceQuery{EntityType: "fruit"}, 2},
		{"by definition", InstanceQuery{DefinitionName: "seller-onboarding"}, 1},
		{"by status", InstanceQuery{Status: "in_progress"}, 3},
		{"by entity id", InstanceQuery{EntityID: "apple-2"}, 1},
		{"paged", InstanceQuery{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.facade.ListInstances(ctx, tt.query)
			if err != nil {
				t.Fatalf("ListInstances error: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}

	_, err := h.facade.ListInstances(ctx, InstanceQuery{Status: "SLEEPING"})
	assertCode(t, err, model.ErrValidationError)
	_, err = h.facade.ListInstances(ctx, InstanceQuery{Limit: -1})
	assertCode(t, err, model.ErrValidationError)
}

func TestListTasksForUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	apple := h.startFruit(t, "apple-1")
	h.startFruit(t, "apple-2")
	if _, err := h.facade.StartWorkflow(ctx, sellerUser, "seller-onboarding", "SELLER", "s-1"); err != nil {
		t.Fatalf("StartWorkflow error: %v", err)
	}

	tasks, err := h.facade.ListTasksForUser(ctx, qualityUser, TaskQuery{})
	if err != nil {
		t.Fatalf("ListTasksForUser error: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("quality tasks = %d, want 2", len(tasks))
	}
	for _, task := range tasks {
		if task.AssignedRole != model.RoleQuality {
			t.Errorf("task %s assigned to %s", task.ID, task.AssignedRole)
		}
	}

	// Completed tasks stay visible to the actor who completed them only.
	h.finish(t, qualityUser, h.openTask(t, apple.ID, 1).ID, "COMPLETED")
	mine, _ := h.facade.ListTasksForUser(ctx, qualityUser, TaskQuery{Statuses: []string{"completed"}})
	if len(mine) != 1 || mine[0].CompletedBy != "qa-1" {
		t.Errorf("qa-1 completed tasks = %+v", mine)
	}
	peer, _ := h.facade.ListTasksForUser(ctx, qualityPeer, TaskQuery{Statuses: []string{"COMPLETED"}})
	if len(peer) != 0 {
		t.Errorf("qa-2 should not see qa-1's completed task, got %d", len(peer))
	}

	// An actor holding every working role sees all open tasks, URGENT first.
	lead := model.Actor{ID: "lead-1", Roles: []model.Role{model.RoleQuality, model.RoleFinance, model.RoleBackoffice}}
	all, _ := h.facade.ListTasksForUser(ctx, lead, TaskQuery{})
	if len(all) != 3 {
		t.Fatalf("lead tasks = %d, want 3", len(all))
	}
	if all[0].Priority != model.PriorityUrgent {
		t.Errorf("first task priority = %s, want URGENT", all[0].Priority)
	}
	if all[1].Priority != model.PriorityHigh {
		t.Errorf("second task priority = %s, want HIGH", all[1].Priority)
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Priority.Rank() == all[i].Priority.Rank() && all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Error("tasks of equal priority should be ordered oldest first")
		}
	}

	_, err = h.facade.ListTasksForUser(ctx, qualityUser, TaskQuery{Statuses: []string{"DONE"}})
	assertCode(t, err, model.ErrValidationError)
	_, err = h.facade.ListTasksForUser(ctx, model.Actor{}, TaskQuery{})
	assertCode(t, err, model.ErrUnauthenticated)
}

func TestTransitionTask_validation(t *testing.T) {
	h := newHarness(t)
	inst := h.startFruit(t, "apple-1")
	task := h.openTask(t, inst.ID, 1)

	tests := []struct {
		name  string
		actor model.Actor
		in    TransitionInput
		code  string
	}{
		{"anonymous", model.Actor{}, TransitionInput{TaskID: task.ID, Target: "IN_PROGRESS"}, model.ErrUnauthenticated},
		{"missing task id", qualityUser, TransitionInput{Target: "IN_PROGRESS"}, model.ErrValidationError},
		{"unknown status", qualityUser, TransitionInput{TaskID: task.ID, Target: "FINISHED"}, model.ErrValidationError},
		{"unknown task", qualityUser, TransitionInput{TaskID: "missing", Target: "IN_PROGRESS"}, model.ErrNotFound},
		{"wrong role", financeUser, TransitionInput{TaskID: task.ID, Target: "IN_PROGRESS"}, model.ErrUnauthorized},
		{"illegal edge", qualityUser, TransitionInput{TaskID: task.ID, Target: "COMPLETED"}, model.ErrInvalidStateTransition},
		{"stale version", qualityUser, TransitionInput{TaskID: task.ID, Target: "IN_PROGRESS", ExpectedVersion: intPtr(task.Version + 1)}, model.ErrConcurrentModification},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.facade.TransitionTask(context.Background(), tt.actor, tt.in)
			assertCode(t, err, tt.code)
		})
	}

	unchanged, err := h.facade.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask error: %v", err)
	}
	if unchanged.Status != task.Status || unchanged.Version != task.Version {
		t.Errorf("task changed to %s v%d", unchanged.Status, unchanged.Version)
	}
}

func TestTransitionTask_explicitVersion(t *testing.T) {
	h := newHarness(t)
	inst := h.startFruit(t, "apple-1")
	task := h.openTask(t, inst.ID, 1)

	claimed, err := h.facade.TransitionTask(context.Background(), qualityUser, TransitionInput{
		TaskID: task.ID, Target: "in_progress", ExpectedVersion: intPtr(task.Version),
	})
	if err != nil {
		t.Fatalf("TransitionTask error: %v", err)
	}
	if claimed.Version != task.Version+1 || claimed.ClaimedBy != "qa-1" {
		t.Errorf("claimed = %+v", claimed)
	}
}

func TestTransitionTask_concurrentExplicitVersionSingleWinner(t *testing.T) {
	h := newHarness(t)
	inst := h.startFruit(t, "apple-1")
	task := h.openTask(t, inst.ID, 1)

	const writers = 8
	var (
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			_, err := h.facade.TransitionTask(context.Background(), qualityUser, TransitionInput{
				TaskID: task.ID, Target: "IN_PROGRESS", ExpectedVersion: intPtr(task.Version),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case model.IsCode(err, model.ErrConcurrentModification):
				conflicts++
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wins != 1 || conflicts != writers-1 {
		t.Errorf("wins=%d conflicts=%d, want 1 and %d", wins, conflicts, writers-1)
	}
}

func TestTransitionTask_unversionedRetriesUntilEdgeDecides(t *testing.T) {
	h := newHarness(t)
	inst := h.startFruit(t, "apple-1")
	task := h.openTask(t, inst.ID, 1)

	const writers = 8
	var (
		mu      sync.Mutex
		wins    int
		refused int
	)
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			_, err := h.facade.TransitionTask(context.Background(), qualityUser, TransitionInput{
				TaskID: task.ID, Target: "IN_PROGRESS",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case model.IsCode(err, model.ErrInvalidStateTransition), model.IsCode(err, model.ErrConcurrentModification):
				refused++
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wins != 1 || refused != writers-1 {
		t.Errorf("wins=%d refused=%d, want 1 and %d", wins, refused, writers-1)
	}
}

func TestTransitionTask_idempotencyKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.startFruit(t, "apple-1")
	task := h.openTask(t, inst.ID, 1)

	in := TransitionInput{TaskID: task.ID, Target: "IN_PROGRESS", IdempotencyKey: "claim-1"}
	first, err := h.facade.TransitionTask(ctx, qualityUser, in)
	if err != nil {
		t.Fatalf("first TransitionTask error: %v", err)
	}
	replay, err := h.facade.TransitionTask(ctx, qualityUser, in)
	if err != nil {
		t.Fatalf("replayed TransitionTask error: %v", err)
	}
	if replay.ID != first.ID || replay.Version != first.Version || replay.Status != model.TaskInProgress {
		t.Errorf("replay = %+v, want cached %+v", replay, first)
	}

	stored, _ := h.facade.GetTask(ctx, task.ID)
	if stored.Version != first.Version {
		t.Errorf("replay should not transition again: version %d, want %d", stored.Version, first.Version)
	}

	_, err = h.facade.TransitionTask(ctx, qualityUser, TransitionInput{TaskID: task.ID, Target: "COMPLETED", IdempotencyKey: "claim-1"})
	assertCode(t, err, model.ErrIdempotencyConflict)

	// Keys are scoped per actor, so another actor's reuse is a fresh request.
	_, err = h.facade.TransitionTask(ctx, financeUser, TransitionInput{TaskID: task.ID, Target: "COMPLETED", IdempotencyKey: "claim-1"})
	assertCode(t, err, model.ErrUnauthorized)

	for result, want := range map[string]float64{"miss": 2, "replay": 1, "conflict": 1} {
		if v := testutil.ToFloat64(h.metrics.IdempotencyTotal.WithLabelValues(result)); v != want {
			t.Errorf("idempotency %s = %v, want %v", result, v, want)
		}
	}
}

func TestTransitionTask_failedTransitionIsNotCached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.startFruit(t, "apple-1")
	task := h.openTask(t, inst.ID, 1)

	_, err := h.facade.TransitionTask(ctx, financeUser, TransitionInput{TaskID: task.ID, Target: "IN_PROGRESS", IdempotencyKey: "k"})
	assertCode(t, err, model.ErrUnauthorized)
	if h.idem.Len() != 0 {
		t.Errorf("failed transition cached %d entries", h.idem.Len())
	}
}

func TestCancelTaskRequiresCapability(t *testing.T) {
	h := newHarness(t)
	inst := h.startFruit(t, "apple-1")
	task := h.openTask(t, inst.ID, 1)

	_, err := h.facade.TransitionTask(context.Background(), qualityUser, TransitionInput{TaskID: task.ID, Target: "CANCELLED"})
	assertCode(t, err, model.ErrUnauthorized)

	cancelled := h.move(t, adminUser, task.ID, "CANCELLED")
	if cancelled.Status != model.TaskCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}
}

func TestDefinitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	defs, err := h.facade.ListWorkflowDefinitions(ctx, false)
	if err != nil {
		t.Fatalf("ListWorkflowDefinitions error: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("definitions = %d, want 2", len(defs))
	}

	next := fruitDefinition()
	next.Steps = append(next.Steps, model.StepTemplate{
		Order: 3, Name: "listing", Type: model.StepAutomatic, AssignedRole: model.RoleBackoffice,
	})

	_, err = h.facade.PublishDefinition(ctx, financeUser, next)
	assertCode(t, err, model.ErrUnauthorized)

	published, err := h.facade.PublishDefinition(ctx, adminUser, next)
	if err != nil {
		t.Fatalf("PublishDefinition error: %v", err)
	}
	if published.Version != 2 || published.CreatedBy != "admin-1" {
		t.Errorf("published = v%d by %q", published.Version, published.CreatedBy)
	}

	again, err := h.facade.PublishDefinition(ctx, adminUser, next)
	if err != nil {
		t.Fatalf("republish error: %v", err)
	}
	if again.Version != 2 {
		t.Errorf("identical republish version = %d, want 2", again.Version)
	}
	if v := testutil.ToFloat64(h.metrics.DefinitionsPublished.WithLabelValues("fruit-approval")); v != 1 {
		t.Errorf("published counter = %v, want 1", v)
	}

	active, err := h.facade.GetDefinition(ctx, "fruit-approval", 0)
	if err != nil || active.Version != 2 {
		t.Errorf("active = v%d err=%v, want v2", active.Version, err)
	}
	v1, err := h.facade.GetDefinition(ctx, "fruit-approval", 1)
	if err != nil || len(v1.Steps) != 2 {
		t.Errorf("v1 = %+v err=%v", v1, err)
	}
	_, err = h.facade.GetDefinition(ctx, "fruit-approval", 9)
	assertCode(t, err, model.ErrNotFound)
	_, err = h.facade.GetDefinition(ctx, "fruit-approval", -1)
	assertCode(t, err, model.ErrValidationError)

	withHistory, _ := h.facade.ListWorkflowDefinitions(ctx, true)
	if len(withHistory) != 3 {
		t.Errorf("definitions including inactive = %d, want 3", len(withHistory))
	}
}

func TestDashboardSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	apple := h.startFruit(t, "apple-1")
	h.startFruit(t, "apple-2")
	h.finish(t, qualityUser, h.openTask(t, apple.ID, 1).ID, "COMPLETED")

	sum, err := h.facade.GetDashboardSummary(ctx)
	if err != nil {
		t.Fatalf("GetDashboardSummary error: %v", err)
	}
	want := model.DashboardSummary{
		TotalEntities:   2,
		PendingTasks:    2,
		ActiveInstances: 2,
		CompletedTasks:  1,
	}
	if sum != want {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}

	h.facade.now = func() time.Time { return time.Now().Add(72 * time.Hour) }
	sum, _ = h.facade.GetDashboardSummary(ctx)
	if sum.OverdueTasks != 1 {
		t.Errorf("overdue = %d, want 1 (the 48h finance review)", sum.OverdueTasks)
	}
}

func TestReconcileInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startFruit(t, "apple-1")

	_, err := h.facade.ReconcileInstances(ctx, qualityUser)
	assertCode(t, err, model.ErrUnauthorized)

	report, err := h.facade.ReconcileInstances(ctx, adminUser)
	if err != nil {
		t.Fatalf("ReconcileInstances error: %v", err)
	}
	if report.Scanned != 1 || report.Changed != 0 || report.Failed != 0 {
		t.Errorf("report = %+v, want one converged instance", report)
	}
	if v := testutil.ToFloat64(h.metrics.ReconcileScannedTotal); v != 1 {
		t.Errorf("scanned metric = %v, want 1", v)
	}
}

func TestProcessAutomaticTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.facade.StartWorkflow(ctx, sellerUser, "seller-onboarding", "SELLER", "s-1")
	if err != nil {
		t.Fatalf("StartWorkflow error: %v", err)
	}
	h.finish(t, opsUser, h.openTask(t, res.Instance.ID, 1).ID, "COMPLETED")

	n, err := h.facade.ProcessAutomaticTasks(ctx)
	if err != nil {
		t.Fatalf("ProcessAutomaticTasks error: %v", err)
	}
	if n != 1 {
		t.Errorf("processed = %d, want 1", n)
	}
	inst, _ := h.facade.GetInstance(ctx, res.Instance.ID)
	if inst.Status != model.InstanceCompleted {
		t.Errorf("status = %s, want COMPLETED", inst.Status)
	}
	if v := testutil.ToFloat64(h.metrics.AutomaticTasksTotal); v != 1 {
		t.Errorf("automatic metric = %v, want 1", v)
	}
}

func TestRunAutomation_stopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	res, err := h.facade.StartWorkflow(ctx, sellerUser, "seller-onboarding", "SELLER", "s-1")
	if err != nil {
		t.Fatalf("StartWorkflow error: %v", err)
	}
	h.finish(t, opsUser, h.openTask(t, res.Instance.ID, 1).ID, "COMPLETED")

	errCh := make(chan error, 1)
	go func() { errCh <- h.facade.RunAutomation(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inst, _ := h.facade.GetInstance(context.Background(), res.Instance.ID)
		if inst.Status == model.InstanceCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("RunAutomation returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunAutomation did not stop after cancel")
	}
	inst, _ := h.facade.GetInstance(context.Background(), res.Instance.ID)
	if inst.Status != model.InstanceCompleted {
		t.Errorf("status = %s, want COMPLETED", inst.Status)
	}
}

func TestProcessTimeouts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.startFruit(t, "apple-1")
	h.finish(t, qualityUser, h.openTask(t, inst.ID, 1).ID, "COMPLETED")

	if n, err := h.facade.ProcessTimeouts(ctx); err != nil || n != 0 {
		t.Fatalf("ProcessTimeouts = %d, %v; want nothing due", n, err)
	}

	h.clock.Advance(49 * time.Hour)
	n, err := h.facade.ProcessTimeouts(ctx)
	if err != nil {
		t.Fatalf("ProcessTimeouts error: %v", err)
	}
	if n != 1 {
		t.Errorf("handled = %d, want 1", n)
	}
	task := h.openTask(t, inst.ID, 2)
	if task.TimedOutAt == nil || task.OnTimeout != model.TimeoutNotify {
		t.Errorf("task timedOutAt=%v onTimeout=%q", task.TimedOutAt, task.OnTimeout)
	}
	if v := testutil.ToFloat64(h.metrics.TimedOutTasksTotal); v != 1 {
		t.Errorf("timed out metric = %v, want 1", v)
	}
}

func TestRunTimeouts_stopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	inst := h.startFruit(t, "apple-1")
	h.finish(t, qualityUser, h.openTask(t, inst.ID, 1).ID, "COMPLETED")
	h.clock.Advance(49 * time.Hour)

	errCh := make(chan error, 1)
	go func() { errCh <- h.facade.RunTimeouts(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(h.metrics.TimedOutTasksTotal) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("RunTimeouts returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunTimeouts did not stop after cancel")
	}
	if task := h.openTask(t, inst.ID, 2); task.TimedOutAt == nil {
		t.Error("overdue task was not marked")
	}
}

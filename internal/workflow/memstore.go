package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/stepflow/model"
)

// MemoryStore is an in-memory Store. The mutex is held only for the map
// operation and every read returns a copy.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions []model.WorkflowDefinition
	instances   map[string]model.WorkflowInstance // key: instance ID
	tasks       map[string]model.Task             // key: task ID
	events      map[string][]model.WorkflowEvent  // key: instance ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]model.WorkflowInstance),
		tasks:     make(map[string]model.Task),
		events:    make(map[string][]model.WorkflowEvent),
	}
}

// SaveDefinition stores a published version and deactivates the previous
// active version of the same name.
func (s *MemoryStore) SaveDefinition(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.definitions {
		if existing.Name == def.Name && existing.Version == def.Version {
			return model.NewConcurrentModificationError(
				fmt.Sprintf("definition %q version %d was already published", def.Name, def.Version),
			)
		}
	}
	if def.Active {
		for i := range s.definitions {
			if s.definitions[i].Name == def.Name {
				s.definitions[i].Active = false
			}
		}
	}
	s.definitions = append(s.definitions, def.Clone())
	return nil
}

// ListDefinitions returns every stored version.
func (s *MemoryStore) ListDefinitions(_ context.Context) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.WorkflowDefinition, 0, len(s.definitions))
	for _, d := range s.definitions {
		result = append(result, d.Clone())
	}
	return result, nil
}

// CreateInstance persists a new instance, enforcing one active instance per
// entity and definition.
func (s *MemoryStore) CreateInstance(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("workflow instance %q already exists", inst.ID)
	}
	if !inst.Status.Terminal() {
		if existing, ok := s.findActiveLocked(inst.DefinitionName, inst.EntityType, inst.EntityID); ok {
			return model.NewDuplicateActiveInstanceError(existing.ID)
		}
	}

	s.instances[inst.ID] = inst
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *MemoryStore) GetInstance(_ context.Context, id string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", id),
		)
	}
	return inst, nil
}

// FindActiveInstance returns the non-terminal instance for the triple.
func (s *MemoryStore) FindActiveInstance(_ context.Context, definitionName string, entityType model.EntityType, entityID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.findActiveLocked(definitionName, entityType, entityID)
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no active %q instance for %s %q", definitionName, entityType, entityID),
		)
	}
	return inst, nil
}

func (s *MemoryStore) findActiveLocked(definitionName string, entityType model.EntityType, entityID string) (model.WorkflowInstance, bool) {
	for _, inst := range s.instances {
		if inst.DefinitionName == definitionName &&
			inst.EntityType == entityType &&
			inst.EntityID == entityID &&
			!inst.Status.Terminal() {
			return inst, true
		}
	}
	return model.WorkflowInstance{}, false
}

// UpdateInstanceIfVersion persists inst with optimistic locking.
func (s *MemoryStore) UpdateInstanceIfVersion(_ context.Context, inst model.WorkflowInstance, expectedVersion int) (model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}
	if existing.Version != expectedVersion {
		return model.WorkflowInstance{}, model.NewConcurrentModificationError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, expectedVersion, existing.Version),
		)
	}

	inst.Version = expectedVersion + 1
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = inst
	return inst, nil
}

// ListInstances returns matching instances, newest first.
func (s *MemoryStore) ListInstances(_ context.Context, filter model.InstanceFilter) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	result := make([]model.WorkflowInstance, 0)
	for _, inst := range s.instances {
		if filter.Matches(inst) {
			result = append(result, inst)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// CreateTask persists a new task, enforcing one non-terminal task per step.
func (s *MemoryStore) CreateTask(_ context.Context, task model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %q already exists", task.ID)
	}
	if inst, ok := s.instances[task.InstanceID]; ok && inst.Status.Terminal() {
		return model.NewInvalidStateTransitionError(
			fmt.Sprintf("workflow instance %q is %s, cannot schedule tasks", inst.ID, inst.Status),
		)
	}
	if !task.Status.Terminal() {
		for _, existing := range s.tasks {
			if existing.InstanceID == task.InstanceID &&
				existing.StepOrder == task.StepOrder &&
				!existing.Status.Terminal() {
				return model.NewDuplicateActiveTaskError(existing.ID)
			}
		}
	}

	s.tasks[task.ID] = task
	return nil
}

// GetTask retrieves a task by ID.
func (s *MemoryStore) GetTask(_ context.Context, id string) (model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[id]
	if !exists {
		return model.Task{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", id))
	}
	return task, nil
}

// UpdateTaskIfVersion persists task with optimistic locking.
func (s *MemoryStore) UpdateTaskIfVersion(_ context.Context, task model.Task, expectedVersion int) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.tasks[task.ID]
	if !exists {
		return model.Task{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", task.ID))
	}
	if existing.Version != expectedVersion {
		return model.Task{}, model.NewConcurrentModificationError(
			fmt.Sprintf("task %q version conflict (expected %d, got %d)", task.ID, expectedVersion, existing.Version),
		)
	}

	task.Version = expectedVersion + 1
	task.UpdatedAt = time.Now().UTC()
	s.tasks[task.ID] = task
	return task, nil
}

// ListTasks returns matching tasks, oldest first.
func (s *MemoryStore) ListTasks(_ context.Context, filter model.TaskFilter) ([]model.Task, error) {
	s.mu.RLock()
	result := make([]model.Task, 0)
	for _, t := range s.tasks {
		if filter.Matches(t) {
			result = append(result, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ListOverdueTasks returns overdue tasks with a pending timeout action.
func (s *MemoryStore) ListOverdueTasks(_ context.Context, now time.Time, limit int) ([]model.Task, error) {
	s.mu.RLock()
	result := make([]model.Task, 0)
	for _, t := range s.tasks {
		if t.TimeoutPending(now) {
			result = append(result, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].DueDate.Equal(*result[j].DueDate) {
			return result[i].ID < result[j].ID
		}
		return result[i].DueDate.Before(*result[j].DueDate)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// AppendEvent adds an event to the instance's audit trail.
func (s *MemoryStore) AppendEvent(_ context.Context, event model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.InstanceID] = append(s.events[event.InstanceID], event)
	return nil
}

// ListEvents returns the audit trail ordered by timestamp.
func (s *MemoryStore) ListEvents(_ context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}

	events := s.events[instanceID]
	result := make([]model.WorkflowEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// Summary aggregates the dashboard counters.
func (s *MemoryStore) Summary(_ context.Context, now time.Time) (model.DashboardSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum model.DashboardSummary
	entities := make(map[string]struct{})
	for _, inst := range s.instances {
		entities[string(inst.EntityType)+"/"+inst.EntityID] = struct{}{}
		switch inst.Status {
		case model.InstanceCreated, model.InstanceInProgress:
			sum.ActiveInstances++
		case model.InstanceBlocked:
			sum.ActiveInstances++
			sum.BlockedInstances++
		case model.InstanceCompleted:
			sum.CompletedInstances++
		}
	}
	sum.TotalEntities = len(entities)

	for _, t := range s.tasks {
		switch t.Status {
		case model.TaskPending, model.TaskReady, model.TaskInProgress:
			sum.PendingTasks++
		case model.TaskCompleted:
			sum.CompletedTasks++
		}
		if t.Overdue(now) {
			sum.OverdueTasks++
		}
	}
	return sum, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

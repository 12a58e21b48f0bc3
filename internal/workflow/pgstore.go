package workflow

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/model"
)

//go:embed migrations/*.up.sql
var migrationFiles embed.FS

const pgUniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool, logger *zap.Logger) *PgStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PgStore{pool: pool, logger: logger}
}

// Migrate applies the embedded *.up.sql files in lexical order. Every
// statement is idempotent so it is safe to run on each start.
func (s *PgStore) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrationFiles, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := migrationFiles.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("migration applied", zap.String("file", f))
	}
	return nil
}

// Ping checks connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- definitions ---

// SaveDefinition inserts a published version and deactivates the previous
// active one in a single transaction.
func (s *PgStore) SaveDefinition(ctx context.Context, def model.WorkflowDefinition) error {
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if def.Active {
			if _, err := tx.Exec(ctx,
				`UPDATE workflow_definitions SET active = FALSE WHERE name = $1 AND active`,
				def.Name,
			); err != nil {
				return fmt.Errorf("deactivate workflow definition: %w", err)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_definitions (
				id, name, description, entity_type, version, active,
				steps, checksum, created_by, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			def.ID, def.Name, def.Description, string(def.EntityType), def.Version, def.Active,
			stepsJSON, def.Checksum, def.CreatedBy, def.CreatedAt,
		)
		if isUniqueViolation(err) {
			return model.NewConcurrentModificationError(
				fmt.Sprintf("definition %q version %d was already published", def.Name, def.Version),
			)
		}
		if err != nil {
			return fmt.Errorf("insert workflow definition: %w", err)
		}
		return nil
	})
}

// ListDefinitions returns every stored version.
func (s *PgStore) ListDefinitions(ctx context.Context) ([]model.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, entity_type, version, active,
		       steps, checksum, created_by, created_at
		FROM workflow_definitions
		ORDER BY name, version`)
	if err != nil {
		return nil, fmt.Errorf("query workflow definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		var def model.WorkflowDefinition
		var entityType string
		var stepsJSON []byte
		if err := rows.Scan(
			&def.ID, &def.Name, &def.Description, &entityType, &def.Version, &def.Active,
			&stepsJSON, &def.Checksum, &def.CreatedBy, &def.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		def.EntityType = model.EntityType(entityType)
		if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps of %q v%d: %w", def.Name, def.Version, err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// --- instances ---

const instanceColumns = `id, definition_name, definition_version, entity_type, entity_id,
	status, current_step_index, started_by, started_at, updated_at,
	completed_at, reason, version`

// CreateInstance inserts a new instance. The partial unique index on active
// instances turns a lost creation race into DUPLICATE_ACTIVE_INSTANCE.
func (s *PgStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inst.ID, inst.DefinitionName, inst.DefinitionVersion, string(inst.EntityType), inst.EntityID,
		string(inst.Status), inst.CurrentStepIndex, inst.StartedBy, inst.StartedAt, inst.UpdatedAt,
		inst.CompletedAt, inst.Reason, inst.Version,
	)
	if isUniqueViolation(err) {
		existing, findErr := s.FindActiveInstance(ctx, inst.DefinitionName, inst.EntityType, inst.EntityID)
		if findErr != nil {
			return fmt.Errorf("insert workflow instance: %w", err)
		}
		return model.NewDuplicateActiveInstanceError(existing.ID)
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *PgStore) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", id),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// FindActiveInstance returns the non-terminal instance for the triple.
func (s *PgStore) FindActiveInstance(ctx context.Context, definitionName string, entityType model.EntityType, entityID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE definition_name = $1 AND entity_type = $2 AND entity_id = $3
		  AND status IN ('CREATED', 'IN_PROGRESS', 'BLOCKED')`,
		definitionName, string(entityType), entityID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no active %q instance for %s %q", definitionName, entityType, entityID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query active workflow instance: %w", err)
	}
	return inst, nil
}

// UpdateInstanceIfVersion persists inst with optimistic locking.
func (s *PgStore) UpdateInstanceIfVersion(ctx context.Context, inst model.WorkflowInstance, expectedVersion int) (model.WorkflowInstance, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			current_step_index = $2,
			completed_at = $3,
			reason = $4,
			version = $5,
			updated_at = $6
		WHERE id = $7 AND version = $8`,
		string(inst.Status), inst.CurrentStepIndex, inst.CompletedAt, inst.Reason,
		expectedVersion+1, now,
		inst.ID, expectedVersion,
	)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetInstance(ctx, inst.ID); getErr != nil {
			return model.WorkflowInstance{}, getErr
		}
		return model.WorkflowInstance{}, model.NewConcurrentModificationError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, expectedVersion),
		)
	}
	inst.Version = expectedVersion + 1
	inst.UpdatedAt = now
	return inst, nil
}

// ListInstances returns matching instances, newest first.
func (s *PgStore) ListInstances(ctx context.Context, filter model.InstanceFilter) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE TRUE`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}

	if filter.Status != "" {
		add(" AND status = $%d", string(filter.Status))
	}
	if filter.EntityType != "" {
		add(" AND entity_type = $%d", string(filter.EntityType))
	}
	if filter.EntityID != "" {
		add(" AND entity_id = $%d", filter.EntityID)
	}
	if filter.DefinitionName != "" {
		add(" AND definition_name = $%d", filter.DefinitionName)
	}
	if filter.NonTerminal {
		query += " AND status IN ('CREATED', 'IN_PROGRESS', 'BLOCKED')"
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		add(" LIMIT $%d", filter.Limit)
	}
	if filter.Offset > 0 {
		add(" OFFSET $%d", filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	instances := make([]model.WorkflowInstance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var entityType, status string
	err := row.Scan(
		&inst.ID, &inst.DefinitionName, &inst.DefinitionVersion, &entityType, &inst.EntityID,
		&status, &inst.CurrentStepIndex, &inst.StartedBy, &inst.StartedAt, &inst.UpdatedAt,
		&inst.CompletedAt, &inst.Reason, &inst.Version,
	)
	inst.EntityType = model.EntityType(entityType)
	inst.Status = model.InstanceStatus(status)
	return inst, err
}

// --- tasks ---

const taskColumns = `id, instance_id, definition_name, entity_type, entity_id,
	step_order, step_name, step_type, assigned_role, required, attempt,
	status, title, description, priority, due_date,
	on_timeout, escalation_role, timed_out_at, comment,
	claimed_by, started_at, completed_by, completed_at,
	created_at, updated_at, version`

const openTaskStatuses = `('PENDING', 'READY', 'IN_PROGRESS', 'BLOCKED')`

// CreateTask inserts a new task. The owning instance row is share-locked for
// the insert, so a concurrent finish either commits first and is seen here,
// or waits and then finds the new task when it closes open tasks. The partial
// unique index on open tasks turns a duplicate into DUPLICATE_ACTIVE_TASK.
func (s *PgStore) CreateTask(ctx context.Context, t model.Task) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM workflow_instances WHERE id = $1 FOR SHARE`, t.InstanceID,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", t.InstanceID))
		}
		if err != nil {
			return fmt.Errorf("lock workflow instance: %w", err)
		}
		if st := model.InstanceStatus(status); st.Terminal() {
			return model.NewInvalidStateTransitionError(
				fmt.Sprintf("workflow instance %q is %s, cannot schedule tasks", t.InstanceID, st),
			)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`,
			t.ID, t.InstanceID, t.DefinitionName, string(t.EntityType), t.EntityID,
			t.StepOrder, t.StepName, string(t.StepType), string(t.AssignedRole), t.Required, t.Attempt,
			string(t.Status), t.Title, t.Description, string(t.Priority), t.DueDate,
			string(t.OnTimeout), string(t.EscalationRole), t.TimedOutAt, t.Comment,
			t.ClaimedBy, t.StartedAt, t.CompletedBy, t.CompletedAt,
			t.CreatedAt, t.UpdatedAt, t.Version,
		)
		return err
	})
	if isUniqueViolation(err) {
		var existingID string
		findErr := s.pool.QueryRow(ctx, `
			SELECT id FROM workflow_tasks
			WHERE instance_id = $1 AND step_order = $2
			  AND status IN `+openTaskStatuses,
			t.InstanceID, t.StepOrder,
		).Scan(&existingID)
		if findErr != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return model.NewDuplicateActiveTaskError(existingID)
	}
	if _, ok := model.AsEnvelope(err); ok {
		return err
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *PgStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM workflow_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", id))
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// UpdateTaskIfVersion persists the mutable task fields with optimistic
// locking.
func (s *PgStore) UpdateTaskIfVersion(ctx context.Context, t model.Task, expectedVersion int) (model.Task, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_tasks SET
			status = $1,
			assigned_role = $2,
			priority = $3,
			timed_out_at = $4,
			comment = $5,
			claimed_by = $6,
			started_at = $7,
			completed_by = $8,
			completed_at = $9,
			version = $10,
			updated_at = $11
		WHERE id = $12 AND version = $13`,
		string(t.Status), string(t.AssignedRole), string(t.Priority), t.TimedOutAt,
		t.Comment, t.ClaimedBy, t.StartedAt, t.CompletedBy, t.CompletedAt,
		expectedVersion+1, now,
		t.ID, expectedVersion,
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetTask(ctx, t.ID); getErr != nil {
			return model.Task{}, getErr
		}
		return model.Task{}, model.NewConcurrentModificationError(
			fmt.Sprintf("task %q version conflict (expected %d)", t.ID, expectedVersion),
		)
	}
	t.Version = expectedVersion + 1
	t.UpdatedAt = now
	return t, nil
}

// ListTasks returns matching tasks, oldest first.
func (s *PgStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM workflow_tasks WHERE TRUE`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}

	if filter.InstanceID != "" {
		add(" AND instance_id = $%d", filter.InstanceID)
	}
	if filter.StepOrder != 0 {
		add(" AND step_order = $%d", filter.StepOrder)
	}
	if filter.StepType != "" {
		add(" AND step_type = $%d", string(filter.StepType))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		add(" AND status = ANY($%d)", statuses)
	}
	if len(filter.Roles) > 0 {
		roles := make([]string, len(filter.Roles))
		for i, r := range filter.Roles {
			roles[i] = string(r)
		}
		add(" AND assigned_role = ANY($%d)", roles)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListOverdueTasks returns overdue tasks with a pending timeout action.
func (s *PgStore) ListOverdueTasks(ctx context.Context, now time.Time, limit int) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM workflow_tasks
		WHERE status IN ` + openTaskStatuses + `
		  AND due_date IS NOT NULL AND due_date < $1
		  AND timed_out_at IS NULL
		ORDER BY due_date, id`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query overdue tasks: %w", err)
	}
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]model.Task, error) {
	defer rows.Close()
	tasks := make([]model.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	var entityType, stepType, role, status, priority, onTimeout, escalationRole string
	err := row.Scan(
		&t.ID, &t.InstanceID, &t.DefinitionName, &entityType, &t.EntityID,
		&t.StepOrder, &t.StepName, &stepType, &role, &t.Required, &t.Attempt,
		&status, &t.Title, &t.Description, &priority, &t.DueDate,
		&onTimeout, &escalationRole, &t.TimedOutAt, &t.Comment,
		&t.ClaimedBy, &t.StartedAt, &t.CompletedBy, &t.CompletedAt,
		&t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	t.EntityType = model.EntityType(entityType)
	t.StepType = model.StepType(stepType)
	t.AssignedRole = model.Role(role)
	t.Status = model.TaskStatus(status)
	t.Priority = model.Priority(priority)
	t.OnTimeout = model.TimeoutAction(onTimeout)
	t.EscalationRole = model.Role(escalationRole)
	return t, err
}

// --- audit trail ---

// AppendEvent adds an event to the instance's audit trail.
func (s *PgStore) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	var dataJSON []byte
	if event.Data != nil {
		var err error
		if dataJSON, err = json.Marshal(event.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_events (
			id, instance_id, task_id, step_order, event, actor_id, data, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.InstanceID, event.TaskID, event.StepOrder, event.Event,
		event.ActorID, dataJSON, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// ListEvents returns the audit trail ordered by timestamp.
func (s *PgStore) ListEvents(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, task_id, step_order, event, actor_id, data, comment, created_at
		FROM workflow_events
		WHERE instance_id = $1
		ORDER BY created_at ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	events := make([]model.WorkflowEvent, 0)
	for rows.Next() {
		var evt model.WorkflowEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.InstanceID, &evt.TaskID, &evt.StepOrder, &evt.Event,
			&evt.ActorID, &dataJSON, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		if dataJSON != nil {
			if err := json.Unmarshal(dataJSON, &evt.Data); err != nil {
				s.logger.Warn("undecodable event data", zap.String("event_id", evt.ID), zap.Error(err))
			}
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Summary aggregates the dashboard counters in one round trip.
func (s *PgStore) Summary(ctx context.Context, now time.Time) (model.DashboardSummary, error) {
	var sum model.DashboardSummary
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM (SELECT DISTINCT entity_type, entity_id FROM workflow_instances) e),
			(SELECT COUNT(*) FROM workflow_tasks WHERE status IN ('PENDING', 'READY', 'IN_PROGRESS')),
			(SELECT COUNT(*) FROM workflow_instances WHERE status IN ('CREATED', 'IN_PROGRESS', 'BLOCKED')),
			(SELECT COUNT(*) FROM workflow_tasks WHERE status = 'COMPLETED'),
			(SELECT COUNT(*) FROM workflow_instances WHERE status = 'BLOCKED'),
			(SELECT COUNT(*) FROM workflow_instances WHERE status = 'COMPLETED'),
			(SELECT COUNT(*) FROM workflow_tasks
			  WHERE status IN ('PENDING', 'READY', 'IN_PROGRESS', 'BLOCKED')
			    AND due_date IS NOT NULL AND due_date < $1)`,
		now,
	).Scan(
		&sum.TotalEntities, &sum.PendingTasks, &sum.ActiveInstances, &sum.CompletedTasks,
		&sum.BlockedInstances, &sum.CompletedInstances, &sum.OverdueTasks,
	)
	if err != nil {
		return model.DashboardSummary{}, fmt.Errorf("query dashboard summary: %w", err)
	}
	return sum, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

package definition

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/capability"
	"github.com/pitabwire/stepflow/internal/notify"
	"github.com/pitabwire/stepflow/model"
)

// Repository persists published definition versions.
type Repository interface {
	// SaveDefinition stores a new version. When def.Active is set every other
	// version of the same name is deactivated. Returns
	// CONCURRENT_MODIFICATION if the (name, version) pair already exists.
	SaveDefinition(ctx context.Context, def model.WorkflowDefinition) error

	// ListDefinitions returns every stored version.
	ListDefinitions(ctx context.Context) ([]model.WorkflowDefinition, error)
}

// snapshot is an immutable view of every published version.
type snapshot struct {
	byName map[string][]model.WorkflowDefinition // ascending version
	active map[string]model.WorkflowDefinition
}

func newSnapshot(defs []model.WorkflowDefinition) *snapshot {
	s := &snapshot{
		byName: make(map[string][]model.WorkflowDefinition),
		active: make(map[string]model.WorkflowDefinition),
	}
	for _, d := range defs {
		s.byName[d.Name] = append(s.byName[d.Name], d)
	}
	for name, versions := range s.byName {
		sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
		for _, d := range versions {
			if d.Active {
				s.active[name] = d
			}
		}
	}
	return s
}

// with returns a copy of s where def is the active version of its name.
func (s *snapshot) with(def model.WorkflowDefinition) *snapshot {
	next := &snapshot{
		byName: make(map[string][]model.WorkflowDefinition, len(s.byName)+1),
		active: make(map[string]model.WorkflowDefinition, len(s.active)+1),
	}
	for name, versions := range s.byName {
		next.byName[name] = versions
	}
	for name, d := range s.active {
		next.active[name] = d
	}

	prev := next.byName[def.Name]
	versions := make([]model.WorkflowDefinition, 0, len(prev)+1)
	for _, d := range prev {
		d.Active = false
		versions = append(versions, d)
	}
	versions = append(versions, def)
	next.byName[def.Name] = versions
	next.active[def.Name] = def
	return next
}

// Registry is the read-optimized store of published workflow definitions.
// Reads are served from an atomically swapped snapshot and never block
// publishers.
type Registry struct {
	repo      Repository
	validator *Validator
	notifier  notify.Notifier
	logger    *zap.Logger
	snap      atomic.Pointer[snapshot]
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithNotifier announces every newly published version.
func WithNotifier(n notify.Notifier) RegistryOption {
	return func(r *Registry) {
		if n != nil {
			r.notifier = n
		}
	}
}

// NewRegistry creates an empty Registry backed by repo. Call Load to hydrate
// it from persistence.
func NewRegistry(repo Repository, logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{repo: repo, validator: NewValidator(), notifier: notify.Nop{}, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(newSnapshot(nil))
	return r
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Load replaces the snapshot with every version held by the repository.
func (r *Registry) Load(ctx context.Context) error {
	defs, err := r.repo.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}
	r.snap.Store(newSnapshot(defs))
	r.logger.Info("workflow definitions loaded", zap.Int("versions", len(defs)))
	return nil
}

// Seed publishes every definition found in dirs. Unchanged content is a no-op
// so seeding is safe on every start.
func (r *Registry) Seed(ctx context.Context, dirs []string) error {
	if len(dirs) == 0 {
		return nil
	}
	defs, err := NewLoader().LoadAll(dirs)
	if err != nil {
		return err
	}
	for _, def := range defs {
		def.CreatedBy = model.SystemActorID
		if _, err := r.Publish(ctx, def); err != nil {
			return fmt.Errorf("seed definition %q: %w", def.Name, err)
		}
	}
	return nil
}

// Publish validates def and stores it as the next active version of its name.
// Publishing content identical to the active version returns the active
// version unchanged. Existing instances keep the version they started with.
func (r *Registry) Publish(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	def = normalize(def)
	if err := AsValidationError(r.validator.Validate(def)); err != nil {
		return model.WorkflowDefinition{}, err
	}

	snap := r.current()
	versions := snap.byName[def.Name]
	if len(versions) > 0 && versions[0].EntityType != def.EntityType {
		return model.WorkflowDefinition{}, model.NewFieldValidationError("entity_type", "ENTITY_TYPE_MISMATCH",
			fmt.Sprintf("workflow %q is bound to entity type %s", def.Name, versions[0].EntityType))
	}

	def.Checksum = Checksum(def)
	if active, ok := snap.active[def.Name]; ok && active.Checksum == def.Checksum {
		return active.Clone(), nil
	}

	def.ID = uuid.New().String()
	def.Version = 1
	if n := len(versions); n > 0 {
		def.Version = versions[n-1].Version + 1
	}
	def.Active = true
	def.CreatedAt = time.Now().UTC()

	if err := r.repo.SaveDefinition(ctx, def); err != nil {
		return model.WorkflowDefinition{}, err
	}

	for {
		old := r.current()
		if r.snap.CompareAndSwap(old, old.with(def)) {
			break
		}
	}

	r.logger.Info("workflow definition published",
		zap.String("name", def.Name),
		zap.Int("version", def.Version),
		zap.String("entity_type", string(def.EntityType)),
		zap.Int("steps", len(def.Steps)),
	)
	r.notifier.Notify(ctx, notify.Event{
		ID:                uuid.New().String(),
		Type:              model.EventDefinitionPublished,
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		EntityType:        def.EntityType,
		Status:            "ACTIVE",
		ActorID:           def.CreatedBy,
		Timestamp:         def.CreatedAt,
	})
	return def.Clone(), nil
}

// GetActive returns the active version of name.
func (r *Registry) GetActive(name string) (model.WorkflowDefinition, error) {
	d, ok := r.current().active[name]
	if !ok {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", name),
		)
	}
	return d.Clone(), nil
}

// Get returns an exact version of name.
func (r *Registry) Get(name string, version int) (model.WorkflowDefinition, error) {
	for _, d := range r.current().byName[name] {
		if d.Version == version {
			return d.Clone(), nil
		}
	}
	return model.WorkflowDefinition{}, model.NewNotFoundError(
		fmt.Sprintf("workflow definition %q version %d not found", name, version),
	)
}

// List returns a consistent listing sorted by name then version. Only active
// versions are included unless includeInactive is set.
func (r *Registry) List(includeInactive bool) []model.WorkflowDefinition {
	snap := r.current()
	names := make([]string, 0, len(snap.byName))
	for name := range snap.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]model.WorkflowDefinition, 0, len(names))
	for _, name := range names {
		for _, d := range snap.byName[name] {
			if d.Active || includeInactive {
				result = append(result, d.Clone())
			}
		}
	}
	return result
}

// normalize canonicalizes enumerations, fills defaults and sorts steps by
// order. Values that cannot be canonicalized are left for the validator to
// report.
func normalize(def model.WorkflowDefinition) model.WorkflowDefinition {
	def = def.Clone()
	def.Name = strings.TrimSpace(def.Name)
	def.EntityType = model.EntityType(strings.ToUpper(strings.TrimSpace(string(def.EntityType))))

	for i := range def.Steps {
		s := &def.Steps[i]
		s.Name = strings.TrimSpace(s.Name)
		s.Type = model.StepType(strings.ToUpper(strings.TrimSpace(string(s.Type))))
		if roles, err := capability.Canonicalize([]string{string(s.AssignedRole)}); err == nil {
			s.AssignedRole = roles[0]
		}
		s.Priority = model.Priority(strings.ToUpper(strings.TrimSpace(string(s.Priority))))
		if s.Priority == "" {
			s.Priority = model.PriorityMedium
		}
		s.OnTimeout = model.TimeoutAction(strings.ToUpper(strings.TrimSpace(string(s.OnTimeout))))
		if s.OnTimeout == "" && s.TimeoutHours > 0 {
			s.OnTimeout = model.TimeoutNotify
		}
		if s.EscalationRole != "" {
			if roles, err := capability.Canonicalize([]string{string(s.EscalationRole)}); err == nil {
				s.EscalationRole = roles[0]
			}
		}
	}
	sort.SliceStable(def.Steps, func(i, j int) bool { return def.Steps[i].Order < def.Steps[j].Order })
	return def
}

// Package orchestrator is the single entry point to the workflow engine. It
// parses raw values at the boundary, enforces actor identity and
// capabilities, retries optimistic concurrency conflicts where the caller
// asked for it, and instruments every operation with a span and metrics.
package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/capability"
	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/internal/idempotency"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/workflow"
	"github.com/pitabwire/stepflow/model"
)

const (
	defaultMaxRetries     = 3
	defaultIdempotencyTTL = 24 * time.Hour
)

// Facade exposes the orchestration operations. Every mutating operation takes
// the acting user explicitly.
type Facade struct {
	store     workflow.Store
	defs      *definition.Registry
	scheduler *workflow.Scheduler
	manager   *workflow.Manager
	directory *capability.Directory
	logger    *zap.Logger

	metrics        *observability.Metrics
	idempotency    idempotency.Store
	idempotencyTTL time.Duration
	maxRetries     int
	now            func() time.Time
}

// Option configures optional Facade dependencies.
type Option func(*Facade)

// WithMetrics records operation metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(f *Facade) { f.metrics = m }
}

// WithIdempotencyStore enables response caching for transitions carrying an
// idempotency key.
func WithIdempotencyStore(s idempotency.Store, ttl time.Duration) Option {
	return func(f *Facade) {
		f.idempotency = s
		if ttl > 0 {
			f.idempotencyTTL = ttl
		}
	}
}

// WithMaxRetries bounds automatic retries of unversioned transitions.
func WithMaxRetries(n int) Option {
	return func(f *Facade) {
		if n >= 0 {
			f.maxRetries = n
		}
	}
}

// New creates a Facade over the engine components.
func New(
	store workflow.Store,
	defs *definition.Registry,
	scheduler *workflow.Scheduler,
	manager *workflow.Manager,
	directory *capability.Directory,
	logger *zap.Logger,
	opts ...Option,
) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Facade{
		store:          store,
		defs:           defs,
		scheduler:      scheduler,
		manager:        manager,
		directory:      directory,
		logger:         logger,
		idempotencyTTL: defaultIdempotencyTTL,
		maxRetries:     defaultMaxRetries,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// begin opens the span for an operation. The returned func ends it and
// records the outcome.
func (f *Facade) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "orchestrator."+op, attrs...)
	return ctx, func(err error) {
		observability.EndSpanWithError(span, err)
		if f.metrics != nil {
			f.metrics.RecordOperation(op, err, time.Since(start))
		}
	}
}

func authenticate(actor model.Actor) error {
	if err := actor.Validate(); err != nil {
		return model.NewUnauthenticatedError(err.Error())
	}
	return nil
}

// recordInstanceOutcome counts instances that are BLOCKED or finished.
func (f *Facade) recordInstanceOutcome(inst model.WorkflowInstance) {
	if f.metrics == nil {
		return
	}
	if inst.Status == model.InstanceBlocked || inst.Status.Terminal() {
		f.metrics.RecordInstanceOutcome(inst.DefinitionName, string(inst.Status))
	}
}

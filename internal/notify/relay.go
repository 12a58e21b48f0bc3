package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBufferSize = 256
	drainTimeout      = 5 * time.Second
)

// RelayMetrics receives relay outcomes. observability.Metrics implements it.
type RelayMetrics interface {
	RecordNotification(topic string, err error)
	RecordNotificationDropped()
}

// Relay queues events in a bounded buffer and forwards them from a single
// worker. Notify never blocks: when the buffer is full the event is dropped
// and counted.
type Relay struct {
	publisher Publisher
	events    chan Event
	logger    *zap.Logger
	metrics   RelayMetrics
	running   atomic.Bool
	dropped   atomic.Uint64
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayMetrics records publish and drop outcomes.
func WithRelayMetrics(m RelayMetrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

// NewRelay creates a Relay. A non-positive bufferSize uses the default.
func NewRelay(publisher Publisher, bufferSize int, logger *zap.Logger, opts ...RelayOption) *Relay {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		publisher: publisher,
		events:    make(chan Event, bufferSize),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Notify enqueues evt without blocking.
func (r *Relay) Notify(_ context.Context, evt Event) {
	select {
	case r.events <- evt:
	default:
		r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.RecordNotificationDropped()
		}
		r.logger.Warn("notification dropped, relay buffer full",
			zap.String("event", evt.Type),
			zap.String("instance_id", evt.InstanceID),
		)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}

// Run forwards events until ctx is cancelled, then drains what is already
// queued and closes the publisher.
func (r *Relay) Run(ctx context.Context) error {
	r.running.Store(true)
	defer r.running.Store(false)

	for {
		select {
		case evt := <-r.events:
			r.publish(ctx, evt)
		case <-ctx.Done():
			r.drain()
			return r.publisher.Close()
		}
	}
}

func (r *Relay) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case evt := <-r.events:
			r.publish(ctx, evt)
		default:
			return
		}
	}
}

func (r *Relay) publish(ctx context.Context, evt Event) {
	err := r.publisher.Publish(ctx, evt)
	if r.metrics != nil {
		r.metrics.RecordNotification(TopicFor(evt), err)
	}
	if err != nil {
		r.logger.Error("notification publish failed",
			zap.String("event", evt.Type),
			zap.String("instance_id", evt.InstanceID),
			zap.Error(err),
		)
	}
}

// HealthCheck reports whether the worker is running.
func (r *Relay) HealthCheck(_ context.Context) error {
	if !r.running.Load() {
		return errors.New("notification relay is not running")
	}
	return nil
}

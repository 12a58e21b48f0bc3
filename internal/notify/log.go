package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to a structured logger. It is the default
// backend when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("notify")}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	p.logger.Info("workflow notification",
		zap.String("topic", TopicFor(evt)),
		zap.String("event", evt.Type),
		zap.String("instance_id", evt.InstanceID),
		zap.String("task_id", evt.TaskID),
		zap.String("status", evt.Status),
		zap.String("actor_id", evt.ActorID),
	)
	return nil
}

// Close implements Publisher. Sync errors on console sinks are expected and
// ignored.
func (p *LogPublisher) Close() error {
	_ = p.logger.Sync()
	return nil
}

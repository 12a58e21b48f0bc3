package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStreamPublisher appends events to Redis streams, one stream per topic
// under a common prefix (e.g. "stepflow:task-events").
type RedisStreamPublisher struct {
	client redis.Cmdable
	prefix string
	maxLen int64
}

// NewRedisStreamPublisher creates a publisher. maxLen caps each stream
// approximately; zero leaves streams unbounded.
func NewRedisStreamPublisher(client redis.Cmdable, prefix string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, prefix: prefix, maxLen: maxLen}
}

// Stream returns the stream key for a topic.
func (p *RedisStreamPublisher) Stream(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + ":" + topic
}

// Publish implements Publisher.
func (p *RedisStreamPublisher) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.Stream(TopicFor(evt)),
		Values: map[string]any{
			"type":        evt.Type,
			"instance_id": evt.InstanceID,
			"payload":     string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd: %w", err)
	}
	return nil
}

// Close implements Publisher. The client is owned by the caller.
func (p *RedisStreamPublisher) Close() error { return nil }

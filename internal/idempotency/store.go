// Package idempotency caches the outcome of mutating API calls so that a
// client retrying with the same X-Idempotency-Key gets the original response
// instead of applying the change twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/stepflow/model"
)

// Entry is a cached response.
type Entry struct {
	RequestHash string          `json:"request_hash"`
	Status      int             `json:"status"`
	Body        json.RawMessage `json:"body"`
}

// Store looks up and saves cached responses.
type Store interface {
	// Check returns the entry saved under key. A key reused with a different
	// request hash returns found=true and an IDEMPOTENCY_CONFLICT error.
	Check(ctx context.Context, key, requestHash string) (*Entry, bool, error)

	// Save stores entry under key for ttl.
	Save(ctx context.Context, key string, entry Entry, ttl time.Duration) error

	HealthCheck(ctx context.Context) error
}

// Key scopes a client key to the operation and the actor presenting it, so
// two users can never collide on the same key.
func Key(operation, actorID, clientKey string) string {
	return fmt.Sprintf("idem:%s:%s:%s", operation, actorID, clientKey)
}

// HashRequest fingerprints the parts of a request that must match on replay.
func HashRequest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func conflict(key string) error {
	return model.NewIdempotencyConflictError(
		fmt.Sprintf("idempotency key %q was already used with a different request", key),
	)
}

// MemoryStore is an in-process Store with TTL expiry on read.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Check implements Store.
func (s *MemoryStore) Check(_ context.Context, key, requestHash string) (*Entry, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if e.entry.RequestHash != requestHash {
		return nil, true, conflict(key)
	}
	out := e.entry
	return &out, true, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{entry: entry, expiresAt: s.now().Add(ttl)}
	return nil
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RedisStore keeps entries in Redis with a native TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key, requestHash string) (*Entry, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("decode idempotency entry %q: %w", key, err)
	}
	if entry.RequestHash != requestHash {
		return nil, true, conflict(key)
	}
	return &entry, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

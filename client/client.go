// Package client is a Go client for the stepflow HTTP API.
//
// Server errors are returned as *model.ErrorEnvelope, so callers can branch
// with model.IsCode. The client retries on its own in three cases only:
// CONCURRENT_MODIFICATION on a transition whose version it read itself,
// NOT_FOUND on a read shortly after one of its own writes, and transport
// failures or 5xx responses on reads.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/model"
)

const (
	apiPrefix            = "/api/v1"
	headerIdempotencyKey = "X-Idempotency-Key"
	maxResponseBytes     = 10 << 20

	defaultTimeout          = 10 * time.Second
	defaultMaxRetries       = 3
	defaultBackoffInitial   = 100 * time.Millisecond
	defaultBackoffMax       = 2 * time.Second
	defaultReadAfterWrite   = 2 * time.Second
	defaultFailureThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// TokenSource supplies the bearer token sent with each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Client calls the stepflow API. It is safe for concurrent use.
type Client struct {
	baseURL        string
	tokens         TokenSource
	http           *http.Client
	logger         *zap.Logger
	breaker        *breaker
	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration
	readAfterWrite time.Duration

	// lastWrite holds the UnixNano time of the last successful write.
	lastWrite atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMaxRetries bounds how many times a request is retried. Zero disables
// retries.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff sets the initial and maximum delay between retries. The delay
// doubles on each attempt.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.backoffInitial = initial
		c.backoffMax = max
	}
}

// WithReadAfterWriteWindow sets how long after a write a NOT_FOUND read is
// treated as replication lag and retried.
func WithReadAfterWriteWindow(d time.Duration) Option {
	return func(c *Client) { c.readAfterWrite = d }
}

// WithCircuitBreaker sets how many consecutive infrastructure failures open
// the breaker and how long it stays open.
func WithCircuitBreaker(failureThreshold int, cooldown time.Duration) Option {
	return func(c *Client) { c.breaker = newBreaker(failureThreshold, 1, cooldown) }
}

// New creates a Client for the server at baseURL, for example
// "https://stepflow.internal".
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		tokens:         tokens,
		http:           &http.Client{Timeout: defaultTimeout},
		logger:         zap.NewNop(),
		breaker:        newBreaker(defaultFailureThreshold, 1, defaultBreakerCooldown),
		maxRetries:     defaultMaxRetries,
		backoffInitial: defaultBackoffInitial,
		backoffMax:     defaultBackoffMax,
		readAfterWrite: defaultReadAfterWrite,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BreakerState reports the state of the client's circuit breaker.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.current()
}

// StartResult is the answer to StartWorkflow.
type StartResult struct {
	Instance model.WorkflowInstance `json:"instance"`
	Created  bool                   `json:"created"`
}

// StartWorkflow starts definitionName for the entity or returns the entity's
// active instance.
func (c *Client) StartWorkflow(ctx context.Context, definitionName string, entityType model.EntityType, entityID string) (StartResult, error) {
	var res StartResult
	err := c.write(ctx, http.MethodPost, apiPrefix+"/instances", nil, map[string]string{
		"definition_name": definitionName,
		"entity_type":     string(entityType),
		"entity_id":       entityID,
	}, &res)
	return res, err
}

// GetInstance reads one workflow instance.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	err := c.read(ctx, apiPrefix+"/instances/"+url.PathEscape(instanceID), nil, &inst)
	return inst, err
}

// ResolveBlockedInstance applies REACTIVATE or REJECT to a BLOCKED instance.
func (c *Client) ResolveBlockedInstance(ctx context.Context, instanceID string, decision model.Decision) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	err := c.write(ctx, http.MethodPost, apiPrefix+"/instances/"+url.PathEscape(instanceID)+"/resolve", nil,
		map[string]string{"decision": string(decision)}, &inst)
	return inst, err
}

// CancelInstance cancels a non-terminal instance.
func (c *Client) CancelInstance(ctx context.Context, instanceID, reason string) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	err := c.write(ctx, http.MethodPost, apiPrefix+"/instances/"+url.PathEscape(instanceID)+"/cancel", nil,
		map[string]string{"reason": reason}, &inst)
	return inst, err
}

// TaskQuery narrows ListTasks. Zero values match everything visible to the
// caller.
type TaskQuery struct {
	Statuses   []model.TaskStatus
	InstanceID string
}

// ListTasks returns the caller's tasks, most urgent first.
func (c *Client) ListTasks(ctx context.Context, q TaskQuery) ([]model.Task, error) {
	params := url.Values{}
	for _, s := range q.Statuses {
		params.Add("status", string(s))
	}
	if q.InstanceID != "" {
		params.Set("instance_id", q.InstanceID)
	}
	var out struct {
		Data []model.Task `json:"data"`
	}
	err := c.read(ctx, apiPrefix+"/tasks", params, &out)
	return out.Data, err
}

// GetTask reads one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (model.Task, error) {
	var task model.Task
	err := c.read(ctx, apiPrefix+"/tasks/"+url.PathEscape(taskID), nil, &task)
	return task, err
}

// TransitionRequest asks for a task to move to Status.
//
// With ExpectedVersion nil the client reads the task's current version
// before sending, and on CONCURRENT_MODIFICATION reads it again and retries.
// A caller-supplied version is sent as is and a conflict is returned.
type TransitionRequest struct {
	TaskID          string
	Status          model.TaskStatus
	Comment         string
	ExpectedVersion *int
	IdempotencyKey  string
}

// TransitionTask moves a task to a new status.
func (c *Client) TransitionTask(ctx context.Context, req TransitionRequest) (model.Task, error) {
	path := apiPrefix + "/tasks/" + url.PathEscape(req.TaskID) + "/transition"
	var headers http.Header
	if req.IdempotencyKey != "" {
		headers = http.Header{headerIdempotencyKey: []string{req.IdempotencyKey}}
	}
	send := func(version int) (model.Task, error) {
		var task model.Task
		err := c.write(ctx, http.MethodPost, path, headers, map[string]any{
			"status":           string(req.Status),
			"comment":          req.Comment,
			"expected_version": version,
		}, &task)
		return task, err
	}

	if req.ExpectedVersion != nil {
		return send(*req.ExpectedVersion)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt); err != nil {
				return model.Task{}, err
			}
		}
		current, err := c.GetTask(ctx, req.TaskID)
		if err != nil {
			return model.Task{}, err
		}
		task, err := send(current.Version)
		if err == nil || !model.IsCode(err, model.ErrConcurrentModification) {
			return task, err
		}
		lastErr = err
		c.logger.Debug("transition conflict, re-reading version",
			zap.String("task_id", req.TaskID),
			zap.Int("attempt", attempt+1),
			zap.Int("version", current.Version),
		)
	}
	return model.Task{}, lastErr
}

// GetDashboardSummary returns the aggregate counters.
func (c *Client) GetDashboardSummary(ctx context.Context) (model.DashboardSummary, error) {
	var sum model.DashboardSummary
	err := c.read(ctx, apiPrefix+"/dashboard", nil, &sum)
	return sum, err
}

// --- request execution ---

// read performs a GET. Transport failures, 5xx responses, and NOT_FOUND
// within the read-after-write window are retried.
func (c *Client) read(ctx context.Context, path string, params url.Values, out any) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt); err != nil {
				return err
			}
		}
		err := c.do(ctx, http.MethodGet, target, nil, nil, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !c.retryableRead(err) {
			return err
		}
		c.logger.Debug("retrying read",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return lastErr
}

// write performs a single non-idempotent request. It is never retried here:
// the caller decides, since the server may have applied it.
func (c *Client) write(ctx context.Context, method, path string, headers http.Header, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("client: marshal body: %w", err)
	}
	if err := c.do(ctx, method, c.baseURL+path, headers, payload, out); err != nil {
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

func (c *Client) retryableRead(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var unexpected *StatusError
	if errors.As(err, &unexpected) {
		return unexpected.StatusCode >= 500
	}
	if ee, ok := model.AsEnvelope(err); ok {
		switch ee.Code {
		case model.ErrNotFound:
			return c.recentlyWrote()
		case model.ErrInternalError:
			return true
		}
		return false
	}
	return isConnectionError(err)
}

func (c *Client) recentlyWrote() bool {
	last := c.lastWrite.Load()
	return last != 0 && time.Since(time.Unix(0, last)) <= c.readAfterWrite
}

// StatusError is returned for a non-2xx response without an error envelope.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(ctx context.Context, method, target string, headers http.Header, payload []byte, out any) error {
	if err := c.breaker.allow(); err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, sanitizeHeader(v))
		}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("client: token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+sanitizeHeader(token))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.failure()
		return fmt.Errorf("client: %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.failure()
		return fmt.Errorf("client: read response: %w", err)
	}
	// 4xx responses are answers, not infrastructure failures.
	if resp.StatusCode >= 500 {
		c.breaker.failure()
	} else if resp.StatusCode < 400 {
		c.breaker.success()
	}

	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != nil && body.Error.Code != "" {
		return body.Error
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 200 {
		text = text[:200]
	}
	return &StatusError{StatusCode: status, Body: text}
}

// sleep waits the backoff delay for attempt, or until ctx is done.
func (c *Client) sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(c.backoff(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.backoffInitial
	if delay <= 0 {
		delay = defaultBackoffInitial
	}
	maxDelay := c.backoffMax
	if maxDelay <= 0 {
		maxDelay = defaultBackoffMax
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

// sanitizeHeader strips newlines and carriage returns to prevent header
// injection.
func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

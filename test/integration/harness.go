// Package integration provides a reusable test harness for end-to-end
// integration testing of the stepflow server. It starts a full HTTP server
// with in-memory stores, a test JWT issuer, and a Redis stream notification
// relay backed by miniredis.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/capability"
	"github.com/pitabwire/stepflow/internal/config"
	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/internal/idempotency"
	"github.com/pitabwire/stepflow/internal/notify"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/openapi"
	"github.com/pitabwire/stepflow/internal/orchestrator"
	"github.com/pitabwire/stepflow/internal/transport"
	"github.com/pitabwire/stepflow/internal/workflow"
	"github.com/pitabwire/stepflow/model"
)

const streamPrefix = "stepflow"

// TestHarness encapsulates a fully wired stepflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer
	redis  *redis.Client

	// Internal components exposed for advanced test scenarios.
	Registry         *definition.Registry
	Store            *workflow.MemoryStore
	Scheduler        *workflow.Scheduler
	Facade           *orchestrator.Facade
	IdempotencyStore *idempotency.MemoryStore
	Relay            *notify.Relay
	Metrics          *observability.Metrics

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs     []string
	policyFile         string
	idempotencyEnabled bool
	handlerTimeout     time.Duration
	automation         map[string]workflow.AutomationHandler
}

// WithDefinitionDirs replaces the seed definition directories.
func WithDefinitionDirs(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithPolicyFile sets the static policy YAML file for the role directory.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithoutIdempotency disables idempotency key handling.
func WithoutIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotencyEnabled = false
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithAutomation registers the handler for AUTOMATIC steps named stepName.
func WithAutomation(stepName string, h workflow.AutomationHandler) HarnessOption {
	return func(c *harnessConfig) {
		if c.automation == nil {
			c.automation = make(map[string]workflow.AutomationHandler)
		}
		c.automation[stepName] = h
	}
}

// NewTestHarness creates and starts a full stepflow test instance. The server
// and relay are automatically stopped when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout:     10 * time.Second,
		idempotencyEnabled: true,
	}
	for _, opt := range opts {
		opt(hc)
	}

	testdata := testdataDir()
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdata, "definitions")}
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(testdata, "policies.yaml")
	}

	ctx := context.Background()
	logger := zap.NewNop()
	h := &TestHarness{t: t}

	// Step 1: Persistence and definitions.
	h.Store = workflow.NewMemoryStore()
	h.Registry = definition.NewRegistry(h.Store, logger)
	if err := h.Registry.Seed(ctx, hc.definitionDirs); err != nil {
		t.Fatalf("seed definitions: %v", err)
	}

	// Step 2: Role directory.
	directory, err := capability.LoadPolicyFile(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}

	// Step 3: Notification relay publishing to miniredis streams.
	mr := miniredis.RunT(t)
	h.redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = h.redis.Close() })

	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	h.Relay = notify.NewRelay(
		notify.NewRedisStreamPublisher(h.redis, streamPrefix, 0),
		256, logger, notify.WithRelayMetrics(h.Metrics),
	)
	relayCtx, stopRelay := context.WithCancel(ctx)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = h.Relay.Run(relayCtx)
	}()
	t.Cleanup(func() {
		stopRelay()
		<-relayDone
	})
	for h.Relay.HealthCheck(ctx) != nil {
		time.Sleep(time.Millisecond)
	}

	// Step 4: Engine.
	h.Scheduler = workflow.NewScheduler(h.Store, directory, h.Relay, logger)
	for name, handler := range hc.automation {
		h.Scheduler.RegisterAutomation(name, handler)
	}
	manager := workflow.NewManager(h.Store, h.Registry, h.Scheduler, directory, h.Relay, logger)

	facadeOpts := []orchestrator.Option{orchestrator.WithMetrics(h.Metrics)}
	h.IdempotencyStore = idempotency.NewMemoryStore()
	if hc.idempotencyEnabled {
		facadeOpts = append(facadeOpts, orchestrator.WithIdempotencyStore(h.IdempotencyStore, time.Hour))
	}
	h.Facade = orchestrator.New(h.Store, h.Registry, h.Scheduler, manager, directory, logger, facadeOpts...)

	// Step 5: JWT issuer and config.
	h.issuer = newTokenIssuer(t)
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	doc, err := openapi.Load(ctx)
	if err != nil {
		t.Fatalf("load API document: %v", err)
	}

	// Step 6: Router with the full middleware chain.
	signingKeys := transport.NewSigningKeys(h.issuer.JWKSURL(), time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Facade:       h.Facade,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, signingKeys),
		Logger:       logger,
		Metrics:      h.Metrics,
		APIDocument:  doc,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return len(h.Registry.List(false)) > 0 },
			Store:             observability.CheckFunc(func(context.Context) error { return nil }),
			NotifyRelay:       h.Relay,
			IdempotencyStore:  h.IdempotencyStore,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error envelope code.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) model.ErrorEnvelope {
	t.Helper()
	var env model.ErrorEnvelope
	h.AssertJSON(t, resp, status, &env)
	if env.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", env.Code, code, env.Message)
	}
	return env
}

// --- Workflow helpers ---

// StartWorkflow starts (or joins) an instance and returns it.
func (h *TestHarness) StartWorkflow(t *testing.T, token, definitionName string, entityType model.EntityType, entityID string) model.WorkflowInstance {
	t.Helper()
	resp := h.POST("/api/v1/instances", map[string]any{
		"definition_name": definitionName,
		"entity_type":     entityType,
		"entity_id":       entityID,
	}, token)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("start %s/%s: status %d: %s", definitionName, entityID, resp.StatusCode, body)
	}
	var res workflow.StartResult
	h.ParseJSON(resp, &res)
	return res.Instance
}

// Tasks lists the caller's tasks for an instance.
func (h *TestHarness) Tasks(t *testing.T, token, instanceID string, statuses ...model.TaskStatus) []model.Task {
	t.Helper()
	path := "/api/v1/tasks?instance_id=" + instanceID
	for _, s := range statuses {
		path += "&status=" + string(s)
	}
	var body struct {
		Data []model.Task `json:"data"`
	}
	h.AssertJSON(t, h.GET(path, token), http.StatusOK, &body)
	return body.Data
}

// OnlyTask returns the single task the caller sees for an instance.
func (h *TestHarness) OnlyTask(t *testing.T, token, instanceID string) model.Task {
	t.Helper()
	tasks := h.Tasks(t, token, instanceID)
	if len(tasks) != 1 {
		t.Fatalf("visible tasks = %d, want 1: %s", len(tasks), FormatJSON(tasks))
	}
	return tasks[0]
}

// Transition posts a task transition.
func (h *TestHarness) Transition(taskID string, status model.TaskStatus, token string) *http.Response {
	h.t.Helper()
	return h.POST("/api/v1/tasks/"+taskID+"/transition", map[string]any{"status": status}, token)
}

// Complete claims and completes a task, failing the test on any error.
func (h *TestHarness) Complete(t *testing.T, taskID, token string) model.Task {
	t.Helper()
	var task model.Task
	for _, s := range []model.TaskStatus{model.TaskInProgress, model.TaskCompleted} {
		h.AssertJSON(t, h.Transition(taskID, s, token), http.StatusOK, &task)
	}
	return task
}

// Instance fetches an instance.
func (h *TestHarness) Instance(t *testing.T, token, instanceID string) model.WorkflowInstance {
	t.Helper()
	var inst model.WorkflowInstance
	h.AssertJSON(t, h.GET("/api/v1/instances/"+instanceID, token), http.StatusOK, &inst)
	return inst
}

// --- Notification helpers ---

// Events returns the events published to a topic stream so far.
func (h *TestHarness) Events(t *testing.T, topic string) []notify.Event {
	t.Helper()
	msgs, err := h.redis.XRange(context.Background(), streamPrefix+":"+topic, "-", "+").Result()
	if err != nil {
		t.Fatalf("read stream %s: %v", topic, err)
	}
	events := make([]notify.Event, 0, len(msgs))
	for _, m := range msgs {
		payload, _ := m.Values["payload"].(string)
		var evt notify.Event
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			t.Fatalf("decode stream entry %s: %v", m.ID, err)
		}
		events = append(events, evt)
	}
	return events
}

// WaitForEvent polls a topic stream until an event of eventType for
// instanceID arrives.
func (h *TestHarness) WaitForEvent(t *testing.T, topic, eventType, instanceID string) notify.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		for _, evt := range h.Events(t, topic) {
			if evt.Type == eventType && evt.InstanceID == instanceID {
				return evt
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %s event for %s on %s", eventType, instanceID, topic)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// --- Default test claims ---

// SellerClaims returns TestClaims for a seller.
func SellerClaims() TestClaims {
	return TestClaims{SubjectID: "user-seller", Email: "seller@market.example.com", Roles: []string{"SELLER"}}
}

// QualityClaims returns TestClaims for a quality inspector.
func QualityClaims() TestClaims {
	return TestClaims{SubjectID: "user-quality", Email: "qa@market.example.com", Roles: []string{"ROLE_QUALITY"}}
}

// FinanceClaims returns TestClaims for a finance reviewer.
func FinanceClaims() TestClaims {
	return TestClaims{SubjectID: "user-finance", Email: "finance@market.example.com", Roles: []string{"finance"}}
}

// BackofficeClaims returns TestClaims for a back-office clerk.
func BackofficeClaims() TestClaims {
	return TestClaims{SubjectID: "user-backoffice", Email: "ops@market.example.com", Roles: []string{"BACKOFFICE"}}
}

// ManagerClaims returns TestClaims for a manager.
func ManagerClaims() TestClaims {
	return TestClaims{SubjectID: "user-manager", Email: "manager@market.example.com", Roles: []string{"MANAGER"}}
}

// AdminClaims returns TestClaims for an administrator.
func AdminClaims() TestClaims {
	return TestClaims{SubjectID: "user-admin", Email: "admin@market.example.com", Roles: []string{"ADMIN"}}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

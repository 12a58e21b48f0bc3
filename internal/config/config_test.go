package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Identity.Audience = "stepflow"
	return cfg
}

func TestLoad_example(t *testing.T) {
	cfg, err := Load("../../config.example.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Driver != "memory" || cfg.Notify.Driver != "log" {
		t.Errorf("drivers = %s/%s, want memory/log", cfg.Store.Driver, cfg.Notify.Driver)
	}
	if cfg.Orchestrator.AutomationInterval != 5*time.Second {
		t.Errorf("AutomationInterval = %v", cfg.Orchestrator.AutomationInterval)
	}
	if cfg.Orchestrator.TimeoutInterval != 10*time.Minute {
		t.Errorf("TimeoutInterval = %v", cfg.Orchestrator.TimeoutInterval)
	}
}

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	// Unset fields keep their defaults.
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Audience != "stepflow" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Observability.LogFormat != "console" {
		t.Errorf("Observability.LogFormat = %q, want console", cfg.Observability.LogFormat)
	}
	if cfg.Identity.ClaimPaths["roles"] != "realm_access.roles" {
		t.Errorf("ClaimPaths[roles] = %q", cfg.Identity.ClaimPaths["roles"])
	}
	if len(cfg.Definitions.Directories) != 2 {
		t.Errorf("Definitions.Directories = %v", cfg.Definitions.Directories)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSNEnv != "DATABASE_URL" || cfg.Store.MaxConns != 10 {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if !cfg.Store.Migrate {
		t.Error("Store.Migrate lost its default")
	}
	if cfg.Orchestrator.MaxRetries != 5 || cfg.Orchestrator.ReconcileInterval != 30*time.Second ||
		cfg.Orchestrator.TimeoutInterval != 15*time.Minute {
		t.Errorf("Orchestrator = %+v", cfg.Orchestrator)
	}
	if cfg.Notify.Driver != "kafka" || len(cfg.Notify.Kafka.Brokers) != 2 || cfg.Notify.BufferSize != 512 {
		t.Errorf("Notify = %+v", cfg.Notify)
	}
	if cfg.Notify.Kafka.ClientID != "stepflow" {
		t.Errorf("Kafka.ClientID = %q, want default", cfg.Notify.Kafka.ClientID)
	}
	if cfg.Idempotency.Store.Driver != "redis" || cfg.Idempotency.Store.DefaultTTL != time.Hour {
		t.Errorf("Idempotency = %+v", cfg.Idempotency)
	}
	if cfg.Observability.Tracing.Exporter != "stdout" {
		t.Errorf("Tracing.Exporter = %q", cfg.Observability.Tracing.Exporter)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	if !strings.Contains(err.Error(), "identity.issuer is required") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_bad_drivers_reports_all(t *testing.T) {
	_, err := Load("testdata/bad_drivers.yaml")
	if err == nil {
		t.Fatal("Load() should reject unknown drivers")
	}
	for _, want := range []string{"store.driver", "notify.nats.url", "idempotency.store.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Notify.Driver != "log" {
		t.Errorf("default Notify.Driver = %q, want log", cfg.Notify.Driver)
	}
	if cfg.Orchestrator.MaxRetries != 3 {
		t.Errorf("default MaxRetries = %d, want 3", cfg.Orchestrator.MaxRetries)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if err := validConfig().Validate(); err != nil {
		t.Errorf("defaults plus identity should validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STEPFLOW_SERVER_PORT", "3000")
	t.Setenv("STEPFLOW_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("STEPFLOW_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("STEPFLOW_STORE_DRIVER", "memory")
	t.Setenv("STEPFLOW_NOTIFY_DRIVER", "nats")
	t.Setenv("STEPFLOW_NOTIFY_NATS_URL", "nats://nats:4222")
	t.Setenv("STEPFLOW_DEFINITIONS_DIRECTORIES", "/a, /b,,")
	t.Setenv("STEPFLOW_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want env override", cfg.Store.Driver)
	}
	if cfg.Notify.Driver != "nats" || cfg.Notify.NATS.URL != "nats://nats:4222" {
		t.Errorf("Notify = %+v", cfg.Notify)
	}
	if got := cfg.Definitions.Directories; len(got) != 2 || got[0] != "/a" || got[1] != "/b" {
		t.Errorf("Definitions.Directories = %v", got)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides_ignores_bad_port(t *testing.T) {
	t.Setenv("STEPFLOW_SERVER_PORT", "not-a-port")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want file value 9090", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSNEnv = "" }, "store.dsn_env"},
		{"negative retries", func(c *Config) { c.Orchestrator.MaxRetries = -1 }, "max_retries"},
		{"zero reconcile", func(c *Config) { c.Orchestrator.ReconcileInterval = 0 }, "reconcile_interval"},
		{"ec algorithm", func(c *Config) { c.Identity.Algorithms = []string{"RS256", "ES256"} }, "ES256 is not supported"},
		{"zero timeout interval", func(c *Config) { c.Orchestrator.TimeoutInterval = 0 }, "timeout_interval"},
		{"kafka without brokers", func(c *Config) { c.Notify.Driver = "kafka" }, "notify.kafka.brokers"},
		{"unknown notify", func(c *Config) { c.Notify.Driver = "smtp" }, "notify.driver"},
		{"idempotency ttl", func(c *Config) { c.Idempotency.Store.DefaultTTL = 0 }, "default_ttl"},
		{"log format", func(c *Config) { c.Observability.LogFormat = "xml" }, "observability.log_format"},
		{"sampling", func(c *Config) { c.Observability.Tracing.SamplingRate = 2 }, "sampling_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestValidate_disabled_idempotency_skips_store(t *testing.T) {
	cfg := validConfig()
	cfg.Idempotency.Enabled = false
	cfg.Idempotency.Store.Driver = "anything"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

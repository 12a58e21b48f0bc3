// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Notify        NotifyConfig        `yaml:"notify"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings. ClaimPaths
// maps "subject_id", "email" and "roles" to claim names; dotted paths reach
// into nested claims.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// CapabilityConfig points at the role to capability policy. Without a file
// the built-in policy applies.
type CapabilityConfig struct {
	StaticPolicyFile string `yaml:"static_policy_file"`
}

// DefinitionsConfig lists directories of seed definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// OrchestratorConfig tunes the engine and its background processors.
type OrchestratorConfig struct {
	MaxRetries         int           `yaml:"max_retries"`
	MaxDerivations     int           `yaml:"max_derivations"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	AutomationInterval time.Duration `yaml:"automation_interval"`
	TimeoutInterval    time.Duration `yaml:"timeout_interval"`
}

// NotifyConfig selects the notification relay backend.
type NotifyConfig struct {
	Driver     string      `yaml:"driver"`
	BufferSize int         `yaml:"buffer_size"`
	Redis      RedisNotify `yaml:"redis"`
	NATS       NATSNotify  `yaml:"nats"`
	Kafka      KafkaNotify `yaml:"kafka"`
}

// RedisNotify configures the Redis Streams publisher.
type RedisNotify struct {
	AddrEnv      string `yaml:"addr_env"`
	StreamPrefix string `yaml:"stream_prefix"`
	MaxLen       int64  `yaml:"max_len"`
}

// NATSNotify configures the NATS publisher.
type NATSNotify struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// KafkaNotify configures the Kafka publisher.
type KafkaNotify struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"client_id"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "STEPFLOW_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Orchestrator: OrchestratorConfig{
			MaxRetries:         3,
			MaxDerivations:     5,
			ReconcileInterval:  time.Minute,
			AutomationInterval: 5 * time.Second,
			TimeoutInterval:    time.Minute,
		},
		Notify: NotifyConfig{
			Driver:     "log",
			BufferSize: 256,
			Redis: RedisNotify{
				AddrEnv:      "STEPFLOW_REDIS_ADDR",
				StreamPrefix: "stepflow",
				MaxLen:       10000,
			},
			NATS: NATSNotify{
				SubjectPrefix: "stepflow",
			},
			Kafka: KafkaNotify{
				ClientID: "stepflow",
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "STEPFLOW_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// rsaAlgorithms are the JWS algorithms verifiable with the identity
// provider's RSA keys.
var rsaAlgorithms = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	for _, alg := range c.Identity.Algorithms {
		if !rsaAlgorithms[alg] {
			errs = append(errs, fmt.Sprintf("identity.algorithms: %s is not supported, signing keys are RSA", alg))
		}
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}

	if c.Orchestrator.MaxRetries < 0 {
		errs = append(errs, "orchestrator.max_retries must not be negative")
	}
	if c.Orchestrator.ReconcileInterval <= 0 {
		errs = append(errs, "orchestrator.reconcile_interval must be positive")
	}
	if c.Orchestrator.AutomationInterval <= 0 {
		errs = append(errs, "orchestrator.automation_interval must be positive")
	}
	if c.Orchestrator.TimeoutInterval <= 0 {
		errs = append(errs, "orchestrator.timeout_interval must be positive")
	}

	switch c.Notify.Driver {
	case "log":
	case "redis":
		if c.Notify.Redis.AddrEnv == "" {
			errs = append(errs, "notify.redis.addr_env is required for the redis driver")
		}
	case "nats":
		if c.Notify.NATS.URL == "" {
			errs = append(errs, "notify.nats.url is required for the nats driver")
		}
	case "kafka":
		if len(c.Notify.Kafka.Brokers) == 0 {
			errs = append(errs, "notify.kafka.brokers is required for the kafka driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("notify.driver %q must be log, redis, nats or kafka", c.Notify.Driver))
	}

	if c.Idempotency.Enabled {
		if d := c.Idempotency.Store.Driver; d != "memory" && d != "redis" {
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q must be memory or redis", d))
		}
		if c.Idempotency.Store.DefaultTTL <= 0 {
			errs = append(errs, "idempotency.store.default_ttl must be positive")
		}
	}

	switch c.Observability.LogFormat {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q must be json or console", c.Observability.LogFormat))
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		errs = append(errs, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads STEPFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STEPFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STEPFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("STEPFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("STEPFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("STEPFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STEPFLOW_NOTIFY_DRIVER"); v != "" {
		cfg.Notify.Driver = v
	}
	if v := os.Getenv("STEPFLOW_NOTIFY_NATS_URL"); v != "" {
		cfg.Notify.NATS.URL = v
	}
	if v := os.Getenv("STEPFLOW_NOTIFY_KAFKA_BROKERS"); v != "" {
		cfg.Notify.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("STEPFLOW_DEFINITIONS_DIRECTORIES"); v != "" {
		cfg.Definitions.Directories = splitList(v)
	}
	if v := os.Getenv("STEPFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("STEPFLOW_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Package config provides configuration management for secmon.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
)

// Config holds all secmon configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Store       StoreConfig       `yaml:"store"`
	NATS        NATSConfig        `yaml:"nats"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	HEC         HECConfig         `yaml:"hec"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Rules       RulesConfig       `yaml:"rules"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// TrustProxy makes the API read client addresses from X-Forwarded-For.
	TrustProxy bool `yaml:"trust_proxy"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis
// and the rate limiter keeps its windows in process.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Password resolves the Redis password from the environment.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// StoreConfig selects and configures the event store backend.
type StoreConfig struct {
	Backend   string          `yaml:"backend"` // memory, firestore, postgres
	Firestore FirestoreConfig `yaml:"firestore"`
	Postgres  PostgresConfig  `yaml:"postgres"`
}

// FirestoreConfig holds Firestore settings.
type FirestoreConfig struct {
	ProjectID        string `yaml:"project_id"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// PostgresConfig holds Postgres settings. The DSN is read from DSNEnv.
type PostgresConfig struct {
	DSNEnv   string `yaml:"dsn_env"`
	MaxConns int32  `yaml:"max_conns"`
}

// DSN resolves the connection string from the environment.
func (p PostgresConfig) DSN() string {
	return os.Getenv(p.DSNEnv)
}

// NATSConfig holds alert publishing settings.
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	TokenEnv      string        `yaml:"token_env"`
	ConnectWait   time.Duration `yaml:"connect_wait"`
}

// Token resolves the NATS auth token from the environment.
func (n NATSConfig) Token() string {
	if n.TokenEnv == "" {
		return ""
	}
	return os.Getenv(n.TokenEnv)
}

// WebhookConfig holds the HTTP alert sink. Alerts are PUT to URL/<event id>
// and all deliveries share the RateLimit budget.
type WebhookConfig struct {
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	ClientID  string        `yaml:"client_id"`
	RateLimit EndpointLimit `yaml:"rate_limit"`
}

// HECConfig holds the Splunk HEC compatible ingestion endpoint. The token
// is read from TokenEnv.
type HECConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TokenEnv     string `yaml:"token_env"`
	MaxBatchSize int    `yaml:"max_batch_size"`
	MaxEventSize int    `yaml:"max_event_size"`
}

// MonitorConfig holds pipeline and ledger settings.
type MonitorConfig struct {
	Workers         int           `yaml:"workers"` // 0 = GOMAXPROCS
	BufferRetention time.Duration `yaml:"buffer_retention"`
	BufferPerActor  int           `yaml:"buffer_per_actor"`
	StoreTimeout    time.Duration `yaml:"store_timeout"`
	BlockDuration   time.Duration `yaml:"block_duration"`
	LedgerWeight    float64       `yaml:"ledger_weight"`
	LedgerDecay     float64       `yaml:"ledger_decay"`
	LedgerFloor     float64       `yaml:"ledger_floor"`
}

// RulesConfig holds threat rule settings.
type RulesConfig struct {
	// Files are YAML threshold rule files loaded after the built-in rules.
	Files           []string      `yaml:"files"`
	HistoryLookback time.Duration `yaml:"history_lookback"`
	HistoryLimit    int           `yaml:"history_limit"`
	HistoryTimeout  time.Duration `yaml:"history_timeout"`
}

// GatewayConfig holds the outbound-call guard settings.
type GatewayConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
}

// RateLimitConfig configures fixed-window rate limiting.
type RateLimitConfig struct {
	Enabled     bool                     `yaml:"enabled"`
	Window      time.Duration            `yaml:"window"`
	MaxRequests int                      `yaml:"max_requests"`
	KeyPrefix   string                   `yaml:"key_prefix"`
	Endpoints   map[string]EndpointLimit `yaml:"endpoints"`
}

// EndpointLimit overrides the default window for one endpoint.
type EndpointLimit struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

// RetryConfig configures capped exponential backoff.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// MaintenanceConfig holds periodic task intervals.
type MaintenanceConfig struct {
	PruneInterval time.Duration `yaml:"prune_interval"`
	DecayInterval time.Duration `yaml:"decay_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	ServiceName     string        `yaml:"service_name"`
	Environment     string        `yaml:"environment"`
	TracingEnabled  bool          `yaml:"tracing_enabled"`
	OTLPEndpoint    string        `yaml:"otlp_endpoint"`
	SamplingRate    float64       `yaml:"sampling_rate"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			DB:       0,
			PoolSize: 10,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Firestore: FirestoreConfig{
				CollectionPrefix: "security",
			},
			Postgres: PostgresConfig{
				DSNEnv:   "SECMON_POSTGRES_DSN",
				MaxConns: 10,
			},
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "secmon.alerts",
			ConnectWait:   5 * time.Second,
		},
		Webhook: WebhookConfig{
			Timeout:  30 * time.Second,
			ClientID: "secmon",
			RateLimit: EndpointLimit{
				Window:      time.Minute,
				MaxRequests: 60,
			},
		},
		HEC: HECConfig{
			TokenEnv:     "SECMON_HEC_TOKEN",
			MaxBatchSize: 1000,
			MaxEventSize: 1024 * 1024,
		},
		Monitor: MonitorConfig{
			BufferRetention: 24 * time.Hour,
			BufferPerActor:  1000,
			StoreTimeout:    5 * time.Second,
			BlockDuration:   24 * time.Hour,
			LedgerWeight:    0.1,
			LedgerDecay:     0.9,
			LedgerFloor:     1.0,
		},
		Rules: RulesConfig{
			HistoryLookback: 24 * time.Hour,
			HistoryLimit:    100,
			HistoryTimeout:  250 * time.Millisecond,
		},
		Gateway: GatewayConfig{
			RateLimit: RateLimitConfig{
				Enabled:     true,
				Window:      time.Minute,
				MaxRequests: 100,
				KeyPrefix:   "secmon:ratelimit:",
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   time.Second,
				MaxDelay:    5 * time.Second,
			},
		},
		Maintenance: MaintenanceConfig{
			PruneInterval: time.Hour,
			DecayInterval: 6 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName:     "secmon",
			Environment:     "development",
			SamplingRate:    1.0,
			MetricsInterval: 15 * time.Second,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFirestore:
		if c.Store.Firestore.ProjectID == "" {
			add("store.firestore.project_id is required for the firestore backend")
		}
	case BackendPostgres:
		if c.Store.Postgres.DSNEnv == "" {
			add("store.postgres.dsn_env is required for the postgres backend")
		}
	default:
		add("unknown store backend %q", c.Store.Backend)
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		add("nats.url is required when nats is enabled")
	}

	if c.Webhook.URL != "" {
		if c.Webhook.Timeout <= 0 {
			add("webhook.timeout must be positive")
		}
		if c.Webhook.RateLimit.Window <= 0 || c.Webhook.RateLimit.MaxRequests <= 0 {
			add("webhook.rate_limit window and max_requests must be positive")
		}
	}

	if c.HEC.Enabled {
		if c.HEC.TokenEnv == "" {
			add("hec.token_env is required when hec is enabled")
		}
		if c.HEC.MaxBatchSize <= 0 || c.HEC.MaxEventSize <= 0 {
			add("hec max_batch_size and max_event_size must be positive")
		}
	}

	m := c.Monitor
	if m.Workers < 0 {
		add("monitor.workers must not be negative")
	}
	if m.BufferRetention <= 0 {
		add("monitor.buffer_retention must be positive")
	}
	if m.StoreTimeout <= 0 {
		add("monitor.store_timeout must be positive")
	}
	if m.BlockDuration <= 0 {
		add("monitor.block_duration must be positive")
	}
	if m.LedgerDecay <= 0 || m.LedgerDecay >= 1 {
		add("monitor.ledger_decay %v must be in (0,1)", m.LedgerDecay)
	}
	if m.LedgerWeight <= 0 {
		add("monitor.ledger_weight must be positive")
	}

	if c.Rules.HistoryLookback <= 0 || c.Rules.HistoryTimeout <= 0 || c.Rules.HistoryLimit <= 0 {
		add("rules history lookback, limit and timeout must be positive")
	}

	rl := c.Gateway.RateLimit
	if rl.Enabled && (rl.Window <= 0 || rl.MaxRequests <= 0) {
		add("gateway.rate_limit window and max_requests must be positive")
	}
	for endpoint, l := range rl.Endpoints {
		if l.Window <= 0 || l.MaxRequests <= 0 {
			add("gateway.rate_limit.endpoints[%s] window and max_requests must be positive", endpoint)
		}
	}
	r := c.Gateway.Retry
	if r.MaxAttempts < 1 || r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		add("gateway.retry requires max_attempts >= 1 and 0 < base_delay <= max_delay")
	}

	if c.Maintenance.PruneInterval <= 0 || c.Maintenance.DecayInterval <= 0 {
		add("maintenance intervals must be positive")
	}

	return errors.Join(errs...)
}

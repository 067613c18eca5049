// Package config provides configuration types and loading for the orchestration platform.
package config

import (
	"fmt"
	"time"
)

// Config is the complete, unified configuration for a Platform process.
// A single instance backs both the `orchestrate` server and the `orchestratectl` CLI.
type Config struct {
	Version     string            `yaml:"version,omitempty"`
	Name        string            `yaml:"name,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`

	Server        ServerConfig        `yaml:"server,omitempty"`
	Logging       LoggingConfig       `yaml:"logging,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
	Auth          AuthConfig          `yaml:"auth,omitempty"`
	Store         StoreConfig         `yaml:"store,omitempty"`
	Queue         QueueConfig         `yaml:"queue,omitempty"`
	Cache         CacheConfig         `yaml:"cache,omitempty"`
	Lock          LockConfig          `yaml:"lock,omitempty"`
	Audit         AuditConfig         `yaml:"audit,omitempty"`
	Webhook       WebhookConfig       `yaml:"webhook,omitempty"`
	Workflow      WorkflowConfig      `yaml:"workflow,omitempty"`
	Kanban        KanbanConfig        `yaml:"kanban,omitempty"`
	Gateway       GatewayConfig       `yaml:"gateway,omitempty"`
	AgentSecret   AgentSecretConfig   `yaml:"agent_secret,omitempty"`
}

// Validate checks the whole configuration tree for errors.
func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"logging", c.Logging.Validate},
		{"observability", c.Observability.Validate},
		{"auth", c.Auth.Validate},
		{"store", c.Store.Validate},
		{"queue", c.Queue.Validate},
		{"cache", c.Cache.Validate},
		{"lock", c.Lock.Validate},
		{"audit", c.Audit.Validate},
		{"webhook", c.Webhook.Validate},
		{"workflow", c.Workflow.Validate},
		{"kanban", c.Kanban.Validate},
		{"gateway", c.Gateway.Validate},
		{"agent_secret", c.AgentSecret.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}
	return nil
}

// SetDefaults fills in unset fields across the configuration tree.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logging.SetDefaults()
	c.Observability.SetDefaults()
	c.Auth.SetDefaults()
	c.Store.SetDefaults()
	c.Queue.SetDefaults()
	c.Cache.SetDefaults()
	c.Lock.SetDefaults()
	c.Audit.SetDefaults()
	c.Webhook.SetDefaults()
	c.Workflow.SetDefaults()
	c.Kanban.SetDefaults()
	c.Gateway.SetDefaults()
	c.AgentSecret.SetDefaults()
}

// ServerConfig configures the HTTP bind address and dispatch behavior.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// DispatchMode selects "real" (HTTP calls to agents) or "mock" (synthesized
	// stage output, used for workflow-engine testing without live agents).
	DispatchMode string `yaml:"dispatch_mode,omitempty"`

	// AgentCallTimeout bounds a single agent client invocation.
	AgentCallTimeout time.Duration `yaml:"agent_call_timeout,omitempty"`

	// HealthCheckInterval is the period between agent health probes.
	HealthCheckInterval time.Duration `yaml:"health_check_interval,omitempty"`

	// ShutdownGracePeriod bounds how long the drain sequence waits for
	// in-flight work before the process terminates.
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period,omitempty"`
}

const (
	DispatchModeReal = "real"
	DispatchModeMock = "mock"
)

func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.DispatchMode != DispatchModeReal && c.DispatchMode != DispatchModeMock {
		return fmt.Errorf("dispatch_mode must be %q or %q, got %q", DispatchModeReal, DispatchModeMock, c.DispatchMode)
	}
	return nil
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.DispatchMode == "" {
		c.DispatchMode = DispatchModeReal
	}
	if c.AgentCallTimeout == 0 {
		c.AgentCallTimeout = 30 * time.Second
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 20 * time.Second
	}
	if c.ShutdownGracePeriod == 0 {
		c.ShutdownGracePeriod = 30 * time.Second
	}
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // "json" or "text"
}

func (c *LoggingConfig) Validate() error {
	switch c.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Format)
	}
	return nil
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
}

// AuthConfig configures JWT validation for the HTTP API and gateway.
// The Platform is a JWT consumer: it validates tokens minted by an external
// identity provider and never issues them itself.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`

	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`
}

func (c *AuthConfig) IsEnabled() bool { return c.Enabled }

func (c *AuthConfig) Validate() error {
	if c.Enabled {
		if c.JWKSURL == "" {
			return fmt.Errorf("jwks_url is required when auth is enabled")
		}
		if c.Issuer == "" {
			return fmt.Errorf("issuer is required when auth is enabled")
		}
		if c.Audience == "" {
			return fmt.Errorf("audience is required when auth is enabled")
		}
	}
	return nil
}

func (c *AuthConfig) SetDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Minute
	}
}

// StoreConfig configures the durable persistence layer.
type StoreConfig struct {
	// Dialect selects "postgres", "mysql", or "sqlite".
	Dialect string `yaml:"dialect,omitempty"`
	DSN     string `yaml:"dsn,omitempty"`

	MaxOpenConns int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns int           `yaml:"max_idle_conns,omitempty"`
	ConnLifetime time.Duration `yaml:"conn_lifetime,omitempty"`
}

const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

func (c *StoreConfig) Validate() error {
	switch c.Dialect {
	case DialectPostgres, DialectMySQL, DialectSQLite:
	default:
		return fmt.Errorf("unsupported store dialect: %s", c.Dialect)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	return nil
}

func (c *StoreConfig) SetDefaults() {
	if c.Dialect == "" {
		c.Dialect = DialectSQLite
	}
	if c.DSN == "" && c.Dialect == DialectSQLite {
		c.DSN = "orchestrate.db"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnLifetime == 0 {
		c.ConnLifetime = 5 * time.Minute
	}
}

// QueueConfig configures the workflow job queue.
type QueueConfig struct {
	// Backend selects "etcd" (durable, lease-based) or "memory" (in-process,
	// for single-instance deployments and tests).
	Backend  string        `yaml:"backend,omitempty"`
	Endpoints []string     `yaml:"endpoints,omitempty"`
	LeaseTTL time.Duration `yaml:"lease_ttl,omitempty"`
	KeyPrefix string       `yaml:"key_prefix,omitempty"`
}

const (
	QueueBackendEtcd   = "etcd"
	QueueBackendMemory = "memory"
)

func (c *QueueConfig) Validate() error {
	switch c.Backend {
	case QueueBackendEtcd, QueueBackendMemory:
	default:
		return fmt.Errorf("unsupported queue backend: %s", c.Backend)
	}
	if c.Backend == QueueBackendEtcd && len(c.Endpoints) == 0 {
		return fmt.Errorf("endpoints required for etcd queue backend")
	}
	return nil
}

func (c *QueueConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = QueueBackendMemory
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "/orchestrate/jobs/"
	}
}

// CacheConfig configures the short-TTL ancillary cache.
type CacheConfig struct {
	StageOutputTTL   time.Duration `yaml:"stage_output_ttl,omitempty"`
	CapabilityTTL    time.Duration `yaml:"capability_ttl,omitempty"`
	ResponseTimeTTL  time.Duration `yaml:"response_time_ttl,omitempty"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval,omitempty"`
}

func (c *CacheConfig) Validate() error { return nil }

func (c *CacheConfig) SetDefaults() {
	if c.StageOutputTTL == 0 {
		c.StageOutputTTL = time.Hour
	}
	if c.CapabilityTTL == 0 {
		c.CapabilityTTL = 30 * time.Second
	}
	if c.ResponseTimeTTL == 0 {
		c.ResponseTimeTTL = 2 * time.Hour
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Minute
	}
}

// LockConfig configures resource-lock acquisition. Backend selects
// "consul" (session-based arbitration, for multi-instance deployments) or
// "memory" (in-process, single-instance deployments and tests).
type LockConfig struct {
	Backend        string        `yaml:"backend,omitempty"`
	ConsulAddress  string        `yaml:"consul_address,omitempty"`
	DefaultTimeout time.Duration `yaml:"default_timeout,omitempty"`
}

const (
	LockBackendConsul = "consul"
	LockBackendMemory = "memory"
)

func (c *LockConfig) Validate() error {
	switch c.Backend {
	case LockBackendConsul, LockBackendMemory:
	default:
		return fmt.Errorf("unsupported lock backend: %s", c.Backend)
	}
	return nil
}

func (c *LockConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = LockBackendMemory
	}
	if c.ConsulAddress == "" {
		c.ConsulAddress = "127.0.0.1:8500"
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Second
	}
}

// AuditConfig configures the RS256 audit signer. Signing is optional:
// when no key is configured, audit records are written unsigned.
type AuditConfig struct {
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`
	PublicKeyPath  string `yaml:"public_key_path,omitempty"`
	SignerID       string `yaml:"signer_id,omitempty"`
}

func (c *AuditConfig) Validate() error {
	if (c.PrivateKeyPath == "") != (c.PublicKeyPath == "") {
		return fmt.Errorf("private_key_path and public_key_path must be set together")
	}
	return nil
}

func (c *AuditConfig) SetDefaults() {
	if c.SignerID == "" {
		c.SignerID = "orchestrate"
	}
}

// WebhookConfig configures the outbound webhook dispatcher.
type WebhookConfig struct {
	RequestTimeout  time.Duration `yaml:"request_timeout,omitempty"`
	MaxAttempts     int           `yaml:"max_attempts,omitempty"`
	InitialBackoff  time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff      time.Duration `yaml:"max_backoff,omitempty"`
	SweepInterval   time.Duration `yaml:"sweep_interval,omitempty"`
	SweepBatchSize  int           `yaml:"sweep_batch_size,omitempty"`
}

func (c *WebhookConfig) Validate() error { return nil }

func (c *WebhookConfig) SetDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 60 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = time.Hour
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.SweepBatchSize == 0 {
		c.SweepBatchSize = 50
	}
}

// WorkflowConfig configures the workflow worker.
type WorkflowConfig struct {
	DefaultMaxRetries   int           `yaml:"default_max_retries,omitempty"`
	DefaultBackoffMs    int           `yaml:"default_backoff_ms,omitempty"`
	DefaultStageTimeout time.Duration `yaml:"default_stage_timeout,omitempty"`
	JobFetchMaxAttempts int           `yaml:"job_fetch_max_attempts,omitempty"`
	JobFetchBackoff     time.Duration `yaml:"job_fetch_backoff,omitempty"`
}

func (c *WorkflowConfig) Validate() error { return nil }

func (c *WorkflowConfig) SetDefaults() {
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 2
	}
	if c.DefaultBackoffMs == 0 {
		c.DefaultBackoffMs = 1000
	}
	if c.DefaultStageTimeout == 0 {
		c.DefaultStageTimeout = 60 * time.Second
	}
	if c.JobFetchMaxAttempts == 0 {
		c.JobFetchMaxAttempts = 5
	}
	if c.JobFetchBackoff == 0 {
		c.JobFetchBackoff = 200 * time.Millisecond
	}
}

// KanbanConfig configures the kanban task engine.
type KanbanConfig struct {
	TimeoutSweepInterval time.Duration `yaml:"timeout_sweep_interval,omitempty"`
}

func (c *KanbanConfig) Validate() error { return nil }

func (c *KanbanConfig) SetDefaults() {
	if c.TimeoutSweepInterval == 0 {
		c.TimeoutSweepInterval = 10 * time.Second
	}
}

// GatewayConfig configures the persistent agent gateway.
type GatewayConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout,omitempty"`
	WriteTimeout      time.Duration `yaml:"write_timeout,omitempty"`
}

func (c *GatewayConfig) Validate() error {
	if c.HeartbeatTimeout != 0 && c.HeartbeatInterval != 0 && c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout must exceed heartbeat_interval")
	}
	return nil
}

func (c *GatewayConfig) SetDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// AgentSecretConfig configures at-rest encryption of agent bearer secrets.
// EncryptionKeyHex, if set, must decode to 32 bytes and is used as an AEAD key.
type AgentSecretConfig struct {
	EncryptionKeyHex string `yaml:"encryption_key_hex,omitempty"`
}

func (c *AgentSecretConfig) Validate() error {
	if c.EncryptionKeyHex != "" && len(c.EncryptionKeyHex) != 64 {
		return fmt.Errorf("encryption_key_hex must be 64 hex characters (32 bytes), got %d", len(c.EncryptionKeyHex))
	}
	return nil
}

func (c *AgentSecretConfig) SetDefaults() {}

// ObservabilityConfig is the unified tracing/metrics configuration tree,
// consumed directly by pkg/observability.Manager.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig configures pkg/observability's OTel tracer.
type TracingConfig struct {
	Enabled         bool              `yaml:"enabled,omitempty"`
	Exporter        string            `yaml:"exporter,omitempty"`
	Endpoint        string            `yaml:"endpoint,omitempty"`
	SamplingRate    float64           `yaml:"sampling_rate,omitempty"`
	ServiceName     string            `yaml:"service_name,omitempty"`
	ServiceVersion  string            `yaml:"service_version,omitempty"`
	Insecure        *bool             `yaml:"insecure,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty"`
	CapturePayloads bool              `yaml:"capture_payloads,omitempty"`
	Timeout         time.Duration     `yaml:"timeout,omitempty"`
}

// IsInsecure reports whether the exporter connection should skip TLS,
// defaulting to true for local development when unset.
func (c *TracingConfig) IsInsecure() bool {
	return c.Insecure == nil || *c.Insecure
}

// MetricsConfig configures pkg/observability's Prometheus registry.
type MetricsConfig struct {
	Enabled     bool              `yaml:"enabled,omitempty"`
	Endpoint    string            `yaml:"endpoint,omitempty"`
	Namespace   string            `yaml:"namespace,omitempty"`
	Subsystem   string            `yaml:"subsystem,omitempty"`
	ConstLabels map[string]string `yaml:"const_labels,omitempty"`
}

func (c *ObservabilityConfig) Validate() error {
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" && c.Tracing.Exporter != "stdout" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "orchestrate"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "otlp"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "orchestrate"
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
}

// LoadConfig loads configuration from a YAML file on disk, expanding
// environment variable references of the form ${VAR}, ${VAR:-default}, $VAR.
func LoadConfig(filePath string) (*Config, error) {
	var cfg Config
	if err := loadConfig(filePath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadConfigFromString loads configuration from an in-memory YAML document.
func LoadConfigFromString(yamlContent string) (*Config, error) {
	var cfg Config
	if err := loadConfigFromString(yamlContent, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from string: %w", err)
	}
	return &cfg, nil
}

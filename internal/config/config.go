// Package config handles loading and validating devconsole configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Instance types. Anything other than production exposes the console.
const (
	InstanceDevelopment = "development"
	InstanceProduction  = "production"
)

// Config is the root configuration for devconsole.
type Config struct {
	InstanceType  string               `json:"instance_type" yaml:"instance_type"` // "development" (default) or "production". Override: DEVCONSOLE_INSTANCE_TYPE.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Session       SessionConfig        `json:"session" yaml:"session"`
	Runner        RunnerConfig         `json:"runner" yaml:"runner"`
	Serializer    SerializerConfig     `json:"serializer" yaml:"serializer"`
	Console       ConsoleConfig        `json:"console" yaml:"console"`
	RateLimit     RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env:// and file:// references only
}

// IsProduction reports whether the instance refuses to run scripts.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.InstanceType, InstanceProduction)
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr             string `json:"listen_addr" yaml:"listen_addr"`                           // Default: ":8080"
	HomeURL                string `json:"home_url" yaml:"home_url"`                                 // Redirect target on production instances. Default: "/"
	TrustProxy             bool   `json:"trust_proxy" yaml:"trust_proxy"`                           // Honor X-Forwarded-Proto / X-Forwarded-Host.
	MaxRequestSizeBytes    int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`     // Default: 1 MiB
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"` // Default: 10
	WebSocket              bool   `json:"websocket" yaml:"websocket"`                               // Mount /console/ws.
}

// ShutdownTimeout returns the graceful shutdown deadline.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// SecurityConfig configures the authorization gate.
type SecurityConfig struct {
	Secret           string `json:"secret,omitempty" yaml:"secret,omitempty"`                           // Override: DEVCONSOLE_SECRET. Empty = built-in fallback.
	AuditLogPath     string `json:"audit_log_path,omitempty" yaml:"audit_log_path,omitempty"`           // Empty = no audit log.
	AuditLogMaxBytes int64  `json:"audit_log_max_bytes,omitempty" yaml:"audit_log_max_bytes,omitempty"` // Rotate past this size. 0 = never.
}

// SessionConfig configures the session store and cookie.
type SessionConfig struct {
	Driver           string `json:"driver" yaml:"driver"`                               // "memory" (default), "sqlite", "postgres", "mysql", "redis".
	SQLitePath       string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"` // Default: "devconsole.db"
	DSN              string `json:"dsn,omitempty" yaml:"dsn,omitempty"`                 // postgres/mysql. Override: DEVCONSOLE_DB_DSN.
	RedisAddr        string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`   // Override: DEVCONSOLE_REDIS_ADDR.
	RedisPassword    string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB          int    `json:"redis_db" yaml:"redis_db"`
	SigningKey       string `json:"signing_key,omitempty" yaml:"signing_key,omitempty"` // Cookie HMAC key, >= 16 bytes. Override: DEVCONSOLE_SESSION_KEY.
	CookieTTLSeconds int    `json:"cookie_ttl_seconds" yaml:"cookie_ttl_seconds"`       // 0 = browser session cookie.
	SecureCookie     bool   `json:"secure_cookie" yaml:"secure_cookie"`
	IdleTTLSeconds   int    `json:"idle_ttl_seconds" yaml:"idle_ttl_seconds"`           // Default: 86400
	SweepSchedule    string `json:"sweep_schedule" yaml:"sweep_schedule"`               // Cron spec. Default: "@every 10m"
}

// CookieTTL returns the cookie lifetime.
func (s SessionConfig) CookieTTL() time.Duration {
	return time.Duration(s.CookieTTLSeconds) * time.Second
}

// IdleTTL returns how long an untouched session is kept.
func (s SessionConfig) IdleTTL() time.Duration {
	return time.Duration(s.IdleTTLSeconds) * time.Second
}

// RunnerConfig configures script execution.
type RunnerConfig struct {
	TimeoutMS int `json:"timeout_ms" yaml:"timeout_ms"` // 0 = no timeout.
}

// Timeout returns the execution deadline, zero when unbounded.
func (r RunnerConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// SerializerConfig configures the result serializer.
type SerializerConfig struct {
	MaxDepthLimit int `json:"max_depth_limit" yaml:"max_depth_limit"` // Hard ceiling on a requested maxDepth. Default: 32
}

// ConsoleConfig configures request handling.
type ConsoleConfig struct {
	DefaultMaxDepth int  `json:"default_max_depth" yaml:"default_max_depth"` // Used when maxDepth is absent. Default: 3
	StrictRequests  bool `json:"strict_requests" yaml:"strict_requests"`     // Reject missing code/maxDepth with 400 instead of an empty reply.
}

// RateLimitConfig configures per-session rate limiting of runs.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// SecretsConfig configures secret reference providers. Values such as
// security.secret may be "env://NAME", "file:///path" or
// "vault://path#field" instead of the secret itself.
type SecretsConfig struct {
	Vault *VaultSecretsConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
}

// VaultSecretsConfig configures the HashiCorp Vault provider.
// VAULT_ADDR, VAULT_TOKEN and VAULT_NAMESPACE override these fields.
type VaultSecretsConfig struct {
	Address        string `json:"address" yaml:"address"`
	Token          string `json:"token,omitempty" yaml:"token,omitempty"`
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 5
	TLSSkipVerify  bool   `json:"tls_skip_verify" yaml:"tls_skip_verify"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "devconsole"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev

	// Headers are sent with every export, e.g. a collector API key. Values
	// may be secret references.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeSessionStore bool `json:"include_session_store" yaml:"include_session_store"`
}

// AnomalyConfig configures threshold-based anomaly detection on gate denials.
type AnomalyConfig struct {
	Enabled             bool    `json:"enabled" yaml:"enabled"`
	DenialRateThreshold float64 `json:"denial_rate_threshold" yaml:"denial_rate_threshold"` // e.g. 0.5 = 50% denied
	WindowSeconds       int     `json:"window_seconds" yaml:"window_seconds"`               // Sliding window. Default: 300
	MinSamples          int     `json:"min_samples" yaml:"min_samples"`                     // Default: 10
}

// Load reads a configuration file (JSON or YAML by extension), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	cfg := &Config{}
	applyEnv(cfg)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes data as YAML when ext is ".yml"/".yaml" and JSON otherwise,
// then applies overrides, defaults and validation.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
	}

	applyEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv lets environment variables take precedence over config values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DEVCONSOLE_SECRET"); v != "" {
		cfg.Security.Secret = v
	}
	if v := os.Getenv("DEVCONSOLE_INSTANCE_TYPE"); v != "" {
		cfg.InstanceType = v
	}
	if v := os.Getenv("DEVCONSOLE_SESSION_KEY"); v != "" {
		cfg.Session.SigningKey = v
	}
	if v := os.Getenv("DEVCONSOLE_DB_DSN"); v != "" {
		cfg.Session.DSN = v
	}
	if v := os.Getenv("DEVCONSOLE_REDIS_ADDR"); v != "" {
		cfg.Session.RedisAddr = v
	}
	if v := os.Getenv("DEVCONSOLE_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("DEVCONSOLE_RUNNER_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Runner.TimeoutMS = ms
		}
	}
}

func (c *Config) applyDefaults() {
	if c.InstanceType == "" {
		c.InstanceType = InstanceDevelopment
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.HomeURL == "" {
		c.Server.HomeURL = "/"
	}
	if c.Server.MaxRequestSizeBytes <= 0 {
		c.Server.MaxRequestSizeBytes = 1 << 20
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}
	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
	}
	if c.Session.Driver == "sqlite" && c.Session.SQLitePath == "" {
		c.Session.SQLitePath = "devconsole.db"
	}
	if c.Session.IdleTTLSeconds <= 0 {
		c.Session.IdleTTLSeconds = 86400
	}
	if c.Session.SweepSchedule == "" {
		c.Session.SweepSchedule = "@every 10m"
	}
	if c.Serializer.MaxDepthLimit <= 0 {
		c.Serializer.MaxDepthLimit = 32
	}
	if c.Console.DefaultMaxDepth <= 0 {
		c.Console.DefaultMaxDepth = 3
	}
	if o := c.Observability; o != nil {
		if o.Metrics != nil && o.Metrics.Path == "" {
			o.Metrics.Path = "/metrics"
		}
		if o.Tracing != nil {
			if o.Tracing.Protocol == "" {
				o.Tracing.Protocol = "grpc"
			}
			if o.Tracing.ServiceName == "" {
				o.Tracing.ServiceName = "devconsole"
			}
			if o.Tracing.SampleRate == 0 {
				o.Tracing.SampleRate = 1.0
			}
		}
		if o.Anomaly != nil {
			if o.Anomaly.WindowSeconds <= 0 {
				o.Anomaly.WindowSeconds = 300
			}
			if o.Anomaly.DenialRateThreshold <= 0 {
				o.Anomaly.DenialRateThreshold = 0.5
			}
			if o.Anomaly.MinSamples <= 0 {
				o.Anomaly.MinSamples = 10
			}
		}
	}
}

func isSecretRef(v string) bool {
	for _, scheme := range []string{"env://", "file://", "vault://"} {
		if strings.HasPrefix(v, scheme) {
			return true
		}
	}
	return false
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	switch strings.ToLower(c.InstanceType) {
	case InstanceDevelopment, InstanceProduction, "staging", "test":
	default:
		return fmt.Errorf("instance_type %q: must be development, staging, test or production", c.InstanceType)
	}

	switch c.Session.Driver {
	case "memory", "sqlite":
	case "postgres", "mysql":
		if c.Session.DSN == "" {
			return fmt.Errorf("session.dsn is required for the %s driver (or set DEVCONSOLE_DB_DSN)", c.Session.Driver)
		}
	case "redis":
		if c.Session.RedisAddr == "" {
			return errors.New("session.redis_addr is required for the redis driver (or set DEVCONSOLE_REDIS_ADDR)")
		}
	default:
		return fmt.Errorf("session.driver %q: must be memory, sqlite, postgres, mysql or redis", c.Session.Driver)
	}
	// References are checked once resolved.
	if c.Session.SigningKey != "" && !isSecretRef(c.Session.SigningKey) && len(c.Session.SigningKey) < 16 {
		return errors.New("session.signing_key must be at least 16 bytes")
	}

	if c.Runner.TimeoutMS < 0 {
		return errors.New("runner.timeout_ms must not be negative")
	}
	if c.Security.AuditLogMaxBytes < 0 {
		return errors.New("security.audit_log_max_bytes must not be negative")
	}
	if c.Console.DefaultMaxDepth > c.Serializer.MaxDepthLimit {
		return fmt.Errorf("console.default_max_depth %d exceeds serializer.max_depth_limit %d",
			c.Console.DefaultMaxDepth, c.Serializer.MaxDepthLimit)
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.BurstSize < 0 {
		return errors.New("rate_limit values must not be negative")
	}

	if o := c.Observability; o != nil {
		if t := o.Tracing; t != nil && t.Enabled {
			if t.Endpoint == "" {
				return errors.New("observability.tracing.endpoint is required when tracing is enabled")
			}
			if t.Protocol != "grpc" && t.Protocol != "http" {
				return fmt.Errorf("observability.tracing.protocol %q: must be grpc or http", t.Protocol)
			}
			if t.SampleRate < 0 || t.SampleRate > 1 {
				return fmt.Errorf("observability.tracing.sample_rate %v: must be within [0, 1]", t.SampleRate)
			}
		}
		if a := o.Anomaly; a != nil && a.DenialRateThreshold > 1 {
			return fmt.Errorf("observability.anomaly.denial_rate_threshold %v: must be within (0, 1]", a.DenialRateThreshold)
		}
	}
	return nil
}

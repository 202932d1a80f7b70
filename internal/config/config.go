// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Access        AccessConfig        `yaml:"access"`
	Status        StatusConfig        `yaml:"status"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IdentityConfig describes JWT and identity provider settings. Auth is
// disabled when Disabled is true, in which case the X-User-Id header names
// the caller.
type IdentityConfig struct {
	Disabled     bool          `yaml:"disabled"`
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	Algorithms   []string      `yaml:"algorithms"`
	// RolesClaim names the token claim holding the caller's roles. It may
	// be a JSON array or a space separated string.
	RolesClaim   string        `yaml:"roles_claim"`
	ClockSkew    time.Duration `yaml:"clock_skew"`
}

// DefinitionsConfig describes where to find workflow definition YAML files.
type DefinitionsConfig struct {
	Directories    []string `yaml:"directories"`
	ActivateLatest bool     `yaml:"activate_latest"`
}

// StoreConfig describes persistence for definitions and application state.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AccessConfig describes role resolution for manual transitions.
type AccessConfig struct {
	StaticRolesFile string        `yaml:"static_roles_file"`
	TrustTokenRoles bool          `yaml:"trust_token_roles"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

// StatusConfig describes the document and payment status providers.
type StatusConfig struct {
	Driver         string               `yaml:"driver"`
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// SchedulerConfig describes the trigger scheduler.
type SchedulerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Schedule          string        `yaml:"schedule"`
	Concurrency       int           `yaml:"concurrency"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
	BatchSize         int           `yaml:"batch_size"`
	ChainLimit        int           `yaml:"chain_limit"`
	Lease             LeaseConfig   `yaml:"lease"`
}

// LeaseConfig describes the scan lease shared between replicas.
type LeaseConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	Key     string        `yaml:"key"`
	TTL     time.Duration `yaml:"ttl"`
}

// NotificationsConfig describes the outbound event dispatcher.
type NotificationsConfig struct {
	Driver     string     `yaml:"driver"`
	BufferSize int        `yaml:"buffer_size"`
	NATS       NATSConfig `yaml:"nats"`
	SNS        SNSConfig  `yaml:"sns"`
}

// NATSConfig describes NATS publishing.
type NATSConfig struct {
	URLEnv        string `yaml:"url_env"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// SNSConfig describes AWS SNS publishing.
type SNSConfig struct {
	TopicARN string `yaml:"topic_arn"`
	Region   string `yaml:"region"`
}

// AuditConfig describes the audit sink.
type AuditConfig struct {
	Driver string `yaml:"driver"`
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
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			RolesClaim:   "roles",
			ClockSkew:    30 * time.Second,
		},
		Definitions: DefinitionsConfig{
			Directories:    []string{"/definitions"},
			ActivateLatest: true,
		},
		Store: StoreConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Access: AccessConfig{
			TrustTokenRoles: true,
			CacheTTL:        5 * time.Minute,
		},
		Status: StatusConfig{
			Driver:  "memory",
			Timeout: 3 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			Schedule:          "@every 1m",
			Concurrency:       8,
			EvaluationTimeout: 10 * time.Second,
			BatchSize:         500,
			ChainLimit:        10,
			Lease: LeaseConfig{
				Driver: "memory",
				Key:    "admissions:scheduler:scan",
				TTL:    55 * time.Second,
			},
		},
		Notifications: NotificationsConfig{
			Driver:     "log",
			BufferSize: 1024,
			NATS: NATSConfig{
				SubjectPrefix: "admissions.transitions",
			},
		},
		Audit: AuditConfig{
			Driver: "log",
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

var (
	storeDrivers        = map[string]bool{"memory": true, "postgres": true}
	statusDrivers       = map[string]bool{"memory": true, "http": true}
	leaseDrivers        = map[string]bool{"none": true, "memory": true, "redis": true}
	notificationDrivers = map[string]bool{"log": true, "nats": true, "sns": true}
	auditDrivers        = map[string]bool{"log": true, "postgres": true}
)

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !c.Identity.Disabled {
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required")
		}
		if c.Identity.JWKSURL == "" {
			errs = append(errs, "identity.jwks_url is required")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required")
		}
	}
	if !storeDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DSNEnv == "" {
		errs = append(errs, "store.dsn_env is required for the postgres driver")
	}
	if !statusDrivers[c.Status.Driver] {
		errs = append(errs, fmt.Sprintf("status.driver %q is not supported", c.Status.Driver))
	}
	if c.Status.Driver == "http" && c.Status.BaseURL == "" {
		errs = append(errs, "status.base_url is required for the http driver")
	}
	if c.Scheduler.Enabled {
		if c.Scheduler.Schedule == "" {
			errs = append(errs, "scheduler.schedule is required")
		}
		if c.Scheduler.Concurrency < 1 {
			errs = append(errs, "scheduler.concurrency must be at least 1")
		}
		if !leaseDrivers[c.Scheduler.Lease.Driver] {
			errs = append(errs, fmt.Sprintf("scheduler.lease.driver %q is not supported", c.Scheduler.Lease.Driver))
		}
		if c.Scheduler.Lease.Driver == "redis" && c.Scheduler.Lease.AddrEnv == "" {
			errs = append(errs, "scheduler.lease.addr_env is required for the redis driver")
		}
	}
	if !notificationDrivers[c.Notifications.Driver] {
		errs = append(errs, fmt.Sprintf("notifications.driver %q is not supported", c.Notifications.Driver))
	}
	if c.Notifications.Driver == "nats" && c.Notifications.NATS.URLEnv == "" {
		errs = append(errs, "notifications.nats.url_env is required for the nats driver")
	}
	if c.Notifications.Driver == "sns" && c.Notifications.SNS.TopicARN == "" {
		errs = append(errs, "notifications.sns.topic_arn is required for the sns driver")
	}
	if !auditDrivers[c.Audit.Driver] {
		errs = append(errs, fmt.Sprintf("audit.driver %q is not supported", c.Audit.Driver))
	}
	if c.Audit.Driver == "postgres" && c.Store.Driver != "postgres" {
		errs = append(errs, "audit.driver postgres requires store.driver postgres")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads ADMISSIONS_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ADMISSIONS_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ADMISSIONS_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("ADMISSIONS_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("ADMISSIONS_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("ADMISSIONS_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ADMISSIONS_STATUS_BASE_URL"); v != "" {
		cfg.Status.BaseURL = v
	}
	if v := os.Getenv("ADMISSIONS_SCHEDULER_SCHEDULE"); v != "" {
		cfg.Scheduler.Schedule = v
	}
	if v := os.Getenv("ADMISSIONS_NOTIFICATIONS_DRIVER"); v != "" {
		cfg.Notifications.Driver = v
	}
	if v := os.Getenv("ADMISSIONS_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("ADMISSIONS_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

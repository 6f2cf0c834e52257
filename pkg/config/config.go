// Package config provides the unified configuration system for Prism.
// It defines a single Config structure shared by the query engine, the
// backend connectors, and the serving layer, so every component reads
// timeouts, limits, and reliability settings from one place.
//
// The configuration is organized into logical sections:
//   - Timeouts: Connection, discovery, and execution deadlines
//   - Reliability: Retry logic and backend rate limiting
//   - Limits: Pagination and result-size ceilings
//   - Cache: Result cache TTL and capacity
//   - Pool: Credential-scoped connection pool sizing
//   - Sources: The enabled backend sources
//   - Persistence: Ledger and report storage
//   - Observability: Metrics, tracing, logging
package config

import (
	"fmt"
	"time"
)

// Config is the single unified configuration structure for the engine.
type Config struct {
	// Service identifies this deployment in logs and metrics
	Service ServiceConfig `yaml:"service" json:"service"`

	// Timeouts define deadlines for backend operations
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	// Reliability settings for error handling and resilience
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`

	// Limits bound pagination and result sizes
	Limits LimitsConfig `yaml:"limits" json:"limits"`

	// Cache configures the result cache
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Pool configures credential-scoped connection pools
	Pool PoolConfig `yaml:"pool" json:"pool"`

	// Sources lists the configured backend sources
	Sources []SourceConfig `yaml:"sources" json:"sources"`

	// Persistence configures ledger and report storage
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ServiceConfig identifies the deployment.
type ServiceConfig struct {
	// Name identifies the service instance
	Name string `yaml:"name" json:"name"`
	// Environment is the deployment environment (dev, staging, prod)
	Environment string `yaml:"environment" json:"environment"`
}

// TimeoutConfig contains all timeout-related settings.
// These prevent backend operations from hanging indefinitely.
type TimeoutConfig struct {
	// Execution is the default per-execution deadline
	Execution time.Duration `yaml:"execution" json:"execution"`
	// Connection timeout for establishing backend connections
	Connection time.Duration `yaml:"connection" json:"connection"`
	// Discovery timeout for field catalog discovery
	Discovery time.Duration `yaml:"discovery" json:"discovery"`
	// Idle timeout before closing inactive pooled connections
	Idle time.Duration `yaml:"idle" json:"idle"`
}

// ReliabilityConfig contains reliability and error handling settings.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum attempts for transient failures
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// RateLimitPerSec limits backend page fetches per second (0 = unlimited)
	RateLimitPerSec int `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
}

// LimitsConfig bounds pagination and result sizes.
type LimitsConfig struct {
	// MaxPageSize caps the page size a caller may request
	MaxPageSize int `yaml:"max_page_size" json:"max_page_size"`
	// DefaultPageSize is used when a query omits pagination
	DefaultPageSize int `yaml:"default_page_size" json:"default_page_size"`
	// MaxResultRows is the hard ceiling on rows held in memory for
	// backends without native pagination
	MaxResultRows int `yaml:"max_result_rows" json:"max_result_rows"`
	// MaxConcurrentExecutions bounds in-flight executions (0 = unlimited)
	MaxConcurrentExecutions int `yaml:"max_concurrent_executions" json:"max_concurrent_executions"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	// TTL is how long cached results stay valid
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// MaxEntries caps the number of cached results (0 = unlimited)
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
}

// PoolConfig configures credential-scoped connection pools.
type PoolConfig struct {
	// MaxConns is the maximum connections per (source, credential) pair
	MaxConns int `yaml:"max_conns" json:"max_conns"`
	// AcquireTimeout bounds how long a caller waits for a connection
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	// SweepInterval is how often idle connections are evicted
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// SourceConfig describes one configured backend source.
type SourceConfig struct {
	// Kind is the backend kind (directory, clouddirectory, cloudsuite)
	Kind string `yaml:"kind" json:"kind"`
	// Enabled toggles the source without removing its configuration
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Endpoint is the backend address (LDAP URL or API base URL)
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// CredentialID selects the stored credential used by default
	CredentialID string `yaml:"credential_id" json:"credential_id"`
	// Options carries backend-specific settings (base DN, tenant, domain)
	Options map[string]string `yaml:"options" json:"options"`
}

// PersistenceConfig configures ledger and report storage.
type PersistenceConfig struct {
	// Driver selects the store implementation: "memory" or "postgres"
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the postgres connection string when Driver is "postgres"
	DSN string `yaml:"dsn" json:"dsn"`
}

// ObservabilityConfig contains monitoring and observability settings.
type ObservabilityConfig struct {
	// EnableMetrics activates the prometheus endpoint
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// MetricsAddr is the listen address for the metrics endpoint
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	// EnableTracing activates span emission
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// Default returns a Config with production-ready defaults. Deployments
// override individual fields from their YAML configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "prism",
			Environment: "dev",
		},
		Timeouts: TimeoutConfig{
			Execution:  2 * time.Minute,
			Connection: 10 * time.Second,
			Discovery:  30 * time.Second,
			Idle:       5 * time.Minute,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   30 * time.Second,
			RateLimitPerSec: 0,
		},
		Limits: LimitsConfig{
			MaxPageSize:             500,
			DefaultPageSize:         50,
			MaxResultRows:           100000,
			MaxConcurrentExecutions: 32,
		},
		Cache: CacheConfig{
			TTL:        10 * time.Minute,
			MaxEntries: 1024,
		},
		Pool: PoolConfig{
			MaxConns:       8,
			AcquireTimeout: 15 * time.Second,
			SweepInterval:  30 * time.Second,
		},
		Persistence: PersistenceConfig{
			Driver: "memory",
		},
		Observability: ObservabilityConfig{
			EnableMetrics: true,
			MetricsAddr:   ":9090",
			EnableTracing: false,
			LogLevel:      "info",
		},
	}
}

// Validate validates the configuration for correctness.
// It checks required fields and ensures values are within acceptable
// ranges. Callers should validate after loading to catch errors early.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if c.Limits.MaxPageSize <= 0 {
		return fmt.Errorf("limits.max_page_size must be positive")
	}
	if c.Limits.DefaultPageSize <= 0 || c.Limits.DefaultPageSize > c.Limits.MaxPageSize {
		return fmt.Errorf("limits.default_page_size must be in (0, max_page_size]")
	}
	if c.Limits.MaxResultRows <= 0 {
		return fmt.Errorf("limits.max_result_rows must be positive")
	}
	if c.Reliability.RetryAttempts < 0 {
		return fmt.Errorf("reliability.retry_attempts cannot be negative")
	}
	if c.Reliability.RateLimitPerSec < 0 {
		return fmt.Errorf("reliability.rate_limit_per_sec cannot be negative")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Pool.MaxConns <= 0 {
		return fmt.Errorf("pool.max_conns must be positive")
	}
	switch c.Persistence.Driver {
	case "memory":
	case "postgres":
		if c.Persistence.DSN == "" {
			return fmt.Errorf("persistence.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("persistence.driver must be memory or postgres, got %q", c.Persistence.Driver)
	}
	for i, src := range c.Sources {
		if src.Kind == "" {
			return fmt.Errorf("sources[%d].kind is required", i)
		}
		if src.Enabled && src.Endpoint == "" && kindDialsEndpoint(src.Kind) {
			return fmt.Errorf("sources[%d].endpoint is required for an enabled %s source", i, src.Kind)
		}
	}
	return nil
}

// kindDialsEndpoint reports whether a source kind dials a configured
// endpoint. The cloud suite authenticates purely through its credential
// material and per-source options.
func kindDialsEndpoint(kind string) bool {
	return kind != "cloudsuite"
}

// SourceByKind returns the configuration for a source kind, if present.
func (c *Config) SourceByKind(kind string) (SourceConfig, bool) {
	for _, src := range c.Sources {
		if src.Kind == kind {
			return src, true
		}
	}
	return SourceConfig{}, false
}

// IsRateLimited returns true if backend rate limiting is enabled
func (r *ReliabilityConfig) IsRateLimited() bool {
	return r.RateLimitPerSec > 0
}

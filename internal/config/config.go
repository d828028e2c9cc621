// Package config holds all snowscope configuration.
//
// Configuration resolves in three layers: built-in defaults, the optional
// .snowscope/config.yaml file, then environment variables. Environment
// always wins so the server can be pointed at a different profile or
// catalog directory without editing files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all snowscope configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Snowflake connection context
	Snowflake SnowflakeConfig `yaml:"snowflake"`

	// Catalog builder settings
	Catalog CatalogConfig `yaml:"catalog"`

	// Lineage engine settings
	Lineage LineageConfig `yaml:"lineage"`

	// Health and resource supervision
	Health HealthConfig `yaml:"health"`

	// Circuit breaker settings
	Circuit CircuitConfig `yaml:"circuit"`

	// Query service settings
	Query QueryConfig `yaml:"query"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// SnowflakeConfig selects the credential profile and default context.
type SnowflakeConfig struct {
	// Profile names the credential bundle in the credentials store.
	Profile string `yaml:"profile"`

	// ConfigPath overrides the credentials store location
	// (default ~/.snowflake/config.yaml).
	ConfigPath string `yaml:"config_path"`

	// Context overrides applied to every call.
	Warehouse string `yaml:"warehouse"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Role      string `yaml:"role"`
}

// CatalogConfig controls the incremental catalog builder.
type CatalogConfig struct {
	// Dir is the default catalog output directory.
	Dir string `yaml:"dir"`

	// MaxConcurrency caps simultaneous Snowflake calls during builds.
	MaxConcurrency int `yaml:"max_concurrency"`

	// IncludeDDL fetches DDL text for harvested objects.
	IncludeDDL bool `yaml:"include_ddl"`

	// AccountUsageSafetyMargin widens the incremental window to catch
	// delayed ACCOUNT_USAGE visibility.
	AccountUsageSafetyMargin time.Duration `yaml:"account_usage_safety_margin"`

	// FullRefreshThreshold forces a full refresh when the last one is older.
	FullRefreshThreshold time.Duration `yaml:"full_refresh_threshold"`
}

// LineageConfig controls the lineage engine.
type LineageConfig struct {
	// Dir is the lineage cache directory. Empty disables the on-disk cache.
	Dir string `yaml:"dir"`

	// MaxDepth bounds traversal depth accepted from callers.
	MaxDepth int `yaml:"max_depth"`
}

// HealthConfig controls health and resource caches.
type HealthConfig struct {
	// CacheTTL bounds how often component health is re-probed.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// ResourceCacheTTL bounds how often resource status is recomputed.
	ResourceCacheTTL time.Duration `yaml:"resource_cache_ttl"`

	// ProbeTimeout bounds a single component check.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// CortexEnabled gates the cortex_search resource.
	CortexEnabled bool `yaml:"cortex_enabled"`
}

// CircuitConfig controls the process-wide circuit breaker.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// QueryConfig controls the query service.
type QueryConfig struct {
	// DefaultTimeout applies when a call carries no timeout_seconds.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxTimeout caps timeout_seconds.
	MaxTimeout time.Duration `yaml:"max_timeout"`

	// MaxPreviewRows caps preview_table limits.
	MaxPreviewRows int `yaml:"max_preview_rows"`

	// MaxResultRows bounds how many rows execute_query materializes.
	MaxResultRows int `yaml:"max_result_rows"`
}

// LoggingConfig mirrors internal/logging's file-based debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "snowscope",
		Version: "1.2.0",

		Snowflake: SnowflakeConfig{
			Profile: "default",
		},

		Catalog: CatalogConfig{
			Dir:                      "./catalog",
			MaxConcurrency:           4,
			IncludeDDL:               true,
			AccountUsageSafetyMargin: 3 * time.Hour,
			FullRefreshThreshold:     7 * 24 * time.Hour,
		},

		Lineage: LineageConfig{
			Dir:      "",
			MaxDepth: 10,
		},

		Health: HealthConfig{
			CacheTTL:         30 * time.Second,
			ResourceCacheTTL: 60 * time.Second,
			ProbeTimeout:     5 * time.Second,
		},

		Circuit: CircuitConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},

		Query: QueryConfig{
			DefaultTimeout: 120 * time.Second,
			MaxTimeout:     3600 * time.Second,
			MaxPreviewRows: 1000,
			MaxResultRows:  10000,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given path, layering it over defaults
// and then applying environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = filepath.Join(".snowscope", "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies the recognized environment variable set.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SNOWFLAKE_PROFILE"); v != "" {
		c.Snowflake.Profile = v
	}
	if v := os.Getenv("SNOWFLAKE_WAREHOUSE"); v != "" {
		c.Snowflake.Warehouse = v
	}
	if v := os.Getenv("SNOWFLAKE_DATABASE"); v != "" {
		c.Snowflake.Database = v
	}
	if v := os.Getenv("SNOWFLAKE_SCHEMA"); v != "" {
		c.Snowflake.Schema = v
	}
	if v := os.Getenv("SNOWFLAKE_ROLE"); v != "" {
		c.Snowflake.Role = v
	}
	if v := os.Getenv("CATALOG_DIR"); v != "" {
		c.Catalog.Dir = v
	}
	if v := os.Getenv("LINEAGE_DIR"); v != "" {
		c.Lineage.Dir = v
	}
	if v, ok := envSeconds("HEALTH_CACHE_TTL"); ok {
		c.Health.CacheTTL = v
	}
	if v, ok := envSeconds("RESOURCE_CACHE_TTL"); ok {
		c.Health.ResourceCacheTTL = v
	}
	if v, ok := envInt("CIRCUIT_FAILURE_THRESHOLD"); ok {
		c.Circuit.FailureThreshold = v
	}
	if v, ok := envSeconds("CIRCUIT_RECOVERY_TIMEOUT"); ok {
		c.Circuit.RecoveryTimeout = v
	}
	if v, ok := envInt("MAX_CONCURRENCY"); ok {
		c.Catalog.MaxConcurrency = v
	}
	if v, ok := envInt("ACCOUNT_USAGE_SAFETY_MARGIN"); ok {
		c.Catalog.AccountUsageSafetyMargin = time.Duration(v) * time.Hour
	}
	if v, ok := envInt("FULL_REFRESH_THRESHOLD"); ok {
		c.Catalog.FullRefreshThreshold = time.Duration(v) * 24 * time.Hour
	}
	if v := os.Getenv("CORTEX_ENABLED"); v != "" {
		c.Health.CortexEnabled = v == "1" || v == "true"
	}
}

// Validate checks ranges and required relationships.
func (c *Config) Validate() error {
	if c.Snowflake.Profile == "" {
		return fmt.Errorf("snowflake.profile must not be empty")
	}
	if c.Catalog.MaxConcurrency < 1 {
		c.Catalog.MaxConcurrency = 1
	}
	if c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("circuit.failure_threshold must be >= 1, got %d", c.Circuit.FailureThreshold)
	}
	if c.Circuit.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit.recovery_timeout must be positive, got %v", c.Circuit.RecoveryTimeout)
	}
	if c.Query.DefaultTimeout <= 0 || c.Query.DefaultTimeout > c.Query.MaxTimeout {
		return fmt.Errorf("query.default_timeout %v out of range (max %v)", c.Query.DefaultTimeout, c.Query.MaxTimeout)
	}
	if c.Query.MaxPreviewRows < 1 {
		return fmt.Errorf("query.max_preview_rows must be >= 1, got %d", c.Query.MaxPreviewRows)
	}
	if c.Health.CacheTTL <= 0 || c.Health.ResourceCacheTTL <= 0 {
		return fmt.Errorf("health cache TTLs must be positive")
	}
	return nil
}

func envSeconds(key string) (time.Duration, bool) {
	v, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(v) * time.Second, true
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[config] Warning: ignoring %s=%q: %v\n", key, raw, err)
		return 0, false
	}
	return n, true
}

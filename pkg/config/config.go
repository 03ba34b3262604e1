package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for query-sandbox.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3470"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Authentication configuration
	Auth AuthConfig `yaml:"auth"`

	// Control-plane database (PostgreSQL): schema maps, grants, requests,
	// checkpoints, performance metrics.
	Database DatabaseConfig `yaml:"database"`

	// Redis backs the durable tier of the query result cache.
	Redis RedisConfig `yaml:"redis"`

	// Sandbox tuning knobs.
	Validator ValidatorConfig `yaml:"validator"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Risk      RiskConfig      `yaml:"risk"`
	Cache     CacheConfig     `yaml:"cache"`
	Executor  ExecutorConfig  `yaml:"executor"`
}

// AuthConfig holds agent-authentication configuration.
type AuthConfig struct {
	// EnableVerification controls whether agent JWTs are validated.
	// Set to false for local development without an auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"sandbox"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"query_sandbox"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis configuration for the cache tier.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// ValidatorConfig holds the query-shape limits.
type ValidatorConfig struct {
	// SensitiveReadLimit is injected on sensitive-entity reads in permissive mode.
	SensitiveReadLimit int `yaml:"sensitive_read_limit" env:"VALIDATOR_SENSITIVE_READ_LIMIT" env-default:"50"`
	// DefaultListLimit is injected on unscoped list reads in permissive mode.
	DefaultListLimit int `yaml:"default_list_limit" env:"VALIDATOR_DEFAULT_LIST_LIMIT" env-default:"100"`
	// MaxListLimit is the hard ceiling for explicit result limits.
	MaxListLimit int `yaml:"max_list_limit" env:"VALIDATOR_MAX_LIST_LIMIT" env-default:"1000"`
}

// RateLimitConfig holds per-agent admission limits. Daily quotas come from
// the agent's grants; these are the global knobs around them.
type RateLimitConfig struct {
	// BurstLimit is the fixed ceiling of requests per agent in the trailing
	// burst window, regardless of the daily quota.
	BurstLimit int `yaml:"burst_limit" env:"RATE_LIMIT_BURST" env-default:"20"`
	// BurstWindow is the trailing window for the burst counter.
	BurstWindow time.Duration `yaml:"burst_window" env:"RATE_LIMIT_BURST_WINDOW" env-default:"5m"`
	// WarnFraction of the daily quota at which admissions start carrying a warning.
	WarnFraction float64 `yaml:"warn_fraction" env:"RATE_LIMIT_WARN_FRACTION" env-default:"0.8"`
}

// RiskConfig holds the risk-scoring tuning values. These are product-tuning
// numbers, deliberately configurable rather than hard-coded.
type RiskConfig struct {
	BaseConfidence        float64 `yaml:"base_confidence" env:"RISK_BASE_CONFIDENCE" env-default:"0.8"`
	WarningPenalty        float64 `yaml:"warning_penalty" env:"RISK_WARNING_PENALTY" env-default:"0.05"`
	MutationPenalty       float64 `yaml:"mutation_penalty" env:"RISK_MUTATION_PENALTY" env-default:"0.2"`
	DeepIncludePenalty    float64 `yaml:"deep_include_penalty" env:"RISK_DEEP_INCLUDE_PENALTY" env-default:"0.1"`
	DeepIncludeThreshold  int     `yaml:"deep_include_threshold" env:"RISK_DEEP_INCLUDE_THRESHOLD" env-default:"2"`
	AutoApproveConfidence float64 `yaml:"auto_approve_confidence" env:"RISK_AUTO_APPROVE_CONFIDENCE" env-default:"0.7"`
}

// CacheConfig holds the query result cache settings.
type CacheConfig struct {
	// MaxEntries bounds the in-process tier; eviction removes entries
	// nearest expiry first.
	MaxEntries int `yaml:"max_entries" env:"CACHE_MAX_ENTRIES" env-default:"1024"`
	// MaxValueBytes is the serialized-size ceiling above which results are
	// never cached.
	MaxValueBytes int `yaml:"max_value_bytes" env:"CACHE_MAX_VALUE_BYTES" env-default:"262144"`
	// ListTTL applies to findMany/count/aggregate results; list results
	// churn faster than point lookups.
	ListTTL time.Duration `yaml:"list_ttl" env:"CACHE_LIST_TTL" env-default:"1m"`
	// LookupTTL applies to findUnique/findFirst results.
	LookupTTL time.Duration `yaml:"lookup_ttl" env:"CACHE_LOOKUP_TTL" env-default:"5m"`
}

// ExecutorConfig holds execution-engine settings.
type ExecutorConfig struct {
	// Timeout is the hard per-query deadline.
	Timeout time.Duration `yaml:"timeout" env:"EXECUTOR_TIMEOUT" env-default:"30s"`
	// MaxResultRows truncates oversized array results (with a warning).
	MaxResultRows int `yaml:"max_result_rows" env:"EXECUTOR_MAX_RESULT_ROWS" env-default:"1000"`
	// SlowThreshold flags executions slower than this in the metrics.
	SlowThreshold time.Duration `yaml:"slow_threshold" env:"EXECUTOR_SLOW_THRESHOLD" env-default:"2s"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{Version: version}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	cfg.Auth.JWKSEndpoints = parseJWKSEndpoints(cfg.Auth.JWKSEndpointsStr)
	return cfg, nil
}

// parseJWKSEndpoints parses the JWKS endpoints string into a map.
// Format: "issuer1=url1,issuer2=url2"
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}
	for _, pair := range strings.Split(value, ",") {
		parts := strings.Split(pair, "=")
		if len(parts) == 2 {
			endpoints[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return endpoints
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Package config provides configuration loading and hot reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cataldij/quotacache/domain/cache"
	"github.com/cataldij/quotacache/domain/ratelimit"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Limits  LimitsConfig  `yaml:"limits"`
	Cache   CacheConfig   `yaml:"cache"`
	Usage   UsageConfig   `yaml:"usage"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StoreConfig selects the event and cache store backend.
type StoreConfig struct {
	Driver string      `yaml:"driver"` // "sqlite", "postgres", "mysql", "redis" or "memory"
	DSN    string      `yaml:"dsn"`
	Redis  RedisConfig `yaml:"redis,omitempty"`

	// EventRetention is used by `prune` and as the Redis event-set expiry.
	// Zero keeps events forever; otherwise it must cover the longest window.
	EventRetention time.Duration `yaml:"event_retention"`
}

// RedisConfig configures the redis driver.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LimitsConfig configures quota enforcement.
type LimitsConfig struct {
	FailurePolicy string         `yaml:"failure_policy"` // "open" or "closed"
	StoreTimeout  time.Duration  `yaml:"store_timeout"`  // 0 = caller deadline only
	Policies      []PolicyConfig `yaml:"policies"`
}

// PolicyConfig is one window policy.
type PolicyConfig struct {
	Operation     string `yaml:"operation"`
	MaxEvents     int    `yaml:"max_events"`
	WindowSeconds int    `yaml:"window_seconds"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Namespace  string        `yaml:"namespace"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	Epoch      string        `yaml:"epoch"` // "day", "hour" or "none"
}

// UsageConfig configures the usage recorder.
type UsageConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: /metrics
}

// TracingConfig configures OpenTelemetry trace export.
type TracingConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Exporter     string        `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint     string        `yaml:"endpoint"` // default: localhost:4317
	Insecure     bool          `yaml:"insecure"`
	SamplingRate float64       `yaml:"sampling_rate"` // default 1
	ServiceName  string        `yaml:"service_name"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Load reads configuration from a YAML file.
// ${VAR} references are expanded and QUOTACACHE_* variables override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv builds configuration from QUOTACACHE_* variables alone.
func LoadFromEnv() (*Config, error) {
	var cfg Config

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback loads path if it exists, otherwise falls back to the
// environment when QUOTACACHE_POLICIES is set.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	if HasEnvConfig() {
		return LoadFromEnv()
	}

	return nil, fmt.Errorf("no configuration found: provide a config file or set QUOTACACHE_POLICIES")
}

// HasEnvConfig reports whether the environment alone can configure the service.
func HasEnvConfig() bool {
	return os.Getenv("QUOTACACHE_POLICIES") != ""
}

func applyEnvOverrides(cfg *Config) error {
	// Server
	if v := os.Getenv("QUOTACACHE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("QUOTACACHE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("QUOTACACHE_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("QUOTACACHE_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	// Store
	if v := os.Getenv("QUOTACACHE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("QUOTACACHE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("QUOTACACHE_STORE_EVENT_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.EventRetention = d
		}
	}
	if v := os.Getenv("QUOTACACHE_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("QUOTACACHE_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
	if v := os.Getenv("QUOTACACHE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.Redis.DB = n
		}
	}
	if v := os.Getenv("QUOTACACHE_REDIS_PREFIX"); v != "" {
		cfg.Store.Redis.Prefix = v
	}

	// Limits
	if v := os.Getenv("QUOTACACHE_FAILURE_POLICY"); v != "" {
		cfg.Limits.FailurePolicy = v
	}
	if v := os.Getenv("QUOTACACHE_STORE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limits.StoreTimeout = d
		}
	}
	if v := os.Getenv("QUOTACACHE_POLICIES"); v != "" {
		policies, err := ParsePolicies(v)
		if err != nil {
			return fmt.Errorf("QUOTACACHE_POLICIES: %w", err)
		}
		cfg.Limits.Policies = policies
	}

	// Cache
	if v := os.Getenv("QUOTACACHE_CACHE_NAMESPACE"); v != "" {
		cfg.Cache.Namespace = v
	}
	if v := os.Getenv("QUOTACACHE_CACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.DefaultTTL = d
		}
	}
	if v := os.Getenv("QUOTACACHE_CACHE_EPOCH"); v != "" {
		cfg.Cache.Epoch = v
	}

	// Usage
	if v := os.Getenv("QUOTACACHE_USAGE_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Usage.WriteTimeout = d
		}
	}

	// Logging
	if v := os.Getenv("QUOTACACHE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QUOTACACHE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics
	if v := os.Getenv("QUOTACACHE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("QUOTACACHE_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}

	// Tracing
	if v := os.Getenv("QUOTACACHE_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("QUOTACACHE_TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = v
	}
	if v := os.Getenv("QUOTACACHE_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("QUOTACACHE_TRACING_INSECURE"); v != "" {
		cfg.Tracing.Insecure = parseBool(v)
	}
	if v := os.Getenv("QUOTACACHE_TRACING_SAMPLING_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SamplingRate = f
		}
	}

	return nil
}

// ParsePolicies parses "operation=max/windowSeconds" entries separated by
// commas, e.g. "search=100/86400,image=10/60".
func ParsePolicies(s string) ([]PolicyConfig, error) {
	var out []PolicyConfig
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		op, rest, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("policy %q: want operation=max/window", part)
		}
		maxStr, windowStr, ok := strings.Cut(rest, "/")
		if !ok {
			return nil, fmt.Errorf("policy %q: want operation=max/window", part)
		}
		maxEvents, err := strconv.Atoi(strings.TrimSpace(maxStr))
		if err != nil {
			return nil, fmt.Errorf("policy %q: max_events: %w", part, err)
		}
		window, err := strconv.Atoi(strings.TrimSpace(windowStr))
		if err != nil {
			return nil, fmt.Errorf("policy %q: window_seconds: %w", part, err)
		}
		out = append(out, PolicyConfig{
			Operation:     strings.TrimSpace(op),
			MaxEvents:     maxEvents,
			WindowSeconds: window,
		})
	}
	return out, nil
}

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	// Server
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	// Store
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.DSN == "" {
		cfg.Store.DSN = "quotacache.db"
	}
	if cfg.Store.Redis.Prefix == "" {
		cfg.Store.Redis.Prefix = "quotacache"
	}

	// Limits
	if cfg.Limits.FailurePolicy == "" {
		cfg.Limits.FailurePolicy = string(ratelimit.FailOpen)
	}

	// Cache
	if cfg.Cache.Namespace == "" {
		cfg.Cache.Namespace = "cache"
	}
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = 24 * time.Hour
	}
	if cfg.Cache.Epoch == "" {
		cfg.Cache.Epoch = string(cache.GranularityDay)
	}

	// Usage
	if cfg.Usage.WriteTimeout == 0 {
		cfg.Usage.WriteTimeout = 5 * time.Second
	}

	// Logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Metrics
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Tracing
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "otlp"
	}
	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = "localhost:4317"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "quotacache"
	}
	if cfg.Tracing.Timeout == 0 {
		cfg.Tracing.Timeout = 10 * time.Second
	}
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{
		"sqlite": true, "postgres": true, "mysql": true, "redis": true, "memory": true,
	}
	if !validDrivers[cfg.Store.Driver] {
		return fmt.Errorf("store.driver must be one of: sqlite, postgres, mysql, redis, memory; got %q", cfg.Store.Driver)
	}
	if (cfg.Store.Driver == "postgres" || cfg.Store.Driver == "mysql") && cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required when store.driver is %q", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "redis" && cfg.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr is required when store.driver is 'redis'")
	}
	if cfg.Store.EventRetention < 0 {
		return fmt.Errorf("store.event_retention must not be negative")
	}

	if _, err := cfg.FailurePolicy(); err != nil {
		return fmt.Errorf("limits.failure_policy: %w", err)
	}
	if cfg.Limits.StoreTimeout < 0 {
		return fmt.Errorf("limits.store_timeout must not be negative")
	}
	if len(cfg.Limits.Policies) == 0 {
		return fmt.Errorf("limits.policies: at least one policy is required")
	}
	policies, err := cfg.Policies()
	if err != nil {
		return err
	}
	// Retention expires whole Redis event sets, so it must cover every window.
	if r, longest := cfg.Store.EventRetention, policies.LongestWindow(); r > 0 && r < longest {
		return fmt.Errorf("store.event_retention %s is shorter than the longest policy window %s", r, longest)
	}

	if !cache.Granularity(cfg.Cache.Epoch).Valid() {
		return fmt.Errorf("cache.epoch must be 'day', 'hour' or 'none', got %q", cfg.Cache.Epoch)
	}
	if cfg.Cache.DefaultTTL < 0 {
		return fmt.Errorf("cache.default_ttl must not be negative")
	}

	if cfg.Tracing.Exporter != "otlp" && cfg.Tracing.Exporter != "stdout" {
		return fmt.Errorf("tracing.exporter must be 'otlp' or 'stdout', got %q", cfg.Tracing.Exporter)
	}
	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0, 1], got %v", cfg.Tracing.SamplingRate)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	return nil
}

// Policies builds the immutable policy table. Invalid entries are reported
// with their index so startup fails loudly.
func (c *Config) Policies() (ratelimit.Policies, error) {
	list := make([]ratelimit.Policy, 0, len(c.Limits.Policies))
	for i, pc := range c.Limits.Policies {
		p, err := ratelimit.NewPolicy(pc.Operation, pc.MaxEvents, pc.WindowSeconds)
		if err != nil {
			return ratelimit.Policies{}, fmt.Errorf("limits.policies[%d]: %w", i, err)
		}
		list = append(list, p)
	}
	policies, err := ratelimit.NewPolicies(list...)
	if err != nil {
		return ratelimit.Policies{}, fmt.Errorf("limits.policies: %w", err)
	}
	return policies, nil
}

// FailurePolicy parses limits.failure_policy.
func (c *Config) FailurePolicy() (ratelimit.FailurePolicy, error) {
	return ratelimit.ParseFailurePolicy(c.Limits.FailurePolicy)
}

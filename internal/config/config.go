package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv      string
	DatabaseURL string
	DBMaxConns  int32
	RedisURL    string

	PriceCacheTTL    time.Duration
	PriceCachePrefix string

	RuleEvaluator string
	RulesFile     string

	StoreTimeout        time.Duration
	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration

	UsageRetryAttempts int
	UsageRetryBase     time.Duration
	UsageRetryJitter   float64

	UsageLockEnabled bool
	LockTTL          time.Duration
	LockRetryBackoff time.Duration

	QueueEnabled     bool
	QueueConcurrency int
	QueueMaxRetry    int

	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	MetricsAddr      string

	TracingEnabled       bool
	TracingExporter      string
	OTLPEndpoint         string
	TracingSamplingRatio float64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		DatabaseURL: strings.TrimSpace(k.String("DATABASE_URL")),
		DBMaxConns:  int32(parseInt(k.String("DB_MAX_CONNS"), 0)),
		RedisURL:    strings.TrimSpace(k.String("REDIS_URL")),

		PriceCacheTTL:    parseDuration(k.String("PRICE_CACHE_TTL"), "10m"),
		PriceCachePrefix: valueOrDefault(k.String("PRICE_CACHE_PREFIX"), "pricing"),

		RuleEvaluator: strings.ToLower(valueOrDefault(k.String("RULE_EVALUATOR"), "direct")),
		RulesFile:     strings.TrimSpace(k.String("RULES_FILE")),

		StoreTimeout:        parseDuration(k.String("STORE_TIMEOUT"), "750ms"),
		BreakerMinRequests:  parseInt(k.String("BREAKER_MIN_REQUESTS"), 5),
		BreakerFailureRatio: parseFloat(k.String("BREAKER_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:      parseDuration(k.String("BREAKER_OPEN_FOR"), "30s"),

		UsageRetryAttempts: parseInt(k.String("USAGE_RETRY_ATTEMPTS"), 3),
		UsageRetryBase:     parseDuration(k.String("USAGE_RETRY_BASE"), "100ms"),
		UsageRetryJitter:   parseFloat(k.String("USAGE_RETRY_JITTER"), 0.2),

		UsageLockEnabled: parseBool(k.String("USAGE_LOCK_ENABLED")),
		LockTTL:          parseDuration(k.String("LOCK_TTL"), "5s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "25ms"),

		QueueEnabled:     parseBool(k.String("QUEUE_ENABLED")),
		QueueConcurrency: parseInt(k.String("QUEUE_CONCURRENCY"), 5),
		QueueMaxRetry:    parseInt(k.String("QUEUE_MAX_RETRY"), 10),

		LogFormat:        strings.ToLower(valueOrDefault(k.String("OBS_LOG_FORMAT"), "json")),
		LogLevel:         strings.ToLower(valueOrDefault(k.String("OBS_LOG_LEVEL"), "info")),
		MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "pricing"),
		MetricsAddr:      valueOrDefault(k.String("METRICS_ADDR"), ":9090"),

		TracingEnabled:       parseBool(k.String("OBS_ENABLE_TRACING")),
		TracingExporter:      strings.ToLower(valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp")),
		OTLPEndpoint:         strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
		TracingSamplingRatio: parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.RuleEvaluator {
	case "direct", "jsonlogic":
	default:
		return fmt.Errorf("RULE_EVALUATOR must be direct or jsonlogic, got %q", c.RuleEvaluator)
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		return errors.New("BREAKER_FAILURE_RATIO must be in (0, 1]")
	}
	if c.UsageLockEnabled && c.RedisURL == "" {
		return errors.New("USAGE_LOCK_ENABLED requires REDIS_URL")
	}
	if c.QueueEnabled && c.RedisURL == "" {
		return errors.New("QUEUE_ENABLED requires REDIS_URL")
	}
	if c.TracingSamplingRatio < 0 || c.TracingSamplingRatio > 1 {
		return errors.New("OBS_TRACING_SAMPLING_RATIO must be in [0, 1]")
	}
	return nil
}

// UsesPostgres reports whether persistent stores are configured.
func (c *Config) UsesPostgres() bool { return c.DatabaseURL != "" }

// UsesRedis reports whether Redis backed cache, lock and queue are available.
func (c *Config) UsesRedis() bool { return c.RedisURL != "" }

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parseFloat(value string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}

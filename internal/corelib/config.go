package corelib

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process-wide configuration, assembled entirely from
// environment variables per spec §6. There is no config file by default;
// StageRegistry custom definitions may optionally be loaded from
// STAGE_DEFINITIONS_PATH (see internal/registry).
type Config struct {
	// EnabledProviders lists provider names to activate (ENABLED_PROVIDERS).
	EnabledProviders []string

	// ProviderAPIKeys maps provider name -> API key, sourced from
	// PROVIDER_<NAME>_API_KEY. A provider with no key is disabled.
	ProviderAPIKeys map[string]string

	// DemoMode controls the demo/mock provider: auto|enabled|disabled.
	DemoMode string

	// MaxConcurrentBuilds bounds the orchestrator's build worker pool.
	MaxConcurrentBuilds int

	// StagePoolSize bounds how many stages of one build may run concurrently
	// once their dependencies are satisfied (spec §4.3 "Ordering" - strict
	// sequential, pool size 1, is the safe default).
	StagePoolSize int

	// BuildTimeout is the wall-clock ceiling per build.
	BuildTimeout time.Duration

	// EventReplayBufferSize bounds the Event Stream Fabric's per-build ring buffer.
	EventReplayBufferSize int

	// EventReplayOnSubscribe bounds how many of those retained events a new
	// subscriber is replayed (spec §4.4 "replays the most recent N events ...
	// default 50"), independent of EventReplayBufferSize.
	EventReplayOnSubscribe int

	// HealthCheckInterval is how often the router polls provider health.
	HealthCheckInterval time.Duration

	// RedisAddr, when non-empty, backs the storage collaborator with Redis;
	// otherwise an in-memory store is used.
	RedisAddr string

	// HTTPAddr is the listen address for the HTTP + WebSocket server.
	HTTPAddr string

	// StageDefinitionsPath optionally points at a YAML file of custom stage
	// definitions, hot-reloaded via fsnotify.
	StageDefinitionsPath string

	// FailureRateWindow/FailureRateThreshold and DailyCostThresholdUSD
	// configure the Metrics & Audit Collector's two alert rules (spec §4.5).
	FailureRateWindow     time.Duration
	FailureRateThreshold  float64
	DailyCostThresholdUSD float64

	Logging LoggingConfig
}

// Load reads Config from the process environment, applying the defaults
// documented in spec §6.
func Load() (*Config, error) {
	cfg := &Config{
		ProviderAPIKeys:        map[string]string{},
		DemoMode:               orDefault(os.Getenv("DEMO_MODE"), "auto"),
		MaxConcurrentBuilds:    envInt("MAX_CONCURRENT_BUILDS", 4),
		StagePoolSize:          envInt("STAGE_POOL_SIZE", 1),
		BuildTimeout:           envDuration("BUILD_TIMEOUT_MS", 2*time.Hour),
		EventReplayBufferSize:  envInt("EVENT_REPLAY_BUFFER_SIZE", 1000),
		EventReplayOnSubscribe: envInt("EVENT_REPLAY_ON_SUBSCRIBE", 50),
		HealthCheckInterval:    envDuration("HEALTH_CHECK_INTERVAL_MS", 60*time.Second),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		HTTPAddr:               orDefault(os.Getenv("HTTP_ADDR"), ":8080"),
		StageDefinitionsPath:   os.Getenv("STAGE_DEFINITIONS_PATH"),
		FailureRateWindow:      envDuration("FAILURE_RATE_WINDOW_MS", 15*time.Minute),
		FailureRateThreshold:   envFloat("FAILURE_RATE_THRESHOLD", 0.5),
		DailyCostThresholdUSD:  envFloat("DAILY_COST_THRESHOLD_USD", 100),
		Logging: LoggingConfig{
			Level:  orDefault(os.Getenv("LOG_LEVEL"), "info"),
			Format: orDefault(os.Getenv("LOG_FORMAT"), "json"),
			Output: orDefault(os.Getenv("LOG_OUTPUT"), "stdout"),
		},
	}

	if raw := os.Getenv("ENABLED_PROVIDERS"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				cfg.EnabledProviders = append(cfg.EnabledProviders, name)
			}
		}
	}

	for _, name := range cfg.EnabledProviders {
		key := fmt.Sprintf("PROVIDER_%s_API_KEY", strings.ToUpper(name))
		if v := os.Getenv(key); v != "" {
			cfg.ProviderAPIKeys[name] = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// downstream failures.
func (c *Config) Validate() error {
	switch c.DemoMode {
	case "auto", "enabled", "disabled":
	default:
		return fmt.Errorf("%w: DEMO_MODE must be auto|enabled|disabled, got %q", ErrInvalidDefinition, c.DemoMode)
	}
	if c.MaxConcurrentBuilds < 1 {
		return fmt.Errorf("%w: MAX_CONCURRENT_BUILDS must be >= 1", ErrInvalidDefinition)
	}
	if c.StagePoolSize < 1 {
		return fmt.Errorf("%w: STAGE_POOL_SIZE must be >= 1", ErrInvalidDefinition)
	}
	if c.EventReplayBufferSize < 1 {
		return fmt.Errorf("%w: EVENT_REPLAY_BUFFER_SIZE must be >= 1", ErrInvalidDefinition)
	}
	if c.EventReplayOnSubscribe < 1 {
		return fmt.Errorf("%w: EVENT_REPLAY_ON_SUBSCRIBE must be >= 1", ErrInvalidDefinition)
	}
	return nil
}

// HasRealProviders reports whether any provider has a configured API key -
// used to auto-detect demo mode per spec §4.2.
func (c *Config) HasRealProviders() bool {
	return len(c.ProviderAPIKeys) > 0
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

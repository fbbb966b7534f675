// Package config provides configuration management for OpenAgents.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all server-level configuration sections for OpenAgents.
// Network-specific settings (transports, mods, workspace) come from the
// network descriptor; see descriptor.go.
type Config struct {
	Bus      BusConfig      `mapstructure:"bus"`
	Router   RouterConfig   `mapstructure:"router"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Topology TopologyConfig `mapstructure:"topology"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// BusConfig holds internal event bus configuration.
// An empty URL selects the in-memory bus; a NATS URL selects the NATS-backed bus.
type BusConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RouterConfig holds event router configuration.
type RouterConfig struct {
	EmitBuffer   int `mapstructure:"emitBuffer"`   // capacity of the mod emission queue
	DrainTimeout int `mapstructure:"drainTimeout"` // in seconds
}

// QueueConfig holds per-agent outbound queue configuration.
type QueueConfig struct {
	Capacity      int `mapstructure:"capacity"`
	PollMax       int `mapstructure:"pollMax"`       // default batch size when the poller omits max
	PollMaxLimit  int `mapstructure:"pollMaxLimit"`  // hard cap on batch size
	PollWaitLimit int `mapstructure:"pollWaitLimit"` // hard cap on wait_ms
}

// TopologyConfig holds agent registry configuration.
type TopologyConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // in seconds
	HeartbeatFactor   int `mapstructure:"heartbeatFactor"`   // timeout = interval * factor
	SweepInterval     int `mapstructure:"sweepInterval"`     // in seconds
	ClaimTTL          int `mapstructure:"claimTtl"`          // agent-id reservation, in seconds
}

// AuthConfig holds transport authentication configuration.
// An empty token disables the bearer check on the HTTP transport unless the
// network descriptor sets one per transport.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DrainTimeoutDuration returns the router drain timeout as a time.Duration.
func (r *RouterConfig) DrainTimeoutDuration() time.Duration {
	return time.Duration(r.DrainTimeout) * time.Second
}

// PollWaitLimitDuration returns the long-poll wait cap as a time.Duration.
func (q *QueueConfig) PollWaitLimitDuration() time.Duration {
	return time.Duration(q.PollWaitLimit) * time.Millisecond
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (t *TopologyConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(t.HeartbeatInterval) * time.Second
}

// HeartbeatTimeoutDuration returns the liveness eviction threshold.
func (t *TopologyConfig) HeartbeatTimeoutDuration() time.Duration {
	return t.HeartbeatIntervalDuration() * time.Duration(t.HeartbeatFactor)
}

// SweepIntervalDuration returns the sweeper period as a time.Duration.
func (t *TopologyConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(t.SweepInterval) * time.Second
}

// ClaimTTLDuration returns the agent-id reservation TTL as a time.Duration.
func (t *TopologyConfig) ClaimTTLDuration() time.Duration {
	return time.Duration(t.ClaimTTL) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("OPENAGENTS_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Bus defaults - empty URL means use the in-memory bus
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.clientId", "openagents")
	v.SetDefault("bus.maxReconnects", 10)

	// Router defaults
	v.SetDefault("router.emitBuffer", 256)
	v.SetDefault("router.drainTimeout", 10)

	// Queue defaults
	v.SetDefault("queue.capacity", 1000)
	v.SetDefault("queue.pollMax", 10)
	v.SetDefault("queue.pollMaxLimit", 100)
	v.SetDefault("queue.pollWaitLimit", 30000)

	// Topology defaults - timeout is interval * factor
	v.SetDefault("topology.heartbeatInterval", 30)
	v.SetDefault("topology.heartbeatFactor", 3)
	v.SetDefault("topology.sweepInterval", 10)
	v.SetDefault("topology.claimTtl", 30)

	// Auth defaults - empty token disables the bearer check
	v.SetDefault("auth.token", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OPENAGENTS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/openagents/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("OPENAGENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("bus.url", "OPENAGENTS_BUS_NATS_URL", "OPENAGENTS_BUS_URL")
	_ = v.BindEnv("auth.token", "OPENAGENTS_AUTH_TOKEN")
	_ = v.BindEnv("topology.heartbeatInterval", "OPENAGENTS_TOPOLOGY_HEARTBEAT_INTERVAL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/openagents/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Router.EmitBuffer <= 0 {
		errs = append(errs, "router.emitBuffer must be positive")
	}
	if cfg.Router.DrainTimeout <= 0 {
		errs = append(errs, "router.drainTimeout must be positive")
	}

	if cfg.Queue.Capacity <= 0 {
		errs = append(errs, "queue.capacity must be positive")
	}
	if cfg.Queue.PollMax <= 0 {
		errs = append(errs, "queue.pollMax must be positive")
	}
	if cfg.Queue.PollMaxLimit < cfg.Queue.PollMax {
		errs = append(errs, "queue.pollMaxLimit must be at least queue.pollMax")
	}
	if cfg.Queue.PollWaitLimit <= 0 {
		errs = append(errs, "queue.pollWaitLimit must be positive")
	}

	if cfg.Topology.HeartbeatInterval <= 0 {
		errs = append(errs, "topology.heartbeatInterval must be positive")
	}
	if cfg.Topology.HeartbeatFactor < 1 {
		errs = append(errs, "topology.heartbeatFactor must be at least 1")
	}
	if cfg.Topology.SweepInterval <= 0 {
		errs = append(errs, "topology.sweepInterval must be positive")
	}
	if cfg.Topology.ClaimTTL <= 0 {
		errs = append(errs, "topology.claimTtl must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

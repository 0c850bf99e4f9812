// Package config provides configuration for the fleet controller.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the fleet controller configuration.
type Config struct {
	// Server settings
	HTTPPort     int `mapstructure:"http_port"`
	InternalPort int `mapstructure:"internal_port"`
	RPCPort      int `mapstructure:"rpc_port"`

	// OperatorToken guards the operator API; empty leaves it open.
	OperatorToken string `mapstructure:"operator_token"`

	// Database
	DatabaseURL string `mapstructure:"database_url"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	// Liveness
	CheckinExpectedInterval time.Duration `mapstructure:"checkin_expected_interval"`
	LivenessTimeout         time.Duration `mapstructure:"liveness_timeout"`
	LivenessSweepInterval   time.Duration `mapstructure:"liveness_sweep_interval"`

	// Commands
	CommandTimeout       time.Duration `mapstructure:"command_timeout"`
	CommandSweepInterval time.Duration `mapstructure:"command_sweep_interval"`
	CommandRetention     time.Duration `mapstructure:"command_retention"`
	CommandArchiveSize   int           `mapstructure:"command_archive_size"`
	CommandVerbsFile     string        `mapstructure:"command_verbs"`
	CommandPolicyFile    string        `mapstructure:"command_policy"`
	MaxBroadcastTargets  int           `mapstructure:"max_broadcast_targets"`
	DeliveryWorkers      int           `mapstructure:"delivery_workers"`

	// Event bus
	EventReplayBufferSize int `mapstructure:"event_replay_buffer_size"`
	SubscriberQueueDepth  int `mapstructure:"subscriber_queue_depth"`
	JournalQueueDepth     int `mapstructure:"journal_queue_depth"`

	// Ingest
	AlertPriorityThreshold int           `mapstructure:"alert_priority_threshold"`
	ReportCategories       []string      `mapstructure:"report_categories"`
	ThroughputWindow       time.Duration `mapstructure:"throughput_window"`

	// NATS push delivery; empty disables it and agents pull on check-in.
	NATSURL string `mapstructure:"nats_url"`

	// WebSocket settings
	WSPingInterval   time.Duration `mapstructure:"ws_ping_interval"`
	WSWriteTimeout   time.Duration `mapstructure:"ws_write_timeout"`
	WSReadTimeout    time.Duration `mapstructure:"ws_read_timeout"`
	WSMaxMessageSize int64         `mapstructure:"ws_max_message_size"`
}

// EffectiveLivenessTimeout returns the configured timeout, or five expected
// check-in intervals when none is set.
func (c *Config) EffectiveLivenessTimeout() time.Duration {
	if c.LivenessTimeout > 0 {
		return c.LivenessTimeout
	}
	return 5 * c.CheckinExpectedInterval
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := load(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load loads configuration from defaults, an optional YAML file named by
// FLEET_CONFIG, and FLEET_-prefixed environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	_ = v.BindEnv("config")
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// Unmarshal only sees env overrides for keys it already knows about.
	for _, key := range v.AllKeys() {
		_ = v.BindEnv(key)
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Env values for slices arrive as one comma-separated string.
	cfg.ReportCategories = splitList(strings.Join(cfg.ReportCategories, ","))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := map[string]interface{}{
		"http_port":                 8080,
		"rpc_port":                  8081,
		"internal_port":             8082,
		"operator_token":            "",
		"database_url":              "file:fleet.db?cache=shared&mode=rwc",
		"log_level":                 "info",
		"log_format":                "text",
		"log_file":                  "",
		"checkin_expected_interval": 60 * time.Second,
		"liveness_timeout":          time.Duration(0),
		"liveness_sweep_interval":   60 * time.Second,
		"command_timeout":           300 * time.Second,
		"command_sweep_interval":    5 * time.Second,
		"command_retention":         time.Hour,
		"command_archive_size":      10000,
		"command_verbs":             "",
		"command_policy":            "",
		"max_broadcast_targets":     500,
		"delivery_workers":          4,
		"event_replay_buffer_size":  1000,
		"subscriber_queue_depth":    1000,
		"journal_queue_depth":       10000,
		"alert_priority_threshold":  4,
		"report_categories":         []string{"telemetry", "inventory", "health", "log", "security"},
		"throughput_window":         60 * time.Second,
		"nats_url":                  "",
		"ws_ping_interval":          30 * time.Second,
		"ws_write_timeout":          10 * time.Second,
		"ws_read_timeout":           60 * time.Second,
		"ws_max_message_size":       65536,
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	positive := map[string]int64{
		"event_replay_buffer_size":  int64(c.EventReplayBufferSize),
		"subscriber_queue_depth":    int64(c.SubscriberQueueDepth),
		"journal_queue_depth":       int64(c.JournalQueueDepth),
		"command_archive_size":      int64(c.CommandArchiveSize),
		"max_broadcast_targets":     int64(c.MaxBroadcastTargets),
		"checkin_expected_interval": int64(c.CheckinExpectedInterval),
		"liveness_sweep_interval":   int64(c.LivenessSweepInterval),
		"command_timeout":           int64(c.CommandTimeout),
		"command_sweep_interval":    int64(c.CommandSweepInterval),
		"throughput_window":         int64(c.ThroughputWindow),
	}
	for name, val := range positive {
		if val <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	ports := map[string]int{"http_port": c.HTTPPort, "internal_port": c.InternalPort, "rpc_port": c.RPCPort}
	seen := make(map[int]string, len(ports))
	for name, port := range ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535", name)
		}
		if other, dup := seen[port]; dup {
			return fmt.Errorf("%s and %s must differ", other, name)
		}
		seen[port] = name
	}
	if c.LivenessTimeout < 0 {
		return fmt.Errorf("liveness_timeout must not be negative")
	}
	if c.DeliveryWorkers < 0 {
		return fmt.Errorf("delivery_workers must not be negative")
	}
	if c.AlertPriorityThreshold < 1 || c.AlertPriorityThreshold > 5 {
		return fmt.Errorf("alert_priority_threshold must be between 1 and 5")
	}
	if len(c.ReportCategories) == 0 {
		return fmt.Errorf("report_categories must not be empty")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

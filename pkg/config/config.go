// Package config provides YAML-based configuration loading for the
// wildcam transport node.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the node
	AppName string `mapstructure:"app_name"`

	// DataDir base directory for persistent data (link history snapshot)
	DataDir string `mapstructure:"data_dir"`

	// NodeID is the local node identifier announced to gateways
	NodeID string `mapstructure:"node_id"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Links configures the available link adapters
	Links []LinkConfig `mapstructure:"links"`

	// Selection tunes candidate scanning and scoring
	Selection SelectionConfig `mapstructure:"selection"`

	// Fallback tunes the automatic failover state machine
	Fallback FallbackConfig `mapstructure:"fallback"`

	// Delivery tunes retries, shaping and cost caps
	Delivery DeliveryConfig `mapstructure:"delivery"`

	// Health tunes link quality monitoring
	Health HealthConfig `mapstructure:"health"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SelectionConfig tunes candidate scanning and scoring.
type SelectionConfig struct {
	// WiFiRSSIThresholdDBm below this a wifi network is not a candidate
	WiFiRSSIThresholdDBm float64 `mapstructure:"wifi_rssi_threshold_dbm"`
	// LoRaRSSIThresholdDBm below this a lora gateway is not a candidate
	LoRaRSSIThresholdDBm float64 `mapstructure:"lora_rssi_threshold_dbm"`
	// PreferredLink gets a score bonus: wifi, lora, cellular, satellite
	PreferredLink string `mapstructure:"preferred_link"`
	// ScanTimeoutMs bounds one candidate scan
	ScanTimeoutMs int `mapstructure:"scan_timeout_ms"`
	// MaxCandidateAgeMs expires stale scan results
	MaxCandidateAgeMs int `mapstructure:"max_candidate_age_ms"`
	// HysteresisMargin a new link must beat the active score by this much
	HysteresisMargin float64 `mapstructure:"hysteresis_margin"`
}

// FallbackConfig tunes the failover state machine.
type FallbackConfig struct {
	// AutoFallbackEnabled disables automatic switching when false;
	// RequestSwitch still works
	AutoFallbackEnabled bool `mapstructure:"auto_fallback_enabled"`
	// AllowDualMode keeps a secondary link alive for critical traffic
	AllowDualMode bool `mapstructure:"allow_dual_mode"`
	// SwitchDebounceMs minimum gap between automatic switches
	SwitchDebounceMs int `mapstructure:"switch_debounce_ms"`
	// ConnectionTimeoutMs per connect attempt
	ConnectionTimeoutMs int `mapstructure:"connection_timeout_ms"`
	// MaxReconnectAttempts per candidate before falling back further
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
	// OptimizeIntervalMs between background better-link scans
	OptimizeIntervalMs int `mapstructure:"optimize_interval_ms"`
}

// DeliveryConfig tunes retries, shaping and cost caps.
type DeliveryConfig struct {
	// MaxRetries per transmission before a terminal failure
	MaxRetries int `mapstructure:"max_retries"`
	// InitialRetryDelayMs base for exponential backoff
	InitialRetryDelayMs int `mapstructure:"initial_retry_delay_ms"`
	// MaxRetryDelayMs backoff ceiling
	MaxRetryDelayMs int `mapstructure:"max_retry_delay_ms"`
	// AckTimeoutMs per transmitted chunk, scaled by link class
	AckTimeoutMs int `mapstructure:"ack_timeout_ms"`
	// QueueCapacity bounds pending transmissions across all priorities
	QueueCapacity int `mapstructure:"queue_capacity"`
	// BandwidthLimitBytesPerSec shapes non-critical traffic, 0 unlimited
	BandwidthLimitBytesPerSec int64 `mapstructure:"bandwidth_limit_bytes_per_sec"`
	// MaxDailyCost caps metered spend per calendar day, 0 uncapped
	MaxDailyCost float64 `mapstructure:"max_daily_cost"`
	// MaxDailyMessages caps metered messages per calendar day, 0 uncapped
	MaxDailyMessages int `mapstructure:"max_daily_messages"`
}

// HealthConfig tunes link quality monitoring.
type HealthConfig struct {
	// CheckIntervalMs between metric refreshes
	CheckIntervalMs int `mapstructure:"check_interval_ms"`
	// WindowSize transmissions considered for loss/latency metrics
	WindowSize int `mapstructure:"window_size"`
	// MaxLossRate above this the link is degraded
	MaxLossRate float64 `mapstructure:"max_loss_rate"`
	// MaxLatencyMs above this the link is degraded
	MaxLatencyMs int `mapstructure:"max_latency_ms"`
	// MinRSSIDBm below this the link is degraded
	MinRSSIDBm float64 `mapstructure:"min_rssi_dbm"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "wildcam-node",
		DataDir: "./data",
		NodeID:  "camera-1",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/wildcam.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Links: []LinkConfig{
			{Kind: "wifi", Remote: "192.168.1.1:7788"},
		},
		Selection: SelectionConfig{
			WiFiRSSIThresholdDBm: -75,
			LoRaRSSIThresholdDBm: -110,
			PreferredLink:        "wifi",
			ScanTimeoutMs:        10000,
			MaxCandidateAgeMs:    300000,
			HysteresisMargin:     0.1,
		},
		Fallback: FallbackConfig{
			AutoFallbackEnabled:  true,
			AllowDualMode:        false,
			SwitchDebounceMs:     5000,
			ConnectionTimeoutMs:  15000,
			MaxReconnectAttempts: 5,
			OptimizeIntervalMs:   60000,
		},
		Delivery: DeliveryConfig{
			MaxRetries:                3,
			InitialRetryDelayMs:       1000,
			MaxRetryDelayMs:           300000,
			AckTimeoutMs:              10000,
			QueueCapacity:             64,
			BandwidthLimitBytesPerSec: 0,
			MaxDailyCost:              0,
			MaxDailyMessages:          0,
		},
		Health: HealthConfig{
			CheckIntervalMs: 30000,
			WindowSize:      50,
			MaxLossRate:     0.25,
			MaxLatencyMs:    5000,
			MinRSSIDBm:      -90,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix WILDCAM and `.`/`-` are replaced with `_`.
// Example: WILDCAM_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("WILDCAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("links", cfg.Links)
	v.SetDefault("selection.wifi_rssi_threshold_dbm", cfg.Selection.WiFiRSSIThresholdDBm)
	v.SetDefault("selection.lora_rssi_threshold_dbm", cfg.Selection.LoRaRSSIThresholdDBm)
	v.SetDefault("selection.preferred_link", cfg.Selection.PreferredLink)
	v.SetDefault("selection.scan_timeout_ms", cfg.Selection.ScanTimeoutMs)
	v.SetDefault("selection.max_candidate_age_ms", cfg.Selection.MaxCandidateAgeMs)
	v.SetDefault("selection.hysteresis_margin", cfg.Selection.HysteresisMargin)
	v.SetDefault("fallback.auto_fallback_enabled", cfg.Fallback.AutoFallbackEnabled)
	v.SetDefault("fallback.allow_dual_mode", cfg.Fallback.AllowDualMode)
	v.SetDefault("fallback.switch_debounce_ms", cfg.Fallback.SwitchDebounceMs)
	v.SetDefault("fallback.connection_timeout_ms", cfg.Fallback.ConnectionTimeoutMs)
	v.SetDefault("fallback.max_reconnect_attempts", cfg.Fallback.MaxReconnectAttempts)
	v.SetDefault("fallback.optimize_interval_ms", cfg.Fallback.OptimizeIntervalMs)
	v.SetDefault("delivery.max_retries", cfg.Delivery.MaxRetries)
	v.SetDefault("delivery.initial_retry_delay_ms", cfg.Delivery.InitialRetryDelayMs)
	v.SetDefault("delivery.max_retry_delay_ms", cfg.Delivery.MaxRetryDelayMs)
	v.SetDefault("delivery.ack_timeout_ms", cfg.Delivery.AckTimeoutMs)
	v.SetDefault("delivery.queue_capacity", cfg.Delivery.QueueCapacity)
	v.SetDefault("delivery.bandwidth_limit_bytes_per_sec", cfg.Delivery.BandwidthLimitBytesPerSec)
	v.SetDefault("delivery.max_daily_cost", cfg.Delivery.MaxDailyCost)
	v.SetDefault("delivery.max_daily_messages", cfg.Delivery.MaxDailyMessages)
	v.SetDefault("health.check_interval_ms", cfg.Health.CheckIntervalMs)
	v.SetDefault("health.window_size", cfg.Health.WindowSize)
	v.SetDefault("health.max_loss_rate", cfg.Health.MaxLossRate)
	v.SetDefault("health.max_latency_ms", cfg.Health.MaxLatencyMs)
	v.SetDefault("health.min_rssi_dbm", cfg.Health.MinRSSIDBm)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("WILDCAM_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `wildcam`
		v.SetConfigName("wildcam")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".wildcam"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = "camera-1"
	}
	switch strings.ToLower(strings.TrimSpace(c.Selection.PreferredLink)) {
	case "", "wifi", "lora", "cellular", "satellite":
		// ok
	default:
		return fmt.Errorf("invalid selection.preferred_link: %q", c.Selection.PreferredLink)
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries must be >= 0")
	}
	if c.Delivery.QueueCapacity <= 0 {
		c.Delivery.QueueCapacity = 64
	}
	if c.Health.WindowSize <= 0 {
		c.Health.WindowSize = 50
	}
	for i := range c.Links {
		c.Links[i].Kind = strings.ToLower(strings.TrimSpace(c.Links[i].Kind))
		switch c.Links[i].Kind {
		case "wifi", "lora", "cellular", "satellite", "mem":
			// ok
		default:
			return fmt.Errorf("invalid links[%d].kind: %q", i, c.Links[i].Kind)
		}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

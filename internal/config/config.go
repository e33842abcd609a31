// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ordertask/internal/broker/paper"
	"github.com/tathienbao/ordertask/internal/execution"
	"github.com/tathienbao/ordertask/internal/gateway"
	"github.com/tathienbao/ordertask/internal/order"
	"github.com/tathienbao/ordertask/internal/task"
	"github.com/tathienbao/ordertask/internal/types"
	"gopkg.in/yaml.v3"
)

// Config represents the full application configuration.
type Config struct {
	Host        HostConfig        `yaml:"host"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Logging     LoggingConfig     `yaml:"logging"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// HostConfig holds trading host settings.
type HostConfig struct {
	Type                string             `yaml:"type"` // paper
	FillDelayMs         int                `yaml:"fill_delay_ms"`
	EventBuffer         int                `yaml:"event_buffer"`
	RejectMergeWithSLTP *bool              `yaml:"reject_merge_with_sltp"`
	Prices              map[string]float64 `yaml:"prices"`
}

// GatewayConfig holds event gateway settings.
type GatewayConfig struct {
	RegistrationBuffer int `yaml:"registration_buffer"`
	SubscriberBuffer   int `yaml:"subscriber_buffer"`
}

// ExecutionConfig holds call execution and retry settings.
type ExecutionConfig struct {
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	Burst              int     `yaml:"burst"`
	QueueSize          int     `yaml:"queue_size"`
	MaxRetries         int     `yaml:"max_retries"`
	RetryDelayMs       int     `yaml:"retry_delay_ms"`
	CancelMode         string  `yaml:"cancel_mode"` // concurrent | sequential
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// PersistenceConfig holds journal settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type"` // sqlite
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Channels   []ChannelConfig `yaml:"channels"`
	Events     []string        `yaml:"events"`
	Operations []string        `yaml:"operations"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type       string `yaml:"type"` // console | telegram
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec               int  `yaml:"timeout_sec"`
	ClosePositionsOnShutdown bool `yaml:"close_positions_on_shutdown"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. ${VAR} references are
// expanded from the environment.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Default returns a valid configuration running against the paper host.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.Validate()
	return cfg
}

// Validate fills defaults and reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	// Host
	if c.Host.Type == "" {
		c.Host.Type = "paper"
	}
	if c.Host.Type != "paper" {
		errs = append(errs, fmt.Sprintf("host.type %q is not supported", c.Host.Type))
	}
	if c.Host.FillDelayMs < 0 {
		errs = append(errs, "host.fill_delay_ms must not be negative")
	}
	if c.Host.EventBuffer <= 0 {
		c.Host.EventBuffer = 256
	}
	for instrument, price := range c.Host.Prices {
		if _, ok := types.GetInstrumentSpec(instrument); !ok {
			errs = append(errs, fmt.Sprintf("host.prices: instrument %q is not supported", instrument))
		}
		if price <= 0 {
			errs = append(errs, fmt.Sprintf("host.prices: price for %q must be positive", instrument))
		}
	}

	// Gateway
	if c.Gateway.RegistrationBuffer <= 0 {
		c.Gateway.RegistrationBuffer = 16
	}
	if c.Gateway.SubscriberBuffer <= 0 {
		c.Gateway.SubscriberBuffer = 256
	}

	// Execution
	if c.Execution.RateLimitPerSecond < 0 {
		errs = append(errs, "execution.rate_limit_per_second must not be negative")
	}
	if c.Execution.Burst <= 0 {
		c.Execution.Burst = 10
	}
	if c.Execution.QueueSize <= 0 {
		c.Execution.QueueSize = 256
	}
	if c.Execution.MaxRetries < 0 {
		errs = append(errs, "execution.max_retries must not be negative")
	}
	if c.Execution.RetryDelayMs < 0 {
		errs = append(errs, "execution.retry_delay_ms must not be negative")
	}
	if _, err := order.ParseBatchMode(c.Execution.CancelMode); err != nil {
		errs = append(errs, "execution.cancel_mode must be 'concurrent' or 'sequential'")
	}

	// Metrics
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			errs = append(errs, "metrics.port must be between 1 and 65535")
		}
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	// Persistence
	if c.Persistence.Enabled {
		if c.Persistence.Type == "" {
			c.Persistence.Type = "sqlite"
		}
		if c.Persistence.Type != "sqlite" {
			errs = append(errs, "persistence.type must be 'sqlite'")
		}
		if c.Persistence.Path == "" {
			errs = append(errs, "persistence.path is required for sqlite")
		}
	}

	// Alerting
	if c.Alerting.Enabled {
		for i, ch := range c.Alerting.Channels {
			switch ch.Type {
			case "console":
			case "telegram":
				if ch.BotToken == "" || ch.ChatID == "" {
					errs = append(errs, fmt.Sprintf("alerting.channels[%d]: telegram needs bot_token and chat_id", i))
				}
			default:
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: type %q is not supported", i, ch.Type))
			}
		}
	}

	// Logging
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, "logging.format must be 'text' or 'json'")
	}

	// Shutdown
	if c.Shutdown.TimeoutSec <= 0 {
		c.Shutdown.TimeoutSec = 30
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// PaperConfig converts the host section to paper.Config.
func (c *Config) PaperConfig() paper.Config {
	cfg := paper.DefaultConfig()
	cfg.FillDelay = c.FillDelay()
	cfg.EventBuffer = c.Host.EventBuffer
	if c.Host.RejectMergeWithSLTP != nil {
		cfg.RejectMergeWithSLTP = *c.Host.RejectMergeWithSLTP
	}
	for instrument, price := range c.Host.Prices {
		cfg.Prices[instrument] = decimal.NewFromFloat(price)
	}
	return cfg
}

// GatewayConfig converts the gateway section to gateway.Config.
func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		RegistrationBuffer: c.Gateway.RegistrationBuffer,
		SubscriberBuffer:   c.Gateway.SubscriberBuffer,
	}
}

// ExecutorConfig converts the execution section to execution.Config.
func (c *Config) ExecutorConfig() execution.Config {
	return execution.Config{
		RateLimit: c.Execution.RateLimitPerSecond,
		Burst:     c.Execution.Burst,
		QueueSize: c.Execution.QueueSize,
	}
}

// RetryPolicy returns the default retry policy for order operations.
func (c *Config) RetryPolicy() task.RetryPolicy {
	return task.RetryPolicy{MaxRetries: c.Execution.MaxRetries, Delay: c.RetryDelay()}
}

// CancelMode returns the batch mode for SL/TP cancellation.
func (c *Config) CancelMode() order.BatchMode {
	mode, _ := order.ParseBatchMode(c.Execution.CancelMode)
	return mode
}

// FillDelay returns the paper host's event delay.
func (c *Config) FillDelay() time.Duration {
	return time.Duration(c.Host.FillDelayMs) * time.Millisecond
}

// RetryDelay returns the retry delay duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Execution.RetryDelayMs) * time.Millisecond
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() slog.Level {
	level, _ := parseLevel(c.Logging.Level)
	return level
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level %q is not supported", s)
	}
}

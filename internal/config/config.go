// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"funding_arb/internal/core"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig              `yaml:"app"`
	Engine      EngineConfig           `yaml:"engine"`
	Venues      map[string]VenueConfig `yaml:"venues"`
	DataSource  DataSourceConfig       `yaml:"datasource"`
	ExitMonitor ExitMonitorConfig      `yaml:"exit_monitor"`
	Trigger     TriggerConfig          `yaml:"trigger"`
	Closer      CloserConfig           `yaml:"closer"`
	Notify      NotifyConfig           `yaml:"notify"`
	Storage     StorageConfig          `yaml:"storage"`
	Keystore    KeystoreConfig         `yaml:"keystore"`
	Redis       RedisConfig            `yaml:"redis"`
	Concurrency ConcurrencyConfig      `yaml:"concurrency"`
	Telemetry   TelemetryConfig        `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	LogLevel        string   `yaml:"log_level"`
	Symbols         []string `yaml:"symbols"`          // explicit watchlist; empty means discover
	DiscoverSymbols bool     `yaml:"discover_symbols"` // intersect venue USDT perpetual listings
	MaxSymbols      int      `yaml:"max_symbols"`
}

// EngineConfig contains detection parameters
type EngineConfig struct {
	FundingRateThreshold        float64 `yaml:"funding_rate_threshold"`
	DefaultFundingIntervalHours int     `yaml:"default_funding_interval_hours"`
	TargetBasisHours            []int   `yaml:"target_basis_hours"`
	BandGreenPercent            float64 `yaml:"band_green_percent"`
	BandYellowPercent           float64 `yaml:"band_yellow_percent"`
	BandDebounceMs              int     `yaml:"band_debounce_ms"`
}

// BandDebounce returns the band re-emission debounce window
func (e EngineConfig) BandDebounce() time.Duration {
	return time.Duration(e.BandDebounceMs) * time.Millisecond
}

// VenueConfig contains venue-specific configuration
type VenueConfig struct {
	Enabled             bool    `yaml:"enabled"`
	WsURL               string  `yaml:"ws_url"`   // optional override
	RestURL             string  `yaml:"rest_url"` // optional override
	MaxSubsPerConn      int     `yaml:"max_subscriptions_per_connection"`
	SourceMode          string  `yaml:"source_mode"` // websocket, rest, hybrid
	FeeRate             float64 `yaml:"fee_rate"`
	RestRatePerSec      float64 `yaml:"rest_rate_per_sec"`
	RequestTimeoutMs    int     `yaml:"request_timeout_ms"`
	SubscribeTimeoutMs  int     `yaml:"subscribe_timeout_ms"`
	PingIntervalSeconds int     `yaml:"ping_interval_seconds"`
}

// RequestTimeout returns the per-request REST timeout
func (v VenueConfig) RequestTimeout() time.Duration {
	return time.Duration(v.RequestTimeoutMs) * time.Millisecond
}

// SubscribeTimeout returns the bounded wait for subscription acks
func (v VenueConfig) SubscribeTimeout() time.Duration {
	return time.Duration(v.SubscribeTimeoutMs) * time.Millisecond
}

// PingInterval returns the heartbeat interval
func (v VenueConfig) PingInterval() time.Duration {
	return time.Duration(v.PingIntervalSeconds) * time.Second
}

// DataSourceConfig contains transport fallback settings
type DataSourceConfig struct {
	StaleThresholdMs    int `yaml:"stale_threshold_ms"`
	StaleEmitIntervalMs int `yaml:"stale_emit_interval_ms"`
	RecoveryDelayMs     int `yaml:"recovery_delay_ms"`
	RestPollIntervalMs  int `yaml:"rest_poll_interval_ms"`
}

// StaleThreshold returns how long a feed may stay silent before it is stale
func (d DataSourceConfig) StaleThreshold() time.Duration {
	return time.Duration(d.StaleThresholdMs) * time.Millisecond
}

// StaleEmitInterval returns how often stale events re-emit while stale persists
func (d DataSourceConfig) StaleEmitInterval() time.Duration {
	return time.Duration(d.StaleEmitIntervalMs) * time.Millisecond
}

// RecoveryDelay returns how long a recovered WebSocket must stay healthy
// before the manager switches back to it
func (d DataSourceConfig) RecoveryDelay() time.Duration {
	return time.Duration(d.RecoveryDelayMs) * time.Millisecond
}

// RestPollInterval returns the REST fallback polling period
func (d DataSourceConfig) RestPollInterval() time.Duration {
	return time.Duration(d.RestPollIntervalMs) * time.Millisecond
}

// ExitMonitorConfig contains position exit suggestion settings
type ExitMonitorConfig struct {
	DebounceMs          int     `yaml:"debounce_ms"`
	APYThresholdPercent float64 `yaml:"apy_threshold_percent"`
}

// Debounce returns how long a condition must hold before a suggestion fires
func (e ExitMonitorConfig) Debounce() time.Duration {
	return time.Duration(e.DebounceMs) * time.Millisecond
}

// TriggerConfig contains conditional-order trigger detection settings
type TriggerConfig struct {
	PriceTolerance float64 `yaml:"price_tolerance"`
	DedupWindowMs  int     `yaml:"dedup_window_ms"`
	AutoClose      bool    `yaml:"auto_close"`
}

// DedupWindow returns the (venue, orderId) deduplication window
func (t TriggerConfig) DedupWindow() time.Duration {
	return time.Duration(t.DedupWindowMs) * time.Millisecond
}

// CloserConfig contains position close settings
type CloserConfig struct {
	AttemptTimeoutMs int `yaml:"close_attempt_timeout_ms"`
}

// AttemptTimeout returns the per-leg close attempt timeout
func (c CloserConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutMs) * time.Millisecond
}

// NotifyConfig contains webhook dispatch settings
type NotifyConfig struct {
	DispatchTimeoutMs int `yaml:"dispatch_timeout_ms"`
}

// DispatchTimeout returns the per-webhook POST timeout
func (n NotifyConfig) DispatchTimeout() time.Duration {
	return time.Duration(n.DispatchTimeoutMs) * time.Millisecond
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// KeystoreConfig selects where decrypted credentials come from
type KeystoreConfig struct {
	Backend        string      `yaml:"backend"` // local, vault
	LocalSecretEnv string      `yaml:"local_secret_env"`
	Vault          VaultConfig `yaml:"vault"`
}

// VaultConfig contains HashiCorp Vault settings
type VaultConfig struct {
	Address    string `yaml:"address"`
	Token      Secret `yaml:"token"`
	MountPath  string `yaml:"mount_path"`
	PathPrefix string `yaml:"path_prefix"`
}

// RedisConfig contains the event mirror settings
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      Secret `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	NotifyPoolSize   int `yaml:"notify_pool_size"`
	NotifyPoolBuffer int `yaml:"notify_pool_buffer"`
	ClosePoolSize    int `yaml:"close_pool_size"`
	ClosePoolBuffer  int `yaml:"close_pool_buffer"`
	ExitPoolSize     int `yaml:"exit_pool_size"`
	ExitPoolBuffer   int `yaml:"exit_pool_buffer"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.Expand(string(data), os.Getenv)

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// defaultVenueCaps are the per-connection subscription caps the venues allow.
var defaultVenueCaps = map[string]int{
	core.VenueOKX:     100,
	core.VenueGate:    20,
	core.VenueBingX:   50,
	core.VenueBinance: 200,
}

// defaultVenueRestRates are conservative REST request budgets in req/sec.
var defaultVenueRestRates = map[string]float64{
	core.VenueOKX:     10,
	core.VenueGate:    10,
	core.VenueBingX:   5,
	core.VenueBinance: 10,
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.App.MaxSymbols == 0 {
		c.App.MaxSymbols = 200
	}

	if c.Engine.FundingRateThreshold == 0 {
		c.Engine.FundingRateThreshold = 0.005
	}
	if c.Engine.DefaultFundingIntervalHours == 0 {
		c.Engine.DefaultFundingIntervalHours = core.DefaultFundingIntervalHours
	}
	if len(c.Engine.TargetBasisHours) == 0 {
		c.Engine.TargetBasisHours = append([]int(nil), core.ValidFundingIntervals...)
	}
	if c.Engine.BandGreenPercent == 0 {
		c.Engine.BandGreenPercent = 0.5
	}
	if c.Engine.BandYellowPercent == 0 {
		c.Engine.BandYellowPercent = 0.4
	}
	if c.Engine.BandDebounceMs == 0 {
		c.Engine.BandDebounceMs = 5000
	}

	for name, v := range c.Venues {
		if v.MaxSubsPerConn == 0 {
			v.MaxSubsPerConn = defaultVenueCaps[name]
		}
		if v.SourceMode == "" {
			v.SourceMode = string(core.ModeHybrid)
		}
		if v.RequestTimeoutMs == 0 {
			v.RequestTimeoutMs = 10000
		}
		if v.SubscribeTimeoutMs == 0 {
			v.SubscribeTimeoutMs = 10000
		}
		if v.PingIntervalSeconds == 0 {
			v.PingIntervalSeconds = 25
		}
		if v.RestRatePerSec == 0 {
			v.RestRatePerSec = defaultVenueRestRates[name]
		}
		c.Venues[name] = v
	}

	if c.DataSource.StaleThresholdMs == 0 {
		c.DataSource.StaleThresholdMs = 90000
	}
	if c.DataSource.StaleEmitIntervalMs == 0 {
		c.DataSource.StaleEmitIntervalMs = 10000
	}
	if c.DataSource.RecoveryDelayMs == 0 {
		c.DataSource.RecoveryDelayMs = 30000
	}
	if c.DataSource.RestPollIntervalMs == 0 {
		c.DataSource.RestPollIntervalMs = 15000
	}

	if c.ExitMonitor.DebounceMs == 0 {
		c.ExitMonitor.DebounceMs = 60000
	}
	if c.ExitMonitor.APYThresholdPercent == 0 {
		c.ExitMonitor.APYThresholdPercent = 5
	}

	if c.Trigger.PriceTolerance == 0 {
		c.Trigger.PriceTolerance = 0.01
	}
	if c.Trigger.DedupWindowMs == 0 {
		c.Trigger.DedupWindowMs = 60000
	}

	if c.Closer.AttemptTimeoutMs == 0 {
		c.Closer.AttemptTimeoutMs = 10000
	}

	if c.Notify.DispatchTimeoutMs == 0 {
		c.Notify.DispatchTimeoutMs = 5000
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "funding_arb.db"
	}

	if c.Keystore.Backend == "" {
		c.Keystore.Backend = "local"
	}
	if c.Keystore.LocalSecretEnv == "" {
		c.Keystore.LocalSecretEnv = "FUNDING_ARB_MASTER_KEY"
	}
	if c.Keystore.Vault.MountPath == "" {
		c.Keystore.Vault.MountPath = "secret"
	}
	if c.Keystore.Vault.PathPrefix == "" {
		c.Keystore.Vault.PathPrefix = "funding_arb"
	}

	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = "arb"
	}

	if c.Concurrency.NotifyPoolSize == 0 {
		c.Concurrency.NotifyPoolSize = 8
	}
	if c.Concurrency.NotifyPoolBuffer == 0 {
		c.Concurrency.NotifyPoolBuffer = 256
	}
	if c.Concurrency.ClosePoolSize == 0 {
		c.Concurrency.ClosePoolSize = 4
	}
	if c.Concurrency.ClosePoolBuffer == 0 {
		c.Concurrency.ClosePoolBuffer = 64
	}
	if c.Concurrency.ExitPoolSize == 0 {
		c.Concurrency.ExitPoolSize = 4
	}
	if c.Concurrency.ExitPoolBuffer == 0 {
		c.Concurrency.ExitPoolBuffer = 64
	}

	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9106
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateEngineConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateVenues(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTriggerConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateKeystoreConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}

	if len(c.App.Symbols) == 0 && !c.App.DiscoverSymbols {
		return ValidationError{
			Field:   "app.symbols",
			Message: "either a symbol watchlist or discover_symbols is required",
		}
	}

	return nil
}

func (c *Config) validateEngineConfig() error {
	if c.Engine.FundingRateThreshold <= 0 || c.Engine.FundingRateThreshold >= 1 {
		return ValidationError{
			Field:   "engine.funding_rate_threshold",
			Value:   c.Engine.FundingRateThreshold,
			Message: "must be a fraction in (0, 1)",
		}
	}

	for _, h := range c.Engine.TargetBasisHours {
		if !core.IsValidFundingInterval(h) {
			return ValidationError{
				Field:   "engine.target_basis_hours",
				Value:   h,
				Message: "must be one of: 1, 4, 8, 24",
			}
		}
	}

	if c.Engine.BandYellowPercent > c.Engine.BandGreenPercent {
		return ValidationError{
			Field:   "engine.band_yellow_percent",
			Value:   c.Engine.BandYellowPercent,
			Message: "must not exceed band_green_percent",
		}
	}

	return nil
}

func (c *Config) validateVenues() error {
	validVenues := []string{core.VenueOKX, core.VenueGate, core.VenueBingX, core.VenueBinance}
	validModes := []string{string(core.ModeWebSocket), string(core.ModeRest), string(core.ModeHybrid)}

	enabled := 0
	for name, v := range c.Venues {
		if !contains(validVenues, name) {
			return ValidationError{
				Field:   "venues",
				Value:   name,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validVenues, ", ")),
			}
		}
		if !contains(validModes, v.SourceMode) {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.source_mode", name),
				Value:   v.SourceMode,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
			}
		}
		if v.MaxSubsPerConn <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.max_subscriptions_per_connection", name),
				Value:   v.MaxSubsPerConn,
				Message: "must be positive",
			}
		}
		if v.Enabled {
			enabled++
		}
	}

	if enabled < 2 {
		return ValidationError{
			Field:   "venues",
			Message: "at least two venues must be enabled to compare funding rates",
		}
	}

	return nil
}

func (c *Config) validateTriggerConfig() error {
	if c.Trigger.PriceTolerance <= 0 || c.Trigger.PriceTolerance >= 1 {
		return ValidationError{
			Field:   "trigger.price_tolerance",
			Value:   c.Trigger.PriceTolerance,
			Message: "must be a fraction in (0, 1)",
		}
	}
	return nil
}

func (c *Config) validateKeystoreConfig() error {
	switch c.Keystore.Backend {
	case "local":
	case "vault":
		if c.Keystore.Vault.Address == "" {
			return ValidationError{
				Field:   "keystore.vault.address",
				Message: "vault address is required for the vault backend",
			}
		}
	default:
		return ValidationError{
			Field:   "keystore.backend",
			Value:   c.Keystore.Backend,
			Message: "must be one of: local, vault",
		}
	}
	return nil
}

// EnabledVenues returns the names of enabled venues in deterministic order
func (c *Config) EnabledVenues() []string {
	order := []string{core.VenueOKX, core.VenueGate, core.VenueBingX, core.VenueBinance}
	var out []string
	for _, name := range order {
		if v, ok := c.Venues[name]; ok && v.Enabled {
			out = append(out, name)
		}
	}
	return out
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c) // Secret fields marshal redacted
	return string(data)
}

// Helper functions

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{
			LogLevel: "INFO",
			Symbols:  []string{"BTCUSDT", "ETHUSDT"},
		},
		Venues: map[string]VenueConfig{
			core.VenueOKX:     {Enabled: true, FeeRate: 0.0005},
			core.VenueGate:    {Enabled: true, FeeRate: 0.0005},
			core.VenueBingX:   {Enabled: true, FeeRate: 0.0005},
			core.VenueBinance: {Enabled: true, FeeRate: 0.0004},
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}

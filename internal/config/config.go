// Package config loads the core's recognized configuration options (spec
// §6) from environment variables and an optional YAML file, using viper —
// the same loader library the reference corpus's CLI tooling relies on.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the fully-resolved, typed configuration for one orchestratord
// process.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	HumanLoop  HumanLoopConfig  `mapstructure:"human_loop"`
	Merge      MergeConfig      `mapstructure:"merge"`
	Budgets    BudgetsConfig    `mapstructure:"budgets"`
	Branching  BranchingConfig  `mapstructure:"branching"`
	Prices     map[string]ModelPrice `mapstructure:"prices"`
}

// DispatcherConfig mirrors spec §6's dispatcher.* keys.
type DispatcherConfig struct {
	MaxConcurrentTurns        int `mapstructure:"max_concurrent_turns"`
	FallbackPollIntervalSecs  int `mapstructure:"fallback_poll_interval_seconds"`
	TurnTimeoutSecs           int `mapstructure:"turn_timeout_seconds"`
	ShutdownGraceSecs         int `mapstructure:"shutdown_grace_seconds"`
}

// HumanLoopConfig mirrors spec §6's human_loop.* keys.
type HumanLoopConfig struct {
	ExpiryPollIntervalSecs int `mapstructure:"expiry_poll_interval_seconds"`
}

// MergeConfig mirrors spec §6's merge.* keys.
type MergeConfig struct {
	JobTimeoutSecs     int    `mapstructure:"job_timeout_seconds"`
	DefaultStrategy    string `mapstructure:"default_strategy"`
	ReconcileEverySecs int    `mapstructure:"reconcile_every_seconds"`
}

// BudgetsConfig mirrors spec §6's budgets.* keys. Empty string means
// unlimited.
type BudgetsConfig struct {
	TeamDailyCap string `mapstructure:"team_daily_cap"`
	PerTaskCap   string `mapstructure:"per_task_cap"`
}

// BranchingConfig mirrors spec §6's branching.* keys.
type BranchingConfig struct {
	Prefix        string `mapstructure:"prefix"`
	SlugMaxLength int    `mapstructure:"slug_max_length"`
}

// ModelPrice is one model's per-million-token price schedule
// (prices.{model}.input|output|cache_read|cache_write).
type ModelPrice struct {
	Input      string `mapstructure:"input"`
	Output     string `mapstructure:"output"`
	CacheRead  string `mapstructure:"cache_read"`
	CacheWrite string `mapstructure:"cache_write"`
}

// Load reads configuration from ORCH_-prefixed environment variables and,
// if present, a YAML file at configPath. configPath may be empty.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("dispatcher.max_concurrent_turns", 32)
	v.SetDefault("dispatcher.fallback_poll_interval_seconds", 30)
	v.SetDefault("dispatcher.turn_timeout_seconds", 3600)
	v.SetDefault("dispatcher.shutdown_grace_seconds", 30)
	v.SetDefault("human_loop.expiry_poll_interval_seconds", 60)
	v.SetDefault("merge.job_timeout_seconds", 600)
	v.SetDefault("merge.default_strategy", "squash")
	v.SetDefault("merge.reconcile_every_seconds", 60)
	v.SetDefault("branching.prefix", "")
	v.SetDefault("branching.slug_max_length", 50)
}

// Validate checks that required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database_url is required")
	}
	if c.Dispatcher.MaxConcurrentTurns < 1 {
		return fmt.Errorf("config: dispatcher.max_concurrent_turns must be >= 1")
	}
	if c.Dispatcher.FallbackPollIntervalSecs < 1 {
		return fmt.Errorf("config: dispatcher.fallback_poll_interval_seconds must be >= 1")
	}
	if c.HumanLoop.ExpiryPollIntervalSecs < 1 {
		return fmt.Errorf("config: human_loop.expiry_poll_interval_seconds must be >= 1")
	}
	if c.Branching.SlugMaxLength < 1 {
		return fmt.Errorf("config: branching.slug_max_length must be >= 1")
	}
	if c.Merge.ReconcileEverySecs < 1 {
		return fmt.Errorf("config: merge.reconcile_every_seconds must be >= 1")
	}
	return nil
}

// FallbackPollInterval returns the configured dispatcher fallback poll
// interval as a time.Duration.
func (c *DispatcherConfig) FallbackPollInterval() time.Duration {
	return time.Duration(c.FallbackPollIntervalSecs) * time.Second
}

// TurnTimeout returns the configured dispatcher per-turn timeout.
func (c *DispatcherConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSecs) * time.Second
}

// ShutdownGrace returns the configured cooperative-shutdown grace period.
func (c *DispatcherConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSecs) * time.Second
}

// ExpiryPollInterval returns the configured human-request expiry poll
// interval.
func (c *HumanLoopConfig) ExpiryPollInterval() time.Duration {
	return time.Duration(c.ExpiryPollIntervalSecs) * time.Second
}

// JobTimeout returns the configured merge job runtime timeout.
func (c *MergeConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSecs) * time.Second
}

// ReconcileEvery returns the configured interval between stuck-task
// reconciliation sweeps.
func (c *MergeConfig) ReconcileEvery() time.Duration {
	return time.Duration(c.ReconcileEverySecs) * time.Second
}

// DailyCap parses team_daily_cap into a decimal, or nil if unset.
func (b *BudgetsConfig) DailyCap() (*decimal.Decimal, error) {
	return parseCap(b.TeamDailyCap)
}

// PerTaskCap parses per_task_cap into a decimal, or nil if unset.
func (b *BudgetsConfig) PerTaskCap() (*decimal.Decimal, error) {
	return parseCap(b.PerTaskCap)
}

func parseCap(raw string) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("config: invalid budget cap %q: %w", raw, err)
	}
	return &d, nil
}

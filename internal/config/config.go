package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/retry"
	"github.com/lazypower/tierkeeper/internal/tier"
)

// Config holds all tierkeeper configuration.
type Config struct {
	Database DatabaseConfig          `mapstructure:"database"`
	Log      LogConfig               `mapstructure:"log"`
	Server   ServerConfig            `mapstructure:"server"`
	Alerts   AlertsConfig            `mapstructure:"alerts"`
	Tiers    []TierConfig            `mapstructure:"tiers"`
	Policies map[string]PolicyConfig `mapstructure:"policies"`

	WarningThreshold  float64       `mapstructure:"warning_threshold"`  // percent
	CriticalThreshold float64       `mapstructure:"critical_threshold"` // percent
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	SweepSchedule     string        `mapstructure:"sweep_schedule"` // cron, overrides sweep_interval
	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`

	MaxRetries         int           `mapstructure:"max_retries"`
	MaxChecksumRetries int           `mapstructure:"max_checksum_retries"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	BackoffJitter      float64       `mapstructure:"backoff_jitter"`

	Workers       int           `mapstructure:"workers"`
	PageSize      int           `mapstructure:"page_size"`
	StepTimeout   time.Duration `mapstructure:"step_timeout"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown"`
	CopyRate      string        `mapstructure:"copy_rate"` // bytes/sec, "0" = unlimited
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
	Output string `mapstructure:"output"` // "stdout", "stderr" or a file path
}

type ServerConfig struct {
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`
}

type AlertsConfig struct {
	Channel    string        `mapstructure:"channel"` // "log" or "webhook"
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type TierConfig struct {
	ID           string        `mapstructure:"id"`
	Name         string        `mapstructure:"name"`
	Capacity     string        `mapstructure:"capacity"` // e.g. "50GB", "" or "0" = unbounded
	LatencyClass string        `mapstructure:"latency_class"`
	CostWeight   float64       `mapstructure:"cost_weight"`
	Backend      BackendConfig `mapstructure:"backend"`
}

// BackendConfig selects and configures a tier's store.
type BackendConfig struct {
	Kind     string `mapstructure:"kind"` // memory, sqlite, fs, badger, redis
	Path     string `mapstructure:"path"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	Quota    string `mapstructure:"quota"` // physical limit enforced by the store itself
	InMemory bool   `mapstructure:"in_memory"`
}

type PolicyConfig struct {
	CoreRetentionDays int  `mapstructure:"core_retention_days"`
	MainRetentionDays int  `mapstructure:"main_retention_days"`
	ArchiveAfterDays  int  `mapstructure:"archive_after_days"`
	DeleteAfterDays   *int `mapstructure:"delete_after_days"`
	ExtendOnAccess    bool `mapstructure:"extend_on_access"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37780,
		},
		Alerts: AlertsConfig{
			Channel: "log",
			Timeout: 10 * time.Second,
		},
		Tiers:    DefaultTiers(),
		Policies: map[string]PolicyConfig{},

		WarningThreshold:   80,
		CriticalThreshold:  90,
		SweepInterval:      time.Hour,
		MonitorInterval:    5 * time.Minute,
		MaxRetries:         5,
		MaxChecksumRetries: 2,
		BackoffBase:        500 * time.Millisecond,
		BackoffMax:         30 * time.Second,
		BackoffJitter:      0.2,
		Workers:            4,
		PageSize:           500,
		StepTimeout:        30 * time.Second,
		AlertCooldown:      time.Hour,
		CopyRate:           "0",
	}
}

// DefaultTiers is the layout used when the config names no tiers: a
// SQLite-backed core, a filesystem main tier and a badger archive, all
// under ~/.tierkeeper.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{ID: "core", Name: "Core", Capacity: "1GB", LatencyClass: "hot", CostWeight: 1.0,
			Backend: BackendConfig{Kind: "sqlite", Path: "core.db"}},
		{ID: "main", Name: "Main", LatencyClass: "warm", CostWeight: 0.3,
			Backend: BackendConfig{Kind: "fs", Path: "main"}},
		{ID: "archive", Name: "Archive", LatencyClass: "cold", CostWeight: 0.05,
			Backend: BackendConfig{Kind: "badger", Path: "archive"}},
	}
}

// DefaultDataDir returns ~/.tierkeeper.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".tierkeeper"), nil
}

// DBPath returns the state database path, defaulting to
// ~/.tierkeeper/tierkeeper.db.
func (c *Config) DBPath() (string, error) {
	if c.Database.Path != "" {
		return c.Database.Path, nil
	}
	dir, err := DefaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "tierkeeper.db"), nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// RetryPolicy builds the backoff policy for migration steps.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxRetries,
		Base:        c.BackoffBase,
		Max:         c.BackoffMax,
		Jitter:      c.BackoffJitter,
	}
}

// CopyRateBytes returns the copy throughput limit; 0 means unlimited.
func (c *Config) CopyRateBytes() (int64, error) {
	return parseBytes(c.CopyRate)
}

// PolicyList converts configured policies to model policies.
func (c *Config) PolicyList() []model.Policy {
	out := make([]model.Policy, 0, len(c.Policies))
	for entity, p := range c.Policies {
		out = append(out, p.Policy(entity))
	}
	return out
}

// Policy converts a PolicyConfig to a model.Policy for entityType.
func (p PolicyConfig) Policy(entityType string) model.Policy {
	return model.Policy{
		EntityType:        entityType,
		CoreRetentionDays: p.CoreRetentionDays,
		MainRetentionDays: p.MainRetentionDays,
		ArchiveAfterDays:  p.ArchiveAfterDays,
		DeleteAfterDays:   p.DeleteAfterDays,
		ExtendOnAccess:    p.ExtendOnAccess,
	}
}

// Tier converts a TierConfig to a tier.Tier.
func (tc TierConfig) Tier() (tier.Tier, error) {
	capacity, err := parseBytes(tc.Capacity)
	if err != nil {
		return tier.Tier{}, fmt.Errorf("tier %s capacity: %w", tc.ID, err)
	}
	return tier.Tier{
		ID:            tc.ID,
		Name:          tc.Name,
		CapacityBytes: capacity,
		LatencyClass:  tier.LatencyClass(strings.ToLower(tc.LatencyClass)),
		CostWeight:    tc.CostWeight,
	}, nil
}

// QuotaBytes returns the backend's physical quota; 0 means none.
func (bc BackendConfig) QuotaBytes() (int64, error) {
	return parseBytes(bc.Quota)
}

func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "0", "unbounded", "unlimited":
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return int64(n), nil
}

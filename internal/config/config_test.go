package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/tierkeeper/internal/tier"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tierkeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const sampleConfig = `
database:
  path: /tmp/tk/state.db
tiers:
  - id: core
    name: Core
    capacity: 50GB
    latency_class: hot
    cost_weight: 1.0
    backend:
      kind: sqlite
      path: core.db
  - id: main
    latency_class: warm
    cost_weight: 0.3
    backend:
      kind: fs
      path: main
  - id: archive
    latency_class: cold
    cost_weight: 0.05
    backend:
      kind: badger
      in_memory: true
policies:
  daily_summary:
    core_retention_days: 30
    main_retention_days: 90
    archive_after_days: 365
    delete_after_days: 2555
  voice_note:
    core_retention_days: 7
    extend_on_access: true
warning_threshold: 75
critical_threshold: 92
sweep_interval: 30m
monitor_interval: 1m
max_retries: 6
backoff_base: 1s
backoff_max: 1m
`

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:37780", cfg.ListenAddr())
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/tk/state.db", cfg.Database.Path)
	assert.Equal(t, 75.0, cfg.WarningThreshold)
	assert.Equal(t, 92.0, cfg.CriticalThreshold)
	assert.Equal(t, 30*time.Minute, cfg.SweepInterval)
	assert.Equal(t, time.Minute, cfg.MonitorInterval)
	assert.Equal(t, 6, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, time.Minute, cfg.BackoffMax)

	// Untouched options keep their defaults.
	assert.Equal(t, 2, cfg.MaxChecksumRetries)
	assert.Equal(t, 4, cfg.Workers)

	require.Len(t, cfg.Tiers, 3)
	core, err := cfg.Tiers[0].Tier()
	require.NoError(t, err)
	assert.Equal(t, int64(50_000_000_000), core.CapacityBytes)
	assert.Equal(t, tier.Hot, core.LatencyClass)

	archive, err := cfg.Tiers[2].Tier()
	require.NoError(t, err)
	assert.Zero(t, archive.CapacityBytes)
	assert.True(t, cfg.Tiers[2].Backend.InMemory)

	require.Len(t, cfg.Policies, 2)
	ds := cfg.Policies["daily_summary"]
	assert.Equal(t, 30, ds.CoreRetentionDays)
	require.NotNil(t, ds.DeleteAfterDays)
	assert.Equal(t, 2555, *ds.DeleteAfterDays)
	assert.Nil(t, cfg.Policies["voice_note"].DeleteAfterDays)
	assert.True(t, cfg.Policies["voice_note"].ExtendOnAccess)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TIERKEEPER_CRITICAL_THRESHOLD", "95")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 95.0, cfg.CriticalThreshold)
}

func TestLoadMissingFileIsFatal(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	var fatalErr *FatalConfigError
	require.True(t, errors.As(err, &fatalErr), "got %v", err)
}

func TestLoadUsesDefaultTiers(t *testing.T) {
	cfg, err := Load(writeConfig(t, "workers: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Len(t, cfg.Tiers, 3)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"warning above critical", func(c *Config) { c.WarningThreshold = 95 }},
		{"critical over 100", func(c *Config) { c.CriticalThreshold = 120 }},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }},
		{"bad cron", func(c *Config) { c.SweepSchedule = "every tuesday" }},
		{"checksum retries above max", func(c *Config) { c.MaxChecksumRetries = 9 }},
		{"base above max", func(c *Config) { c.BackoffBase = time.Hour }},
		{"jitter out of range", func(c *Config) { c.BackoffJitter = 1.5 }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"bad copy rate", func(c *Config) { c.CopyRate = "fast" }},
		{"no tiers", func(c *Config) { c.Tiers = nil }},
		{"duplicate tier id", func(c *Config) { c.Tiers[1].ID = "core" }},
		{"duplicate class", func(c *Config) { c.Tiers[1].LatencyClass = "hot" }},
		{"unknown class", func(c *Config) { c.Tiers[2].LatencyClass = "frozen" }},
		{"bad capacity", func(c *Config) { c.Tiers[0].Capacity = "lots" }},
		{"unknown backend", func(c *Config) { c.Tiers[0].Backend.Kind = "floppy" }},
		{"redis without addr", func(c *Config) { c.Tiers[1].Backend = BackendConfig{Kind: "redis"} }},
		{"no hot tier", func(c *Config) { c.Tiers = c.Tiers[1:] }},
		{"webhook without url", func(c *Config) { c.Alerts.Channel = "webhook" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var fatalErr *FatalConfigError
			assert.True(t, errors.As(err, &fatalErr), "got %v", err)
		})
	}
}

func TestPolicyList(t *testing.T) {
	cfg := Default()
	cfg.Policies["daily_summary"] = PolicyConfig{CoreRetentionDays: 30}
	ps := cfg.PolicyList()
	require.Len(t, ps, 1)
	assert.Equal(t, "daily_summary", ps[0].EntityType)
	assert.Equal(t, 30, ps[0].CoreRetentionDays)
}

func TestRetryPolicy(t *testing.T) {
	cfg := Default()
	p := cfg.RetryPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.Base)
	assert.Equal(t, 30*time.Second, p.Max)
}

func TestCopyRateBytes(t *testing.T) {
	cfg := Default()
	n, err := cfg.CopyRateBytes()
	require.NoError(t, err)
	assert.Zero(t, n)

	cfg.CopyRate = "10MB"
	n, err = cfg.CopyRateBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), n)
}

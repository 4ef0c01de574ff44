package config

import (
	"fmt"

	"github.com/gorhill/cronexpr"

	"github.com/lazypower/tierkeeper/internal/tier"
)

var knownBackends = map[string]bool{
	"memory": true,
	"sqlite": true,
	"fs":     true,
	"badger": true,
	"redis":  true,
}

var knownChannels = map[string]bool{
	"log":     true,
	"webhook": true,
}

// Validate checks the recognised options and returns a *FatalConfigError
// describing the first problem found.
func (c *Config) Validate() error {
	if c.WarningThreshold <= 0 || c.WarningThreshold > 100 {
		return fatal("warning_threshold must be in (0,100], got %v", c.WarningThreshold)
	}
	if c.CriticalThreshold <= 0 || c.CriticalThreshold > 100 {
		return fatal("critical_threshold must be in (0,100], got %v", c.CriticalThreshold)
	}
	if c.WarningThreshold >= c.CriticalThreshold {
		return fatal("warning_threshold (%v) must be below critical_threshold (%v)", c.WarningThreshold, c.CriticalThreshold)
	}
	if c.SweepInterval <= 0 {
		return fatal("sweep_interval must be positive")
	}
	if c.SweepSchedule != "" {
		if _, err := cronexpr.Parse(c.SweepSchedule); err != nil {
			return fatal("sweep_schedule %q: %v", c.SweepSchedule, err)
		}
	}
	if c.MonitorInterval <= 0 {
		return fatal("monitor_interval must be positive")
	}
	if c.MaxRetries < 1 {
		return fatal("max_retries must be at least 1")
	}
	if c.MaxChecksumRetries < 1 || c.MaxChecksumRetries > c.MaxRetries {
		return fatal("max_checksum_retries must be in [1, max_retries], got %d", c.MaxChecksumRetries)
	}
	if c.BackoffBase < 0 || c.BackoffMax < 0 {
		return fatal("backoff durations must not be negative")
	}
	if c.BackoffMax > 0 && c.BackoffBase > c.BackoffMax {
		return fatal("backoff_base (%s) exceeds backoff_max (%s)", c.BackoffBase, c.BackoffMax)
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		return fatal("backoff_jitter must be in [0,1]")
	}
	if c.Workers < 1 {
		return fatal("workers must be at least 1")
	}
	if c.PageSize < 1 {
		return fatal("page_size must be at least 1")
	}
	if c.StepTimeout <= 0 {
		return fatal("step_timeout must be positive")
	}
	if _, err := c.CopyRateBytes(); err != nil {
		return fatal("copy_rate: %v", err)
	}
	if !knownChannels[c.Alerts.Channel] {
		return fatal("alerts.channel %q is not one of log, webhook", c.Alerts.Channel)
	}
	if c.Alerts.Channel == "webhook" && c.Alerts.WebhookURL == "" {
		return fatal("alerts.webhook_url is required for the webhook channel")
	}
	return c.validateTiers()
}

func (c *Config) validateTiers() error {
	if len(c.Tiers) == 0 {
		return fatal("no tiers configured")
	}
	ids := make(map[string]bool)
	classes := make(map[tier.LatencyClass]string)
	for i, tc := range c.Tiers {
		if tc.ID == "" {
			return fatal("tiers[%d]: id is required", i)
		}
		if ids[tc.ID] {
			return fatal("tiers[%d]: duplicate id %q", i, tc.ID)
		}
		ids[tc.ID] = true

		t, err := tc.Tier()
		if err != nil {
			return fatal("%v", err)
		}
		if !t.LatencyClass.Valid() {
			return fatal("tier %s: latency_class %q is not one of hot, warm, cold", tc.ID, tc.LatencyClass)
		}
		if other, ok := classes[t.LatencyClass]; ok {
			return fatal("tier %s: latency_class %s already used by %s", tc.ID, t.LatencyClass, other)
		}
		classes[t.LatencyClass] = tc.ID
		if tc.CostWeight < 0 {
			return fatal("tier %s: cost_weight must not be negative", tc.ID)
		}
		if !knownBackends[tc.Backend.Kind] {
			return fatal("tier %s: backend kind %q is not one of memory, sqlite, fs, badger, redis", tc.ID, tc.Backend.Kind)
		}
		if _, err := tc.Backend.QuotaBytes(); err != nil {
			return fatal("tier %s: quota: %v", tc.ID, err)
		}
		if err := checkBackend(tc); err != nil {
			return err
		}
	}
	if _, ok := classes[tier.Hot]; !ok {
		return fatal("a hot (core) tier is required")
	}
	return nil
}

func checkBackend(tc TierConfig) error {
	b := tc.Backend
	switch b.Kind {
	case "sqlite", "fs":
		if b.Path == "" {
			return fatal("tier %s: %s backend requires path", tc.ID, b.Kind)
		}
	case "badger":
		if b.Path == "" && !b.InMemory {
			return fatal("tier %s: badger backend requires path or in_memory", tc.ID)
		}
	case "redis":
		if b.Addr == "" {
			return fatal("tier %s: redis backend requires addr", tc.ID)
		}
	}
	return nil
}

// String is used in startup logs.
func (tc TierConfig) String() string {
	return fmt.Sprintf("%s(%s, %s)", tc.ID, tc.LatencyClass, tc.Backend.Kind)
}

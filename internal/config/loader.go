package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g.
// TIERKEEPER_CRITICAL_THRESHOLD=85 or TIERKEEPER_DATABASE_PATH=/var/lib/tk.db.
const EnvPrefix = "TIERKEEPER"

// Load reads configuration from path (or the default search locations when
// path is empty), applies environment overrides and validates the result.
// Any failure is a *FatalConfigError.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tierkeeper")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/tierkeeper/")
		v.AddConfigPath("$HOME/.tierkeeper")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicit path must exist; the search path may come up empty.
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fatal("read config: %v", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fatal("decode config: %v", err)
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.Policies == nil {
		cfg.Policies = map[string]PolicyConfig{}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)
	v.SetDefault("server.bind", d.Server.Bind)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("alerts.channel", d.Alerts.Channel)
	v.SetDefault("alerts.webhook_url", d.Alerts.WebhookURL)
	v.SetDefault("alerts.timeout", d.Alerts.Timeout)

	v.SetDefault("warning_threshold", d.WarningThreshold)
	v.SetDefault("critical_threshold", d.CriticalThreshold)
	v.SetDefault("sweep_interval", d.SweepInterval)
	v.SetDefault("sweep_schedule", d.SweepSchedule)
	v.SetDefault("monitor_interval", d.MonitorInterval)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("max_checksum_retries", d.MaxChecksumRetries)
	v.SetDefault("backoff_base", d.BackoffBase)
	v.SetDefault("backoff_max", d.BackoffMax)
	v.SetDefault("backoff_jitter", d.BackoffJitter)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("page_size", d.PageSize)
	v.SetDefault("step_timeout", d.StepTimeout)
	v.SetDefault("alert_cooldown", d.AlertCooldown)
	v.SetDefault("copy_rate", d.CopyRate)
}

// FatalConfigError means the process must refuse to start.
type FatalConfigError struct {
	Reason string
}

func (e *FatalConfigError) Error() string {
	return "fatal config error: " + e.Reason
}

func fatal(format string, args ...any) *FatalConfigError {
	return &FatalConfigError{Reason: fmt.Sprintf(format, args...)}
}

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/tierkeeper/internal/config"
	"github.com/lazypower/tierkeeper/internal/engine"
	"github.com/lazypower/tierkeeper/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tierkeeper",
	Short: "Tiered storage lifecycle manager",
	Long: "Tierkeeper moves records between core, main and archive storage tiers by age and policy,\n" +
		"watches tier capacity, and keeps every migration crash-safe and auditable.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: search /etc/tierkeeper, ~/.tierkeeper, .)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(triggerCmd)
}

// loadConfig reads the config file and builds the logger.
func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, logger, nil
}

// openEngine is a helper that opens the engine for one-shot commands. The
// background loops are not started.
func openEngine(ctx context.Context) (*engine.Engine, func(), error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, nil, fmt.Errorf("open engine: %w", err)
	}
	return eng, func() {
		if err := eng.Close(); err != nil {
			logger.Warn("close engine", zap.Error(err))
		}
		logger.Sync()
	}, nil
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazypower/tierkeeper/internal/apiclient"
	"github.com/lazypower/tierkeeper/internal/model"
)

// --- sweep command ---

var (
	sweepFormat string
	sweepTier   string
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one lifecycle sweep and print the report",
	Long: "Resume interrupted jobs, then evaluate every record against its policy and migrate or delete it.\n" +
		"With --tier, drain that tier into the next colder one until it is below the critical threshold.\n" +
		"Exits 3 if any job failed.",
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, closeFn, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	var report *model.SweepReport
	if sweepTier != "" {
		report, err = eng.Scheduler.SweepTier(ctx, sweepTier)
	} else {
		report, err = eng.Scheduler.Sweep(ctx, model.SweepManual)
	}
	return writeSweepReport(cmd.OutOrStdout(), sweepFormat, report, err)
}

// writeSweepReport renders report, which may be partial when sweepErr is
// set, and then returns the sweep error or an exit code 3 for failed jobs.
func writeSweepReport(w io.Writer, format string, report *model.SweepReport, sweepErr error) error {
	if report != nil {
		if err := render(w, format, report, func(w io.Writer) { printSweep(w, report) }); err != nil {
			return err
		}
	}
	if sweepErr != nil {
		return fmt.Errorf("sweep: %w", sweepErr)
	}
	if report != nil && !report.OK() {
		return &ExitError{Code: 3, Err: fmt.Errorf("%d jobs failed", report.Failed)}
	}
	return nil
}

// --- monitor command ---

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Take one usage snapshot and raise capacity alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, closeFn, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		alerts, err := eng.Monitor.RunCycle(ctx)
		if err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		printAlerts(cmd.OutOrStdout(), alerts)
		for _, a := range alerts {
			if a.Severity == model.SeverityCritical {
				return &ExitError{Code: 4}
			}
		}
		return nil
	},
}

// --- resume command ---

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Drive interrupted migration jobs to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, closeFn, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		jobs, err := eng.Syncer.ResumePending(ctx)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(jobs) == 0 {
			fmt.Fprintln(out, "No interrupted jobs.")
			return nil
		}
		failed := 0
		for _, j := range jobs {
			state := green(j.State)
			if j.State == model.StateFailed {
				state = red(j.State)
				failed++
			}
			fmt.Fprintf(out, "  %s %s %s -> %s  %s\n", j.ID, j.RecordID, j.FromTier, j.ToTier, state)
		}
		if failed > 0 {
			return &ExitError{Code: 3, Err: fmt.Errorf("%d resumed jobs failed", failed)}
		}
		return nil
	},
}

// --- status command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tier usage, capacity and unacknowledged alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, closeFn, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		status, err := eng.Status(ctx)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		out := cmd.OutOrStdout()
		printStatus(out, status, eng.Config.WarningThreshold, eng.Config.CriticalThreshold)

		alerts, err := eng.DB.ListAlerts(ctx, true, 20)
		if err != nil {
			return fmt.Errorf("list alerts: %w", err)
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, bold("## Alerts"))
		fmt.Fprintln(out)
		printAlerts(out, alerts)
		return nil
	},
}

// --- ingest command ---

var ingestID string

var ingestCmd = &cobra.Command{
	Use:   "ingest <entity-type> <file>",
	Short: "Store a file as a new record in the core tier",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[1], err)
		}
		id := ingestID
		if id == "" {
			id = strings.TrimSuffix(filepath.Base(args[1]), filepath.Ext(args[1]))
		}

		ctx := cmd.Context()
		eng, closeFn, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		env, err := eng.Ingest(ctx, id, args[0], content)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ingested %s (%s, %s) into %s\n",
			env.RecordID, env.EntityType, humanize.Bytes(uint64(env.SizeBytes)), env.CurrentTierID)
		return nil
	},
}

// --- restore command ---

var restoreTo string

var restoreCmd = &cobra.Command{
	Use:   "restore <record-id>",
	Short: "Move a record back into a hotter tier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, closeFn, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		to := restoreTo
		if to == "" {
			core, ok := eng.Tiers.Core()
			if !ok {
				return errors.New("no core tier configured; pass --to")
			}
			to = core.ID
		}
		job, err := eng.Restore(ctx, args[0], to)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if job == nil {
			fmt.Fprintf(out, "%s is already in %s\n", args[0], to)
			return nil
		}
		if job.State != model.StateDone {
			return &ExitError{Code: 3, Err: fmt.Errorf("restore %s: job %s ended %s: %s", args[0], job.ID, job.State, job.LastError)}
		}
		fmt.Fprintf(out, "Restored %s from %s to %s (job %s)\n", args[0], job.FromTier, job.ToTier, job.ID)
		return nil
	},
}

// --- reconcile command ---

var (
	reconcileFix    bool
	reconcileFormat string
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare tier contents with envelopes",
	Long:  "Find objects no envelope points at (orphans) and envelopes whose tier lacks the object. --fix deletes orphans.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, closeFn, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		report, err := eng.Reconcile(ctx, reconcileFix)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		if err := render(cmd.OutOrStdout(), reconcileFormat, report, func(w io.Writer) { printReconcile(w, report) }); err != nil {
			return err
		}
		if len(report.Missing) > 0 {
			return &ExitError{Code: 3, Err: fmt.Errorf("%d records missing content", len(report.Missing))}
		}
		return nil
	},
}

// --- policy command ---

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect lifecycle policies",
}

var policyFormat string

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored lifecycle policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, closeFn, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		policies, err := eng.DB.ListPolicies(ctx)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), policyFormat, policies, func(w io.Writer) { printPolicies(w, policies) })
	},
}

// --- log command ---

var logCmd = &cobra.Command{
	Use:   "log <record-id>",
	Short: "Show a record's sync history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, closeFn, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		entries, err := eng.DB.RecordLog(ctx, args[0])
		if err != nil {
			return err
		}
		printLog(cmd.OutOrStdout(), entries)
		return nil
	},
}

// --- stats command ---

var statsWindow time.Duration

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise sync activity over a window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, closeFn, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		stats, err := eng.Stats(ctx, statsWindow)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Since %s (%s)\n", stats.Since.Format(time.RFC3339), humanize.Time(stats.Since))
		fmt.Fprintf(out, "  done         %d\n", stats.Done)
		fmt.Fprintf(out, "  failed       %d\n", stats.Failed)
		fmt.Fprintf(out, "  active       %d\n", stats.Active)
		fmt.Fprintf(out, "  transitions  %d\n", stats.Transitions)
		fmt.Fprintf(out, "  errors       %d\n", stats.Errors)
		fmt.Fprintf(out, "  success rate %.1f%%\n", stats.SuccessRate()*100)
		return nil
	},
}

// --- trigger command ---

var triggerURL string

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Ask a running server to sweep now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		queued, err := apiclient.New(triggerURL).Trigger(ctx)
		if err != nil {
			return err
		}
		if queued {
			fmt.Fprintln(cmd.OutOrStdout(), "Sweep queued.")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "A sweep is already queued.")
		}
		return nil
	},
}

func init() {
	sweepCmd.Flags().StringVarP(&sweepFormat, "format", "f", "json", "Output format: json, yaml or text")
	sweepCmd.Flags().StringVar(&sweepTier, "tier", "", "Run an emergency sweep of this tier")

	restoreCmd.Flags().StringVar(&restoreTo, "to", "", "Target tier (default: the core tier)")
	ingestCmd.Flags().StringVar(&ingestID, "id", "", "Record id (default: file name without extension)")

	reconcileCmd.Flags().BoolVar(&reconcileFix, "fix", false, "Delete orphaned objects")
	reconcileCmd.Flags().StringVarP(&reconcileFormat, "format", "f", "text", "Output format: text, json or yaml")

	policyListCmd.Flags().StringVarP(&policyFormat, "format", "f", "text", "Output format: text, json or yaml")
	policyCmd.AddCommand(policyListCmd)

	statsCmd.Flags().DurationVar(&statsWindow, "window", 24*time.Hour, "Trailing window to summarise")

	triggerCmd.Flags().StringVar(&triggerURL, "url", "", "Server URL (default: $TIERKEEPER_URL or http://127.0.0.1:37780)")
}

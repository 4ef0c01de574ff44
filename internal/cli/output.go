package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/lazypower/tierkeeper/internal/engine"
	"github.com/lazypower/tierkeeper/internal/model"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
)

// render writes v as json or yaml, or calls text for the default format.
func render(w io.Writer, format string, v any, text func(io.Writer)) error {
	switch strings.ToLower(format) {
	case "", "text":
		text(w)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}
}

func printSweep(w io.Writer, r *model.SweepReport) {
	title := string(r.Kind) + " sweep"
	if r.TierID != "" {
		title += " of " + r.TierID
	}
	fmt.Fprintf(w, "## %s (%s)\n\n", bold(title), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "  scanned   %d\n", r.Scanned)
	fmt.Fprintf(w, "  migrated  %s\n", green(r.Migrated))
	fmt.Fprintf(w, "  deleted   %d\n", r.Deleted)
	fmt.Fprintf(w, "  no action %d\n", r.NoAction)
	fmt.Fprintf(w, "  skipped   %d\n", r.Skipped)
	fmt.Fprintf(w, "  resumed   %d\n", r.Resumed)
	failed := fmt.Sprint(r.Failed)
	if r.Failed > 0 {
		failed = red(r.Failed)
	}
	fmt.Fprintf(w, "  failed    %s\n", failed)

	if len(r.FailedJobs) > 0 {
		fmt.Fprintln(w, "\nFailed jobs:")
		for _, id := range r.FailedJobs {
			fmt.Fprintf(w, "  - %s\n", id)
		}
	}
	if len(r.Review) > 0 {
		fmt.Fprintf(w, "\n%s\n", yellow("Needs review:"))
		for _, item := range r.Review {
			fmt.Fprintf(w, "  - %s [%s] %s\n", item.RecordID, item.EntityType, item.Reason)
		}
	}
}

// usageColor picks a color for a utilisation percentage.
func usageColor(pct, warning, critical float64) func(a ...any) string {
	switch {
	case critical > 0 && pct >= critical:
		return red
	case warning > 0 && pct >= warning:
		return yellow
	default:
		return green
	}
}

func printStatus(w io.Writer, status []engine.TierStatus, warning, critical float64) {
	fmt.Fprintln(w, bold("## Tiers"))
	fmt.Fprintln(w)
	for _, s := range status {
		capacity := "unbounded"
		pct := "-"
		if s.Tier.Bounded() {
			capacity = humanize.Bytes(uint64(s.Tier.CapacityBytes))
			pct = usageColor(s.Usage.PctUsed, warning, critical)(fmt.Sprintf("%.1f%%", s.Usage.PctUsed))
		}
		fmt.Fprintf(w, "  %-10s %-5s %10s / %-10s %8s  %d records  cost %.3f\n",
			s.Tier.ID,
			s.Tier.LatencyClass,
			humanize.Bytes(uint64(s.Usage.UsedBytes)),
			capacity,
			pct,
			s.Records,
			s.Cost)
	}
}

func printLog(w io.Writer, entries []model.SyncLogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No sync history.")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %s  #%d  %s -> %s",
			e.At.Format(time.RFC3339), e.JobID, e.Attempt, e.FromState, e.ToState)
		if e.Error != "" {
			line += "  " + red(e.Error)
		}
		fmt.Fprintln(w, line)
	}
}

func printAlerts(w io.Writer, alerts []model.Alert) {
	if len(alerts) == 0 {
		fmt.Fprintln(w, green("No alerts."))
		return
	}
	for _, a := range alerts {
		sev := yellow(a.Severity)
		if a.Severity == model.SeverityCritical {
			sev = red(a.Severity)
		}
		fmt.Fprintf(w, "  [%s] %s %s\n", sev, a.Kind, a.Message)
	}
}

func printReconcile(w io.Writer, r *engine.ReconcileReport) {
	fmt.Fprintf(w, "Checked %d objects.\n", r.Checked)
	if len(r.Orphans) == 0 && len(r.Missing) == 0 {
		fmt.Fprintln(w, green("Tiers and envelopes agree."))
		return
	}
	for _, d := range r.Orphans {
		suffix := ""
		if d.Removed {
			suffix = " (removed)"
		}
		fmt.Fprintf(w, "  orphan  %s/%s: %s%s\n", d.TierID, d.RecordID, d.Reason, suffix)
	}
	for _, d := range r.Missing {
		fmt.Fprintf(w, "  %s %s/%s: %s\n", red("missing"), d.TierID, d.RecordID, d.Reason)
	}
}

func printPolicies(w io.Writer, policies []model.Policy) {
	if len(policies) == 0 {
		fmt.Fprintln(w, "No policies configured. Every record falls back to the review policy.")
		return
	}
	for _, p := range policies {
		del := "never"
		if p.DeleteAfterDays != nil {
			del = fmt.Sprintf("%dd", *p.DeleteAfterDays)
		}
		fmt.Fprintf(w, "  %-20s core %dd  main %dd  archive %dd  delete %s  extend-on-access %t\n",
			p.EntityType, p.CoreRetentionDays, p.MainRetentionDays, p.ArchiveAfterDays, del, p.ExtendOnAccess)
	}
}

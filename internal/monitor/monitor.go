// Package monitor computes per-tier usage, raises threshold alerts and
// asks the scheduler for emergency sweeps of tiers over the critical line.
package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lazypower/tierkeeper/internal/clock"
	"github.com/lazypower/tierkeeper/internal/metrics"
	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/store"
	"github.com/lazypower/tierkeeper/internal/tier"
)

const gib = 1 << 30

// Alerter delivers alerts and clears their cooldown once a condition ends.
// *alert.Dispatcher implements it.
type Alerter interface {
	Dispatch(ctx context.Context, a model.Alert) (bool, error)
	Resolve(kind model.AlertKind, tierID string)
}

// Sweeper runs an emergency sweep of one tier. *scheduler.Scheduler
// implements it.
type Sweeper interface {
	SweepTier(ctx context.Context, tierID string) (*model.SweepReport, error)
}

// Options configures a Monitor.
type Options struct {
	WarningThreshold  float64 // percent
	CriticalThreshold float64 // percent
	Clock             clock.Clock
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
	Alerts            Alerter
	Sweeper           Sweeper
}

// TierCost is the reporting-only cost of one tier's current usage.
type TierCost struct {
	TierID     string  `json:"tier_id"`
	UsedBytes  int64   `json:"used_bytes"`
	CostWeight float64 `json:"cost_weight"`
	Cost       float64 `json:"cost"`
}

// Monitor tracks tier usage.
type Monitor struct {
	db      *store.DB
	tiers   *tier.Registry
	opts    Options
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	current atomic.Pointer[[]model.UsageSnapshot]
}

// New creates a monitor. Thresholds default to 80 and 90 percent.
func New(db *store.DB, tiers *tier.Registry, opts Options) *Monitor {
	if opts.WarningThreshold <= 0 {
		opts.WarningThreshold = 80
	}
	if opts.CriticalThreshold <= 0 {
		opts.CriticalThreshold = 90
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Monitor{
		db:      db,
		tiers:   tiers,
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Logger.Named("monitor"),
		metrics: opts.Metrics,
		tracer:  metrics.Tracer(),
	}
}

// SetSweeper installs the emergency sweeper after construction, for
// wiring where the sweeper itself depends on the monitor's inputs.
func (m *Monitor) SetSweeper(s Sweeper) {
	m.opts.Sweeper = s
}

// Snapshot computes usage for every registered tier from the live
// envelopes, persists it and makes it the current set.
func (m *Monitor) Snapshot(ctx context.Context) ([]model.UsageSnapshot, error) {
	usage, err := m.db.UsageByTier(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot usage: %w", err)
	}

	now := m.clock.Now()
	tiers := m.tiers.List()
	snaps := make([]model.UsageSnapshot, 0, len(tiers))
	for _, t := range tiers {
		s := model.NewUsageSnapshot(t.ID, usage[t.ID], t.CapacityBytes, now)
		snaps = append(snaps, s)
		m.metrics.ObserveSnapshot(s)
		m.metrics.TierCost.WithLabelValues(t.ID).Set(cost(s.UsedBytes, t.CostWeight))
	}

	if err := m.db.AddUsageSnapshots(ctx, snaps); err != nil {
		return nil, fmt.Errorf("persist snapshots: %w", err)
	}
	m.current.Store(&snaps)
	return snaps, nil
}

// Current returns the most recent snapshot set, or nil before the first
// Snapshot.
func (m *Monitor) Current() []model.UsageSnapshot {
	p := m.current.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Evaluate returns the alerts a snapshot set warrants. Only bounded tiers
// alert, and a critical tier does not also get a warning.
func (m *Monitor) Evaluate(snaps []model.UsageSnapshot) []model.Alert {
	var alerts []model.Alert
	for _, s := range snaps {
		if s.CapacityBytes <= 0 {
			continue
		}
		var sev model.Severity
		switch {
		case s.PctUsed >= m.opts.CriticalThreshold:
			sev = model.SeverityCritical
		case s.PctUsed >= m.opts.WarningThreshold:
			sev = model.SeverityWarning
		default:
			continue
		}
		alerts = append(alerts, model.Alert{
			Kind:     model.AlertCapacity,
			Severity: sev,
			TierID:   s.TierID,
			Message: fmt.Sprintf("tier %s at %.1f%% of capacity (%s of %s)",
				s.TierID, s.PctUsed, humanize.Bytes(uint64(s.UsedBytes)), humanize.Bytes(uint64(s.CapacityBytes))),
			RaisedAt: s.TakenAt,
		})
	}
	return alerts
}

// RunCycle snapshots usage, dispatches threshold alerts and runs an
// emergency sweep for each critical tier. It returns the alerts the cycle
// evaluated, whether or not the cooldown let them through.
func (m *Monitor) RunCycle(ctx context.Context) ([]model.Alert, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.cycle")
	defer span.End()

	snaps, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	alerts := m.Evaluate(snaps)

	alerting := make(map[string]bool, len(alerts))
	for _, a := range alerts {
		alerting[a.TierID] = true
		if m.opts.Alerts != nil {
			if _, err := m.opts.Alerts.Dispatch(ctx, a); err != nil {
				m.log.Warn("capacity alert not delivered", zap.String("tier", a.TierID), zap.Error(err))
			}
		}
	}
	for _, s := range snaps {
		if !alerting[s.TierID] && m.opts.Alerts != nil {
			m.opts.Alerts.Resolve(model.AlertCapacity, s.TierID)
		}
	}

	for _, a := range alerts {
		if a.Severity != model.SeverityCritical || m.opts.Sweeper == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return alerts, err
		}
		span.AddEvent("emergency sweep", trace.WithAttributes(attribute.String("tier.id", a.TierID)))
		report, err := m.opts.Sweeper.SweepTier(ctx, a.TierID)
		if err != nil {
			m.log.Error("emergency sweep failed", zap.String("tier", a.TierID), zap.Error(err))
			continue
		}
		m.log.Info("emergency sweep finished",
			zap.String("tier", a.TierID),
			zap.Int("migrated", report.Migrated),
			zap.Int("failed", report.Failed))
	}
	return alerts, nil
}

// Run calls RunCycle immediately and then every interval until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	for {
		if _, err := m.RunCycle(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("monitor cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(interval):
		}
	}
}

// Costs reports used GiB times each tier's cost weight. The numbers are
// informational; nothing decides on them.
func (m *Monitor) Costs(snaps []model.UsageSnapshot) []TierCost {
	out := make([]TierCost, 0, len(snaps))
	for _, s := range snaps {
		t, ok := m.tiers.Get(s.TierID)
		if !ok {
			continue
		}
		out = append(out, TierCost{
			TierID:     s.TierID,
			UsedBytes:  s.UsedBytes,
			CostWeight: t.CostWeight,
			Cost:       cost(s.UsedBytes, t.CostWeight),
		})
	}
	return out
}

func cost(used int64, weight float64) float64 {
	return float64(used) / gib * weight
}

// Package engine assembles the tier registry, state database, orchestrator,
// scheduler and monitor into one running process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazypower/tierkeeper/internal/alert"
	"github.com/lazypower/tierkeeper/internal/backend"
	"github.com/lazypower/tierkeeper/internal/clock"
	"github.com/lazypower/tierkeeper/internal/config"
	"github.com/lazypower/tierkeeper/internal/lifecycle"
	"github.com/lazypower/tierkeeper/internal/metrics"
	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/monitor"
	"github.com/lazypower/tierkeeper/internal/scheduler"
	"github.com/lazypower/tierkeeper/internal/store"
	"github.com/lazypower/tierkeeper/internal/syncer"
	"github.com/lazypower/tierkeeper/internal/tier"
)

var (
	// ErrNoCoreTier means no hot tier is registered to ingest into.
	ErrNoCoreTier   = errors.New("no core tier configured")
	ErrRecordExists = errors.New("record already exists")
)

// Engine owns every long-lived component.
type Engine struct {
	Config    config.Config
	DB        *store.DB
	Tiers     *tier.Registry
	Policies  *lifecycle.Policies
	Syncer    *syncer.Orchestrator
	Scheduler *scheduler.Scheduler
	Monitor   *monitor.Monitor
	Alerts    *alert.Dispatcher
	Metrics   *metrics.Metrics

	clock  clock.Clock
	log    *zap.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options overrides parts of the wiring, mostly for tests.
type Options struct {
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Channel alert.Channel
}

// Open opens the state database and every configured tier backend, then
// builds the engine on top of them.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Engine, error) {
	dbPath, err := cfg.DBPath()
	if err != nil {
		return nil, err
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}

	tiers, err := OpenTiers(ctx, cfg, filepath.Dir(dbPath))
	if err != nil {
		db.Close()
		return nil, err
	}

	ch, err := alert.NewChannel(cfg.Alerts, logger)
	if err != nil {
		tiers.Close()
		db.Close()
		return nil, fmt.Errorf("alert channel: %w", err)
	}

	e, err := New(ctx, cfg, db, tiers, logger, Options{Channel: ch})
	if err != nil {
		tiers.Close()
		db.Close()
		return nil, err
	}
	return e, nil
}

// OpenTiers registers a store for each configured tier. Relative backend
// paths resolve against dataDir.
func OpenTiers(ctx context.Context, cfg config.Config, dataDir string) (*tier.Registry, error) {
	reg := tier.NewRegistry()
	for _, tc := range cfg.Tiers {
		t, err := tc.Tier()
		if err != nil {
			reg.Close()
			return nil, err
		}
		s, err := backend.Open(ctx, tc.Backend, dataDir)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("open tier %s: %w", tc.ID, err)
		}
		if err := reg.Register(t, s); err != nil {
			if c, ok := s.(interface{ Close() error }); ok {
				c.Close()
			}
			reg.Close()
			return nil, err
		}
	}
	return reg, nil
}

// New builds an engine over an open database and registry and seeds the
// configured policies into the database.
func New(ctx context.Context, cfg config.Config, db *store.DB, tiers *tier.Registry, logger *zap.Logger, opts Options) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Channel == nil {
		opts.Channel = alert.NewLogChannel(logger)
	}
	copyRate, err := cfg.CopyRateBytes()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Config:  cfg,
		DB:      db,
		Tiers:   tiers,
		Metrics: opts.Metrics,
		clock:   opts.Clock,
		log:     logger.Named("engine"),
	}

	e.Policies, err = SeedPolicies(ctx, db, cfg.PolicyList())
	if err != nil {
		return nil, err
	}
	e.Alerts = alert.NewDispatcher(opts.Channel, db, alert.Options{
		Cooldown: cfg.AlertCooldown,
		Clock:    opts.Clock,
		Logger:   logger,
		Metrics:  opts.Metrics,
	})
	e.Syncer = syncer.New(db, tiers, syncer.Options{
		Retry:              cfg.RetryPolicy(),
		MaxChecksumRetries: cfg.MaxChecksumRetries,
		StepTimeout:        cfg.StepTimeout,
		CopyRate:           copyRate,
		Clock:              opts.Clock,
		Logger:             logger,
		Metrics:            opts.Metrics,
		Alerts:             e.Alerts,
	})
	e.Scheduler = scheduler.New(db, tiers, e.Policies, e.Syncer, scheduler.Options{
		Workers:           cfg.Workers,
		PageSize:          cfg.PageSize,
		CriticalThreshold: cfg.CriticalThreshold,
		Clock:             opts.Clock,
		Logger:            logger,
		Metrics:           opts.Metrics,
		Alerts:            e.Alerts,
	})
	e.Monitor = monitor.New(db, tiers, monitor.Options{
		WarningThreshold:  cfg.WarningThreshold,
		CriticalThreshold: cfg.CriticalThreshold,
		Clock:             opts.Clock,
		Logger:            logger,
		Metrics:           opts.Metrics,
		Alerts:            e.Alerts,
		Sweeper:           e.Scheduler,
	})
	return e, nil
}

// SeedPolicies upserts the configured policies and returns the resulting
// policy set, including any stored earlier that the config no longer names.
// Contradictory policies are stored anyway; sweeps flag their records.
func SeedPolicies(ctx context.Context, db *store.DB, policies []model.Policy) (*lifecycle.Policies, error) {
	for _, p := range policies {
		if err := db.UpsertPolicy(ctx, p); err != nil {
			return nil, err
		}
	}
	stored, err := db.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	return lifecycle.NewPolicies(stored), nil
}

// Start resumes interrupted jobs and launches the sweep and monitor loops.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	resumed, err := e.Syncer.ResumePending(ctx)
	if err != nil {
		e.cancel()
		return fmt.Errorf("resume pending jobs: %w", err)
	}
	if len(resumed) > 0 {
		e.log.Info("resumed interrupted jobs", zap.Int("count", len(resumed)))
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		if err := e.Scheduler.RunPeriodic(ctx, e.Config.SweepInterval, e.Config.SweepSchedule); err != nil {
			e.log.Error("sweep loop stopped", zap.Error(err))
		}
	}()
	go func() {
		defer e.wg.Done()
		e.Monitor.Run(ctx, e.Config.MonitorInterval)
	}()
	return nil
}

// Stop cancels the background loops and waits for in-flight work to reach
// a checkpoint.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Close stops the engine and releases the database and tier backends.
func (e *Engine) Close() error {
	e.Stop()
	return errors.Join(e.Tiers.Close(), e.DB.Close())
}

// Ingest writes a new record into the core tier and creates its envelope.
// An empty recordID gets a generated one.
func (e *Engine) Ingest(ctx context.Context, recordID, entityType string, content []byte) (*model.Envelope, error) {
	if entityType == "" {
		return nil, fmt.Errorf("ingest: entity type is required")
	}
	core, ok := e.Tiers.Core()
	if !ok {
		return nil, ErrNoCoreTier
	}
	if recordID == "" {
		recordID = uuid.NewString()
	}
	existing, err := e.DB.GetEnvelope(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("ingest %s: %w", recordID, ErrRecordExists)
	}

	if core.Bounded() {
		usage, err := e.DB.UsageByTier(ctx)
		if err != nil {
			return nil, err
		}
		if usage[core.ID]+int64(len(content)) > core.CapacityBytes {
			return nil, fmt.Errorf("ingest %s: %w", recordID, tier.ErrCapacityExceeded)
		}
	}

	env := model.Envelope{
		RecordID:        recordID,
		EntityType:      entityType,
		CreatedAt:       e.clock.Now(),
		SizeBytes:       int64(len(content)),
		CurrentTierID:   core.ID,
		ContentChecksum: model.Checksum(content),
		Version:         1,
	}
	s, err := e.Tiers.Store(core.ID)
	if err != nil {
		return nil, err
	}
	if err := s.Put(ctx, env, content); err != nil {
		return nil, fmt.Errorf("ingest %s: %w", recordID, err)
	}
	if err := e.DB.InsertEnvelope(ctx, env); err != nil {
		if derr := s.Delete(context.WithoutCancel(ctx), recordID); derr != nil {
			e.log.Warn("remove content after failed ingest", zap.String("record", recordID), zap.Error(derr))
		}
		return nil, err
	}
	e.log.Info("record ingested",
		zap.String("record", recordID),
		zap.String("entity_type", entityType),
		zap.Int64("size", env.SizeBytes))
	return &env, nil
}

// Restore migrates a record from wherever it is into toTier.
func (e *Engine) Restore(ctx context.Context, recordID, toTier string) (*model.Job, error) {
	env, err := e.DB.GetEnvelope(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if env == nil || env.Deleted() {
		return nil, fmt.Errorf("restore %s: %w", recordID, syncer.ErrUnknownRecord)
	}
	if env.CurrentTierID == toTier {
		return nil, nil
	}
	return e.Syncer.Migrate(ctx, recordID, env.CurrentTierID, toTier)
}

// TierStatus is one tier's configuration next to its latest usage.
type TierStatus struct {
	Tier    tier.Tier           `json:"tier"`
	Usage   model.UsageSnapshot `json:"usage"`
	Records int                 `json:"records"`
	Cost    float64             `json:"cost"`
}

// Status takes a fresh usage snapshot and reports every tier.
func (e *Engine) Status(ctx context.Context) ([]TierStatus, error) {
	snaps, err := e.Monitor.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := e.DB.CountEnvelopes(ctx)
	if err != nil {
		return nil, err
	}
	costs := make(map[string]float64)
	for _, c := range e.Monitor.Costs(snaps) {
		costs[c.TierID] = c.Cost
	}

	out := make([]TierStatus, 0, len(snaps))
	for _, s := range snaps {
		t, _ := e.Tiers.Get(s.TierID)
		out = append(out, TierStatus{Tier: t, Usage: s, Records: counts[s.TierID], Cost: costs[s.TierID]})
	}
	return out, nil
}

// Stats summarises sync activity over the trailing window.
func (e *Engine) Stats(ctx context.Context, window time.Duration) (model.SyncStats, error) {
	return e.DB.SyncStats(ctx, e.clock.Now().Add(-window))
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// Package scheduler runs lifecycle sweeps: periodic full sweeps over every
// envelope, and emergency sweeps that drain one over-capacity tier.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/tierkeeper/internal/clock"
	"github.com/lazypower/tierkeeper/internal/lifecycle"
	"github.com/lazypower/tierkeeper/internal/metrics"
	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/store"
	"github.com/lazypower/tierkeeper/internal/syncer"
	"github.com/lazypower/tierkeeper/internal/tier"
)

// Migrator executes jobs. *syncer.Orchestrator implements it.
type Migrator interface {
	Migrate(ctx context.Context, recordID, from, to string) (*model.Job, error)
	Delete(ctx context.Context, recordID, from string) (*model.Job, error)
	ResumePending(ctx context.Context) ([]*model.Job, error)
}

// Alerter delivers sweep failure alerts.
type Alerter interface {
	Dispatch(ctx context.Context, a model.Alert) (bool, error)
}

// Options configures a Scheduler.
type Options struct {
	Workers           int
	PageSize          int
	CriticalThreshold float64 // percent; emergency sweeps stop below it
	Clock             clock.Clock
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
	Alerts            Alerter
}

// Scheduler runs sweeps one at a time.
type Scheduler struct {
	db       *store.DB
	tiers    *tier.Registry
	policies *lifecycle.Policies
	engine   *lifecycle.Engine
	mig      Migrator
	opts     Options
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	running chan struct{}
	trigger chan struct{}
}

// New creates a scheduler.
func New(db *store.DB, tiers *tier.Registry, policies *lifecycle.Policies, mig Migrator, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
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
	return &Scheduler{
		db:       db,
		tiers:    tiers,
		policies: policies,
		engine:   lifecycle.New(tiers),
		mig:      mig,
		opts:     opts,
		clock:    opts.Clock,
		log:      opts.Logger.Named("scheduler"),
		metrics:  opts.Metrics,
		tracer:   metrics.Tracer(),
		running:  make(chan struct{}, 1),
		trigger:  make(chan struct{}, 1),
	}
}

// RunOnce runs a scheduled sweep.
func (s *Scheduler) RunOnce(ctx context.Context) (*model.SweepReport, error) {
	return s.Sweep(ctx, model.SweepScheduled)
}

// Sweep resumes leftover jobs, evaluates every live envelope against its
// policy and runs the resulting jobs on a bounded worker pool. On
// cancellation it stops submitting work and returns the partial report
// once in-flight jobs have reached a checkpoint.
func (s *Scheduler) Sweep(ctx context.Context, kind model.SweepKind) (*model.SweepReport, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	ctx, span := s.tracer.Start(ctx, "scheduler.sweep", trace.WithAttributes(attribute.String("sweep.kind", string(kind))))
	defer span.End()

	r := &report{SweepReport: model.SweepReport{Kind: kind, StartedAt: s.clock.Now()}}
	s.log.Info("sweep started", zap.String("kind", string(kind)))

	resumed, err := s.mig.ResumePending(ctx)
	for _, job := range resumed {
		r.Resumed++
		r.job(job)
	}
	if err != nil {
		return s.finish(ctx, span, r, fmt.Errorf("resume pending jobs: %w", err))
	}

	now := s.clock.Now()
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return s.finish(ctx, span, r, err)
		}
		page, err := s.db.ListEnvelopes(ctx, afterID, s.opts.PageSize)
		if err != nil {
			return s.finish(ctx, span, r, err)
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].RecordID

		if err := s.sweepPage(ctx, r, page, now); err != nil {
			return s.finish(ctx, span, r, err)
		}
		if len(page) < s.opts.PageSize {
			break
		}
	}
	return s.finish(ctx, span, r, nil)
}

func (s *Scheduler) sweepPage(ctx context.Context, r *report, page []model.Envelope, now time.Time) error {
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)

	for _, env := range page {
		r.add(func(r *model.SweepReport) { r.Scanned++ })

		policy := s.policies.Resolve(env.EntityType)
		d, err := s.engine.Decide(env, policy, now)
		if err != nil {
			var conflict *lifecycle.PolicyConflictError
			if !errors.As(err, &conflict) {
				s.log.Warn("decide failed", zap.String("record", env.RecordID), zap.Error(err))
			}
			r.review(env, err.Error())
			continue
		}
		if d.Review != "" {
			r.add(func(r *model.SweepReport) {
				r.NoAction++
				r.Review = append(r.Review, model.ReviewItem{RecordID: env.RecordID, EntityType: env.EntityType, Reason: d.Review})
			})
			continue
		}
		if d.Action == lifecycle.NoAction {
			r.add(func(r *model.SweepReport) { r.NoAction++ })
			continue
		}

		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.execute(ctx, r, env, d)
			return nil
		})
	}
	g.Wait()
	return ctx.Err()
}

// execute runs one decision. Per-record failures are counted, never
// returned.
func (s *Scheduler) execute(ctx context.Context, r *report, env model.Envelope, d lifecycle.Decision) {
	var (
		job *model.Job
		err error
	)
	switch d.Action {
	case lifecycle.Delete:
		job, err = s.mig.Delete(ctx, env.RecordID, env.CurrentTierID)
	case lifecycle.Migrate:
		job, err = s.mig.Migrate(ctx, env.RecordID, env.CurrentTierID, d.TargetTier)
	}

	s.count(ctx, r, env.RecordID, d.Action, job, err)
}

// count classifies the result of one Migrate or Delete call into the
// report and reports whether the job reached DONE. An error caused by
// cancellation is not counted; the job stays resumable.
func (s *Scheduler) count(ctx context.Context, r *report, recordID string, action lifecycle.Action, job *model.Job, err error) bool {
	switch {
	case err != nil && ctx.Err() != nil:
	case errors.Is(err, syncer.ErrWrongSourceTier), errors.Is(err, syncer.ErrUnknownRecord):
		// Moved or deleted since the page was read.
		r.add(func(r *model.SweepReport) { r.Skipped++ })
	case err != nil:
		s.log.Error("job not started", zap.String("record", recordID), zap.String("action", action.String()), zap.Error(err))
		r.add(func(r *model.SweepReport) { r.Failed++ })
	case job == nil:
		r.add(func(r *model.SweepReport) { r.NoAction++ })
	default:
		r.job(job)
		return job.State == model.StateDone
	}
	return false
}

// SweepTier moves records out of a bounded tier into the next colder one,
// least recently touched first, until usage drops below the critical
// threshold or no candidates remain. Record age is ignored. Records whose
// policy is contradictory, or that fall back to the builtin policy, are
// skipped and flagged for review.
func (s *Scheduler) SweepTier(ctx context.Context, tierID string) (*model.SweepReport, error) {
	t, ok := s.tiers.Get(tierID)
	if !ok {
		return nil, fmt.Errorf("sweep tier: unknown tier %q", tierID)
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	ctx, span := s.tracer.Start(ctx, "scheduler.sweep", trace.WithAttributes(
		attribute.String("sweep.kind", string(model.SweepEmergency)),
		attribute.String("tier.id", tierID),
	))
	defer span.End()

	r := &report{SweepReport: model.SweepReport{Kind: model.SweepEmergency, TierID: tierID, StartedAt: s.clock.Now()}}
	if !t.Bounded() {
		return s.finish(ctx, span, r, nil)
	}
	colder, ok := s.tiers.Colder(tierID)
	if !ok {
		s.log.Warn("no colder tier to drain into", zap.String("tier", tierID))
		return s.finish(ctx, span, r, nil)
	}

	usage, err := s.db.UsageByTier(ctx)
	if err != nil {
		return s.finish(ctx, span, r, err)
	}
	used := usage[tierID]
	limit := int64(float64(t.CapacityBytes) * s.opts.CriticalThreshold / 100)
	s.log.Warn("emergency sweep started",
		zap.String("tier", tierID),
		zap.Int64("used", used),
		zap.Int64("limit", limit))

	seen := make(map[string]bool)
	for used >= limit {
		// Skipped records stay at the head of the ordering, so widen the
		// window by what has been seen to keep making progress.
		page, err := s.db.ListEnvelopesInTier(ctx, tierID, s.opts.PageSize+len(seen))
		if err != nil {
			return s.finish(ctx, span, r, err)
		}
		fresh := 0
		for _, env := range page {
			if seen[env.RecordID] {
				continue
			}
			seen[env.RecordID] = true
			fresh++
			if used < limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return s.finish(ctx, span, r, err)
			}

			r.add(func(r *model.SweepReport) { r.Scanned++ })
			policy := s.policies.Resolve(env.EntityType)
			if policy.Builtin {
				r.review(env, "no lifecycle policy for entity type")
				continue
			}
			if err := lifecycle.Validate(policy); err != nil {
				r.review(env, err.Error())
				continue
			}
			job, err := s.mig.Migrate(ctx, env.RecordID, tierID, colder.ID)
			if err != nil && ctx.Err() != nil {
				return s.finish(ctx, span, r, ctx.Err())
			}
			if s.count(ctx, r, env.RecordID, lifecycle.Migrate, job, err) {
				used -= env.SizeBytes
			}
		}
		if fresh == 0 {
			break
		}
	}

	if used >= limit {
		s.log.Error("emergency sweep could not relieve tier",
			zap.String("tier", tierID),
			zap.Int64("used", used),
			zap.Int64("limit", limit))
	}
	return s.finish(ctx, span, r, nil)
}

// Trigger asks RunPeriodic to sweep now. It reports false if a trigger is
// already queued.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// RunPeriodic sweeps every interval, or on a cron schedule when one is
// given, and whenever Trigger is called. It returns when ctx is cancelled.
func (s *Scheduler) RunPeriodic(ctx context.Context, interval time.Duration, schedule string) error {
	var expr *cronexpr.Expression
	if schedule != "" {
		var err error
		if expr, err = cronexpr.Parse(schedule); err != nil {
			return fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
		}
	} else if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	for {
		wait := interval
		if expr != nil {
			now := s.clock.Now()
			next := expr.Next(now)
			if next.IsZero() {
				return fmt.Errorf("sweep schedule %q has no future runs", schedule)
			}
			wait = next.Sub(now)
		}

		kind := model.SweepScheduled
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(wait):
		case <-s.trigger:
			kind = model.SweepManual
		}

		r, err := s.Sweep(ctx, kind)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			s.log.Error("sweep failed", zap.String("kind", string(kind)), zap.Error(err))
		case !r.OK():
			s.log.Warn("sweep finished with failures", zap.Int("failed", r.Failed), zap.Strings("jobs", r.FailedJobs))
		}
	}
}

func (s *Scheduler) acquire(ctx context.Context) error {
	select {
	case s.running <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) release() { <-s.running }

// finish stamps, persists and reports a sweep. The report is returned even
// when cause is non-nil.
func (s *Scheduler) finish(ctx context.Context, span trace.Span, r *report, cause error) (*model.SweepReport, error) {
	out := r.snapshot()
	out.FinishedAt = s.clock.Now()

	bg := context.WithoutCancel(ctx)
	if err := s.db.RecordSweep(bg, &out); err != nil {
		s.log.Warn("record sweep failed", zap.Error(err))
	}
	s.metrics.ObserveSweep(&out)

	span.SetAttributes(
		attribute.Int("sweep.scanned", out.Scanned),
		attribute.Int("sweep.migrated", out.Migrated),
		attribute.Int("sweep.failed", out.Failed),
	)
	if cause != nil {
		span.SetStatus(codes.Error, cause.Error())
	}

	s.log.Info("sweep finished",
		zap.String("kind", string(out.Kind)),
		zap.String("tier", out.TierID),
		zap.Int("scanned", out.Scanned),
		zap.Int("migrated", out.Migrated),
		zap.Int("deleted", out.Deleted),
		zap.Int("failed", out.Failed),
		zap.Int("skipped", out.Skipped),
		zap.Int("resumed", out.Resumed),
		zap.Duration("took", out.FinishedAt.Sub(out.StartedAt)))

	if out.Failed > 0 && s.opts.Alerts != nil {
		_, err := s.opts.Alerts.Dispatch(bg, model.Alert{
			Kind:     model.AlertSweepFailures,
			Severity: model.SeverityWarning,
			TierID:   out.TierID,
			Message:  fmt.Sprintf("%s sweep finished with %d failed jobs", out.Kind, out.Failed),
		})
		if err != nil {
			s.log.Warn("sweep alert not delivered", zap.Error(err))
		}
	}
	return &out, cause
}

// report is a SweepReport shared by the worker pool.
type report struct {
	mu sync.Mutex
	model.SweepReport
}

func (r *report) add(fn func(*model.SweepReport)) {
	r.mu.Lock()
	fn(&r.SweepReport)
	r.mu.Unlock()
}

func (r *report) review(env model.Envelope, reason string) {
	r.add(func(r *model.SweepReport) {
		r.Skipped++
		r.Review = append(r.Review, model.ReviewItem{RecordID: env.RecordID, EntityType: env.EntityType, Reason: reason})
	})
}

// job counts a job by its outcome. Jobs left non-terminal by cancellation
// are not counted.
func (r *report) job(j *model.Job) {
	r.add(func(r *model.SweepReport) {
		switch j.State {
		case model.StateDone:
			if j.Delete {
				r.Deleted++
			} else {
				r.Migrated++
			}
		case model.StateFailed:
			r.Failed++
			r.FailedJobs = append(r.FailedJobs, j.ID)
		}
	})
}

func (r *report) snapshot() model.SweepReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.SweepReport
	out.Review = append([]model.ReviewItem(nil), r.Review...)
	out.FailedJobs = append([]string(nil), r.FailedJobs...)
	return out
}

// Package syncer moves records between tiers through a persisted state
// machine. Every transition is written to the sync log in the same
// transaction as the job row, so a crash at any point leaves a job that
// ResumePending can finish.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lazypower/tierkeeper/internal/clock"
	"github.com/lazypower/tierkeeper/internal/metrics"
	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/retry"
	"github.com/lazypower/tierkeeper/internal/store"
	"github.com/lazypower/tierkeeper/internal/tier"
)

// Alerter receives alerts for failed jobs. *alert.Dispatcher implements it.
type Alerter interface {
	Dispatch(ctx context.Context, a model.Alert) (bool, error)
}

// Options tunes an Orchestrator. Zero values get defaults.
type Options struct {
	Retry              retry.Policy
	MaxChecksumRetries int
	StepTimeout        time.Duration
	CopyRate           int64 // bytes per second, 0 = unlimited
	Clock              clock.Clock
	Logger             *zap.Logger
	Metrics            *metrics.Metrics
	Alerts             Alerter
}

// Orchestrator runs migration and deletion jobs.
type Orchestrator struct {
	db      *store.DB
	tiers   *tier.Registry
	opts    Options
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	limiter *rate.Limiter
	locks   *recordLocks
}

// New creates an orchestrator over the state database and tier registry.
func New(db *store.DB, tiers *tier.Registry, opts Options) *Orchestrator {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	if opts.MaxChecksumRetries <= 0 {
		opts.MaxChecksumRetries = 2
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
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

	o := &Orchestrator{
		db:      db,
		tiers:   tiers,
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Logger.Named("syncer"),
		metrics: opts.Metrics,
		tracer:  metrics.Tracer(),
		locks:   newRecordLocks(),
	}
	if opts.CopyRate > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(opts.CopyRate), int(opts.CopyRate))
	}
	return o
}

// Migrate moves a record from one tier to another and returns the job.
// If the record is already in to and nothing is in flight, the last DONE
// job is returned (nil if the record never moved) and nothing is written.
func (o *Orchestrator) Migrate(ctx context.Context, recordID, from, to string) (*model.Job, error) {
	if from == to {
		return nil, ErrSameTier
	}
	for _, id := range []string{from, to} {
		if _, ok := o.tiers.Get(id); !ok {
			return nil, fmt.Errorf("migrate %s: unknown tier %q", recordID, id)
		}
	}

	release, err := o.locks.acquire(ctx, recordID)
	if err != nil {
		return nil, err
	}
	defer release()

	if job, err := o.finishActive(ctx, recordID); err != nil {
		return job, err
	}

	env, err := o.liveEnvelope(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if env.CurrentTierID == to {
		done, err := o.db.LatestJob(ctx, recordID, model.StateDone)
		if err != nil {
			return nil, err
		}
		return done, nil
	}
	if env.CurrentTierID != from {
		return nil, fmt.Errorf("migrate %s from %s: %w (in %s)", recordID, from, ErrWrongSourceTier, env.CurrentTierID)
	}

	job, err := o.newJob(ctx, recordID, from, to, false)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, job, false)
}

// Delete removes a record from its tier and tombstones its envelope.
func (o *Orchestrator) Delete(ctx context.Context, recordID, from string) (*model.Job, error) {
	if _, ok := o.tiers.Get(from); !ok {
		return nil, fmt.Errorf("delete %s: unknown tier %q", recordID, from)
	}

	release, err := o.locks.acquire(ctx, recordID)
	if err != nil {
		return nil, err
	}
	defer release()

	if job, err := o.finishActive(ctx, recordID); err != nil {
		return job, err
	}

	env, err := o.liveEnvelope(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if env.CurrentTierID != from {
		return nil, fmt.Errorf("delete %s from %s: %w (in %s)", recordID, from, ErrWrongSourceTier, env.CurrentTierID)
	}

	job, err := o.newJob(ctx, recordID, from, "", true)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, job, false)
}

// ResumePending finishes every non-terminal job left by a previous run.
// It stops at the first cancellation; jobs not reached stay resumable.
func (o *Orchestrator) ResumePending(ctx context.Context) ([]*model.Job, error) {
	active, err := o.db.ListActiveJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}

	var resumed []*model.Job
	for _, j := range active {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		job, err := o.resumeOne(ctx, j.ID, j.RecordID)
		if job != nil {
			resumed = append(resumed, job)
		}
		if err != nil {
			if ctx.Err() != nil {
				return resumed, ctx.Err()
			}
			o.log.Warn("resume job failed", zap.String("job", j.ID), zap.String("record", j.RecordID), zap.Error(err))
		}
	}
	return resumed, nil
}

func (o *Orchestrator) resumeOne(ctx context.Context, jobID, recordID string) (*model.Job, error) {
	release, err := o.locks.acquire(ctx, recordID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Someone may have finished it while we waited for the lock.
	job, err := o.db.GetJob(ctx, jobID)
	if err != nil || job == nil || job.State.Terminal() {
		return job, err
	}
	o.log.Info("resuming job", zap.String("job", job.ID), zap.String("record", job.RecordID), zap.String("state", string(job.State)))
	return o.run(ctx, job, true)
}

// finishActive drives a job left over from a crash before a new request
// for the same record is considered.
func (o *Orchestrator) finishActive(ctx context.Context, recordID string) (*model.Job, error) {
	active, err := o.db.ActiveJob(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, nil
	}
	job, err := o.run(ctx, active, true)
	if err != nil {
		return job, err
	}
	return nil, nil
}

func (o *Orchestrator) liveEnvelope(ctx context.Context, recordID string) (*model.Envelope, error) {
	env, err := o.db.GetEnvelope(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if env == nil || env.Deleted() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecord, recordID)
	}
	return env, nil
}

func (o *Orchestrator) newJob(ctx context.Context, recordID, from, to string, del bool) (*model.Job, error) {
	now := o.clock.Now()
	job := &model.Job{
		ID:        uuid.NewString(),
		RecordID:  recordID,
		FromTier:  from,
		ToTier:    to,
		Delete:    del,
		State:     model.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.db.CreateJob(context.WithoutCancel(ctx), job); err != nil {
		return nil, fmt.Errorf("create job for %s: %w", recordID, err)
	}
	o.metrics.Transitions.WithLabelValues(string(model.StatePending)).Inc()
	return job, nil
}

// run drives job to a terminal state. It returns early, leaving the job
// resumable, only when ctx is cancelled between states or during a backoff
// wait. Backend and database I/O is detached from ctx so a step in
// progress is never torn.
func (o *Orchestrator) run(ctx context.Context, job *model.Job, resumed bool) (*model.Job, error) {
	ctx, span := o.tracer.Start(ctx, "syncer.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("record.id", job.RecordID),
		attribute.String("tier.from", job.FromTier),
		attribute.String("tier.to", job.ToTier),
		attribute.Bool("job.delete", job.Delete),
		attribute.Bool("job.resumed", resumed),
	))
	defer span.End()
	started := o.clock.Now()

	env, err := o.db.GetEnvelope(context.WithoutCancel(ctx), job.RecordID)
	if err != nil {
		return job, err
	}
	if env == nil {
		return job, o.fail(ctx, job, fmt.Errorf("%w: %s", ErrUnknownRecord, job.RecordID))
	}

	reverify := resumed && job.State == model.StateCopying
	for !job.State.Terminal() {
		if err := ctx.Err(); err != nil {
			span.AddEvent("interrupted", trace.WithAttributes(attribute.String("state", string(job.State))))
			return job, err
		}

		var stepErr error
		switch job.State {
		case model.StatePending:
			if job.Delete {
				stepErr = o.commit(ctx, job)
			} else {
				stepErr = o.advance(ctx, job, model.StateCopying, "")
			}
		case model.StateCopying:
			if reverify {
				reverify = false
				if o.targetMatches(ctx, job, env) {
					stepErr = o.advance(ctx, job, model.StateVerifying, "")
					break
				}
			}
			stepErr = o.copy(ctx, job, env)
		case model.StateVerifying:
			stepErr = o.verify(ctx, job, env)
		case model.StateCommitted:
			stepErr = o.advance(ctx, job, model.StateDeletingSource, "")
		case model.StateDeletingSource:
			stepErr = o.deleteSource(ctx, job)
		default:
			stepErr = fmt.Errorf("job %s in unknown state %q", job.ID, job.State)
		}

		if stepErr != nil {
			if ctx.Err() != nil && !job.State.Terminal() {
				return job, ctx.Err()
			}
			if job.State == model.StateCommitted || job.State == model.StateDeletingSource {
				// Past the commit point a job can only finish forward.
				return job, stepErr
			}
			if !job.State.Terminal() {
				if err := o.fail(ctx, job, stepErr); err != nil {
					return job, err
				}
			}
		}
	}

	o.metrics.JobsFinished.WithLabelValues(job.FromTier, job.ToTier, string(job.State)).Inc()
	o.metrics.JobDuration.WithLabelValues(string(job.State)).Observe(o.clock.Now().Sub(started).Seconds())
	if job.State == model.StateFailed {
		span.SetStatus(codes.Error, job.LastError)
	}
	return job, nil
}

// advance persists a plain state transition.
func (o *Orchestrator) advance(ctx context.Context, job *model.Job, to model.JobState, errMsg string) error {
	from := job.State
	job.State = to
	job.UpdatedAt = o.clock.Now()
	if err := o.db.TransitionJob(context.WithoutCancel(ctx), job, from, errMsg); err != nil {
		job.State = from
		return fmt.Errorf("persist %s -> %s: %w", from, to, err)
	}
	o.metrics.Transitions.WithLabelValues(string(to)).Inc()
	o.log.Debug("job transition",
		zap.String("job", job.ID),
		zap.String("record", job.RecordID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("attempt", job.AttemptCount))
	return nil
}

// ioContext detaches backend calls from cancellation and bounds them by
// the step timeout.
func (o *Orchestrator) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.opts.StepTimeout)
}

// retryBudget returns the policy for the next retried step, sized to
// whatever remains of the job's overall attempt budget.
func (o *Orchestrator) retryBudget(job *model.Job) (retry.Policy, bool) {
	p := o.opts.Retry
	if p.MaxAttempts <= 0 {
		return p, true
	}
	remaining := p.MaxAttempts - job.AttemptCount
	if remaining <= 0 {
		return p, false
	}
	return p.WithMaxAttempts(remaining), true
}

func retryable(err error) bool {
	return tier.IsTransient(err)
}

// classify turns a timed out backend call into a transient error.
func classify(op string, err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !tier.IsTransient(err) {
		return tier.Transient(op, err)
	}
	return err
}

func (o *Orchestrator) copy(ctx context.Context, job *model.Job, env *model.Envelope) error {
	src, err := o.tiers.Store(job.FromTier)
	if err != nil {
		return err
	}
	dst, err := o.tiers.Store(job.ToTier)
	if err != nil {
		return err
	}
	policy, ok := o.retryBudget(job)
	if !ok {
		return fmt.Errorf("retry budget of %d attempts exhausted", o.opts.Retry.MaxAttempts)
	}

	err = retry.Do(ctx, o.clock, policy, retryable, func(attempt int) error {
		job.AttemptCount++
		err := o.copyOnce(ctx, job, env, src, dst)
		if err == nil {
			o.metrics.CopyAttempts.WithLabelValues("ok").Inc()
			return nil
		}
		o.metrics.CopyAttempts.WithLabelValues("error").Inc()
		if retryable(err) && !policy.Exhausted(attempt) {
			job.LastError = err.Error()
			if perr := o.advance(ctx, job, model.StateCopying, err.Error()); perr != nil {
				return perr
			}
			o.log.Info("copy attempt failed, retrying",
				zap.String("job", job.ID),
				zap.String("record", job.RecordID),
				zap.Int("attempt", job.AttemptCount),
				zap.Error(err))
		}
		return err
	})
	if err != nil {
		return err
	}
	return o.advance(ctx, job, model.StateVerifying, "")
}

func (o *Orchestrator) copyOnce(ctx context.Context, job *model.Job, env *model.Envelope, src, dst tier.Store) error {
	ioCtx, cancel := o.ioContext(ctx)
	defer cancel()

	_, content, err := src.Get(ioCtx, job.RecordID)
	if err != nil {
		return classify("read source", err)
	}
	if sum := model.Checksum(content); sum != env.ContentChecksum {
		return fmt.Errorf("source copy of %s is corrupt: want %s, got %s", job.RecordID, env.ContentChecksum, sum)
	}
	if err := o.checkBudget(ioCtx, job.ToTier, int64(len(content))); err != nil {
		return err
	}
	if err := o.throttle(ctx, len(content)); err != nil {
		return err
	}

	copyEnv := *env
	copyEnv.CurrentTierID = job.ToTier
	if err := dst.Put(ioCtx, copyEnv, content); err != nil {
		return classify("write target", err)
	}
	o.metrics.BytesCopied.WithLabelValues(job.ToTier).Add(float64(len(content)))
	return nil
}

// checkBudget refuses writes that would push a bounded tier past its
// configured capacity.
func (o *Orchestrator) checkBudget(ctx context.Context, tierID string, size int64) error {
	t, ok := o.tiers.Get(tierID)
	if !ok || !t.Bounded() {
		return nil
	}
	usage, err := o.db.UsageByTier(ctx)
	if err != nil {
		return tier.Transient("check capacity", err)
	}
	if usage[tierID]+size > t.CapacityBytes {
		return fmt.Errorf("%w: %s would reach %d of %d bytes", tier.ErrCapacityExceeded, tierID, usage[tierID]+size, t.CapacityBytes)
	}
	return nil
}

// throttle waits for copy bandwidth. Waiting honours ctx.
func (o *Orchestrator) throttle(ctx context.Context, n int) error {
	if o.limiter == nil {
		return nil
	}
	burst := o.limiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := o.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// targetMatches reports whether the target already holds a correct copy.
// Resumed copies use it to skip work an earlier run finished.
func (o *Orchestrator) targetMatches(ctx context.Context, job *model.Job, env *model.Envelope) bool {
	dst, err := o.tiers.Store(job.ToTier)
	if err != nil {
		return false
	}
	ioCtx, cancel := o.ioContext(ctx)
	defer cancel()
	_, content, err := dst.Get(ioCtx, job.RecordID)
	return err == nil && model.Checksum(content) == env.ContentChecksum
}

func (o *Orchestrator) verify(ctx context.Context, job *model.Job, env *model.Envelope) error {
	dst, err := o.tiers.Store(job.ToTier)
	if err != nil {
		return err
	}
	policy, ok := o.retryBudget(job)
	if !ok {
		policy = policy.WithMaxAttempts(1)
	}

	var content []byte
	err = retry.Do(ctx, o.clock, policy, retryable, func(int) error {
		ioCtx, cancel := o.ioContext(ctx)
		defer cancel()
		var gerr error
		_, content, gerr = dst.Get(ioCtx, job.RecordID)
		return classify("verify target", gerr)
	})

	var mismatch *ChecksumMismatchError
	switch {
	case errors.Is(err, tier.ErrNotFound):
		mismatch = &ChecksumMismatchError{RecordID: job.RecordID, TierID: job.ToTier, Want: env.ContentChecksum}
	case err != nil:
		return err
	default:
		if sum := model.Checksum(content); sum != env.ContentChecksum {
			mismatch = &ChecksumMismatchError{RecordID: job.RecordID, TierID: job.ToTier, Want: env.ContentChecksum, Got: sum}
		}
	}

	if mismatch == nil {
		return o.commit(ctx, job)
	}

	job.ChecksumFailures++
	job.LastError = mismatch.Error()
	if job.ChecksumFailures > o.opts.MaxChecksumRetries {
		return fmt.Errorf("giving up after %d checksum failures: %w", job.ChecksumFailures, mismatch)
	}
	if _, ok := o.retryBudget(job); !ok {
		return fmt.Errorf("retry budget exhausted: %w", mismatch)
	}
	o.log.Warn("checksum mismatch, recopying",
		zap.String("job", job.ID),
		zap.String("record", job.RecordID),
		zap.Int("checksum_failures", job.ChecksumFailures))
	if err := clock.Sleep(ctx, o.clock, o.opts.Retry.Delay(job.ChecksumFailures)); err != nil {
		return err
	}
	return o.advance(ctx, job, model.StateCopying, mismatch.Error())
}

// commit flips the envelope to the target (or tombstones it) atomically
// with the job's move to COMMITTED.
func (o *Orchestrator) commit(ctx context.Context, job *model.Job) error {
	from := job.State
	job.State = model.StateCommitted
	job.UpdatedAt = o.clock.Now()
	if err := o.db.CommitJob(context.WithoutCancel(ctx), job, from); err != nil {
		job.State = from
		return fmt.Errorf("commit %s: %w", job.RecordID, err)
	}
	o.metrics.Transitions.WithLabelValues(string(model.StateCommitted)).Inc()
	o.log.Info("job committed",
		zap.String("job", job.ID),
		zap.String("record", job.RecordID),
		zap.String("from", job.FromTier),
		zap.String("to", job.ToTier),
		zap.Bool("delete", job.Delete))
	return nil
}

// deleteSource removes the old copy. A failure here never undoes the
// commit: the job still finishes, carrying the error, and reconcile
// removes the orphan later.
func (o *Orchestrator) deleteSource(ctx context.Context, job *model.Job) error {
	src, err := o.tiers.Store(job.FromTier)
	if err != nil {
		return err
	}
	err = retry.Do(ctx, o.clock, o.opts.Retry, retryable, func(int) error {
		ioCtx, cancel := o.ioContext(ctx)
		defer cancel()
		return classify("delete source", src.Delete(ioCtx, job.RecordID))
	})
	if err != nil && ctx.Err() != nil {
		return err
	}

	msg := ""
	if err != nil {
		msg = fmt.Sprintf("source cleanup failed: %v", err)
		job.LastError = msg
		o.log.Warn("source cleanup failed; left for reconcile",
			zap.String("job", job.ID),
			zap.String("record", job.RecordID),
			zap.String("tier", job.FromTier),
			zap.Error(err))
	}
	return o.advance(ctx, job, model.StateDone, msg)
}

// fail moves job to FAILED, removes any partial target copy and raises
// an alert. The source copy and envelope are left alone.
func (o *Orchestrator) fail(ctx context.Context, job *model.Job, cause error) error {
	job.LastError = cause.Error()
	if err := o.advance(ctx, job, model.StateFailed, cause.Error()); err != nil {
		return err
	}

	if !job.Delete && job.ToTier != "" {
		o.discardTarget(ctx, job)
	}

	kind, sev := model.AlertMigrationFailed, model.SeverityWarning
	if errors.Is(cause, tier.ErrCapacityExceeded) {
		kind, sev = model.AlertCapacityExceeded, model.SeverityCritical
	}
	o.log.Error("job failed",
		zap.String("job", job.ID),
		zap.String("record", job.RecordID),
		zap.String("from", job.FromTier),
		zap.String("to", job.ToTier),
		zap.Int("attempts", job.AttemptCount),
		zap.Error(cause))

	if o.opts.Alerts != nil {
		target, move := job.ToTier, job.FromTier+" -> "+job.ToTier
		if job.Delete {
			target, move = job.FromTier, "delete from "+job.FromTier
		}
		_, err := o.opts.Alerts.Dispatch(context.WithoutCancel(ctx), model.Alert{
			Kind:     kind,
			Severity: sev,
			TierID:   target,
			Message:  fmt.Sprintf("job %s for %s (%s) failed: %v", job.ID, job.RecordID, move, cause),
			RaisedAt: o.clock.Now(),
		})
		if err != nil {
			o.log.Warn("failure alert not delivered", zap.String("job", job.ID), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) discardTarget(ctx context.Context, job *model.Job) {
	env, err := o.db.GetEnvelope(context.WithoutCancel(ctx), job.RecordID)
	if err != nil || env == nil || env.CurrentTierID == job.ToTier {
		return
	}
	dst, err := o.tiers.Store(job.ToTier)
	if err != nil {
		return
	}
	ioCtx, cancel := o.ioContext(ctx)
	defer cancel()
	if err := dst.Delete(ioCtx, job.RecordID); err != nil {
		o.log.Warn("discard partial copy failed", zap.String("job", job.ID), zap.Error(err))
	}
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/tierkeeper/internal/alert"
	"github.com/lazypower/tierkeeper/internal/backend"
	"github.com/lazypower/tierkeeper/internal/clock"
	"github.com/lazypower/tierkeeper/internal/lifecycle"
	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/retry"
	"github.com/lazypower/tierkeeper/internal/store"
	"github.com/lazypower/tierkeeper/internal/syncer"
	"github.com/lazypower/tierkeeper/internal/tier"
)

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func intp(n int) *int { return &n }

type fixture struct {
	db      *store.DB
	tiers   *tier.Registry
	core    *backend.Faulty
	main    *backend.Faulty
	clk     *clock.Fake
	channel *alert.MockChannel
	s       *Scheduler
}

func newFixture(t *testing.T, coreCapacity int64, pageSize int, policies ...model.Policy) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:      db,
		tiers:   tier.NewRegistry(),
		core:    backend.NewFaulty(backend.NewMemStore(0)),
		main:    backend.NewFaulty(backend.NewMemStore(0)),
		clk:     clock.NewFake(t0),
		channel: &alert.MockChannel{},
	}
	require.NoError(t, f.tiers.Register(tier.Tier{ID: "core", LatencyClass: tier.Hot, CapacityBytes: coreCapacity}, f.core))
	require.NoError(t, f.tiers.Register(tier.Tier{ID: "main", LatencyClass: tier.Warm}, f.main))
	require.NoError(t, f.tiers.Register(tier.Tier{ID: "archive", LatencyClass: tier.Cold}, backend.NewMemStore(0)))

	dispatcher := alert.NewDispatcher(f.channel, db, alert.Options{Clock: f.clk})
	orch := syncer.New(db, f.tiers, syncer.Options{
		Retry:  retry.Policy{MaxAttempts: 3},
		Clock:  f.clk,
		Alerts: dispatcher,
	})
	f.s = New(db, f.tiers, lifecycle.NewPolicies(policies), orch, Options{
		Workers:           2,
		PageSize:          pageSize,
		CriticalThreshold: 90,
		Clock:             f.clk,
		Alerts:            dispatcher,
	})
	return f
}

func (f *fixture) ingest(t *testing.T, id, entityType string, age time.Duration, size int) model.Envelope {
	t.Helper()
	content := make([]byte, size)
	copy(content, id)
	env := model.Envelope{
		RecordID:        id,
		EntityType:      entityType,
		CreatedAt:       t0.Add(-age),
		SizeBytes:       int64(size),
		CurrentTierID:   "core",
		ContentChecksum: model.Checksum(content),
		Version:         1,
	}
	require.NoError(t, f.core.Put(context.Background(), env, content))
	require.NoError(t, f.db.InsertEnvelope(context.Background(), env))
	return env
}

func (f *fixture) tierOf(t *testing.T, id string) string {
	t.Helper()
	env, err := f.db.GetEnvelope(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, env)
	return env.CurrentTierID
}

var summaries = model.Policy{EntityType: "daily_summary", CoreRetentionDays: 30}

func TestRunOnceMigratesAgedRecords(t *testing.T) {
	f := newFixture(t, 0, 500, summaries)
	ctx := context.Background()
	for i, days := range []int{31, 40, 45} {
		f.ingest(t, fmt.Sprintf("old-%d", i), "daily_summary", model.Days(days), 64)
	}
	f.ingest(t, "young", "daily_summary", model.Days(5), 64)

	r, err := f.s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SweepScheduled, r.Kind)
	assert.Equal(t, 4, r.Scanned)
	assert.Equal(t, 3, r.Migrated)
	assert.Equal(t, 1, r.NoAction)
	assert.True(t, r.OK())

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("old-%d", i)
		assert.Equal(t, "main", f.tierOf(t, id))
		jobs, err := f.db.ListJobs(ctx, store.JobFilter{RecordID: id})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, model.StateDone, jobs[0].State)
		log, err := f.db.JobLog(ctx, jobs[0].ID)
		require.NoError(t, err)
		assert.Len(t, log, 6)
	}
	assert.Equal(t, "core", f.tierOf(t, "young"))

	sweeps, err := f.db.ListSweeps(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sweeps, 1)
	assert.Equal(t, 3, sweeps[0].Migrated)
}

func TestRunOnceResumesInterruptedJob(t *testing.T) {
	f := newFixture(t, 0, 500, summaries)
	ctx := context.Background()
	f.ingest(t, "rec-1", "daily_summary", model.Days(40), 64)

	// A previous process died mid-COPYING.
	job := &model.Job{ID: "crashed", RecordID: "rec-1", FromTier: "core", ToTier: "main", State: model.StatePending, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, f.db.CreateJob(ctx, job))
	job.State = model.StateCopying
	job.AttemptCount = 1
	require.NoError(t, f.db.TransitionJob(ctx, job, model.StatePending, ""))

	r, err := f.s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Resumed)
	assert.Equal(t, 1, r.Migrated)
	assert.Equal(t, 1, r.NoAction, "record already moved when the page is read")
	assert.Equal(t, "main", f.tierOf(t, "rec-1"))

	jobs, err := f.db.ListJobs(ctx, store.JobFilter{RecordID: "rec-1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "crashed", jobs[0].ID)
	assert.Equal(t, model.StateDone, jobs[0].State)
}

func TestRunOnceFlagsRecordsForReview(t *testing.T) {
	conflicting := model.Policy{EntityType: "broken", CoreRetentionDays: 60, MainRetentionDays: 30}
	f := newFixture(t, 0, 500, summaries, conflicting)
	f.ingest(t, "orphan", "unknown_type", model.Days(400), 64)
	f.ingest(t, "bad", "broken", model.Days(400), 64)

	r, err := f.s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.NoAction)
	assert.Equal(t, 1, r.Skipped)
	require.Len(t, r.Review, 2)

	reasons := map[string]string{}
	for _, item := range r.Review {
		reasons[item.RecordID] = item.Reason
	}
	assert.Contains(t, reasons["bad"], "policy conflict")
	assert.Contains(t, reasons["orphan"], "no lifecycle policy")
	assert.Equal(t, "core", f.tierOf(t, "orphan"))
	assert.Equal(t, "core", f.tierOf(t, "bad"))
}

func TestRunOnceDeletesExpiredRecords(t *testing.T) {
	logs := model.Policy{EntityType: "log", CoreRetentionDays: 7, DeleteAfterDays: intp(90)}
	f := newFixture(t, 0, 500, logs)
	f.ingest(t, "expired", "log", model.Days(100), 64)

	r, err := f.s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Deleted)

	env, err := f.db.GetEnvelope(context.Background(), "expired")
	require.NoError(t, err)
	assert.True(t, env.Deleted())
}

func TestRunOnceCountsFailuresAndAlerts(t *testing.T) {
	f := newFixture(t, 0, 500, summaries)
	f.ingest(t, "rec-1", "daily_summary", model.Days(40), 64)
	f.ingest(t, "rec-2", "daily_summary", model.Days(40), 64)
	f.main.FailPuts(tier.ErrCapacityExceeded)

	r, err := f.s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.Migrated)
	assert.Len(t, r.FailedJobs, 1)
	assert.False(t, r.OK())
	assert.Equal(t, 1, f.channel.Count(model.AlertSweepFailures, model.SeverityWarning))
	assert.Equal(t, 1, f.channel.Count(model.AlertCapacityExceeded, model.SeverityCritical))
}

func TestRunOncePaginates(t *testing.T) {
	f := newFixture(t, 0, 2, summaries)
	for i := 0; i < 5; i++ {
		f.ingest(t, fmt.Sprintf("rec-%d", i), "daily_summary", model.Days(40), 16)
	}

	r, err := f.s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, r.Scanned)
	assert.Equal(t, 5, r.Migrated)
}

func TestSweepTierDrainsLeastRecentlyTouched(t *testing.T) {
	conflicting := model.Policy{EntityType: "broken", CoreRetentionDays: 60, MainRetentionDays: 30}
	f := newFixture(t, 1000, 500, summaries, conflicting)
	ctx := context.Background()

	f.ingest(t, "r0", "daily_summary", model.Days(50), 200)
	f.ingest(t, "r1", "broken", model.Days(40), 200)
	f.ingest(t, "r2", "daily_summary", model.Days(3), 200)
	f.ingest(t, "r3", "daily_summary", model.Days(2), 200)
	f.ingest(t, "r4", "daily_summary", model.Days(1), 200)
	// r0 is the oldest record but was read an hour ago.
	require.NoError(t, f.db.TouchEnvelope(ctx, "r0", t0.Add(-time.Hour)))

	r, err := f.s.SweepTier(ctx, "core")
	require.NoError(t, err)
	assert.Equal(t, model.SweepEmergency, r.Kind)
	assert.Equal(t, "core", r.TierID)
	assert.Equal(t, 1, r.Migrated)
	assert.Equal(t, 1, r.Skipped)

	assert.Equal(t, "core", f.tierOf(t, "r1"), "conflicting policy is skipped")
	assert.Equal(t, "main", f.tierOf(t, "r2"), "young records move in an emergency")
	assert.Equal(t, "core", f.tierOf(t, "r0"))
	assert.Equal(t, "core", f.tierOf(t, "r3"))

	usage, err := f.db.UsageByTier(ctx)
	require.NoError(t, err)
	assert.Less(t, usage["core"], int64(900))
}

func TestSweepTierStopsWhenCandidatesRunOut(t *testing.T) {
	conflicting := model.Policy{EntityType: "broken", CoreRetentionDays: 60, MainRetentionDays: 30}
	f := newFixture(t, 100, 1, conflicting)
	f.ingest(t, "r0", "broken", model.Days(1), 60)
	f.ingest(t, "r1", "broken", model.Days(2), 60)

	r, err := f.s.SweepTier(context.Background(), "core")
	require.NoError(t, err)
	assert.Equal(t, 0, r.Migrated)
	assert.Equal(t, 2, r.Skipped)
}

func TestSweepTierSkipsRecordsWithoutPolicy(t *testing.T) {
	f := newFixture(t, 1000, 500, summaries)
	ctx := context.Background()
	f.ingest(t, "voice", "voice_note", model.Days(90), 500)
	f.ingest(t, "r1", "daily_summary", model.Days(2), 450)

	r, err := f.s.SweepTier(ctx, "core")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Scanned)
	assert.Equal(t, 1, r.Migrated)
	assert.Equal(t, 1, r.Skipped)
	require.Len(t, r.Review, 1)
	assert.Equal(t, "voice", r.Review[0].RecordID)
	assert.Contains(t, r.Review[0].Reason, "no lifecycle policy")

	assert.Equal(t, "core", f.tierOf(t, "voice"))
	assert.Equal(t, "main", f.tierOf(t, "r1"))
}

// brokenMigrator fails every Migrate call with err.
type brokenMigrator struct{ err error }

func (b brokenMigrator) Migrate(ctx context.Context, recordID, from, to string) (*model.Job, error) {
	return nil, b.err
}

func (b brokenMigrator) Delete(ctx context.Context, recordID, from string) (*model.Job, error) {
	return nil, b.err
}

func (b brokenMigrator) ResumePending(ctx context.Context) ([]*model.Job, error) {
	return nil, nil
}

func TestSweepTierClassifiesMigrateErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		failed  int
		skipped int
	}{
		{"store failure counts as failed", errors.New("database is locked"), 2, 0},
		{"moved record counts as skipped", syncer.ErrWrongSourceTier, 0, 2},
		{"vanished record counts as skipped", syncer.ErrUnknownRecord, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1000, 500, summaries)
			f.ingest(t, "r0", "daily_summary", model.Days(2), 500)
			f.ingest(t, "r1", "daily_summary", model.Days(1), 450)
			s := New(f.db, f.tiers, lifecycle.NewPolicies([]model.Policy{summaries}), brokenMigrator{tt.err}, Options{
				PageSize:          500,
				CriticalThreshold: 90,
				Clock:             f.clk,
			})

			r, err := s.SweepTier(context.Background(), "core")
			require.NoError(t, err)
			assert.Equal(t, 2, r.Scanned)
			assert.Equal(t, tt.failed, r.Failed)
			assert.Equal(t, tt.skipped, r.Skipped)
			assert.Equal(t, tt.failed == 0, r.OK())
			assert.Equal(t, "core", f.tierOf(t, "r0"))
		})
	}
}

func TestSweepTierIgnoresUnboundedTier(t *testing.T) {
	f := newFixture(t, 0, 500, summaries)
	f.ingest(t, "r0", "daily_summary", model.Days(1), 60)

	r, err := f.s.SweepTier(context.Background(), "core")
	require.NoError(t, err)
	assert.Zero(t, r.Scanned)

	_, err = f.s.SweepTier(context.Background(), "nope")
	assert.Error(t, err)
}

func TestRunPeriodicTrigger(t *testing.T) {
	f := newFixture(t, 0, 500, summaries)
	f.ingest(t, "rec-1", "daily_summary", model.Days(40), 16)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.s.RunPeriodic(ctx, time.Hour, "") }()

	require.Eventually(t, func() bool { return f.clk.Pending() == 1 }, 5*time.Second, time.Millisecond)
	assert.True(t, f.s.Trigger())

	require.Eventually(t, func() bool {
		sweeps, err := f.db.ListSweeps(context.Background(), 10)
		return err == nil && len(sweeps) == 1 && sweeps[0].Kind == model.SweepManual
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "main", f.tierOf(t, "rec-1"))
}

func TestRunPeriodicCronSchedule(t *testing.T) {
	f := newFixture(t, 0, 500, summaries)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.s.RunPeriodic(ctx, 0, "0 * * * *") }()

	require.Eventually(t, func() bool { return f.clk.Pending() == 1 }, 5*time.Second, time.Millisecond)
	f.clk.Add(time.Hour)

	require.Eventually(t, func() bool {
		sweeps, err := f.db.ListSweeps(context.Background(), 10)
		return err == nil && len(sweeps) == 1 && sweeps[0].Kind == model.SweepScheduled
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunPeriodicRejectsBadSchedule(t *testing.T) {
	f := newFixture(t, 0, 500)
	err := f.s.RunPeriodic(context.Background(), 0, "not a cron")
	assert.Error(t, err)
	err = f.s.RunPeriodic(context.Background(), 0, "")
	assert.Error(t, err)
}

func TestTriggerCoalesces(t *testing.T) {
	f := newFixture(t, 0, 500)
	assert.True(t, f.s.Trigger())
	assert.False(t, f.s.Trigger())
}

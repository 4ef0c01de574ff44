package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lazypower/tierkeeper/internal/model"
)

func newJob(id, recordID string) *model.Job {
	return &model.Job{
		ID:        id,
		RecordID:  recordID,
		FromTier:  "core",
		ToTier:    "main",
		State:     model.StatePending,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func advance(t *testing.T, db *DB, j *model.Job, to model.JobState, errMsg string) {
	t.Helper()
	from := j.State
	j.State = to
	j.UpdatedAt = j.UpdatedAt.Add(time.Second)
	if err := db.TransitionJob(context.Background(), j, from, errMsg); err != nil {
		t.Fatalf("TransitionJob %s -> %s: %v", from, to, err)
	}
}

func TestCreateJobOneActivePerRecord(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	insertEnv(t, db, "rec-1", "core", 10, t0)

	if err := db.CreateJob(ctx, newJob("j1", "rec-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	err := db.CreateJob(ctx, newJob("j2", "rec-1"))
	if !errors.Is(err, ErrActiveJob) {
		t.Fatalf("second CreateJob err = %v, want ErrActiveJob", err)
	}

	active, err := db.ActiveJob(ctx, "rec-1")
	if err != nil {
		t.Fatalf("ActiveJob: %v", err)
	}
	if active == nil || active.ID != "j1" {
		t.Fatalf("ActiveJob = %+v, want j1", active)
	}

	// Once j1 is terminal a new job may start.
	advance(t, db, active, model.StateFailed, "gave up")
	if err := db.CreateJob(ctx, newJob("j3", "rec-1")); err != nil {
		t.Fatalf("CreateJob after FAILED: %v", err)
	}
}

func TestTransitionGuardsFromState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	j := newJob("j1", "rec-1")
	if err := db.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	j.State = model.StateVerifying
	if err := db.TransitionJob(ctx, j, model.StateCopying, ""); err == nil {
		t.Error("expected transition from wrong state to fail")
	}
}

func TestCommitJobMovesEnvelope(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	insertEnv(t, db, "rec-1", "core", 10, t0)

	j := newJob("j1", "rec-1")
	if err := db.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	j.AttemptCount = 1
	advance(t, db, j, model.StateCopying, "")
	advance(t, db, j, model.StateVerifying, "")

	j.State = model.StateCommitted
	if err := db.CommitJob(ctx, j, model.StateVerifying); err != nil {
		t.Fatalf("CommitJob: %v", err)
	}

	env, err := db.GetEnvelope(ctx, "rec-1")
	if err != nil {
		t.Fatalf("GetEnvelope: %v", err)
	}
	if env.CurrentTierID != "main" {
		t.Errorf("CurrentTierID = %q, want main", env.CurrentTierID)
	}
	if env.Version != 2 {
		t.Errorf("Version = %d, want 2", env.Version)
	}

	log, err := db.JobLog(ctx, "j1")
	if err != nil {
		t.Fatalf("JobLog: %v", err)
	}
	want := []model.JobState{model.StatePending, model.StateCopying, model.StateVerifying, model.StateCommitted}
	if len(log) != len(want) {
		t.Fatalf("log len = %d, want %d: %+v", len(log), len(want), log)
	}
	for i, e := range log {
		if e.ToState != want[i] {
			t.Errorf("log[%d].ToState = %s, want %s", i, e.ToState, want[i])
		}
	}
	if log[0].FromState != "" {
		t.Errorf("first entry FromState = %q, want empty", log[0].FromState)
	}
}

func TestCommitJobStaleEnvelope(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	insertEnv(t, db, "rec-1", "main", 10, t0)

	j := newJob("j1", "rec-1") // expects core
	if err := db.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	advance(t, db, j, model.StateCopying, "")
	advance(t, db, j, model.StateVerifying, "")
	j.State = model.StateCommitted
	if err := db.CommitJob(ctx, j, model.StateVerifying); !errors.Is(err, ErrStaleEnvelope) {
		t.Fatalf("CommitJob err = %v, want ErrStaleEnvelope", err)
	}

	// Rolled back: job still VERIFYING, envelope untouched.
	got, _ := db.GetJob(ctx, "j1")
	if got.State != model.StateVerifying {
		t.Errorf("job state = %s, want VERIFYING", got.State)
	}
}

func TestCommitDeleteTombstones(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	insertEnv(t, db, "rec-1", "archive", 10, t0)

	j := &model.Job{ID: "d1", RecordID: "rec-1", FromTier: "archive", Delete: true, State: model.StatePending, CreatedAt: t0, UpdatedAt: t0}
	if err := db.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	j.State = model.StateCommitted
	j.UpdatedAt = t0.Add(time.Minute)
	if err := db.CommitJob(ctx, j, model.StatePending); err != nil {
		t.Fatalf("CommitJob: %v", err)
	}

	env, _ := db.GetEnvelope(ctx, "rec-1")
	if !env.Deleted() || env.CurrentTierID != "" {
		t.Errorf("envelope not tombstoned: %+v", env)
	}
	usage, _ := db.UsageByTier(ctx)
	if usage["archive"] != 0 {
		t.Errorf("tombstone counted in usage: %v", usage)
	}
	live, _ := db.ListEnvelopes(ctx, "", 10)
	if len(live) != 0 {
		t.Errorf("ListEnvelopes returned tombstone: %+v", live)
	}

	got, _ := db.GetJob(ctx, "d1")
	if !got.Delete || got.ToTier != "" {
		t.Errorf("GetJob = %+v", got)
	}
}

func TestLatestAndListJobs(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	j1 := newJob("j1", "rec-1")
	if err := db.CreateJob(ctx, j1); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	advance(t, db, j1, model.StateFailed, "boom")

	j2 := newJob("j2", "rec-1")
	j2.CreatedAt = t0.Add(time.Hour)
	j2.UpdatedAt = j2.CreatedAt
	if err := db.CreateJob(ctx, j2); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	failed, err := db.LatestJob(ctx, "rec-1", model.StateFailed)
	if err != nil {
		t.Fatalf("LatestJob(FAILED): %v", err)
	}
	if failed == nil || failed.ID != "j1" {
		t.Fatalf("LatestJob(FAILED) = %+v, want j1", failed)
	}

	done, err := db.LatestJob(ctx, "rec-1", model.StateDone)
	if err != nil || done != nil {
		t.Errorf("LatestJob(DONE) = %+v, %v; want nil", done, err)
	}

	active, err := db.ListActiveJobs(ctx)
	if err != nil {
		t.Fatalf("ListActiveJobs: %v", err)
	}
	if len(active) != 1 || active[0].ID != "j2" {
		t.Errorf("ListActiveJobs = %+v", active)
	}

	all, err := db.ListJobs(ctx, JobFilter{RecordID: "rec-1"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 2 || all[0].ID != "j2" {
		t.Errorf("ListJobs = %+v, want j2 first", all)
	}

	onlyFailed, err := db.ListJobs(ctx, JobFilter{State: model.StateFailed})
	if err != nil {
		t.Fatalf("ListJobs(FAILED): %v", err)
	}
	if len(onlyFailed) != 1 {
		t.Errorf("ListJobs(FAILED) len = %d, want 1", len(onlyFailed))
	}
}

func TestSyncStats(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ok := newJob("ok", "rec-1")
	if err := db.CreateJob(ctx, ok); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	advance(t, db, ok, model.StateDone, "")

	bad := newJob("bad", "rec-2")
	if err := db.CreateJob(ctx, bad); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	bad.LastError = "disk full"
	advance(t, db, bad, model.StateFailed, "disk full")

	running := newJob("running", "rec-3")
	if err := db.CreateJob(ctx, running); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	stats, err := db.SyncStats(ctx, time.Time{})
	if err != nil {
		t.Fatalf("SyncStats: %v", err)
	}
	if stats.Done != 1 || stats.Failed != 1 || stats.Active != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Transitions != 5 || stats.Errors != 1 {
		t.Errorf("transitions = %d errors = %d, want 5 and 1", stats.Transitions, stats.Errors)
	}
	if got := stats.SuccessRate(); got != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", got)
	}

	recLog, err := db.RecordLog(ctx, "rec-2")
	if err != nil {
		t.Fatalf("RecordLog: %v", err)
	}
	if len(recLog) != 2 || recLog[1].Error != "disk full" {
		t.Errorf("RecordLog = %+v", recLog)
	}
}

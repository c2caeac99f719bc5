package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStoreRoundTripsJobRecord(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	job := JobRecord{
		ID:              "job-1",
		Tenant:          "tenant-a",
		Fingerprint:     "abc123",
		Category:        "ceramic",
		Complexity:      "medium",
		PipelineVersion: "v3",
		Descriptor:      `{"input":"s3://bucket/x"}`,
		Priority:        7,
		RequestedTier:   TierHigh,
		State:           JobAdmitted,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	now := time.Now().UTC()
	job.State = JobScheduled
	job.ChosenTier = TierHigh
	job.Tier = TierMedium
	job.Downgraded = true
	job.DAGHandle = "dag-1"
	job.StartedAt = now
	job.Reservation = &Reservation{ID: "r-1", JobID: "job-1", Tier: TierMedium, NodeClass: "gpu", CPUMilli: 2000, ReservedAt: now}
	if err := store.UpdateJob(ctx, job); err != nil {
		t.Fatalf("update job: %v", err)
	}

	got, ok, err := store.GetJob(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.State != JobScheduled || got.Tier != TierMedium || got.ChosenTier != TierHigh || !got.Downgraded {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.RequestedTier != TierHigh {
		t.Fatalf("requested tier lost: %v", got.RequestedTier)
	}
	if got.Reservation == nil || got.Reservation.ID != "r-1" || got.Reservation.Tier != TierMedium {
		t.Fatalf("reservation not round-tripped: %+v", got.Reservation)
	}
	if !got.StartedAt.Equal(now) {
		t.Fatalf("started_at mismatch: got %v want %v", got.StartedAt, now)
	}

	n, err := store.CountJobsByTenantState(ctx, "tenant-a", ActiveStates...)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 active job, got %d", n)
	}
	listed, err := store.ListJobs(ctx, JobQuery{Tenant: "tenant-a", States: []JobState{JobScheduled}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "job-1" {
		t.Fatalf("unexpected list result: %+v", listed)
	}
}

func TestSQLiteStoreTransitionsInOrder(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.CreateJob(ctx, JobRecord{ID: "job-2", Tenant: "t", Fingerprint: "fp", State: JobAdmitted}); err != nil {
		t.Fatalf("create: %v", err)
	}
	steps := [][2]JobState{{JobAdmitted, JobQualityChosen}, {JobQualityChosen, JobCacheMiss}, {JobCacheMiss, JobResourceReserving}}
	for _, s := range steps {
		if err := store.AppendTransition(ctx, TransitionRecord{JobID: "job-2", From: s[0], To: s[1]}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	trs, err := store.ListTransitions(ctx, "job-2")
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(trs) != len(steps) {
		t.Fatalf("expected %d transitions, got %d", len(steps), len(trs))
	}
	for i, s := range steps {
		if trs[i].From != s[0] || trs[i].To != s[1] {
			t.Fatalf("transition %d: got %s->%s", i, trs[i].From, trs[i].To)
		}
	}
}

func TestSQLiteStoreReopenSkipsAppliedMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	first, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = first.Close()
	second, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = second.Close()
}

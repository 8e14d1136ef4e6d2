package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/duroq/internal/job"
	"github.com/nextlevelbuilder/duroq/internal/store"
)

func TestInsertAssignsAvailableState(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	j, err := s.Insert(ctx, job.InsertParams{Queue: "default", Worker: "noop"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if j.State != job.StateAvailable {
		t.Fatalf("want available, got %s", j.State)
	}
	if j.ID == 0 {
		t.Fatal("want nonzero id")
	}
}

func TestInsertFutureScheduledAtIsScheduled(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	j, err := s.Insert(ctx, job.InsertParams{Queue: "default", Worker: "noop", ScheduledAt: future})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if j.State != job.StateScheduled {
		t.Fatalf("want scheduled, got %s", j.State)
	}
}

func TestInsertRejectsMissingWorkerOrQueue(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	if _, err := s.Insert(ctx, job.InsertParams{Worker: "noop"}); err == nil {
		t.Fatal("want error for missing queue")
	}
	if _, err := s.Insert(ctx, job.InsertParams{Queue: "default"}); err == nil {
		t.Fatal("want error for missing worker")
	}
}

func TestUniqueInsertReturnsConflict(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	params := job.InsertParams{
		Queue: "default", Worker: "noop",
		Unique: &job.UniqueOpts{ByQueue: true},
	}

	first, err := s.Insert(ctx, params)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first.Conflict {
		t.Fatal("first insert should not conflict")
	}

	second, err := s.Insert(ctx, params)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !second.Conflict {
		t.Fatal("second insert should conflict")
	}
	if second.ID != first.ID {
		t.Fatalf("conflicting insert should return the original job, got id %d want %d", second.ID, first.ID)
	}
}

func TestUniqueInsertExpiresAfterPeriod(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := New(clock)
	ctx := context.Background()
	params := job.InsertParams{
		Queue: "default", Worker: "noop",
		Unique: &job.UniqueOpts{ByQueue: true, Period: time.Minute},
	}

	if _, err := s.Insert(ctx, params); err != nil {
		t.Fatalf("insert: %v", err)
	}

	now = now.Add(2 * time.Minute)
	second, err := s.Insert(ctx, params)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if second.Conflict {
		t.Fatal("expired uniqueness window should allow a fresh insert")
	}
}

func TestFetchOrdersByPriorityThenScheduledAtThenID(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	low, _ := s.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w", Priority: 5})
	high, _ := s.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w", Priority: 1})

	leased, err := s.Fetch(ctx, "q", 10, "node1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(leased) != 2 {
		t.Fatalf("want 2 leased, got %d", len(leased))
	}
	if leased[0].ID != high.ID || leased[1].ID != low.ID {
		t.Fatalf("want priority order [%d,%d], got [%d,%d]", high.ID, low.ID, leased[0].ID, leased[1].ID)
	}
	for _, j := range leased {
		if j.State != job.StateExecuting {
			t.Fatalf("leased job %d should be executing, got %s", j.ID, j.State)
		}
		if j.AttemptedBy != "node1" {
			t.Fatalf("want attempted_by node1, got %q", j.AttemptedBy)
		}
	}
}

func TestFetchRespectsDemandAndScheduledAt(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	s.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w"})
	s.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w", ScheduledAt: time.Now().Add(time.Hour)})

	leased, err := s.Fetch(ctx, "q", 10, "node1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("want 1 immediately fetchable job, got %d", len(leased))
	}
}

func TestCompleteRequiresExecuting(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	j, _ := s.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w"})
	if _, err := s.Complete(ctx, j.ID); err != store.ErrNotExecuting {
		t.Fatalf("want ErrNotExecuting, got %v", err)
	}

	leased, _ := s.Fetch(ctx, "q", 1, "node1")
	done, err := s.Complete(ctx, leased[0].ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.State != job.StateCompleted {
		t.Fatalf("want completed, got %s", done.State)
	}

	again, err := s.Complete(ctx, leased[0].ID)
	if err != nil {
		t.Fatalf("idempotent complete should not error: %v", err)
	}
	if again.State != job.StateCompleted {
		t.Fatalf("idempotent complete should stay completed, got %s", again.State)
	}
}

func TestErrorDiscardsOnAttemptExhaustion(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	j, _ := s.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w", MaxAttempts: 1})
	leased, _ := s.Fetch(ctx, "q", 1, "node1")
	if leased[0].Attempt != 1 {
		t.Fatalf("want attempt 1 after fetch, got %d", leased[0].Attempt)
	}

	out, err := s.Error(ctx, j.ID, job.ErrorEntry{Error: "boom"}, time.Second)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if out.State != job.StateDiscarded {
		t.Fatalf("want discarded once attempts exhausted, got %s", out.State)
	}
}

func TestErrorRetriesBeforeExhaustion(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	j, _ := s.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w", MaxAttempts: 5})
	s.Fetch(ctx, "q", 1, "node1")

	out, err := s.Error(ctx, j.ID, job.ErrorEntry{Error: "boom"}, time.Second)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if out.State != job.StateRetryable {
		t.Fatalf("want retryable, got %s", out.State)
	}
	if len(out.Errors) != 1 {
		t.Fatalf("want 1 recorded error, got %d", len(out.Errors))
	}
}

func TestSnoozeLeavesAttemptUnchangedButGrowsMaxAttempts(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	j, _ := s.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w", MaxAttempts: 5})
	leased, _ := s.Fetch(ctx, "q", 1, "node1")
	wantAttempt := leased[0].Attempt

	out, err := s.Snooze(ctx, j.ID, time.Minute)
	if err != nil {
		t.Fatalf("snooze: %v", err)
	}
	if out.State != job.StateScheduled {
		t.Fatalf("want scheduled, got %s", out.State)
	}
	if out.Attempt != wantAttempt {
		t.Fatalf("snooze must not change attempt, want %d got %d", wantAttempt, out.Attempt)
	}
	if out.MaxAttempts != 6 {
		t.Fatalf("want max_attempts grown to 6, got %d", out.MaxAttempts)
	}
}

func TestCancelIsIdempotentOnceTerminal(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	j, _ := s.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w"})
	first, err := s.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if first.State != job.StateCancelled {
		t.Fatalf("want cancelled, got %s", first.State)
	}

	second, err := s.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("idempotent cancel should not error: %v", err)
	}
	if second.State != job.StateCancelled {
		t.Fatalf("want still cancelled, got %s", second.State)
	}
}

func TestRetryResetsToAvailable(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	j, _ := s.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w"})
	s.Cancel(ctx, j.ID)

	out, err := s.Retry(ctx, j.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if out.State != job.StateAvailable {
		t.Fatalf("want available, got %s", out.State)
	}
	if out.Attempt != 0 {
		t.Fatalf("want attempt reset to 0, got %d", out.Attempt)
	}
	if out.CancelledAt != nil {
		t.Fatal("want cancelled_at cleared")
	}
}

func TestStageScheduledPromotesDueJobs(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := New(clock)
	ctx := context.Background()

	due, _ := s.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w", ScheduledAt: now.Add(time.Minute)})
	notDue, _ := s.Insert(ctx, job.InsertParams{Queue: "q2", Worker: "w", ScheduledAt: now.Add(time.Hour)})

	now = now.Add(2 * time.Minute)
	queues, moved, err := s.StageScheduled(ctx, now)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if moved != 1 {
		t.Fatalf("want 1 moved, got %d", moved)
	}
	if len(queues) != 1 || queues[0] != "q" {
		t.Fatalf("want [q], got %v", queues)
	}

	got, _ := s.Get(ctx, due.ID)
	if got.State != job.StateAvailable {
		t.Fatalf("want available, got %s", got.State)
	}
	stillScheduled, _ := s.Get(ctx, notDue.ID)
	if stillScheduled.State != job.StateScheduled {
		t.Fatalf("want still scheduled, got %s", stillScheduled.State)
	}
}

func TestRescueOrphansRescuesOrDiscards(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := New(clock)
	ctx := context.Background()

	rescuable, _ := s.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w", MaxAttempts: 5})
	exhausted, _ := s.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w", MaxAttempts: 1})
	s.Fetch(ctx, "q", 10, "node1")

	now = now.Add(time.Hour)
	outcome, err := s.RescueOrphans(ctx, time.Minute)
	if err != nil {
		t.Fatalf("rescue: %v", err)
	}
	if outcome.Rescued != 1 || outcome.Discarded != 1 {
		t.Fatalf("want 1 rescued and 1 discarded, got %+v", outcome)
	}

	r, _ := s.Get(ctx, rescuable.ID)
	if r.State != job.StateAvailable {
		t.Fatalf("want rescued job available, got %s", r.State)
	}
	d, _ := s.Get(ctx, exhausted.ID)
	if d.State != job.StateDiscarded {
		t.Fatalf("want exhausted job discarded, got %s", d.State)
	}
}

func TestPruneDeletesOldTerminalJobsOnly(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := New(clock)
	ctx := context.Background()

	old, _ := s.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w"})
	s.Cancel(ctx, old.ID)
	fresh, _ := s.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w"})
	s.Cancel(ctx, fresh.ID)

	now = now.Add(2 * time.Hour)
	// Re-cancel fresh at the new "now" so its cancelled_at is recent.
	s2, _ := s.Retry(ctx, fresh.ID)
	_ = s2
	s.Cancel(ctx, fresh.ID)

	deleted, err := s.Prune(ctx, store.PruneConditions{CancelledOlderThan: time.Hour})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("want 1 deleted, got %d", deleted)
	}
	if _, err := s.Get(ctx, old.ID); err != store.ErrNotFound {
		t.Fatalf("want old job pruned, got err=%v", err)
	}
	if _, err := s.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("want fresh job retained, got err=%v", err)
	}
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	s := New(nil)
	if _, err := s.Get(context.Background(), 999); err != store.ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

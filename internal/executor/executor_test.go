package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/duroq/internal/job"
	"github.com/nextlevelbuilder/duroq/internal/obshooks"
	"github.com/nextlevelbuilder/duroq/internal/store/memstore"
)

func leaseJob(t *testing.T, st *memstore.Store, params job.InsertParams) *job.Job {
	t.Helper()
	ctx := context.Background()
	if _, err := st.Insert(ctx, params); err != nil {
		t.Fatalf("insert: %v", err)
	}
	leased, err := st.Fetch(ctx, params.Queue, 1, "node1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	return leased[0]
}

func TestRunCompletesOnSuccess(t *testing.T) {
	st := memstore.New(nil)
	reg := Registry{"noop": WorkerFunc(func(ctx context.Context, j *job.Job) job.Outcome {
		return job.Complete()
	})}
	e := New(st, reg, obshooks.Noop{})

	j := leaseJob(t, st, job.InsertParams{Queue: "q", Worker: "noop"})
	e.Run(context.Background(), j)

	got, err := st.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != job.StateCompleted {
		t.Fatalf("want completed, got %s", got.State)
	}
}

func TestRunMissingWorkerDiscards(t *testing.T) {
	st := memstore.New(nil)
	e := New(st, Registry{}, obshooks.Noop{})

	j := leaseJob(t, st, job.InsertParams{Queue: "q", Worker: "ghost", MaxAttempts: 5})
	e.Run(context.Background(), j)

	got, _ := st.Get(context.Background(), j.ID)
	if got.State != job.StateDiscarded {
		t.Fatalf("want discarded after a missing-worker lookup failure, got %s", got.State)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	st := memstore.New(nil)
	reg := Registry{"boom": WorkerFunc(func(ctx context.Context, j *job.Job) job.Outcome {
		panic("kaboom")
	})}
	e := New(st, reg, obshooks.Noop{})

	j := leaseJob(t, st, job.InsertParams{Queue: "q", Worker: "boom", MaxAttempts: 5})
	e.Run(context.Background(), j)

	got, _ := st.Get(context.Background(), j.ID)
	if got.State != job.StateRetryable {
		t.Fatalf("want retryable after panic, got %s", got.State)
	}
	if len(got.Errors) != 1 {
		t.Fatalf("want 1 recorded error, got %d", len(got.Errors))
	}
}

func TestRunCancelOutcome(t *testing.T) {
	st := memstore.New(nil)
	reg := Registry{"cancelme": WorkerFunc(func(ctx context.Context, j *job.Job) job.Outcome {
		return job.Cancel(errors.New("no longer needed"))
	})}
	e := New(st, reg, obshooks.Noop{})

	j := leaseJob(t, st, job.InsertParams{Queue: "q", Worker: "cancelme"})
	e.Run(context.Background(), j)

	got, _ := st.Get(context.Background(), j.ID)
	if got.State != job.StateCancelled {
		t.Fatalf("want cancelled, got %s", got.State)
	}
}

func TestRunSnoozeOutcome(t *testing.T) {
	st := memstore.New(nil)
	reg := Registry{"snoozer": WorkerFunc(func(ctx context.Context, j *job.Job) job.Outcome {
		return job.Snooze(time.Minute)
	})}
	e := New(st, reg, obshooks.Noop{})

	j := leaseJob(t, st, job.InsertParams{Queue: "q", Worker: "snoozer", MaxAttempts: 5})
	e.Run(context.Background(), j)

	got, _ := st.Get(context.Background(), j.ID)
	if got.State != job.StateScheduled {
		t.Fatalf("want scheduled, got %s", got.State)
	}
	if got.MaxAttempts != 6 {
		t.Fatalf("want max_attempts grown to 6, got %d", got.MaxAttempts)
	}
}

func TestSnoozeCapDiscardsInsteadOfSnoozing(t *testing.T) {
	st := memstore.New(nil)
	reg := Registry{"snoozer": WorkerFunc(func(ctx context.Context, j *job.Job) job.Outcome {
		return job.Snooze(time.Minute)
	})}
	e := New(st, reg, obshooks.Noop{})
	e.SetMaxSnoozes(3)

	j := leaseJob(t, st, job.InsertParams{Queue: "q", Worker: "snoozer", MaxAttempts: 3})
	e.Run(context.Background(), j)

	got, _ := st.Get(context.Background(), j.ID)
	if got.State != job.StateDiscarded {
		t.Fatalf("want discarded once the snooze cap is reached, got %s", got.State)
	}
}

func TestRunHonorsTimeoutOverride(t *testing.T) {
	st := memstore.New(nil)
	started := make(chan struct{})
	reg := Registry{"slow": timeoutWorker{WorkerFunc(func(ctx context.Context, j *job.Job) job.Outcome {
		close(started)
		<-ctx.Done()
		return job.Complete()
	}), 10 * time.Millisecond}}
	e := New(st, reg, obshooks.Noop{})

	j := leaseJob(t, st, job.InsertParams{Queue: "q", Worker: "slow", MaxAttempts: 5})
	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), j)
		close(done)
	}()
	<-started
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout override was not applied")
	}

	got, _ := st.Get(context.Background(), j.ID)
	if got.State != job.StateRetryable {
		t.Fatalf("want retryable after timeout, got %s", got.State)
	}
}

type timeoutWorker struct {
	Worker
	d time.Duration
}

func (t timeoutWorker) Timeout() time.Duration { return t.d }

type exceptionCapture struct {
	obshooks.Noop
	exceptions []error
}

func (e *exceptionCapture) OnException(j *job.Job, err error) {
	e.exceptions = append(e.exceptions, err)
}

func TestRunEmitsOnException(t *testing.T) {
	st := memstore.New(nil)
	reg := Registry{"boom": WorkerFunc(func(ctx context.Context, j *job.Job) job.Outcome {
		panic("kaboom")
	})}
	capture := &exceptionCapture{}
	e := New(st, reg, capture)

	j := leaseJob(t, st, job.InsertParams{Queue: "q", Worker: "boom", MaxAttempts: 5})
	e.Run(context.Background(), j)

	if len(capture.exceptions) != 1 {
		t.Fatalf("want 1 exception reported, got %d", len(capture.exceptions))
	}
}

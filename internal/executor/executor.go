// Package executor runs exactly one job in isolation: invoke the
// worker, apply a timeout, classify the outcome, emit lifecycle hooks,
// and delegate the result to the store.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/duroq/internal/job"
	"github.com/nextlevelbuilder/duroq/internal/obshooks"
	"github.com/nextlevelbuilder/duroq/internal/store"
)

// DefaultTimeout is used when the worker does not implement
// TimeoutOverrider; there is no per-job override.
const DefaultTimeout = 60 * time.Second

// Worker runs one job and returns its outcome. A panic inside Work is
// recovered by the executor and converted into an error outcome.
type Worker interface {
	Work(ctx context.Context, j *job.Job) job.Outcome
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, j *job.Job) job.Outcome

func (f WorkerFunc) Work(ctx context.Context, j *job.Job) job.Outcome { return f(ctx, j) }

// TimeoutOverrider lets a worker declare a non-default timeout.
type TimeoutOverrider interface {
	Timeout() time.Duration
}

// Registry resolves a job's worker name to its implementation.
type Registry map[string]Worker

// Executor wires a worker registry to a store and a set of hooks.
type Executor struct {
	store    store.Store
	registry Registry
	hooks    obshooks.Hooks

	// maxSnoozes caps job.MaxAttempts growth from repeated snoozing.
	// Zero means unbounded, which is the default.
	maxSnoozes int
}

// New creates an Executor. hooks may be obshooks.Noop{}.
func New(st store.Store, registry Registry, hooks obshooks.Hooks) *Executor {
	if hooks == nil {
		hooks = obshooks.Noop{}
	}
	return &Executor{store: st, registry: registry, hooks: hooks}
}

// SetMaxSnoozes installs an opt-in cap on snooze-driven MaxAttempts
// growth. A job that would snooze past the cap is discarded instead.
func (e *Executor) SetMaxSnoozes(n int) {
	e.maxSnoozes = n
}

// Run executes j to completion and persists its outcome. It is the
// Runner the queue producer invokes once it has leased a job.
func (e *Executor) Run(ctx context.Context, j *job.Job) {
	e.hooks.OnStart(j)
	start := time.Now()

	worker, ok := e.registry[j.Worker]
	if !ok {
		// Unknown at lookup time means unknown forever; retrying won't
		// register the worker, so this is a permanent failure.
		outcome := job.Discard(fmt.Errorf("executor: no worker registered for %q", j.Worker))
		e.finish(ctx, j, outcome, time.Since(start))
		return
	}

	timeout := DefaultTimeout
	if to, ok := worker.(TimeoutOverrider); ok {
		timeout = to.Timeout()
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome := e.invoke(runCtx, worker, j)
	e.finish(ctx, j, outcome, time.Since(start))
}

// invoke recovers a panicking worker and treats a timed-out context the
// same way: as an error outcome carrying the crash reason.
func (e *Executor) invoke(ctx context.Context, w Worker, j *job.Job) (outcome job.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.hooks.OnException(j, fmt.Errorf("%v", r))
			outcome = job.Error(fmt.Errorf("%s: %v", job.ErrCrashError, r))
		}
	}()

	outcome = w.Work(ctx, j)
	if ctx.Err() != nil && outcome.Kind != job.OutcomeCancel {
		return job.Error(fmt.Errorf("%s: %w", job.ErrCrashError, ctx.Err()))
	}
	return outcome
}

func (e *Executor) finish(ctx context.Context, j *job.Job, outcome job.Outcome, dur time.Duration) {
	defer e.hooks.OnStop(j, outcome, dur)

	switch outcome.Kind {
	case job.OutcomeComplete:
		_, err := e.store.Complete(ctx, j.ID)
		e.logStoreErr(j, err)

	case job.OutcomeError:
		backoff := store.DefaultBackoff(j.Attempt)
		if outcome.BackoffHint != nil {
			backoff = *outcome.BackoffHint
		}
		entry := job.ErrorEntry{At: time.Now(), Attempt: j.Attempt, Error: errText(outcome.Err)}
		_, err := e.store.Error(ctx, j.ID, entry, backoff)
		e.logStoreErr(j, err)

	case job.OutcomeCancel:
		_, err := e.store.Cancel(ctx, j.ID)
		e.logStoreErr(j, err)

	case job.OutcomeDiscard:
		entry := job.ErrorEntry{At: time.Now(), Attempt: j.Attempt, Error: errText(outcome.Err)}
		_, err := e.store.Discard(ctx, j.ID, entry)
		e.logStoreErr(j, err)

	case job.OutcomeSnooze:
		if e.maxSnoozes > 0 && j.MaxAttempts >= e.maxSnoozes {
			entry := job.ErrorEntry{At: time.Now(), Attempt: j.Attempt, Error: "snooze cap exceeded"}
			_, err := e.store.Discard(ctx, j.ID, entry)
			e.logStoreErr(j, err)
			return
		}
		_, err := e.store.Snooze(ctx, j.ID, outcome.SnoozeFor)
		e.logStoreErr(j, err)
	}
}

func (e *Executor) logStoreErr(j *job.Job, err error) {
	if err != nil {
		e.hooks.OnException(j, fmt.Errorf("executor: persist outcome for job %d: %w", j.ID, err))
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

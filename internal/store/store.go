// Package store defines the atomic job-store contract that every
// backend (internal/store/pg, internal/store/memstore) implements.
// Callers interact with the store through this interface only; no
// other component is permitted to mutate job rows directly.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/duroq/internal/job"
)

var (
	// ErrNotFound is returned when a job reference does not resolve.
	ErrNotFound = errors.New("store: job not found")
	// ErrNotExecuting is returned by complete/discard/error/snooze when
	// the job is neither executing nor already terminal; a terminal job
	// is returned unchanged without an error.
	ErrNotExecuting = errors.New("store: job is not executing")
	// ErrValidation is returned for malformed insert parameters.
	ErrValidation = errors.New("store: validation failed")
)

// RescueOutcome summarizes one sweep of rescue_orphans.
type RescueOutcome struct {
	Rescued   int64 // moved back to available
	Discarded int64 // moved to discarded, attempts exhausted
}

// PruneConditions bounds a prune sweep.
type PruneConditions struct {
	CompletedOlderThan time.Duration
	CancelledOlderThan time.Duration
	DiscardedOlderThan time.Duration
	MaxDeletesPerSweep int
}

// Store is the atomic operation set over the persisted job collection.
type Store interface {
	Insert(ctx context.Context, params job.InsertParams) (*job.Job, error)
	InsertAll(ctx context.Context, batch []job.InsertParams) ([]*job.Job, error)

	// Fetch leases up to demand available jobs in queue for node,
	// atomically transitioning them to executing.
	Fetch(ctx context.Context, queue string, demand int, node string) ([]*job.Job, error)

	Complete(ctx context.Context, id int64) (*job.Job, error)
	Discard(ctx context.Context, id int64, errEntry job.ErrorEntry) (*job.Job, error)
	Error(ctx context.Context, id int64, errEntry job.ErrorEntry, backoff time.Duration) (*job.Job, error)
	Snooze(ctx context.Context, id int64, after time.Duration) (*job.Job, error)
	Cancel(ctx context.Context, id int64) (*job.Job, error)
	Retry(ctx context.Context, id int64) (*job.Job, error)

	// StageScheduled transitions due scheduled/retryable jobs to available
	// and returns the distinct queues that were affected (for coalesced
	// insert notifications) along with the count moved.
	StageScheduled(ctx context.Context, now time.Time) (queues []string, moved int, err error)

	RescueOrphans(ctx context.Context, threshold time.Duration) (RescueOutcome, error)
	Prune(ctx context.Context, cond PruneConditions) (int64, error)

	// Get returns a single job snapshot, used by the engine facade and
	// by tests.
	Get(ctx context.Context, id int64) (*job.Job, error)
}

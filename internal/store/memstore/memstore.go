// Package memstore is an in-memory job store used by the Inline engine
// backend and by unit tests that don't need a real database. It
// implements the same atomic-operation contract as internal/store/pg,
// guarded by a single mutex — grounded on internal/cron/service.go's
// mutex-guarded job slice, generalized from cron jobs to the full job
// state machine.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nextlevelbuilder/duroq/internal/job"
	"github.com/nextlevelbuilder/duroq/internal/store"
)

// fpIndexSize bounds the fingerprint->job-id fast-path cache; a miss
// just falls back to the full scan, so eviction only costs a little CPU,
// never correctness.
const fpIndexSize = 10_000

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*job.Job
	now     func() time.Time
	fpIndex *lru.Cache[string, int64]
}

// New creates an empty in-memory store. now defaults to time.Now when nil,
// and may be overridden in tests for deterministic scheduling.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	fpIndex, _ := lru.New[string, int64](fpIndexSize)
	return &Store{jobs: make(map[int64]*job.Job), now: now, fpIndex: fpIndex}
}

func (s *Store) Insert(ctx context.Context, params job.InsertParams) (*job.Job, error) {
	results, err := s.InsertAll(ctx, []job.InsertParams{params})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

func (s *Store) InsertAll(ctx context.Context, batch []job.InsertParams) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]*job.Job, 0, len(batch))
	// A batch that fails part way leaves none of its jobs behind.
	var added []int64
	committed := false
	defer func() {
		if !committed {
			for _, id := range added {
				delete(s.jobs, id)
			}
		}
	}()
	for _, p := range batch {
		if p.Worker == "" || p.Queue == "" {
			return nil, fmt.Errorf("%w: worker and queue are required", store.ErrValidation)
		}
		p.Normalize(now)

		var fp string
		var err error
		if p.Unique != nil {
			fp, err = store.Fingerprint(p)
			if err != nil {
				return nil, err
			}
			if existing := s.findUnexpiredFingerprint(fp, p.Unique, now); existing != nil {
				dup := *existing
				dup.Conflict = true
				out = append(out, &dup)
				continue
			}
		}

		s.nextID++
		j := &job.Job{
			ID:          s.nextID,
			Queue:       p.Queue,
			Worker:      p.Worker,
			Args:        p.Args,
			Tags:        p.Tags,
			Priority:    p.Priority,
			MaxAttempts: p.MaxAttempts,
			ScheduledAt: p.ScheduledAt,
			InsertedAt:  now,
			State:       job.StateForSchedule(p.ScheduledAt, now),
		}
		if fp != "" {
			j.Fingerprint = &fp
			s.fpIndex.Add(fp, j.ID)
		}
		if p.Meta != nil {
			metaBytes, err := json.Marshal(p.Meta)
			if err != nil {
				return nil, fmt.Errorf("memstore: encode meta: %w", err)
			}
			j.Meta = metaBytes
		}
		s.jobs[j.ID] = j
		added = append(added, j.ID)
		out = append(out, j)
	}
	committed = true
	return out, nil
}

func (s *Store) findUnexpiredFingerprint(fp string, u *job.UniqueOpts, now time.Time) *job.Job {
	if id, ok := s.fpIndex.Get(fp); ok {
		if j, exists := s.jobs[id]; exists && j.Fingerprint != nil && *j.Fingerprint == fp {
			if (u.Period <= 0 || now.Sub(j.InsertedAt) <= u.Period) && stateIn(j.State, u.States) {
				return j
			}
		}
	}
	// Cache miss or stale entry: fall back to a full scan, e.g. after
	// eviction or when an older fingerprint match already expired.
	for _, j := range s.jobs {
		if j.Fingerprint == nil || *j.Fingerprint != fp {
			continue
		}
		if u.Period > 0 && now.Sub(j.InsertedAt) > u.Period {
			continue
		}
		if !stateIn(j.State, u.States) {
			continue
		}
		return j
	}
	return nil
}

func stateIn(s job.State, states []job.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func (s *Store) Fetch(ctx context.Context, queue string, demand int, node string) ([]*job.Job, error) {
	if demand <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var candidates []*job.Job
	for _, j := range s.jobs {
		if j.Queue == queue && j.State == job.StateAvailable && !j.ScheduledAt.After(now) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority < candidates[k].Priority
		}
		if !candidates[i].ScheduledAt.Equal(candidates[k].ScheduledAt) {
			return candidates[i].ScheduledAt.Before(candidates[k].ScheduledAt)
		}
		return candidates[i].ID < candidates[k].ID
	})

	if len(candidates) > demand {
		candidates = candidates[:demand]
	}
	for _, j := range candidates {
		j.State = job.StateExecuting
		j.Attempt++
		at := now
		j.AttemptedAt = &at
		j.AttemptedBy = node
	}
	return candidates, nil
}

func (s *Store) Complete(ctx context.Context, id int64) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return j, nil // idempotent once terminal
	}
	if j.State != job.StateExecuting {
		return nil, store.ErrNotExecuting
	}
	now := s.now()
	j.State = job.StateCompleted
	j.CompletedAt = &now
	return j, nil
}

func (s *Store) Discard(ctx context.Context, id int64, entry job.ErrorEntry) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return j, nil
	}
	if j.State != job.StateExecuting {
		return nil, store.ErrNotExecuting
	}
	now := s.now()
	j.Errors = append(j.Errors, entry)
	j.State = job.StateDiscarded
	j.DiscardedAt = &now
	return j, nil
}

func (s *Store) Error(ctx context.Context, id int64, entry job.ErrorEntry, backoff time.Duration) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return j, nil
	}
	if j.State != job.StateExecuting {
		return nil, store.ErrNotExecuting
	}
	j.Errors = append(j.Errors, entry)
	if j.Attempt >= j.MaxAttempts {
		now := s.now()
		j.State = job.StateDiscarded
		j.DiscardedAt = &now
		return j, nil
	}
	j.State = job.StateRetryable
	j.ScheduledAt = s.now().Add(backoff)
	return j, nil
}

func (s *Store) Snooze(ctx context.Context, id int64, after time.Duration) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return j, nil
	}
	if j.State != job.StateExecuting {
		return nil, store.ErrNotExecuting
	}
	j.State = job.StateScheduled
	j.ScheduledAt = s.now().Add(after)
	j.MaxAttempts++
	return j, nil
}

func (s *Store) Cancel(ctx context.Context, id int64) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return j, nil // idempotent once terminal
	}
	now := s.now()
	j.State = job.StateCancelled
	j.CancelledAt = &now
	return j, nil
}

func (s *Store) Retry(ctx context.Context, id int64) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	j.State = job.StateAvailable
	j.Attempt = 0
	j.ScheduledAt = s.now()
	j.CompletedAt = nil
	j.CancelledAt = nil
	j.DiscardedAt = nil
	return j, nil
}

func (s *Store) StageScheduled(ctx context.Context, now time.Time) ([]string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queueSet := map[string]bool{}
	moved := 0
	for _, j := range s.jobs {
		if (j.State == job.StateScheduled || j.State == job.StateRetryable) && !j.ScheduledAt.After(now) {
			j.State = job.StateAvailable
			queueSet[j.Queue] = true
			moved++
		}
	}
	queues := make([]string, 0, len(queueSet))
	for q := range queueSet {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues, moved, nil
}

func (s *Store) RescueOrphans(ctx context.Context, threshold time.Duration) (store.RescueOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out store.RescueOutcome
	for _, j := range s.jobs {
		if j.State != job.StateExecuting || j.AttemptedAt == nil {
			continue
		}
		if now.Sub(*j.AttemptedAt) < threshold {
			continue
		}
		if j.Attempt < j.MaxAttempts {
			j.State = job.StateAvailable
			out.Rescued++
		} else {
			j.Errors = append(j.Errors, job.ErrorEntry{At: now, Attempt: j.Attempt, Error: job.ErrCrashError})
			j.State = job.StateDiscarded
			j.DiscardedAt = &now
			out.Discarded++
		}
	}
	return out, nil
}

func (s *Store) Prune(ctx context.Context, cond store.PruneConditions) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	limit := cond.MaxDeletesPerSweep
	var deleted int64
	for id, j := range s.jobs {
		if limit > 0 && int(deleted) >= limit {
			break
		}
		var cutoff time.Time
		var ts *time.Time
		switch j.State {
		case job.StateCompleted:
			cutoff = now.Add(-cond.CompletedOlderThan)
			ts = j.CompletedAt
		case job.StateCancelled:
			cutoff = now.Add(-cond.CancelledOlderThan)
			ts = j.CancelledAt
		case job.StateDiscarded:
			cutoff = now.Add(-cond.DiscardedOlderThan)
			ts = j.DiscardedAt
		default:
			continue
		}
		if ts == nil || ts.After(cutoff) {
			continue
		}
		delete(s.jobs, id)
		deleted++
	}
	return deleted, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id int64) (*job.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

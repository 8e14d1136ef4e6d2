package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/duroq/internal/job"
	"github.com/nextlevelbuilder/duroq/internal/store"
)

// Store is the Postgres-backed store.Store implementation. Grounded on
// the FOR UPDATE SKIP LOCKED leasing pattern plus helpers.go's
// nil/JSON helper functions, generalized to sqlx struct scanning.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an opened connection pool as a store.Store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

var _ store.Store = (*Store)(nil)

type jobRow struct {
	ID          int64          `db:"id"`
	Queue       string         `db:"queue"`
	Worker      string         `db:"worker"`
	Args        []byte         `db:"args"`
	Meta        []byte         `db:"meta"`
	Tags        pq.StringArray `db:"tags"`
	State       string         `db:"state"`
	Priority    int            `db:"priority"`
	MaxAttempts int            `db:"max_attempts"`
	Attempt     int            `db:"attempt"`
	Errors      []byte         `db:"errors"`
	Fingerprint sql.NullString `db:"fingerprint"`
	InsertedAt  time.Time      `db:"inserted_at"`
	ScheduledAt time.Time      `db:"scheduled_at"`
	AttemptedAt sql.NullTime   `db:"attempted_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	CancelledAt sql.NullTime   `db:"cancelled_at"`
	DiscardedAt sql.NullTime   `db:"discarded_at"`
	AttemptedBy string         `db:"attempted_by"`
}

func (r *jobRow) toJob() (*job.Job, error) {
	j := &job.Job{
		ID:          r.ID,
		Queue:       r.Queue,
		Worker:      r.Worker,
		Args:        jsonOrEmpty(r.Args),
		Tags:        []string(r.Tags),
		State:       job.State(r.State),
		Priority:    r.Priority,
		MaxAttempts: r.MaxAttempts,
		Attempt:     r.Attempt,
		InsertedAt:  r.InsertedAt,
		ScheduledAt: r.ScheduledAt,
		AttemptedBy: r.AttemptedBy,
	}
	if r.Meta != nil {
		j.Meta = r.Meta
	}
	if r.Fingerprint.Valid {
		fp := r.Fingerprint.String
		j.Fingerprint = &fp
	}
	if r.AttemptedAt.Valid {
		t := r.AttemptedAt.Time
		j.AttemptedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		j.CompletedAt = &t
	}
	if r.CancelledAt.Valid {
		t := r.CancelledAt.Time
		j.CancelledAt = &t
	}
	if r.DiscardedAt.Valid {
		t := r.DiscardedAt.Time
		j.DiscardedAt = &t
	}
	if len(r.Errors) > 0 {
		if err := json.Unmarshal(r.Errors, &j.Errors); err != nil {
			return nil, fmt.Errorf("pg: decode errors: %w", err)
		}
	}
	return j, nil
}

const jobColumns = `id, queue, worker, args, meta, tags, state, priority, max_attempts,
	attempt, errors, fingerprint, inserted_at, scheduled_at, attempted_at,
	completed_at, cancelled_at, discarded_at, attempted_by`

func (s *Store) Insert(ctx context.Context, params job.InsertParams) (*job.Job, error) {
	out, err := s.InsertAll(ctx, []job.InsertParams{params})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (s *Store) InsertAll(ctx context.Context, batch []job.InsertParams) ([]*job.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pg: begin: %w", err)
	}
	defer tx.Rollback()

	now := nowUTC()
	out := make([]*job.Job, 0, len(batch))
	for _, p := range batch {
		if p.Worker == "" || p.Queue == "" {
			return nil, fmt.Errorf("%w: worker and queue are required", store.ErrValidation)
		}
		p.Normalize(now)

		var fp string
		if p.Unique != nil {
			fp, err = store.Fingerprint(p)
			if err != nil {
				return nil, err
			}
			existing, err := s.findUnexpiredFingerprint(ctx, tx, fp, p.Unique, now)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				existing.Conflict = true
				out = append(out, existing)
				continue
			}
		}

		metaBytes, err := json.Marshal(p.Meta)
		if err != nil {
			return nil, fmt.Errorf("pg: encode meta: %w", err)
		}
		state := job.StateForSchedule(p.ScheduledAt, now)

		var row jobRow
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO duroq_jobs
				(queue, worker, args, meta, tags, state, priority, max_attempts,
				 scheduled_at, inserted_at, fingerprint)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''))
			RETURNING `+jobColumns,
			p.Queue, p.Worker, jsonOrEmpty(p.Args), metaBytes, pq.Array(p.Tags),
			string(state), p.Priority, p.MaxAttempts, p.ScheduledAt, now, fp,
		).StructScan(&row)
		if err != nil {
			return nil, fmt.Errorf("pg: insert job: %w", err)
		}
		j, err := row.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("pg: commit: %w", err)
	}
	return out, nil
}

func (s *Store) findUnexpiredFingerprint(ctx context.Context, tx *sqlx.Tx, fp string, u *job.UniqueOpts, now time.Time) (*job.Job, error) {
	if fp == "" {
		return nil, nil
	}
	placeholders := make([]string, len(u.States))
	args := []any{fp}
	for i, st := range u.States {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, string(st))
	}
	q := `SELECT ` + jobColumns + ` FROM duroq_jobs WHERE fingerprint = $1 AND state IN (` +
		strings.Join(placeholders, ",") + `)`
	if u.Period > 0 {
		args = append(args, now.Add(-u.Period))
		q += fmt.Sprintf(" AND inserted_at >= $%d", len(args))
	}
	q += " ORDER BY id DESC LIMIT 1"

	var row jobRow
	if err := tx.QueryRowxContext(ctx, q, args...).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pg: fingerprint lookup: %w", err)
	}
	return row.toJob()
}

func (s *Store) Fetch(ctx context.Context, queue string, demand int, node string) ([]*job.Job, error) {
	if demand <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryxContext(ctx, `
		WITH eligible AS (
			SELECT id FROM duroq_jobs
			WHERE queue = $1 AND state = 'available' AND scheduled_at <= now()
			ORDER BY priority, scheduled_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE duroq_jobs
		SET state = 'executing', attempt = attempt + 1, attempted_at = now(), attempted_by = $3
		WHERE id IN (SELECT id FROM eligible)
		RETURNING `+jobColumns,
		queue, demand, node,
	)
	if err != nil {
		return nil, fmt.Errorf("pg: fetch: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		var row jobRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("pg: fetch scan: %w", err)
		}
		j, err := row.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) Complete(ctx context.Context, id int64) (*job.Job, error) {
	return s.terminalUpdate(ctx, id, `
		UPDATE duroq_jobs SET state = 'completed', completed_at = now()
		WHERE id = $1 AND state = 'executing'
		RETURNING `+jobColumns, id)
}

func (s *Store) Discard(ctx context.Context, id int64, entry job.ErrorEntry) (*job.Job, error) {
	errJSON, err := appendErrorJSON(entry)
	if err != nil {
		return nil, err
	}
	return s.terminalUpdate(ctx, id, `
		UPDATE duroq_jobs
		SET state = 'discarded', discarded_at = now(), errors = errors || $2::jsonb
		WHERE id = $1 AND state = 'executing'
		RETURNING `+jobColumns, id, errJSON)
}

func (s *Store) Error(ctx context.Context, id int64, entry job.ErrorEntry, backoff time.Duration) (*job.Job, error) {
	errJSON, err := appendErrorJSON(entry)
	if err != nil {
		return nil, err
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State.Terminal() {
		return current, nil
	}
	if current.State != job.StateExecuting {
		return nil, store.ErrNotExecuting
	}

	if current.Attempt >= current.MaxAttempts {
		return s.terminalUpdate(ctx, id, `
			UPDATE duroq_jobs
			SET state = 'discarded', discarded_at = now(), errors = errors || $2::jsonb
			WHERE id = $1 AND state = 'executing'
			RETURNING `+jobColumns, id, errJSON)
	}
	return s.terminalUpdate(ctx, id, `
		UPDATE duroq_jobs
		SET state = 'retryable', scheduled_at = now() + $3::interval, errors = errors || $2::jsonb
		WHERE id = $1 AND state = 'executing'
		RETURNING `+jobColumns, id, errJSON, intervalLiteral(backoff))
}

func (s *Store) Snooze(ctx context.Context, id int64, after time.Duration) (*job.Job, error) {
	return s.terminalUpdate(ctx, id, `
		UPDATE duroq_jobs
		SET state = 'scheduled', scheduled_at = now() + $2::interval,
		    max_attempts = max_attempts + 1
		WHERE id = $1 AND state = 'executing'
		RETURNING `+jobColumns, id, intervalLiteral(after))
}

func (s *Store) Cancel(ctx context.Context, id int64) (*job.Job, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return j, nil
	}
	var row jobRow
	err = s.db.QueryRowxContext(ctx, `
		UPDATE duroq_jobs SET state = 'cancelled', cancelled_at = now()
		WHERE id = $1
		RETURNING `+jobColumns, id,
	).StructScan(&row)
	if err != nil {
		return nil, fmt.Errorf("pg: cancel: %w", err)
	}
	return row.toJob()
}

func (s *Store) Retry(ctx context.Context, id int64) (*job.Job, error) {
	var row jobRow
	err := s.db.QueryRowxContext(ctx, `
		UPDATE duroq_jobs
		SET state = 'available', attempt = 0, scheduled_at = now(),
		    completed_at = NULL, cancelled_at = NULL, discarded_at = NULL
		WHERE id = $1
		RETURNING `+jobColumns, id,
	).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("pg: retry: %w", err)
	}
	return row.toJob()
}

func (s *Store) StageScheduled(ctx context.Context, now time.Time) ([]string, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE duroq_jobs SET state = 'available'
		WHERE state IN ('scheduled', 'retryable') AND scheduled_at <= $1
		RETURNING queue`, now)
	if err != nil {
		return nil, 0, fmt.Errorf("pg: stage scheduled: %w", err)
	}
	defer rows.Close()

	seen := map[string]bool{}
	var queues []string
	moved := 0
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, 0, err
		}
		moved++
		if !seen[q] {
			seen[q] = true
			queues = append(queues, q)
		}
	}
	return queues, moved, rows.Err()
}

func (s *Store) RescueOrphans(ctx context.Context, threshold time.Duration) (store.RescueOutcome, error) {
	var out store.RescueOutcome
	err := s.db.QueryRowContext(ctx, `
		WITH rescued AS (
			UPDATE duroq_jobs SET state = 'available'
			WHERE state = 'executing' AND attempted_at <= now() - $1::interval
			  AND attempt < max_attempts
			RETURNING id
		)
		SELECT count(*) FROM rescued`, intervalLiteral(threshold),
	).Scan(&out.Rescued)
	if err != nil {
		return out, fmt.Errorf("pg: rescue: %w", err)
	}

	entry, err := appendErrorJSON(job.ErrorEntry{At: nowUTC(), Error: job.ErrCrashError})
	if err != nil {
		return out, err
	}
	err = s.db.QueryRowContext(ctx, `
		WITH discarded AS (
			UPDATE duroq_jobs
			SET state = 'discarded', discarded_at = now(), errors = errors || $2::jsonb
			WHERE state = 'executing' AND attempted_at <= now() - $1::interval
			  AND attempt >= max_attempts
			RETURNING id
		)
		SELECT count(*) FROM discarded`, intervalLiteral(threshold), entry,
	).Scan(&out.Discarded)
	if err != nil {
		return out, fmt.Errorf("pg: rescue discard: %w", err)
	}
	return out, nil
}

func (s *Store) Prune(ctx context.Context, cond store.PruneConditions) (int64, error) {
	limit := cond.MaxDeletesPerSweep
	if limit <= 0 {
		limit = 10_000
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM duroq_jobs WHERE id IN (
			SELECT id FROM duroq_jobs
			WHERE (state = 'completed' AND completed_at <= now() - $1::interval)
			   OR (state = 'cancelled' AND cancelled_at <= now() - $2::interval)
			   OR (state = 'discarded' AND discarded_at <= now() - $3::interval)
			LIMIT $4
		)`,
		intervalLiteral(cond.CompletedOlderThan),
		intervalLiteral(cond.CancelledOlderThan),
		intervalLiteral(cond.DiscardedOlderThan),
		limit,
	)
	if err != nil {
		return 0, fmt.Errorf("pg: prune: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Get(ctx context.Context, id int64) (*job.Job, error) {
	var row jobRow
	err := s.db.QueryRowxContext(ctx, `SELECT `+jobColumns+` FROM duroq_jobs WHERE id = $1`, id).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("pg: get: %w", err)
	}
	return row.toJob()
}

func (s *Store) terminalUpdate(ctx context.Context, id int64, query string, args ...any) (*job.Job, error) {
	var row jobRow
	err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.State.Terminal() {
			return current, nil
		}
		return nil, store.ErrNotExecuting
	}
	if err != nil {
		return nil, fmt.Errorf("pg: update job %d: %w", id, err)
	}
	return row.toJob()
}

func appendErrorJSON(entry job.ErrorEntry) ([]byte, error) {
	arr, err := json.Marshal([]job.ErrorEntry{entry})
	if err != nil {
		return nil, fmt.Errorf("pg: encode error entry: %w", err)
	}
	return arr, nil
}

func intervalLiteral(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%f seconds", d.Seconds())
}

package pg

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// schema is the job table DDL. Migrations are out of scope; callers run
// this once at startup the same way internal/memory/sqlite.go bootstraps
// its own tables inline.
const schema = `
CREATE TABLE IF NOT EXISTS duroq_jobs (
	id            BIGSERIAL PRIMARY KEY,
	queue         TEXT NOT NULL,
	worker        TEXT NOT NULL,
	args          JSONB NOT NULL DEFAULT '{}',
	meta          JSONB,
	tags          TEXT[] NOT NULL DEFAULT '{}',
	state         TEXT NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 20,
	attempt       INTEGER NOT NULL DEFAULT 0,
	errors        JSONB NOT NULL DEFAULT '[]',
	fingerprint   TEXT,
	inserted_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	scheduled_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	attempted_at  TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	cancelled_at  TIMESTAMPTZ,
	discarded_at  TIMESTAMPTZ,
	attempted_by  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS duroq_jobs_fetch_idx
	ON duroq_jobs (queue, state, priority, scheduled_at, id);

CREATE INDEX IF NOT EXISTS duroq_jobs_fingerprint_idx
	ON duroq_jobs (fingerprint) WHERE fingerprint IS NOT NULL;

CREATE INDEX IF NOT EXISTS duroq_jobs_state_idx ON duroq_jobs (state);
`

// EnsureSchema creates the job table and its indexes if they don't exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Package pglock is a Postgres-backed peer.Elector using a row-level
// lease row instead of a session-pinned advisory lock, so it works
// over a pooled database/sql connection (advisory locks are tied to
// the session that took them, which pooling makes unreliable).
// Loop shape grounded on internal/heartbeat/service.go's
// mutex-guarded start/stop/ticker.
package pglock

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/duroq/internal/peer"
)

const schema = `
CREATE TABLE IF NOT EXISTS duroq_leases (
	instance   TEXT PRIMARY KEY,
	node       TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// Elector implements peer.Elector by racing to upsert a lease row with
// an expiry in the future.
type Elector struct {
	db  *sql.DB
	cfg peer.Config

	mu       sync.Mutex
	cancel   context.CancelFunc
	onChange func(bool)
	wg       sync.WaitGroup
	leading  atomic.Bool
}

// New creates a pg-backed elector. EnsureSchema must have run first.
func New(db *sql.DB, cfg peer.Config) *Elector {
	cfg.Normalize()
	return &Elector{db: db, cfg: cfg}
}

// EnsureSchema creates the lease table if missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

func (e *Elector) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("pglock: already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.tryAcquire(loopCtx)

	e.wg.Add(1)
	go e.loop(loopCtx)
	return nil
}

func (e *Elector) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.release()
			return
		case <-ticker.C:
			e.tryAcquire(ctx)
		}
	}
}

func (e *Elector) tryAcquire(ctx context.Context) {
	now := time.Now()
	expires := now.Add(e.cfg.TTL)

	res, err := e.db.ExecContext(ctx, `
		INSERT INTO duroq_leases (instance, node, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (instance) DO UPDATE
			SET node = $2, expires_at = $3
			WHERE duroq_leases.expires_at <= $4 OR duroq_leases.node = $2
	`, e.cfg.Instance, e.cfg.Node, expires, now)
	if err != nil {
		slog.Warn("duroq: peer lease attempt failed", "err", err)
		if e.leading.Swap(false) {
			e.notifyChange(false)
		}
		return
	}

	n, _ := res.RowsAffected()
	wasLeading := e.leading.Swap(n > 0)
	if n > 0 && !wasLeading {
		slog.Info("duroq: peer acquired leadership", "instance", e.cfg.Instance, "node", e.cfg.Node)
		e.notifyChange(true)
	} else if n == 0 && wasLeading {
		slog.Info("duroq: peer lost leadership", "instance", e.cfg.Instance, "node", e.cfg.Node)
		e.notifyChange(false)
	}
}

func (e *Elector) release() {
	if !e.leading.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = e.db.ExecContext(ctx, `
		DELETE FROM duroq_leases WHERE instance = $1 AND node = $2`, e.cfg.Instance, e.cfg.Node)
	e.leading.Store(false)
	e.notifyChange(false)
}

// OnLeaderChange registers cb; see peer.Elector.
func (e *Elector) OnLeaderChange(cb func(bool)) {
	e.mu.Lock()
	e.onChange = cb
	e.mu.Unlock()
}

func (e *Elector) notifyChange(leading bool) {
	e.mu.Lock()
	cb := e.onChange
	e.mu.Unlock()
	if cb != nil {
		cb(leading)
	}
}

func (e *Elector) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
}

func (e *Elector) Leader() bool {
	return e.leading.Load()
}

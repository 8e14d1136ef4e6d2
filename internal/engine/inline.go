package engine

import (
	"context"

	"github.com/nextlevelbuilder/duroq/internal/job"
)

// insertInline implements the Inline backend: the job is inserted,
// immediately leased, and run to completion on the caller's goroutine
// before Insert returns. There is no producer, no notifier
// traffic, and a scheduled_at in the future simply never runs (there is
// no scheduler plugin wired for this backend).
func (e *Engine) insertInline(ctx context.Context, params job.InsertParams) (*job.Job, error) {
	e.inlineMu.Lock()
	defer e.inlineMu.Unlock()

	j, err := e.store.Insert(ctx, params)
	if err != nil {
		return nil, err
	}
	if j.Conflict || j.State != job.StateAvailable {
		return j, nil
	}

	leased, err := e.store.Fetch(ctx, j.Queue, 1, e.cfg.Node)
	if err != nil {
		return nil, err
	}
	if len(leased) == 0 {
		// Another inline insert raced us for the same queue; nothing to
		// run this call.
		return j, nil
	}

	e.exec.Run(ctx, leased[0])
	return e.store.Get(ctx, leased[0].ID)
}

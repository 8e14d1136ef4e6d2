// Package scheduler runs on every node, not leader-gated: once per
// schedule_interval it stages due scheduled/retryable jobs as
// available and publishes one coalesced insert notification per
// affected queue. Loop shape grounded on internal/cron/service.go's
// runLoop/checkJobs ticker.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/duroq/internal/notifier"
	"github.com/nextlevelbuilder/duroq/internal/store"
)

// DefaultInterval is the schedule_interval default.
const DefaultInterval = time.Second

// Plugin stages due jobs and announces their queues.
type Plugin struct {
	store    store.Store
	notif    notifier.Notifier
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler plugin. interval <= 0 uses DefaultInterval.
func New(st store.Store, notif notifier.Notifier, interval time.Duration) *Plugin {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Plugin{store: st, notif: notif, interval: interval}
}

func (p *Plugin) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.loop(loopCtx)
}

func (p *Plugin) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

func (p *Plugin) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Plugin) tick(ctx context.Context) {
	queues, moved, err := p.store.StageScheduled(ctx, time.Now())
	if err != nil {
		slog.Warn("duroq: stage_scheduled failed", "err", err)
		return
	}
	if moved == 0 {
		return
	}
	for _, q := range queues {
		payload, err := json.Marshal(notifier.InsertPayload{Queue: q})
		if err != nil {
			continue
		}
		if err := p.notif.Notify(ctx, notifier.ChannelInsert, payload); err != nil {
			slog.Warn("duroq: insert notify failed", "queue", q, "err", err)
		}
	}
}

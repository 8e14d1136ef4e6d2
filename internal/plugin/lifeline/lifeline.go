// Package lifeline runs the two leader-gated periodic sweeps from spec
// §4.9: rescue orphaned executing jobs (crashed or abandoned workers)
// and prune old terminal jobs in bounded batches. Loop shape grounded
// on internal/heartbeat/service.go's mutex-guarded start/stop/ticker.
package lifeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/duroq/internal/peer"
	"github.com/nextlevelbuilder/duroq/internal/store"
)

// Config tunes both sweeps.
type Config struct {
	RescueInterval  time.Duration // default 1m
	RescueThreshold time.Duration // how long "executing" can go stale before rescue, default 5m
	PruneInterval   time.Duration // default 1h
	Prune           store.PruneConditions
}

// Normalize fills in the plugin's defaults.
func (c *Config) Normalize() {
	if c.RescueInterval <= 0 {
		c.RescueInterval = time.Minute
	}
	if c.RescueThreshold <= 0 {
		c.RescueThreshold = 5 * time.Minute
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = time.Hour
	}
	if c.Prune.CompletedOlderThan <= 0 {
		c.Prune.CompletedOlderThan = 24 * time.Hour
	}
	if c.Prune.CancelledOlderThan <= 0 {
		c.Prune.CancelledOlderThan = 24 * time.Hour
	}
	if c.Prune.DiscardedOlderThan <= 0 {
		c.Prune.DiscardedOlderThan = 7 * 24 * time.Hour
	}
	if c.Prune.MaxDeletesPerSweep <= 0 {
		c.Prune.MaxDeletesPerSweep = 10_000
	}
}

// Plugin runs the rescue and prune sweeps on their own tickers.
type Plugin struct {
	store   store.Store
	elector peer.Elector
	cfg     Config

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a lifeline plugin.
func New(st store.Store, elector peer.Elector, cfg Config) *Plugin {
	cfg.Normalize()
	return &Plugin{store: st, elector: elector, cfg: cfg}
}

func (p *Plugin) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(2)
	go p.rescueLoop(loopCtx)
	go p.pruneLoop(loopCtx)
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

func (p *Plugin) rescueLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.RescueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.elector.Leader() {
				continue
			}
			outcome, err := p.store.RescueOrphans(ctx, p.cfg.RescueThreshold)
			if err != nil {
				slog.Warn("duroq: rescue sweep failed", "err", err)
				continue
			}
			if outcome.Rescued > 0 || outcome.Discarded > 0 {
				slog.Info("duroq: rescue sweep", "rescued", outcome.Rescued, "discarded", outcome.Discarded)
			}
		}
	}
}

func (p *Plugin) pruneLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.elector.Leader() {
				continue
			}
			deleted, err := p.store.Prune(ctx, p.cfg.Prune)
			if err != nil {
				slog.Warn("duroq: prune sweep failed", "err", err)
				continue
			}
			if deleted > 0 {
				slog.Info("duroq: prune sweep", "deleted", deleted)
			}
		}
	}
}

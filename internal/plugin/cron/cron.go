// Package cron is the leader-gated plugin that inserts time-triggered
// jobs: on each minute-aligned tick, every entry whose schedule
// matches now is inserted through the store with a uniqueness
// fingerprint that prevents double-firing across a leader
// handover. Loop shape grounded on internal/cron/service.go's
// runLoop/checkJobs; schedule matching uses internal/cronexpr
// (see DESIGN.md for why).
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/duroq/internal/cronexpr"
	"github.com/nextlevelbuilder/duroq/internal/job"
	"github.com/nextlevelbuilder/duroq/internal/notifier"
	"github.com/nextlevelbuilder/duroq/internal/peer"
	"github.com/nextlevelbuilder/duroq/internal/store"
)

// uniquePeriod is the fingerprint window: a 59-second period keyed on
// the entry's identity, so at most one enqueue happens per minute
// across the cluster even mid-handover.
const uniquePeriod = 59 * time.Second

// Entry is one configured crontab-triggered insert.
type Entry struct {
	Name        string
	Expr        string
	Queue       string
	Worker      string
	Args        json.RawMessage
	MaxAttempts int

	schedule *cronexpr.Schedule
	rebooted bool // guards @reboot's once-per-boot firing
}

// Plugin evaluates Entries against the clock and inserts due jobs.
type Plugin struct {
	store    store.Store
	notif    notifier.Notifier
	elector  peer.Elector
	entries  []*Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses every entry's schedule up front; a malformed expression
// is a configuration error, not a runtime one.
func New(st store.Store, notif notifier.Notifier, elector peer.Elector, entries []Entry) (*Plugin, error) {
	p := &Plugin{store: st, notif: notif, elector: elector}
	for _, e := range entries {
		sched, err := cronexpr.Parse(e.Expr)
		if err != nil {
			return nil, fmt.Errorf("cron: entry %q: %w", e.Name, err)
		}
		entry := e
		entry.schedule = sched
		p.entries = append(p.entries, &entry)
	}
	return p, nil
}

// Start begins the minute-aligned tick loop, offset slightly past the
// boundary so StageScheduled and peer refreshes have already run.
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

	if p.elector.Leader() {
		p.fireReboots(ctx)
	}

	for {
		wait := untilNextMinute(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			if p.elector.Leader() {
				p.tick(ctx, time.Now())
			}
		}
	}
}

func untilNextMinute(now time.Time) time.Duration {
	next := now.Truncate(time.Minute).Add(time.Minute).Add(500 * time.Millisecond)
	return next.Sub(now)
}

func (p *Plugin) fireReboots(ctx context.Context) {
	for _, e := range p.entries {
		if e.schedule.Reboot() && !e.rebooted {
			e.rebooted = true
			p.insert(ctx, e, time.Now())
		}
	}
}

func (p *Plugin) tick(ctx context.Context, now time.Time) {
	for _, e := range p.entries {
		if e.schedule.Reboot() {
			continue
		}
		if e.schedule.Matches(now) {
			p.insert(ctx, e, now)
		}
	}
}

func (p *Plugin) insert(ctx context.Context, e *Entry, now time.Time) {
	params := job.InsertParams{
		Queue:       e.Queue,
		Worker:      e.Worker,
		Args:        e.Args,
		MaxAttempts: e.MaxAttempts,
		Unique: &job.UniqueOpts{
			Period:  uniquePeriod,
			ByArgs:  []string{},
			ByQueue: true,
			States:  job.DefaultUniqueStates(),
		},
	}
	// The entry's name, not its args, is what must be unique per tick;
	// put it in Meta and have the fingerprint hash that meta key.
	params.Meta = map[string]any{"cron_entry": e.Name}
	params.Unique.ByMeta = []string{"cron_entry"}

	j, err := p.store.Insert(ctx, params)
	if err != nil {
		slog.Warn("duroq: cron insert failed", "entry", e.Name, "err", err)
		return
	}
	if j.Conflict {
		return
	}

	payload, err := json.Marshal(notifier.InsertPayload{Queue: e.Queue})
	if err != nil {
		return
	}
	if err := p.notif.Notify(ctx, notifier.ChannelInsert, payload); err != nil {
		slog.Warn("duroq: cron insert notify failed", "entry", e.Name, "err", err)
	}
}

// Package queue implements the per-queue producer: it fetches and
// leases available jobs, dispatches them to a bounded pool of
// concurrent runs, and reacts to out-of-band signals. Dispatch
// rounds are coalesced the way internal/scheduler/queue.go's
// SessionQueue debounces rapid Enqueue calls, generalized from a
// per-session debounce timer to a per-queue rate.Sometimes cooldown.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/duroq/internal/job"
	"github.com/nextlevelbuilder/duroq/internal/notifier"
	"github.com/nextlevelbuilder/duroq/internal/store"
)

// Runner executes one leased job to completion, including recording
// its outcome back to the store. The producer only tracks concurrency
// and scheduling; internal/executor owns outcome semantics.
type Runner func(ctx context.Context, j *job.Job)

// Config configures one queue's producer.
type Config struct {
	Queue            string
	Node             string
	Limit            int           // max concurrently executing jobs
	RefreshInterval  time.Duration // periodic dispatch round, default 1s
	DispatchCooldown time.Duration // min spacing between coalesced rounds
}

// Normalize fills in the producer's defaults.
func (c *Config) Normalize() {
	if c.Limit <= 0 {
		c.Limit = 10
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Second
	}
	if c.DispatchCooldown <= 0 {
		c.DispatchCooldown = 50 * time.Millisecond
	}
}

// Producer runs the fetch/dispatch loop for one queue.
type Producer struct {
	cfg   Config
	store store.Store
	notif notifier.Notifier
	run   Runner

	mu      sync.Mutex
	running map[int64]context.CancelFunc
	paused  bool
	limit   int

	sometimes rate.Sometimes
	wake      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	subInsert string
	subSignal string
}

// New creates a producer; call Start to begin dispatching.
func New(cfg Config, st store.Store, notif notifier.Notifier, run Runner) *Producer {
	cfg.Normalize()
	return &Producer{
		cfg:     cfg,
		store:   st,
		notif:   notif,
		run:     run,
		running: make(map[int64]context.CancelFunc),
		limit:   cfg.Limit,
		sometimes: rate.Sometimes{
			Interval: cfg.DispatchCooldown,
		},
		wake: make(chan struct{}, 1),
	}
}

// Start subscribes to insert/signal notifications and begins the
// refresh-timer loop. The dispatch round runs on (a) the refresh
// timer, (b) an insert notification naming this queue, or (c)
// completion of a running job.
func (p *Producer) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	insSub, err := p.notif.Listen(loopCtx, notifier.ChannelInsert, p.onInsert)
	if err != nil {
		cancel()
		return err
	}
	p.subInsert = insSub

	sigSub, err := p.notif.Listen(loopCtx, notifier.ChannelSignal, p.onSignal)
	if err != nil {
		cancel()
		return err
	}
	p.subSignal = sigSub

	p.wg.Add(1)
	go p.loop(loopCtx)
	return nil
}

// Stop signals the dispatch loop to stop accepting new work. Jobs
// already running are left to finish; call Wait to block until they do,
// or CancelRunning to force them to abandon the attempt early.
func (p *Producer) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
}

// Wait blocks until the dispatch loop has exited and every job it
// dispatched has returned.
func (p *Producer) Wait() {
	p.wg.Wait()
}

// CancelRunning cancels the context of every currently executing job,
// for use once a shutdown grace period has elapsed without them
// finishing on their own.
func (p *Producer) CancelRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.running {
		cancel()
	}
}

func (p *Producer) onInsert(payload []byte) {
	var msg notifier.InsertPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	if msg.Queue == p.cfg.Queue {
		p.requestDispatch()
	}
}

func (p *Producer) onSignal(payload []byte) {
	var msg notifier.SignalPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	if msg.Queue != "" && msg.Queue != p.cfg.Queue {
		return
	}
	switch msg.Action {
	case notifier.SignalScale:
		p.mu.Lock()
		p.limit = msg.Limit
		p.mu.Unlock()
		p.requestDispatch()
	case notifier.SignalPause:
		p.mu.Lock()
		p.paused = true
		p.mu.Unlock()
	case notifier.SignalResume:
		p.mu.Lock()
		p.paused = false
		p.mu.Unlock()
		p.requestDispatch()
	case notifier.SignalCancel:
		p.mu.Lock()
		cancel, ok := p.running[msg.JobID]
		p.mu.Unlock()
		if ok {
			cancel()
		}
	}
}

// requestDispatch wakes the loop without blocking; multiple wakeups
// before the loop drains the channel collapse into one.
func (p *Producer) requestDispatch() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Producer) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Stop only halts new dispatch; running jobs are left to
			// finish on their own unless CancelRunning forces them.
			return
		case <-ticker.C:
			p.dispatchRound(ctx)
			p.publishGossip(ctx)
		case <-p.wake:
			p.dispatchRound(ctx)
		}
	}
}

// dispatchRound coalesces concurrent wakeups to at most one fetch per
// cfg.DispatchCooldown.
func (p *Producer) dispatchRound(ctx context.Context) {
	p.sometimes.Do(func() {
		p.fetchAndDispatch(ctx)
	})
}

func (p *Producer) fetchAndDispatch(ctx context.Context) {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return
	}
	demand := p.limit - len(p.running)
	p.mu.Unlock()
	if demand <= 0 {
		return
	}

	jobs, err := p.store.Fetch(ctx, p.cfg.Queue, demand, p.cfg.Node)
	if err != nil {
		slog.Warn("duroq: fetch failed", "queue", p.cfg.Queue, "err", err)
		return
	}
	for _, j := range jobs {
		p.dispatch(ctx, j)
	}
}

func (p *Producer) dispatch(parent context.Context, j *job.Job) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(parent))

	p.mu.Lock()
	p.running[j.ID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		p.run(runCtx, j)

		p.mu.Lock()
		delete(p.running, j.ID)
		p.mu.Unlock()
		p.requestDispatch()
	}()
}

// Gossip reports the producer's current state for the gossip channel.
func (p *Producer) Gossip() notifier.GossipPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	running := make([]int64, 0, len(p.running))
	for id := range p.running {
		running = append(running, id)
	}
	return notifier.GossipPayload{
		Node:    p.cfg.Node,
		Queue:   p.cfg.Queue,
		Limit:   p.limit,
		Running: running,
		Paused:  p.paused,
	}
}

// publishGossip announces the producer's current state so other nodes
// and observability tooling can see live concurrency without polling.
func (p *Producer) publishGossip(ctx context.Context) {
	payload, err := json.Marshal(p.Gossip())
	if err != nil {
		slog.Warn("duroq: gossip payload marshal failed", "queue", p.cfg.Queue, "err", err)
		return
	}
	if err := p.notif.Notify(ctx, notifier.ChannelGossip, payload); err != nil {
		slog.Warn("duroq: gossip publish failed", "queue", p.cfg.Queue, "err", err)
	}
}

package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/duroq/internal/executor"
	"github.com/nextlevelbuilder/duroq/internal/job"
	"github.com/nextlevelbuilder/duroq/internal/notifier"
	"github.com/nextlevelbuilder/duroq/internal/notifier/inproc"
	"github.com/nextlevelbuilder/duroq/internal/notifier/pglisten"
	"github.com/nextlevelbuilder/duroq/internal/obshooks"
	"github.com/nextlevelbuilder/duroq/internal/obshooks/otelhooks"
	"github.com/nextlevelbuilder/duroq/internal/obshooks/promhooks"
	"github.com/nextlevelbuilder/duroq/internal/peer"
	"github.com/nextlevelbuilder/duroq/internal/peer/pglock"
	"github.com/nextlevelbuilder/duroq/internal/peer/redislock"
	"github.com/nextlevelbuilder/duroq/internal/plugin/cron"
	"github.com/nextlevelbuilder/duroq/internal/plugin/lifeline"
	"github.com/nextlevelbuilder/duroq/internal/plugin/scheduler"
	"github.com/nextlevelbuilder/duroq/internal/queue"
	"github.com/nextlevelbuilder/duroq/internal/store"
	"github.com/nextlevelbuilder/duroq/internal/store/memstore"
	"github.com/nextlevelbuilder/duroq/internal/store/pg"
)

// Engine binds one configured backend to a running set of producers and
// plugins. It is the only thing internal/registry holds a handle to.
type Engine struct {
	cfg   Config
	store store.Store
	notif notifier.Notifier
	elect peer.Elector
	exec  *executor.Executor
	hooks obshooks.Hooks

	producers map[string]*queue.Producer
	sched     *scheduler.Plugin
	cronPlug  *cron.Plugin
	life      *lifeline.Plugin

	peerTTL time.Duration // informs the ExpiresAt published with leadership

	otel *otelhooks.Hooks // non-nil only when cfg.Tracing set, for Shutdown

	mu      sync.Mutex
	started bool

	// inlineMu serializes BackendInline's insert-then-run sequence so
	// Fetch(demand:1) always leases the job Insert just created.
	inlineMu sync.Mutex
}

// New resolves cfg.Backend into concrete collaborators and wires them
// together, but does not start any background task; call Start for
// that. registry maps worker name -> implementation.
func New(ctx context.Context, cfg Config, registry executor.Registry) (*Engine, error) {
	cfg.Normalize()

	hooks, otelHooks, err := buildHooks(ctx, cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, hooks: hooks, otel: otelHooks, producers: make(map[string]*queue.Producer)}

	switch cfg.Backend {
	case BackendInline, BackendMemory:
		e.store = memstore.New(time.Now)
		e.notif = inproc.New()
		e.elect = &alwaysLeader{}

	case BackendPostgres:
		sqlxDB, err := pg.OpenDB(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("engine: open postgres: %w", err)
		}
		if err := applyPrefix(ctx, sqlxDB, cfg.Prefix); err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx, sqlxDB); err != nil {
			return nil, fmt.Errorf("engine: ensure schema: %w", err)
		}
		e.store = pg.NewStore(sqlxDB)

		notif, err := pglisten.New(cfg.DSN, cfg.Instance)
		if err != nil {
			return nil, fmt.Errorf("engine: open listener: %w", err)
		}
		e.notif = notif

		elect, pcfg, err := buildPeer(ctx, cfg, sqlxDB.DB)
		if err != nil {
			return nil, err
		}
		e.elect = elect
		e.peerTTL = pcfg.TTL

	default:
		return nil, fmt.Errorf("engine: unknown backend %q", cfg.Backend)
	}

	e.elect.OnLeaderChange(e.publishLeaderChange)

	e.exec = executor.New(e.store, registry, e.hooks)
	e.exec.SetMaxSnoozes(cfg.MaxSnoozes)

	if cfg.Backend != BackendInline {
		for name, opts := range cfg.Queues {
			pcfg := queue.Config{
				Queue:            name,
				Node:             cfg.Node,
				Limit:            opts.Limit,
				DispatchCooldown: cfg.DispatchCooldown,
			}
			e.producers[name] = queue.New(pcfg, e.store, e.notif, e.exec.Run)
		}

		if cfg.Plugins.Scheduler != nil {
			e.sched = scheduler.New(e.store, e.notif, cfg.Plugins.Scheduler.Interval)
		}
		if cfg.Plugins.Cron != nil {
			cp, err := cron.New(e.store, e.notif, e.elect, cfg.Plugins.Cron.Entries)
			if err != nil {
				return nil, fmt.Errorf("engine: cron plugin: %w", err)
			}
			e.cronPlug = cp
		}
		if cfg.Plugins.Lifeline != nil {
			e.life = lifeline.New(e.store, e.elect, lifeline.Config{
				RescueInterval:  cfg.Plugins.Lifeline.RescueInterval,
				RescueThreshold: cfg.Plugins.Lifeline.RescueThreshold,
				PruneInterval:   cfg.Plugins.Lifeline.PruneInterval,
				Prune:           cfg.Plugins.Lifeline.Prune,
			})
		}
	}

	return e, nil
}

func buildHooks(ctx context.Context, cfg Config) (obshooks.Hooks, *otelhooks.Hooks, error) {
	var sinks obshooks.Multi

	var otelH *otelhooks.Hooks
	if cfg.Tracing != nil {
		h, err := otelhooks.New(ctx, *cfg.Tracing)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: otel hooks: %w", err)
		}
		otelH = h
		sinks = append(sinks, h)
	}
	if cfg.Metrics {
		sinks = append(sinks, promhooks.New(nil))
	}
	if len(sinks) == 0 {
		return obshooks.Noop{}, nil, nil
	}
	return sinks, otelH, nil
}

func buildPeer(ctx context.Context, cfg Config, db *sql.DB) (peer.Elector, peer.Config, error) {
	pcfg := peer.Config{Instance: cfg.Instance, Node: cfg.Node}
	pcfg.Normalize()
	switch cfg.Peer {
	case PeerRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		return redislock.New(rdb, pcfg, uuid.NewString()), pcfg, nil
	case PeerPostgres, "":
		if err := pglock.EnsureSchema(ctx, db); err != nil {
			return nil, pcfg, fmt.Errorf("engine: ensure lease schema: %w", err)
		}
		return pglock.New(db, pcfg), pcfg, nil
	default:
		return nil, pcfg, fmt.Errorf("engine: unknown peer backend %q", cfg.Peer)
	}
}

// publishLeaderChange announces a leadership transition on the gossip
// channel's sibling so other nodes (and observability tooling) can
// track who currently holds the lock without polling.
func (e *Engine) publishLeaderChange(leading bool) {
	var payload notifier.LeaderPayload
	if leading {
		payload.Leader = e.cfg.Node
		if e.peerTTL > 0 {
			payload.ExpiresAt = time.Now().Add(e.peerTTL)
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("duroq: leader payload marshal failed", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.notif.Notify(ctx, notifier.ChannelLeader, data); err != nil {
		slog.Warn("duroq: leader notify failed", "err", err)
	}
}

// applyPrefix namespaces the job table under a dedicated Postgres
// schema so multiple engine instances can share one database.
func applyPrefix(ctx context.Context, db *sqlx.DB, prefix string) error {
	if prefix == "" {
		return nil
	}
	if _, err := db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgIdent(prefix)); err != nil {
		return fmt.Errorf("engine: create schema %q: %w", prefix, err)
	}
	if _, err := db.ExecContext(ctx, `SET search_path TO `+pgIdent(prefix)+`, public`); err != nil {
		return fmt.Errorf("engine: set search_path: %w", err)
	}
	return nil
}

// pgIdent quotes an identifier defensively; prefixes come from trusted
// configuration, not user input, but this keeps CREATE SCHEMA honest.
func pgIdent(s string) string {
	return `"` + s + `"`
}

// alwaysLeader is the trivial peer.Elector for single-process backends
// (Inline, Memory) where there is no cluster to contend with.
type alwaysLeader struct {
	cb func(bool)
}

func (a *alwaysLeader) Start(context.Context) error {
	if a.cb != nil {
		a.cb(true)
	}
	return nil
}
func (a *alwaysLeader) Stop()        {}
func (a *alwaysLeader) Leader() bool { return true }
func (a *alwaysLeader) OnLeaderChange(cb func(bool)) {
	a.cb = cb
}

// Start begins the peer election loop, every configured producer, and
// every configured plugin. It returns once the first leader-election
// round has completed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	if err := e.elect.Start(ctx); err != nil {
		return fmt.Errorf("engine: start peer: %w", err)
	}

	for name, p := range e.producers {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("engine: start producer %q: %w", name, err)
		}
	}
	if e.sched != nil {
		e.sched.Start(ctx)
	}
	if e.cronPlug != nil {
		e.cronPlug.Start(ctx)
	}
	if e.life != nil {
		e.life.Start(ctx)
	}

	e.started = true
	return nil
}

// forceTerminateDeadline bounds how long Stop waits for running jobs to
// abandon their attempt after cancellation, once the shutdown grace
// period has already elapsed without them finishing naturally.
const forceTerminateDeadline = 5 * time.Second

// Stop signals every producer and plugin to stop accepting new work,
// waits up to cfg.ShutdownGracePeriod for jobs already running to
// finish on their own, then cancels whatever is still running and
// waits a further bounded deadline before giving up. The peer lock and
// notifier are released either way.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}

	if e.sched != nil {
		e.sched.Stop()
	}
	if e.cronPlug != nil {
		e.cronPlug.Stop()
	}
	if e.life != nil {
		e.life.Stop()
	}
	for _, p := range e.producers {
		p.Stop()
	}

	drained := make(chan struct{})
	go func() {
		for _, p := range e.producers {
			p.Wait()
		}
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(e.cfg.ShutdownGracePeriod):
		slog.Warn("duroq: shutdown grace period elapsed, cancelling remaining jobs", "instance", e.cfg.Instance)
		for _, p := range e.producers {
			p.CancelRunning()
		}
		select {
		case <-drained:
		case <-time.After(forceTerminateDeadline):
			slog.Error("duroq: jobs still running after forced cancellation deadline", "instance", e.cfg.Instance)
		}
	}

	e.elect.Stop()
	if err := e.notif.Close(); err != nil {
		slog.Warn("duroq: notifier close failed", "err", err)
	}
	if e.otel != nil {
		if err := e.otel.Shutdown(context.Background()); err != nil {
			slog.Warn("duroq: otel shutdown failed", "err", err)
		}
	}
	e.started = false
}

// Insert persists one job and, outside BackendInline, announces it so
// a producer on any node can pick it up immediately rather than
// waiting for the next refresh tick.
func (e *Engine) Insert(ctx context.Context, params job.InsertParams) (*job.Job, error) {
	if e.cfg.Backend == BackendInline {
		return e.insertInline(ctx, params)
	}
	j, err := e.store.Insert(ctx, params)
	if err != nil {
		return nil, err
	}
	e.announceInsert(ctx, j)
	return j, nil
}

// InsertAll persists a batch transactionally (per store.Store.InsertAll)
// and announces every distinct queue touched.
func (e *Engine) InsertAll(ctx context.Context, batch []job.InsertParams) ([]*job.Job, error) {
	if e.cfg.Backend == BackendInline {
		out := make([]*job.Job, 0, len(batch))
		for _, p := range batch {
			j, err := e.insertInline(ctx, p)
			if err != nil {
				return out, err
			}
			out = append(out, j)
		}
		return out, nil
	}

	jobs, err := e.store.InsertAll(ctx, batch)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if j.Conflict || seen[j.Queue] {
			continue
		}
		seen[j.Queue] = true
		e.announceInsert(ctx, j)
	}
	return jobs, nil
}

func (e *Engine) announceInsert(ctx context.Context, j *job.Job) {
	if j.Conflict {
		return
	}
	payload, err := json.Marshal(notifier.InsertPayload{Queue: j.Queue})
	if err != nil {
		return
	}
	if err := e.notif.Notify(ctx, notifier.ChannelInsert, payload); err != nil {
		slog.Warn("duroq: insert notify failed", "queue", j.Queue, "err", err)
	}
}

// Cancel marks a job terminal and, if it happens to be running on some
// node's producer, signals that producer to abandon the attempt
// without persisting its eventual outcome.
func (e *Engine) Cancel(ctx context.Context, id int64) (*job.Job, error) {
	j, err := e.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.cfg.Backend == BackendInline {
		return j, nil
	}
	payload, err := json.Marshal(notifier.SignalPayload{Action: notifier.SignalCancel, Queue: j.Queue, JobID: id})
	if err == nil {
		if err := e.notif.Notify(ctx, notifier.ChannelSignal, payload); err != nil {
			slog.Warn("duroq: cancel signal failed", "id", id, "err", err)
		}
	}
	return j, nil
}

// Retry resets a job back to available regardless of its current state.
func (e *Engine) Retry(ctx context.Context, id int64) (*job.Job, error) {
	j, err := e.store.Retry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.cfg.Backend != BackendInline {
		e.announceInsert(ctx, j)
	}
	return j, nil
}

// Scale changes a queue's concurrency limit cluster-wide by signalling
// every producer listening on the signal channel.
func (e *Engine) Scale(ctx context.Context, queueName string, limit int) error {
	payload, err := json.Marshal(notifier.SignalPayload{Action: notifier.SignalScale, Queue: queueName, Limit: limit})
	if err != nil {
		return err
	}
	return e.notif.Notify(ctx, notifier.ChannelSignal, payload)
}

// Pause and Resume stop or restart dispatch on a queue cluster-wide
// without changing its configured limit.
func (e *Engine) Pause(ctx context.Context, queueName string) error {
	return e.sendAction(ctx, notifier.SignalPause, queueName)
}

func (e *Engine) Resume(ctx context.Context, queueName string) error {
	return e.sendAction(ctx, notifier.SignalResume, queueName)
}

func (e *Engine) sendAction(ctx context.Context, action notifier.SignalAction, queueName string) error {
	payload, err := json.Marshal(notifier.SignalPayload{Action: action, Queue: queueName})
	if err != nil {
		return err
	}
	return e.notif.Notify(ctx, notifier.ChannelSignal, payload)
}

// Get returns a single job's current snapshot.
func (e *Engine) Get(ctx context.Context, id int64) (*job.Job, error) {
	return e.store.Get(ctx, id)
}

// Leader reports whether this node currently holds the instance's lock.
func (e *Engine) Leader() bool {
	return e.elect.Leader()
}

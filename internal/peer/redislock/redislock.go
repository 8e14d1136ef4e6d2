// Package redislock is a Redis-backed peer.Elector, an interchangeable
// alternative to internal/peer/pglock for deployments that already run
// Redis. Uses SET NX PX for acquisition and a Lua compare-and-delete
// for safe release, the standard go-redis distributed-lock idiom.
package redislock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/duroq/internal/peer"
)

const keyPrefix = "duroq:lease:"

// releaseScript deletes the key only if it still holds our token,
// preventing a node from releasing a lease another node has since won.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// refreshScript extends the TTL only if the token still matches.
var refreshScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// Elector implements peer.Elector over a Redis client.
type Elector struct {
	rdb   *redis.Client
	cfg   peer.Config
	token string

	mu       sync.Mutex
	cancel   context.CancelFunc
	onChange func(bool)
	wg       sync.WaitGroup
	leading  atomic.Bool
}

// New creates a Redis-backed elector. token should be unique per process
// (e.g. a UUID) so refresh/release can tell this holder apart from a
// successor that has since won the lease.
func New(rdb *redis.Client, cfg peer.Config, token string) *Elector {
	cfg.Normalize()
	return &Elector{rdb: rdb, cfg: cfg, token: token}
}

func (e *Elector) key() string { return keyPrefix + e.cfg.Instance }

func (e *Elector) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("redislock: already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.tryAcquireOrRefresh(loopCtx)

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
			e.tryAcquireOrRefresh(ctx)
		}
	}
}

func (e *Elector) tryAcquireOrRefresh(ctx context.Context) {
	if e.leading.Load() {
		n, err := refreshScript.Run(ctx, e.rdb, []string{e.key()}, e.token, e.cfg.TTL.Milliseconds()).Int()
		if err != nil {
			slog.Warn("duroq: peer lease refresh failed", "err", err)
			if e.leading.Swap(false) {
				e.notifyChange(false)
			}
			return
		}
		if n == 0 {
			slog.Info("duroq: peer lost leadership", "instance", e.cfg.Instance, "node", e.cfg.Node)
			e.leading.Store(false)
			e.notifyChange(false)
		}
		return
	}

	ok, err := e.rdb.SetNX(ctx, e.key(), e.token, e.cfg.TTL).Result()
	if err != nil {
		slog.Warn("duroq: peer lease attempt failed", "err", err)
		return
	}
	if ok {
		slog.Info("duroq: peer acquired leadership", "instance", e.cfg.Instance, "node", e.cfg.Node)
		e.leading.Store(true)
		e.notifyChange(true)
	}
}

func (e *Elector) release() {
	if !e.leading.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = releaseScript.Run(ctx, e.rdb, []string{e.key()}, e.token).Int()
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

// Package engine is the configuration-resolved facade: it binds the
// store, notifier, peer elector, producers, executor, and plugins to
// one of the supported backends
// and exposes a backend-agnostic Insert/Cancel/Retry surface. Grounded
// on internal/store/types.go's StoreConfig.IsManaged() mode selector,
// which resolves the same kind of question (which concrete backend
// backs an abstract contract) from configuration.
package engine

import (
	"time"

	"github.com/nextlevelbuilder/duroq/internal/obshooks/otelhooks"
	"github.com/nextlevelbuilder/duroq/internal/plugin/cron"
	"github.com/nextlevelbuilder/duroq/internal/store"
)

// Backend selects the store+notifier+peer trio.
type Backend string

const (
	// BackendPostgres is the canonical transactional relational backend
	// with a built-in pub/sub notifier (LISTEN/NOTIFY).
	BackendPostgres Backend = "postgres"
	// BackendMemory is a single-process managed backend (in-memory
	// store, in-process notifier, always-leader peer); useful for
	// development and for the "testing: manual" config option.
	BackendMemory Backend = "memory"
	// BackendInline executes jobs synchronously on insert without a
	// background dispatch loop; test modes only.
	BackendInline Backend = "inline"
)

// PeerBackend selects the leader-election implementation. Ignored for
// BackendInline and BackendMemory, which are always the sole leader.
type PeerBackend string

const (
	PeerPostgres PeerBackend = "postgres"
	PeerRedis    PeerBackend = "redis"
)

// QueueOptions is the per-queue block of the "queues" config option.
type QueueOptions struct {
	Limit int
}

// SchedulerOptions configures the scheduler plugin. A nil *SchedulerOptions
// in Config.Plugins (the default) disables it; when enabled it runs on
// every node, not only the leader.
type SchedulerOptions struct {
	Interval time.Duration
}

// CronOptions configures the C8 plugin.
type CronOptions struct {
	Entries []cron.Entry
}

// PluginOptions groups the three optional periodic tasks.
type PluginOptions struct {
	Scheduler *SchedulerOptions
	Cron      *CronOptions
	Lifeline  *LifelineOptions
}

// LifelineOptions re-exports the C9 config shape so callers configuring
// an Engine don't need to import internal/plugin/lifeline directly.
type LifelineOptions struct {
	RescueInterval  time.Duration
	RescueThreshold time.Duration
	PruneInterval   time.Duration
	Prune           store.PruneConditions
}

// RedisOptions configures PeerRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Config is the full configuration-resolved description of one engine
// instance.
type Config struct {
	// Instance names this engine for peer-lock scoping and for the
	// process-wide registry (internal/registry).
	Instance string
	// Node is this process's identity, reported in attempted_by,
	// gossip, and leader announcements.
	Node string

	Backend Backend
	DSN     string // Postgres connection string; required for BackendPostgres
	Prefix  string // schema/namespace prefix for the storage backend

	Peer  PeerBackend
	Redis RedisOptions // used when Peer == PeerRedis

	Queues  map[string]QueueOptions
	Plugins PluginOptions

	ShutdownGracePeriod time.Duration
	DispatchCooldown    time.Duration

	Tracing *otelhooks.Config // nil disables OTel spans
	Metrics bool              // true wires promhooks against the default registerer

	// MaxSnoozes caps how high a job's MaxAttempts may grow via repeated
	// self-snoozing; zero leaves it unbounded, which is the default.
	MaxSnoozes int
}

// Normalize fills in the defaults for any field left at its zero value.
func (c *Config) Normalize() {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.Peer == "" {
		c.Peer = PeerPostgres
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = 30 * time.Second
	}
	if c.DispatchCooldown <= 0 {
		c.DispatchCooldown = 50 * time.Millisecond
	}
	if c.Queues == nil {
		c.Queues = map[string]QueueOptions{"default": {Limit: 10}}
	}
}

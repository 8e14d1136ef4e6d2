// Package peer elects exactly one leader per named engine instance
// across a cluster. Leader-gated work (cron insertion, prune, some
// rescue sweeps) runs only while Leader() is true.
package peer

import (
	"context"
	"time"
)

// Elector is the leader-election contract. Every backend holds a
// named, TTL-bounded lock and refreshes it before expiry; on process
// death or a missed refresh, the lock lapses and another node may
// claim it.
type Elector interface {
	// Start begins the election loop in the background. It returns
	// once the first election attempt (win or lose) has completed.
	Start(ctx context.Context) error
	Stop()

	// Leader reports whether this node currently holds the lock.
	Leader() bool

	// OnLeaderChange registers cb to be invoked on every leadership
	// transition: true when this node acquires the lock, false when it
	// loses or releases it. Must be called before Start; registering
	// again replaces the previous callback.
	OnLeaderChange(cb func(leading bool))
}

// Config configures any Elector backend.
type Config struct {
	Instance string        // lock name, scoped per engine instance
	Node     string        // this node's identity
	TTL      time.Duration // lease duration; defaults to 30s
	Interval time.Duration // how often non-leaders poll / leaders refresh
}

// Normalize fills in the package defaults.
func (c *Config) Normalize() {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = c.TTL / 3
	}
}

// Package notifier defines the cluster-wide pub/sub contract: four
// fixed channels carrying JSON-ish payloads between nodes of one
// engine instance. Two backends implement it — internal/notifier/pglisten
// (Postgres LISTEN/NOTIFY, cross-process) and internal/notifier/inproc
// (single-process broadcast, for the Inline engine and tests) — grounded
// on internal/bus/bus.go's subscriber-map broadcast shape.
package notifier

import (
	"context"
	"time"
)

// MaxPayloadBytes bounds a single Notify payload. Postgres truncates
// NOTIFY's extra string at 8000 bytes; every backend enforces the same
// limit so behavior doesn't depend on which one is configured. Oversized
// payloads are dropped rather than fragmented across multiple messages.
const MaxPayloadBytes = 8000

// Channel names the four fixed pub/sub topics.
type Channel string

const (
	ChannelInsert Channel = "insert"
	ChannelSignal Channel = "signal"
	ChannelLeader Channel = "leader"
	ChannelGossip Channel = "gossip"
)

// InsertPayload announces a newly available job for a queue.
type InsertPayload struct {
	Queue string `json:"queue"`
}

// SignalAction is one of the out-of-band producer commands.
type SignalAction string

const (
	SignalScale  SignalAction = "scale"
	SignalPause  SignalAction = "pause"
	SignalResume SignalAction = "resume"
	SignalCancel SignalAction = "cancel"
	SignalPKill  SignalAction = "pkill"
)

// SignalPayload carries an out-of-band command to producers.
type SignalPayload struct {
	Action SignalAction `json:"action"`
	Queue  string       `json:"queue,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	JobID  int64        `json:"id,omitempty"`
}

// LeaderPayload announces a leadership change.
type LeaderPayload struct {
	Leader    string    `json:"leader"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GossipPayload is a producer-state heartbeat for observability.
type GossipPayload struct {
	Node      string    `json:"node"`
	Queue     string    `json:"queue"`
	Limit     int       `json:"limit"`
	Running   []int64   `json:"running"`
	Paused    bool      `json:"paused"`
	StartedAt time.Time `json:"started_at"`
}

// Handler receives a decoded payload for the channel it was registered on.
type Handler func(payload []byte)

// Notifier is the pub/sub contract every backend implements. Messages on
// a channel are FIFO per publisher but globally unordered across
// publishers.
type Notifier interface {
	// Listen starts delivering messages on channel to handler until ctx
	// is cancelled or Close is called. Returns a subscription id usable
	// with Unlisten.
	Listen(ctx context.Context, ch Channel, handler Handler) (subID string, err error)
	Unlisten(ch Channel, subID string)

	// Notify publishes payload (already JSON-encoded by the caller) on ch.
	Notify(ctx context.Context, ch Channel, payload []byte) error

	Close() error
}

// Package inproc is a single-process notifier backend: publish and
// subscribe never leave the Go process. Used by the Inline engine
// backend and by tests. Adapted from internal/bus/bus.go's
// subscriber-map Broadcast, generalized from one event type to the
// four fixed notifier channels.
package inproc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/duroq/internal/notifier"
)

// Notifier is an in-process implementation of notifier.Notifier.
type Notifier struct {
	mu   sync.RWMutex
	subs map[notifier.Channel]map[string]notifier.Handler
}

// New creates an empty in-process notifier.
func New() *Notifier {
	return &Notifier{subs: make(map[notifier.Channel]map[string]notifier.Handler)}
}

func (n *Notifier) Listen(ctx context.Context, ch notifier.Channel, handler notifier.Handler) (string, error) {
	id := randomID()

	n.mu.Lock()
	if n.subs[ch] == nil {
		n.subs[ch] = make(map[string]notifier.Handler)
	}
	n.subs[ch][id] = handler
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.Unlisten(ch, id)
	}()
	return id, nil
}

func (n *Notifier) Unlisten(ch notifier.Channel, subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs[ch], subID)
}

// Notify delivers payload to every current subscriber of ch, synchronously
// and non-blocking per handler (handlers must not block). Matches
// pglisten's size limit so behavior doesn't depend on the configured
// backend.
func (n *Notifier) Notify(ctx context.Context, ch notifier.Channel, payload []byte) error {
	if len(payload) >= notifier.MaxPayloadBytes {
		slog.Warn("duroq: notify payload dropped, too large", "channel", ch, "bytes", len(payload))
		return nil
	}

	n.mu.RLock()
	handlers := make([]notifier.Handler, 0, len(n.subs[ch]))
	for _, h := range n.subs[ch] {
		handlers = append(handlers, h)
	}
	n.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = make(map[notifier.Channel]map[string]notifier.Handler)
	return nil
}

func randomID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Package pglisten is the cross-process notifier backend: it rides
// Postgres LISTEN/NOTIFY so every node of a cluster observes the same
// four channels. The only component in this module that imports
// github.com/lib/pq directly — pq.Listener is the idiomatic way to
// consume NOTIFY in Go, and pgx's stdlib driver (used everywhere else
// for its connection pooling) has no LISTEN support over database/sql.
package pglisten

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/duroq/internal/notifier"
)

// channelPrefix namespaces NOTIFY channel names per engine instance so
// multiple Oban-style instances can share one database without crosstalk.
const channelPrefix = "duroq_"

// Notifier listens on Postgres NOTIFY channels and fans incoming
// payloads out to local subscribers, mirroring the inproc backend's
// subscriber-map shape so callers can't tell them apart.
type Notifier struct {
	listener  *pq.Listener
	notifyDB  *sql.DB // separate connection for issuing pg_notify; Listener itself can't run queries
	instance  string
	mu        sync.RWMutex
	subs      map[notifier.Channel]map[string]notifier.Handler
	closeOnce sync.Once
	done      chan struct{}
}

// New starts a pq.Listener against dsn and begins fanning out NOTIFYs
// for the four fixed channels, namespaced by instance.
func New(dsn, instance string) (*Notifier, error) {
	notifyDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pglisten: open notify connection: %w", err)
	}

	n := &Notifier{
		instance: instance,
		notifyDB: notifyDB,
		subs:     make(map[notifier.Channel]map[string]notifier.Handler),
		done:     make(chan struct{}),
	}

	eventCb := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("duroq: notifier listener event", "err", err)
		}
	}
	n.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, eventCb)

	for _, ch := range []notifier.Channel{
		notifier.ChannelInsert, notifier.ChannelSignal, notifier.ChannelLeader, notifier.ChannelGossip,
	} {
		if err := n.listener.Listen(n.pgChannel(ch)); err != nil {
			n.listener.Close()
			notifyDB.Close()
			return nil, fmt.Errorf("pglisten: listen %s: %w", ch, err)
		}
	}

	go n.pump()
	return n, nil
}

func (n *Notifier) pgChannel(ch notifier.Channel) string {
	return channelPrefix + n.instance + "_" + string(ch)
}

func (n *Notifier) pump() {
	for {
		select {
		case <-n.done:
			return
		case notif, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			if notif == nil {
				continue // reconnect event; Postgres replays nothing, subscribers just miss a beat
			}
			n.dispatch(notif.Channel, []byte(notif.Extra))
		case <-time.After(90 * time.Second):
			_ = n.listener.Ping()
		}
	}
}

func (n *Notifier) dispatch(pgChannel string, payload []byte) {
	for _, ch := range []notifier.Channel{
		notifier.ChannelInsert, notifier.ChannelSignal, notifier.ChannelLeader, notifier.ChannelGossip,
	} {
		if n.pgChannel(ch) != pgChannel {
			continue
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
		return
	}
}

func (n *Notifier) Listen(ctx context.Context, ch notifier.Channel, handler notifier.Handler) (string, error) {
	id := fmt.Sprintf("%p-%d", handler, time.Now().UnixNano())

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

// Notify issues pg_notify for ch with payload as the NOTIFY extra string.
// Postgres truncates NOTIFY payloads at 8000 bytes, so anything that size
// or larger is dropped up front rather than silently truncated.
func (n *Notifier) Notify(ctx context.Context, ch notifier.Channel, payload []byte) error {
	if len(payload) >= notifier.MaxPayloadBytes {
		slog.Warn("duroq: notify payload dropped, too large", "channel", ch, "bytes", len(payload))
		return nil
	}
	if !json.Valid(payload) {
		return fmt.Errorf("pglisten: notify: payload is not valid JSON")
	}
	_, err := n.notifyDB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.pgChannel(ch), string(payload))
	if err != nil {
		return fmt.Errorf("pglisten: notify: %w", err)
	}
	return nil
}

func (n *Notifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		err = n.listener.Close()
		if dbErr := n.notifyDB.Close(); dbErr != nil && err == nil {
			err = dbErr
		}
	})
	return err
}

package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nextlevelbuilder/duroq/internal/job"
	"github.com/nextlevelbuilder/duroq/internal/notifier"
	"github.com/nextlevelbuilder/duroq/internal/notifier/inproc"
	"github.com/nextlevelbuilder/duroq/internal/store/memstore"
)

func TestPluginPromotesDueJobsAndNotifies(t *testing.T) {
	st := memstore.New(nil)
	notif := inproc.New()
	ctx := context.Background()

	// Scheduled 20ms out: available only after the plugin's first tick.
	j, err := st.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w", ScheduledAt: time.Now().Add(20 * time.Millisecond)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if j.State != job.StateScheduled {
		t.Fatalf("want scheduled, got %s", j.State)
	}

	notified := make(chan notifier.InsertPayload, 1)
	notif.Listen(ctx, notifier.ChannelInsert, func(payload []byte) {
		var p notifier.InsertPayload
		if err := json.Unmarshal(payload, &p); err == nil {
			notified <- p
		}
	})

	p := New(st, notif, 10*time.Millisecond)
	p.Start(ctx)
	defer p.Stop()

	select {
	case got := <-notified:
		if got.Queue != "q" {
			t.Fatalf("want notification for queue q, got %q", got.Queue)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduler plugin never promoted the due job and notified")
	}

	promoted, err := st.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if promoted.State != job.StateAvailable {
		t.Fatalf("want available once due, got %s", promoted.State)
	}
}

func TestPluginNoopWhenNothingDue(t *testing.T) {
	st := memstore.New(nil)
	notif := inproc.New()
	ctx := context.Background()

	called := false
	notif.Listen(ctx, notifier.ChannelInsert, func(payload []byte) { called = true })

	p := New(st, notif, 10*time.Millisecond)
	p.Start(ctx)
	defer p.Stop()

	time.Sleep(50 * time.Millisecond)
	if called {
		t.Fatal("scheduler plugin should not notify when nothing is due")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	st := memstore.New(nil)
	notif := inproc.New()
	p := New(st, notif, time.Hour)
	ctx := context.Background()

	p.Start(ctx)
	p.Start(ctx) // should not panic or spawn a second loop
	p.Stop()
}

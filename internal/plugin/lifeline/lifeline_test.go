package lifeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/duroq/internal/job"
	"github.com/nextlevelbuilder/duroq/internal/store"
	"github.com/nextlevelbuilder/duroq/internal/store/memstore"
)

type fakeElector struct {
	leader atomic.Bool
}

func (f *fakeElector) Start(ctx context.Context) error { return nil }
func (f *fakeElector) Stop()                           {}
func (f *fakeElector) Leader() bool                    { return f.leader.Load() }
func (f *fakeElector) OnLeaderChange(cb func(bool))    {}

func TestRescueSweepRequiresLeadership(t *testing.T) {
	now := time.Now()
	st := memstore.New(func() time.Time { return now })
	ctx := context.Background()

	j, _ := st.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w", MaxAttempts: 5})
	st.Fetch(ctx, "q", 1, "n1")
	now = now.Add(time.Hour)

	elector := &fakeElector{}
	p := New(st, elector, Config{RescueInterval: 10 * time.Millisecond, RescueThreshold: time.Minute, PruneInterval: time.Hour})
	p.Start(ctx)
	defer p.Stop()

	time.Sleep(50 * time.Millisecond)
	got, _ := st.Get(ctx, j.ID)
	if got.State != job.StateExecuting {
		t.Fatalf("non-leader should not rescue, want executing, got %s", got.State)
	}

	elector.leader.Store(true)
	time.Sleep(50 * time.Millisecond)
	got, _ = st.Get(ctx, j.ID)
	if got.State != job.StateAvailable {
		t.Fatalf("want rescued once leader, got %s", got.State)
	}
}

func TestPruneSweepDeletesOldJobsAsLeader(t *testing.T) {
	now := time.Now()
	st := memstore.New(func() time.Time { return now })
	ctx := context.Background()

	j, _ := st.Insert(ctx, job.InsertParams{Queue: "q", Worker: "w"})
	st.Cancel(ctx, j.ID)
	now = now.Add(48 * time.Hour)

	elector := &fakeElector{}
	elector.leader.Store(true)
	p := New(st, elector, Config{
		RescueInterval: time.Hour,
		PruneInterval:  10 * time.Millisecond,
		Prune:          store.PruneConditions{CancelledOlderThan: time.Hour},
	})
	p.Start(ctx)
	defer p.Stop()

	time.Sleep(50 * time.Millisecond)
	if _, err := st.Get(ctx, j.ID); err == nil {
		t.Fatal("want pruned job deleted once leader")
	}
}

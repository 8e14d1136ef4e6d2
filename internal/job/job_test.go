package job

import (
	"testing"
	"time"
)

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateCompleted, StateDiscarded, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("want %s to be terminal", s)
		}
	}

	nonTerminal := []State{StateScheduled, StateAvailable, StateExecuting, StateRetryable}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Fatalf("want %s to not be terminal", s)
		}
	}
}

func TestStateForSchedule(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if got := StateForSchedule(now.Add(time.Minute), now); got != StateScheduled {
		t.Fatalf("want scheduled for a future time, got %s", got)
	}
	if got := StateForSchedule(now, now); got != StateAvailable {
		t.Fatalf("want available when scheduledAt equals now, got %s", got)
	}
	if got := StateForSchedule(now.Add(-time.Minute), now); got != StateAvailable {
		t.Fatalf("want available for a past time, got %s", got)
	}
}

func TestInsertParamsNormalizeFillsDefaults(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := InsertParams{Queue: "q", Worker: "w"}
	p.Normalize(now)

	if p.MaxAttempts != 20 {
		t.Fatalf("want default max attempts 20, got %d", p.MaxAttempts)
	}
	if !p.ScheduledAt.Equal(now) {
		t.Fatalf("want scheduled at defaulted to now, got %s", p.ScheduledAt)
	}
	if string(p.Args) != "{}" {
		t.Fatalf("want default empty args object, got %s", p.Args)
	}
}

func TestInsertParamsNormalizeLeavesExplicitValuesAlone(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	scheduled := now.Add(time.Hour)
	p := InsertParams{Queue: "q", Worker: "w", MaxAttempts: 3, ScheduledAt: scheduled}
	p.Normalize(now)

	if p.MaxAttempts != 3 {
		t.Fatalf("want explicit max attempts preserved, got %d", p.MaxAttempts)
	}
	if !p.ScheduledAt.Equal(scheduled) {
		t.Fatalf("want explicit scheduled at preserved, got %s", p.ScheduledAt)
	}
}

func TestInsertParamsNormalizeFillsDefaultUniqueStates(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := InsertParams{Queue: "q", Worker: "w", Unique: &UniqueOpts{ByQueue: true}}
	p.Normalize(now)

	if len(p.Unique.States) != len(DefaultUniqueStates()) {
		t.Fatalf("want default unique states filled in, got %v", p.Unique.States)
	}
}

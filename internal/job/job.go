// Package job defines the durable job record and the state machine that
// governs its lifecycle. It has no knowledge of storage or execution;
// those live in internal/store and internal/executor respectively.
package job

import (
	"encoding/json"
	"time"
)

// State is one of the seven lifecycle states a job can occupy.
type State string

const (
	StateScheduled State = "scheduled"
	StateAvailable State = "available"
	StateExecuting State = "executing"
	StateRetryable State = "retryable"
	StateCompleted State = "completed"
	StateDiscarded State = "discarded"
	StateCancelled State = "cancelled"
)

// Terminal returns true for states that never transition elsewhere
// except via an explicit Retry.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateDiscarded, StateCancelled:
		return true
	default:
		return false
	}
}

// ErrorEntry records one failed attempt.
type ErrorEntry struct {
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
}

// Job is the primary persisted entity.
type Job struct {
	ID          int64           `json:"id"`
	Queue       string          `json:"queue"`
	Worker      string          `json:"worker"`
	Args        json.RawMessage `json:"args"`
	Meta        json.RawMessage `json:"meta"`
	Tags        []string        `json:"tags"`
	State       State           `json:"state"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Attempt     int             `json:"attempt"`
	Errors      []ErrorEntry    `json:"errors"`
	Fingerprint *string         `json:"fingerprint,omitempty"`

	InsertedAt  time.Time  `json:"inserted_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	AttemptedAt *time.Time `json:"attempted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	DiscardedAt *time.Time `json:"discarded_at,omitempty"`

	AttemptedBy string `json:"attempted_by,omitempty"`

	// Conflict is set by Insert when a uniqueness fingerprint matched an
	// existing non-pruned job: the returned Job is the pre-existing one.
	Conflict bool `json:"conflict,omitempty"`
}

// InsertParams is the caller-supplied description of a new job.
type InsertParams struct {
	Queue       string
	Worker      string
	Args        json.RawMessage
	Meta        map[string]any
	Tags        []string
	Priority    int
	MaxAttempts int
	ScheduledAt time.Time // zero value means "now"
	Unique      *UniqueOpts
}

// UniqueOpts configures the optional uniqueness fingerprint.
type UniqueOpts struct {
	Period        time.Duration
	ByArgs        []string // subset of Args keys to include in the fingerprint
	ByMeta        []string // subset of Meta keys to include in the fingerprint
	States        []State  // states in which an existing job blocks a duplicate insert
	ByQueue       bool
	ExcludeWorker bool // worker is included in the fingerprint unless this is set
}

// DefaultUniqueStates is used when UniqueOpts.States is empty: any
// non-terminal state plus completed, matching Oban's historical default
// (scheduled, available, executing, retryable, completed).
func DefaultUniqueStates() []State {
	return []State{StateScheduled, StateAvailable, StateExecuting, StateRetryable, StateCompleted}
}

// Normalize fills in defaults so callers don't have to repeat boilerplate.
func (p *InsertParams) Normalize(now time.Time) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 20
	}
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = now
	}
	if p.Args == nil {
		p.Args = json.RawMessage("{}")
	}
	if p.Unique != nil && len(p.Unique.States) == 0 {
		p.Unique.States = DefaultUniqueStates()
	}
}

// StateForSchedule returns the state a freshly inserted job should start
// in: scheduled if scheduledAt is in the future, available otherwise.
func StateForSchedule(scheduledAt, now time.Time) State {
	if scheduledAt.After(now) {
		return StateScheduled
	}
	return StateAvailable
}

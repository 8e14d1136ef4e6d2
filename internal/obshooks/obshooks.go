// Package obshooks defines the executor's lifecycle hook points (spec
// §5 "observability: hook points only, no bundled dashboard"). Sinks
// live in internal/obshooks/otelhooks (tracing) and
// internal/obshooks/promhooks (metrics); either, both, or neither may
// be wired into an Engine.
package obshooks

import (
	"time"

	"github.com/nextlevelbuilder/duroq/internal/job"
)

// Hooks receives start/stop/exception notifications for every executed
// job. Implementations must not block the executor for long; a sink
// that does slow I/O should buffer internally.
type Hooks interface {
	OnStart(j *job.Job)
	OnStop(j *job.Job, outcome job.Outcome, duration time.Duration)
	OnException(j *job.Job, err error)
}

// Multi fans a single set of hook calls out to several sinks, so an
// Engine can run otelhooks and promhooks side by side.
type Multi []Hooks

func (m Multi) OnStart(j *job.Job) {
	for _, h := range m {
		h.OnStart(j)
	}
}

func (m Multi) OnStop(j *job.Job, outcome job.Outcome, duration time.Duration) {
	for _, h := range m {
		h.OnStop(j, outcome, duration)
	}
}

func (m Multi) OnException(j *job.Job, err error) {
	for _, h := range m {
		h.OnException(j, err)
	}
}

// Noop is the zero-value default: an Engine with no configured sinks
// still has something to call.
type Noop struct{}

func (Noop) OnStart(*job.Job)                                   {}
func (Noop) OnStop(*job.Job, job.Outcome, time.Duration)        {}
func (Noop) OnException(*job.Job, error)                        {}

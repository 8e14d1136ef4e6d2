// Package promhooks is the Prometheus metrics sink for obshooks.Hooks.
// Metric names and the promauto.With(registerer) bootstrap are
// grounded on jonesrussell-north-cloud's crawler/internal/scheduler/v2/
// observability/metrics.go.
package promhooks

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nextlevelbuilder/duroq/internal/job"
)

const namespace = "duroq"

// Hooks implements obshooks.Hooks by incrementing counters and
// observing a duration histogram per job execution.
type Hooks struct {
	executedTotal    *prometheus.CounterVec
	durationSeconds  *prometheus.HistogramVec
	currentlyRunning prometheus.Gauge
	exceptionsTotal  prometheus.Counter
}

// New registers the job-execution metrics against reg (pass nil to use
// prometheus.DefaultRegisterer).
func New(reg prometheus.Registerer) *Hooks {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Hooks{
		executedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "jobs_executed_total",
			Help:      "Total jobs executed, labeled by queue, worker, and outcome.",
		}, []string{"queue", "worker", "outcome"}),

		durationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "job_duration_seconds",
			Help:      "Job execution duration in seconds, labeled by queue and worker.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "worker"}),

		currentlyRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "jobs_currently_running",
			Help:      "Number of jobs currently executing across all queues.",
		}),

		exceptionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "exceptions_total",
			Help:      "Total panics recovered or persistence failures reported by the executor.",
		}),
	}
}

func (h *Hooks) OnStart(j *job.Job) {
	h.currentlyRunning.Inc()
}

// OnStop always fires exactly once per Run, including after a recovered
// panic (the executor converts it into an OutcomeError first), so this
// is the only place that touches currentlyRunning and executedTotal.
func (h *Hooks) OnStop(j *job.Job, outcome job.Outcome, duration time.Duration) {
	h.currentlyRunning.Dec()
	h.executedTotal.WithLabelValues(j.Queue, j.Worker, string(outcome.Kind)).Inc()
	h.durationSeconds.WithLabelValues(j.Queue, j.Worker).Observe(duration.Seconds())
}

// OnException is an additional signal alongside OnStop, not a
// replacement for it, so it only tracks its own counter.
func (h *Hooks) OnException(j *job.Job, err error) {
	h.exceptionsTotal.Inc()
}

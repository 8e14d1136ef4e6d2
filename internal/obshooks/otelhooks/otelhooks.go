// Package otelhooks is the OpenTelemetry tracing sink for
// obshooks.Hooks: one span per job execution. Bootstrap and attribute
// conventions are grounded on internal/tracing/otelexport/exporter.go,
// generalized from "export a pre-recorded gen_ai span" to "start and
// end a span around a live job run".
package otelhooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/duroq/internal/job"
)

// Config configures the OTLP exporter backing the hooks.
type Config struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// Hooks implements obshooks.Hooks by starting a span in OnStart and
// ending it in OnStop/OnException, keyed by job ID.
type Hooks struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer

	mu    sync.Mutex
	spans map[int64]trace.Span
}

// New builds an OTLP-backed hook sink.
func New(ctx context.Context, cfg Config) (*Hooks, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("otelhooks: endpoint is required")
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "duroq"
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("otelhooks: resource: %w", err)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otelhooks: exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)

	return &Hooks{
		provider: tp,
		tracer:   tp.Tracer("duroq"),
		spans:    make(map[int64]trace.Span),
	}, nil
}

func (h *Hooks) OnStart(j *job.Job) {
	_, span := h.tracer.Start(context.Background(), "duroq.job",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int64("duroq.job_id", j.ID),
			attribute.String("duroq.queue", j.Queue),
			attribute.String("duroq.worker", j.Worker),
			attribute.Int("duroq.attempt", j.Attempt),
		),
	)
	h.mu.Lock()
	h.spans[j.ID] = span
	h.mu.Unlock()
}

func (h *Hooks) OnStop(j *job.Job, outcome job.Outcome, duration time.Duration) {
	span := h.takeSpan(j.ID)
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("duroq.outcome", string(outcome.Kind)),
		attribute.Int64("duroq.duration_ms", duration.Milliseconds()),
	)
	if outcome.Kind == job.OutcomeError {
		span.SetStatus(codes.Error, outcome.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (h *Hooks) OnException(j *job.Job, err error) {
	span := h.takeSpan(j.ID)
	if span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
}

func (h *Hooks) takeSpan(id int64) trace.Span {
	h.mu.Lock()
	defer h.mu.Unlock()
	span := h.spans[id]
	delete(h.spans, id)
	return span
}

// Shutdown flushes and stops the exporter.
func (h *Hooks) Shutdown(ctx context.Context) error {
	return h.provider.Shutdown(ctx)
}

package otelhooks

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/duroq/internal/job"
)

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Fatal("want an error when Endpoint is empty")
	}
}

func TestOnStopAndOnExceptionWithoutOnStartAreSafe(t *testing.T) {
	h := &Hooks{spans: make(map[int64]trace.Span)}
	j := &job.Job{ID: 1, Queue: "q", Worker: "w"}

	h.OnStop(j, job.Complete(), time.Millisecond)
	h.OnException(j, nil)
}

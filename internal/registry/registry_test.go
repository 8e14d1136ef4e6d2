package registry

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/duroq/internal/engine"
	"github.com/nextlevelbuilder/duroq/internal/executor"
)

func newMemoryEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.New(context.Background(), engine.Config{Backend: engine.BackendMemory}, executor.Registry{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	e := newMemoryEngine(t)
	r.Register("default", e)

	got, ok := r.Lookup("default")
	if !ok {
		t.Fatal("want lookup to find the registered engine")
	}
	if got != e {
		t.Fatal("want the same engine instance back")
	}
}

func TestLookupMissingReturnsFalse(t *testing.T) {
	r := New()
	if _, ok := r.Lookup("ghost"); ok {
		t.Fatal("want lookup of an unregistered instance to fail")
	}
}

func TestMustLookupErrorsWhenMissing(t *testing.T) {
	r := New()
	if _, err := r.MustLookup("ghost"); err == nil {
		t.Fatal("want an error for an unregistered instance")
	}
}

func TestUnregisterRemovesEntry(t *testing.T) {
	r := New()
	r.Register("default", newMemoryEngine(t))
	r.Unregister("default")

	if _, ok := r.Lookup("default"); ok {
		t.Fatal("want the entry gone after unregister")
	}
}

func TestNamesListsAllRegistered(t *testing.T) {
	r := New()
	r.Register("a", newMemoryEngine(t))
	r.Register("b", newMemoryEngine(t))

	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("want 2 names, got %v", names)
	}
}

func TestStopAllDrainsRegistry(t *testing.T) {
	r := New()
	e := newMemoryEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Register("default", e)

	r.StopAll()

	if len(r.Names()) != 0 {
		t.Fatal("want registry empty after StopAll")
	}
}

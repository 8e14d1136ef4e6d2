package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "duroq.yaml")
	if err := os.WriteFile(path, []byte("instance: a\nnode: n1\nengine: memory\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.debounce = 10 * time.Millisecond

	reloaded := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) { reloaded <- cfg })

	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("instance: b\nnode: n1\nengine: memory\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Instance != "b" {
			t.Fatalf("want reloaded instance %q, got %q", "b", cfg.Instance)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherSkipsHandlersOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "duroq.yaml")
	if err := os.WriteFile(path, []byte("instance: a\nnode: n1\nengine: memory\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.debounce = 10 * time.Millisecond

	called := make(chan struct{}, 1)
	w.OnChange(func(cfg *Config) { called <- struct{}{} })

	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte(": not valid yaml :::"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case <-called:
		t.Fatal("want no reload callback for an invalid config file")
	case <-time.After(200 * time.Millisecond):
	}
}

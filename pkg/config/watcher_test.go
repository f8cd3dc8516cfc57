package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_ReloadsFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("features:\n  caching: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Flags().Caching {
		t.Fatal("Expected caching enabled initially")
	}

	w, err := NewWatcher(cfg, path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Watch(ctx)
		close(done)
	}()

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("features:\n  caching: false\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !cfg.Flags().Caching {
			cancel()
			<-done
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("Flags were not reloaded after file change")
}

func TestWatcher_BadFileKeepsFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("features:\n  rate_limiting: true\n"), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(cfg, path)
	if err != nil {
		t.Fatal(err)
	}

	// A reload of a broken file must keep the current flags.
	os.WriteFile(path, []byte(":::not yaml"), 0o644)
	w.reload()

	if !cfg.Flags().RateLimiting {
		t.Error("Broken file reload changed the live flags")
	}
}

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()

	sqlite, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "limits.db"))
	if err != nil {
		t.Fatalf("Failed to open sqlite backend: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"sqlite": sqlite,
	}
}

func TestBackend_SaveLoadRoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

			st := &BucketState{
				Identity:   "10.0.0.1",
				Tokens:     42.5,
				LastRefill: now,
				Allowed:    7,
				Rejected:   2,
				UpdatedAt:  now,
			}
			if err := b.Save(ctx, st); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			got, err := b.Load(ctx, "10.0.0.1")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if got == nil {
				t.Fatal("Expected state, got nil")
			}
			if got.Tokens != 42.5 || got.Allowed != 7 || got.Rejected != 2 {
				t.Errorf("Round trip mismatch: %+v", got)
			}
			if !got.LastRefill.Equal(now) {
				t.Errorf("LastRefill mismatch: %v != %v", got.LastRefill, now)
			}
		})
	}
}

func TestBackend_LoadAbsent(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := b.Load(context.Background(), "nobody")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if got != nil {
				t.Errorf("Expected nil for absent identity, got %+v", got)
			}
		})
	}
}

func TestBackend_SaveReplaces(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()

			b.Save(ctx, &BucketState{Identity: "x", Tokens: 10, LastRefill: now, UpdatedAt: now})
			b.Save(ctx, &BucketState{Identity: "x", Tokens: 5, LastRefill: now, UpdatedAt: now})

			got, _ := b.Load(ctx, "x")
			if got.Tokens != 5 {
				t.Errorf("Expected replacement to win, got tokens=%v", got.Tokens)
			}

			all, err := b.List(ctx)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(all) != 1 {
				t.Errorf("Expected 1 state, got %d", len(all))
			}
		})
	}
}

func TestBackend_Cleanup(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()

			b.Save(ctx, &BucketState{Identity: "old", Tokens: 1, LastRefill: now.Add(-48 * time.Hour), UpdatedAt: now})
			b.Save(ctx, &BucketState{Identity: "new", Tokens: 1, LastRefill: now, UpdatedAt: now})

			removed, err := b.Cleanup(ctx, now.Add(-24*time.Hour))
			if err != nil {
				t.Fatalf("Cleanup failed: %v", err)
			}
			if removed != 1 {
				t.Errorf("Expected 1 removed, got %d", removed)
			}

			if got, _ := b.Load(ctx, "old"); got != nil {
				t.Error("Expected old state removed")
			}
			if got, _ := b.Load(ctx, "new"); got == nil {
				t.Error("Expected new state kept")
			}
		})
	}
}

func TestBackend_Delete(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()

			b.Save(ctx, &BucketState{Identity: "x", Tokens: 1, LastRefill: now, UpdatedAt: now})
			if err := b.Delete(ctx, "x"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if got, _ := b.Load(ctx, "x"); got != nil {
				t.Error("Expected state deleted")
			}
			// Deleting again is a no-op.
			if err := b.Delete(ctx, "x"); err != nil {
				t.Errorf("Expected idempotent delete, got %v", err)
			}
		})
	}
}

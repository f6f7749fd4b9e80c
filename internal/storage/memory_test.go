package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	info, err := store.Put(ctx, "models", "artifact.bin", strings.NewReader("weights"), 7, "application/octet-stream")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Size != 7 {
		t.Fatalf("size = %d, want 7", info.Size)
	}

	rc, err := store.Get(ctx, "models", "artifact.bin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(data) != "weights" {
		t.Fatalf("data = %q", data)
	}

	stat, err := store.Stat(ctx, "models", "artifact.bin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stat.Size != 7 {
		t.Fatalf("stat size = %d", stat.Size)
	}

	url, err := store.PresignGet(ctx, "models", "artifact.bin", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "memory://models/artifact.bin" {
		t.Fatalf("url = %q", url)
	}
}

func TestMemoryStoreMissingObject(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "models", "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if _, err := store.Stat(ctx, "models", "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Put(ctx, "reports", "run.json", strings.NewReader("{}"), 2, "application/json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Delete(ctx, "reports", "run.json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Stat(ctx, "reports", "run.json"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

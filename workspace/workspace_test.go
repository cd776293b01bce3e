package workspace

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager(t, Config{})

	ws, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(ws.Dir()); err != nil {
		t.Fatalf("workspace dir missing: %v", err)
	}

	ws.Release()
	if _, err := os.Stat(ws.Dir()); !os.IsNotExist(err) {
		t.Fatalf("workspace dir survived release: %v", err)
	}

	// Idempotent.
	ws.Release()
	ws.Release()
}

func TestAcquireBusy(t *testing.T) {
	m := newTestManager(t, Config{MaxConcurrent: 1, AcquireWait: 50 * time.Millisecond})

	ws, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer ws.Release()

	_, err = m.Acquire(context.Background())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	ws.Release()
	ws2, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	ws2.Release()
}

func TestAcquireCancelled(t *testing.T) {
	m := newTestManager(t, Config{MaxConcurrent: 1, AcquireWait: time.Minute})

	ws, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer ws.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConcurrentWorkspacesAreDisjoint(t *testing.T) {
	m := newTestManager(t, Config{MaxConcurrent: 4})

	a, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	defer a.Release()
	b, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	defer b.Release()

	if a.Dir() == b.Dir() {
		t.Fatal("two live workspaces share a directory")
	}

	if _, err := a.WriteInput("f.bin", []byte("aaa")); err != nil {
		t.Fatalf("WriteInput a: %v", err)
	}
	entries, err := os.ReadDir(b.Dir())
	if err != nil {
		t.Fatalf("ReadDir b: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace b sees %d foreign entries", len(entries))
	}
}

func TestQuota(t *testing.T) {
	m := newTestManager(t, Config{Quota: 10})

	ws, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer ws.Release()

	if _, err := ws.WriteInput("small", []byte("12345")); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}
	if _, err := ws.WriteInput("big", []byte("123456789")); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if got := ws.Used(); got != 5 {
		t.Fatalf("Used = %d after rejected write, want 5", got)
	}
}

func TestPathRejectsTraversal(t *testing.T) {
	m := newTestManager(t, Config{})

	ws, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer ws.Release()

	if _, err := ws.Path("../escape"); err == nil {
		t.Fatal("expected error for traversal path")
	}
}

// Package workspace manages per-request sandbox directories for the
// sanitization pipeline.
//
// Every request gets a fresh uniquely-named directory under a controlled
// root. Writes into a workspace are charged against a byte quota, and the
// number of live workspaces is bounded by an admission semaphore so that a
// burst of uploads cannot exhaust the disk. Release is idempotent and
// removes the directory recursively; the orchestrator defers it so cleanup
// happens on every exit path, panics included.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/metaclean/horosafe"
	"github.com/hazyhaar/metaclean/idgen"
)

// ErrQuotaExceeded is returned when a write would push a workspace past its
// byte quota. The partial write is removed before returning.
var ErrQuotaExceeded = errors.New("workspace: quota exceeded")

// ErrBusy is returned by Acquire when the admission limit stays saturated
// for longer than the configured wait.
var ErrBusy = errors.New("workspace: admission limit reached")

// Config configures the Manager.
type Config struct {
	// Root is the directory under which workspaces are created.
	// Default: os.TempDir()/metaclean.
	Root string `yaml:"root"`

	// Quota is the maximum total bytes a single workspace may hold
	// (input and output combined). Default: 256 MiB.
	Quota int64 `yaml:"quota"`

	// MaxConcurrent bounds live workspaces. Default: 8.
	MaxConcurrent int `yaml:"max_concurrent"`

	// AcquireWait is how long Acquire queues for a slot before giving up
	// with ErrBusy. Default: 2s.
	AcquireWait time.Duration `yaml:"acquire_wait"`

	// IDs generates workspace directory names. Default: "ws_" + UUIDv7.
	IDs idgen.Generator `yaml:"-" json:"-"`

	// Logger for debug messages.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

func (c *Config) defaults() {
	if c.Root == "" {
		c.Root = filepath.Join(os.TempDir(), "metaclean")
	}
	if c.Quota <= 0 {
		c.Quota = 256 << 20
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.AcquireWait <= 0 {
		c.AcquireWait = 2 * time.Second
	}
	if c.IDs == nil {
		c.IDs = idgen.Prefixed("ws_", idgen.UUIDv7())
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager hands out workspaces. Safe for concurrent use.
type Manager struct {
	cfg Config
	sem chan struct{}
}

// NewManager creates the workspace root and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	cfg.defaults()
	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	return &Manager{
		cfg: cfg,
		sem: make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Root returns the configured workspace root.
func (m *Manager) Root() string { return m.cfg.Root }

// Acquire reserves an admission slot and creates a fresh workspace
// directory. It queues up to AcquireWait for a slot; ctx cancellation and
// saturation both fail without leaving anything on disk.
func (m *Manager) Acquire(ctx context.Context) (*Workspace, error) {
	timer := time.NewTimer(m.cfg.AcquireWait)
	defer timer.Stop()

	select {
	case m.sem <- struct{}{}:
	case <-timer.C:
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	id := m.cfg.IDs()
	dir := filepath.Join(m.cfg.Root, id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		<-m.sem
		return nil, fmt.Errorf("workspace mkdir: %w", err)
	}
	m.cfg.Logger.Debug("workspace acquired", "id", id)
	return &Workspace{id: id, dir: dir, quota: m.cfg.Quota, mgr: m}, nil
}

// Workspace is one request's private filesystem scope.
type Workspace struct {
	id    string
	dir   string
	quota int64

	mu   sync.Mutex
	used int64

	releaseOnce sync.Once
	mgr         *Manager
}

// ID returns the workspace identifier (also its directory name).
func (w *Workspace) ID() string { return w.id }

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// Path joins an untrusted name onto the workspace directory, rejecting
// traversal attempts.
func (w *Workspace) Path(name string) (string, error) {
	return horosafe.SafePath(w.dir, name)
}

// WriteInput stores the uploaded payload under the given (untrusted) name
// and charges it against the quota. On quota rejection the partial file is
// removed.
func (w *Workspace) WriteInput(name string, data []byte) (string, error) {
	path, err := w.Path(horosafe.SafeFilename(name))
	if err != nil {
		return "", err
	}
	if err := w.Charge(int64(len(data))); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("workspace write: %w", err)
	}
	return path, nil
}

// Charge accounts n bytes against the quota.
func (w *Workspace) Charge(n int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.used+n > w.quota {
		return ErrQuotaExceeded
	}
	w.used += n
	return nil
}

// Used reports bytes charged so far.
func (w *Workspace) Used() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.used
}

// Quota reports the byte quota.
func (w *Workspace) Quota() int64 { return w.quota }

// Release removes the workspace directory and frees the admission slot.
// Idempotent: the orchestrator defers it and may also call it explicitly.
func (w *Workspace) Release() {
	w.releaseOnce.Do(func() {
		if err := os.RemoveAll(w.dir); err != nil {
			w.mgr.cfg.Logger.Error("workspace remove", "id", w.id, "error", err)
		}
		<-w.mgr.sem
		w.mgr.cfg.Logger.Debug("workspace released", "id", w.id)
	})
}

// Package executor runs sanitizer backends under resource bounds: a hard
// wall-clock deadline, an output-size ceiling, and workspace quota
// accounting. It reduces every invocation to one of three outcomes —
// success, backend-reported input error, or environment error — so the
// orchestrator can map them to distinct caller-visible failure kinds.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hazyhaar/metaclean/backend"
	"github.com/hazyhaar/metaclean/workspace"
)

// ErrTimeout is returned when a backend exceeds the configured deadline.
// The invocation is abandoned (and its process group killed, for external
// backends); it is never retried.
var ErrTimeout = errors.New("executor: backend deadline exceeded")

// ErrOutputTooLarge is returned when the produced artifact exceeds the
// output ceiling. The output is rejected, never truncated.
var ErrOutputTooLarge = errors.New("executor: output exceeds size ceiling")

// ErrNoOutput is returned when a backend reports success without
// producing a non-empty artifact.
var ErrNoOutput = errors.New("executor: backend produced no output")

// Config configures the Executor.
type Config struct {
	// Timeout is the wall-clock bound per backend invocation.
	// Default: 60s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutputBytes caps the produced artifact. Default: 512 MiB.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// Logger for per-invocation diagnostics.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 512 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Executor invokes sanitizer backends. Safe for concurrent use.
type Executor struct {
	cfg Config
}

// New returns an Executor with defaults applied.
func New(cfg Config) *Executor {
	cfg.defaults()
	return &Executor{cfg: cfg}
}

// Run invokes s against inPath/outPath inside ws. On success the output
// file exists, is non-empty, is within the size ceiling, and its bytes are
// charged against the workspace quota.
func (e *Executor) Run(ctx context.Context, s backend.Sanitizer, inPath, outPath string, ws *workspace.Workspace) error {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- runProtected(cctx, s, inPath, outPath)
	}()

	var err error
	select {
	case err = <-done:
	case <-cctx.Done():
		// External backends are killed through the context; an in-process
		// backend finishes in the background but its result is discarded
		// and the workspace it wrote into is torn down by the caller.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.cfg.Logger.Warn("backend timeout", "backend", s.Name(), "timeout", e.cfg.Timeout)
		return ErrTimeout
	}

	elapsed := time.Since(start)
	if err != nil {
		if cctx.Err() != nil && ctx.Err() == nil {
			return ErrTimeout
		}
		e.cfg.Logger.Debug("backend failed", "backend", s.Name(), "elapsed", elapsed, "error", err)
		return err
	}

	info, statErr := os.Stat(outPath)
	if statErr != nil || info.Size() == 0 {
		return ErrNoOutput
	}
	if info.Size() > e.cfg.MaxOutputBytes {
		return fmt.Errorf("%w: %d bytes", ErrOutputTooLarge, info.Size())
	}
	if chargeErr := ws.Charge(info.Size()); chargeErr != nil {
		return chargeErr
	}

	e.cfg.Logger.Debug("backend done", "backend", s.Name(), "elapsed", elapsed, "output_bytes", info.Size())
	return nil
}

// runProtected converts a backend panic on hostile input into a malformed
// input error instead of taking down the worker.
func runProtected(ctx context.Context, s backend.Sanitizer, inPath, outPath string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: backend panic: %v", backend.ErrMalformed, r)
		}
	}()
	return s.Sanitize(ctx, inPath, outPath)
}

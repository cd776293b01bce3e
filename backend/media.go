package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Media remuxes audio/video containers through an external tool, invoked
// as a pure file-in/file-out black box. Streams are copied, every metadata
// map is dropped, and bitexact mode suppresses encoder fingerprints.
//
// The child runs in its own process group so a deadline kill reaps the
// whole tree, with a scrubbed environment (PATH only, no proxy variables
// that would grant network egress hints).
type Media struct {
	// Tool is the remuxer binary. Default "ffmpeg".
	Tool string
	// Path is the PATH value exposed to the child. Default
	// "/usr/bin:/bin".
	Path string
}

func (Media) Name() string { return "media" }

func (m Media) tool() string {
	if m.Tool != "" {
		return m.Tool
	}
	return "ffmpeg"
}

// Available reports whether the remuxer binary can be resolved. Used by
// the health endpoint.
func (m Media) Available() bool {
	_, err := exec.LookPath(m.tool())
	return err == nil
}

func (m Media) Sanitize(ctx context.Context, inPath, outPath string) error {
	path := m.Path
	if path == "" {
		path = "/usr/bin:/bin"
	}

	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", inPath,
		"-map", "0",
		"-map_metadata", "-1",
		"-c", "copy",
		"-fflags", "+bitexact",
		"-flags:v", "+bitexact",
		"-flags:a", "+bitexact",
		"-y", outPath,
	}

	cmd := exec.CommandContext(ctx, m.tool(), args...)
	cmd.Env = []string{"PATH=" + path}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid addresses the process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, n: 4 * 1024}

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %s not found", ErrUnavailable, m.tool())
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s: %s", ErrMalformed, m.tool(), firstLine(stderr.String()))
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// limitedWriter keeps the first n bytes and discards the rest, so a
// misbehaving backend cannot balloon memory through stderr.
type limitedWriter struct {
	w *bytes.Buffer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if rem := l.n - l.w.Len(); rem > 0 {
		if len(p) > rem {
			l.w.Write(p[:rem])
		} else {
			l.w.Write(p)
		}
	}
	return len(p), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Package verify is the release gate of the sanitization pipeline. It
// re-sniffs the produced artifact (the backend must have emitted the
// family the strategy promised) and scans it for a fixed per-family
// checklist of residual metadata markers. The gate has exactly two
// outcomes, pass or reject: output that still carries a checklist field is
// never downgraded to "mostly sanitized".
package verify

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hazyhaar/metaclean/sniff"
)

// ErrFormatMismatch is returned when the output does not re-sniff as the
// strategy's expected family (format-confused or empty output).
var ErrFormatMismatch = errors.New("verify: output format mismatch")

// ErrResidual is returned when a checklist metadata field survived
// sanitization.
var ErrResidual = errors.New("verify: residual metadata in output")

// Finding is one residual metadata marker located in an artifact.
type Finding struct {
	Field  string `json:"field"`
	Detail string `json:"detail,omitempty"`
}

// Config configures the Gate.
type Config struct {
	// MaxScanBytes bounds how much of the artifact the residual scan
	// loads. Default: 512 MiB (artifacts are already ceiling-bounded by
	// the executor).
	MaxScanBytes int64 `yaml:"max_scan_bytes"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

func (c *Config) defaults() {
	if c.MaxScanBytes <= 0 {
		c.MaxScanBytes = 512 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Gate verifies sanitized artifacts before release.
type Gate struct {
	cfg Config
}

// New returns a Gate with defaults applied.
func New(cfg Config) *Gate {
	cfg.defaults()
	return &Gate{cfg: cfg}
}

// Check loads the artifact at path, confirms its family and runs the
// residual scan. A nil return is the only release condition.
func (g *Gate) Check(path string, want sniff.Family) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("verify read: %w", err)
	}
	if int64(len(data)) > g.cfg.MaxScanBytes {
		return fmt.Errorf("%w: artifact larger than scan bound", ErrFormatMismatch)
	}

	got := sniff.Detect(data)
	if got.Family != want {
		g.cfg.Logger.Warn("output format mismatch", "want", want, "got", got)
		return fmt.Errorf("%w: want %s, got %s", ErrFormatMismatch, want, got)
	}

	findings := Scan(data, got)
	if len(findings) > 0 {
		fields := make([]string, len(findings))
		for i, f := range findings {
			fields[i] = f.Field
		}
		g.cfg.Logger.Warn("residual metadata", "format", got, "fields", fields)
		return fmt.Errorf("%w: %s", ErrResidual, strings.Join(fields, ", "))
	}
	return nil
}

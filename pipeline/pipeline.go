// Package pipeline orchestrates one sanitization request end to end:
// sniff the true format, look up a sanitizer strategy, execute it inside
// a quota-bounded workspace, verify the output, and release either a
// fully sanitized artifact or a typed failure — never anything in
// between. Workspace teardown is deferred, so it runs on every exit path
// including panics and cancellation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/metaclean/backend"
	"github.com/hazyhaar/metaclean/executor"
	"github.com/hazyhaar/metaclean/horosafe"
	"github.com/hazyhaar/metaclean/kit"
	"github.com/hazyhaar/metaclean/observability"
	"github.com/hazyhaar/metaclean/registry"
	"github.com/hazyhaar/metaclean/sniff"
	"github.com/hazyhaar/metaclean/verify"
	"github.com/hazyhaar/metaclean/workspace"
)

// State names the orchestrator's position in the request lifecycle.
// Terminal states are Done and Failed.
type State string

const (
	StateReceived   State = "received"
	StateSniffed    State = "sniffed"
	StateRouted     State = "routed"
	StateSanitizing State = "sanitizing"
	StateVerifying  State = "verifying"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Upload is one request's input. Filename and DeclaredType are untrusted
// hints used only for diagnostics and for naming the returned file.
type Upload struct {
	Data         []byte
	Filename     string
	DeclaredType string
	// MemberPolicy applies to zip container members not on the backend's
	// allowlist: "abort" (default), "omit" or "keep".
	MemberPolicy string
}

// Result is a verified sanitized artifact.
type Result struct {
	Data     []byte
	Format   sniff.Format
	Filename string
}

// Config configures the Service.
type Config struct {
	// MaxUploadBytes caps accepted payloads. Default: 256 MiB. The HTTP
	// layer enforces the same bound earlier via shield.MaxBody.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

func (c *Config) defaults() {
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 256 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats is a snapshot of the process-wide request counters.
type Stats struct {
	Requests  int64 `json:"requests"`
	Sanitized int64 `json:"sanitized"`
	Failed    int64 `json:"failed"`
}

// Option customises the Service.
type Option func(*Service)

// WithMetrics attaches a metrics manager; per-request duration and size
// datapoints are recorded through it.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(s *Service) { s.metrics = mm }
}

// WithAudit attaches an audit logger; one entry is written per request.
func WithAudit(al *observability.AuditLogger) Option {
	return func(s *Service) { s.audit = al }
}

// Service is the sanitization orchestrator. Safe for concurrent use; all
// per-request state lives in the request's workspace.
type Service struct {
	cfg  Config
	reg  *registry.Registry
	wsm  *workspace.Manager
	exec *executor.Executor
	gate *verify.Gate

	metrics *observability.MetricsManager
	audit   *observability.AuditLogger
	logger  *slog.Logger

	requests  atomic.Int64
	sanitized atomic.Int64
	failed    atomic.Int64
}

// New wires the orchestrator from its collaborators.
func New(reg *registry.Registry, wsm *workspace.Manager, exec *executor.Executor, gate *verify.Gate, cfg Config, opts ...Option) *Service {
	cfg.defaults()
	s := &Service{
		cfg:    cfg,
		reg:    reg,
		wsm:    wsm,
		exec:   exec,
		gate:   gate,
		logger: cfg.Logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Clean sanitizes one upload. On success the returned Result passed the
// verification gate; on failure the error wraps exactly one of the
// pipeline sentinel kinds and no artifact is released.
func (s *Service) Clean(ctx context.Context, up Upload) (*Result, error) {
	start := time.Now()
	s.requests.Add(1)

	state := StateReceived
	format := sniff.Format{Family: sniff.Unknown}
	var bytesOut int64

	defer func() {
		s.record(ctx, "clean", state, format, int64(len(up.Data)), bytesOut, time.Since(start))
	}()

	res, err := s.clean(ctx, up, &state, &format, &bytesOut)
	if err != nil {
		state = StateFailed
		s.failed.Add(1)
		return nil, err
	}
	state = StateDone
	s.sanitized.Add(1)
	return res, nil
}

func (s *Service) clean(ctx context.Context, up Upload, state *State, format *sniff.Format, bytesOut *int64) (*Result, error) {
	if int64(len(up.Data)) > s.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: upload exceeds %d bytes", ErrResourceExhausted, s.cfg.MaxUploadBytes)
	}

	// Received → Sniffed. The declared hints are logged, never trusted.
	*format = sniff.Detect(up.Data)
	*state = StateSniffed
	s.logger.Debug("sniffed", "format", *format,
		"declared_type", up.DeclaredType, "filename_hint", up.Filename != "")

	// Sniffed → Routed.
	strategy, err := s.reg.Lookup(*format)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, *format)
	}
	*state = StateRouted

	policy, err := backend.ParsePolicy(up.MemberPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	ctx = backend.WithMemberPolicy(ctx, policy)

	// Routed → Sanitizing: acquire the workspace. Release is deferred
	// immediately so every later exit path — error, panic, cancellation —
	// tears it down exactly once.
	ws, err := s.wsm.Acquire(ctx)
	if err != nil {
		if errors.Is(err, workspace.ErrBusy) {
			return nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer ws.Release()
	*state = StateSanitizing

	inPath, err := ws.WriteInput(inputName(up.Filename), up.Data)
	if err != nil {
		if errors.Is(err, workspace.ErrQuotaExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	outPath, err := ws.Path("output." + sniff.Ext(*format))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// Sanitizing → Verifying only on executor success.
	if err := s.exec.Run(ctx, strategy.Backend, inPath, outPath, ws); err != nil {
		return nil, s.classifyExecError(ctx, err)
	}
	*state = StateVerifying

	// Verifying → Done only if the gate passes.
	if err := s.gate.Check(outPath, strategy.ExpectedOutput); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResidualMetadata, err)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	*bytesOut = int64(len(out))

	return &Result{
		Data:     out,
		Format:   *format,
		Filename: outputName(up.Filename, *format),
	}, nil
}

// classifyExecError maps executor and backend failures onto the
// caller-visible kinds. Cancellation is passed through untouched.
func (s *Service) classifyExecError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, backend.ErrMalformed):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	case errors.Is(err, executor.ErrTimeout),
		errors.Is(err, executor.ErrNoOutput),
		errors.Is(err, backend.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	case errors.Is(err, executor.ErrOutputTooLarge),
		errors.Is(err, workspace.ErrQuotaExceeded):
		return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	default:
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
}

// Inspect reports the known-sensitive metadata fields present in an
// upload without modifying it (the original /show operation). The scan
// uses the same checklist as the verification gate.
func (s *Service) Inspect(ctx context.Context, up Upload) (map[string]string, error) {
	start := time.Now()
	s.requests.Add(1)

	format := sniff.Detect(up.Data)
	if _, err := s.reg.Lookup(format); err != nil {
		s.failed.Add(1)
		s.record(ctx, "inspect", StateFailed, format, int64(len(up.Data)), 0, time.Since(start))
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	fields := map[string]string{"format": format.String()}
	for _, f := range verify.Scan(up.Data, format) {
		fields[f.Field] = f.Detail
	}
	s.record(ctx, "inspect", StateDone, format, int64(len(up.Data)), 0, time.Since(start))
	return fields, nil
}

// FormatInfo describes one supported family for the formats listing.
type FormatInfo struct {
	Family   sniff.Family `json:"family"`
	Backend  string       `json:"backend"`
	Subtypes string       `json:"subtypes"`
}

// Formats lists the supported families and their backends.
func (s *Service) Formats() []FormatInfo {
	subtypes := map[sniff.Family]string{
		sniff.RasterImage:    "jpeg, png, gif, tiff, bmp, webp",
		sniff.PDFDocument:    "pdf",
		sniff.OfficeDocument: "docx, xlsx, pptx, odt, ods, odp, epub",
		sniff.VectorImage:    "svg",
		sniff.HTMLDocument:   "html",
		sniff.AudioVideo:     "mp3, flac, ogg, wav, avi, mp4, m4a, mkv, webm",
		sniff.Torrent:        "torrent",
		sniff.Archive:        "zip, tar, tar.gz",
	}
	var out []FormatInfo
	for _, fam := range s.reg.Families() {
		strategy, err := s.reg.Lookup(sniff.Format{Family: fam})
		if err != nil {
			continue
		}
		out = append(out, FormatInfo{
			Family:   fam,
			Backend:  strategy.Backend.Name(),
			Subtypes: subtypes[fam],
		})
	}
	return out
}

// Stats returns a snapshot of the process-wide counters.
func (s *Service) Stats() Stats {
	return Stats{
		Requests:  s.requests.Load(),
		Sanitized: s.sanitized.Load(),
		Failed:    s.failed.Load(),
	}
}

// Dependencies reports external collaborator availability for the health
// endpoint.
func (s *Service) Dependencies() map[string]bool {
	return map[string]bool{
		"media_remuxer": s.reg.MediaAvailable(),
	}
}

func (s *Service) record(ctx context.Context, action string, state State, format sniff.Format, bytesIn, bytesOut int64, elapsed time.Duration) {
	if s.metrics != nil {
		s.metrics.Record(&observability.Metric{
			Name:  "request_duration_ms",
			Value: float64(elapsed.Milliseconds()),
			Unit:  "milliseconds",
			Labels: map[string]string{
				"action": action,
				"family": string(format.Family),
				"state":  string(state),
			},
		})
	}
	if s.audit != nil {
		status := "success"
		if state == StateFailed {
			status = "failure"
		}
		s.audit.LogAsync(&observability.Entry{
			Action:    action,
			Format:    format.String(),
			Status:    status,
			TraceID:   kit.GetTraceID(ctx),
			Transport: kit.GetTransport(ctx),
			BytesIn:   bytesIn,
			BytesOut:  bytesOut,
			ElapsedMs: elapsed.Milliseconds(),
		})
	}
}

// inputName flattens the untrusted filename hint for workspace storage.
func inputName(hint string) string {
	if hint == "" {
		return "input"
	}
	return "input_" + horosafe.SafeFilename(hint)
}

// outputName derives the download filename: original stem (sanitized)
// plus ".cleaned." and the extension of the detected — not declared —
// format.
func outputName(hint string, f sniff.Format) string {
	stem := "file"
	if hint != "" {
		safe := horosafe.SafeFilename(hint)
		if ext := filepath.Ext(safe); ext != "" {
			safe = strings.TrimSuffix(safe, ext)
		}
		if safe != "" {
			stem = safe
		}
	}
	return stem + ".cleaned." + sniff.Ext(f)
}

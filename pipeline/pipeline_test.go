package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/metaclean/backend"
	"github.com/hazyhaar/metaclean/executor"
	"github.com/hazyhaar/metaclean/registry"
	"github.com/hazyhaar/metaclean/sniff"
	"github.com/hazyhaar/metaclean/verify"
	"github.com/hazyhaar/metaclean/workspace"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	wsm, err := workspace.NewManager(workspace.Config{Root: t.TempDir(), MaxConcurrent: 4})
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	return New(
		registry.New(registry.Config{}),
		wsm,
		executor.New(executor.Config{}),
		verify.New(verify.Config{}),
		Config{},
	)
}

// scriptedBackend lets tests dictate what the sanitizer produces.
type scriptedBackend struct {
	output []byte
	block  time.Duration
}

func (scriptedBackend) Name() string { return "scripted" }

func (b scriptedBackend) Sanitize(ctx context.Context, inPath, outPath string) error {
	if b.block > 0 {
		select {
		case <-time.After(b.block):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return os.WriteFile(outPath, b.output, 0o600)
}

// newScriptedService routes raster uploads to b and returns the workspace
// root so tests can check teardown.
func newScriptedService(t *testing.T, b backend.Sanitizer, execCfg executor.Config) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	wsm, err := workspace.NewManager(workspace.Config{Root: root, MaxConcurrent: 4})
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	reg := registry.New(registry.Config{}).WithStrategy(sniff.RasterImage,
		registry.Strategy{Backend: b, ExpectedOutput: sniff.RasterImage})
	return New(reg, wsm, executor.New(execCfg), verify.New(verify.Config{}), Config{}), root
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace root holds %d entries after Clean returned", len(entries))
	}
}

func pngChunk(typ string, body []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(len(body)))
	buf.WriteString(typ)
	buf.Write(body)
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(body)
	binary.Write(&buf, binary.BigEndian, crc.Sum32())
	return buf.Bytes()
}

func taintedPNG() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A})
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], 1)
	binary.BigEndian.PutUint32(ihdr[4:8], 1)
	ihdr[8] = 8
	buf.Write(pngChunk("IHDR", ihdr))
	buf.Write(pngChunk("IDAT", []byte{0x78, 0x9C, 0x62, 0x00, 0x00}))
	buf.Write(pngChunk("tEXt", []byte("Author\x00alice")))
	buf.Write(pngChunk("IEND", nil))
	return buf.Bytes()
}

func TestCleanPNG(t *testing.T) {
	svc := newTestService(t)

	res, err := svc.Clean(context.Background(), Upload{
		Data:     taintedPNG(),
		Filename: "holiday photo.png",
	})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if res.Format != (sniff.Format{Family: sniff.RasterImage, Subtype: "png"}) {
		t.Errorf("format = %v", res.Format)
	}
	if res.Filename != "holiday_photo.cleaned.png" {
		t.Errorf("filename = %q", res.Filename)
	}
	if bytes.Contains(res.Data, []byte("alice")) || bytes.Contains(res.Data, []byte("tEXt")) {
		t.Error("metadata survived the pipeline")
	}
	if got := sniff.Detect(res.Data); got.Subtype != "png" {
		t.Errorf("output re-sniffs as %v", got)
	}

	stats := svc.Stats()
	if stats.Requests != 1 || stats.Sanitized != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCleanUnsupportedFormat(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Clean(context.Background(), Upload{Data: []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if Code(err) != "unsupported_format" {
		t.Errorf("Code = %q", Code(err))
	}
	if Transient(err) {
		t.Error("unsupported format flagged transient")
	}
	if got := svc.Stats().Failed; got != 1 {
		t.Errorf("Failed = %d", got)
	}
}

// The declared name and type never route: a PNG uploaded as report.pdf is
// sanitized as a PNG.
func TestCleanIgnoresDeclaredType(t *testing.T) {
	svc := newTestService(t)

	res, err := svc.Clean(context.Background(), Upload{
		Data:         taintedPNG(),
		Filename:     "report.pdf",
		DeclaredType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if res.Format.Subtype != "png" {
		t.Errorf("format = %v", res.Format)
	}
	if res.Filename != "report.cleaned.png" {
		t.Errorf("filename = %q", res.Filename)
	}
}

func TestCleanInvalidPolicy(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Clean(context.Background(), Upload{
		Data:         taintedPNG(),
		MemberPolicy: "shrug",
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCleanMalformedInput(t *testing.T) {
	svc := newTestService(t)

	// Valid PNG magic, truncated chunk stream.
	data := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0xFF, 0xFF, 0xFF, 0xFF}
	_, err := svc.Clean(context.Background(), Upload{Data: data})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCleanUploadTooLarge(t *testing.T) {
	wsm, err := workspace.NewManager(workspace.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	svc := New(registry.New(registry.Config{}), wsm,
		executor.New(executor.Config{}), verify.New(verify.Config{}),
		Config{MaxUploadBytes: 16})

	_, err = svc.Clean(context.Background(), Upload{Data: taintedPNG()})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if !Transient(err) {
		t.Error("resource exhaustion not flagged transient")
	}
}

// The per-request workspace directory is gone once Clean returns, on the
// success path and the failure path alike.
func TestCleanWorkspaceTornDown(t *testing.T) {
	root := t.TempDir()
	wsm, err := workspace.NewManager(workspace.Config{Root: root, MaxConcurrent: 4})
	if err != nil {
		t.Fatal(err)
	}
	svc := New(registry.New(registry.Config{}), wsm,
		executor.New(executor.Config{}), verify.New(verify.Config{}), Config{})

	if _, err := svc.Clean(context.Background(), Upload{Data: taintedPNG()}); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	assertEmptyDir(t, root)

	truncated := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := svc.Clean(context.Background(), Upload{Data: truncated}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	assertEmptyDir(t, root)
}

func TestCleanTimeout(t *testing.T) {
	svc, root := newScriptedService(t,
		scriptedBackend{block: time.Second, output: taintedPNG()},
		executor.Config{Timeout: 25 * time.Millisecond})

	_, err := svc.Clean(context.Background(), Upload{Data: taintedPNG()})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if !Transient(err) {
		t.Error("timeout not flagged transient")
	}
	if Code(err) != "backend_unavailable" {
		t.Errorf("Code = %q", Code(err))
	}
	assertEmptyDir(t, root)
}

// A backend whose output still carries checklist fields is stopped by the
// gate: the caller gets ErrResidualMetadata and no artifact.
func TestCleanResidualRejected(t *testing.T) {
	svc, root := newScriptedService(t,
		scriptedBackend{output: taintedPNG()}, executor.Config{})

	res, err := svc.Clean(context.Background(), Upload{Data: taintedPNG()})
	if !errors.Is(err, ErrResidualMetadata) {
		t.Fatalf("expected ErrResidualMetadata, got %v", err)
	}
	if res != nil {
		t.Error("artifact released despite gate rejection")
	}
	if Code(err) != "residual_metadata" {
		t.Errorf("Code = %q", Code(err))
	}
	if Transient(err) {
		t.Error("residual metadata flagged transient")
	}
	assertEmptyDir(t, root)
}

func TestCleanConcurrent(t *testing.T) {
	svc := newTestService(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Clean(context.Background(), Upload{Data: taintedPNG()})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}
	if got := svc.Stats().Sanitized; got != 8 {
		t.Errorf("Sanitized = %d", got)
	}
}

func TestInspect(t *testing.T) {
	svc := newTestService(t)

	fields, err := svc.Inspect(context.Background(), Upload{Data: taintedPNG()})
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if fields["format"] != "raster/png" {
		t.Errorf("format field = %q", fields["format"])
	}
	if fields["png-chunk"] != "tEXt" {
		t.Errorf("fields = %v", fields)
	}

	if _, err := svc.Inspect(context.Background(), Upload{Data: []byte{1, 2, 3, 4, 5}}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestFormats(t *testing.T) {
	svc := newTestService(t)
	formats := svc.Formats()
	if len(formats) != 8 {
		t.Fatalf("families = %d", len(formats))
	}
	seen := map[sniff.Family]bool{}
	for _, f := range formats {
		seen[f.Family] = true
		if f.Backend == "" {
			t.Errorf("%s: empty backend name", f.Family)
		}
	}
	if !seen[sniff.PDFDocument] || !seen[sniff.Torrent] {
		t.Errorf("missing families: %v", formats)
	}
}

func TestOutputName(t *testing.T) {
	png := sniff.Format{Family: sniff.RasterImage, Subtype: "png"}
	tests := []struct {
		hint, want string
	}{
		{"photo.jpg", "photo.cleaned.png"},
		{"", "file.cleaned.png"},
		{"../../etc/passwd", "passwd.cleaned.png"},
		{"archive.tar.gz", "archive.tar.cleaned.png"},
	}
	for _, tt := range tests {
		if got := outputName(tt.hint, png); got != tt.want {
			t.Errorf("outputName(%q) = %q, want %q", tt.hint, got, tt.want)
		}
	}
}

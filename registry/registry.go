// Package registry maps canonical formats to sanitizer strategies.
//
// The mapping is built once at process start and never mutated. Lookup is
// an exhaustive switch over the format family whose default arm rejects:
// a format without an explicitly assigned strategy can never fall through
// to returning the original bytes.
package registry

import (
	"errors"

	"github.com/hazyhaar/metaclean/backend"
	"github.com/hazyhaar/metaclean/sniff"
)

// ErrUnsupported is returned for Unknown and unmapped formats.
var ErrUnsupported = errors.New("registry: no sanitizer for format")

// Strategy is the execution plan for one format family.
type Strategy struct {
	// Backend performs the sanitization.
	Backend backend.Sanitizer
	// ExpectedOutput is the family the verification gate must re-sniff
	// from the produced artifact.
	ExpectedOutput sniff.Family
}

// Config carries backend construction knobs.
type Config struct {
	// MediaTool is the external remuxer binary (default "ffmpeg").
	MediaTool string `yaml:"media_tool"`
	// MediaPath is the PATH exposed to the remuxer child process.
	MediaPath string `yaml:"media_path"`
}

// Registry is the immutable format → strategy table.
type Registry struct {
	raster  Strategy
	pdf     Strategy
	office  Strategy
	vector  Strategy
	html    Strategy
	media   Strategy
	torrent Strategy
	archive Strategy

	mediaBackend backend.Media
}

// New constructs every backend once and wires the table.
func New(cfg Config) *Registry {
	media := backend.Media{Tool: cfg.MediaTool, Path: cfg.MediaPath}
	return &Registry{
		raster:       Strategy{Backend: backend.Raster{}, ExpectedOutput: sniff.RasterImage},
		pdf:          Strategy{Backend: backend.PDF{}, ExpectedOutput: sniff.PDFDocument},
		office:       Strategy{Backend: backend.Office{}, ExpectedOutput: sniff.OfficeDocument},
		vector:       Strategy{Backend: backend.SVG{}, ExpectedOutput: sniff.VectorImage},
		html:         Strategy{Backend: backend.NewHTML(), ExpectedOutput: sniff.HTMLDocument},
		media:        Strategy{Backend: media, ExpectedOutput: sniff.AudioVideo},
		torrent:      Strategy{Backend: backend.Torrent{}, ExpectedOutput: sniff.Torrent},
		archive:      Strategy{Backend: backend.Archive{}, ExpectedOutput: sniff.Archive},
		mediaBackend: media,
	}
}

// WithStrategy returns a copy of the registry with one family's strategy
// replaced; the receiver is unchanged. Used to wire instrumented backends
// in tests.
func (r *Registry) WithStrategy(fam sniff.Family, s Strategy) *Registry {
	cp := *r
	switch fam {
	case sniff.RasterImage:
		cp.raster = s
	case sniff.PDFDocument:
		cp.pdf = s
	case sniff.OfficeDocument:
		cp.office = s
	case sniff.VectorImage:
		cp.vector = s
	case sniff.HTMLDocument:
		cp.html = s
	case sniff.AudioVideo:
		cp.media = s
	case sniff.Torrent:
		cp.torrent = s
	case sniff.Archive:
		cp.archive = s
	}
	return &cp
}

// Lookup resolves the strategy for a sniffed format. Unknown formats and
// any family added without a strategy land in the rejecting arms.
func (r *Registry) Lookup(f sniff.Format) (Strategy, error) {
	switch f.Family {
	case sniff.RasterImage:
		return r.raster, nil
	case sniff.PDFDocument:
		return r.pdf, nil
	case sniff.OfficeDocument:
		return r.office, nil
	case sniff.VectorImage:
		return r.vector, nil
	case sniff.HTMLDocument:
		return r.html, nil
	case sniff.AudioVideo:
		return r.media, nil
	case sniff.Torrent:
		return r.torrent, nil
	case sniff.Archive:
		return r.archive, nil
	case sniff.Unknown:
		return Strategy{}, ErrUnsupported
	default:
		// A new family without a strategy is a rejection, not a
		// pass-through.
		return Strategy{}, ErrUnsupported
	}
}

// MediaAvailable reports whether the external remuxer can be resolved.
// Surfaced by the health endpoint.
func (r *Registry) MediaAvailable() bool {
	return r.mediaBackend.Available()
}

// Families lists every family with an assigned strategy.
func (r *Registry) Families() []sniff.Family {
	return []sniff.Family{
		sniff.RasterImage, sniff.PDFDocument, sniff.OfficeDocument,
		sniff.VectorImage, sniff.HTMLDocument, sniff.AudioVideo,
		sniff.Torrent, sniff.Archive,
	}
}

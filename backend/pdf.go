package backend

import (
	"context"
	"fmt"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDF strips document metadata from PDF files using pdfcpu: the Info
// dictionary (author, creator, producer, dates) is dropped and the XMP
// metadata stream is unlinked from the catalog. Page content is untouched.
type PDF struct{}

func (PDF) Name() string { return "pdf" }

func (PDF) Sanitize(_ context.Context, inPath, outPath string) error {
	f, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return fmt.Errorf("%w: pdfcpu read: %v", ErrMalformed, err)
	}

	// Drop the document information dictionary entirely. pdfcpu writes a
	// fresh minimal one naming only itself as producer.
	pctx.XRefTable.Info = nil

	if rootDict, err := pctx.XRefTable.Catalog(); err == nil {
		rootDict.Delete("Metadata")  // XMP stream
		rootDict.Delete("PieceInfo") // application private data
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer out.Close()

	if err := api.WriteContext(pctx, out); err != nil {
		return fmt.Errorf("pdfcpu write: %w", err)
	}
	return nil
}

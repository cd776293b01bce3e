package backend

import (
	"context"
	"fmt"
	"os"
)

// SVG strips identifying content from SVG documents: the <metadata>
// subtree (RDF/Dublin Core authorship), XML comments, and every element or
// attribute in editor namespaces (Inkscape, Sodipodi) that record the
// author's filesystem paths and tool versions.
type SVG struct{}

func (SVG) Name() string { return "svg" }

func (SVG) Sanitize(_ context.Context, inPath, outPath string) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out, err := filterXML(data, xmlFilter{
		dropElements:   map[string]bool{"metadata": true},
		dropNamespaces: []string{"inkscape", "sodipodi", "rdf-syntax"},
		dropComments:   true,
	})
	if err != nil {
		return fmt.Errorf("%w: svg: %v", ErrMalformed, err)
	}
	return os.WriteFile(outPath, out, 0o600)
}

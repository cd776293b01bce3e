package backend

import (
	"bytes"
	"errors"
	"testing"
)

func TestSVGSanitize(t *testing.T) {
	in := []byte(`<?xml version="1.0"?>
<!-- drawn by alice, 2024 -->
<svg xmlns="http://www.w3.org/2000/svg"
     xmlns:inkscape="http://www.inkscape.org/namespaces/inkscape"
     xmlns:sodipodi="http://sodipodi.sourceforge.net/DTD/sodipodi-0.0.dtd"
     inkscape:version="1.3 (0e150ed, 2023-07-21)"
     sodipodi:docname="/home/alice/drawings/secret.svg">
  <metadata id="md1"><rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">author data</rdf:RDF></metadata>
  <sodipodi:namedview id="nv1"/>
  <rect width="10" height="10"/>
</svg>`)

	out := sanitizeBytes(t, SVG{}, in)

	for _, gone := range []string{"alice", "inkscape", "sodipodi", "metadata", "author data", "<!--"} {
		if bytes.Contains(out, []byte(gone)) {
			t.Errorf("%q survived", gone)
		}
	}
	if !bytes.Contains(out, []byte("<rect")) {
		t.Error("drawing content lost")
	}
	if !bytes.Contains(bytes.ToLower(out), []byte("<svg")) {
		t.Error("output no longer identifies as svg")
	}
}

func TestSVGMalformed(t *testing.T) {
	in := []byte(`<svg xmlns="http://www.w3.org/2000/svg"><rect width="1"`)
	if err := sanitizeErr(t, SVG{}, in); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

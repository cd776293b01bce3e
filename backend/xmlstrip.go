package backend

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
)

// xmlFilter configures filterXML. Element and attribute matching is by
// local name or by namespace fragment, so editor-specific vocabularies
// (inkscape:, sodipodi:) can be dropped wholesale.
type xmlFilter struct {
	dropElements   map[string]bool // local names to drop with their subtree
	dropNamespaces []string        // namespace substrings to drop (elements and attrs)
	dropComments   bool
}

// filterXML re-emits an XML document without the filtered tokens. The
// decoder resolves namespace prefixes, so the output may redeclare
// namespaces inline; it stays well-formed and semantically equivalent.
func filterXML(data []byte, f xmlFilter) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	var out bytes.Buffer
	enc := xml.NewEncoder(&out)

	skipDepth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if skipDepth > 0 {
				skipDepth++
				continue
			}
			if f.dropElements[t.Name.Local] || f.matchNamespace(t.Name.Space) {
				skipDepth = 1
				continue
			}
			attrs := t.Attr[:0]
			for _, a := range t.Attr {
				if f.matchNamespace(a.Name.Space) {
					continue
				}
				// xmlns declarations for a dropped namespace.
				if a.Name.Space == "xmlns" && f.matchNamespace(a.Value) {
					continue
				}
				attrs = append(attrs, a)
			}
			t.Attr = attrs
			if err := enc.EncodeToken(t); err != nil {
				return nil, err
			}
		case xml.EndElement:
			if skipDepth > 0 {
				skipDepth--
				continue
			}
			if err := enc.EncodeToken(t); err != nil {
				return nil, err
			}
		case xml.Comment:
			if f.dropComments || skipDepth > 0 {
				continue
			}
			if err := enc.EncodeToken(t); err != nil {
				return nil, err
			}
		case xml.CharData, xml.Directive, xml.ProcInst:
			if skipDepth > 0 {
				continue
			}
			if err := enc.EncodeToken(tok); err != nil {
				return nil, err
			}
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (f xmlFilter) matchNamespace(space string) bool {
	for _, ns := range f.dropNamespaces {
		if ns != "" && strings.Contains(space, ns) {
			return true
		}
	}
	return false
}

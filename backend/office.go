package backend

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Office rewrites zip-based document containers (OOXML, OpenDocument,
// EPUB) without their metadata members. Property files that the container
// format requires are replaced with empty stubs rather than removed, so
// the content-type manifest stays consistent; thumbnails and custom
// property parts are dropped outright.
//
// Members that are neither known-content nor known-metadata are handled
// according to the request's MemberPolicy (abort by default).
type Office struct {
	// MaxMembers bounds the number of zip entries processed. Default 4096.
	MaxMembers int
}

func (Office) Name() string { return "office" }

// Stub replacements keep manifest references valid while carrying nothing.
const (
	coreStub = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" +
		`<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties"/>` + "\n"
	appStub = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" +
		`<Properties xmlns="http://schemas.openxmlformats.org/officeDocument/2006/extended-properties"/>` + "\n"
	metaStub = `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
		`<office:document-meta xmlns:office="urn:oasis:names:tc:opendocument:xmlns:office:1.0" office:version="1.2"/>` + "\n"
)

func (o Office) Sanitize(ctx context.Context, inPath, outPath string) error {
	maxMembers := o.MaxMembers
	if maxMembers <= 0 {
		maxMembers = 4096
	}
	policy := PolicyFrom(ctx)

	r, err := zip.OpenReader(inPath)
	if err != nil {
		return fmt.Errorf("%w: zip: %v", ErrMalformed, err)
	}
	defer r.Close()
	if len(r.File) > maxMembers {
		return fmt.Errorf("%w: too many members (%d)", ErrMalformed, len(r.File))
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer out.Close()
	w := zip.NewWriter(out)

	for _, f := range r.File {
		name := f.Name
		switch memberClass(name) {
		case memberDrop:
			continue
		case memberStub:
			if err := writeMember(w, name, zip.Deflate, []byte(stubFor(name))); err != nil {
				return err
			}
			continue
		case memberContent:
			if err := copyMember(w, f); err != nil {
				return err
			}
			continue
		}
		// Unknown member.
		switch policy {
		case PolicyOmit:
		case PolicyKeep:
			if err := copyMember(w, f); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown container member %q", ErrMalformed, name)
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("zip finalize: %w", err)
	}
	return nil
}

type memberKind int

const (
	memberUnknown memberKind = iota
	memberContent             // copied with fresh header
	memberStub                // replaced with an empty property stub
	memberDrop                // removed from the output
)

func memberClass(name string) memberKind {
	lower := strings.ToLower(name)
	switch {
	case lower == "docprops/core.xml", lower == "docprops/app.xml":
		return memberStub
	case name == "meta.xml":
		return memberStub
	case strings.HasPrefix(lower, "docprops/"):
		// custom.xml, thumbnail.* — nothing here is content.
		return memberDrop
	case strings.HasPrefix(name, "Thumbnails/"):
		return memberDrop
	case strings.HasPrefix(name, "customXml/"):
		return memberDrop
	}
	switch {
	case name == "[Content_Types].xml", name == "mimetype",
		strings.HasPrefix(name, "_rels/"),
		strings.HasPrefix(name, "word/"),
		strings.HasPrefix(name, "xl/"),
		strings.HasPrefix(name, "ppt/"),
		strings.HasPrefix(name, "META-INF/"),
		strings.HasPrefix(name, "OEBPS/"),
		strings.HasPrefix(name, "EPUB/"),
		name == "content.xml", name == "styles.xml",
		name == "settings.xml", name == "manifest.rdf",
		strings.HasPrefix(name, "Pictures/"),
		strings.HasPrefix(name, "media/"),
		strings.HasSuffix(name, ".opf"),
		strings.HasSuffix(name, ".ncx"),
		strings.HasSuffix(name, ".xhtml"),
		strings.HasSuffix(name, ".css"):
		return memberContent
	}
	return memberUnknown
}

func stubFor(name string) string {
	switch strings.ToLower(name) {
	case "docprops/core.xml":
		return coreStub
	case "docprops/app.xml":
		return appStub
	default:
		return metaStub
	}
}

// copyMember re-writes a member under a fresh header: the original
// timestamp, comment and extra fields (which can carry NTFS/Unix times and
// UIDs) do not survive. The "mimetype" member must stay uncompressed per
// the OpenDocument and EPUB specs.
func copyMember(w *zip.Writer, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: member %s: %v", ErrMalformed, f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("%w: member %s: %v", ErrMalformed, f.Name, err)
	}
	method := zip.Deflate
	if f.Name == "mimetype" {
		method = zip.Store
	}
	if opf := strings.HasSuffix(f.Name, ".opf"); opf {
		data, err = stripOPF(data)
		if err != nil {
			return err
		}
	}
	return writeMember(w, f.Name, method, data)
}

func writeMember(w *zip.Writer, name string, method uint16, data []byte) error {
	fw, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return fmt.Errorf("zip member %s: %w", name, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("zip member %s: %w", name, err)
	}
	return nil
}

// stripOPF filters Dublin Core authorship elements out of an EPUB package
// document. dc:identifier and dc:title are required by EPUB and kept.
func stripOPF(data []byte) ([]byte, error) {
	out, err := filterXML(data, xmlFilter{
		dropElements: map[string]bool{
			"creator": true, "contributor": true, "date": true,
			"publisher": true, "description": true,
		},
		dropComments: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opf: %v", ErrMalformed, err)
	}
	return out, nil
}

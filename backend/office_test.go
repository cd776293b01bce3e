package backend

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeDocx(t *testing.T, members map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range members {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := fw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "in.docx")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func readMembers(t *testing.T, path string) map[string]string {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer r.Close()
	out := map[string]string{}
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("member %s: %v", f.Name, err)
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		out[f.Name] = string(body)
	}
	return out
}

func baseDocx() map[string]string {
	return map[string]string{
		"[Content_Types].xml": `<Types/>`,
		"_rels/.rels":         `<Relationships/>`,
		"word/document.xml":   `<w:document>hello</w:document>`,
		"docProps/core.xml":   `<cp:coreProperties><dc:creator>alice</dc:creator></cp:coreProperties>`,
		"docProps/app.xml":    `<Properties><Company>ACME</Company></Properties>`,
	}
}

func TestOfficeSanitize(t *testing.T) {
	in := baseDocx()
	in["docProps/custom.xml"] = `<Properties><property name="tracking">42</property></Properties>`
	in["docProps/thumbnail.jpeg"] = "\xFF\xD8\xFF\xE0fake"

	inPath := writeDocx(t, in)
	outPath := filepath.Join(t.TempDir(), "out.docx")
	if err := (Office{}).Sanitize(context.Background(), inPath, outPath); err != nil {
		t.Fatalf("Sanitize: %v", err)
	}

	members := readMembers(t, outPath)
	if _, ok := members["docProps/custom.xml"]; ok {
		t.Error("custom.xml survived")
	}
	if _, ok := members["docProps/thumbnail.jpeg"]; ok {
		t.Error("thumbnail survived")
	}
	if got := members["word/document.xml"]; got != `<w:document>hello</w:document>` {
		t.Errorf("document content changed: %q", got)
	}
	core := members["docProps/core.xml"]
	if core == "" {
		t.Fatal("core.xml removed instead of stubbed")
	}
	if bytes.Contains([]byte(core), []byte("alice")) {
		t.Error("author survived in core.xml")
	}
	if bytes.Contains([]byte(members["docProps/app.xml"]), []byte("ACME")) {
		t.Error("company survived in app.xml")
	}
}

func TestOfficeUnknownMemberPolicies(t *testing.T) {
	in := baseDocx()
	in["payload/unknown.bin"] = "opaque"
	inPath := writeDocx(t, in)

	// Default policy aborts.
	outPath := filepath.Join(t.TempDir(), "out.docx")
	err := (Office{}).Sanitize(context.Background(), inPath, outPath)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("abort policy: expected ErrMalformed, got %v", err)
	}

	// Omit drops the member and continues.
	ctx := WithMemberPolicy(context.Background(), PolicyOmit)
	outPath = filepath.Join(t.TempDir(), "out.docx")
	if err := (Office{}).Sanitize(ctx, inPath, outPath); err != nil {
		t.Fatalf("omit policy: %v", err)
	}
	if _, ok := readMembers(t, outPath)["payload/unknown.bin"]; ok {
		t.Error("omit policy kept the unknown member")
	}

	// Keep copies it through.
	ctx = WithMemberPolicy(context.Background(), PolicyKeep)
	outPath = filepath.Join(t.TempDir(), "out.docx")
	if err := (Office{}).Sanitize(ctx, inPath, outPath); err != nil {
		t.Fatalf("keep policy: %v", err)
	}
	if got := readMembers(t, outPath)["payload/unknown.bin"]; got != "opaque" {
		t.Errorf("keep policy member = %q", got)
	}
}

func TestOfficeMemberTimestampsZeroed(t *testing.T) {
	inPath := writeDocx(t, baseDocx())
	outPath := filepath.Join(t.TempDir(), "out.docx")
	if err := (Office{}).Sanitize(context.Background(), inPath, outPath); err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	r, err := zip.OpenReader(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	for _, f := range r.File {
		if f.Modified.Year() > 1980 {
			t.Errorf("member %s keeps timestamp %v", f.Name, f.Modified)
		}
	}
}

func TestOfficeTooManyMembers(t *testing.T) {
	in := baseDocx()
	inPath := writeDocx(t, in)
	err := (Office{MaxMembers: 2}).Sanitize(context.Background(), inPath, filepath.Join(t.TempDir(), "out"))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestOfficeRejectsNonZip(t *testing.T) {
	inPath := filepath.Join(t.TempDir(), "in")
	if err := os.WriteFile(inPath, []byte("not a zip"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := (Office{}).Sanitize(context.Background(), inPath, filepath.Join(t.TempDir(), "out"))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

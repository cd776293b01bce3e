package backend

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hazyhaar/metaclean/horosafe"
)

// Archive rewrites generic containers (zip, tar, gzip) with their member
// metadata zeroed: timestamps, owner names and IDs, comments and extra
// fields all identify the machine that produced the archive. Member
// content passes through unmodified — sanitizing nested files is the
// caller's decision, not a silent recursion.
type Archive struct {
	// MaxMemberBytes bounds the decompressed size of any single member.
	// Default 1 GiB.
	MaxMemberBytes int64
}

func (Archive) Name() string { return "archive" }

func (a Archive) memberCap() int64 {
	if a.MaxMemberBytes > 0 {
		return a.MaxMemberBytes
	}
	return 1 << 30
}

func (a Archive) Sanitize(_ context.Context, inPath, outPath string) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var out []byte
	switch {
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		out, err = a.rewriteZip(data)
	case bytes.HasPrefix(data, []byte{0x1F, 0x8B}):
		out, err = a.rewriteGzip(data)
	default:
		out, err = a.rewriteTar(data)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, out, 0o600)
}

func (a Archive) rewriteZip(data []byte) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: zip: %v", ErrMalformed, err)
	}
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: zip member %s: %v", ErrMalformed, f.Name, err)
		}
		content, err := horosafe.LimitedReadAll(rc, a.memberCap())
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: zip member %s: %v", ErrMalformed, f.Name, err)
		}
		// Fresh header: no timestamp, comment, or extra field survives.
		fw, err := w.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Deflate})
		if err != nil {
			return nil, fmt.Errorf("zip rewrite %s: %w", f.Name, err)
		}
		if _, err := fw.Write(content); err != nil {
			return nil, fmt.Errorf("zip rewrite %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zip finalize: %w", err)
	}
	return buf.Bytes(), nil
}

func (a Archive) rewriteTar(data []byte) ([]byte, error) {
	tr := tar.NewReader(bytes.NewReader(data))
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: tar: %v", ErrMalformed, err)
		}
		clean := &tar.Header{
			Name:     hdr.Name,
			Mode:     hdr.Mode & 0o777,
			Size:     hdr.Size,
			Typeflag: hdr.Typeflag,
			Linkname: hdr.Linkname,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(clean); err != nil {
			return nil, fmt.Errorf("tar rewrite %s: %w", hdr.Name, err)
		}
		if hdr.Size > 0 {
			if _, err := io.CopyN(tw, tr, hdr.Size); err != nil {
				return nil, fmt.Errorf("%w: tar member %s: %v", ErrMalformed, hdr.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("tar finalize: %w", err)
	}
	return buf.Bytes(), nil
}

// rewriteGzip strips the gzip header fields (original name, mtime,
// comment) and, when the payload is a tar stream, rewrites that too.
func (a Archive) rewriteGzip(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrMalformed, err)
	}
	payload, err := horosafe.LimitedReadAll(gr, a.memberCap())
	gr.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: gzip payload: %v", ErrMalformed, err)
	}

	if len(payload) >= 262 && bytes.Equal(payload[257:262], []byte("ustar")) {
		payload, err = a.rewriteTar(payload)
		if err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return nil, fmt.Errorf("gzip rewrite: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("gzip finalize: %w", err)
	}
	return buf.Bytes(), nil
}

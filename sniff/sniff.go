// Package sniff identifies the canonical format of a byte payload from
// content signatures alone. The client-declared filename and MIME type are
// never consulted: a PNG uploaded as "report.pdf" is still a PNG.
//
// Detection cost is bounded: magic numbers are read from a fixed-size
// header, and formats that require looking inside a container (zip-based
// office documents, text formats) scan at most ScanCap bytes.
package sniff

import (
	"bytes"
	"encoding/binary"
)

// Family is the coarse routing class of a payload. Sanitizer strategies are
// keyed on the family; the subtype selects behaviour within a backend.
type Family string

const (
	RasterImage    Family = "raster"
	PDFDocument    Family = "pdf"
	OfficeDocument Family = "office"
	VectorImage    Family = "vector"
	HTMLDocument   Family = "html"
	AudioVideo     Family = "media"
	Archive        Family = "archive"
	Torrent        Family = "torrent"
	Unknown        Family = "unknown"
)

// Format is a canonical format identity: family plus concrete subtype
// (e.g. RasterImage/"jpeg", OfficeDocument/"docx").
type Format struct {
	Family  Family `json:"family"`
	Subtype string `json:"subtype,omitempty"`
}

// ScanCap bounds how far Detect reads into a payload when a signature is
// not decidable from the fixed header alone (zip entry names, text probes).
const ScanCap = 64 * 1024

// headerLen covers every fixed-offset magic number, including the tar
// "ustar" marker at offset 257.
const headerLen = 512

// Detect classifies raw bytes. Zero-length or truncated input yields
// Unknown, never an error.
func Detect(data []byte) Format {
	if len(data) < 4 {
		return Format{Family: Unknown}
	}
	head := data
	if len(head) > headerLen {
		head = head[:headerLen]
	}

	switch {
	case bytes.HasPrefix(head, []byte{0xFF, 0xD8, 0xFF}):
		return Format{RasterImage, "jpeg"}
	case bytes.HasPrefix(head, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return Format{RasterImage, "png"}
	case bytes.HasPrefix(head, []byte("GIF87a")) || bytes.HasPrefix(head, []byte("GIF89a")):
		return Format{RasterImage, "gif"}
	case bytes.HasPrefix(head, []byte{'I', 'I', 0x2A, 0x00}) || bytes.HasPrefix(head, []byte{'M', 'M', 0x00, 0x2A}):
		return Format{RasterImage, "tiff"}
	case bytes.HasPrefix(head, []byte("BM")) && len(data) >= 14 &&
		int(binary.LittleEndian.Uint32(data[2:6])) >= 14:
		return Format{RasterImage, "bmp"}
	case bytes.HasPrefix(head, []byte("%PDF-")):
		return Format{PDFDocument, "pdf"}
	case bytes.HasPrefix(head, []byte("RIFF")) && len(head) >= 12:
		return riffFormat(head[8:12])
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		return zipFormat(data)
	case bytes.HasPrefix(head, []byte("ID3")),
		len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0 && head[1]&0x18 != 0x08:
		return Format{AudioVideo, "mp3"}
	case bytes.HasPrefix(head, []byte("fLaC")):
		return Format{AudioVideo, "flac"}
	case bytes.HasPrefix(head, []byte("OggS")):
		return Format{AudioVideo, "ogg"}
	case len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp")):
		return Format{AudioVideo, "mp4"}
	case bytes.HasPrefix(head, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return Format{AudioVideo, "mkv"}
	case bytes.HasPrefix(head, []byte{0x1F, 0x8B}):
		return Format{Archive, "gzip"}
	case len(head) >= 262 && bytes.Equal(head[257:262], []byte("ustar")):
		return Format{Archive, "tar"}
	}

	if f, ok := torrentFormat(data); ok {
		return f
	}
	if f, ok := textFormat(data); ok {
		return f
	}
	return Format{Family: Unknown}
}

func riffFormat(kind []byte) Format {
	switch string(kind) {
	case "WEBP":
		return Format{RasterImage, "webp"}
	case "WAVE":
		return Format{AudioVideo, "wav"}
	case "AVI ":
		return Format{AudioVideo, "avi"}
	default:
		return Format{Family: Unknown}
	}
}

// zipFormat distinguishes office containers from plain archives by the name
// of the first local file entry. OOXML writes "[Content_Types].xml" first;
// OpenDocument and EPUB write an uncompressed "mimetype" entry first, whose
// content names the concrete subtype.
func zipFormat(data []byte) Format {
	if len(data) < 30 {
		return Format{Archive, "zip"}
	}
	nameLen := int(binary.LittleEndian.Uint16(data[26:28]))
	extraLen := int(binary.LittleEndian.Uint16(data[28:30]))
	if 30+nameLen > len(data) {
		return Format{Archive, "zip"}
	}
	name := string(data[30 : 30+nameLen])

	if name == "mimetype" {
		body := data[30+nameLen+extraLen:]
		if len(body) > 128 {
			body = body[:128]
		}
		switch {
		case bytes.HasPrefix(body, []byte("application/vnd.oasis.opendocument.text")):
			return Format{OfficeDocument, "odt"}
		case bytes.HasPrefix(body, []byte("application/vnd.oasis.opendocument.spreadsheet")):
			return Format{OfficeDocument, "ods"}
		case bytes.HasPrefix(body, []byte("application/vnd.oasis.opendocument.presentation")):
			return Format{OfficeDocument, "odp"}
		case bytes.HasPrefix(body, []byte("application/vnd.oasis.opendocument")):
			return Format{OfficeDocument, "odf"}
		case bytes.HasPrefix(body, []byte("application/epub+zip")):
			return Format{OfficeDocument, "epub"}
		}
	}

	scan := data
	if len(scan) > ScanCap {
		scan = scan[:ScanCap]
	}
	if name == "[Content_Types].xml" || bytes.Contains(scan, []byte("[Content_Types].xml")) {
		switch {
		case bytes.Contains(scan, []byte("word/")):
			return Format{OfficeDocument, "docx"}
		case bytes.Contains(scan, []byte("xl/")):
			return Format{OfficeDocument, "xlsx"}
		case bytes.Contains(scan, []byte("ppt/")):
			return Format{OfficeDocument, "pptx"}
		default:
			return Format{OfficeDocument, "ooxml"}
		}
	}
	return Format{Archive, "zip"}
}

// torrentFormat recognises a bencoded dictionary that carries an announce or
// info key near the front.
func torrentFormat(data []byte) (Format, bool) {
	if data[0] != 'd' || len(data) < 8 {
		return Format{}, false
	}
	scan := data
	if len(scan) > ScanCap {
		scan = scan[:ScanCap]
	}
	if bytes.Contains(scan, []byte(":announce")) || bytes.Contains(scan, []byte("4:info")) {
		return Format{Torrent, "torrent"}, true
	}
	return Format{}, false
}

// textFormat probes for SVG and HTML. Both are XML-ish text; the probe is
// capped and case-insensitive, and rejects payloads with NUL bytes.
func textFormat(data []byte) (Format, bool) {
	scan := data
	if len(scan) > ScanCap {
		scan = scan[:ScanCap]
	}
	if bytes.IndexByte(scan, 0x00) >= 0 {
		return Format{}, false
	}
	lower := bytes.ToLower(scan)
	trimmed := bytes.TrimLeft(lower, " \t\r\n")
	if !bytes.HasPrefix(trimmed, []byte("<")) {
		return Format{}, false
	}
	switch {
	case bytes.Contains(lower, []byte("<svg")):
		return Format{VectorImage, "svg"}, true
	case bytes.HasPrefix(trimmed, []byte("<!doctype html")), bytes.Contains(lower, []byte("<html")):
		return Format{HTMLDocument, "html"}, true
	}
	return Format{}, false
}

// Ext returns the conventional file extension for a detected format,
// without the leading dot. Unknown formats return "bin".
func Ext(f Format) string {
	if f.Subtype == "" {
		return "bin"
	}
	return f.Subtype
}

// String implements fmt.Stringer for log output.
func (f Format) String() string {
	if f.Subtype == "" {
		return string(f.Family)
	}
	return string(f.Family) + "/" + f.Subtype
}

package verify

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"regexp"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hazyhaar/metaclean/sniff"
)

// Scan locates known-sensitive metadata fields in an artifact of the given
// format. The checklist is fixed per family at build time. It is shared by
// the verification gate (on outputs) and the inspection endpoint (on
// inputs); scans are best-effort on malformed data — a scan that cannot
// parse simply reports nothing, because the gate has already confirmed the
// family via sniffing.
func Scan(data []byte, f sniff.Format) []Finding {
	switch f.Family {
	case sniff.RasterImage:
		return scanRaster(data, f.Subtype)
	case sniff.PDFDocument:
		return scanPDF(data)
	case sniff.OfficeDocument:
		return scanZipContainer(data, f)
	case sniff.Archive:
		if bytes.HasPrefix(data, []byte{0x1F, 0x8B}) {
			return scanGzip(data)
		}
		return scanZipContainer(data, f)
	case sniff.VectorImage:
		return scanSVG(data)
	case sniff.HTMLDocument:
		return scanHTML(data)
	case sniff.AudioVideo:
		return scanMedia(data, f.Subtype)
	case sniff.Torrent:
		return scanTorrent(data)
	default:
		return nil
	}
}

// --- raster ---

func scanRaster(data []byte, subtype string) []Finding {
	switch subtype {
	case "jpeg":
		return scanJPEG(data)
	case "png":
		return scanPNG(data)
	case "webp":
		return scanWebP(data)
	case "tiff":
		return scanTIFF(data)
	default:
		return nil
	}
}

func scanJPEG(data []byte) []Finding {
	var out []Finding
	i := 2
	for i+2 <= len(data) {
		if data[i] != 0xFF {
			return out
		}
		marker := data[i+1]
		if marker == 0xD9 {
			return append(out, scanJPEGTrailer(data[i+2:])...)
		}
		if marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			i += 2
			continue
		}
		if i+4 > len(data) {
			return out
		}
		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if segLen < 2 || i+2+segLen > len(data) {
			return out
		}
		if marker == 0xDA {
			// Entropy stream. A sanitized artifact ends at EOI, so any
			// bytes past it are residual.
			rest := data[i+2+segLen:]
			if j := bytes.Index(rest, []byte{0xFF, 0xD9}); j >= 0 {
				out = append(out, scanJPEGTrailer(rest[j+2:])...)
			}
			return out
		}
		body := data[i+4 : i+2+segLen]
		switch marker {
		case 0xE1:
			switch {
			case bytes.HasPrefix(body, []byte("Exif\x00")):
				out = append(out, Finding{Field: "exif", Detail: detailExifGPS(body)})
			case bytes.Contains(body, []byte("ns.adobe.com/xap")):
				out = append(out, Finding{Field: "xmp"})
			default:
				out = append(out, Finding{Field: "app1"})
			}
		case 0xED:
			out = append(out, Finding{Field: "photoshop-irb"})
		case 0xFE:
			out = append(out, Finding{Field: "comment"})
		}
		i += 2 + segLen
	}
	return out
}

// scanJPEGTrailer classifies bytes appended after the EOI marker
// (motion-photo payloads, pasted EXIF blobs). Sanitized output carries
// none, so their mere presence is a finding.
func scanJPEGTrailer(trailer []byte) []Finding {
	if len(trailer) == 0 {
		return nil
	}
	if j := bytes.Index(trailer, []byte("Exif\x00")); j >= 0 {
		return []Finding{{Field: "exif", Detail: detailExifGPS(trailer[j:])}}
	}
	if bytes.Contains(trailer, []byte("ns.adobe.com/xap")) {
		return []Finding{{Field: "xmp"}}
	}
	return []Finding{{Field: "trailer-data"}}
}

// detailExifGPS marks EXIF blocks that reference the GPS IFD pointer
// (tag 0x8825), the highest-sensitivity field on the checklist.
func detailExifGPS(body []byte) string {
	if bytes.Contains(body, []byte{0x88, 0x25}) || bytes.Contains(body, []byte{0x25, 0x88}) {
		return "gps"
	}
	return ""
}

var pngSensitive = map[string]bool{
	"tEXt": true, "zTXt": true, "iTXt": true, "tIME": true, "eXIf": true,
}

func scanPNG(data []byte) []Finding {
	var out []Finding
	i := 8
	for i+12 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[i : i+4]))
		typ := string(data[i+4 : i+8])
		if length < 0 || i+12+length > len(data) {
			return out
		}
		if pngSensitive[typ] {
			out = append(out, Finding{Field: "png-chunk", Detail: typ})
		}
		if typ == "IEND" {
			return out
		}
		i += 12 + length
	}
	return out
}

func scanWebP(data []byte) []Finding {
	var out []Finding
	i := 12
	for i+8 <= len(data) {
		fourcc := string(data[i : i+4])
		size := int(binary.LittleEndian.Uint32(data[i+4 : i+8]))
		if size < 0 || i+8+size > len(data) {
			return out
		}
		switch fourcc {
		case "EXIF":
			out = append(out, Finding{Field: "exif"})
		case "XMP ":
			out = append(out, Finding{Field: "xmp"})
		}
		i += 8 + size + size%2
	}
	return out
}

var tiffSensitiveTags = map[uint16]string{
	0x8769: "exif-ifd",
	0x8825: "gps-ifd",
	0x013B: "artist",
	0x0131: "software",
	0x8298: "copyright",
	0x9286: "user-comment",
	0x010F: "camera-make",
	0x0110: "camera-model",
}

func scanTIFF(data []byte) []Finding {
	if len(data) < 8 {
		return nil
	}
	var bo binary.ByteOrder
	switch {
	case data[0] == 'I' && data[1] == 'I':
		bo = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		bo = binary.BigEndian
	default:
		return nil
	}
	off := int(bo.Uint32(data[4:8]))
	if off < 8 || off+2 > len(data) {
		return nil
	}
	count := int(bo.Uint16(data[off : off+2]))
	var out []Finding
	for i := 0; i < count; i++ {
		entry := off + 2 + i*12
		if entry+12 > len(data) {
			return out
		}
		tag := bo.Uint16(data[entry : entry+2])
		if name, ok := tiffSensitiveTags[tag]; ok {
			out = append(out, Finding{Field: name})
		}
	}
	return out
}

// --- pdf ---

// pdfSensitiveInfoKeys are the Info dictionary fields that identify a
// person or their tooling. Producer and the write timestamps are excluded:
// the writing library legitimately sets those on sanitized output.
var pdfSensitiveInfoKeys = []string{"Author", "Creator", "Title", "Subject", "Keywords"}

func scanPDF(data []byte) []Finding {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil
	}
	var out []Finding
	if pctx.Info != nil {
		if d, err := pctx.DereferenceDict(*pctx.Info); err == nil {
			for _, k := range pdfSensitiveInfoKeys {
				if _, found := d.Find(k); found {
					out = append(out, Finding{Field: "info", Detail: strings.ToLower(k)})
				}
			}
		}
	}
	if rootDict, err := pctx.Catalog(); err == nil {
		if _, found := rootDict.Find("Metadata"); found {
			out = append(out, Finding{Field: "xmp"})
		}
		if _, found := rootDict.Find("PieceInfo"); found {
			out = append(out, Finding{Field: "piece-info"})
		}
	}
	return out
}

// --- zip containers (office + archive) ---

var (
	reCreator    = regexp.MustCompile(`<dc:creator[^>]*>\s*[^<\s]`)
	reModifiedBy = regexp.MustCompile(`<cp:lastModifiedBy[^>]*>\s*[^<\s]`)
	reOdfCreator = regexp.MustCompile(`<(meta:initial-creator|dc:creator|meta:generator)[^>]*>\s*[^<\s]`)
)

func scanZipContainer(data []byte, f sniff.Format) []Finding {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil
	}
	var out []Finding
	for _, member := range r.File {
		lower := strings.ToLower(member.Name)
		switch {
		case lower == "docprops/core.xml":
			if body := readZipMember(member); body != nil {
				if reCreator.Match(body) || reModifiedBy.Match(body) {
					out = append(out, Finding{Field: "document-author", Detail: member.Name})
				}
			}
		case lower == "meta.xml":
			if body := readZipMember(member); body != nil && reOdfCreator.Match(body) {
				out = append(out, Finding{Field: "document-author", Detail: member.Name})
			}
		case lower == "docprops/custom.xml":
			out = append(out, Finding{Field: "custom-properties", Detail: member.Name})
		case strings.HasPrefix(lower, "docprops/thumbnail"),
			strings.HasPrefix(member.Name, "Thumbnails/"):
			out = append(out, Finding{Field: "thumbnail", Detail: member.Name})
		}
		if f.Family == sniff.Archive && !member.Modified.IsZero() && member.Modified.Year() > 1980 {
			out = append(out, Finding{Field: "member-timestamp", Detail: member.Name})
		}
	}
	return out
}

// scanGzip inspects the fixed gzip header. A nonzero MTIME or the
// optional FNAME/FCOMMENT fields carry provenance the archive backend
// zeroes on rewrite.
func scanGzip(data []byte) []Finding {
	if len(data) < 10 {
		return nil
	}
	var out []Finding
	if binary.LittleEndian.Uint32(data[4:8]) != 0 {
		out = append(out, Finding{Field: "gzip-mtime"})
	}
	if data[3]&0x08 != 0 {
		out = append(out, Finding{Field: "gzip-name"})
	}
	if data[3]&0x10 != 0 {
		out = append(out, Finding{Field: "gzip-comment"})
	}
	return out
}

func readZipMember(f *zip.File) []byte {
	rc, err := f.Open()
	if err != nil {
		return nil
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil
	}
	return buf.Bytes()
}

// --- text formats ---

func scanSVG(data []byte) []Finding {
	lower := bytes.ToLower(data)
	var out []Finding
	if bytes.Contains(lower, []byte("<metadata")) {
		out = append(out, Finding{Field: "svg-metadata"})
	}
	if bytes.Contains(lower, []byte("inkscape:")) || bytes.Contains(lower, []byte("sodipodi:")) {
		out = append(out, Finding{Field: "editor-attributes"})
	}
	if bytes.Contains(data, []byte("<!--")) {
		out = append(out, Finding{Field: "comment"})
	}
	return out
}

var reMetaIdentity = regexp.MustCompile(`(?i)<meta\s+name=["'](generator|author|description)["']`)

func scanHTML(data []byte) []Finding {
	var out []Finding
	if bytes.Contains(data, []byte("<!--")) {
		out = append(out, Finding{Field: "comment"})
	}
	if m := reMetaIdentity.FindSubmatch(data); m != nil {
		out = append(out, Finding{Field: "meta-tag", Detail: strings.ToLower(string(m[1]))})
	}
	return out
}

// --- audio/video ---

func scanMedia(data []byte, subtype string) []Finding {
	var out []Finding
	switch subtype {
	case "mp3":
		if bytes.HasPrefix(data, []byte("ID3")) {
			out = append(out, Finding{Field: "id3v2"})
		}
		if len(data) >= 128 && bytes.Equal(data[len(data)-128:len(data)-125], []byte("TAG")) {
			out = append(out, Finding{Field: "id3v1"})
		}
	case "flac":
		if flacHasComments(data) {
			out = append(out, Finding{Field: "vorbis-comment"})
		}
	case "wav", "avi":
		if riffHasInfoList(data) {
			out = append(out, Finding{Field: "riff-info"})
		}
	case "mp4":
		scan := data
		if len(scan) > 4<<20 {
			scan = scan[:4<<20]
		}
		if bytes.Contains(scan, []byte("udta")) {
			out = append(out, Finding{Field: "mp4-udta"})
		}
	}
	return out
}

// flacHasComments walks the metadata block chain and reports a
// VORBIS_COMMENT block carrying user comments (the vendor string alone is
// tolerated — every encoder writes one).
func flacHasComments(data []byte) bool {
	i := 4
	for i+4 <= len(data) {
		last := data[i]&0x80 != 0
		typ := data[i] & 0x7F
		size := int(data[i+1])<<16 | int(data[i+2])<<8 | int(data[i+3])
		body := i + 4
		if body+size > len(data) {
			return false
		}
		if typ == 4 && size >= 8 {
			b := data[body : body+size]
			vendorLen := int(binary.LittleEndian.Uint32(b[0:4]))
			if 4+vendorLen+4 <= len(b) {
				count := binary.LittleEndian.Uint32(b[4+vendorLen : 4+vendorLen+4])
				if count > 0 {
					return true
				}
			}
		}
		if last {
			return false
		}
		i = body + size
	}
	return false
}

func riffHasInfoList(data []byte) bool {
	i := 12
	for i+8 <= len(data) {
		fourcc := string(data[i : i+4])
		size := int(binary.LittleEndian.Uint32(data[i+4 : i+8]))
		if size < 0 || i+8+size > len(data) {
			return false
		}
		if fourcc == "LIST" && size >= 4 && string(data[i+8:i+12]) == "INFO" {
			return true
		}
		i += 8 + size + size%2
	}
	return false
}

// --- torrent ---

var torrentSensitiveKeys = []string{"created by", "creation date", "comment"}

func scanTorrent(data []byte) []Finding {
	var out []Finding
	for _, key := range torrentSensitiveKeys {
		// Keys appear bencoded as "<len>:<key>".
		marker := []byte(bencodeKey(key))
		if bytes.Contains(data, marker) {
			out = append(out, Finding{Field: "torrent-key", Detail: key})
		}
	}
	return out
}

func bencodeKey(k string) string {
	return strconv.Itoa(len(k)) + ":" + k
}

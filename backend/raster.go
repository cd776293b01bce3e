package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image/gif"
	"os"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/hazyhaar/metaclean/sniff"
)

// Raster strips metadata from raster images. JPEG, PNG and WebP are
// rewritten at the container level (segments/chunks dropped, pixel data
// untouched); GIF, TIFF and BMP are decoded and re-encoded, which discards
// every non-pixel field by construction.
type Raster struct{}

func (Raster) Name() string { return "raster" }

func (Raster) Sanitize(ctx context.Context, inPath, outPath string) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	f := sniff.Detect(data)
	if f.Family != sniff.RasterImage {
		return fmt.Errorf("%w: not a raster image", ErrMalformed)
	}

	var out []byte
	switch f.Subtype {
	case "jpeg":
		out, err = stripJPEG(data)
	case "png":
		out, err = stripPNG(data)
	case "webp":
		out, err = stripWebP(data)
	case "gif":
		out, err = reencodeGIF(data)
	case "tiff":
		out, err = reencodeTIFF(data)
	case "bmp":
		out, err = reencodeBMP(data)
	default:
		return fmt.Errorf("%w: raster subtype %q", ErrMalformed, f.Subtype)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, out, 0o600)
}

// stripJPEG walks the segment stream and drops every application segment
// that can carry metadata: APP1 (EXIF/XMP), APP2..APP13, APP15 and COM.
// APP0 (JFIF) and APP14 (Adobe colour transform) are structural and kept.
// Entropy-coded data after SOS is copied up to and including EOI; bytes
// appended after EOI (motion-photo payloads, pasted metadata blobs) never
// reach the output.
func stripJPEG(data []byte) ([]byte, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, fmt.Errorf("%w: missing SOI", ErrMalformed)
	}
	var out bytes.Buffer
	out.Write(data[:2])
	i := 2
	for i+2 <= len(data) {
		if data[i] != 0xFF {
			return nil, fmt.Errorf("%w: bad marker at %d", ErrMalformed, i)
		}
		marker := data[i+1]
		if marker == 0xD9 { // EOI
			out.Write(data[i : i+2])
			return out.Bytes(), nil
		}
		if marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			out.Write(data[i : i+2])
			i += 2
			continue
		}
		if i+4 > len(data) {
			return nil, fmt.Errorf("%w: truncated segment", ErrMalformed)
		}
		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if segLen < 2 || i+2+segLen > len(data) {
			return nil, fmt.Errorf("%w: truncated segment", ErrMalformed)
		}
		end := i + 2 + segLen
		switch {
		case marker == 0xFE: // COM
		case marker >= 0xE1 && marker <= 0xED: // APP1..APP13
		case marker == 0xEF: // APP15
		default:
			out.Write(data[i:end])
		}
		if marker == 0xDA {
			// SOS: byte stuffing guarantees 0xFFD9 cannot occur inside the
			// entropy stream, so the first match is the real EOI. Everything
			// after it is dropped.
			j := bytes.Index(data[end:], []byte{0xFF, 0xD9})
			if j < 0 {
				return nil, fmt.Errorf("%w: no EOI", ErrMalformed)
			}
			out.Write(data[end : end+j+2])
			return out.Bytes(), nil
		}
		i = end
	}
	return nil, fmt.Errorf("%w: no EOI", ErrMalformed)
}

// pngKeep is the chunk allowlist. Everything not listed is dropped, so a
// new metadata chunk type cannot leak by default. tEXt, zTXt, iTXt, tIME
// and eXIf are the known offenders.
var pngKeep = map[string]bool{
	"IHDR": true, "PLTE": true, "IDAT": true, "IEND": true,
	"tRNS": true, "gAMA": true, "cHRM": true, "sRGB": true,
	"sBIT": true, "bKGD": true, "pHYs": true,
	"acTL": true, "fcTL": true, "fdAT": true, // APNG
}

func stripPNG(data []byte) ([]byte, error) {
	const sigLen = 8
	if len(data) < sigLen+12 {
		return nil, fmt.Errorf("%w: short PNG", ErrMalformed)
	}
	var out bytes.Buffer
	out.Write(data[:sigLen])
	i := sigLen
	for i+12 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[i : i+4]))
		typ := string(data[i+4 : i+8])
		end := i + 12 + length
		if length < 0 || end > len(data) {
			return nil, fmt.Errorf("%w: truncated chunk %s", ErrMalformed, typ)
		}
		if pngKeep[typ] {
			out.Write(data[i:end])
		}
		if typ == "IEND" {
			return out.Bytes(), nil
		}
		i = end
	}
	return nil, fmt.Errorf("%w: no IEND", ErrMalformed)
}

// stripWebP rewrites the RIFF container without EXIF and XMP chunks and
// clears the corresponding feature bits in VP8X.
func stripWebP(data []byte) ([]byte, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("%w: short WebP", ErrMalformed)
	}
	var chunks bytes.Buffer
	i := 12
	for i+8 <= len(data) {
		fourcc := string(data[i : i+4])
		size := int(binary.LittleEndian.Uint32(data[i+4 : i+8]))
		padded := size + size%2
		end := i + 8 + padded
		if size < 0 || i+8+size > len(data) {
			return nil, fmt.Errorf("%w: truncated chunk %s", ErrMalformed, fourcc)
		}
		if end > len(data) {
			end = len(data)
		}
		switch fourcc {
		case "EXIF", "XMP ":
			// dropped
		case "VP8X":
			chunk := append([]byte(nil), data[i:end]...)
			if size >= 1 {
				chunk[8] &^= 0x08 | 0x04 // EXIF, XMP flags
			}
			chunks.Write(chunk)
		default:
			chunks.Write(data[i:end])
		}
		i = end
	}
	var out bytes.Buffer
	out.WriteString("RIFF")
	var sz [4]byte
	binary.LittleEndian.PutUint32(sz[:], uint32(4+chunks.Len()))
	out.Write(sz[:])
	out.WriteString("WEBP")
	out.Write(chunks.Bytes())
	return out.Bytes(), nil
}

func reencodeGIF(data []byte) ([]byte, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: gif: %v", ErrMalformed, err)
	}
	var out bytes.Buffer
	if err := gif.EncodeAll(&out, g); err != nil {
		return nil, fmt.Errorf("gif encode: %w", err)
	}
	return out.Bytes(), nil
}

func reencodeTIFF(data []byte) ([]byte, error) {
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: tiff: %v", ErrMalformed, err)
	}
	var out bytes.Buffer
	if err := tiff.Encode(&out, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		return nil, fmt.Errorf("tiff encode: %w", err)
	}
	return out.Bytes(), nil
}

func reencodeBMP(data []byte) ([]byte, error) {
	img, err := bmp.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: bmp: %v", ErrMalformed, err)
	}
	var out bytes.Buffer
	if err := bmp.Encode(&out, img); err != nil {
		return nil, fmt.Errorf("bmp encode: %w", err)
	}
	return out.Bytes(), nil
}

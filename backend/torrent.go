package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
)

// Torrent rewrites a bencoded torrent file keeping only the functional
// top-level keys. "created by", "creation date" and "comment" identify the
// creator and their tooling; the info dictionary is re-encoded canonically
// (sorted keys), which preserves the infohash for well-formed input.
type Torrent struct{}

func (Torrent) Name() string { return "torrent" }

// torrentKeep is the top-level key allowlist.
var torrentKeep = map[string]bool{
	"announce":      true,
	"announce-list": true,
	"info":          true,
	"url-list":      true,
	"nodes":         true,
}

func (Torrent) Sanitize(_ context.Context, inPath, outPath string) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	v, rest, err := bdecode(data)
	if err != nil {
		return fmt.Errorf("%w: bencode: %v", ErrMalformed, err)
	}
	if len(bytes.TrimSpace(rest)) != 0 {
		return fmt.Errorf("%w: trailing data after bencode value", ErrMalformed)
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: torrent root is not a dictionary", ErrMalformed)
	}
	for k := range dict {
		if !torrentKeep[k] {
			delete(dict, k)
		}
	}
	var out bytes.Buffer
	if err := bencode(&out, dict); err != nil {
		return fmt.Errorf("bencode: %w", err)
	}
	return os.WriteFile(outPath, out.Bytes(), 0o600)
}

// --- minimal bencode codec ---

func bdecode(data []byte) (any, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("unexpected end of input")
	}
	switch {
	case data[0] == 'i':
		end := bytes.IndexByte(data, 'e')
		if end < 0 {
			return nil, nil, fmt.Errorf("unterminated integer")
		}
		n, err := strconv.ParseInt(string(data[1:end]), 10, 64)
		if err != nil {
			return nil, nil, err
		}
		return n, data[end+1:], nil
	case data[0] == 'l':
		rest := data[1:]
		var list []any
		for {
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("unterminated list")
			}
			if rest[0] == 'e' {
				return list, rest[1:], nil
			}
			var v any
			var err error
			v, rest, err = bdecode(rest)
			if err != nil {
				return nil, nil, err
			}
			list = append(list, v)
		}
	case data[0] == 'd':
		rest := data[1:]
		dict := map[string]any{}
		for {
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("unterminated dictionary")
			}
			if rest[0] == 'e' {
				return dict, rest[1:], nil
			}
			var k, v any
			var err error
			k, rest, err = bdecode(rest)
			if err != nil {
				return nil, nil, err
			}
			key, ok := k.([]byte)
			if !ok {
				return nil, nil, fmt.Errorf("dictionary key is not a string")
			}
			v, rest, err = bdecode(rest)
			if err != nil {
				return nil, nil, err
			}
			dict[string(key)] = v
		}
	case data[0] >= '0' && data[0] <= '9':
		colon := bytes.IndexByte(data, ':')
		if colon < 0 {
			return nil, nil, fmt.Errorf("unterminated string length")
		}
		n, err := strconv.Atoi(string(data[:colon]))
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("bad string length")
		}
		if colon+1+n > len(data) {
			return nil, nil, fmt.Errorf("truncated string")
		}
		return data[colon+1 : colon+1+n], data[colon+1+n:], nil
	default:
		return nil, nil, fmt.Errorf("unexpected byte %q", data[0])
	}
}

func bencode(out *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case int64:
		fmt.Fprintf(out, "i%de", x)
	case []byte:
		fmt.Fprintf(out, "%d:", len(x))
		out.Write(x)
	case string:
		fmt.Fprintf(out, "%d:%s", len(x), x)
	case []any:
		out.WriteByte('l')
		for _, e := range x {
			if err := bencode(out, e); err != nil {
				return err
			}
		}
		out.WriteByte('e')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out.WriteByte('d')
		for _, k := range keys {
			if err := bencode(out, k); err != nil {
				return err
			}
			if err := bencode(out, x[k]); err != nil {
				return err
			}
		}
		out.WriteByte('e')
	default:
		return fmt.Errorf("unsupported bencode type %T", v)
	}
	return nil
}

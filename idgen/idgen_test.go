package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7Unique(t *testing.T) {
	gen := UUIDv7()
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("ws_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "ws_") {
		t.Fatalf("id %q missing prefix", id)
	}
	if len(id) != 3+36 {
		t.Fatalf("unexpected length %d", len(id))
	}
}

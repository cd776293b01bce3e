package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMediaUnavailableTool(t *testing.T) {
	m := Media{Tool: "metaclean-no-such-remuxer"}
	if m.Available() {
		t.Fatal("nonexistent tool reported available")
	}

	dir := t.TempDir()
	in := filepath.Join(dir, "in.mp3")
	if err := os.WriteFile(in, []byte("ID3\x04\x00\x00\x00\x00\x00\x00"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := m.Sanitize(context.Background(), in, filepath.Join(dir, "out.mp3"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    MemberPolicy
		wantErr bool
	}{
		{"", PolicyAbort, false},
		{"abort", PolicyAbort, false},
		{"omit", PolicyOmit, false},
		{"keep", PolicyKeep, false},
		{"yolo", PolicyAbort, true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPolicyContext(t *testing.T) {
	ctx := context.Background()
	if got := PolicyFrom(ctx); got != PolicyAbort {
		t.Fatalf("default policy = %v", got)
	}
	ctx = WithMemberPolicy(ctx, PolicyKeep)
	if got := PolicyFrom(ctx); got != PolicyKeep {
		t.Fatalf("policy = %v", got)
	}
}

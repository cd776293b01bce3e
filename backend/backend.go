// Package backend implements the sanitizer backends of the metaclean
// pipeline. Each backend fulfils the same file-in/file-out contract: read
// the artifact at inPath, write a metadata-free rendition to outPath.
//
// Backends never touch the network and never write outside the two paths
// they are given. Parse failures on attacker-controlled input are reported
// as ErrMalformed so the executor can distinguish "your file is broken"
// from environment failures (ErrUnavailable).
package backend

import (
	"context"
	"errors"
)

// ErrMalformed wraps errors caused by content the backend rejected.
var ErrMalformed = errors.New("backend: malformed input")

// ErrUnavailable wraps environment failures (missing tool, resource
// exhaustion inside the backend).
var ErrUnavailable = errors.New("backend: unavailable")

// Sanitizer is the single capability a backend exposes.
type Sanitizer interface {
	Name() string
	Sanitize(ctx context.Context, inPath, outPath string) error
}

// MemberPolicy controls what happens to zip container members that are not
// on a backend's allowlist.
type MemberPolicy string

const (
	// PolicyAbort fails the whole request on an unknown member. Default.
	PolicyAbort MemberPolicy = "abort"
	// PolicyOmit drops unknown members from the output.
	PolicyOmit MemberPolicy = "omit"
	// PolicyKeep copies unknown members through unchanged. The verification
	// gate still rejects outputs that carry known metadata markers.
	PolicyKeep MemberPolicy = "keep"
)

// ParsePolicy validates a request-supplied policy string. Empty means
// PolicyAbort.
func ParsePolicy(s string) (MemberPolicy, error) {
	switch MemberPolicy(s) {
	case "", PolicyAbort:
		return PolicyAbort, nil
	case PolicyOmit:
		return PolicyOmit, nil
	case PolicyKeep:
		return PolicyKeep, nil
	default:
		return "", errors.New("backend: unknown member policy " + s)
	}
}

type policyKey struct{}

// WithMemberPolicy attaches a request-scoped member policy to the context.
func WithMemberPolicy(ctx context.Context, p MemberPolicy) context.Context {
	return context.WithValue(ctx, policyKey{}, p)
}

// PolicyFrom reads the member policy from the context, defaulting to abort.
func PolicyFrom(ctx context.Context) MemberPolicy {
	if p, ok := ctx.Value(policyKey{}).(MemberPolicy); ok {
		return p
	}
	return PolicyAbort
}

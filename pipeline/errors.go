package pipeline

import "errors"

// The five caller-visible failure kinds. Every failure of the pipeline
// wraps exactly one of these; the transport layer maps them to status
// codes and the transient flag tells clients whether a retry can help.
var (
	// ErrUnsupportedFormat: no sanitizer strategy exists for the sniffed
	// format. The original bytes are never returned instead.
	ErrUnsupportedFormat = errors.New("pipeline: unsupported format")

	// ErrInvalidInput: the backend rejected the content as malformed.
	// Deterministic for given bytes — not retryable.
	ErrInvalidInput = errors.New("pipeline: invalid input")

	// ErrResidualMetadata: the verification gate found checklist fields in
	// the output, or the output did not re-sniff as the expected format.
	// Sanitization could not be confirmed; nothing is released.
	ErrResidualMetadata = errors.New("pipeline: sanitization could not be confirmed")

	// ErrResourceExhausted: admission limit, workspace quota or output
	// ceiling hit. Transient.
	ErrResourceExhausted = errors.New("pipeline: resource limit reached")

	// ErrBackendUnavailable: backend missing, timed out, or failed for
	// environmental reasons. Transient.
	ErrBackendUnavailable = errors.New("pipeline: backend unavailable")
)

// Transient reports whether the failure kind is safe to retry later.
// Sanitization is a pure function of input bytes, so retrying a transient
// failure is idempotent.
func Transient(err error) bool {
	return errors.Is(err, ErrResourceExhausted) || errors.Is(err, ErrBackendUnavailable)
}

// Code returns the stable machine-readable error code for a pipeline
// failure, or "internal" for anything else.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrResidualMetadata):
		return "residual_metadata"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "internal"
	}
}

package backend

import (
	"context"
	"fmt"
	"os"

	"github.com/microcosm-cc/bluemonday"
)

// HTML reduces an HTML document to a conservative markup subset via a
// bluemonday policy. Comments, <meta> generator tags, scripts and event
// handlers cannot survive the policy; the sanitized body is re-wrapped in
// a minimal document shell so the output still identifies as HTML.
type HTML struct {
	policy *bluemonday.Policy
}

// NewHTML builds the backend with the user-generated-content policy.
func NewHTML() *HTML {
	return &HTML{policy: bluemonday.UGCPolicy()}
}

func (*HTML) Name() string { return "html" }

const htmlShellHead = "<!doctype html>\n<html><head><meta charset=\"utf-8\"></head><body>\n"
const htmlShellFoot = "\n</body></html>\n"

func (h *HTML) Sanitize(_ context.Context, inPath, outPath string) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	body := h.policy.SanitizeBytes(data)
	out := make([]byte, 0, len(htmlShellHead)+len(body)+len(htmlShellFoot))
	out = append(out, htmlShellHead...)
	out = append(out, body...)
	out = append(out, htmlShellFoot...)
	return os.WriteFile(outPath, out, 0o600)
}

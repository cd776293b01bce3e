package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/metaclean/kit"
)

// RegisterMCP registers the sanitization tools on an MCP server. The
// clean and inspect tools take local file paths because the MCP
// transport runs next to the caller's filesystem.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerCleanTool(srv)
	s.registerInspectTool(srv)
	s.registerFormatsTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func mcpCtx(ctx context.Context) context.Context {
	return kit.WithTransport(ctx, "mcp")
}

// --- clean ---

type cleanReq struct {
	Path       string `json:"path"`
	OutputPath string `json:"output_path"`
	Policy     string `json:"policy"`
}

func (s *Service) registerCleanTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "metaclean_clean",
		Description: "Strip metadata from a local file. Writes a sanitized copy and returns its path. Unsupported formats are refused, never passed through.",
		InputSchema: inputSchema(map[string]any{
			"path":        map[string]any{"type": "string", "description": "Path of the file to sanitize"},
			"output_path": map[string]any{"type": "string", "description": "Where to write the sanitized copy (default: next to the input)"},
			"policy":      map[string]any{"type": "string", "description": "Unknown container member policy: abort, omit or keep (default abort)"},
		}, []string{"path"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*cleanReq)
		data, err := os.ReadFile(r.Path)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}

		res, err := s.Clean(ctx, Upload{
			Data:         data,
			Filename:     filepath.Base(r.Path),
			MemberPolicy: r.Policy,
		})
		if err != nil {
			return nil, err
		}

		outPath := r.OutputPath
		if outPath == "" {
			outPath = filepath.Join(filepath.Dir(r.Path), res.Filename)
		}
		if err := os.WriteFile(outPath, res.Data, 0o600); err != nil {
			return nil, fmt.Errorf("write output: %w", err)
		}
		return map[string]any{
			"output_path": outPath,
			"format":      res.Format.String(),
			"bytes_out":   len(res.Data),
		}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r cleanReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: mcpCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- inspect ---

type inspectReq struct {
	Path string `json:"path"`
}

func (s *Service) registerInspectTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "metaclean_inspect",
		Description: "Report the sensitive metadata fields present in a local file without modifying it.",
		InputSchema: inputSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "Path of the file to inspect"},
		}, []string{"path"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*inspectReq)
		data, err := os.ReadFile(r.Path)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		return s.Inspect(ctx, Upload{Data: data, Filename: filepath.Base(r.Path)})
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r inspectReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: mcpCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- formats ---

func (s *Service) registerFormatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "metaclean_formats",
		Description: "List the supported format families and their sanitizer backends.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{"formats": s.Formats()}, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil, EnrichCtx: mcpCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

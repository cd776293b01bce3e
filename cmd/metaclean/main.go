// Entry point for the metaclean HTTP service. Also runs as an MCP stdio
// server when MCP_TRANSPORT=stdio.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/metaclean/dbopen"
	"github.com/hazyhaar/metaclean/executor"
	"github.com/hazyhaar/metaclean/observability"
	"github.com/hazyhaar/metaclean/pipeline"
	"github.com/hazyhaar/metaclean/registry"
	"github.com/hazyhaar/metaclean/shield"
	"github.com/hazyhaar/metaclean/verify"
	"github.com/hazyhaar/metaclean/workspace"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging. In stdio MCP mode stdout carries the protocol, so logs go
	// to stderr.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logOut := io.Writer(os.Stdout)
	if cfg.MCPTransport == "stdio" {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Observability DB.
	obsDB, err := dbopen.Open(cfg.ObsDB, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("obs db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		slog.Error("obs init", "error", err)
		os.Exit(1)
	}
	metrics := observability.NewMetricsManager(obsDB, 100, 5*time.Second)
	defer metrics.Close()
	auditLogger := observability.NewAuditLogger(obsDB)
	defer auditLogger.Close()

	// Pipeline wiring.
	wsm, err := workspace.NewManager(cfg.workspaceConfig())
	if err != nil {
		slog.Error("workspace", "error", err)
		os.Exit(1)
	}
	reg := registry.New(cfg.Registry)
	svc := pipeline.New(reg, wsm,
		executor.New(cfg.executorConfig()),
		verify.New(cfg.verifyConfig()),
		pipeline.Config{MaxUploadBytes: cfg.MaxUploadMB << 20, Logger: logger},
		pipeline.WithMetrics(metrics),
		pipeline.WithAudit(auditLogger),
	)
	if !reg.MediaAvailable() {
		slog.Warn("media remuxer not found, audio/video uploads will be refused")
	}

	// MCP stdio mode: no HTTP listener.
	if cfg.MCPTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "metaclean",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)
		slog.Info("MCP stdio starting")
		if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			slog.Error("MCP stdio", "error", err)
			os.Exit(1)
		}
		return
	}

	// Router.
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(cfg.MaxUploadMB << 20) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{
			"status":       "ok",
			"dependencies": svc.Dependencies(),
			"stats":        svc.Stats(),
		})
	})

	r.Get("/api/formats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"formats": svc.Formats()})
	})

	r.Post("/api/clean", func(w http.ResponseWriter, r *http.Request) {
		up, ok := readUpload(w, r)
		if !ok {
			return
		}
		res, err := svc.Clean(r.Context(), up)
		if err != nil {
			writePipelineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", res.Filename))
		w.Header().Set("X-Format", res.Format.String())
		w.WriteHeader(200)
		w.Write(res.Data)
	})

	r.Post("/api/show", func(w http.ResponseWriter, r *http.Request) {
		up, ok := readUpload(w, r)
		if !ok {
			return
		}
		fields, err := svc.Inspect(r.Context(), up)
		if err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, 200, map[string]any{"fields": fields})
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// readUpload reads the raw request body into an Upload. The filename
// hint travels in X-Filename and the container member policy in the
// policy query parameter. On failure the response is already written.
func readUpload(w http.ResponseWriter, r *http.Request) (pipeline.Upload, bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeErrorCode(w, 413, "resource_exhausted", "upload too large")
			return pipeline.Upload{}, false
		}
		writeErrorCode(w, 400, "invalid_input", err.Error())
		return pipeline.Upload{}, false
	}
	if len(data) == 0 {
		writeErrorCode(w, 400, "invalid_input", "empty body")
		return pipeline.Upload{}, false
	}
	return pipeline.Upload{
		Data:         data,
		Filename:     r.Header.Get("X-Filename"),
		DeclaredType: r.Header.Get("Content-Type"),
		MemberPolicy: r.URL.Query().Get("policy"),
	}, true
}

// writePipelineError maps the pipeline failure kinds to HTTP status
// codes. Transient kinds get a Retry-After hint.
func writePipelineError(w http.ResponseWriter, err error) {
	var code int
	switch {
	case errors.Is(err, pipeline.ErrUnsupportedFormat):
		code = 415
	case errors.Is(err, pipeline.ErrInvalidInput):
		code = 400
	case errors.Is(err, pipeline.ErrResidualMetadata):
		code = 422
	case errors.Is(err, pipeline.ErrResourceExhausted):
		code = 429
	case errors.Is(err, pipeline.ErrBackendUnavailable):
		code = 503
	default:
		code = 500
	}
	if pipeline.Transient(err) {
		w.Header().Set("Retry-After", "5")
	}
	writeErrorCode(w, code, pipeline.Code(err), err.Error())
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

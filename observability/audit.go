package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/metaclean/idgen"
)

// Entry is one audited sanitization request. No file content and no
// client-declared filename is ever recorded — only outcome and sizes.
type Entry struct {
	EntryID   string
	Timestamp int64 // milliseconds since epoch
	Action    string
	Format    string
	Status    string // "success" or "failure"
	ErrorCode string
	TraceID   string
	Transport string // "http", "mcp", "cli"
	BytesIn   int64
	BytesOut  int64
	ElapsedMs int64
}

// AuditLogger persists request outcomes to the observability database.
type AuditLogger struct {
	db  *sql.DB
	ids idgen.Generator

	mu     sync.Mutex
	buffer []*Entry
	stop   chan struct{}
	done   chan struct{}
}

// NewAuditLogger creates an AuditLogger. Init must have been called on db.
func NewAuditLogger(db *sql.DB) *AuditLogger {
	al := &AuditLogger{
		db:   db,
		ids:  idgen.Prefixed("aud_", idgen.UUIDv7()),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go al.flushLoop()
	return al
}

func (al *AuditLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = al.ids()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Status == "" {
		e.Status = "success"
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
}

// Log writes an entry synchronously.
func (al *AuditLogger) Log(ctx context.Context, e *Entry) error {
	al.fillDefaults(e)
	_, err := al.db.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, action, format, status, error_code, trace_id, transport, bytes_in, bytes_out, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.Timestamp, e.Action, e.Format, e.Status, e.ErrorCode,
		e.TraceID, e.Transport, e.BytesIn, e.BytesOut, e.ElapsedMs)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	return nil
}

// LogAsync buffers an entry for background persistence. Non-blocking.
func (al *AuditLogger) LogAsync(e *Entry) {
	al.fillDefaults(e)
	al.mu.Lock()
	al.buffer = append(al.buffer, e)
	al.mu.Unlock()
}

func (al *AuditLogger) flushLoop() {
	defer close(al.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			al.flush()
		case <-al.stop:
			al.flush()
			return
		}
	}
}

func (al *AuditLogger) flush() {
	al.mu.Lock()
	batch := al.buffer
	al.buffer = nil
	al.mu.Unlock()
	for _, e := range batch {
		if err := al.Log(context.Background(), e); err != nil {
			slog.Warn("audit flush", "error", err)
		}
	}
}

// Close flushes buffered entries and stops the background loop.
func (al *AuditLogger) Close() {
	close(al.stop)
	<-al.done
}

package observability

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/metaclean/dbopen"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := dbopen.Open(filepath.Join(t.TempDir(), "obs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Init(db); err != nil {
		t.Fatalf("init: %v", err)
	}
	return db
}

func TestMetricsFlush(t *testing.T) {
	db := testDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.Record(&Metric{
		Name:   "request_duration_ms",
		Value:  42,
		Unit:   "milliseconds",
		Labels: map[string]string{"action": "clean"},
	})
	mm.RecordSimple("requests_total", 1, "count")
	mm.Close() // flushes

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM metrics_timeseries`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("metric rows = %d", count)
	}

	var labels string
	err := db.QueryRow(`SELECT labels FROM metrics_timeseries WHERE metric_name = 'request_duration_ms'`).Scan(&labels)
	if err != nil {
		t.Fatalf("labels: %v", err)
	}
	if labels != `{"action":"clean"}` {
		t.Errorf("labels = %s", labels)
	}
}

func TestMetricsBufferTriggersFlush(t *testing.T) {
	db := testDB(t)
	mm := NewMetricsManager(db, 2, time.Hour)
	defer mm.Close()

	mm.RecordSimple("a", 1, "count")
	mm.RecordSimple("b", 2, "count") // hits buffer size, flushes inline

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM metrics_timeseries`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("metric rows = %d", count)
	}
}

func TestAuditLog(t *testing.T) {
	db := testDB(t)
	al := NewAuditLogger(db)

	err := al.Log(context.Background(), &Entry{
		Action:   "clean",
		Format:   "raster/png",
		Status:   "success",
		BytesIn:  1024,
		BytesOut: 900,
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}

	al.LogAsync(&Entry{Action: "inspect", Status: "failure", ErrorCode: "unsupported_format"})
	al.Close() // flushes async entries

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("audit rows = %d", count)
	}

	var entryID, transport string
	err = db.QueryRow(`SELECT entry_id, transport FROM audit_log WHERE action = 'clean'`).Scan(&entryID, &transport)
	if err != nil {
		t.Fatal(err)
	}
	if entryID == "" || entryID[:4] != "aud_" {
		t.Errorf("entry_id = %q", entryID)
	}
	if transport != "http" {
		t.Errorf("transport default = %q", transport)
	}
}

package sink

import (
	"context"
	"database/sql"
	"path/filepath"
	"reflect"
	"testing"
)

func openTestSink(t *testing.T) *SQLiteSink {
	t.Helper()

	s, err := OpenSQLite(filepath.Join(t.TempDir(), "rows.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSQLite_CreatesSchema(t *testing.T) {
	t.Parallel()

	s := openTestSink(t)

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM context_rows").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 0 {
		t.Fatalf("count=%d, want 0 in fresh database", count)
	}
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := OpenSQLite(""); err == nil {
		t.Fatal("OpenSQLite with empty path succeeded, want error")
	}
}

func TestSQLiteSink_WriteRows_InsertsBatch(t *testing.T) {
	t.Parallel()

	s := openTestSink(t)
	rows := sampleRows()
	if err := s.WriteRows(context.Background(), "run-1", rows); err != nil {
		t.Fatalf("WriteRows: %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM context_rows WHERE run_id = ?", "run-1").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != len(rows) {
		t.Fatalf("count=%d, want %d", count, len(rows))
	}

	var rootApp string
	var windowLeft sql.NullFloat64
	err := s.db.QueryRow(
		"SELECT root_app, window_left FROM context_rows WHERE id = ?", 2,
	).Scan(&rootApp, &windowLeft)
	if err != nil {
		t.Fatalf("row query: %v", err)
	}
	if rootApp != "Word" {
		t.Fatalf("root_app=%q, want Word", rootApp)
	}
	if windowLeft.Valid {
		t.Fatalf("window_left=%v, want NULL for absent value", windowLeft.Float64)
	}
}

func TestSQLiteSink_WriteRows_RollsBackOnEmptyRootApp(t *testing.T) {
	t.Parallel()

	s := openTestSink(t)
	rows := sampleRows()
	rows[1].RootApp = ""
	if err := s.WriteRows(context.Background(), "run-1", rows); err == nil {
		t.Fatal("WriteRows with empty root_app succeeded, want error")
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM context_rows").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 0 {
		t.Fatalf("count=%d after rollback, want 0", count)
	}
}

func TestSQLiteSink_WriteRows_RequiresRunID(t *testing.T) {
	t.Parallel()

	s := openTestSink(t)
	if err := s.WriteRows(context.Background(), "", sampleRows()); err == nil {
		t.Fatal("WriteRows with empty run id succeeded, want error")
	}
}

func TestSQLiteSink_WriteRows_KeepsRunsSeparate(t *testing.T) {
	t.Parallel()

	s := openTestSink(t)
	if err := s.WriteRows(context.Background(), "run-a", sampleRows()); err != nil {
		t.Fatalf("WriteRows run-a: %v", err)
	}
	if err := s.WriteRows(context.Background(), "run-b", sampleRows()[:1]); err != nil {
		t.Fatalf("WriteRows run-b: %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM context_rows WHERE run_id = ?", "run-b").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Fatalf("run-b count=%d, want 1", count)
	}
}

func TestSQLiteSink_ReadRows_RoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestSink(t)
	rows := sampleRows()
	if err := s.WriteRows(context.Background(), "run-1", rows); err != nil {
		t.Fatalf("WriteRows: %v", err)
	}

	got, err := s.ReadRows(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if !reflect.DeepEqual(got, rows) {
		t.Fatalf("rows mismatch:\ngot  %+v\nwant %+v", got, rows)
	}

	if _, err := s.ReadRows(context.Background(), ""); err == nil {
		t.Fatal("ReadRows with empty run id succeeded, want error")
	}
}

func TestSQLiteSink_ReadRows_UnknownRunIsEmpty(t *testing.T) {
	t.Parallel()

	s := openTestSink(t)
	got, err := s.ReadRows(context.Background(), "missing")
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("rows=%d, want 0 for unknown run", len(got))
	}
}

func TestSQLiteSink_Runs_CountsPerRun(t *testing.T) {
	t.Parallel()

	s := openTestSink(t)
	if err := s.WriteRows(context.Background(), "run-a", sampleRows()); err != nil {
		t.Fatalf("WriteRows run-a: %v", err)
	}
	if err := s.WriteRows(context.Background(), "run-b", sampleRows()[:1]); err != nil {
		t.Fatalf("WriteRows run-b: %v", err)
	}

	got, err := s.Runs(context.Background())
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	want := []RunSummary{{RunID: "run-a", Rows: 2}, {RunID: "run-b", Rows: 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("runs=%+v, want %+v", got, want)
	}
}

package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/manuspect/envscope/pipeline"
)

// SQLiteSink stores rows in a local SQLite database. The file is opened in
// WAL mode so exports and ad-hoc queries can run side by side.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and ensures the schema
// exists.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if path == "" {
		return nil, errors.New("OpenSQLite: path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("OpenSQLite: create parent dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("OpenSQLite: open database: %w", err)
	}

	s := &SQLiteSink{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("OpenSQLite: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS context_rows (
		row_id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		record_id TEXT NOT NULL,
		event_context TEXT NOT NULL,
		root_app TEXT NOT NULL CHECK(root_app != ''),
		tab_title TEXT NOT NULL,
		classname TEXT NOT NULL,
		process_path TEXT NOT NULL,
		is_active INTEGER NOT NULL,
		z_index INTEGER NOT NULL,
		window_left REAL,
		window_top REAL,
		window_right REAL,
		window_bottom REAL,
		mouse_x REAL,
		mouse_y REAL,
		modifiers TEXT NOT NULL,
		snapshot_timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_context_rows_run_id ON context_rows(run_id);
	CREATE INDEX IF NOT EXISTS idx_context_rows_root_app ON context_rows(root_app);
	CREATE INDEX IF NOT EXISTS idx_context_rows_timestamp ON context_rows(timestamp);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

// WriteRows inserts the rows inside one transaction. Any invalid row or
// failed insert rolls the whole batch back.
func (s *SQLiteSink) WriteRows(ctx context.Context, runID string, rows []pipeline.ContextRow) error {
	if ctx == nil {
		return errors.New("SQLiteSink.WriteRows: ctx is nil")
	}
	if runID == "" {
		return errors.New("SQLiteSink.WriteRows: run id is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SQLiteSink.WriteRows: begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO context_rows (
			run_id, id, user_id, timestamp, event_type, record_id,
			event_context, root_app, tab_title, classname, process_path,
			is_active, z_index, window_left, window_top, window_right,
			window_bottom, mouse_x, mouse_y, modifiers, snapshot_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("SQLiteSink.WriteRows: prepare statement: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		r := &rows[i]
		if r.RootApp == "" {
			_ = tx.Rollback()
			return fmt.Errorf("SQLiteSink.WriteRows: row %d has empty root_app", i)
		}
		_, err := stmt.ExecContext(ctx,
			runID, r.ID, r.UserID, r.Timestamp, r.EventType, r.RecordID,
			r.EventContext, r.RootApp, r.TabTitle, r.Classname, r.ProcessPath,
			r.IsActive, r.ZIndex, r.WindowLeft, r.WindowTop, r.WindowRight,
			r.WindowBottom, r.MouseX, r.MouseY, r.Modifiers, r.SnapshotTimestamp,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("SQLiteSink.WriteRows: insert row %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SQLiteSink.WriteRows: commit transaction: %w", err)
	}
	return nil
}

// ReadRows returns the rows stored for a run in insertion order.
func (s *SQLiteSink) ReadRows(ctx context.Context, runID string) ([]pipeline.ContextRow, error) {
	if ctx == nil {
		return nil, errors.New("SQLiteSink.ReadRows: ctx is nil")
	}
	if runID == "" {
		return nil, errors.New("SQLiteSink.ReadRows: run id is empty")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, timestamp, event_type, record_id, event_context,
			root_app, tab_title, classname, process_path, is_active, z_index,
			window_left, window_top, window_right, window_bottom,
			mouse_x, mouse_y, modifiers, snapshot_timestamp
		FROM context_rows WHERE run_id = ? ORDER BY row_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("SQLiteSink.ReadRows: query: %w", err)
	}
	defer rows.Close()

	var out []pipeline.ContextRow
	for rows.Next() {
		var r pipeline.ContextRow
		var left, top, right, bottom, mouseX, mouseY sql.NullFloat64
		err := rows.Scan(
			&r.ID, &r.UserID, &r.Timestamp, &r.EventType, &r.RecordID, &r.EventContext,
			&r.RootApp, &r.TabTitle, &r.Classname, &r.ProcessPath, &r.IsActive, &r.ZIndex,
			&left, &top, &right, &bottom, &mouseX, &mouseY, &r.Modifiers, &r.SnapshotTimestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("SQLiteSink.ReadRows: scan: %w", err)
		}
		r.WindowLeft = nullableFloat(left)
		r.WindowTop = nullableFloat(top)
		r.WindowRight = nullableFloat(right)
		r.WindowBottom = nullableFloat(bottom)
		r.MouseX = nullableFloat(mouseX)
		r.MouseY = nullableFloat(mouseY)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SQLiteSink.ReadRows: iterate: %w", err)
	}
	return out, nil
}

// RunSummary pairs a stored run id with its row count.
type RunSummary struct {
	RunID string
	Rows  int
}

// Runs lists the stored runs with their row counts, ordered by run id.
func (s *SQLiteSink) Runs(ctx context.Context) ([]RunSummary, error) {
	if ctx == nil {
		return nil, errors.New("SQLiteSink.Runs: ctx is nil")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, COUNT(*) FROM context_rows GROUP BY run_id ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("SQLiteSink.Runs: query: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		if err := rows.Scan(&rs.RunID, &rs.Rows); err != nil {
			return nil, fmt.Errorf("SQLiteSink.Runs: scan: %w", err)
		}
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SQLiteSink.Runs: iterate: %w", err)
	}
	return out, nil
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

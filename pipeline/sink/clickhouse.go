package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/manuspect/envscope/pipeline"
)

// ClickHouseOptions configures the analytics sink. Zero values fall back to a
// local single-node setup.
type ClickHouseOptions struct {
	// Addr is the native-protocol address, host:port. Defaults to
	// localhost:9000.
	Addr string

	// Database defaults to "default".
	Database string

	User     string
	Password string

	// PingAttempts caps the startup connectivity probes. Defaults to 5.
	PingAttempts int
}

const clickhouseSchema = `
CREATE TABLE IF NOT EXISTS context_rows (
	run_id String,
	id Int64,
	user_id String,
	timestamp String,
	event_type String,
	record_id String,
	event_context String,
	root_app String,
	tab_title String,
	classname String,
	process_path String,
	is_active Bool,
	z_index Int64,
	window_left Nullable(Float64),
	window_top Nullable(Float64),
	window_right Nullable(Float64),
	window_bottom Nullable(Float64),
	mouse_x Nullable(Float64),
	mouse_y Nullable(Float64),
	modifiers String,
	snapshot_timestamp String
) ENGINE = MergeTree()
ORDER BY (run_id, root_app, id)
`

// ClickHouseSink stores rows in a ClickHouse table for analytics queries.
type ClickHouseSink struct {
	db *sql.DB
}

// OpenClickHouse connects, verifies connectivity and ensures the schema
// exists. A fresh ClickHouse node can take a few seconds to accept
// connections, so the ping is retried.
func OpenClickHouse(ctx context.Context, opts ClickHouseOptions) (*ClickHouseSink, error) {
	if ctx == nil {
		return nil, errors.New("OpenClickHouse: ctx is nil")
	}
	if opts.Addr == "" {
		opts.Addr = "localhost:9000"
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.User == "" {
		opts.User = "default"
	}
	if opts.PingAttempts <= 0 {
		opts.PingAttempts = 5
	}

	dsn := fmt.Sprintf("clickhouse://%s:%s@%s/%s?dial_timeout=10s",
		opts.User, opts.Password, opts.Addr, opts.Database)
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("OpenClickHouse: open connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(50)
	db.SetConnMaxLifetime(time.Hour)

	var pingErr error
	for attempt := 0; attempt < opts.PingAttempts; attempt++ {
		pingErr = db.PingContext(ctx)
		if pingErr == nil {
			break
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, fmt.Errorf("OpenClickHouse: %w", ctx.Err())
		case <-time.After(3 * time.Second):
		}
	}
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("OpenClickHouse: ping after %d attempts: %w", opts.PingAttempts, pingErr)
	}

	if _, err := db.ExecContext(ctx, clickhouseSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("OpenClickHouse: create table: %w", err)
	}
	return &ClickHouseSink{db: db}, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

// WriteRows inserts the rows as one batch. ClickHouse buffers prepared
// statements inside the transaction and ships them on commit.
func (s *ClickHouseSink) WriteRows(ctx context.Context, runID string, rows []pipeline.ContextRow) error {
	if ctx == nil {
		return errors.New("ClickHouseSink.WriteRows: ctx is nil")
	}
	if runID == "" {
		return errors.New("ClickHouseSink.WriteRows: run id is empty")
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ClickHouseSink.WriteRows: begin transaction: %w", err)
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
		return fmt.Errorf("ClickHouseSink.WriteRows: prepare statement: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		r := &rows[i]
		if r.RootApp == "" {
			_ = tx.Rollback()
			return fmt.Errorf("ClickHouseSink.WriteRows: row %d has empty root_app", i)
		}
		_, err := stmt.ExecContext(ctx,
			runID, r.ID, r.UserID, r.Timestamp, r.EventType, r.RecordID,
			r.EventContext, r.RootApp, r.TabTitle, r.Classname, r.ProcessPath,
			r.IsActive, r.ZIndex, r.WindowLeft, r.WindowTop, r.WindowRight,
			r.WindowBottom, r.MouseX, r.MouseY, r.Modifiers, r.SnapshotTimestamp,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("ClickHouseSink.WriteRows: append row %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ClickHouseSink.WriteRows: commit batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.db.Close()
}

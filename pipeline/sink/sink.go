// Package sink persists projected context rows into tabular stores: CSV and
// JSONL files for hand-off, SQLite for local queries, ClickHouse for
// analytics. Every sink receives the complete row set of one run; partial
// output never appears under a final file name.
package sink

import (
	"context"

	"github.com/manuspect/envscope/pipeline"
)

// RowSink receives the final row set of one run.
type RowSink interface {
	// Name identifies the sink in manifests and logs.
	Name() string

	WriteRows(ctx context.Context, runID string, rows []pipeline.ContextRow) error
}

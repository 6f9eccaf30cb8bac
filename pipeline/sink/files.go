package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/manuspect/envscope/pipeline"
	"github.com/manuspect/envscope/pipeline/fileutils"
)

// CSVSink writes rows as a CSV file with a header line. The file is staged
// next to the final path and renamed into place once fully written.
type CSVSink struct {
	Path string
}

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) WriteRows(ctx context.Context, runID string, rows []pipeline.ContextRow) error {
	if ctx == nil {
		return errors.New("CSVSink.WriteRows: ctx is nil")
	}
	if s.Path == "" {
		return errors.New("CSVSink.WriteRows: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("CSVSink.WriteRows: create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".tmp_rows_*.csv")
	if err != nil {
		return fmt.Errorf("CSVSink.WriteRows: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	w := csv.NewWriter(tmp)
	if err := w.Write(pipeline.ContextRowColumns()); err != nil {
		cleanup()
		return fmt.Errorf("CSVSink.WriteRows: write header: %w", err)
	}
	for i := range rows {
		select {
		case <-ctx.Done():
			cleanup()
			return fmt.Errorf("CSVSink.WriteRows: %w", ctx.Err())
		default:
		}
		if err := w.Write(rows[i].Record()); err != nil {
			cleanup()
			return fmt.Errorf("CSVSink.WriteRows: write row %d: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		cleanup()
		return fmt.Errorf("CSVSink.WriteRows: flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("CSVSink.WriteRows: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("CSVSink.WriteRows: rename into place: %w", err)
	}
	return nil
}

// JSONLSink writes one JSON object per row, staged and renamed into place
// like CSVSink.
type JSONLSink struct {
	Path string
}

func (s *JSONLSink) Name() string { return "jsonl" }

func (s *JSONLSink) WriteRows(ctx context.Context, runID string, rows []pipeline.ContextRow) error {
	if ctx == nil {
		return errors.New("JSONLSink.WriteRows: ctx is nil")
	}
	if s.Path == "" {
		return errors.New("JSONLSink.WriteRows: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("JSONLSink.WriteRows: create parent dir: %w", err)
	}

	tmpPath := s.Path + ".tmp"
	w, err := fileutils.NewLineWriter(tmpPath)
	if err != nil {
		return fmt.Errorf("JSONLSink.WriteRows: %w", err)
	}
	for i := range rows {
		select {
		case <-ctx.Done():
			w.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("JSONLSink.WriteRows: %w", ctx.Err())
		default:
		}
		if err := w.WriteLine(rows[i]); err != nil {
			w.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("JSONLSink.WriteRows: row %d: %w", i, err)
		}
	}
	if err := w.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("JSONLSink.WriteRows: close: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("JSONLSink.WriteRows: rename into place: %w", err)
	}
	return nil
}

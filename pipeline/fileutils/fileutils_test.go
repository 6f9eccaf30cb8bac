package fileutils

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCopyFileIfExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src.yaml")
	dst := filepath.Join(dir, "run", "heuristics.yaml")

	// Missing src: no-op.
	copied, err := CopyFileIfExists(src, dst, false)
	if err != nil {
		t.Fatalf("copy missing src: %v", err)
	}
	if copied {
		t.Fatalf("expected copied=false for missing src")
	}

	if err := os.WriteFile(src, []byte("separators: ['::']"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	copied, err = CopyFileIfExists(src, dst, false)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if !copied {
		t.Fatalf("expected copied=true")
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(b) != "separators: ['::']" {
		t.Fatalf("dst=%q", string(b))
	}

	// Without overwrite, dst stays as-is.
	if err := os.WriteFile(src, []byte("separators: []"), 0o644); err != nil {
		t.Fatalf("write src2: %v", err)
	}
	copied, err = CopyFileIfExists(src, dst, false)
	if err != nil {
		t.Fatalf("copy no-overwrite: %v", err)
	}
	if copied {
		t.Fatalf("expected copied=false when dst exists and overwrite=false")
	}

	copied, err = CopyFileIfExists(src, dst, true)
	if err != nil {
		t.Fatalf("copy overwrite: %v", err)
	}
	if !copied {
		t.Fatalf("expected copied=true when overwrite=true")
	}
	b, _ = os.ReadFile(dst)
	if string(b) != "separators: []" {
		t.Fatalf("dst=%q", string(b))
	}
}

func TestWriteFileAtomicSameDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	if err := WriteFileAtomicSameDir(path, []byte(`{"ok":true}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "{\"ok\":true}\n" {
		t.Fatalf("content=%q", string(b))
	}

	// No temp leftovers.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp_") {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := Truncate("  hello  ", 10); got != "hello" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("abcdefgh", 4); got != "abcd…" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("abc", 0); got != "abc" {
		t.Fatalf("got %q", got)
	}
}

func TestLineWriterAndReadJSONLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rows.jsonl")

	w, err := NewLineWriter(path)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	type row struct {
		ID int    `json:"id"`
		S  string `json:"s"`
	}
	for i := 0; i < 3; i++ {
		if err := w.WriteLine(row{ID: i, S: "x"}); err != nil {
			t.Fatalf("write line %d: %v", i, err)
		}
	}
	if w.Lines() != 3 {
		t.Fatalf("lines=%d, want 3", w.Lines())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var got []row
	err = ReadJSONLines(path, func(line []byte) error {
		var r row
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("read lines: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d rows, want 3", len(got))
	}
	if got[2].ID != 2 {
		t.Fatalf("got[2].ID=%d, want 2", got[2].ID)
	}
}

func TestReadJSONFileMissing(t *testing.T) {
	t.Parallel()

	var v map[string]any
	if err := ReadJSONFile(filepath.Join(t.TempDir(), "absent.json"), &v); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

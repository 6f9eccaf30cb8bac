package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeBatchFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestDiscoverBatchFiles_FiltersAndSorts(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	b := writeBatchFile(t, filepath.Join(root, "session", "batch-002"), "b.json", "{}")
	a := writeBatchFile(t, filepath.Join(root, "batch-001"), "a.json", "{}")
	writeBatchFile(t, filepath.Join(root, "batch-001"), "notes.txt", "skip me")
	writeBatchFile(t, filepath.Join(root, "other"), "c.json", "{}")
	writeBatchFile(t, filepath.Join(root, "batch-001", "nested"), "d.json", "{}")
	writeBatchFile(t, filepath.Join(root, "Batch-003"), "e.json", "{}")

	files, err := DiscoverBatchFiles(root)
	if err != nil {
		t.Fatalf("DiscoverBatchFiles: %v", err)
	}
	if want := []string{a, b}; !reflect.DeepEqual(files, want) {
		t.Fatalf("files=%v, want %v", files, want)
	}
}

func TestDiscoverBatchFiles_MissingRootIsEmpty(t *testing.T) {
	t.Parallel()

	files, err := DiscoverBatchFiles(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("DiscoverBatchFiles: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("files=%v, want none", files)
	}
}

func TestDiscoverBatchFiles_RejectsBadArgs(t *testing.T) {
	t.Parallel()

	if _, err := DiscoverBatchFiles(""); err == nil {
		t.Fatalf("expected error for empty root")
	}

	file := writeBatchFile(t, t.TempDir(), "f.json", "{}")
	if _, err := DiscoverBatchFiles(file); err == nil {
		t.Fatalf("expected error for non-directory root")
	}
}

func TestLoadBatchDir_SkipsCorruptFilesAndContinues(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := filepath.Join(root, "batch-001")
	good := writeBatchFile(t, dir, "good.json", `{"base_events":[{"id":1},{"id":2}]}`)
	writeBatchFile(t, dir, "bad.json", "{definitely not json")

	res, err := LoadBatchDir(context.Background(), root)
	if err != nil {
		t.Fatalf("LoadBatchDir: %v", err)
	}
	if len(res.Batches) != 1 {
		t.Fatalf("len(Batches)=%d, want 1", len(res.Batches))
	}
	if res.Batches[0].Path != good {
		t.Fatalf("Batches[0].Path=%s, want %s", res.Batches[0].Path, good)
	}
	if len(res.Skips) != 1 || !strings.HasSuffix(res.Skips[0].Path, "bad.json") {
		t.Fatalf("Skips=%+v, want one for bad.json", res.Skips)
	}
	if events := res.AllBaseEvents(); len(events) != 2 || events[0].ID != 1 {
		t.Fatalf("AllBaseEvents=%+v, want ids 1,2", events)
	}
}

func TestLoadBatchDir_SkipReasons(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := filepath.Join(root, "batch-001")
	writeBatchFile(t, dir, "blank.json", "   ")
	writeBatchFile(t, dir, "array.json", "[1,2]")
	writeBatchFile(t, dir, "ok.json", `{"audio_events":[{"id":5}]}`)

	res, err := LoadBatchDir(context.Background(), root)
	if err != nil {
		t.Fatalf("LoadBatchDir: %v", err)
	}
	if len(res.Batches) != 1 || len(res.Skips) != 2 {
		t.Fatalf("batches=%d skips=%d, want 1 and 2", len(res.Batches), len(res.Skips))
	}
	reasons := map[string]string{}
	for _, s := range res.Skips {
		reasons[filepath.Base(s.Path)] = s.Reason
	}
	if !strings.Contains(reasons["blank.json"], "blank") {
		t.Fatalf("blank.json reason=%q", reasons["blank.json"])
	}
	if !strings.Contains(reasons["array.json"], "want object") {
		t.Fatalf("array.json reason=%q", reasons["array.json"])
	}
	if audio := res.AllAudioEvents(); len(audio) != 1 || audio[0].ID != 5 {
		t.Fatalf("AllAudioEvents=%+v, want id 5", audio)
	}
}

func TestLoadBatchDir_EmptyRootLoadsNothing(t *testing.T) {
	t.Parallel()

	res, err := LoadBatchDir(context.Background(), filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("LoadBatchDir: %v", err)
	}
	if len(res.Batches) != 0 || len(res.Skips) != 0 {
		t.Fatalf("want empty result, got %+v", res)
	}
}

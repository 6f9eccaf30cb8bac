package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileSkip records one batch file that was rejected during loading.
type FileSkip struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// LoadedBatch pairs a decoded batch file with its source path.
type LoadedBatch struct {
	Path string
	Root *EventRoot
}

// LoadResult contains every decoded batch of a run plus the files that were
// skipped. Failures are contained per file; a skip never aborts the run.
type LoadResult struct {
	Batches []LoadedBatch
	Skips   []FileSkip
}

// AllBaseEvents flattens the base events of every batch in load order.
func (r LoadResult) AllBaseEvents() []BaseEvent {
	var events []BaseEvent
	for _, b := range r.Batches {
		events = append(events, b.Root.BaseEvents...)
	}
	return events
}

// AllAudioEvents flattens the audio events of every batch in load order.
func (r LoadResult) AllAudioEvents() []AudioEvent {
	var events []AudioEvent
	for _, b := range r.Batches {
		events = append(events, b.Root.AudioEvents...)
	}
	return events
}

// WarningCount sums the field coercion warnings across all batches.
func (r LoadResult) WarningCount() int {
	n := 0
	for _, b := range r.Batches {
		n += len(b.Root.Warnings)
	}
	return n
}

// DiscoverBatchFiles walks rootDir and collects ".json" files that sit
// directly inside a directory whose name starts with "batch-". Both checks
// are case-sensitive. A missing root yields an empty result, not an error;
// unreadable subtrees contribute nothing. Results are sorted by path.
func DiscoverBatchFiles(rootDir string) ([]string, error) {
	if rootDir == "" {
		return nil, errors.New("DiscoverBatchFiles: root directory is empty")
	}
	info, err := os.Stat(rootDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("DiscoverBatchFiles: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("DiscoverBatchFiles: %s is not a directory", rootDir)
	}

	var files []string
	err = filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		if !strings.HasPrefix(filepath.Base(filepath.Dir(path)), "batch-") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("DiscoverBatchFiles: walk: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// LoadBatchDir discovers and decodes every batch file under rootDir.
// Unreadable, blank, or structurally invalid files are recorded as skips and
// the remaining files still load.
func LoadBatchDir(ctx context.Context, rootDir string) (LoadResult, error) {
	if ctx == nil {
		return LoadResult{}, errors.New("LoadBatchDir: ctx is nil")
	}
	files, err := DiscoverBatchFiles(rootDir)
	if err != nil {
		return LoadResult{}, fmt.Errorf("LoadBatchDir: %w", err)
	}

	var res LoadResult
	for _, path := range files {
		select {
		case <-ctx.Done():
			return LoadResult{}, ctx.Err()
		default:
		}

		data, err := os.ReadFile(path)
		if err != nil {
			res.Skips = append(res.Skips, FileSkip{Path: path, Reason: fmt.Sprintf("read: %v", err)})
			continue
		}
		if len(bytes.TrimSpace(data)) == 0 {
			res.Skips = append(res.Skips, FileSkip{Path: path, Reason: "file is blank"})
			continue
		}
		root, err := DecodeEventRoot(data)
		if err != nil {
			res.Skips = append(res.Skips, FileSkip{Path: path, Reason: err.Error()})
			continue
		}
		res.Batches = append(res.Batches, LoadedBatch{Path: path, Root: root})
	}
	return res, nil
}

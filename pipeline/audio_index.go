package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/manuspect/envscope/pipeline/fileutils"
)

// AudioIndexRecord maps one audio recording id to the batch file that
// referenced it. The event log only carries ids; the recordings themselves
// live outside the pipeline and are joined later through this index.
type AudioIndexRecord struct {
	AudioID   int64  `json:"audio_id"`
	BatchPath string `json:"batch_path"`
	Ordinal   int    `json:"ordinal"`
}

// BuildAudioIndex collects the audio side channel of every loaded batch in
// load order. Ids that fell back to the coercion default are dropped;
// duplicate ids keep their first occurrence.
func BuildAudioIndex(batches []LoadedBatch) []AudioIndexRecord {
	var records []AudioIndexRecord
	seen := make(map[int64]struct{})
	for _, b := range batches {
		for i, ae := range b.Root.AudioEvents {
			if ae.ID < 0 {
				continue
			}
			if _, ok := seen[ae.ID]; ok {
				continue
			}
			seen[ae.ID] = struct{}{}
			records = append(records, AudioIndexRecord{
				AudioID:   ae.ID,
				BatchPath: b.Path,
				Ordinal:   i,
			})
		}
	}
	return records
}

// WriteAudioIndex writes records as audio_index.jsonl, one JSON object per
// line, atomically.
func WriteAudioIndex(path string, records []AudioIndexRecord, overwrite bool) error {
	if path == "" {
		return errors.New("WriteAudioIndex: path is empty")
	}
	if !overwrite && fileutils.FileExists(path) {
		return fmt.Errorf("WriteAudioIndex: file exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	var b strings.Builder
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return err
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return fileutils.WriteFileAtomicSameDir(path, []byte(b.String()), 0o644)
}

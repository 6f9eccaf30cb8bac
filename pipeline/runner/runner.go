// Package runner orchestrates the two-stage batch workflow: collect raw
// events from a batch tree into a staged JSONL file, then project the staged
// events into context rows and write the configured outputs. Each run is
// identified by a run id and tracked through a StateStore.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/manuspect/envscope/pipeline"
	"github.com/manuspect/envscope/pipeline/fileutils"
	"github.com/manuspect/envscope/pipeline/sink"
)

// DefaultOutputName is the file name of the tabular artifact when the
// caller does not pick one.
const DefaultOutputName = "processed_environment_data.csv"

const (
	audioIndexName     = "audio_index.jsonl"
	rowSchemaName      = "context_rows.schema.json"
	heuristicsCopyName = "heuristics.yaml"
)

// Options configures a Workflow. SourceDir, WorkDir and OutDir are required;
// the rest has workable defaults.
type Options struct {
	// SourceDir is the root of the batch-* tree to load.
	SourceDir string

	// WorkDir holds staged intermediate files.
	WorkDir string

	// OutDir receives the final artifacts.
	OutDir string

	// OutputName is the tabular artifact file name. Defaults to
	// DefaultOutputName.
	OutputName string

	// HeuristicsPath optionally points at a YAML overrides file for the
	// window classifier. Empty means built-in defaults.
	HeuristicsPath string

	// Concurrency caps parallel window extraction. Defaults to 4.
	Concurrency int

	// KeepStaged leaves the staged events file in WorkDir after the run.
	KeepStaged bool
}

// Workflow runs the batch pipeline. Extra sinks receive the final row set in
// addition to the CSV artifact.
type Workflow struct {
	opts   Options
	h      *pipeline.Heuristics
	states *StateStore
	sinks  []sink.RowSink
}

// NewWorkflow validates the options and loads the classifier heuristics. A
// nil states store disables run tracking.
func NewWorkflow(opts Options, states *StateStore, sinks ...sink.RowSink) (*Workflow, error) {
	if opts.SourceDir == "" {
		return nil, errors.New("NewWorkflow: source dir is empty")
	}
	if opts.WorkDir == "" {
		return nil, errors.New("NewWorkflow: work dir is empty")
	}
	if opts.OutDir == "" {
		return nil, errors.New("NewWorkflow: out dir is empty")
	}
	if opts.OutputName == "" {
		opts.OutputName = DefaultOutputName
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	h, err := pipeline.LoadHeuristics(opts.HeuristicsPath)
	if err != nil {
		return nil, fmt.Errorf("NewWorkflow: %w", err)
	}
	return &Workflow{opts: opts, h: h, states: states, sinks: sinks}, nil
}

// OutDir reports the directory the final artifacts land in.
func (w *Workflow) OutDir() string { return w.opts.OutDir }

// OutputName reports the tabular artifact file name after defaulting.
func (w *Workflow) OutputName() string { return w.opts.OutputName }

// CollectResult reports the first stage: which files loaded, which were
// skipped, and where the raw events were staged.
type CollectResult struct {
	RunID      string `json:"run_id"`
	StagedPath string `json:"staged_path"`

	FilesLoaded  int                 `json:"files_loaded"`
	FilesSkipped int                 `json:"files_skipped"`
	Skips        []pipeline.FileSkip `json:"skips,omitempty"`

	Events        int `json:"events"`
	AudioEvents   int `json:"audio_events"`
	FieldWarnings int `json:"field_warnings"`
}

// RunResult reports a full run. Status and Message mirror the terminal state
// record; OutputPath is empty when an early exit produced no rows.
type RunResult struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Message string `json:"message"`

	OutputPath   string `json:"output_path,omitempty"`
	ManifestPath string `json:"manifest_path,omitempty"`
	StagedPath   string `json:"staged_path,omitempty"`

	Rows  int                   `json:"rows"`
	Stats pipeline.ExtractStats `json:"stats"`

	FilesLoaded  int                 `json:"files_loaded"`
	FilesSkipped int                 `json:"files_skipped"`
	Skips        []pipeline.FileSkip `json:"skips,omitempty"`

	Sinks []string `json:"sinks,omitempty"`
}

// Collect runs only the first stage. The staged file path is recorded as the
// run's result so a later projection can pick it up.
func (w *Workflow) Collect(ctx context.Context, runID string) (CollectResult, error) {
	if ctx == nil {
		return CollectResult{}, errors.New("Workflow.Collect: ctx is nil")
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	res := CollectResult{RunID: runID}
	if w.states != nil {
		if _, err := w.states.Ensure(runID); err != nil {
			return res, fmt.Errorf("Workflow.Collect: %w", err)
		}
	}

	staged, load, err := w.collect(ctx, runID)
	if err != nil {
		return res, w.fail(runID, fmt.Errorf("Workflow.Collect: %w", err))
	}

	res.StagedPath = staged
	res.FilesLoaded = len(load.Batches)
	res.FilesSkipped = len(load.Skips)
	res.Skips = load.Skips
	res.Events = len(load.AllBaseEvents())
	res.AudioEvents = len(load.AllAudioEvents())
	res.FieldWarnings = load.WarningCount()

	status := "Completed"
	if res.Events == 0 {
		status = "Completed (empty data)"
	}
	if w.states != nil {
		err := w.states.Update(runID, map[string]interface{}{
			"state":       StateSuccess,
			"stage":       "collect",
			"current":     3,
			"total":       3,
			"status":      status,
			"result_path": staged,
		})
		if err != nil {
			return res, fmt.Errorf("Workflow.Collect: %w", err)
		}
	}
	return res, nil
}

// Run executes both stages. An empty runID gets a generated one.
func (w *Workflow) Run(ctx context.Context, runID string) (RunResult, error) {
	if ctx == nil {
		return RunResult{}, errors.New("Workflow.Run: ctx is nil")
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	res := RunResult{RunID: runID}
	if w.states != nil {
		if _, err := w.states.Ensure(runID); err != nil {
			return res, fmt.Errorf("Workflow.Run: %w", err)
		}
	}

	staged, load, err := w.collect(ctx, runID)
	if err != nil {
		return res, w.fail(runID, fmt.Errorf("Workflow.Run: %w", err))
	}
	res.StagedPath = staged
	res.FilesLoaded = len(load.Batches)
	res.FilesSkipped = len(load.Skips)
	res.Skips = load.Skips

	if err := w.project(ctx, runID, &res, load); err != nil {
		return res, w.fail(runID, fmt.Errorf("Workflow.Run: %w", err))
	}
	return res, nil
}

// collect loads the batch tree and stages every base event as one JSONL
// line. The staged file is the hand-off point between stages.
func (w *Workflow) collect(ctx context.Context, runID string) (string, pipeline.LoadResult, error) {
	if err := w.progress(runID, "collect", 0, 3, "Parsing JSON files"); err != nil {
		return "", pipeline.LoadResult{}, err
	}
	load, err := pipeline.LoadBatchDir(ctx, w.opts.SourceDir)
	if err != nil {
		return "", pipeline.LoadResult{}, err
	}

	if err := w.progress(runID, "collect", 1, 3, "Collecting events"); err != nil {
		return "", pipeline.LoadResult{}, err
	}
	events := load.AllBaseEvents()

	if err := w.progress(runID, "collect", 2, 3, "Staging raw events"); err != nil {
		return "", pipeline.LoadResult{}, err
	}
	if err := os.MkdirAll(w.opts.WorkDir, 0o755); err != nil {
		return "", pipeline.LoadResult{}, fmt.Errorf("create work dir: %w", err)
	}
	staged := filepath.Join(w.opts.WorkDir, "events_raw_"+runID+".jsonl")
	lw, err := fileutils.NewLineWriter(staged)
	if err != nil {
		return "", pipeline.LoadResult{}, fmt.Errorf("stage raw events: %w", err)
	}
	for i := range events {
		select {
		case <-ctx.Done():
			lw.Close()
			os.Remove(staged)
			return "", pipeline.LoadResult{}, ctx.Err()
		default:
		}
		if err := lw.WriteLine(events[i]); err != nil {
			lw.Close()
			os.Remove(staged)
			return "", pipeline.LoadResult{}, fmt.Errorf("stage raw events: %w", err)
		}
	}
	if err := lw.Close(); err != nil {
		os.Remove(staged)
		return "", pipeline.LoadResult{}, fmt.Errorf("stage raw events: %w", err)
	}
	return staged, load, nil
}

// project reads the staged events back, extracts window contexts and writes
// the outputs. Early exits are successes with a distinct status.
func (w *Workflow) project(ctx context.Context, runID string, res *RunResult, load pipeline.LoadResult) error {
	if err := w.progress(runID, "project", 0, 6, "Loading staged events"); err != nil {
		return err
	}
	events, err := readStagedEvents(res.StagedPath)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		res.Status = "Completed (empty input)"
		res.Message = "Input data was empty, nothing processed."
		return w.complete(runID, res, load, nil, pipeline.ExtractStats{}, nil)
	}

	if err := w.progress(runID, "project", 1, 6, "Extracting window contexts"); err != nil {
		return err
	}
	rows, stats, err := projectRows(ctx, events, w.h, w.opts.Concurrency)
	if err != nil {
		return err
	}

	if err := w.progress(runID, "project", 2, 6, "Filtering by root_app"); err != nil {
		return err
	}
	switch {
	case stats.EmptyEnvironment+stats.DecodeFailures == stats.Events:
		res.Status = "Completed (no valid env data)"
		res.Message = "No valid environment data to process."
		return w.complete(runID, res, load, rows, stats, nil)
	case len(rows) == 0 && stats.FilteredRootApp == 0:
		res.Status = "Completed (no window data)"
		res.Message = "No window data found after processing."
		return w.complete(runID, res, load, rows, stats, nil)
	case len(rows) == 0:
		res.Status = "Completed (no root_app data)"
		res.Message = "No data remaining after filtering by root_app."
		return w.complete(runID, res, load, rows, stats, nil)
	}

	if err := w.progress(runID, "project", 3, 6, "Writing outputs"); err != nil {
		return err
	}
	outPath := filepath.Join(w.opts.OutDir, w.opts.OutputName)
	csv := &sink.CSVSink{Path: outPath}
	if err := csv.WriteRows(ctx, runID, rows); err != nil {
		return err
	}
	outputs := []string{outPath}
	res.OutputPath = outPath

	if records := pipeline.BuildAudioIndex(load.Batches); len(records) > 0 {
		audioPath := filepath.Join(w.opts.OutDir, audioIndexName)
		if err := pipeline.WriteAudioIndex(audioPath, records, true); err != nil {
			return err
		}
		outputs = append(outputs, audioPath)
	}

	schemaPath := filepath.Join(w.opts.OutDir, rowSchemaName)
	if err := pipeline.WriteRowSchema(schemaPath); err != nil {
		return err
	}
	outputs = append(outputs, schemaPath)

	// Snapshot the classifier overrides next to the rows they shaped.
	if w.opts.HeuristicsPath != "" {
		heurPath := filepath.Join(w.opts.OutDir, heuristicsCopyName)
		copied, err := fileutils.CopyFileIfExists(w.opts.HeuristicsPath, heurPath, true)
		if err != nil {
			return fmt.Errorf("copy heuristics: %w", err)
		}
		if copied {
			outputs = append(outputs, heurPath)
		}
	}

	for _, sk := range w.sinks {
		if err := sk.WriteRows(ctx, runID, rows); err != nil {
			return fmt.Errorf("sink %s: %w", sk.Name(), err)
		}
		res.Sinks = append(res.Sinks, sk.Name())
	}

	res.Status = "Completed"
	res.Message = "Data processed and saved successfully"
	return w.complete(runID, res, load, rows, stats, outputs)
}

// complete writes the manifest, cleans up the staged file and records the
// terminal success state.
func (w *Workflow) complete(runID string, res *RunResult, load pipeline.LoadResult, rows []pipeline.ContextRow, stats pipeline.ExtractStats, outputs []string) error {
	if err := w.progress(runID, "project", 4, 6, "Writing manifest"); err != nil {
		return err
	}
	manifest := pipeline.BuildRunManifest(runID, w.opts.SourceDir, load, stats, rows)
	manifest.Outputs = outputs
	manifestPath := filepath.Join(w.opts.OutDir, "manifest_"+runID+".json")
	if err := pipeline.WriteRunManifest(manifestPath, manifest); err != nil {
		return err
	}

	if err := w.progress(runID, "project", 5, 6, "Cleaning up"); err != nil {
		return err
	}
	if !w.opts.KeepStaged && res.StagedPath != "" {
		if err := os.Remove(res.StagedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove staged file: %w", err)
		}
		res.StagedPath = ""
	}

	res.ManifestPath = manifestPath
	res.Rows = len(rows)
	res.Stats = stats

	if w.states == nil {
		return nil
	}
	fields := map[string]interface{}{
		"state":         StateSuccess,
		"stage":         "project",
		"current":       6,
		"total":         6,
		"status":        res.Status,
		"message":       res.Message,
		"manifest_path": manifestPath,
	}
	if res.OutputPath != "" {
		fields["result_path"] = res.OutputPath
	}
	return w.states.Update(runID, fields)
}

func (w *Workflow) progress(runID, stage string, current, total int, status string) error {
	if w.states == nil {
		return nil
	}
	return w.states.Progress(runID, stage, current, total, status)
}

// fail records the failure state and hands the original error back.
func (w *Workflow) fail(runID string, err error) error {
	if w.states != nil {
		_ = w.states.Update(runID, map[string]interface{}{
			"state": StateFailure,
			"error": err.Error(),
		})
	}
	return err
}

func readStagedEvents(path string) ([]pipeline.BaseEvent, error) {
	events := []pipeline.BaseEvent{}
	err := fileutils.ReadJSONLines(path, func(line []byte) error {
		var ev pipeline.BaseEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("staged event: %w", err)
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read staged events: %w", err)
	}
	return events, nil
}

// projectRows fans event projection out over a bounded worker pool and
// merges the per-event results back in event order.
func projectRows(ctx context.Context, events []pipeline.BaseEvent, h *pipeline.Heuristics, concurrency int) ([]pipeline.ContextRow, pipeline.ExtractStats, error) {
	if concurrency <= 0 {
		concurrency = 1
	}

	rowsByEvent := make([][]pipeline.ContextRow, len(events))
	statsByEvent := make([]pipeline.ExtractStats, len(events))

	sem := make(chan struct{}, concurrency)
	errCh := make(chan error, len(events))
	wg := sync.WaitGroup{}
	for i := range events {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}
			rowsByEvent[i], statsByEvent[i] = pipeline.ProjectEvent(events[i], h)
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return nil, pipeline.ExtractStats{}, err
		}
	}

	rows := []pipeline.ContextRow{}
	var stats pipeline.ExtractStats
	for i := range events {
		rows = append(rows, rowsByEvent[i]...)
		stats.Add(statsByEvent[i])
	}
	return rows, stats, nil
}

package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/manuspect/envscope/pipeline/fileutils"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	StatePending  RunState = "PENDING"
	StateProgress RunState = "PROGRESS"
	StateSuccess  RunState = "SUCCESS"
	StateFailure  RunState = "FAILURE"
)

// RunStatus is the persisted status record of one run. Progress counters are
// per stage; Status is a human-readable step label.
type RunStatus struct {
	RunID   string   `json:"run_id"`
	State   RunState `json:"state"`
	Stage   string   `json:"stage,omitempty"`
	Current int      `json:"current"`
	Total   int      `json:"total"`
	Status  string   `json:"status,omitempty"`
	Message string   `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`

	ResultPath   string `json:"result_path,omitempty"`
	ManifestPath string `json:"manifest_path,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// StateStore keeps one JSON status file per run under a directory. Updates
// patch individual keys in place, so fields written by earlier steps survive
// later ones.
type StateStore struct {
	dir string
}

func NewStateStore(dir string) (*StateStore, error) {
	if dir == "" {
		return nil, errors.New("NewStateStore: dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("NewStateStore: create dir: %w", err)
	}
	return &StateStore{dir: dir}, nil
}

func (s *StateStore) path(runID string) (string, error) {
	if runID == "" {
		return "", errors.New("run id is empty")
	}
	if strings.ContainsAny(runID, `/\`) {
		return "", fmt.Errorf("run id %q contains a path separator", runID)
	}
	return filepath.Join(s.dir, runID+".json"), nil
}

// Create registers a new run in PENDING state. A run id can only be created
// once.
func (s *StateStore) Create(runID string) (RunStatus, error) {
	path, err := s.path(runID)
	if err != nil {
		return RunStatus{}, fmt.Errorf("StateStore.Create: %w", err)
	}
	if fileutils.FileExists(path) {
		return RunStatus{}, fmt.Errorf("StateStore.Create: run %s already exists", runID)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	st := RunStatus{
		RunID:     runID,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := fileutils.WriteJSONFileAtomic(path, st, true); err != nil {
		return RunStatus{}, fmt.Errorf("StateStore.Create: %w", err)
	}
	return st, nil
}

// Ensure returns the existing status or registers the run as PENDING. It
// lets a dispatcher register a run before the workflow goroutine starts, so
// status polls never observe a gap.
func (s *StateStore) Ensure(runID string) (RunStatus, error) {
	path, err := s.path(runID)
	if err != nil {
		return RunStatus{}, fmt.Errorf("StateStore.Ensure: %w", err)
	}
	if fileutils.FileExists(path) {
		return s.Get(runID)
	}
	return s.Create(runID)
}

// Get reads the current status of a run.
func (s *StateStore) Get(runID string) (RunStatus, error) {
	path, err := s.path(runID)
	if err != nil {
		return RunStatus{}, fmt.Errorf("StateStore.Get: %w", err)
	}
	var st RunStatus
	if err := fileutils.ReadJSONFile(path, &st); err != nil {
		return RunStatus{}, fmt.Errorf("StateStore.Get: %w", err)
	}
	return st, nil
}

// Update patches the given fields into the status file and stamps
// updated_at. Unknown fields are stored as-is.
func (s *StateStore) Update(runID string, fields map[string]interface{}) error {
	path, err := s.path(runID)
	if err != nil {
		return fmt.Errorf("StateStore.Update: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("StateStore.Update: read status: %w", err)
	}

	for key, value := range fields {
		if v, ok := value.(RunState); ok {
			value = string(v)
		}
		data, err = sjson.SetBytes(data, key, value)
		if err != nil {
			return fmt.Errorf("StateStore.Update: set %s: %w", key, err)
		}
	}
	data, err = sjson.SetBytes(data, "updated_at", time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("StateStore.Update: set updated_at: %w", err)
	}

	if err := fileutils.WriteFileAtomicSameDir(path, data, 0o644); err != nil {
		return fmt.Errorf("StateStore.Update: write status: %w", err)
	}
	return nil
}

// Progress marks a run as in progress at the given step of a stage.
func (s *StateStore) Progress(runID, stage string, current, total int, status string) error {
	return s.Update(runID, map[string]interface{}{
		"state":   StateProgress,
		"stage":   stage,
		"current": current,
		"total":   total,
		"status":  status,
	})
}

package runner

import (
	"testing"
)

func newTestStore(t *testing.T) *StateStore {
	t.Helper()
	s, err := NewStateStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	return s
}

func TestStateStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	created, err := s.Create("run-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.State != StatePending {
		t.Fatalf("State=%q, want %q", created.State, StatePending)
	}
	if created.CreatedAt == "" || created.UpdatedAt == "" {
		t.Fatalf("timestamps missing: %+v", created)
	}

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RunID != "run-1" || got.State != StatePending {
		t.Fatalf("got=%+v, want pending run-1", got)
	}
}

func TestStateStore_CreateRejectsDuplicate(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if _, err := s.Create("run-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create("run-1"); err == nil {
		t.Fatal("second Create succeeded, want error")
	}
}

func TestStateStore_EnsureIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	first, err := s.Ensure("run-1")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if first.State != StatePending {
		t.Fatalf("State=%q, want %q", first.State, StatePending)
	}

	if err := s.Progress("run-1", "collect", 2, 3, "Staging raw events"); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	again, err := s.Ensure("run-1")
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if again.State != StateProgress || again.Current != 2 {
		t.Fatalf("got=%+v, want existing progress preserved", again)
	}
}

func TestStateStore_UpdatePatchesFields(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if _, err := s.Create("run-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Progress("run-1", "collect", 1, 3, "Collecting events"); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateProgress || got.Stage != "collect" || got.Current != 1 || got.Total != 3 {
		t.Fatalf("got=%+v, want progress collect 1/3", got)
	}
	if got.Status != "Collecting events" {
		t.Fatalf("Status=%q, want Collecting events", got.Status)
	}

	// Ensure a later patch keeps fields it does not touch.
	err = s.Update("run-1", map[string]interface{}{
		"state":   StateSuccess,
		"message": "done",
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err = s.Get("run-1")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if got.State != StateSuccess || got.Message != "done" {
		t.Fatalf("got=%+v, want success with message", got)
	}
	if got.Stage != "collect" || got.Current != 1 {
		t.Fatalf("earlier fields lost: %+v", got)
	}
	if got.RunID != "run-1" || got.CreatedAt == "" {
		t.Fatalf("identity fields lost: %+v", got)
	}
}

func TestStateStore_RejectsBadRunIDs(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if _, err := s.Create(""); err == nil {
		t.Fatal("Create with empty id succeeded, want error")
	}
	if _, err := s.Create("a/b"); err == nil {
		t.Fatal("Create with path separator succeeded, want error")
	}
	if _, err := s.Get("missing"); err == nil {
		t.Fatal("Get for unknown run succeeded, want error")
	}
}

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/manuspect/envscope/pipeline/runner"
)

const sampleBatch = `{
  "base_events": [
    {"id": 1, "user_id": "u1", "timestamp": "2024-03-01T10:00:00", "event_type": "added",
     "environment": "{\"log_windows\":[{\"program_title\":\"Document1 - Word\",\"classname\":\"OpusApp\",\"z_index\":1}]}"},
    {"id": 2, "user_id": "u1", "environment": ""}
  ],
  "audio_events": [{"id": 7}]
}`

func newTestAPI(t *testing.T) (*gin.Engine, *Handler, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	base := t.TempDir()
	states, err := runner.NewStateStore(filepath.Join(base, "runs"))
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	h, err := NewHandler(runner.Options{
		WorkDir: filepath.Join(base, "work"),
		OutDir:  filepath.Join(base, "out"),
	}, states, 2)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	r := gin.New()
	h.Register(r)
	return r, h, base
}

func writeBatch(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// pollRun polls the status endpoint until the run leaves the pending and
// running states, then checks the terminal code.
func pollRun(t *testing.T, r *gin.Engine, runID string, wantCode int) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest(http.MethodGet, "/api/v1/processing/runs/"+runID, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code == http.StatusAccepted {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if w.Code != wantCode {
			t.Fatalf("poll run %s: code=%d, want %d, body=%s", runID, w.Code, wantCode, w.Body.String())
		}
		var resp map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode poll response: %v", err)
		}
		return resp
	}
	t.Fatalf("run %s still pending after deadline", runID)
	return nil
}

func runIDFrom(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode trigger response: %v", err)
	}
	data, ok := resp["data"].(map[string]any)
	if !ok {
		t.Fatalf("trigger response has no data object: %v", resp)
	}
	runID, _ := data["run_id"].(string)
	if runID == "" {
		t.Fatalf("trigger response has no run_id: %v", resp)
	}
	return runID
}

func TestHealth_OK(t *testing.T) {
	r, _, _ := newTestAPI(t)

	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code=%d, want 200", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("status=%v, want ok", resp["status"])
	}
}

func TestStartWorkflow_EndToEnd(t *testing.T) {
	r, _, base := newTestAPI(t)

	src := filepath.Join(base, "src")
	writeBatch(t, filepath.Join(src, "batch-001"), "a.json", sampleBatch)

	w := postJSON(r, "/api/v1/processing/workflow", `{"root_dir":`+quotePath(src)+`}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s, want 200", w.Code, w.Body.String())
	}
	var trigger map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &trigger); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if trigger["message"] != "Environment data processing workflow has been initiated." {
		t.Fatalf("message=%v", trigger["message"])
	}
	runID := runIDFrom(t, w)

	wantOut := filepath.Join(base, "out", runner.DefaultOutputName)
	data := trigger["data"].(map[string]any)
	if data["output_expected_path"] != wantOut {
		t.Fatalf("output_expected_path=%v, want %s", data["output_expected_path"], wantOut)
	}

	resp := pollRun(t, r, runID, http.StatusOK)
	if resp["message"] != "Run result retrieved successfully" {
		t.Fatalf("message=%v", resp["message"])
	}
	st := resp["data"].(map[string]any)
	if st["state"] != "SUCCESS" || st["status"] != "Completed" {
		t.Fatalf("state=%v status=%v, want SUCCESS/Completed", st["state"], st["status"])
	}
	if st["result_path"] != wantOut {
		t.Fatalf("result_path=%v, want %s", st["result_path"], wantOut)
	}
	if _, err := os.Stat(wantOut); err != nil {
		t.Fatalf("output artifact missing: %v", err)
	}
}

func TestStartExtract_StagesEvents(t *testing.T) {
	r, _, base := newTestAPI(t)

	src := filepath.Join(base, "src")
	writeBatch(t, filepath.Join(src, "batch-001"), "a.json", sampleBatch)

	w := postJSON(r, "/api/v1/processing/extract", `{"root_dir":`+quotePath(src)+`}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s, want 200", w.Code, w.Body.String())
	}
	runID := runIDFrom(t, w)

	resp := pollRun(t, r, runID, http.StatusOK)
	st := resp["data"].(map[string]any)
	if st["stage"] != "collect" {
		t.Fatalf("stage=%v, want collect", st["stage"])
	}
	staged, _ := st["result_path"].(string)
	if !strings.HasSuffix(staged, ".jsonl") {
		t.Fatalf("result_path=%q, want staged jsonl", staged)
	}
	if _, err := os.Stat(staged); err != nil {
		t.Fatalf("staged file missing: %v", err)
	}
}

func TestStartWorkflow_BadRequest(t *testing.T) {
	r, _, _ := newTestAPI(t)

	if w := postJSON(r, "/api/v1/processing/workflow", "not json"); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid json: code=%d, want 400", w.Code)
	}
	if w := postJSON(r, "/api/v1/processing/workflow", "{}"); w.Code != http.StatusBadRequest {
		t.Fatalf("missing root_dir: code=%d, want 400", w.Code)
	}
}

func TestStartWorkflow_FailureSurfaces(t *testing.T) {
	r, _, base := newTestAPI(t)

	// A plain file is not a loadable batch tree, so the run must fail.
	notADir := filepath.Join(base, "not-a-dir")
	if err := os.WriteFile(notADir, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	w := postJSON(r, "/api/v1/processing/workflow", `{"root_dir":`+quotePath(notADir)+`}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s, want 200", w.Code, w.Body.String())
	}
	runID := runIDFrom(t, w)

	resp := pollRun(t, r, runID, http.StatusInternalServerError)
	errMsg, _ := resp["error"].(string)
	if errMsg == "" {
		t.Fatalf("error detail missing: %v", resp)
	}
	st := resp["data"].(map[string]any)
	if st["state"] != "FAILURE" {
		t.Fatalf("state=%v, want FAILURE", st["state"])
	}
}

func TestGetRun_UnknownID(t *testing.T) {
	r, _, _ := newTestAPI(t)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/processing/runs/nope", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("code=%d, want 404", w.Code)
	}
}

func TestNewHandler_Validates(t *testing.T) {
	states, err := runner.NewStateStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}

	if _, err := NewHandler(runner.Options{WorkDir: "w", OutDir: "o"}, nil, 1); err == nil {
		t.Fatal("nil state store accepted")
	}
	if _, err := NewHandler(runner.Options{OutDir: "o"}, states, 1); err == nil {
		t.Fatal("missing work dir accepted")
	}
	if _, err := NewHandler(runner.Options{WorkDir: "w"}, states, 1); err == nil {
		t.Fatal("missing out dir accepted")
	}

	h, err := NewHandler(runner.Options{WorkDir: "w", OutDir: "o"}, states, 0)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	if cap(h.sem) != 2 {
		t.Fatalf("pool cap=%d, want default 2", cap(h.sem))
	}
}

// quotePath JSON-quotes a path so Windows separators survive the request body.
func quotePath(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

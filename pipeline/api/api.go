// Package api exposes the batch workflow over HTTP: trigger endpoints that
// dispatch runs onto a bounded worker pool, and a status endpoint backed by
// the run-state store. Authentication and rate limiting are out of scope.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/manuspect/envscope/pipeline/runner"
	"github.com/manuspect/envscope/pipeline/sink"
)

// Handler serves the processing endpoints. Base carries everything but the
// source directory, which each request supplies.
type Handler struct {
	Base   runner.Options
	States *runner.StateStore
	Sinks  []sink.RowSink

	sem chan struct{}
}

// NewHandler validates the shared options and sizes the worker pool.
func NewHandler(base runner.Options, states *runner.StateStore, maxConcurrent int, sinks ...sink.RowSink) (*Handler, error) {
	if states == nil {
		return nil, errors.New("NewHandler: state store is nil")
	}
	if base.WorkDir == "" {
		return nil, errors.New("NewHandler: work dir is empty")
	}
	if base.OutDir == "" {
		return nil, errors.New("NewHandler: out dir is empty")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Handler{
		Base:   base,
		States: states,
		Sinks:  sinks,
		sem:    make(chan struct{}, maxConcurrent),
	}, nil
}

// Register mounts the routes on a gin engine.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Health)

	v1 := r.Group("/api/v1")
	{
		p := v1.Group("/processing")
		p.POST("/extract", h.StartExtract)
		p.POST("/workflow", h.StartWorkflow)
		p.GET("/runs/:id", h.GetRun)
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type processRequest struct {
	RootDir string `json:"root_dir" binding:"required"`
}

// StartExtract triggers the first stage only: parse the batch tree and stage
// raw events. The staged file path becomes the run's result.
func (h *Handler) StartExtract(c *gin.Context) {
	_, runID, ok := h.dispatch(c, func(ctx context.Context, wf *runner.Workflow, runID string) error {
		_, err := wf.Collect(ctx, runID)
		return err
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "JSON processing and event staging task triggered successfully",
		"data":    gin.H{"run_id": runID},
	})
}

// StartWorkflow triggers the full chain: stage raw events, extract window
// contexts and write the outputs.
func (h *Handler) StartWorkflow(c *gin.Context) {
	wf, runID, ok := h.dispatch(c, func(ctx context.Context, wf *runner.Workflow, runID string) error {
		_, err := wf.Run(ctx, runID)
		return err
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Environment data processing workflow has been initiated.",
		"data": gin.H{
			"run_id":               runID,
			"output_expected_path": filepath.Join(wf.OutDir(), wf.OutputName()),
		},
	})
}

// dispatch binds the request, builds a workflow for its source dir,
// registers the run and hands it to a pool slot. A full pool rejects the
// request instead of queueing it.
func (h *Handler) dispatch(c *gin.Context, run func(ctx context.Context, wf *runner.Workflow, runID string) error) (*runner.Workflow, string, bool) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, "", false
	}

	opts := h.Base
	opts.SourceDir = req.RootDir
	wf, err := runner.NewWorkflow(opts, h.States, h.Sinks...)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, "", false
	}

	runID := uuid.NewString()
	if _, err := h.States.Ensure(runID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, "", false
	}

	select {
	case h.sem <- struct{}{}:
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "worker pool is full, retry later"})
		return nil, "", false
	}

	go func() {
		defer func() { <-h.sem }()
		// Failures land in the state store; the goroutine has nobody
		// else to report to.
		_ = run(context.Background(), wf, runID)
	}()
	return wf, runID, true
}

// GetRun reports a run's status: 202 while pending or running, 500 with the
// error once failed, 200 with the terminal record once succeeded.
func (h *Handler) GetRun(c *gin.Context) {
	runID := c.Param("id")
	st, err := h.States.Get(runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("run %s not found", runID)})
		return
	}

	switch st.State {
	case runner.StateSuccess:
		c.JSON(http.StatusOK, gin.H{
			"message": "Run result retrieved successfully",
			"data":    st,
		})
	case runner.StateFailure:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": st.Error,
			"data":  st,
		})
	default:
		c.JSON(http.StatusAccepted, gin.H{
			"message": fmt.Sprintf("Run %s is still running or pending (state: %s).", runID, st.State),
			"data":    st,
		})
	}
}

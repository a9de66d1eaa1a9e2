package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/bookingd/pkg/orchestrator"
	"github.com/odvcencio/bookingd/pkg/snapshot"
)

// maxTaskBody bounds the request body for task submission.
const maxTaskBody = 1 << 20

type submitTaskRequest struct {
	orchestrator.TaskRequest
	// Async returns 202 with the pending record instead of blocking for the
	// final result.
	Async bool `json:"async,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTaskBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Workflow == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("workflow required"))
		return
	}

	if req.Async {
		res := s.orch.SubmitAsync(req.TaskRequest)
		if res.Status == orchestrator.StatusFailed {
			respondJSON(w, statusForResult(res), res)
			return
		}
		respondJSON(w, http.StatusAccepted, res)
		return
	}

	res := s.orch.Submit(r.Context(), req.TaskRequest)
	respondJSON(w, statusForResult(res), res)
}

// statusForResult maps a task outcome to an HTTP status for sync callers.
func statusForResult(res *orchestrator.TaskResult) int {
	switch res.ErrorKind {
	case orchestrator.ErrKindNone:
		return http.StatusOK
	case orchestrator.ErrKindWorkflowNotFound:
		return http.StatusNotFound
	case orchestrator.ErrKindPoolExhausted, orchestrator.ErrKindBrowserUnavailable:
		return http.StatusServiceUnavailable
	case orchestrator.ErrKindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tasks": s.orch.Recent(limit),
	})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"workflows": s.registry.List(),
	})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	script, ok := s.registry.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("workflow %q not registered", id))
		return
	}
	respondJSON(w, http.StatusOK, script)
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.sessions.Stats())
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		respondError(w, http.StatusNotFound, fmt.Errorf("snapshots disabled"))
		return
	}
	id := chi.URLParam(r, "snapshotID")
	capture, err := s.snapshots.Load(id)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "html":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(capture.HTML))
	case "png":
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(capture.Screenshot)
	default:
		respondJSON(w, http.StatusOK, map[string]any{
			"id":             id,
			"capture":        capture,
			"has_html":       capture.HTML != "",
			"has_screenshot": len(capture.Screenshot) > 0,
		})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.sessions.Stats()
	status := http.StatusOK
	state := "ok"
	if stats.Unavailable {
		// Degraded but alive: the engine runs, the browser runtime does not.
		status = http.StatusServiceUnavailable
		state = "browser_unavailable"
	}
	respondJSON(w, status, map[string]any{
		"status":  state,
		"version": s.cfg.Version,
		"pool":    stats,
	})
}

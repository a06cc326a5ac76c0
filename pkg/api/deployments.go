package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/orchestrator"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// handleCreateDeployment plans and starts a deployment in one call.
// The workflow comes back 202 with its planned phases; execution runs
// asynchronously (or queues when the engine is at capacity).
func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, r, errdefs.InvalidConfigurationf("validating request: %v", err))
		return
	}
	user := userFrom(r.Context())
	wf, err := s.deps.Orchestrator.CreateWorkflow(r.Context(), &req, user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Orchestrator.StartWorkflow(r.Context(), wf.ID, user.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	wf, err = s.deps.Orchestrator.GetWorkflow(r.Context(), wf.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, wf)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.WorkflowFilter{
		Status:      types.WorkflowStatus(q.Get("status")),
		Strategy:    types.DeployStrategy(q.Get("strategy")),
		ServiceName: q.Get("service"),
		Limit:       intQuery(q.Get("limit")),
		Offset:      intQuery(q.Get("offset")),
	}
	workflows, err := s.deps.Orchestrator.GetWorkflows(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Orchestrator.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeploymentEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Orchestrator.GetWorkflowEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handlePauseDeployment(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if err := s.deps.Orchestrator.PauseWorkflow(r.Context(), chi.URLParam(r, "id"), user.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeDeployment(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if err := s.deps.Orchestrator.ResumeWorkflow(r.Context(), chi.URLParam(r, "id"), user.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelDeployment(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := s.decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	user := userFrom(r.Context())
	if err := s.deps.Orchestrator.CancelWorkflow(r.Context(), chi.URLParam(r, "id"), req.Reason, user.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rollbackRequest struct {
	TargetVersion string `json:"target_version"`
	Reason        string `json:"reason"`
}

func (s *Server) handleRollbackDeployment(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if r.ContentLength > 0 {
		if err := s.decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	user := userFrom(r.Context())
	id := chi.URLParam(r, "id")
	if err := s.deps.Orchestrator.RollbackWorkflow(r.Context(), id, req.TargetVersion, req.Reason, user.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	wf, err := s.deps.Orchestrator.GetWorkflow(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, wf)
}

func (s *Server) handleDeploymentStatistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := time.Now().UTC()
	from := to.Add(-30 * 24 * time.Hour)
	if raw := q.Get("from"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			from = parsed
		}
	}
	if raw := q.Get("to"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			to = parsed
		}
	}
	stats, err := s.deps.Orchestrator.GetStatistics(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Orchestrator.Strategies())
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOrchestratorHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.deps.Orchestrator.GetHealth(r.Context(), r.URL.Query().Get("refresh") == "true")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func intQuery(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

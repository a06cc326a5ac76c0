package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/identity"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.AlertFilter{
		Status:   types.AlertStatus(q.Get("status")),
		Severity: types.AlertSeverity(q.Get("severity")),
		Category: q.Get("category"),
		RuleID:   q.Get("rule_id"),
		Limit:    intQuery(q.Get("limit")),
	}
	alerts, err := s.deps.Alerts.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.deps.Alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Alerts.Statistics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// alertActionRequest is shared by acknowledge, resolve, and escalate.
// By defaults to the authenticated principal.
type alertActionRequest struct {
	By      string `json:"by"`
	Comment string `json:"comment"`
}

func (s *Server) alertAction(r *http.Request) (string, alertActionRequest, error) {
	var req alertActionRequest
	if r.ContentLength > 0 {
		if err := s.decodeJSON(r, &req); err != nil {
			return "", req, err
		}
	}
	if req.By == "" {
		req.By = userFrom(r.Context()).ID
	}
	if err := s.authorize(r, identity.PermServiceManage); err != nil {
		return "", req, err
	}
	return chi.URLParam(r, "id"), req, nil
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, req, err := s.alertAction(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	alert, err := s.deps.Alerts.Acknowledge(r.Context(), id, req.By, req.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, req, err := s.alertAction(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	alert, err := s.deps.Alerts.Resolve(r.Context(), id, req.By, req.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleEscalateAlert(w http.ResponseWriter, r *http.Request) {
	id, req, err := s.alertAction(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	alert, err := s.deps.Alerts.Escalate(r.Context(), id, req.By, req.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

type suppressRequest struct {
	Duration string `json:"duration"` // Go duration string, e.g. "2h"
	Reason   string `json:"reason"`
	By       string `json:"by"`
}

func (s *Server) handleSuppressAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, identity.PermServiceManage); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req suppressRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	duration, err := time.ParseDuration(req.Duration)
	if err != nil {
		s.writeError(w, r, errdefs.InvalidConfigurationf("parsing duration %q: %v", req.Duration, err))
		return
	}
	if req.By == "" {
		req.By = userFrom(r.Context()).ID
	}
	alert, err := s.deps.Alerts.Suppress(r.Context(), chi.URLParam(r, "id"), duration, req.Reason, req.By)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleUnsuppressAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, identity.PermServiceManage); err != nil {
		s.writeError(w, r, err)
		return
	}
	alert, err := s.deps.Alerts.Unsuppress(r.Context(), chi.URLParam(r, "id"), userFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

type commentRequest struct {
	Author  string `json:"author"`
	Comment string `json:"comment"`
}

func (s *Server) handleCommentAlert(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Comment == "" {
		s.writeError(w, r, errdefs.InvalidConfigurationf("comment is required"))
		return
	}
	if req.Author == "" {
		req.Author = userFrom(r.Context()).ID
	}
	alert, err := s.deps.Alerts.AddComment(r.Context(), chi.URLParam(r, "id"), req.Author, req.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.deps.Identity.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

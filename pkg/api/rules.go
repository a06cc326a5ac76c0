package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/powerdaemon/powerdaemon/pkg/identity"
	"github.com/powerdaemon/powerdaemon/pkg/notify"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	includeDisabled := r.URL.Query().Get("include_disabled") == "true"
	s.writeJSON(w, http.StatusOK, s.deps.Rules.List(includeDisabled))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Rules.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, identity.PermSystemManage); err != nil {
		s.writeError(w, r, err)
		return
	}
	var rule types.AlertRule
	if err := s.decodeJSON(r, &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule.BuiltIn = false
	if err := s.deps.Rules.Create(r.Context(), &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, identity.PermSystemManage); err != nil {
		s.writeError(w, r, err)
		return
	}
	var rule types.AlertRule
	if err := s.decodeJSON(r, &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if err := s.deps.Rules.Update(r.Context(), &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

// handleDeleteRule removes the rule and resolves any alerts it left
// open.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, identity.PermSystemManage); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Rules.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	open, err := s.deps.Alerts.List(r.Context(), types.AlertFilter{RuleID: id})
	if err == nil {
		for _, alert := range open {
			if alert.Status == types.AlertStatusResolved {
				continue
			}
			if _, err := s.deps.Alerts.Resolve(r.Context(), alert.ID, "System", "Rule deleted"); err != nil {
				s.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("resolving orphaned alert failed")
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if err := s.authorize(r, identity.PermSystemManage); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Rules.SetEnabled(r.Context(), id, enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule, err := s.deps.Rules.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleEnabled(w, r, true)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleEnabled(w, r, false)
}

func (s *Server) handleDuplicateRule(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, identity.PermSystemManage); err != nil {
		s.writeError(w, r, err)
		return
	}
	copied, err := s.deps.Rules.Duplicate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, copied)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.deps.Store.ListChannels()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, identity.PermSystemManage); err != nil {
		s.writeError(w, r, err)
		return
	}
	var ch types.NotificationChannel
	if err := s.decodeJSON(r, &ch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := notify.ValidateChannel(&ch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now
	if err := s.deps.Store.CreateChannel(&ch); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, identity.PermSystemManage); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.deps.Store.GetChannel(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Store.DeleteChannel(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
)

// errorEnvelope is the JSON body of every non-2xx response.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// classify maps an error onto its taxonomy name and HTTP status.
func classify(err error) (string, int) {
	switch {
	case errdefs.IsNotFound(err):
		return "not_found", http.StatusNotFound
	case errdefs.IsInvalidState(err):
		return "invalid_state", http.StatusConflict
	case errdefs.IsInvalidConfiguration(err):
		return "invalid_configuration", http.StatusBadRequest
	case errdefs.IsPermissionDenied(err):
		return "permission_denied", http.StatusForbidden
	case errdefs.IsLeaseUnavailable(err):
		return "lease_unavailable", http.StatusConflict
	case errdefs.IsTimeout(err):
		return "timeout", http.StatusGatewayTimeout
	case errdefs.IsDependencyUnavailable(err):
		return "dependency_unavailable", http.StatusBadGateway
	}
	return "internal", http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, status := classify(err)
	if status >= 500 {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	s.writeJSON(w, status, errorEnvelope{Error: errorBody{Kind: kind, Message: err.Error()}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}

// decodeJSON reads a request body into dst, rejecting malformed input as
// an invalid configuration.
func (s *Server) decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errdefs.InvalidConfigurationf("decoding request body: %v", err)
	}
	return nil
}

package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/identity"
	"github.com/powerdaemon/powerdaemon/pkg/metrics"
)

type contextKey int

const userKey contextKey = iota

// userFrom returns the authenticated principal of the request.
func userFrom(ctx context.Context) *identity.User {
	if u, ok := ctx.Value(userKey).(*identity.User); ok {
		return u
	}
	return &identity.User{ID: identity.AnonymousUserID, Roles: []string{identity.RoleAdmin}}
}

// authenticate resolves the request principal. With auth disabled every
// request runs as the anonymous admin; otherwise a bearer token is
// required on everything except the login endpoint.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.AuthRequired || strings.HasSuffix(r.URL.Path, "/auth/login") {
			next.ServeHTTP(w, r)
			return
		}
		raw := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, r, errdefs.PermissionDeniedf("missing bearer token"))
			return
		}
		user, err := s.deps.Identity.Verify(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// authorize gates a handler on one permission.
func (s *Server) authorize(r *http.Request, permission string) error {
	user := userFrom(r.Context())
	ok, err := s.deps.Identity.HasPermission(r.Context(), user.ID, permission)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.PermissionDeniedf("user %s lacks %s", user.ID, permission)
	}
	return nil
}

// requestLogger emits one structured line per request and feeds the API
// metrics.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// recoverer converts handler panics into 500 envelopes.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
				s.writeError(w, r, errdefs.Internalf("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

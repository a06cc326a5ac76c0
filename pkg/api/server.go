package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/powerdaemon/powerdaemon/pkg/alerting"
	"github.com/powerdaemon/powerdaemon/pkg/config"
	"github.com/powerdaemon/powerdaemon/pkg/identity"
	"github.com/powerdaemon/powerdaemon/pkg/log"
	"github.com/powerdaemon/powerdaemon/pkg/metrics"
	"github.com/powerdaemon/powerdaemon/pkg/orchestrator"
	"github.com/powerdaemon/powerdaemon/pkg/storage"
)

// Deps carries everything the REST surface exposes.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Alerts       *alerting.Lifecycle
	Rules        *alerting.RuleStore
	Store        storage.Store
	Identity     identity.Provider
	// AuthRequired enforces bearer tokens on every /api route. When false
	// every request runs as the anonymous admin principal.
	AuthRequired bool
	CORSOrigins  []string
}

// Server is the REST control surface of the daemon.
type Server struct {
	deps     Deps
	validate *validator.Validate
	logger   zerolog.Logger
	router   chi.Router
}

// NewServer builds the router with the full middleware chain.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:     deps,
		validate: validator.New(),
		logger:   log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleLiveness)
	r.Get("/health/orchestrator", s.handleOrchestratorHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/auth/login", s.handleLogin)

		r.Route("/deployments", func(r chi.Router) {
			r.Post("/", s.handleCreateDeployment)
			r.Get("/", s.handleListDeployments)
			r.Get("/statistics", s.handleDeploymentStatistics)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDeployment)
				r.Get("/events", s.handleDeploymentEvents)
				r.Post("/pause", s.handlePauseDeployment)
				r.Post("/resume", s.handleResumeDeployment)
				r.Post("/cancel", s.handleCancelDeployment)
				r.Post("/rollback", s.handleRollbackDeployment)
			})
		})
		r.Get("/strategies", s.handleStrategies)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Get("/statistics", s.handleAlertStatistics)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetAlert)
				r.Post("/acknowledge", s.handleAcknowledgeAlert)
				r.Post("/resolve", s.handleResolveAlert)
				r.Post("/escalate", s.handleEscalateAlert)
				r.Post("/suppress", s.handleSuppressAlert)
				r.Post("/unsuppress", s.handleUnsuppressAlert)
				r.Post("/comments", s.handleCommentAlert)
			})
		})

		r.Route("/alert-rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Put("/", s.handleUpdateRule)
				r.Delete("/", s.handleDeleteRule)
				r.Post("/enable", s.handleEnableRule)
				r.Post("/disable", s.handleDisableRule)
				r.Post("/duplicate", s.handleDuplicateRule)
			})
		})

		r.Route("/channels", func(r chi.Router) {
			r.Get("/", s.handleListChannels)
			r.Post("/", s.handleCreateChannel)
			r.Delete("/{id}", s.handleDeleteChannel)
		})
	})

	s.router = r
	return s
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info().Str("addr", cfg.ListenAddr).Msg("api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}

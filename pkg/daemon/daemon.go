package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/powerdaemon/powerdaemon/pkg/alerting"
	"github.com/powerdaemon/powerdaemon/pkg/api"
	"github.com/powerdaemon/powerdaemon/pkg/bus"
	"github.com/powerdaemon/powerdaemon/pkg/cache"
	"github.com/powerdaemon/powerdaemon/pkg/config"
	"github.com/powerdaemon/powerdaemon/pkg/executor"
	"github.com/powerdaemon/powerdaemon/pkg/health"
	"github.com/powerdaemon/powerdaemon/pkg/identity"
	"github.com/powerdaemon/powerdaemon/pkg/log"
	"github.com/powerdaemon/powerdaemon/pkg/metricsquery"
	"github.com/powerdaemon/powerdaemon/pkg/notify"
	"github.com/powerdaemon/powerdaemon/pkg/orchestrator"
	"github.com/powerdaemon/powerdaemon/pkg/storage"
	"github.com/powerdaemon/powerdaemon/pkg/strategy"
	"github.com/powerdaemon/powerdaemon/pkg/traffic"
	"github.com/powerdaemon/powerdaemon/pkg/worker"
	"github.com/powerdaemon/powerdaemon/pkg/workflow"
)

// cleanupInterval is how often retention sweeps run.
const cleanupInterval = time.Hour

// shutdownDrain bounds how long Close waits for running workflows.
const shutdownDrain = 30 * time.Second

// Daemon assembles the engine: substrates, orchestrator, alerting,
// notifications, and the REST server, plus the background workers that
// keep them ticking.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	cache cache.Cache
	bus   bus.Bus
	store storage.Store

	repo       *workflow.Repository
	orch       *orchestrator.Orchestrator
	rules      *alerting.RuleStore
	alerts     *alerting.Lifecycle
	evaluator  *alerting.Evaluator
	dispatcher *notify.Dispatcher
	server     *api.Server
}

// New builds a daemon from the configuration. Every substrate is
// connected and seeded before this returns; Run only starts workers.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSON,
	})
	logger := log.WithComponent("daemon")

	c, err := cache.NewRedis(cache.Config{
		Addr:      cfg.Cache.Addr,
		Password:  cfg.Cache.Password,
		DB:        cfg.Cache.DB,
		KeyPrefix: cfg.Cache.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting cache: %w", err)
	}

	var b bus.Bus
	if cfg.Bus.Embedded {
		b = bus.NewMemory()
		logger.Info().Msg("using embedded message bus")
	} else {
		b, err = bus.NewNATS(cfg.Bus.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting bus: %w", err)
		}
	}

	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	repo := workflow.NewRepository(store, c)
	prober := health.NewHTTPProber(cfg.Integrations.HealthProbeURLTemplate)
	lb := traffic.NewHTTPLoadBalancer(traffic.Config{
		Endpoint: cfg.Integrations.LoadBalancer.Endpoint,
		APIKey:   cfg.Integrations.LoadBalancer.APIKey,
	})

	var source metricsquery.Source
	if cfg.Alerting.PrometheusURL != "" {
		source = metricsquery.NewPrometheusSource(cfg.Alerting.PrometheusURL)
	} else {
		// No metrics backend configured; the evaluator sees no samples and
		// built-in rules stay quiet.
		source = metricsquery.NewStatic()
		logger.Warn().Msg("no prometheus_url configured, alert rules will not see metrics")
	}

	workers := worker.NewRegistry(worker.Builtins(prober, source)...)
	exec := executor.New(repo, b, prober, lb, workers, executor.Config{
		WorkflowTimeout: cfg.Orchestrator.WorkflowTimeout(),
		PhaseTimeout:    cfg.Orchestrator.PhaseTimeout(),
		StepTimeout:     cfg.Orchestrator.StepTimeout(),
		MaxRetries:      cfg.Orchestrator.MaxRetryAttempts,
		RetryDelay:      cfg.Orchestrator.RetryDelay(),
	})

	var idp identity.Provider
	if cfg.Identity.Enabled {
		idp = identity.NewStatic(cfg.Identity)
	} else {
		idp = identity.NewAnonymous()
	}

	orch := orchestrator.New(repo, c, b, exec, strategy.DefaultRegistry(), idp, cfg.Orchestrator)

	rules, err := alerting.NewRuleStore(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("loading alert rules: %w", err)
	}
	if err := rules.SeedBuiltins(ctx, cfg.Alerting); err != nil {
		return nil, fmt.Errorf("seeding builtin rules: %w", err)
	}

	if err := notify.SeedChannels(store, cfg.Notifications); err != nil {
		return nil, fmt.Errorf("seeding notification channels: %w", err)
	}

	// The lifecycle is the dispatcher's delivery log and the dispatcher is
	// the lifecycle's notifier, so the loop closes in two steps.
	alerts := alerting.NewLifecycle(c, b, nil, cfg.Alerting.AlertRetention())
	dispatcher := notify.NewDispatcher(store, c, alerts, cfg.Notifications,
		notify.SlackHandler{},
		notify.NewWebhookHandler(),
		notify.EmailHandler{},
		notify.ScriptHandler{},
	)
	alerts.SetNotifier(dispatcher)

	evaluator := alerting.NewEvaluator(rules, alerts, source, c, cfg.Alerting)

	server := api.NewServer(api.Deps{
		Orchestrator: orch,
		Alerts:       alerts,
		Rules:        rules,
		Store:        store,
		Identity:     idp,
		AuthRequired: cfg.Identity.Enabled,
		CORSOrigins:  cfg.Server.CORSOrigins,
	})

	return &Daemon{
		cfg:        cfg,
		logger:     logger,
		cache:      c,
		bus:        b,
		store:      store,
		repo:       repo,
		orch:       orch,
		rules:      rules,
		alerts:     alerts,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		server:     server,
	}, nil
}

// Run starts the REST server and the background workers and blocks until
// the context is cancelled or a worker fails terminally. Workers restart
// with exponential backoff; the server does not, since a dead listener
// means the daemon is useless anyway.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.logger.Info().Str("addr", d.cfg.Server.ListenAddr).Msg("starting api server")
		return d.server.Run(ctx, d.cfg.Server)
	})
	g.Go(func() error {
		return d.supervise(ctx, "evaluator", d.evaluator.Run)
	})
	g.Go(func() error {
		return d.supervise(ctx, "notify-retries", d.dispatcher.RunRetries)
	})
	g.Go(func() error {
		return d.supervise(ctx, "retention", d.runRetention)
	})
	g.Go(func() error {
		return d.supervise(ctx, "health-refresh", d.runHealthRefresh)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// supervise restarts a worker with exponential backoff until the context
// ends. A worker returning nil is treated as a crash too: every worker
// is expected to run for the daemon's lifetime.
func (d *Daemon) supervise(ctx context.Context, name string, run func(context.Context) error) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(time.Minute),
		backoff.WithMaxElapsedTime(0),
	), ctx)

	return backoff.RetryNotify(func() error {
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("worker %s exited", name)
	}, policy, func(err error, next time.Duration) {
		d.logger.Warn().Err(err).Str("worker", name).Dur("restart_in", next).Msg("worker crashed")
	})
}

// runRetention sweeps expired workflows and resolved alerts hourly.
func (d *Daemon) runRetention(ctx context.Context) error {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -d.cfg.Orchestrator.WorkflowCleanupDays)
			if n, err := d.repo.CleanupOlderThan(ctx, cutoff); err != nil {
				d.logger.Warn().Err(err).Msg("workflow cleanup failed")
			} else if n > 0 {
				d.logger.Info().Int("removed", n).Msg("workflow cleanup")
			}
			if n, err := d.alerts.CleanupExpired(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("alert cleanup failed")
			} else if n > 0 {
				d.logger.Info().Int("removed", n).Msg("alert cleanup")
			}
		}
	}
}

// runHealthRefresh recomputes the orchestrator health doc so the cached
// copy served by GET /health/orchestrator stays fresh.
func (d *Daemon) runHealthRefresh(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Orchestrator.HealthCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.orch.GetHealth(ctx, true); err != nil {
				d.logger.Warn().Err(err).Msg("health refresh failed")
			}
		}
	}
}

// Close drains running workflows and releases every substrate.
func (d *Daemon) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDrain+5*time.Second)
	defer cancel()

	var errs []error
	if err := d.orch.Shutdown(ctx, shutdownDrain); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
	}
	if err := d.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing bus: %w", err))
	}
	if err := d.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing cache: %w", err))
	}
	if err := d.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing storage: %w", err))
	}
	return errors.Join(errs...)
}

// Package orchestrator is the façade over the deployment engine: it
// owns workflow creation, the single-writer lease, the concurrency
// envelope (running set plus FIFO queue), and the query surface the API
// exposes. Execution itself is delegated to pkg/executor.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/powerdaemon/powerdaemon/pkg/bus"
	"github.com/powerdaemon/powerdaemon/pkg/cache"
	"github.com/powerdaemon/powerdaemon/pkg/config"
	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/executor"
	"github.com/powerdaemon/powerdaemon/pkg/identity"
	"github.com/powerdaemon/powerdaemon/pkg/log"
	"github.com/powerdaemon/powerdaemon/pkg/metrics"
	"github.com/powerdaemon/powerdaemon/pkg/strategy"
	"github.com/powerdaemon/powerdaemon/pkg/types"
	"github.com/powerdaemon/powerdaemon/pkg/workflow"
)

// Request describes one deployment to orchestrate.
type Request struct {
	Name           string                `json:"name" validate:"required"`
	Strategy       types.DeployStrategy  `json:"strategy" validate:"required"`
	ServiceName    string                `json:"service_name" validate:"required"`
	Version        string                `json:"version" validate:"required"`
	PackageURL     string                `json:"package_url" validate:"required"`
	TargetHosts    []string              `json:"target_hosts" validate:"required,min=1"`
	Configuration  map[string]any        `json:"configuration,omitempty"`
	RollbackPolicy *types.RollbackPolicy `json:"rollback_policy,omitempty"`
	Timeout        time.Duration         `json:"timeout,omitempty"`
}

// Orchestrator coordinates workflow lifecycles. One instance runs per
// daemon; the workflow lease keeps two daemons off the same workflow.
type Orchestrator struct {
	repo     *workflow.Repository
	cache    cache.Cache
	bus      bus.Bus
	exec     *executor.Executor
	planners *strategy.Registry
	identity identity.Provider
	cfg      config.OrchestratorConfig
	validate *validator.Validate
	logger   zerolog.Logger
	owner    string // lease owner token, unique per instance

	mu          sync.Mutex
	controllers map[string]context.CancelFunc
	queue       []string
	draining    bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an orchestrator. Call Shutdown to drain it.
func New(repo *workflow.Repository, c cache.Cache, b bus.Bus, exec *executor.Executor,
	planners *strategy.Registry, idp identity.Provider, cfg config.OrchestratorConfig) *Orchestrator {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		repo:        repo,
		cache:       c,
		bus:         b,
		exec:        exec,
		planners:    planners,
		identity:    idp,
		cfg:         cfg,
		validate:    validator.New(),
		logger:      log.WithComponent("orchestrator"),
		owner:       uuid.New().String(),
		controllers: make(map[string]context.CancelFunc),
		baseCtx:     baseCtx,
		cancel:      cancel,
	}
}

// authorize fails with PermissionDenied unless the identity provider
// grants the permission.
func (o *Orchestrator) authorize(ctx context.Context, userID, permission string) error {
	ok, err := o.identity.HasPermission(ctx, userID, permission)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.PermissionDeniedf("user %s lacks %s", userID, permission)
	}
	return nil
}

// CreateWorkflow validates the request against its strategy's planner,
// builds the phase plan, and persists the workflow in Created.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, req *Request, userID string) (*types.Workflow, error) {
	if err := o.authorize(ctx, userID, identity.PermDeploymentCreate); err != nil {
		return nil, err
	}
	if err := o.validate.Struct(req); err != nil {
		return nil, errdefs.InvalidConfigurationf("deployment request: %v", err)
	}
	planner, err := o.planners.Get(req.Strategy)
	if err != nil {
		return nil, err
	}
	if err := planner.ValidateConfiguration(req.Configuration); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	phases, err := planner.Plan(&strategy.Request{
		WorkflowID:    id,
		ServiceName:   req.ServiceName,
		Version:       req.Version,
		PackageURL:    req.PackageURL,
		TargetHosts:   req.TargetHosts,
		Configuration: req.Configuration,
		Defaults: strategy.Defaults{
			PhaseTimeout: o.cfg.PhaseTimeout(),
			StepTimeout:  o.cfg.StepTimeout(),
			MaxRetries:   o.cfg.MaxRetryAttempts,
		},
	})
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.cfg.WorkflowTimeout()
	}
	policy := req.RollbackPolicy
	if policy == nil && o.cfg.EnableAutoRollback {
		policy = &types.RollbackPolicy{
			Enabled:           true,
			AutomaticRollback: true,
			RollbackTimeout:   o.cfg.RollbackTimeout(),
		}
	}

	wf := &types.Workflow{
		ID:             id,
		Name:           req.Name,
		Strategy:       req.Strategy,
		TargetHosts:    req.TargetHosts,
		ServiceName:    req.ServiceName,
		Version:        req.Version,
		PackageURL:     req.PackageURL,
		Configuration:  req.Configuration,
		RollbackPolicy: policy,
		CreatedBy:      userID,
		Status:         types.WorkflowStatusCreated,
		Phases:         phases,
		Timeout:        timeout,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.repo.Create(ctx, wf); err != nil {
		return nil, err
	}
	o.event(wf.ID, types.EventCreated, "workflow created: "+wf.Name, userID)
	o.logger.Info().Str("workflow_id", wf.ID).Str("strategy", string(wf.Strategy)).
		Int("hosts", len(wf.TargetHosts)).Msg("workflow created")
	return wf, nil
}

// StartWorkflow begins executing a Created or Queued workflow, or queues
// it when the running set is at capacity. The workflow lease guards
// against a second daemon starting the same workflow.
func (o *Orchestrator) StartWorkflow(ctx context.Context, id, userID string) error {
	if err := o.authorize(ctx, userID, identity.PermDeploymentExecute); err != nil {
		return err
	}

	wf, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch wf.Status {
	case types.WorkflowStatusCreated, types.WorkflowStatusQueued:
	default:
		return errdefs.InvalidStatef("workflow %s is %s, not startable", id, wf.Status)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.draining {
		return errdefs.InvalidStatef("orchestrator is shutting down")
	}
	if len(o.controllers) >= o.cfg.MaxConcurrentWorkflows {
		return o.enqueueLocked(ctx, wf, userID)
	}
	return o.startLocked(ctx, id, userID)
}

// enqueueLocked parks the workflow in the FIFO queue. Callers hold o.mu.
func (o *Orchestrator) enqueueLocked(ctx context.Context, wf *types.Workflow, userID string) error {
	for _, queued := range o.queue {
		if queued == wf.ID {
			return nil
		}
	}
	if len(o.queue) >= o.cfg.MaxQueuedWorkflows {
		return errdefs.LeaseUnavailablef("workflow queue full (%d)", o.cfg.MaxQueuedWorkflows)
	}
	if wf.Status != types.WorkflowStatusQueued {
		if _, err := o.repo.Mutate(ctx, wf.ID, func(w *types.Workflow) error {
			if !w.Status.CanTransitionTo(types.WorkflowStatusQueued) {
				return errdefs.InvalidStatef("workflow %s is %s, cannot queue", w.ID, w.Status)
			}
			w.Status = types.WorkflowStatusQueued
			return nil
		}); err != nil {
			return err
		}
	}
	o.queue = append(o.queue, wf.ID)
	metrics.WorkflowsQueued.Set(float64(len(o.queue)))
	o.logger.Info().Str("workflow_id", wf.ID).Int("depth", len(o.queue)).Msg("workflow queued")
	return nil
}

// startLocked acquires the workflow lease and launches the controller
// goroutine. Callers hold o.mu.
func (o *Orchestrator) startLocked(ctx context.Context, id, userID string) error {
	acquired, err := cache.AcquireLease(ctx, o.cache, cache.WorkflowLockKey(id), o.owner, cache.WorkflowLockTTL)
	if err != nil {
		return errdefs.DependencyUnavailablef("acquiring workflow lease: %v", err)
	}
	if !acquired {
		return errdefs.LeaseUnavailablef("workflow %s is already being executed", id)
	}

	wf, err := o.repo.Mutate(ctx, id, func(w *types.Workflow) error {
		if !w.Status.CanTransitionTo(types.WorkflowStatusRunning) {
			return errdefs.InvalidStatef("workflow %s is %s, not startable", w.ID, w.Status)
		}
		now := time.Now().UTC()
		w.Status = types.WorkflowStatusRunning
		w.StartedAt = &now
		return nil
	})
	if err != nil {
		o.releaseLease(id)
		return err
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	o.controllers[id] = cancel
	metrics.WorkflowsActive.Set(float64(len(o.controllers)))
	metrics.WorkflowsStarted.Inc()
	o.event(id, types.EventStarted, "workflow started", userID)

	o.wg.Add(1)
	go o.run(runCtx, wf)
	return nil
}

// run is the controller goroutine: it keeps the lease fresh, drives the
// executor, and frees the slot afterwards.
func (o *Orchestrator) run(ctx context.Context, wf *types.Workflow) {
	defer o.wg.Done()

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	go o.refreshLease(refreshCtx, wf.ID)

	err := o.exec.Execute(ctx, wf)
	stopRefresh()
	if err != nil {
		o.logger.Warn().Err(err).Str("workflow_id", wf.ID).Msg("workflow finished with error")
	}

	o.mu.Lock()
	delete(o.controllers, wf.ID)
	metrics.WorkflowsActive.Set(float64(len(o.controllers)))
	o.releaseLease(wf.ID)
	o.drainLocked()
	o.mu.Unlock()
}

// refreshLease extends the workflow lease at half its TTL until the
// controller stops. A lost lease is logged; the executor keeps going
// because stopping mid-phase is worse than double execution risk on a
// lease the cache already dropped.
func (o *Orchestrator) refreshLease(ctx context.Context, id string) {
	ticker := time.NewTicker(cache.WorkflowLockTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := cache.RefreshLease(ctx, o.cache, cache.WorkflowLockKey(id), o.owner, cache.WorkflowLockTTL)
			if err != nil || !ok {
				o.logger.Warn().Err(err).Bool("held", ok).Str("workflow_id", id).Msg("workflow lease refresh failed")
			}
		}
	}
}

func (o *Orchestrator) releaseLease(id string) {
	if err := cache.ReleaseLease(context.Background(), o.cache, cache.WorkflowLockKey(id), o.owner); err != nil {
		o.logger.Warn().Err(err).Str("workflow_id", id).Msg("workflow lease release failed")
	}
}

// drainLocked fills free slots from the queue head. Callers hold o.mu.
func (o *Orchestrator) drainLocked() {
	for len(o.queue) > 0 && len(o.controllers) < o.cfg.MaxConcurrentWorkflows && !o.draining {
		id := o.queue[0]
		o.queue = o.queue[1:]
		metrics.WorkflowsQueued.Set(float64(len(o.queue)))
		if err := o.startLocked(context.Background(), id, ""); err != nil {
			o.logger.Warn().Err(err).Str("workflow_id", id).Msg("dequeued workflow failed to start")
		}
	}
}

// CancelWorkflow stops a workflow. A locally running workflow has its
// controller tripped and settles through the executor; a created or
// queued workflow is cancelled directly.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, id, reason, userID string) error {
	if err := o.authorize(ctx, userID, identity.PermDeploymentExecute); err != nil {
		return err
	}

	o.mu.Lock()
	cancel, running := o.controllers[id]
	if !running {
		o.removeQueuedLocked(id)
	}
	o.mu.Unlock()

	if running {
		cancel()
		o.event(id, types.EventCancelled, "cancellation requested: "+reason, userID)
		return nil
	}

	_, err := o.repo.Mutate(ctx, id, func(w *types.Workflow) error {
		if w.Status.Terminal() {
			return errdefs.InvalidStatef("workflow %s is already %s", w.ID, w.Status)
		}
		if !w.Status.CanTransitionTo(types.WorkflowStatusCancelled) {
			return errdefs.InvalidStatef("workflow %s is %s, cannot cancel", w.ID, w.Status)
		}
		now := time.Now().UTC()
		w.Status = types.WorkflowStatusCancelled
		w.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	o.event(id, types.EventCancelled, "workflow cancelled: "+reason, userID)
	return nil
}

func (o *Orchestrator) removeQueuedLocked(id string) {
	for i, queued := range o.queue {
		if queued == id {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			metrics.WorkflowsQueued.Set(float64(len(o.queue)))
			return
		}
	}
}

// PauseWorkflow raises the pause marker the executor polls between
// phases and steps. The persisted status stays running; pause is a side
// marker, not a transition.
func (o *Orchestrator) PauseWorkflow(ctx context.Context, id, userID string) error {
	if err := o.authorize(ctx, userID, identity.PermDeploymentExecute); err != nil {
		return err
	}
	wf, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != types.WorkflowStatusRunning {
		return errdefs.InvalidStatef("workflow %s is %s, only running workflows pause", id, wf.Status)
	}
	if err := o.repo.SetPaused(ctx, id); err != nil {
		return errdefs.DependencyUnavailablef("setting pause marker: %v", err)
	}
	o.event(id, types.EventPaused, "workflow paused", userID)
	return nil
}

// ResumeWorkflow clears the pause marker.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, id, userID string) error {
	if err := o.authorize(ctx, userID, identity.PermDeploymentExecute); err != nil {
		return err
	}
	paused, err := o.repo.IsPaused(ctx, id)
	if err != nil {
		return errdefs.DependencyUnavailablef("reading pause marker: %v", err)
	}
	if !paused {
		return errdefs.InvalidStatef("workflow %s is not paused", id)
	}
	if err := o.repo.ClearPaused(ctx, id); err != nil {
		return errdefs.DependencyUnavailablef("clearing pause marker: %v", err)
	}
	o.event(id, types.EventResumed, "workflow resumed", userID)
	return nil
}

// RollbackWorkflow rolls a workflow back to the target version (empty
// means the policy's target, else "previous"). The workflow must not be
// running locally; cancel it first.
func (o *Orchestrator) RollbackWorkflow(ctx context.Context, id, targetVersion, reason, userID string) error {
	if err := o.authorize(ctx, userID, identity.PermDeploymentExecute); err != nil {
		return err
	}
	return o.rollback(ctx, id, targetVersion, reason)
}

// AutoRollback is the trigger-driven variant (alert hooks, timeout
// handlers). It additionally requires the policy to allow automatic
// rollback.
func (o *Orchestrator) AutoRollback(ctx context.Context, id, trigger, reason string) error {
	wf, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.RollbackPolicy == nil || !wf.RollbackPolicy.AutomaticRollback {
		return errdefs.InvalidStatef("workflow %s does not allow automatic rollback", id)
	}
	return o.rollback(ctx, id, "", trigger+": "+reason)
}

func (o *Orchestrator) rollback(ctx context.Context, id, targetVersion, reason string) error {
	o.mu.Lock()
	_, running := o.controllers[id]
	o.mu.Unlock()
	if running {
		return errdefs.InvalidStatef("workflow %s is executing locally, cancel it before rolling back", id)
	}

	wf, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.RollbackPolicy == nil || !wf.RollbackPolicy.Enabled {
		return errdefs.InvalidStatef("workflow %s has no rollback policy", id)
	}
	switch wf.Status {
	case types.WorkflowStatusRunning, types.WorkflowStatusFailed, types.WorkflowStatusCompleted, types.WorkflowStatusCancelled:
	default:
		return errdefs.InvalidStatef("workflow %s is %s, not rollbackable", id, wf.Status)
	}

	acquired, err := cache.AcquireLease(ctx, o.cache, cache.WorkflowLockKey(id), o.owner, cache.WorkflowLockTTL)
	if err != nil {
		return errdefs.DependencyUnavailablef("acquiring workflow lease: %v", err)
	}
	if !acquired {
		return errdefs.LeaseUnavailablef("workflow %s is locked by another executor", id)
	}
	defer o.releaseLease(id)

	return o.exec.Rollback(wf, wf.TargetHosts, targetVersion, reason)
}

// GetWorkflow returns one workflow.
func (o *Orchestrator) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	return o.repo.Get(ctx, id)
}

// GetWorkflows lists workflows matching the filter.
func (o *Orchestrator) GetWorkflows(ctx context.Context, filter types.WorkflowFilter) ([]*types.Workflow, error) {
	return o.repo.List(ctx, filter)
}

// GetActiveWorkflows lists workflows that are running or rolling back.
func (o *Orchestrator) GetActiveWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	all, err := o.repo.List(ctx, types.WorkflowFilter{})
	if err != nil {
		return nil, err
	}
	active := make([]*types.Workflow, 0)
	for _, wf := range all {
		switch wf.Status {
		case types.WorkflowStatusRunning, types.WorkflowStatusRollingBack:
			active = append(active, wf)
		}
	}
	return active, nil
}

// GetWorkflowEvents returns the workflow's audit trail.
func (o *Orchestrator) GetWorkflowEvents(ctx context.Context, id string) ([]*types.WorkflowEvent, error) {
	if _, err := o.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.repo.Events(ctx, id)
}

// GetStatistics aggregates workflows created in [from, to].
func (o *Orchestrator) GetStatistics(ctx context.Context, from, to time.Time) (*types.WorkflowStatistics, error) {
	return o.repo.Statistics(ctx, from, to)
}

// Strategies lists the registered deployment strategies.
func (o *Orchestrator) Strategies() []types.StrategyInfo {
	return o.planners.Strategies()
}

// GetHealth reports whether the orchestrator is inside its concurrency
// envelope. The result is cached for five minutes; pass refresh to force
// a recomputation.
func (o *Orchestrator) GetHealth(ctx context.Context, refresh bool) (*types.OrchestratorHealth, error) {
	if !refresh {
		var cached types.OrchestratorHealth
		ok, err := cache.GetJSON(ctx, o.cache, cache.KeyOrchestratorHealth, &cached)
		if err != nil {
			o.logger.Warn().Err(err).Msg("health cache read failed")
		}
		if ok {
			return &cached, nil
		}
	}

	o.mu.Lock()
	active := len(o.controllers)
	queued := len(o.queue)
	o.mu.Unlock()

	health := &types.OrchestratorHealth{
		Status:          "healthy",
		ActiveWorkflows: active,
		QueuedWorkflows: queued,
		MaxConcurrent:   o.cfg.MaxConcurrentWorkflows,
		MaxQueued:       o.cfg.MaxQueuedWorkflows,
		CheckedAt:       time.Now().UTC(),
	}
	if active > o.cfg.MaxConcurrentWorkflows {
		health.Status = "degraded"
		health.Issues = append(health.Issues, "active workflows exceed the concurrency limit")
	}
	if queued > o.cfg.MaxQueuedWorkflows {
		health.Status = "degraded"
		health.Issues = append(health.Issues, "queued workflows exceed the queue limit")
	}

	if err := cache.SetJSON(ctx, o.cache, cache.KeyOrchestratorHealth, health, cache.HealthTTL); err != nil {
		o.logger.Warn().Err(err).Msg("health cache write failed")
	}
	return health, nil
}

// Shutdown stops accepting work and waits for running controllers up to
// the drain timeout, then cancels whatever is left.
func (o *Orchestrator) Shutdown(ctx context.Context, drainTimeout time.Duration) error {
	o.mu.Lock()
	o.draining = true
	o.queue = nil
	metrics.WorkflowsQueued.Set(0)
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		o.logger.Warn().Msg("drain timeout reached, cancelling running workflows")
		o.cancel()
		<-done
	case <-ctx.Done():
		o.cancel()
		<-done
	}
	o.cancel()
	return nil
}

// event appends a workflow event and mirrors it on the bus, matching
// the executor's trail for transitions the orchestrator owns.
func (o *Orchestrator) event(workflowID string, kind types.EventKind, msg, userID string) {
	ev := &types.WorkflowEvent{
		WorkflowID: workflowID,
		Kind:       kind,
		Message:    msg,
		UserID:     userID,
	}
	ctx := context.Background()
	if err := o.repo.AppendEvent(ctx, ev); err != nil {
		o.logger.Error().Err(err).Str("workflow_id", workflowID).Str("kind", string(kind)).Msg("event append failed")
	}
	if err := o.bus.Publish(ctx, bus.WorkflowEventTopic(string(kind)), ev); err != nil {
		o.logger.Warn().Err(err).Str("workflow_id", workflowID).Str("kind", string(kind)).Msg("event publish failed")
	}
}

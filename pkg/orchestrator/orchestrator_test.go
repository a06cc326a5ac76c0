package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/powerdaemon/powerdaemon/pkg/bus"
	"github.com/powerdaemon/powerdaemon/pkg/cache"
	"github.com/powerdaemon/powerdaemon/pkg/config"
	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/executor"
	"github.com/powerdaemon/powerdaemon/pkg/health"
	"github.com/powerdaemon/powerdaemon/pkg/identity"
	"github.com/powerdaemon/powerdaemon/pkg/storage"
	"github.com/powerdaemon/powerdaemon/pkg/strategy"
	"github.com/powerdaemon/powerdaemon/pkg/types"
	"github.com/powerdaemon/powerdaemon/pkg/worker"
	"github.com/powerdaemon/powerdaemon/pkg/workflow"
)

type healthyProber struct{}

func (healthyProber) Check(ctx context.Context, host, service string) health.Result {
	return health.Result{Healthy: true, Message: "HTTP 200 OK"}
}

func (healthyProber) WaitHealthy(ctx context.Context, host, service string, timeout time.Duration) error {
	return nil
}

type nopLB struct{}

func (nopLB) AddServer(ctx context.Context, service, host string) error    { return nil }
func (nopLB) RemoveServer(ctx context.Context, service, host string) error { return nil }
func (nopLB) SwitchTraffic(ctx context.Context, service string, from, to []string) error {
	return nil
}
func (nopLB) SplitTraffic(ctx context.Context, service string, pct float64, strategy string, to []string) error {
	return nil
}
func (nopLB) Promote(ctx context.Context, service string) error { return nil }

type harness struct {
	orch  *Orchestrator
	repo  *workflow.Repository
	cache cache.Cache
	mr    *miniredis.Miniredis
}

func orchestratorConfig() config.OrchestratorConfig {
	cfg := config.Default().Orchestrator
	cfg.MaxConcurrentWorkflows = 2
	cfg.MaxQueuedWorkflows = 2
	cfg.MaxRetryAttempts = 0
	return cfg
}

func newHarness(t *testing.T, idp identity.Provider, cfg config.OrchestratorConfig) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	c, err := cache.NewRedis(cache.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	repo := workflow.NewRepository(store, c)
	b := bus.NewMemory()
	prober := healthyProber{}

	workers := worker.NewRegistry(worker.Builtins(prober, nil)...)
	exec := executor.New(repo, b, prober, nopLB{}, workers, executor.Config{
		WorkflowTimeout: time.Minute,
		PhaseTimeout:    30 * time.Second,
		StepTimeout:     10 * time.Second,
		RetryDelay:      time.Millisecond,
		PauseInterval:   10 * time.Millisecond,
	})
	orch := New(repo, c, b, exec, strategy.DefaultRegistry(), idp, cfg)
	t.Cleanup(func() {
		_ = orch.Shutdown(context.Background(), time.Second)
	})
	return &harness{orch: orch, repo: repo, cache: c, mr: mr}
}

func rollingRequest(name string, hosts ...string) *Request {
	return &Request{
		Name:        name,
		Strategy:    types.DeployStrategyRolling,
		ServiceName: "billing",
		Version:     "2.1.0",
		PackageURL:  "artifact://repo/billing-2.1.0",
		TargetHosts: hosts,
		Configuration: map[string]any{
			strategy.SectionRolling: map[string]any{},
			strategy.SectionWave: map[string]any{
				"Strategy":     "FixedSize",
				"WaveSize":     2,
				"WaveInterval": "20ms",
			},
			strategy.SectionHealthCheck: map[string]any{"Timeout": "1s"},
		},
	}
}

func awaitStatus(t *testing.T, h *harness, id string, want types.WorkflowStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		wf, err := h.repo.Get(context.Background(), id)
		return err == nil && wf.Status == want
	}, 5*time.Second, 10*time.Millisecond, "workflow %s never reached %s", id, want)
}

func TestCreateWorkflowPlansPhases(t *testing.T) {
	h := newHarness(t, identity.NewAnonymous(), orchestratorConfig())
	ctx := context.Background()

	wf, err := h.orch.CreateWorkflow(ctx, rollingRequest("billing rollout", "h1", "h2", "h3"), "admin")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStatusCreated, wf.Status)
	assert.Equal(t, "admin", wf.CreatedBy)
	assert.NotEmpty(t, wf.Phases)

	events, err := h.orch.GetWorkflowEvents(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventCreated, events[0].Kind)
}

func TestCreateWorkflowRejectsBadRequests(t *testing.T) {
	h := newHarness(t, identity.NewAnonymous(), orchestratorConfig())
	ctx := context.Background()

	// Missing required fields.
	_, err := h.orch.CreateWorkflow(ctx, &Request{Name: "incomplete"}, "admin")
	assert.True(t, errdefs.IsInvalidConfiguration(err))

	// Unknown strategy.
	req := rollingRequest("bad strategy", "h1")
	req.Strategy = "big-bang"
	_, err = h.orch.CreateWorkflow(ctx, req, "admin")
	assert.True(t, errdefs.IsInvalidConfiguration(err))

	// Planner rejects the configuration.
	req = rollingRequest("bad config", "h1")
	req.Configuration[strategy.SectionWave] = map[string]any{"Strategy": "FixedSize", "WaveSize": 0}
	_, err = h.orch.CreateWorkflow(ctx, req, "admin")
	assert.True(t, errdefs.IsInvalidConfiguration(err))
}

func TestStartWorkflowRunsToCompletion(t *testing.T) {
	h := newHarness(t, identity.NewAnonymous(), orchestratorConfig())
	ctx := context.Background()

	wf, err := h.orch.CreateWorkflow(ctx, rollingRequest("rollout", "h1", "h2"), "admin")
	require.NoError(t, err)
	require.NoError(t, h.orch.StartWorkflow(ctx, wf.ID, "admin"))

	awaitStatus(t, h, wf.ID, types.WorkflowStatusCompleted)

	got, err := h.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(100), got.ProgressPercent)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	// Lease is released after completion.
	assert.False(t, h.mr.Exists("workflow-lock:"+wf.ID))
}

func TestStartWorkflowRejectsWrongState(t *testing.T) {
	h := newHarness(t, identity.NewAnonymous(), orchestratorConfig())
	ctx := context.Background()

	wf, err := h.orch.CreateWorkflow(ctx, rollingRequest("rollout", "h1"), "admin")
	require.NoError(t, err)
	require.NoError(t, h.orch.StartWorkflow(ctx, wf.ID, "admin"))
	awaitStatus(t, h, wf.ID, types.WorkflowStatusCompleted)

	err = h.orch.StartWorkflow(ctx, wf.ID, "admin")
	assert.True(t, errdefs.IsInvalidState(err))
}

func TestStartWorkflowLeaseConflict(t *testing.T) {
	h := newHarness(t, identity.NewAnonymous(), orchestratorConfig())
	ctx := context.Background()

	wf, err := h.orch.CreateWorkflow(ctx, rollingRequest("rollout", "h1"), "admin")
	require.NoError(t, err)

	// Another daemon holds the lease.
	held, err := cache.AcquireLease(ctx, h.cache, cache.WorkflowLockKey(wf.ID), "other-daemon", cache.WorkflowLockTTL)
	require.NoError(t, err)
	require.True(t, held)

	err = h.orch.StartWorkflow(ctx, wf.ID, "admin")
	assert.True(t, errdefs.IsLeaseUnavailable(err))
}

func TestQueueingAndDrain(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.MaxConcurrentWorkflows = 1
	h := newHarness(t, identity.NewAnonymous(), cfg)
	ctx := context.Background()

	first, err := h.orch.CreateWorkflow(ctx, rollingRequest("first", "h1"), "admin")
	require.NoError(t, err)
	second, err := h.orch.CreateWorkflow(ctx, rollingRequest("second", "h2"), "admin")
	require.NoError(t, err)

	// Hold the first workflow at its initial pause check so the slot
	// stays occupied.
	require.NoError(t, h.repo.SetPaused(ctx, first.ID))
	require.NoError(t, h.orch.StartWorkflow(ctx, first.ID, "admin"))
	require.NoError(t, h.orch.StartWorkflow(ctx, second.ID, "admin"))

	awaitStatus(t, h, second.ID, types.WorkflowStatusQueued)

	// Freeing the slot drains the queue.
	require.NoError(t, h.repo.ClearPaused(ctx, first.ID))
	awaitStatus(t, h, first.ID, types.WorkflowStatusCompleted)
	awaitStatus(t, h, second.ID, types.WorkflowStatusCompleted)
}

func TestQueueFullRejects(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.MaxConcurrentWorkflows = 1
	cfg.MaxQueuedWorkflows = 0
	h := newHarness(t, identity.NewAnonymous(), cfg)
	ctx := context.Background()

	first, err := h.orch.CreateWorkflow(ctx, rollingRequest("first", "h1"), "admin")
	require.NoError(t, err)
	second, err := h.orch.CreateWorkflow(ctx, rollingRequest("second", "h2"), "admin")
	require.NoError(t, err)

	require.NoError(t, h.repo.SetPaused(ctx, first.ID))
	require.NoError(t, h.orch.StartWorkflow(ctx, first.ID, "admin"))

	err = h.orch.StartWorkflow(ctx, second.ID, "admin")
	assert.True(t, errdefs.IsLeaseUnavailable(err))

	require.NoError(t, h.repo.ClearPaused(ctx, first.ID))
	awaitStatus(t, h, first.ID, types.WorkflowStatusCompleted)
}

func TestCancelQueuedWorkflow(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.MaxConcurrentWorkflows = 1
	h := newHarness(t, identity.NewAnonymous(), cfg)
	ctx := context.Background()

	first, err := h.orch.CreateWorkflow(ctx, rollingRequest("first", "h1"), "admin")
	require.NoError(t, err)
	second, err := h.orch.CreateWorkflow(ctx, rollingRequest("second", "h2"), "admin")
	require.NoError(t, err)

	require.NoError(t, h.repo.SetPaused(ctx, first.ID))
	require.NoError(t, h.orch.StartWorkflow(ctx, first.ID, "admin"))
	require.NoError(t, h.orch.StartWorkflow(ctx, second.ID, "admin"))
	awaitStatus(t, h, second.ID, types.WorkflowStatusQueued)

	require.NoError(t, h.orch.CancelWorkflow(ctx, second.ID, "operator change of mind", "admin"))
	awaitStatus(t, h, second.ID, types.WorkflowStatusCancelled)

	require.NoError(t, h.repo.ClearPaused(ctx, first.ID))
	awaitStatus(t, h, first.ID, types.WorkflowStatusCompleted)
}

func TestCancelRunningWorkflow(t *testing.T) {
	h := newHarness(t, identity.NewAnonymous(), orchestratorConfig())
	ctx := context.Background()

	wf, err := h.orch.CreateWorkflow(ctx, rollingRequest("rollout", "h1"), "admin")
	require.NoError(t, err)

	require.NoError(t, h.repo.SetPaused(ctx, wf.ID))
	require.NoError(t, h.orch.StartWorkflow(ctx, wf.ID, "admin"))
	awaitStatus(t, h, wf.ID, types.WorkflowStatusRunning)

	require.NoError(t, h.orch.CancelWorkflow(ctx, wf.ID, "aborting", "admin"))
	awaitStatus(t, h, wf.ID, types.WorkflowStatusCancelled)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, identity.NewAnonymous(), orchestratorConfig())
	ctx := context.Background()

	wf, err := h.orch.CreateWorkflow(ctx, rollingRequest("rollout", "h1"), "admin")
	require.NoError(t, err)

	// Pausing a workflow that is not running is an error.
	err = h.orch.PauseWorkflow(ctx, wf.ID, "admin")
	assert.True(t, errdefs.IsInvalidState(err))

	require.NoError(t, h.repo.SetPaused(ctx, wf.ID))
	require.NoError(t, h.orch.StartWorkflow(ctx, wf.ID, "admin"))
	awaitStatus(t, h, wf.ID, types.WorkflowStatusRunning)

	// The marker is set; resume clears it and the run finishes.
	require.NoError(t, h.orch.ResumeWorkflow(ctx, wf.ID, "admin"))
	awaitStatus(t, h, wf.ID, types.WorkflowStatusCompleted)

	err = h.orch.ResumeWorkflow(ctx, wf.ID, "admin")
	assert.True(t, errdefs.IsInvalidState(err))
}

func TestRollbackFailedWorkflow(t *testing.T) {
	h := newHarness(t, identity.NewAnonymous(), orchestratorConfig())
	ctx := context.Background()

	now := time.Now().UTC()
	wf := &types.Workflow{
		ID:          "wf-failed",
		Name:        "failed rollout",
		Strategy:    types.DeployStrategyRolling,
		TargetHosts: []string{"h1", "h2"},
		ServiceName: "billing",
		Version:     "2.1.0",
		PackageURL:  "artifact://repo/billing-2.1.0",
		Status:      types.WorkflowStatusFailed,
		RollbackPolicy: &types.RollbackPolicy{
			Enabled:            true,
			RollbackTimeout:    5 * time.Second,
			HealthCheckTimeout: time.Second,
		},
		CreatedAt:   now,
		StartedAt:   &now,
		CompletedAt: &now,
	}
	require.NoError(t, h.repo.Create(ctx, wf))

	require.NoError(t, h.orch.RollbackWorkflow(ctx, wf.ID, "", "post-mortem revert", "admin"))

	got, err := h.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStatusRolledBack, got.Status)
}

func TestRollbackRequiresPolicy(t *testing.T) {
	h := newHarness(t, identity.NewAnonymous(), orchestratorConfig())
	ctx := context.Background()

	wf, err := h.orch.CreateWorkflow(ctx, rollingRequest("rollout", "h1"), "admin")
	require.NoError(t, err)

	err = h.orch.RollbackWorkflow(ctx, wf.ID, "", "no policy", "admin")
	assert.True(t, errdefs.IsInvalidState(err))
}

func TestPermissionChecks(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	idp := identity.NewStatic(config.IdentityConfig{
		JWTSecret:     "secret",
		TokenTTLHours: 1,
		Users: []config.UserConfig{
			{Username: "viewer", PasswordHash: string(hash), Roles: []string{identity.RoleViewer}},
		},
	})
	h := newHarness(t, idp, orchestratorConfig())
	ctx := context.Background()

	_, err = h.orch.CreateWorkflow(ctx, rollingRequest("rollout", "h1"), "viewer")
	assert.True(t, errdefs.IsPermissionDenied(err))

	err = h.orch.StartWorkflow(ctx, "whatever", "viewer")
	assert.True(t, errdefs.IsPermissionDenied(err))
}

func TestGetHealthCachesResult(t *testing.T) {
	h := newHarness(t, identity.NewAnonymous(), orchestratorConfig())
	ctx := context.Background()

	health, err := h.orch.GetHealth(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 0, health.ActiveWorkflows)
	assert.True(t, h.mr.Exists(cache.KeyOrchestratorHealth))

	// A cached read serves the stored document.
	again, err := h.orch.GetHealth(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, health.CheckedAt.Unix(), again.CheckedAt.Unix())
}

func TestGetActiveWorkflows(t *testing.T) {
	h := newHarness(t, identity.NewAnonymous(), orchestratorConfig())
	ctx := context.Background()

	wf, err := h.orch.CreateWorkflow(ctx, rollingRequest("rollout", "h1"), "admin")
	require.NoError(t, err)
	require.NoError(t, h.repo.SetPaused(ctx, wf.ID))
	require.NoError(t, h.orch.StartWorkflow(ctx, wf.ID, "admin"))
	awaitStatus(t, h, wf.ID, types.WorkflowStatusRunning)

	active, err := h.orch.GetActiveWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, wf.ID, active[0].ID)

	require.NoError(t, h.repo.ClearPaused(ctx, wf.ID))
	awaitStatus(t, h, wf.ID, types.WorkflowStatusCompleted)
}

func TestConcurrentStartsSingleWinner(t *testing.T) {
	h := newHarness(t, identity.NewAnonymous(), orchestratorConfig())
	ctx := context.Background()

	wf, err := h.orch.CreateWorkflow(ctx, rollingRequest("rollout", "h1"), "admin")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.orch.StartWorkflow(ctx, wf.ID, "admin")
		}(i)
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		if err == nil {
			started++
		}
	}
	assert.Equal(t, 1, started, "exactly one concurrent start may win")
	awaitStatus(t, h, wf.ID, types.WorkflowStatusCompleted)
}

package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerdaemon/powerdaemon/pkg/cache"
	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/storage"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

func newTestRepository(t *testing.T) (*Repository, *miniredis.Miniredis) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	c, err := cache.NewRedis(cache.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return NewRepository(store, c), mr
}

func sampleWorkflow(id string) *types.Workflow {
	return &types.Workflow{
		ID:          id,
		Name:        "rolling " + id,
		Strategy:    types.DeployStrategyRolling,
		TargetHosts: []string{"h1", "h2"},
		ServiceName: "api-gateway",
		Version:     "2.0.0",
		Status:      types.WorkflowStatusCreated,
		CreatedAt:   time.Now().UTC(),
		Phases: []*types.Phase{
			{
				ID:   "phase-1",
				Name: "Pre-Deployment",
				Steps: []*types.Step{
					{ID: "step-1-1", Name: "validate", Type: types.StepTypeValidation},
					{ID: "step-1-2", Name: "deploy", Type: types.StepTypeDeploy, TargetHost: "h1"},
				},
			},
		},
	}
}

// TestRepositoryCreateMirrorsCache tests that creates prime the cache mirror
func TestRepositoryCreateMirrorsCache(t *testing.T) {
	repo, mr := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, sampleWorkflow("wf-1")))
	assert.True(t, mr.Exists("workflow:wf-1"))

	got, err := repo.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "api-gateway", got.ServiceName)
}

// TestRepositoryGetFallsBackToStore tests the cache-miss read path
func TestRepositoryGetFallsBackToStore(t *testing.T) {
	repo, mr := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, sampleWorkflow("wf-2")))

	// Evict the mirror; the store still has the record
	mr.Del("workflow:wf-2")

	got, err := repo.Get(ctx, "wf-2")
	require.NoError(t, err)
	assert.Equal(t, "wf-2", got.ID)

	// The read should have re-primed the mirror
	assert.True(t, mr.Exists("workflow:wf-2"))
}

// TestRepositoryMutateRetriesConflicts tests reload-and-retry on stale writes
func TestRepositoryMutateRetriesConflicts(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, sampleWorkflow("wf-3")))

	// Interleave a conflicting write from a stale copy inside the first
	// mutation attempt by mutating twice back to back.
	_, err := repo.Mutate(ctx, "wf-3", func(wf *types.Workflow) error {
		wf.Status = types.WorkflowStatusQueued
		return nil
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "wf-3")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStatusQueued, got.Status)
	assert.Equal(t, int64(2), got.Revision)

	// fn errors abort without writing
	_, err = repo.Mutate(ctx, "wf-3", func(wf *types.Workflow) error {
		return errdefs.InvalidStatef("cannot start from %s", wf.Status)
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidState(err))

	got, err = repo.Get(ctx, "wf-3")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)
}

// TestRepositoryPauseMarker tests the pause flag lifecycle
func TestRepositoryPauseMarker(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	paused, err := repo.IsPaused(ctx, "wf-4")
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, repo.SetPaused(ctx, "wf-4"))
	paused, err = repo.IsPaused(ctx, "wf-4")
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, repo.ClearPaused(ctx, "wf-4"))
	paused, err = repo.IsPaused(ctx, "wf-4")
	require.NoError(t, err)
	assert.False(t, paused)
}

// TestRepositoryEvents tests event append and retrieval through the repository
func TestRepositoryEvents(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	ev := &types.WorkflowEvent{WorkflowID: "wf-5", Kind: types.EventCreated}
	require.NoError(t, repo.AppendEvent(ctx, ev))
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	require.NoError(t, repo.AppendEvent(ctx, &types.WorkflowEvent{
		WorkflowID: "wf-5",
		Kind:       types.EventStarted,
	}))

	events, err := repo.Events(ctx, "wf-5")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.EventCreated, events[0].Kind)
	assert.Equal(t, types.EventStarted, events[1].Kind)
}

// TestRepositoryStatistics tests aggregation over a time range
func TestRepositoryStatistics(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	base := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	finish := func(wf *types.Workflow, status types.WorkflowStatus, took time.Duration) {
		started := wf.CreatedAt.Add(time.Minute)
		completed := started.Add(took)
		wf.Status = status
		wf.StartedAt = &started
		wf.CompletedAt = &completed
	}

	ok := sampleWorkflow("wf-ok")
	ok.CreatedAt = base
	finish(ok, types.WorkflowStatusCompleted, 10*time.Minute)

	bad := sampleWorkflow("wf-bad")
	bad.CreatedAt = base.Add(time.Hour)
	bad.Strategy = types.DeployStrategyCanary
	finish(bad, types.WorkflowStatusFailed, 20*time.Minute)

	outside := sampleWorkflow("wf-outside")
	outside.CreatedAt = base.Add(-48 * time.Hour)

	for _, wf := range []*types.Workflow{ok, bad, outside} {
		require.NoError(t, repo.Create(ctx, wf))
	}

	stats, err := repo.Statistics(ctx, base.Add(-time.Hour), base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[types.WorkflowStatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[types.WorkflowStatusFailed])
	assert.Equal(t, 1, stats.ByStrategy[types.DeployStrategyCanary])
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	assert.Equal(t, 15*time.Minute, stats.AverageDuration)
}

// TestRepositoryCleanup tests retention cleanup of terminal workflows
func TestRepositoryCleanup(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	old := sampleWorkflow("wf-old")
	old.Status = types.WorkflowStatusCompleted
	completed := time.Now().UTC().Add(-40 * 24 * time.Hour)
	old.CompletedAt = &completed

	fresh := sampleWorkflow("wf-fresh")
	fresh.Status = types.WorkflowStatusCompleted
	now := time.Now().UTC()
	fresh.CompletedAt = &now

	running := sampleWorkflow("wf-running")
	running.Status = types.WorkflowStatusRunning
	running.CreatedAt = time.Now().UTC().Add(-60 * 24 * time.Hour)

	for _, wf := range []*types.Workflow{old, fresh, running} {
		require.NoError(t, repo.Create(ctx, wf))
	}

	removed, err := repo.CleanupOlderThan(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.Get(ctx, "wf-old")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = repo.Get(ctx, "wf-fresh")
	assert.NoError(t, err)
	_, err = repo.Get(ctx, "wf-running")
	assert.NoError(t, err)
}

// TestProgress tests step-based progress computation
func TestProgress(t *testing.T) {
	tests := []struct {
		name     string
		statuses []types.StepStatus
		expected float64
	}{
		{"no steps", nil, 0},
		{"none done", []types.StepStatus{types.StepStatusPending, types.StepStatusPending}, 0},
		{"half done", []types.StepStatus{types.StepStatusCompleted, types.StepStatusPending}, 50},
		{"skipped counts as done", []types.StepStatus{types.StepStatusCompleted, types.StepStatusSkipped}, 100},
		{"failed does not count", []types.StepStatus{types.StepStatusCompleted, types.StepStatusFailed}, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := &types.Workflow{Phases: []*types.Phase{{}}}
			for i, st := range tt.statuses {
				wf.Phases[0].Steps = append(wf.Phases[0].Steps, &types.Step{
					ID:     string(rune('a' + i)),
					Status: st,
				})
			}
			assert.InDelta(t, tt.expected, Progress(wf), 1e-9)
		})
	}
}

// TestAdvanceIsMonotonic tests that progress never decreases
func TestAdvanceIsMonotonic(t *testing.T) {
	wf := &types.Workflow{
		ProgressPercent: 80,
		Phases: []*types.Phase{
			{Steps: []*types.Step{
				{ID: "s1", Status: types.StepStatusCompleted},
				{ID: "s2", Status: types.StepStatusPending},
			}},
		},
	}

	// Computed value (50) is below the recorded progress; keep 80.
	Advance(wf)
	assert.InDelta(t, 80.0, wf.ProgressPercent, 1e-9)

	wf.Phases[0].Steps[1].Status = types.StepStatusCompleted
	Advance(wf)
	assert.InDelta(t, 100.0, wf.ProgressPercent, 1e-9)
}

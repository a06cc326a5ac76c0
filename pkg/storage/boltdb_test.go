package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testWorkflow(id string) *types.Workflow {
	return &types.Workflow{
		ID:          id,
		Name:        "deploy " + id,
		Strategy:    types.DeployStrategyRolling,
		TargetHosts: []string{"host-1", "host-2"},
		ServiceName: "payments",
		Version:     "1.4.2",
		PackageURL:  "https://packages.internal/payments-1.4.2.tar.gz",
		CreatedBy:   "user-1",
		Status:      types.WorkflowStatusCreated,
		Timeout:     2 * time.Hour,
		CreatedAt:   time.Now().UTC(),
	}
}

// TestWorkflowCRUD tests the basic workflow persistence lifecycle
func TestWorkflowCRUD(t *testing.T) {
	store := newTestStore(t)

	wf := testWorkflow("wf-1")
	require.NoError(t, store.CreateWorkflow(wf))
	assert.Equal(t, int64(1), wf.Revision)

	// Duplicate creates are rejected
	err := store.CreateWorkflow(testWorkflow("wf-1"))
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidState(err))

	got, err := store.GetWorkflow("wf-1")
	require.NoError(t, err)
	assert.Equal(t, "payments", got.ServiceName)
	assert.Equal(t, types.DeployStrategyRolling, got.Strategy)
	assert.Equal(t, []string{"host-1", "host-2"}, got.TargetHosts)

	require.NoError(t, store.DeleteWorkflow("wf-1"))
	_, err = store.GetWorkflow("wf-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

// TestGetWorkflowNotFound tests lookup of a missing workflow
func TestGetWorkflowNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetWorkflow("missing")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

// TestUpdateWorkflowRevision tests optimistic concurrency on updates
func TestUpdateWorkflowRevision(t *testing.T) {
	store := newTestStore(t)

	wf := testWorkflow("wf-rev")
	require.NoError(t, store.CreateWorkflow(wf))

	// Two readers load the same revision
	first, err := store.GetWorkflow("wf-rev")
	require.NoError(t, err)
	second, err := store.GetWorkflow("wf-rev")
	require.NoError(t, err)

	first.Status = types.WorkflowStatusQueued
	require.NoError(t, store.UpdateWorkflow(first))
	assert.Equal(t, int64(2), first.Revision)

	// The stale copy must be rejected
	second.Status = types.WorkflowStatusCancelled
	err = store.UpdateWorkflow(second)
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidState(err))

	got, err := store.GetWorkflow("wf-rev")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStatusQueued, got.Status)
	assert.Equal(t, int64(2), got.Revision)
}

// TestUpdateWorkflowNotFound tests updates against a deleted workflow
func TestUpdateWorkflowNotFound(t *testing.T) {
	store := newTestStore(t)

	wf := testWorkflow("wf-gone")
	wf.Revision = 1
	err := store.UpdateWorkflow(wf)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

// TestListWorkflowsFilter tests filtering, ordering and pagination
func TestListWorkflowsFilter(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seed := []struct {
		id       string
		status   types.WorkflowStatus
		strategy types.DeployStrategy
		service  string
		offset   time.Duration
	}{
		{"wf-a", types.WorkflowStatusCompleted, types.DeployStrategyRolling, "payments", 0},
		{"wf-b", types.WorkflowStatusRunning, types.DeployStrategyCanary, "payments", time.Minute},
		{"wf-c", types.WorkflowStatusRunning, types.DeployStrategyRolling, "billing", 2 * time.Minute},
		{"wf-d", types.WorkflowStatusFailed, types.DeployStrategyBlueGreen, "billing", 3 * time.Minute},
	}
	for _, s := range seed {
		wf := testWorkflow(s.id)
		wf.Status = s.status
		wf.Strategy = s.strategy
		wf.ServiceName = s.service
		wf.CreatedAt = base.Add(s.offset)
		require.NoError(t, store.CreateWorkflow(wf))
	}

	tests := []struct {
		name     string
		filter   types.WorkflowFilter
		expected []string
	}{
		{
			name:     "no filter returns newest first",
			filter:   types.WorkflowFilter{},
			expected: []string{"wf-d", "wf-c", "wf-b", "wf-a"},
		},
		{
			name:     "by status",
			filter:   types.WorkflowFilter{Status: types.WorkflowStatusRunning},
			expected: []string{"wf-c", "wf-b"},
		},
		{
			name:     "by strategy",
			filter:   types.WorkflowFilter{Strategy: types.DeployStrategyRolling},
			expected: []string{"wf-c", "wf-a"},
		},
		{
			name:     "by service name",
			filter:   types.WorkflowFilter{ServiceName: "payments"},
			expected: []string{"wf-b", "wf-a"},
		},
		{
			name:     "status and strategy",
			filter:   types.WorkflowFilter{Status: types.WorkflowStatusRunning, Strategy: types.DeployStrategyCanary},
			expected: []string{"wf-b"},
		},
		{
			name:     "limit",
			filter:   types.WorkflowFilter{Limit: 2},
			expected: []string{"wf-d", "wf-c"},
		},
		{
			name:     "offset and limit",
			filter:   types.WorkflowFilter{Offset: 1, Limit: 2},
			expected: []string{"wf-c", "wf-b"},
		},
		{
			name:     "offset past end",
			filter:   types.WorkflowFilter{Offset: 10},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListWorkflows(tt.filter)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, wf := range got {
				ids = append(ids, wf.ID)
			}
			assert.Equal(t, tt.expected, ids)
		})
	}
}

// TestEventLogOrdering tests that appended events come back in order
func TestEventLogOrdering(t *testing.T) {
	store := newTestStore(t)

	kinds := []types.EventKind{
		types.EventCreated,
		types.EventStarted,
		types.EventPhaseStarted,
		types.EventStepStarted,
		types.EventStepCompleted,
	}
	for i, kind := range kinds {
		require.NoError(t, store.AppendEvent(&types.WorkflowEvent{
			ID:         fmt.Sprintf("ev-%d", i),
			WorkflowID: "wf-log",
			Timestamp:  time.Now().UTC(),
			Kind:       kind,
		}))
	}

	events, err := store.ListEvents("wf-log")
	require.NoError(t, err)
	require.Len(t, events, len(kinds))
	for i, kind := range kinds {
		assert.Equal(t, kind, events[i].Kind)
	}
}

// TestEventLogIsolation tests that event streams do not leak across workflows
func TestEventLogIsolation(t *testing.T) {
	store := newTestStore(t)

	// "wf-1" is a key prefix of "wf-10"; the separator must keep them apart
	for _, id := range []string{"wf-1", "wf-10"} {
		for i := 0; i < 3; i++ {
			require.NoError(t, store.AppendEvent(&types.WorkflowEvent{
				ID:         fmt.Sprintf("%s-ev-%d", id, i),
				WorkflowID: id,
				Kind:       types.EventStepCompleted,
			}))
		}
	}

	events, err := store.ListEvents("wf-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, "wf-1", ev.WorkflowID)
	}

	require.NoError(t, store.DeleteEvents("wf-1"))

	events, err = store.ListEvents("wf-1")
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = store.ListEvents("wf-10")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

// TestChannelCRUD tests notification channel persistence
func TestChannelCRUD(t *testing.T) {
	store := newTestStore(t)

	ch := &types.NotificationChannel{
		ID:      "ch-1",
		Name:    "ops-slack",
		Type:    types.ChannelSlack,
		Enabled: true,
		Settings: map[string]string{
			"webhook_url": "https://hooks.slack.com/services/T000/B000/XXX",
			"channel":     "#ops",
		},
		MinSeverity: types.SeverityWarning,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateChannel(ch))

	got, err := store.GetChannel("ch-1")
	require.NoError(t, err)
	assert.Equal(t, "ops-slack", got.Name)
	assert.Equal(t, types.ChannelSlack, got.Type)

	byName, err := store.GetChannelByName("ops-slack")
	require.NoError(t, err)
	assert.Equal(t, "ch-1", byName.ID)

	_, err = store.GetChannelByName("missing")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	got.Enabled = false
	require.NoError(t, store.UpdateChannel(got))
	updated, err := store.GetChannel("ch-1")
	require.NoError(t, err)
	assert.False(t, updated.Enabled)

	channels, err := store.ListChannels()
	require.NoError(t, err)
	assert.Len(t, channels, 1)

	require.NoError(t, store.DeleteChannel("ch-1"))
	_, err = store.GetChannel("ch-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

// TestStoreReopen tests that state survives close and reopen
func TestStoreReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.CreateWorkflow(testWorkflow("wf-persist")))
	require.NoError(t, store.AppendEvent(&types.WorkflowEvent{
		ID:         "ev-1",
		WorkflowID: "wf-persist",
		Kind:       types.EventCreated,
	}))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	wf, err := reopened.GetWorkflow("wf-persist")
	require.NoError(t, err)
	assert.Equal(t, "payments", wf.ServiceName)

	events, err := reopened.ListEvents("wf-persist")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

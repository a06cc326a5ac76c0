package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/powerdaemon/powerdaemon/pkg/cache"
	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/log"
	"github.com/powerdaemon/powerdaemon/pkg/storage"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// mutateRetries bounds reload-and-retry cycles on revision conflicts.
const mutateRetries = 3

// Repository is the write-through workflow state layer: the store is the
// source of truth, the cache mirrors each record for readers. All writes
// go to the store first and to the cache second.
type Repository struct {
	store  storage.Store
	cache  cache.Cache
	logger zerolog.Logger
}

// NewRepository creates a workflow repository over the given store and cache.
func NewRepository(store storage.Store, c cache.Cache) *Repository {
	return &Repository{
		store:  store,
		cache:  c,
		logger: log.WithComponent("workflow"),
	}
}

// Create persists a new workflow and mirrors it into the cache.
func (r *Repository) Create(ctx context.Context, wf *types.Workflow) error {
	if err := r.store.CreateWorkflow(wf); err != nil {
		return err
	}
	r.prime(ctx, wf)
	return nil
}

// Get returns a workflow, serving from the cache when the mirror is warm
// and falling back to the store otherwise.
func (r *Repository) Get(ctx context.Context, id string) (*types.Workflow, error) {
	var cached types.Workflow
	ok, err := cache.GetJSON(ctx, r.cache, cache.WorkflowKey(id), &cached)
	if err != nil {
		r.logger.Warn().Err(err).Str("workflow_id", id).Msg("cache read failed, falling back to store")
	}
	if ok {
		return &cached, nil
	}

	wf, err := r.store.GetWorkflow(id)
	if err != nil {
		return nil, err
	}
	r.prime(ctx, wf)
	return wf, nil
}

// List returns workflows matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter types.WorkflowFilter) ([]*types.Workflow, error) {
	return r.store.ListWorkflows(filter)
}

// Update writes the workflow through to the store, bumping its revision,
// then refreshes the cache mirror. A revision conflict surfaces as an
// InvalidState error; callers reload and retry via Mutate.
func (r *Repository) Update(ctx context.Context, wf *types.Workflow) error {
	if err := r.store.UpdateWorkflow(wf); err != nil {
		return err
	}
	r.prime(ctx, wf)
	return nil
}

// Mutate loads the workflow fresh from the store, applies fn, and writes
// it back, retrying on revision conflicts. fn errors abort without retry.
func (r *Repository) Mutate(ctx context.Context, id string, fn func(*types.Workflow) error) (*types.Workflow, error) {
	var lastErr error
	for attempt := 0; attempt < mutateRetries; attempt++ {
		wf, err := r.store.GetWorkflow(id)
		if err != nil {
			return nil, err
		}
		if err := fn(wf); err != nil {
			return nil, err
		}
		if err := r.Update(ctx, wf); err != nil {
			if errdefs.IsInvalidState(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return wf, nil
	}
	return nil, errdefs.Internalf("workflow %s: gave up after %d conflicting updates: %v", id, mutateRetries, lastErr)
}

// Delete removes the workflow, its event stream, and its cache entries.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteWorkflow(id); err != nil {
		return err
	}
	if err := r.store.DeleteEvents(id); err != nil {
		return err
	}
	keys := []string{
		cache.WorkflowKey(id),
		cache.WorkflowLockKey(id),
		cache.WorkflowPauseKey(id),
	}
	if err := r.cache.Delete(ctx, keys...); err != nil {
		r.logger.Warn().Err(err).Str("workflow_id", id).Msg("cache eviction failed")
	}
	return nil
}

// AppendEvent records a workflow event, filling in the id and timestamp
// when the caller left them empty.
func (r *Repository) AppendEvent(ctx context.Context, event *types.WorkflowEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return r.store.AppendEvent(event)
}

// Events returns the workflow's event stream in append order.
func (r *Repository) Events(ctx context.Context, workflowID string) ([]*types.WorkflowEvent, error) {
	return r.store.ListEvents(workflowID)
}

// SetPaused raises the pause marker the executor polls between phases
// and steps.
func (r *Repository) SetPaused(ctx context.Context, id string) error {
	return r.cache.Set(ctx, cache.WorkflowPauseKey(id), "1", cache.PauseTTL)
}

// ClearPaused drops the pause marker.
func (r *Repository) ClearPaused(ctx context.Context, id string) error {
	return r.cache.Delete(ctx, cache.WorkflowPauseKey(id))
}

// IsPaused reports whether the pause marker is set.
func (r *Repository) IsPaused(ctx context.Context, id string) (bool, error) {
	return r.cache.Exists(ctx, cache.WorkflowPauseKey(id))
}

// Statistics aggregates workflows created in [from, to].
func (r *Repository) Statistics(ctx context.Context, from, to time.Time) (*types.WorkflowStatistics, error) {
	all, err := r.store.ListWorkflows(types.WorkflowFilter{})
	if err != nil {
		return nil, err
	}

	stats := &types.WorkflowStatistics{
		From:       from,
		To:         to,
		ByStatus:   make(map[types.WorkflowStatus]int),
		ByStrategy: make(map[types.DeployStrategy]int),
	}

	var finished, succeeded int
	var totalDuration time.Duration
	for _, wf := range all {
		if wf.CreatedAt.Before(from) || wf.CreatedAt.After(to) {
			continue
		}
		stats.Total++
		stats.ByStatus[wf.Status]++
		stats.ByStrategy[wf.Strategy]++

		if wf.Status.Terminal() {
			finished++
			if wf.Status == types.WorkflowStatusCompleted {
				succeeded++
			}
			if wf.StartedAt != nil && wf.CompletedAt != nil {
				totalDuration += wf.CompletedAt.Sub(*wf.StartedAt)
			}
		}
	}
	if finished > 0 {
		stats.SuccessRate = float64(succeeded) / float64(finished)
		stats.AverageDuration = totalDuration / time.Duration(finished)
	}
	return stats, nil
}

// CleanupOlderThan deletes terminal workflows whose completion predates the
// cutoff, together with their event streams. It returns how many were
// removed.
func (r *Repository) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	all, err := r.store.ListWorkflows(types.WorkflowFilter{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, wf := range all {
		if !wf.Status.Terminal() {
			continue
		}
		finished := wf.CreatedAt
		if wf.CompletedAt != nil {
			finished = *wf.CompletedAt
		}
		if !finished.Before(cutoff) {
			continue
		}
		if err := r.Delete(ctx, wf.ID); err != nil {
			r.logger.Warn().Err(err).Str("workflow_id", wf.ID).Msg("cleanup delete failed")
			continue
		}
		removed++
	}
	return removed, nil
}

// prime refreshes the 24h cache mirror. Mirror failures are logged and
// swallowed; the store already holds the truth.
func (r *Repository) prime(ctx context.Context, wf *types.Workflow) {
	if err := cache.SetJSON(ctx, r.cache, cache.WorkflowKey(wf.ID), wf, cache.WorkflowTTL); err != nil {
		r.logger.Warn().Err(err).Str("workflow_id", wf.ID).Msg("cache mirror failed")
	}
}

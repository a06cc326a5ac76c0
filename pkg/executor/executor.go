package executor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/powerdaemon/powerdaemon/pkg/bus"
	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/health"
	"github.com/powerdaemon/powerdaemon/pkg/log"
	"github.com/powerdaemon/powerdaemon/pkg/metrics"
	"github.com/powerdaemon/powerdaemon/pkg/traffic"
	"github.com/powerdaemon/powerdaemon/pkg/types"
	"github.com/powerdaemon/powerdaemon/pkg/worker"
	"github.com/powerdaemon/powerdaemon/pkg/workflow"
)

// Config carries the engine-level execution defaults. Plans override the
// phase and step values; the workflow request overrides the deadline.
type Config struct {
	WorkflowTimeout time.Duration // default 2h
	PhaseTimeout    time.Duration // default 30m
	StepTimeout     time.Duration // default 10m
	MaxRetries      int           // default 3
	RetryDelay      time.Duration // linear backoff base, default 30s
	PauseInterval   time.Duration // pause marker poll cadence, default 5s
}

func (c *Config) fill() {
	if c.WorkflowTimeout <= 0 {
		c.WorkflowTimeout = 2 * time.Hour
	}
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = 30 * time.Minute
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 10 * time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.PauseInterval <= 0 {
		c.PauseInterval = 5 * time.Second
	}
}

// Executor drives a workflow's phases strictly in order, steps within a
// phase in declared order. It owns every status transition between
// Running and a terminal state; the orchestrator owns everything before.
type Executor struct {
	repo     *workflow.Repository
	bus      bus.Bus
	prober   health.Prober
	lb       traffic.LoadBalancer
	workers  *worker.Registry
	rollback *RollbackEngine
	cfg      Config
	logger   zerolog.Logger
}

// New creates an executor over the given substrates.
func New(repo *workflow.Repository, b bus.Bus, prober health.Prober, lb traffic.LoadBalancer, workers *worker.Registry, cfg Config) *Executor {
	cfg.fill()
	return &Executor{
		repo:     repo,
		bus:      b,
		prober:   prober,
		lb:       lb,
		workers:  workers,
		rollback: NewRollbackEngine(b, prober),
		cfg:      cfg,
		logger:   log.WithComponent("executor"),
	}
}

// Execute runs the workflow to a terminal status. The workflow must be
// Running when Execute is called; the caller holds the workflow lease.
// The returned error reports why the run did not complete, mirroring the
// terminal status already persisted.
func (e *Executor) Execute(ctx context.Context, wf *types.Workflow) error {
	timeout := wf.Timeout
	if timeout <= 0 {
		timeout = e.cfg.WorkflowTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := log.WithWorkflow(wf.ID)
	logger.Info().Str("strategy", string(wf.Strategy)).Int("phases", len(wf.Phases)).Msg("executing workflow")

	for i := wf.CurrentPhase; i < len(wf.Phases); i++ {
		if err := e.waitWhilePaused(ctx, wf.ID); err != nil {
			return e.interrupt(wf, err)
		}

		wf.CurrentPhase = i
		phase := wf.Phases[i]
		if phase.Status == types.PhaseStatusCompleted {
			continue
		}
		if err := e.runPhase(ctx, wf, phase); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return e.interrupt(wf, ctxErr)
			}
			return e.phaseFailed(wf, phase, err)
		}
	}

	now := time.Now().UTC()
	wf.Status = types.WorkflowStatusCompleted
	wf.CompletedAt = &now
	wf.ProgressPercent = 100
	e.persist(wf)
	e.event(wf, types.EventCompleted, "workflow completed", "", "")
	metrics.WorkflowsCompleted.Inc()
	logger.Info().Msg("workflow completed")
	return nil
}

// interrupt resolves a context-level stop into Cancelled or, for the
// workflow deadline, the fatal-for-workflow timeout path.
func (e *Executor) interrupt(wf *types.Workflow, cause error) error {
	now := time.Now().UTC()
	if errors.Is(cause, context.DeadlineExceeded) || errdefs.IsTimeout(cause) {
		err := errdefs.Timeoutf("workflow %s exceeded its deadline", wf.ID)
		wf.Errors = append(wf.Errors, err.Error())
		if e.autoRollbackEnabled(wf) {
			return e.runRollback(wf, wf.TargetHosts, "", "workflow timeout")
		}
		wf.Status = types.WorkflowStatusFailed
		wf.CompletedAt = &now
		e.persist(wf)
		e.event(wf, types.EventFailed, err.Error(), "", "")
		metrics.WorkflowsFailed.Inc()
		return err
	}

	wf.Status = types.WorkflowStatusCancelled
	wf.CompletedAt = &now
	e.persist(wf)
	e.event(wf, types.EventCancelled, "workflow cancelled", "", "")
	return errdefs.InvalidStatef("workflow %s cancelled", wf.ID)
}

// phaseFailed ends the workflow after a phase exhausted its retries,
// attempting rollback first when the phase and policy both allow it.
// Rollback targets the failing phase's hosts; a pre-deployment failure
// has touched nothing else.
func (e *Executor) phaseFailed(wf *types.Workflow, phase *types.Phase, cause error) error {
	wf.Errors = append(wf.Errors, cause.Error())

	if phase.RollbackOnFailure && e.autoRollbackEnabled(wf) {
		hosts := phase.TargetHosts
		if len(hosts) == 0 {
			hosts = wf.TargetHosts
		}
		return e.runRollback(wf, hosts, "", cause.Error())
	}

	now := time.Now().UTC()
	wf.Status = types.WorkflowStatusFailed
	wf.CompletedAt = &now
	e.persist(wf)
	e.event(wf, types.EventFailed, cause.Error(), phase.ID, "")
	metrics.WorkflowsFailed.Inc()
	return cause
}

func (e *Executor) autoRollbackEnabled(wf *types.Workflow) bool {
	return wf.RollbackPolicy != nil && wf.RollbackPolicy.Enabled && wf.RollbackPolicy.AutomaticRollback
}

// runRollback transitions the workflow through RollingBack and invokes
// the rollback engine, then reports the original failure that triggered
// it (or the rollback's own failure when that went wrong too).
func (e *Executor) runRollback(wf *types.Workflow, hosts []string, targetVersion, reason string) error {
	if err := e.Rollback(wf, hosts, targetVersion, reason); err != nil {
		return err
	}
	return errdefs.InvalidStatef("workflow %s rolled back: %s", wf.ID, reason)
}

// Rollback rolls the workflow back on the given hosts and settles the
// terminal status: RolledBack on success, Failed when any host did not
// recover. The orchestrator calls it directly for manual and auto
// rollback; the executor calls it on fatal failures. The rollback runs
// on a fresh context so the deadline that got us here cannot starve the
// recovery.
func (e *Executor) Rollback(wf *types.Workflow, hosts []string, targetVersion, reason string) error {
	wf.Status = types.WorkflowStatusRollingBack
	e.persist(wf)
	e.event(wf, types.EventRollbackStarted, "rollback started: "+reason, "", "")
	metrics.RollbacksStarted.Inc()

	err := e.rollback.Run(context.Background(), wf, hosts, targetVersion)

	now := time.Now().UTC()
	wf.CompletedAt = &now
	if err != nil {
		wf.Status = types.WorkflowStatusFailed
		wf.Errors = append(wf.Errors, err.Error())
		e.persist(wf)
		e.event(wf, types.EventRollbackFailed, err.Error(), "", "")
		metrics.WorkflowsFailed.Inc()
		return errdefs.Internalf("rollback of workflow %s failed: %v", wf.ID, err)
	}
	wf.Status = types.WorkflowStatusRolledBack
	e.persist(wf)
	e.event(wf, types.EventRollbackCompleted, "rollback completed", "", "")
	return nil
}

// runPhase executes one phase with the retry budget from the plan:
// maxRetries+1 attempts, linear backoff retryDelay×attempt between them.
func (e *Executor) runPhase(ctx context.Context, wf *types.Workflow, phase *types.Phase) error {
	timeout := phase.Timeout
	if timeout <= 0 {
		timeout = e.cfg.PhaseTimeout
	}

	now := time.Now().UTC()
	phase.Status = types.PhaseStatusRunning
	phase.StartedAt = &now
	e.persist(wf)
	e.event(wf, types.EventPhaseStarted, "phase started: "+phase.Name, phase.ID, "")

	var lastErr error
	for attempt := 0; attempt <= phase.MaxRetries; attempt++ {
		if attempt > 0 {
			phase.RetryCount = attempt
			resetFailedSteps(phase)
			e.persist(wf)
			if err := sleepCtx(ctx, time.Duration(attempt)*e.cfg.RetryDelay); err != nil {
				phase.Status = types.PhaseStatusCancelled
				e.persist(wf)
				return err
			}
		}

		phaseCtx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = e.runPhaseOnce(phaseCtx, wf, phase)
		cancel()

		if lastErr == nil {
			done := time.Now().UTC()
			phase.Status = types.PhaseStatusCompleted
			phase.CompletedAt = &done
			e.persist(wf)
			e.event(wf, types.EventPhaseCompleted, "phase completed: "+phase.Name, phase.ID, "")
			return nil
		}
		if isCancel(lastErr) && ctx.Err() != nil {
			phase.Status = types.PhaseStatusCancelled
			e.persist(wf)
			return lastErr
		}
		if errors.Is(lastErr, context.DeadlineExceeded) {
			lastErr = errdefs.Timeoutf("phase %s timed out after %s", phase.Name, timeout)
		}
		e.logger.Warn().Err(lastErr).Str("workflow_id", wf.ID).Str("phase", phase.Name).
			Int("attempt", attempt+1).Msg("phase attempt failed")
	}

	done := time.Now().UTC()
	phase.Status = types.PhaseStatusFailed
	phase.CompletedAt = &done
	e.persist(wf)
	e.event(wf, types.EventPhaseFailed, lastErr.Error(), phase.ID, "")
	return lastErr
}

// runPhaseOnce walks the phase's steps in order. Steps already finished
// by a previous attempt are not rerun.
func (e *Executor) runPhaseOnce(ctx context.Context, wf *types.Workflow, phase *types.Phase) error {
	for _, step := range phase.Steps {
		switch step.Status {
		case types.StepStatusCompleted, types.StepStatusSkipped:
			continue
		}
		if err := e.waitWhilePaused(ctx, wf.ID); err != nil {
			return err
		}
		if err := e.runStepWithRetries(ctx, wf, phase, step); err != nil {
			if step.Critical() || isCancel(err) {
				return err
			}
			step.Status = types.StepStatusSkipped
			e.persist(wf)
			e.event(wf, types.EventStepFailed,
				"non-critical step skipped: "+err.Error(), phase.ID, step.ID)
		}
		workflow.Advance(wf)
		e.persist(wf)
	}
	return nil
}

// runStepWithRetries applies the step retry budget: maxRetries+1
// attempts with the same linear backoff phases use.
func (e *Executor) runStepWithRetries(ctx context.Context, wf *types.Workflow, phase *types.Phase, step *types.Step) error {
	if delay := step.DurationParam(types.ParamDelay, 0); delay > 0 {
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	step.Status = types.StepStatusRunning
	step.StartedAt = &now
	e.persist(wf)
	e.event(wf, types.EventStepStarted, "step started: "+step.Name, phase.ID, step.ID)

	var lastErr error
	for attempt := 0; attempt <= phase.MaxRetries; attempt++ {
		if attempt > 0 {
			step.RetryCount = attempt
			if err := sleepCtx(ctx, time.Duration(attempt)*e.cfg.RetryDelay); err != nil {
				step.Status = types.StepStatusCancelled
				return err
			}
		}

		started := time.Now()
		lastErr = e.dispatch(ctx, wf, phase, step)
		metrics.StepDuration.WithLabelValues(string(step.Type)).Observe(time.Since(started).Seconds())

		if lastErr == nil {
			done := time.Now().UTC()
			step.Status = types.StepStatusCompleted
			step.CompletedAt = &done
			e.event(wf, types.EventStepCompleted, "step completed: "+step.Name, phase.ID, step.ID)
			metrics.StepsExecuted.WithLabelValues(string(step.Type), "completed").Inc()
			return nil
		}
		if isCancel(lastErr) {
			step.Status = types.StepStatusCancelled
			return lastErr
		}
	}

	done := time.Now().UTC()
	step.Status = types.StepStatusFailed
	step.CompletedAt = &done
	step.Error = lastErr.Error()
	e.event(wf, types.EventStepFailed, lastErr.Error(), phase.ID, step.ID)
	metrics.StepsExecuted.WithLabelValues(string(step.Type), "failed").Inc()
	return lastErr
}

// waitWhilePaused blocks while the workflow's pause marker is set,
// polling every PauseInterval. Cache errors do not pause execution.
func (e *Executor) waitWhilePaused(ctx context.Context, workflowID string) error {
	for {
		paused, err := e.repo.IsPaused(ctx, workflowID)
		if err != nil {
			e.logger.Warn().Err(err).Str("workflow_id", workflowID).Msg("pause marker check failed")
			return nil
		}
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.PauseInterval):
		}
	}
}

// persist writes the workflow through the repository. Persistence
// failures are logged, not fatal: the in-memory copy stays authoritative
// while the executor holds the lease.
func (e *Executor) persist(wf *types.Workflow) {
	if err := e.repo.Update(context.Background(), wf); err != nil {
		e.logger.Error().Err(err).Str("workflow_id", wf.ID).Msg("workflow persist failed")
	}
}

// event appends to the workflow's event log and mirrors the event onto
// the bus for subscribers.
func (e *Executor) event(wf *types.Workflow, kind types.EventKind, msg, phaseID, stepID string) {
	ev := &types.WorkflowEvent{
		WorkflowID: wf.ID,
		Kind:       kind,
		Message:    msg,
		PhaseID:    phaseID,
		StepID:     stepID,
	}
	ctx := context.Background()
	if err := e.repo.AppendEvent(ctx, ev); err != nil {
		e.logger.Error().Err(err).Str("workflow_id", wf.ID).Str("kind", string(kind)).Msg("event append failed")
	}
	if err := e.bus.Publish(ctx, bus.WorkflowEventTopic(string(kind)), ev); err != nil {
		e.logger.Warn().Err(err).Str("workflow_id", wf.ID).Str("kind", string(kind)).Msg("event publish failed")
	}
}

// resetFailedSteps rewinds failed and cancelled steps to pending so a
// phase retry reruns them. Completed and skipped steps keep their state.
func resetFailedSteps(phase *types.Phase) {
	for _, step := range phase.Steps {
		switch step.Status {
		case types.StepStatusFailed, types.StepStatusCancelled, types.StepStatusRunning:
			step.Status = types.StepStatusPending
			step.Error = ""
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled)
}

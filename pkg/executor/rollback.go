package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/powerdaemon/powerdaemon/pkg/bus"
	"github.com/powerdaemon/powerdaemon/pkg/health"
	"github.com/powerdaemon/powerdaemon/pkg/log"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// Rollback engine defaults, used when the workflow's policy leaves them
// unset.
const (
	defaultRollbackTimeout    = 15 * time.Minute
	defaultHealthCheckTimeout = 5 * time.Minute
	defaultRollbackFanout     = 5
)

// RollbackEngine fans rollback commands out to the affected hosts in
// parallel and gates success on every host reporting healthy again.
// Success is conjunctive; the engine does not retry a failed pass, that
// is the caller's call.
type RollbackEngine struct {
	bus    bus.Bus
	prober health.Prober
	logger zerolog.Logger

	// Fanout bounds how many hosts roll back concurrently (default 5).
	Fanout int
}

// NewRollbackEngine creates a rollback engine over the bus and probe
// ports.
func NewRollbackEngine(b bus.Bus, prober health.Prober) *RollbackEngine {
	return &RollbackEngine{
		bus:    b,
		prober: prober,
		logger: log.WithComponent("rollback"),
		Fanout: defaultRollbackFanout,
	}
}

// Run rolls the given hosts back to targetVersion. An empty version
// falls through to the policy's target, then to "previous", which the
// agents resolve against their local deployment history.
func (r *RollbackEngine) Run(ctx context.Context, wf *types.Workflow, hosts []string, targetVersion string) error {
	policy := wf.RollbackPolicy

	if targetVersion == "" && policy != nil {
		targetVersion = policy.TargetVersion
	}
	if targetVersion == "" {
		targetVersion = "previous"
	}

	timeout := defaultRollbackTimeout
	healthTimeout := defaultHealthCheckTimeout
	if policy != nil {
		if policy.RollbackTimeout > 0 {
			timeout = policy.RollbackTimeout
		}
		if policy.HealthCheckTimeout > 0 {
			healthTimeout = policy.HealthCheckTimeout
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.logger.Info().Str("workflow_id", wf.ID).Str("target_version", targetVersion).
		Int("hosts", len(hosts)).Msg("rolling back")

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Fanout)
	for _, host := range hosts {
		host := host
		g.Go(func() error {
			return r.rollbackHost(ctx, wf, host, targetVersion, healthTimeout)
		})
	}
	return g.Wait()
}

// rollbackHost publishes the rollback command for one host and waits for
// it to come back healthy.
func (r *RollbackEngine) rollbackHost(ctx context.Context, wf *types.Workflow, host, targetVersion string, healthTimeout time.Duration) error {
	cmd := types.RollbackCommand{
		DeploymentID:   wf.ID,
		TargetServerID: host,
		ServiceName:    wf.ServiceName,
		TargetVersion:  targetVersion,
		Configuration: map[string]any{
			"workflowId": wf.ID,
		},
	}
	if err := r.bus.Publish(ctx, bus.RollbackTopic(host), cmd); err != nil {
		return err
	}
	if err := r.prober.WaitHealthy(ctx, host, wf.ServiceName, healthTimeout); err != nil {
		r.logger.Error().Err(err).Str("workflow_id", wf.ID).Str("host", host).
			Msg("host did not recover after rollback")
		return err
	}
	return nil
}

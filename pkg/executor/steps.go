package executor

import (
	"context"
	"fmt"

	"github.com/powerdaemon/powerdaemon/pkg/bus"
	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/types"
	"github.com/powerdaemon/powerdaemon/pkg/worker"
)

// dispatch runs one attempt of a step. Deploy, service, and rollback
// work goes to the bus; health checks hit the probe port; traffic moves
// through the load balancer port; everything else delegates to a named
// worker. The bus delivers at least once, so agents deduplicate on the
// (workflow id, step id) pair carried in every command.
func (e *Executor) dispatch(ctx context.Context, wf *types.Workflow, phase *types.Phase, step *types.Step) error {
	timeout := step.DurationParam(types.ParamTimeout, e.cfg.StepTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch step.Type {
	case types.StepTypeDeploy:
		return e.deployStep(ctx, wf, step)

	case types.StepTypeServiceStart, types.StepTypeServiceStop, types.StepTypeServiceRestart:
		return e.serviceStep(ctx, wf, step)

	case types.StepTypeHealthCheck:
		result := e.prober.Check(ctx, step.TargetHost, wf.ServiceName)
		step.Output = result.Message
		if !result.Healthy {
			return fmt.Errorf("host %s unhealthy: %s", step.TargetHost, result.Message)
		}
		return nil

	case types.StepTypeWaitForHealthy:
		wait := step.DurationParam(types.ParamTimeout, timeout)
		if err := e.prober.WaitHealthy(ctx, step.TargetHost, wf.ServiceName, wait); err != nil {
			return err
		}
		step.Output = fmt.Sprintf("host %s healthy", step.TargetHost)
		return nil

	case types.StepTypeTrafficSwitch:
		return e.trafficStep(ctx, wf, step)

	case types.StepTypeValidation, types.StepTypeCleanup, types.StepTypeCustom:
		return e.workerStep(ctx, wf, phase, step)

	default:
		return errdefs.InvalidConfigurationf("unknown step type: %s", step.Type)
	}
}

// deployStep publishes the deploy command. A batch deploy (parallel
// wave mode) fans the command out to every host of the batch; the
// agents deploy concurrently and the following wait_for_healthy steps
// gate on convergence.
func (e *Executor) deployStep(ctx context.Context, wf *types.Workflow, step *types.Step) error {
	hosts := batchHosts(step)
	if len(hosts) == 0 {
		if step.TargetHost == "" {
			return errdefs.InvalidConfigurationf("deploy step %s has no target host", step.ID)
		}
		hosts = []string{step.TargetHost}
	}

	for _, host := range hosts {
		cmd := types.DeployCommand{
			DeploymentID:   wf.ID,
			TargetServerID: host,
			ServiceName:    wf.ServiceName,
			Strategy:       wf.Strategy,
			PackageURL:     wf.PackageURL,
			Version:        wf.Version,
			Configuration:  commandConfig(wf, step),
		}
		if err := e.bus.Publish(ctx, bus.DeployTopic(host), cmd); err != nil {
			return err
		}
	}
	step.Output = fmt.Sprintf("deploy command published to %d host(s)", len(hosts))
	return nil
}

// serviceStep publishes the service command with the verb from the step
// parameters, defaulting to the verb implied by the step type.
func (e *Executor) serviceStep(ctx context.Context, wf *types.Workflow, step *types.Step) error {
	if step.TargetHost == "" {
		return errdefs.InvalidConfigurationf("service step %s has no target host", step.ID)
	}
	verb := step.StringParam(types.ParamCommand, "")
	if verb == "" {
		switch step.Type {
		case types.StepTypeServiceStop:
			verb = "stop"
		case types.StepTypeServiceRestart:
			verb = "restart"
		default:
			verb = "start"
		}
	}
	cmd := types.ServiceCommand{
		TargetServerID: step.TargetHost,
		ServiceName:    wf.ServiceName,
		Command:        verb,
		Configuration:  commandConfig(wf, step),
	}
	if err := e.bus.Publish(ctx, bus.ServiceTopic(step.TargetHost), cmd); err != nil {
		return err
	}
	step.Output = fmt.Sprintf("service %s command published to %s", verb, step.TargetHost)
	return nil
}

// trafficStep mutates the load balancer per the step's action.
func (e *Executor) trafficStep(ctx context.Context, wf *types.Workflow, step *types.Step) error {
	action := step.StringParam(types.ParamAction, "")
	switch action {
	case "add":
		return e.lb.AddServer(ctx, wf.ServiceName, step.TargetHost)
	case "remove":
		return e.lb.RemoveServer(ctx, wf.ServiceName, step.TargetHost)
	case "switch":
		from := stepHostList(step, "from_hosts")
		to := stepHostList(step, "to_hosts")
		return e.lb.SwitchTraffic(ctx, wf.ServiceName, from, to)
	case "split":
		pct := step.FloatParam("percentage", 0)
		strategy := step.StringParam("strategy", "Weighted")
		return e.lb.SplitTraffic(ctx, wf.ServiceName, pct, strategy, stepHostList(step, "to_hosts"))
	case "promote":
		return e.lb.Promote(ctx, wf.ServiceName)
	default:
		return errdefs.InvalidConfigurationf("traffic step %s has unknown action %q", step.ID, action)
	}
}

// workerStep resolves the named worker and runs it with the phase's
// host set as context.
func (e *Executor) workerStep(ctx context.Context, wf *types.Workflow, phase *types.Phase, step *types.Step) error {
	name := step.StringParam(types.ParamWorker, "")
	if name == "" {
		// A bare validation/cleanup step with no worker succeeds; the
		// planners only emit named ones.
		return nil
	}
	w, err := e.workers.Get(name)
	if err != nil {
		return err
	}
	out, err := w.Run(ctx, worker.Request{
		WorkflowID:  wf.ID,
		ServiceName: wf.ServiceName,
		Version:     wf.Version,
		PackageURL:  wf.PackageURL,
		Hosts:       phase.TargetHosts,
		Step:        step,
	})
	if err != nil {
		return err
	}
	step.Output = out
	return nil
}

// commandConfig is the free-form mapping every bus command carries,
// including the idempotency pair.
func commandConfig(wf *types.Workflow, step *types.Step) map[string]any {
	cfg := map[string]any{
		"workflowId": wf.ID,
		"stepId":     step.ID,
	}
	for k, v := range wf.Configuration {
		cfg[k] = v
	}
	return cfg
}

// batchHosts reads the batch_hosts parameter of parallel wave deploys.
func batchHosts(step *types.Step) []string {
	return stepHostList(step, types.ParamBatchHosts)
}

func stepHostList(step *types.Step, key string) []string {
	switch v := step.Parameters[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

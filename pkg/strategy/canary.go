package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/types"
	"github.com/powerdaemon/powerdaemon/pkg/worker"
)

// Traffic splitting strategies understood by the canary planner.
const (
	TrafficWeighted    = "Weighted"
	TrafficHeaderBased = "HeaderBased"
	TrafficMirrored    = "Mirrored"
)

// defaultMonitoringDuration applies when CanaryConfiguration omits
// MonitoringDuration.
const defaultMonitoringDuration = 5 * time.Minute

// CanaryPlanner deploys to a small host subset first, watches it under
// live traffic, then rolls the rest of the fleet in batches.
type CanaryPlanner struct{}

func NewCanaryPlanner() *CanaryPlanner { return &CanaryPlanner{} }

func (p *CanaryPlanner) Strategy() types.DeployStrategy { return types.DeployStrategyCanary }

func (p *CanaryPlanner) Description() string {
	return "Deploys to a canary subset, monitors it under traffic, then rolls out in batches"
}

func (p *CanaryPlanner) ValidateConfiguration(config map[string]any) error {
	canary, err := requireSection(config, SectionCanary)
	if err != nil {
		return err
	}
	pct := canary.num("CanaryPercentage", 0)
	if pct <= 0 || pct > 100 {
		return errdefs.InvalidConfigurationf("%s.CanaryPercentage must be in (0,100]", SectionCanary)
	}

	split, err := requireSection(config, SectionTrafficSplit)
	if err != nil {
		return err
	}
	switch split.str("Strategy", "") {
	case TrafficWeighted, TrafficHeaderBased, TrafficMirrored:
	case "":
		return errdefs.InvalidConfigurationf("%s.Strategy is required", SectionTrafficSplit)
	default:
		return errdefs.InvalidConfigurationf("%s.Strategy %q is not one of Weighted, HeaderBased, Mirrored",
			SectionTrafficSplit, split.str("Strategy", ""))
	}

	monitoring, err := requireSection(config, SectionMonitoring)
	if err != nil {
		return err
	}
	if len(monitoring.strs("Metrics")) == 0 {
		return errdefs.InvalidConfigurationf("%s.Metrics must list at least one metric", SectionMonitoring)
	}
	return nil
}

func (p *CanaryPlanner) Plan(req *Request) ([]*types.Phase, error) {
	if len(req.TargetHosts) == 0 {
		return nil, errdefs.InvalidConfigurationf("canary deployment needs at least one target host")
	}
	canary, err := requireSection(req.Configuration, SectionCanary)
	if err != nil {
		return nil, err
	}
	split, err := requireSection(req.Configuration, SectionTrafficSplit)
	if err != nil {
		return nil, err
	}
	monitoring, err := requireSection(req.Configuration, SectionMonitoring)
	if err != nil {
		return nil, err
	}

	pct := canary.num("CanaryPercentage", 0)
	canaryHosts, restHosts := splitCanary(req.TargetHosts, canary.strs("CanaryServers"), pct)
	if len(canaryHosts) == 0 {
		return nil, errdefs.InvalidConfigurationf("canary selection produced no hosts")
	}

	monitorDuration := canary.duration("MonitoringDuration", defaultMonitoringDuration)
	batchSize := canary.integer("BatchSize", len(restHosts))
	batchDelay := canary.duration("BatchDelay", 0)
	metrics := monitoring.strs("Metrics")
	healthTimeout := 5 * time.Minute
	if hc, ok := getSection(req.Configuration, SectionHealthCheck); ok {
		healthTimeout = hc.duration("Timeout", healthTimeout)
	}

	var errorRate float64
	if triggers, ok := canary.sub("RollbackTriggers"); ok {
		errorRate = triggers.num("ErrorRateThreshold", 0)
	}

	b := newPlanBuilder(req.Defaults)

	pre := b.addPhase("Pre-Deployment", req.TargetHosts)
	addStep(pre, "Validate Deployment Package", types.StepTypeValidation, "", map[string]any{
		types.ParamCritical:  true,
		types.ParamWorker:    worker.NamePackageValidator,
		types.ParamToVersion: req.Version,
	})
	for _, host := range req.TargetHosts {
		addStep(pre, fmt.Sprintf("Health Check %s", host), types.StepTypeHealthCheck, host, map[string]any{
			types.ParamCritical: true,
		})
	}

	deploy := b.addPhase("Canary Deploy", canaryHosts)
	addHostRollout(deploy, req.ServiceName, canaryHosts, healthTimeout, 0)

	validate := b.addPhase("Canary Validation", canaryHosts)
	for _, host := range canaryHosts {
		addStep(validate, fmt.Sprintf("Health Check %s", host), types.StepTypeHealthCheck, host, map[string]any{
			types.ParamCritical: true,
		})
	}
	addStep(validate, "Validate Canary", types.StepTypeValidation, "", map[string]any{
		types.ParamCritical:    true,
		types.ParamWorker:      worker.NameDeploymentValidator,
		types.ParamEnvironment: "canary",
	})

	routing := b.addPhase("Traffic Routing Setup", canaryHosts)
	addStep(routing, "Configure Traffic Split", types.StepTypeTrafficSwitch, "", map[string]any{
		types.ParamCritical: true,
		types.ParamAction:   "split",
		"percentage":        pct,
		"strategy":          split.str("Strategy", TrafficWeighted),
		"to_hosts":          canaryHosts,
	})

	monitor := b.addPhase("Canary Monitoring", canaryHosts)
	monitorParams := map[string]any{
		types.ParamCritical: true,
		types.ParamWorker:   worker.NameCanaryMonitor,
		types.ParamDuration: monitorDuration.String(),
		types.ParamMetrics:  metrics,
	}
	if errorRate > 0 {
		monitorParams[types.ParamErrorRate] = errorRate
	}
	addStep(monitor, "Canary Monitoring", types.StepTypeCustom, "", monitorParams)

	if len(restHosts) > 0 {
		prod := b.addPhase("Production Deploy", restHosts)
		for i, batch := range chunkHosts(restHosts, batchSize) {
			delay := time.Duration(0)
			if i > 0 {
				delay = batchDelay
			}
			addHostRollout(prod, req.ServiceName, batch, healthTimeout, delay)
		}
	}

	post := b.addPhase("Post-Deployment Validation", req.TargetHosts)
	addStep(post, "Post-Deployment Validation", types.StepTypeValidation, "", map[string]any{
		types.ParamCritical: true,
		types.ParamWorker:   worker.NameDeploymentValidator,
	})

	cleanup := b.addPhase("Canary Cleanup", canaryHosts)
	cleanup.RollbackOnFailure = false
	addStep(cleanup, "Promote Traffic", types.StepTypeTrafficSwitch, "", map[string]any{
		types.ParamCritical: true,
		types.ParamAction:   "promote",
	})
	addStep(cleanup, "Clean Canary Workspace", types.StepTypeCleanup, "", map[string]any{
		types.ParamCritical: false,
		types.ParamWorker:   worker.NameWorkspaceCleaner,
	})

	return b.finish(), nil
}

func (p *CanaryPlanner) EstimateDuration(req *Request) time.Duration {
	canary, ok := getSection(req.Configuration, SectionCanary)
	if !ok {
		return 0
	}
	pct := canary.num("CanaryPercentage", 0)
	canaryHosts, restHosts := splitCanary(req.TargetHosts, canary.strs("CanaryServers"), pct)
	batchSize := canary.integer("BatchSize", len(restHosts))
	batchDelay := canary.duration("BatchDelay", 0)

	total := estimateValidation // pre-deployment
	total += time.Duration(len(canaryHosts)) * estimatePerHost
	total += 2 * estimateValidation // canary validation + routing setup
	total += canary.duration("MonitoringDuration", defaultMonitoringDuration)
	if len(restHosts) > 0 {
		batches := chunkHosts(restHosts, batchSize)
		total += time.Duration(len(restHosts)) * estimatePerHost
		if len(batches) > 1 {
			total += time.Duration(len(batches)-1) * batchDelay
		}
	}
	total += 2 * estimateValidation // post-deployment validation + cleanup
	return total
}

// addHostRollout appends the deploy, start, wait-healthy step triple for
// each host. A non-zero delay lands on the first step of the group.
func addHostRollout(p *types.Phase, serviceName string, hosts []string, healthTimeout, delay time.Duration) {
	for i, host := range hosts {
		deployStep := addStep(p, fmt.Sprintf("Deploy to %s", host), types.StepTypeDeploy, host, map[string]any{
			types.ParamCritical: true,
		})
		if i == 0 && delay > 0 {
			deployStep.Parameters[types.ParamDelay] = delay.String()
		}
		addStep(p, fmt.Sprintf("Start %s on %s", serviceName, host), types.StepTypeServiceStart, host, map[string]any{
			types.ParamCritical: true,
			types.ParamCommand:  "start",
		})
		addStep(p, fmt.Sprintf("Wait Healthy %s", host), types.StepTypeWaitForHealthy, host, map[string]any{
			types.ParamCritical: true,
			types.ParamTimeout:  healthTimeout.String(),
		})
	}
}

// splitCanary picks the canary subset: explicit servers win, otherwise the
// first ⌈N·pct/100⌉ of the ordered target list.
func splitCanary(hosts, explicit []string, pct float64) (canary, rest []string) {
	if len(explicit) > 0 {
		inCanary := make(map[string]bool, len(explicit))
		inTargets := make(map[string]bool, len(hosts))
		for _, h := range hosts {
			inTargets[h] = true
		}
		for _, h := range explicit {
			if inTargets[h] {
				canary = append(canary, h)
				inCanary[h] = true
			}
		}
		for _, h := range hosts {
			if !inCanary[h] {
				rest = append(rest, h)
			}
		}
		return canary, rest
	}

	n := int(math.Ceil(float64(len(hosts)) * pct / 100))
	if n > len(hosts) {
		n = len(hosts)
	}
	if n < 1 {
		n = 1
	}
	return hosts[:n], hosts[n:]
}

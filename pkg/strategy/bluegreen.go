package strategy

import (
	"fmt"
	"time"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/types"
	"github.com/powerdaemon/powerdaemon/pkg/worker"
)

// postSwitchMonitor is the fixed observation window after traffic moves to
// the green environment.
const postSwitchMonitor = 5 * time.Minute

// BlueGreenPlanner deploys the new version to the idle (green) half of the
// fleet, switches traffic, and retires the blue half.
type BlueGreenPlanner struct{}

func NewBlueGreenPlanner() *BlueGreenPlanner { return &BlueGreenPlanner{} }

func (p *BlueGreenPlanner) Strategy() types.DeployStrategy { return types.DeployStrategyBlueGreen }

func (p *BlueGreenPlanner) Description() string {
	return "Deploys to an idle green environment and switches traffic away from blue"
}

func (p *BlueGreenPlanner) ValidateConfiguration(config map[string]any) error {
	if _, err := requireSection(config, SectionBlue); err != nil {
		return err
	}
	if _, err := requireSection(config, SectionGreen); err != nil {
		return err
	}
	lb, err := requireSection(config, SectionLoadBalancer)
	if err != nil {
		return err
	}
	if lb.str("Endpoint", "") == "" {
		return errdefs.InvalidConfigurationf("%s.Endpoint is required", SectionLoadBalancer)
	}
	if lb.str("APIKey", "") == "" {
		return errdefs.InvalidConfigurationf("%s.APIKey is required", SectionLoadBalancer)
	}
	return nil
}

func (p *BlueGreenPlanner) Plan(req *Request) ([]*types.Phase, error) {
	if len(req.TargetHosts) == 0 {
		return nil, errdefs.InvalidConfigurationf("blue-green deployment needs at least one target host")
	}
	blueSection, err := requireSection(req.Configuration, SectionBlue)
	if err != nil {
		return nil, err
	}
	greenSection, err := requireSection(req.Configuration, SectionGreen)
	if err != nil {
		return nil, err
	}

	blue, green := splitEnvironments(req.TargetHosts, blueSection, greenSection)
	if len(green) == 0 {
		return nil, errdefs.InvalidConfigurationf("green environment has no servers")
	}

	healthTimeout := 5 * time.Minute
	if hc, ok := getSection(req.Configuration, SectionHealthCheck); ok {
		healthTimeout = hc.duration("Timeout", healthTimeout)
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

	prep := b.addPhase("Green Prep", green)
	for _, host := range green {
		addStep(prep, fmt.Sprintf("Stop %s on %s", req.ServiceName, host), types.StepTypeServiceStop, host, map[string]any{
			types.ParamCritical: false,
			types.ParamCommand:  "stop",
		})
		addStep(prep, fmt.Sprintf("Clean Workspace on %s", host), types.StepTypeCleanup, host, map[string]any{
			types.ParamCritical: false,
			types.ParamWorker:   worker.NameWorkspaceCleaner,
		})
	}

	deploy := b.addPhase("Green Deploy", green)
	for _, host := range green {
		addStep(deploy, fmt.Sprintf("Deploy to %s", host), types.StepTypeDeploy, host, map[string]any{
			types.ParamCritical: true,
		})
		addStep(deploy, fmt.Sprintf("Start %s on %s", req.ServiceName, host), types.StepTypeServiceStart, host, map[string]any{
			types.ParamCritical: true,
			types.ParamCommand:  "start",
		})
		addStep(deploy, fmt.Sprintf("Wait Healthy %s", host), types.StepTypeWaitForHealthy, host, map[string]any{
			types.ParamCritical: true,
			types.ParamTimeout:  healthTimeout.String(),
		})
	}

	validate := b.addPhase("Green Validation", green)
	for _, host := range green {
		addStep(validate, fmt.Sprintf("Health Check %s", host), types.StepTypeHealthCheck, host, map[string]any{
			types.ParamCritical: true,
		})
	}
	addStep(validate, "Smoke Test Green", types.StepTypeValidation, "", map[string]any{
		types.ParamCritical:    true,
		types.ParamWorker:      worker.NameSmokeTester,
		types.ParamEnvironment: "green",
	})
	addStep(validate, "Validate Green Endpoints", types.StepTypeValidation, "", map[string]any{
		types.ParamCritical:    true,
		types.ParamWorker:      worker.NameEndpointValidator,
		types.ParamEnvironment: "green",
	})

	// The switch changes what green serves; blue never moved, so a
	// failure here rolls back green only.
	traffic := b.addPhase("Traffic Switch", green)
	addStep(traffic, "Switch Traffic to Green", types.StepTypeTrafficSwitch, "", map[string]any{
		types.ParamCritical: true,
		types.ParamAction:   "switch",
		"from_hosts":        blue,
		"to_hosts":          green,
	})
	addStep(traffic, "Validate Traffic", types.StepTypeValidation, "", map[string]any{
		types.ParamCritical:    true,
		types.ParamWorker:      worker.NameTrafficValidator,
		types.ParamEnvironment: "green",
	})
	addStep(traffic, "Post-Switch Monitoring", types.StepTypeCustom, "", map[string]any{
		types.ParamCritical: true,
		types.ParamWorker:   worker.NameDeploymentMonitor,
		types.ParamDuration: postSwitchMonitor.String(),
	})

	blueValidate := b.addPhase("Blue Validation", blue)
	addStep(blueValidate, "Validate Blue Drained", types.StepTypeValidation, "", map[string]any{
		types.ParamCritical:    true,
		types.ParamWorker:      worker.NameEnvironmentValidator,
		types.ParamEnvironment: "blue",
	})

	cleanup := b.addPhase("Post-Deployment Cleanup", blue)
	cleanup.RollbackOnFailure = false
	addStep(cleanup, "Snapshot Blue Environment", types.StepTypeCustom, "", map[string]any{
		types.ParamCritical:    false,
		types.ParamWorker:      worker.NameConfigSnapshotter,
		types.ParamEnvironment: "blue",
		types.ParamFromVersion: req.Version,
	})
	for _, host := range blue {
		addStep(cleanup, fmt.Sprintf("Stop %s on %s", req.ServiceName, host), types.StepTypeServiceStop, host, map[string]any{
			types.ParamCritical: false,
			types.ParamCommand:  "stop",
		})
		addStep(cleanup, fmt.Sprintf("Clean Workspace on %s", host), types.StepTypeCleanup, host, map[string]any{
			types.ParamCritical: false,
			types.ParamWorker:   worker.NameWorkspaceCleaner,
		})
	}

	return b.finish(), nil
}

func (p *BlueGreenPlanner) EstimateDuration(req *Request) time.Duration {
	blueSection, _ := getSection(req.Configuration, SectionBlue)
	greenSection, _ := getSection(req.Configuration, SectionGreen)
	if blueSection == nil || greenSection == nil {
		return 0
	}
	blue, green := splitEnvironments(req.TargetHosts, blueSection, greenSection)

	total := 2 * estimateValidation // pre-deployment + green prep
	total += time.Duration(len(green)) * estimatePerHost
	total += 2 * estimateValidation // green validation + traffic validation
	total += postSwitchMonitor
	total += estimateValidation // blue validation
	total += time.Duration(len(blue)) * (estimateValidation / 2)
	return total
}

// splitEnvironments resolves the blue and green host sets. Explicit server
// lists win; a host set with no explicit list gets the complement, and when
// neither side is explicit the targets alternate: even-indexed hosts are
// blue, odd-indexed green.
func splitEnvironments(hosts []string, blue, green section) (blueHosts, greenHosts []string) {
	explicitBlue := blue.strs("Servers")
	explicitGreen := green.strs("Servers")

	inTargets := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		inTargets[h] = true
	}
	keep := func(list []string) []string {
		var out []string
		for _, h := range list {
			if inTargets[h] {
				out = append(out, h)
			}
		}
		return out
	}

	switch {
	case len(explicitBlue) > 0 && len(explicitGreen) > 0:
		return keep(explicitBlue), keep(explicitGreen)
	case len(explicitBlue) > 0:
		blueHosts = keep(explicitBlue)
		isBlue := make(map[string]bool, len(blueHosts))
		for _, h := range blueHosts {
			isBlue[h] = true
		}
		for _, h := range hosts {
			if !isBlue[h] {
				greenHosts = append(greenHosts, h)
			}
		}
		return blueHosts, greenHosts
	case len(explicitGreen) > 0:
		greenHosts = keep(explicitGreen)
		isGreen := make(map[string]bool, len(greenHosts))
		for _, h := range greenHosts {
			isGreen[h] = true
		}
		for _, h := range hosts {
			if !isGreen[h] {
				blueHosts = append(blueHosts, h)
			}
		}
		return blueHosts, greenHosts
	default:
		for i, h := range hosts {
			if i%2 == 0 {
				blueHosts = append(blueHosts, h)
			} else {
				greenHosts = append(greenHosts, h)
			}
		}
		return blueHosts, greenHosts
	}
}

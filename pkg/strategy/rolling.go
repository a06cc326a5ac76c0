package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/types"
	"github.com/powerdaemon/powerdaemon/pkg/worker"
)

// Wave selection strategies understood by the rolling planner.
const (
	WaveFixedSize  = "FixedSize"
	WavePercentage = "Percentage"
	WaveGeographic = "Geographic"
	WaveCustom     = "Custom"
)

// defaultWaveDivisor sizes the catch-all wave for hosts left unassigned by
// geographic or custom selection: leftovers are chunked into waves of
// ⌈remaining/3⌉.
const defaultWaveDivisor = 3

// RollingPlanner deploys in waves, validating and monitoring between them.
type RollingPlanner struct{}

func NewRollingPlanner() *RollingPlanner { return &RollingPlanner{} }

func (p *RollingPlanner) Strategy() types.DeployStrategy { return types.DeployStrategyRolling }

func (p *RollingPlanner) Description() string {
	return "Deploys hosts in waves with validation and monitoring between waves"
}

func (p *RollingPlanner) ValidateConfiguration(config map[string]any) error {
	if _, err := requireSection(config, SectionRolling); err != nil {
		return err
	}
	wave, err := requireSection(config, SectionWave)
	if err != nil {
		return err
	}
	switch wave.str("Strategy", "") {
	case WaveFixedSize:
		if wave.integer("WaveSize", 0) <= 0 {
			return errdefs.InvalidConfigurationf("%s.WaveSize must be positive for FixedSize waves", SectionWave)
		}
	case WavePercentage:
		pct := wave.num("WavePercentage", 0)
		if pct <= 0 || pct > 100 {
			return errdefs.InvalidConfigurationf("%s.WavePercentage must be in (0,100]", SectionWave)
		}
	case WaveGeographic:
		if len(wave.strs("Regions")) == 0 {
			return errdefs.InvalidConfigurationf("%s.Regions is required for Geographic waves", SectionWave)
		}
	case WaveCustom:
		if len(wave.strLists("Waves")) == 0 {
			return errdefs.InvalidConfigurationf("%s.Waves is required for Custom waves", SectionWave)
		}
	case "":
		return errdefs.InvalidConfigurationf("%s.Strategy is required", SectionWave)
	default:
		return errdefs.InvalidConfigurationf("%s.Strategy %q is not one of FixedSize, Percentage, Geographic, Custom",
			SectionWave, wave.str("Strategy", ""))
	}
	if _, err := requireSection(config, SectionHealthCheck); err != nil {
		return err
	}
	return nil
}

func (p *RollingPlanner) Plan(req *Request) ([]*types.Phase, error) {
	if len(req.TargetHosts) == 0 {
		return nil, errdefs.InvalidConfigurationf("rolling deployment needs at least one target host")
	}
	wave, err := requireSection(req.Configuration, SectionWave)
	if err != nil {
		return nil, err
	}
	health, err := requireSection(req.Configuration, SectionHealthCheck)
	if err != nil {
		return nil, err
	}
	rolling, _ := getSection(req.Configuration, SectionRolling)

	waves := computeWaves(req.TargetHosts, wave)
	if len(waves) == 0 {
		return nil, errdefs.InvalidConfigurationf("wave selection produced no waves for %d hosts", len(req.TargetHosts))
	}

	parallel := wave.boolean("ParallelDeploymentWithinWave", false)
	maxParallelism := wave.integer("MaxParallelism", 0)
	serverDelay := wave.duration("DelayBetweenServers", 0)
	waveInterval := wave.duration("WaveInterval", time.Minute)
	healthTimeout := health.duration("Timeout", 5*time.Minute)
	environment := ""
	if rolling != nil {
		environment = rolling.str("Environment", "")
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

	preRoll := b.addPhase("Pre-Rolling Validation", req.TargetHosts)
	addStep(preRoll, "Pre-Rolling Validation", types.StepTypeValidation, "", map[string]any{
		types.ParamCritical:    true,
		types.ParamWorker:      worker.NameDeploymentValidator,
		types.ParamEnvironment: environment,
	})

	for i, hosts := range waves {
		n := i + 1
		deploy := b.addPhase(fmt.Sprintf("Wave-%d Deployment", n), hosts)
		if parallel {
			addStep(deploy, fmt.Sprintf("Wave-%d Batch Deploy", n), types.StepTypeDeploy, "", map[string]any{
				types.ParamCritical:   true,
				types.ParamBatchHosts: hosts,
				"max_parallelism":     maxParallelism,
			})
			for _, host := range hosts {
				addStep(deploy, fmt.Sprintf("Wait Healthy %s", host), types.StepTypeWaitForHealthy, host, map[string]any{
					types.ParamCritical: true,
					types.ParamTimeout:  healthTimeout.String(),
				})
			}
		} else {
			for j, host := range hosts {
				remove := addStep(deploy, fmt.Sprintf("Remove %s from LB", host), types.StepTypeTrafficSwitch, host, map[string]any{
					types.ParamCritical: true,
					types.ParamAction:   "remove",
				})
				if j > 0 && serverDelay > 0 {
					remove.Parameters[types.ParamDelay] = serverDelay.String()
				}
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
				addStep(deploy, fmt.Sprintf("Add %s to LB", host), types.StepTypeTrafficSwitch, host, map[string]any{
					types.ParamCritical: true,
					types.ParamAction:   "add",
				})
			}
		}

		validate := b.addPhase(fmt.Sprintf("Wave-%d Validation", n), hosts)
		addStep(validate, fmt.Sprintf("Wave-%d Validation", n), types.StepTypeValidation, "", map[string]any{
			types.ParamCritical:    true,
			types.ParamWorker:      worker.NameDeploymentValidator,
			types.ParamEnvironment: environment,
		})

		if n < len(waves) {
			monitor := b.addPhase(fmt.Sprintf("Wave-%d Monitoring", n), hosts)
			addStep(monitor, fmt.Sprintf("Wave-%d Monitoring", n), types.StepTypeCustom, "", map[string]any{
				types.ParamCritical: true,
				types.ParamWorker:   worker.NameDeploymentMonitor,
				types.ParamDuration: waveInterval.String(),
			})
		}
	}

	post := b.addPhase("Post-Deployment Validation", req.TargetHosts)
	addStep(post, "Post-Deployment Validation", types.StepTypeValidation, "", map[string]any{
		types.ParamCritical:    true,
		types.ParamWorker:      worker.NameDeploymentValidator,
		types.ParamEnvironment: environment,
	})

	cleanup := b.addPhase("Cleanup", req.TargetHosts)
	cleanup.RollbackOnFailure = false
	addStep(cleanup, "Clean Deployment Workspace", types.StepTypeCleanup, "", map[string]any{
		types.ParamCritical: false,
		types.ParamWorker:   worker.NameWorkspaceCleaner,
	})

	return b.finish(), nil
}

func (p *RollingPlanner) EstimateDuration(req *Request) time.Duration {
	wave, ok := getSection(req.Configuration, SectionWave)
	if !ok {
		return 0
	}
	waves := computeWaves(req.TargetHosts, wave)
	interval := wave.duration("WaveInterval", time.Minute)
	parallel := wave.boolean("ParallelDeploymentWithinWave", false)

	total := 2 * estimateValidation // pre-deployment + pre-rolling
	for i, hosts := range waves {
		if parallel {
			total += estimatePerHost
		} else {
			total += time.Duration(len(hosts)) * estimatePerHost
		}
		total += estimateValidation
		if i < len(waves)-1 {
			total += interval
		}
	}
	total += 2 * estimateValidation // post-deployment + cleanup
	return total
}

// Rough per-unit costs used by duration estimates across strategies.
const (
	estimatePerHost    = 2 * time.Minute
	estimateValidation = time.Minute
)

// computeWaves splits the ordered host list into deployment waves using
// the configured wave strategy. Empty waves are dropped; hosts left
// unassigned by geographic or custom selection are appended as default
// waves of ⌈remaining/3⌉.
func computeWaves(hosts []string, wave section) [][]string {
	switch wave.str("Strategy", "") {
	case WavePercentage:
		size := ceilDiv(len(hosts)*int(wave.num("WavePercentage", 100)), 100)
		return chunkHosts(hosts, size)
	case WaveGeographic:
		return assignedWaves(hosts, func(assigned map[string]bool) [][]string {
			var waves [][]string
			for _, region := range wave.strs("Regions") {
				var members []string
				for _, host := range hosts {
					if !assigned[host] && strings.Contains(host, region) {
						members = append(members, host)
						assigned[host] = true
					}
				}
				if len(members) > 0 {
					waves = append(waves, members)
				}
			}
			return waves
		})
	case WaveCustom:
		return assignedWaves(hosts, func(assigned map[string]bool) [][]string {
			target := make(map[string]bool, len(hosts))
			for _, h := range hosts {
				target[h] = true
			}
			var waves [][]string
			for _, list := range wave.strLists("Waves") {
				var members []string
				for _, host := range list {
					if target[host] && !assigned[host] {
						members = append(members, host)
						assigned[host] = true
					}
				}
				if len(members) > 0 {
					waves = append(waves, members)
				}
			}
			return waves
		})
	default: // FixedSize
		return chunkHosts(hosts, wave.integer("WaveSize", 1))
	}
}

// assignedWaves runs the selection function, then chunks whatever hosts it
// left unassigned into trailing default waves.
func assignedWaves(hosts []string, pick func(assigned map[string]bool) [][]string) [][]string {
	assigned := make(map[string]bool, len(hosts))
	waves := pick(assigned)

	var remaining []string
	for _, host := range hosts {
		if !assigned[host] {
			remaining = append(remaining, host)
		}
	}
	if len(remaining) > 0 {
		size := ceilDiv(len(remaining), defaultWaveDivisor)
		waves = append(waves, chunkHosts(remaining, size)...)
	}
	return waves
}

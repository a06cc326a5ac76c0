package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// Configuration sections read by the planners. Each is a nested mapping
// inside the workflow's free-form configuration.
const (
	SectionRolling       = "RollingConfiguration"
	SectionWave          = "WaveConfiguration"
	SectionHealthCheck   = "HealthCheckConfiguration"
	SectionBlue          = "BlueEnvironment"
	SectionGreen         = "GreenEnvironment"
	SectionLoadBalancer  = "LoadBalancerConfig"
	SectionCanary        = "CanaryConfiguration"
	SectionTrafficSplit  = "TrafficSplitting"
	SectionMonitoring    = "MonitoringConfiguration"
)

// Request carries everything a planner needs to build a phase list.
type Request struct {
	WorkflowID    string
	ServiceName   string
	Version       string
	PackageURL    string
	TargetHosts   []string
	Configuration map[string]any
	Defaults      Defaults
}

// Defaults are the engine-level fallbacks applied when the plan does not
// override them.
type Defaults struct {
	PhaseTimeout time.Duration
	StepTimeout  time.Duration
	MaxRetries   int
}

// Planner turns a deployment request into an ordered phase list. Planners
// are pure: no I/O, no clocks beyond arithmetic on configured durations.
type Planner interface {
	Strategy() types.DeployStrategy
	Description() string
	// ValidateConfiguration checks the request's configuration for the
	// keys this strategy requires. It returns InvalidConfiguration
	// errors with the offending key named.
	ValidateConfiguration(config map[string]any) error
	// Plan builds the ordered phase list. The request must already have
	// passed ValidateConfiguration.
	Plan(req *Request) ([]*types.Phase, error)
	// EstimateDuration approximates the wall time of a run. Informational.
	EstimateDuration(req *Request) time.Duration
}

// Registry resolves planners by strategy tag.
type Registry struct {
	planners map[types.DeployStrategy]Planner
}

// NewRegistry builds a registry from the given planners. Later planners
// with the same tag replace earlier ones.
func NewRegistry(planners ...Planner) *Registry {
	r := &Registry{planners: make(map[types.DeployStrategy]Planner, len(planners))}
	for _, p := range planners {
		r.planners[p.Strategy()] = p
	}
	return r
}

// DefaultRegistry returns a registry with the three built-in strategies.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewRollingPlanner(),
		NewBlueGreenPlanner(),
		NewCanaryPlanner(),
	)
}

// Get returns the planner for the strategy tag.
func (r *Registry) Get(s types.DeployStrategy) (Planner, error) {
	p, ok := r.planners[s]
	if !ok {
		return nil, errdefs.InvalidConfigurationf("unknown deployment strategy: %s", s)
	}
	return p, nil
}

// Strategies lists the registered strategies sorted by name.
func (r *Registry) Strategies() []types.StrategyInfo {
	out := make([]types.StrategyInfo, 0, len(r.planners))
	for _, p := range r.planners {
		out = append(out, types.StrategyInfo{
			Name:        string(p.Strategy()),
			Description: p.Description(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// planBuilder accumulates phases and assigns stable ids when finishing:
// phases are "phase-{n}" and steps "step-{phase}-{n}", both 1-based.
type planBuilder struct {
	defaults Defaults
	phases   []*types.Phase
}

func newPlanBuilder(defaults Defaults) *planBuilder {
	return &planBuilder{defaults: defaults}
}

func (b *planBuilder) addPhase(name string, hosts []string) *types.Phase {
	p := &types.Phase{
		Name:              name,
		Timeout:           b.defaults.PhaseTimeout,
		MaxRetries:        b.defaults.MaxRetries,
		RollbackOnFailure: true,
		TargetHosts:       hosts,
		Status:            types.PhaseStatusPending,
	}
	b.phases = append(b.phases, p)
	return p
}

func addStep(p *types.Phase, name string, t types.StepType, host string, params map[string]any) *types.Step {
	s := &types.Step{
		Name:       name,
		Type:       t,
		TargetHost: host,
		Parameters: params,
		Status:     types.StepStatusPending,
	}
	p.Steps = append(p.Steps, s)
	return s
}

// finish numbers phases and steps and returns the plan.
func (b *planBuilder) finish() []*types.Phase {
	for i, p := range b.phases {
		p.ID = fmt.Sprintf("phase-%d", i+1)
		for j, s := range p.Steps {
			s.ID = fmt.Sprintf("step-%d-%d", i+1, j+1)
		}
	}
	return b.phases
}

// chunkHosts splits hosts into consecutive waves of the given size. The
// final wave may be smaller; zero-sized waves are never produced.
func chunkHosts(hosts []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var waves [][]string
	for start := 0; start < len(hosts); start += size {
		end := start + size
		if end > len(hosts) {
			end = len(hosts)
		}
		waves = append(waves, hosts[start:end])
	}
	return waves
}

// ceilDiv returns ⌈a/b⌉ for positive b.
func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

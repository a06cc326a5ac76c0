package worker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/health"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// Builtins returns the workers every daemon registers at boot.
func Builtins(prober health.Prober, source MetricsSource) []Worker {
	return []Worker{
		NewPackageValidator(nil),
		NewHealthValidator(NameDeploymentValidator, prober),
		NewHealthValidator(NameSmokeTester, prober),
		NewHealthValidator(NameEndpointValidator, prober),
		NewHealthValidator(NameTrafficValidator, prober),
		NewHealthValidator(NameEnvironmentValidator, prober),
		NewDeploymentMonitor(prober),
		NewCanaryMonitor(source),
		NewConfigSnapshotter(),
		NewWorkspaceCleaner(),
	}
}

// PackageValidator confirms the deployment package is reachable before
// any host is touched. A HEAD request must answer below 400.
type PackageValidator struct {
	client *http.Client
}

// NewPackageValidator creates a package validator. A nil client gets a
// 10 second default.
func NewPackageValidator(client *http.Client) *PackageValidator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &PackageValidator{client: client}
}

func (v *PackageValidator) Name() string { return NamePackageValidator }

func (v *PackageValidator) Run(ctx context.Context, req Request) (string, error) {
	if req.PackageURL == "" {
		return "", errdefs.InvalidConfigurationf("workflow %s has no package url", req.WorkflowID)
	}
	version := req.Step.StringParam(types.ParamToVersion, req.Version)
	if version == "" {
		return "", errdefs.InvalidConfigurationf("workflow %s has no target version", req.WorkflowID)
	}
	// Non-HTTP locators (file shares, artifact store URIs) are taken on
	// trust; the agents resolve them.
	if !strings.HasPrefix(req.PackageURL, "http://") && !strings.HasPrefix(req.PackageURL, "https://") {
		return fmt.Sprintf("package %s version %s accepted", req.PackageURL, version), nil
	}

	head, err := http.NewRequestWithContext(ctx, http.MethodHead, req.PackageURL, nil)
	if err != nil {
		return "", errdefs.InvalidConfigurationf("package url %s: %v", req.PackageURL, err)
	}
	resp, err := v.client.Do(head)
	if err != nil {
		return "", errdefs.DependencyUnavailablef("package %s unreachable: %v", req.PackageURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", errdefs.InvalidConfigurationf("package %s returned %d", req.PackageURL, resp.StatusCode)
	}
	return fmt.Sprintf("package %s version %s reachable (%d)", req.PackageURL, version, resp.StatusCode), nil
}

// HealthValidator probes every host of the step's phase and fails when
// any host reports unhealthy. The smoke, endpoint, traffic, and
// environment validators all reduce to this check against the fleet's
// health surface; richer validations live with the agents.
type HealthValidator struct {
	name   string
	prober health.Prober
}

// NewHealthValidator creates a fleet-health validator under the given
// worker name.
func NewHealthValidator(name string, prober health.Prober) *HealthValidator {
	return &HealthValidator{name: name, prober: prober}
}

func (v *HealthValidator) Name() string { return v.name }

func (v *HealthValidator) Run(ctx context.Context, req Request) (string, error) {
	if len(req.Hosts) == 0 {
		return "no hosts to validate", nil
	}
	var unhealthy []string
	for _, host := range req.Hosts {
		result := v.prober.Check(ctx, host, req.ServiceName)
		if !result.Healthy {
			unhealthy = append(unhealthy, fmt.Sprintf("%s: %s", host, result.Message))
		}
	}
	if len(unhealthy) > 0 {
		return "", fmt.Errorf("%d of %d hosts unhealthy: %s",
			len(unhealthy), len(req.Hosts), strings.Join(unhealthy, "; "))
	}
	return fmt.Sprintf("%d hosts healthy", len(req.Hosts)), nil
}

// ConfigSnapshotter records which hosts ran which version before they
// are retired, so a manual rollback has something to aim at.
type ConfigSnapshotter struct{}

func NewConfigSnapshotter() *ConfigSnapshotter { return &ConfigSnapshotter{} }

func (s *ConfigSnapshotter) Name() string { return NameConfigSnapshotter }

func (s *ConfigSnapshotter) Run(ctx context.Context, req Request) (string, error) {
	env := req.Step.StringParam(types.ParamEnvironment, "")
	from := req.Step.StringParam(types.ParamFromVersion, "")
	return fmt.Sprintf("snapshot environment=%s hosts=%s version=%s taken at %s",
		env, strings.Join(req.Hosts, ","), from, time.Now().UTC().Format(time.RFC3339)), nil
}

// WorkspaceCleaner acknowledges workspace cleanup. The actual file
// removal happens agent-side when the cleanup command lands; the engine
// only records that the phase reached it.
type WorkspaceCleaner struct{}

func NewWorkspaceCleaner() *WorkspaceCleaner { return &WorkspaceCleaner{} }

func (c *WorkspaceCleaner) Name() string { return NameWorkspaceCleaner }

func (c *WorkspaceCleaner) Run(ctx context.Context, req Request) (string, error) {
	if len(req.Hosts) == 0 {
		return "nothing to clean", nil
	}
	return fmt.Sprintf("workspace cleanup recorded for %s", strings.Join(req.Hosts, ",")), nil
}

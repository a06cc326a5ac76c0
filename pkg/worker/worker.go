package worker

import (
	"context"
	"sort"
	"sync"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// Names of the built-in workers strategy planners reference through the
// "worker" step parameter.
const (
	NamePackageValidator     = "package-validator"
	NameDeploymentValidator  = "deployment-validator"
	NameDeploymentMonitor    = "deployment-monitor"
	NameCanaryMonitor        = "canary-monitor"
	NameSmokeTester          = "smoke-tester"
	NameEndpointValidator    = "endpoint-validator"
	NameTrafficValidator     = "traffic-validator"
	NameEnvironmentValidator = "environment-validator"
	NameConfigSnapshotter    = "config-snapshotter"
	NameWorkspaceCleaner     = "workspace-cleaner"
)

// Request carries the workflow context a worker runs in. Hosts is the
// target set of the step's phase.
type Request struct {
	WorkflowID  string
	ServiceName string
	Version     string
	PackageURL  string
	Hosts       []string
	Step        *types.Step
}

// Worker runs one validation, cleanup, or custom step. The returned
// string becomes the step output; an error fails the step.
type Worker interface {
	Name() string
	Run(ctx context.Context, req Request) (string, error)
}

// Registry resolves workers by name. Safe for concurrent use; the
// executor reads it from many workflow goroutines.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry creates a registry holding the given workers.
func NewRegistry(workers ...Worker) *Registry {
	r := &Registry{workers: make(map[string]Worker, len(workers))}
	for _, w := range workers {
		r.workers[w.Name()] = w
	}
	return r
}

// Register adds or replaces a worker.
func (r *Registry) Register(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Name()] = w
}

// Get returns the worker registered under name.
func (r *Registry) Get(name string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	if !ok {
		return nil, errdefs.NotFoundf("worker not registered: %s", name)
	}
	return w, nil
}

// Names lists the registered worker names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workers))
	for name := range r.workers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Package health is the HealthProbe port: a synchronous healthy/unhealthy
// check per host plus wait-until-healthy polling. The workflow executor
// consults it for health_check and wait_for_healthy steps, and the worker
// builtins use it during validation.
package health

import (
	"context"
	"time"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
)

// Result is the outcome of one probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Prober checks host health. WaitHealthy polls until the host reports
// healthy, the timeout lapses, or the context is cancelled.
type Prober interface {
	Check(ctx context.Context, host, service string) Result
	WaitHealthy(ctx context.Context, host, service string, timeout time.Duration) error
}

// waitForHealthy is the shared polling loop behind WaitHealthy
// implementations. It probes immediately, then on every interval tick.
func waitForHealthy(ctx context.Context, p Prober, host, service string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result := p.Check(ctx, host, service)
		if result.Healthy {
			return nil
		}
		if time.Now().After(deadline) {
			return errdefs.Timeoutf("host %s not healthy after %s: %s", host, timeout, result.Message)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

package worker

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/powerdaemon/powerdaemon/pkg/health"
	"github.com/powerdaemon/powerdaemon/pkg/log"
	"github.com/powerdaemon/powerdaemon/pkg/metricsquery"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// MetricsSource is the slice of the metrics port the canary monitor
// needs.
type MetricsSource interface {
	Query(ctx context.Context, metric string, filters map[string]string, from, to time.Time) ([]types.MetricSample, error)
}

// defaultMonitorInterval is how often the monitors sample during their
// observation window.
const defaultMonitorInterval = 30 * time.Second

// DeploymentMonitor holds a wave open for its observation window,
// probing the wave's hosts on every tick. An unhealthy host at the end
// of the window fails the step.
type DeploymentMonitor struct {
	prober health.Prober
	logger zerolog.Logger

	// Interval overrides the sampling cadence (default 30s).
	Interval time.Duration
}

func NewDeploymentMonitor(prober health.Prober) *DeploymentMonitor {
	return &DeploymentMonitor{
		prober:   prober,
		logger:   log.WithComponent("monitor"),
		Interval: defaultMonitorInterval,
	}
}

func (m *DeploymentMonitor) Name() string { return NameDeploymentMonitor }

func (m *DeploymentMonitor) Run(ctx context.Context, req Request) (string, error) {
	duration := req.Step.DurationParam(types.ParamDuration, time.Minute)
	deadline := time.Now().Add(duration)

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	checks := 0
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		checks++
		for _, host := range req.Hosts {
			if result := m.prober.Check(ctx, host, req.ServiceName); !result.Healthy {
				m.logger.Warn().Str("workflow_id", req.WorkflowID).Str("host", host).
					Str("status", result.Message).Msg("host unhealthy during monitoring")
			}
		}
	}

	// The window only gates on the final state; transient dips during the
	// window are logged, not fatal.
	for _, host := range req.Hosts {
		if result := m.prober.Check(ctx, host, req.ServiceName); !result.Healthy {
			return "", fmt.Errorf("host %s unhealthy after %s monitoring: %s", host, duration, result.Message)
		}
	}
	return fmt.Sprintf("monitored %d hosts for %s (%d checks), all healthy", len(req.Hosts), duration, checks), nil
}

// CanaryMonitor watches the canary subset under live traffic. It samples
// the configured metrics over the observation window and fails the step,
// which triggers rollback on auto-rollback workflows, when the error
// rate trips the configured threshold.
type CanaryMonitor struct {
	source MetricsSource
	logger zerolog.Logger

	// Interval overrides the sampling cadence (default 30s).
	Interval time.Duration
}

func NewCanaryMonitor(source MetricsSource) *CanaryMonitor {
	return &CanaryMonitor{
		source:   source,
		logger:   log.WithComponent("monitor"),
		Interval: defaultMonitorInterval,
	}
}

func (m *CanaryMonitor) Name() string { return NameCanaryMonitor }

func (m *CanaryMonitor) Run(ctx context.Context, req Request) (string, error) {
	duration := req.Step.DurationParam(types.ParamDuration, 5*time.Minute)
	threshold := req.Step.FloatParam(types.ParamErrorRate, 0)
	metrics := stringList(req.Step.Parameters[types.ParamMetrics])

	started := time.Now()
	deadline := started.Add(duration)
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		if threshold <= 0 {
			continue
		}
		rate, err := m.errorRate(ctx, req, started)
		if err != nil {
			m.logger.Warn().Err(err).Str("workflow_id", req.WorkflowID).Msg("canary metrics query failed")
			continue
		}
		if !math.IsNaN(rate) && rate > threshold {
			return "", fmt.Errorf("canary error rate %.2f exceeds threshold %.2f", rate, threshold)
		}
	}

	// One final reading so short windows still see at least one sample.
	if threshold > 0 {
		rate, err := m.errorRate(ctx, req, started)
		if err == nil && !math.IsNaN(rate) && rate > threshold {
			return "", fmt.Errorf("canary error rate %.2f exceeds threshold %.2f", rate, threshold)
		}
	}
	return fmt.Sprintf("canary stable for %s across %d metrics", duration, len(metrics)), nil
}

// errorRate averages the error-rate metric over the observation so far,
// scoped to the monitored service.
func (m *CanaryMonitor) errorRate(ctx context.Context, req Request, since time.Time) (float64, error) {
	samples, err := m.source.Query(ctx, "error_rate_percent",
		map[string]string{"service": req.ServiceName}, since, time.Now())
	if err != nil {
		return 0, err
	}
	return metricsquery.Aggregate(samples, types.AggregationAvg), nil
}

// stringList normalizes a []string or JSON-decoded []any parameter.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerdaemon/powerdaemon/pkg/health"
	"github.com/powerdaemon/powerdaemon/pkg/metricsquery"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// stubProber reports a fixed health state per host; hosts not listed
// are healthy.
type stubProber struct {
	unhealthy map[string]bool
}

func (p *stubProber) Check(ctx context.Context, host, service string) health.Result {
	if p.unhealthy[host] {
		return health.Result{Healthy: false, Message: "connection refused", CheckedAt: time.Now()}
	}
	return health.Result{Healthy: true, Message: "HTTP 200 OK", CheckedAt: time.Now()}
}

func (p *stubProber) WaitHealthy(ctx context.Context, host, service string, timeout time.Duration) error {
	if p.unhealthy[host] {
		return context.DeadlineExceeded
	}
	return nil
}

func step(params map[string]any) *types.Step {
	return &types.Step{ID: "step-1-1", Type: types.StepTypeValidation, Parameters: params}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(NewWorkspaceCleaner(), NewConfigSnapshotter())

	w, err := reg.Get(NameWorkspaceCleaner)
	require.NoError(t, err)
	assert.Equal(t, NameWorkspaceCleaner, w.Name())

	_, err = reg.Get("no-such-worker")
	assert.Error(t, err)

	assert.Equal(t, []string{NameConfigSnapshotter, NameWorkspaceCleaner}, reg.Names())
}

func TestPackageValidator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.tar.gz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := NewPackageValidator(srv.Client())

	tests := []struct {
		name       string
		packageURL string
		wantErr    bool
	}{
		{"reachable package", srv.URL + "/pkg.tar.gz", false},
		{"missing package", srv.URL + "/missing.tar.gz", true},
		{"empty url", "", true},
		{"non-http locator accepted", "artifact://repo/pkg-1.2.3", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Run(context.Background(), Request{
				WorkflowID: "wf-1",
				Version:    "1.2.3",
				PackageURL: tt.packageURL,
				Step:       step(map[string]any{types.ParamToVersion: "1.2.3"}),
			})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHealthValidator(t *testing.T) {
	prober := &stubProber{unhealthy: map[string]bool{"web-03": true}}
	v := NewHealthValidator(NameDeploymentValidator, prober)

	out, err := v.Run(context.Background(), Request{
		ServiceName: "billing",
		Hosts:       []string{"web-01", "web-02"},
		Step:        step(nil),
	})
	require.NoError(t, err)
	assert.Contains(t, out, "2 hosts healthy")

	_, err = v.Run(context.Background(), Request{
		ServiceName: "billing",
		Hosts:       []string{"web-01", "web-03"},
		Step:        step(nil),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web-03")
}

func TestDeploymentMonitorHealthyWindow(t *testing.T) {
	m := NewDeploymentMonitor(&stubProber{})
	m.Interval = 10 * time.Millisecond

	out, err := m.Run(context.Background(), Request{
		ServiceName: "billing",
		Hosts:       []string{"web-01"},
		Step:        step(map[string]any{types.ParamDuration: "50ms"}),
	})
	require.NoError(t, err)
	assert.Contains(t, out, "all healthy")
}

func TestDeploymentMonitorUnhealthyAtEnd(t *testing.T) {
	m := NewDeploymentMonitor(&stubProber{unhealthy: map[string]bool{"web-01": true}})
	m.Interval = 10 * time.Millisecond

	_, err := m.Run(context.Background(), Request{
		ServiceName: "billing",
		Hosts:       []string{"web-01"},
		Step:        step(map[string]any{types.ParamDuration: "30ms"}),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web-01")
}

func TestCanaryMonitorErrorRateTrips(t *testing.T) {
	source := metricsquery.NewStatic()
	source.Set("error_rate_percent",
		types.MetricSample{Timestamp: time.Now(), Value: 12, Labels: map[string]string{"service": "billing"}},
	)

	m := NewCanaryMonitor(source)
	m.Interval = 10 * time.Millisecond

	_, err := m.Run(context.Background(), Request{
		WorkflowID:  "wf-1",
		ServiceName: "billing",
		Hosts:       []string{"web-01"},
		Step: step(map[string]any{
			types.ParamDuration:  "50ms",
			types.ParamErrorRate: 5.0,
			types.ParamMetrics:   []string{"error_rate_percent"},
		}),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}

func TestCanaryMonitorStable(t *testing.T) {
	source := metricsquery.NewStatic()
	source.Set("error_rate_percent",
		types.MetricSample{Timestamp: time.Now(), Value: 0.4, Labels: map[string]string{"service": "billing"}},
	)

	m := NewCanaryMonitor(source)
	m.Interval = 10 * time.Millisecond

	out, err := m.Run(context.Background(), Request{
		ServiceName: "billing",
		Hosts:       []string{"web-01"},
		Step: step(map[string]any{
			types.ParamDuration:  "50ms",
			types.ParamErrorRate: 5.0,
		}),
	})
	require.NoError(t, err)
	assert.Contains(t, out, "canary stable")
}

func TestCanaryMonitorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewCanaryMonitor(metricsquery.NewStatic())
	m.Interval = 10 * time.Millisecond

	_, err := m.Run(ctx, Request{
		Step: step(map[string]any{types.ParamDuration: "1h"}),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/powerdaemon/powerdaemon/pkg/alerting"
	"github.com/powerdaemon/powerdaemon/pkg/bus"
	"github.com/powerdaemon/powerdaemon/pkg/cache"
	"github.com/powerdaemon/powerdaemon/pkg/config"
	"github.com/powerdaemon/powerdaemon/pkg/executor"
	"github.com/powerdaemon/powerdaemon/pkg/health"
	"github.com/powerdaemon/powerdaemon/pkg/identity"
	"github.com/powerdaemon/powerdaemon/pkg/orchestrator"
	"github.com/powerdaemon/powerdaemon/pkg/storage"
	"github.com/powerdaemon/powerdaemon/pkg/strategy"
	"github.com/powerdaemon/powerdaemon/pkg/types"
	"github.com/powerdaemon/powerdaemon/pkg/worker"
	"github.com/powerdaemon/powerdaemon/pkg/workflow"
)

type healthyProber struct{}

func (healthyProber) Check(ctx context.Context, host, service string) health.Result {
	return health.Result{Healthy: true, CheckedAt: time.Now()}
}

func (healthyProber) WaitHealthy(ctx context.Context, host, service string, timeout time.Duration) error {
	return nil
}

type nopLB struct{}

func (nopLB) AddServer(ctx context.Context, service, host string) error    { return nil }
func (nopLB) RemoveServer(ctx context.Context, service, host string) error { return nil }
func (nopLB) SwitchTraffic(ctx context.Context, service string, from, to []string) error {
	return nil
}
func (nopLB) SplitTraffic(ctx context.Context, service string, percentage float64, strategy string, to []string) error {
	return nil
}
func (nopLB) Promote(ctx context.Context, service string) error { return nil }

type apiHarness struct {
	srv    *httptest.Server
	alerts *alerting.Lifecycle
	rules  *alerting.RuleStore
	store  storage.Store
}

func newAPIHarness(t *testing.T, idp identity.Provider, authRequired bool) *apiHarness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	c, err := cache.NewRedis(cache.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	b := bus.NewMemory()
	wfRepo := workflow.NewRepository(store, c)
	prober := healthyProber{}
	workers := worker.NewRegistry(worker.Builtins(prober, nil)...)
	exec := executor.New(wfRepo, b, prober, nopLB{}, workers, executor.Config{
		WorkflowTimeout: time.Minute,
		PhaseTimeout:    30 * time.Second,
		StepTimeout:     10 * time.Second,
		RetryDelay:      time.Millisecond,
		PauseInterval:   10 * time.Millisecond,
	})

	ocfg := config.Default().Orchestrator
	ocfg.MaxRetryAttempts = 0
	orch := orchestrator.New(wfRepo, c, b, exec, strategy.DefaultRegistry(), idp, ocfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx, time.Second)
	})

	rules, err := alerting.NewRuleStore(context.Background(), c)
	require.NoError(t, err)
	alerts := alerting.NewLifecycle(c, b, nil, time.Hour)

	server := NewServer(Deps{
		Orchestrator: orch,
		Alerts:       alerts,
		Rules:        rules,
		Store:        store,
		Identity:     idp,
		AuthRequired: authRequired,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &apiHarness{srv: srv, alerts: alerts, rules: rules, store: store}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any, headers ...string) *http.Response {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, payload)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func deploymentBody(hosts ...string) map[string]any {
	return map[string]any{
		"name":         "checkout rollout",
		"strategy":     "rolling",
		"service_name": "checkout",
		"version":      "2.0.0",
		"package_url":  "https://packages.test/checkout-2.0.0.tgz",
		"target_hosts": hosts,
		"configuration": map[string]any{
			strategy.SectionRolling: map[string]any{"Environment": "production"},
			strategy.SectionWave: map[string]any{
				"Strategy":     strategy.WaveFixedSize,
				"WaveSize":     2,
				"WaveInterval": "20ms",
			},
			strategy.SectionHealthCheck: map[string]any{"Timeout": "5s"},
		},
	}
}

func TestCreateDeploymentAndFetch(t *testing.T) {
	h := newAPIHarness(t, identity.NewAnonymous(), false)

	resp := h.do(t, http.MethodPost, "/api/v1/deployments", deploymentBody("h1", "h2"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decodeBody[types.Workflow](t, resp)
	require.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.Phases)

	require.Eventually(t, func() bool {
		resp := h.do(t, http.MethodGet, "/api/v1/deployments/"+created.ID, nil)
		wf := decodeBody[types.Workflow](t, resp)
		return wf.Status == types.WorkflowStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	resp = h.do(t, http.MethodGet, "/api/v1/deployments/"+created.ID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decodeBody[[]types.WorkflowEvent](t, resp)
	assert.NotEmpty(t, events)

	resp = h.do(t, http.MethodGet, "/api/v1/deployments?status=completed", nil)
	listed := decodeBody[[]types.Workflow](t, resp)
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)
}

func TestCreateDeploymentRejectsBadRequest(t *testing.T) {
	h := newAPIHarness(t, identity.NewAnonymous(), false)

	body := deploymentBody("h1")
	delete(body, "service_name")
	resp := h.do(t, http.MethodPost, "/api/v1/deployments", body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	envelope := decodeBody[errorEnvelope](t, resp)
	assert.Equal(t, "invalid_configuration", envelope.Error.Kind)
}

func TestGetDeploymentNotFound(t *testing.T) {
	h := newAPIHarness(t, identity.NewAnonymous(), false)
	resp := h.do(t, http.MethodGet, "/api/v1/deployments/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	envelope := decodeBody[errorEnvelope](t, resp)
	assert.Equal(t, "not_found", envelope.Error.Kind)
}

func TestStrategiesEndpoint(t *testing.T) {
	h := newAPIHarness(t, identity.NewAnonymous(), false)
	resp := h.do(t, http.MethodGet, "/api/v1/strategies", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	infos := decodeBody[[]types.StrategyInfo](t, resp)
	assert.Len(t, infos, 3)
}

func TestHealthEndpoints(t *testing.T) {
	h := newAPIHarness(t, identity.NewAnonymous(), false)

	resp := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/health/orchestrator", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decodeBody[types.OrchestratorHealth](t, resp)
	assert.Equal(t, "healthy", doc.Status)

	resp = h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAlertLifecycleOverHTTP(t *testing.T) {
	h := newAPIHarness(t, identity.NewAnonymous(), false)
	ctx := context.Background()

	alert, err := h.alerts.CreateAlert(ctx, &alerting.CreateAlertRequest{
		Title: "High CPU usage", Message: "cpu hot", Severity: types.SeverityCritical,
		RuleID: "rule-1", Metric: "cpu_usage_percent", Threshold: 90, ActualValue: 95,
	})
	require.NoError(t, err)

	resp := h.do(t, http.MethodGet, "/api/v1/alerts?status=active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decodeBody[[]types.Alert](t, resp)
	require.Len(t, listed, 1)

	resp = h.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/acknowledge",
		map[string]string{"by": "alice", "comment": "looking"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	acked := decodeBody[types.Alert](t, resp)
	assert.Equal(t, types.AlertStatusAcknowledged, acked.Status)

	resp = h.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/resolve",
		map[string]string{"by": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Resolve is idempotent over HTTP too.
	resp = h.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/resolve",
		map[string]string{"by": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/acknowledge",
		map[string]string{"by": "alice"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	envelope := decodeBody[errorEnvelope](t, resp)
	assert.Equal(t, "invalid_state", envelope.Error.Kind)
}

func TestSuppressAlertParsesDuration(t *testing.T) {
	h := newAPIHarness(t, identity.NewAnonymous(), false)

	alert, err := h.alerts.CreateAlert(context.Background(), &alerting.CreateAlertRequest{
		Title: "High CPU usage", Severity: types.SeverityWarning, RuleID: "rule-1",
		Metric: "cpu_usage_percent",
	})
	require.NoError(t, err)

	resp := h.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/suppress",
		map[string]string{"duration": "2h", "reason": "maintenance"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	suppressed := decodeBody[types.Alert](t, resp)
	assert.Equal(t, types.AlertStatusSuppressed, suppressed.Status)

	resp = h.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/suppress",
		map[string]string{"duration": "soon"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRuleCRUDOverHTTP(t *testing.T) {
	h := newAPIHarness(t, identity.NewAnonymous(), false)

	rule := map[string]any{
		"name":     "latency p95",
		"enabled":  true,
		"severity": "warning",
		"condition": map[string]any{
			"metric":      "response_time_ms",
			"operator":    "gt",
			"threshold":   2000,
			"aggregation": "p95",
		},
		"evaluation_interval": int64(30 * time.Second),
		"evaluation_window":   int64(5 * time.Minute),
		"minimum_data_points": 3,
	}
	resp := h.do(t, http.MethodPost, "/api/v1/alert-rules", rule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[types.AlertRule](t, resp)
	require.NotEmpty(t, created.ID)

	resp = h.do(t, http.MethodPost, "/api/v1/alert-rules/"+created.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	disabled := decodeBody[types.AlertRule](t, resp)
	assert.False(t, disabled.Enabled)

	resp = h.do(t, http.MethodGet, "/api/v1/alert-rules?include_disabled=true", nil)
	listed := decodeBody[[]types.AlertRule](t, resp)
	require.Len(t, listed, 1)

	resp = h.do(t, http.MethodDelete, "/api/v1/alert-rules/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = h.do(t, http.MethodGet, "/api/v1/alert-rules/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChannelEndpoints(t *testing.T) {
	h := newAPIHarness(t, identity.NewAnonymous(), false)

	resp := h.do(t, http.MethodPost, "/api/v1/channels", map[string]any{
		"name":     "ops",
		"type":     "webhook",
		"enabled":  true,
		"settings": map[string]string{"url": "http://example.test/hook"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[types.NotificationChannel](t, resp)
	require.NotEmpty(t, created.ID)

	resp = h.do(t, http.MethodGet, "/api/v1/channels", nil)
	listed := decodeBody[[]types.NotificationChannel](t, resp)
	require.Len(t, listed, 1)

	resp = h.do(t, http.MethodDelete, "/api/v1/channels/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = h.do(t, http.MethodDelete, "/api/v1/channels/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func staticProvider(t *testing.T) identity.Provider {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	return identity.NewStatic(config.IdentityConfig{
		Enabled:       true,
		JWTSecret:     "test-secret",
		TokenTTLHours: 1,
		Users: []config.UserConfig{
			{Username: "alice", PasswordHash: string(hash), Roles: []string{identity.RoleAdmin}},
			{Username: "bob", PasswordHash: string(hash), Roles: []string{identity.RoleViewer}},
		},
	})
}

func TestAuthRequiredFlow(t *testing.T) {
	h := newAPIHarness(t, staticProvider(t), true)

	// No token: rejected.
	resp := h.do(t, http.MethodGet, "/api/v1/deployments", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Login works without a token.
	resp = h.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": "alice", "password": "hunter2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	auth := decodeBody[identity.AuthResult](t, resp)
	require.NotEmpty(t, auth.Token)

	resp = h.do(t, http.MethodGet, "/api/v1/deployments", nil,
		"Authorization", "Bearer "+auth.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Bad credentials stay out.
	resp = h.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": "alice", "password": "wrong"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestViewerCannotMutate(t *testing.T) {
	h := newAPIHarness(t, staticProvider(t), true)

	resp := h.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": "bob", "password": "hunter2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	auth := decodeBody[identity.AuthResult](t, resp)

	resp = h.do(t, http.MethodPost, "/api/v1/deployments", deploymentBody("h1"),
		"Authorization", "Bearer "+auth.Token)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/alert-rules", map[string]any{"name": "x"},
		"Authorization", "Bearer "+auth.Token)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Reads stay open to viewers.
	resp = h.do(t, http.MethodGet, "/api/v1/alerts", nil,
		"Authorization", "Bearer "+auth.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeploymentStatisticsEndpoint(t *testing.T) {
	h := newAPIHarness(t, identity.NewAnonymous(), false)

	resp := h.do(t, http.MethodPost, "/api/v1/deployments", deploymentBody("h1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decodeBody[types.Workflow](t, resp)
	require.Eventually(t, func() bool {
		resp := h.do(t, http.MethodGet, "/api/v1/deployments/"+created.ID, nil)
		return decodeBody[types.Workflow](t, resp).Status == types.WorkflowStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	from := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	resp = h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments/statistics?from=%s", from), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decodeBody[types.WorkflowStatistics](t, resp)
	assert.Equal(t, 1, stats.Total)
}

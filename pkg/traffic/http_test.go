package traffic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
)

type recordedCall struct {
	Path    string
	Payload map[string]any
}

func newRecordingServer(t *testing.T, status int) (*httptest.Server, *[]recordedCall) {
	t.Helper()
	var mu sync.Mutex
	calls := &[]recordedCall{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		mu.Lock()
		*calls = append(*calls, recordedCall{Path: r.URL.Path, Payload: payload})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, calls
}

// TestLoadBalancerOperations tests each admin API call shape
func TestLoadBalancerOperations(t *testing.T) {
	server, calls := newRecordingServer(t, http.StatusOK)
	lb := NewHTTPLoadBalancer(Config{Endpoint: server.URL, APIKey: "test-key"})
	ctx := context.Background()

	require.NoError(t, lb.AddServer(ctx, "payments", "h1"))
	require.NoError(t, lb.RemoveServer(ctx, "payments", "h2"))
	require.NoError(t, lb.SwitchTraffic(ctx, "payments", []string{"h1"}, []string{"h2"}))
	require.NoError(t, lb.SplitTraffic(ctx, "payments", 20, "Weighted", []string{"h3"}))
	require.NoError(t, lb.Promote(ctx, "payments"))

	require.Len(t, *calls, 5)
	assert.Equal(t, "/backends/add", (*calls)[0].Path)
	assert.Equal(t, "h1", (*calls)[0].Payload["host"])
	assert.Equal(t, "/backends/remove", (*calls)[1].Path)
	assert.Equal(t, "/traffic/switch", (*calls)[2].Path)
	assert.Equal(t, []any{"h2"}, (*calls)[2].Payload["to_hosts"])
	assert.Equal(t, "/traffic/split", (*calls)[3].Path)
	assert.Equal(t, 20.0, (*calls)[3].Payload["percentage"])
	assert.Equal(t, "Weighted", (*calls)[3].Payload["strategy"])
	assert.Equal(t, "/traffic/promote", (*calls)[4].Path)
}

// TestLoadBalancerErrorStatus tests non-2xx responses surfacing as
// dependency errors
func TestLoadBalancerErrorStatus(t *testing.T) {
	server, _ := newRecordingServer(t, http.StatusBadGateway)
	lb := NewHTTPLoadBalancer(Config{Endpoint: server.URL, APIKey: "test-key"})

	err := lb.AddServer(context.Background(), "payments", "h1")
	require.Error(t, err)
	assert.True(t, errdefs.IsDependencyUnavailable(err))
}

// TestLoadBalancerBreakerOpens tests that repeated failures trip the breaker
func TestLoadBalancerBreakerOpens(t *testing.T) {
	server, _ := newRecordingServer(t, http.StatusInternalServerError)
	lb := NewHTTPLoadBalancer(Config{Endpoint: server.URL, APIKey: "test-key"})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.Error(t, lb.AddServer(ctx, "payments", "h1"))
	}

	err := lb.AddServer(ctx, "payments", "h1")
	require.Error(t, err)
	assert.True(t, errdefs.IsDependencyUnavailable(err))
	assert.Contains(t, err.Error(), "circuit open")
}

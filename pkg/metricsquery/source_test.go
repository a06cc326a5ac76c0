package metricsquery

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerdaemon/powerdaemon/pkg/types"
)

func samplesOf(values ...float64) []types.MetricSample {
	base := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	out := make([]types.MetricSample, len(values))
	for i, v := range values {
		out[i] = types.MetricSample{Timestamp: base.Add(time.Duration(i) * time.Minute), Value: v}
	}
	return out
}

// TestAggregate tests each aggregation kind
func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		kind     types.AggregationKind
		values   []float64
		expected float64
	}{
		{"avg", types.AggregationAvg, []float64{10, 20, 30}, 20},
		{"sum", types.AggregationSum, []float64{10, 20, 30}, 60},
		{"count", types.AggregationCount, []float64{10, 20, 30}, 3},
		{"min", types.AggregationMin, []float64{30, 10, 20}, 10},
		{"max", types.AggregationMax, []float64{30, 10, 20}, 30},
		{"p95 interpolates", types.AggregationP95, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 9.55},
		{"p99 interpolates", types.AggregationP99, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 9.91},
		{"p95 single sample", types.AggregationP95, []float64{42}, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate(samplesOf(tt.values...), tt.kind)
			assert.InDelta(t, tt.expected, got, 1e-9)
		})
	}
}

// TestAggregateEmpty tests that no samples yields NaN, not zero
func TestAggregateEmpty(t *testing.T) {
	for _, kind := range []types.AggregationKind{
		types.AggregationAvg, types.AggregationSum, types.AggregationCount,
		types.AggregationMin, types.AggregationMax, types.AggregationP95,
	} {
		assert.True(t, math.IsNaN(Aggregate(nil, kind)), "kind %s", kind)
	}
}

// TestStaticSourceFiltering tests window and label filtering
func TestStaticSourceFiltering(t *testing.T) {
	src := NewStatic()
	base := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	src.Set("cpu_usage_percent",
		types.MetricSample{Timestamp: base, Value: 50, Labels: map[string]string{"host": "h1"}},
		types.MetricSample{Timestamp: base.Add(time.Minute), Value: 90, Labels: map[string]string{"host": "h2"}},
		types.MetricSample{Timestamp: base.Add(2 * time.Hour), Value: 70, Labels: map[string]string{"host": "h1"}},
	)

	got, err := src.Query(context.Background(), "cpu_usage_percent",
		map[string]string{"host": "h1"}, base.Add(-time.Minute), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 50.0, got[0].Value, 1e-9)

	got, err = src.Query(context.Background(), "cpu_usage_percent",
		nil, base.Add(-time.Minute), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// TestPrometheusSourceQuery tests range query construction and matrix parsing
func TestPrometheusSourceQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query_range", r.URL.Path)
		assert.Equal(t, `cpu_usage_percent{host="h1",service="payments"}`, r.URL.Query().Get("query"))
		assert.NotEmpty(t, r.URL.Query().Get("start"))
		assert.NotEmpty(t, r.URL.Query().Get("end"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "success",
			"data": {
				"resultType": "matrix",
				"result": [
					{
						"metric": {"host": "h1"},
						"values": [[1751371200, "81.5"], [1751371260, "83.0"]]
					}
				]
			}
		}`))
	}))
	defer server.Close()

	src := NewPrometheusSource(server.URL)
	from := time.Unix(1751371200, 0)
	got, err := src.Query(context.Background(), "cpu_usage_percent",
		map[string]string{"service": "payments", "host": "h1"}, from, from.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 81.5, got[0].Value, 1e-9)
	assert.InDelta(t, 83.0, got[1].Value, 1e-9)
	assert.Equal(t, "h1", got[0].Labels["host"])
	assert.True(t, got[0].Timestamp.Before(got[1].Timestamp))
}

// TestPrometheusSourceErrorStatus tests upstream failures surfacing as
// dependency errors
func TestPrometheusSourceErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	src := NewPrometheusSource(server.URL)
	_, err := src.Query(context.Background(), "cpu_usage_percent", nil, time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)
}

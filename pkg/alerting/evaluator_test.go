package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerdaemon/powerdaemon/pkg/cache"
	"github.com/powerdaemon/powerdaemon/pkg/config"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

type fakeSource struct {
	mu      sync.Mutex
	samples map[string][]types.MetricSample
	fail    map[string]error
	queried []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		samples: make(map[string][]types.MetricSample),
		fail:    make(map[string]error),
	}
}

func (s *fakeSource) set(metric string, values ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	samples := make([]types.MetricSample, len(values))
	for i, v := range values {
		samples[i] = types.MetricSample{Timestamp: now.Add(time.Duration(i-len(values)) * time.Second), Value: v}
	}
	s.samples[metric] = samples
}

func (s *fakeSource) Query(ctx context.Context, metric string, filters map[string]string, from, to time.Time) ([]types.MetricSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queried = append(s.queried, metric)
	if err := s.fail[metric]; err != nil {
		return nil, err
	}
	return s.samples[metric], nil
}

func (s *fakeSource) queryCount(metric string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.queried {
		if m == metric {
			n++
		}
	}
	return n
}

type evalHarness struct {
	eval   *Evaluator
	rules  *RuleStore
	lc     *Lifecycle
	source *fakeSource
	cache  cache.Cache
}

func newEvalHarness(t *testing.T) *evalHarness {
	t.Helper()
	c := newTestCache(t)
	rules, err := NewRuleStore(context.Background(), c)
	require.NoError(t, err)
	lc := NewLifecycle(c, newTopicRecorder(), nil, time.Hour)
	source := newFakeSource()
	eval := NewEvaluator(rules, lc, source, c, config.Default().Alerting)
	return &evalHarness{eval: eval, rules: rules, lc: lc, source: source, cache: c}
}

// rearm clears the per-rule schedule gate so the next pass evaluates the
// rule again without waiting out its interval.
func (h *evalHarness) rearm(t *testing.T, ruleID string) {
	t.Helper()
	require.NoError(t, h.cache.Delete(context.Background(), cache.RuleLastEvalKey(ruleID)))
}

func TestEvaluatePassFiresThenAutoResolves(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	rule := sampleRule("cpu hot")
	require.NoError(t, h.rules.Create(ctx, rule))
	h.source.set("cpu_usage_percent", 94, 96, 95)

	require.NoError(t, h.eval.EvaluatePass(ctx))
	active, err := h.lc.List(ctx, types.AlertFilter{Status: types.AlertStatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	alert := active[0]
	assert.Equal(t, rule.ID, alert.RuleID)
	assert.Equal(t, "cpu hot", alert.Title)
	assert.InDelta(t, 95.0, alert.ActualValue, 0.01)
	assert.Equal(t, rule.Fingerprint(), alert.Fingerprint)
	assert.Equal(t, "%", alert.Unit)

	// Condition clears: the next due evaluation resolves the alert.
	h.source.set("cpu_usage_percent", 40, 42, 41)
	h.rearm(t, rule.ID)
	require.NoError(t, h.eval.EvaluatePass(ctx))

	got, err := h.lc.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AlertStatusResolved, got.Status)
}

func TestEvaluatePassDedupesRepeatedBreaches(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	rule := sampleRule("cpu hot")
	require.NoError(t, h.rules.Create(ctx, rule))
	h.source.set("cpu_usage_percent", 95, 95, 95)

	require.NoError(t, h.eval.EvaluatePass(ctx))
	h.rearm(t, rule.ID)
	require.NoError(t, h.eval.EvaluatePass(ctx))

	alerts, err := h.lc.List(ctx, types.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Len(t, alerts[0].DataPoints, 2)
}

func TestInsufficientDataSkipsRule(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	rule := sampleRule("needs three points")
	require.NoError(t, h.rules.Create(ctx, rule))
	h.source.set("cpu_usage_percent", 99, 99)

	require.NoError(t, h.eval.EvaluatePass(ctx))
	alerts, err := h.lc.List(ctx, types.AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestRuleIntervalGatesEvaluation(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	rule := sampleRule("gated")
	require.NoError(t, h.rules.Create(ctx, rule))
	h.source.set("cpu_usage_percent", 50, 50, 50)

	require.NoError(t, h.eval.EvaluatePass(ctx))
	require.NoError(t, h.eval.EvaluatePass(ctx))
	assert.Equal(t, 1, h.source.queryCount("cpu_usage_percent"))
}

func TestRuleFailureDoesNotAbortPass(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	broken := sampleRule("a broken")
	broken.Condition.Metric = "broken_metric"
	require.NoError(t, h.rules.Create(ctx, broken))
	working := sampleRule("b working")
	require.NoError(t, h.rules.Create(ctx, working))

	h.source.fail["broken_metric"] = errors.New("scrape timeout")
	h.source.set("cpu_usage_percent", 95, 95, 95)

	require.NoError(t, h.eval.EvaluatePass(ctx))
	alerts, err := h.lc.List(ctx, types.AlertFilter{Status: types.AlertStatusActive})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, working.ID, alerts[0].RuleID)
}

func TestDisabledRulesAreSkipped(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	rule := sampleRule("dormant")
	rule.Enabled = false
	require.NoError(t, h.rules.Create(ctx, rule))
	h.source.set("cpu_usage_percent", 99, 99, 99)

	require.NoError(t, h.eval.EvaluatePass(ctx))
	assert.Equal(t, 0, h.source.queryCount("cpu_usage_percent"))
}

func TestConditionMet(t *testing.T) {
	cases := []struct {
		op        types.CompareOperator
		value     float64
		threshold float64
		want      bool
	}{
		{types.OperatorGreaterThan, 91, 90, true},
		{types.OperatorGreaterThan, 90, 90, false},
		{types.OperatorGreaterEqual, 90, 90, true},
		{types.OperatorLessThan, 89, 90, true},
		{types.OperatorLessEqual, 90, 90, true},
		{types.OperatorLessEqual, 91, 90, false},
		{types.OperatorEqual, 90.0005, 90, true},
		{types.OperatorEqual, 90.1, 90, false},
		{types.OperatorNotEqual, 90.1, 90, true},
		{types.OperatorNotEqual, 90.0005, 90, false},
		{"bogus", 1, 1, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, conditionMet(tc.value, tc.op, tc.threshold),
			"%v %s %v", tc.value, tc.op, tc.threshold)
	}
}

func TestEscalationSweepRunsInPass(t *testing.T) {
	h := newEvalHarness(t)
	h.eval.escalateAfter = time.Millisecond
	ctx := context.Background()

	alert, err := h.lc.CreateAlert(ctx, breachRequest())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, h.eval.EvaluatePass(ctx))
	got, err := h.lc.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.Equal(t, types.SeverityCritical, got.Severity)
}

func TestPassHistoryRecorded(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	rule := sampleRule("tracked")
	require.NoError(t, h.rules.Create(ctx, rule))
	h.source.set("cpu_usage_percent", 95, 95, 95)
	require.NoError(t, h.eval.EvaluatePass(ctx))

	records, err := h.eval.History(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Evaluated)
	assert.Equal(t, 1, records[0].Firing)
}

func TestMetricUnit(t *testing.T) {
	assert.Equal(t, "%", metricUnit("cpu_usage_percent"))
	assert.Equal(t, "ms", metricUnit("response_time_ms"))
	assert.Equal(t, "B", metricUnit("heap_bytes"))
	assert.Equal(t, "s", metricUnit("gc_pause_seconds"))
	assert.Equal(t, "", metricUnit("service_healthy_count"))
}

package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAlertFingerprint(t *testing.T) {
	tests := []struct {
		name    string
		ruleID  string
		metric  string
		filters map[string]string
		same    map[string]string
	}{
		{
			name:    "no filters",
			ruleID:  "rule-1",
			metric:  "cpu_usage_percent",
			filters: nil,
			same:    map[string]string{},
		},
		{
			name:    "filter order does not matter",
			ruleID:  "rule-1",
			metric:  "cpu_usage_percent",
			filters: map[string]string{"service": "api", "host": "web-01"},
			same:    map[string]string{"host": "web-01", "service": "api"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := AlertFingerprint(tt.ruleID, tt.metric, tt.filters)
			b := AlertFingerprint(tt.ruleID, tt.metric, tt.same)
			assert.Equal(t, a, b)
			assert.Len(t, a, 64)
		})
	}
}

func TestAlertFingerprintDistinguishes(t *testing.T) {
	filters := map[string]string{"service": "api"}
	base := AlertFingerprint("rule-1", "cpu_usage_percent", filters)

	assert.NotEqual(t, base, AlertFingerprint("rule-2", "cpu_usage_percent", filters))
	assert.NotEqual(t, base, AlertFingerprint("rule-1", "memory_usage_percent", filters))
	assert.NotEqual(t, base, AlertFingerprint("rule-1", "cpu_usage_percent", map[string]string{"service": "web"}))
}

func TestRuleFingerprintMatchesAlertFingerprint(t *testing.T) {
	rule := &AlertRule{
		ID: "rule-1",
		Condition: AlertCondition{
			Metric:  "cpu_usage_percent",
			Filters: map[string]string{"host": "web-01"},
		},
	}
	assert.Equal(t, AlertFingerprint("rule-1", "cpu_usage_percent", map[string]string{"host": "web-01"}), rule.Fingerprint())
}

func TestAppendDataPointCap(t *testing.T) {
	a := &Alert{}
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < MaxAlertDataPoints+25; i++ {
		a.AppendDataPoint(base.Add(time.Duration(i)*time.Minute), float64(i))
	}

	assert.Len(t, a.DataPoints, MaxAlertDataPoints)
	// Oldest points drop first
	assert.Equal(t, float64(25), a.DataPoints[0].Value)
	assert.Equal(t, float64(MaxAlertDataPoints+24), a.DataPoints[len(a.DataPoints)-1].Value)
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityWarning))
	assert.True(t, SeverityWarning.AtLeast(SeverityWarning))
	assert.False(t, SeverityInfo.AtLeast(SeverityWarning))
}

func TestAlertOpen(t *testing.T) {
	tests := []struct {
		status AlertStatus
		open   bool
	}{
		{AlertStatusActive, true},
		{AlertStatusAcknowledged, true},
		{AlertStatusSuppressed, false},
		{AlertStatusResolved, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			a := &Alert{Status: tt.status}
			assert.Equal(t, tt.open, a.Open())
		})
	}
}

package types

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// MaxAlertDataPoints caps the evaluation history kept on an alert.
// Older points are dropped first.
const MaxAlertDataPoints = 100

// AlertRule defines a threshold check evaluated on a schedule against the
// metrics source.
type AlertRule struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	Enabled              bool           `json:"enabled"`
	Category             string         `json:"category,omitempty"`
	Severity             AlertSeverity  `json:"severity"`
	Condition            AlertCondition `json:"condition"`
	EvaluationInterval   time.Duration  `json:"evaluation_interval"` // must not exceed the window
	EvaluationWindow     time.Duration  `json:"evaluation_window"`
	MinimumDataPoints    int            `json:"minimum_data_points"`
	Tags                 []string       `json:"tags,omitempty"`
	NotificationChannels []string       `json:"notification_channels,omitempty"`
	SuppressionRules     []string       `json:"suppression_rules,omitempty"`
	Version              int64          `json:"version"` // bumped on every update
	BuiltIn              bool           `json:"built_in,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Fingerprint derives the stable identity of alerts raised by the rule.
func (r *AlertRule) Fingerprint() string {
	return AlertFingerprint(r.ID, r.Condition.Metric, r.Condition.Filters)
}

// AlertCondition is the threshold comparison a rule checks
type AlertCondition struct {
	Metric      string            `json:"metric"`
	Operator    CompareOperator   `json:"operator"`
	Threshold   float64           `json:"threshold"`
	Aggregation AggregationKind   `json:"aggregation"`
	Filters     map[string]string `json:"filters,omitempty"`
}

// AggregationKind reduces the samples in a rule window to one value
type AggregationKind string

const (
	AggregationAvg   AggregationKind = "avg"
	AggregationSum   AggregationKind = "sum"
	AggregationCount AggregationKind = "count"
	AggregationMin   AggregationKind = "min"
	AggregationMax   AggregationKind = "max"
	AggregationP95   AggregationKind = "p95"
	AggregationP99   AggregationKind = "p99"
)

// CompareOperator relates the aggregated value to the rule threshold.
// Equality operators compare within a 1e-3 tolerance.
type CompareOperator string

const (
	OperatorGreaterThan  CompareOperator = "gt"
	OperatorGreaterEqual CompareOperator = "gte"
	OperatorLessThan     CompareOperator = "lt"
	OperatorLessEqual    CompareOperator = "lte"
	OperatorEqual        CompareOperator = "eq"
	OperatorNotEqual     CompareOperator = "neq"
)

// AlertSeverity orders alerts for routing and escalation
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Rank maps severities to a comparable order (info < warning < critical).
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// AtLeast reports whether s is at least as severe as min.
func (s AlertSeverity) AtLeast(min AlertSeverity) bool {
	return s.Rank() >= min.Rank()
}

// Alert is a firing (or fired) rule instance, identified by fingerprint.
// At most one Active or Acknowledged alert exists per fingerprint.
type Alert struct {
	ID              string              `json:"id"`
	Title           string              `json:"title"`
	Message         string              `json:"message"`
	Severity        AlertSeverity       `json:"severity"`
	Category        string              `json:"category,omitempty"`
	HostID          string              `json:"host_id,omitempty"`
	ServiceID       string              `json:"service_id,omitempty"`
	RuleID          string              `json:"rule_id"`
	Threshold       float64             `json:"threshold"`
	ActualValue     float64             `json:"actual_value"`
	Unit            string              `json:"unit,omitempty"`
	Tags            []string            `json:"tags,omitempty"`
	DataPoints      []AlertDataPoint    `json:"data_points,omitempty"`
	Fingerprint     string              `json:"fingerprint"`
	Status          AlertStatus         `json:"status"`
	Actions         []AlertAction       `json:"actions,omitempty"`
	Notifications   []AlertNotification `json:"notifications,omitempty"`
	EscalationLevel int                 `json:"escalation_level"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	AcknowledgedAt  *time.Time          `json:"acknowledged_at,omitempty"`
	EscalatedAt     *time.Time          `json:"escalated_at,omitempty"`
	ResolvedAt      *time.Time          `json:"resolved_at,omitempty"`
}

// AlertStatus represents the lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusSuppressed   AlertStatus = "suppressed"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Open reports whether the alert counts against the fingerprint dedup
// invariant.
func (a *Alert) Open() bool {
	return a.Status == AlertStatusActive || a.Status == AlertStatusAcknowledged
}

// AlertDataPoint is one evaluation sample recorded on an alert
type AlertDataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// AppendDataPoint records an evaluation sample, dropping the oldest points
// once MaxAlertDataPoints is reached.
func (a *Alert) AppendDataPoint(ts time.Time, value float64) {
	a.DataPoints = append(a.DataPoints, AlertDataPoint{Timestamp: ts, Value: value})
	if n := len(a.DataPoints); n > MaxAlertDataPoints {
		a.DataPoints = a.DataPoints[n-MaxAlertDataPoints:]
	}
}

// AlertAction is one entry in the alert's action log
type AlertAction struct {
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user"`
	Action    string    `json:"action"` // acknowledged|resolved|escalated|suppressed|unsuppressed|comment
	Comment   string    `json:"comment,omitempty"`
}

// AlertNotification is one entry in the alert's notification log
type AlertNotification struct {
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// AlertFingerprint derives the deterministic identity of a logical alert:
// SHA-256 over the rule id, the metric name, and the sorted filter pairs.
func AlertFingerprint(ruleID, metric string, filters map[string]string) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(ruleID)
	b.WriteByte('\n')
	b.WriteString(metric)
	for _, k := range keys {
		b.WriteByte('\n')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(filters[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// AlertFilter narrows alert listings
type AlertFilter struct {
	Status   AlertStatus
	Severity AlertSeverity
	Category string
	RuleID   string
	Limit    int
}

// AlertStatistics summarizes the current alert population
type AlertStatistics struct {
	Total        int                   `json:"total"`
	Active       int                   `json:"active"`
	Acknowledged int                   `json:"acknowledged"`
	Suppressed   int                   `json:"suppressed"`
	Resolved     int                   `json:"resolved"`
	BySeverity   map[AlertSeverity]int `json:"by_severity"`
	ByCategory   map[string]int        `json:"by_category"`
}

// NotificationChannel is a configured destination for alert notifications
type NotificationChannel struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        ChannelType       `json:"type"`
	Settings    map[string]string `json:"settings,omitempty"`
	Enabled     bool              `json:"enabled"`
	MinSeverity AlertSeverity     `json:"min_severity"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ChannelType identifies the delivery mechanism of a channel
type ChannelType string

const (
	ChannelSlack   ChannelType = "slack"
	ChannelWebhook ChannelType = "webhook"
	ChannelEmail   ChannelType = "email"
	ChannelScript  ChannelType = "script"
)

// MetricSample is one observation returned by the metrics source
type MetricSample struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

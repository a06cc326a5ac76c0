package cache

import (
	"fmt"
	"time"
)

// Key builders and TTLs for every coordination key the engines share.
// Changing a name or TTL here changes the coordination contract.

const (
	WorkflowTTL         = 24 * time.Hour
	WorkflowLockTTL     = 5 * time.Minute
	PauseTTL            = 24 * time.Hour
	ActiveAlertTTL      = 5 * time.Minute
	FingerprintLockTTL  = 10 * time.Second
	LastEvalTTL         = time.Hour
	HealthTTL           = 5 * time.Minute
	RuleTTL             = 30 * 24 * time.Hour
	EvalHistoryTTL      = 7 * 24 * time.Hour
)

const (
	// KeyAlerts is the index set of all alert ids.
	KeyAlerts = "alerts"
	// KeyActiveAlerts is the set of alert ids with open alerts.
	KeyActiveAlerts = "active_alerts"
	// KeyAlertRules is the set of all rule ids.
	KeyAlertRules = "alert_rules"
	// KeyOrchestratorHealth caches the last health evaluation.
	KeyOrchestratorHealth = "orchestrator:health"
	// KeyNotifyRetry is the queue of failed notifications awaiting retry.
	KeyNotifyRetry = "notify_retry"
)

// WorkflowKey mirrors the persisted workflow document.
func WorkflowKey(id string) string { return "workflow:" + id }

// WorkflowLockKey is the single-writer lease gating workflow starts and
// mutations.
func WorkflowLockKey(id string) string { return "workflow-lock:" + id }

// WorkflowPauseKey is the pause marker the executor polls between phases
// and steps.
func WorkflowPauseKey(id string) string { return "workflow-pause:" + id }

// AlertRuleKey holds one rule document.
func AlertRuleKey(id string) string { return "alert_rule:" + id }

// AlertKey holds one alert document.
func AlertKey(id string) string { return "alert:" + id }

// FingerprintKey maps a fingerprint to the id of its open alert.
func FingerprintKey(fp string) string { return "alert_fingerprint:" + fp }

// ActiveAlertKey is the short-lived hot lookup used during evaluation.
func ActiveAlertKey(fp string) string { return "active_alert:" + fp }

// FingerprintLockKey is the brief lease serializing alert creation per
// fingerprint.
func FingerprintLockKey(fp string) string { return "alert_fingerprint_lock:" + fp }

// RuleLastEvalKey records when a rule was last evaluated.
func RuleLastEvalKey(ruleID string) string { return "alert_rule_last_eval:" + ruleID }

// SuppressionKey expires when an alert's suppression window ends.
func SuppressionKey(alertID string) string { return "alert_suppression:" + alertID }

// EvalHistoryKey buckets evaluation cycle records by hour.
func EvalHistoryKey(ts time.Time) string {
	return fmt.Sprintf("alert_evaluation_history:%s", ts.UTC().Format("2006010215"))
}

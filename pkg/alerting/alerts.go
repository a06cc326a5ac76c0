package alerting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/powerdaemon/powerdaemon/pkg/bus"
	"github.com/powerdaemon/powerdaemon/pkg/cache"
	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/log"
	"github.com/powerdaemon/powerdaemon/pkg/metrics"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// SystemUser attributes lifecycle actions taken by the engine itself.
const SystemUser = "System"

// maxEscalationLevel caps how often an unacknowledged alert re-notifies.
const maxEscalationLevel = 3

// Notifier delivers alert notifications. The dispatcher in pkg/notify
// implements it; a nil notifier disables delivery.
type Notifier interface {
	Dispatch(ctx context.Context, alert *types.Alert, channels []string)
}

// CreateAlertRequest carries everything needed to raise an alert.
// Fingerprint is derived from RuleID, Metric, and Filters when empty.
type CreateAlertRequest struct {
	Title       string
	Message     string
	Severity    types.AlertSeverity
	Category    string
	HostID      string
	ServiceID   string
	RuleID      string
	Metric      string
	Filters     map[string]string
	Threshold   float64
	ActualValue float64
	Unit        string
	Tags        []string
	Channels    []string
	Fingerprint string
}

// Lifecycle owns alert state: creation with fingerprint dedup, the
// acknowledge/resolve/escalate/suppress transitions, and the cache
// indexes the evaluator and API read from.
type Lifecycle struct {
	cache     cache.Cache
	bus       bus.Bus
	notifier  Notifier
	retention time.Duration
	logger    zerolog.Logger
}

// NewLifecycle creates the alert lifecycle engine. notifier may be nil.
func NewLifecycle(c cache.Cache, b bus.Bus, notifier Notifier, retention time.Duration) *Lifecycle {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Lifecycle{
		cache:     c,
		bus:       b,
		notifier:  notifier,
		retention: retention,
		logger:    log.WithComponent("alerts"),
	}
}

// SetNotifier installs the notifier after construction. The dispatcher
// needs the lifecycle as its delivery log, so the daemon builds the
// lifecycle first and closes the loop here before any worker starts.
func (l *Lifecycle) SetNotifier(n Notifier) { l.notifier = n }

// fingerprintLockPoll is how often a blocked creator rechecks the
// per-fingerprint lease.
const fingerprintLockPoll = 10 * time.Millisecond

// CreateAlert raises an alert, or folds the observation into the open
// alert that already carries the same fingerprint. The check and insert
// run under a brief per-fingerprint lease so concurrent breaches of the
// same condition cannot open duplicate alerts.
func (l *Lifecycle) CreateAlert(ctx context.Context, req *CreateAlertRequest) (*types.Alert, error) {
	fp := req.Fingerprint
	if fp == "" {
		fp = types.AlertFingerprint(req.RuleID, req.Metric, req.Filters)
	}

	owner := uuid.New().String()
	if err := l.lockFingerprint(ctx, fp, owner); err != nil {
		return nil, err
	}
	alert, created, err := l.upsertByFingerprint(ctx, fp, req)
	l.unlockFingerprint(fp, owner)
	if err != nil {
		return nil, err
	}
	if !created {
		return alert, nil
	}

	metrics.AlertsTriggered.WithLabelValues(string(alert.Severity)).Inc()
	l.refreshActiveGauge(ctx)
	l.publish(ctx, bus.TopicAlertCreated, alert)
	alertLog := log.WithAlert(fp)
	alertLog.Info().Str("alert_id", alert.ID).Str("severity", string(alert.Severity)).
		Str("title", alert.Title).Msg("alert created")

	l.notify(ctx, alert, req.Channels)
	return alert, nil
}

// upsertByFingerprint is the check-index-then-insert section guarded by
// the fingerprint lease. The boolean reports whether a new alert was
// created rather than folded into an existing one.
func (l *Lifecycle) upsertByFingerprint(ctx context.Context, fp string, req *CreateAlertRequest) (*types.Alert, bool, error) {
	now := time.Now().UTC()
	if existing, err := l.openAlertByFingerprint(ctx, fp); err != nil {
		return nil, false, err
	} else if existing != nil {
		existing.AppendDataPoint(now, req.ActualValue)
		existing.ActualValue = req.ActualValue
		existing.UpdatedAt = now
		if err := l.save(ctx, existing); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	alert := &types.Alert{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Message:     req.Message,
		Severity:    req.Severity,
		Category:    req.Category,
		HostID:      req.HostID,
		ServiceID:   req.ServiceID,
		RuleID:      req.RuleID,
		Threshold:   req.Threshold,
		ActualValue: req.ActualValue,
		Unit:        req.Unit,
		Tags:        req.Tags,
		Fingerprint: fp,
		Status:      types.AlertStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	alert.AppendDataPoint(now, req.ActualValue)

	if err := l.save(ctx, alert); err != nil {
		return nil, false, err
	}
	if err := l.cache.Set(ctx, cache.FingerprintKey(fp), alert.ID, l.retention); err != nil {
		return nil, false, errdefs.DependencyUnavailablef("indexing alert fingerprint: %v", err)
	}
	if err := l.cache.SAdd(ctx, cache.KeyAlerts, alert.ID); err != nil {
		return nil, false, errdefs.DependencyUnavailablef("indexing alert: %v", err)
	}
	if err := l.cache.SAdd(ctx, cache.KeyActiveAlerts, alert.ID); err != nil {
		return nil, false, errdefs.DependencyUnavailablef("indexing active alert: %v", err)
	}
	// Hot dedup marker for the evaluator's fast path.
	if err := l.cache.Set(ctx, cache.ActiveAlertKey(fp), alert.ID, cache.ActiveAlertTTL); err != nil {
		l.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("dedup marker write failed")
	}
	return alert, true, nil
}

// lockFingerprint acquires the per-fingerprint creation lease, polling
// until it is free or the context ends. The TTL caps how long a crashed
// holder can block other creators.
func (l *Lifecycle) lockFingerprint(ctx context.Context, fp, owner string) error {
	for {
		ok, err := cache.AcquireLease(ctx, l.cache, cache.FingerprintLockKey(fp), owner, cache.FingerprintLockTTL)
		if err != nil {
			return errdefs.DependencyUnavailablef("acquiring fingerprint lease: %v", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return errdefs.Timeoutf("waiting for fingerprint lease %s: %v", fp, ctx.Err())
		case <-time.After(fingerprintLockPoll):
		}
	}
}

func (l *Lifecycle) unlockFingerprint(fp, owner string) {
	if err := cache.ReleaseLease(context.Background(), l.cache, cache.FingerprintLockKey(fp), owner); err != nil {
		l.logger.Warn().Err(err).Str("fingerprint", fp).Msg("fingerprint lease release failed")
	}
}

// Acknowledge moves an active alert to acknowledged.
func (l *Lifecycle) Acknowledge(ctx context.Context, id, user, comment string) (*types.Alert, error) {
	alert, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != types.AlertStatusActive {
		return nil, errdefs.InvalidStatef("alert %s is %s, only active alerts can be acknowledged", id, alert.Status)
	}
	now := time.Now().UTC()
	alert.Status = types.AlertStatusAcknowledged
	alert.AcknowledgedAt = &now
	alert.UpdatedAt = now
	alert.Actions = append(alert.Actions, types.AlertAction{
		Timestamp: now, User: user, Action: "acknowledged", Comment: comment,
	})
	if err := l.save(ctx, alert); err != nil {
		return nil, err
	}
	l.publish(ctx, bus.TopicAlertAcknowledged, alert)
	return alert, nil
}

// Resolve closes the alert. Resolving an already resolved alert is a
// no-op returning the alert unchanged.
func (l *Lifecycle) Resolve(ctx context.Context, id, user, comment string) (*types.Alert, error) {
	alert, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status == types.AlertStatusResolved {
		return alert, nil
	}
	now := time.Now().UTC()
	alert.Status = types.AlertStatusResolved
	alert.ResolvedAt = &now
	alert.UpdatedAt = now
	alert.Actions = append(alert.Actions, types.AlertAction{
		Timestamp: now, User: user, Action: "resolved", Comment: comment,
	})
	if err := l.save(ctx, alert); err != nil {
		return nil, err
	}

	if err := l.cache.SRem(ctx, cache.KeyActiveAlerts, alert.ID); err != nil {
		l.logger.Warn().Err(err).Str("alert_id", id).Msg("active index removal failed")
	}
	if err := l.cache.Delete(ctx,
		cache.FingerprintKey(alert.Fingerprint),
		cache.ActiveAlertKey(alert.Fingerprint),
		cache.SuppressionKey(alert.ID),
	); err != nil {
		l.logger.Warn().Err(err).Str("alert_id", id).Msg("fingerprint cleanup failed")
	}

	l.refreshActiveGauge(ctx)
	l.publish(ctx, bus.TopicAlertResolved, alert)
	l.logger.Info().Str("alert_id", id).Str("by", user).Msg("alert resolved")
	return alert, nil
}

// AutoResolve closes the open alert carrying the fingerprint, if any,
// attributing the action to the system.
func (l *Lifecycle) AutoResolve(ctx context.Context, fingerprint, reason string) error {
	id, ok, err := l.cache.Get(ctx, cache.FingerprintKey(fingerprint))
	if err != nil {
		return errdefs.DependencyUnavailablef("resolving fingerprint: %v", err)
	}
	if !ok {
		return nil
	}
	_, err = l.Resolve(ctx, id, SystemUser, reason)
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// Escalate bumps the escalation level of an unresolved alert and
// re-notifies at critical priority.
func (l *Lifecycle) Escalate(ctx context.Context, id, user, comment string) (*types.Alert, error) {
	alert, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !alert.Open() {
		return nil, errdefs.InvalidStatef("alert %s is %s, cannot escalate", id, alert.Status)
	}
	if alert.EscalationLevel >= maxEscalationLevel {
		return nil, errdefs.InvalidStatef("alert %s already at maximum escalation level", id)
	}
	now := time.Now().UTC()
	alert.EscalationLevel++
	alert.EscalatedAt = &now
	alert.UpdatedAt = now
	if alert.Severity != types.SeverityCritical {
		alert.Severity = types.SeverityCritical
	}
	alert.Actions = append(alert.Actions, types.AlertAction{
		Timestamp: now, User: user, Action: "escalated", Comment: comment,
	})
	if err := l.save(ctx, alert); err != nil {
		return nil, err
	}
	l.publish(ctx, bus.TopicAlertEscalated, alert)
	l.logger.Warn().Str("alert_id", id).Int("level", alert.EscalationLevel).Msg("alert escalated")
	l.notify(ctx, alert, nil)
	return alert, nil
}

// Suppress silences the alert for the duration. Notifications stop
// until unsuppression; the suppression window is a TTL key so it ends
// by itself.
func (l *Lifecycle) Suppress(ctx context.Context, id string, duration time.Duration, reason, user string) (*types.Alert, error) {
	if duration <= 0 {
		return nil, errdefs.InvalidConfigurationf("suppression duration must be positive")
	}
	alert, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !alert.Open() {
		return nil, errdefs.InvalidStatef("alert %s is %s, cannot suppress", id, alert.Status)
	}
	now := time.Now().UTC()
	alert.Status = types.AlertStatusSuppressed
	alert.UpdatedAt = now
	alert.Actions = append(alert.Actions, types.AlertAction{
		Timestamp: now, User: user, Action: "suppressed", Comment: reason,
	})
	if err := l.save(ctx, alert); err != nil {
		return nil, err
	}
	if err := l.cache.Set(ctx, cache.SuppressionKey(id), "1", duration); err != nil {
		return nil, errdefs.DependencyUnavailablef("scheduling unsuppression: %v", err)
	}
	return alert, nil
}

// Unsuppress reactivates a suppressed alert.
func (l *Lifecycle) Unsuppress(ctx context.Context, id, user string) (*types.Alert, error) {
	alert, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != types.AlertStatusSuppressed {
		return nil, errdefs.InvalidStatef("alert %s is %s, not suppressed", id, alert.Status)
	}
	now := time.Now().UTC()
	alert.Status = types.AlertStatusActive
	alert.UpdatedAt = now
	alert.Actions = append(alert.Actions, types.AlertAction{
		Timestamp: now, User: user, Action: "unsuppressed",
	})
	if err := l.save(ctx, alert); err != nil {
		return nil, err
	}
	if err := l.cache.Delete(ctx, cache.SuppressionKey(id)); err != nil {
		l.logger.Warn().Err(err).Str("alert_id", id).Msg("suppression key cleanup failed")
	}
	return alert, nil
}

// ExpireSuppressions reactivates suppressed alerts whose window lapsed.
// The evaluator calls it once per pass.
func (l *Lifecycle) ExpireSuppressions(ctx context.Context) error {
	alerts, err := l.List(ctx, types.AlertFilter{Status: types.AlertStatusSuppressed})
	if err != nil {
		return err
	}
	for _, alert := range alerts {
		suppressed, err := l.cache.Exists(ctx, cache.SuppressionKey(alert.ID))
		if err != nil {
			return errdefs.DependencyUnavailablef("checking suppression: %v", err)
		}
		if suppressed {
			continue
		}
		if _, err := l.Unsuppress(ctx, alert.ID, SystemUser); err != nil && !errdefs.IsInvalidState(err) {
			l.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("unsuppression failed")
		}
	}
	return nil
}

// RecordNotification appends a delivery attempt to the alert's
// notification log. The dispatcher calls it after every send.
func (l *Lifecycle) RecordNotification(ctx context.Context, alertID, channel string, success bool, errMsg string) error {
	alert, err := l.Get(ctx, alertID)
	if err != nil {
		return err
	}
	alert.Notifications = append(alert.Notifications, types.AlertNotification{
		Timestamp: time.Now().UTC(),
		Channel:   channel,
		Success:   success,
		Error:     errMsg,
	})
	return l.save(ctx, alert)
}

// AddComment appends to the action log. Always allowed.
func (l *Lifecycle) AddComment(ctx context.Context, id, author, comment string) (*types.Alert, error) {
	alert, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	alert.UpdatedAt = now
	alert.Actions = append(alert.Actions, types.AlertAction{
		Timestamp: now, User: author, Action: "comment", Comment: comment,
	})
	if err := l.save(ctx, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// Get loads one alert.
func (l *Lifecycle) Get(ctx context.Context, id string) (*types.Alert, error) {
	var alert types.Alert
	ok, err := cache.GetJSON(ctx, l.cache, cache.AlertKey(id), &alert)
	if err != nil {
		return nil, errdefs.DependencyUnavailablef("loading alert %s: %v", id, err)
	}
	if !ok {
		return nil, errdefs.NotFoundf("alert not found: %s", id)
	}
	return &alert, nil
}

// List returns alerts matching the filter, newest first.
func (l *Lifecycle) List(ctx context.Context, filter types.AlertFilter) ([]*types.Alert, error) {
	ids, err := l.cache.SMembers(ctx, cache.KeyAlerts)
	if err != nil {
		return nil, errdefs.DependencyUnavailablef("listing alerts: %v", err)
	}
	out := make([]*types.Alert, 0, len(ids))
	for _, id := range ids {
		alert, err := l.Get(ctx, id)
		if errdefs.IsNotFound(err) {
			// Document expired under its retention TTL; drop the index entry.
			if err := l.cache.SRem(ctx, cache.KeyAlerts, id); err != nil {
				l.logger.Warn().Err(err).Str("alert_id", id).Msg("stale alert index cleanup failed")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && alert.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && alert.Severity != filter.Severity {
			continue
		}
		if filter.Category != "" && alert.Category != filter.Category {
			continue
		}
		if filter.RuleID != "" && alert.RuleID != filter.RuleID {
			continue
		}
		out = append(out, alert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Statistics summarizes the alert population.
func (l *Lifecycle) Statistics(ctx context.Context) (*types.AlertStatistics, error) {
	alerts, err := l.List(ctx, types.AlertFilter{})
	if err != nil {
		return nil, err
	}
	stats := &types.AlertStatistics{
		BySeverity: make(map[types.AlertSeverity]int),
		ByCategory: make(map[string]int),
	}
	for _, alert := range alerts {
		stats.Total++
		stats.BySeverity[alert.Severity]++
		if alert.Category != "" {
			stats.ByCategory[alert.Category]++
		}
		switch alert.Status {
		case types.AlertStatusActive:
			stats.Active++
		case types.AlertStatusAcknowledged:
			stats.Acknowledged++
		case types.AlertStatusSuppressed:
			stats.Suppressed++
		case types.AlertStatusResolved:
			stats.Resolved++
		}
	}
	return stats, nil
}

// CleanupExpired removes resolved alerts older than the retention
// window. It returns how many were removed.
func (l *Lifecycle) CleanupExpired(ctx context.Context) (int, error) {
	alerts, err := l.List(ctx, types.AlertFilter{Status: types.AlertStatusResolved})
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-l.retention)
	removed := 0
	for _, alert := range alerts {
		resolved := alert.UpdatedAt
		if alert.ResolvedAt != nil {
			resolved = *alert.ResolvedAt
		}
		if !resolved.Before(cutoff) {
			continue
		}
		if err := l.cache.Delete(ctx, cache.AlertKey(alert.ID)); err != nil {
			l.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("alert cleanup failed")
			continue
		}
		if err := l.cache.SRem(ctx, cache.KeyAlerts, alert.ID); err != nil {
			l.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("alert index cleanup failed")
		}
		removed++
	}
	return removed, nil
}

// openAlertByFingerprint returns the non-resolved alert holding the
// fingerprint, or nil.
func (l *Lifecycle) openAlertByFingerprint(ctx context.Context, fp string) (*types.Alert, error) {
	id, ok, err := l.cache.Get(ctx, cache.FingerprintKey(fp))
	if err != nil {
		return nil, errdefs.DependencyUnavailablef("fingerprint lookup: %v", err)
	}
	if !ok {
		return nil, nil
	}
	alert, err := l.Get(ctx, id)
	if errdefs.IsNotFound(err) {
		// Stale mapping; the alert document expired.
		if err := l.cache.Delete(ctx, cache.FingerprintKey(fp)); err != nil {
			l.logger.Warn().Err(err).Str("fingerprint", fp).Msg("stale fingerprint cleanup failed")
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if alert.Status == types.AlertStatusResolved {
		return nil, nil
	}
	return alert, nil
}

func (l *Lifecycle) save(ctx context.Context, alert *types.Alert) error {
	if err := cache.SetJSON(ctx, l.cache, cache.AlertKey(alert.ID), alert, l.retention); err != nil {
		return errdefs.DependencyUnavailablef("persisting alert %s: %v", alert.ID, err)
	}
	return nil
}

func (l *Lifecycle) publish(ctx context.Context, topic string, alert *types.Alert) {
	if err := l.bus.Publish(ctx, topic, alert); err != nil {
		l.logger.Warn().Err(err).Str("topic", topic).Str("alert_id", alert.ID).Msg("alert event publish failed")
	}
}

// notify hands the alert to the dispatcher unless it is suppressed.
func (l *Lifecycle) notify(ctx context.Context, alert *types.Alert, channels []string) {
	if l.notifier == nil || alert.Status == types.AlertStatusSuppressed {
		return
	}
	l.notifier.Dispatch(ctx, alert, channels)
}

// refreshActiveGauge tracks open alerts for the metrics surface.
func (l *Lifecycle) refreshActiveGauge(ctx context.Context) {
	ids, err := l.cache.SMembers(ctx, cache.KeyActiveAlerts)
	if err != nil {
		return
	}
	metrics.AlertsActive.Set(float64(len(ids)))
}

// EscalationSweep escalates active alerts that stayed unacknowledged
// longer than the threshold. The evaluator runs it once per pass.
func (l *Lifecycle) EscalationSweep(ctx context.Context, after time.Duration) error {
	if after <= 0 {
		return nil
	}
	alerts, err := l.List(ctx, types.AlertFilter{Status: types.AlertStatusActive})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, alert := range alerts {
		if alert.EscalationLevel >= maxEscalationLevel {
			continue
		}
		since := alert.CreatedAt
		if alert.EscalatedAt != nil {
			since = *alert.EscalatedAt
		}
		if now.Sub(since) < after {
			continue
		}
		msg := fmt.Sprintf("unacknowledged for %s", now.Sub(since).Round(time.Second))
		if _, err := l.Escalate(ctx, alert.ID, SystemUser, msg); err != nil {
			l.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("escalation failed")
		}
	}
	return nil
}

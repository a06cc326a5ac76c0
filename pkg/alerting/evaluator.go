package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/powerdaemon/powerdaemon/pkg/cache"
	"github.com/powerdaemon/powerdaemon/pkg/config"
	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/log"
	"github.com/powerdaemon/powerdaemon/pkg/metrics"
	"github.com/powerdaemon/powerdaemon/pkg/metricsquery"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// equalityTolerance bounds the eq/neq comparison of aggregated floats.
const equalityTolerance = 1e-3

// defaultEscalationAfter is how long an alert may stay unacknowledged
// before the sweep escalates it.
const defaultEscalationAfter = 15 * time.Minute

// passAcquireTimeout bounds how long a pass waits for the previous one.
const passAcquireTimeout = time.Second

// Evaluator runs the rule evaluation loop: for every enabled rule that
// is due, query the metrics window, aggregate, compare, and raise or
// auto-resolve the alert carrying the rule's fingerprint.
type Evaluator struct {
	rules     *RuleStore
	lifecycle *Lifecycle
	source    metricsquery.Source
	cache     cache.Cache
	cfg       config.AlertingConfig
	logger    zerolog.Logger

	// sem serializes passes. A pass that cannot acquire it promptly is
	// skipped rather than stacked behind a slow one.
	sem chan struct{}

	escalateAfter time.Duration
}

// NewEvaluator wires the evaluation loop over its collaborators.
func NewEvaluator(rules *RuleStore, lc *Lifecycle, source metricsquery.Source, c cache.Cache, cfg config.AlertingConfig) *Evaluator {
	return &Evaluator{
		rules:         rules,
		lifecycle:     lc,
		source:        source,
		cache:         c,
		cfg:           cfg,
		logger:        log.WithComponent("evaluator"),
		sem:           make(chan struct{}, 1),
		escalateAfter: defaultEscalationAfter,
	}
}

// Run evaluates on the configured interval until the context ends.
func (e *Evaluator) Run(ctx context.Context) error {
	interval := e.cfg.EvaluationInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info().Dur("interval", interval).Msg("alert evaluation loop started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.EvaluatePass(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error().Err(err).Msg("evaluation pass failed")
			}
		}
	}
}

// EvaluatePass runs one evaluation cycle across all enabled rules. A
// pass still in flight causes this one to be skipped. Rule failures are
// logged and counted but never abort the pass.
func (e *Evaluator) EvaluatePass(ctx context.Context) error {
	acquire := time.NewTimer(passAcquireTimeout)
	defer acquire.Stop()
	select {
	case e.sem <- struct{}{}:
	case <-acquire.C:
		e.logger.Warn().Msg("previous evaluation pass still running, skipping")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	started := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(started).Seconds())
	}()

	now := started.UTC()
	evaluated, firing := 0, 0
	for _, rule := range e.rules.List(false) {
		rlog := log.WithRule(rule.ID)
		due, err := e.due(ctx, rule, now)
		if err != nil {
			rlog.Warn().Err(err).Msg("due check failed")
			continue
		}
		if !due {
			continue
		}
		evaluated++
		metrics.RulesEvaluated.Inc()
		hit, err := e.evaluateRule(ctx, rule, now)
		if err != nil {
			metrics.RuleEvalFailures.Inc()
			rlog.Error().Err(err).Str("rule", rule.Name).Msg("rule evaluation failed")
			continue
		}
		if hit {
			firing++
		}
	}

	if err := e.lifecycle.ExpireSuppressions(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("suppression expiry sweep failed")
	}
	if err := e.lifecycle.EscalationSweep(ctx, e.escalateAfter); err != nil {
		e.logger.Warn().Err(err).Msg("escalation sweep failed")
	}
	e.recordHistory(ctx, now, evaluated, firing, time.Since(started))
	return nil
}

// due reports whether the rule's own evaluation interval has elapsed
// since its last run, and stamps the run when it has.
func (e *Evaluator) due(ctx context.Context, rule *types.AlertRule, now time.Time) (bool, error) {
	key := cache.RuleLastEvalKey(rule.ID)
	raw, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if ok {
		last, err := time.Parse(time.RFC3339Nano, raw)
		if err == nil && now.Sub(last) < rule.EvaluationInterval {
			return false, nil
		}
	}
	if err := e.cache.Set(ctx, key, now.Format(time.RFC3339Nano), cache.LastEvalTTL); err != nil {
		return false, err
	}
	return true, nil
}

// evaluateRule runs one rule against the metrics source. It returns
// whether the rule fired.
func (e *Evaluator) evaluateRule(ctx context.Context, rule *types.AlertRule, now time.Time) (bool, error) {
	cond := rule.Condition
	samples, err := e.source.Query(ctx, cond.Metric, cond.Filters, now.Add(-rule.EvaluationWindow), now)
	if err != nil {
		return false, errdefs.DependencyUnavailablef("querying %s: %v", cond.Metric, err)
	}
	if len(samples) < rule.MinimumDataPoints {
		e.logger.Debug().Str("rule", rule.Name).Int("samples", len(samples)).
			Int("required", rule.MinimumDataPoints).Msg("insufficient data, skipping")
		return false, nil
	}

	value := metricsquery.Aggregate(samples, cond.Aggregation)
	if math.IsNaN(value) {
		return false, nil
	}

	if !conditionMet(value, cond.Operator, cond.Threshold) {
		if err := e.lifecycle.AutoResolve(ctx, rule.Fingerprint(), "Condition no longer met"); err != nil {
			return false, err
		}
		return false, nil
	}

	_, err = e.lifecycle.CreateAlert(ctx, &CreateAlertRequest{
		Title:       rule.Name,
		Message:     conditionMessage(rule, value),
		Severity:    rule.Severity,
		Category:    rule.Category,
		RuleID:      rule.ID,
		Metric:      cond.Metric,
		Filters:     cond.Filters,
		HostID:      cond.Filters["host"],
		ServiceID:   cond.Filters["service"],
		Threshold:   cond.Threshold,
		ActualValue: value,
		Unit:        metricUnit(cond.Metric),
		Tags:        rule.Tags,
		Channels:    rule.NotificationChannels,
		Fingerprint: rule.Fingerprint(),
	})
	return true, err
}

// conditionMet relates the aggregated value to the threshold.
func conditionMet(value float64, op types.CompareOperator, threshold float64) bool {
	switch op {
	case types.OperatorGreaterThan:
		return value > threshold
	case types.OperatorGreaterEqual:
		return value >= threshold
	case types.OperatorLessThan:
		return value < threshold
	case types.OperatorLessEqual:
		return value <= threshold
	case types.OperatorEqual:
		return math.Abs(value-threshold) <= equalityTolerance
	case types.OperatorNotEqual:
		return math.Abs(value-threshold) > equalityTolerance
	}
	return false
}

func conditionMessage(rule *types.AlertRule, value float64) string {
	cond := rule.Condition
	return fmt.Sprintf("%s %s over %s is %.2f%s, threshold %s %.2f%s",
		cond.Metric, cond.Aggregation, rule.EvaluationWindow,
		value, metricUnit(cond.Metric),
		cond.Operator, cond.Threshold, metricUnit(cond.Metric))
}

// metricUnit guesses a display unit from conventional metric suffixes.
func metricUnit(metric string) string {
	switch {
	case strings.HasSuffix(metric, "_percent"):
		return "%"
	case strings.HasSuffix(metric, "_ms"):
		return "ms"
	case strings.HasSuffix(metric, "_bytes"):
		return "B"
	case strings.HasSuffix(metric, "_seconds"):
		return "s"
	}
	return ""
}

// PassRecord is one entry in the hourly evaluation history bucket.
type PassRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	Evaluated int           `json:"evaluated"`
	Firing    int           `json:"firing"`
	Duration  time.Duration `json:"duration"`
}

func (e *Evaluator) recordHistory(ctx context.Context, now time.Time, evaluated, firing int, took time.Duration) {
	rec := PassRecord{Timestamp: now, Evaluated: evaluated, Firing: firing, Duration: took}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	key := cache.EvalHistoryKey(now)
	if err := e.cache.RPush(ctx, key, string(data)); err != nil {
		e.logger.Warn().Err(err).Msg("evaluation history write failed")
		return
	}
	if err := e.cache.Expire(ctx, key, cache.EvalHistoryTTL); err != nil {
		e.logger.Warn().Err(err).Msg("evaluation history expiry failed")
	}
}

// History returns the evaluation pass records bucketed at the hour of ts.
func (e *Evaluator) History(ctx context.Context, ts time.Time) ([]PassRecord, error) {
	raw, err := e.cache.LRange(ctx, cache.EvalHistoryKey(ts), 0, -1)
	if err != nil {
		return nil, errdefs.DependencyUnavailablef("reading evaluation history: %v", err)
	}
	out := make([]PassRecord, 0, len(raw))
	for _, item := range raw {
		var rec PassRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

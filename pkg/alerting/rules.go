package alerting

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/powerdaemon/powerdaemon/pkg/cache"
	"github.com/powerdaemon/powerdaemon/pkg/config"
	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/log"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// minEvaluationInterval floors how often a single rule may be evaluated.
const minEvaluationInterval = 10 * time.Second

// RuleStore keeps alert rules in the cache (30-day TTL per rule) behind
// an in-memory index. Rules are coordination state, not history: losing
// them means re-seeding builtins and re-creating custom rules, which is
// why every mutation writes through to the cache immediately.
type RuleStore struct {
	cache  cache.Cache
	logger zerolog.Logger

	mu    sync.RWMutex
	index map[string]*types.AlertRule
}

// NewRuleStore creates a rule store and warms the index from the cache.
func NewRuleStore(ctx context.Context, c cache.Cache) (*RuleStore, error) {
	s := &RuleStore{
		cache:  c,
		logger: log.WithComponent("rules"),
		index:  make(map[string]*types.AlertRule),
	}
	ids, err := c.SMembers(ctx, cache.KeyAlertRules)
	if err != nil {
		return nil, errdefs.DependencyUnavailablef("loading rule index: %v", err)
	}
	for _, id := range ids {
		var rule types.AlertRule
		ok, err := cache.GetJSON(ctx, c, cache.AlertRuleKey(id), &rule)
		if err != nil {
			s.logger.Warn().Err(err).Str("rule_id", id).Msg("rule document unreadable, dropping from index")
			continue
		}
		if !ok {
			// Document expired but the index entry survived.
			if err := c.SRem(ctx, cache.KeyAlertRules, id); err != nil {
				s.logger.Warn().Err(err).Str("rule_id", id).Msg("stale rule index cleanup failed")
			}
			continue
		}
		s.index[rule.ID] = &rule
	}
	return s, nil
}

// Validate checks the rule's condition and schedule.
func Validate(rule *types.AlertRule) error {
	if rule.Name == "" {
		return errdefs.InvalidConfigurationf("rule name is required")
	}
	if rule.Condition.Metric == "" {
		return errdefs.InvalidConfigurationf("rule %s: condition metric is required", rule.Name)
	}
	if math.IsNaN(rule.Condition.Threshold) || math.IsInf(rule.Condition.Threshold, 0) {
		return errdefs.InvalidConfigurationf("rule %s: threshold must be finite", rule.Name)
	}
	switch rule.Condition.Operator {
	case types.OperatorGreaterThan, types.OperatorGreaterEqual, types.OperatorLessThan,
		types.OperatorLessEqual, types.OperatorEqual, types.OperatorNotEqual:
	default:
		return errdefs.InvalidConfigurationf("rule %s: unknown operator %q", rule.Name, rule.Condition.Operator)
	}
	switch rule.Condition.Aggregation {
	case types.AggregationAvg, types.AggregationSum, types.AggregationCount,
		types.AggregationMin, types.AggregationMax, types.AggregationP95, types.AggregationP99:
	default:
		return errdefs.InvalidConfigurationf("rule %s: unknown aggregation %q", rule.Name, rule.Condition.Aggregation)
	}
	switch rule.Severity {
	case types.SeverityInfo, types.SeverityWarning, types.SeverityCritical:
	default:
		return errdefs.InvalidConfigurationf("rule %s: unknown severity %q", rule.Name, rule.Severity)
	}
	if rule.EvaluationWindow <= 0 {
		return errdefs.InvalidConfigurationf("rule %s: evaluation window must be positive", rule.Name)
	}
	if rule.EvaluationInterval < minEvaluationInterval {
		return errdefs.InvalidConfigurationf("rule %s: evaluation interval below %s", rule.Name, minEvaluationInterval)
	}
	if rule.EvaluationInterval > rule.EvaluationWindow {
		return errdefs.InvalidConfigurationf("rule %s: evaluation interval %s exceeds window %s",
			rule.Name, rule.EvaluationInterval, rule.EvaluationWindow)
	}
	if rule.MinimumDataPoints < 1 {
		return errdefs.InvalidConfigurationf("rule %s: minimum data points must be at least 1", rule.Name)
	}
	return nil
}

// Create validates and persists a new rule. An empty id is minted.
func (s *RuleStore) Create(ctx context.Context, rule *types.AlertRule) error {
	if err := Validate(rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[rule.ID]; exists {
		return errdefs.InvalidStatef("rule %s already exists", rule.ID)
	}
	now := time.Now().UTC()
	rule.Version = 1
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := s.persistLocked(ctx, rule); err != nil {
		return err
	}
	s.logger.Info().Str("rule_id", rule.ID).Str("name", rule.Name).Msg("rule created")
	return nil
}

// Get returns a copy of the rule.
func (s *RuleStore) Get(id string) (*types.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.index[id]
	if !ok {
		return nil, errdefs.NotFoundf("rule not found: %s", id)
	}
	out := *rule
	return &out, nil
}

// List returns rules sorted by name. Disabled rules are included only
// when includeDisabled is set.
func (s *RuleStore) List(includeDisabled bool) []*types.AlertRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.AlertRule, 0, len(s.index))
	for _, rule := range s.index {
		if !rule.Enabled && !includeDisabled {
			continue
		}
		c := *rule
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Update replaces the rule's mutable fields, bumping the version.
func (s *RuleStore) Update(ctx context.Context, rule *types.AlertRule) error {
	if err := Validate(rule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.index[rule.ID]
	if !ok {
		return errdefs.NotFoundf("rule not found: %s", rule.ID)
	}
	rule.Version = current.Version + 1
	rule.CreatedAt = current.CreatedAt
	rule.BuiltIn = current.BuiltIn
	rule.UpdatedAt = time.Now().UTC()
	return s.persistLocked(ctx, rule)
}

// SetEnabled flips the enabled flag.
func (s *RuleStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.index[id]
	if !ok {
		return errdefs.NotFoundf("rule not found: %s", id)
	}
	if current.Enabled == enabled {
		return nil
	}
	updated := *current
	updated.Enabled = enabled
	updated.Version = current.Version + 1
	updated.UpdatedAt = time.Now().UTC()
	return s.persistLocked(ctx, &updated)
}

// Duplicate creates a disabled fresh-id copy of the rule, tagged so
// operators can find their drafts.
func (s *RuleStore) Duplicate(ctx context.Context, id string) (*types.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.index[id]
	if !ok {
		return nil, errdefs.NotFoundf("rule not found: %s", id)
	}
	now := time.Now().UTC()
	copied := *current
	copied.ID = uuid.New().String()
	copied.Name = current.Name + " (copy)"
	copied.Enabled = false
	copied.BuiltIn = false
	copied.Tags = append(append([]string{}, current.Tags...), "duplicated")
	copied.Version = 1
	copied.CreatedAt = now
	copied.UpdatedAt = now
	if err := s.persistLocked(ctx, &copied); err != nil {
		return nil, err
	}
	out := copied
	return &out, nil
}

// Delete removes the rule. The caller resolves any alerts the rule left
// open.
func (s *RuleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; !ok {
		return errdefs.NotFoundf("rule not found: %s", id)
	}
	if err := s.cache.Delete(ctx, cache.AlertRuleKey(id)); err != nil {
		return errdefs.DependencyUnavailablef("deleting rule %s: %v", id, err)
	}
	if err := s.cache.SRem(ctx, cache.KeyAlertRules, id); err != nil {
		return errdefs.DependencyUnavailablef("unindexing rule %s: %v", id, err)
	}
	delete(s.index, id)
	s.logger.Info().Str("rule_id", id).Msg("rule deleted")
	return nil
}

// persistLocked writes the rule through to the cache and the index.
// Callers hold s.mu.
func (s *RuleStore) persistLocked(ctx context.Context, rule *types.AlertRule) error {
	if err := cache.SetJSON(ctx, s.cache, cache.AlertRuleKey(rule.ID), rule, cache.RuleTTL); err != nil {
		return errdefs.DependencyUnavailablef("persisting rule %s: %v", rule.ID, err)
	}
	if err := s.cache.SAdd(ctx, cache.KeyAlertRules, rule.ID); err != nil {
		return errdefs.DependencyUnavailablef("indexing rule %s: %v", rule.ID, err)
	}
	stored := *rule
	s.index[rule.ID] = &stored
	return nil
}

// Builtin rule ids. Seeding is idempotent on these.
const (
	BuiltinCPUHigh      = "builtin-cpu-high"
	BuiltinMemoryHigh   = "builtin-memory-high"
	BuiltinDiskHigh     = "builtin-disk-high"
	BuiltinServiceDown  = "builtin-service-down"
	BuiltinResponseSlow = "builtin-response-time"
)

// SeedBuiltins creates the built-in rule set from the alerting
// configuration. Rules that already exist are left untouched, so
// operator edits to builtins survive restarts.
func (s *RuleStore) SeedBuiltins(ctx context.Context, cfg config.AlertingConfig) error {
	builtins := []*types.AlertRule{
		{
			ID:          BuiltinCPUHigh,
			Name:        "High CPU usage",
			Description: "Average CPU usage sustained above the critical threshold",
			Severity:    types.SeverityCritical,
			Category:    "resources",
			Condition: types.AlertCondition{
				Metric:      "cpu_usage_percent",
				Operator:    types.OperatorGreaterThan,
				Threshold:   cfg.CPU.Critical,
				Aggregation: types.AggregationAvg,
			},
			EvaluationWindow:  cfg.CPU.EvaluationWindow(),
			MinimumDataPoints: cfg.CPU.MinimumDataPoints,
		},
		{
			ID:          BuiltinMemoryHigh,
			Name:        "High memory usage",
			Description: "Average memory usage sustained above the critical threshold",
			Severity:    types.SeverityCritical,
			Category:    "resources",
			Condition: types.AlertCondition{
				Metric:      "memory_usage_percent",
				Operator:    types.OperatorGreaterThan,
				Threshold:   cfg.Memory.Critical,
				Aggregation: types.AggregationAvg,
			},
			EvaluationWindow:  cfg.Memory.EvaluationWindow(),
			MinimumDataPoints: cfg.Memory.MinimumDataPoints,
		},
		{
			ID:          BuiltinDiskHigh,
			Name:        "High disk usage",
			Description: "Disk usage above the warning threshold",
			Severity:    types.SeverityWarning,
			Category:    "resources",
			Condition: types.AlertCondition{
				Metric:      "disk_usage_percent",
				Operator:    types.OperatorGreaterThan,
				Threshold:   cfg.Disk.Warning,
				Aggregation: types.AggregationMax,
			},
			EvaluationWindow:  cfg.Disk.EvaluationWindow(),
			MinimumDataPoints: cfg.Disk.MinimumDataPoints,
		},
		{
			ID:          BuiltinServiceDown,
			Name:        "Service down",
			Description: "No healthy instances reported in the window",
			Severity:    types.SeverityCritical,
			Category:    "availability",
			Condition: types.AlertCondition{
				Metric:      "service_healthy_count",
				Operator:    types.OperatorEqual,
				Threshold:   0,
				Aggregation: types.AggregationMax,
			},
			EvaluationWindow:  5 * time.Minute,
			MinimumDataPoints: 1,
		},
		{
			ID:          BuiltinResponseSlow,
			Name:        "Slow service responses",
			Description: "p95 response time above the configured limit",
			Severity:    types.SeverityWarning,
			Category:    "performance",
			Condition: types.AlertCondition{
				Metric:      "response_time_ms",
				Operator:    types.OperatorGreaterThan,
				Threshold:   float64(cfg.ResponseTimeWarnMillis),
				Aggregation: types.AggregationP95,
			},
			EvaluationWindow:  5 * time.Minute,
			MinimumDataPoints: 3,
		},
	}

	for _, rule := range builtins {
		rule.Enabled = true
		rule.BuiltIn = true
		rule.EvaluationInterval = cfg.EvaluationInterval()
		if rule.EvaluationInterval < minEvaluationInterval {
			rule.EvaluationInterval = minEvaluationInterval
		}
		if rule.EvaluationInterval > rule.EvaluationWindow {
			rule.EvaluationInterval = rule.EvaluationWindow
		}
		if _, err := s.Get(rule.ID); err == nil {
			continue
		}
		if err := s.Create(ctx, rule); err != nil {
			return err
		}
	}
	return nil
}

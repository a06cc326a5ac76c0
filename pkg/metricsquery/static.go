package metricsquery

import (
	"context"
	"sync"
	"time"

	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// Static is an in-memory source for tests and development. Samples are
// keyed by metric name; filters narrow by label equality.
type Static struct {
	mu      sync.RWMutex
	samples map[string][]types.MetricSample
}

// NewStatic creates an empty static source.
func NewStatic() *Static {
	return &Static{samples: make(map[string][]types.MetricSample)}
}

// Set replaces the samples recorded for a metric.
func (s *Static) Set(metric string, samples ...types.MetricSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[metric] = samples
}

// Append adds samples to a metric.
func (s *Static) Append(metric string, samples ...types.MetricSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[metric] = append(s.samples[metric], samples...)
}

func (s *Static) Query(ctx context.Context, metric string, filters map[string]string, from, to time.Time) ([]types.MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.MetricSample
	for _, sample := range s.samples[metric] {
		if sample.Timestamp.Before(from) || sample.Timestamp.After(to) {
			continue
		}
		if !labelsMatch(sample.Labels, filters) {
			continue
		}
		out = append(out, sample)
	}
	return out, nil
}

func labelsMatch(labels, filters map[string]string) bool {
	for k, v := range filters {
		if labels[k] != v {
			return false
		}
	}
	return true
}

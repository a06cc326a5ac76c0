// Package metricsquery is the metrics aggregation port consumed by the
// alert evaluator and the canary monitor: windowed samples per metric,
// aggregated engine-side so minimum data point checks see the raw count.
package metricsquery

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// Source returns the samples for a metric inside [from, to], narrowed by
// label filters. Samples come back in time order.
type Source interface {
	Query(ctx context.Context, metric string, filters map[string]string, from, to time.Time) ([]types.MetricSample, error)
}

// Aggregate folds samples into a single value per the aggregation kind.
// Percentiles use linear interpolation between closest ranks. An empty
// sample set returns NaN so callers can distinguish "no data" from zero.
func Aggregate(samples []types.MetricSample, kind types.AggregationKind) float64 {
	if len(samples) == 0 {
		return math.NaN()
	}
	switch kind {
	case types.AggregationSum:
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		return sum
	case types.AggregationCount:
		return float64(len(samples))
	case types.AggregationMin:
		min := samples[0].Value
		for _, s := range samples[1:] {
			if s.Value < min {
				min = s.Value
			}
		}
		return min
	case types.AggregationMax:
		max := samples[0].Value
		for _, s := range samples[1:] {
			if s.Value > max {
				max = s.Value
			}
		}
		return max
	case types.AggregationP95:
		return percentile(samples, 0.95)
	case types.AggregationP99:
		return percentile(samples, 0.99)
	default: // Avg
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		return sum / float64(len(samples))
	}
}

// percentile computes the p-th percentile with linear interpolation.
func percentile(samples []types.MetricSample, p float64) float64 {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	sort.Float64s(values)

	if len(values) == 1 {
		return values[0]
	}
	rank := p * float64(len(values)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return values[lower]
	}
	weight := rank - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}

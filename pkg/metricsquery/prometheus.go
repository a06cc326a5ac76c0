package metricsquery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// defaultStep is the range query resolution when the window does not
// dictate a finer one.
const defaultStep = 15 * time.Second

// PrometheusSource queries a Prometheus-compatible range API
// (/api/v1/query_range with a matrix result).
type PrometheusSource struct {
	baseURL string
	client  *http.Client
}

// NewPrometheusSource creates a source for the Prometheus server at baseURL.
func NewPrometheusSource(baseURL string) *PrometheusSource {
	return &PrometheusSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *PrometheusSource) Query(ctx context.Context, metric string, filters map[string]string, from, to time.Time) ([]types.MetricSample, error) {
	query := buildSelector(metric, filters)
	step := defaultStep
	if window := to.Sub(from); window > 0 && window/defaultStep > 1000 {
		step = window / 1000
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("start", strconv.FormatInt(from.Unix(), 10))
	params.Set("end", strconv.FormatInt(to.Unix(), 10))
	params.Set("step", strconv.FormatFloat(step.Seconds(), 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/api/v1/query_range?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errdefs.DependencyUnavailablef("metrics query %s: %v", metric, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errdefs.DependencyUnavailablef("metrics query %s returned %d: %s", metric, resp.StatusCode, msg)
	}

	var body promResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding metrics response: %w", err)
	}
	if body.Status != "success" {
		return nil, errdefs.DependencyUnavailablef("metrics query %s: status %s: %s", metric, body.Status, body.Error)
	}

	var samples []types.MetricSample
	for _, series := range body.Data.Result {
		for _, pair := range series.Values {
			sample, ok := parsePair(pair, series.Metric)
			if ok {
				samples = append(samples, sample)
			}
		}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })
	return samples, nil
}

// buildSelector renders metric{k="v",...} with keys sorted for stable
// queries.
func buildSelector(metric string, filters map[string]string) string {
	if len(filters) == 0 {
		return metric
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(metric)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, filters[k])
	}
	b.WriteByte('}')
	return b.String()
}

// promResponse is the wire shape of a Prometheus range query result.
type promResponse struct {
	Status string   `json:"status"`
	Error  string   `json:"error,omitempty"`
	Data   promData `json:"data"`
}

type promData struct {
	ResultType string       `json:"resultType"`
	Result     []promSeries `json:"result"`
}

type promSeries struct {
	Metric map[string]string `json:"metric"`
	Values [][2]any          `json:"values"`
}

// parsePair decodes one [timestamp, "value"] pair.
func parsePair(pair [2]any, labels map[string]string) (types.MetricSample, bool) {
	ts, ok := pair[0].(float64)
	if !ok {
		return types.MetricSample{}, false
	}
	raw, ok := pair[1].(string)
	if !ok {
		return types.MetricSample{}, false
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return types.MetricSample{}, false
	}
	return types.MetricSample{
		Timestamp: time.Unix(int64(ts), int64((ts-float64(int64(ts)))*1e9)).UTC(),
		Value:     value,
		Labels:    labels,
	}, true
}

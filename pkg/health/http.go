package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPProber probes hosts over HTTP. The URL template expands {host} and
// {service} into the per-host health endpoint, e.g.
// "http://{host}:8081/health/{service}".
type HTTPProber struct {
	// URLTemplate is the endpoint pattern with {host} and {service} tokens.
	URLTemplate string

	// Method is the HTTP method to use (default: GET)
	Method string

	// Headers are custom HTTP headers to include in the request
	Headers map[string]string

	// ExpectedStatusMin is the minimum acceptable HTTP status code (default: 200)
	ExpectedStatusMin int

	// ExpectedStatusMax is the maximum acceptable HTTP status code (default: 399)
	ExpectedStatusMax int

	// Interval is the polling cadence of WaitHealthy (default: 10s)
	Interval time.Duration

	// Client is the HTTP client to use (allows custom configuration)
	Client *http.Client
}

// NewHTTPProber creates an HTTP prober for the given URL template.
func NewHTTPProber(urlTemplate string) *HTTPProber {
	return &HTTPProber{
		URLTemplate:       urlTemplate,
		Method:            "GET",
		Headers:           make(map[string]string),
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Interval:          10 * time.Second,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Check performs one HTTP probe against the host.
func (p *HTTPProber) Check(ctx context.Context, host, service string) Result {
	start := time.Now()
	url := p.expand(host, service)

	req, err := http.NewRequestWithContext(ctx, p.Method, url, nil)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	for key, value := range p.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= p.ExpectedStatusMin && resp.StatusCode <= p.ExpectedStatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, p.ExpectedStatusMin, p.ExpectedStatusMax)
	}

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// WaitHealthy polls the host until it reports healthy or the timeout lapses.
func (p *HTTPProber) WaitHealthy(ctx context.Context, host, service string, timeout time.Duration) error {
	return waitForHealthy(ctx, p, host, service, timeout, p.Interval)
}

func (p *HTTPProber) expand(host, service string) string {
	url := strings.ReplaceAll(p.URLTemplate, "{host}", host)
	return strings.ReplaceAll(url, "{service}", service)
}

// WithHeader adds a custom HTTP header
func (p *HTTPProber) WithHeader(key, value string) *HTTPProber {
	p.Headers[key] = value
	return p
}

// WithStatusRange sets the expected status code range
func (p *HTTPProber) WithStatusRange(min, max int) *HTTPProber {
	p.ExpectedStatusMin = min
	p.ExpectedStatusMax = max
	return p
}

// WithInterval sets the WaitHealthy polling cadence
func (p *HTTPProber) WithInterval(interval time.Duration) *HTTPProber {
	p.Interval = interval
	return p
}

// WithTimeout sets the HTTP client timeout
func (p *HTTPProber) WithTimeout(timeout time.Duration) *HTTPProber {
	p.Client.Timeout = timeout
	return p
}

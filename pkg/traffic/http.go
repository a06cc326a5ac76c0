package traffic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
)

// HTTPLoadBalancer drives a load balancer's admin REST API. Calls run
// through a circuit breaker so a dead balancer fails fast instead of
// stalling every running workflow on timeouts.
type HTTPLoadBalancer struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPLoadBalancer creates a client for the admin API at cfg.Endpoint.
func NewHTTPLoadBalancer(cfg Config) *HTTPLoadBalancer {
	return &HTTPLoadBalancer{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "loadbalancer",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (lb *HTTPLoadBalancer) AddServer(ctx context.Context, service, host string) error {
	return lb.post(ctx, "/backends/add", map[string]any{
		"service": service,
		"host":    host,
	})
}

func (lb *HTTPLoadBalancer) RemoveServer(ctx context.Context, service, host string) error {
	return lb.post(ctx, "/backends/remove", map[string]any{
		"service": service,
		"host":    host,
	})
}

func (lb *HTTPLoadBalancer) SwitchTraffic(ctx context.Context, service string, from, to []string) error {
	return lb.post(ctx, "/traffic/switch", map[string]any{
		"service":    service,
		"from_hosts": from,
		"to_hosts":   to,
	})
}

func (lb *HTTPLoadBalancer) SplitTraffic(ctx context.Context, service string, percentage float64, strategy string, to []string) error {
	return lb.post(ctx, "/traffic/split", map[string]any{
		"service":    service,
		"percentage": percentage,
		"strategy":   strategy,
		"to_hosts":   to,
	})
}

func (lb *HTTPLoadBalancer) Promote(ctx context.Context, service string) error {
	return lb.post(ctx, "/traffic/promote", map[string]any{
		"service": service,
	})
}

func (lb *HTTPLoadBalancer) post(ctx context.Context, path string, payload map[string]any) error {
	_, err := lb.breaker.Execute(func() (any, error) {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, lb.cfg.Endpoint+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+lb.cfg.APIKey)

		resp, err := lb.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, msg)
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errdefs.DependencyUnavailablef("load balancer circuit open: %v", err)
	}
	if err != nil {
		return errdefs.DependencyUnavailablef("load balancer %s: %v", path, err)
	}
	return nil
}

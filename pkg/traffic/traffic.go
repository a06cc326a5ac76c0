// Package traffic is the load balancer port used by traffic_switch steps:
// adding and removing backends, switching a service between host sets, and
// configuring weighted canary splits.
package traffic

import (
	"context"
)

// Config identifies one load balancer admin API.
type Config struct {
	Endpoint string
	APIKey   string
}

// LoadBalancer mutates how the fleet's load balancer routes a service.
// Implementations must be safe for concurrent use; the executor drives one
// instance from many workflows.
type LoadBalancer interface {
	// AddServer puts the host back into the service's backend pool.
	AddServer(ctx context.Context, service, host string) error
	// RemoveServer drains the host out of the service's backend pool.
	RemoveServer(ctx context.Context, service, host string) error
	// SwitchTraffic moves all traffic for the service from one host set
	// to another.
	SwitchTraffic(ctx context.Context, service string, from, to []string) error
	// SplitTraffic routes the given percentage of traffic to the hosts
	// using the named splitting strategy.
	SplitTraffic(ctx context.Context, service string, percentage float64, strategy string, to []string) error
	// Promote removes any split and routes all traffic to the currently
	// weighted hosts.
	Promote(ctx context.Context, service string) error
}

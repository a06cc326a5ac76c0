// Package bus abstracts the message fabric between the engine and the
// fleet agents. Command topics are per host; alert lifecycle events fan out
// on fixed subjects. Delivery is at least once, so consumers deduplicate on
// (workflow id, step id).
package bus

import (
	"context"
	"strings"
)

// Handler consumes one message. Payloads are JSON documents.
type Handler func(topic string, payload []byte)

// Bus is the messaging port shared by the executor, the rollback engine,
// and the alert lifecycle.
type Bus interface {
	// Publish marshals v as JSON and sends it on topic.
	Publish(ctx context.Context, topic string, v any) error
	// Subscribe registers a handler for a subject pattern. Patterns follow
	// NATS semantics: "*" matches one token, ">" matches the rest.
	Subscribe(topic string, h Handler) (Subscription, error)
	Close() error
}

// Subscription detaches a handler when no longer needed
type Subscription interface {
	Unsubscribe() error
}

// Command topics, one per target host.
func DeployTopic(host string) string   { return "deploy." + host }
func ServiceTopic(host string) string  { return "service." + host }
func RollbackTopic(host string) string { return "rollback." + host }

// WorkflowEventTopic is the subject workflow lifecycle events fan out
// on, one token per event kind. Subscribe to "workflows.event.>" for
// the full stream.
func WorkflowEventTopic(kind string) string {
	return "workflows.event." + kind
}

// Alert lifecycle subjects.
const (
	TopicAlertCreated      = "alerts.alert.created"
	TopicAlertAcknowledged = "alerts.alert.acknowledged"
	TopicAlertResolved     = "alerts.alert.resolved"
	TopicAlertEscalated    = "alerts.alert.escalated"
)

// MatchTopic reports whether a subject matches a subscription pattern.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pt := strings.Split(pattern, ".")
	tt := strings.Split(topic, ".")
	for i, p := range pt {
		if p == ">" {
			return i < len(tt)
		}
		if i >= len(tt) {
			return false
		}
		if p != "*" && p != tt[i] {
			return false
		}
	}
	return len(pt) == len(tt)
}

// Package notify fans alerts out to notification channels: Slack,
// generic webhooks, SMTP mail, and local scripts.
//
// Channels are persisted in the store and may also be seeded from
// configuration. The dispatcher filters by enabled state and minimum
// severity, bounds concurrent deliveries, and wraps each channel in a
// circuit breaker. Failed deliveries land on a cache-backed retry queue
// drained on an interval until the per-notification attempt budget is
// spent.
package notify

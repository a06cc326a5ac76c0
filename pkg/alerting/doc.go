// Package alerting is the alert evaluation engine: rule storage and
// validation, the scheduled evaluation loop over the metrics source, and
// the alert lifecycle from creation through acknowledge, escalate,
// suppress, and resolve.
//
// Rules live in the cache behind an in-memory index (RuleStore); alerts
// are cache documents indexed by id and fingerprint (Lifecycle). The
// fingerprint, a digest of rule id, metric, and filters, enforces the
// dedup invariant: at most one active or acknowledged alert per logical
// condition. When a rule's condition clears, the evaluator auto-resolves
// the alert carrying its fingerprint.
//
// The Evaluator runs one pass per configured interval. Passes never
// overlap: a pass that cannot start promptly is skipped. Each rule also
// carries its own evaluation interval, gated through the cache so the
// schedule survives restarts.
package alerting

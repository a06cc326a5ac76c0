/*
Package types defines the core data structures used throughout PowerDaemon.

This package contains the fundamental types of the deployment and alerting
domain model: workflows, phases, steps, events, alert rules, alerts, and
notification channels. All other packages build on these types for state
management, API payloads, and orchestration logic.

# Core Types

Deployment Orchestration:
  - Workflow: One deployment run of a service version across target hosts
  - Phase: An ordered stage of a workflow (waves, validations, monitoring)
  - Step: One unit of work inside a phase (deploy, health check, traffic)
  - WorkflowEvent: Append-only audit record of a lifecycle transition
  - RollbackPolicy: Whether and how a workflow may be rolled back
  - DeployStrategy: Rolling, blue-green, or canary

Alert Evaluation:
  - AlertRule: A threshold condition over an aggregated metric
  - Alert: A fired rule instance with lifecycle state and data points
  - AlertFingerprint: Deduplication identity over rule, metric, filters
  - NotificationChannel: A delivery target (slack, webhook, email, script)
  - MetricSample: One timestamped metric reading with labels

Bus Commands:
  - DeployCommand, ServiceCommand, RollbackCommand: Payloads published to
    host agents; each carries the (workflowId, stepId) idempotency pair

# State Machines

Workflows:

	created → queued → running → completed
	                     ↓  ↘
	                  failed  cancelled
	                     ↓
	              rolling_back → rolled_back (or failed)

CanTransitionTo encodes the legal transitions; Terminal reports whether a
status admits no further transitions. Paused is a side marker, not a
status: a paused workflow stays running and the executor blocks between
steps.

Alerts:

	active → acknowledged → resolved
	   ↓                       ↑
	   └───────────────────────┘

At most one active-or-acknowledged alert exists per fingerprint.

# Design Patterns

All enums are typed string constants. Optional configuration uses
pointers (nil RollbackPolicy means no rollback). Step parameters are a
free-form map read through typed accessors (StringParam, DurationParam,
FloatParam, Critical) with the Param* constants naming the known keys.

Types are read-safe and write-unsafe: mutations are synchronized by the
owning layer (the executor for a running workflow, the repository's
Mutate elsewhere).

# Integration Points

  - pkg/storage: persists workflows, events, channels to BoltDB as JSON
  - pkg/workflow: write-through repository and progress computation
  - pkg/strategy: planners emit Phase and Step lists
  - pkg/executor: drives the workflow state machine
  - pkg/alerting: rule evaluation and alert lifecycle
  - pkg/api: JSON request/response payloads
*/
package types

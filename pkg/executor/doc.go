/*
Package executor drives a workflow's phases and steps to a terminal
status.

Phases run strictly in declared order, steps sequentially within a
phase. A critical step failure fails its phase; a non-critical failure
marks the step skipped and execution continues. Phases and steps share
the same retry shape: maxRetries+1 attempts with linear backoff
(retryDelay × attempt). A phase retry rewinds failed steps to pending
and reruns only those; completed and skipped steps keep their state.

Work leaves the engine through ports. Deploy, service, and rollback
commands go onto the bus per host (deploy.{host}, service.{host},
rollback.{host}); the bus delivers at least once and agents deduplicate
on the (workflowId, stepId) pair every command carries. Health checks
hit the probe port, traffic moves through the load balancer port, and
validation/cleanup/custom steps delegate to named workers from the
registry.

The executor owns the in-memory workflow while it runs: the caller
holds the workflow lease, and persistence failures are logged rather
than fatal. Every transition lands in the append-only event log and is
mirrored on workflows.event.{kind}.

# Pause and Cancellation

Between phases and between steps the executor polls the pause marker
(workflow-pause:{id}) and blocks while it is set. Cancelling the
controller context lands the workflow on Cancelled; exceeding the
workflow deadline lands it on Failed, after an automatic rollback when
the policy asks for one.

# Rollback

RollbackEngine fans the rollback command out to the affected hosts with
bounded parallelism and waits for each host to report healthy again.
Rollback is single-shot: it either converges on every host or the
workflow is Failed. Automatic rollback after a phase failure targets
the failing phase's hosts; manual and timeout rollback target the whole
fleet. The rollback runs on a fresh context so the deadline that caused
the failure cannot starve the recovery.
*/
package executor

/*
Package workflow is the write-through state layer for deployment workflows.

The Repository pairs the BoltDB store (source of truth) with the cache
(24h read mirror under workflow:{id}). Every write lands in the store
first and refreshes the mirror second; a failed mirror write is logged
and swallowed because reads fall back to the store anyway.

# Concurrency

Workflow records carry a revision counter. Mutate is the safe way to
apply a state transition: it loads a fresh copy, applies the caller's
function, and writes back, retrying a bounded number of times when a
concurrent writer got there first. Callers must not hold a workflow
loaded before calling Mutate and write it afterwards.

The pause marker (workflow-pause:{id}) lives only in the cache. The
executor polls it between phases and steps; the orchestrator sets and
clears it on Pause/Resume.

# Progress

Progress is the share of steps in a terminal success state (completed or
skipped). Advance folds the computed value into the workflow without
ever lowering it; progress is non-decreasing while a workflow runs or
rolls back.

# Integration Points

  - pkg/orchestrator: lifecycle transitions via Mutate, statistics
  - pkg/executor: step and phase updates, progress advancement
  - pkg/storage: persistence and the append-only event log
  - pkg/cache: read mirror, pause marker
*/
package workflow

/*
Package worker holds the named workers that back validation, cleanup,
and custom workflow steps.

Strategy planners reference workers by name through the "worker" step
parameter; the executor resolves the name against the Registry and runs
the worker with the step's phase context. Workers are the extension
point for deployment checks the engine cannot express as bus commands:
package reachability, fleet health validation, monitoring windows, and
the canary metrics guard.

A worker returning an error fails its step. Whether that failure fails
the phase depends on the step's critical flag, exactly like any other
step failure.

# Integration Points

  - pkg/strategy: planners name workers in step parameters
  - pkg/executor: resolves and runs workers for delegated step types
  - pkg/health: fleet health probes behind the validators and monitor
  - pkg/metricsquery: metric samples behind the canary guard
*/
package worker

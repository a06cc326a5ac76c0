// Package daemon assembles the engine from configuration: cache, bus,
// storage, the deployment orchestrator, the alert evaluation pipeline,
// notification dispatch, and the REST server. Background workers run
// under a supervisor that restarts crashed workers with exponential
// backoff.
package daemon

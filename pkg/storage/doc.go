/*
Package storage provides BoltDB-backed persistence for PowerDaemon's
deployment state.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for workflow records, the
append-only workflow event log, and notification channel definitions. All
data is serialized as JSON and stored in separate buckets.

# Architecture

PowerDaemon uses BoltDB (bbolt) for embedded, transactional storage with
zero external dependencies:

	┌────────────────── BOLTDB STORAGE ───────────────────┐
	│                                                       │
	│  ┌─────────────────────────────────────────┐        │
	│  │            BoltStore                     │        │
	│  │  - File: <dataDir>/powerdaemon.db        │        │
	│  │  - Format: B+tree with MVCC              │        │
	│  │  - Transactions: ACID with fsync         │        │
	│  └──────────────────┬──────────────────────┘        │
	│                     │                                 │
	│  ┌──────────────────▼──────────────────────┐        │
	│  │            Bucket Structure              │        │
	│  │  ┌─────────────────────────────────┐    │        │
	│  │  │ workflows   (Workflow ID)       │    │        │
	│  │  │ workflow_events (ID + sequence) │    │        │
	│  │  │ notification_channels (Chan ID) │    │        │
	│  │  └─────────────────────────────────┘    │        │
	│  └─────────────────────────────────────────┘        │
	└───────────────────────────────────────────────────┘

The cache (pkg/cache) sits in front of this store for read traffic;
the store is the source of truth. Workflow writes go through the store
first and are only then mirrored into the cache.

# Optimistic Concurrency

Every workflow record carries a Revision counter. CreateWorkflow sets it
to 1; UpdateWorkflow compares the caller's revision against the stored
one and rejects the write when they differ, then increments it on
success. Callers that lose the race reload and retry. This keeps the
executor, the API and background janitors from silently overwriting each
other's updates.

# Event Log

Workflow events are append-only. Keys are built as

	<workflowID>/<sequence>

where the sequence comes from the bucket's monotonic NextSequence
counter, zero-padded to 20 digits so lexicographic order equals append
order. ListEvents is a cursor scan over the "<workflowID>/" prefix; the
separator keeps "wf-1" from matching "wf-10". Events are never updated
in place. DeleteEvents removes a workflow's whole stream and is only
called by retention cleanup after the workflow itself is deleted.

# Usage

Creating a store:

	store, err := storage.NewBoltStore("/var/lib/powerdaemon")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

Workflow operations:

	wf := &types.Workflow{
		ID:          uuid.New().String(),
		Name:        "payments 1.4.2 rolling",
		Strategy:    types.DeployStrategyRolling,
		ServiceName: "payments",
		Version:     "1.4.2",
		Status:      types.WorkflowStatusCreated,
	}
	err := store.CreateWorkflow(wf)

	wf, err = store.GetWorkflow(wf.ID)

	wf.Status = types.WorkflowStatusQueued
	err = store.UpdateWorkflow(wf) // bumps Revision or fails on conflict

	running, err := store.ListWorkflows(types.WorkflowFilter{
		Status: types.WorkflowStatusRunning,
		Limit:  50,
	})

Appending events:

	err := store.AppendEvent(&types.WorkflowEvent{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Timestamp:  time.Now().UTC(),
		Kind:       types.EventPhaseStarted,
		PhaseID:    phase.ID,
	})

# Design Patterns

Upsert Pattern:
  - UpdateChannel uses the same Put as CreateChannel
  - Channel edits are last-writer-wins; workflows are not

Idempotent Deletes:
  - DeleteWorkflow and DeleteEvents return no error for missing keys
  - Safe to call from retention cleanup multiple times

Cursor Iteration:
  - ListWorkflows scans the full bucket and filters in memory
  - Fleet scale (~2000 services) keeps full scans cheap
  - Results sort newest-first before offset/limit are applied

Error Wrapping:
  - Missing records return errdefs.NotFoundf
  - Revision conflicts return errdefs.InvalidStatef
  - Callers branch on errdefs.IsNotFound / errdefs.IsInvalidState

# Integration Points

This package integrates with:

  - pkg/workflow: repository layering cache on top of this store
  - pkg/orchestrator: workflow lifecycle reads and writes
  - pkg/executor: step and phase progress updates
  - pkg/notify: notification channel definitions
  - pkg/types: all entity definitions

# See Also

  - pkg/cache for the read-path cache keyed per workflow
  - pkg/workflow for the write-through repository
  - BoltDB documentation: https://github.com/etcd-io/bbolt
*/
package storage

package storage

import (
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// Store defines the interface for durable engine state. Workflows carry a
// revision counter for optimistic concurrency; the event log is append-only.
type Store interface {
	// Workflows
	CreateWorkflow(wf *types.Workflow) error
	GetWorkflow(id string) (*types.Workflow, error)
	ListWorkflows(filter types.WorkflowFilter) ([]*types.Workflow, error)
	UpdateWorkflow(wf *types.Workflow) error
	DeleteWorkflow(id string) error

	// Workflow events
	AppendEvent(event *types.WorkflowEvent) error
	ListEvents(workflowID string) ([]*types.WorkflowEvent, error)
	DeleteEvents(workflowID string) error

	// Notification channels
	CreateChannel(ch *types.NotificationChannel) error
	GetChannel(id string) (*types.NotificationChannel, error)
	GetChannelByName(name string) (*types.NotificationChannel, error)
	ListChannels() ([]*types.NotificationChannel, error)
	UpdateChannel(ch *types.NotificationChannel) error
	DeleteChannel(id string) error

	// Utility
	Close() error
}

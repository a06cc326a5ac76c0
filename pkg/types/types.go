package types

import (
	"time"
)

// Workflow is the unit of orchestration: one service version rolled out to
// an ordered set of target hosts through a planned list of phases.
type Workflow struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Strategy        DeployStrategy  `json:"strategy"`
	TargetHosts     []string        `json:"target_hosts"`
	ServiceName     string          `json:"service_name"`
	Version         string          `json:"version"`
	PackageURL      string          `json:"package_url"`
	Configuration   map[string]any  `json:"configuration,omitempty"`
	RollbackPolicy  *RollbackPolicy `json:"rollback_policy,omitempty"`
	CreatedBy       string          `json:"created_by"`
	Status          WorkflowStatus  `json:"status"`
	ProgressPercent float64         `json:"progress_percent"` // [0,100], non-decreasing while running
	CurrentPhase    int             `json:"current_phase"`    // index into Phases; frozen during rollback
	Phases          []*Phase        `json:"phases"`
	Errors          []string        `json:"errors,omitempty"`
	Timeout         time.Duration   `json:"timeout"` // whole-workflow deadline, default 2h
	Revision        int64           `json:"revision"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// RollbackPolicy controls whether and how a workflow may be rolled back
type RollbackPolicy struct {
	Enabled            bool          `json:"enabled"`
	AutomaticRollback  bool          `json:"automatic_rollback"`
	TargetVersion      string        `json:"target_version,omitempty"` // empty means "previous"
	RollbackTimeout    time.Duration `json:"rollback_timeout,omitempty"`
	HealthCheckTimeout time.Duration `json:"health_check_timeout,omitempty"`
}

// WorkflowStatus represents the lifecycle state of a workflow
type WorkflowStatus string

const (
	WorkflowStatusCreated     WorkflowStatus = "created"
	WorkflowStatusQueued      WorkflowStatus = "queued"
	WorkflowStatusRunning     WorkflowStatus = "running"
	WorkflowStatusPaused      WorkflowStatus = "paused"
	WorkflowStatusRollingBack WorkflowStatus = "rolling_back"
	WorkflowStatusCompleted   WorkflowStatus = "completed"
	WorkflowStatusFailed      WorkflowStatus = "failed"
	WorkflowStatusCancelled   WorkflowStatus = "cancelled"
	WorkflowStatusRolledBack  WorkflowStatus = "rolled_back"
)

// Terminal reports whether no further transitions are allowed from s.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled, WorkflowStatusRolledBack:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status graph allows moving from s to t.
// Paused is a side-state of Running; terminal states allow nothing.
func (s WorkflowStatus) CanTransitionTo(t WorkflowStatus) bool {
	switch s {
	case WorkflowStatusCreated:
		return t == WorkflowStatusQueued || t == WorkflowStatusRunning || t == WorkflowStatusCancelled
	case WorkflowStatusQueued:
		return t == WorkflowStatusRunning || t == WorkflowStatusCancelled
	case WorkflowStatusRunning:
		switch t {
		case WorkflowStatusPaused, WorkflowStatusRollingBack, WorkflowStatusCompleted,
			WorkflowStatusFailed, WorkflowStatusCancelled:
			return true
		}
		return false
	case WorkflowStatusPaused:
		return t == WorkflowStatusRunning || t == WorkflowStatusCancelled
	case WorkflowStatusRollingBack:
		return t == WorkflowStatusRolledBack || t == WorkflowStatusFailed
	}
	return false
}

// DeployStrategy identifies the planner used to build the workflow phases
type DeployStrategy string

const (
	DeployStrategyRolling   DeployStrategy = "rolling"
	DeployStrategyBlueGreen DeployStrategy = "bluegreen"
	DeployStrategyCanary    DeployStrategy = "canary"
)

// Phase groups steps that belong to one stage of the plan. Phases execute
// strictly in order; at most one phase is running per workflow.
type Phase struct {
	ID                string        `json:"id"` // "phase-{n}", 1-based
	Name              string        `json:"name"`
	Steps             []*Step       `json:"steps"`
	Timeout           time.Duration `json:"timeout"` // default 30m
	MaxRetries        int           `json:"max_retries"`
	RollbackOnFailure bool          `json:"rollback_on_failure"`
	TargetHosts       []string      `json:"target_hosts,omitempty"`
	Status            PhaseStatus   `json:"status"`
	RetryCount        int           `json:"retry_count"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// PhaseStatus represents the state of a phase
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
	PhaseStatusCancelled PhaseStatus = "cancelled"
)

// Step is the smallest executable unit of a workflow. A failing step marked
// critical fails its phase; a non-critical failure is recorded as Skipped.
type Step struct {
	ID          string         `json:"id"` // "step-{phase}-{n}"
	Name        string         `json:"name"`
	Type        StepType       `json:"type"`
	TargetHost  string         `json:"target_host,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Status      StepStatus     `json:"status"`
	RetryCount  int            `json:"retry_count"`
	Output      string         `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Critical reports whether the step's failure must fail the phase.
// Planners mark it through the "critical" parameter.
func (s *Step) Critical() bool {
	v, ok := s.Parameters[ParamCritical]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// StringParam returns a string parameter or the fallback when absent.
func (s *Step) StringParam(key, fallback string) string {
	if v, ok := s.Parameters[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// DurationParam returns a duration parameter. Numeric values are read as
// seconds, strings are parsed with time.ParseDuration.
func (s *Step) DurationParam(key string, fallback time.Duration) time.Duration {
	switch v := s.Parameters[key].(type) {
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// FloatParam returns a numeric parameter or the fallback when absent.
func (s *Step) FloatParam(key string, fallback float64) float64 {
	switch v := s.Parameters[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

// StepStatus represents the state of a step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// StepType defines what a step does when executed
type StepType string

const (
	StepTypeDeploy         StepType = "deploy"
	StepTypeServiceStart   StepType = "service_start"
	StepTypeServiceStop    StepType = "service_stop"
	StepTypeServiceRestart StepType = "service_restart"
	StepTypeHealthCheck    StepType = "health_check"
	StepTypeWaitForHealthy StepType = "wait_for_healthy"
	StepTypeTrafficSwitch  StepType = "traffic_switch"
	StepTypeValidation     StepType = "validation"
	StepTypeCleanup        StepType = "cleanup"
	StepTypeCustom         StepType = "custom"
)

// Step parameter keys populated by strategy planners and read by the
// executor. Planners must not invent keys outside this set.
const (
	ParamCritical    = "critical"
	ParamTimeout     = "timeout"
	ParamWorker      = "worker"   // validation/cleanup/custom: named external worker
	ParamDuration    = "duration" // monitoring/wait durations, seconds or duration string
	ParamCommand     = "command"  // service steps: start|stop|restart
	ParamAction      = "action"   // traffic_switch: add|remove|switch
	ParamEnvironment = "environment"
	ParamBatchHosts  = "batch_hosts" // parallel wave deploy: host list for one batch
	ParamDelay       = "delay"       // inter-server or inter-batch delay
	ParamErrorRate   = "error_rate_threshold"
	ParamMetrics     = "metrics" // metric names monitored during validation
	ParamFromVersion = "from_version"
	ParamToVersion   = "to_version"
)

// WorkflowEvent is an append-only record of something that happened to a
// workflow. Events double as the audit trail and the bus payload.
type WorkflowEvent struct {
	ID         string            `json:"id"`
	WorkflowID string            `json:"workflow_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Kind       EventKind         `json:"kind"`
	Message    string            `json:"message"`
	PhaseID    string            `json:"phase_id,omitempty"`
	StepID     string            `json:"step_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// EventKind identifies the kind of workflow event
type EventKind string

const (
	EventCreated           EventKind = "created"
	EventStarted           EventKind = "started"
	EventPhaseStarted      EventKind = "phase_started"
	EventStepStarted       EventKind = "step_started"
	EventStepCompleted     EventKind = "step_completed"
	EventStepFailed        EventKind = "step_failed"
	EventPhaseCompleted    EventKind = "phase_completed"
	EventPhaseFailed       EventKind = "phase_failed"
	EventCompleted         EventKind = "completed"
	EventFailed            EventKind = "failed"
	EventCancelled         EventKind = "cancelled"
	EventPaused            EventKind = "paused"
	EventResumed           EventKind = "resumed"
	EventRollbackStarted   EventKind = "rollback_started"
	EventRollbackCompleted EventKind = "rollback_completed"
	EventRollbackFailed    EventKind = "rollback_failed"
)

// StrategyInfo describes a registered planner for discovery surfaces
type StrategyInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// WorkflowFilter narrows workflow listings
type WorkflowFilter struct {
	Status      WorkflowStatus
	Strategy    DeployStrategy
	ServiceName string
	Limit       int
	Offset      int
}

// WorkflowStatistics summarizes workflows over a time range
type WorkflowStatistics struct {
	From            time.Time                  `json:"from"`
	To              time.Time                  `json:"to"`
	Total           int                        `json:"total"`
	ByStatus        map[WorkflowStatus]int     `json:"by_status"`
	ByStrategy      map[DeployStrategy]int     `json:"by_strategy"`
	SuccessRate     float64                    `json:"success_rate"`
	AverageDuration time.Duration              `json:"average_duration"`
}

// OrchestratorHealth reports whether the orchestrator is within its
// concurrency envelope.
type OrchestratorHealth struct {
	Status          string    `json:"status"` // "healthy" or "degraded"
	ActiveWorkflows int       `json:"active_workflows"`
	QueuedWorkflows int       `json:"queued_workflows"`
	MaxConcurrent   int       `json:"max_concurrent"`
	MaxQueued       int       `json:"max_queued"`
	Issues          []string  `json:"issues,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// DeployCommand is the payload published on deploy.{host} topics. Agents
// deduplicate on (workflow id, step id) carried in Configuration since the
// bus delivers at least once.
type DeployCommand struct {
	DeploymentID   string         `json:"deployment_id"`
	TargetServerID string         `json:"target_server_id"`
	ServiceName    string         `json:"service_name"`
	Strategy       DeployStrategy `json:"strategy"`
	PackageURL     string         `json:"package_url"`
	Version        string         `json:"version"`
	Configuration  map[string]any `json:"configuration,omitempty"`
}

// ServiceCommand is the payload published on service.{host} topics
type ServiceCommand struct {
	TargetServerID string         `json:"target_server_id"`
	ServiceName    string         `json:"service_name"`
	Command        string         `json:"command"` // start|stop|restart
	Configuration  map[string]any `json:"configuration,omitempty"`
}

// RollbackCommand is the payload published on rollback.{host} topics
type RollbackCommand struct {
	DeploymentID   string         `json:"deployment_id"`
	TargetServerID string         `json:"target_server_id"`
	ServiceName    string         `json:"service_name"`
	TargetVersion  string         `json:"target_version"` // empty means "previous"
	Configuration  map[string]any `json:"configuration,omitempty"`
}

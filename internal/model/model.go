// Package model defines the core OrbitMesh domain entities: Agent, Session,
// Job, WorkflowDefinition, and WorkflowInstance. These are plain Go types
// independent of any persistence technology — internal/store adapts them to
// GORM models.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ─── Agent ───────────────────────────────────────────────────────────────────

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentCreated      AgentStatus = "created"
	AgentInitializing AgentStatus = "initializing"
	AgentReady        AgentStatus = "ready"
	AgentRunning      AgentStatus = "running"
	AgentPaused       AgentStatus = "paused"
	AgentStopping     AgentStatus = "stopping"
	AgentStopped      AgentStatus = "stopped"
	AgentDisconnected AgentStatus = "disconnected"
	AgentFaulted      AgentStatus = "faulted"
)

// Capability is a named, versioned skill an agent advertises. Used by the
// dispatcher's selection algorithm (spec §4.2 (iv)).
type Capability struct {
	Name    string            `json:"name"`
	Version string            `json:"version,omitempty"`
	Props   map[string]string `json:"props,omitempty"`
}

// Agent is the registry's durable record of a remote worker.
type Agent struct {
	ID                 uuid.UUID    `json:"id"`
	Name               string       `json:"name"`
	Group              string       `json:"group,omitempty"`
	Tags               []string     `json:"tags,omitempty"`
	Capabilities       []Capability `json:"capabilities,omitempty"`
	Status             AgentStatus  `json:"status"`
	LastHeartbeat      time.Time    `json:"last_heartbeat,omitempty"`
	ActiveConnectionID string       `json:"active_connection_id,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// HasCapability reports whether the agent advertises a capability with the
// given name, regardless of version.
func (a *Agent) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// ─── Session ─────────────────────────────────────────────────────────────────

// Session is one live duplex channel between the coordinator and an agent.
type Session struct {
	ConnectionID string    `json:"connection_id"`
	AgentID      uuid.UUID `json:"agent_id"`
	RemoteAddr   string    `json:"remote_addr"`
	OpenedAt     time.Time `json:"opened_at"`
	LastSeen     time.Time `json:"last_seen"`
	ResumeToken  string    `json:"resume_token"`
	Superseded   bool      `json:"superseded"`
}

// ─── Job ─────────────────────────────────────────────────────────────────────

// JobStatus is the lifecycle state of a job, per spec §4.2's state machine.
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobAssigned     JobStatus = "assigned"
	JobAcknowledged JobStatus = "acknowledged"
	JobRunning      JobStatus = "running"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobTimedOut     JobStatus = "timed_out"
	JobCancelled    JobStatus = "cancelled"
)

// Terminal reports whether status is a terminal state — no further
// transitions are possible for this attempt.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimedOut, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is one unit of work: a single attempt of a command on one agent.
type Job struct {
	ID                   uuid.UUID  `json:"id"`
	IdempotencyKey       string     `json:"idempotency_key"`
	Command              string     `json:"command"`
	Pattern              string     `json:"pattern,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	Priority             int        `json:"priority"`
	Payload              []byte     `json:"payload,omitempty"`
	TargetAgentID        *uuid.UUID `json:"target_agent_id,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	Status        JobStatus  `json:"status"`
	AssignedAgentID *uuid.UUID `json:"assigned_agent_id,omitempty"`
	AssignedAt    *time.Time `json:"assigned_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	RetryCount   int            `json:"retry_count"`
	TimeoutCount int            `json:"timeout_count"`
	MaxRetries   int            `json:"max_retries"`
	Timeout      *time.Duration `json:"timeout,omitempty"`
	NextAttemptAt *time.Time    `json:"next_attempt_at,omitempty"`

	LastProgress *Progress `json:"last_progress,omitempty"`
	Result       []byte    `json:"result,omitempty"`
	Error        *JobError `json:"error,omitempty"`

	// Attempt increments every time the job is re-queued after a retry; it is
	// carried on the wire so the agent can recognize a re-delivery of the
	// same logical unit of work (spec §4.1 inflight replay, invariant 6).
	Attempt int `json:"attempt"`

	// BlacklistedAgents holds agent IDs rejected for this job within the
	// current selection round (spec §4.2 Reject handling).
	BlacklistedAgents []uuid.UUID `json:"-"`
}

// Progress is the last reported progress update for a running job.
type Progress struct {
	Pct     int32  `json:"pct"`
	Message string `json:"message,omitempty"`
	Step    string `json:"step,omitempty"`
}

// JobError describes why a job ended in Failed or TimedOut.
type JobError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// JobRequest is the caller-supplied description of work to submit.
type JobRequest struct {
	Command              string
	Pattern              string
	RequiredCapabilities []string
	Priority             int
	Timeout              *time.Duration
	TargetAgentID        *uuid.UUID
	Payload              []byte
	IdempotencyKey       string
	MaxRetries           int
}

// ─── Workflow ────────────────────────────────────────────────────────────────

// StepKind identifies the tagged union of step behaviors (spec §9).
type StepKind string

const (
	StepJob          StepKind = "job"
	StepDelay        StepKind = "delay"
	StepParallel     StepKind = "parallel"
	StepConditional  StepKind = "conditional"
	StepForEach      StepKind = "for_each"
	StepWaitForEvent StepKind = "wait_for_event"
	StepSubWorkflow  StepKind = "sub_workflow"
	StepNotify       StepKind = "notify"
	StepApproval     StepKind = "approval"
)

// StepDefinition is one node of a WorkflowDefinition's DAG.
type StepDefinition struct {
	ID             string         `json:"id" yaml:"id"`
	Kind           StepKind       `json:"kind" yaml:"kind"`
	DependsOn      []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Condition      string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	OutputVariable string         `json:"output_variable,omitempty" yaml:"output_variable,omitempty"`
	ContinueOnError bool          `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Compensation   string         `json:"compensation,omitempty" yaml:"compensation,omitempty"`

	// Job step fields.
	Command              string   `json:"command,omitempty" yaml:"command,omitempty"`
	Pattern              string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	PayloadExpr          string   `json:"payload_expr,omitempty" yaml:"payload_expr,omitempty"`
	JobTimeout           *time.Duration `json:"job_timeout,omitempty" yaml:"job_timeout,omitempty"`

	// Delay step fields.
	Duration *time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Parallel step fields.
	Branches [][]StepDefinition `json:"branches,omitempty" yaml:"branches,omitempty"`
	FailFast bool               `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`

	// Conditional step fields.
	Then []StepDefinition `json:"then,omitempty" yaml:"then,omitempty"`
	Else []StepDefinition `json:"else,omitempty" yaml:"else,omitempty"`

	// ForEach step fields.
	CollectionExpr string `json:"collection_expr,omitempty" yaml:"collection_expr,omitempty"`
	ItemVariable   string `json:"item_variable,omitempty" yaml:"item_variable,omitempty"`
	MaxConcurrency int    `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	Body           []StepDefinition `json:"body,omitempty" yaml:"body,omitempty"`

	// WaitForEvent / Notify / Approval step fields.
	EventType      string         `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	CorrelationKey string         `json:"correlation_key,omitempty" yaml:"correlation_key,omitempty"`
	WaitTimeout    *time.Duration `json:"wait_timeout,omitempty" yaml:"wait_timeout,omitempty"`

	// Notify step fields — the outbound side effect issued before the
	// step waits using WaitForEvent semantics (spec §4.3). NotifyChannel
	// is "email" or "webhook"; NotifyTarget is the recipient address or
	// webhook URL; NotifyMessageExpr is evaluated against the instance's
	// variable map to produce the message body.
	NotifyChannel     string `json:"notify_channel,omitempty" yaml:"notify_channel,omitempty"`
	NotifyTarget      string `json:"notify_target,omitempty" yaml:"notify_target,omitempty"`
	NotifyMessageExpr string `json:"notify_message_expr,omitempty" yaml:"notify_message_expr,omitempty"`

	// SubWorkflow step fields.
	SubWorkflowID     string `json:"sub_workflow_id,omitempty" yaml:"sub_workflow_id,omitempty"`
	WaitForCompletion bool   `json:"wait_for_completion,omitempty" yaml:"wait_for_completion,omitempty"`
	InputExpr         string `json:"input_expr,omitempty" yaml:"input_expr,omitempty"`
}

// ErrorHandlingMode is the workflow-level error policy (spec §4.3).
type ErrorHandlingMode string

const (
	StopOnFirstError    ErrorHandlingMode = "stop_on_first_error"
	ContinueAndAggregate ErrorHandlingMode = "continue_and_aggregate"
	Compensate          ErrorHandlingMode = "compensate"
)

// WorkflowDefinition is a versioned DAG of steps.
type WorkflowDefinition struct {
	ID            string             `json:"id" yaml:"id"`
	Version       int                `json:"version" yaml:"version"`
	Steps         []StepDefinition   `json:"steps" yaml:"steps"`
	Triggers      []string           `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Variables     map[string]any     `json:"variables,omitempty" yaml:"variables,omitempty"`
	Timeout       *time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ErrorHandling ErrorHandlingMode  `json:"error_handling" yaml:"error_handling"`
	CreatedAt     time.Time          `json:"created_at" yaml:"created_at"`
}

// WorkflowInstanceStatus is the lifecycle state of a running workflow.
type WorkflowInstanceStatus string

const (
	InstancePending   WorkflowInstanceStatus = "pending"
	InstanceRunning   WorkflowInstanceStatus = "running"
	InstancePaused    WorkflowInstanceStatus = "paused"
	InstanceCompleted WorkflowInstanceStatus = "completed"
	InstanceFailed    WorkflowInstanceStatus = "failed"
	InstanceCancelled WorkflowInstanceStatus = "cancelled"
)

// StepInstanceStatus is the lifecycle state of a single step execution.
type StepInstanceStatus string

const (
	StepPending        StepInstanceStatus = "pending"
	StepRunning        StepInstanceStatus = "running"
	StepWaitingForEvent StepInstanceStatus = "waiting_for_event"
	StepCompleted      StepInstanceStatus = "completed"
	StepFailed         StepInstanceStatus = "failed"
	StepSkipped        StepInstanceStatus = "skipped"
	StepCancelled      StepInstanceStatus = "cancelled"
)

// Terminal reports whether the step will not transition further on its own.
func (s StepInstanceStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// StepInstance tracks one step's execution within a WorkflowInstance.
type StepInstance struct {
	StepID      string             `json:"step_id"`
	Status      StepInstanceStatus `json:"status"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Attempts    int                `json:"attempts"`
	Output      any                `json:"output,omitempty"`
	Error       string             `json:"error,omitempty"`

	// JobID links a Job-kind step to the dispatcher job it submitted. The
	// workflow engine reads it when resuming an instance but does not set it.
	JobID *uuid.UUID `json:"job_id,omitempty"`

	// WaitHandle identifies the pending WaitForEvent/Approval for Signal
	// matching (eventType + correlationKey, spec Open Question #2).
	WaitEventType      string `json:"wait_event_type,omitempty"`
	WaitCorrelationKey string `json:"wait_correlation_key,omitempty"`
}

// WorkflowInstance is one concrete execution of a WorkflowDefinition.
type WorkflowInstance struct {
	ID              uuid.UUID                  `json:"id"`
	WorkflowID      string                     `json:"workflow_id"`
	WorkflowVersion int                        `json:"workflow_version"`
	Status          WorkflowInstanceStatus     `json:"status"`
	Variables       map[string]any             `json:"variables"`
	StepInstances   map[string]*StepInstance   `json:"step_instances"`
	StartedAt       time.Time                  `json:"started_at"`
	CompletedAt     *time.Time                 `json:"completed_at,omitempty"`
	Error           string                     `json:"error,omitempty"`
}

// Package store implements the Store interface (spec.md §2, §6 "Persisted
// state layout") on top of GORM, following the teacher's sqlite/postgres
// dual-driver setup and UUIDv7 base-model pattern.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orbitmesh/orbitmesh/internal/model"
)

// base contains the fields shared by every model. ID uses UUIDv7
// (time-ordered) so the primary key doubles as a chronological sort key.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// ─── Agent ───────────────────────────────────────────────────────────────────

// AgentRow is the persisted form of model.Agent. Tags and Capabilities are
// stored as JSON text — GORM has no native array/struct-slice column type
// portable across sqlite and postgres, and the teacher's own models use the
// same JSON-text convention for Policy.Sources and Agent.Labels.
type AgentRow struct {
	base
	Name               string `gorm:"not null"`
	GroupName          string `gorm:"column:group_name;default:''"`
	Tags               string `gorm:"type:text;default:'[]'"`
	Capabilities       string `gorm:"type:text;default:'[]'"`
	Status             string `gorm:"not null;default:'created'"`
	LastHeartbeat      *time.Time
	ActiveConnectionID string `gorm:"column:active_connection_id;default:''"`
}

func (AgentRow) TableName() string { return "agents" }

func agentToRow(a *model.Agent) (*AgentRow, error) {
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return nil, err
	}
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return nil, err
	}
	row := &AgentRow{
		base:               base{ID: a.ID, CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt},
		Name:               a.Name,
		GroupName:          a.Group,
		Tags:               string(tags),
		Capabilities:       string(caps),
		Status:             string(a.Status),
		ActiveConnectionID: a.ActiveConnectionID,
	}
	if !a.LastHeartbeat.IsZero() {
		t := a.LastHeartbeat
		row.LastHeartbeat = &t
	}
	return row, nil
}

func rowToAgent(row *AgentRow) (*model.Agent, error) {
	var tags []string
	if err := json.Unmarshal([]byte(row.Tags), &tags); err != nil {
		return nil, err
	}
	var caps []model.Capability
	if err := json.Unmarshal([]byte(row.Capabilities), &caps); err != nil {
		return nil, err
	}
	a := &model.Agent{
		ID:                 row.ID,
		Name:               row.Name,
		Group:              row.GroupName,
		Tags:               tags,
		Capabilities:       caps,
		Status:             model.AgentStatus(row.Status),
		ActiveConnectionID: row.ActiveConnectionID,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if row.LastHeartbeat != nil {
		a.LastHeartbeat = *row.LastHeartbeat
	}
	return a, nil
}

// ─── Job ─────────────────────────────────────────────────────────────────────

// JobRow is the persisted form of model.Job. Payload and Result are stored
// via EncryptedBytes because job payloads routinely carry operator secrets
// (credentials, connection strings) — the same rationale the teacher applies
// to Policy.RepoPassword and Destination.Credentials.
type JobRow struct {
	base
	IdempotencyKey       string `gorm:"not null;uniqueIndex:idx_job_idem_attempt"`
	Attempt              int    `gorm:"not null;default:0;uniqueIndex:idx_job_idem_attempt"`
	Command              string `gorm:"not null"`
	Pattern              string `gorm:"default:''"`
	RequiredCapabilities string `gorm:"type:text;default:'[]'"`
	Priority             int    `gorm:"not null;default:5;index"`
	Payload              EncryptedBytes `gorm:"type:text"`
	TargetAgentID        *uuid.UUID `gorm:"type:text"`

	Status          string     `gorm:"not null;default:'pending';index"`
	AssignedAgentID *uuid.UUID `gorm:"type:text;index"`
	AssignedAt      *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time

	RetryCount    int `gorm:"not null;default:0"`
	TimeoutCount  int `gorm:"not null;default:0"`
	MaxRetries    int `gorm:"not null;default:0"`
	TimeoutMillis int64
	NextAttemptAt *time.Time `gorm:"index"`

	ProgressPct     int32
	ProgressMessage string `gorm:"type:text;default:''"`
	ProgressStep    string `gorm:"default:''"`

	Result      EncryptedBytes `gorm:"type:text"`
	ErrorCode   string         `gorm:"default:''"`
	ErrorMsg    string         `gorm:"type:text;default:''"`
	ErrRetryable bool          `gorm:"default:false"`
}

func (JobRow) TableName() string { return "jobs" }

// ─── WorkflowDefinition ──────────────────────────────────────────────────────

// WorkflowDefinitionRow stores the DAG as JSON — the DAG shape is recursive
// (Parallel branches, Conditional then/else, ForEach body) and has no natural
// relational decomposition, so it is kept whole, matching how the teacher
// stores Policy.Sources (a JSON array) rather than a child table.
type WorkflowDefinitionRow struct {
	ID            string `gorm:"type:text;primaryKey"`
	Version       int    `gorm:"primaryKey"`
	StepsJSON     string `gorm:"type:text;not null"`
	TriggersJSON  string `gorm:"type:text;default:'[]'"`
	VariablesJSON string `gorm:"type:text;default:'{}'"`
	TimeoutMillis int64
	ErrorHandling string    `gorm:"not null;default:'stop_on_first_error'"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (WorkflowDefinitionRow) TableName() string { return "workflow_definitions" }

// ─── WorkflowInstance ────────────────────────────────────────────────────────

type WorkflowInstanceRow struct {
	base
	WorkflowID        string `gorm:"not null;index"`
	WorkflowVersion   int    `gorm:"not null"`
	Status            string `gorm:"not null;default:'pending';index"`
	VariablesJSON     string `gorm:"type:text;default:'{}'"`
	StepInstancesJSON string `gorm:"type:text;default:'{}'"`
	StartedAt         time.Time `gorm:"not null"`
	CompletedAt       *time.Time
	Error             string `gorm:"type:text;default:''"`
}

func (WorkflowInstanceRow) TableName() string { return "workflow_instances" }

// ─── Bootstrap tokens & certificates ─────────────────────────────────────────

// BootstrapTokenRow backs the opaque Authenticator's enrollment tokens. The
// Authenticator itself is out of scope (spec.md §1); this row exists only so
// a concrete Store has somewhere to persist the token the Authenticator
// issues, matching spec.md §2's "bootstrap tokens, certificates" Store duty.
type BootstrapTokenRow struct {
	base
	TokenHash string     `gorm:"not null;uniqueIndex"`
	AgentName string     `gorm:"not null"`
	ExpiresAt time.Time  `gorm:"not null;index"`
	UsedAt    *time.Time
}

func (BootstrapTokenRow) TableName() string { return "bootstrap_tokens" }

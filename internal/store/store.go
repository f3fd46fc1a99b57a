package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orbitmesh/orbitmesh/internal/model"
	"github.com/orbitmesh/orbitmesh/internal/orbiterr"
)

// ListOptions paginates a List query and, for ListJobs, optionally filters
// the result set the way the administrative jobs.list endpoint needs
// (spec §6): by status, by the agent a job is assigned to, and by an exact
// command match.
type ListOptions struct {
	Limit  int
	Offset int

	Status  model.JobStatus
	AgentID *uuid.UUID
	Command string
}

// Store is the coordinator's single persistence surface: agents, jobs,
// workflow definitions and instances, and bootstrap tokens. One interface
// keeps the dispatcher, registry, and workflow engine from depending on GORM
// directly — they depend on Store instead.
type Store interface {
	CreateAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*model.Agent, error)
	UpdateAgent(ctx context.Context, a *model.Agent) error
	UpdateAgentStatus(ctx context.Context, id uuid.UUID, status model.AgentStatus, lastHeartbeat time.Time) error
	ListAgents(ctx context.Context, opts ListOptions) ([]model.Agent, int64, error)
	DeleteAgent(ctx context.Context, id uuid.UUID) error

	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error)
	GetJobByIdempotencyKey(ctx context.Context, key string, attempt int) (*model.Job, error)
	UpdateJob(ctx context.Context, j *model.Job) error
	ListPendingJobs(ctx context.Context, limit int) ([]model.Job, error)
	ListJobsByAgent(ctx context.Context, agentID uuid.UUID, statuses []model.JobStatus) ([]model.Job, error)
	ListJobs(ctx context.Context, opts ListOptions) ([]model.Job, int64, error)

	CreateWorkflowDefinition(ctx context.Context, d *model.WorkflowDefinition) error
	GetWorkflowDefinition(ctx context.Context, id string, version int) (*model.WorkflowDefinition, error)
	GetLatestWorkflowDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error)
	ListWorkflowDefinitions(ctx context.Context, opts ListOptions) ([]model.WorkflowDefinition, int64, error)

	CreateWorkflowInstance(ctx context.Context, i *model.WorkflowInstance) error
	GetWorkflowInstance(ctx context.Context, id uuid.UUID) (*model.WorkflowInstance, error)
	UpdateWorkflowInstance(ctx context.Context, i *model.WorkflowInstance) error
	ListActiveWorkflowInstances(ctx context.Context) ([]model.WorkflowInstance, error)
	ListWorkflowInstances(ctx context.Context, opts ListOptions) ([]model.WorkflowInstance, int64, error)

	IssueBootstrapToken(ctx context.Context, agentName string, ttl time.Duration) (string, error)
	RedeemBootstrapToken(ctx context.Context, token string) (agentName string, err error)
}

type gormStore struct {
	db *gorm.DB
}

// NewStore wraps db as a Store. Callers obtain db via store.New (the connection
// constructor) or construct one directly for tests.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// AutoTable is exposed so cmd/ binaries can call gorm's AutoMigrate in dev
// mode as a fallback to the migrations directory; production startup should
// rely on Migrate instead.
var AutoTable = []interface{}{
	&AgentRow{}, &JobRow{}, &WorkflowDefinitionRow{}, &WorkflowInstanceRow{}, &BootstrapTokenRow{},
}

// ─── Agents ──────────────────────────────────────────────────────────────────

func (s *gormStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	row, err := agentToRow(a)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return orbiterr.New(orbiterr.Conflict, "agent already exists")
		}
		return fmt.Errorf("store: create agent: %w", err)
	}
	*a, err = derefAgent(row)
	return err
}

func (s *gormStore) GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error) {
	var row AgentRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orbiterr.New(orbiterr.NotFound, "agent not found")
		}
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	return rowToAgent(&row)
}

func (s *gormStore) GetAgentByName(ctx context.Context, name string) (*model.Agent, error) {
	var row AgentRow
	if err := s.db.WithContext(ctx).First(&row, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orbiterr.New(orbiterr.NotFound, "agent not found")
		}
		return nil, fmt.Errorf("store: get agent by name: %w", err)
	}
	return rowToAgent(&row)
}

func (s *gormStore) UpdateAgent(ctx context.Context, a *model.Agent) error {
	row, err := agentToRow(a)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Save(row)
	if result.Error != nil {
		return fmt.Errorf("store: update agent: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return orbiterr.New(orbiterr.NotFound, "agent not found")
	}
	return nil
}

// UpdateAgentStatus updates only status and last_heartbeat, called on every
// heartbeat — full-row writes would amplify disk traffic under load.
func (s *gormStore) UpdateAgentStatus(ctx context.Context, id uuid.UUID, status model.AgentStatus, lastHeartbeat time.Time) error {
	result := s.db.WithContext(ctx).Model(&AgentRow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":         string(status),
		"last_heartbeat": lastHeartbeat,
	})
	if result.Error != nil {
		return fmt.Errorf("store: update agent status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return orbiterr.New(orbiterr.NotFound, "agent not found")
	}
	return nil
}

func (s *gormStore) ListAgents(ctx context.Context, opts ListOptions) ([]model.Agent, int64, error) {
	var rows []AgentRow
	var total int64
	if err := s.db.WithContext(ctx).Model(&AgentRow{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list agents count: %w", err)
	}
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list agents: %w", err)
	}
	out := make([]model.Agent, 0, len(rows))
	for i := range rows {
		a, err := rowToAgent(&rows[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *a)
	}
	return out, total, nil
}

func (s *gormStore) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&AgentRow{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("store: delete agent: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return orbiterr.New(orbiterr.NotFound, "agent not found")
	}
	return nil
}

func derefAgent(row *AgentRow) (model.Agent, error) {
	a, err := rowToAgent(row)
	if err != nil {
		return model.Agent{}, err
	}
	return *a, nil
}

// ─── Jobs ────────────────────────────────────────────────────────────────────

func jobToRow(j *model.Job) (*JobRow, error) {
	caps, err := json.Marshal(j.RequiredCapabilities)
	if err != nil {
		return nil, err
	}
	row := &JobRow{
		base:                 base{ID: j.ID, CreatedAt: j.CreatedAt},
		IdempotencyKey:       j.IdempotencyKey,
		Attempt:              j.Attempt,
		Command:              j.Command,
		Pattern:              j.Pattern,
		RequiredCapabilities: string(caps),
		Priority:             j.Priority,
		Payload:              EncryptedBytes(j.Payload),
		TargetAgentID:        j.TargetAgentID,
		Status:               string(j.Status),
		AssignedAgentID:      j.AssignedAgentID,
		AssignedAt:           j.AssignedAt,
		StartedAt:            j.StartedAt,
		CompletedAt:          j.CompletedAt,
		RetryCount:           j.RetryCount,
		TimeoutCount:         j.TimeoutCount,
		MaxRetries:           j.MaxRetries,
		NextAttemptAt:        j.NextAttemptAt,
		Result:               EncryptedBytes(j.Result),
	}
	if j.Timeout != nil {
		row.TimeoutMillis = j.Timeout.Milliseconds()
	}
	if j.LastProgress != nil {
		row.ProgressPct = j.LastProgress.Pct
		row.ProgressMessage = j.LastProgress.Message
		row.ProgressStep = j.LastProgress.Step
	}
	if j.Error != nil {
		row.ErrorCode = j.Error.Code
		row.ErrorMsg = j.Error.Message
		row.ErrRetryable = j.Error.Retryable
	}
	return row, nil
}

func rowToJob(row *JobRow) (*model.Job, error) {
	var caps []string
	if err := json.Unmarshal([]byte(row.RequiredCapabilities), &caps); err != nil {
		return nil, err
	}
	j := &model.Job{
		ID:                   row.ID,
		IdempotencyKey:       row.IdempotencyKey,
		Attempt:              row.Attempt,
		Command:              row.Command,
		Pattern:              row.Pattern,
		RequiredCapabilities: caps,
		Priority:             row.Priority,
		Payload:              []byte(row.Payload),
		TargetAgentID:        row.TargetAgentID,
		CreatedAt:            row.CreatedAt,
		Status:               model.JobStatus(row.Status),
		AssignedAgentID:      row.AssignedAgentID,
		AssignedAt:           row.AssignedAt,
		StartedAt:            row.StartedAt,
		CompletedAt:          row.CompletedAt,
		RetryCount:           row.RetryCount,
		TimeoutCount:         row.TimeoutCount,
		MaxRetries:           row.MaxRetries,
		NextAttemptAt:        row.NextAttemptAt,
		Result:               []byte(row.Result),
	}
	if row.TimeoutMillis > 0 {
		d := time.Duration(row.TimeoutMillis) * time.Millisecond
		j.Timeout = &d
	}
	if row.ProgressPct > 0 || row.ProgressMessage != "" || row.ProgressStep != "" {
		j.LastProgress = &model.Progress{Pct: row.ProgressPct, Message: row.ProgressMessage, Step: row.ProgressStep}
	}
	if row.ErrorCode != "" || row.ErrorMsg != "" {
		j.Error = &model.JobError{Code: row.ErrorCode, Message: row.ErrorMsg, Retryable: row.ErrRetryable}
	}
	return j, nil
}

func (s *gormStore) CreateJob(ctx context.Context, j *model.Job) error {
	row, err := jobToRow(j)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return orbiterr.New(orbiterr.Conflict, "job with this idempotency key and attempt already exists")
		}
		return fmt.Errorf("store: create job: %w", err)
	}
	j.ID = row.ID
	j.CreatedAt = row.CreatedAt
	return nil
}

func (s *gormStore) GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	var row JobRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orbiterr.New(orbiterr.NotFound, "job not found")
		}
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return rowToJob(&row)
}

func (s *gormStore) GetJobByIdempotencyKey(ctx context.Context, key string, attempt int) (*model.Job, error) {
	var row JobRow
	err := s.db.WithContext(ctx).First(&row, "idempotency_key = ? AND attempt = ?", key, attempt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orbiterr.New(orbiterr.NotFound, "job not found")
		}
		return nil, fmt.Errorf("store: get job by idempotency key: %w", err)
	}
	return rowToJob(&row)
}

func (s *gormStore) UpdateJob(ctx context.Context, j *model.Job) error {
	row, err := jobToRow(j)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Save(row)
	if result.Error != nil {
		return fmt.Errorf("store: update job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return orbiterr.New(orbiterr.NotFound, "job not found")
	}
	return nil
}

// ListPendingJobs returns jobs eligible for dispatch: Pending status, or a
// retry whose NextAttemptAt has elapsed, ordered by priority then age so the
// dispatcher's ready-set pop is a single ordered scan (spec §4.2 (ii)).
func (s *gormStore) ListPendingJobs(ctx context.Context, limit int) ([]model.Job, error) {
	var rows []JobRow
	now := time.Now()
	q := s.db.WithContext(ctx).
		Where("status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", string(model.JobPending), now).
		Order("priority DESC, created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list pending jobs: %w", err)
	}
	return rowsToJobs(rows)
}

func (s *gormStore) ListJobsByAgent(ctx context.Context, agentID uuid.UUID, statuses []model.JobStatus) ([]model.Job, error) {
	var rows []JobRow
	q := s.db.WithContext(ctx).Where("assigned_agent_id = ?", agentID)
	if len(statuses) > 0 {
		strs := make([]string, len(statuses))
		for i, st := range statuses {
			strs[i] = string(st)
		}
		q = q.Where("status IN ?", strs)
	}
	if err := q.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list jobs by agent: %w", err)
	}
	return rowsToJobs(rows)
}

func (s *gormStore) ListJobs(ctx context.Context, opts ListOptions) ([]model.Job, int64, error) {
	var rows []JobRow
	var total int64

	filtered := s.db.WithContext(ctx).Model(&JobRow{})
	if opts.Status != "" {
		filtered = filtered.Where("status = ?", string(opts.Status))
	}
	if opts.AgentID != nil {
		filtered = filtered.Where("assigned_agent_id = ?", *opts.AgentID)
	}
	if opts.Command != "" {
		filtered = filtered.Where("command = ?", opts.Command)
	}

	if err := filtered.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list jobs count: %w", err)
	}
	q := filtered.Session(&gorm.Session{}).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list jobs: %w", err)
	}
	jobs, err := rowsToJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func rowsToJobs(rows []JobRow) ([]model.Job, error) {
	out := make([]model.Job, 0, len(rows))
	for i := range rows {
		j, err := rowToJob(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, nil
}

// ─── Workflow definitions ────────────────────────────────────────────────────

func (s *gormStore) CreateWorkflowDefinition(ctx context.Context, d *model.WorkflowDefinition) error {
	row, err := definitionToRow(d)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return orbiterr.New(orbiterr.Conflict, "workflow definition version already exists")
		}
		return fmt.Errorf("store: create workflow definition: %w", err)
	}
	d.CreatedAt = row.CreatedAt
	return nil
}

func (s *gormStore) GetWorkflowDefinition(ctx context.Context, id string, version int) (*model.WorkflowDefinition, error) {
	var row WorkflowDefinitionRow
	err := s.db.WithContext(ctx).First(&row, "id = ? AND version = ?", id, version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orbiterr.New(orbiterr.NotFound, "workflow definition not found")
		}
		return nil, fmt.Errorf("store: get workflow definition: %w", err)
	}
	return rowToDefinition(&row)
}

func (s *gormStore) GetLatestWorkflowDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	var row WorkflowDefinitionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Order("version DESC").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orbiterr.New(orbiterr.NotFound, "workflow definition not found")
		}
		return nil, fmt.Errorf("store: get latest workflow definition: %w", err)
	}
	return rowToDefinition(&row)
}

func (s *gormStore) ListWorkflowDefinitions(ctx context.Context, opts ListOptions) ([]model.WorkflowDefinition, int64, error) {
	var rows []WorkflowDefinitionRow
	var total int64
	if err := s.db.WithContext(ctx).Model(&WorkflowDefinitionRow{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list workflow definitions count: %w", err)
	}
	q := s.db.WithContext(ctx).Order("id ASC, version DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list workflow definitions: %w", err)
	}
	out := make([]model.WorkflowDefinition, 0, len(rows))
	for i := range rows {
		d, err := rowToDefinition(&rows[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *d)
	}
	return out, total, nil
}

func definitionToRow(d *model.WorkflowDefinition) (*WorkflowDefinitionRow, error) {
	steps, err := json.Marshal(d.Steps)
	if err != nil {
		return nil, err
	}
	triggers, err := json.Marshal(d.Triggers)
	if err != nil {
		return nil, err
	}
	vars, err := json.Marshal(d.Variables)
	if err != nil {
		return nil, err
	}
	row := &WorkflowDefinitionRow{
		ID:            d.ID,
		Version:       d.Version,
		StepsJSON:     string(steps),
		TriggersJSON:  string(triggers),
		VariablesJSON: string(vars),
		ErrorHandling: string(d.ErrorHandling),
		CreatedAt:     d.CreatedAt,
	}
	if d.Timeout != nil {
		row.TimeoutMillis = d.Timeout.Milliseconds()
	}
	return row, nil
}

func rowToDefinition(row *WorkflowDefinitionRow) (*model.WorkflowDefinition, error) {
	var steps []model.StepDefinition
	if err := json.Unmarshal([]byte(row.StepsJSON), &steps); err != nil {
		return nil, err
	}
	var triggers []string
	if err := json.Unmarshal([]byte(row.TriggersJSON), &triggers); err != nil {
		return nil, err
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(row.VariablesJSON), &vars); err != nil {
		return nil, err
	}
	d := &model.WorkflowDefinition{
		ID:            row.ID,
		Version:       row.Version,
		Steps:         steps,
		Triggers:      triggers,
		Variables:     vars,
		ErrorHandling: model.ErrorHandlingMode(row.ErrorHandling),
		CreatedAt:     row.CreatedAt,
	}
	if row.TimeoutMillis > 0 {
		t := time.Duration(row.TimeoutMillis) * time.Millisecond
		d.Timeout = &t
	}
	return d, nil
}

// ─── Workflow instances ──────────────────────────────────────────────────────

func (s *gormStore) CreateWorkflowInstance(ctx context.Context, i *model.WorkflowInstance) error {
	row, err := instanceToRow(i)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("store: create workflow instance: %w", err)
	}
	i.ID = row.ID
	return nil
}

func (s *gormStore) GetWorkflowInstance(ctx context.Context, id uuid.UUID) (*model.WorkflowInstance, error) {
	var row WorkflowInstanceRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orbiterr.New(orbiterr.NotFound, "workflow instance not found")
		}
		return nil, fmt.Errorf("store: get workflow instance: %w", err)
	}
	return rowToInstance(&row)
}

func (s *gormStore) UpdateWorkflowInstance(ctx context.Context, i *model.WorkflowInstance) error {
	row, err := instanceToRow(i)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Save(row)
	if result.Error != nil {
		return fmt.Errorf("store: update workflow instance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return orbiterr.New(orbiterr.NotFound, "workflow instance not found")
	}
	return nil
}

// ListActiveWorkflowInstances returns every instance not yet in a terminal
// state, used at startup to resume workflows interrupted by a restart.
func (s *gormStore) ListActiveWorkflowInstances(ctx context.Context) ([]model.WorkflowInstance, error) {
	var rows []WorkflowInstanceRow
	active := []string{string(model.InstancePending), string(model.InstanceRunning), string(model.InstancePaused)}
	if err := s.db.WithContext(ctx).Where("status IN ?", active).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list active workflow instances: %w", err)
	}
	out := make([]model.WorkflowInstance, 0, len(rows))
	for i := range rows {
		inst, err := rowToInstance(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, nil
}

func (s *gormStore) ListWorkflowInstances(ctx context.Context, opts ListOptions) ([]model.WorkflowInstance, int64, error) {
	var rows []WorkflowInstanceRow
	var total int64
	if err := s.db.WithContext(ctx).Model(&WorkflowInstanceRow{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list workflow instances count: %w", err)
	}
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list workflow instances: %w", err)
	}
	out := make([]model.WorkflowInstance, 0, len(rows))
	for i := range rows {
		inst, err := rowToInstance(&rows[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *inst)
	}
	return out, total, nil
}

func instanceToRow(i *model.WorkflowInstance) (*WorkflowInstanceRow, error) {
	vars, err := json.Marshal(i.Variables)
	if err != nil {
		return nil, err
	}
	steps, err := json.Marshal(i.StepInstances)
	if err != nil {
		return nil, err
	}
	return &WorkflowInstanceRow{
		base:              base{ID: i.ID},
		WorkflowID:        i.WorkflowID,
		WorkflowVersion:   i.WorkflowVersion,
		Status:            string(i.Status),
		VariablesJSON:     string(vars),
		StepInstancesJSON: string(steps),
		StartedAt:         i.StartedAt,
		CompletedAt:       i.CompletedAt,
		Error:             i.Error,
	}, nil
}

func rowToInstance(row *WorkflowInstanceRow) (*model.WorkflowInstance, error) {
	var vars map[string]any
	if err := json.Unmarshal([]byte(row.VariablesJSON), &vars); err != nil {
		return nil, err
	}
	var steps map[string]*model.StepInstance
	if err := json.Unmarshal([]byte(row.StepInstancesJSON), &steps); err != nil {
		return nil, err
	}
	return &model.WorkflowInstance{
		ID:              row.ID,
		WorkflowID:      row.WorkflowID,
		WorkflowVersion: row.WorkflowVersion,
		Status:          model.WorkflowInstanceStatus(row.Status),
		Variables:       vars,
		StepInstances:   steps,
		StartedAt:       row.StartedAt,
		CompletedAt:     row.CompletedAt,
		Error:           row.Error,
	}, nil
}

// ─── Bootstrap tokens ────────────────────────────────────────────────────────

// IssueBootstrapToken creates a one-time enrollment token for an agent
// expected to register under agentName, returning the opaque token. Only its
// SHA-256 hash is persisted, matching the teacher's pattern for stored
// credential-equivalents.
func (s *gormStore) IssueBootstrapToken(ctx context.Context, agentName string, ttl time.Duration) (string, error) {
	raw := uuid.New().String() + uuid.New().String()
	sum := sha256.Sum256([]byte(raw))
	row := &BootstrapTokenRow{
		TokenHash: hex.EncodeToString(sum[:]),
		AgentName: agentName,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", fmt.Errorf("store: issue bootstrap token: %w", err)
	}
	return raw, nil
}

// RedeemBootstrapToken validates and consumes a token, returning the agent
// name it was issued for. Redeeming twice fails with Unauthorized.
func (s *gormStore) RedeemBootstrapToken(ctx context.Context, token string) (string, error) {
	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	var row BootstrapTokenRow
	err := s.db.WithContext(ctx).
		Where("token_hash = ? AND used_at IS NULL AND expires_at > ?", hash, time.Now()).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", orbiterr.New(orbiterr.Unauthorized, "bootstrap token invalid or expired")
		}
		return "", fmt.Errorf("store: redeem bootstrap token: %w", err)
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&row).Update("used_at", now).Error; err != nil {
		return "", fmt.Errorf("store: mark bootstrap token used: %w", err)
	}
	return row.AgentName, nil
}

func isUniqueViolation(err error) bool {
	// sqlite and postgres surface constraint violations with driver-specific
	// error types; matching on message substring keeps this dialect-agnostic
	// without importing either driver's error package here.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

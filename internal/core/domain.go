// Package core holds the domain model shared by every component:
// users, projects, executions, agent configurations, and the error
// taxonomy the API and socket layers translate to wire responses.
package core

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Enums
// =============================================================================

// ProjectStatus is the project lifecycle state.
type ProjectStatus string

const (
	ProjectDraft     ProjectStatus = "draft"
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
	ProjectArchived  ProjectStatus = "archived"
	ProjectFailed    ProjectStatus = "failed"
)

// ExecutionStatus is the pipeline run state.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// Terminal reports whether the execution can no longer change state
// (other than a retry re-creating it as pending).
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	}
	return false
}

// executionTransitions encodes the state machine. A retry goes
// failed -> pending through a fresh enqueue, not through this table.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending: {ExecutionRunning, ExecutionPaused, ExecutionCancelled, ExecutionFailed, ExecutionTimeout},
	ExecutionRunning: {ExecutionCompleted, ExecutionPaused, ExecutionCancelled, ExecutionFailed, ExecutionTimeout},
	ExecutionPaused:  {ExecutionRunning, ExecutionCancelled},
}

// CanTransition reports whether from -> to is a legal execution move.
func (s ExecutionStatus) CanTransition(to ExecutionStatus) bool {
	for _, next := range executionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ExecutionType selects the pipeline scope for a run.
type ExecutionType string

const (
	ExecutionFull       ExecutionType = "full"
	ExecutionPartial    ExecutionType = "partial"
	ExecutionTest       ExecutionType = "test"
	ExecutionDeployment ExecutionType = "deployment"
)

// AgentRole identifies a pipeline stage or a custom agent.
type AgentRole string

const (
	RoleProductManager AgentRole = "product_manager"
	RoleArchitect      AgentRole = "architect"
	RoleEngineer       AgentRole = "engineer"
	RoleQAEngineer     AgentRole = "qa_engineer"
	RoleProjectManager AgentRole = "project_manager"
	RoleCustom         AgentRole = "custom"
)

// PipelineRoles is the fixed stage order of a full run.
var PipelineRoles = []AgentRole{RoleProductManager, RoleArchitect, RoleEngineer, RoleQAEngineer}

// Provider names a remote model backend.
type Provider string

const (
	ProviderOpenAI      Provider = "openai"
	ProviderAzureOpenAI Provider = "azure_openai"
	ProviderGroq        Provider = "groq"
	ProviderOllama      Provider = "ollama"
	ProviderAnthropic   Provider = "anthropic"
	ProviderCohere      Provider = "cohere"
)

// =============================================================================
// Entities
// =============================================================================

// User is the immutable identity record.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	FullName     string    `json:"full_name,omitempty"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`
	Superuser    bool      `json:"superuser"`
	CreatedAt    time.Time `json:"created_at"`
}

// Project groups executions under one workspace and owner.
type Project struct {
	ID            string                 `json:"id"`
	OwnerID       string                 `json:"owner_id"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	Requirements  string                 `json:"requirements,omitempty"`
	Status        ProjectStatus          `json:"status"`
	WorkspacePath string                 `json:"workspace_path"`
	Progress      float64                `json:"progress"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// AgentLog is one append-only record in Execution.AgentLogs.
type AgentLog struct {
	Role      AgentRole `json:"role"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Execution is a single pipeline run over a project brief.
type Execution struct {
	ID              string                 `json:"id"`
	ProjectID       string                 `json:"project_id"`
	UserID          string                 `json:"user_id"`
	Type            ExecutionType          `json:"type"`
	Status          ExecutionStatus        `json:"status"`
	Prompt          string                 `json:"prompt,omitempty"`
	AgentLogs       []AgentLog             `json:"agent_logs"`
	Output          map[string]interface{} `json:"output,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	DurationSeconds *float64               `json:"duration_seconds,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	MaxRetries      int                    `json:"max_retries"`
}

// NewExecution creates a pending execution with the default retry budget.
func NewExecution(projectID, userID string, typ ExecutionType, prompt string) *Execution {
	return &Execution{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		UserID:     userID,
		Type:       typ,
		Status:     ExecutionPending,
		Prompt:     prompt,
		AgentLogs:  []AgentLog{},
		StartedAt:  time.Now().UTC(),
		MaxRetries: 3,
	}
}

// Finish moves the execution to a terminal status and stamps
// completed_at and duration together.
func (e *Execution) Finish(status ExecutionStatus, errMsg string) {
	now := time.Now().UTC()
	e.Status = status
	e.ErrorMessage = errMsg
	e.CompletedAt = &now
	d := now.Sub(e.StartedAt).Seconds()
	e.DurationSeconds = &d
}

// AppendLog records one agent log entry.
func (e *Execution) AppendLog(role AgentRole, stage, message, errMsg string) {
	e.AgentLogs = append(e.AgentLogs, AgentLog{
		Role:      role,
		Stage:     stage,
		Message:   message,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
}

// AgentConfig binds a pipeline role to a provider, model, and sampling
// parameters for one user.
type AgentConfig struct {
	ID               string                 `json:"id"`
	UserID           string                 `json:"user_id"`
	Role             AgentRole              `json:"role" validate:"required,oneof=product_manager architect engineer qa_engineer project_manager custom"`
	Provider         Provider               `json:"provider" validate:"required,oneof=openai azure_openai groq ollama anthropic cohere"`
	Model            string                 `json:"model" validate:"required"`
	Temperature      float64                `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens        int                    `json:"max_tokens" validate:"gt=0"`
	TopP             float64                `json:"top_p" validate:"gte=0,lte=1"`
	FrequencyPenalty float64                `json:"frequency_penalty" validate:"gte=-2,lte=2"`
	PresencePenalty  float64                `json:"presence_penalty" validate:"gte=-2,lte=2"`
	Parameters       map[string]interface{} `json:"parameters,omitempty"`
	SystemPrompt     string                 `json:"system_prompt,omitempty"`
	Active           bool                   `json:"active"`
	Default          bool                   `json:"default"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the range constraints on the config and returns a
// ValidationError listing every offending field.
func (c *AgentConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return NewValidationError("agent_config", err.Error())
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fe.Field(),
			Message: "failed " + fe.Tag() + " constraint",
		})
	}
	return out
}

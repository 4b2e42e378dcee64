package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/xteam/backend/internal/core"
	"github.com/xteam/backend/internal/events"
	"github.com/xteam/backend/internal/llm"
	"github.com/xteam/backend/internal/queue"
	"github.com/xteam/backend/internal/store"
	"github.com/xteam/backend/internal/workflow"
	"github.com/xteam/backend/internal/workspace"
)

// MessageResponse is the wrapper returned for every routed command.
type MessageResponse struct {
	Success     bool                   `json:"success"`
	MessageType string                 `json:"message_type"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Caller identifies the session a command arrived on.
type Caller struct {
	ConnectionID string
	UserID       string
	ProjectID    string
	ExecutionID  string
}

// BaseFilter is the event filter a session starts with, derived from
// the scope of the endpoint it connected to.
func (c Caller) BaseFilter() *events.Filter {
	switch {
	case c.ExecutionID != "":
		return &events.Filter{ExecutionIDs: []string{c.ExecutionID}}
	case c.ProjectID != "":
		return &events.Filter{ProjectIDs: []string{c.ProjectID}}
	default:
		return nil
	}
}

type handlerFunc func(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error)

// Router dispatches session commands to typed handlers. The command
// set is closed; anything else gets an unknown-type error response.
type Router struct {
	store    store.Store
	queue    *queue.Queue
	bus      *events.Bus
	files    *workspace.Manager
	driver   *workflow.Driver
	handlers map[string]handlerFunc
	logger   *log.Logger
}

func NewRouter(st store.Store, q *queue.Queue, bus *events.Bus, files *workspace.Manager, driver *workflow.Driver) *Router {
	r := &Router{
		store:  st,
		queue:  q,
		bus:    bus,
		files:  files,
		driver: driver,
		logger: log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
	r.handlers = map[string]handlerFunc{
		"start_agent":         r.startAgent,
		"cancel_execution":    r.cancelExecution,
		"pause_execution":     r.pauseExecution,
		"resume_execution":    r.resumeExecution,
		"get_project":         r.getProject,
		"update_project":      r.updateProject,
		"get_project_status":  r.getProjectStatus,
		"get_execution":       r.getExecution,
		"get_execution_logs":  r.getExecutionLogs,
		"get_file":            r.getFile,
		"list_files":          r.listFiles,
		"get_agent_config":    r.getAgentConfig,
		"update_agent_config": r.updateAgentConfig,
		"test_agent_config":   r.testAgentConfig,
		"subscribe":           r.subscribe,
		"unsubscribe":         r.unsubscribe,
		"ping":                r.ping,
		"heartbeat":           r.heartbeat,
	}
	return r
}

// Dispatch runs the handler for one command. Handler failures produce
// an error response; they never disconnect the session.
func (r *Router) Dispatch(ctx context.Context, caller Caller, msgType string, payload map[string]interface{}) MessageResponse {
	handler, ok := r.handlers[msgType]
	if !ok {
		return MessageResponse{
			Success:     false,
			MessageType: msgType,
			Error:       fmt.Sprintf("Unknown message type: %s", msgType),
			Timestamp:   time.Now().UTC(),
		}
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	data, err := handler(ctx, caller, payload)
	resp := MessageResponse{
		Success:     err == nil,
		MessageType: msgType,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	}
	if err != nil {
		r.logger.Printf("%s failed for user %s: %v", msgType, caller.UserID, err)
		resp.Error = err.Error()
	}
	return resp
}

// ownedProject loads a project and enforces owner scoping. Foreign
// projects are indistinguishable from missing ones.
func (r *Router) ownedProject(ctx context.Context, userID, projectID string) (*core.Project, error) {
	if projectID == "" {
		return nil, errors.New("Missing project_id")
	}
	p, err := r.store.Projects().Get(ctx, projectID)
	if err != nil || p.OwnerID != userID {
		return nil, errors.New("Project not found")
	}
	return p, nil
}

func (r *Router) ownedExecution(ctx context.Context, userID string, payload map[string]interface{}) (*core.Execution, error) {
	id, _ := payload["execution_id"].(string)
	if id == "" {
		return nil, errors.New("Missing execution_id")
	}
	e, err := r.store.Executions().Get(ctx, id)
	if err != nil || e.UserID != userID {
		return nil, errors.New("Execution not found")
	}
	return e, nil
}

// ============================================================================
// AGENT CONTROL
// ============================================================================

func (r *Router) startAgent(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	projectID, _ := payload["project_id"].(string)
	project, err := r.ownedProject(ctx, caller.UserID, projectID)
	if err != nil {
		return nil, err
	}

	execType := core.ExecutionFull
	if s, _ := payload["execution_type"].(string); s != "" {
		switch core.ExecutionType(s) {
		case core.ExecutionFull, core.ExecutionPartial, core.ExecutionTest:
			execType = core.ExecutionType(s)
		}
	}

	brief, _ := payload["requirements"].(string)
	if brief == "" {
		brief = project.Requirements
	}

	exec := core.NewExecution(project.ID, caller.UserID, execType, brief)
	if err := r.store.Executions().Create(ctx, exec); err != nil {
		return nil, err
	}

	job := queue.NewJob(workflow.JobTypeExecute, map[string]interface{}{
		"project_id":   project.ID,
		"execution_id": exec.ID,
		"user_id":      caller.UserID,
	})
	job.Priority = queue.PriorityHigh
	job.MaxRetries = 2
	job.TimeoutSeconds = 3600
	job.Tags = []string{"workflow", project.ID}

	jobID, err := r.queue.Enqueue(ctx, job)
	if err != nil {
		return nil, err
	}

	r.bus.EmitStatus("message_router", exec.ID, project.ID, "started",
		map[string]interface{}{"job_id": jobID})
	r.logger.Printf("started execution %s for project %s", exec.ID, project.ID)

	return map[string]interface{}{
		"execution_id": exec.ID,
		"job_id":       jobID,
		"status":       string(exec.Status),
	}, nil
}

func (r *Router) cancelExecution(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	exec, err := r.ownedExecution(ctx, caller.UserID, payload)
	if err != nil {
		return nil, err
	}
	if !exec.Status.CanTransition(core.ExecutionCancelled) {
		return nil, fmt.Errorf("Cannot cancel execution in status: %s", exec.Status)
	}

	// Cancellation is advisory for a running job; the driver observes
	// the stored status at stage boundaries.
	exec.Status = core.ExecutionCancelled
	if err := r.store.Executions().Update(ctx, exec); err != nil {
		return nil, err
	}

	r.bus.EmitStatus("message_router", exec.ID, exec.ProjectID, "cancelled", nil)
	return map[string]interface{}{
		"execution_id": exec.ID,
		"status":       string(exec.Status),
	}, nil
}

func (r *Router) pauseExecution(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	exec, err := r.ownedExecution(ctx, caller.UserID, payload)
	if err != nil {
		return nil, err
	}
	if exec.Status != core.ExecutionRunning && exec.Status != core.ExecutionPending {
		return nil, fmt.Errorf("Cannot pause execution in status: %s", exec.Status)
	}

	exec.Status = core.ExecutionPaused
	if err := r.store.Executions().Update(ctx, exec); err != nil {
		return nil, err
	}

	r.bus.EmitStatus("message_router", exec.ID, exec.ProjectID, "paused", nil)
	return map[string]interface{}{
		"execution_id": exec.ID,
		"status":       string(exec.Status),
	}, nil
}

func (r *Router) resumeExecution(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	exec, err := r.ownedExecution(ctx, caller.UserID, payload)
	if err != nil {
		return nil, err
	}
	if exec.Status != core.ExecutionPaused {
		return nil, fmt.Errorf("Cannot resume execution in status: %s", exec.Status)
	}

	exec.Status = core.ExecutionRunning
	if err := r.store.Executions().Update(ctx, exec); err != nil {
		return nil, err
	}

	job := queue.NewJob(workflow.JobTypeResume, map[string]interface{}{
		"project_id":   exec.ProjectID,
		"execution_id": exec.ID,
		"user_id":      caller.UserID,
	})
	job.Priority = queue.PriorityHigh
	job.MaxRetries = 2
	job.TimeoutSeconds = 3600
	job.Tags = []string{"workflow", "resume", exec.ProjectID}

	jobID, err := r.queue.Enqueue(ctx, job)
	if err != nil {
		return nil, err
	}

	r.bus.EmitStatus("message_router", exec.ID, exec.ProjectID, "resumed",
		map[string]interface{}{"job_id": jobID})
	return map[string]interface{}{
		"execution_id": exec.ID,
		"status":       string(exec.Status),
		"job_id":       jobID,
	}, nil
}

// ============================================================================
// PROJECTS
// ============================================================================

func (r *Router) getProject(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	projectID, _ := payload["project_id"].(string)
	p, err := r.ownedProject(ctx, caller.UserID, projectID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"status":      string(p.Status),
		"progress":    p.Progress,
	}, nil
}

func (r *Router) updateProject(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	projectID, _ := payload["project_id"].(string)
	p, err := r.ownedProject(ctx, caller.UserID, projectID)
	if err != nil {
		return nil, err
	}
	if name, ok := payload["name"].(string); ok {
		p.Name = name
	}
	if desc, ok := payload["description"].(string); ok {
		p.Description = desc
	}
	p.UpdatedAt = time.Now().UTC()
	if err := r.store.Projects().Update(ctx, p); err != nil {
		return nil, err
	}
	return map[string]interface{}{"project_id": p.ID}, nil
}

func (r *Router) getProjectStatus(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	projectID, _ := payload["project_id"].(string)
	p, err := r.ownedProject(ctx, caller.UserID, projectID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"project_id": p.ID,
		"status":     string(p.Status),
		"progress":   p.Progress,
	}, nil
}

// ============================================================================
// EXECUTIONS
// ============================================================================

func (r *Router) getExecution(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	exec, err := r.ownedExecution(ctx, caller.UserID, payload)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"execution_id":   exec.ID,
		"status":         string(exec.Status),
		"execution_type": string(exec.Type),
		"started_at":     exec.StartedAt,
	}, nil
}

func (r *Router) getExecutionLogs(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	exec, err := r.ownedExecution(ctx, caller.UserID, payload)
	if err != nil {
		return nil, err
	}

	limit := 100
	if v, ok := payload["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	logs := exec.AgentLogs
	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return map[string]interface{}{
		"execution_id": exec.ID,
		"logs":         logs,
	}, nil
}

// ============================================================================
// FILES
// ============================================================================

func (r *Router) getFile(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	projectID, _ := payload["project_id"].(string)
	filePath, _ := payload["file_path"].(string)
	if projectID == "" || filePath == "" {
		return nil, errors.New("Missing project_id or file_path")
	}
	if _, err := r.ownedProject(ctx, caller.UserID, projectID); err != nil {
		return nil, err
	}

	content, err := r.files.ReadFile(projectID, filePath)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("File not found: %s", filePath)
		}
		return nil, err
	}
	return map[string]interface{}{
		"file_path": filePath,
		"content":   string(content),
		"size":      len(content),
	}, nil
}

func (r *Router) listFiles(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	projectID, _ := payload["project_id"].(string)
	if _, err := r.ownedProject(ctx, caller.UserID, projectID); err != nil {
		return nil, err
	}

	directory, _ := payload["directory"].(string)
	entries, err := r.files.ListFiles(projectID, directory)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return map[string]interface{}{"files": []workspace.FileInfo{}, "directory": directory}, nil
		}
		return nil, err
	}
	return map[string]interface{}{
		"files":     entries,
		"directory": directory,
	}, nil
}

// ============================================================================
// AGENT CONFIGS
// ============================================================================

func (r *Router) getAgentConfig(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	role, _ := payload["agent_role"].(string)
	if role == "" {
		return nil, errors.New("Missing agent_role")
	}
	cfg, err := r.store.AgentConfigs().GetDefault(ctx, caller.UserID, core.AgentRole(role))
	if err != nil {
		return nil, errors.New("Agent config not found")
	}
	return map[string]interface{}{
		"config_id":  cfg.ID,
		"agent_role": string(cfg.Role),
		"provider":   string(cfg.Provider),
		"model":      cfg.Model,
	}, nil
}

func (r *Router) updateAgentConfig(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	configID, _ := payload["config_id"].(string)
	if configID == "" {
		return nil, errors.New("Missing config_id")
	}
	cfg, err := r.store.AgentConfigs().Get(ctx, configID)
	if err != nil || cfg.UserID != caller.UserID {
		return nil, errors.New("Agent config not found")
	}

	if v, ok := payload["temperature"].(float64); ok {
		cfg.Temperature = v
	}
	if v, ok := payload["max_tokens"].(float64); ok {
		cfg.MaxTokens = int(v)
	}
	if v, ok := payload["top_p"].(float64); ok {
		cfg.TopP = v
	}
	if v, ok := payload["frequency_penalty"].(float64); ok {
		cfg.FrequencyPenalty = v
	}
	if v, ok := payload["presence_penalty"].(float64); ok {
		cfg.PresencePenalty = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.UpdatedAt = time.Now().UTC()
	if err := r.store.AgentConfigs().Update(ctx, cfg); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"config_id":   cfg.ID,
		"agent_role":  string(cfg.Role),
		"provider":    string(cfg.Provider),
		"model":       cfg.Model,
		"temperature": cfg.Temperature,
		"max_tokens":  cfg.MaxTokens,
	}, nil
}

// testAgentConfig probes a provider with an uncached client so the
// supplied credentials and model are checked without being retained.
func (r *Router) testAgentConfig(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	cfg := &core.AgentConfig{
		UserID:    caller.UserID,
		Role:      core.RoleCustom,
		Provider:  core.Provider(stringOr(payload, "provider", "")),
		Model:     stringOr(payload, "model", ""),
		MaxTokens: 16,
	}
	if role, _ := payload["agent_role"].(string); role != "" {
		cfg.Role = core.AgentRole(role)
	}

	start := time.Now()
	err := r.driver.TestConfig(ctx, cfg)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(err, llm.ErrUnsupportedProvider) {
			return nil, err
		}
		return map[string]interface{}{
			"provider":   string(cfg.Provider),
			"model":      cfg.Model,
			"valid":      false,
			"latency_ms": latency,
			"detail":     err.Error(),
		}, nil
	}
	return map[string]interface{}{
		"provider":   string(cfg.Provider),
		"model":      cfg.Model,
		"valid":      true,
		"latency_ms": latency,
	}, nil
}

// ============================================================================
// SUBSCRIPTIONS AND LIVENESS
// ============================================================================

// subscribe narrows or widens this session's event filter. Scope ids
// from the payload are added on top of the endpoint's base scope.
func (r *Router) subscribe(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	filter := caller.BaseFilter()
	if filter == nil {
		filter = &events.Filter{}
	}
	if id, _ := payload["execution_id"].(string); id != "" {
		filter.ExecutionIDs = append(filter.ExecutionIDs, id)
	}
	if id, _ := payload["project_id"].(string); id != "" {
		filter.ProjectIDs = append(filter.ProjectIDs, id)
	}
	if types, ok := payload["event_types"].([]interface{}); ok {
		for _, t := range types {
			if s, ok := t.(string); ok {
				filter.EventTypes = append(filter.EventTypes, events.EventType(s))
			}
		}
	}

	r.bus.UpdateFilter(caller.ConnectionID, filter)
	return map[string]interface{}{
		"execution_id": payload["execution_id"],
		"project_id":   payload["project_id"],
	}, nil
}

// unsubscribe restores the session's base scope filter.
func (r *Router) unsubscribe(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	r.bus.UpdateFilter(caller.ConnectionID, caller.BaseFilter())
	return map[string]interface{}{
		"execution_id": payload["execution_id"],
		"project_id":   payload["project_id"],
	}, nil
}

func (r *Router) ping(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"pong": true}, nil
}

func (r *Router) heartbeat(ctx context.Context, caller Caller, payload map[string]interface{}) (map[string]interface{}, error) {
	r.bus.EmitHeartbeat("session:" + caller.ConnectionID)
	return map[string]interface{}{"timestamp": time.Now().UTC()}, nil
}

func stringOr(payload map[string]interface{}, key, fallback string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

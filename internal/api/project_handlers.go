package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/xteam/backend/internal/core"
	"github.com/xteam/backend/internal/middleware"
	"github.com/xteam/backend/internal/queue"
	"github.com/xteam/backend/internal/workflow"
)

type createProjectRequest struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Requirements string                 `json:"requirements"`
	Metadata     map[string]interface{} `json:"metadata"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, core.NewValidationError("name", "required"))
		return
	}

	now := time.Now().UTC()
	project := &core.Project{
		ID:           uuid.NewString(),
		OwnerID:      middleware.UserID(r.Context()),
		Name:         req.Name,
		Description:  req.Description,
		Requirements: req.Requirements,
		Status:       core.ProjectDraft,
		Progress:     0,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	dir, err := s.files.EnsureProject(project.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	project.WorkspacePath = dir

	if err := s.store.Projects().Create(r.Context(), project); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.Projects().ListByOwner(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if projects == nil {
		projects = []*core.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

// ownedProject loads a project and enforces ownership. A foreign
// project is indistinguishable from a missing one.
func (s *Server) ownedProject(r *http.Request) (*core.Project, error) {
	project, err := s.store.Projects().Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, fmt.Errorf("Project not found: %w", core.ErrNotFound)
	}
	if project.OwnerID != middleware.UserID(r.Context()) {
		return nil, fmt.Errorf("Project not found: %w", core.ErrNotFound)
	}
	return project, nil
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.ownedProject(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// handleExecute admits a pipeline run: it records the execution and
// enqueues the workflow job. Progress streams over the websocket.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	project, err := s.ownedProject(r)
	if err != nil {
		writeError(w, err)
		return
	}

	execType := core.ExecutionFull
	if t := r.URL.Query().Get("execution_type"); t != "" {
		switch core.ExecutionType(t) {
		case core.ExecutionFull, core.ExecutionPartial, core.ExecutionTest:
			execType = core.ExecutionType(t)
		default:
			writeError(w, core.NewValidationError("execution_type", "unknown execution type"))
			return
		}
	}

	brief := r.URL.Query().Get("prompt")
	if brief == "" {
		brief = project.Requirements
	}

	exec := core.NewExecution(project.ID, project.OwnerID, execType, brief)
	if err := s.store.Executions().Create(r.Context(), exec); err != nil {
		writeError(w, err)
		return
	}

	job := queue.NewJob(workflow.JobTypeExecute, map[string]interface{}{
		"project_id":   project.ID,
		"execution_id": exec.ID,
		"user_id":      project.OwnerID,
	})
	job.Priority = queue.PriorityHigh
	job.MaxRetries = 2
	job.TimeoutSeconds = 3600
	job.Tags = []string{"workflow", project.ID}

	jobID, err := s.queue.Enqueue(r.Context(), job)
	if err != nil {
		writeError(w, err)
		return
	}

	s.bus.EmitStatus("api", exec.ID, project.ID, "started",
		map[string]interface{}{"job_id": jobID})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": exec.ID,
		"job_id":       jobID,
		"status":       "running",
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	project, err := s.ownedProject(r)
	if err != nil {
		writeError(w, err)
		return
	}
	execs, err := s.store.Executions().ListByProject(r.Context(), project.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if execs == nil {
		execs = []*core.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// ============================================================================
// AGENT CONFIGS
// ============================================================================

func (s *Server) handleCreateAgentConfig(w http.ResponseWriter, r *http.Request) {
	var cfg core.AgentConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	cfg.ID = uuid.NewString()
	cfg.UserID = middleware.UserID(r.Context())
	cfg.Active = true
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	if err := cfg.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.AgentConfigs().Create(r.Context(), &cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &cfg)
}

func (s *Server) handleListAgentConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.AgentConfigs().ListByUser(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if configs == nil {
		configs = []*core.AgentConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

// ============================================================================
// QUEUE
// ============================================================================

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordQueueStats(stats.Pending, stats.Processing, stats.DLQ)
	}
	writeJSON(w, http.StatusOK, stats)
}

// Package workflow drives the four-stage agent pipeline over a project
// brief: requirements analysis, system design, code generation, testing.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/xteam/backend/internal/core"
	"github.com/xteam/backend/internal/events"
	"github.com/xteam/backend/internal/llm"
	"github.com/xteam/backend/internal/metrics"
	"github.com/xteam/backend/internal/queue"
	"github.com/xteam/backend/internal/store"
	"github.com/xteam/backend/internal/workspace"
)

// Queue job types handled by the driver.
const (
	JobTypeExecute = "workflow_execution"
	JobTypeResume  = "workflow_resume"
)

const eventSource = "workflow"

// Driver runs executions through the pipeline, persisting state after
// every stage and emitting progress into the event bus.
type Driver struct {
	store           store.Store
	bus             *events.Bus
	models          *llm.Registry
	files           *workspace.Manager
	validateTimeout time.Duration
	metrics         *metrics.Metrics
	logger          *log.Logger
}

func NewDriver(st store.Store, bus *events.Bus, models *llm.Registry, files *workspace.Manager, validateTimeout time.Duration) *Driver {
	if validateTimeout <= 0 {
		validateTimeout = 10 * time.Second
	}
	return &Driver{
		store:           st,
		bus:             bus,
		models:          models,
		files:           files,
		validateTimeout: validateTimeout,
		logger:          log.New(log.Writer(), "[WORKFLOW] ", log.LstdFlags),
	}
}

// SetMetrics attaches prometheus counters. Nil is the default and
// disables recording.
func (d *Driver) SetMetrics(m *metrics.Metrics) { d.metrics = m }

func (d *Driver) recordExecution(status core.ExecutionStatus) {
	if d.metrics != nil {
		d.metrics.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	}
}

// HandleJob adapts Run to the queue worker contract. Both the initial
// execution job and the resume job carry the execution id.
func (d *Driver) HandleJob(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
	id, _ := job.Payload["execution_id"].(string)
	if id == "" {
		return nil, fmt.Errorf("job %s has no execution_id: %w", job.ID, core.ErrValidation)
	}
	return d.Run(ctx, id)
}

// HandleJobFailure records a terminal failure for the execution behind
// a job that exhausted its retries and landed in the DLQ. Without it
// the execution record would stay running forever.
func (d *Driver) HandleJobFailure(ctx context.Context, job *queue.Job) {
	id, _ := job.Payload["execution_id"].(string)
	if id == "" {
		return
	}
	exec, err := d.store.Executions().Get(ctx, id)
	if err != nil {
		d.logger.Printf("failed job %s: loading execution %s: %v", job.ID, id, err)
		return
	}
	// Already terminal; the driver recorded its own outcome.
	if exec.CompletedAt != nil {
		return
	}

	status := core.ExecutionFailed
	if job.Status == queue.JobTimeout {
		status = core.ExecutionTimeout
	}
	reason := job.Error
	if reason == "" {
		reason = "job retries exhausted"
	}
	exec.Finish(status, reason)
	if err := d.store.Executions().Update(ctx, exec); err != nil {
		d.logger.Printf("recording failure of execution %s: %v", exec.ID, err)
		return
	}

	if project, perr := d.store.Projects().Get(ctx, exec.ProjectID); perr == nil {
		project.Status = core.ProjectFailed
		if uerr := d.updateProject(ctx, project); uerr != nil {
			d.logger.Printf("recording failure of project %s: %v", project.ID, uerr)
		}
	}

	d.bus.EmitError(eventSource, exec.ID, exec.ProjectID, fmt.Sprintf("execution %s: %s", status, reason))
	d.recordExecution(status)
	d.logger.Printf("execution %s marked %s after job %s exhausted retries", exec.ID, status, job.ID)
}

// Run advances the execution through every remaining stage. Stages that
// already produced a successful log entry are skipped, which makes the
// resume path a plain re-run.
func (d *Driver) Run(ctx context.Context, executionID string) (map[string]interface{}, error) {
	exec, err := d.store.Executions().Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	project, err := d.store.Projects().Get(ctx, exec.ProjectID)
	if err != nil {
		return nil, err
	}

	switch exec.Status {
	case core.ExecutionPending, core.ExecutionPaused:
		exec.Status = core.ExecutionRunning
		if err := d.store.Executions().Update(ctx, exec); err != nil {
			return nil, err
		}
	case core.ExecutionRunning:
		// requeued after a crash; carry on
	default:
		return nil, fmt.Errorf("execution %s is %s: %w", exec.ID, exec.Status, core.ErrConflict)
	}

	project.Status = core.ProjectActive
	if err := d.updateProject(ctx, project); err != nil {
		return nil, err
	}

	start := events.NewEvent(events.EventExecutionStart, eventSource, map[string]interface{}{
		"execution_type": string(exec.Type),
	})
	start.ExecutionID = exec.ID
	start.ProjectID = project.ID
	d.bus.Emit(start)

	brief := exec.Prompt
	if brief == "" {
		brief = project.Requirements
	}

	ran := 0
	for _, stage := range Pipeline {
		if stageDone(exec, stage.Name) {
			continue
		}

		// Stage boundaries are the cooperative cancellation points.
		interrupted, err := d.checkInterrupt(ctx, exec, project)
		if err != nil || interrupted != nil {
			return interrupted, err
		}

		ok := d.runStage(ctx, exec, project, stage, brief)
		if err := d.persistLogs(ctx, exec); err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ran++

		project.Progress = stage.Progress
		if err := d.updateProject(ctx, project); err != nil {
			return nil, err
		}
		d.bus.EmitProgress(eventSource, exec.ID, project.ID, stage.Progress, stage.Name)
	}

	interrupted, err := d.checkInterrupt(ctx, exec, project)
	if err != nil || interrupted != nil {
		return interrupted, err
	}

	completed := make([]string, 0, len(Pipeline))
	for _, stage := range Pipeline {
		if stageDone(exec, stage.Name) {
			completed = append(completed, stage.Name)
		}
	}

	exec.Finish(core.ExecutionCompleted, "")
	exec.Output = map[string]interface{}{
		"stages_run":       ran,
		"stages_completed": completed,
		"duration_seconds": *exec.DurationSeconds,
	}
	if err := d.store.Executions().Update(ctx, exec); err != nil {
		return nil, err
	}
	d.recordExecution(core.ExecutionCompleted)
	project.Progress = 100
	project.Status = core.ProjectCompleted
	if err := d.updateProject(ctx, project); err != nil {
		return nil, err
	}

	done := events.NewEvent(events.EventExecutionComplete, eventSource, map[string]interface{}{
		"stages_run":       ran,
		"duration_seconds": *exec.DurationSeconds,
	})
	done.ExecutionID = exec.ID
	done.ProjectID = project.ID
	done.Priority = events.PriorityHigh
	d.bus.Emit(done)

	d.logger.Printf("execution %s completed, %d stages run", exec.ID, ran)
	return map[string]interface{}{
		"execution_id":     exec.ID,
		"stages_run":       ran,
		"duration_seconds": *exec.DurationSeconds,
	}, nil
}

// runStage executes one pipeline stage. Failures are logged on the
// execution and reported as error events; the pipeline continues.
func (d *Driver) runStage(ctx context.Context, exec *core.Execution, project *core.Project, stage Stage, brief string) bool {
	began := time.Now()
	cfg, err := d.store.AgentConfigs().GetDefault(ctx, exec.UserID, stage.Role)
	if err != nil {
		d.skipStage(exec, project, stage, fmt.Sprintf("no default agent config for role %s", stage.Role))
		return false
	}

	client, err := d.models.Client(cfg, true)
	if err != nil {
		d.skipStage(exec, project, stage, fmt.Sprintf("client for %s/%s: %v", cfg.Provider, cfg.Model, err))
		return false
	}

	vctx, cancel := context.WithTimeout(ctx, d.validateTimeout)
	err = client.ValidateConnection(vctx)
	cancel()
	if err != nil {
		d.skipStage(exec, project, stage, fmt.Sprintf("provider %s unreachable: %v", cfg.Provider, err))
		return false
	}

	ev := events.NewEvent(events.EventStageStart, eventSource, map[string]interface{}{
		"stage": stage.Name,
		"agent": string(stage.Role),
	})
	ev.ExecutionID = exec.ID
	ev.ProjectID = project.ID
	d.bus.Emit(ev)

	opts := llm.OptionsFrom(cfg)
	opts.SystemPrompt = stage.SystemPrompt(cfg.SystemPrompt)

	output, err := client.Generate(ctx, stage.Prompt(brief), opts)
	if err != nil {
		d.logger.Printf("stage %s failed for execution %s: %v", stage.Name, exec.ID, err)
		exec.AppendLog(stage.Role, stage.Name, "", err.Error())
		d.bus.EmitError(eventSource, exec.ID, project.ID, fmt.Sprintf("stage %s: %v", stage.Name, err))
		return false
	}

	exec.AppendLog(stage.Role, stage.Name, output, "")

	if stage.Role == core.RoleEngineer && d.files != nil {
		path := "output/implementation.md"
		if werr := d.files.WriteFile(project.ID, path, []byte(output)); werr != nil {
			d.logger.Printf("writing artifact for execution %s: %v", exec.ID, werr)
		} else {
			d.bus.EmitFileChange(eventSource, exec.ID, project.ID, path, "created")
		}
	}

	msg := events.NewEvent(events.EventAgentMessage, eventSource, map[string]interface{}{
		"agent":   string(stage.Role),
		"stage":   stage.Name,
		"content": output,
	})
	msg.ExecutionID = exec.ID
	msg.ProjectID = project.ID
	d.bus.Emit(msg)

	if d.metrics != nil {
		d.metrics.StageDuration.WithLabelValues(stage.Name).Observe(time.Since(began).Seconds())
	}
	return true
}

func (d *Driver) skipStage(exec *core.Execution, project *core.Project, stage Stage, reason string) {
	d.logger.Printf("skipping stage %s for execution %s: %s", stage.Name, exec.ID, reason)
	exec.AppendLog(stage.Role, stage.Name, "", reason)
	d.bus.EmitLog(eventSource, exec.ID, project.ID, "warning", fmt.Sprintf("stage %s skipped: %s", stage.Name, reason))
}

// checkInterrupt reloads the execution and handles deadline expiry,
// cooperative cancellation and pause. A non-nil map means the run ends
// here with that result.
func (d *Driver) checkInterrupt(ctx context.Context, exec *core.Execution, project *core.Project) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		exec.Finish(core.ExecutionTimeout, "execution deadline exceeded")
		bg := context.Background()
		if err := d.store.Executions().Update(bg, exec); err != nil {
			d.logger.Printf("recording timeout for execution %s: %v", exec.ID, err)
		}
		project.Status = core.ProjectFailed
		if err := d.updateProject(bg, project); err != nil {
			d.logger.Printf("recording timeout for project %s: %v", project.ID, err)
		}
		d.bus.EmitError(eventSource, exec.ID, project.ID, "execution timed out")
		d.recordExecution(core.ExecutionTimeout)
		return nil, ctx.Err()
	}

	current, err := d.store.Executions().Get(ctx, exec.ID)
	if err != nil {
		return nil, err
	}

	switch current.Status {
	case core.ExecutionCancelled:
		d.logger.Printf("execution %s cancelled, stopping", exec.ID)
		if current.CompletedAt == nil {
			current.Finish(core.ExecutionCancelled, current.ErrorMessage)
			if err := d.store.Executions().Update(ctx, current); err != nil {
				return nil, err
			}
		}
		*exec = *current
		d.bus.EmitStatus(eventSource, exec.ID, project.ID, string(core.ExecutionCancelled), nil)
		d.recordExecution(core.ExecutionCancelled)
		return map[string]interface{}{"cancelled": true}, nil
	case core.ExecutionPaused:
		d.logger.Printf("execution %s paused, yielding", exec.ID)
		// AgentLogs written so far travel with the stored copy; the
		// resume job picks up from the first stage without a log.
		current.AgentLogs = exec.AgentLogs
		if err := d.store.Executions().Update(ctx, current); err != nil {
			return nil, err
		}
		return map[string]interface{}{"paused": true}, nil
	}
	return nil, nil
}

// persistLogs merges the in-memory agent logs into the stored record
// without clobbering a status change made concurrently by the router
// (pause or cancel), then refreshes the in-memory copy.
func (d *Driver) persistLogs(ctx context.Context, exec *core.Execution) error {
	current, err := d.store.Executions().Get(ctx, exec.ID)
	if err != nil {
		return err
	}
	current.AgentLogs = exec.AgentLogs
	if err := d.store.Executions().Update(ctx, current); err != nil {
		return err
	}
	*exec = *current
	return nil
}

func (d *Driver) updateProject(ctx context.Context, p *core.Project) error {
	p.UpdatedAt = time.Now().UTC()
	return d.store.Projects().Update(ctx, p)
}

func stageDone(exec *core.Execution, name string) bool {
	for _, entry := range exec.AgentLogs {
		if entry.Stage == name && entry.Error == "" && entry.Message != "" {
			return true
		}
	}
	return false
}

// TestConfig builds a throwaway client for the config and probes the
// provider, without touching the registry cache.
func (d *Driver) TestConfig(ctx context.Context, cfg *core.AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	client, err := d.models.Client(cfg, false)
	if err != nil {
		if errors.Is(err, llm.ErrUnsupportedProvider) {
			return err
		}
		return fmt.Errorf("building client: %w", err)
	}
	vctx, cancel := context.WithTimeout(ctx, d.validateTimeout)
	defer cancel()
	if err := client.ValidateConnection(vctx); err != nil {
		return err
	}
	// A tiny completion proves the credentials work end to end.
	_, err = client.Generate(vctx, "ping", llm.Options{MaxTokens: 8})
	return err
}

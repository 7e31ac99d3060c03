package service

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sysmuse/ipflow/pkg/llm"
	"github.com/sysmuse/ipflow/pkg/models"
	"github.com/sysmuse/ipflow/pkg/prompt"
	"github.com/sysmuse/ipflow/pkg/scope"
	"github.com/sysmuse/ipflow/pkg/storage"
)

// Logger defines the logging interface for the engine
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config holds the engine's execution tuning knobs.
type Config struct {
	Model         string        // Model identifier passed to the generative service
	JobDelay      time.Duration // Rate-limit pause between consecutive jobs
	RecoveryWait  time.Duration // Pause when no job is ready but some are RUNNING
	MaxIterations int           // Safety ceiling on scheduler loop iterations
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Model:         "gpt-4o",
		JobDelay:      time.Second,
		RecoveryWait:  5 * time.Second,
		MaxIterations: 1000,
	}
}

// Engine orchestrates workflow DAGs: it plans jobs via the factories,
// schedules them in dependency order, and drives each through the
// generative call collaborator.
type Engine struct {
	store     storage.Store
	scopes    scope.Resolver
	loader    scope.Loader
	templates prompt.Source
	llm       llm.Client
	logger    Logger
	cfg       Config

	mu      sync.Mutex
	running map[int64]context.CancelFunc // process-local guard against duplicate loop starts
}

func NewEngine(store storage.Store, scopes scope.Resolver, loader scope.Loader,
	templates prompt.Source, client llm.Client, logger Logger, cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	return &Engine{
		store:     store,
		scopes:    scopes,
		loader:    loader,
		templates: templates,
		llm:       client,
		logger:    logger,
		cfg:       cfg,
		running:   make(map[int64]context.CancelFunc),
	}
}

// CreateWorkflow creates an empty workflow; jobs come later from a planner.
func (e *Engine) CreateWorkflow(name string, wfType models.WorkflowType, scopeType, scopeID string) (id int64, err error) {
	if name == "" {
		return 0, errors.New("workflow name cannot be empty")
	}
	if len(name) > 100 {
		return 0, errors.New("workflow name too long (max 100 characters)")
	}
	switch wfType {
	case models.CustomWorkflow, models.TournamentWorkflow, models.TwoStageWorkflow:
	default:
		return 0, errors.Errorf("invalid workflow type '%s'", wfType)
	}

	txStore, err := e.store.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				e.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			e.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	wf := models.Workflow{
		Name:         name,
		WorkflowType: wfType,
		ScopeType:    scopeType,
		ScopeID:      scopeID,
		Status:       models.PendingWorkflowStatus,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	id, err = txStore.SaveWorkflow(wf)
	if err != nil {
		return 0, err
	}
	e.logger.Infof("Created %s workflow '%s' with ID %d over scope %s/%s", wfType, name, id, scopeType, scopeID)
	return id, nil
}

// GetWorkflow fetches a workflow with its jobs.
func (e *Engine) GetWorkflow(workflowID int64) (models.Workflow, error) {
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "get workflow %d", workflowID)
	}
	jobs, err := e.store.ListJobs(workflowID)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "list jobs of workflow %d", workflowID)
	}
	wf.Jobs = jobs
	return wf, nil
}

func (e *Engine) ListWorkflows() ([]models.Workflow, error) {
	return e.store.ListWorkflows()
}

// Progress returns the workflow's per-status job counts.
func (e *Engine) Progress(workflowID int64) (models.WorkflowProgress, error) {
	return e.store.CountJobStatuses(workflowID)
}

// GetWorkflowDetail builds the full read model: jobs with dependency edges
// in both directions, plus progress counts.
func (e *Engine) GetWorkflowDetail(workflowID int64) (models.WorkflowDetail, error) {
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return models.WorkflowDetail{}, err
	}
	jobs, err := e.store.ListJobs(workflowID)
	if err != nil {
		return models.WorkflowDetail{}, err
	}
	deps, err := e.store.GetDependencies(workflowID)
	if err != nil {
		return models.WorkflowDetail{}, err
	}
	progress, err := e.store.CountJobStatuses(workflowID)
	if err != nil {
		return models.WorkflowDetail{}, err
	}

	dependsOn := make(map[string][]string)
	dependedBy := make(map[string][]string)
	for _, d := range deps {
		dependsOn[d.JobID] = append(dependsOn[d.JobID], d.DependsOn)
		dependedBy[d.DependsOn] = append(dependedBy[d.DependsOn], d.JobID)
	}

	views := make([]models.JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, models.JobView{
			Job:           j,
			DependsOnIDs:  dependsOn[j.ID],
			DependedByIDs: dependedBy[j.ID],
		})
	}
	return models.WorkflowDetail{Workflow: wf, Progress: progress, Jobs: views}, nil
}

func (e *Engine) GetJob(jobID string) (models.Job, error) {
	return e.store.GetJob(jobID)
}

func (e *Engine) ListResults(workflowID int64) ([]models.AnalysisResult, error) {
	return e.store.ListResults(workflowID)
}

// CancelWorkflow cancels the in-process loop (if any) and atomically
// bulk-transitions the workflow's PENDING/RUNNING jobs to CANCELLED
// together with the workflow itself.
func (e *Engine) CancelWorkflow(workflowID int64) (err error) {
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
	if !models.CanTransitionWorkflow(wf.Status, models.CancelledWorkflowStatus) {
		return errors.Errorf("cannot cancel workflow %d in status %s", workflowID, wf.Status)
	}

	// Signal the loop first so it stops picking up jobs.
	e.mu.Lock()
	if cancel, ok := e.running[workflowID]; ok {
		cancel()
	}
	e.mu.Unlock()

	txStore, err := e.store.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				e.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			e.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	cancelled, err := txStore.CancelJobs(workflowID)
	if err != nil {
		return errors.Wrapf(err, "cancel jobs of workflow %d", workflowID)
	}
	if err = txStore.UpdateWorkflowStatus(workflowID, models.CancelledWorkflowStatus); err != nil {
		return errors.Wrapf(err, "cancel workflow %d", workflowID)
	}
	e.logger.Infof("Cancelled workflow %d (%d jobs transitioned)", workflowID, cancelled)
	return nil
}

// DeleteWorkflow removes a workflow and everything under it. Running
// workflows must be cancelled first.
func (e *Engine) DeleteWorkflow(workflowID int64) error {
	e.mu.Lock()
	_, active := e.running[workflowID]
	e.mu.Unlock()
	if active {
		return errors.Errorf("workflow %d is executing; cancel it before deleting", workflowID)
	}
	if err := e.store.DeleteWorkflow(workflowID); err != nil {
		return err
	}
	e.logger.Infof("Deleted workflow %d", workflowID)
	return nil
}

// RetryJob returns an ERROR job to PENDING so the next loop picks it up.
// Rejected once the retry budget is spent.
func (e *Engine) RetryJob(jobID string) error {
	job, err := e.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if !models.CanTransitionJob(job.Status, models.PendingJobStatus) {
		return errors.Errorf("cannot retry job %s in status %s", jobID, job.Status)
	}
	if job.RetryCount >= job.MaxRetries {
		return errors.Errorf("job %s exhausted its retries (%d/%d)", jobID, job.RetryCount, job.MaxRetries)
	}
	if err := e.store.ResetJobForRetry(jobID); err != nil {
		return err
	}
	e.logger.Infof("Job %s reset for retry (%d/%d used)", jobID, job.RetryCount, job.MaxRetries)
	return nil
}

// setWorkflowStatus applies a validated workflow status transition.
func (e *Engine) setWorkflowStatus(workflowID int64, to models.WorkflowStatus) error {
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
	if wf.Status == to {
		return nil
	}
	if !models.CanTransitionWorkflow(wf.Status, to) {
		return errors.Errorf("invalid workflow transition %s -> %s", wf.Status, to)
	}
	return e.store.UpdateWorkflowStatus(workflowID, to)
}

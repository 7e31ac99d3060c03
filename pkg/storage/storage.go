package storage

import (
	"github.com/pkg/errors"

	"github.com/sysmuse/ipflow/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the storage operations for the workflow engine.
// Begin returns a transactional view of the same store; mutations made
// through it become visible on Commit.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow operations
	SaveWorkflow(w models.Workflow) (int64, error)
	GetWorkflow(id int64) (models.Workflow, error)
	ListWorkflows() ([]models.Workflow, error)
	UpdateWorkflowStatus(id int64, status models.WorkflowStatus) error
	// ClaimWorkflow atomically moves a PENDING or ERROR workflow to RUNNING
	// and reports whether this caller won the claim. It is the store-side
	// mutual-exclusion point against concurrent executors.
	ClaimWorkflow(id int64) (bool, error)
	UpdateWorkflowConfig(id int64, config models.JSONMap) error
	UpdateWorkflowFinalResult(id int64, result models.JSONMap) error
	DeleteWorkflow(id int64) error

	// Job operations
	SaveJob(j models.Job) error
	GetJob(id string) (models.Job, error)
	ListJobs(workflowID int64) ([]models.Job, error)
	// UpdateJobStatus stamps started_at on RUNNING, completed_at on any
	// terminal status, and increments retry_count on ERROR.
	UpdateJobStatus(id string, status models.JobStatus, errorMsg string) error
	// CompleteJob persists the execution outcome and moves the job to COMPLETE.
	CompleteJob(id string, result models.JSONMap, sortScore *float64, tokensUsed int) error
	// ResetJobForRetry returns an ERROR job to its pre-execution state:
	// PENDING, with result, score, error message and timestamps cleared.
	// retry_count is preserved.
	ResetJobForRetry(id string) error
	UpdateJobTargetIDs(id string, targetIDs []string) error
	// CancelJobs bulk-transitions every PENDING or RUNNING job of the
	// workflow to CANCELLED and returns how many rows changed.
	CancelJobs(workflowID int64) (int, error)
	CountJobStatuses(workflowID int64) (models.WorkflowProgress, error)

	// Dependency operations
	SaveDependency(d models.JobDependency) error
	GetDependencies(workflowID int64) ([]models.JobDependency, error)

	// Analysis result records
	SaveResult(r models.AnalysisResult) error
	ListResults(workflowID int64) ([]models.AnalysisResult, error)
}

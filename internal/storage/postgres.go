package storage

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sysmuse/ipflow/pkg/models"
	"github.com/sysmuse/ipflow/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveWorkflow creates a new workflow row and returns its ID.
func (s *PostgresStore) SaveWorkflow(w models.Workflow) (int64, error) {
	var wfID int64
	err := s.db.QueryRowx(`
		INSERT INTO workflows (name, workflow_type, scope_type, scope_id, status, config, final_result, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		w.Name, w.WorkflowType, w.ScopeType, w.ScopeID, w.Status, w.Config, w.FinalResult, w.CreatedAt, w.UpdatedAt).Scan(&wfID)
	if err != nil {
		return 0, fmt.Errorf("save workflow: %w", err)
	}
	return wfID, nil
}

// GetWorkflow retrieves a workflow row by ID (jobs are fetched separately).
func (s *PostgresStore) GetWorkflow(id int64) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, "SELECT * FROM workflows WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow %d: %w", id, err)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows() ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	query := "SELECT * FROM workflows ORDER BY created_at DESC"
	if err := s.db.Select(&workflows, query); err != nil {
		return nil, err
	}
	return workflows, nil
}

func (s *PostgresStore) UpdateWorkflowStatus(id int64, status models.WorkflowStatus) error {
	_, err := s.db.Exec("UPDATE workflows SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", status, id)
	return err
}

// ClaimWorkflow performs the conditional PENDING|ERROR -> RUNNING transition
// that serves as the store-side execution lease.
func (s *PostgresStore) ClaimWorkflow(id int64) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE workflows SET status = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND status IN ($3, $4)`,
		models.RunningWorkflowStatus, id, models.PendingWorkflowStatus, models.ErrorWorkflowStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) UpdateWorkflowConfig(id int64, config models.JSONMap) error {
	_, err := s.db.Exec("UPDATE workflows SET config = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", config, id)
	return err
}

func (s *PostgresStore) UpdateWorkflowFinalResult(id int64, result models.JSONMap) error {
	_, err := s.db.Exec("UPDATE workflows SET final_result = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", result, id)
	return err
}

// DeleteWorkflow removes the workflow; jobs, dependencies and results
// cascade via foreign keys.
func (s *PostgresStore) DeleteWorkflow(id int64) error {
	res, err := s.db.Exec("DELETE FROM workflows WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveJob creates a new job row within a workflow.
func (s *PostgresStore) SaveJob(j models.Job) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, workflow_id, template_id, target_type, target_ids, target_data,
			round_number, cluster_index, priority, status, result, sort_score, tokens_used,
			error_msg, retry_count, max_retries, started_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		j.ID, j.WorkflowID, j.TemplateID, j.TargetType, j.TargetIDs, j.TargetData,
		j.RoundNumber, j.ClusterIndex, j.Priority, j.Status, j.Result, j.SortScore, j.TokensUsed,
		j.ErrorMsg, j.RetryCount, j.MaxRetries, j.StartedAt, j.CompletedAt, j.CreatedAt)
	return err
}

func (s *PostgresStore) GetJob(id string) (models.Job, error) {
	var job models.Job
	err := s.db.Get(&job, "SELECT * FROM jobs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Job{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(workflowID int64) ([]models.Job, error) {
	jobs := []models.Job{}
	err := s.db.Select(&jobs, `
		SELECT * FROM jobs WHERE workflow_id = $1
		ORDER BY round_number, cluster_index, created_at`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for workflow %d: %w", workflowID, err)
	}
	return jobs, nil
}

// UpdateJobStatus updates status and error message, stamping started_at on
// RUNNING and completed_at on terminal statuses. ERROR also increments
// retry_count so the retry budget is tracked where the failure is recorded.
func (s *PostgresStore) UpdateJobStatus(id string, status models.JobStatus, errorMsg string) error {
	_, err := s.db.Exec(`
		UPDATE jobs
		SET status = $1,
		error_msg = $2,
		started_at = CASE WHEN $3 = 'RUNNING' THEN CURRENT_TIMESTAMP ELSE started_at END,
		completed_at = CASE WHEN $4 IN ('COMPLETE', 'ERROR', 'CANCELLED') THEN CURRENT_TIMESTAMP ELSE completed_at END,
		retry_count = retry_count + CASE WHEN $5 = 'ERROR' THEN 1 ELSE 0 END
		WHERE id = $6`,
		// PostgreSQL treats each CASE parameter as distinct, so the status is passed once per clause
		status, errorMsg, status, status, status, id)
	return err
}

func (s *PostgresStore) CompleteJob(id string, result models.JSONMap, sortScore *float64, tokensUsed int) error {
	_, err := s.db.Exec(`
		UPDATE jobs
		SET status = $1, result = $2, sort_score = $3, tokens_used = $4,
		error_msg = '', completed_at = CURRENT_TIMESTAMP
		WHERE id = $5`,
		models.CompleteJobStatus, result, sortScore, tokensUsed, id)
	return err
}

func (s *PostgresStore) ResetJobForRetry(id string) error {
	_, err := s.db.Exec(`
		UPDATE jobs
		SET status = $1, result = NULL, sort_score = NULL, tokens_used = 0,
		error_msg = '', started_at = NULL, completed_at = NULL
		WHERE id = $2`,
		models.PendingJobStatus, id)
	return err
}

func (s *PostgresStore) UpdateJobTargetIDs(id string, targetIDs []string) error {
	_, err := s.db.Exec("UPDATE jobs SET target_ids = $1 WHERE id = $2", pq.StringArray(targetIDs), id)
	return err
}

// CancelJobs bulk-cancels every PENDING or RUNNING job of a workflow.
func (s *PostgresStore) CancelJobs(workflowID int64) (int, error) {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = $1, completed_at = CURRENT_TIMESTAMP
		WHERE workflow_id = $2 AND status IN ($3, $4)`,
		models.CancelledJobStatus, workflowID, models.PendingJobStatus, models.RunningJobStatus)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PostgresStore) CountJobStatuses(workflowID int64) (models.WorkflowProgress, error) {
	rows := []struct {
		Status models.JobStatus `db:"status"`
		Count  int              `db:"count"`
	}{}
	err := s.db.Select(&rows, "SELECT status, COUNT(*) AS count FROM jobs WHERE workflow_id = $1 GROUP BY status", workflowID)
	if err != nil {
		return models.WorkflowProgress{}, err
	}
	var p models.WorkflowProgress
	for _, r := range rows {
		switch r.Status {
		case models.PendingJobStatus:
			p.Pending = r.Count
		case models.RunningJobStatus:
			p.Running = r.Count
		case models.CompleteJobStatus:
			p.Complete = r.Count
		case models.ErrorJobStatus:
			p.Error = r.Count
		case models.CancelledJobStatus:
			p.Cancelled = r.Count
		}
	}
	return p, nil
}

// SaveDependency creates a new dependency edge between jobs.
func (s *PostgresStore) SaveDependency(d models.JobDependency) error {
	_, err := s.db.Exec(`
		INSERT INTO job_dependencies (job_id, depends_on, workflow_id) VALUES ($1, $2, $3)
		`,
		d.JobID, d.DependsOn, d.WorkflowID)
	return err
}

// GetDependencies retrieves all dependency edges for a workflow.
func (s *PostgresStore) GetDependencies(workflowID int64) ([]models.JobDependency, error) {
	deps := []models.JobDependency{}
	err := s.db.Select(&deps, "SELECT job_id, depends_on, workflow_id FROM job_dependencies WHERE workflow_id = $1", workflowID)
	if err != nil {
		return nil, err
	}
	return deps, nil
}

func (s *PostgresStore) SaveResult(r models.AnalysisResult) error {
	_, err := s.db.Exec(`
		INSERT INTO analysis_results (workflow_id, scope_type, scope_id, target_id, template_id, result, sort_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.WorkflowID, r.ScopeType, r.ScopeID, r.TargetID, r.TemplateID, r.Result, r.SortScore, r.CreatedAt)
	return err
}

func (s *PostgresStore) ListResults(workflowID int64) ([]models.AnalysisResult, error) {
	results := []models.AnalysisResult{}
	err := s.db.Select(&results, "SELECT * FROM analysis_results WHERE workflow_id = $1 ORDER BY id", workflowID)
	if err != nil {
		return nil, err
	}
	return results, nil
}

package storage

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sysmuse/ipflow/pkg/models"
)

// mockStore implements Store with in-memory storage for tests.
type mockStore struct {
	mu           sync.Mutex
	workflows    []models.Workflow
	jobs         []models.Job
	dependencies []models.JobDependency
	results      []models.AnalysisResult
	nextWfID     int64
	nextResID    int64
}

// NewMockStore returns an empty in-memory store.
func NewMockStore() Store {
	return &mockStore{}
}

// Begin returns the store itself: the mock applies mutations immediately
// and treats Commit/Rollback as no-ops.
func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveWorkflow(w models.Workflow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWfID++
	w.ID = m.nextWfID
	m.workflows = append(m.workflows, w)
	return w.ID, nil
}

func (m *mockStore) GetWorkflow(id int64) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wf := range m.workflows {
		if wf.ID == id {
			return wf, nil
		}
	}
	return models.Workflow{}, ErrNotFound
}

func (m *mockStore) ListWorkflows() ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Workflow, len(m.workflows))
	copy(out, m.workflows)
	return out, nil
}

func (m *mockStore) UpdateWorkflowStatus(id int64, status models.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.workflows {
		if m.workflows[i].ID == id {
			m.workflows[i].Status = status
			m.workflows[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) ClaimWorkflow(id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.workflows {
		if m.workflows[i].ID == id {
			if m.workflows[i].Status != models.PendingWorkflowStatus &&
				m.workflows[i].Status != models.ErrorWorkflowStatus {
				return false, nil
			}
			m.workflows[i].Status = models.RunningWorkflowStatus
			m.workflows[i].UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, ErrNotFound
}

func (m *mockStore) UpdateWorkflowConfig(id int64, config models.JSONMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.workflows {
		if m.workflows[i].ID == id {
			m.workflows[i].Config = config
			m.workflows[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) UpdateWorkflowFinalResult(id int64, result models.JSONMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.workflows {
		if m.workflows[i].ID == id {
			m.workflows[i].FinalResult = result
			m.workflows[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) DeleteWorkflow(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.workflows[:0]
	found := false
	for _, wf := range m.workflows {
		if wf.ID == id {
			found = true
			continue
		}
		kept = append(kept, wf)
	}
	m.workflows = kept
	if !found {
		return ErrNotFound
	}
	keptJobs := m.jobs[:0]
	for _, j := range m.jobs {
		if j.WorkflowID != id {
			keptJobs = append(keptJobs, j)
		}
	}
	m.jobs = keptJobs
	keptDeps := m.dependencies[:0]
	for _, d := range m.dependencies {
		if d.WorkflowID != id {
			keptDeps = append(keptDeps, d)
		}
	}
	m.dependencies = keptDeps
	return nil
}

func (m *mockStore) SaveJob(j models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.jobs {
		if existing.ID == j.ID {
			return errors.New("job already exists")
		}
	}
	m.jobs = append(m.jobs, j)
	return nil
}

func (m *mockStore) GetJob(id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return models.Job{}, ErrNotFound
}

func (m *mockStore) ListJobs(workflowID int64) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.WorkflowID == workflowID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateJobStatus(id string, status models.JobStatus, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for i := range m.jobs {
		if m.jobs[i].ID != id {
			continue
		}
		m.jobs[i].Status = status
		m.jobs[i].ErrorMsg = errorMsg
		switch status {
		case models.RunningJobStatus:
			m.jobs[i].StartedAt = &now
		case models.ErrorJobStatus:
			m.jobs[i].CompletedAt = &now
			m.jobs[i].RetryCount++
		case models.CompleteJobStatus, models.CancelledJobStatus:
			m.jobs[i].CompletedAt = &now
		}
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) CompleteJob(id string, result models.JSONMap, sortScore *float64, tokensUsed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for i := range m.jobs {
		if m.jobs[i].ID != id {
			continue
		}
		m.jobs[i].Status = models.CompleteJobStatus
		m.jobs[i].Result = result
		m.jobs[i].SortScore = sortScore
		m.jobs[i].TokensUsed = tokensUsed
		m.jobs[i].ErrorMsg = ""
		m.jobs[i].CompletedAt = &now
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) ResetJobForRetry(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.jobs {
		if m.jobs[i].ID != id {
			continue
		}
		m.jobs[i].Status = models.PendingJobStatus
		m.jobs[i].Result = nil
		m.jobs[i].SortScore = nil
		m.jobs[i].TokensUsed = 0
		m.jobs[i].ErrorMsg = ""
		m.jobs[i].StartedAt = nil
		m.jobs[i].CompletedAt = nil
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) UpdateJobTargetIDs(id string, targetIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.jobs {
		if m.jobs[i].ID == id {
			m.jobs[i].TargetIDs = targetIDs
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) CancelJobs(workflowID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	count := 0
	for i := range m.jobs {
		if m.jobs[i].WorkflowID != workflowID {
			continue
		}
		if m.jobs[i].Status == models.PendingJobStatus || m.jobs[i].Status == models.RunningJobStatus {
			m.jobs[i].Status = models.CancelledJobStatus
			m.jobs[i].CompletedAt = &now
			count++
		}
	}
	return count, nil
}

func (m *mockStore) CountJobStatuses(workflowID int64) (models.WorkflowProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var p models.WorkflowProgress
	for _, j := range m.jobs {
		if j.WorkflowID != workflowID {
			continue
		}
		switch j.Status {
		case models.PendingJobStatus:
			p.Pending++
		case models.RunningJobStatus:
			p.Running++
		case models.CompleteJobStatus:
			p.Complete++
		case models.ErrorJobStatus:
			p.Error++
		case models.CancelledJobStatus:
			p.Cancelled++
		}
	}
	return p, nil
}

func (m *mockStore) SaveDependency(d models.JobDependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.dependencies {
		if existing.JobID == d.JobID && existing.DependsOn == d.DependsOn {
			return errors.New("dependency already exists")
		}
	}
	m.dependencies = append(m.dependencies, d)
	return nil
}

func (m *mockStore) GetDependencies(workflowID int64) ([]models.JobDependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deps []models.JobDependency
	for _, d := range m.dependencies {
		if d.WorkflowID == workflowID {
			deps = append(deps, d)
		}
	}
	return deps, nil
}

func (m *mockStore) SaveResult(r models.AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextResID++
	r.ID = m.nextResID
	m.results = append(m.results, r)
	return nil
}

func (m *mockStore) ListResults(workflowID int64) ([]models.AnalysisResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AnalysisResult
	for _, r := range m.results {
		if r.WorkflowID == workflowID {
			out = append(out, r)
		}
	}
	return out, nil
}

package models

// JobDependency defines an edge where one job may not start until another completes.
type JobDependency struct {
	JobID      string `json:"job_id" db:"job_id"`           // Downstream job
	DependsOn  string `json:"depends_on" db:"depends_on"`   // Upstream prerequisite job
	WorkflowID int64  `json:"workflow_id" db:"workflow_id"` // Foreign key to Workflow
}

package models

import "time"

type WorkflowStatus string

const (
	PendingWorkflowStatus   WorkflowStatus = "PENDING"
	RunningWorkflowStatus   WorkflowStatus = "RUNNING"
	CompleteWorkflowStatus  WorkflowStatus = "COMPLETE"
	ErrorWorkflowStatus     WorkflowStatus = "ERROR"
	CancelledWorkflowStatus WorkflowStatus = "CANCELLED"
)

// WorkflowType tags how the job DAG of a workflow was planned.
type WorkflowType string

const (
	CustomWorkflow     WorkflowType = "custom"
	TournamentWorkflow WorkflowType = "tournament"
	TwoStageWorkflow   WorkflowType = "two_stage"
)

// Workflow represents one orchestrated analysis run over a scope of targets.
type Workflow struct {
	ID           int64          `json:"id" db:"id"`                       // Unique identifier (PostgreSQL auto-increment)
	Name         string         `json:"name" db:"name"`                   // Descriptive name (e.g., "Q3 semiconductor ranking")
	WorkflowType WorkflowType   `json:"workflow_type" db:"workflow_type"` // How the DAG was planned
	ScopeType    string         `json:"scope_type" db:"scope_type"`       // Kind of target collection (e.g., "sector")
	ScopeID      string         `json:"scope_id" db:"scope_id"`           // Identifier within the scope kind
	Status       WorkflowStatus `json:"status" db:"status"`
	Config       JSONMap        `json:"config,omitempty" db:"config"`             // Factory metadata (cluster size, rounds, job count)
	FinalResult  JSONMap        `json:"final_result,omitempty" db:"final_result"` // Terminal job outputs, populated on completion
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
	Jobs         []Job          `json:"jobs,omitempty"` // Populated at runtime, not a column
}

// workflowTransitions is the set of legal workflow status transitions.
var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	PendingWorkflowStatus:   {RunningWorkflowStatus, CancelledWorkflowStatus},
	RunningWorkflowStatus:   {CompleteWorkflowStatus, ErrorWorkflowStatus, CancelledWorkflowStatus},
	ErrorWorkflowStatus:     {RunningWorkflowStatus},
	CompleteWorkflowStatus:  {},
	CancelledWorkflowStatus: {},
}

// CanTransitionWorkflow reports whether a workflow may move from one status to another.
func CanTransitionWorkflow(from, to WorkflowStatus) bool {
	for _, next := range workflowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidWorkflowStatus reports whether s is a known workflow status.
func ValidWorkflowStatus(s WorkflowStatus) bool {
	switch s {
	case PendingWorkflowStatus, RunningWorkflowStatus, CompleteWorkflowStatus,
		ErrorWorkflowStatus, CancelledWorkflowStatus:
		return true
	}
	return false
}

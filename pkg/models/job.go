package models

import (
	"time"

	"github.com/lib/pq"
)

type JobStatus string

const (
	PendingJobStatus   JobStatus = "PENDING"
	RunningJobStatus   JobStatus = "RUNNING"
	CompleteJobStatus  JobStatus = "COMPLETE"
	ErrorJobStatus     JobStatus = "ERROR"
	CancelledJobStatus JobStatus = "CANCELLED"
)

// TargetType tags what a job operates on: a single patent, a cluster of
// patents, or the results of its upstream jobs.
type TargetType string

const (
	PatentTarget       TargetType = "patent"
	PatentGroupTarget  TargetType = "patent_group"
	SummaryGroupTarget TargetType = "summary_group"
)

// DefaultMaxRetries is applied to planned jobs unless a spec overrides it.
const DefaultMaxRetries = 3

// Job represents one unit of generative-call work within a workflow DAG.
//
// For summary_group jobs TargetIDs is informational only: it is rewritten
// to upstream job IDs after planning, but execution always gathers upstream
// results through the dependency edges, never by parsing TargetIDs.
type Job struct {
	ID           string         `json:"id" db:"id"`                     // UUID
	WorkflowID   int64          `json:"workflow_id" db:"workflow_id"`   // Foreign key to Workflow
	TemplateID   string         `json:"template_id" db:"template_id"`   // Generative-call template to use
	TargetType   TargetType     `json:"target_type" db:"target_type"`   // patent, patent_group or summary_group
	TargetIDs    pq.StringArray `json:"target_ids" db:"target_ids"`     // Ordered target identifiers
	TargetData   JSONMap        `json:"target_data" db:"target_data"`   // Free-form parameters (e.g., rank field, topN)
	RoundNumber  int            `json:"round_number" db:"round_number"` // Round within a multi-round DAG (1-based)
	ClusterIndex int            `json:"cluster_index" db:"cluster_index"`
	Priority     int            `json:"priority" db:"priority"` // Scheduler tie-break, higher first
	Status       JobStatus      `json:"status" db:"status"`
	Result       JSONMap        `json:"result,omitempty" db:"result"`         // Parsed fields plus raw response text
	SortScore    *float64       `json:"sort_score,omitempty" db:"sort_score"` // Numeric rank extracted from the result
	TokensUsed   int            `json:"tokens_used" db:"tokens_used"`
	ErrorMsg     string         `json:"error,omitempty" db:"error_msg"` // Last error message
	RetryCount   int            `json:"retry_count" db:"retry_count"`
	MaxRetries   int            `json:"max_retries" db:"max_retries"`
	StartedAt    *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// jobTransitions is the set of legal job status transitions.
// COMPLETE and CANCELLED are terminal.
var jobTransitions = map[JobStatus][]JobStatus{
	PendingJobStatus:   {RunningJobStatus, CancelledJobStatus},
	RunningJobStatus:   {CompleteJobStatus, ErrorJobStatus, CancelledJobStatus},
	ErrorJobStatus:     {PendingJobStatus},
	CompleteJobStatus:  {},
	CancelledJobStatus: {},
}

// CanTransitionJob reports whether a job may move from one status to another.
func CanTransitionJob(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidJobStatus reports whether s is a known job status.
func ValidJobStatus(s JobStatus) bool {
	switch s {
	case PendingJobStatus, RunningJobStatus, CompleteJobStatus,
		ErrorJobStatus, CancelledJobStatus:
		return true
	}
	return false
}

// Terminal reports whether the job has finished for good.
func (j Job) Terminal() bool {
	return j.Status == CompleteJobStatus || j.Status == CancelledJobStatus
}

package models

import "time"

// AnalysisResult is the secondary, queryable record of a job's output,
// keyed by workflow scope and (for single-target jobs) the target identity.
type AnalysisResult struct {
	ID         int64     `json:"id" db:"id"`
	WorkflowID int64     `json:"workflow_id" db:"workflow_id"`
	ScopeType  string    `json:"scope_type" db:"scope_type"`
	ScopeID    string    `json:"scope_id" db:"scope_id"`
	TargetID   string    `json:"target_id,omitempty" db:"target_id"` // Empty for group/summary jobs
	TemplateID string    `json:"template_id" db:"template_id"`
	Result     JSONMap   `json:"result" db:"result"`
	SortScore  *float64  `json:"sort_score,omitempty" db:"sort_score"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Patent is one target record from the analysis corpus.
type Patent struct {
	ID             string    `json:"id" db:"id"`                         // Patent number or internal identifier
	Title          string    `json:"title" db:"title"`
	Abstract       string    `json:"abstract" db:"abstract"`
	Sector         string    `json:"sector" db:"sector"`                 // Taxonomy bucket used by sector scopes
	Assignee       string    `json:"assignee,omitempty" db:"assignee"`
	RelevanceScore *float64  `json:"relevance_score,omitempty" db:"relevance_score"` // Pre-computed ranking used for scope ordering
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

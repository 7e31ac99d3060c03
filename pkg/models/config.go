package models

// RoundConfig configures one elimination round of a tournament workflow.
type RoundConfig struct {
	TemplateID string `json:"template_id" yaml:"template_id"` // Generative-call template for this round
	TopN       int    `json:"top_n" yaml:"top_n"`             // How many top-ranked items advance
	RankField  string `json:"rank_field" yaml:"rank_field"`   // Result field the round ranks by
}

// TournamentConfig drives the tournament factory.
type TournamentConfig struct {
	Rounds              []RoundConfig `json:"rounds" yaml:"rounds"`
	ClusterStrategy     string        `json:"cluster_strategy,omitempty" yaml:"cluster_strategy"` // Initial clustering strategy tag
	ClusterSize         int           `json:"cluster_size,omitempty" yaml:"cluster_size"`         // Explicit size; 0 applies the heuristic
	SynthesisTemplateID string        `json:"synthesis_template_id,omitempty" yaml:"synthesis_template_id"`
	ExtraContext        string        `json:"extra_context,omitempty" yaml:"extra_context"` // Appended to summary prompts
}

// TwoStageConfig drives the two-stage (fan-out/fan-in) factory.
type TwoStageConfig struct {
	StageTemplateID     string `json:"stage_template_id" yaml:"stage_template_id"`         // Per-target analysis template
	SynthesisTemplateID string `json:"synthesis_template_id" yaml:"synthesis_template_id"` // Single fan-in template
	RankField           string `json:"rank_field,omitempty" yaml:"rank_field"`
	ExtraContext        string `json:"extra_context,omitempty" yaml:"extra_context"`
}

// JobSpec describes one job for the custom planner. DependsOn references
// other specs in the same batch by index; edges are wired after all rows exist.
type JobSpec struct {
	TemplateID   string                 `json:"template_id"`
	TargetType   TargetType             `json:"target_type"`
	TargetIDs    []string               `json:"target_ids"`
	TargetData   map[string]interface{} `json:"target_data,omitempty"`
	RoundNumber  int                    `json:"round_number"`
	ClusterIndex int                    `json:"cluster_index"`
	Priority     int                    `json:"priority"`
	MaxRetries   int                    `json:"max_retries,omitempty"` // 0 means DefaultMaxRetries
	DependsOn    []int                  `json:"depends_on,omitempty"`  // Indices into the same spec batch
}

// WorkflowProgress is the per-status job count read model.
type WorkflowProgress struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Complete  int `json:"complete"`
	Error     int `json:"error"`
	Cancelled int `json:"cancelled"`
}

// Total returns the number of jobs in the workflow.
func (p WorkflowProgress) Total() int {
	return p.Pending + p.Running + p.Complete + p.Error + p.Cancelled
}

// JobView is a job plus its dependency edges in both directions.
type JobView struct {
	Job
	DependsOnIDs  []string `json:"depends_on_ids"`
	DependedByIDs []string `json:"depended_by_ids"`
}

// WorkflowDetail is the workflow read model exposed for visualization and debugging.
type WorkflowDetail struct {
	Workflow Workflow         `json:"workflow"`
	Progress WorkflowProgress `json:"progress"`
	Jobs     []JobView        `json:"jobs"`
}

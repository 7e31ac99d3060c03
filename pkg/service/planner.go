package service

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sysmuse/ipflow/pkg/models"
)

// PlanCustom creates jobs and dependency edges for a workflow from a batch
// of specs. Specs reference each other by batch index; since edges must
// point at job IDs that do not exist until their rows are created, planning
// is two-phase: create every row first, then wire edges through the
// index -> ID map. A spec may only depend on specs earlier in the batch,
// which keeps the resulting graph acyclic by construction.
func (e *Engine) PlanCustom(workflowID int64, specs []models.JobSpec) (ids []string, err error) {
	if len(specs) == 0 {
		return nil, errors.New("no job specs to plan")
	}
	if _, err := e.store.GetWorkflow(workflowID); err != nil {
		return nil, errors.Wrapf(err, "workflow %d", workflowID)
	}
	for i, spec := range specs {
		if spec.TemplateID == "" {
			return nil, errors.Errorf("spec %d has no template", i)
		}
		if _, err := e.templates.Get(spec.TemplateID); err != nil {
			return nil, errors.Wrapf(err, "spec %d", i)
		}
		switch spec.TargetType {
		case models.PatentTarget, models.PatentGroupTarget, models.SummaryGroupTarget:
		default:
			return nil, errors.Errorf("spec %d has invalid target type '%s'", i, spec.TargetType)
		}
		for _, dep := range spec.DependsOn {
			if dep < 0 || dep >= len(specs) {
				return nil, errors.Errorf("spec %d depends on out-of-range index %d", i, dep)
			}
			if dep >= i {
				return nil, errors.Errorf("spec %d may only depend on earlier specs, got %d", i, dep)
			}
		}
	}

	txStore, err := e.store.Begin()
	if err != nil {
		return nil, err
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

	// Phase 1: create the rows so identifiers exist.
	ids = make([]string, len(specs))
	now := time.Now()
	for i, spec := range specs {
		maxRetries := spec.MaxRetries
		if maxRetries <= 0 {
			maxRetries = models.DefaultMaxRetries
		}
		job := models.Job{
			ID:           uuid.New().String(),
			WorkflowID:   workflowID,
			TemplateID:   spec.TemplateID,
			TargetType:   spec.TargetType,
			TargetIDs:    spec.TargetIDs,
			TargetData:   spec.TargetData,
			RoundNumber:  spec.RoundNumber,
			ClusterIndex: spec.ClusterIndex,
			Priority:     spec.Priority,
			Status:       models.PendingJobStatus,
			MaxRetries:   maxRetries,
			CreatedAt:    now,
		}
		if err = txStore.SaveJob(job); err != nil {
			return nil, errors.Wrapf(err, "save job for spec %d", i)
		}
		ids[i] = job.ID
	}

	// Phase 2: wire edges, and rewrite summary-group target references from
	// planning indices to the created IDs. The rewritten TargetIDs are
	// informational only: execution sources upstream data from the edges.
	for i, spec := range specs {
		for _, dep := range spec.DependsOn {
			edge := models.JobDependency{JobID: ids[i], DependsOn: ids[dep], WorkflowID: workflowID}
			if err = txStore.SaveDependency(edge); err != nil {
				return nil, errors.Wrapf(err, "save dependency %d -> %d", i, dep)
			}
		}
		if spec.TargetType == models.SummaryGroupTarget && len(spec.DependsOn) > 0 {
			resolved := make([]string, len(spec.DependsOn))
			for k, dep := range spec.DependsOn {
				resolved[k] = ids[dep]
			}
			if err = txStore.UpdateJobTargetIDs(ids[i], resolved); err != nil {
				return nil, errors.Wrapf(err, "rewrite target ids of spec %d", i)
			}
		}
	}

	e.logger.Infof("Planned %d jobs for workflow %d", len(ids), workflowID)
	return ids, nil
}

// PlanTwoStage lays out the fan-out/fan-in pattern: one patent job per
// target in stage 1 and a single synthesis job in stage 2 depending on all
// of them.
func (e *Engine) PlanTwoStage(ctx context.Context, workflowID int64, cfg models.TwoStageConfig) ([]string, error) {
	if cfg.StageTemplateID == "" || cfg.SynthesisTemplateID == "" {
		return nil, errors.New("two-stage config requires stage and synthesis templates")
	}
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	targets, err := e.scopes.Resolve(ctx, wf.ScopeType, wf.ScopeID)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve scope %s/%s", wf.ScopeType, wf.ScopeID)
	}
	if len(targets) == 0 {
		return nil, errors.Errorf("scope %s/%s resolved to no targets", wf.ScopeType, wf.ScopeID)
	}

	specs := make([]models.JobSpec, 0, len(targets)+1)
	for i, target := range targets {
		specs = append(specs, models.JobSpec{
			TemplateID:   cfg.StageTemplateID,
			TargetType:   models.PatentTarget,
			TargetIDs:    []string{target},
			TargetData:   map[string]interface{}{"rank_field": cfg.RankField},
			RoundNumber:  1,
			ClusterIndex: i,
		})
	}
	synthesisDeps := make([]int, len(targets))
	synthesisTargets := make([]string, len(targets))
	for i := range targets {
		synthesisDeps[i] = i
		synthesisTargets[i] = strconv.Itoa(i) // placeholder, rewritten after creation
	}
	synthesisData := map[string]interface{}{"rank_field": cfg.RankField}
	if cfg.ExtraContext != "" {
		synthesisData["extra_context"] = cfg.ExtraContext
	}
	specs = append(specs, models.JobSpec{
		TemplateID:   cfg.SynthesisTemplateID,
		TargetType:   models.SummaryGroupTarget,
		TargetIDs:    synthesisTargets,
		TargetData:   synthesisData,
		RoundNumber:  2,
		ClusterIndex: 0,
		Priority:     2,
		DependsOn:    synthesisDeps,
	})

	ids, err := e.PlanCustom(workflowID, specs)
	if err != nil {
		return nil, err
	}
	if err := e.writeBackConfig(workflowID, wf.Config, models.JSONMap{
		"round_count": 2,
		"job_count":   len(ids),
	}); err != nil {
		return nil, err
	}
	return ids, nil
}

// writeBackConfig merges factory metadata into the workflow's config
// document for observability.
func (e *Engine) writeBackConfig(workflowID int64, existing models.JSONMap, updates models.JSONMap) error {
	merged := models.JSONMap{}
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	return e.store.UpdateWorkflowConfig(workflowID, merged)
}

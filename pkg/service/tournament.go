package service

import (
	"context"
	"strconv"

	"github.com/pkg/errors"

	"github.com/sysmuse/ipflow/pkg/models"
)

// heuristicClusterSize keeps each generative call's context bounded by
// biasing toward 8-16 items per cluster.
func heuristicClusterSize(targetCount int) int {
	switch {
	case targetCount <= 16:
		return targetCount
	case targetCount <= 32:
		return ceilDiv(targetCount, 2)
	case targetCount <= 64:
		return ceilDiv(targetCount, 4)
	default:
		return 16
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// PlanTournament lays out a multi-round elimination bracket over the
// workflow's scope: round 1 clusters the ordered target list, every further
// round regroups the previous round's jobs until one cluster remains, and
// an optional synthesis job caps the bracket. All rows and edges are
// persisted in one batch through PlanCustom.
func (e *Engine) PlanTournament(ctx context.Context, workflowID int64, cfg models.TournamentConfig) ([]string, error) {
	if len(cfg.Rounds) == 0 {
		return nil, errors.New("tournament config requires at least one round")
	}
	for i, round := range cfg.Rounds {
		if round.TemplateID == "" {
			return nil, errors.Errorf("round %d has no template", i+1)
		}
		if round.TopN <= 0 {
			return nil, errors.Errorf("round %d has invalid top_n %d", i+1, round.TopN)
		}
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

	clusterSize := cfg.ClusterSize
	if clusterSize <= 0 {
		clusterSize = heuristicClusterSize(len(targets))
	}

	// Round 1: sequential clusters over the ordered target list.
	var specs []models.JobSpec
	var prevRound []int // planning indices of the previous round's jobs
	firstRound := cfg.Rounds[0]
	for i := 0; i < len(targets); i += clusterSize {
		end := i + clusterSize
		if end > len(targets) {
			end = len(targets)
		}
		specs = append(specs, models.JobSpec{
			TemplateID: firstRound.TemplateID,
			TargetType: models.PatentGroupTarget,
			TargetIDs:  targets[i:end],
			TargetData: map[string]interface{}{
				"rank_field": firstRound.RankField,
				"top_n":      firstRound.TopN,
				"round":      1,
			},
			RoundNumber:  1,
			ClusterIndex: len(prevRound),
			Priority:     1,
		})
		prevRound = append(prevRound, len(specs)-1)
	}

	// Later rounds: ceil(clusterSize/topN) previous clusters feed one new
	// cluster. A short last batch still forms its own cluster.
	round := 2
	for len(prevRound) > 1 {
		rc := roundConfig(cfg, round)
		groupSize := ceilDiv(clusterSize, rc.TopN)
		var newRound []int
		for i := 0; i < len(prevRound); i += groupSize {
			end := i + groupSize
			if end > len(prevRound) {
				end = len(prevRound)
			}
			batch := prevRound[i:end]
			placeholders := make([]string, len(batch))
			for k, idx := range batch {
				placeholders[k] = strconv.Itoa(idx) // rewritten to job IDs after creation
			}
			data := map[string]interface{}{
				"rank_field": rc.RankField,
				"top_n":      rc.TopN,
				"round":      round,
			}
			if cfg.ExtraContext != "" {
				data["extra_context"] = cfg.ExtraContext
			}
			specs = append(specs, models.JobSpec{
				TemplateID:   rc.TemplateID,
				TargetType:   models.SummaryGroupTarget,
				TargetIDs:    placeholders,
				TargetData:   data,
				RoundNumber:  round,
				ClusterIndex: len(newRound),
				Priority:     round,
				DependsOn:    batch,
			})
			newRound = append(newRound, len(specs)-1)
		}
		prevRound = newRound
		round++
	}
	lastRound := round - 1

	// Optional synthesis over everything the last round produced.
	if cfg.SynthesisTemplateID != "" {
		placeholders := make([]string, len(prevRound))
		for k, idx := range prevRound {
			placeholders[k] = strconv.Itoa(idx)
		}
		data := map[string]interface{}{"round": round}
		if cfg.ExtraContext != "" {
			data["extra_context"] = cfg.ExtraContext
		}
		specs = append(specs, models.JobSpec{
			TemplateID:   cfg.SynthesisTemplateID,
			TargetType:   models.SummaryGroupTarget,
			TargetIDs:    placeholders,
			TargetData:   data,
			RoundNumber:  round,
			ClusterIndex: 0,
			Priority:     round,
			DependsOn:    append([]int{}, prevRound...),
		})
		lastRound = round
	}

	ids, err := e.PlanCustom(workflowID, specs)
	if err != nil {
		return nil, err
	}

	updates := models.JSONMap{
		"cluster_size": clusterSize,
		"round_count":  lastRound,
		"job_count":    len(ids),
	}
	if cfg.ClusterStrategy != "" {
		updates["cluster_strategy"] = cfg.ClusterStrategy
	}
	if err := e.writeBackConfig(workflowID, wf.Config, updates); err != nil {
		return nil, err
	}
	e.logger.Infof("Planned tournament for workflow %d: %d targets, cluster size %d, %d rounds, %d jobs",
		workflowID, len(targets), clusterSize, lastRound, len(ids))
	return ids, nil
}

// roundConfig returns the settings for a round, reusing the last configured
// round when the bracket runs deeper than the config.
func roundConfig(cfg models.TournamentConfig, round int) models.RoundConfig {
	idx := round - 1
	if idx >= len(cfg.Rounds) {
		idx = len(cfg.Rounds) - 1
	}
	return cfg.Rounds[idx]
}

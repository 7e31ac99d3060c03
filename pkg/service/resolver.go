package service

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/sysmuse/ipflow/pkg/models"
)

// ReadyJobs returns the PENDING jobs of a workflow whose upstream jobs are
// all COMPLETE, ordered by (priority desc, round asc, cluster asc, created
// asc). Priority lets later-round or synthesis jobs preempt earlier ones
// once unblocked; the rest gives a deterministic order for equal priority.
// Pure read, safe to call repeatedly against a mutating store.
func (e *Engine) ReadyJobs(workflowID int64) ([]models.Job, error) {
	jobs, err := e.store.ListJobs(workflowID)
	if err != nil {
		return nil, errors.Wrapf(err, "list jobs of workflow %d", workflowID)
	}
	deps, err := e.store.GetDependencies(workflowID)
	if err != nil {
		return nil, errors.Wrapf(err, "get dependencies of workflow %d", workflowID)
	}

	statusByID := make(map[string]models.JobStatus, len(jobs))
	for _, j := range jobs {
		statusByID[j.ID] = j.Status
	}
	upstream := make(map[string][]string)
	for _, d := range deps {
		upstream[d.JobID] = append(upstream[d.JobID], d.DependsOn)
	}

	var ready []models.Job
	for _, j := range jobs {
		if j.Status != models.PendingJobStatus {
			continue
		}
		eligible := true
		for _, dep := range upstream[j.ID] {
			if statusByID[dep] != models.CompleteJobStatus {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, j)
		}
	}

	sort.SliceStable(ready, func(a, b int) bool {
		if ready[a].Priority != ready[b].Priority {
			return ready[a].Priority > ready[b].Priority
		}
		if ready[a].RoundNumber != ready[b].RoundNumber {
			return ready[a].RoundNumber < ready[b].RoundNumber
		}
		if ready[a].ClusterIndex != ready[b].ClusterIndex {
			return ready[a].ClusterIndex < ready[b].ClusterIndex
		}
		return ready[a].CreatedAt.Before(ready[b].CreatedAt)
	})
	return ready, nil
}

// terminalJobs returns the COMPLETE jobs with no downstream edge, ordered
// (round desc, cluster asc) so the last round's outputs surface first.
func (e *Engine) terminalJobs(workflowID int64) ([]models.Job, error) {
	jobs, err := e.store.ListJobs(workflowID)
	if err != nil {
		return nil, err
	}
	deps, err := e.store.GetDependencies(workflowID)
	if err != nil {
		return nil, err
	}
	hasDownstream := make(map[string]bool)
	for _, d := range deps {
		hasDownstream[d.DependsOn] = true
	}

	var terminal []models.Job
	for _, j := range jobs {
		if j.Status == models.CompleteJobStatus && !hasDownstream[j.ID] {
			terminal = append(terminal, j)
		}
	}
	sort.SliceStable(terminal, func(a, b int) bool {
		if terminal[a].RoundNumber != terminal[b].RoundNumber {
			return terminal[a].RoundNumber > terminal[b].RoundNumber
		}
		return terminal[a].ClusterIndex < terminal[b].ClusterIndex
	})
	return terminal, nil
}

// upstreamResults gathers the stored results of a job's upstream jobs via
// its dependency edges. Summary jobs always source upstream data this way,
// never by interpreting their own target ID list.
func (e *Engine) upstreamResults(job models.Job) ([]models.Job, error) {
	deps, err := e.store.GetDependencies(job.WorkflowID)
	if err != nil {
		return nil, err
	}
	var upstream []models.Job
	for _, d := range deps {
		if d.JobID != job.ID {
			continue
		}
		up, err := e.store.GetJob(d.DependsOn)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch upstream job %s", d.DependsOn)
		}
		upstream = append(upstream, up)
	}
	sort.SliceStable(upstream, func(a, b int) bool {
		if upstream[a].RoundNumber != upstream[b].RoundNumber {
			return upstream[a].RoundNumber < upstream[b].RoundNumber
		}
		return upstream[a].ClusterIndex < upstream[b].ClusterIndex
	})
	return upstream, nil
}

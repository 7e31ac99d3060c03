package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/sysmuse/ipflow/internal/metrics"
	"github.com/sysmuse/ipflow/pkg/models"
)

// StartWorkflow launches the execution loop in the background and returns
// immediately. Callers poll the workflow read models for progress.
func (e *Engine) StartWorkflow(workflowID int64) {
	go func() {
		if err := e.ExecuteWorkflow(context.Background(), workflowID); err != nil {
			e.logger.Errorf("Workflow %d execution ended with error: %v", workflowID, err)
		}
	}()
}

// ExecuteWorkflow drives one workflow to completion or cancellation. Jobs
// run strictly one at a time with a fixed delay between them, honoring the
// external rate limit on the generative service. A second call for a
// workflow already executing in this process is a no-op; across processes
// the store-side claim (conditional PENDING|ERROR -> RUNNING) arbitrates.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID int64) error {
	e.mu.Lock()
	if _, exists := e.running[workflowID]; exists {
		e.mu.Unlock()
		e.logger.Infof("Workflow %d is already executing, ignoring duplicate start", workflowID)
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.running[workflowID] = cancel
	e.mu.Unlock()
	metrics.WorkflowsRunning.Inc()

	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, workflowID)
		e.mu.Unlock()
		metrics.WorkflowsRunning.Dec()
	}()

	claimed, err := e.store.ClaimWorkflow(workflowID)
	if err != nil {
		return errors.Wrapf(err, "claim workflow %d", workflowID)
	}
	if !claimed {
		wf, getErr := e.store.GetWorkflow(workflowID)
		if getErr != nil {
			return getErr
		}
		return errors.Errorf("workflow %d not claimable in status %s", workflowID, wf.Status)
	}
	e.logger.Infof("Executing workflow %d", workflowID)

	loopErr := e.runLoop(loopCtx, workflowID)
	if loopErr != nil {
		// Loop-fatal fault: record it and force ERROR. A failure while
		// recording is swallowed, there is nowhere left to report it.
		e.logger.Errorf("Workflow %d loop fault: %v", workflowID, loopErr)
		if recErr := e.store.UpdateWorkflowFinalResult(workflowID, models.JSONMap{"error": loopErr.Error()}); recErr != nil {
			e.logger.Errorf("Failed to record loop fault on workflow %d: %v", workflowID, recErr)
		}
		if stErr := e.store.UpdateWorkflowStatus(workflowID, models.ErrorWorkflowStatus); stErr != nil {
			e.logger.Errorf("Failed to mark workflow %d as ERROR: %v", workflowID, stErr)
		}
		metrics.WorkflowsFinishedTotal.WithLabelValues(string(models.ErrorWorkflowStatus)).Inc()
		return loopErr
	}

	return e.finalizeWorkflow(workflowID)
}

// runLoop is the inner scheduler loop. It returns nil both on exhaustion
// and on observed cancellation; finalizeWorkflow sorts out the final state.
func (e *Engine) runLoop(ctx context.Context, workflowID int64) error {
	for iteration := 0; iteration < e.cfg.MaxIterations; iteration++ {
		wf, err := e.store.GetWorkflow(workflowID)
		if err != nil {
			return errors.Wrapf(err, "re-read workflow %d", workflowID)
		}
		if wf.Status == models.CancelledWorkflowStatus || ctx.Err() != nil {
			e.logger.Infof("Workflow %d cancelled, stopping loop", workflowID)
			return nil
		}

		ready, err := e.ReadyJobs(workflowID)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			progress, err := e.store.CountJobStatuses(workflowID)
			if err != nil {
				return err
			}
			if progress.Running > 0 {
				// Should not happen under this loop's serial execution;
				// guards against state mutated by an external executor.
				e.logger.Infof("Workflow %d: no ready jobs but %d running, waiting", workflowID, progress.Running)
				if !sleepCtx(ctx, e.cfg.RecoveryWait) {
					return nil
				}
				continue
			}
			return nil // DAG exhausted
		}

		for _, job := range ready {
			wf, err := e.store.GetWorkflow(workflowID)
			if err != nil {
				return errors.Wrapf(err, "re-read workflow %d", workflowID)
			}
			if wf.Status == models.CancelledWorkflowStatus || ctx.Err() != nil {
				e.logger.Infof("Workflow %d cancelled mid-batch, stopping loop", workflowID)
				return nil
			}
			if err := e.ExecuteJob(ctx, job.ID); err != nil {
				return err
			}
			if !sleepCtx(ctx, e.cfg.JobDelay) {
				return nil
			}
		}
	}
	e.logger.Errorf("Workflow %d hit the loop iteration ceiling (%d)", workflowID, e.cfg.MaxIterations)
	return nil
}

// finalizeWorkflow aggregates job statuses into the final workflow status
// and stores the terminal jobs as the workflow's final result.
func (e *Engine) finalizeWorkflow(workflowID int64) error {
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
	if wf.Status == models.CancelledWorkflowStatus {
		// The cancel request already settled the jobs and the workflow.
		metrics.WorkflowsFinishedTotal.WithLabelValues(string(models.CancelledWorkflowStatus)).Inc()
		return nil
	}

	progress, err := e.store.CountJobStatuses(workflowID)
	if err != nil {
		return err
	}
	final := models.CompleteWorkflowStatus
	if progress.Error > 0 || progress.Pending > 0 || progress.Running > 0 {
		final = models.ErrorWorkflowStatus
	}

	terminal, err := e.terminalJobs(workflowID)
	if err != nil {
		return err
	}
	entries := make([]interface{}, 0, len(terminal))
	for _, j := range terminal {
		entry := map[string]interface{}{
			"job_id":        j.ID,
			"template_id":   j.TemplateID,
			"round_number":  j.RoundNumber,
			"cluster_index": j.ClusterIndex,
			"result":        map[string]interface{}(j.Result),
		}
		if j.SortScore != nil {
			entry["sort_score"] = *j.SortScore
		}
		entries = append(entries, entry)
	}
	finalResult := models.JSONMap{"terminal_jobs": entries}
	if final == models.ErrorWorkflowStatus {
		finalResult["error"] = fmt.Sprintf("%d job(s) in error, %d unfinished", progress.Error, progress.Pending+progress.Running)
	}
	if err := e.store.UpdateWorkflowFinalResult(workflowID, finalResult); err != nil {
		return errors.Wrapf(err, "store final result of workflow %d", workflowID)
	}
	if err := e.setWorkflowStatus(workflowID, final); err != nil {
		return err
	}
	metrics.WorkflowsFinishedTotal.WithLabelValues(string(final)).Inc()
	e.logger.Infof("Workflow %d finished with status %s (%d complete, %d error)", workflowID, final, progress.Complete, progress.Error)
	return nil
}

// sleepCtx pauses for d, returning false if the context was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

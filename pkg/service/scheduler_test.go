package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmuse/ipflow/pkg/models"
)

func planTwoStageWorkflow(t *testing.T, f *fixture, targets int) (int64, []string) {
	t.Helper()
	f.addTargets("sector", "s", targets)
	wfID, err := f.engine.CreateWorkflow("run", models.TwoStageWorkflow, "sector", "s")
	require.NoError(t, err)
	ids, err := f.engine.PlanTwoStage(context.Background(), wfID, models.TwoStageConfig{
		StageTemplateID:     "rank",
		SynthesisTemplateID: "summarize",
		RankField:           "score",
	})
	require.NoError(t, err)
	return wfID, ids
}

func TestExecuteWorkflowZeroJobs(t *testing.T) {
	f := newFixture()
	wfID, err := f.engine.CreateWorkflow("empty", models.CustomWorkflow, "sector", "s")
	require.NoError(t, err)

	require.NoError(t, f.engine.ExecuteWorkflow(context.Background(), wfID))

	wf, err := f.engine.GetWorkflow(wfID)
	require.NoError(t, err)
	assert.Equal(t, models.CompleteWorkflowStatus, wf.Status)
	terminal, ok := wf.FinalResult["terminal_jobs"].([]interface{})
	require.True(t, ok)
	assert.Empty(t, terminal)
}

func TestExecuteWorkflowCompletes(t *testing.T) {
	f := newFixture()
	wfID, ids := planTwoStageWorkflow(t, f, 3)

	require.NoError(t, f.engine.ExecuteWorkflow(context.Background(), wfID))

	wf, err := f.engine.GetWorkflow(wfID)
	require.NoError(t, err)
	assert.Equal(t, models.CompleteWorkflowStatus, wf.Status)
	for _, j := range wf.Jobs {
		assert.Equal(t, models.CompleteJobStatus, j.Status)
	}
	assert.Equal(t, 4, f.llm.callCount())

	// Only the synthesis job has no downstream, so it alone is the final result.
	terminal, ok := wf.FinalResult["terminal_jobs"].([]interface{})
	require.True(t, ok)
	require.Len(t, terminal, 1)
	entry, ok := terminal[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, ids[3], entry["job_id"])
	assert.Equal(t, "summarize", entry["template_id"])
	assert.Equal(t, 2, entry["round_number"])
	assert.Equal(t, 87.5, entry["sort_score"])
	_, hasErr := wf.FinalResult["error"]
	assert.False(t, hasErr)

	results, err := f.engine.ListResults(wfID)
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func TestExecuteWorkflowAggregatesErrors(t *testing.T) {
	f := newFixture()
	f.llm.onCall = func(call int) {
		if call == 2 {
			f.llm.err = fmt.Errorf("model overloaded")
		} else {
			f.llm.err = nil
		}
	}
	wfID, _ := planTwoStageWorkflow(t, f, 2)

	require.NoError(t, f.engine.ExecuteWorkflow(context.Background(), wfID))

	wf, err := f.engine.GetWorkflow(wfID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorWorkflowStatus, wf.Status)

	progress, err := f.engine.Progress(wfID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Complete)
	assert.Equal(t, 1, progress.Error)
	assert.Equal(t, 1, progress.Pending) // the synthesis job never became ready

	errText, ok := wf.FinalResult["error"].(string)
	require.True(t, ok)
	assert.Contains(t, errText, "1 job(s) in error")
	assert.Contains(t, errText, "1 unfinished")

	// The completed stage job feeds the stalled synthesis, so nothing counts
	// as a terminal result.
	terminal, ok := wf.FinalResult["terminal_jobs"].([]interface{})
	require.True(t, ok)
	assert.Empty(t, terminal)
}

func TestExecuteWorkflowCancelMidRun(t *testing.T) {
	f := newFixture()
	wfID, _ := planTwoStageWorkflow(t, f, 3)
	f.llm.onCall = func(call int) {
		if call == 1 {
			require.NoError(t, f.engine.CancelWorkflow(wfID))
		}
	}

	require.NoError(t, f.engine.ExecuteWorkflow(context.Background(), wfID))

	wf, err := f.engine.GetWorkflow(wfID)
	require.NoError(t, err)
	assert.Equal(t, models.CancelledWorkflowStatus, wf.Status)
	// The in-flight job ran to completion; everything queued was cancelled
	// and nothing further was started.
	assert.Equal(t, 1, f.llm.callCount())
	progress, err := f.engine.Progress(wfID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Complete)
	assert.Equal(t, 3, progress.Cancelled)
}

func TestExecuteWorkflowClaim(t *testing.T) {
	f := newFixture()
	wfID, _ := planTwoStageWorkflow(t, f, 2)

	// A workflow already RUNNING elsewhere is not claimable.
	require.NoError(t, f.store.UpdateWorkflowStatus(wfID, models.RunningWorkflowStatus))
	err := f.engine.ExecuteWorkflow(context.Background(), wfID)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not claimable")
	assert.Equal(t, 0, f.llm.callCount())

	// An ERROR workflow is claimable again, which is the resume path.
	require.NoError(t, f.store.UpdateWorkflowStatus(wfID, models.ErrorWorkflowStatus))
	require.NoError(t, f.engine.ExecuteWorkflow(context.Background(), wfID))
	wf, err := f.engine.GetWorkflow(wfID)
	require.NoError(t, err)
	assert.Equal(t, models.CompleteWorkflowStatus, wf.Status)
}

func TestStartWorkflowRunsInBackground(t *testing.T) {
	f := newFixture()
	wfID, _ := planTwoStageWorkflow(t, f, 2)

	f.engine.StartWorkflow(wfID)

	deadline := time.After(5 * time.Second)
	for {
		wf, err := f.engine.GetWorkflow(wfID)
		require.NoError(t, err)
		if wf.Status == models.CompleteWorkflowStatus {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("workflow stuck in status %s", wf.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

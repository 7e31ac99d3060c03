package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmuse/ipflow/pkg/models"
	"github.com/sysmuse/ipflow/pkg/storage"
)

func TestExecuteJobSuccess(t *testing.T) {
	f := newFixture()
	wfID, err := f.engine.CreateWorkflow("exec", models.CustomWorkflow, "sector", "lasers")
	require.NoError(t, err)
	ids, err := f.engine.PlanCustom(wfID, []models.JobSpec{{
		TemplateID: "rank",
		TargetType: models.PatentGroupTarget,
		TargetIDs:  []string{"US1", "US2"},
		TargetData: map[string]interface{}{"rank_field": "score"},
	}})
	require.NoError(t, err)

	require.NoError(t, f.engine.ExecuteJob(context.Background(), ids[0]))

	job, err := f.engine.GetJob(ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.CompleteJobStatus, job.Status)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, 150, job.TokensUsed)
	assert.Equal(t, goodResponse, job.Result["raw"])
	fields, ok := job.Result["fields"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "solid group", fields["summary"])
	require.NotNil(t, job.SortScore)
	assert.Equal(t, 87.5, *job.SortScore)

	// The prompt saw the loaded corpus data and the scope's focus area.
	p := f.llm.prompt(0)
	assert.Contains(t, p, "Patent US1")
	assert.Contains(t, p, "Patent US2")
	assert.Contains(t, p, "lasers")
	assert.Contains(t, p, "Rank 2 patents")

	results, err := f.engine.ListResults(wfID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "lasers", results[0].ScopeID)
	assert.Equal(t, "", results[0].TargetID) // group jobs have no single target
}

func TestExecuteJobSingleTargetResultRecord(t *testing.T) {
	f := newFixture()
	wfID, err := f.engine.CreateWorkflow("single", models.CustomWorkflow, "sector", "lasers")
	require.NoError(t, err)
	ids, err := f.engine.PlanCustom(wfID, []models.JobSpec{{
		TemplateID: "rank",
		TargetType: models.PatentTarget,
		TargetIDs:  []string{"US42"},
	}})
	require.NoError(t, err)

	require.NoError(t, f.engine.ExecuteJob(context.Background(), ids[0]))

	results, err := f.engine.ListResults(wfID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "US42", results[0].TargetID)
}

func TestExecuteJobSummaryUsesUpstreamEdges(t *testing.T) {
	f := newFixture()
	wfID, err := f.engine.CreateWorkflow("summary", models.CustomWorkflow, "sector", "s")
	require.NoError(t, err)
	ids, err := f.engine.PlanCustom(wfID, []models.JobSpec{
		{TemplateID: "rank", TargetType: models.PatentGroupTarget, TargetIDs: []string{"US1"}},
		{TemplateID: "rank", TargetType: models.PatentGroupTarget, TargetIDs: []string{"US2"}},
		{TemplateID: "summarize", TargetType: models.SummaryGroupTarget, DependsOn: []int{0, 1},
			TargetData: map[string]interface{}{"rank_field": "score", "extra_context": "licensing angle"}},
	})
	require.NoError(t, err)

	score := 12.0
	require.NoError(t, f.store.CompleteJob(ids[0], models.JSONMap{"raw": "analysis-one"}, &score, 10))
	require.NoError(t, f.store.CompleteJob(ids[1], models.JSONMap{"raw": "analysis-two"}, nil, 10))

	require.NoError(t, f.engine.ExecuteJob(context.Background(), ids[2]))

	job, err := f.engine.GetJob(ids[2])
	require.NoError(t, err)
	assert.Equal(t, models.CompleteJobStatus, job.Status)

	p := f.llm.prompt(0)
	assert.Contains(t, p, "analysis-one")
	assert.Contains(t, p, "analysis-two")
	assert.Contains(t, p, "Combine 2 results")
	assert.Contains(t, p, "licensing angle")
}

func TestExecuteJobSummaryRejectsIncompleteUpstream(t *testing.T) {
	f := newFixture()
	wfID, err := f.engine.CreateWorkflow("early", models.CustomWorkflow, "sector", "s")
	require.NoError(t, err)
	ids, err := f.engine.PlanCustom(wfID, []models.JobSpec{
		{TemplateID: "rank", TargetType: models.PatentGroupTarget, TargetIDs: []string{"US1"}},
		{TemplateID: "summarize", TargetType: models.SummaryGroupTarget, DependsOn: []int{0}},
	})
	require.NoError(t, err)

	// Forcing the summary job without its upstream captures an execution
	// error instead of calling out.
	require.NoError(t, f.engine.ExecuteJob(context.Background(), ids[1]))

	job, err := f.engine.GetJob(ids[1])
	require.NoError(t, err)
	assert.Equal(t, models.ErrorJobStatus, job.Status)
	assert.Contains(t, job.ErrorMsg, "not COMPLETE")
	assert.Equal(t, 0, f.llm.callCount())
}

func TestExecuteJobCapturesCallFailure(t *testing.T) {
	f := newFixture()
	f.llm.err = fmt.Errorf("upstream 429")
	wfID, err := f.engine.CreateWorkflow("fail", models.CustomWorkflow, "sector", "s")
	require.NoError(t, err)
	ids, err := f.engine.PlanCustom(wfID, []models.JobSpec{{
		TemplateID: "rank", TargetType: models.PatentGroupTarget, TargetIDs: []string{"US1"},
	}})
	require.NoError(t, err)

	require.NoError(t, f.engine.ExecuteJob(context.Background(), ids[0]))

	job, err := f.engine.GetJob(ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.ErrorJobStatus, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Contains(t, job.ErrorMsg, "upstream 429")
	assert.Nil(t, job.Result)

	results, err := f.engine.ListResults(wfID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestExecuteJobCapturesParseFailure(t *testing.T) {
	f := newFixture()
	f.llm.response = "I cannot help with that."
	wfID, err := f.engine.CreateWorkflow("garbled", models.CustomWorkflow, "sector", "s")
	require.NoError(t, err)
	ids, err := f.engine.PlanCustom(wfID, []models.JobSpec{{
		TemplateID: "rank", TargetType: models.PatentGroupTarget, TargetIDs: []string{"US1"},
	}})
	require.NoError(t, err)

	require.NoError(t, f.engine.ExecuteJob(context.Background(), ids[0]))

	job, err := f.engine.GetJob(ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.ErrorJobStatus, job.Status)
	assert.Contains(t, job.ErrorMsg, "parse structured response")
}

func TestExecuteJobUnparseableScore(t *testing.T) {
	f := newFixture()
	f.llm.response = `{"summary": "fine", "score": "very high", "top_patents": "US1"}`
	wfID, err := f.engine.CreateWorkflow("noscore", models.CustomWorkflow, "sector", "s")
	require.NoError(t, err)
	ids, err := f.engine.PlanCustom(wfID, []models.JobSpec{{
		TemplateID: "rank",
		TargetType: models.PatentGroupTarget,
		TargetIDs:  []string{"US1"},
		TargetData: map[string]interface{}{"rank_field": "score"},
	}})
	require.NoError(t, err)

	require.NoError(t, f.engine.ExecuteJob(context.Background(), ids[0]))

	// A non-numeric rank value completes the job with no sort score.
	job, err := f.engine.GetJob(ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.CompleteJobStatus, job.Status)
	assert.Nil(t, job.SortScore)
}

func TestExecuteJobFreeformSkipsParsing(t *testing.T) {
	f := newFixture()
	f.llm.response = "Narrative synthesis across the portfolio."
	wfID, err := f.engine.CreateWorkflow("freeform", models.CustomWorkflow, "sector", "s")
	require.NoError(t, err)
	ids, err := f.engine.PlanCustom(wfID, []models.JobSpec{
		{TemplateID: "rank", TargetType: models.PatentGroupTarget, TargetIDs: []string{"US1"}},
		{TemplateID: "report", TargetType: models.SummaryGroupTarget, DependsOn: []int{0}},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteJob(ids[0], models.JSONMap{"raw": "upstream"}, nil, 5))

	require.NoError(t, f.engine.ExecuteJob(context.Background(), ids[1]))

	job, err := f.engine.GetJob(ids[1])
	require.NoError(t, err)
	assert.Equal(t, models.CompleteJobStatus, job.Status)
	assert.Equal(t, "Narrative synthesis across the portfolio.", job.Result["raw"])
	_, hasFields := job.Result["fields"]
	assert.False(t, hasFields)
}

func TestExecuteJobRejectsWrongStatus(t *testing.T) {
	f := newFixture()
	wfID, err := f.engine.CreateWorkflow("done", models.CustomWorkflow, "sector", "s")
	require.NoError(t, err)
	ids, err := f.engine.PlanCustom(wfID, []models.JobSpec{{
		TemplateID: "rank", TargetType: models.PatentGroupTarget, TargetIDs: []string{"US1"},
	}})
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteJob(ids[0], models.JSONMap{"raw": "done"}, nil, 5))

	err = f.engine.ExecuteJob(context.Background(), ids[0])
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cannot start")

	err = f.engine.ExecuteJob(context.Background(), "no-such-job")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

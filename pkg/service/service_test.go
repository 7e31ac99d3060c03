package service_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sysmuse/ipflow/pkg/llm"
	"github.com/sysmuse/ipflow/pkg/models"
	"github.com/sysmuse/ipflow/pkg/prompt"
	"github.com/sysmuse/ipflow/pkg/service"
	"github.com/sysmuse/ipflow/pkg/storage"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

// fakeScope serves a fixed target list per scope and synthesizes patent data.
type fakeScope struct {
	targets map[string][]string // "scopeType/scopeID" -> ordered target IDs
}

func (f *fakeScope) Resolve(ctx context.Context, scopeType, scopeID string) ([]string, error) {
	return f.targets[scopeType+"/"+scopeID], nil
}

func (f *fakeScope) Describe(scopeType, scopeID string) string {
	return scopeID
}

func (f *fakeScope) Load(ctx context.Context, targetIDs []string) (map[string]map[string]interface{}, error) {
	out := make(map[string]map[string]interface{}, len(targetIDs))
	for _, id := range targetIDs {
		out[id] = map[string]interface{}{"title": "Patent " + id, "abstract": "Abstract of " + id}
	}
	return out, nil
}

// fakeLLM returns a canned response and records every prompt it sees.
type fakeLLM struct {
	mu       sync.Mutex
	response string
	err      error
	onCall   func(call int) // invoked before answering, 1-based
	prompts  []string
}

func (f *fakeLLM) Call(ctx context.Context, promptText, model, systemMessage string) (*llm.Result, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, promptText)
	call := len(f.prompts)
	onCall := f.onCall
	f.mu.Unlock()
	if onCall != nil {
		onCall(call)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{RawText: f.response, InputTokens: 100, OutputTokens: 50}, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeLLM) prompt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[i]
}

const goodResponse = `{"summary": "solid group", "score": "87.5", "top_patents": "US1,US2"}`

func testTemplates() *prompt.Registry {
	return prompt.NewRegistry(
		prompt.Template{
			ID:   "rank",
			Mode: prompt.StructuredResponse,
			Questions: []prompt.Question{
				{Field: "summary", Text: "Summarize the group."},
				{Field: "score", Text: "Score 0-100."},
				{Field: "top_patents", Text: "Best candidates first."},
			},
			Text: "Rank {{TARGET_COUNT}} patents from {{FOCUS_AREA}}:\n{{TARGET_DATA}}",
		},
		prompt.Template{
			ID:   "summarize",
			Mode: prompt.StructuredResponse,
			Questions: []prompt.Question{
				{Field: "summary", Text: "Combine the analyses."},
				{Field: "score", Text: "Composite score."},
			},
			Text: "Combine {{SUMMARY_COUNT}} results:\n{{SUMMARY_DATA}}\n{{EXTRA_CONTEXT}}",
		},
		prompt.Template{
			ID:   "report",
			Mode: prompt.FreeformResponse,
			Text: "Final report over {{SUMMARY_COUNT}} inputs:\n{{SUMMARY_DATA}}",
		},
	)
}

type fixture struct {
	engine *service.Engine
	store  storage.Store
	scope  *fakeScope
	llm    *fakeLLM
}

func newFixture() *fixture {
	store := storage.NewMockStore()
	scopes := &fakeScope{targets: map[string][]string{}}
	client := &fakeLLM{response: goodResponse}
	engine := service.NewEngine(store, scopes, scopes, testTemplates(), client, logger{}, service.Config{
		Model:         "test-model",
		JobDelay:      0,
		RecoveryWait:  time.Millisecond,
		MaxIterations: 200,
	})
	return &fixture{engine: engine, store: store, scope: scopes, llm: client}
}

func (f *fixture) addTargets(scopeType, scopeID string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("US%04d", i+1)
	}
	f.scope.targets[scopeType+"/"+scopeID] = ids
	return ids
}

func TestCreateWorkflow(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		f := newFixture()
		id, err := f.engine.CreateWorkflow("semis Q3", models.TournamentWorkflow, "sector", "semiconductors")
		assert.NoError(t, err)
		wf, err := f.engine.GetWorkflow(id)
		assert.NoError(t, err)
		assert.Equal(t, "semis Q3", wf.Name)
		assert.Equal(t, models.TournamentWorkflow, wf.WorkflowType)
		assert.Equal(t, models.PendingWorkflowStatus, wf.Status)
		assert.Len(t, wf.Jobs, 0)
	})

	t.Run("EmptyName", func(t *testing.T) {
		f := newFixture()
		_, err := f.engine.CreateWorkflow("", models.CustomWorkflow, "sector", "s")
		assert.Error(t, err)
	})

	t.Run("InvalidType", func(t *testing.T) {
		f := newFixture()
		_, err := f.engine.CreateWorkflow("x", models.WorkflowType("bracket"), "sector", "s")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid workflow type")
	})
}

func TestRetryJob(t *testing.T) {
	planFailingJob := func(f *fixture, maxRetries int) (int64, string) {
		wfID, err := f.engine.CreateWorkflow("retry", models.CustomWorkflow, "sector", "s")
		assert.NoError(t, err)
		ids, err := f.engine.PlanCustom(wfID, []models.JobSpec{{
			TemplateID: "rank",
			TargetType: models.PatentGroupTarget,
			TargetIDs:  []string{"US1"},
			MaxRetries: maxRetries,
		}})
		assert.NoError(t, err)
		return wfID, ids[0]
	}

	t.Run("AcceptedBelowBudget", func(t *testing.T) {
		f := newFixture()
		f.llm.err = fmt.Errorf("rate limited")
		_, jobID := planFailingJob(f, 2)
		assert.NoError(t, f.engine.ExecuteJob(context.Background(), jobID))

		job, err := f.engine.GetJob(jobID)
		assert.NoError(t, err)
		assert.Equal(t, models.ErrorJobStatus, job.Status)
		assert.Equal(t, 1, job.RetryCount)
		assert.Contains(t, job.ErrorMsg, "rate limited")
		assert.NotNil(t, job.CompletedAt)

		assert.NoError(t, f.engine.RetryJob(jobID))
		job, err = f.engine.GetJob(jobID)
		assert.NoError(t, err)
		assert.Equal(t, models.PendingJobStatus, job.Status)
		assert.Equal(t, "", job.ErrorMsg)
		assert.Nil(t, job.Result)
		assert.Nil(t, job.SortScore)
		assert.Nil(t, job.StartedAt)
		assert.Nil(t, job.CompletedAt)
		assert.Equal(t, 1, job.RetryCount) // budget already spent stays spent
	})

	t.Run("RejectedAtBudget", func(t *testing.T) {
		f := newFixture()
		f.llm.err = fmt.Errorf("boom")
		_, jobID := planFailingJob(f, 1)
		assert.NoError(t, f.engine.ExecuteJob(context.Background(), jobID))

		err := f.engine.RetryJob(jobID)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "exhausted its retries")
	})

	t.Run("RejectedForNonErrorStatus", func(t *testing.T) {
		f := newFixture()
		_, jobID := planFailingJob(f, 2)
		err := f.engine.RetryJob(jobID) // still PENDING
		assert.Error(t, err)
	})
}

func TestDeleteWorkflow(t *testing.T) {
	f := newFixture()
	wfID, err := f.engine.CreateWorkflow("gone", models.CustomWorkflow, "sector", "s")
	assert.NoError(t, err)
	assert.NoError(t, f.engine.DeleteWorkflow(wfID))
	_, err = f.engine.GetWorkflow(wfID)
	assert.Error(t, err)
}

func TestCancelWorkflow(t *testing.T) {
	f := newFixture()
	wfID, err := f.engine.CreateWorkflow("cancel me", models.CustomWorkflow, "sector", "s")
	assert.NoError(t, err)
	_, err = f.engine.PlanCustom(wfID, []models.JobSpec{
		{TemplateID: "rank", TargetType: models.PatentGroupTarget, TargetIDs: []string{"US1"}},
		{TemplateID: "summarize", TargetType: models.SummaryGroupTarget, DependsOn: []int{0}},
	})
	assert.NoError(t, err)

	assert.NoError(t, f.engine.CancelWorkflow(wfID))

	wf, err := f.engine.GetWorkflow(wfID)
	assert.NoError(t, err)
	assert.Equal(t, models.CancelledWorkflowStatus, wf.Status)
	for _, j := range wf.Jobs {
		assert.Equal(t, models.CancelledJobStatus, j.Status)
	}

	// A resumed loop must not start anything: the claim is no longer winnable.
	err = f.engine.ExecuteWorkflow(context.Background(), wfID)
	assert.Error(t, err)
	assert.Equal(t, 0, f.llm.callCount())

	// Cancelling twice is an invalid transition.
	assert.Error(t, f.engine.CancelWorkflow(wfID))
}

package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sysmuse/ipflow/internal/metrics"
	"github.com/sysmuse/ipflow/pkg/models"
	"github.com/sysmuse/ipflow/pkg/prompt"
)

// ExecuteJob runs exactly one job to completion. Execution failures never
// escape: they are captured into the job row (ERROR status, message, retry
// count). The returned error is reserved for store faults that prevent the
// job from being loaded or transitioned at all.
func (e *Engine) ExecuteJob(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(jobID)
	if err != nil {
		return errors.Wrapf(err, "load job %s", jobID)
	}
	if !models.CanTransitionJob(job.Status, models.RunningJobStatus) {
		return errors.Errorf("job %s cannot start from status %s", jobID, job.Status)
	}
	if err := e.store.UpdateJobStatus(jobID, models.RunningJobStatus, ""); err != nil {
		return errors.Wrapf(err, "mark job %s running", jobID)
	}
	started := time.Now()

	result, execErr := e.runJob(ctx, job)
	if execErr != nil {
		e.logger.Errorf("Job %s failed: %v", jobID, execErr)
		if updateErr := e.store.UpdateJobStatus(jobID, models.ErrorJobStatus, execErr.Error()); updateErr != nil {
			e.logger.Errorf("Failed to record error on job %s: %v", jobID, updateErr)
		}
		metrics.JobsExecutedTotal.WithLabelValues(string(job.TargetType), "error").Inc()
		return nil
	}

	if err := e.store.CompleteJob(jobID, result.doc, result.sortScore, result.tokens); err != nil {
		e.logger.Errorf("Failed to persist result of job %s: %v", jobID, err)
		if updateErr := e.store.UpdateJobStatus(jobID, models.ErrorJobStatus, err.Error()); updateErr != nil {
			e.logger.Errorf("Failed to record error on job %s: %v", jobID, updateErr)
		}
		return nil
	}
	e.saveAnalysisResult(job, result)

	metrics.JobsExecutedTotal.WithLabelValues(string(job.TargetType), "complete").Inc()
	metrics.JobDurationSeconds.WithLabelValues(string(job.TargetType)).Observe(time.Since(started).Seconds())
	e.logger.Infof("Job %s completed in %s (%d tokens)", jobID, time.Since(started).Round(time.Millisecond), result.tokens)
	return nil
}

// jobOutcome is the persisted shape of a successful execution.
type jobOutcome struct {
	doc       models.JSONMap // raw text plus parsed fields
	fields    map[string]interface{}
	sortScore *float64
	tokens    int
}

// runJob resolves the prompt, makes the generative call and parses the
// response. Any error here is an execution error, captured by the caller.
func (e *Engine) runJob(ctx context.Context, job models.Job) (*jobOutcome, error) {
	tmpl, err := e.templates.Get(job.TemplateID)
	if err != nil {
		return nil, err
	}

	var promptText string
	switch job.TargetType {
	case models.PatentTarget, models.PatentGroupTarget:
		promptText, err = e.buildTargetPrompt(ctx, job, tmpl)
	case models.SummaryGroupTarget:
		promptText, err = e.buildSummaryPrompt(job, tmpl)
	default:
		err = errors.Errorf("unknown target type '%s'", job.TargetType)
	}
	if err != nil {
		return nil, err
	}

	callResult, err := e.llm.Call(ctx, promptText, e.cfg.Model, prompt.SystemMessage(tmpl.Mode))
	if err != nil {
		return nil, err
	}
	tokens := callResult.InputTokens + callResult.OutputTokens
	metrics.TokensUsedTotal.WithLabelValues("input").Add(float64(callResult.InputTokens))
	metrics.TokensUsedTotal.WithLabelValues("output").Add(float64(callResult.OutputTokens))

	doc := models.JSONMap{"raw": callResult.RawText}
	var fields map[string]interface{}
	if tmpl.Mode == prompt.StructuredResponse {
		fields, err = prompt.ParseStructured(callResult.RawText, tmpl.Questions)
		if err != nil {
			return nil, errors.Wrap(err, "parse structured response")
		}
		doc["fields"] = fields
	}

	outcome := &jobOutcome{doc: doc, fields: fields, tokens: tokens}
	if rankField, ok := job.TargetData["rank_field"].(string); ok && rankField != "" {
		outcome.sortScore = extractSortScore(fields, callResult.Response, rankField)
	}
	return outcome, nil
}

// buildTargetPrompt handles patent and patent_group jobs: target data comes
// from the corpus loader and the scope's focus area fills the context.
func (e *Engine) buildTargetPrompt(ctx context.Context, job models.Job, tmpl prompt.Template) (string, error) {
	wf, err := e.store.GetWorkflow(job.WorkflowID)
	if err != nil {
		return "", errors.Wrapf(err, "load workflow %d", job.WorkflowID)
	}
	targetData, err := e.loader.Load(ctx, job.TargetIDs)
	if err != nil {
		return "", errors.Wrap(err, "load target data")
	}
	contextFields := make(map[string]string)
	for k, v := range job.TargetData {
		if s, ok := v.(string); ok {
			contextFields[strings.ToUpper(k)] = s
		}
	}
	focus := e.scopes.Describe(wf.ScopeType, wf.ScopeID)
	return prompt.BuildTargetPrompt(tmpl, focus, job.TargetIDs, targetData, contextFields)
}

// buildSummaryPrompt handles summary_group jobs: upstream data is gathered
// through the dependency edges and substituted into the reserved
// placeholders.
func (e *Engine) buildSummaryPrompt(job models.Job, tmpl prompt.Template) (string, error) {
	upstream, err := e.upstreamResults(job)
	if err != nil {
		return "", errors.Wrap(err, "gather upstream results")
	}
	if len(upstream) == 0 {
		return "", errors.Errorf("summary job %s has no upstream jobs", job.ID)
	}
	inputs := make([]prompt.UpstreamResult, 0, len(upstream))
	for _, up := range upstream {
		if up.Status != models.CompleteJobStatus {
			return "", errors.Errorf("upstream job %s is %s, not COMPLETE", up.ID, up.Status)
		}
		inputs = append(inputs, prompt.UpstreamResult{
			JobID:        up.ID,
			RoundNumber:  up.RoundNumber,
			ClusterIndex: up.ClusterIndex,
			SortScore:    up.SortScore,
			Result:       up.Result,
		})
	}
	extraContext, _ := job.TargetData["extra_context"].(string)
	return prompt.BuildSummaryPrompt(tmpl, inputs, extraContext)
}

// saveAnalysisResult writes the secondary queryable record. Failures here
// are logged, not escalated: the job result itself is already durable.
func (e *Engine) saveAnalysisResult(job models.Job, outcome *jobOutcome) {
	wf, err := e.store.GetWorkflow(job.WorkflowID)
	if err != nil {
		e.logger.Errorf("Failed to load workflow %d for result record: %v", job.WorkflowID, err)
		return
	}
	rec := models.AnalysisResult{
		WorkflowID: job.WorkflowID,
		ScopeType:  wf.ScopeType,
		ScopeID:    wf.ScopeID,
		TemplateID: job.TemplateID,
		Result:     outcome.doc,
		SortScore:  outcome.sortScore,
		CreatedAt:  time.Now(),
	}
	if job.TargetType == models.PatentTarget && len(job.TargetIDs) == 1 {
		rec.TargetID = job.TargetIDs[0]
	}
	if err := e.store.SaveResult(rec); err != nil {
		e.logger.Errorf("Failed to save analysis result for job %s: %v", job.ID, err)
	}
}

// extractSortScore pulls a numeric rank out of the parsed fields (or the
// raw JSON response), accepting numbers and numeric strings. Anything
// unparseable leaves the score unset.
func extractSortScore(fields, response map[string]interface{}, rankField string) *float64 {
	value, ok := fields[rankField]
	if !ok {
		value, ok = response[rankField]
	}
	if !ok {
		return nil
	}
	switch v := value.(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return &f
		}
	}
	return nil
}

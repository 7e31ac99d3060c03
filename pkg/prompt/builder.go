package prompt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// UpstreamResult is one upstream job's stored output handed to a summary prompt.
type UpstreamResult struct {
	JobID        string                 `json:"job_id"`
	RoundNumber  int                    `json:"round_number"`
	ClusterIndex int                    `json:"cluster_index"`
	SortScore    *float64               `json:"sort_score,omitempty"`
	Result       map[string]interface{} `json:"result"`
}

// BuildTargetPrompt renders a template against literal targets: the target
// records are serialized into the target-data placeholder and the scope's
// focus area fills the focus placeholder.
func BuildTargetPrompt(tmpl Template, focusArea string, targetIDs []string, targetData map[string]map[string]interface{}, contextFields map[string]string) (string, error) {
	if len(targetIDs) == 0 {
		return "", errors.New("no targets to build prompt for")
	}
	records := make([]map[string]interface{}, 0, len(targetIDs))
	for _, id := range targetIDs {
		rec := map[string]interface{}{"id": id}
		for k, v := range targetData[id] {
			rec[k] = v
		}
		records = append(records, rec)
	}
	serialized, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "serialize target data")
	}

	text := tmpl.Text
	text = strings.ReplaceAll(text, TargetDataPlaceholder, string(serialized))
	text = strings.ReplaceAll(text, TargetCountPlaceholder, strconv.Itoa(len(targetIDs)))
	text = strings.ReplaceAll(text, FocusAreaPlaceholder, focusArea)
	for k, v := range contextFields {
		text = strings.ReplaceAll(text, "{{"+k+"}}", v)
	}
	text = strings.ReplaceAll(text, ExtraContextPlaceholder, "")
	return appendQuestions(text, tmpl), nil
}

// BuildSummaryPrompt renders a template against upstream job results,
// substituting the reserved summary-data and summary-count placeholders.
func BuildSummaryPrompt(tmpl Template, upstream []UpstreamResult, extraContext string) (string, error) {
	if len(upstream) == 0 {
		return "", errors.New("no upstream results to summarize")
	}
	serialized, err := json.MarshalIndent(upstream, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "serialize upstream results")
	}

	text := tmpl.Text
	text = strings.ReplaceAll(text, SummaryDataPlaceholder, string(serialized))
	text = strings.ReplaceAll(text, SummaryCountPlaceholder, strconv.Itoa(len(upstream)))
	if extraContext != "" {
		if strings.Contains(text, ExtraContextPlaceholder) {
			text = strings.ReplaceAll(text, ExtraContextPlaceholder, extraContext)
		} else {
			text = text + "\n" + extraContext
		}
	} else {
		text = strings.ReplaceAll(text, ExtraContextPlaceholder, "")
	}
	return appendQuestions(text, tmpl), nil
}

// appendQuestions lists the declared fields of a structured template so the
// model knows exactly which keys to answer with.
func appendQuestions(text string, tmpl Template) string {
	if tmpl.Mode != StructuredResponse || len(tmpl.Questions) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\nAnswer the following as JSON fields:\n")
	for _, q := range tmpl.Questions {
		fmt.Fprintf(&b, "- %s: %s\n", q.Field, q.Text)
	}
	return b.String()
}

package prompt

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ResponseMode tells the engine how to treat the raw model response.
type ResponseMode string

const (
	StructuredResponse ResponseMode = "structured" // Declared fields parsed out of the response
	FreeformResponse   ResponseMode = "freeform"   // Raw text stored as-is
)

// Reserved placeholders recognized inside template text.
const (
	SummaryDataPlaceholder  = "{{SUMMARY_DATA}}"  // Serialized upstream job results
	SummaryCountPlaceholder = "{{SUMMARY_COUNT}}" // Number of upstream results
	TargetDataPlaceholder   = "{{TARGET_DATA}}"   // Serialized target (patent) records
	TargetCountPlaceholder  = "{{TARGET_COUNT}}"  // Number of targets
	FocusAreaPlaceholder    = "{{FOCUS_AREA}}"    // Scope-level contextual entity
	ExtraContextPlaceholder = "{{EXTRA_CONTEXT}}" // Caller-supplied extra context text
)

// Question declares one field a structured template expects in its response.
type Question struct {
	Field string `yaml:"field" json:"field"` // Machine name, used as the parsed result key
	Text  string `yaml:"text" json:"text"`   // Question put to the model
}

// Template is one generative-call template: prompt text with placeholders
// plus the declared response contract.
type Template struct {
	ID        string       `yaml:"id" json:"id"`
	Mode      ResponseMode `yaml:"mode" json:"mode"`
	Questions []Question   `yaml:"questions,omitempty" json:"questions,omitempty"`
	Text      string       `yaml:"text" json:"text"`
}

// Source resolves template identifiers to templates.
type Source interface {
	Get(id string) (Template, error)
}

// Registry is an in-memory Source.
type Registry struct {
	templates map[string]Template
}

// NewRegistry builds a registry from the given templates, later entries
// overriding earlier ones with the same ID.
func NewRegistry(templates ...Template) *Registry {
	r := &Registry{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		r.templates[t.ID] = t
	}
	return r
}

func (r *Registry) Get(id string) (Template, error) {
	t, ok := r.templates[id]
	if !ok {
		return Template{}, errors.Errorf("template '%s' not registered", id)
	}
	return t, nil
}

// Add registers or replaces a template.
func (r *Registry) Add(t Template) {
	r.templates[t.ID] = t
}

// LoadFile reads template definitions from a YAML file and merges them
// into the registry on top of any defaults already present.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read template file %s", path)
	}
	var doc struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrapf(err, "parse template file %s", path)
	}
	for _, t := range doc.Templates {
		if t.ID == "" {
			return errors.Errorf("template without id in %s", path)
		}
		if t.Mode == "" {
			t.Mode = FreeformResponse
		}
		r.templates[t.ID] = t
	}
	return nil
}

// SystemMessage returns the system message appropriate to a response mode.
func SystemMessage(mode ResponseMode) string {
	if mode == StructuredResponse {
		return "You are a patent analysis assistant. Answer every question that is asked " +
			"and respond with a single JSON object whose keys are the requested field names. " +
			"Do not include any text outside the JSON object."
	}
	return "You are a patent analysis assistant. Provide a thorough, well-organized analysis in plain text."
}

// DefaultRegistry returns the built-in tournament and two-stage templates.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Template{
			ID:   "patent_rank",
			Mode: StructuredResponse,
			Questions: []Question{
				{Field: "summary", Text: "Summarize the strongest patents in this group and why they stand out."},
				{Field: "score", Text: "Give a composite strength score between 0 and 100 for the group leader."},
				{Field: "top_patents", Text: "List the patent identifiers of the strongest candidates, best first."},
			},
			Text: "Evaluate the following {{TARGET_COUNT}} patents from the {{FOCUS_AREA}} sector " +
				"and rank them by commercial strength.\n\n{{TARGET_DATA}}\n",
		},
		Template{
			ID:   "patent_analysis",
			Mode: StructuredResponse,
			Questions: []Question{
				{Field: "summary", Text: "Summarize the claimed invention."},
				{Field: "score", Text: "Give a strength score between 0 and 100."},
			},
			Text: "Analyze the following patent in depth.\n\n{{TARGET_DATA}}\n",
		},
		Template{
			ID:   "summary_rank",
			Mode: StructuredResponse,
			Questions: []Question{
				{Field: "summary", Text: "Synthesize the upstream analyses and identify the strongest candidates overall."},
				{Field: "score", Text: "Give a composite score between 0 and 100 for the leading candidate."},
				{Field: "top_patents", Text: "List the patent identifiers of the strongest candidates, best first."},
			},
			Text: "You are given {{SUMMARY_COUNT}} prior analysis results. Combine them and advance " +
				"the strongest candidates.\n\n{{SUMMARY_DATA}}\n{{EXTRA_CONTEXT}}",
		},
		Template{
			ID:   "final_synthesis",
			Mode: FreeformResponse,
			Text: "Write a final synthesis report over these {{SUMMARY_COUNT}} analysis " +
				"results.\n\n{{SUMMARY_DATA}}\n{{EXTRA_CONTEXT}}",
		},
	)
}

package prompt

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ParseStructured extracts the declared fields of a structured template
// from a raw model response. It first tries the response as JSON (tolerating
// surrounding prose), then falls back to "Field: value" labeled lines.
func ParseStructured(raw string, questions []Question) (map[string]interface{}, error) {
	if len(questions) == 0 {
		return nil, errors.New("no fields declared")
	}

	if doc, ok := extractJSON(raw); ok {
		fields := make(map[string]interface{}, len(questions))
		for _, q := range questions {
			if v, present := doc[q.Field]; present {
				fields[q.Field] = v
			}
		}
		if len(fields) > 0 {
			return fields, nil
		}
	}

	fields := make(map[string]interface{})
	for _, line := range strings.Split(raw, "\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(strings.Trim(name, "-* ")))
		for _, q := range questions {
			if strings.ToLower(q.Field) == name {
				fields[q.Field] = strings.TrimSpace(value)
			}
		}
	}
	if len(fields) == 0 {
		return nil, errors.New("no declared fields found in response")
	}
	return fields, nil
}

// extractJSON finds the outermost JSON object in a response that may wrap it
// in markdown fences or prose.
func extractJSON(raw string) (map[string]interface{}, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &doc); err != nil {
		return nil, false
	}
	return doc, true
}

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// schemaDoc is the subset of JSON Schema response validation enforces:
// a top-level type and the required key list. Anything else in the
// document is carried but not checked.
type schemaDoc struct {
	Type     string   `json:"type"`
	Required []string `json:"required"`
}

// parseSchemaDoc decodes a schema document. A malformed document is a
// configuration error, not a model error, so callers must not send it
// into the repair loop.
func parseSchemaDoc(doc json.RawMessage) (*schemaDoc, error) {
	if len(doc) == 0 {
		return nil, fmt.Errorf("schema document is empty")
	}
	var sd schemaDoc
	if err := json.Unmarshal(doc, &sd); err != nil {
		return nil, fmt.Errorf("parse schema document: %w", err)
	}
	return &sd, nil
}

// validate checks parsed provider output against the schema. The error
// text is written into the repair prompt and, on a second failure, into
// the article's summary_error, so it is phrased for both audiences.
func (sd *schemaDoc) validate(parsed json.RawMessage) error {
	if parsed == nil {
		return fmt.Errorf("output is not valid JSON")
	}
	if sd.Type != "object" && len(sd.Required) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(parsed, &obj); err != nil {
		return fmt.Errorf("output is not a JSON object")
	}
	var missing []string
	for _, key := range sd.Required {
		if _, ok := obj[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("output is missing required keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

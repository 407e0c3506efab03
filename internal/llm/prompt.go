package llm

import (
	"encoding/json"
	"strings"

	"github.com/sempervigil/sempervigil/internal/types"
)

// RenderTemplate substitutes {{name}} placeholders from vars. Unknown
// placeholders are left verbatim so a typo is visible in the output
// instead of silently vanishing.
func RenderTemplate(tmpl string, vars map[string]string) string {
	if tmpl == "" || len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// renderMessages materializes a prompt pair for one input. The standard
// placeholder is {{input}}.
func renderMessages(p *types.LLMPrompt, input string) (system, user string) {
	vars := map[string]string{"input": input}
	return RenderTemplate(p.SystemTemplate, vars), RenderTemplate(p.UserTemplate, vars)
}

// maybeJSON returns raw as a JSON document when it parses, nil
// otherwise.
func maybeJSON(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return nil
	}
	return json.RawMessage(trimmed)
}

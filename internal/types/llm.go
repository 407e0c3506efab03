package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// LLMProviderKind selects the wire protocol used to reach a provider.
type LLMProviderKind string

const (
	ProviderOpenAICompatible LLMProviderKind = "openai_compatible"
	ProviderAnthropic        LLMProviderKind = "anthropic"
)

// LLMProvider is one configured upstream model host.
type LLMProvider struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Kind      LLMProviderKind `json:"kind"`
	BaseURL   string          `json:"base_url,omitempty"`
	SecretID  string          `json:"secret_id,omitempty"`
	Enabled   bool            `json:"enabled"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate checks provider fields before persisting.
func (p *LLMProvider) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	switch p.Kind {
	case ProviderOpenAICompatible:
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: openai_compatible requires base_url", p.ID)
		}
	case ProviderAnthropic:
	default:
		return fmt.Errorf("provider %s: unknown kind %q", p.ID, p.Kind)
	}
	return nil
}

// LLMSecret is a wrapped provider API key. Ciphertext is AES-256-GCM with
// a per-record nonce; only Last4 of the plaintext is ever displayed.
type LLMSecret struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Ciphertext []byte    `json:"-"`
	Nonce      []byte    `json:"-"`
	KeyID      string    `json:"key_id"`
	Last4      string    `json:"last4"`
	CreatedAt  time.Time `json:"created_at"`
}

// LLMModel names one model offered by a provider.
type LLMModel struct {
	ID         string `json:"id"`
	ProviderID string `json:"provider_id"`
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`
}

// LLMPrompt is a versioned prompt template pair. Templates use
// {{placeholder}} substitution.
type LLMPrompt struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	SystemTemplate string `json:"system_template,omitempty"`
	UserTemplate   string `json:"user_template"`
	Version        int    `json:"version"`
}

// LLMSchema is a JSON Schema document a profile can require responses
// to satisfy.
type LLMSchema struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Document json.RawMessage `json:"document"`
}

// LLMParams are the generation parameters forwarded to providers.
// Nil fields are omitted from requests.
type LLMParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Seed        *int     `json:"seed,omitempty"`
}

// LLMProfile binds provider, model, prompt, optional response schema, and
// params into one routable unit. FallbackProfileID, when set, names the
// profile tried after this one fails.
type LLMProfile struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	ProviderID        string    `json:"provider_id"`
	ModelID           string    `json:"model_id"`
	PromptID          string    `json:"prompt_id"`
	SchemaID          string    `json:"schema_id,omitempty"`
	Params            LLMParams `json:"params"`
	FallbackProfileID string    `json:"fallback_profile_id,omitempty"`
	Enabled           bool      `json:"enabled"`
}

// LLMRun is one append-only journal row per provider call, success or not.
type LLMRun struct {
	ID               int64     `json:"id"`
	TS               time.Time `json:"ts"`
	Stage            string    `json:"stage"`
	ProfileID        string    `json:"profile_id"`
	ProviderID       string    `json:"provider_id"`
	ModelID          string    `json:"model_id"`
	PromptName       string    `json:"prompt_name,omitempty"`
	LatencyMS        int64     `json:"latency_ms"`
	OK               bool      `json:"ok"`
	Error            string    `json:"error,omitempty"`
	PromptTokens     *int64    `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64    `json:"completion_tokens,omitempty"`
}

// LLMRunFilter narrows ListLLMRuns. Zero values are ignored.
type LLMRunFilter struct {
	Stage     string     `json:"stage,omitempty"`
	ProfileID string     `json:"profile_id,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// Pipeline stage names routed to LLM profiles.
const (
	StageSummarizeArticle = "summarize_article"
	StageExtractEntities  = "extract_entities"
)

// KnownStages lists the stages that accept a profile route.
var KnownStages = []string{StageSummarizeArticle, StageExtractEntities}

// KnownStage reports whether s names a routable pipeline stage.
func KnownStage(s string) bool {
	for _, k := range KnownStages {
		if s == k {
			return true
		}
	}
	return false
}

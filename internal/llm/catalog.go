package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sempervigil/sempervigil/internal/types"
)

// Catalog is the TOML document `sv llm import` consumes. It seeds the
// whole admin model in one file:
//
//	[[providers]]
//	id = "openai"
//	kind = "openai_compatible"
//	base_url = "https://api.openai.com/v1"
//	api_key_env = "OPENAI_API_KEY"
//
//	[[models]]
//	id = "gpt-4o-mini"
//	provider = "openai"
//	name = "gpt-4o-mini"
//
//	[[prompts]]
//	id = "summarize-v1"
//	name = "summarize_article"
//	user = "Summarize:\n{{input}}"
//
//	[[profiles]]
//	id = "summarize-default"
//	provider = "openai"
//	model = "gpt-4o-mini"
//	prompt = "summarize-v1"
//
//	[routes]
//	summarize_article = "summarize-default"
//
// API keys never appear in the file: api_key_env names the environment
// variable read at import time, and the value is wrapped before it is
// stored.
type Catalog struct {
	Providers []CatalogProvider `toml:"providers"`
	Models    []CatalogModel    `toml:"models"`
	Prompts   []CatalogPrompt   `toml:"prompts"`
	Schemas   []CatalogSchema   `toml:"schemas"`
	Profiles  []CatalogProfile  `toml:"profiles"`
	Routes    map[string]string `toml:"routes"`
}

// CatalogProvider declares one upstream host. Enabled defaults to true.
type CatalogProvider struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	Kind      string `toml:"kind"`
	BaseURL   string `toml:"base_url"`
	APIKeyEnv string `toml:"api_key_env"`
	Enabled   *bool  `toml:"enabled"`
}

type CatalogModel struct {
	ID       string `toml:"id"`
	Provider string `toml:"provider"`
	Name     string `toml:"name"`
	Enabled  *bool  `toml:"enabled"`
}

type CatalogPrompt struct {
	ID     string `toml:"id"`
	Name   string `toml:"name"`
	System string `toml:"system"`
	User   string `toml:"user"`
}

// CatalogSchema carries the JSON Schema document as a TOML string.
type CatalogSchema struct {
	ID       string `toml:"id"`
	Name     string `toml:"name"`
	Document string `toml:"document"`
}

type CatalogProfile struct {
	ID       string        `toml:"id"`
	Name     string        `toml:"name"`
	Provider string        `toml:"provider"`
	Model    string        `toml:"model"`
	Prompt   string        `toml:"prompt"`
	Schema   string        `toml:"schema"`
	Fallback string        `toml:"fallback"`
	Params   CatalogParams `toml:"params"`
	Enabled  *bool         `toml:"enabled"`
}

type CatalogParams struct {
	Temperature *float64 `toml:"temperature"`
	MaxTokens   *int     `toml:"max_tokens"`
	TopP        *float64 `toml:"top_p"`
	Seed        *int     `toml:"seed"`
}

// ImportResult counts what an import wrote.
type ImportResult struct {
	Providers int `json:"providers"`
	Secrets   int `json:"secrets"`
	Models    int `json:"models"`
	Prompts   int `json:"prompts"`
	Schemas   int `json:"schemas"`
	Profiles  int `json:"profiles"`
	Routes    int `json:"routes"`
}

// LoadCatalog reads and statically validates a catalog file. Unknown
// keys fail the load so typos surface instead of silently dropping
// configuration.
func LoadCatalog(path string) (*Catalog, error) {
	var c Catalog
	meta, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, types.Tagf(types.KindValidation,
			"catalog %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks the catalog's internal consistency. References to
// rows that already exist in the database are checked at import time.
func (c *Catalog) Validate() error {
	if len(c.Providers)+len(c.Models)+len(c.Prompts)+len(c.Schemas)+len(c.Profiles)+len(c.Routes) == 0 {
		return types.Tagf(types.KindValidation, "catalog defines nothing")
	}
	for i, p := range c.Providers {
		if p.ID == "" {
			return types.Tagf(types.KindValidation, "providers[%d]: id is required", i)
		}
		switch types.LLMProviderKind(p.Kind) {
		case types.ProviderOpenAICompatible:
			if p.BaseURL == "" {
				return types.Tagf(types.KindValidation, "provider %s: openai_compatible requires base_url", p.ID)
			}
		case types.ProviderAnthropic:
		default:
			return types.Tagf(types.KindValidation, "provider %s: unknown kind %q", p.ID, p.Kind)
		}
	}
	for i, m := range c.Models {
		if m.ID == "" || m.Provider == "" {
			return types.Tagf(types.KindValidation, "models[%d]: id and provider are required", i)
		}
	}
	for i, p := range c.Prompts {
		if p.ID == "" {
			return types.Tagf(types.KindValidation, "prompts[%d]: id is required", i)
		}
		if p.User == "" {
			return types.Tagf(types.KindValidation, "prompt %s: user template is required", p.ID)
		}
	}
	for i, s := range c.Schemas {
		if s.ID == "" {
			return types.Tagf(types.KindValidation, "schemas[%d]: id is required", i)
		}
		if !json.Valid([]byte(s.Document)) {
			return types.Tagf(types.KindValidation, "schema %s: document is not valid JSON", s.ID)
		}
	}
	for i, p := range c.Profiles {
		if p.ID == "" {
			return types.Tagf(types.KindValidation, "profiles[%d]: id is required", i)
		}
		if p.Provider == "" || p.Model == "" || p.Prompt == "" {
			return types.Tagf(types.KindValidation, "profile %s: provider, model, and prompt are required", p.ID)
		}
	}
	for stage, profile := range c.Routes {
		if !types.KnownStage(stage) {
			return types.Tagf(types.KindValidation,
				"route %s: unknown stage (known: %s)", stage, strings.Join(types.KnownStages, ", "))
		}
		if profile == "" {
			return types.Tagf(types.KindValidation, "route %s: profile id is required", stage)
		}
	}
	return nil
}

// ImportCatalog upserts the catalog into the admin model. All
// references are resolved before the first write, against the catalog
// itself and then the database, so a bad file changes nothing.
// Providers whose api_key_env holds a value get their key wrapped and
// stored; re-imports without the env variable keep the existing secret.
func (r *Router) ImportCatalog(ctx context.Context, c *Catalog) (*ImportResult, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := r.resolveCatalogRefs(ctx, c); err != nil {
		return nil, err
	}

	res := &ImportResult{}
	for _, cp := range c.Prompts {
		prompt := &types.LLMPrompt{
			ID:             cp.ID,
			Name:           cp.Name,
			SystemTemplate: cp.System,
			UserTemplate:   cp.User,
		}
		if err := r.store.UpsertLLMPrompt(ctx, prompt); err != nil {
			return nil, err
		}
		res.Prompts++
	}
	for _, cs := range c.Schemas {
		schema := &types.LLMSchema{ID: cs.ID, Name: cs.Name, Document: json.RawMessage(cs.Document)}
		if err := r.store.UpsertLLMSchema(ctx, schema); err != nil {
			return nil, err
		}
		res.Schemas++
	}
	for _, cp := range c.Providers {
		provider := &types.LLMProvider{
			ID:        cp.ID,
			Name:      cp.Name,
			Kind:      types.LLMProviderKind(cp.Kind),
			BaseURL:   cp.BaseURL,
			Enabled:   cp.Enabled == nil || *cp.Enabled,
			CreatedAt: time.Now().UTC(),
		}
		wrapped, err := r.importProviderSecret(ctx, provider, cp.APIKeyEnv)
		if err != nil {
			return nil, err
		}
		if wrapped {
			res.Secrets++
		}
		if err := r.store.UpsertLLMProvider(ctx, provider); err != nil {
			return nil, err
		}
		res.Providers++
	}
	for _, cm := range c.Models {
		model := &types.LLMModel{
			ID:         cm.ID,
			ProviderID: cm.Provider,
			Name:       cm.Name,
			Enabled:    cm.Enabled == nil || *cm.Enabled,
		}
		if model.Name == "" {
			model.Name = model.ID
		}
		if err := r.store.UpsertLLMModel(ctx, model); err != nil {
			return nil, err
		}
		res.Models++
	}
	for _, cp := range c.Profiles {
		profile := &types.LLMProfile{
			ID:                cp.ID,
			Name:              cp.Name,
			ProviderID:        cp.Provider,
			ModelID:           cp.Model,
			PromptID:          cp.Prompt,
			SchemaID:          cp.Schema,
			FallbackProfileID: cp.Fallback,
			Params: types.LLMParams{
				Temperature: cp.Params.Temperature,
				MaxTokens:   cp.Params.MaxTokens,
				TopP:        cp.Params.TopP,
				Seed:        cp.Params.Seed,
			},
			Enabled: cp.Enabled == nil || *cp.Enabled,
		}
		if err := r.store.UpsertLLMProfile(ctx, profile); err != nil {
			return nil, err
		}
		res.Profiles++
	}
	for stage, profileID := range c.Routes {
		if err := r.store.SetStageRoute(ctx, stage, profileID); err != nil {
			return nil, err
		}
		res.Routes++
	}
	r.log.Info("llm catalog imported",
		"providers", res.Providers, "secrets", res.Secrets, "models", res.Models,
		"prompts", res.Prompts, "schemas", res.Schemas, "profiles", res.Profiles,
		"routes", res.Routes)
	return res, nil
}

// importProviderSecret wraps the key named by apiKeyEnv onto the
// provider. An unset or empty variable keeps whatever secret the stored
// provider already has.
func (r *Router) importProviderSecret(ctx context.Context, provider *types.LLMProvider, apiKeyEnv string) (bool, error) {
	key := ""
	if apiKeyEnv != "" {
		key = os.Getenv(apiKeyEnv)
	}
	if key == "" {
		existing, err := r.store.GetLLMProvider(ctx, provider.ID)
		if err == nil {
			provider.SecretID = existing.SecretID
			provider.CreatedAt = existing.CreatedAt
		}
		return false, nil
	}
	if r.box == nil {
		return false, types.Tagf(types.KindValidation,
			"provider %s: %s is set but the master key is not (SV_LLM_MASTER_KEY)", provider.ID, apiKeyEnv)
	}
	sec, err := r.box.Wrap(provider.ID+" api key", key)
	if err != nil {
		return false, err
	}
	if err := r.store.PutLLMSecret(ctx, sec); err != nil {
		return false, err
	}
	provider.SecretID = sec.ID
	return true, nil
}

// resolveCatalogRefs checks every cross-reference against the catalog
// first, then the database.
func (r *Router) resolveCatalogRefs(ctx context.Context, c *Catalog) error {
	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		providers[p.ID] = true
	}
	models := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		models[m.ID] = true
	}
	prompts := make(map[string]bool, len(c.Prompts))
	for _, p := range c.Prompts {
		prompts[p.ID] = true
	}
	schemas := make(map[string]bool, len(c.Schemas))
	for _, s := range c.Schemas {
		schemas[s.ID] = true
	}
	profiles := make(map[string]bool, len(c.Profiles))
	for _, p := range c.Profiles {
		profiles[p.ID] = true
	}

	knownProvider := func(id string) bool {
		if providers[id] {
			return true
		}
		_, err := r.store.GetLLMProvider(ctx, id)
		return err == nil
	}

	for _, m := range c.Models {
		if !knownProvider(m.Provider) {
			return types.Tagf(types.KindValidation, "model %s references unknown provider %s", m.ID, m.Provider)
		}
	}
	for _, p := range c.Profiles {
		if !knownProvider(p.Provider) {
			return types.Tagf(types.KindValidation, "profile %s references unknown provider %s", p.ID, p.Provider)
		}
		if !models[p.Model] {
			if _, err := r.store.GetLLMModel(ctx, p.Model); err != nil {
				return types.Tagf(types.KindValidation, "profile %s references unknown model %s", p.ID, p.Model)
			}
		}
		if !prompts[p.Prompt] {
			if _, err := r.store.GetLLMPrompt(ctx, p.Prompt); err != nil {
				return types.Tagf(types.KindValidation, "profile %s references unknown prompt %s", p.ID, p.Prompt)
			}
		}
		if p.Schema != "" && !schemas[p.Schema] {
			if _, err := r.store.GetLLMSchema(ctx, p.Schema); err != nil {
				return types.Tagf(types.KindValidation, "profile %s references unknown schema %s", p.ID, p.Schema)
			}
		}
		if p.Fallback != "" && !profiles[p.Fallback] {
			if _, err := r.store.GetLLMProfile(ctx, p.Fallback); err != nil {
				return types.Tagf(types.KindValidation, "profile %s references unknown fallback profile %s", p.ID, p.Fallback)
			}
		}
	}
	for stage, profileID := range c.Routes {
		if !profiles[profileID] {
			if _, err := r.store.GetLLMProfile(ctx, profileID); err != nil {
				return types.Tagf(types.KindValidation, "route %s references unknown profile %s", stage, profileID)
			}
		}
	}
	return nil
}

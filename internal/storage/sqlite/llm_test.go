package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// TestLLMProviderCRUD exercises the provider table round-trip and delete.
func TestLLMProviderCRUD(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	p := &types.LLMProvider{
		ID:       "local",
		Name:     "Local Ollama",
		Kind:     types.ProviderOpenAICompatible,
		BaseURL:  "http://127.0.0.1:11434/v1",
		SecretID: "sec-1",
		Enabled:  true,
	}
	if err := store.UpsertLLMProvider(ctx, p); err != nil {
		t.Fatalf("UpsertLLMProvider failed: %v", err)
	}

	got, err := store.GetLLMProvider(ctx, "local")
	if err != nil {
		t.Fatalf("GetLLMProvider failed: %v", err)
	}
	if got.Kind != types.ProviderOpenAICompatible || got.BaseURL != p.BaseURL || !got.Enabled {
		t.Errorf("provider did not round-trip: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected created_at defaulted")
	}

	// Re-upsert keeps created_at.
	created := got.CreatedAt
	p.Name = "Local"
	if err := store.UpsertLLMProvider(ctx, p); err != nil {
		t.Fatalf("second UpsertLLMProvider failed: %v", err)
	}
	got, err = store.GetLLMProvider(ctx, "local")
	if err != nil {
		t.Fatalf("GetLLMProvider failed: %v", err)
	}
	if got.Name != "Local" || !got.CreatedAt.Equal(created) {
		t.Errorf("expected name updated and created_at kept, got %+v", got)
	}

	list, err := store.ListLLMProviders(ctx)
	if err != nil {
		t.Fatalf("ListLLMProviders failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 provider, got %d", len(list))
	}

	if err := store.DeleteLLMProvider(ctx, "local"); err != nil {
		t.Fatalf("DeleteLLMProvider failed: %v", err)
	}
	if err := store.DeleteLLMProvider(ctx, "local"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}

	bad := &types.LLMProvider{ID: "x", Kind: types.ProviderOpenAICompatible}
	if err := store.UpsertLLMProvider(ctx, bad); err == nil {
		t.Error("expected openai_compatible without base_url to be rejected")
	}
}

// TestLLMSecretStorage verifies only wrapped key material is accepted.
func TestLLMSecretStorage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sec := &types.LLMSecret{
		ID:         "sec-1",
		Name:       "prod key",
		Ciphertext: []byte{0x01, 0x02, 0x03},
		Nonce:      []byte{0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15},
		KeyID:      "master-1",
		Last4:      "a9f3",
	}
	if err := store.PutLLMSecret(ctx, sec); err != nil {
		t.Fatalf("PutLLMSecret failed: %v", err)
	}

	got, err := store.GetLLMSecret(ctx, "sec-1")
	if err != nil {
		t.Fatalf("GetLLMSecret failed: %v", err)
	}
	if string(got.Ciphertext) != string(sec.Ciphertext) || len(got.Nonce) != 12 {
		t.Errorf("wrapped key did not round-trip: %+v", got)
	}
	if got.Last4 != "a9f3" || got.KeyID != "master-1" {
		t.Errorf("secret metadata did not round-trip: %+v", got)
	}

	if err := store.PutLLMSecret(ctx, &types.LLMSecret{ID: "bare", Last4: "x"}); err == nil {
		t.Error("expected secret without ciphertext to be rejected")
	}
	if _, err := store.GetLLMSecret(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestLLMPromptVersioning verifies the version bumps only when a template
// actually changes.
func TestLLMPromptVersioning(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	p := &types.LLMPrompt{
		ID:             "summarize",
		Name:           "Article summary",
		SystemTemplate: "You are a news summarizer.",
		UserTemplate:   "Summarize: {{content}}",
	}
	if err := store.UpsertLLMPrompt(ctx, p); err != nil {
		t.Fatalf("UpsertLLMPrompt failed: %v", err)
	}
	if p.Version != 1 {
		t.Fatalf("expected version 1 on insert, got %d", p.Version)
	}

	// No template change: version stays.
	p.Name = "Article summary v2 label"
	if err := store.UpsertLLMPrompt(ctx, p); err != nil {
		t.Fatalf("second UpsertLLMPrompt failed: %v", err)
	}
	if p.Version != 1 {
		t.Errorf("expected version unchanged on cosmetic edit, got %d", p.Version)
	}

	// Template change: version bumps.
	p.UserTemplate = "Summarize in two sentences: {{content}}"
	if err := store.UpsertLLMPrompt(ctx, p); err != nil {
		t.Fatalf("third UpsertLLMPrompt failed: %v", err)
	}
	if p.Version != 2 {
		t.Errorf("expected version 2 after template change, got %d", p.Version)
	}

	got, err := store.GetLLMPrompt(ctx, "summarize")
	if err != nil {
		t.Fatalf("GetLLMPrompt failed: %v", err)
	}
	if got.Version != 2 || got.UserTemplate != "Summarize in two sentences: {{content}}" {
		t.Errorf("prompt did not round-trip: %+v", got)
	}
}

// TestLLMProfileAndRoutes verifies profile round-trip and stage routing.
func TestLLMProfileAndRoutes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	temp := 0.2
	maxTok := 1024
	profile := &types.LLMProfile{
		ID:         "summarize-local",
		Name:       "Summaries via local model",
		ProviderID: "local",
		ModelID:    "m-1",
		PromptID:   "summarize",
		SchemaID:   "summary-schema",
		Params: types.LLMParams{
			Temperature: &temp,
			MaxTokens:   &maxTok,
		},
		FallbackProfileID: "summarize-cloud",
		Enabled:           true,
	}
	if err := store.UpsertLLMProfile(ctx, profile); err != nil {
		t.Fatalf("UpsertLLMProfile failed: %v", err)
	}

	got, err := store.GetLLMProfile(ctx, "summarize-local")
	if err != nil {
		t.Fatalf("GetLLMProfile failed: %v", err)
	}
	if got.Params.Temperature == nil || *got.Params.Temperature != 0.2 {
		t.Errorf("params did not round-trip: %+v", got.Params)
	}
	if got.Params.TopP != nil || got.Params.Seed != nil {
		t.Errorf("expected unset params to stay nil, got %+v", got.Params)
	}
	if got.FallbackProfileID != "summarize-cloud" || got.SchemaID != "summary-schema" {
		t.Errorf("profile fields did not round-trip: %+v", got)
	}

	if err := store.UpsertLLMProfile(ctx, &types.LLMProfile{ID: "broken"}); err == nil {
		t.Error("expected profile without provider/model/prompt to be rejected")
	}

	if err := store.SetStageRoute(ctx, types.StageSummarizeArticle, "summarize-local"); err != nil {
		t.Fatalf("SetStageRoute failed: %v", err)
	}
	routed, err := store.GetStageRoute(ctx, types.StageSummarizeArticle)
	if err != nil {
		t.Fatalf("GetStageRoute failed: %v", err)
	}
	if routed != "summarize-local" {
		t.Errorf("expected route to summarize-local, got %q", routed)
	}

	// Rerouting overwrites.
	if err := store.SetStageRoute(ctx, types.StageSummarizeArticle, "summarize-cloud"); err != nil {
		t.Fatalf("SetStageRoute overwrite failed: %v", err)
	}
	routes, err := store.ListStageRoutes(ctx)
	if err != nil {
		t.Fatalf("ListStageRoutes failed: %v", err)
	}
	if routes[types.StageSummarizeArticle] != "summarize-cloud" {
		t.Errorf("expected overwritten route, got %v", routes)
	}

	if _, err := store.GetStageRoute(ctx, "unrouted"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unrouted stage, got %v", err)
	}
}

// TestLLMRunJournal verifies the append-only run journal and its filters.
func TestLLMRunJournal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2026, 8, 18, 14, 0, 0, 0, time.UTC)
	prompt := int64(900)
	completion := int64(120)
	runs := []*types.LLMRun{
		{TS: base, Stage: types.StageSummarizeArticle, ProfileID: "p1", ProviderID: "local",
			ModelID: "m-1", LatencyMS: 840, OK: true, PromptTokens: &prompt, CompletionTokens: &completion},
		{TS: base.Add(time.Minute), Stage: types.StageSummarizeArticle, ProfileID: "p2", ProviderID: "cloud",
			ModelID: "m-2", LatencyMS: 1200, OK: false, Error: "schema validation failed"},
		{TS: base.Add(2 * time.Minute), Stage: types.StageExtractEntities, ProfileID: "p1", ProviderID: "local",
			ModelID: "m-1", LatencyMS: 300, OK: true},
	}
	for _, r := range runs {
		if err := store.AppendLLMRun(ctx, r); err != nil {
			t.Fatalf("AppendLLMRun failed: %v", err)
		}
		if r.ID == 0 {
			t.Error("expected run id backfilled")
		}
	}

	all, err := store.ListLLMRuns(ctx, types.LLMRunFilter{})
	if err != nil {
		t.Fatalf("ListLLMRuns failed: %v", err)
	}
	if len(all) != 3 || all[0].Stage != types.StageExtractEntities {
		t.Fatalf("expected newest run first, got %+v", all)
	}
	if all[2].PromptTokens == nil || *all[2].PromptTokens != 900 {
		t.Errorf("token counts did not round-trip: %+v", all[2])
	}
	if all[1].OK || all[1].Error != "schema validation failed" {
		t.Errorf("failure row did not round-trip: %+v", all[1])
	}

	byStage, err := store.ListLLMRuns(ctx, types.LLMRunFilter{Stage: types.StageSummarizeArticle})
	if err != nil {
		t.Fatalf("ListLLMRuns by stage failed: %v", err)
	}
	if len(byStage) != 2 {
		t.Errorf("expected 2 summarize runs, got %d", len(byStage))
	}

	byProfile, err := store.ListLLMRuns(ctx, types.LLMRunFilter{ProfileID: "p1"})
	if err != nil {
		t.Fatalf("ListLLMRuns by profile failed: %v", err)
	}
	if len(byProfile) != 2 {
		t.Errorf("expected 2 p1 runs, got %d", len(byProfile))
	}

	since := base.Add(90 * time.Second)
	recent, err := store.ListLLMRuns(ctx, types.LLMRunFilter{Since: &since})
	if err != nil {
		t.Fatalf("ListLLMRuns since failed: %v", err)
	}
	if len(recent) != 1 || recent[0].Stage != types.StageExtractEntities {
		t.Errorf("expected only the newest run, got %+v", recent)
	}
}

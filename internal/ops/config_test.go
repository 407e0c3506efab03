package ops

import (
	"context"
	"strings"
	"testing"

	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

func seedProfile(t *testing.T, store storage.Storage, profileID string) {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertLLMProvider(ctx, &types.LLMProvider{
		ID: profileID + "-provider", Name: "p", Kind: types.ProviderOpenAICompatible,
		BaseURL: "https://llm.example/v1", Enabled: true,
	}); err != nil {
		t.Fatalf("UpsertLLMProvider: %v", err)
	}
	if err := store.UpsertLLMModel(ctx, &types.LLMModel{
		ID: profileID + "-model", ProviderID: profileID + "-provider", Name: "m", Enabled: true,
	}); err != nil {
		t.Fatalf("UpsertLLMModel: %v", err)
	}
	if err := store.UpsertLLMPrompt(ctx, &types.LLMPrompt{
		ID: profileID + "-prompt", Name: "summarize", UserTemplate: "{{input}}",
	}); err != nil {
		t.Fatalf("UpsertLLMPrompt: %v", err)
	}
	if err := store.UpsertLLMProfile(ctx, &types.LLMProfile{
		ID: profileID, Name: profileID,
		ProviderID: profileID + "-provider",
		ModelID:    profileID + "-model",
		PromptID:   profileID + "-prompt",
		Enabled:    true,
	}); err != nil {
		t.Fatalf("UpsertLLMProfile: %v", err)
	}
}

func TestPatchRuntimeConfig(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rt, err := svc.PatchRuntimeConfig(ctx, "events.merge_window_days", "21")
	if err != nil {
		t.Fatalf("PatchRuntimeConfig: %v", err)
	}
	if rt.Events.MergeWindowDays != 21 {
		t.Errorf("merge_window_days = %d", rt.Events.MergeWindowDays)
	}

	cfg, err := svc.GetRuntimeConfig(ctx)
	if err != nil {
		t.Fatalf("GetRuntimeConfig: %v", err)
	}
	if cfg.Effective.Events.MergeWindowDays != 21 {
		t.Errorf("effective merge_window_days = %d", cfg.Effective.Events.MergeWindowDays)
	}
	if !strings.Contains(cfg.Stored["events"], `"merge_window_days":21`) {
		t.Errorf("stored events doc = %s", cfg.Stored["events"])
	}

	// Untouched groups stay on defaults.
	if cfg.Effective.Queue.LeaseTTLSeconds != 120 {
		t.Errorf("lease ttl = %d", cfg.Effective.Queue.LeaseTTLSeconds)
	}
}

func TestPatchRuntimeConfigRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct{ key, value string }{
		{"nonsense.field", "1"},
		{"events.merge_window_dayz", "21"},
		{"events.merge_window_days", `"three weeks"`},
		{"queue.lease_ttl_seconds", "1"},
		{"noseparator", "1"},
	}
	for _, tc := range cases {
		_, err := svc.PatchRuntimeConfig(ctx, tc.key, tc.value)
		if types.Kind(err) != types.KindValidation {
			t.Errorf("patch %s=%s: kind = %v, want validation", tc.key, tc.value, types.Kind(err))
		}
	}

	cfg, err := svc.GetRuntimeConfig(ctx)
	if err != nil {
		t.Fatalf("GetRuntimeConfig: %v", err)
	}
	if len(cfg.Stored) != 0 {
		t.Errorf("rejected patches left stored docs behind: %v", cfg.Stored)
	}
}

func TestPatchRuntimeConfigRoutesStages(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedProfile(t, store, "prof-a")

	if _, err := svc.PatchRuntimeConfig(ctx, "llm.stages.summarize_article", "prof-a"); err != nil {
		t.Fatalf("PatchRuntimeConfig: %v", err)
	}
	route, err := store.GetStageRoute(ctx, types.StageSummarizeArticle)
	if err != nil || route != "prof-a" {
		t.Errorf("route = %q, %v", route, err)
	}

	// A missing profile is rejected before anything is stored.
	_, err = svc.PatchRuntimeConfig(ctx, "llm.stages.extract_entities", "prof-ghost")
	if types.Kind(err) != types.KindValidation || !strings.Contains(err.Error(), "prof-ghost") {
		t.Fatalf("ghost profile error = %v", err)
	}
	if _, err := store.GetStageRoute(ctx, types.StageExtractEntities); err == nil {
		t.Error("route written despite validation failure")
	}
	cfg, err := svc.GetRuntimeConfig(ctx)
	if err != nil {
		t.Fatalf("GetRuntimeConfig: %v", err)
	}
	if strings.Contains(cfg.Stored["llm"], "prof-ghost") {
		t.Errorf("llm doc stored despite validation failure: %s", cfg.Stored["llm"])
	}

	// Unknown stage names are rejected.
	_, err = svc.PatchRuntimeConfig(ctx, "llm.stages.translate", "prof-a")
	if types.Kind(err) != types.KindValidation || !strings.Contains(err.Error(), "unknown stage") {
		t.Errorf("unknown stage error = %v", err)
	}
}

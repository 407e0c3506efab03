package ops

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// RuntimeConfig pairs the effective snapshot with the stored group
// documents, so callers can show both what applies and what is set.
type RuntimeConfig struct {
	Effective *config.Runtime   `json:"effective"`
	Stored    map[string]string `json:"stored"`
}

// GetRuntimeConfig returns the current runtime configuration.
func (s *Service) GetRuntimeConfig(ctx context.Context) (*RuntimeConfig, error) {
	docs, err := s.store.GetRuntimeConfig(ctx)
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	rt, err := config.SnapshotFromDocs(docs)
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	return &RuntimeConfig{Effective: rt, Stored: docs}, nil
}

// PatchRuntimeConfig sets one dotted key (group.field[.subfield]) and
// returns the new effective snapshot. Bad keys and values are rejected
// before anything is stored. Workers pick the change up on their next
// job; a running job keeps the snapshot it started with.
//
// Patches to llm.stages additionally write through to the stage routing
// table, after the named profiles are checked to exist.
func (s *Service) PatchRuntimeConfig(ctx context.Context, dottedKey, rawValue string) (*config.Runtime, error) {
	docs, err := s.store.GetRuntimeConfig(ctx)
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	group, doc, err := config.ApplyRuntimePatch(docs, dottedKey, rawValue)
	if err != nil {
		return nil, types.Tag(types.KindValidation, err)
	}

	var stages map[string]string
	if group == "llm" {
		stages, err = s.vettedStageRoutes(ctx, doc)
		if err != nil {
			return nil, err
		}
	}

	if err := s.store.SetRuntimeConfigKey(ctx, group, string(doc)); err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	for stage, profileID := range stages {
		if err := s.store.SetStageRoute(ctx, stage, profileID); err != nil {
			return nil, types.Tag(types.KindInternal, err)
		}
	}

	docs[group] = string(doc)
	rt, err := config.SnapshotFromDocs(docs)
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	s.log.Info("runtime config patched", "key", dottedKey)
	return rt, nil
}

// vettedStageRoutes extracts the stages map from a patched llm group
// document and verifies every entry before it reaches the routing
// table. Empty values are skipped, never deleted: removing a route is
// `sv llm route` work.
func (s *Service) vettedStageRoutes(ctx context.Context, doc []byte) (map[string]string, error) {
	var llm config.LLMSettings
	if err := json.Unmarshal(doc, &llm); err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	out := make(map[string]string, len(llm.Stages))
	for stage, profileID := range llm.Stages {
		if profileID == "" {
			continue
		}
		if !types.KnownStage(stage) {
			return nil, types.Tagf(types.KindValidation,
				"llm.stages.%s: unknown stage (known: %s)", stage, strings.Join(types.KnownStages, ", "))
		}
		if _, err := s.store.GetLLMProfile(ctx, profileID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, types.Tagf(types.KindValidation,
					"llm.stages.%s: profile %s does not exist", stage, profileID)
			}
			return nil, types.Tag(types.KindInternal, err)
		}
		out[stage] = profileID
	}
	return out, nil
}

// Package llm routes pipeline stages to configured model providers.
//
// A stage (summarize_article, ...) maps to a profile; a profile binds a
// provider, a model, a prompt, an optional response schema, and
// generation params. Run resolves the stage, walks the profile's
// fallback chain until one provider answers, validates schema-bound
// output with a single repair round, and journals every provider call
// to llm_runs whether it succeeded or not. API keys are unwrapped here
// and nowhere else.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"github.com/sempervigil/sempervigil/internal/secrets"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

const (
	// callTimeout bounds one provider HTTP exchange. The job hard
	// timeout is the outer backstop.
	callTimeout = 120 * time.Second

	defaultMaxRetries = 2
	defaultRetryWait  = time.Second
)

// Router resolves stages to profiles and drives provider calls.
type Router struct {
	store storage.Storage
	box   *secrets.Box
	log   *slog.Logger
	http  *resty.Client

	// In-process retry policy for transient provider failures. Rate
	// limits are not retried here: the queue reschedules the job with
	// the Retry-After hint instead.
	maxRetries int
	retryWait  time.Duration
}

// NewRouter returns a Router on the default transport. box may be nil
// when no master key is configured; providers that reference a secret
// then fail with a clear error while keyless providers still work.
func NewRouter(store storage.Storage, box *secrets.Box, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		store:      store,
		box:        box,
		log:        log,
		http:       resty.New().SetTimeout(callTimeout).SetHeader("Accept", "application/json"),
		maxRetries: defaultMaxRetries,
		retryWait:  defaultRetryWait,
	}
}

// Result is the outcome of one routed call. SchemaValid is true when
// the profile carries no schema or validation passed; a schema failure
// that survived the repair round comes back as a Result, not an error,
// so callers decide what a malformed-but-delivered response means.
type Result struct {
	ProfileID   string          `json:"profile_id"`
	ProviderID  string          `json:"provider_id"`
	ModelID     string          `json:"model_id"`
	Raw         string          `json:"raw"`
	Parsed      json.RawMessage `json:"parsed,omitempty"`
	SchemaValid bool            `json:"schema_valid"`
	SchemaError string          `json:"schema_error,omitempty"`
	Repaired    bool            `json:"repaired,omitempty"`
}

// Run resolves the stage route and executes the routed profile.
func (r *Router) Run(ctx context.Context, stage, input string) (*Result, error) {
	profileID, err := r.store.GetStageRoute(ctx, stage)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.Tagf(types.KindPermanent, "llm stage %s is not routed", stage)
		}
		return nil, err
	}
	return r.RunProfile(ctx, stage, profileID, input)
}

// RunProfile executes one profile against input, falling through the
// profile's fallback chain until a provider answers. stage labels the
// journal rows.
func (r *Router) RunProfile(ctx context.Context, stage, profileID, input string) (*Result, error) {
	chain, err := r.profileChain(ctx, profileID)
	if err != nil {
		return nil, err
	}

	var (
		failures []string
		lastErr  error
	)
	for _, prof := range chain {
		res, err := r.runOne(ctx, stage, prof, input)
		if err == nil {
			return res, nil
		}
		if types.Kind(err) == types.KindCanceled || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		failures = append(failures, fmt.Sprintf("%s: %v", prof.ID, err))
		r.log.Warn("llm profile attempt failed", "stage", stage, "profile", prof.ID, "err", err)
	}
	return nil, types.Tag(types.Kind(lastErr),
		fmt.Errorf("llm stage %s: %d profile(s) failed: %s", stage, len(chain), strings.Join(failures, "; ")))
}

// profileChain loads the profile and its fallbacks in try order. A
// dangling fallback reference truncates the chain; a missing head is an
// error. Cycles terminate at the first repeat.
func (r *Router) profileChain(ctx context.Context, id string) ([]*types.LLMProfile, error) {
	var chain []*types.LLMProfile
	seen := make(map[string]bool)
	for id != "" && !seen[id] {
		seen[id] = true
		p, err := r.store.GetLLMProfile(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				if len(chain) == 0 {
					return nil, types.Tagf(types.KindPermanent, "llm profile %s not found", id)
				}
				r.log.Warn("llm fallback profile missing", "profile", id)
				break
			}
			return nil, err
		}
		chain = append(chain, p)
		id = p.FallbackProfileID
	}
	return chain, nil
}

// runOne performs the provider call for a single profile, including the
// schema repair round. Each provider exchange appends one journal row.
func (r *Router) runOne(ctx context.Context, stage string, prof *types.LLMProfile, input string) (*Result, error) {
	if !prof.Enabled {
		return nil, types.Tagf(types.KindPermanent, "profile %s is disabled", prof.ID)
	}
	prompt, err := r.getPrompt(ctx, prof)
	if err != nil {
		return nil, err
	}
	provider, model, err := r.getProviderModel(ctx, prof)
	if err != nil {
		return nil, err
	}
	var schema *schemaDoc
	if prof.SchemaID != "" {
		doc, err := r.store.GetLLMSchema(ctx, prof.SchemaID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, types.Tagf(types.KindPermanent, "profile %s: schema %s not found", prof.ID, prof.SchemaID)
			}
			return nil, err
		}
		schema, err = parseSchemaDoc(doc.Document)
		if err != nil {
			return nil, types.Tagf(types.KindPermanent, "profile %s: schema %s: %v", prof.ID, prof.SchemaID, err)
		}
	}
	apiKey, err := r.providerKey(ctx, provider)
	if err != nil {
		return nil, err
	}

	system, user := renderMessages(prompt, input)
	raw, err := r.observedCall(ctx, stage, prof, prompt.Name, provider, apiKey, model.Name, system, user)
	if err != nil {
		return nil, err
	}

	res := &Result{
		ProfileID:   prof.ID,
		ProviderID:  provider.ID,
		ModelID:     model.ID,
		Raw:         raw,
		Parsed:      maybeJSON(raw),
		SchemaValid: true,
	}
	if schema == nil {
		return res, nil
	}
	verr := schema.validate(res.Parsed)
	if verr == nil {
		return res, nil
	}

	// One repair round: re-prompt with the violation appended, then
	// accept or surface whatever comes back.
	repairInput := input + "\n\nReturn valid JSON only. Fix these schema violations: " + verr.Error()
	system, user = renderMessages(prompt, repairInput)
	res.Repaired = true
	raw, err = r.observedCall(ctx, stage, prof, prompt.Name, provider, apiKey, model.Name, system, user)
	if err != nil {
		return nil, err
	}
	res.Raw = raw
	res.Parsed = maybeJSON(raw)
	if verr := schema.validate(res.Parsed); verr != nil {
		res.SchemaValid = false
		res.SchemaError = verr.Error()
	}
	return res, nil
}

func (r *Router) getPrompt(ctx context.Context, prof *types.LLMProfile) (*types.LLMPrompt, error) {
	p, err := r.store.GetLLMPrompt(ctx, prof.PromptID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.Tagf(types.KindPermanent, "profile %s: prompt %s not found", prof.ID, prof.PromptID)
		}
		return nil, err
	}
	return p, nil
}

func (r *Router) getProviderModel(ctx context.Context, prof *types.LLMProfile) (*types.LLMProvider, *types.LLMModel, error) {
	provider, err := r.store.GetLLMProvider(ctx, prof.ProviderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, types.Tagf(types.KindPermanent, "profile %s: provider %s not found", prof.ID, prof.ProviderID)
		}
		return nil, nil, err
	}
	if !provider.Enabled {
		return nil, nil, types.Tagf(types.KindPermanent, "provider %s is disabled", provider.ID)
	}
	model, err := r.store.GetLLMModel(ctx, prof.ModelID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, types.Tagf(types.KindPermanent, "profile %s: model %s not found", prof.ID, prof.ModelID)
		}
		return nil, nil, err
	}
	if !model.Enabled {
		return nil, nil, types.Tagf(types.KindPermanent, "model %s is disabled", model.ID)
	}
	return provider, model, nil
}

// providerKey unwraps the provider's API key. Keyless providers (local
// endpoints) return the empty string.
func (r *Router) providerKey(ctx context.Context, p *types.LLMProvider) (string, error) {
	if p.SecretID == "" {
		return "", nil
	}
	if r.box == nil {
		return "", types.Tag(types.KindPermanent, secrets.ErrNoMasterKey)
	}
	sec, err := r.store.GetLLMSecret(ctx, p.SecretID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", types.Tagf(types.KindPermanent, "provider %s: secret %s not found", p.ID, p.SecretID)
		}
		return "", err
	}
	key, err := r.box.Unwrap(sec)
	if err != nil {
		return "", types.Tag(types.KindPermanent, err)
	}
	return key, nil
}

// observedCall wraps one provider exchange with transient retries and a
// journal row. The row lands on a detached context so shutdown does not
// lose the record of a call that was already made.
func (r *Router) observedCall(ctx context.Context, stage string, prof *types.LLMProfile, promptName string, provider *types.LLMProvider, apiKey, modelName, system, user string) (string, error) {
	started := time.Now()
	raw, usage, err := r.callWithRetry(ctx, provider, apiKey, modelName, system, user, prof.Params)

	run := &types.LLMRun{
		TS:               time.Now().UTC(),
		Stage:            stage,
		ProfileID:        prof.ID,
		ProviderID:       provider.ID,
		ModelID:          prof.ModelID,
		PromptName:       promptName,
		LatencyMS:        time.Since(started).Milliseconds(),
		OK:               err == nil,
		PromptTokens:     usage.Prompt,
		CompletionTokens: usage.Completion,
	}
	if err != nil {
		run.Error = err.Error()
	}
	if jerr := r.store.AppendLLMRun(context.WithoutCancel(ctx), run); jerr != nil {
		r.log.Warn("append llm run", "stage", stage, "profile", prof.ID, "err", jerr)
	}
	return raw, err
}

// callWithRetry retries transient provider failures in-process. Rate
// limits, permanent failures, and cancellation bubble immediately.
func (r *Router) callWithRetry(ctx context.Context, p *types.LLMProvider, apiKey, model, system, user string, params types.LLMParams) (string, tokenUsage, error) {
	var (
		raw   string
		usage tokenUsage
	)
	op := func() error {
		text, u, err := r.callOnce(ctx, p, apiKey, model, system, user, params)
		if err != nil {
			if types.Kind(err) == types.KindTransient && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		raw, usage = text, u
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retryWait
	bo.MaxElapsedTime = 0
	err := backoff.Retry(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.maxRetries)), ctx))
	return raw, usage, err
}

func (r *Router) callOnce(ctx context.Context, p *types.LLMProvider, apiKey, model, system, user string, params types.LLMParams) (string, tokenUsage, error) {
	switch p.Kind {
	case types.ProviderOpenAICompatible:
		return r.callOpenAI(ctx, p, apiKey, model, system, user, params)
	case types.ProviderAnthropic:
		return callAnthropic(ctx, p.BaseURL, apiKey, model, system, user, params)
	default:
		return "", tokenUsage{}, types.Tagf(types.KindPermanent, "provider %s: unsupported kind %q", p.ID, p.Kind)
	}
}

// tokenUsage carries provider-reported token counts. Nil means the
// provider did not report a count.
type tokenUsage struct {
	Prompt     *int64
	Completion *int64
}

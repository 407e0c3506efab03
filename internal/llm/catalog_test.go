package llm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sempervigil/sempervigil/internal/types"
)

const catalogTOML = `
[[providers]]
id = "openai"
name = "OpenAI"
kind = "openai_compatible"
base_url = "https://api.openai.com/v1"
api_key_env = "TEST_OPENAI_KEY"

[[providers]]
id = "anthropic"
kind = "anthropic"

[[models]]
id = "gpt-4o-mini"
provider = "openai"

[[models]]
id = "claude-sonnet"
provider = "anthropic"
name = "claude-sonnet-4"

[[prompts]]
id = "summarize-v1"
name = "summarize_article"
system = "You summarize security news."
user = "Summarize:\n{{input}}"

[[schemas]]
id = "summary-schema"
name = "summary"
document = '{"type": "object", "required": ["summary"]}'

[[profiles]]
id = "summarize-default"
provider = "openai"
model = "gpt-4o-mini"
prompt = "summarize-v1"
schema = "summary-schema"
fallback = "summarize-backup"
[profiles.params]
temperature = 0.2
max_tokens = 400

[[profiles]]
id = "summarize-backup"
provider = "anthropic"
model = "claude-sonnet"
prompt = "summarize-v1"

[routes]
summarize_article = "summarize-default"
`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "llm.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog(writeCatalog(t, catalogTOML))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(c.Providers) != 2 || len(c.Models) != 2 || len(c.Profiles) != 2 {
		t.Errorf("counts: providers=%d models=%d profiles=%d", len(c.Providers), len(c.Models), len(c.Profiles))
	}
	if c.Routes[types.StageSummarizeArticle] != "summarize-default" {
		t.Errorf("route = %q", c.Routes[types.StageSummarizeArticle])
	}
	if got := c.Profiles[0].Params.Temperature; got == nil || *got != 0.2 {
		t.Errorf("temperature = %v", got)
	}
}

func TestLoadCatalogRejectsUnknownKeys(t *testing.T) {
	body := strings.Replace(catalogTOML, "base_url =", "base_ur1 =", 1)
	_, err := LoadCatalog(writeCatalog(t, body))
	if err == nil {
		t.Fatal("LoadCatalog accepted a misspelled key")
	}
	if types.Kind(err) != types.KindValidation || !strings.Contains(err.Error(), "base_ur1") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadCatalogRejectsUnknownStage(t *testing.T) {
	body := strings.Replace(catalogTOML, "summarize_article =", "summarize_articel =", 1)
	_, err := LoadCatalog(writeCatalog(t, body))
	if err == nil {
		t.Fatal("LoadCatalog accepted an unknown stage route")
	}
	if !strings.Contains(err.Error(), "unknown stage") {
		t.Errorf("error = %v", err)
	}
}

func TestImportCatalog(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test-123456")

	store := newTestStore(t)
	r := newTestRouter(t, store)
	ctx := context.Background()

	c, err := LoadCatalog(writeCatalog(t, catalogTOML))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	res, err := r.ImportCatalog(ctx, c)
	if err != nil {
		t.Fatalf("ImportCatalog: %v", err)
	}
	want := ImportResult{Providers: 2, Secrets: 1, Models: 2, Prompts: 1, Schemas: 1, Profiles: 2, Routes: 1}
	if *res != want {
		t.Errorf("result = %+v, want %+v", *res, want)
	}

	provider, err := store.GetLLMProvider(ctx, "openai")
	if err != nil {
		t.Fatalf("GetLLMProvider: %v", err)
	}
	if provider.SecretID == "" {
		t.Fatal("openai provider has no secret after import")
	}
	sec, err := store.GetLLMSecret(ctx, provider.SecretID)
	if err != nil {
		t.Fatalf("GetLLMSecret: %v", err)
	}
	if sec.Last4 != "3456" {
		t.Errorf("secret Last4 = %q", sec.Last4)
	}
	if strings.Contains(string(sec.Ciphertext), "sk-test-123456") {
		t.Error("plaintext key visible in stored ciphertext")
	}
	key, err := r.box.Unwrap(sec)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if key != "sk-test-123456" {
		t.Errorf("unwrapped key = %q", key)
	}

	if route, err := store.GetStageRoute(ctx, types.StageSummarizeArticle); err != nil || route != "summarize-default" {
		t.Errorf("route = %q, %v", route, err)
	}
	prof, err := store.GetLLMProfile(ctx, "summarize-default")
	if err != nil {
		t.Fatalf("GetLLMProfile: %v", err)
	}
	if prof.FallbackProfileID != "summarize-backup" || prof.SchemaID != "summary-schema" {
		t.Errorf("profile = %+v", prof)
	}
	model, err := store.GetLLMModel(ctx, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("GetLLMModel: %v", err)
	}
	if model.Name != "gpt-4o-mini" {
		t.Errorf("model name = %q, want id fallback", model.Name)
	}
}

func TestImportCatalogUnknownReferenceWritesNothing(t *testing.T) {
	store := newTestStore(t)
	r := newTestRouter(t, store)
	ctx := context.Background()

	body := strings.Replace(catalogTOML, `model = "gpt-4o-mini"`, `model = "gpt-5-nano"`, 1)
	c, err := LoadCatalog(writeCatalog(t, body))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	_, err = r.ImportCatalog(ctx, c)
	if err == nil {
		t.Fatal("ImportCatalog accepted a dangling model reference")
	}
	if types.Kind(err) != types.KindValidation || !strings.Contains(err.Error(), "gpt-5-nano") {
		t.Errorf("error = %v", err)
	}

	if _, err := store.GetLLMPrompt(ctx, "summarize-v1"); err == nil {
		t.Error("prompt written before validation failed")
	}
	if _, err := store.GetLLMProvider(ctx, "openai"); err == nil {
		t.Error("provider written before validation failed")
	}
}

func TestImportCatalogResolvesAgainstDatabase(t *testing.T) {
	store := newTestStore(t)
	r := newTestRouter(t, store)
	ctx := context.Background()

	seedProfile(t, store, "prof-existing", "http://unused.example", "")

	body := `
[[profiles]]
id = "override"
provider = "prof-existing-provider"
model = "prof-existing-model"
prompt = "prof-existing-prompt"

[routes]
summarize_article = "override"
`
	c, err := LoadCatalog(writeCatalog(t, body))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if _, err := r.ImportCatalog(ctx, c); err != nil {
		t.Fatalf("ImportCatalog: %v", err)
	}
	if route, _ := store.GetStageRoute(ctx, types.StageSummarizeArticle); route != "override" {
		t.Errorf("route = %q", route)
	}
}

func TestImportCatalogPreservesSecretOnReimport(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test-123456")

	store := newTestStore(t)
	r := newTestRouter(t, store)
	ctx := context.Background()

	c, err := LoadCatalog(writeCatalog(t, catalogTOML))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if _, err := r.ImportCatalog(ctx, c); err != nil {
		t.Fatalf("first import: %v", err)
	}
	first, err := store.GetLLMProvider(ctx, "openai")
	if err != nil {
		t.Fatalf("GetLLMProvider: %v", err)
	}

	t.Setenv("TEST_OPENAI_KEY", "")
	res, err := r.ImportCatalog(ctx, c)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if res.Secrets != 0 {
		t.Errorf("re-import wrapped %d secrets with the env unset", res.Secrets)
	}
	second, err := store.GetLLMProvider(ctx, "openai")
	if err != nil {
		t.Fatalf("GetLLMProvider: %v", err)
	}
	if second.SecretID != first.SecretID {
		t.Errorf("SecretID changed on re-import: %q -> %q", first.SecretID, second.SecretID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on re-import: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestImportCatalogNeedsMasterKeyForSecrets(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test-123456")

	store := newTestStore(t)
	r := NewRouter(store, nil, quietLogger())

	c, err := LoadCatalog(writeCatalog(t, catalogTOML))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	_, err = r.ImportCatalog(context.Background(), c)
	if err == nil {
		t.Fatal("ImportCatalog wrapped a key without a master key")
	}
	if !strings.Contains(err.Error(), "SV_LLM_MASTER_KEY") {
		t.Errorf("error = %v", err)
	}
}

func TestImportCatalogEmpty(t *testing.T) {
	_, err := LoadCatalog(writeCatalog(t, "\n"))
	if err == nil {
		t.Fatal("LoadCatalog accepted an empty catalog")
	}
	if !strings.Contains(err.Error(), "defines nothing") {
		t.Errorf("error = %v", err)
	}
}

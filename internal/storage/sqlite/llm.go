package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// UpsertLLMProvider inserts or replaces a provider row.
func (s *SQLiteStore) UpsertLLMProvider(ctx context.Context, p *types.LLMProvider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_providers (id, name, kind, base_url, secret_id, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			base_url = excluded.base_url,
			secret_id = excluded.secret_id,
			enabled = excluded.enabled`,
		p.ID, p.Name, string(p.Kind), p.BaseURL, p.SecretID, boolInt(p.Enabled),
		p.CreatedAt.UTC())
	if err != nil {
		return wrapDBError(fmt.Sprintf("upsert provider %s", p.ID), err)
	}
	return nil
}

func scanLLMProvider(sc rowScanner) (*types.LLMProvider, error) {
	var (
		p       types.LLMProvider
		kind    string
		enabled int
	)
	err := sc.Scan(&p.ID, &p.Name, &kind, &p.BaseURL, &p.SecretID, &enabled, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Kind = types.LLMProviderKind(kind)
	p.Enabled = enabled != 0
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *SQLiteStore) GetLLMProvider(ctx context.Context, id string) (*types.LLMProvider, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, base_url, secret_id, enabled, created_at
		FROM llm_providers WHERE id = ?`, id)
	p, err := scanLLMProvider(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get provider %s", id), err)
	}
	return p, nil
}

func (s *SQLiteStore) ListLLMProviders(ctx context.Context) ([]*types.LLMProvider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, base_url, secret_id, enabled, created_at
		FROM llm_providers ORDER BY id`)
	if err != nil {
		return nil, wrapDBError("list providers", err)
	}
	defer func() { _ = rows.Close() }()

	var providers []*types.LLMProvider
	for rows.Next() {
		p, err := scanLLMProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// DeleteLLMProvider removes a provider; models and profiles referencing
// it cascade away.
func (s *SQLiteStore) DeleteLLMProvider(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM llm_providers WHERE id = ?`, id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("delete provider %s", id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete provider %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// PutLLMSecret stores a wrapped API key. Plaintext never reaches this
// layer; callers pass ciphertext and nonce from the secrets package.
func (s *SQLiteStore) PutLLMSecret(ctx context.Context, sec *types.LLMSecret) error {
	if sec.ID == "" {
		return fmt.Errorf("secret id is required")
	}
	if len(sec.Ciphertext) == 0 || len(sec.Nonce) == 0 {
		return fmt.Errorf("secret %s: ciphertext and nonce are required", sec.ID)
	}
	if sec.CreatedAt.IsZero() {
		sec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_secrets (id, name, ciphertext, nonce, key_id, last4, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			key_id = excluded.key_id,
			last4 = excluded.last4`,
		sec.ID, sec.Name, sec.Ciphertext, sec.Nonce, sec.KeyID, sec.Last4,
		sec.CreatedAt.UTC())
	if err != nil {
		return wrapDBError(fmt.Sprintf("put secret %s", sec.ID), err)
	}
	return nil
}

func (s *SQLiteStore) GetLLMSecret(ctx context.Context, id string) (*types.LLMSecret, error) {
	var sec types.LLMSecret
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, ciphertext, nonce, key_id, last4, created_at
		FROM llm_secrets WHERE id = ?`, id).
		Scan(&sec.ID, &sec.Name, &sec.Ciphertext, &sec.Nonce, &sec.KeyID,
			&sec.Last4, &sec.CreatedAt)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get secret %s", id), err)
	}
	sec.CreatedAt = sec.CreatedAt.UTC()
	return &sec, nil
}

func (s *SQLiteStore) UpsertLLMModel(ctx context.Context, m *types.LLMModel) error {
	if m.ID == "" || m.ProviderID == "" {
		return fmt.Errorf("model id and provider_id are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_models (id, provider_id, name, enabled)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_id = excluded.provider_id,
			name = excluded.name,
			enabled = excluded.enabled`,
		m.ID, m.ProviderID, m.Name, boolInt(m.Enabled))
	if err != nil {
		return wrapDBError(fmt.Sprintf("upsert model %s", m.ID), err)
	}
	return nil
}

func (s *SQLiteStore) GetLLMModel(ctx context.Context, id string) (*types.LLMModel, error) {
	var (
		m       types.LLMModel
		enabled int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider_id, name, enabled FROM llm_models WHERE id = ?`, id).
		Scan(&m.ID, &m.ProviderID, &m.Name, &enabled)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get model %s", id), err)
	}
	m.Enabled = enabled != 0
	return &m, nil
}

func (s *SQLiteStore) ListLLMModels(ctx context.Context) ([]*types.LLMModel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, name, enabled FROM llm_models ORDER BY id`)
	if err != nil {
		return nil, wrapDBError("list models", err)
	}
	defer func() { _ = rows.Close() }()

	var models []*types.LLMModel
	for rows.Next() {
		var (
			m       types.LLMModel
			enabled int
		)
		if err := rows.Scan(&m.ID, &m.ProviderID, &m.Name, &enabled); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		m.Enabled = enabled != 0
		models = append(models, &m)
	}
	return models, rows.Err()
}

// UpsertLLMPrompt stores a prompt template. Writing a changed template
// bumps the version; writing identical text is a no-op version-wise.
func (s *SQLiteStore) UpsertLLMPrompt(ctx context.Context, p *types.LLMPrompt) error {
	if p.ID == "" {
		return fmt.Errorf("prompt id is required")
	}
	if p.Version <= 0 {
		p.Version = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_prompts (id, name, system_template, user_template, version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			system_template = excluded.system_template,
			user_template = excluded.user_template,
			version = CASE
				WHEN llm_prompts.system_template != excluded.system_template
				  OR llm_prompts.user_template != excluded.user_template
				THEN llm_prompts.version + 1
				ELSE llm_prompts.version END`,
		p.ID, p.Name, p.SystemTemplate, p.UserTemplate, p.Version)
	if err != nil {
		return wrapDBError(fmt.Sprintf("upsert prompt %s", p.ID), err)
	}
	return s.db.QueryRowContext(ctx,
		`SELECT version FROM llm_prompts WHERE id = ?`, p.ID).Scan(&p.Version)
}

func (s *SQLiteStore) GetLLMPrompt(ctx context.Context, id string) (*types.LLMPrompt, error) {
	var p types.LLMPrompt
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, system_template, user_template, version
		FROM llm_prompts WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.SystemTemplate, &p.UserTemplate, &p.Version)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get prompt %s", id), err)
	}
	return &p, nil
}

func (s *SQLiteStore) UpsertLLMSchema(ctx context.Context, sch *types.LLMSchema) error {
	if sch.ID == "" {
		return fmt.Errorf("schema id is required")
	}
	doc := string(sch.Document)
	if doc == "" {
		doc = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_schemas (id, name, document) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			document = excluded.document`,
		sch.ID, sch.Name, doc)
	if err != nil {
		return wrapDBError(fmt.Sprintf("upsert schema %s", sch.ID), err)
	}
	return nil
}

func (s *SQLiteStore) GetLLMSchema(ctx context.Context, id string) (*types.LLMSchema, error) {
	var (
		sch types.LLMSchema
		doc string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, document FROM llm_schemas WHERE id = ?`, id).
		Scan(&sch.ID, &sch.Name, &doc)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get schema %s", id), err)
	}
	sch.Document = []byte(doc)
	return &sch, nil
}

func (s *SQLiteStore) UpsertLLMProfile(ctx context.Context, p *types.LLMProfile) error {
	if p.ID == "" || p.ProviderID == "" || p.ModelID == "" || p.PromptID == "" {
		return fmt.Errorf("profile requires id, provider_id, model_id, and prompt_id")
	}
	params, err := jsonText(p.Params, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO llm_profiles (id, name, provider_id, model_id, prompt_id,
			schema_id, params, fallback_profile_id, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			provider_id = excluded.provider_id,
			model_id = excluded.model_id,
			prompt_id = excluded.prompt_id,
			schema_id = excluded.schema_id,
			params = excluded.params,
			fallback_profile_id = excluded.fallback_profile_id,
			enabled = excluded.enabled`,
		p.ID, p.Name, p.ProviderID, p.ModelID, p.PromptID, p.SchemaID,
		params, p.FallbackProfileID, boolInt(p.Enabled))
	if err != nil {
		return wrapDBError(fmt.Sprintf("upsert profile %s", p.ID), err)
	}
	return nil
}

func scanLLMProfile(sc rowScanner) (*types.LLMProfile, error) {
	var (
		p       types.LLMProfile
		params  string
		enabled int
	)
	err := sc.Scan(&p.ID, &p.Name, &p.ProviderID, &p.ModelID, &p.PromptID,
		&p.SchemaID, &params, &p.FallbackProfileID, &enabled)
	if err != nil {
		return nil, err
	}
	if err := fromJSONText(params, &p.Params); err != nil {
		return nil, fmt.Errorf("profile %s: parse params: %w", p.ID, err)
	}
	p.Enabled = enabled != 0
	return &p, nil
}

func (s *SQLiteStore) GetLLMProfile(ctx context.Context, id string) (*types.LLMProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, provider_id, model_id, prompt_id, schema_id, params,
			fallback_profile_id, enabled
		FROM llm_profiles WHERE id = ?`, id)
	p, err := scanLLMProfile(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get profile %s", id), err)
	}
	return p, nil
}

func (s *SQLiteStore) ListLLMProfiles(ctx context.Context) ([]*types.LLMProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, provider_id, model_id, prompt_id, schema_id, params,
			fallback_profile_id, enabled
		FROM llm_profiles ORDER BY id`)
	if err != nil {
		return nil, wrapDBError("list profiles", err)
	}
	defer func() { _ = rows.Close() }()

	var profiles []*types.LLMProfile
	for rows.Next() {
		p, err := scanLLMProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// SetStageRoute points a pipeline stage at a profile.
func (s *SQLiteStore) SetStageRoute(ctx context.Context, stage, profileID string) error {
	if stage == "" || profileID == "" {
		return fmt.Errorf("stage and profile_id are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_stage_routes (stage, profile_id) VALUES (?, ?)
		ON CONFLICT(stage) DO UPDATE SET profile_id = excluded.profile_id`,
		stage, profileID)
	if err != nil {
		return wrapDBError(fmt.Sprintf("route stage %s", stage), err)
	}
	return nil
}

func (s *SQLiteStore) GetStageRoute(ctx context.Context, stage string) (string, error) {
	var profileID string
	err := s.db.QueryRowContext(ctx,
		`SELECT profile_id FROM llm_stage_routes WHERE stage = ?`, stage).
		Scan(&profileID)
	if err != nil {
		return "", wrapDBError(fmt.Sprintf("route for stage %s", stage), err)
	}
	return profileID, nil
}

func (s *SQLiteStore) ListStageRoutes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, profile_id FROM llm_stage_routes ORDER BY stage`)
	if err != nil {
		return nil, wrapDBError("list stage routes", err)
	}
	defer func() { _ = rows.Close() }()

	routes := make(map[string]string)
	for rows.Next() {
		var stage, profileID string
		if err := rows.Scan(&stage, &profileID); err != nil {
			return nil, fmt.Errorf("scan stage route: %w", err)
		}
		routes[stage] = profileID
	}
	return routes, rows.Err()
}

func appendLLMRun(ctx context.Context, q dbtx, run *types.LLMRun) error {
	if run.TS.IsZero() {
		run.TS = time.Now().UTC()
	}
	var promptTokens, completionTokens interface{}
	if run.PromptTokens != nil {
		promptTokens = *run.PromptTokens
	}
	if run.CompletionTokens != nil {
		completionTokens = *run.CompletionTokens
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO llm_runs (ts, stage, profile_id, provider_id, model_id,
			prompt_name, latency_ms, ok, error, prompt_tokens, completion_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.TS.UTC(), run.Stage, run.ProfileID, run.ProviderID, run.ModelID,
		run.PromptName, run.LatencyMS, boolInt(run.OK), run.Error,
		promptTokens, completionTokens)
	if err != nil {
		return wrapDBError("append llm run", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		run.ID = id
	}
	return nil
}

// AppendLLMRun journals one provider call.
func (s *SQLiteStore) AppendLLMRun(ctx context.Context, run *types.LLMRun) error {
	return appendLLMRun(ctx, s.db, run)
}

func (t *sqliteTx) AppendLLMRun(ctx context.Context, run *types.LLMRun) error {
	return appendLLMRun(ctx, t.conn, run)
}

// ListLLMRuns returns journal rows matching f, newest first.
func (s *SQLiteStore) ListLLMRuns(ctx context.Context, f types.LLMRunFilter) ([]*types.LLMRun, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.Stage != "" {
		conds = append(conds, "stage = ?")
		args = append(args, f.Stage)
	}
	if f.ProfileID != "" {
		conds = append(conds, "profile_id = ?")
		args = append(args, f.ProfileID)
	}
	if f.Since != nil {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UTC())
	}

	query := `SELECT id, ts, stage, profile_id, provider_id, model_id, prompt_name,
		latency_ms, ok, error, prompt_tokens, completion_tokens FROM llm_runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list llm runs", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*types.LLMRun
	for rows.Next() {
		var (
			run              types.LLMRun
			ok               int
			promptTokens     sql.NullInt64
			completionTokens sql.NullInt64
		)
		if err := rows.Scan(&run.ID, &run.TS, &run.Stage, &run.ProfileID,
			&run.ProviderID, &run.ModelID, &run.PromptName, &run.LatencyMS,
			&ok, &run.Error, &promptTokens, &completionTokens); err != nil {
			return nil, fmt.Errorf("scan llm run: %w", err)
		}
		run.TS = run.TS.UTC()
		run.OK = ok != 0
		if promptTokens.Valid {
			v := promptTokens.Int64
			run.PromptTokens = &v
		}
		if completionTokens.Valid {
			v := completionTokens.Int64
			run.CompletionTokens = &v
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

package sqlite

const schema = `
-- Jobs table (durable queue)
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    job_type TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'queued'
        CHECK(status IN ('queued', 'running', 'succeeded', 'failed', 'canceled')),
    priority INTEGER NOT NULL DEFAULT 0,
    requested_at DATETIME NOT NULL,
    run_after DATETIME,
    started_at DATETIME,
    finished_at DATETIME,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 5 CHECK(max_attempts >= 1),
    lease_owner TEXT,
    lease_expires_at DATETIME,
    idempotency_key TEXT,
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    result TEXT,
    error TEXT NOT NULL DEFAULT '',
    -- Running jobs must carry a lease; queued jobs must not.
    CHECK (
        (status = 'running' AND lease_owner IS NOT NULL AND lease_expires_at IS NOT NULL) OR
        (status != 'running' AND lease_owner IS NULL)
    )
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, run_after, priority, requested_at);
CREATE INDEX IF NOT EXISTS idx_jobs_type_status ON jobs(job_type, status);
CREATE INDEX IF NOT EXISTS idx_jobs_finished_at ON jobs(finished_at);
-- One live job per idempotency key. NULL keys are exempt.
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_idem ON jobs(idempotency_key)
    WHERE idempotency_key IS NOT NULL AND status IN ('queued', 'running');

-- Sources table (configured feeds and pages)
CREATE TABLE IF NOT EXISTS sources (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL DEFAULT 'rss' CHECK(kind IN ('rss', 'atom', 'jsonfeed', 'html')),
    url TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    interval_minutes INTEGER NOT NULL DEFAULT 30 CHECK(interval_minutes >= 0),
    tags TEXT NOT NULL DEFAULT '[]',
    pause_until DATETIME,
    paused_reason TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    headers TEXT NOT NULL DEFAULT '{}',
    timeout_seconds INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 0,
    backoff_seconds REAL NOT NULL DEFAULT 0,
    min_request_interval_seconds REAL NOT NULL DEFAULT 0,
    allow_keywords TEXT NOT NULL DEFAULT '[]',
    deny_keywords TEXT NOT NULL DEFAULT '[]',
    html_selectors TEXT,
    etag TEXT NOT NULL DEFAULT '',
    last_modified TEXT NOT NULL DEFAULT '',
    last_run_at DATETIME,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sources_enabled ON sources(enabled);

-- Source health journal (append-only, one row per ingest attempt)
CREATE TABLE IF NOT EXISTS source_health (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id TEXT NOT NULL,
    ts DATETIME NOT NULL,
    ok INTEGER NOT NULL DEFAULT 0,
    http_status INTEGER,
    found_count INTEGER NOT NULL DEFAULT 0,
    accepted_count INTEGER NOT NULL DEFAULT 0,
    seen_count INTEGER NOT NULL DEFAULT 0,
    filtered_count INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    FOREIGN KEY (source_id) REFERENCES sources(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_source_health_source_ts ON source_health(source_id, ts DESC);

-- Articles table (normalized items; id is the stable content hash)
CREATE TABLE IF NOT EXISTS articles (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    original_url TEXT NOT NULL DEFAULT '',
    canonical_url TEXT NOT NULL,
    published_at DATETIME,
    ingested_at DATETIME NOT NULL,
    author TEXT NOT NULL DEFAULT '',
    content_text TEXT NOT NULL DEFAULT '',
    content_html_excerpt TEXT NOT NULL DEFAULT '',
    content_fetched_at DATETIME,
    content_error TEXT NOT NULL DEFAULT '',
    summary_llm TEXT NOT NULL DEFAULT '',
    summary_error TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '[]',
    published_md_path TEXT NOT NULL DEFAULT '',
    content_fingerprint TEXT NOT NULL DEFAULT '',
    FOREIGN KEY (source_id) REFERENCES sources(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_articles_source ON articles(source_id);
CREATE INDEX IF NOT EXISTS idx_articles_ingested ON articles(ingested_at);
CREATE INDEX IF NOT EXISTS idx_articles_fingerprint ON articles(content_fingerprint);
CREATE UNIQUE INDEX IF NOT EXISTS idx_articles_source_url ON articles(source_id, canonical_url);

-- Article-to-CVE links. No FK on cve_id: articles may cite CVEs the
-- sync has not pulled yet.
CREATE TABLE IF NOT EXISTS article_cves (
    article_id TEXT NOT NULL,
    cve_id TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    confidence_band TEXT NOT NULL DEFAULT '',
    reasons TEXT NOT NULL DEFAULT '[]',
    evidence_json TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    PRIMARY KEY (article_id, cve_id),
    FOREIGN KEY (article_id) REFERENCES articles(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_article_cves_cve ON article_cves(cve_id);

-- CVE records (canonical internal shape of NVD data)
CREATE TABLE IF NOT EXISTS cves (
    cve_id TEXT PRIMARY KEY,
    published_at DATETIME,
    last_modified_at DATETIME,
    last_seen_at DATETIME NOT NULL,
    description_text TEXT NOT NULL DEFAULT '',
    preferred_cvss_version TEXT NOT NULL DEFAULT 'none'
        CHECK(preferred_cvss_version IN ('4.0', '3.1', 'none')),
    preferred_base_score REAL,
    preferred_base_severity TEXT NOT NULL DEFAULT '',
    preferred_vector TEXT NOT NULL DEFAULT '',
    cvss_v31_json TEXT,
    cvss_v40_json TEXT,
    affected_products TEXT NOT NULL DEFAULT '[]',
    affected_cpes TEXT NOT NULL DEFAULT '[]',
    reference_domains TEXT NOT NULL DEFAULT '[]',
    snapshot_hash TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cves_last_modified ON cves(last_modified_at);
CREATE INDEX IF NOT EXISTS idx_cves_severity ON cves(preferred_base_severity);

-- CVE change journal (append-only, one row per detected delta)
CREATE TABLE IF NOT EXISTS cve_changes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cve_id TEXT NOT NULL,
    change_at DATETIME NOT NULL,
    change_type TEXT NOT NULL,
    from_value TEXT NOT NULL DEFAULT '',
    to_value TEXT NOT NULL DEFAULT '',
    diff_json TEXT,
    FOREIGN KEY (cve_id) REFERENCES cves(cve_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_cve_changes_cve ON cve_changes(cve_id, change_at DESC);
CREATE INDEX IF NOT EXISTS idx_cve_changes_at ON cve_changes(change_at);

-- Vendor and product catalog (normalized names)
CREATE TABLE IF NOT EXISTS vendors (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name_norm TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS products (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    vendor_id INTEGER NOT NULL,
    name_norm TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    product_key TEXT NOT NULL UNIQUE,
    FOREIGN KEY (vendor_id) REFERENCES vendors(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_products_vendor ON products(vendor_id);

CREATE TABLE IF NOT EXISTS cve_products (
    cve_id TEXT NOT NULL,
    product_key TEXT NOT NULL,
    PRIMARY KEY (cve_id, product_key),
    FOREIGN KEY (cve_id) REFERENCES cves(cve_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_cve_products_key ON cve_products(product_key);

-- Events table (durable narrative groupings)
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    event_key TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL CHECK(kind IN ('cve_cluster', 'incident', 'product_change', 'manual')),
    title TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'proposed'
        CHECK(status IN ('proposed', 'active', 'updating', 'dormant', 'closed')),
    first_seen_at DATETIME NOT NULL,
    last_seen_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
CREATE INDEX IF NOT EXISTS idx_events_updated ON events(updated_at);

-- Event link tables. Rebuilds replace links wholesale, so each table
-- keys on (event_id, item).
CREATE TABLE IF NOT EXISTS event_cves (
    event_id TEXT NOT NULL,
    cve_id TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    confidence_band TEXT NOT NULL DEFAULT '',
    reasons TEXT NOT NULL DEFAULT '[]',
    evidence_json TEXT,
    PRIMARY KEY (event_id, cve_id),
    FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_event_cves_cve ON event_cves(cve_id);

CREATE TABLE IF NOT EXISTS event_products (
    event_id TEXT NOT NULL,
    product_key TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    confidence_band TEXT NOT NULL DEFAULT '',
    reasons TEXT NOT NULL DEFAULT '[]',
    evidence_json TEXT,
    PRIMARY KEY (event_id, product_key),
    FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_event_products_key ON event_products(product_key);

CREATE TABLE IF NOT EXISTS event_articles (
    event_id TEXT NOT NULL,
    article_id TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    confidence_band TEXT NOT NULL DEFAULT '',
    reasons TEXT NOT NULL DEFAULT '[]',
    evidence_json TEXT,
    PRIMARY KEY (event_id, article_id),
    FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_event_articles_article ON event_articles(article_id);

-- LLM administration tables
CREATE TABLE IF NOT EXISTS llm_providers (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL CHECK(kind IN ('openai_compatible', 'anthropic')),
    base_url TEXT NOT NULL DEFAULT '',
    secret_id TEXT NOT NULL DEFAULT '',
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS llm_secrets (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    ciphertext BLOB NOT NULL,
    nonce BLOB NOT NULL,
    key_id TEXT NOT NULL DEFAULT '',
    last4 TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS llm_models (
    id TEXT PRIMARY KEY,
    provider_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    enabled INTEGER NOT NULL DEFAULT 1,
    FOREIGN KEY (provider_id) REFERENCES llm_providers(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS llm_prompts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    system_template TEXT NOT NULL DEFAULT '',
    user_template TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS llm_schemas (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    document TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS llm_profiles (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    provider_id TEXT NOT NULL,
    model_id TEXT NOT NULL,
    prompt_id TEXT NOT NULL,
    schema_id TEXT NOT NULL DEFAULT '',
    params TEXT NOT NULL DEFAULT '{}',
    fallback_profile_id TEXT NOT NULL DEFAULT '',
    enabled INTEGER NOT NULL DEFAULT 1,
    FOREIGN KEY (provider_id) REFERENCES llm_providers(id) ON DELETE CASCADE
);

-- Pipeline stage to profile routing
CREATE TABLE IF NOT EXISTS llm_stage_routes (
    stage TEXT PRIMARY KEY,
    profile_id TEXT NOT NULL,
    FOREIGN KEY (profile_id) REFERENCES llm_profiles(id) ON DELETE CASCADE
);

-- LLM run journal (append-only, one row per provider call)
CREATE TABLE IF NOT EXISTS llm_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts DATETIME NOT NULL,
    stage TEXT NOT NULL DEFAULT '',
    profile_id TEXT NOT NULL DEFAULT '',
    provider_id TEXT NOT NULL DEFAULT '',
    model_id TEXT NOT NULL DEFAULT '',
    prompt_name TEXT NOT NULL DEFAULT '',
    latency_ms INTEGER NOT NULL DEFAULT 0,
    ok INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    prompt_tokens INTEGER,
    completion_tokens INTEGER
);

CREATE INDEX IF NOT EXISTS idx_llm_runs_ts ON llm_runs(ts);
CREATE INDEX IF NOT EXISTS idx_llm_runs_stage ON llm_runs(stage, ts DESC);

-- Runtime config table (key -> JSON value, editable without restart)
CREATE TABLE IF NOT EXISTS runtime_config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);

-- Applied migrations ledger
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

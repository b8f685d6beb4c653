package postgres

// Schema mirrors the sqlite backend with Postgres types.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	token_hash       TEXT NOT NULL,
	seed_url         TEXT NOT NULL,
	allowed_host     TEXT NOT NULL,
	max_pages        INTEGER NOT NULL,
	timeout_seconds  INTEGER NOT NULL,
	ignore_prefixes  TEXT NOT NULL DEFAULT '[]',
	use_js           BOOLEAN NOT NULL DEFAULT FALSE,
	state            TEXT NOT NULL DEFAULT 'queued',
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	pages_fetched    INTEGER NOT NULL DEFAULT 0,
	pages_exported   INTEGER NOT NULL DEFAULT 0,
	errors_count     INTEGER NOT NULL DEFAULT 0,
	restart_count    INTEGER NOT NULL DEFAULT 0,
	site_status      TEXT NOT NULL DEFAULT 'unknown',
	block_evidence   TEXT,
	last_error       TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	expires_at       TIMESTAMPTZ NOT NULL,
	heartbeat_at     TIMESTAMPTZ,
	last_progress_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_at);

CREATE TABLE IF NOT EXISTS url_frontier (
	id                  BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	job_id              TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	url                 TEXT NOT NULL,
	canonical_url       TEXT NOT NULL,
	state               TEXT NOT NULL DEFAULT 'queued',
	depth               INTEGER NOT NULL DEFAULT 0,
	priority            INTEGER NOT NULL DEFAULT 0,
	retry_count         INTEGER NOT NULL DEFAULT 0,
	last_error          TEXT,
	last_status_code    INTEGER,
	discovered_at       TIMESTAMPTZ NOT NULL,
	earliest_visible_at TIMESTAMPTZ,
	leased_at           TIMESTAMPTZ,
	leased_by           TEXT,
	lease_expires_at    TIMESTAMPTZ,
	fetched_at          TIMESTAMPTZ,
	parsed_at           TIMESTAMPTZ,
	stored_at           TIMESTAMPTZ,
	UNIQUE(job_id, canonical_url)
);

CREATE INDEX IF NOT EXISTS idx_frontier_lease
	ON url_frontier(job_id, state, priority, depth, discovered_at);

CREATE TABLE IF NOT EXISTS documents (
	id                TEXT PRIMARY KEY,
	job_id            TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	content_hash      TEXT NOT NULL,
	title_hash        TEXT,
	primary_url       TEXT NOT NULL,
	primary_canonical TEXT NOT NULL,
	title             TEXT,
	language          TEXT,
	doc_type          TEXT NOT NULL DEFAULT 'article',
	quality_score     DOUBLE PRECISION,
	quality_passed    BOOLEAN NOT NULL DEFAULT TRUE,
	first_seen_at     TIMESTAMPTZ NOT NULL,
	last_seen_at      TIMESTAMPTZ NOT NULL,
	version           INTEGER NOT NULL DEFAULT 1,
	UNIQUE(job_id, content_hash)
);

CREATE TABLE IF NOT EXISTS document_urls (
	document_id   TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	job_id        TEXT NOT NULL,
	url           TEXT NOT NULL,
	canonical_url TEXT NOT NULL,
	reason        TEXT NOT NULL,
	is_primary    BOOLEAN NOT NULL DEFAULT FALSE,
	discovered_at TIMESTAMPTZ NOT NULL,
	UNIQUE(document_id, canonical_url)
);

CREATE TABLE IF NOT EXISTS job_events (
	id     BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	level  TEXT NOT NULL,
	event  TEXT NOT NULL,
	data   TEXT,
	at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_job ON job_events(job_id, id);

CREATE TABLE IF NOT EXISTS job_artifacts (
	job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	path       TEXT NOT NULL,
	byte_size  BIGINT NOT NULL,
	sha256     TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE(job_id, kind)
);
`

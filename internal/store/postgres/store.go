// Package postgres implements the crawl Store on PostgreSQL for deployments
// that outgrow the embedded SQLite file. Semantics match the sqlite backend;
// row locking uses FOR UPDATE SKIP LOCKED so several supervisors can share
// one database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skrapp/skrapp/internal/crawler"
)

// DB is the pool surface the store needs; *pgxpool.Pool and pgxmock's pool
// both satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store is the Postgres-backed crawler.Store.
type Store struct {
	db    DB
	clock crawler.Clock
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string, clock crawler.Clock) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	st := NewWithPool(pool, clock)
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

// NewWithPool wraps an existing pool; used by tests with pgxmock.
func NewWithPool(db DB, clock crawler.Clock) *Store {
	return &Store{db: db, clock: clock}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// CreateJob inserts a queued job.
func (s *Store) CreateJob(ctx context.Context, job crawler.Job) error {
	prefixes, err := json.Marshal(job.Config.IgnorePathPrefixes)
	if err != nil {
		return fmt.Errorf("marshal ignore prefixes: %w", err)
	}
	state := job.State
	if state == "" {
		state = crawler.JobQueued
	}
	status := job.SiteStatus
	if status == "" {
		status = crawler.SiteUnknown
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO jobs (
			id, token_hash, seed_url, allowed_host, max_pages, timeout_seconds,
			ignore_prefixes, use_js, state, site_status, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.TokenHash, job.Config.SeedURL, job.Config.AllowedHost,
		job.Config.MaxPages, job.Config.TimeoutSeconds, string(prefixes),
		job.Config.UseJS, string(state), string(status),
		job.CreatedAt.UTC(), job.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, token_hash, seed_url, allowed_host, max_pages, timeout_seconds,
	ignore_prefixes, use_js, state, cancel_requested, pages_fetched, pages_exported,
	errors_count, restart_count, site_status, block_evidence, last_error,
	created_at, started_at, finished_at, expires_at, heartbeat_at, last_progress_at`

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		j                        crawler.Job
		prefixes, state, status  string
		blockEvidence, lastError *string
	)
	err := row.Scan(
		&j.ID, &j.TokenHash, &j.Config.SeedURL, &j.Config.AllowedHost,
		&j.Config.MaxPages, &j.Config.TimeoutSeconds, &prefixes, &j.Config.UseJS,
		&state, &j.CancelRequested, &j.PagesFetched, &j.PagesExported,
		&j.ErrorsCount, &j.RestartCount, &status, &blockEvidence, &lastError,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.ExpiresAt, &j.HeartbeatAt, &j.LastProgressAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("scan job: %w", err)
	}
	_ = json.Unmarshal([]byte(prefixes), &j.Config.IgnorePathPrefixes)
	j.State = crawler.JobState(state)
	j.SiteStatus = crawler.SiteStatus(status)
	if blockEvidence != nil {
		j.BlockEvidence = *blockEvidence
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return j, nil
}

// GetJob fetches one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	return scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
}

// ClaimNextQueuedJob atomically moves the oldest queued job to running.
func (s *Store) ClaimNextQueuedJob(ctx context.Context, workerID string) (crawler.Job, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := scanJob(tx.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE state = $1
		ORDER BY created_at ASC LIMIT 1
		FOR UPDATE SKIP LOCKED`, string(crawler.JobQueued)))
	if err != nil {
		return crawler.Job{}, err
	}

	now := s.clock.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET state = $1, started_at = $2, heartbeat_at = $2, last_progress_at = $2
		WHERE id = $3`, string(crawler.JobRunning), now, job.ID); err != nil {
		return crawler.Job{}, fmt.Errorf("claim job: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_events (job_id, level, event, data, at) VALUES ($1, $2, $3, $4, $5)`,
		job.ID, string(crawler.EventInfo), "claimed",
		fmt.Sprintf(`{"worker_id":%q}`, workerID), now); err != nil {
		return crawler.Job{}, fmt.Errorf("log claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return crawler.Job{}, fmt.Errorf("commit claim: %w", err)
	}
	job.State = crawler.JobRunning
	job.StartedAt = &now
	job.HeartbeatAt = &now
	job.LastProgressAt = &now
	return job, nil
}

// Heartbeat records liveness and forward-only progress counters.
func (s *Store) Heartbeat(ctx context.Context, jobID string, pagesFetched int, lastProgressAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = $1,
			pages_fetched = GREATEST(pages_fetched, $2),
			last_progress_at = $3
		WHERE id = $4 AND state IN ('queued', 'running', 'finalizing')`,
		s.clock.Now().UTC(), pagesFetched, lastProgressAt.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// SetState applies a validated lifecycle transition.
func (s *Store) SetState(ctx context.Context, jobID string, state crawler.JobState, lastError string) error {
	return s.transition(ctx, jobID, state, lastError, false)
}

// MarkRestart re-queues a running job and bumps restart_count.
func (s *Store) MarkRestart(ctx context.Context, jobID string) error {
	return s.transition(ctx, jobID, crawler.JobQueued, "", true)
}

func (s *Store) transition(ctx context.Context, jobID string, to crawler.JobState, lastError string, restart bool) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var from string
	err = tx.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if !crawler.CanTransition(crawler.JobState(from), to, restart) {
		return fmt.Errorf("%w: %s -> %s", crawler.ErrInvalidTransition, from, to)
	}

	now := s.clock.Now().UTC()
	set := `state = $1`
	args := []any{string(to)}
	n := 1
	if to.Terminal() {
		n++
		set += fmt.Sprintf(`, finished_at = $%d`, n)
		args = append(args, now)
	}
	if restart {
		set += `, restart_count = restart_count + 1, started_at = NULL, heartbeat_at = NULL, last_progress_at = NULL`
	}
	if lastError != "" {
		n++
		set += fmt.Sprintf(`, last_error = $%d`, n)
		args = append(args, lastError)
	}
	n++
	args = append(args, jobID)
	if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d`, set, n), args...); err != nil {
		return fmt.Errorf("update state: %w", err)
	}

	level := crawler.EventInfo
	if to == crawler.JobFailed {
		level = crawler.EventError
	}
	data, _ := json.Marshal(map[string]any{"from": from, "to": string(to), "error": lastError})
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_events (job_id, level, event, data, at) VALUES ($1, $2, $3, $4, $5)`,
		jobID, string(level), "state_change", string(data), now); err != nil {
		return fmt.Errorf("log transition: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// RequestCancel sets the cooperative cancel flag.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE jobs SET cancel_requested = TRUE WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// UpdateSiteStatus records the derived site status and evidence.
func (s *Store) UpdateSiteStatus(ctx context.Context, jobID string, status crawler.SiteStatus, evidence string) error {
	var ev *string
	if evidence != "" {
		ev = &evidence
	}
	if _, err := s.db.Exec(ctx, `
		UPDATE jobs SET site_status = $1, block_evidence = COALESCE($2, block_evidence)
		WHERE id = $3`, string(status), ev, jobID); err != nil {
		return fmt.Errorf("update site status: %w", err)
	}
	return nil
}

// SetPagesExported records the export counter for a non-terminal job.
func (s *Store) SetPagesExported(ctx context.Context, jobID string, exported int) error {
	if _, err := s.db.Exec(ctx, `
		UPDATE jobs SET pages_exported = GREATEST(pages_exported, $1)
		WHERE id = $2 AND state IN ('queued', 'running', 'finalizing')`,
		exported, jobID); err != nil {
		return fmt.Errorf("set pages exported: %w", err)
	}
	return nil
}

// AddErrors bumps the error counter of a non-terminal job.
func (s *Store) AddErrors(ctx context.Context, jobID string, n int) error {
	if n <= 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, `
		UPDATE jobs SET errors_count = errors_count + $1
		WHERE id = $2 AND state IN ('queued', 'running', 'finalizing')`, n, jobID); err != nil {
		return fmt.Errorf("add errors: %w", err)
	}
	return nil
}

// ListActiveJobs returns every non-terminal job, oldest first.
func (s *Store) ListActiveJobs(ctx context.Context) ([]crawler.Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN ('queued', 'running', 'finalizing')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawler.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// ExpireJobs moves TTL-elapsed non-terminal jobs to expired.
func (s *Store) ExpireJobs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE jobs SET state = 'expired', finished_at = $1
		WHERE state IN ('queued', 'running', 'finalizing') AND expires_at <= $1
		RETURNING id`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("expire jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired: %w", err)
	}
	return ids, nil
}

// EnqueueURL inserts a frontier entry; duplicates are dropped.
func (s *Store) EnqueueURL(ctx context.Context, jobID, url, canonicalURL string, depth, priority int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO url_frontier (job_id, url, canonical_url, state, depth, priority, discovered_at)
		VALUES ($1, $2, $3, 'queued', $4, $5, $6)
		ON CONFLICT (job_id, canonical_url) DO NOTHING`,
		jobID, url, canonicalURL, depth, priority, s.clock.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("enqueue url: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const frontierColumns = `id, job_id, url, canonical_url, state, depth, priority,
	retry_count, last_error, last_status_code, discovered_at, earliest_visible_at,
	leased_at, leased_by, lease_expires_at, fetched_at, parsed_at, stored_at`

func scanEntry(row pgx.Row) (crawler.FrontierEntry, error) {
	var (
		e                   crawler.FrontierEntry
		state               string
		lastError, leasedBy *string
		lastStatus          *int
	)
	err := row.Scan(
		&e.ID, &e.JobID, &e.URL, &e.CanonicalURL, &state, &e.Depth, &e.Priority,
		&e.RetryCount, &lastError, &lastStatus, &e.DiscoveredAt, &e.EarliestVisibleAt,
		&e.LeasedAt, &leasedBy, &e.LeaseExpiresAt, &e.FetchedAt, &e.ParsedAt, &e.StoredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.FrontierEntry{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.FrontierEntry{}, fmt.Errorf("scan frontier entry: %w", err)
	}
	e.State = crawler.FrontierState(state)
	if lastError != nil {
		e.LastError = *lastError
	}
	if leasedBy != nil {
		e.LeasedBy = *leasedBy
	}
	if lastStatus != nil {
		e.LastStatus = *lastStatus
	}
	return e, nil
}

// LeaseURLs atomically claims up to lease.Batch visible entries.
func (s *Store) LeaseURLs(ctx context.Context, lease crawler.URLLease) ([]crawler.FrontierEntry, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lease: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.clock.Now().UTC()
	rows, err := tx.Query(ctx, `
		SELECT `+frontierColumns+` FROM url_frontier
		WHERE job_id = $1 AND (
			(state = 'queued' AND (earliest_visible_at IS NULL OR earliest_visible_at <= $2))
			OR (state = 'fetching' AND lease_expires_at < $2)
		)
		ORDER BY priority DESC, depth ASC, discovered_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`, lease.JobID, now, lease.Batch)
	if err != nil {
		return nil, fmt.Errorf("select leasable: %w", err)
	}
	var entries []crawler.FrontierEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leasable: %w", err)
	}

	expires := now.Add(lease.TTL)
	leased := entries[:0]
	for _, e := range entries {
		if e.State == crawler.FrontierFetching {
			e.RetryCount++
		}
		if e.RetryCount > crawler.MaxURLRetries {
			if _, err := tx.Exec(ctx, `
				UPDATE url_frontier SET state = 'failed', leased_at = NULL, leased_by = NULL,
					lease_expires_at = NULL, last_error = 'retry budget exhausted'
				WHERE id = $1`, e.ID); err != nil {
				return nil, fmt.Errorf("fail exhausted entry: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE url_frontier SET state = 'fetching', leased_at = $1, leased_by = $2,
				lease_expires_at = $3, retry_count = $4 WHERE id = $5`,
			now, lease.WorkerID, expires, e.RetryCount, e.ID); err != nil {
			return nil, fmt.Errorf("lease entry: %w", err)
		}
		e.State = crawler.FrontierFetching
		nowCopy, expCopy := now, expires
		e.LeasedAt, e.LeaseExpiresAt = &nowCopy, &expCopy
		e.LeasedBy = lease.WorkerID
		leased = append(leased, e)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}
	return leased, nil
}

// CompleteURL finishes a leased entry with the given outcome.
func (s *Store) CompleteURL(ctx context.Context, entryID int64, outcome crawler.CompleteOutcome) error {
	now := s.clock.Now().UTC()
	var errText *string
	if outcome.Error != "" {
		errText = &outcome.Error
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE url_frontier SET
			state = $1,
			leased_at = NULL, leased_by = NULL, lease_expires_at = NULL,
			last_status_code = $2,
			last_error = COALESCE($3, last_error),
			fetched_at = CASE WHEN $1 IN ('fetched', 'parsed', 'stored') THEN COALESCE(fetched_at, $4) ELSE fetched_at END,
			parsed_at  = CASE WHEN $1 IN ('parsed', 'stored') THEN COALESCE(parsed_at, $4) ELSE parsed_at END,
			stored_at  = CASE WHEN $1 = 'stored' THEN $4 ELSE stored_at END
		WHERE id = $5`,
		string(outcome.State), outcome.StatusCode, errText, now, entryID)
	if err != nil {
		return fmt.Errorf("complete url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// RequeueURL returns a leased entry to the queue with deferred visibility,
// or fails it past the retry budget.
func (s *Store) RequeueURL(ctx context.Context, entryID int64, lastError string, statusCode int, earliestVisible time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE url_frontier SET
			state = CASE WHEN retry_count + 1 > $1 THEN 'failed' ELSE 'queued' END,
			retry_count = CASE WHEN retry_count + 1 > $1 THEN retry_count ELSE retry_count + 1 END,
			last_error = $2, last_status_code = $3,
			earliest_visible_at = $4,
			leased_at = NULL, leased_by = NULL, lease_expires_at = NULL
		WHERE id = $5`,
		crawler.MaxURLRetries, lastError, statusCode, earliestVisible.UTC(), entryID)
	if err != nil {
		return fmt.Errorf("requeue url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// ExpireStaleLeases releases fetching entries whose lease elapsed.
func (s *Store) ExpireStaleLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE url_frontier SET state = 'queued', leased_at = NULL, leased_by = NULL, lease_expires_at = NULL
		WHERE state = 'fetching' AND lease_expires_at < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire stale leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ResetFrontierForFallback re-queues every non-terminal entry of the job.
func (s *Store) ResetFrontierForFallback(ctx context.Context, jobID string) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE url_frontier SET state = 'queued', leased_at = NULL, leased_by = NULL,
			lease_expires_at = NULL, earliest_visible_at = NULL
		WHERE job_id = $1 AND state IN ('queued', 'fetching', 'fetched', 'parsed')`, jobID)
	if err != nil {
		return 0, fmt.Errorf("reset frontier: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FrontierStats counts the job's entries per state.
func (s *Store) FrontierStats(ctx context.Context, jobID string) (crawler.FrontierStats, error) {
	rows, err := s.db.Query(ctx, `
		SELECT state, COUNT(*) FROM url_frontier WHERE job_id = $1 GROUP BY state`, jobID)
	if err != nil {
		return crawler.FrontierStats{}, fmt.Errorf("frontier stats: %w", err)
	}
	defer rows.Close()

	var stats crawler.FrontierStats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return crawler.FrontierStats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch crawler.FrontierState(state) {
		case crawler.FrontierQueued:
			stats.Queued = n
		case crawler.FrontierFetching:
			stats.Fetching = n
		case crawler.FrontierFetched:
			stats.Fetched = n
		case crawler.FrontierParsed:
			stats.Parsed = n
		case crawler.FrontierStored:
			stats.Stored = n
		case crawler.FrontierFailed:
			stats.Failed = n
		case crawler.FrontierSkipped:
			stats.Skipped = n
		}
	}
	if err := rows.Err(); err != nil {
		return crawler.FrontierStats{}, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

const documentColumns = `id, job_id, content_hash, title_hash, primary_url, primary_canonical,
	title, language, doc_type, quality_score, quality_passed, first_seen_at, last_seen_at, version`

func scanDocument(row pgx.Row) (crawler.Document, error) {
	var (
		d                      crawler.Document
		titleHash, title, lang *string
	)
	err := row.Scan(&d.ID, &d.JobID, &d.ContentHash, &titleHash, &d.PrimaryURL,
		&d.PrimaryCanonical, &title, &lang, &d.DocType, &d.QualityScore,
		&d.QualityPassed, &d.FirstSeenAt, &d.LastSeenAt, &d.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Document{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Document{}, fmt.Errorf("scan document: %w", err)
	}
	if titleHash != nil {
		d.TitleHash = *titleHash
	}
	if title != nil {
		d.Title = *title
	}
	if lang != nil {
		d.Language = *lang
	}
	return d, nil
}

// UpsertDocument returns the existing document for (job_id, content_hash) or
// inserts doc.
func (s *Store) UpsertDocument(ctx context.Context, doc crawler.Document) (crawler.Document, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return crawler.Document{}, false, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.clock.Now().UTC()
	existing, err := scanDocument(tx.QueryRow(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE job_id = $1 AND content_hash = $2 FOR UPDATE`, doc.JobID, doc.ContentHash))
	if err == nil {
		if _, err := tx.Exec(ctx, `
			UPDATE documents SET last_seen_at = $1, version = version + 1 WHERE id = $2`,
			now, existing.ID); err != nil {
			return crawler.Document{}, false, fmt.Errorf("touch document: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return crawler.Document{}, false, fmt.Errorf("commit touch: %w", err)
		}
		existing.LastSeenAt = now
		existing.Version++
		return existing, false, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Document{}, false, err
	}

	doc.FirstSeenAt = now
	doc.LastSeenAt = now
	doc.Version = 1
	if doc.DocType == "" {
		doc.DocType = "article"
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO documents (id, job_id, content_hash, title_hash, primary_url,
			primary_canonical, title, language, doc_type, quality_score,
			quality_passed, first_seen_at, last_seen_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)`,
		doc.ID, doc.JobID, doc.ContentHash, doc.TitleHash, doc.PrimaryURL,
		doc.PrimaryCanonical, doc.Title, doc.Language, doc.DocType,
		doc.QualityScore, doc.QualityPassed, now, now); err != nil {
		return crawler.Document{}, false, fmt.Errorf("insert document: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO document_urls (document_id, job_id, url, canonical_url, reason, is_primary, discovered_at)
		VALUES ($1, $2, $3, $4, 'canonical', TRUE, $5)
		ON CONFLICT (document_id, canonical_url) DO NOTHING`,
		doc.ID, doc.JobID, doc.PrimaryURL, doc.PrimaryCanonical, now); err != nil {
		return crawler.Document{}, false, fmt.Errorf("insert primary alias: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return crawler.Document{}, false, fmt.Errorf("commit upsert: %w", err)
	}
	return doc, true, nil
}

// AttachURLAlias records a url→document mapping; duplicates no-op.
func (s *Store) AttachURLAlias(ctx context.Context, alias crawler.DocumentURL) error {
	at := alias.DiscoveredAt
	if at.IsZero() {
		at = s.clock.Now()
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO document_urls (document_id, job_id, url, canonical_url, reason, is_primary, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (document_id, canonical_url) DO NOTHING`,
		alias.DocumentID, alias.JobID, alias.URL, alias.CanonicalURL,
		string(alias.Reason), alias.IsPrimary, at.UTC()); err != nil {
		return fmt.Errorf("attach alias: %w", err)
	}
	return nil
}

// CountDocuments returns the number of distinct documents for a job.
func (s *Store) CountDocuments(ctx context.Context, jobID string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents WHERE job_id = $1`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// LogEvent appends a job event.
func (s *Store) LogEvent(ctx context.Context, jobID string, level crawler.EventLevel, event string, data map[string]any) error {
	var payload *string
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		str := string(raw)
		payload = &str
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO job_events (job_id, level, event, data, at) VALUES ($1, $2, $3, $4, $5)`,
		jobID, string(level), event, payload, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first.
func (s *Store) ListEvents(ctx context.Context, jobID string, limit int) ([]crawler.JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, job_id, level, event, data, at FROM job_events
		WHERE job_id = $1 ORDER BY id DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []crawler.JobEvent
	for rows.Next() {
		var (
			e     crawler.JobEvent
			level string
			data  *string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &level, &e.Event, &data, &e.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Level = crawler.EventLevel(level)
		if data != nil {
			_ = json.Unmarshal([]byte(*data), &e.Data)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// AddArtifact registers (or refreshes) a finalized artifact.
func (s *Store) AddArtifact(ctx context.Context, a crawler.JobArtifact) error {
	at := a.CreatedAt
	if at.IsZero() {
		at = s.clock.Now()
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO job_artifacts (job_id, kind, path, byte_size, sha256, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id, kind) DO UPDATE SET
			path = EXCLUDED.path, byte_size = EXCLUDED.byte_size,
			sha256 = EXCLUDED.sha256, created_at = EXCLUDED.created_at`,
		a.JobID, a.Kind, a.Path, a.ByteSize, a.SHA256, at.UTC()); err != nil {
		return fmt.Errorf("add artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns the registered artifacts for a job.
func (s *Store) ListArtifacts(ctx context.Context, jobID string) ([]crawler.JobArtifact, error) {
	rows, err := s.db.Query(ctx, `
		SELECT job_id, kind, path, byte_size, sha256, created_at
		FROM job_artifacts WHERE job_id = $1 ORDER BY kind`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []crawler.JobArtifact
	for rows.Next() {
		var (
			a   crawler.JobArtifact
			sha *string
		)
		if err := rows.Scan(&a.JobID, &a.Kind, &a.Path, &a.ByteSize, &sha, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if sha != nil {
			a.SHA256 = *sha
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return artifacts, nil
}

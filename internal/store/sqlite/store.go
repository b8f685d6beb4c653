// Package sqlite implements the crawl Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/skrapp/skrapp/internal/crawler"
)

// Store is the SQLite-backed implementation of crawler.Store.
//
// SQLite supports one writer at a time, so the pool is pinned to a single
// connection; WAL mode keeps readers unblocked. Every public method is one
// transaction, which gives the serializable-per-call guarantee the engine
// and supervisor rely on.
type Store struct {
	db    *sql.DB
	clock crawler.Clock
}

// Options configures Open.
type Options struct {
	CreateIfNotExists bool
	EnableWAL         bool
}

// DefaultOptions returns the options used by the daemon.
func DefaultOptions() Options {
	return Options{CreateIfNotExists: true, EnableWAL: true}
}

// Open opens or creates the store at dbPath.
func Open(dbPath string, opts Options, clock crawler.Clock) (*Store, error) {
	if opts.CreateIfNotExists {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	} else if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found at %s: %w", dbPath, err)
	}

	mode := "rwc"
	if !opts.CreateIfNotExists {
		mode = "rw"
	}
	db, err := sql.Open("sqlite", dbPath+"?mode="+mode)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	if _, err := db.ExecContext(context.Background(), "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, clock: clock}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout is fixed-width so stored timestamps compare correctly as
// strings; RFC3339Nano trims trailing zeros and breaks lexicographic order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func mustTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, token_hash, seed_url, allowed_host, max_pages, timeout_seconds,
			ignore_prefixes, use_js, state, site_status, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TokenHash, job.Config.SeedURL, job.Config.AllowedHost,
		job.Config.MaxPages, job.Config.TimeoutSeconds, string(prefixes),
		boolInt(job.Config.UseJS), string(state), string(status),
		fmtTime(job.CreatedAt), fmtTime(job.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, token_hash, seed_url, allowed_host, max_pages, timeout_seconds,
	ignore_prefixes, use_js, state, cancel_requested, pages_fetched, pages_exported,
	errors_count, restart_count, site_status, block_evidence, last_error,
	created_at, started_at, finished_at, expires_at, heartbeat_at, last_progress_at`

func scanJob(row interface{ Scan(...any) error }) (crawler.Job, error) {
	var (
		j                           crawler.Job
		prefixes                    string
		useJS, cancelReq            int
		state, status               string
		blockEvidence, lastError    sql.NullString
		createdAt, expiresAt        string
		startedAt, finishedAt       sql.NullString
		heartbeatAt, lastProgressAt sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.TokenHash, &j.Config.SeedURL, &j.Config.AllowedHost,
		&j.Config.MaxPages, &j.Config.TimeoutSeconds, &prefixes, &useJS,
		&state, &cancelReq, &j.PagesFetched, &j.PagesExported,
		&j.ErrorsCount, &j.RestartCount, &status, &blockEvidence, &lastError,
		&createdAt, &startedAt, &finishedAt, &expiresAt, &heartbeatAt, &lastProgressAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Job{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("scan job: %w", err)
	}
	_ = json.Unmarshal([]byte(prefixes), &j.Config.IgnorePathPrefixes)
	j.Config.UseJS = useJS != 0
	j.State = crawler.JobState(state)
	j.CancelRequested = cancelReq != 0
	j.SiteStatus = crawler.SiteStatus(status)
	j.BlockEvidence = blockEvidence.String
	j.LastError = lastError.String
	j.CreatedAt = mustTime(createdAt)
	j.ExpiresAt = mustTime(expiresAt)
	j.StartedAt = parseTime(startedAt)
	j.FinishedAt = parseTime(finishedAt)
	j.HeartbeatAt = parseTime(heartbeatAt)
	j.LastProgressAt = parseTime(lastProgressAt)
	return j, nil
}

// GetJob fetches one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	return scanJob(row)
}

// ClaimNextQueuedJob atomically moves the oldest queued job to running.
func (s *Store) ClaimNextQueuedJob(ctx context.Context, workerID string) (crawler.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ? ORDER BY created_at ASC LIMIT 1`, string(crawler.JobQueued))
	job, err := scanJob(row)
	if err != nil {
		return crawler.Job{}, err
	}

	now := s.clock.Now()
	nowStr := fmtTime(now)
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, started_at = ?, heartbeat_at = ?, last_progress_at = ?
		WHERE id = ? AND state = ?`,
		string(crawler.JobRunning), nowStr, nowStr, nowStr, job.ID, string(crawler.JobQueued),
	); err != nil {
		return crawler.Job{}, fmt.Errorf("claim job: %w", err)
	}
	if err := logEventTx(ctx, tx, job.ID, crawler.EventInfo, "claimed",
		map[string]any{"worker_id": workerID}, nowStr); err != nil {
		return crawler.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return crawler.Job{}, fmt.Errorf("commit claim: %w", err)
	}

	job.State = crawler.JobRunning
	job.StartedAt = &now
	job.HeartbeatAt = &now
	job.LastProgressAt = &now
	return job, nil
}

// Heartbeat records liveness and progress for a non-terminal job. Counters
// only move forward.
func (s *Store) Heartbeat(ctx context.Context, jobID string, pagesFetched int, lastProgressAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			heartbeat_at = ?,
			pages_fetched = MAX(pages_fetched, ?),
			last_progress_at = ?
		WHERE id = ? AND state IN (?, ?, ?)`,
		fmtTime(s.clock.Now()), pagesFetched, fmtTime(lastProgressAt),
		jobID, string(crawler.JobQueued), string(crawler.JobRunning), string(crawler.JobFinalizing),
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var from string
	err = tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, jobID).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if !crawler.CanTransition(crawler.JobState(from), to, restart) {
		return fmt.Errorf("%w: %s -> %s", crawler.ErrInvalidTransition, from, to)
	}

	now := s.clock.Now()
	nowStr := fmtTime(now)
	set := `state = ?`
	args := []any{string(to)}
	if to.Terminal() {
		set += `, finished_at = ?`
		args = append(args, nowStr)
	}
	if restart {
		set += `, restart_count = restart_count + 1, started_at = NULL, heartbeat_at = NULL, last_progress_at = NULL`
	}
	if lastError != "" {
		set += `, last_error = ?`
		args = append(args, lastError)
	}
	args = append(args, jobID)
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET `+set+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("update state: %w", err)
	}

	data := map[string]any{"from": from, "to": string(to)}
	if lastError != "" {
		data["error"] = lastError
	}
	level := crawler.EventInfo
	if to == crawler.JobFailed {
		level = crawler.EventError
	}
	if err := logEventTx(ctx, tx, jobID, level, "state_change", data, nowStr); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// RequestCancel sets the cooperative cancel flag.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1 WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// UpdateSiteStatus records the derived site status and its evidence.
func (s *Store) UpdateSiteStatus(ctx context.Context, jobID string, status crawler.SiteStatus, evidence string) error {
	var ev any
	if evidence != "" {
		ev = evidence
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET site_status = ?, block_evidence = COALESCE(?, block_evidence) WHERE id = ?`,
		string(status), ev, jobID); err != nil {
		return fmt.Errorf("update site status: %w", err)
	}
	return nil
}

// SetPagesExported records the final export counter.
func (s *Store) SetPagesExported(ctx context.Context, jobID string, exported int) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET pages_exported = MAX(pages_exported, ?)
		WHERE id = ? AND state IN (?, ?, ?)`,
		exported, jobID,
		string(crawler.JobQueued), string(crawler.JobRunning), string(crawler.JobFinalizing),
	); err != nil {
		return fmt.Errorf("set pages exported: %w", err)
	}
	return nil
}

// AddErrors bumps the error counter of a non-terminal job.
func (s *Store) AddErrors(ctx context.Context, jobID string, n int) error {
	if n <= 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET errors_count = errors_count + ?
		WHERE id = ? AND state IN (?, ?, ?)`,
		n, jobID,
		string(crawler.JobQueued), string(crawler.JobRunning), string(crawler.JobFinalizing),
	); err != nil {
		return fmt.Errorf("add errors: %w", err)
	}
	return nil
}

// ListActiveJobs returns every non-terminal job, oldest first.
func (s *Store) ListActiveJobs(ctx context.Context) ([]crawler.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN (?, ?, ?) ORDER BY created_at ASC`,
		string(crawler.JobQueued), string(crawler.JobRunning), string(crawler.JobFinalizing))
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expire: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE state IN (?, ?, ?) AND expires_at <= ?`,
		string(crawler.JobQueued), string(crawler.JobRunning), string(crawler.JobFinalizing),
		fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("select expired: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired: %w", err)
	}

	nowStr := fmtTime(now)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = ?, finished_at = ? WHERE id = ?`,
			string(crawler.JobExpired), nowStr, id); err != nil {
			return nil, fmt.Errorf("expire job %s: %w", id, err)
		}
		if err := logEventTx(ctx, tx, id, crawler.EventWarn, "expired", nil, nowStr); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire: %w", err)
	}
	return ids, nil
}

// EnqueueURL inserts a frontier entry; duplicates on (job_id, canonical_url)
// are dropped.
func (s *Store) EnqueueURL(ctx context.Context, jobID, url, canonicalURL string, depth, priority int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO url_frontier (job_id, url, canonical_url, state, depth, priority, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, canonical_url) DO NOTHING`,
		jobID, url, canonicalURL, string(crawler.FrontierQueued), depth, priority,
		fmtTime(s.clock.Now()))
	if err != nil {
		return false, fmt.Errorf("enqueue url: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue rows affected: %w", err)
	}
	return n > 0, nil
}

const frontierColumns = `id, job_id, url, canonical_url, state, depth, priority,
	retry_count, last_error, last_status_code, discovered_at, earliest_visible_at,
	leased_at, leased_by, lease_expires_at, fetched_at, parsed_at, stored_at`

func scanEntry(row interface{ Scan(...any) error }) (crawler.FrontierEntry, error) {
	var (
		e                        crawler.FrontierEntry
		state, discoveredAt      string
		lastError, leasedBy      sql.NullString
		lastStatus               sql.NullInt64
		earliestVisible          sql.NullString
		leasedAt, leaseExpiresAt sql.NullString
		fetchedAt, parsedAt      sql.NullString
		storedAt                 sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.JobID, &e.URL, &e.CanonicalURL, &state, &e.Depth, &e.Priority,
		&e.RetryCount, &lastError, &lastStatus, &discoveredAt, &earliestVisible,
		&leasedAt, &leasedBy, &leaseExpiresAt, &fetchedAt, &parsedAt, &storedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.FrontierEntry{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.FrontierEntry{}, fmt.Errorf("scan frontier entry: %w", err)
	}
	e.State = crawler.FrontierState(state)
	e.LastError = lastError.String
	e.LastStatus = int(lastStatus.Int64)
	e.LeasedBy = leasedBy.String
	e.DiscoveredAt = mustTime(discoveredAt)
	e.EarliestVisibleAt = parseTime(earliestVisible)
	e.LeasedAt = parseTime(leasedAt)
	e.LeaseExpiresAt = parseTime(leaseExpiresAt)
	e.FetchedAt = parseTime(fetchedAt)
	e.ParsedAt = parseTime(parsedAt)
	e.StoredAt = parseTime(storedAt)
	return e, nil
}

// LeaseURLs atomically claims up to lease.Batch visible entries for one
// worker. Visible means queued past its visibility deferral, or fetching
// under an expired lease (which costs the entry a retry).
func (s *Store) LeaseURLs(ctx context.Context, lease crawler.URLLease) ([]crawler.FrontierEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock.Now()
	nowStr := fmtTime(now)
	rows, err := tx.QueryContext(ctx, `
		SELECT `+frontierColumns+` FROM url_frontier
		WHERE job_id = ? AND (
			(state = ? AND (earliest_visible_at IS NULL OR earliest_visible_at <= ?))
			OR (state = ? AND lease_expires_at < ?)
		)
		ORDER BY priority DESC, depth ASC, discovered_at ASC
		LIMIT ?`,
		lease.JobID,
		string(crawler.FrontierQueued), nowStr,
		string(crawler.FrontierFetching), nowStr,
		lease.Batch)
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

	expiresStr := fmtTime(now.Add(lease.TTL))
	leased := entries[:0]
	for _, e := range entries {
		if e.State == crawler.FrontierFetching {
			// Re-leasing an abandoned entry costs it a retry.
			e.RetryCount++
		}
		if e.RetryCount > crawler.MaxURLRetries {
			if _, err := tx.ExecContext(ctx, `
				UPDATE url_frontier SET state = ?, leased_at = NULL, leased_by = NULL,
					lease_expires_at = NULL, last_error = ? WHERE id = ?`,
				string(crawler.FrontierFailed), "retry budget exhausted", e.ID); err != nil {
				return nil, fmt.Errorf("fail exhausted entry: %w", err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE url_frontier SET state = ?, leased_at = ?, leased_by = ?,
				lease_expires_at = ?, retry_count = ? WHERE id = ?`,
			string(crawler.FrontierFetching), nowStr, lease.WorkerID,
			expiresStr, e.RetryCount, e.ID); err != nil {
			return nil, fmt.Errorf("lease entry: %w", err)
		}
		e.State = crawler.FrontierFetching
		e.LeasedAt = &now
		e.LeasedBy = lease.WorkerID
		exp := now.Add(lease.TTL)
		e.LeaseExpiresAt = &exp
		leased = append(leased, e)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}
	return leased, nil
}

// CompleteURL finishes a leased entry with the given outcome, stamping the
// per-state timestamp and clearing the lease.
func (s *Store) CompleteURL(ctx context.Context, entryID int64, outcome crawler.CompleteOutcome) error {
	now := fmtTime(s.clock.Now())
	set := `state = ?, leased_at = NULL, leased_by = NULL, lease_expires_at = NULL, last_status_code = ?`
	args := []any{string(outcome.State), outcome.StatusCode}
	switch outcome.State {
	case crawler.FrontierFetched:
		set += `, fetched_at = ?`
		args = append(args, now)
	case crawler.FrontierParsed:
		set += `, fetched_at = COALESCE(fetched_at, ?), parsed_at = ?`
		args = append(args, now, now)
	case crawler.FrontierStored:
		set += `, fetched_at = COALESCE(fetched_at, ?), parsed_at = COALESCE(parsed_at, ?), stored_at = ?`
		args = append(args, now, now, now)
	}
	if outcome.Error != "" {
		set += `, last_error = ?`
		args = append(args, outcome.Error)
	}
	args = append(args, entryID)
	res, err := s.db.ExecContext(ctx, `UPDATE url_frontier SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("complete url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// RequeueURL returns a leased entry to the queue for retry, deferring its
// visibility. Entries past the retry budget fail instead.
func (s *Store) RequeueURL(ctx context.Context, entryID int64, lastError string, statusCode int, earliestVisible time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin requeue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var retry int
	err = tx.QueryRowContext(ctx,
		`SELECT retry_count FROM url_frontier WHERE id = ?`, entryID).Scan(&retry)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read retry count: %w", err)
	}

	if retry+1 > crawler.MaxURLRetries {
		if _, err := tx.ExecContext(ctx, `
			UPDATE url_frontier SET state = ?, last_error = ?, last_status_code = ?,
				leased_at = NULL, leased_by = NULL, lease_expires_at = NULL
			WHERE id = ?`,
			string(crawler.FrontierFailed), lastError, statusCode, entryID); err != nil {
			return fmt.Errorf("fail retried entry: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE url_frontier SET state = ?, retry_count = retry_count + 1,
				last_error = ?, last_status_code = ?, earliest_visible_at = ?,
				leased_at = NULL, leased_by = NULL, lease_expires_at = NULL
			WHERE id = ?`,
			string(crawler.FrontierQueued), lastError, statusCode,
			fmtTime(earliestVisible), entryID); err != nil {
			return fmt.Errorf("requeue entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit requeue: %w", err)
	}
	return nil
}

// ExpireStaleLeases releases every fetching entry whose lease elapsed.
func (s *Store) ExpireStaleLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE url_frontier SET state = ?, leased_at = NULL, leased_by = NULL, lease_expires_at = NULL
		WHERE state = ? AND lease_expires_at < ?`,
		string(crawler.FrontierQueued), string(crawler.FrontierFetching), fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("expire stale leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale lease rows: %w", err)
	}
	return int(n), nil
}

// ResetFrontierForFallback re-queues every non-terminal entry of the job,
// including fetched/parsed pages that never produced an export, so the new
// fetcher gets another attempt at them.
func (s *Store) ResetFrontierForFallback(ctx context.Context, jobID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE url_frontier SET state = ?, leased_at = NULL, leased_by = NULL,
			lease_expires_at = NULL, earliest_visible_at = NULL
		WHERE job_id = ? AND state IN (?, ?, ?, ?)`,
		string(crawler.FrontierQueued), jobID,
		string(crawler.FrontierQueued), string(crawler.FrontierFetching),
		string(crawler.FrontierFetched), string(crawler.FrontierParsed))
	if err != nil {
		return 0, fmt.Errorf("reset frontier: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset rows: %w", err)
	}
	return int(n), nil
}

// FrontierStats counts the job's entries per state.
func (s *Store) FrontierStats(ctx context.Context, jobID string) (crawler.FrontierStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM url_frontier WHERE job_id = ? GROUP BY state`, jobID)
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

// UpsertDocument returns the existing document for (job_id, content_hash) or
// inserts doc and reports isNew.
func (s *Store) UpsertDocument(ctx context.Context, doc crawler.Document) (crawler.Document, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return crawler.Document{}, false, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanDocument(tx.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents WHERE job_id = ? AND content_hash = ?`,
		doc.JobID, doc.ContentHash))
	if err == nil {
		now := s.clock.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents SET last_seen_at = ?, version = version + 1 WHERE id = ?`,
			fmtTime(now), existing.ID); err != nil {
			return crawler.Document{}, false, fmt.Errorf("touch document: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return crawler.Document{}, false, fmt.Errorf("commit touch: %w", err)
		}
		existing.LastSeenAt = now
		existing.Version++
		return existing, false, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Document{}, false, err
	}

	now := s.clock.Now()
	doc.FirstSeenAt = now
	doc.LastSeenAt = now
	doc.Version = 1
	if doc.DocType == "" {
		doc.DocType = "article"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, job_id, content_hash, title_hash, primary_url,
			primary_canonical, title, language, doc_type, quality_score,
			quality_passed, first_seen_at, last_seen_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		doc.ID, doc.JobID, doc.ContentHash, doc.TitleHash, doc.PrimaryURL,
		doc.PrimaryCanonical, doc.Title, doc.Language, doc.DocType,
		doc.QualityScore, boolInt(doc.QualityPassed), fmtTime(now), fmtTime(now),
	); err != nil {
		return crawler.Document{}, false, fmt.Errorf("insert document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_urls (document_id, job_id, url, canonical_url, reason, is_primary, discovered_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(document_id, canonical_url) DO NOTHING`,
		doc.ID, doc.JobID, doc.PrimaryURL, doc.PrimaryCanonical,
		string(crawler.AliasCanonical), fmtTime(now)); err != nil {
		return crawler.Document{}, false, fmt.Errorf("insert primary alias: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return crawler.Document{}, false, fmt.Errorf("commit upsert: %w", err)
	}
	return doc, true, nil
}

const documentColumns = `id, job_id, content_hash, title_hash, primary_url, primary_canonical,
	title, language, doc_type, quality_score, quality_passed, first_seen_at, last_seen_at, version`

func scanDocument(row interface{ Scan(...any) error }) (crawler.Document, error) {
	var (
		d                      crawler.Document
		titleHash, title, lang sql.NullString
		score                  sql.NullFloat64
		passed                 int
		firstSeen, lastSeen    string
	)
	err := row.Scan(&d.ID, &d.JobID, &d.ContentHash, &titleHash, &d.PrimaryURL,
		&d.PrimaryCanonical, &title, &lang, &d.DocType, &score, &passed,
		&firstSeen, &lastSeen, &d.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Document{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Document{}, fmt.Errorf("scan document: %w", err)
	}
	d.TitleHash = titleHash.String
	d.Title = title.String
	d.Language = lang.String
	d.QualityScore = score.Float64
	d.QualityPassed = passed != 0
	d.FirstSeenAt = mustTime(firstSeen)
	d.LastSeenAt = mustTime(lastSeen)
	return d, nil
}

// AttachURLAlias records a url→document mapping; duplicate aliases no-op.
func (s *Store) AttachURLAlias(ctx context.Context, alias crawler.DocumentURL) error {
	at := alias.DiscoveredAt
	if at.IsZero() {
		at = s.clock.Now()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO document_urls (document_id, job_id, url, canonical_url, reason, is_primary, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, canonical_url) DO NOTHING`,
		alias.DocumentID, alias.JobID, alias.URL, alias.CanonicalURL,
		string(alias.Reason), boolInt(alias.IsPrimary), fmtTime(at)); err != nil {
		return fmt.Errorf("attach alias: %w", err)
	}
	return nil
}

// CountDocuments returns the number of distinct documents for a job.
func (s *Store) CountDocuments(ctx context.Context, jobID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE job_id = ?`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// LogEvent appends a job event.
func (s *Store) LogEvent(ctx context.Context, jobID string, level crawler.EventLevel, event string, data map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := logEventTx(ctx, tx, jobID, level, event, data, fmtTime(s.clock.Now())); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log event: %w", err)
	}
	return nil
}

func logEventTx(ctx context.Context, tx *sql.Tx, jobID string, level crawler.EventLevel, event string, data map[string]any, at string) error {
	var payload any
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		payload = string(raw)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, level, event, data, at) VALUES (?, ?, ?, ?, ?)`,
		jobID, string(level), event, payload, at); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events for a job, newest first.
func (s *Store) ListEvents(ctx context.Context, jobID string, limit int) ([]crawler.JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, level, event, data, at FROM job_events
		WHERE job_id = ? ORDER BY id DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []crawler.JobEvent
	for rows.Next() {
		var (
			e     crawler.JobEvent
			level string
			data  sql.NullString
			at    string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &level, &e.Event, &data, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Level = crawler.EventLevel(level)
		e.At = mustTime(at)
		if data.Valid && data.String != "" {
			_ = json.Unmarshal([]byte(data.String), &e.Data)
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
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO job_artifacts (job_id, kind, path, byte_size, sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, kind) DO UPDATE SET
			path = excluded.path, byte_size = excluded.byte_size,
			sha256 = excluded.sha256, created_at = excluded.created_at`,
		a.JobID, a.Kind, a.Path, a.ByteSize, a.SHA256, fmtTime(at)); err != nil {
		return fmt.Errorf("add artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns the registered artifacts for a job.
func (s *Store) ListArtifacts(ctx context.Context, jobID string) ([]crawler.JobArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, kind, path, byte_size, sha256, created_at
		FROM job_artifacts WHERE job_id = ? ORDER BY kind`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []crawler.JobArtifact
	for rows.Next() {
		var (
			a     crawler.JobArtifact
			sha   sql.NullString
			atStr string
		)
		if err := rows.Scan(&a.JobID, &a.Kind, &a.Path, &a.ByteSize, &sha, &atStr); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.SHA256 = sha.String
		a.CreatedAt = mustTime(atStr)
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return artifacts, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

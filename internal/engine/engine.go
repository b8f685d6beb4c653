// Package engine runs one crawl job: it drains the leased frontier through
// the fetch/extract/quality pipeline and owns fetcher selection, fallback,
// retries, and blocking detection.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skrapp/skrapp/internal/codec"
	"github.com/skrapp/skrapp/internal/crawler"
	"github.com/skrapp/skrapp/internal/metrics"
	"github.com/skrapp/skrapp/internal/quality"
)

// Config tunes one engine instance.
type Config struct {
	HTTPConcurrency   int
	JSConcurrency     int
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	DownloadDelay     time.Duration
	DepthLimit        int
	DrainTimeout      time.Duration
	HTTPFetchTimeout  time.Duration
	JSFetchTimeout    time.Duration
	Quality           quality.Thresholds
	OutputDir         string
	// FallbackMinFetches and FallbackGrace gate the first fallback
	// evaluation: whichever is reached first.
	FallbackMinFetches int
	FallbackGrace      time.Duration
	// MonitorInterval is the engine's internal tick; the heartbeat and
	// cancel poll still run at HeartbeatInterval.
	MonitorInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.HTTPConcurrency <= 0 {
		c.HTTPConcurrency = 128
	}
	if c.JSConcurrency <= 0 {
		c.JSConcurrency = 2
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.DepthLimit <= 0 {
		c.DepthLimit = 20
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 60 * time.Second
	}
	if c.HTTPFetchTimeout <= 0 {
		c.HTTPFetchTimeout = 30 * time.Second
	}
	if c.JSFetchTimeout <= 0 {
		c.JSFetchTimeout = 60 * time.Second
	}
	if c.Quality.MinTextSuccess <= 0 {
		c.Quality = quality.DefaultThresholds()
	}
	if c.FallbackMinFetches <= 0 {
		c.FallbackMinFetches = 10
	}
	if c.FallbackGrace <= 0 {
		c.FallbackGrace = 30 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = time.Second
	}
}

// Result reports how a run ended. Err is non-nil only for fatal errors; a
// budget-met, frontier-empty, or cancel-observed exit is a normal one.
type Result struct {
	CancelObserved bool
	PagesFetched   int
	FellBack       bool
	Err            error
}

// Engine executes one job at a time.
type Engine struct {
	store       crawler.Store
	httpFetcher crawler.Fetcher
	jsFetcher   crawler.Fetcher
	primary     crawler.Extractor
	alternate   crawler.Extractor
	hasher      crawler.Hasher
	clock       crawler.Clock
	ids         crawler.IDGenerator
	robots      crawler.RobotsPolicy
	cfg         Config
	logger      *zap.Logger
	workerID    string

	// raw is the pages.raw.jsonl writer for the job currently running.
	// Engines run one job at a time.
	raw *codec.JSONLWriter
}

// New constructs an Engine.
func New(
	store crawler.Store,
	httpFetcher, jsFetcher crawler.Fetcher,
	primary, alternate crawler.Extractor,
	hasher crawler.Hasher,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	robots crawler.RobotsPolicy,
	cfg Config,
	workerID string,
	logger *zap.Logger,
) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:       store,
		httpFetcher: httpFetcher,
		jsFetcher:   jsFetcher,
		primary:     primary,
		alternate:   alternate,
		hasher:      hasher,
		clock:       clock,
		ids:         ids,
		robots:      robots,
		cfg:         cfg,
		workerID:    workerID,
		logger:      logger,
	}
}

// runState is the shared mutable state of one Run.
type runState struct {
	pagesFetched  atomic.Int64
	frontierTotal atomic.Int64
	inflight      atomic.Int64

	stopLease         atomic.Bool
	cancelObserved    atomic.Bool
	fallbackRequested atomic.Bool

	mu             sync.Mutex
	lastProgressAt time.Time

	watch *blockWatch
}

func (st *runState) progress(now time.Time) {
	st.mu.Lock()
	st.lastProgressAt = now
	st.mu.Unlock()
}

func (st *runState) progressAt() time.Time {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastProgressAt
}

// Run crawls the job until its budget is met, its frontier drains, the user
// cancels, or a fatal error occurs.
func (e *Engine) Run(ctx context.Context, job crawler.Job) Result {
	log := e.logger.With(zap.String("job_id", job.ID))

	jobDir := filepath.Join(e.cfg.OutputDir, job.ID)
	if err := os.MkdirAll(jobDir, 0o750); err != nil {
		return Result{Err: fmt.Errorf("create job dir: %w", err)}
	}
	raw, err := codec.OpenJSONL(filepath.Join(jobDir, "pages.raw.jsonl"))
	if err != nil {
		return Result{Err: fmt.Errorf("open raw output: %w", err)}
	}
	e.raw = raw
	defer func() { _ = raw.Close() }()

	st := &runState{watch: newBlockWatch()}
	st.pagesFetched.Store(int64(job.PagesFetched))
	st.progress(e.clock.Now())

	if err := e.seedFrontier(ctx, job, st); err != nil {
		return Result{Err: err, PagesFetched: int(st.pagesFetched.Load())}
	}

	useJS := job.Config.UseJS ||
		crawler.IsJSHeavyHost(job.Config.AllowedHost) ||
		job.SiteStatus == crawler.SiteSwitchedToJS
	fellBack := job.SiteStatus == crawler.SiteSwitchedToJS

	for {
		if err := e.crawlPhase(ctx, job, st, useJS); err != nil {
			log.Error("crawl phase failed", zap.Error(err))
			return Result{
				Err:            err,
				PagesFetched:   int(st.pagesFetched.Load()),
				CancelObserved: st.cancelObserved.Load(),
				FellBack:       fellBack,
			}
		}
		// The switch decision is also re-checked once the phase drains, so
		// a site that empties its frontier before the first monitor tick
		// still gets the post-run analysis.
		if !useJS && !st.fallbackRequested.Load() && !st.cancelObserved.Load() {
			if snap := st.watch.snapshot(); snap.Total > 0 && e.shouldFallback(snap, snap.siteStatus()) {
				st.fallbackRequested.Store(true)
			}
		}
		if st.fallbackRequested.Load() && !useJS {
			if err := e.switchToJS(ctx, job, st, log); err != nil {
				return Result{Err: err, PagesFetched: int(st.pagesFetched.Load())}
			}
			useJS = true
			fellBack = true
			st.fallbackRequested.Store(false)
			st.stopLease.Store(false)
			continue
		}
		break
	}

	// One last heartbeat so the supervisor sees the final counters before
	// the state transition.
	if err := e.store.Heartbeat(ctx, job.ID, int(st.pagesFetched.Load()), st.progressAt()); err != nil {
		log.Warn("final heartbeat failed", zap.Error(err))
	}
	return Result{
		CancelObserved: st.cancelObserved.Load(),
		PagesFetched:   int(st.pagesFetched.Load()),
		FellBack:       fellBack,
	}
}

func (e *Engine) seedFrontier(ctx context.Context, job crawler.Job, st *runState) error {
	stats, err := e.store.FrontierStats(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("frontier stats: %w", err)
	}
	if stats.Total() == 0 {
		canon, err := crawler.Canonicalize(job.Config.SeedURL)
		if err != nil {
			return fmt.Errorf("canonicalize seed: %w", err)
		}
		if _, err := e.store.EnqueueURL(ctx, job.ID, job.Config.SeedURL, canon, 0, 0); err != nil {
			return fmt.Errorf("seed frontier: %w", err)
		}
		st.frontierTotal.Store(1)
		return nil
	}
	st.frontierTotal.Store(int64(stats.Total()))
	return nil
}

func (e *Engine) switchToJS(ctx context.Context, job crawler.Job, st *runState, log *zap.Logger) error {
	snap := st.watch.snapshot()
	reset, err := e.store.ResetFrontierForFallback(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reset frontier for fallback: %w", err)
	}
	if err := e.store.UpdateSiteStatus(ctx, job.ID, crawler.SiteSwitchedToJS, snap.evidence()); err != nil {
		return fmt.Errorf("record fallback status: %w", err)
	}
	if err := e.store.LogEvent(ctx, job.ID, crawler.EventInfo, "fallback_triggered", map[string]any{
		"from": "http", "to": "js", "entries_reset": reset,
	}); err != nil {
		return fmt.Errorf("log fallback: %w", err)
	}
	log.Info("switching to JS fetcher", zap.Int("entries_reset", reset))
	return nil
}

// crawlPhase runs one fetcher generation: a worker pool plus the
// heartbeat/cancel/blocking monitor. It returns nil when leasing stops for
// any non-fatal reason.
func (e *Engine) crawlPhase(ctx context.Context, job crawler.Job, st *runState, useJS bool) error {
	fetcher := e.httpFetcher
	workers := e.cfg.HTTPConcurrency
	timeout := e.cfg.HTTPFetchTimeout
	if useJS {
		fetcher = e.jsFetcher
		workers = e.cfg.JSConcurrency
		timeout = e.cfg.JSFetchTimeout
	}
	if fetcher == nil {
		return fmt.Errorf("no %s fetcher configured", fetcherName(useJS))
	}

	phaseCtx, cancelPhase := context.WithCancel(ctx)
	defer cancelPhase()

	g, gctx := errgroup.WithContext(phaseCtx)
	workersDone := make(chan struct{})

	g.Go(func() error {
		defer close(workersDone)
		pool, poolCtx := errgroup.WithContext(gctx)
		pool.SetLimit(workers)
		for i := 0; i < workers; i++ {
			pool.Go(func() error {
				return e.workerLoop(poolCtx, job, st, fetcher, timeout, useJS)
			})
		}
		return pool.Wait()
	})
	g.Go(func() error {
		return e.monitor(gctx, job, st, useJS, workersDone, cancelPhase)
	})
	return g.Wait()
}

func fetcherName(useJS bool) string {
	if useJS {
		return "js"
	}
	return "http"
}

func (e *Engine) workerLoop(ctx context.Context, job crawler.Job, st *runState, fetcher crawler.Fetcher, timeout time.Duration, useJS bool) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if st.stopLease.Load() {
			return nil
		}
		if int(st.pagesFetched.Load()) >= job.Config.MaxPages {
			st.stopLease.Store(true)
			return nil
		}

		entries, err := e.store.LeaseURLs(ctx, crawler.URLLease{
			JobID:    job.ID,
			WorkerID: e.workerID,
			Batch:    1,
			TTL:      e.cfg.LeaseTTL,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("lease urls: %w", err)
		}
		if len(entries) == 0 {
			if st.inflight.Load() == 0 {
				stats, err := e.store.FrontierStats(ctx, job.ID)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("frontier stats: %w", err)
				}
				if stats.Pending() == 0 {
					st.stopLease.Store(true)
					return nil
				}
			}
			if !sleepCtx(ctx, 200*time.Millisecond) {
				return nil
			}
			continue
		}

		for _, entry := range entries {
			st.inflight.Add(1)
			err := e.processEntry(ctx, job, entry, st, fetcher, timeout, useJS)
			st.inflight.Add(-1)
			if err != nil {
				return err
			}
		}
		if e.cfg.DownloadDelay > 0 && !sleepCtx(ctx, e.cfg.DownloadDelay) {
			return nil
		}
	}
}

// monitor heartbeats the job row, observes the cancel flag, derives site
// status, and decides fallback. It exits when the worker pool drains or on a
// fatal blocking verdict under the JS fetcher.
func (e *Engine) monitor(ctx context.Context, job crawler.Job, st *runState, useJS bool, workersDone <-chan struct{}, hardStop context.CancelFunc) error {
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	phaseStart := e.clock.Now()
	lastHeartbeat := time.Time{}
	lastPages := st.pagesFetched.Load()
	lastStatus := crawler.SiteUnknown
	var drainDeadline time.Time

	for {
		select {
		case <-workersDone:
			return nil
		case <-ctx.Done():
			<-workersDone
			return nil
		case <-ticker.C:
		}

		now := e.clock.Now()
		snap := st.watch.snapshot()
		status := snap.siteStatus()
		if status != crawler.SiteNormal && status != lastStatus {
			lastStatus = status
			if err := e.store.UpdateSiteStatus(ctx, job.ID, status, snap.evidence()); err != nil {
				e.logger.Warn("update site status failed", zap.String("job_id", job.ID), zap.Error(err))
			}
			_ = e.store.LogEvent(ctx, job.ID, crawler.EventWarn, "blocked_detected", map[string]any{
				"site_status": string(status), "window": snap,
			})
			if useJS && (status == crawler.SiteBlocked || status == crawler.SiteLoginWalled) {
				st.stopLease.Store(true)
				return fmt.Errorf("site %s under js fetcher", status)
			}
		}

		if !useJS && !st.fallbackRequested.Load() {
			ready := snap.Total >= e.cfg.FallbackMinFetches || now.Sub(phaseStart) >= e.cfg.FallbackGrace
			if ready && snap.Total > 0 && e.shouldFallback(snap, status) {
				st.fallbackRequested.Store(true)
				st.stopLease.Store(true)
			}
		}

		if lastHeartbeat.IsZero() || now.Sub(lastHeartbeat) >= e.cfg.HeartbeatInterval {
			lastHeartbeat = now
			pages := st.pagesFetched.Load()
			if pages > lastPages {
				lastPages = pages
				st.progress(now)
			}
			if err := e.store.Heartbeat(ctx, job.ID, int(pages), st.progressAt()); err != nil {
				e.logger.Warn("heartbeat failed", zap.String("job_id", job.ID), zap.Error(err))
			}
			current, err := e.store.GetJob(ctx, job.ID)
			if err == nil && current.CancelRequested && !st.cancelObserved.Load() {
				st.cancelObserved.Store(true)
				st.stopLease.Store(true)
				_ = e.store.LogEvent(ctx, job.ID, crawler.EventInfo, "cancel_observed", nil)
			}
		}

		if st.stopLease.Load() {
			if drainDeadline.IsZero() {
				drainDeadline = now.Add(e.cfg.DrainTimeout)
			} else if now.After(drainDeadline) {
				// Abandoned leases recover via TTL expiry.
				hardStop()
			}
		}
	}
}

// shouldFallback applies the one-way HTTP→JS switch triggers.
func (e *Engine) shouldFallback(snap blockSnapshot, status crawler.SiteStatus) bool {
	if status == crawler.SiteBlocked || status == crawler.SiteLoginWalled {
		return true
	}
	if snap.Passed == 0 && snap.MeanTextLen < float64(e.cfg.Quality.MinTextSuccess) {
		return true
	}
	// A duplicate-content wall needs enough passed samples to mean anything.
	if snap.Passed >= 4 && snap.DupRatio > 0.5 {
		return true
	}
	return false
}

func (e *Engine) processEntry(ctx context.Context, job crawler.Job, entry crawler.FrontierEntry, st *runState, fetcher crawler.Fetcher, timeout time.Duration, useJS bool) error {
	log := e.logger.With(zap.String("job_id", job.ID), zap.String("url", entry.URL))

	if e.robots != nil && !e.robots.Allowed(ctx, entry.URL) {
		if err := e.store.CompleteURL(ctx, entry.ID, crawler.CompleteOutcome{
			State: crawler.FrontierSkipped, Error: "robots_denied",
		}); err != nil {
			return fmt.Errorf("complete robots-denied url: %w", err)
		}
		log.Debug("url denied by robots.txt")
		return nil
	}

	resp, err := fetcher.Fetch(ctx, crawler.FetchRequest{
		JobID:   job.ID,
		URL:     entry.URL,
		Depth:   entry.Depth,
		Timeout: timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Drain cancel: leave the lease to expire and be retried.
			return nil
		}
		return e.retryOrFail(ctx, entry, err.Error(), 0, log)
	}

	status := resp.StatusCode
	metrics.ObserveFetch(status, fetcherName(useJS), resp.Elapsed)
	if retryableStatus(status) {
		st.watch.observe(status, resp.Body, resp.FinalURL, false, false, 0)
		return e.retryOrFail(ctx, entry, fmt.Sprintf("status %d", status), status, log)
	}
	if status >= 400 {
		st.watch.observe(status, resp.Body, resp.FinalURL, false, false, 0)
		if err := e.store.CompleteURL(ctx, entry.ID, crawler.CompleteOutcome{
			State: crawler.FrontierFailed, StatusCode: status,
			Error: fmt.Sprintf("status %d", status),
		}); err != nil {
			return fmt.Errorf("complete failed url: %w", err)
		}
		if err := e.store.AddErrors(ctx, job.ID, 1); err != nil {
			return fmt.Errorf("count error: %w", err)
		}
		return nil
	}

	// A redirect may have walked the page out of scope.
	scope := crawler.Scope{
		AllowedHost:        job.Config.AllowedHost,
		IgnorePathPrefixes: job.Config.IgnorePathPrefixes,
		DepthLimit:         e.cfg.DepthLimit,
	}
	finalCanon, canonErr := crawler.Canonicalize(resp.FinalURL)
	if canonErr != nil {
		finalCanon = entry.CanonicalURL
	}
	if ok, reason := scope.Admit(finalCanon, entry.Depth); !ok {
		st.watch.observe(status, resp.Body, resp.FinalURL, false, false, 0)
		if err := e.store.CompleteURL(ctx, entry.ID, crawler.CompleteOutcome{
			State: crawler.FrontierSkipped, StatusCode: status,
			Error: "redirected out of scope: " + reason,
		}); err != nil {
			return fmt.Errorf("complete skipped url: %w", err)
		}
		return nil
	}

	ex, exErr := e.primary.Extract(resp.Body, resp.FinalURL)
	if exErr != nil || strings.TrimSpace(ex.Text) == "" {
		st.watch.observe(status, resp.Body, resp.FinalURL, false, false, 0)
		if err := e.store.CompleteURL(ctx, entry.ID, crawler.CompleteOutcome{
			State: crawler.FrontierParsed, StatusCode: status,
			Error: "extraction_failed",
		}); err != nil {
			return fmt.Errorf("complete unextracted url: %w", err)
		}
		return nil
	}

	score := quality.Evaluate(ex.Text, len(resp.Body), len(ex.Outlinks), e.cfg.Quality)
	if score.Verdict == quality.Marginal && e.alternate != nil {
		if alt, altErr := e.alternate.Extract(resp.Body, resp.FinalURL); altErr == nil && alt.Text != "" {
			if altScore := quality.Evaluate(alt.Text, len(resp.Body), len(alt.Outlinks), e.cfg.Quality); altScore.Value > score.Value {
				ex, score = alt, altScore
			}
		}
	}

	passed := score.Verdict == quality.Pass
	isDup := false
	if passed {
		var err error
		isDup, err = e.storePage(ctx, job, entry, resp, ex, score, st)
		if err != nil {
			return err
		}
	} else {
		if err := e.store.CompleteURL(ctx, entry.ID, crawler.CompleteOutcome{
			State: crawler.FrontierParsed, StatusCode: status, Error: score.Reason,
		}); err != nil {
			return fmt.Errorf("complete low-quality url: %w", err)
		}
	}

	st.watch.observe(status, resp.Body, resp.FinalURL, passed, isDup, len(ex.Text))

	// Outlinks are harvested even from failing pages, but not once the site
	// looks blocked.
	if passed || st.watch.snapshot().siteStatus() != crawler.SiteBlocked {
		if err := e.enqueueOutlinks(ctx, job, entry, scope, ex.Outlinks, st); err != nil {
			return err
		}
	}
	return nil
}

// storePage deduplicates the extraction, appends the raw record, and
// completes the frontier entry. It reports whether the content was a
// duplicate of an existing document.
func (e *Engine) storePage(ctx context.Context, job crawler.Job, entry crawler.FrontierEntry, resp crawler.FetchResponse, ex crawler.Extraction, score quality.Score, st *runState) (bool, error) {
	hash := e.hasher.Hash([]byte(ex.Text))
	doc := crawler.Document{
		ID:               e.ids.NewID(),
		JobID:            job.ID,
		ContentHash:      hash,
		TitleHash:        titleHash(ex.Title),
		PrimaryURL:       entry.URL,
		PrimaryCanonical: entry.CanonicalURL,
		Title:            ex.Title,
		Language:         ex.Language,
		QualityScore:     score.Value,
		QualityPassed:    true,
	}
	stored, isNew, err := e.store.UpsertDocument(ctx, doc)
	if err != nil {
		return false, fmt.Errorf("upsert document: %w", err)
	}
	if !isNew {
		if err := e.store.AttachURLAlias(ctx, crawler.DocumentURL{
			DocumentID:   stored.ID,
			JobID:        job.ID,
			URL:          entry.URL,
			CanonicalURL: entry.CanonicalURL,
			Reason:       crawler.AliasContentHash,
		}); err != nil {
			return false, fmt.Errorf("attach alias: %w", err)
		}
	}

	rec := codec.RawPage{
		URL:           entry.URL,
		CanonicalURL:  entry.CanonicalURL,
		StatusCode:    resp.StatusCode,
		Depth:         entry.Depth,
		Title:         ex.Title,
		Text:          ex.Text,
		Outlinks:      ex.Outlinks,
		ExtractedAt:   e.clock.Now().UTC().Format(time.RFC3339),
		QualityScore:  score.Value,
		QualityPassed: true,
		ContentHash:   hash,
		Mode:          ex.Mode,
	}
	if err := e.raw.Append(rec); err != nil {
		return false, fmt.Errorf("append raw page: %w", err)
	}
	st.pagesFetched.Add(1)
	st.progress(e.clock.Now())

	if err := e.store.CompleteURL(ctx, entry.ID, crawler.CompleteOutcome{
		State: crawler.FrontierStored, StatusCode: resp.StatusCode,
	}); err != nil {
		return false, fmt.Errorf("complete stored url: %w", err)
	}
	return !isNew, nil
}

func (e *Engine) enqueueOutlinks(ctx context.Context, job crawler.Job, entry crawler.FrontierEntry, scope crawler.Scope, outlinks []string, st *runState) error {
	depth := entry.Depth + 1
	for _, link := range outlinks {
		if int(st.frontierTotal.Load()) >= job.Config.MaxPages {
			return nil
		}
		canon, err := crawler.Canonicalize(link)
		if err != nil {
			continue
		}
		if ok, _ := scope.Admit(canon, depth); !ok {
			continue
		}
		// Shallower pages lease first.
		added, err := e.store.EnqueueURL(ctx, job.ID, link, canon, depth, -depth)
		if err != nil {
			return fmt.Errorf("enqueue outlink: %w", err)
		}
		if added {
			st.frontierTotal.Add(1)
		}
	}
	return nil
}

func (e *Engine) retryOrFail(ctx context.Context, entry crawler.FrontierEntry, msg string, status int, log *zap.Logger) error {
	if entry.RetryCount+1 > crawler.MaxURLRetries {
		if err := e.store.CompleteURL(ctx, entry.ID, crawler.CompleteOutcome{
			State: crawler.FrontierFailed, StatusCode: status, Error: msg,
		}); err != nil {
			return fmt.Errorf("fail url: %w", err)
		}
		if err := e.store.AddErrors(ctx, entry.JobID, 1); err != nil {
			return fmt.Errorf("count error: %w", err)
		}
		log.Debug("url abandoned", zap.String("error", msg), zap.Int("retries", entry.RetryCount))
		return nil
	}
	visible := e.clock.Now().Add(retryBackoff(entry.RetryCount))
	if err := e.store.RequeueURL(ctx, entry.ID, msg, status, visible); err != nil {
		return fmt.Errorf("requeue url: %w", err)
	}
	return nil
}

func titleHash(title string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(title)), " ")
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

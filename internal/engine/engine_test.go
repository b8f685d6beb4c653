package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skrapp/skrapp/internal/clock/system"
	"github.com/skrapp/skrapp/internal/codec"
	"github.com/skrapp/skrapp/internal/crawler"
	"github.com/skrapp/skrapp/internal/extract"
	"github.com/skrapp/skrapp/internal/finalize"
	"github.com/skrapp/skrapp/internal/hash/sha256"
	"github.com/skrapp/skrapp/internal/id/uuid"
	"github.com/skrapp/skrapp/internal/store/sqlite"
)

// fakePage is one scripted response.
type fakePage struct {
	status   int
	body     string
	finalURL string
	// failures holds status codes returned before body, one per fetch.
	failures []int
}

// fakeFetcher serves scripted pages keyed by URL.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]*fakePage
	fetches int
	delay   time.Duration
	onFetch func(n int)
	usedJS  bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.fetches++
	n := f.fetches
	page := f.pages[req.URL]
	var failStatus int
	if page != nil && len(page.failures) > 0 {
		failStatus = page.failures[0]
		page.failures = page.failures[1:]
	}
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return crawler.FetchResponse{}, ctx.Err()
		}
	}
	if page == nil {
		return crawler.FetchResponse{StatusCode: 404, FinalURL: req.URL}, nil
	}
	if failStatus != 0 {
		return crawler.FetchResponse{StatusCode: failStatus, FinalURL: req.URL}, nil
	}
	final := page.finalURL
	if final == "" {
		final = req.URL
	}
	status := page.status
	if status == 0 {
		status = 200
	}
	return crawler.FetchResponse{
		StatusCode:  status,
		FinalURL:    final,
		Body:        []byte(page.body),
		ContentType: "text/html; charset=utf-8",
		UsedJS:      f.usedJS,
	}, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// htmlPage builds a page with enough prose to pass the quality gate.
func htmlPage(title, prose string, links ...string) string {
	var b strings.Builder
	b.WriteString("<html><head><title>" + title + "</title></head><body><main><h1>" + title + "</h1>")
	b.WriteString("<p>" + prose + "</p>")
	for _, l := range links {
		b.WriteString(`<p><a href="` + l + `">` + l + `</a></p>`)
	}
	b.WriteString("</main></body></html>")
	return b.String()
}

func richProse(seed string) string {
	return strings.Repeat("The "+seed+" component of the service handles one concern and documents it at length. ", 8)
}

type harness struct {
	store  *sqlite.Store
	engine *Engine
	outDir string
	jobID  string
	ctx    context.Context
}

func newHarness(t *testing.T, http, js crawler.Fetcher, maxPages int) *harness {
	t.Helper()
	clock := system.New()
	outDir := t.TempDir()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "crawler.db"), sqlite.DefaultOptions(), clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := Config{
		HTTPConcurrency:   4,
		JSConcurrency:     2,
		LeaseTTL:          30 * time.Second,
		HeartbeatInterval: 100 * time.Millisecond,
		MonitorInterval:   25 * time.Millisecond,
		DrainTimeout:      5 * time.Second,
		OutputDir:         outDir,
	}
	eng := New(st, http, js, extract.NewGoquery(), extract.NewDensity(),
		sha256.New(), clock, uuid.New(), nil, cfg, "worker-test", nil)

	ctx := context.Background()
	now := clock.Now()
	jobID := "job-" + t.Name()
	require.NoError(t, st.CreateJob(ctx, crawler.Job{
		ID:        jobID,
		TokenHash: "t",
		Config: crawler.JobConfig{
			SeedURL:     "https://docs.example.test/",
			AllowedHost: "docs.example.test",
			MaxPages:    maxPages, TimeoutSeconds: 600,
		},
		State:     crawler.JobQueued,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}))
	return &harness{store: st, engine: eng, outDir: outDir, jobID: jobID, ctx: ctx}
}

func (h *harness) claim(t *testing.T) crawler.Job {
	t.Helper()
	job, err := h.store.ClaimNextQueuedJob(h.ctx, "worker-test")
	require.NoError(t, err)
	return job
}

func (h *harness) finalizeJob(t *testing.T) {
	t.Helper()
	require.NoError(t, h.store.SetState(h.ctx, h.jobID, crawler.JobFinalizing, ""))
	fin := finalize.New(h.store, system.New(), nil, nil, "", h.outDir, nil)
	require.NoError(t, fin.Run(h.ctx, h.jobID))
}

func readPages(t *testing.T, path string) []codec.Page {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	pages, err := codec.ReadPages(f)
	require.NoError(t, err)
	return pages
}

// Scenario A: happy path over a small static site.
func TestRunHappyPathSmallSite(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]*fakePage{
		"https://docs.example.test/": {body: htmlPage("Home", richProse("home"),
			"/guide", "/api")},
		"https://docs.example.test/guide": {body: htmlPage("Guide", richProse("guide"),
			"/guide/advanced")},
		"https://docs.example.test/api":            {body: htmlPage("API", richProse("api"))},
		"https://docs.example.test/guide/advanced": {body: htmlPage("Advanced", richProse("advanced"))},
	}}
	h := newHarness(t, fetcher, nil, 100)
	job := h.claim(t)

	res := h.engine.Run(h.ctx, job)
	require.NoError(t, res.Err)
	require.False(t, res.CancelObserved)
	require.Equal(t, 4, res.PagesFetched)

	stats, err := h.store.FrontierStats(h.ctx, h.jobID)
	require.NoError(t, err)
	require.Equal(t, 4, stats.Stored)
	require.Equal(t, 0, stats.Pending())

	docs, err := h.store.CountDocuments(h.ctx, h.jobID)
	require.NoError(t, err)
	require.Equal(t, 4, docs)

	h.finalizeJob(t)
	final, err := h.store.GetJob(h.ctx, h.jobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobDone, final.State)
	require.Equal(t, 4, final.PagesExported)
	require.Equal(t, 0, final.ErrorsCount)
	require.LessOrEqual(t, final.PagesExported, final.PagesFetched)

	pages := readPages(t, filepath.Join(h.outDir, h.jobID, "pages.jsonl"))
	require.Len(t, pages, 4)

	artifacts, err := h.store.ListArtifacts(h.ctx, h.jobID)
	require.NoError(t, err)
	require.Len(t, artifacts, 4)
}

// Scenario B: byte-identical content collapses into one document with
// aliases.
func TestRunDuplicateContent(t *testing.T) {
	t.Parallel()

	same := htmlPage("Shared", richProse("shared"))
	fetcher := &fakeFetcher{pages: map[string]*fakePage{
		"https://docs.example.test/": {body: htmlPage("Home", richProse("home"),
			"/a", "/b", "/c")},
		"https://docs.example.test/a": {body: same},
		"https://docs.example.test/b": {body: same},
		"https://docs.example.test/c": {body: same},
	}}
	h := newHarness(t, fetcher, nil, 100)
	job := h.claim(t)

	res := h.engine.Run(h.ctx, job)
	require.NoError(t, res.Err)
	require.Equal(t, 4, res.PagesFetched)

	docs, err := h.store.CountDocuments(h.ctx, h.jobID)
	require.NoError(t, err)
	require.Equal(t, 2, docs) // home + the shared page

	h.finalizeJob(t)
	final, err := h.store.GetJob(h.ctx, h.jobID)
	require.NoError(t, err)
	require.Equal(t, 2, final.PagesExported)

	f, err := os.Open(filepath.Join(h.outDir, h.jobID, "pages.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	aliasCounts := map[string]int{}
	deduped, err := codec.ReadPages(f)
	require.NoError(t, err)
	for _, p := range deduped {
		aliasCounts[p.Title] = len(p.URLAliases)
	}
	require.Len(t, deduped, 2)
	require.Equal(t, 0, aliasCounts["Home"])
	require.Equal(t, 2, aliasCounts["Shared"])
}

// Scenario C: 503 twice, then success; no error counted.
func TestRunRetryThenSuccess(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]*fakePage{
		"https://docs.example.test/": {
			body:     htmlPage("Home", richProse("home")),
			failures: []int{503, 503},
		},
	}}
	h := newHarness(t, fetcher, nil, 100)
	job := h.claim(t)

	res := h.engine.Run(h.ctx, job)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.PagesFetched)
	require.Equal(t, 3, fetcher.fetchCount())

	job2, err := h.store.GetJob(h.ctx, h.jobID)
	require.NoError(t, err)
	require.Equal(t, 0, job2.ErrorsCount)

	h.finalizeJob(t)
	final, err := h.store.GetJob(h.ctx, h.jobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobDone, final.State)
}

// Scenario D: user cancel mid-crawl preserves partial output.
func TestRunCancelMidCrawl(t *testing.T) {
	t.Parallel()

	pages := map[string]*fakePage{}
	links := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		path := fmt.Sprintf("/p%02d", i)
		links = append(links, path)
		pages["https://docs.example.test"+path] = &fakePage{
			body: htmlPage(fmt.Sprintf("Page %d", i), richProse(fmt.Sprintf("page%d", i))),
		}
	}
	pages["https://docs.example.test/"] = &fakePage{body: htmlPage("Home", richProse("home"), links...)}

	h := newHarness(t, nil, nil, 100)
	fetcher := &fakeFetcher{pages: pages, delay: 30 * time.Millisecond}
	fetcher.onFetch = func(n int) {
		if n == 10 {
			_ = h.store.RequestCancel(h.ctx, h.jobID)
		}
	}
	h.engine.httpFetcher = fetcher
	job := h.claim(t)

	res := h.engine.Run(h.ctx, job)
	require.NoError(t, res.Err)
	require.True(t, res.CancelObserved)
	require.Greater(t, res.PagesFetched, 0)
	require.Less(t, res.PagesFetched, 61)

	h.finalizeJob(t)
	final, err := h.store.GetJob(h.ctx, h.jobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobCancelled, final.State)

	f, err := os.Open(filepath.Join(h.outDir, h.jobID, "pages.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	deduped, err := codec.ReadPages(f)
	require.NoError(t, err)
	require.Equal(t, res.PagesFetched, len(deduped))
}

// Scenario F: thin HTTP bodies trigger the one-way JS fallback.
func TestRunFallsBackToJS(t *testing.T) {
	t.Parallel()

	thin := "<html><head><title>Shell</title></head><body><div id=app></div></body></html>"
	httpPages := map[string]*fakePage{
		"https://docs.example.test/": {body: thin},
	}
	jsPages := map[string]*fakePage{
		"https://docs.example.test/": {body: htmlPage("Home", richProse("home"), "/guide")},
		"https://docs.example.test/guide": {
			body: htmlPage("Guide", richProse("guide")),
		},
	}
	h := newHarness(t, &fakeFetcher{pages: httpPages}, &fakeFetcher{pages: jsPages, usedJS: true}, 100)
	job := h.claim(t)

	res := h.engine.Run(h.ctx, job)
	require.NoError(t, res.Err)
	require.True(t, res.FellBack)
	require.Equal(t, 2, res.PagesFetched)

	updated, err := h.store.GetJob(h.ctx, h.jobID)
	require.NoError(t, err)
	require.Equal(t, crawler.SiteSwitchedToJS, updated.SiteStatus)

	h.finalizeJob(t)
	final, err := h.store.GetJob(h.ctx, h.jobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobDone, final.State)
	require.Equal(t, 2, final.PagesExported)
}

// MaxPages caps the crawl and ends it normally.
func TestRunStopsAtBudget(t *testing.T) {
	t.Parallel()

	pages := map[string]*fakePage{}
	links := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		path := fmt.Sprintf("/p%02d", i)
		links = append(links, path)
		pages["https://docs.example.test"+path] = &fakePage{
			body: htmlPage(fmt.Sprintf("Page %d", i), richProse(fmt.Sprintf("page%d", i))),
		}
	}
	pages["https://docs.example.test/"] = &fakePage{body: htmlPage("Home", richProse("home"), links...)}

	fetcher := &fakeFetcher{pages: pages}
	h := newHarness(t, fetcher, nil, 5)
	job := h.claim(t)

	res := h.engine.Run(h.ctx, job)
	require.NoError(t, res.Err)
	require.LessOrEqual(t, res.PagesFetched, 5+h.engine.cfg.HTTPConcurrency)
	require.GreaterOrEqual(t, res.PagesFetched, 5)
}

// denyPathsPolicy blocks configured path prefixes, robots-style.
type denyPathsPolicy struct {
	prefixes []string
}

func (p denyPathsPolicy) Allowed(_ context.Context, rawURL string) bool {
	for _, prefix := range p.prefixes {
		if strings.Contains(rawURL, prefix) {
			return false
		}
	}
	return true
}

// robots.txt denials skip the entry without fetching it.
func TestRunSkipsRobotsDeniedURLs(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]*fakePage{
		"https://docs.example.test/": {body: htmlPage("Home", richProse("home"),
			"/open", "/private/area")},
		"https://docs.example.test/open": {body: htmlPage("Open", richProse("open"))},
		"https://docs.example.test/private/area": {
			body: htmlPage("Private", richProse("private")),
		},
	}}
	h := newHarness(t, fetcher, nil, 100)
	h.engine.robots = denyPathsPolicy{prefixes: []string{"/private/"}}
	job := h.claim(t)

	res := h.engine.Run(h.ctx, job)
	require.NoError(t, res.Err)
	require.Equal(t, 2, res.PagesFetched)

	stats, err := h.store.FrontierStats(h.ctx, h.jobID)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Skipped)
	require.Equal(t, 2, stats.Stored)
	// The denied URL was never handed to the fetcher.
	require.Equal(t, 2, fetcher.fetchCount())
}

// URLs that leave the allowed host via redirect are skipped.
func TestRunSkipsOffHostRedirect(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]*fakePage{
		"https://docs.example.test/": {body: htmlPage("Home", richProse("home"), "/away")},
		"https://docs.example.test/away": {
			body:     htmlPage("Away", richProse("away")),
			finalURL: "https://elsewhere.example.org/landing",
		},
	}}
	h := newHarness(t, fetcher, nil, 100)
	job := h.claim(t)

	res := h.engine.Run(h.ctx, job)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.PagesFetched)

	stats, err := h.store.FrontierStats(h.ctx, h.jobID)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Skipped)
}

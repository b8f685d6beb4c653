package finalize

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skrapp/skrapp/internal/codec"
	"github.com/skrapp/skrapp/internal/crawler"
	memblob "github.com/skrapp/skrapp/internal/storage/memory"
	"github.com/skrapp/skrapp/internal/store/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type memPublisher struct {
	mu       sync.Mutex
	messages []any
}

func (p *memPublisher) Publish(_ context.Context, _ string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, payload)
	return nil
}

func setup(t *testing.T) (*Finalizer, *sqlite.Store, *memPublisher, string, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "crawler.db"), sqlite.DefaultOptions(), clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	outDir := t.TempDir()
	pub := &memPublisher{}
	fin := New(st, clock, nil, pub, "crawl-events", outDir, nil)
	return fin, st, pub, outDir, clock
}

func seedFinalizingJob(t *testing.T, st *sqlite.Store, clock crawler.Clock, id string) {
	t.Helper()
	ctx := context.Background()
	now := clock.Now()
	require.NoError(t, st.CreateJob(ctx, crawler.Job{
		ID: id, TokenHash: "t",
		Config: crawler.JobConfig{
			SeedURL: "https://docs.example.com/", AllowedHost: "docs.example.com",
			MaxPages: 100, TimeoutSeconds: 600,
		},
		State: crawler.JobQueued, CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}))
	_, err := st.ClaimNextQueuedJob(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, st.SetState(ctx, id, crawler.JobFinalizing, ""))
}

func writeRaw(t *testing.T, outDir, jobID string, records []codec.RawPage) {
	t.Helper()
	dir := filepath.Join(outDir, jobID)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	w, err := codec.OpenJSONL(filepath.Join(dir, "pages.raw.jsonl"))
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, w.Append(r))
	}
	require.NoError(t, w.Close())
}

func rawRecord(url, hash, title string) codec.RawPage {
	return codec.RawPage{
		URL: url, CanonicalURL: url, StatusCode: 200, Title: title,
		Text: "Body text for " + title, ContentHash: hash,
		QualityScore: 0.8, QualityPassed: true, Mode: "goquery",
	}
}

func TestFinalizeDeduplicatesAndRegisters(t *testing.T) {
	t.Parallel()
	fin, st, pub, outDir, _ := setup(t)
	ctx := context.Background()
	seedFinalizingJob(t, st, fin.clock, "job-1")

	writeRaw(t, outDir, "job-1", []codec.RawPage{
		rawRecord("https://docs.example.com/a", "h1", "Alpha"),
		rawRecord("https://docs.example.com/b", "h2", "Beta"),
		rawRecord("https://docs.example.com/a2", "h1", "Alpha"),
		rawRecord("https://docs.example.com/a3", "h1", "Alpha"),
	})

	require.NoError(t, fin.Run(ctx, "job-1"))

	job, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobDone, job.State)
	require.Equal(t, 2, job.PagesExported)

	f, err := os.Open(filepath.Join(outDir, "job-1", "pages.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	pages, err := codec.ReadPages(f)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, "https://docs.example.com/a", pages[0].URL)
	require.Equal(t, []string{"https://docs.example.com/a2", "https://docs.example.com/a3"}, pages[0].URLAliases)
	require.Equal(t, []string{}, pages[1].URLAliases)

	var summary codec.Summary
	data, err := os.ReadFile(filepath.Join(outDir, "job-1", "summary.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &summary))
	require.Equal(t, 4, summary.TotalFetched)
	require.Equal(t, 2, summary.TotalExported)
	require.Equal(t, 2, summary.StatusCodes["200"])
	require.Equal(t, 2, summary.ExtractionModes["goquery"])

	artifacts, err := st.ListArtifacts(ctx, "job-1")
	require.NoError(t, err)
	kinds := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		kinds = append(kinds, a.Kind)
		require.NotEmpty(t, a.SHA256)
		require.Greater(t, a.ByteSize, int64(0))
	}
	require.ElementsMatch(t, kinds, []string{
		crawler.ArtifactPagesRaw, crawler.ArtifactPages,
		crawler.ArtifactSummary, crawler.ArtifactKB,
	})

	require.Len(t, pub.messages, 1)
}

func TestFinalizeMirrorsArtifacts(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "crawler.db"), sqlite.DefaultOptions(), clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	outDir := t.TempDir()
	mirror := memblob.New()
	fin := New(st, clock, mirror, nil, "", outDir, nil)
	ctx := context.Background()
	seedFinalizingJob(t, st, clock, "job-1")

	writeRaw(t, outDir, "job-1", []codec.RawPage{
		rawRecord("https://docs.example.com/a", "h1", "Alpha"),
	})
	require.NoError(t, fin.Run(ctx, "job-1"))

	artifact, data, ok := mirror.Artifact("job-1", "pages.jsonl")
	require.True(t, ok)
	require.Equal(t, crawler.ArtifactPages, artifact.Kind)
	require.Equal(t, "application/x-ndjson", artifact.ContentType())
	require.NotEmpty(t, artifact.SHA256)
	require.Contains(t, string(data), "https://docs.example.com/a")

	_, _, ok = mirror.Artifact("job-1", "summary.json")
	require.True(t, ok)
}

func TestFinalizeWritesKBTree(t *testing.T) {
	t.Parallel()
	fin, st, _, outDir, _ := setup(t)
	ctx := context.Background()
	seedFinalizingJob(t, st, fin.clock, "job-1")

	writeRaw(t, outDir, "job-1", []codec.RawPage{
		rawRecord("https://docs.example.com/install", "aaaa1111bbbb2222", "Install Guide"),
	})
	require.NoError(t, fin.Run(ctx, "job-1"))

	kbDir := filepath.Join(outDir, "job-1", "kb")
	page, err := os.ReadFile(filepath.Join(kbDir, "install-guide-aaaa1111bbbb.md"))
	require.NoError(t, err)
	content := string(page)
	require.True(t, strings.HasPrefix(content, "---\n"))
	require.Contains(t, content, `title: "Install Guide"`)
	require.Contains(t, content, `url: "https://docs.example.com/install"`)
	require.Contains(t, content, `content_hash: "aaaa1111bbbb2222"`)
	require.Contains(t, content, "# Install Guide")
	require.Contains(t, content, "Body text for Install Guide")

	var manifest struct {
		TotalPages int `json:"total_pages"`
		Pages      []struct {
			Filename string `json:"filename"`
		} `json:"pages"`
	}
	data, err := os.ReadFile(filepath.Join(kbDir, "manifest.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &manifest))
	require.Equal(t, 1, manifest.TotalPages)
	require.Equal(t, "install-guide-aaaa1111bbbb.md", manifest.Pages[0].Filename)
}

func TestFinalizeEmptyCrawl(t *testing.T) {
	t.Parallel()
	fin, st, _, outDir, _ := setup(t)
	ctx := context.Background()
	seedFinalizingJob(t, st, fin.clock, "job-1")

	// No raw file at all (engine never stored a page).
	require.NoError(t, fin.Run(ctx, "job-1"))

	job, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobDone, job.State)
	require.Equal(t, 0, job.PagesExported)

	data, err := os.ReadFile(filepath.Join(outDir, "job-1", "summary.json"))
	require.NoError(t, err)
	var summary codec.Summary
	require.NoError(t, json.Unmarshal(data, &summary))
	require.Equal(t, 0, summary.TotalExported)
}

func TestFinalizeCancelledJobKeepsPartialOutput(t *testing.T) {
	t.Parallel()
	fin, st, _, outDir, _ := setup(t)
	ctx := context.Background()
	seedFinalizingJob(t, st, fin.clock, "job-1")
	require.NoError(t, st.RequestCancel(ctx, "job-1"))

	writeRaw(t, outDir, "job-1", []codec.RawPage{
		rawRecord("https://docs.example.com/a", "h1", "Alpha"),
	})
	require.NoError(t, fin.Run(ctx, "job-1"))

	job, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobCancelled, job.State)
	require.Equal(t, 1, job.PagesExported)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	t.Parallel()
	fin, st, _, outDir, _ := setup(t)
	ctx := context.Background()
	seedFinalizingJob(t, st, fin.clock, "job-1")

	writeRaw(t, outDir, "job-1", []codec.RawPage{
		rawRecord("https://docs.example.com/a", "h1", "Alpha"),
		rawRecord("https://docs.example.com/b", "h1", "Alpha"),
	})
	require.NoError(t, fin.Run(ctx, "job-1"))
	first, err := os.ReadFile(filepath.Join(outDir, "job-1", "pages.jsonl"))
	require.NoError(t, err)

	// Second run on a terminal job rewrites identical corpus artifacts.
	require.NoError(t, fin.Run(ctx, "job-1"))
	second, err := os.ReadFile(filepath.Join(outDir, "job-1", "pages.jsonl"))
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))

	job, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobDone, job.State)
}

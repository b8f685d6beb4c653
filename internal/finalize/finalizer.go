// Package finalize turns a finished crawl into its downloadable artifacts:
// the deduplicated JSONL corpus, the summary, and the kb/ Markdown tree.
package finalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/skrapp/skrapp/internal/codec"
	"github.com/skrapp/skrapp/internal/crawler"
	"github.com/skrapp/skrapp/internal/metrics"
)

// Finalizer deduplicates crawl output and registers artifacts. Running it
// twice on the same job rewrites the same artifact set.
type Finalizer struct {
	store     crawler.Store
	clock     crawler.Clock
	blob      crawler.BlobStore
	publisher crawler.Publisher
	topic     string
	outputDir string
	logger    *zap.Logger
}

// New constructs a Finalizer. blob and publisher are optional.
func New(store crawler.Store, clock crawler.Clock, blob crawler.BlobStore, publisher crawler.Publisher, topic, outputDir string, logger *zap.Logger) *Finalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finalizer{
		store:     store,
		clock:     clock,
		blob:      blob,
		publisher: publisher,
		topic:     topic,
		outputDir: outputDir,
		logger:    logger,
	}
}

// Run finalizes the job and applies its terminal state: done, or cancelled
// when the cancel flag was set, or failed on an output error.
func (f *Finalizer) Run(ctx context.Context, jobID string) error {
	log := f.logger.With(zap.String("job_id", jobID))

	job, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	exported, ferr := f.buildArtifacts(ctx, job)
	if ferr != nil {
		log.Error("finalization failed", zap.Error(ferr))
		if job.State == crawler.JobFinalizing {
			if serr := f.store.SetState(ctx, jobID, crawler.JobFailed, "finalization_failed: "+ferr.Error()); serr != nil {
				log.Error("record finalize failure", zap.Error(serr))
			}
		}
		return ferr
	}

	if err := f.store.SetPagesExported(ctx, jobID, exported); err != nil {
		return fmt.Errorf("record exported count: %w", err)
	}

	terminal := crawler.JobDone
	if job.CancelRequested {
		terminal = crawler.JobCancelled
	}
	if job.State == crawler.JobFinalizing {
		if err := f.store.SetState(ctx, jobID, terminal, ""); err != nil {
			return fmt.Errorf("set terminal state: %w", err)
		}
		metrics.AddExported(exported)
		metrics.JobFinished(string(terminal))
	} else {
		terminal = job.State
	}

	if err := f.store.LogEvent(ctx, jobID, crawler.EventInfo, "finalized", map[string]any{
		"pages_exported": exported, "state": string(terminal),
	}); err != nil {
		log.Warn("log finalize event", zap.Error(err))
	}
	f.publish(ctx, jobID, terminal, exported, log)
	log.Info("finalization complete", zap.Int("pages_exported", exported), zap.String("state", string(terminal)))
	return nil
}

// buildArtifacts writes pages.jsonl, summary.json, and kb/, then registers
// everything. It returns the exported document count.
func (f *Finalizer) buildArtifacts(ctx context.Context, job crawler.Job) (int, error) {
	jobDir := filepath.Join(f.outputDir, job.ID)
	if err := os.MkdirAll(jobDir, 0o750); err != nil {
		return 0, fmt.Errorf("create job dir: %w", err)
	}

	groups, order, totalRaw, err := readGroups(filepath.Join(jobDir, "pages.raw.jsonl"))
	if err != nil {
		return 0, err
	}

	pagesPath := filepath.Join(jobDir, "pages.jsonl")
	pages, err := writePages(pagesPath, groups, order)
	if err != nil {
		return 0, err
	}

	summaryPath := filepath.Join(jobDir, "summary.json")
	if err := f.writeSummary(summaryPath, job, pages, totalRaw); err != nil {
		return 0, err
	}

	kbManifest, err := f.writeKB(jobDir, job.ID, pages)
	if err != nil {
		return 0, err
	}

	artifacts := []struct {
		kind string
		path string
	}{
		{crawler.ArtifactPagesRaw, filepath.Join(jobDir, "pages.raw.jsonl")},
		{crawler.ArtifactPages, pagesPath},
		{crawler.ArtifactSummary, summaryPath},
		{crawler.ArtifactKB, kbManifest},
	}
	for _, a := range artifacts {
		if err := f.registerArtifact(ctx, job.ID, a.kind, a.path); err != nil {
			return 0, err
		}
	}
	return len(pages), nil
}

// readGroups buckets raw records by content hash, remembering first-seen
// order. The first record of a group carries the primary URL by
// construction: the store made that URL the document primary when it first
// saw the hash.
func readGroups(rawPath string) (map[string][]codec.RawPage, []string, int, error) {
	groups := make(map[string][]codec.RawPage)
	var order []string
	totalRaw := 0

	file, err := os.Open(rawPath)
	if err != nil {
		if os.IsNotExist(err) {
			return groups, order, 0, nil
		}
		return nil, nil, 0, fmt.Errorf("open raw pages: %w", err)
	}
	defer file.Close()

	err = codec.ReadRawPages(file, func(rec codec.RawPage) error {
		totalRaw++
		if _, seen := groups[rec.ContentHash]; !seen {
			order = append(order, rec.ContentHash)
		}
		groups[rec.ContentHash] = append(groups[rec.ContentHash], rec)
		return nil
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("read raw pages: %w", err)
	}
	return groups, order, totalRaw, nil
}

func writePages(path string, groups map[string][]codec.RawPage, order []string) ([]codec.Page, error) {
	// Rewrite from scratch so re-finalizing stays idempotent.
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove stale pages.jsonl: %w", err)
	}
	w, err := codec.OpenJSONL(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = w.Close() }()

	pages := make([]codec.Page, 0, len(order))
	for _, hash := range order {
		group := groups[hash]
		page := codec.Page{RawPage: group[0], URLAliases: []string{}}
		for _, dup := range group[1:] {
			if dup.URL != page.URL {
				page.URLAliases = append(page.URLAliases, dup.URL)
			}
		}
		if err := w.Append(page); err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, nil
}

func (f *Finalizer) writeSummary(path string, job crawler.Job, pages []codec.Page, totalRaw int) error {
	statusCodes := make(map[string]int)
	modes := make(map[string]int)
	errorCounts := make(map[string]int)
	textLen := 0
	for _, p := range pages {
		statusCodes[fmt.Sprintf("%d", p.StatusCode)]++
		if p.Mode != "" {
			modes[p.Mode]++
		}
		if p.Error != "" {
			errorCounts[p.Error]++
		}
		textLen += len(p.Text)
	}
	if job.LastError != "" {
		errorCounts[job.LastError]++
	}

	topErrors := make([]codec.ErrorCount, 0, len(errorCounts))
	for e, n := range errorCounts {
		topErrors = append(topErrors, codec.ErrorCount{Error: e, Count: n})
	}
	sort.Slice(topErrors, func(i, j int) bool {
		if topErrors[i].Count != topErrors[j].Count {
			return topErrors[i].Count > topErrors[j].Count
		}
		return topErrors[i].Error < topErrors[j].Error
	})
	if len(topErrors) > 10 {
		topErrors = topErrors[:10]
	}

	finished := f.clock.Now()
	elapsed := 0
	if job.StartedAt != nil {
		elapsed = int(finished.Sub(*job.StartedAt).Seconds())
	}
	avgText := 0
	if len(pages) > 0 {
		avgText = textLen / len(pages)
	}

	return codec.WriteSummary(path, codec.Summary{
		JobID:             job.ID,
		StartURL:          job.Config.SeedURL,
		AllowedHost:       job.Config.AllowedHost,
		SiteStatus:        string(job.SiteStatus),
		TotalFetched:      totalRaw,
		TotalExported:     len(pages),
		TotalErrors:       job.ErrorsCount,
		StartedAt:         job.StartedAt,
		FinishedAt:        finished,
		ElapsedSeconds:    elapsed,
		StatusCodes:       statusCodes,
		TopErrors:         topErrors,
		ExtractionModes:   modes,
		AvgTextLength:     avgText,
		RestartCount:      job.RestartCount,
		FallbackOccurred:  job.SiteStatus == crawler.SiteSwitchedToJS,
		BlockEvidenceJSON: job.BlockEvidence,
	})
}

func (f *Finalizer) registerArtifact(ctx context.Context, jobID, kind, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat artifact %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read artifact %s: %w", path, err)
	}
	sum := sha256.Sum256(data)

	artifact := crawler.JobArtifact{
		JobID:    jobID,
		Kind:     kind,
		Path:     path,
		ByteSize: info.Size(),
		SHA256:   hex.EncodeToString(sum[:]),
	}
	if err := f.store.AddArtifact(ctx, artifact); err != nil {
		return fmt.Errorf("register artifact %s: %w", kind, err)
	}

	if f.blob != nil {
		if _, err := f.blob.PutArtifact(ctx, artifact, data); err != nil {
			// Mirroring is best-effort; the local artifact is authoritative.
			f.logger.Warn("artifact mirror failed",
				zap.String("job_id", jobID), zap.String("kind", kind), zap.Error(err))
		}
	}
	return nil
}

func (f *Finalizer) publish(ctx context.Context, jobID string, state crawler.JobState, exported int, log *zap.Logger) {
	if f.publisher == nil || f.topic == "" {
		return
	}
	payload := map[string]any{
		"job_id":         jobID,
		"state":          string(state),
		"pages_exported": exported,
		"finished_at":    f.clock.Now().UTC().Format(time.RFC3339),
	}
	if err := f.publisher.Publish(ctx, f.topic, payload); err != nil {
		log.Warn("publish completion event", zap.Error(err))
	}
}

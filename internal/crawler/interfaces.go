package crawler

import (
	"context"
	"errors"
	"time"
)

// Store errors shared by all backends.
var (
	// ErrNotFound is returned when a job, entry, or document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a job state change violates the
	// lifecycle DAG. The job row is left untouched.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Store is the single source of truth for jobs, the URL frontier, documents,
// aliases, events, and artifacts. Every operation is atomic at the
// granularity of one call, and heartbeat/progress writes are read-your-writes.
type Store interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// ClaimNextQueuedJob picks the oldest queued job, atomically moves it to
	// running with started_at and heartbeat_at set, and returns it.
	// Returns ErrNotFound when nothing is queued.
	ClaimNextQueuedJob(ctx context.Context, workerID string) (Job, error)
	Heartbeat(ctx context.Context, jobID string, pagesFetched int, lastProgressAt time.Time) error
	// SetState applies a validated lifecycle transition. The optional
	// lastError is recorded on failure-flavored transitions.
	SetState(ctx context.Context, jobID string, state JobState, lastError string) error
	RequestCancel(ctx context.Context, jobID string) error
	// MarkRestart re-queues a running job and bumps restart_count. Only the
	// supervisor calls this.
	MarkRestart(ctx context.Context, jobID string) error
	UpdateSiteStatus(ctx context.Context, jobID string, status SiteStatus, evidence string) error
	SetPagesExported(ctx context.Context, jobID string, exported int) error
	AddErrors(ctx context.Context, jobID string, n int) error
	ListActiveJobs(ctx context.Context) ([]Job, error)
	// ExpireJobs moves every non-terminal job whose TTL elapsed to expired
	// and returns the affected job ids.
	ExpireJobs(ctx context.Context, now time.Time) ([]string, error)

	// EnqueueURL inserts a frontier entry unless (job_id, canonical_url)
	// already exists; duplicates are dropped and reported as added=false.
	EnqueueURL(ctx context.Context, jobID, url, canonicalURL string, depth, priority int) (bool, error)
	LeaseURLs(ctx context.Context, lease URLLease) ([]FrontierEntry, error)
	CompleteURL(ctx context.Context, entryID int64, outcome CompleteOutcome) error
	// RequeueURL puts a leased entry back to queued with retry_count bumped
	// and visibility deferred until earliestVisible.
	RequeueURL(ctx context.Context, entryID int64, lastError string, statusCode int, earliestVisible time.Time) error
	// ExpireStaleLeases releases fetching entries whose lease elapsed and
	// returns how many became visible again.
	ExpireStaleLeases(ctx context.Context, now time.Time) (int, error)
	// ResetFrontierForFallback returns every non-terminal entry of the job to
	// queued, clearing leases but keeping retry counts.
	ResetFrontierForFallback(ctx context.Context, jobID string) (int, error)
	FrontierStats(ctx context.Context, jobID string) (FrontierStats, error)

	// UpsertDocument returns the existing document for (job_id, content_hash)
	// or inserts doc and reports isNew=true.
	UpsertDocument(ctx context.Context, doc Document) (Document, bool, error)
	AttachURLAlias(ctx context.Context, alias DocumentURL) error
	CountDocuments(ctx context.Context, jobID string) (int, error)

	LogEvent(ctx context.Context, jobID string, level EventLevel, event string, data map[string]any) error
	ListEvents(ctx context.Context, jobID string, limit int) ([]JobEvent, error)
	AddArtifact(ctx context.Context, artifact JobArtifact) error
	ListArtifacts(ctx context.Context, jobID string) ([]JobArtifact, error)

	Close() error
}

// Fetcher maps a URL to a fetched page. Implementations follow redirects up
// to ten hops and report the final URL.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Extractor turns fetched HTML into main text, title, and outlinks. Outlinks
// are fully resolved absolute URLs.
type Extractor interface {
	Extract(html []byte, baseURL string) (Extraction, error)
}

// RobotsPolicy decides whether robots.txt permits fetching a URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Hasher computes content digests for deduplication.
type Hasher interface {
	Hash(data []byte) string
}

// Clock returns the current time; injected so tests control it.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and document identifiers.
type IDGenerator interface {
	NewID() string
}

// Publisher pushes job lifecycle notifications to an external bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// BlobStore mirrors finalized job artifacts to external storage and returns
// the mirror URI.
type BlobStore interface {
	PutArtifact(ctx context.Context, artifact JobArtifact, data []byte) (string, error)
}

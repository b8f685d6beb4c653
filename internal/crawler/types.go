// Package crawler defines the domain types and capability contracts shared
// across the crawl subsystems.
package crawler

import (
	"net/http"
	"time"
)

// JobState represents the lifecycle state of a crawl job.
type JobState string

// Job lifecycle states persisted in the store.
const (
	JobQueued     JobState = "queued"
	JobRunning    JobState = "running"
	JobFinalizing JobState = "finalizing"
	JobDone       JobState = "done"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
	JobExpired    JobState = "expired"
)

// Terminal reports whether a job in this state can never transition again.
func (s JobState) Terminal() bool {
	switch s {
	case JobDone, JobFailed, JobCancelled, JobExpired:
		return true
	default:
		return false
	}
}

// SiteStatus summarizes how the target site is responding to the crawl.
type SiteStatus string

// Site status values derived by the blocking detector.
const (
	SiteNormal       SiteStatus = "normal"
	SiteThrottled    SiteStatus = "throttled"
	SiteBlocked      SiteStatus = "blocked"
	SiteLoginWalled  SiteStatus = "login_required"
	SiteSwitchedToJS SiteStatus = "switched_to_js"
	SiteUnknown      SiteStatus = "unknown"
)

// JobConfig is the immutable per-job configuration captured at submission.
type JobConfig struct {
	SeedURL            string   `json:"seed_url"`
	AllowedHost        string   `json:"allowed_host"`
	MaxPages           int      `json:"max_pages"`
	TimeoutSeconds     int      `json:"timeout_seconds"`
	IgnorePathPrefixes []string `json:"ignore_path_prefixes,omitempty"`
	UseJS              bool     `json:"use_js,omitempty"`
}

// Job is one crawl instance. Mutable fields change only through the Store.
type Job struct {
	ID        string    `json:"job_id"`
	TokenHash string    `json:"-"`
	Config    JobConfig `json:"config"`

	State           JobState   `json:"state"`
	CancelRequested bool       `json:"cancel_requested"`
	PagesFetched    int        `json:"pages_fetched"`
	PagesExported   int        `json:"pages_exported"`
	ErrorsCount     int        `json:"errors_count"`
	RestartCount    int        `json:"restart_count"`
	SiteStatus      SiteStatus `json:"site_status"`
	BlockEvidence   string     `json:"block_evidence,omitempty"`
	LastError       string     `json:"last_error,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	HeartbeatAt    *time.Time `json:"heartbeat_at,omitempty"`
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`
}

// FrontierState tracks where a frontier entry is in the fetch pipeline.
type FrontierState string

// Frontier entry states.
const (
	FrontierQueued   FrontierState = "queued"
	FrontierFetching FrontierState = "fetching"
	FrontierFetched  FrontierState = "fetched"
	FrontierParsed   FrontierState = "parsed"
	FrontierStored   FrontierState = "stored"
	FrontierFailed   FrontierState = "failed"
	FrontierSkipped  FrontierState = "skipped"
)

// Terminal reports whether the entry will never be leased again.
func (s FrontierState) Terminal() bool {
	switch s {
	case FrontierStored, FrontierFailed, FrontierSkipped:
		return true
	default:
		return false
	}
}

// MaxURLRetries bounds how often a frontier entry is re-leased after
// retryable failures before it is marked failed.
const MaxURLRetries = 3

// FrontierEntry is one pending or completed URL for one job. CanonicalURL is
// the dedup key; URL keeps the form handed to the fetcher.
type FrontierEntry struct {
	ID           int64
	JobID        string
	URL          string
	CanonicalURL string
	State        FrontierState
	Depth        int
	Priority     int
	RetryCount   int
	LastError    string
	LastStatus   int

	DiscoveredAt      time.Time
	EarliestVisibleAt *time.Time
	LeasedAt          *time.Time
	LeasedBy          string
	LeaseExpiresAt    *time.Time
	FetchedAt         *time.Time
	ParsedAt          *time.Time
	StoredAt          *time.Time
}

// Document is a deduplicated piece of extracted content, identified by
// (job_id, content_hash). Only LastSeenAt and Version mutate after insert.
type Document struct {
	ID               string
	JobID            string
	ContentHash      string
	TitleHash        string
	PrimaryURL       string
	PrimaryCanonical string
	Title            string
	Language         string
	DocType          string
	QualityScore     float64
	QualityPassed    bool
	FirstSeenAt      time.Time
	LastSeenAt       time.Time
	Version          int
}

// AliasReason explains why a URL maps to an existing document.
type AliasReason string

// Alias reasons.
const (
	AliasCanonical       AliasReason = "canonical"
	AliasContentHash     AliasReason = "content_hash"
	AliasRedirect        AliasReason = "redirect"
	AliasLanguageVariant AliasReason = "language_variant"
)

// DocumentURL maps a URL onto a document.
type DocumentURL struct {
	DocumentID   string
	JobID        string
	URL          string
	CanonicalURL string
	Reason       AliasReason
	IsPrimary    bool
	DiscoveredAt time.Time
}

// EventLevel grades job events.
type EventLevel string

// Event levels.
const (
	EventInfo  EventLevel = "info"
	EventWarn  EventLevel = "warn"
	EventError EventLevel = "error"
)

// JobEvent is one append-only log row for a job.
type JobEvent struct {
	ID    int64
	JobID string
	Level EventLevel
	Event string
	Data  map[string]any
	At    time.Time
}

// JobArtifact is a finalized output registered for download.
type JobArtifact struct {
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	ByteSize  int64     `json:"byte_size"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact kinds registered by the finalizer.
const (
	ArtifactPagesRaw = "pages_raw_jsonl"
	ArtifactPages    = "pages_jsonl"
	ArtifactSummary  = "summary_json"
	ArtifactKB       = "kb_manifest"
)

// ContentType returns the MIME type a mirror should serve this artifact
// kind with.
func (a JobArtifact) ContentType() string {
	switch a.Kind {
	case ArtifactPagesRaw, ArtifactPages:
		return "application/x-ndjson"
	case ArtifactSummary, ArtifactKB:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// FetchRequest captures everything a fetcher needs for one URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Depth   int
	Timeout time.Duration
	Headers http.Header
}

// FetchResponse is the result of one fetch, after redirects.
type FetchResponse struct {
	StatusCode  int
	FinalURL    string
	Headers     http.Header
	Body        []byte
	ContentType string
	Elapsed     time.Duration
	UsedJS      bool
}

// Extraction is the extractor's view of a fetched page.
type Extraction struct {
	Title    string
	Text     string
	Outlinks []string
	Language string
	Mode     string
}

// CompleteOutcome records how a leased frontier entry finished.
type CompleteOutcome struct {
	State      FrontierState
	StatusCode int
	Error      string
}

// URLLease parameterizes a frontier lease request.
type URLLease struct {
	JobID    string
	WorkerID string
	Batch    int
	TTL      time.Duration
}

// FrontierStats is a per-state count snapshot for one job's frontier.
type FrontierStats struct {
	Queued   int
	Fetching int
	Fetched  int
	Parsed   int
	Stored   int
	Failed   int
	Skipped  int
}

// Total returns the number of frontier entries in any state.
func (s FrontierStats) Total() int {
	return s.Queued + s.Fetching + s.Fetched + s.Parsed + s.Stored + s.Failed + s.Skipped
}

// Pending returns entries that may still produce a fetch.
func (s FrontierStats) Pending() int {
	return s.Queued + s.Fetching
}

// Package api exposes the HTTP control plane: job submission, status,
// cancellation, and artifact downloads. It writes nothing to the store
// beyond job creation and the cancel flag.
package api

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/skrapp/skrapp/internal/crawler"
	"github.com/skrapp/skrapp/internal/metrics"
)

// Limits bound client-supplied job parameters.
type Limits struct {
	MaxPagesLimit         int
	DefaultMaxPages       int
	DefaultTimeoutSeconds int
	MaxTimeoutSeconds     int
	JobTTL                time.Duration
}

// Server wires HTTP handlers to the store.
type Server struct {
	router chi.Router
	store  crawler.Store
	ids    crawler.IDGenerator
	clock  crawler.Clock
	limits Limits
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store crawler.Store, ids crawler.IDGenerator, clock crawler.Clock, limits Limits, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:  store,
		ids:    ids,
		clock:  clock,
		limits: limits,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.submitJob)
		r.Route("/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Post("/cancel", s.cancelJob)
			r.Get("/artifacts", s.listArtifacts)
			r.Get("/download/{kind}", s.downloadArtifact)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	StartURL           string   `json:"start_url"`
	MaxPages           int      `json:"max_pages"`
	TimeoutSeconds     int      `json:"timeout_seconds"`
	IgnorePathPrefixes []string `json:"ignore_path_prefixes"`
	UseJS              bool     `json:"use_js"`
}

type submitResponse struct {
	JobID     string `json:"job_id"`
	Token     string `json:"token"`
	State     string `json:"state"`
	StatusURL string `json:"status_url"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	seed, err := url.Parse(strings.TrimSpace(req.StartURL))
	if err != nil || (seed.Scheme != "http" && seed.Scheme != "https") || seed.Hostname() == "" {
		writeError(w, http.StatusBadRequest, "start_url must be an absolute http(s) URL")
		return
	}

	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = s.limits.DefaultMaxPages
	}
	if maxPages > s.limits.MaxPagesLimit {
		maxPages = s.limits.MaxPagesLimit
	}
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = s.limits.DefaultTimeoutSeconds
	}
	if timeout > s.limits.MaxTimeoutSeconds {
		timeout = s.limits.MaxTimeoutSeconds
	}

	token, err := mintToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	now := s.clock.Now()
	job := crawler.Job{
		ID:        s.ids.NewID(),
		TokenHash: hashToken(token),
		Config: crawler.JobConfig{
			SeedURL:            seed.String(),
			AllowedHost:        strings.ToLower(seed.Hostname()),
			MaxPages:           maxPages,
			TimeoutSeconds:     timeout,
			IgnorePathPrefixes: req.IgnorePathPrefixes,
			UseJS:              req.UseJS,
		},
		State:     crawler.JobQueued,
		CreatedAt: now,
		ExpiresAt: now.Add(s.limits.JobTTL),
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.logger.Error("create job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "job creation failed")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:     job.ID,
		Token:     token,
		State:     string(job.State),
		StatusURL: "/v1/jobs/" + job.ID,
	})
}

// jobView is the wire shape consumed by the UI.
type jobView struct {
	JobID          string  `json:"job_id"`
	State          string  `json:"state"`
	StartURL       string  `json:"start_url"`
	AllowedHost    string  `json:"allowed_host"`
	MaxPages       int     `json:"max_pages"`
	PagesFetched   int     `json:"pages_fetched"`
	PagesExported  int     `json:"pages_exported"`
	ErrorsCount    int     `json:"errors_count"`
	ElapsedSeconds int     `json:"elapsed_seconds"`
	SiteStatus     string  `json:"site_status"`
	LastError      string  `json:"last_error,omitempty"`
	CreatedAt      string  `json:"created_at"`
	StartedAt      *string `json:"started_at,omitempty"`
	FinishedAt     *string `json:"finished_at,omitempty"`
	ExpiresAt      string  `json:"expires_at"`
	DownloadURL    string  `json:"download_url,omitempty"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorizedJob(w, r)
	if !ok {
		return
	}

	elapsed := 0
	if job.StartedAt != nil {
		end := s.clock.Now()
		if job.FinishedAt != nil {
			end = *job.FinishedAt
		}
		elapsed = int(end.Sub(*job.StartedAt).Seconds())
	}
	view := jobView{
		JobID:          job.ID,
		State:          string(job.State),
		StartURL:       job.Config.SeedURL,
		AllowedHost:    job.Config.AllowedHost,
		MaxPages:       job.Config.MaxPages,
		PagesFetched:   job.PagesFetched,
		PagesExported:  job.PagesExported,
		ErrorsCount:    job.ErrorsCount,
		ElapsedSeconds: elapsed,
		SiteStatus:     string(job.SiteStatus),
		LastError:      job.LastError,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		ExpiresAt:      job.ExpiresAt.Format(time.RFC3339),
	}
	view.StartedAt = rfc3339Ptr(job.StartedAt)
	view.FinishedAt = rfc3339Ptr(job.FinishedAt)

	if artifacts, err := s.store.ListArtifacts(r.Context(), job.ID); err == nil && len(artifacts) > 0 {
		view.DownloadURL = "/v1/jobs/" + job.ID + "/download/" + crawler.ArtifactPages
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorizedJob(w, r)
	if !ok {
		return
	}
	if job.State.Terminal() {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	if err := s.store.RequestCancel(r.Context(), job.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "state": string(job.State), "cancel": "requested"})
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorizedJob(w, r)
	if !ok {
		return
	}
	artifacts, err := s.store.ListArtifacts(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "artifact listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "artifacts": artifacts})
}

func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorizedJob(w, r)
	if !ok {
		return
	}
	kind := chi.URLParam(r, "kind")
	artifacts, err := s.store.ListArtifacts(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "artifact listing failed")
		return
	}
	for _, a := range artifacts {
		if a.Kind == kind {
			w.Header().Set("Content-Disposition",
				fmt.Sprintf("attachment; filename=%q", job.ID+"-"+kind))
			http.ServeFile(w, r, a.Path)
			return
		}
	}
	writeError(w, http.StatusNotFound, "artifact not found")
}

// authorizedJob loads the job and verifies the caller's token.
func (s *Server) authorizedJob(w http.ResponseWriter, r *http.Request) (crawler.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return crawler.Job{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return crawler.Job{}, false
	}

	token := r.Header.Get("X-Job-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if subtle.ConstantTimeCompare([]byte(hashToken(token)), []byte(job.TokenHash)) != 1 {
		writeError(w, http.StatusForbidden, "invalid token")
		return crawler.Job{}, false
	}
	return job, true
}

func mintToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func rfc3339Ptr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

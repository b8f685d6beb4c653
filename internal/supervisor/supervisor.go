// Package supervisor owns the job lifecycle from the outside: it claims
// queued jobs, spawns one crawl engine at a time, watches heartbeats and
// progress for stuck jobs, expires leases and TTLs, and drives finalization.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skrapp/skrapp/internal/crawler"
	"github.com/skrapp/skrapp/internal/engine"
	"github.com/skrapp/skrapp/internal/metrics"
)

// Config tunes the supervisor loop.
type Config struct {
	PollInterval         time.Duration
	OrphanedThreshold    time.Duration
	StalledThreshold     time.Duration
	HardStalledThreshold time.Duration
	MaxRestarts          int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.OrphanedThreshold <= 0 {
		c.OrphanedThreshold = 120 * time.Second
	}
	if c.StalledThreshold <= 0 {
		c.StalledThreshold = 300 * time.Second
	}
	if c.HardStalledThreshold <= 0 {
		c.HardStalledThreshold = 180 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 2
	}
}

// Runner is the engine contract the supervisor drives; narrowed to an
// interface so tests can script engine behavior.
type Runner interface {
	Run(ctx context.Context, job crawler.Job) engine.Result
}

// JobFinalizer runs the post-crawl artifact pass.
type JobFinalizer interface {
	Run(ctx context.Context, jobID string) error
}

// runningEngine tracks the one live engine.
type runningEngine struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}
	result engine.Result
}

// Supervisor is the single polling loop of the worker process.
type Supervisor struct {
	store     crawler.Store
	runner    Runner
	finalizer JobFinalizer
	clock     crawler.Clock
	cfg       Config
	workerID  string
	logger    *zap.Logger

	current *runningEngine
}

// New constructs a Supervisor.
func New(store crawler.Store, runner Runner, finalizer JobFinalizer, clock crawler.Clock, cfg Config, workerID string, logger *zap.Logger) *Supervisor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		store:     store,
		runner:    runner,
		finalizer: finalizer,
		clock:     clock,
		cfg:       cfg,
		workerID:  workerID,
		logger:    logger,
	}
}

// Run polls until the context finishes. When stopping it cancels the live
// engine and waits for it to drain.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.current != nil {
				s.current.cancel()
				<-s.current.done
			}
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick is one pass of the supervision loop. All state handling is serial;
// the engine goroutine only writes its result and closes done.
func (s *Supervisor) tick(ctx context.Context) {
	s.reapEngine(ctx)
	now := s.clock.Now()

	if n, err := s.store.ExpireStaleLeases(ctx, now); err != nil {
		s.logger.Error("expire stale leases", zap.Error(err))
	} else if n > 0 {
		metrics.LeaseExpired(n)
		s.logger.Debug("released stale leases", zap.Int("count", n))
	}

	// TTL expiry runs before the stall rules so a dead-by-TTL job expires
	// instead of being misread as stalled.
	expired, err := s.store.ExpireJobs(ctx, now)
	if err != nil {
		s.logger.Error("expire jobs", zap.Error(err))
	}
	for _, id := range expired {
		metrics.JobFinished(string(crawler.JobExpired))
		s.logger.Warn("job expired", zap.String("job_id", id))
		if s.current != nil && s.current.jobID == id {
			s.current.cancel()
		}
	}

	jobs, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		s.logger.Error("list active jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		if job.State == crawler.JobRunning {
			s.applyStallRules(ctx, job, now)
		}
	}

	// Finalize any job parked in finalizing (either by a just-finished
	// engine or left over from a crash).
	for _, job := range jobs {
		if job.State == crawler.JobFinalizing {
			s.finalize(ctx, job.ID)
		}
	}

	if s.current == nil {
		s.claimNext(ctx)
	}
}

// reapEngine translates a finished engine run into a state transition.
func (s *Supervisor) reapEngine(ctx context.Context) {
	if s.current == nil {
		return
	}
	select {
	case <-s.current.done:
	default:
		return
	}
	run := s.current
	s.current = nil
	log := s.logger.With(zap.String("job_id", run.jobID))

	result := run.result
	switch {
	case result.Err != nil:
		if err := s.store.SetState(ctx, run.jobID, crawler.JobFailed, result.Err.Error()); err != nil && !errors.Is(err, crawler.ErrInvalidTransition) {
			log.Error("record engine failure", zap.Error(err))
		} else if err == nil {
			metrics.JobFinished(string(crawler.JobFailed))
		}
	case result.CancelObserved && result.PagesFetched == 0:
		// Nothing fetched: terminal state is cancelled, but finalize still
		// runs so the empty artifact set exists.
		if err := s.store.SetState(ctx, run.jobID, crawler.JobCancelled, ""); err != nil && !errors.Is(err, crawler.ErrInvalidTransition) {
			log.Error("record cancel", zap.Error(err))
		}
		s.finalize(ctx, run.jobID)
	default:
		err := s.store.SetState(ctx, run.jobID, crawler.JobFinalizing, "")
		if errors.Is(err, crawler.ErrInvalidTransition) {
			// The supervisor already moved the job (restart/expiry); the
			// engine exit is stale.
			return
		}
		if err != nil {
			log.Error("enter finalizing", zap.Error(err))
			return
		}
		s.finalize(ctx, run.jobID)
	}
}

func (s *Supervisor) finalize(ctx context.Context, jobID string) {
	if err := s.finalizer.Run(ctx, jobID); err != nil {
		s.logger.Error("finalize job", zap.String("job_id", jobID), zap.Error(err))
	}
}

// applyStallRules checks one running job against the orphaned, stalled, and
// hard-stalled thresholds.
func (s *Supervisor) applyStallRules(ctx context.Context, job crawler.Job, now time.Time) {
	log := s.logger.With(zap.String("job_id", job.ID))

	if job.StartedAt != nil && now.Sub(*job.StartedAt) > s.cfg.HardStalledThreshold && job.PagesFetched == 0 {
		log.Error("hard-stalled job, failing", zap.Duration("age", now.Sub(*job.StartedAt)))
		s.stopEngineFor(job.ID)
		if err := s.store.SetState(ctx, job.ID, crawler.JobFailed, "hard_stalled_zero_pages"); err != nil {
			log.Error("fail hard-stalled job", zap.Error(err))
		}
		return
	}

	orphaned := job.HeartbeatAt != nil && now.Sub(*job.HeartbeatAt) > s.cfg.OrphanedThreshold
	stalled := job.LastProgressAt != nil && now.Sub(*job.LastProgressAt) > s.cfg.StalledThreshold &&
		job.PagesFetched > 0

	if !orphaned && !stalled {
		return
	}
	reason := "stalled_no_progress"
	if orphaned {
		reason = "orphaned_no_heartbeat"
	}

	s.stopEngineFor(job.ID)
	if job.RestartCount < s.cfg.MaxRestarts {
		log.Warn("restarting stuck job",
			zap.String("reason", reason), zap.Int("restart_count", job.RestartCount))
		if err := s.store.MarkRestart(ctx, job.ID); err != nil {
			log.Error("restart stuck job", zap.Error(err))
		} else {
			metrics.SupervisorRestart()
		}
		_ = s.store.LogEvent(ctx, job.ID, crawler.EventWarn, "restart", map[string]any{
			"reason": reason, "restart_count": job.RestartCount + 1,
		})
		return
	}
	log.Error("failing stuck job after restarts",
		zap.String("reason", reason), zap.Int("restart_count", job.RestartCount))
	if err := s.store.SetState(ctx, job.ID, crawler.JobFailed, reason); err != nil {
		log.Error("fail stuck job", zap.Error(err))
	}
}

func (s *Supervisor) stopEngineFor(jobID string) {
	if s.current != nil && s.current.jobID == jobID {
		s.current.cancel()
	}
}

// claimNext starts an engine for the oldest queued job, if any.
func (s *Supervisor) claimNext(ctx context.Context) {
	job, err := s.store.ClaimNextQueuedJob(ctx, s.workerID)
	if errors.Is(err, crawler.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("claim queued job", zap.Error(err))
		return
	}
	s.logger.Info("claimed job",
		zap.String("job_id", job.ID), zap.String("seed_url", job.Config.SeedURL))

	engineCtx, cancel := context.WithCancel(ctx)
	run := &runningEngine{jobID: job.ID, cancel: cancel, done: make(chan struct{})}
	s.current = run
	go func() {
		defer close(run.done)
		defer cancel()
		run.result = s.runner.Run(engineCtx, job)
	}()
}

// String identifies the supervisor in logs.
func (s *Supervisor) String() string {
	return fmt.Sprintf("supervisor(%s)", s.workerID)
}

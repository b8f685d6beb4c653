// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesFetchedTotal  *prometheus.CounterVec
	pagesExportedTotal prometheus.Counter
	fetchDuration      *prometheus.HistogramVec
	jobsTotal          *prometheus.CounterVec
	frontierQueued     prometheus.Gauge
	supervisorRestarts prometheus.Counter
	leaseExpiries      prometheus.Counter

	once sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_fetched_total",
				Help: "Pages fetched, labeled by status class and fetcher backend.",
			},
			[]string{"status_class", "backend"},
		)
		pagesExportedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_pages_exported_total",
				Help: "Distinct documents exported across all jobs.",
			},
		)
		fetchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Fetch latency, labeled by fetcher backend.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		)
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Jobs reaching a terminal state, labeled by state.",
			},
			[]string{"state"},
		)
		frontierQueued = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_frontier_queued",
				Help: "Queued frontier entries of the running job.",
			},
		)
		supervisorRestarts = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_supervisor_restarts_total",
				Help: "Stuck jobs re-queued by the supervisor.",
			},
		)
		leaseExpiries = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_lease_expiries_total",
				Help: "Frontier leases reclaimed after TTL expiry.",
			},
		)
	})
}

// ObserveFetch records one completed fetch.
func ObserveFetch(status int, backend string, elapsed time.Duration) {
	if pagesFetchedTotal == nil {
		return
	}
	pagesFetchedTotal.WithLabelValues(statusClass(status), backend).Inc()
	fetchDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// AddExported bumps the exported-documents counter.
func AddExported(n int) {
	if pagesExportedTotal == nil || n <= 0 {
		return
	}
	pagesExportedTotal.Add(float64(n))
}

// JobFinished records a terminal transition.
func JobFinished(state string) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(state).Inc()
}

// SetFrontierQueued publishes the current frontier depth.
func SetFrontierQueued(n int) {
	if frontierQueued == nil {
		return
	}
	frontierQueued.Set(float64(n))
}

// SupervisorRestart counts one stuck-job restart.
func SupervisorRestart() {
	if supervisorRestarts == nil {
		return
	}
	supervisorRestarts.Inc()
}

// LeaseExpired counts reclaimed leases.
func LeaseExpired(n int) {
	if leaseExpiries == nil || n <= 0 {
		return
	}
	leaseExpiries.Add(float64(n))
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

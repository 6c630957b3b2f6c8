package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	VideosIngested   = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_ingested_total", Help: "Uploads accepted and recorded as pending"})
	IngestRejects    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "videos_ingest_rejects_total", Help: "Uploads rejected, by error kind"}, []string{"kind"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_rate_limit_rejects_total", Help: "Uploads rejected by the per-owner rate limiter"})
	WorkerClaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_claimed_total", Help: "Videos leased by workers"})
	WorkerReady      = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_ready_total", Help: "Videos that received a thumbnail"})
	WorkerFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "videos_failed_total", Help: "Videos marked failed, by error kind"}, []string{"kind"})
	WorkerReleased   = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_released_total", Help: "Leases released after a retryable error"})
	ClaimErrors      = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_claim_errors_total", Help: "Failed claim queries"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "videos_inflight", Help: "Videos currently being processed by this instance"})
	ProcessDuration  = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "videos_process_duration_seconds",
		Help:    "Time from claim to resolution for a single video",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			VideosIngested,
			IngestRejects,
			RateLimitRejects,
			WorkerClaimed,
			WorkerReady,
			WorkerFailed,
			WorkerReleased,
			ClaimErrors,
			InFlightGauge,
			ProcessDuration,
		)
	})
	return promhttp.Handler()
}

// Package metrics exposes Prometheus collectors for the evidence pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pipelineFetchesTotal       *prometheus.CounterVec
	pipelineFetchBytesTotal    *prometheus.CounterVec
	pipelineRunsTotal          *prometheus.CounterVec
	pipelineRunSeconds         *prometheus.HistogramVec
	pipelineActiveRuns         prometheus.Gauge
	pipelineParsesTotal        *prometheus.CounterVec
	pipelineLLMTokensTotal     prometheus.Counter
	pipelineStageSeconds       *prometheus.HistogramVec
	pipelineRateLimitDelay     prometheus.Histogram
	pipelineActiveCollectors   prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pipelineFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_fetches_total",
				Help: "Total number of fetches performed, labeled by site and outcome.",
			},
			[]string{"site", "status"},
		)

		pipelineFetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		pipelineRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_runs_total",
				Help: "Total number of pipeline runs, labeled by terminal status.",
			},
			[]string{"status"},
		)

		pipelineRunSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_run_duration_seconds",
				Help:    "Histogram of wall time per completed run, labeled by terminal status.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"status"},
		)

		pipelineActiveRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_active_runs",
				Help: "Number of runs currently executing.",
			},
		)

		pipelineParsesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_parses_total",
				Help: "Total number of parse attempts, labeled by outcome.",
			},
			[]string{"status"},
		)

		pipelineLLMTokensTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_llm_tokens_total",
				Help: "Total number of model tokens reported by the extraction API.",
			},
		)

		pipelineStageSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Histogram of stage durations, labeled by stage name.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"stage"},
		)

		pipelineRateLimitDelay = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_rate_limit_delay_seconds",
				Help:    "Histogram of delays introduced by the session rate limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		pipelineActiveCollectors = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_active_collect_workers",
				Help: "Number of collect workers currently fetching.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch increments the fetch counters for one completed fetch.
func ObserveFetch(site string, success bool, bytesFetched int) {
	status := "success"
	if !success {
		status = "failure"
	}
	sanitized := SanitizeSite(site)
	pipelineFetchesTotal.WithLabelValues(sanitized, status).Inc()
	if bytesFetched > 0 {
		pipelineFetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveRun increments the run counter for the given terminal status and
// records the run's wall time when known.
func ObserveRun(status string, duration time.Duration) {
	pipelineRunsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		pipelineRunSeconds.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// IncActiveRuns increments the active runs gauge.
func IncActiveRuns() {
	pipelineActiveRuns.Inc()
}

// DecActiveRuns decrements the active runs gauge.
func DecActiveRuns() {
	pipelineActiveRuns.Dec()
}

// ObserveParse increments the parse counter for the given outcome and adds
// any reported token usage.
func ObserveParse(status string, tokensUsed int) {
	pipelineParsesTotal.WithLabelValues(status).Inc()
	if tokensUsed > 0 {
		pipelineLLMTokensTotal.Add(float64(tokensUsed))
	}
}

// ObserveStage records the duration of one completed stage.
func ObserveStage(stage string, duration time.Duration) {
	pipelineStageSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	pipelineRateLimitDelay.Observe(duration.Seconds())
}

// IncCollectWorkers increments the active collect workers gauge.
func IncCollectWorkers() {
	pipelineActiveCollectors.Inc()
}

// DecCollectWorkers decrements the active collect workers gauge.
func DecCollectWorkers() {
	pipelineActiveCollectors.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

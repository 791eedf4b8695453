// Package metrics exposes Prometheus collectors for the scraping pipeline.
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
	wikiRequestsTotal         *prometheus.CounterVec
	wikiRateLimitedTotal      *prometheus.CounterVec
	batchFailuresTotal        *prometheus.CounterVec
	recordsTotal              *prometheus.CounterVec
	imageResolutionsTotal     *prometheus.CounterVec
	downloadsTotal            *prometheus.CounterVec
	checkpointWritesTotal     *prometheus.CounterVec
	pacingDelaySeconds        *prometheus.HistogramVec
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		wikiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wikiscrape_wiki_requests_total",
				Help: "Wiki API and file requests, labeled by host and status code.",
			},
			[]string{"host", "code"},
		)

		wikiRateLimitedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wikiscrape_rate_limited_total",
				Help: "HTTP 429 responses that triggered a retry, labeled by host.",
			},
			[]string{"host"},
		)

		batchFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wikiscrape_batch_failures_total",
				Help: "Skipped API batches and failed categories, labeled by kind.",
			},
			[]string{"kind"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wikiscrape_records_total",
				Help: "Crawled pages by category and outcome (kept, no_date, out_of_range).",
			},
			[]string{"category", "outcome"},
		)

		imageResolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wikiscrape_image_resolutions_total",
				Help: "Image bindings produced by the fallback chain, labeled by tier.",
			},
			[]string{"tier"},
		)

		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wikiscrape_downloads_total",
				Help: "Thumbnail downloads, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		checkpointWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wikiscrape_checkpoint_writes_total",
				Help: "Checkpoint flushes, labeled by document.",
			},
			[]string{"document"},
		)

		pacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wikiscrape_pacing_delay_seconds",
				Help:    "Histogram of politeness and Retry-After waits.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of status server requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of status server latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveWikiRequest counts one wiki round-trip.
func ObserveWikiRequest(rawURL string, code int) {
	Init()
	wikiRequestsTotal.WithLabelValues(SanitizeHost(rawURL), strconv.Itoa(code)).Inc()
}

// ObserveRateLimited counts a 429 and the wait it imposed.
func ObserveRateLimited(rawURL string, wait time.Duration) {
	Init()
	host := SanitizeHost(rawURL)
	wikiRateLimitedTotal.WithLabelValues(host).Inc()
	pacingDelaySeconds.WithLabelValues(host).Observe(wait.Seconds())
}

// ObservePacingDelay records the duration of a politeness wait.
func ObservePacingDelay(host string, duration time.Duration) {
	Init()
	pacingDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveBatchFailure counts a skipped batch.
func ObserveBatchFailure(kind string) {
	Init()
	batchFailuresTotal.WithLabelValues(kind).Inc()
}

// ObserveRecord counts a crawled page outcome.
func ObserveRecord(category, outcome string) {
	Init()
	recordsTotal.WithLabelValues(category, outcome).Inc()
}

// ObserveImageResolution counts an image binding by tier.
func ObserveImageResolution(tier string) {
	Init()
	imageResolutionsTotal.WithLabelValues(tier).Inc()
}

// ObserveDownload counts a thumbnail download outcome.
func ObserveDownload(outcome string) {
	Init()
	downloadsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCheckpoint counts a checkpoint flush.
func ObserveCheckpoint(document string) {
	Init()
	checkpointWritesTotal.WithLabelValues(document).Inc()
}

// ObserveHTTPRequest increments the status server request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecond.WithLabelValues(method, route).Observe(duration.Seconds())
}

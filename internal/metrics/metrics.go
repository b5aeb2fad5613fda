// Package metrics exposes Prometheus collectors for the indexing service.
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
	notificationsTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	campaignsTotal             *prometheus.CounterVec
	creditsDebitedTotal        prometheus.Counter
	creditsRefundedTotal       prometheus.Counter
	jobsTotal                  *prometheus.CounterVec
	jobRetriesTotal            prometheus.Counter
	recoveredJobsTotal         prometheus.Counter
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_notifications_total",
				Help: "Indexing provider calls, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
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

		campaignsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_campaigns_total",
				Help: "Campaign submissions, labeled by result.",
			},
			[]string{"result"},
		)

		creditsDebitedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_credits_debited_total",
				Help: "Credits debited at campaign intake.",
			},
		)

		creditsRefundedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_credits_refunded_total",
				Help: "Credits returned for URLs that failed permanently.",
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_jobs_total",
				Help: "Total number of URL jobs processed, labeled by status.",
			},
			[]string{"status"},
		)

		jobRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_job_retries_total",
				Help: "URL jobs re-enqueued after a transient failure.",
			},
		)

		recoveredJobsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_recovered_jobs_total",
				Help: "Pending URLs re-enqueued by the recovery sweep.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexer_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "indexer_rate_limit_delays_seconds",
				Help:    "Histogram of provider quota wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
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

// ObserveNotification counts one provider call for the URL's host.
func ObserveNotification(rawURL, outcome string) {
	notificationsTotal.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCampaign counts a submission by result (accepted, duplicate, rejected).
func ObserveCampaign(result string) {
	campaignsTotal.WithLabelValues(result).Inc()
}

// ObserveDebit adds to the debited credits counter.
func ObserveDebit(amount int64) {
	creditsDebitedTotal.Add(float64(amount))
}

// ObserveRefund adds to the refunded credits counter.
func ObserveRefund(amount int64) {
	creditsRefundedTotal.Add(float64(amount))
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveRetry counts a transient failure that was rescheduled.
func ObserveRetry() {
	jobRetriesTotal.Inc()
}

// ObserveRecovered counts URLs re-enqueued by a recovery sweep.
func ObserveRecovered(n int) {
	recoveredJobsTotal.Add(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a quota wait.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaysSeconds.Observe(duration.Seconds())
}

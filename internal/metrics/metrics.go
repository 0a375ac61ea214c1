// Package metrics exposes Prometheus collectors for the trawler service.
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
	scrapePagesTotal           *prometheus.CounterVec
	scrapeBytesTotal           *prometheus.CounterVec
	scrapeRetriesTotal         prometheus.Counter
	cacheLookupsTotal          *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	crawlPagesPerCrawl         prometheus.Histogram
	sessionsActive             prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapePagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trawler_scrape_pages_total",
				Help: "Total number of pages scraped, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		scrapeBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trawler_scrape_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		scrapeRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "trawler_scrape_retries_total",
				Help: "Total number of scrape retry attempts.",
			},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trawler_cache_lookups_total",
				Help: "Total number of cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trawler_jobs_total",
				Help: "Total number of jobs processed, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "trawler_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		crawlPagesPerCrawl = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trawler_crawl_pages",
				Help:    "Histogram of pages crawled per crawl.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		)

		sessionsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "trawler_sessions_active",
				Help: "Number of sessions resident in the registry.",
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

// ObserveScrape increments the scrape counters.
func ObserveScrape(site string, success bool, bytesFetched int) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	sanitized := SanitizeSite(site)
	scrapePagesTotal.WithLabelValues(sanitized, outcome).Inc()
	if bytesFetched > 0 {
		scrapeBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveScrapeRetry increments the retry counter.
func ObserveScrapeRetry() {
	scrapeRetriesTotal.Inc()
}

// ObserveCacheLookup records a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveCrawlPages records the page count of a finished crawl.
func ObserveCrawlPages(pages int) {
	crawlPagesPerCrawl.Observe(float64(pages))
}

// SetActiveSessions records the registry's resident session count.
func SetActiveSessions(n int) {
	sessionsActive.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

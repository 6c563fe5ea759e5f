package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "basement",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "basement",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "basement",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	postsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "basement",
			Subsystem: "forum",
			Name:      "posts_created_total",
			Help:      "Threads and replies created.",
		},
		[]string{"kind"},
	)

	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "basement",
			Subsystem: "forum",
			Name:      "rejections_total",
			Help:      "Write requests rejected, by reason code.",
		},
		[]string{"code"},
	)

	bumps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "basement",
			Subsystem: "forum",
			Name:      "bump_outcomes_total",
			Help:      "Reply bump decisions.",
		},
		[]string{"outcome"},
	)

	oracleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "basement",
			Subsystem: "tokengate",
			Name:      "oracle_call_duration_seconds",
			Help:      "Duration of balance oracle calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"result"},
	)

	imageCleanupFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "basement",
			Subsystem: "images",
			Name:      "cleanup_failures_total",
			Help:      "Stored images that could not be deleted.",
		},
	)

	rateLimitSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "basement",
			Subsystem: "ratelimit",
			Name:      "windows_swept_total",
			Help:      "Expired rate limit windows removed by the sweeper.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		postsCreated,
		rejections,
		bumps,
		oracleDuration,
		imageCleanupFailures,
		rateLimitSwept,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// PostCreated counts a new thread ("thread") or reply ("post").
func PostCreated(kind string) {
	postsCreated.WithLabelValues(kind).Inc()
}

// Rejected counts a refused write by its reason code.
func Rejected(code string) {
	if code == "" {
		code = "unknown"
	}
	rejections.WithLabelValues(code).Inc()
}

// BumpOutcome counts how a reply affected its thread's ordering.
func BumpOutcome(outcome string) {
	bumps.WithLabelValues(outcome).Inc()
}

// OracleCall records one balance lookup.
func OracleCall(result string, duration time.Duration) {
	oracleDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// ImageCleanupFailed counts an image left behind after its record was deleted.
func ImageCleanupFailed() {
	imageCleanupFailures.Inc()
}

// RateLimitSwept counts windows removed by a sweep.
func RateLimitSwept(n int) {
	rateLimitSwept.Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath keeps label cardinality bounded by dropping IDs from the path.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) >= 2 && parts[0] == "api":
		return "/api/" + parts[1]
	case parts[0] == "mod" && len(parts) >= 2:
		return "/mod/" + parts[1]
	default:
		return "/" + parts[0]
	}
}

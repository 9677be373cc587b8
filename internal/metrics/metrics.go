package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Score cache metrics
	scoreRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "score_refresh_total",
			Help: "Total number of score cache recomputations",
		},
		[]string{"status"},
	)

	scoreRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "score_refresh_duration_seconds",
			Help:    "Score cache recomputation duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	scoreRowsScored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "score_rows_scored",
			Help: "Number of claims scored by the latest recomputation",
		},
	)

	scoreCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "score_cache_lookups_total",
			Help: "Score cache lookups by the source that served them",
		},
		[]string{"source"},
	)

	onDemandScored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "score_on_demand_claims_total",
			Help: "Claims scored on demand because the cache had no score",
		},
	)

	// Ranking and review metrics
	highRiskRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "high_risk_requests_total",
			Help: "High risk listing requests",
		},
		[]string{"result"},
	)

	feedbackRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_feedback_total",
			Help: "Audit decisions recorded",
		},
		[]string{"decision"},
	)

	qcStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qc_status",
			Help: "Latest QC verdict, 1 for the active status",
		},
		[]string{"status"},
	)

	// Worker metrics
	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refresh_jobs_processed_total",
			Help: "Refresh jobs handled by workers",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latencies per route template
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordRefresh records one recomputation of the score cache
func RecordRefresh(err error, rows int, duration time.Duration) {
	if err != nil {
		scoreRefreshTotal.WithLabelValues("failed").Inc()
		return
	}
	scoreRefreshTotal.WithLabelValues("success").Inc()
	scoreRefreshDuration.Observe(duration.Seconds())
	scoreRowsScored.Set(float64(rows))
}

// RecordCacheLookup records which source served the score cache
func RecordCacheLookup(source string) {
	scoreCacheLookups.WithLabelValues(source).Inc()
}

// RecordOnDemandScores records claims scored outside the cache
func RecordOnDemandScores(n int) {
	onDemandScored.Add(float64(n))
}

// RecordHighRiskRequest records a high risk listing; result is "ok", "empty"
// or "error"
func RecordHighRiskRequest(result string) {
	highRiskRequests.WithLabelValues(result).Inc()
}

// RecordFeedback records an audit decision
func RecordFeedback(decision string) {
	feedbackRecorded.WithLabelValues(decision).Inc()
}

// SetQCStatus exposes the latest verdict
func SetQCStatus(status string) {
	for _, s := range []string{"ok", "alert", "no_data"} {
		v := 0.0
		if s == status {
			v = 1
		}
		qcStatus.WithLabelValues(s).Set(v)
	}
}

// RecordJob records a processed refresh job
func RecordJob(status string) {
	jobsProcessed.WithLabelValues(status).Inc()
}

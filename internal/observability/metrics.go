package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	engineDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	scanDurationBuckets   = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Transition outcome label values.
const (
	OutcomeApplied     = "applied"
	OutcomeIdempotent  = "idempotent"
	OutcomeStale       = "stale"
	OutcomeIllegal     = "illegal"
	OutcomeGuardFailed = "guard_failed"
	OutcomeError       = "error"
)

// Metrics holds all Prometheus metric instruments for the admissions service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Engine metrics
	SubmissionsTotal    *prometheus.CounterVec
	TransitionsTotal    *prometheus.CounterVec
	TransitionDuration  *prometheus.HistogramVec
	GuardFailuresTotal  *prometheus.CounterVec
	StaleConflictsTotal *prometheus.CounterVec

	// Scheduler metrics
	SchedulerScansTotal      *prometheus.CounterVec
	SchedulerScanDuration    prometheus.Histogram
	SchedulerAppliedTotal    *prometheus.CounterVec
	SchedulerEvaluatedTotal  prometheus.Counter
	SchedulerFailedTotal     prometheus.Counter
	SchedulerChainLimitTotal prometheus.Counter

	// Side-effect metrics
	NotificationsTotal *prometheus.CounterVec
	AuditFailuresTotal *prometheus.CounterVec

	// Dependency metrics
	ProviderRequestsTotal      *prometheus.CounterVec
	ProviderCircuitBreakerState *prometheus.GaugeVec
	RoleCacheHitsTotal         prometheus.Counter
	RoleCacheMissesTotal       prometheus.Counter

	// Definition metrics
	DefinitionActivationsTotal *prometheus.CounterVec
	DefinitionsLoaded          *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admissions_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admissions_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admissions_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admissions_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Engine
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admissions_submissions_total",
			Help: "Total number of applications bound to a workflow definition.",
		}, []string{"application_type"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admissions_transitions_total",
			Help: "Total number of transition attempts by outcome.",
		}, []string{"application_type", "trigger_type", "outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admissions_transition_duration_seconds",
			Help:    "Transition evaluation and commit duration in seconds.",
			Buckets: engineDurationBuckets,
		}, []string{"application_type", "trigger_type"}),
		GuardFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admissions_guard_failures_total",
			Help: "Total number of transitions blocked by a guard.",
		}, []string{"transition_id"}),
		StaleConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admissions_stale_conflicts_total",
			Help: "Total number of transitions rejected for stale state.",
		}, []string{"application_type"}),

		// Scheduler
		SchedulerScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admissions_scheduler_scans_total",
			Help: "Total number of scheduler scans by status.",
		}, []string{"status"}),
		SchedulerScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "admissions_scheduler_scan_duration_seconds",
			Help:    "Scheduler scan duration in seconds.",
			Buckets: scanDurationBuckets,
		}),
		SchedulerAppliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admissions_scheduler_applied_total",
			Help: "Total number of transitions applied by the scheduler.",
		}, []string{"trigger_type"}),
		SchedulerEvaluatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admissions_scheduler_evaluated_total",
			Help: "Total number of applications evaluated by the scheduler.",
		}),
		SchedulerFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admissions_scheduler_failed_total",
			Help: "Total number of application evaluations that failed.",
		}),
		SchedulerChainLimitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admissions_scheduler_chain_limit_total",
			Help: "Total number of evaluations stopped by the chain limit.",
		}),

		// Side effects
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admissions_notifications_total",
			Help: "Total number of notifications by driver and status.",
		}, []string{"driver", "status"}),
		AuditFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admissions_audit_failures_total",
			Help: "Total number of audit sink write failures.",
		}, []string{"sink"}),

		// Dependencies
		ProviderRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admissions_provider_requests_total",
			Help: "Total number of status provider requests.",
		}, []string{"provider", "status"}),
		ProviderCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "admissions_provider_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"provider"}),
		RoleCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admissions_role_cache_hits_total",
			Help: "Total role cache hits.",
		}),
		RoleCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admissions_role_cache_misses_total",
			Help: "Total role cache misses.",
		}),

		// Definitions
		DefinitionActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admissions_definition_activations_total",
			Help: "Total definition activations by application type.",
		}, []string{"application_type"}),
		DefinitionsLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "admissions_definitions_loaded",
			Help: "Number of stored definitions by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Engine
		m.SubmissionsTotal,
		m.TransitionsTotal,
		m.TransitionDuration,
		m.GuardFailuresTotal,
		m.StaleConflictsTotal,
		// Scheduler
		m.SchedulerScansTotal,
		m.SchedulerScanDuration,
		m.SchedulerAppliedTotal,
		m.SchedulerEvaluatedTotal,
		m.SchedulerFailedTotal,
		m.SchedulerChainLimitTotal,
		// Side effects
		m.NotificationsTotal,
		m.AuditFailuresTotal,
		// Dependencies
		m.ProviderRequestsTotal,
		m.ProviderCircuitBreakerState,
		m.RoleCacheHitsTotal,
		m.RoleCacheMissesTotal,
		// Definitions
		m.DefinitionActivationsTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSubmission records an application bound to a definition.
func (m *Metrics) RecordSubmission(applicationType string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(applicationType).Inc()
}

// RecordTransition records one transition attempt.
func (m *Metrics) RecordTransition(applicationType, triggerType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(applicationType, triggerType, outcome).Inc()
	m.TransitionDuration.WithLabelValues(applicationType, triggerType).Observe(duration.Seconds())
	switch outcome {
	case OutcomeStale:
		m.StaleConflictsTotal.WithLabelValues(applicationType).Inc()
	}
}

// RecordGuardFailure records a transition blocked by its guard.
func (m *Metrics) RecordGuardFailure(transitionID string) {
	if m == nil {
		return
	}
	m.GuardFailuresTotal.WithLabelValues(transitionID).Inc()
}

// RecordSchedulerScan records the totals of one scan.
func (m *Metrics) RecordSchedulerScan(status string, duration time.Duration, evaluated, failed, chainLimited int) {
	if m == nil {
		return
	}
	m.SchedulerScansTotal.WithLabelValues(status).Inc()
	m.SchedulerScanDuration.Observe(duration.Seconds())
	m.SchedulerEvaluatedTotal.Add(float64(evaluated))
	m.SchedulerFailedTotal.Add(float64(failed))
	m.SchedulerChainLimitTotal.Add(float64(chainLimited))
}

// RecordSchedulerApplied records a transition applied by the scheduler.
func (m *Metrics) RecordSchedulerApplied(triggerType string) {
	if m == nil {
		return
	}
	m.SchedulerAppliedTotal.WithLabelValues(triggerType).Inc()
}

// RecordNotification records a notification outcome (sent, failed, dropped).
func (m *Metrics) RecordNotification(driver, status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(driver, status).Inc()
}

// RecordAuditFailure records a failed audit sink write.
func (m *Metrics) RecordAuditFailure(sink string) {
	if m == nil {
		return
	}
	m.AuditFailuresTotal.WithLabelValues(sink).Inc()
}

// RecordProviderRequest records a status provider call.
func (m *Metrics) RecordProviderRequest(provider, status string) {
	if m == nil {
		return
	}
	m.ProviderRequestsTotal.WithLabelValues(provider, status).Inc()
}

// SetProviderCircuitBreakerState sets the circuit breaker state for a provider.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetProviderCircuitBreakerState(provider string, state float64) {
	if m == nil {
		return
	}
	m.ProviderCircuitBreakerState.WithLabelValues(provider).Set(state)
}

// RecordRoleCacheHit records a role cache hit.
func (m *Metrics) RecordRoleCacheHit() {
	if m == nil {
		return
	}
	m.RoleCacheHitsTotal.Inc()
}

// RecordRoleCacheMiss records a role cache miss.
func (m *Metrics) RecordRoleCacheMiss() {
	if m == nil {
		return
	}
	m.RoleCacheMissesTotal.Inc()
}

// RecordDefinitionActivation records a definition activation.
func (m *Metrics) RecordDefinitionActivation(applicationType string) {
	if m == nil {
		return
	}
	m.DefinitionActivationsTotal.WithLabelValues(applicationType).Inc()
}

// SetDefinitionsLoaded sets the number of stored definitions with a status.
func (m *Metrics) SetDefinitionsLoaded(status string, count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.WithLabelValues(status).Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to keep label cardinality
// bounded.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordSubmission("undergraduate")
	m.RecordTransition("undergraduate", "MANUAL", OutcomeStale, time.Millisecond)
	m.RecordGuardFailure("approve")
	m.RecordSchedulerScan("success", time.Second, 3, 1, 0)
	m.RecordSchedulerApplied("SLA_TIMEOUT")
	m.RecordNotification("log", "sent")
	m.RecordAuditFailure("postgres")
	m.RecordProviderRequest("documents", "ok")
	m.SetProviderCircuitBreakerState("documents", 0)
	m.RecordRoleCacheHit()
	m.RecordRoleCacheMiss()
	m.RecordDefinitionActivation("undergraduate")
	m.SetDefinitionsLoaded("active", 2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"admissions_http_requests_total",
		"admissions_http_request_duration_seconds",
		"admissions_http_request_size_bytes",
		"admissions_http_response_size_bytes",
		"admissions_submissions_total",
		"admissions_transitions_total",
		"admissions_transition_duration_seconds",
		"admissions_guard_failures_total",
		"admissions_stale_conflicts_total",
		"admissions_scheduler_scans_total",
		"admissions_scheduler_scan_duration_seconds",
		"admissions_scheduler_applied_total",
		"admissions_scheduler_evaluated_total",
		"admissions_scheduler_failed_total",
		"admissions_scheduler_chain_limit_total",
		"admissions_notifications_total",
		"admissions_audit_failures_total",
		"admissions_provider_requests_total",
		"admissions_provider_circuit_breaker_state",
		"admissions_role_cache_hits_total",
		"admissions_role_cache_misses_total",
		"admissions_definition_activations_total",
		"admissions_definitions_loaded",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestMetrics_nilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTransition("undergraduate", "MANUAL", OutcomeApplied, time.Millisecond)
	m.RecordSchedulerScan("success", time.Second, 1, 0, 0)
	m.RecordNotification("log", "dropped")
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/v1/applications/{applicationId}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/v1/applications/{applicationId}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/v1/applications", 500, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/applications/{applicationId}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/applications", "500"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordTransition_staleIncrementsConflicts(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTransition("graduate", "MANUAL", OutcomeApplied, 10*time.Millisecond)
	m.RecordTransition("graduate", "MANUAL", OutcomeStale, 10*time.Millisecond)
	m.RecordTransition("graduate", "MANUAL", OutcomeStale, 10*time.Millisecond)

	applied := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("graduate", "MANUAL", OutcomeApplied))
	if applied != 1 {
		t.Errorf("applied = %v, want 1", applied)
	}
	stale := testutil.ToFloat64(m.StaleConflictsTotal.WithLabelValues("graduate"))
	if stale != 2 {
		t.Errorf("stale conflicts = %v, want 2", stale)
	}
	if count := testutil.CollectAndCount(m.TransitionDuration); count == 0 {
		t.Error("expected transition duration histogram to have observations")
	}
}

func TestRecordSchedulerScan(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSchedulerScan("success", 2*time.Second, 10, 2, 1)
	m.RecordSchedulerScan("skipped", 0, 0, 0, 0)

	if v := testutil.ToFloat64(m.SchedulerEvaluatedTotal); v != 10 {
		t.Errorf("evaluated = %v, want 10", v)
	}
	if v := testutil.ToFloat64(m.SchedulerFailedTotal); v != 2 {
		t.Errorf("failed = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.SchedulerChainLimitTotal); v != 1 {
		t.Errorf("chain limited = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SchedulerScansTotal.WithLabelValues("skipped")); v != 1 {
		t.Errorf("skipped scans = %v, want 1", v)
	}
}

func TestRecordNotification(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordNotification("nats", "sent")
	m.RecordNotification("nats", "dropped")
	m.RecordNotification("nats", "dropped")

	if v := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("nats", "dropped")); v != 2 {
		t.Errorf("dropped = %v, want 2", v)
	}
}

func TestSetProviderCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetProviderCircuitBreakerState("payments", 0)
	if v := testutil.ToFloat64(m.ProviderCircuitBreakerState.WithLabelValues("payments")); v != 0 {
		t.Errorf("circuit breaker state = %v, want 0 (closed)", v)
	}

	m.SetProviderCircuitBreakerState("payments", 2)
	if v := testutil.ToFloat64(m.ProviderCircuitBreakerState.WithLabelValues("payments")); v != 2 {
		t.Errorf("circuit breaker state = %v, want 2 (open)", v)
	}
}

func TestRecordRoleCache(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRoleCacheHit()
	m.RecordRoleCacheHit()
	m.RecordRoleCacheMiss()

	if hits := testutil.ToFloat64(m.RoleCacheHitsTotal); hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}
	if misses := testutil.ToFloat64(m.RoleCacheMissesTotal); misses != 1 {
		t.Errorf("cache misses = %v, want 1", misses)
	}
}

func TestSetDefinitionsLoaded(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetDefinitionsLoaded("draft", 5)
	m.SetDefinitionsLoaded("draft", 3)
	if v := testutil.ToFloat64(m.DefinitionsLoaded.WithLabelValues("draft")); v != 3 {
		t.Errorf("definitions loaded = %v, want 3", v)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/applications/{applicationId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/applications/app-42", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/applications/{applicationId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
	if count := testutil.CollectAndCount(m.HTTPResponseSizeBytes); count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/v1/applications/{applicationId}/transitions/{transitionId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/applications/app-1/transitions/approve", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/applications/{applicationId}/transitions/{transitionId}", "409"))
	if val != 1 {
		t.Errorf("409 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets_sorted(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":   httpDurationBuckets,
		"engine": engineDurationBuckets,
		"scan":   scanDurationBuckets,
		"body":   bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}

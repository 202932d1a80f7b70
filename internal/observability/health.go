package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

var startedAt = time.Now()

// Check and overall readiness statuses.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

const checkTimeout = 2 * time.Second

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency check. Non-critical checks
// can fail without taking the instance out of rotation.
type CheckResult struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// ReadinessChecks lists what /ready verifies. Nil checkers are skipped.
//
// Transitions cannot be served without the stores, an active definition, or
// the status provider that guards consult. Notifications are best effort and
// the scan lease only gates the scheduler, so those two only degrade
// readiness.
type ReadinessChecks struct {
	ActiveDefinitions func() bool

	StateStore      HealthChecker
	DefinitionStore HealthChecker
	Status          HealthChecker
	Lease           HealthChecker
	Notifier        HealthChecker
}

type namedCheck struct {
	name     string
	checker  HealthChecker
	critical bool
}

func (c ReadinessChecks) list() []namedCheck {
	all := []namedCheck{
		{"state_store", c.StateStore, true},
		{"definition_store", c.DefinitionStore, true},
		{"status_provider", c.Status, true},
		{"scheduler_lease", c.Lease, false},
		{"notifier", c.Notifier, false},
	}
	out := all[:0]
	for _, nc := range all {
		if nc.checker != nil {
			out = append(out, nc)
		}
	}
	return out
}

// HandleHealth serves the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:        StatusOK,
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		})
	}
}

// HandleReady serves the readiness endpoint. Checks run concurrently, each
// bounded by its own timeout. A failed critical check answers 503; a failed
// non-critical check reports "degraded" with 200.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	list := checks.list()

	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]CheckResult, len(list)+1)
		results["definitions"] = definitionsCheck(checks.ActiveDefinitions)

		var mu sync.Mutex
		g, ctx := errgroup.WithContext(r.Context())
		for _, nc := range list {
			g.Go(func() error {
				res := runCheck(ctx, nc.checker)
				res.Critical = nc.critical
				mu.Lock()
				results[nc.name] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		status, code := StatusReady, http.StatusOK
		for _, res := range results {
			if res.Status == StatusOK {
				continue
			}
			if res.Critical {
				status, code = StatusNotReady, http.StatusServiceUnavailable
				break
			}
			status = StatusDegraded
		}
		writeJSON(w, code, ReadinessResponse{Status: status, Checks: results})
	}
}

func definitionsCheck(active func() bool) CheckResult {
	start := time.Now()
	ok := active != nil && active()
	res := CheckResult{Status: StatusOK, Critical: true, LatencyMs: time.Since(start).Milliseconds()}
	if !ok {
		res.Status = StatusError
		res.Error = "no active workflow definitions"
	}
	return res
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: StatusOK, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/model"
)

const providerName = "status"

// HTTPStatus queries a remote status service:
//
//	GET {base}/applications/{id}/documents/{type} -> {"verified": bool}
//	GET {base}/applications/{id}/payment          -> {"complete": bool}
//
// A 404 means "not yet" and reads as false. Server errors and transport
// failures count against the circuit breaker; an open breaker is reported as
// DEPENDENCY_UNAVAILABLE.
type HTTPStatus struct {
	baseURL string
	client  *http.Client
	breaker *CircuitBreaker
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewHTTPStatus creates an HTTP-backed provider from cfg.
func NewHTTPStatus(cfg config.StatusConfig, logger *zap.Logger, metrics *observability.Metrics) *HTTPStatus {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HTTPStatus{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		metrics: metrics,
		logger:  logger,
	}
	h.breaker = NewCircuitBreaker(cfg.CircuitBreaker, func(s BreakerState) {
		h.metrics.SetProviderCircuitBreakerState(providerName, float64(s))
		h.logger.Warn("status provider circuit breaker state changed", zap.String("state", s.String()))
	})
	return h
}

// IsDocumentVerified implements model.DocumentStatusProvider.
func (h *HTTPStatus) IsDocumentVerified(ctx context.Context, applicationID, documentType string) (bool, error) {
	var body struct {
		Verified bool `json:"verified"`
	}
	path := fmt.Sprintf("/applications/%s/documents/%s", url.PathEscape(applicationID), url.PathEscape(documentType))
	found, err := h.get(ctx, path, &body)
	if err != nil || !found {
		return false, err
	}
	return body.Verified, nil
}

// IsPaymentComplete implements model.PaymentStatusProvider.
func (h *HTTPStatus) IsPaymentComplete(ctx context.Context, applicationID string) (bool, error) {
	var body struct {
		Complete bool `json:"complete"`
	}
	path := fmt.Sprintf("/applications/%s/payment", url.PathEscape(applicationID))
	found, err := h.get(ctx, path, &body)
	if err != nil || !found {
		return false, err
	}
	return body.Complete, nil
}

// Breaker exposes the circuit breaker for health reporting.
func (h *HTTPStatus) Breaker() *CircuitBreaker {
	return h.breaker
}

// HealthCheck fails while the circuit breaker is open.
func (h *HTTPStatus) HealthCheck(context.Context) error {
	if h.breaker.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// get performs one request and decodes a JSON body into out. found is false
// for 404 responses.
func (h *HTTPStatus) get(ctx context.Context, path string, out any) (found bool, err error) {
	if err := h.breaker.Allow(); err != nil {
		h.metrics.RecordProviderRequest(providerName, "rejected")
		return false, model.NewDependencyUnavailableError("status provider unavailable")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("status: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", rctx.CorrelationID)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		h.breaker.RecordFailure()
		h.metrics.RecordProviderRequest(providerName, "error")
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		return false, model.NewDependencyUnavailableError("status provider unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		h.breaker.RecordFailure()
		h.metrics.RecordProviderRequest(providerName, "error")
		return false, model.NewDependencyUnavailableError(fmt.Sprintf("status provider returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		h.breaker.RecordSuccess()
		h.metrics.RecordProviderRequest(providerName, "not_found")
		return false, nil
	case resp.StatusCode >= 400:
		h.metrics.RecordProviderRequest(providerName, "rejected")
		return false, fmt.Errorf("status: unexpected response %d for %s", resp.StatusCode, path)
	}

	h.breaker.RecordSuccess()
	h.metrics.RecordProviderRequest(providerName, "ok")
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return false, fmt.Errorf("status: decode response: %w", err)
	}
	return true, nil
}

// Package transport exposes the admissions workflow over HTTP: routing,
// authentication, the middleware chain and the JSON handlers.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/model"
)

const (
	maxBodyBytes      = 1 << 20
	retryAfterSeconds = 5
)

// listResponse wraps collection responses.
type listResponse[T any] struct {
	Data []T `json:"data"`
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// HTTPStatus maps an error code to the status returned to API callers.
func HTTPStatus(code string) int {
	switch code {
	case model.ErrBadRequest:
		return http.StatusBadRequest
	case model.ErrUnauthorized:
		return http.StatusUnauthorized
	case model.ErrForbidden:
		return http.StatusForbidden
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrConflict, model.ErrStaleState:
		return http.StatusConflict
	case model.ErrGuardFailed:
		return http.StatusPreconditionFailed
	case model.ErrIllegalTransition, model.ErrValidationError:
		return http.StatusUnprocessableEntity
	case model.ErrDependencyUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// WriteJSON writes body as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an error envelope. Errors outside the taxonomy
// become INTERNAL_ERROR so that no internal detail reaches the caller. The
// envelope is stamped with the request's trace ID.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	env, ok := model.AsEnvelope(err)
	if !ok {
		env = model.NewInternalError()
	}
	out := *env
	if out.TraceID == "" && r != nil {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}

	status := HTTPStatus(out.Code)
	if status == http.StatusServiceUnavailable && out.Retriable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	WriteJSON(w, status, errorResponse{Error: &out})
}

// decodeJSON reads one JSON document from the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return decodeBody(w, r, v, false)
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be omitted.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return decodeBody(w, r, v, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	if r.Body == nil || r.Body == http.NoBody {
		if optional {
			return nil
		}
		return model.NewBadRequestError("request body is required")
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF) && optional:
			return nil
		case errors.Is(err, io.EOF):
			return model.NewBadRequestError("request body is required")
		case errors.As(err, &tooLarge):
			return model.NewBadRequestError(fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	if dec.More() {
		return model.NewBadRequestError("request body must contain a single JSON document")
	}
	return nil
}

// requireCaller returns the authenticated caller, writing a 401 when the
// request reached a handler without one.
func requireCaller(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("request has no authenticated caller"))
		return nil, false
	}
	return rctx, true
}

package model

import (
	"context"
	"slices"
)

// RequestContext identifies the caller of one API request. It is built once
// by the transport layer after authentication and only read afterwards.
type RequestContext struct {
	SubjectID string
	Roles     []string
	// AuthMethod names the authenticator that admitted the caller.
	AuthMethod    string
	CorrelationID string
	TraceID       string
}

// Validate reports an UNAUTHORIZED envelope when no subject is known, since
// every status record must name who triggered it.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return NewUnauthorizedError("request has no authenticated subject")
	}
	return nil
}

// HasRole reports whether the caller presented role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// Actor returns the workflow actor for this request.
func (rc *RequestContext) Actor() Actor {
	return UserActor(rc.SubjectID)
}

type requestContextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the RequestContext carried by ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

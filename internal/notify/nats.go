package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/model"
)

// MsgPublisher is the part of *nats.Conn the dispatcher uses.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSDispatcher publishes events as JSON on
// <prefix>.<application_type>.<to_stage_id>.
type NATSDispatcher struct {
	conn   MsgPublisher
	prefix string
}

// NewNATSDispatcher creates a NATSDispatcher.
func NewNATSDispatcher(conn MsgPublisher, prefix string) *NATSDispatcher {
	return &NATSDispatcher{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// Name returns "nats".
func (d *NATSDispatcher) Name() string { return "nats" }

// Subject returns the subject an event is published on.
func (d *NATSDispatcher) Subject(ev model.TransitionCompleted) string {
	parts := []string{token(ev.ApplicationType), token(ev.ToStageID)}
	if d.prefix != "" {
		parts = append([]string{d.prefix}, parts...)
	}
	return strings.Join(parts, ".")
}

// Notify publishes ev.
func (d *NATSDispatcher) Notify(ctx context.Context, ev model.TransitionCompleted) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := encode(ev)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(d.Subject(ev))
	msg.Data = data
	msg.Header.Set("Nats-Msg-Id", ev.EventID)
	observability.InjectTraceHeaders(ctx, http.Header(msg.Header))
	if err := d.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// HealthCheck reports whether the connection is up when the publisher is a
// real NATS connection.
func (d *NATSDispatcher) HealthCheck(context.Context) error {
	if conn, ok := d.conn.(*nats.Conn); ok && !conn.IsConnected() {
		return fmt.Errorf("nats connection status %s", conn.Status())
	}
	return nil
}

// Close drains the connection when it is a real NATS connection.
func (d *NATSDispatcher) Close() error {
	if conn, ok := d.conn.(*nats.Conn); ok {
		return conn.Drain()
	}
	return nil
}

// token keeps subject segments free of NATS separators and wildcards.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

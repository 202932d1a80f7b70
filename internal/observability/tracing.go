package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/model"
)

const (
	tracerName = "github.com/pitabwire/admissions"

	// defaultSamplingRate applies when the configured rate is zero or negative.
	defaultSamplingRate = 0.1

	// rejectionEvent marks spans whose operation was refused by a workflow rule.
	rejectionEvent = "admissions.rejected"
)

// Span attribute keys shared by the engine, scheduler and transport.
var (
	AttrApplicationID   = attribute.Key("admissions.application_id")
	AttrApplicationType = attribute.Key("admissions.application_type")
	AttrDefinitionID    = attribute.Key("admissions.definition_id")
	AttrTransitionID    = attribute.Key("admissions.transition_id")
	AttrTriggerType     = attribute.Key("admissions.trigger_type")
	AttrStageID         = attribute.Key("admissions.stage_id")
	AttrSubjectID       = attribute.Key("admissions.subject_id")
	AttrErrorCode       = attribute.Key("admissions.error_code")
	AttrRetriable       = attribute.Key("admissions.retriable")
)

// InitTracing installs the global TracerProvider and W3C propagators.
// The returned function flushes buffered spans; it is a no-op when tracing
// is disabled.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return provider.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return nil, fmt.Errorf("unsupported exporter %q (supported: otlp, stdout)", cfg.Exporter)
}

// newSampler honours the caller's sampling decision and otherwise samples
// by trace ID ratio.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	switch {
	case rate <= 0:
		rate = defaultSamplingRate
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the tracer used for all admissions spans.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StateAttributes describes where an application currently sits.
func StateAttributes(state model.ApplicationWorkflowState) []attribute.KeyValue {
	if state.ApplicationID == "" {
		return nil
	}
	return []attribute.KeyValue{
		AttrApplicationID.String(state.ApplicationID),
		AttrApplicationType.String(state.ApplicationType),
		AttrDefinitionID.String(state.WorkflowDefinitionID),
		AttrStageID.String(state.CurrentStageID),
	}
}

// EndSpanWithError ends span and records err on it.
//
// Errors that carry a workflow rejection (illegal transition, stale state,
// failed guard and similar) are expected outcomes: they are recorded as a
// span event with the error code and leave the span status unset. Internal
// and dependency failures, and errors without an envelope, mark the span
// as failed.
func EndSpanWithError(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}

	env, ok := model.AsEnvelope(err)
	if ok {
		span.SetAttributes(AttrErrorCode.String(env.Code))
		if !serverFault(env.Code) {
			span.AddEvent(rejectionEvent, trace.WithAttributes(
				AttrErrorCode.String(env.Code),
				AttrRetriable.Bool(env.Retriable),
			))
			return
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func serverFault(code string) bool {
	return code == model.ErrInternalError || code == model.ErrDependencyUnavailable
}

// TraceIDFromContext returns the active trace ID, or "" outside a span.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// TracingMiddleware starts a server span per request, continuing any
// inbound traceparent. Once the router has matched, the span is renamed to
// the route pattern so that application IDs do not inflate span names.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		sw := &tracingStatusWriter{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(sw, r)

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			semconv.HTTPRoute(route),
			semconv.HTTPResponseStatusCode(sw.status),
		)
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// InjectTraceHeaders writes the current trace context into outbound
// headers. NATS message headers share the http.Header layout.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

type tracingStatusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *tracingStatusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingStatusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Package audit provides AuditSink implementations. Sinks record status
// records after the transition that produced them has committed.
package audit

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/model"
)

// LogSink writes every record as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

// Record logs r.
func (s *LogSink) Record(_ context.Context, r model.StatusRecord) error {
	s.logger.Info("status record",
		zap.String("application_id", r.ApplicationID),
		zap.Int64("sequence", r.Sequence),
		zap.String("transition_id", r.TransitionID),
		zap.String("from_stage_id", r.From()),
		zap.String("to_stage_id", r.ToStageID),
		zap.String("trigger_type", string(r.TriggerType)),
		zap.String("triggered_by", r.TriggeredBy),
		zap.Time("timestamp", r.Timestamp),
	)
	return nil
}

// MemorySink keeps records in memory. For tests.
type MemorySink struct {
	mu      sync.Mutex
	records []model.StatusRecord
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record appends r.
func (s *MemorySink) Record(_ context.Context, r model.StatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

// Records returns a copy of everything recorded so far.
func (s *MemorySink) Records() []model.StatusRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.StatusRecord(nil), s.records...)
}

// Named pairs a sink with the label used in failure metrics.
type Named struct {
	Name string
	Sink model.AuditSink
}

// FanOut writes each record to every sink. A failing sink does not stop the
// others; their errors are joined.
type FanOut struct {
	sinks   []Named
	metrics *observability.Metrics
}

// NewFanOut creates a FanOut over sinks.
func NewFanOut(metrics *observability.Metrics, sinks ...Named) *FanOut {
	return &FanOut{sinks: sinks, metrics: metrics}
}

// Record writes r to all sinks.
func (f *FanOut) Record(ctx context.Context, r model.StatusRecord) error {
	var errs []error
	for _, n := range f.sinks {
		if err := n.Sink.Record(ctx, r); err != nil {
			f.metrics.RecordAuditFailure(n.Name)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

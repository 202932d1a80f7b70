package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/admissions/model"
)

type failingSink struct{ calls int }

func (f *failingSink) Record(context.Context, model.StatusRecord) error {
	f.calls++
	return errors.New("disk full")
}

func sampleRecord() model.StatusRecord {
	from := "submitted"
	return model.StatusRecord{
		Sequence:      4,
		ApplicationID: "app-1",
		TransitionID:  "start_review",
		FromStageID:   &from,
		ToStageID:     "review",
		TriggeredBy:   "officer-1",
		TriggerType:   model.TriggerManual,
		Timestamp:     time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestLogSink_Record(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Record(context.Background(), sampleRecord()))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "app-1", fields["application_id"])
	assert.Equal(t, "submitted", fields["from_stage_id"])
	assert.Equal(t, "MANUAL", fields["trigger_type"])
	assert.Equal(t, int64(4), fields["sequence"])
}

func TestMemorySink_Records(t *testing.T) {
	sink := NewMemorySink()
	require.NoError(t, sink.Record(context.Background(), sampleRecord()))

	got := sink.Records()
	require.Len(t, got, 1)
	got[0].ApplicationID = "mutated"
	assert.Equal(t, "app-1", sink.Records()[0].ApplicationID)
}

func TestFanOut_continues_past_failure(t *testing.T) {
	bad := &failingSink{}
	good := NewMemorySink()
	fan := NewFanOut(nil, Named{Name: "bad", Sink: bad}, Named{Name: "memory", Sink: good})

	err := fan.Record(context.Background(), sampleRecord())

	assert.Error(t, err)
	assert.Equal(t, 1, bad.calls)
	assert.Len(t, good.Records(), 1)
}

func TestFanOut_no_sinks(t *testing.T) {
	assert.NoError(t, NewFanOut(nil).Record(context.Background(), sampleRecord()))
}

package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/admissions/model"
)

// PgSink appends records to the audit_log table. Submission records carry no
// status sequence, so record_sequence is nullable.
type PgSink struct {
	pool *pgxpool.Pool
}

// NewPgSink creates a PgSink.
func NewPgSink(pool *pgxpool.Pool) *PgSink {
	return &PgSink{pool: pool}
}

// Record inserts r.
func (s *PgSink) Record(ctx context.Context, r model.StatusRecord) error {
	var seq *int64
	if r.Sequence > 0 {
		seq = &r.Sequence
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (
			record_sequence, application_id, transition_id, from_stage_id, to_stage_id,
			triggered_by, trigger_type, notes, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (record_sequence) DO NOTHING`,
		seq, r.ApplicationID, r.TransitionID, r.FromStageID, r.ToStageID,
		r.TriggeredBy, r.TriggerType, r.Notes, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// List returns an application's audit entries in insertion order.
func (s *PgSink) List(ctx context.Context, applicationID string) ([]model.StatusRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT COALESCE(record_sequence, 0), application_id, transition_id, from_stage_id, to_stage_id,
			triggered_by, trigger_type, notes, recorded_at
		FROM audit_log
		WHERE application_id = $1
		ORDER BY id ASC`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []model.StatusRecord
	for rows.Next() {
		var r model.StatusRecord
		if err := rows.Scan(
			&r.Sequence, &r.ApplicationID, &r.TransitionID, &r.FromStageID, &r.ToStageID,
			&r.TriggeredBy, &r.TriggerType, &r.Notes, &r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HealthCheck pings the database.
func (s *PgSink) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

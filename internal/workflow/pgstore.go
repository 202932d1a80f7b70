package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/admissions/model"
)

const stateColumns = `application_id, application_type, workflow_definition_id, current_stage_id,
	entered_stage_at, attributes, version, created_at, updated_at`

// PgStateStore is a PostgreSQL-backed StateStore using pgx/v5. Status
// records live in their own table; the bigserial sequence orders commits.
type PgStateStore struct {
	pool *pgxpool.Pool
}

// NewPgStateStore creates a new PostgreSQL state store.
func NewPgStateStore(pool *pgxpool.Pool) *PgStateStore {
	return &PgStateStore{pool: pool}
}

// Create inserts a newly submitted application.
func (s *PgStateStore) Create(ctx context.Context, state model.ApplicationWorkflowState) error {
	attrsJSON, err := json.Marshal(state.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO application_workflow_states (
			application_id, application_type, workflow_definition_id, current_stage_id,
			entered_stage_at, attributes, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		state.ApplicationID, state.ApplicationType, state.WorkflowDefinitionID, state.CurrentStageID,
		state.EnteredStageAt, attrsJSON, state.Version, state.CreatedAt, state.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("application %q already exists", state.ApplicationID))
	}
	if err != nil {
		return fmt.Errorf("insert application state: %w", err)
	}
	return nil
}

// snapshotRead makes the state row and its status records one consistent view.
var snapshotRead = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// Get retrieves an application's state and history from a single snapshot.
func (s *PgStateStore) Get(ctx context.Context, applicationID string) (model.ApplicationWorkflowState, error) {
	tx, err := s.pool.BeginTx(ctx, snapshotRead)
	if err != nil {
		return model.ApplicationWorkflowState{}, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+stateColumns+`
		FROM application_workflow_states
		WHERE application_id = $1`, applicationID)
	state, err := scanState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApplicationWorkflowState{}, notFound(applicationID)
	}
	if err != nil {
		return model.ApplicationWorkflowState{}, fmt.Errorf("query application state: %w", err)
	}

	state.History, err = records(ctx, tx, applicationID)
	if err != nil {
		return model.ApplicationWorkflowState{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.ApplicationWorkflowState{}, fmt.Errorf("end read: %w", err)
	}
	return state, nil
}

// Commit updates the state under the version check and appends the record
// inside one transaction.
func (s *PgStateStore) Commit(ctx context.Context, next model.ApplicationWorkflowState, record model.StatusRecord, expectedVersion int) (model.StatusRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.StatusRecord{}, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE application_workflow_states SET
			current_stage_id = $1,
			entered_stage_at = $2,
			version = $3,
			updated_at = $4
		WHERE application_id = $5 AND version = $6`,
		next.CurrentStageID, next.EnteredStageAt, expectedVersion+1, next.UpdatedAt,
		next.ApplicationID, expectedVersion,
	)
	if err != nil {
		return model.StatusRecord{}, fmt.Errorf("update application state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM application_workflow_states WHERE application_id = $1)`,
			next.ApplicationID,
		).Scan(&exists); err != nil {
			return model.StatusRecord{}, fmt.Errorf("query application state: %w", err)
		}
		if !exists {
			return model.StatusRecord{}, notFound(next.ApplicationID)
		}
		return model.StatusRecord{}, model.NewStaleStateError(
			fmt.Sprintf("application %q version conflict (expected %d)", next.ApplicationID, expectedVersion),
		)
	}

	record.ApplicationID = next.ApplicationID
	err = tx.QueryRow(ctx, `
		INSERT INTO status_records (
			application_id, transition_id, from_stage_id, to_stage_id,
			triggered_by, trigger_type, notes, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING sequence`,
		record.ApplicationID, record.TransitionID, record.FromStageID, record.ToStageID,
		record.TriggeredBy, record.TriggerType, record.Notes, record.Timestamp,
	).Scan(&record.Sequence)
	if err != nil {
		return model.StatusRecord{}, fmt.Errorf("insert status record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.StatusRecord{}, fmt.Errorf("commit transition: %w", err)
	}
	return record, nil
}

// History returns an application's status records in sequence order.
func (s *PgStateStore) History(ctx context.Context, applicationID string) ([]model.StatusRecord, error) {
	tx, err := s.pool.BeginTx(ctx, snapshotRead)
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM application_workflow_states WHERE application_id = $1)`,
		applicationID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("query application state: %w", err)
	}
	if !exists {
		return nil, notFound(applicationID)
	}
	history, err := records(ctx, tx, applicationID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("end read: %w", err)
	}
	return history, nil
}

// FindCandidates returns applications in one stage of one definition using
// keyset pagination on application_id.
func (s *PgStateStore) FindCandidates(ctx context.Context, q CandidateQuery) ([]model.ApplicationWorkflowState, error) {
	query := `SELECT ` + stateColumns + `
		FROM application_workflow_states
		WHERE workflow_definition_id = $1 AND current_stage_id = $2 AND application_id > $3`
	args := []any{q.DefinitionID, q.StageID, q.AfterApplicationID}
	if !q.EnteredBefore.IsZero() {
		args = append(args, q.EnteredBefore)
		query += fmt.Sprintf(" AND entered_stage_at <= $%d", len(args))
	}
	query += " ORDER BY application_id ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var result []model.ApplicationWorkflowState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		result = append(result, state)
	}
	return result, rows.Err()
}

// HealthCheck pings the database.
func (s *PgStateStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func records(ctx context.Context, tx pgx.Tx, applicationID string) ([]model.StatusRecord, error) {
	rows, err := tx.Query(ctx, `
		SELECT sequence, application_id, transition_id, from_stage_id, to_stage_id,
		       triggered_by, trigger_type, notes, recorded_at
		FROM status_records
		WHERE application_id = $1
		ORDER BY sequence ASC`,
		applicationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query status records: %w", err)
	}
	defer rows.Close()

	records := []model.StatusRecord{}
	for rows.Next() {
		var r model.StatusRecord
		if err := rows.Scan(
			&r.Sequence, &r.ApplicationID, &r.TransitionID, &r.FromStageID, &r.ToStageID,
			&r.TriggeredBy, &r.TriggerType, &r.Notes, &r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan status record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanState(row pgx.Row) (model.ApplicationWorkflowState, error) {
	var state model.ApplicationWorkflowState
	var attrsJSON []byte
	if err := row.Scan(
		&state.ApplicationID, &state.ApplicationType, &state.WorkflowDefinitionID, &state.CurrentStageID,
		&state.EnteredStageAt, &attrsJSON, &state.Version, &state.CreatedAt, &state.UpdatedAt,
	); err != nil {
		return model.ApplicationWorkflowState{}, err
	}
	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &state.Attributes); err != nil {
			return model.ApplicationWorkflowState{}, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return state, nil
}

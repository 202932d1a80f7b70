package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/admissions/model"
)

// uniqueViolation is the Postgres SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

const definitionColumns = `id, name, application_type, version, status, start_stage_id,
	stages, transitions, checksum, created_at, activated_at, retired_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5. Stages and transitions
// are stored as JSONB on the definition row so a definition is written and
// removed as one unit.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL definition store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new draft.
func (s *PgStore) Create(ctx context.Context, def model.WorkflowDefinition) error {
	stagesJSON, transitionsJSON, err := marshalContent(def)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (
			id, name, application_type, version, status, start_stage_id,
			stages, transitions, checksum, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		def.ID, def.Name, def.ApplicationType, def.Version, def.Status, def.StartStageID,
		stagesJSON, transitionsJSON, def.Checksum, def.CreatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf(
			"workflow definition %q or version %d of %q already exists", def.ID, def.Version, def.ApplicationType,
		))
	}
	if err != nil {
		return fmt.Errorf("insert workflow definition: %w", err)
	}
	return nil
}

// Get retrieves a definition by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = $1`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", id))
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query workflow definition: %w", err)
	}
	return def, nil
}

// List returns definitions matching filter.
func (s *PgStore) List(ctx context.Context, filter ListFilter) ([]model.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE 1 = 1`
	var args []any
	argIdx := 1

	if filter.ApplicationType != "" {
		query += fmt.Sprintf(" AND application_type = $%d", argIdx)
		args = append(args, filter.ApplicationType)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
	}
	query += " ORDER BY application_type ASC, version ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// UpdateDraft replaces a draft's content.
func (s *PgStore) UpdateDraft(ctx context.Context, def model.WorkflowDefinition) error {
	stagesJSON, transitionsJSON, err := marshalContent(def)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_definitions SET
			name = $1,
			start_stage_id = $2,
			stages = $3,
			transitions = $4,
			checksum = $5
		WHERE id = $6 AND status = 'draft'`,
		def.Name, def.StartStageID, stagesJSON, transitionsJSON, def.Checksum, def.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainNoRows(ctx, def.ID, "modified")
	}
	return nil
}

// Delete removes a draft.
func (s *PgStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_definitions WHERE id = $1 AND status = 'draft'`, id)
	if err != nil {
		return fmt.Errorf("delete workflow definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainNoRows(ctx, id, "deleted")
	}
	return nil
}

// Activate retires the current active definition of the target's type and
// activates the target inside one transaction. The partial unique index on
// (application_type) WHERE status = 'active' rejects a concurrent winner.
func (s *PgStore) Activate(ctx context.Context, id, checksum string, at time.Time) (Activation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Activation{}, fmt.Errorf("begin activation: %w", err)
	}
	defer tx.Rollback(ctx)

	target, err := scanDefinition(tx.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Activation{}, model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", id))
	}
	if err != nil {
		return Activation{}, fmt.Errorf("lock workflow definition: %w", err)
	}

	switch target.Status {
	case model.DefinitionActive:
		return Activation{Definition: target, AlreadyActive: true}, nil
	case model.DefinitionRetired:
		return Activation{}, model.NewConflictError(fmt.Sprintf("workflow definition %q is retired", id))
	}
	if target.Checksum != checksum {
		return Activation{}, changedDuringActivation(id)
	}

	var act Activation
	err = tx.QueryRow(ctx, `
		UPDATE workflow_definitions SET status = 'retired', retired_at = $1
		WHERE application_type = $2 AND status = 'active'
		RETURNING id`,
		at, target.ApplicationType,
	).Scan(&act.Retired)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Activation{}, fmt.Errorf("retire active definition: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE workflow_definitions SET status = 'active', activated_at = $1
		WHERE id = $2`,
		at, id,
	)
	if isUniqueViolation(err) {
		return Activation{}, model.NewConflictError(fmt.Sprintf(
			"another definition of %q was activated concurrently", target.ApplicationType,
		))
	}
	if err != nil {
		return Activation{}, fmt.Errorf("activate workflow definition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return Activation{}, model.NewConflictError(fmt.Sprintf(
				"another definition of %q was activated concurrently", target.ApplicationType,
			))
		}
		return Activation{}, fmt.Errorf("commit activation: %w", err)
	}

	target.Status = model.DefinitionActive
	target.ActivatedAt = &at
	act.Definition = target
	return act, nil
}

// GetActive returns the active definition for an application type.
func (s *PgStore) GetActive(ctx context.Context, applicationType string) (model.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE application_type = $1 AND status = 'active'`, applicationType)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("no active workflow definition for application type %q", applicationType),
		)
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query active definition: %w", err)
	}
	return def, nil
}

// MaxVersion returns the highest version stored for an application type.
func (s *PgStore) MaxVersion(ctx context.Context, applicationType string) (int, error) {
	var version int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE application_type = $1`,
		applicationType,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query max version: %w", err)
	}
	return version, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// explainNoRows distinguishes a missing definition from one that is no
// longer a draft.
func (s *PgStore) explainNoRows(ctx context.Context, id, verb string) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return model.NewConflictError(fmt.Sprintf("workflow definition %q is %s and cannot be %s", id, existing.Status, verb))
}

func marshalContent(def model.WorkflowDefinition) ([]byte, []byte, error) {
	stagesJSON, err := json.Marshal(def.Stages)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal stages: %w", err)
	}
	transitionsJSON, err := json.Marshal(def.Transitions)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal transitions: %w", err)
	}
	return stagesJSON, transitionsJSON, nil
}

func scanDefinition(row pgx.Row) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var stagesJSON, transitionsJSON []byte
	if err := row.Scan(
		&def.ID, &def.Name, &def.ApplicationType, &def.Version, &def.Status, &def.StartStageID,
		&stagesJSON, &transitionsJSON, &def.Checksum, &def.CreatedAt, &def.ActivatedAt, &def.RetiredAt,
	); err != nil {
		return model.WorkflowDefinition{}, err
	}
	if err := json.Unmarshal(stagesJSON, &def.Stages); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("unmarshal stages: %w", err)
	}
	if err := json.Unmarshal(transitionsJSON, &def.Transitions); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("unmarshal transitions: %w", err)
	}
	return def, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

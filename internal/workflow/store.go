package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/admissions/model"
)

// StateStore persists application workflow states and their append-only
// status history.
type StateStore interface {
	// Create persists the state of a newly submitted application. Returns
	// CONFLICT if the application already exists.
	Create(ctx context.Context, state model.ApplicationWorkflowState) error

	// Get retrieves an application's state including its full history.
	// Returns NOT_FOUND if absent.
	Get(ctx context.Context, applicationID string) (model.ApplicationWorkflowState, error)

	// Commit moves the application to next.CurrentStageID and appends record
	// in one atomic step, provided the stored version still equals
	// expectedVersion. The stored version becomes expectedVersion+1 and the
	// record receives its sequence from the store. Returns STALE_STATE when
	// the version moved.
	Commit(ctx context.Context, next model.ApplicationWorkflowState, record model.StatusRecord, expectedVersion int) (model.StatusRecord, error)

	// History returns an application's status records in sequence order.
	History(ctx context.Context, applicationID string) ([]model.StatusRecord, error)

	// FindCandidates returns applications bound to one definition that sit
	// in one stage, ordered by application ID. History is not populated.
	FindCandidates(ctx context.Context, q CandidateQuery) ([]model.ApplicationWorkflowState, error)
}

// CandidateQuery selects applications for scheduler evaluation.
type CandidateQuery struct {
	DefinitionID string
	StageID      string
	// EnteredBefore, when set, keeps only applications that entered the
	// stage at or before this instant.
	EnteredBefore time.Time
	// AfterApplicationID resumes a scan after the given ID.
	AfterApplicationID string
	Limit              int
}

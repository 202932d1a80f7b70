package definition

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/admissions/model"
)

// Store persists workflow definitions and their activation state.
type Store interface {
	// Create persists a new draft. Returns CONFLICT if the ID or the
	// (application_type, version) pair is already taken.
	Create(ctx context.Context, def model.WorkflowDefinition) error

	// Get retrieves a definition by ID. Returns NOT_FOUND if absent.
	Get(ctx context.Context, id string) (model.WorkflowDefinition, error)

	// List returns definitions ordered by application type then version.
	List(ctx context.Context, filter ListFilter) ([]model.WorkflowDefinition, error)

	// UpdateDraft replaces the content of a draft. Returns CONFLICT if the
	// stored definition is active or retired.
	UpdateDraft(ctx context.Context, def model.WorkflowDefinition) error

	// Delete removes a draft together with its stages and transitions.
	// Returns CONFLICT if the definition was ever activated.
	Delete(ctx context.Context, id string) error

	// Activate makes id the active definition for its application type and
	// retires the previously active one in a single atomic step. checksum is
	// the content checksum the caller validated. Returns CONFLICT if the
	// target is retired, its stored content no longer matches checksum, or
	// another activation won the race.
	Activate(ctx context.Context, id, checksum string, at time.Time) (Activation, error)

	// GetActive returns the active definition for an application type.
	// Returns NOT_FOUND if none is active.
	GetActive(ctx context.Context, applicationType string) (model.WorkflowDefinition, error)

	// MaxVersion returns the highest stored version for an application type,
	// or 0 if there is none.
	MaxVersion(ctx context.Context, applicationType string) (int, error)
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	ApplicationType string
	Status          model.DefinitionStatus
}

// Activation describes the outcome of Store.Activate.
type Activation struct {
	Definition model.WorkflowDefinition
	// Retired is the previously active definition ID, if any.
	Retired string
	// AlreadyActive is true when the target was active before the call.
	AlreadyActive bool
}

// changedDuringActivation reports a draft edited after it was validated.
func changedDuringActivation(id string) error {
	return model.NewConflictError(fmt.Sprintf(
		"workflow definition %q changed while it was being activated; validate and activate again", id,
	))
}

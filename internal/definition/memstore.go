package definition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/admissions/model"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]model.WorkflowDefinition // key: definition ID
}

// NewMemoryStore creates a new in-memory definition store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[string]model.WorkflowDefinition)}
}

// Create persists a new draft.
func (s *MemoryStore) Create(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[def.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow definition %q already exists", def.ID))
	}
	for _, d := range s.defs {
		if d.ApplicationType == def.ApplicationType && d.Version == def.Version {
			return model.NewConflictError(fmt.Sprintf(
				"version %d of application type %q already exists as %q", def.Version, def.ApplicationType, d.ID,
			))
		}
	}

	s.defs[def.ID] = def.Clone()
	return nil
}

// Get retrieves a definition by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.defs[id]
	if !ok {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", id))
	}
	return d.Clone(), nil
}

// List returns definitions matching filter.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WorkflowDefinition
	for _, d := range s.defs {
		if filter.ApplicationType != "" && d.ApplicationType != filter.ApplicationType {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ApplicationType != out[j].ApplicationType {
			return out[i].ApplicationType < out[j].ApplicationType
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// UpdateDraft replaces a draft's content.
func (s *MemoryStore) UpdateDraft(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.defs[def.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", def.ID))
	}
	if existing.Status != model.DefinitionDraft {
		return model.NewConflictError(fmt.Sprintf("workflow definition %q is %s and cannot be modified", def.ID, existing.Status))
	}

	def.Status = model.DefinitionDraft
	def.CreatedAt = existing.CreatedAt
	s.defs[def.ID] = def.Clone()
	return nil
}

// Delete removes a draft.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.defs[id]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", id))
	}
	if existing.Status != model.DefinitionDraft {
		return model.NewConflictError(fmt.Sprintf("workflow definition %q is %s and cannot be deleted", id, existing.Status))
	}
	delete(s.defs, id)
	return nil
}

// Activate swaps the active definition for the target's application type.
func (s *MemoryStore) Activate(_ context.Context, id, checksum string, at time.Time) (Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.defs[id]
	if !ok {
		return Activation{}, model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", id))
	}
	switch target.Status {
	case model.DefinitionActive:
		return Activation{Definition: target.Clone(), AlreadyActive: true}, nil
	case model.DefinitionRetired:
		return Activation{}, model.NewConflictError(fmt.Sprintf("workflow definition %q is retired", id))
	}
	if target.Checksum != checksum {
		return Activation{}, changedDuringActivation(id)
	}

	var act Activation
	for did, d := range s.defs {
		if d.ApplicationType == target.ApplicationType && d.Status == model.DefinitionActive {
			d.Status = model.DefinitionRetired
			retiredAt := at
			d.RetiredAt = &retiredAt
			s.defs[did] = d
			act.Retired = did
		}
	}

	target.Status = model.DefinitionActive
	activatedAt := at
	target.ActivatedAt = &activatedAt
	s.defs[id] = target

	act.Definition = target.Clone()
	return act, nil
}

// GetActive returns the active definition for an application type.
func (s *MemoryStore) GetActive(_ context.Context, applicationType string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.defs {
		if d.ApplicationType == applicationType && d.Status == model.DefinitionActive {
			return d.Clone(), nil
		}
	}
	return model.WorkflowDefinition{}, model.NewNotFoundError(
		fmt.Sprintf("no active workflow definition for application type %q", applicationType),
	)
}

// MaxVersion returns the highest version stored for an application type.
func (s *MemoryStore) MaxVersion(_ context.Context, applicationType string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	highest := 0
	for _, d := range s.defs {
		if d.ApplicationType == applicationType && d.Version > highest {
			highest = d.Version
		}
	}
	return highest, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of stored definitions. Useful for testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.defs)
}

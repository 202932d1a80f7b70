package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/admissions/model"
)

// MemoryStateStore is an in-memory StateStore for tests and single-node
// deployments.
type MemoryStateStore struct {
	mu       sync.RWMutex
	states   map[string]model.ApplicationWorkflowState // key: application ID
	sequence int64
}

// NewMemoryStateStore creates a new in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]model.ApplicationWorkflowState)}
}

// Create persists a newly submitted application.
func (s *MemoryStateStore) Create(_ context.Context, state model.ApplicationWorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[state.ApplicationID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("application %q already exists", state.ApplicationID),
		)
	}
	s.states[state.ApplicationID] = state.Clone()
	return nil
}

// Get retrieves an application's state.
func (s *MemoryStateStore) Get(_ context.Context, applicationID string) (model.ApplicationWorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.states[applicationID]
	if !exists {
		return model.ApplicationWorkflowState{}, notFound(applicationID)
	}
	return state.Clone(), nil
}

// Commit applies next and appends record under the version check.
func (s *MemoryStateStore) Commit(_ context.Context, next model.ApplicationWorkflowState, record model.StatusRecord, expectedVersion int) (model.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.states[next.ApplicationID]
	if !exists {
		return model.StatusRecord{}, notFound(next.ApplicationID)
	}
	if existing.Version != expectedVersion {
		return model.StatusRecord{}, model.NewStaleStateError(
			fmt.Sprintf("application %q version conflict (expected %d, got %d)", next.ApplicationID, expectedVersion, existing.Version),
		)
	}

	s.sequence++
	record.Sequence = s.sequence
	record.ApplicationID = next.ApplicationID

	existing.CurrentStageID = next.CurrentStageID
	existing.EnteredStageAt = next.EnteredStageAt
	existing.UpdatedAt = next.UpdatedAt
	existing.Version = expectedVersion + 1
	existing.History = append(append([]model.StatusRecord(nil), existing.History...), record)
	s.states[next.ApplicationID] = existing
	return record, nil
}

// History returns an application's status records in sequence order.
func (s *MemoryStateStore) History(_ context.Context, applicationID string) ([]model.StatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.states[applicationID]
	if !exists {
		return nil, notFound(applicationID)
	}
	out := make([]model.StatusRecord, len(state.History))
	copy(out, state.History)
	return out, nil
}

// FindCandidates returns applications in one stage of one definition.
func (s *MemoryStateStore) FindCandidates(_ context.Context, q CandidateQuery) ([]model.ApplicationWorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ApplicationWorkflowState
	for _, state := range s.states {
		if state.WorkflowDefinitionID != q.DefinitionID || state.CurrentStageID != q.StageID {
			continue
		}
		if !q.EnteredBefore.IsZero() && state.EnteredStageAt.After(q.EnteredBefore) {
			continue
		}
		if q.AfterApplicationID != "" && state.ApplicationID <= q.AfterApplicationID {
			continue
		}
		c := state.Clone()
		c.History = nil
		result = append(result, c)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ApplicationID < result[j].ApplicationID
	})
	if q.Limit > 0 && q.Limit < len(result) {
		result = result[:q.Limit]
	}
	return result, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStateStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of applications. For testing.
func (s *MemoryStateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

func notFound(applicationID string) error {
	return model.NewNotFoundError(fmt.Sprintf("application %q not found", applicationID))
}

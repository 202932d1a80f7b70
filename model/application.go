package model

import "time"

// SystemActorID is recorded as triggered_by for scheduler-driven transitions.
const SystemActorID = "system"

// Actor identifies who is attempting a transition.
type Actor struct {
	UserID string `json:"user_id,omitempty"`
	System bool   `json:"system,omitempty"`
}

// SystemActor returns the actor used by the scheduler.
func SystemActor() Actor {
	return Actor{System: true}
}

// UserActor returns an actor for an authenticated user.
func UserActor(userID string) Actor {
	return Actor{UserID: userID}
}

// TriggeredBy returns the value stored on a StatusRecord.
func (a Actor) TriggeredBy() string {
	if a.System {
		return SystemActorID
	}
	return a.UserID
}

// ApplicationWorkflowState is the per-application pointer into its bound
// WorkflowDefinition. It is mutated only by the transition engine.
type ApplicationWorkflowState struct {
	ApplicationID        string            `json:"application_id"`
	ApplicationType      string            `json:"application_type"`
	WorkflowDefinitionID string            `json:"workflow_definition_id"`
	CurrentStageID       string            `json:"current_stage_id"`
	EnteredStageAt       time.Time         `json:"entered_stage_at"`
	Attributes           map[string]string `json:"attributes,omitempty"`
	History              []StatusRecord    `json:"history"`
	Version              int               `json:"version"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// LastRecord returns the most recently committed status record.
func (s ApplicationWorkflowState) LastRecord() (StatusRecord, bool) {
	if len(s.History) == 0 {
		return StatusRecord{}, false
	}
	return s.History[len(s.History)-1], true
}

// Clone returns a deep copy of the state.
func (s ApplicationWorkflowState) Clone() ApplicationWorkflowState {
	c := s
	if s.Attributes != nil {
		c.Attributes = make(map[string]string, len(s.Attributes))
		for k, v := range s.Attributes {
			c.Attributes[k] = v
		}
	}
	c.History = make([]StatusRecord, len(s.History))
	copy(c.History, s.History)
	return c
}

// StatusRecord is one immutable entry in an application's status history.
// Sequence is assigned by the store in commit order.
type StatusRecord struct {
	Sequence      int64       `json:"sequence"`
	ApplicationID string      `json:"application_id"`
	TransitionID  string      `json:"transition_id,omitempty"`
	FromStageID   *string     `json:"from_stage_id"`
	ToStageID     string      `json:"to_stage_id"`
	TriggeredBy   string      `json:"triggered_by"`
	TriggerType   TriggerType `json:"trigger_type"`
	Timestamp     time.Time   `json:"timestamp"`
	Notes         string      `json:"notes,omitempty"`
}

// From returns the source stage, or "" for a submission record.
func (r StatusRecord) From() string {
	if r.FromStageID == nil {
		return ""
	}
	return *r.FromStageID
}

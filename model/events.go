package model

import "time"

// TransitionCompleted is emitted after an application moves between stages.
// FromStageID is nil for the submission that binds the application.
type TransitionCompleted struct {
	EventID              string      `json:"event_id"`
	ApplicationID        string      `json:"application_id"`
	ApplicationType      string      `json:"application_type"`
	WorkflowDefinitionID string      `json:"workflow_definition_id"`
	TransitionID         string      `json:"transition_id,omitempty"`
	FromStageID          *string     `json:"from_stage_id"`
	ToStageID            string      `json:"to_stage_id"`
	TriggerType          TriggerType `json:"trigger_type"`
	TriggeredBy          string      `json:"triggered_by"`
	Terminal             bool        `json:"terminal"`
	Outcome              string      `json:"outcome,omitempty"`
	Notes                string      `json:"notes,omitempty"`
	OccurredAt           time.Time   `json:"occurred_at"`
}

// ApplicationEventKind names an external event that may make an
// AUTO_CONDITION guard newly true.
type ApplicationEventKind string

// Application event kinds.
const (
	EventDocumentVerified    ApplicationEventKind = "document_verified"
	EventPaymentCompleted    ApplicationEventKind = "payment_completed"
	EventTransitionCompleted ApplicationEventKind = "transition_completed"
	EventAttributesChanged   ApplicationEventKind = "attributes_changed"
)

// ApplicationEvent is delivered to the scheduler for opportunistic
// evaluation of one application.
type ApplicationEvent struct {
	ApplicationID string               `json:"application_id"`
	Kind          ApplicationEventKind `json:"kind"`
	DocumentType  string               `json:"document_type,omitempty"`
}

// Valid reports whether the event kind is known.
func (e ApplicationEvent) Valid() bool {
	switch e.Kind {
	case EventDocumentVerified, EventPaymentCompleted, EventTransitionCompleted, EventAttributesChanged:
		return e.ApplicationID != ""
	}
	return false
}

package model

import (
	"sort"
	"time"
)

// TriggerType classifies what may fire a transition.
type TriggerType string

// Transition trigger types.
const (
	TriggerManual        TriggerType = "MANUAL"
	TriggerAutoCondition TriggerType = "AUTO_CONDITION"
	TriggerSLATimeout    TriggerType = "SLA_TIMEOUT"
)

// TriggerSubmission marks the status record written when an application is
// first bound to a definition. It is never valid on a Transition.
const TriggerSubmission TriggerType = "SUBMISSION"

// Valid reports whether t may appear on a Transition.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerAutoCondition, TriggerSLATimeout:
		return true
	}
	return false
}

// DefinitionStatus is the lifecycle status of a WorkflowDefinition.
type DefinitionStatus string

// Definition lifecycle statuses.
const (
	DefinitionDraft   DefinitionStatus = "draft"
	DefinitionActive  DefinitionStatus = "active"
	DefinitionRetired DefinitionStatus = "retired"
)

// Stage is a named position an application can occupy within a workflow.
type Stage struct {
	ID                    string    `json:"id" yaml:"id"`
	Name                  string    `json:"name" yaml:"name"`
	Sequence              int       `json:"sequence" yaml:"sequence"`
	RequiredDocumentTypes []string  `json:"required_document_types,omitempty" yaml:"required_document_types,omitempty"`
	SLA                   *Duration `json:"sla,omitempty" yaml:"sla,omitempty"`
	Terminal              bool      `json:"terminal" yaml:"terminal"`
	// Outcome labels the branch a terminal stage closes (accepted, rejected, ...).
	Outcome string `json:"outcome,omitempty" yaml:"outcome,omitempty"`
}

// HasSLA reports whether the stage carries a positive SLA.
func (s Stage) HasSLA() bool {
	return s.SLA != nil && s.SLA.Duration > 0
}

// Transition is a directed, typed edge between two stages of one definition.
type Transition struct {
	ID           string      `json:"id" yaml:"id"`
	Name         string      `json:"name,omitempty" yaml:"name,omitempty"`
	Source       string      `json:"source_stage_id" yaml:"source"`
	Target       string      `json:"target_stage_id" yaml:"target"`
	TriggerType  TriggerType `json:"trigger_type" yaml:"trigger"`
	Guard        *Guard      `json:"guard,omitempty" yaml:"guard,omitempty"`
	RequiredRole string      `json:"required_role,omitempty" yaml:"required_role,omitempty"`
}

// WorkflowDefinition is the versioned set of stages and transitions for one
// application type. It is immutable once activated.
type WorkflowDefinition struct {
	ID              string           `json:"id" yaml:"id"`
	Name            string           `json:"name,omitempty" yaml:"name,omitempty"`
	ApplicationType string           `json:"application_type" yaml:"application_type"`
	Version         int              `json:"version" yaml:"version"`
	Status          DefinitionStatus `json:"status" yaml:"-"`
	StartStageID    string           `json:"start_stage_id,omitempty" yaml:"start_stage,omitempty"`
	Stages          []Stage          `json:"stages" yaml:"stages"`
	Transitions     []Transition     `json:"transitions" yaml:"transitions"`
	Checksum        string           `json:"checksum,omitempty" yaml:"-"`
	CreatedAt       time.Time        `json:"created_at" yaml:"-"`
	ActivatedAt     *time.Time       `json:"activated_at,omitempty" yaml:"-"`
	RetiredAt       *time.Time       `json:"retired_at,omitempty" yaml:"-"`

	// SourceFile is the path the definition was loaded from, if any.
	SourceFile string `json:"-" yaml:"-"`
}

// IsActive reports whether the definition is the active one for its type.
func (d WorkflowDefinition) IsActive() bool {
	return d.Status == DefinitionActive
}

// Stage returns the stage with the given ID.
func (d WorkflowDefinition) Stage(id string) (Stage, bool) {
	for _, s := range d.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// Transition returns the transition with the given ID.
func (d WorkflowDefinition) Transition(id string) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.ID == id {
			return t, true
		}
	}
	return Transition{}, false
}

// StartStage returns the designated start stage, or the stage with the
// lowest sequence when none is designated.
func (d WorkflowDefinition) StartStage() (Stage, bool) {
	if d.StartStageID != "" {
		return d.Stage(d.StartStageID)
	}
	if len(d.Stages) == 0 {
		return Stage{}, false
	}
	start := d.Stages[0]
	for _, s := range d.Stages[1:] {
		if s.Sequence < start.Sequence {
			start = s
		}
	}
	return start, true
}

// Outgoing returns the transitions leaving stageID in declaration order.
func (d WorkflowDefinition) Outgoing(stageID string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.Source == stageID {
			out = append(out, t)
		}
	}
	return out
}

// OrderedStages returns a copy of the stages sorted by sequence.
func (d WorkflowDefinition) OrderedStages() []Stage {
	stages := make([]Stage, len(d.Stages))
	copy(stages, d.Stages)
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Sequence < stages[j].Sequence
	})
	return stages
}

// Clone returns a deep copy so stored definitions cannot be mutated through
// a returned value.
func (d WorkflowDefinition) Clone() WorkflowDefinition {
	c := d
	c.Stages = make([]Stage, len(d.Stages))
	for i, s := range d.Stages {
		if s.RequiredDocumentTypes != nil {
			s.RequiredDocumentTypes = append([]string(nil), s.RequiredDocumentTypes...)
		}
		if s.SLA != nil {
			sla := *s.SLA
			s.SLA = &sla
		}
		c.Stages[i] = s
	}
	c.Transitions = make([]Transition, len(d.Transitions))
	for i, t := range d.Transitions {
		if t.Guard != nil {
			g := t.Guard.Clone()
			t.Guard = &g
		}
		c.Transitions[i] = t
	}
	if d.ActivatedAt != nil {
		at := *d.ActivatedAt
		c.ActivatedAt = &at
	}
	if d.RetiredAt != nil {
		rt := *d.RetiredAt
		c.RetiredAt = &rt
	}
	return c
}

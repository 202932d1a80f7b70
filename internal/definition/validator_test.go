package definition

import (
	"testing"
	"time"

	"github.com/pitabwire/admissions/model"
)

// reviewDefinition is the Submitted -> Review -> Decided workflow.
func reviewDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:              "undergraduate-v1",
		ApplicationType: "undergraduate",
		Version:         1,
		Stages: []model.Stage{
			{ID: "submitted", Name: "Submitted", Sequence: 1},
			{ID: "review", Name: "Review", Sequence: 2, SLA: model.NewDuration(72 * time.Hour)},
			{ID: "decided", Name: "Decided", Sequence: 3, Terminal: true},
		},
		Transitions: []model.Transition{
			{ID: "start_review", Source: "submitted", Target: "review", TriggerType: model.TriggerManual},
			{ID: "review_expired", Source: "review", Target: "decided", TriggerType: model.TriggerSLATimeout},
		},
	}
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func findError(errs []VError, path, code string) *VError {
	for i := range errs {
		if errs[i].Path == path && errs[i].Code == code {
			return &errs[i]
		}
	}
	return nil
}

// --- Start tests ---

func TestValidator_valid_definition(t *testing.T) {
	res := NewValidator(nil).Validate(reviewDefinition())
	if !res.Valid() {
		t.Fatalf("Validate() errors = %v", res.Errors)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("Validate() warnings = %v, want none", res.Warnings)
	}
}

func TestValidator_loaded_file_is_valid(t *testing.T) {
	def, err := NewLoader().LoadFile("testdata/undergraduate/v1.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	res := NewValidator(nil).Validate(def)
	if !res.Valid() {
		t.Fatalf("Validate() errors = %v", res.Errors)
	}
}

func TestValidator_required_fields(t *testing.T) {
	def := reviewDefinition()
	def.ID = ""
	def.ApplicationType = ""
	def.Version = 0

	res := NewValidator(nil).Validate(def)
	for _, path := range []string{"id", "application_type"} {
		if findError(res.Errors, path, CodeRequired) == nil {
			t.Errorf("expected REQUIRED on %s, got %v", path, res.Errors)
		}
	}
	if findError(res.Errors, "version", CodeInvalidValue) == nil {
		t.Errorf("expected INVALID_VALUE on version, got %v", res.Errors)
	}
}

func TestValidator_no_stages(t *testing.T) {
	def := reviewDefinition()
	def.Stages = nil
	def.Transitions = nil

	res := NewValidator(nil).Validate(def)
	if findError(res.Errors, "stages", CodeRequired) == nil {
		t.Errorf("expected REQUIRED on stages, got %v", res.Errors)
	}
}

func TestValidator_duplicate_stage_and_sequence(t *testing.T) {
	def := reviewDefinition()
	def.Stages = append(def.Stages,
		model.Stage{ID: "review", Name: "Again", Sequence: 9},
		model.Stage{ID: "extra", Name: "Extra", Sequence: 2, Terminal: true, Outcome: "extra"},
	)

	res := NewValidator(nil).Validate(def)
	if findError(res.Errors, "stages[3].id", CodeDuplicate) == nil {
		t.Errorf("expected DUPLICATE on stages[3].id, got %v", res.Errors)
	}
	if findError(res.Errors, "stages[4].sequence", CodeDuplicate) == nil {
		t.Errorf("expected DUPLICATE on stages[4].sequence, got %v", res.Errors)
	}
}

func TestValidator_orphan_transition(t *testing.T) {
	def := reviewDefinition()
	def.Transitions = append(def.Transitions, model.Transition{
		ID: "ghost", Source: "review", Target: "nowhere", TriggerType: model.TriggerManual,
	})

	res := NewValidator(nil).Validate(def)
	if findError(res.Errors, "transitions[2].target", CodeRefNotFound) == nil {
		t.Errorf("expected REF_NOT_FOUND on transitions[2].target, got %v", res.Errors)
	}
}

func TestValidator_self_loop(t *testing.T) {
	def := reviewDefinition()
	def.Transitions = append(def.Transitions, model.Transition{
		ID: "loop", Source: "review", Target: "review", TriggerType: model.TriggerManual,
	})

	res := NewValidator(nil).Validate(def)
	if findError(res.Errors, "transitions[2].target", CodeSelfLoop) == nil {
		t.Errorf("expected SELF_LOOP, got %v", res.Errors)
	}
}

func TestValidator_invalid_trigger(t *testing.T) {
	def := reviewDefinition()
	def.Transitions[0].TriggerType = "WHENEVER"

	res := NewValidator(nil).Validate(def)
	if findError(res.Errors, "transitions[0].trigger", CodeInvalidEnum) == nil {
		t.Errorf("expected INVALID_ENUM, got %v", res.Errors)
	}
}

func TestValidator_submission_trigger_not_allowed_on_transition(t *testing.T) {
	def := reviewDefinition()
	def.Transitions[0].TriggerType = model.TriggerSubmission

	res := NewValidator(nil).Validate(def)
	if findError(res.Errors, "transitions[0].trigger", CodeInvalidEnum) == nil {
		t.Errorf("expected INVALID_ENUM for SUBMISSION, got %v", res.Errors)
	}
}

func TestValidator_unreachable_stage(t *testing.T) {
	def := reviewDefinition()
	def.Stages = append(def.Stages, model.Stage{ID: "island", Name: "Island", Sequence: 4, Terminal: true, Outcome: "island"})

	res := NewValidator(nil).Validate(def)
	e := findError(res.Errors, "stages[3]", CodeUnreachable)
	if e == nil {
		t.Fatalf("expected UNREACHABLE on stages[3], got %v", res.Errors)
	}
}

func TestValidator_no_terminal(t *testing.T) {
	def := reviewDefinition()
	def.Stages[2].Terminal = false

	res := NewValidator(nil).Validate(def)
	if !hasCode(res.Errors, CodeNoTerminal) {
		t.Errorf("expected NO_TERMINAL, got %v", res.Errors)
	}
}

func TestValidator_duplicate_outcome(t *testing.T) {
	def := reviewDefinition()
	def.Stages[2].Outcome = "accepted"
	def.Stages = append(def.Stages, model.Stage{
		ID: "accepted_again", Name: "Accepted again", Sequence: 4, Terminal: true, Outcome: "accepted",
	})
	def.Transitions = append(def.Transitions, model.Transition{
		ID: "shortcut", Source: "review", Target: "accepted_again", TriggerType: model.TriggerManual,
	})

	res := NewValidator(nil).Validate(def)
	if findError(res.Errors, "stages[3].outcome", CodeDuplicateOutcome) == nil {
		t.Errorf("expected DUPLICATE_OUTCOME, got %v", res.Errors)
	}
}

func TestValidator_distinct_default_outcomes(t *testing.T) {
	def := reviewDefinition()
	def.Stages = append(def.Stages, model.Stage{ID: "withdrawn", Name: "Withdrawn", Sequence: 4, Terminal: true})
	def.Transitions = append(def.Transitions, model.Transition{
		ID: "withdraw", Source: "review", Target: "withdrawn", TriggerType: model.TriggerManual,
	})

	res := NewValidator(nil).Validate(def)
	if !res.Valid() {
		t.Errorf("terminal stages without outcome should close distinct branches, got %v", res.Errors)
	}
}

func TestValidator_terminal_outgoing(t *testing.T) {
	def := reviewDefinition()
	def.Transitions = append(def.Transitions, model.Transition{
		ID: "reopen", Source: "decided", Target: "review", TriggerType: model.TriggerManual,
	})

	res := NewValidator(nil).Validate(def)
	if findError(res.Errors, "transitions[2].source", CodeTerminalOutgoing) == nil {
		t.Errorf("expected TERMINAL_OUTGOING, got %v", res.Errors)
	}
}

func TestValidator_sla_timeout_requires_sla(t *testing.T) {
	def := reviewDefinition()
	def.Stages[1].SLA = nil

	res := NewValidator(nil).Validate(def)
	if findError(res.Errors, "transitions[1].trigger", CodeSLARequired) == nil {
		t.Errorf("expected SLA_REQUIRED, got %v", res.Errors)
	}
}

func TestValidator_non_positive_sla(t *testing.T) {
	def := reviewDefinition()
	def.Stages[1].SLA = model.NewDuration(-time.Hour)

	res := NewValidator(nil).Validate(def)
	if findError(res.Errors, "stages[1].sla", CodeInvalidValue) == nil {
		t.Errorf("expected INVALID_VALUE on sla, got %v", res.Errors)
	}
}

func TestValidator_start_stage_not_found(t *testing.T) {
	def := reviewDefinition()
	def.StartStageID = "missing"

	res := NewValidator(nil).Validate(def)
	if findError(res.Errors, "start_stage", CodeRefNotFound) == nil {
		t.Errorf("expected REF_NOT_FOUND on start_stage, got %v", res.Errors)
	}
}

func TestValidator_guard_errors(t *testing.T) {
	def := reviewDefinition()
	g := model.AllOf(
		model.Pred("payment_complete"),
		model.Pred("astrology_aligned"),
		model.Pred("document_verified"),
		model.Guard{},
	)
	def.Transitions[1].TriggerType = model.TriggerAutoCondition
	def.Transitions[1].Guard = &g

	res := NewValidator(nil).Validate(def)
	if findError(res.Errors, "transitions[1].guard.all[1]", CodeUnknownPredicate) == nil {
		t.Errorf("expected UNKNOWN_PREDICATE, got %v", res.Errors)
	}
	if findError(res.Errors, "transitions[1].guard.all[2]", CodeInvalidGuard) == nil {
		t.Errorf("expected INVALID_GUARD for missing argument, got %v", res.Errors)
	}
	if findError(res.Errors, "transitions[1].guard.all[3]", CodeInvalidGuard) == nil {
		t.Errorf("expected INVALID_GUARD for empty node, got %v", res.Errors)
	}
}

func TestValidator_warnings(t *testing.T) {
	def := reviewDefinition()
	// review gets an unguarded auto transition carrying a role.
	def.Transitions = append(def.Transitions, model.Transition{
		ID: "auto", Source: "review", Target: "decided",
		TriggerType: model.TriggerAutoCondition, RequiredRole: "officer",
	})
	def.Stages = append(def.Stages, model.Stage{ID: "limbo", Name: "Limbo", Sequence: 4})
	def.Transitions = append(def.Transitions, model.Transition{
		ID: "to_limbo", Source: "submitted", Target: "limbo", TriggerType: model.TriggerManual,
	})

	res := NewValidator(nil).Validate(def)
	if !res.Valid() {
		t.Fatalf("warnings must not block activation, got errors %v", res.Errors)
	}
	for _, code := range []string{CodeUnguardedAuto, CodeRoleIgnored, CodeDeadEnd} {
		if !hasCode(res.Warnings, code) {
			t.Errorf("expected warning %s, got %v", code, res.Warnings)
		}
	}
}

func TestValidator_cycle_without_sla_escape(t *testing.T) {
	def := reviewDefinition()
	def.Stages[1].SLA = nil
	def.Transitions[1].TriggerType = model.TriggerManual
	def.Stages = append(def.Stages, model.Stage{ID: "clarify", Name: "Clarify", Sequence: 4})
	def.Transitions = append(def.Transitions,
		model.Transition{ID: "ask", Source: "review", Target: "clarify", TriggerType: model.TriggerManual},
		model.Transition{ID: "answer", Source: "clarify", Target: "review", TriggerType: model.TriggerManual},
	)

	res := NewValidator(nil).Validate(def)
	if !res.Valid() {
		t.Fatalf("cycles are warnings, got errors %v", res.Errors)
	}
	if !hasCode(res.Warnings, CodeCycleNoEscape) {
		t.Errorf("expected CYCLE_WITHOUT_SLA_ESCAPE, got %v", res.Warnings)
	}
}

func TestValidator_cycle_with_sla_escape(t *testing.T) {
	def := reviewDefinition()
	def.Stages = append(def.Stages, model.Stage{ID: "clarify", Name: "Clarify", Sequence: 4})
	def.Transitions = append(def.Transitions,
		model.Transition{ID: "ask", Source: "review", Target: "clarify", TriggerType: model.TriggerManual},
		model.Transition{ID: "answer", Source: "clarify", Target: "review", TriggerType: model.TriggerManual},
	)

	res := NewValidator(nil).Validate(def)
	if hasCode(res.Warnings, CodeCycleNoEscape) {
		t.Errorf("review has an SLA_TIMEOUT escape, got %v", res.Warnings)
	}
}

func TestValidationResult_FieldErrors(t *testing.T) {
	res := ValidationResult{Errors: []VError{{Path: "stages[0].id", Code: CodeRequired, Message: "id is required"}}}
	fe := res.FieldErrors()
	if len(fe) != 1 || fe[0].Field != "stages[0].id" || fe[0].Code != CodeRequired {
		t.Errorf("FieldErrors() = %+v", fe)
	}
}

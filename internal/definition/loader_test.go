package definition

import (
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/admissions/model"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/undergraduate/v1.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.ID != "undergraduate-v1" {
		t.Errorf("ID = %q, want undergraduate-v1", def.ID)
	}
	if def.ApplicationType != "undergraduate" {
		t.Errorf("ApplicationType = %q, want undergraduate", def.ApplicationType)
	}
	if def.Version != 1 {
		t.Errorf("Version = %d, want 1", def.Version)
	}
	if def.Status != model.DefinitionDraft {
		t.Errorf("Status = %q, want draft", def.Status)
	}
	if len(def.Stages) != 5 {
		t.Fatalf("Stages = %d, want 5", len(def.Stages))
	}
	if len(def.Transitions) != 6 {
		t.Fatalf("Transitions = %d, want 6", len(def.Transitions))
	}
	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != "testdata/undergraduate/v1.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_stage_fields(t *testing.T) {
	def, err := NewLoader().LoadFile("testdata/undergraduate/v1.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	review, ok := def.Stage("document_review")
	if !ok {
		t.Fatal("document_review stage missing")
	}
	if review.SLA == nil || review.SLA.Duration != 72*time.Hour {
		t.Errorf("document_review SLA = %v, want 72h", review.SLA)
	}
	if len(review.RequiredDocumentTypes) != 2 || review.RequiredDocumentTypes[0] != "TRANSCRIPT" {
		t.Errorf("RequiredDocumentTypes = %v", review.RequiredDocumentTypes)
	}

	committee, _ := def.Stage("committee")
	if committee.SLA == nil || committee.SLA.Duration != 14*24*time.Hour {
		t.Errorf("committee SLA = %v, want 14d", committee.SLA)
	}

	accepted, _ := def.Stage("accepted")
	if !accepted.Terminal || accepted.Outcome != "accepted" {
		t.Errorf("accepted = %+v, want terminal with outcome accepted", accepted)
	}
}

func TestLoader_LoadFile_transition_fields(t *testing.T) {
	def, err := NewLoader().LoadFile("testdata/undergraduate/v1.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	tr, ok := def.Transition("documents_cleared")
	if !ok {
		t.Fatal("documents_cleared transition missing")
	}
	if tr.TriggerType != model.TriggerAutoCondition {
		t.Errorf("TriggerType = %q, want AUTO_CONDITION", tr.TriggerType)
	}
	if tr.Guard == nil || tr.Guard.Kind() != model.GuardAll {
		t.Fatalf("Guard = %+v, want all", tr.Guard)
	}
	if len(tr.Guard.All) != 2 || tr.Guard.All[1].Predicate != "payment_complete" {
		t.Errorf("Guard.All = %+v", tr.Guard.All)
	}

	manual, _ := def.Transition("start_review")
	if manual.RequiredRole != "admissions_officer" {
		t.Errorf("RequiredRole = %q, want admissions_officer", manual.RequiredRole)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadFile_unknown_field(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/unknown_field/typo.yaml")
	if err == nil {
		t.Fatal("LoadFile() with an unknown field should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	defs, err := l.LoadAll([]string{"testdata/undergraduate"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("LoadAll() returned %d definitions, want 2", len(defs))
	}
	if defs[0].Version != 1 || defs[1].Version != 2 {
		t.Errorf("versions = %d, %d, want 1, 2", defs[0].Version, defs[1].Version)
	}
}

func TestLoader_LoadAll_invalid_dir(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/does-not-exist"})
	if err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestLoader_LoadAll_propagates_parse_error(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/invalid"})
	if err == nil {
		t.Fatal("LoadAll() should fail when a file does not parse")
	}
}

func TestChecksum_ignores_lifecycle_fields(t *testing.T) {
	def, err := NewLoader().LoadFile("testdata/undergraduate/v1.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	activated := def.Clone()
	now := time.Now()
	activated.Status = model.DefinitionActive
	activated.ActivatedAt = &now
	activated.SourceFile = ""

	if Checksum(activated) != def.Checksum {
		t.Error("Checksum should not change with lifecycle fields")
	}

	edited := def.Clone()
	edited.Stages[0].Name = "Received"
	if Checksum(edited) == def.Checksum {
		t.Error("Checksum should change with stage content")
	}
}

func TestLoader_LoadAll_rejects_duplicate_versions(t *testing.T) {
	_, err := NewLoader().LoadAll([]string{"testdata/duplicate"})
	if err == nil {
		t.Fatal("LoadAll() should fail when two files declare the same version")
	}
	if !strings.Contains(err.Error(), "also declared in") {
		t.Errorf("error = %v", err)
	}
}

func TestLoader_LoadAll_orders_by_type_and_version(t *testing.T) {
	defs, err := NewLoader().LoadAll([]string{"../../definitions"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("LoadAll() returned %d definitions, want 2", len(defs))
	}
	if defs[0].ApplicationType != "graduate" || defs[1].ApplicationType != "undergraduate" {
		t.Errorf("order = %s, %s, want graduate, undergraduate", defs[0].ApplicationType, defs[1].ApplicationType)
	}
}

// Package definition loads, validates, stores, and activates versioned
// workflow definitions.
package definition

import (
	"bytes"
	"cmp"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/admissions/model"
)

// Loader reads workflow definition drafts from YAML files.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadAll walks directories for *.yaml and *.yml files and parses each into
// a draft. The result is ordered by application type and version, so that
// bootstrapping activates the newest version last. Two files declaring the
// same application type and version are rejected.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowDefinition, error) {
	var defs []model.WorkflowDefinition
	seen := make(map[string]string)

	for _, dir := range directories {
		walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isDefinitionFile(path) {
				return err
			}
			def, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			key := fmt.Sprintf("%s@%d", def.ApplicationType, def.Version)
			if prev, dup := seen[key]; dup {
				return fmt.Errorf("%s: version %d of %q is also declared in %s", path, def.Version, def.ApplicationType, prev)
			}
			seen[key] = path
			defs = append(defs, def)
			return nil
		})
		if walkErr != nil {
			return nil, fmt.Errorf("load definitions from %s: %w", dir, walkErr)
		}
	}

	slices.SortFunc(defs, func(a, b model.WorkflowDefinition) int {
		if c := cmp.Compare(a.ApplicationType, b.ApplicationType); c != 0 {
			return c
		}
		return cmp.Compare(a.Version, b.Version)
	})
	return defs, nil
}

// LoadFile loads and parses a single YAML definition file and records the
// source path.
func (l *Loader) LoadFile(path string) (model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := l.Parse(data)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	def.SourceFile = path
	return def, nil
}

// Parse decodes one YAML document. Unknown fields are rejected so typos in
// trigger or guard keys surface at load time.
func (l *Loader) Parse(data []byte) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return model.WorkflowDefinition{}, err
	}

	def.Status = model.DefinitionDraft
	def.Checksum = Checksum(def)
	return def, nil
}

// Checksum computes a SHA-256 over the definition content. Lifecycle fields
// and formatting of the source file are excluded, so a file and the stored
// row it produced compare equal.
func Checksum(def model.WorkflowDefinition) string {
	content := struct {
		ApplicationType string             `json:"application_type"`
		Version         int                `json:"version"`
		StartStageID    string             `json:"start_stage_id"`
		Stages          []model.Stage      `json:"stages"`
		Transitions     []model.Transition `json:"transitions"`
	}{def.ApplicationType, def.Version, def.StartStageID, def.Stages, def.Transitions}

	data, _ := json.Marshal(content)
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

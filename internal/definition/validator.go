package definition

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pitabwire/admissions/internal/guard"
	"github.com/pitabwire/admissions/model"
)

// Validation codes.
const (
	CodeRequired         = "REQUIRED"
	CodeDuplicate        = "DUPLICATE"
	CodeRefNotFound      = "REF_NOT_FOUND"
	CodeInvalidEnum      = "INVALID_ENUM"
	CodeInvalidValue     = "INVALID_VALUE"
	CodeSelfLoop         = "SELF_LOOP"
	CodeUnreachable      = "UNREACHABLE"
	CodeNoTerminal       = "NO_TERMINAL"
	CodeDuplicateOutcome = "DUPLICATE_OUTCOME"
	CodeTerminalOutgoing = "TERMINAL_OUTGOING"
	CodeSLARequired      = "SLA_REQUIRED"
	CodeInvalidGuard     = "INVALID_GUARD"
	CodeUnknownPredicate = "UNKNOWN_PREDICATE"
	CodeCycleNoEscape    = "CYCLE_WITHOUT_SLA_ESCAPE"
	CodeUnguardedAuto    = "UNGUARDED_AUTO_CONDITION"
	CodeRoleIgnored      = "ROLE_IGNORED"
	CodeDeadEnd          = "DEAD_END"
)

// VError describes a single validation problem in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationResult separates blocking errors from advisory warnings.
type ValidationResult struct {
	Errors   []VError `json:"errors"`
	Warnings []VError `json:"warnings"`
}

// Valid reports whether the definition may be activated.
func (r ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// FieldErrors converts blocking errors to envelope details.
func (r ValidationResult) FieldErrors() []model.FieldError {
	out := make([]model.FieldError, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message})
	}
	return out
}

// Validator checks definitions structurally and referentially.
type Validator struct {
	guards *guard.Evaluator
}

// NewValidator creates a Validator. Guard predicates are checked against the
// evaluator's registry; a nil evaluator uses the built-in predicates.
func NewValidator(guards *guard.Evaluator) *Validator {
	if guards == nil {
		guards = guard.NewEvaluator(nil)
	}
	return &Validator{guards: guards}
}

// Validate checks one definition.
func (v *Validator) Validate(def model.WorkflowDefinition) ValidationResult {
	var res ValidationResult
	errf := func(path, code, format string, args ...any) {
		res.Errors = append(res.Errors, VError{Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
	}
	warnf := func(path, code, format string, args ...any) {
		res.Warnings = append(res.Warnings, VError{Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if def.ID == "" {
		errf("id", CodeRequired, "id is required")
	}
	if def.ApplicationType == "" {
		errf("application_type", CodeRequired, "application_type is required")
	}
	if def.Version < 1 {
		errf("version", CodeInvalidValue, "version must be a positive integer")
	}
	if len(def.Stages) == 0 {
		errf("stages", CodeRequired, "at least one stage is required")
		return res
	}

	stages := make(map[string]model.Stage, len(def.Stages))
	sequences := make(map[int]string, len(def.Stages))
	outcomes := make(map[string]string)
	terminals := 0

	for i, s := range def.Stages {
		sp := fmt.Sprintf("stages[%d]", i)
		if s.ID == "" {
			errf(sp+".id", CodeRequired, "id is required")
			continue
		}
		if _, dup := stages[s.ID]; dup {
			errf(sp+".id", CodeDuplicate, "duplicate stage id %q", s.ID)
			continue
		}
		stages[s.ID] = s

		if s.Name == "" {
			errf(sp+".name", CodeRequired, "name is required")
		}
		if other, dup := sequences[s.Sequence]; dup {
			errf(sp+".sequence", CodeDuplicate, "sequence %d already used by stage %q", s.Sequence, other)
		} else {
			sequences[s.Sequence] = s.ID
		}
		if s.SLA != nil && s.SLA.Duration <= 0 {
			errf(sp+".sla", CodeInvalidValue, "sla must be positive")
		}
		if s.Terminal {
			terminals++
			outcome := terminalOutcome(s)
			if other, dup := outcomes[outcome]; dup {
				errf(sp+".outcome", CodeDuplicateOutcome, "outcome %q already closed by stage %q", outcome, other)
			} else {
				outcomes[outcome] = s.ID
			}
		}
	}
	if terminals == 0 {
		errf("stages", CodeNoTerminal, "at least one terminal stage is required")
	}

	start, hasStart := def.StartStage()
	if def.StartStageID != "" && !hasStart {
		errf("start_stage", CodeRefNotFound, "start stage %q not found", def.StartStageID)
	}

	transitionIDs := make(map[string]bool, len(def.Transitions))
	edges := make(map[string][]model.Transition)
	for i, t := range def.Transitions {
		tp := fmt.Sprintf("transitions[%d]", i)
		if t.ID == "" {
			errf(tp+".id", CodeRequired, "id is required")
		} else if transitionIDs[t.ID] {
			errf(tp+".id", CodeDuplicate, "duplicate transition id %q", t.ID)
		}
		transitionIDs[t.ID] = true

		src, srcOK := stages[t.Source]
		_, dstOK := stages[t.Target]
		if t.Source == "" {
			errf(tp+".source", CodeRequired, "source is required")
		} else if !srcOK {
			errf(tp+".source", CodeRefNotFound, "source stage %q not found", t.Source)
		}
		if t.Target == "" {
			errf(tp+".target", CodeRequired, "target is required")
		} else if !dstOK {
			errf(tp+".target", CodeRefNotFound, "target stage %q not found", t.Target)
		}
		if t.Source != "" && t.Source == t.Target {
			errf(tp+".target", CodeSelfLoop, "transition cannot target its own source %q", t.Source)
		}

		if !t.TriggerType.Valid() {
			errf(tp+".trigger", CodeInvalidEnum, "invalid trigger type %q", t.TriggerType)
		}
		if srcOK && src.Terminal {
			errf(tp+".source", CodeTerminalOutgoing, "terminal stage %q cannot have outgoing transitions", src.ID)
		}
		if t.TriggerType == model.TriggerSLATimeout && srcOK && !src.HasSLA() {
			errf(tp+".trigger", CodeSLARequired, "SLA_TIMEOUT transition requires an sla on stage %q", src.ID)
		}

		if t.Guard != nil {
			for _, pe := range v.guards.Check(*t.Guard) {
				code := CodeInvalidGuard
				if errors.Is(pe.Err, guard.ErrUnknownPredicate) {
					code = CodeUnknownPredicate
				}
				errf(tp+"."+pe.Path, code, "%s", pe.Err.Error())
			}
		} else if t.TriggerType == model.TriggerAutoCondition {
			warnf(tp+".guard", CodeUnguardedAuto, "AUTO_CONDITION transition without a guard fires as soon as it is evaluated")
		}
		if t.RequiredRole != "" && t.TriggerType != model.TriggerManual && t.TriggerType.Valid() {
			warnf(tp+".required_role", CodeRoleIgnored, "required_role only applies to MANUAL transitions")
		}

		if srcOK && dstOK && t.Source != t.Target {
			edges[t.Source] = append(edges[t.Source], t)
		}
	}

	if hasStart {
		reached := reachable(start.ID, edges)
		for i, s := range def.Stages {
			if s.ID != "" && !reached[s.ID] {
				errf(fmt.Sprintf("stages[%d]", i), CodeUnreachable, "stage %q is not reachable from start stage %q", s.ID, start.ID)
			}
		}
	}

	for i, s := range def.Stages {
		if s.ID != "" && !s.Terminal && len(edges[s.ID]) == 0 {
			warnf(fmt.Sprintf("stages[%d]", i), CodeDeadEnd, "non-terminal stage %q has no outgoing transitions", s.ID)
		}
	}

	for _, scc := range cyclesWithoutEscape(def.OrderedStages(), edges) {
		warnf("transitions", CodeCycleNoEscape, "stages %v form a cycle with no SLA_TIMEOUT escape", scc)
	}

	return res
}

// terminalOutcome returns the branch label a terminal stage closes. A stage
// without an explicit outcome closes a branch named after itself.
func terminalOutcome(s model.Stage) string {
	if s.Outcome != "" {
		return s.Outcome
	}
	return s.ID
}

func reachable(start string, edges map[string][]model.Transition) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, t := range edges[cur] {
			if !seen[t.Target] {
				seen[t.Target] = true
				queue = append(queue, t.Target)
			}
		}
	}
	return seen
}

// cyclesWithoutEscape returns the strongly connected components of the
// non-terminal stage graph that contain a cycle and have no SLA_TIMEOUT
// transition leaving the component.
func cyclesWithoutEscape(stages []model.Stage, edges map[string][]model.Transition) [][]string {
	nonTerminal := make(map[string]bool, len(stages))
	for _, s := range stages {
		if !s.Terminal && s.ID != "" {
			nonTerminal[s.ID] = true
		}
	}

	// Tarjan's algorithm over non-terminal stages.
	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var components [][]string

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, t := range edges[v] {
			w := t.Target
			if !nonTerminal[w] {
				continue
			}
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			if len(comp) > 1 {
				components = append(components, comp)
			}
		}
	}

	for _, s := range stages {
		if nonTerminal[s.ID] {
			if _, visited := indices[s.ID]; !visited {
				strongConnect(s.ID)
			}
		}
	}

	var out [][]string
	for _, comp := range components {
		members := make(map[string]bool, len(comp))
		for _, id := range comp {
			members[id] = true
		}
		escaped := false
		for _, id := range comp {
			for _, t := range edges[id] {
				if t.TriggerType == model.TriggerSLATimeout && !members[t.Target] {
					escaped = true
				}
			}
		}
		if !escaped {
			sort.Strings(comp)
			out = append(out, comp)
		}
	}
	return out
}

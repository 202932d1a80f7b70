package model

// GuardKind identifies which variant of a Guard expression is populated.
type GuardKind string

// Guard expression variants.
const (
	GuardAll       GuardKind = "all"
	GuardAny       GuardKind = "any"
	GuardNot       GuardKind = "not"
	GuardPredicate GuardKind = "predicate"
	GuardInvalid   GuardKind = ""
)

// Guard is a tagged boolean expression over named predicates. Exactly one of
// All, Any, Not, or Predicate is set.
type Guard struct {
	All       []Guard           `json:"all,omitempty" yaml:"all,omitempty"`
	Any       []Guard           `json:"any,omitempty" yaml:"any,omitempty"`
	Not       *Guard            `json:"not,omitempty" yaml:"not,omitempty"`
	Predicate string            `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Args      map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

// Kind returns the populated variant, or GuardInvalid when zero or more than
// one variant is set.
func (g Guard) Kind() GuardKind {
	kind := GuardInvalid
	set := 0
	if g.All != nil {
		kind, set = GuardAll, set+1
	}
	if g.Any != nil {
		kind, set = GuardAny, set+1
	}
	if g.Not != nil {
		kind, set = GuardNot, set+1
	}
	if g.Predicate != "" {
		kind, set = GuardPredicate, set+1
	}
	if set != 1 {
		return GuardInvalid
	}
	return kind
}

// Predicates returns every predicate name referenced by the expression.
func (g Guard) Predicates() []string {
	var names []string
	var walk func(Guard)
	walk = func(n Guard) {
		if n.Predicate != "" {
			names = append(names, n.Predicate)
		}
		for _, c := range n.All {
			walk(c)
		}
		for _, c := range n.Any {
			walk(c)
		}
		if n.Not != nil {
			walk(*n.Not)
		}
	}
	walk(g)
	return names
}

// Clone returns a deep copy of the expression.
func (g Guard) Clone() Guard {
	c := Guard{Predicate: g.Predicate}
	if g.Args != nil {
		c.Args = make(map[string]string, len(g.Args))
		for k, v := range g.Args {
			c.Args[k] = v
		}
	}
	if g.All != nil {
		c.All = make([]Guard, len(g.All))
		for i, sub := range g.All {
			c.All[i] = sub.Clone()
		}
	}
	if g.Any != nil {
		c.Any = make([]Guard, len(g.Any))
		for i, sub := range g.Any {
			c.Any[i] = sub.Clone()
		}
	}
	if g.Not != nil {
		n := g.Not.Clone()
		c.Not = &n
	}
	return c
}

// AllOf builds a conjunction.
func AllOf(guards ...Guard) Guard {
	return Guard{All: append([]Guard{}, guards...)}
}

// AnyOf builds a disjunction.
func AnyOf(guards ...Guard) Guard {
	return Guard{Any: append([]Guard{}, guards...)}
}

// NotOf negates a guard.
func NotOf(g Guard) Guard {
	return Guard{Not: &g}
}

// Pred builds a predicate leaf. kv is read as alternating argument names and
// values.
func Pred(name string, kv ...string) Guard {
	g := Guard{Predicate: name}
	if len(kv) > 0 {
		g.Args = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			g.Args[kv[i]] = kv[i+1]
		}
	}
	return g
}

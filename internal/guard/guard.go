// Package guard evaluates transition guard expressions against a read-only
// view of an application.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/admissions/model"
)

// Built-in predicate names.
const (
	PredicateDocumentVerified          = "document_verified"
	PredicateRequiredDocumentsVerified = "required_documents_verified"
	PredicatePaymentComplete           = "payment_complete"
	PredicateAttributeEquals           = "attribute_equals"
)

// ErrUnknownPredicate is returned when a guard names an unregistered predicate.
var ErrUnknownPredicate = errors.New("unknown predicate")

// ErrMalformed is returned when a guard node has zero or several variants set.
var ErrMalformed = errors.New("malformed guard expression")

// Context is the read-only view a guard is evaluated against. Provider results
// are memoized for the lifetime of one Context.
type Context struct {
	State model.ApplicationWorkflowState
	Stage model.Stage

	documents model.DocumentStatusProvider
	payments  model.PaymentStatusProvider

	mu       sync.Mutex
	docMemo  map[string]bool
	paidMemo *bool
}

// NewContext builds an evaluation context for one application in one stage.
func NewContext(state model.ApplicationWorkflowState, stage model.Stage, docs model.DocumentStatusProvider, payments model.PaymentStatusProvider) *Context {
	return &Context{
		State:     state,
		Stage:     stage,
		documents: docs,
		payments:  payments,
		docMemo:   make(map[string]bool),
	}
}

// DocumentVerified reports whether documentType is verified for the application.
func (c *Context) DocumentVerified(ctx context.Context, documentType string) (bool, error) {
	c.mu.Lock()
	if v, ok := c.docMemo[documentType]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	if c.documents == nil {
		return false, errors.New("no document status provider configured")
	}
	v, err := c.documents.IsDocumentVerified(ctx, c.State.ApplicationID, documentType)
	if err != nil {
		return false, fmt.Errorf("document %s: %w", documentType, err)
	}

	c.mu.Lock()
	c.docMemo[documentType] = v
	c.mu.Unlock()
	return v, nil
}

// PaymentComplete reports whether the application fee has been paid.
func (c *Context) PaymentComplete(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.paidMemo != nil {
		v := *c.paidMemo
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	if c.payments == nil {
		return false, errors.New("no payment status provider configured")
	}
	v, err := c.payments.IsPaymentComplete(ctx, c.State.ApplicationID)
	if err != nil {
		return false, fmt.Errorf("payment: %w", err)
	}

	c.mu.Lock()
	c.paidMemo = &v
	c.mu.Unlock()
	return v, nil
}

// PredicateFunc evaluates one named predicate.
type PredicateFunc func(ctx context.Context, gc *Context, args map[string]string) (bool, error)

// Predicate is a named, registered guard leaf.
type Predicate struct {
	Name         string
	RequiredArgs []string
	Eval         PredicateFunc
}

// Registry holds the predicates guards may reference.
type Registry struct {
	preds map[string]Predicate
}

// NewRegistry creates an empty predicate registry.
func NewRegistry() *Registry {
	return &Registry{preds: make(map[string]Predicate)}
}

// DefaultRegistry returns a registry with the built-in predicates.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Predicate{
		Name:         PredicateDocumentVerified,
		RequiredArgs: []string{"document_type"},
		Eval: func(ctx context.Context, gc *Context, args map[string]string) (bool, error) {
			return gc.DocumentVerified(ctx, args["document_type"])
		},
	})
	r.Register(Predicate{
		Name: PredicateRequiredDocumentsVerified,
		Eval: func(ctx context.Context, gc *Context, _ map[string]string) (bool, error) {
			for _, dt := range gc.Stage.RequiredDocumentTypes {
				ok, err := gc.DocumentVerified(ctx, dt)
				if err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		},
	})
	r.Register(Predicate{
		Name: PredicatePaymentComplete,
		Eval: func(ctx context.Context, gc *Context, _ map[string]string) (bool, error) {
			return gc.PaymentComplete(ctx)
		},
	})
	r.Register(Predicate{
		Name:         PredicateAttributeEquals,
		RequiredArgs: []string{"name", "value"},
		Eval: func(_ context.Context, gc *Context, args map[string]string) (bool, error) {
			v, ok := gc.State.Attributes[args["name"]]
			return ok && v == args["value"], nil
		},
	})
	return r
}

// Register adds or replaces a predicate.
func (r *Registry) Register(p Predicate) {
	r.preds[p.Name] = p
}

// Names returns the registered predicate names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.preds))
	for n := range r.preds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CheckPredicate verifies that name is registered and args carries every
// required argument.
func (r *Registry) CheckPredicate(name string, args map[string]string) error {
	p, ok := r.preds[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownPredicate, name)
	}
	for _, a := range p.RequiredArgs {
		if args[a] == "" {
			return fmt.Errorf("predicate %q requires argument %q", name, a)
		}
	}
	return nil
}

// Evaluator evaluates guard expressions.
type Evaluator struct {
	registry *Registry
}

// NewEvaluator creates an Evaluator over the given registry. A nil registry
// uses the built-in predicates.
func NewEvaluator(registry *Registry) *Evaluator {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Evaluator{registry: registry}
}

// Registry returns the predicate registry used by the evaluator.
func (e *Evaluator) Registry() *Registry {
	return e.registry
}

// Evaluate reports whether g holds. All and Any short-circuit; an empty All is
// true and an empty Any is false.
func (e *Evaluator) Evaluate(ctx context.Context, g model.Guard, gc *Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	switch g.Kind() {
	case model.GuardAll:
		for _, sub := range g.All {
			ok, err := e.Evaluate(ctx, sub, gc)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case model.GuardAny:
		for _, sub := range g.Any {
			ok, err := e.Evaluate(ctx, sub, gc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case model.GuardNot:
		ok, err := e.Evaluate(ctx, *g.Not, gc)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case model.GuardPredicate:
		p, found := e.registry.preds[g.Predicate]
		if !found {
			return false, fmt.Errorf("%w %q", ErrUnknownPredicate, g.Predicate)
		}
		return p.Eval(ctx, gc, g.Args)
	default:
		return false, ErrMalformed
	}
}

// Check walks g and reports every malformed node or unknown predicate. Paths
// are relative to the guard root.
func (e *Evaluator) Check(g model.Guard) []PathError {
	var errs []PathError
	var walk func(path string, n model.Guard)
	walk = func(path string, n model.Guard) {
		switch n.Kind() {
		case model.GuardAll:
			for i, sub := range n.All {
				walk(fmt.Sprintf("%s.all[%d]", path, i), sub)
			}
		case model.GuardAny:
			for i, sub := range n.Any {
				walk(fmt.Sprintf("%s.any[%d]", path, i), sub)
			}
		case model.GuardNot:
			walk(path+".not", *n.Not)
		case model.GuardPredicate:
			if err := e.registry.CheckPredicate(n.Predicate, n.Args); err != nil {
				errs = append(errs, PathError{Path: path, Err: err})
			}
		default:
			errs = append(errs, PathError{Path: path, Err: ErrMalformed})
		}
	}
	walk("guard", g)
	return errs
}

// PathError locates a guard problem.
type PathError struct {
	Path string
	Err  error
}

func (e PathError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

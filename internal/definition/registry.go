package definition

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/model"
)

// snapshot is an immutable cache of activated definitions indexed by ID.
// Stage and transition content never changes after activation, so entries
// stay valid for the process lifetime; only Status may go stale.
type snapshot struct {
	byID map[string]model.WorkflowDefinition
}

// Registry fronts a Store with the definition lifecycle: drafts are created
// and edited freely, validated on activation, and frozen once active.
type Registry struct {
	store     Store
	validator *Validator
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry over store.
func NewRegistry(store Store, validator *Validator, logger *zap.Logger, metrics *observability.Metrics) *Registry {
	if validator == nil {
		validator = NewValidator(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		store:     store,
		validator: validator,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
	r.snap.Store(&snapshot{byID: map[string]model.WorkflowDefinition{}})
	return r
}

// SetClock overrides the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Create stores def as a draft. A missing version becomes the next version
// for the application type and a missing ID becomes "<type>-v<version>".
func (r *Registry) Create(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	if def.ApplicationType == "" {
		return model.WorkflowDefinition{}, model.NewValidationError([]model.FieldError{
			{Field: "application_type", Code: CodeRequired, Message: "application_type is required"},
		})
	}
	if def.Version == 0 {
		highest, err := r.store.MaxVersion(ctx, def.ApplicationType)
		if err != nil {
			return model.WorkflowDefinition{}, err
		}
		def.Version = highest + 1
	}
	if def.ID == "" {
		def.ID = fmt.Sprintf("%s-v%d", def.ApplicationType, def.Version)
	}
	def.Checksum = Checksum(def)
	def.Status = model.DefinitionDraft
	def.CreatedAt = r.now()
	def.ActivatedAt = nil
	def.RetiredAt = nil

	if err := r.store.Create(ctx, def); err != nil {
		return model.WorkflowDefinition{}, err
	}
	r.logger.Info("workflow definition created",
		zap.String("definition_id", def.ID),
		zap.String("application_type", def.ApplicationType),
		zap.Int("version", def.Version),
	)
	return def, nil
}

// SaveDraft replaces the stages and transitions of an existing draft.
func (r *Registry) SaveDraft(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	existing, err := r.store.Get(ctx, def.ID)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if existing.ApplicationType != def.ApplicationType || existing.Version != def.Version {
		return model.WorkflowDefinition{}, model.NewConflictError(fmt.Sprintf(
			"workflow definition %q is %s v%d; application_type and version cannot change",
			def.ID, existing.ApplicationType, existing.Version,
		))
	}
	def.Checksum = Checksum(def)
	if err := r.store.UpdateDraft(ctx, def); err != nil {
		return model.WorkflowDefinition{}, err
	}
	return r.store.Get(ctx, def.ID)
}

// Get returns a stored definition by ID, including its current status.
func (r *Registry) Get(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	return r.store.Get(ctx, id)
}

// Resolve returns the content of the definition an application is bound to.
// Activated definitions are served from the snapshot after the first lookup;
// the Status of a snapshot entry is not kept current.
func (r *Registry) Resolve(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	if d, ok := r.snap.Load().byID[id]; ok {
		return d.Clone(), nil
	}
	def, err := r.store.Get(ctx, id)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if def.Status != model.DefinitionDraft {
		r.remember(def)
	}
	return def, nil
}

// List returns stored definitions matching filter.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]model.WorkflowDefinition, error) {
	return r.store.List(ctx, filter)
}

// Delete removes a draft.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.logger.Info("workflow definition deleted", zap.String("definition_id", id))
	return nil
}

// Validate checks a definition without storing it.
func (r *Registry) Validate(def model.WorkflowDefinition) ValidationResult {
	return r.validator.Validate(def)
}

// ValidateByID checks a stored definition.
func (r *Registry) ValidateByID(ctx context.Context, id string) (ValidationResult, error) {
	def, err := r.store.Get(ctx, id)
	if err != nil {
		return ValidationResult{}, err
	}
	return r.validator.Validate(def), nil
}

// Activate validates the definition and makes it the active one for its
// application type. Applications already bound to the previous version keep
// their binding.
func (r *Registry) Activate(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	def, err := r.store.Get(ctx, id)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	switch def.Status {
	case model.DefinitionRetired:
		return model.WorkflowDefinition{}, model.NewConflictError(fmt.Sprintf("workflow definition %q is retired", id))
	case model.DefinitionActive:
		return def, nil
	}

	result := r.validator.Validate(def)
	if !result.Valid() {
		return model.WorkflowDefinition{}, model.NewValidationError(result.FieldErrors())
	}
	for _, w := range result.Warnings {
		r.logger.Warn("workflow definition warning",
			zap.String("definition_id", id),
			zap.String("path", w.Path),
			zap.String("code", w.Code),
			zap.String("message", w.Message),
		)
	}

	act, err := r.store.Activate(ctx, id, def.Checksum, r.now())
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if act.AlreadyActive {
		return act.Definition, nil
	}
	r.remember(act.Definition)
	r.metrics.RecordDefinitionActivation(act.Definition.ApplicationType)
	r.logger.Info("workflow definition activated",
		zap.String("definition_id", id),
		zap.String("application_type", act.Definition.ApplicationType),
		zap.Int("version", act.Definition.Version),
		zap.String("retired", act.Retired),
	)
	return act.Definition, nil
}

// GetActiveDefinition returns the active definition for an application type.
func (r *Registry) GetActiveDefinition(ctx context.Context, applicationType string) (model.WorkflowDefinition, error) {
	return r.store.GetActive(ctx, applicationType)
}

// HasActive reports whether any application type has an active definition.
func (r *Registry) HasActive(ctx context.Context) bool {
	defs, err := r.store.List(ctx, ListFilter{Status: model.DefinitionActive})
	return err == nil && len(defs) > 0
}

// Bootstrap stores every loaded definition that is not yet known and, when
// activateLatest is set, activates the highest loaded version per
// application type unless it is already active or retired.
func (r *Registry) Bootstrap(ctx context.Context, defs []model.WorkflowDefinition, activateLatest bool) error {
	latest := make(map[string]model.WorkflowDefinition)
	for _, def := range defs {
		stored, err := r.ensureStored(ctx, def)
		if err != nil {
			return fmt.Errorf("store %s: %w", sourceOf(def), err)
		}
		if cur, ok := latest[stored.ApplicationType]; !ok || stored.Version > cur.Version {
			latest[stored.ApplicationType] = stored
		}
	}

	if activateLatest {
		types := make([]string, 0, len(latest))
		for t := range latest {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			def := latest[t]
			if def.Status != model.DefinitionDraft {
				continue
			}
			if _, err := r.Activate(ctx, def.ID); err != nil {
				return fmt.Errorf("activate %s: %w", sourceOf(def), err)
			}
		}
	}

	r.refreshGauge(ctx)
	return nil
}

func (r *Registry) ensureStored(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	if def.ID != "" {
		existing, err := r.store.Get(ctx, def.ID)
		if err == nil {
			if existing.Status == model.DefinitionDraft && existing.Checksum != def.Checksum {
				def.Status = model.DefinitionDraft
				if err := r.store.UpdateDraft(ctx, def); err != nil {
					return model.WorkflowDefinition{}, err
				}
				return r.store.Get(ctx, def.ID)
			}
			if existing.Status != model.DefinitionDraft && existing.Checksum != def.Checksum {
				r.logger.Warn("definition file differs from activated definition; bump the version to change it",
					zap.String("definition_id", def.ID),
					zap.String("source_file", def.SourceFile),
				)
			}
			return existing, nil
		}
		if !model.IsCode(err, model.ErrNotFound) {
			return model.WorkflowDefinition{}, err
		}
	}
	return r.Create(ctx, def)
}

func (r *Registry) remember(def model.WorkflowDefinition) {
	for {
		old := r.snap.Load()
		next := &snapshot{byID: make(map[string]model.WorkflowDefinition, len(old.byID)+1)}
		for k, v := range old.byID {
			next.byID[k] = v
		}
		next.byID[def.ID] = def.Clone()
		if r.snap.CompareAndSwap(old, next) {
			return
		}
	}
}

func (r *Registry) refreshGauge(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	defs, err := r.store.List(ctx, ListFilter{})
	if err != nil {
		return
	}
	counts := map[model.DefinitionStatus]int{
		model.DefinitionDraft:   0,
		model.DefinitionActive:  0,
		model.DefinitionRetired: 0,
	}
	for _, d := range defs {
		counts[d.Status]++
	}
	for status, n := range counts {
		r.metrics.SetDefinitionsLoaded(string(status), float64(n))
	}
}

func sourceOf(def model.WorkflowDefinition) string {
	if def.SourceFile != "" {
		return def.SourceFile
	}
	return def.ID
}

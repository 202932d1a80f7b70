// Package workflow holds application workflow state and the engine that moves
// applications between the stages of their bound definition.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/admissions/internal/guard"
	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/model"
)

// DefinitionSource resolves workflow definitions for the engine.
type DefinitionSource interface {
	// GetActiveDefinition returns the active definition for new submissions.
	GetActiveDefinition(ctx context.Context, applicationType string) (model.WorkflowDefinition, error)
	// Resolve returns the definition an application is bound to, whatever
	// its current status.
	Resolve(ctx context.Context, definitionID string) (model.WorkflowDefinition, error)
}

// Collaborators are the external systems the engine consults or informs.
// Nil collaborators are tolerated: guards that need a missing provider fail,
// role checks deny, and audit and notification are skipped.
type Collaborators struct {
	Documents model.DocumentStatusProvider
	Payments  model.PaymentStatusProvider
	Roles     model.RoleProvider
	Audit     model.AuditSink
	Notifier  model.NotificationDispatcher
}

// Engine applies transitions to applications.
type Engine struct {
	definitions DefinitionSource
	store       StateStore
	guards      *guard.Evaluator
	collab      Collaborators
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a new transition engine.
func NewEngine(
	definitions DefinitionSource,
	store StateStore,
	guards *guard.Evaluator,
	collab Collaborators,
	opts ...Option,
) *Engine {
	if guards == nil {
		guards = guard.NewEvaluator(nil)
	}
	e := &Engine{
		definitions: definitions,
		store:       store,
		guards:      guards,
		collab:      collab,
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitRequest binds a new application to the active definition.
type SubmitRequest struct {
	ApplicationID   string            `json:"application_id"`
	ApplicationType string            `json:"application_type"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	Actor           model.Actor       `json:"-"`
}

// ApplyRequest asks the engine to fire one transition.
type ApplyRequest struct {
	ApplicationID string
	TransitionID  string
	Actor         model.Actor
	Notes         string
	// ExpectedVersion, when set, must equal the stored state version.
	ExpectedVersion *int
}

// ApplyResult is the outcome of a successful ApplyTransition.
type ApplyResult struct {
	State model.ApplicationWorkflowState
	// Record is the appended status record, or the existing one when
	// Idempotent is true.
	Record     model.StatusRecord
	Idempotent bool
}

// Submit creates the workflow state of a new application in the start stage
// of the currently active definition for its type.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (model.ApplicationWorkflowState, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.submit",
		observability.AttrApplicationType.String(req.ApplicationType),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Resolve the active definition.
	if req.ApplicationType == "" {
		err = model.NewBadRequestError("application_type is required")
		return model.ApplicationWorkflowState{}, err
	}
	def, err := e.definitions.GetActiveDefinition(ctx, req.ApplicationType)
	if err != nil {
		err = e.surface(ctx, "resolve active definition", err)
		return model.ApplicationWorkflowState{}, err
	}
	start, ok := def.StartStage()
	if !ok {
		err = e.surface(ctx, "resolve start stage", fmt.Errorf("definition %q has no start stage", def.ID))
		return model.ApplicationWorkflowState{}, err
	}

	// 2. Build the initial state.
	if req.ApplicationID == "" {
		req.ApplicationID = uuid.New().String()
	}
	now := e.now()
	state := model.ApplicationWorkflowState{
		ApplicationID:        req.ApplicationID,
		ApplicationType:      req.ApplicationType,
		WorkflowDefinitionID: def.ID,
		CurrentStageID:       start.ID,
		EnteredStageAt:       now,
		Attributes:           req.Attributes,
		History:              []model.StatusRecord{},
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	// 3. Persist.
	if err = e.store.Create(ctx, state); err != nil {
		err = e.surface(ctx, "create application state", err)
		return model.ApplicationWorkflowState{}, err
	}
	span.SetAttributes(observability.StateAttributes(state)...)

	// 4. Audit and notify outside the commit.
	record := model.StatusRecord{
		ApplicationID: state.ApplicationID,
		ToStageID:     start.ID,
		TriggeredBy:   req.Actor.TriggeredBy(),
		TriggerType:   model.TriggerSubmission,
		Timestamp:     now,
	}
	e.afterCommit(ctx, state, def, start, record)

	e.metrics.RecordSubmission(state.ApplicationType)
	e.logger.Info("application submitted", observability.ApplicationFields(state)...)
	return state, nil
}

// GetState returns an application's current workflow state.
func (e *Engine) GetState(ctx context.Context, applicationID string) (model.ApplicationWorkflowState, error) {
	state, err := e.store.Get(ctx, applicationID)
	if err != nil {
		return model.ApplicationWorkflowState{}, e.surface(ctx, "load application state", err)
	}
	return state, nil
}

// GetApplicationStatusTimeline returns the status history in commit order.
func (e *Engine) GetApplicationStatusTimeline(ctx context.Context, applicationID string) ([]model.StatusRecord, error) {
	records, err := e.store.History(ctx, applicationID)
	if err != nil {
		return nil, e.surface(ctx, "load status history", err)
	}
	return records, nil
}

// GetLegalTransitions returns, in declaration order, the transitions actor
// may apply to the application right now. A transition whose guard or role
// check cannot be evaluated is left out.
func (e *Engine) GetLegalTransitions(ctx context.Context, applicationID string, actor model.Actor) ([]model.Transition, error) {
	state, err := e.store.Get(ctx, applicationID)
	if err != nil {
		return nil, e.surface(ctx, "load application state", err)
	}
	def, err := e.definitions.Resolve(ctx, state.WorkflowDefinitionID)
	if err != nil {
		return nil, e.surface(ctx, "resolve bound definition", err)
	}
	stage, ok := def.Stage(state.CurrentStageID)
	if !ok || stage.Terminal {
		return []model.Transition{}, nil
	}

	now := e.now()
	gc := guard.NewContext(state, stage, e.collab.Documents, e.collab.Payments)
	legal := []model.Transition{}
	for _, tr := range def.Outgoing(stage.ID) {
		if err := e.permitted(ctx, state, stage, tr, actor, now); err != nil {
			continue
		}
		if err := e.guardHolds(ctx, tr, gc); err != nil {
			e.logger.Debug("transition excluded by guard",
				zap.String("application_id", applicationID),
				zap.String("transition_id", tr.ID),
				zap.Error(err),
			)
			continue
		}
		legal = append(legal, tr)
	}
	return legal, nil
}

// ApplyTransition fires one transition. Repeating a call that already
// succeeded returns the existing state without appending history.
func (e *Engine) ApplyTransition(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	started := time.Now()
	ctx, span := observability.StartSpan(ctx, "workflow.apply_transition",
		observability.AttrApplicationID.String(req.ApplicationID),
		observability.AttrTransitionID.String(req.TransitionID),
	)

	res, tr, state, err := e.apply(ctx, req)

	outcome := outcomeOf(res, err)
	e.metrics.RecordTransition(state.ApplicationType, string(tr.TriggerType), outcome, time.Since(started))
	if outcome == observability.OutcomeGuardFailed {
		e.metrics.RecordGuardFailure(tr.ID)
	}
	span.SetAttributes(observability.StateAttributes(res.State)...)
	span.SetAttributes(observability.AttrTriggerType.String(string(tr.TriggerType)))
	observability.EndSpanWithError(span, err)
	return res, err
}

func (e *Engine) apply(ctx context.Context, req ApplyRequest) (ApplyResult, model.Transition, model.ApplicationWorkflowState, error) {
	var tr model.Transition

	// 1. Load current state and its bound definition.
	state, err := e.store.Get(ctx, req.ApplicationID)
	if err != nil {
		return ApplyResult{}, tr, state, e.surface(ctx, "load application state", err)
	}
	def, err := e.definitions.Resolve(ctx, state.WorkflowDefinitionID)
	if err != nil {
		return ApplyResult{}, tr, state, e.surface(ctx, "resolve bound definition", err)
	}
	tr, ok := def.Transition(req.TransitionID)
	if !ok {
		return ApplyResult{}, tr, state, model.NewNotFoundError(
			fmt.Sprintf("transition %q not found in workflow definition %q", req.TransitionID, def.ID),
		)
	}

	// 2. Already there through this transition: no-op success.
	if last, ok := state.LastRecord(); ok && state.CurrentStageID == tr.Target && last.TransitionID == tr.ID {
		return ApplyResult{State: state, Record: last, Idempotent: true}, tr, state, nil
	}

	// 3. Optimistic concurrency checks.
	if req.ExpectedVersion != nil && *req.ExpectedVersion != state.Version {
		return ApplyResult{}, tr, state, model.NewStaleStateError(fmt.Sprintf(
			"application %q is at version %d, expected %d", state.ApplicationID, state.Version, *req.ExpectedVersion,
		))
	}
	if state.CurrentStageID != tr.Source {
		if movedOutOf(state, tr.Source) {
			return ApplyResult{}, tr, state, model.NewStaleStateError(fmt.Sprintf(
				"application %q already left stage %q and is now in %q", state.ApplicationID, tr.Source, state.CurrentStageID,
			))
		}
		return ApplyResult{}, tr, state, model.NewIllegalTransitionError(fmt.Sprintf(
			"transition %q starts at %q but application %q is in %q", tr.ID, tr.Source, state.ApplicationID, state.CurrentStageID,
		))
	}

	// 4. Recompute legality.
	stage, ok := def.Stage(state.CurrentStageID)
	if !ok {
		return ApplyResult{}, tr, state, e.surface(ctx, "resolve current stage",
			fmt.Errorf("stage %q missing from definition %q", state.CurrentStageID, def.ID))
	}
	now := e.now()
	if err := e.permitted(ctx, state, stage, tr, req.Actor, now); err != nil {
		return ApplyResult{}, tr, state, err
	}

	// 5. Re-check the guard at execution time.
	gc := guard.NewContext(state, stage, e.collab.Documents, e.collab.Payments)
	if err := e.guardHolds(ctx, tr, gc); err != nil {
		return ApplyResult{}, tr, state, err
	}

	// 6. Commit state and history together.
	target, ok := def.Stage(tr.Target)
	if !ok {
		return ApplyResult{}, tr, state, e.surface(ctx, "resolve target stage",
			fmt.Errorf("stage %q missing from definition %q", tr.Target, def.ID))
	}
	from := state.CurrentStageID
	record := model.StatusRecord{
		ApplicationID: state.ApplicationID,
		TransitionID:  tr.ID,
		FromStageID:   &from,
		ToStageID:     tr.Target,
		TriggeredBy:   req.Actor.TriggeredBy(),
		TriggerType:   tr.TriggerType,
		Timestamp:     now,
		Notes:         req.Notes,
	}
	next := state.Clone()
	next.CurrentStageID = tr.Target
	next.EnteredStageAt = now
	next.UpdatedAt = now

	committed, err := e.store.Commit(ctx, next, record, state.Version)
	if err != nil {
		return ApplyResult{}, tr, state, e.surface(ctx, "commit transition", err)
	}
	next.Version = state.Version + 1
	next.History = append(next.History, committed)

	// 7. Audit and notify outside the commit.
	e.afterCommit(ctx, next, def, target, committed)

	e.logger.Info("transition applied", append(observability.ApplicationFields(next), observability.RecordFields(committed)...)...)

	// 8. Return the updated state.
	return ApplyResult{State: next, Record: committed}, tr, next, nil
}

// permitted checks everything about a transition except its guard.
func (e *Engine) permitted(ctx context.Context, state model.ApplicationWorkflowState, stage model.Stage, tr model.Transition, actor model.Actor, now time.Time) error {
	if tr.Source != stage.ID {
		return model.NewIllegalTransitionError(fmt.Sprintf("transition %q does not leave stage %q", tr.ID, stage.ID))
	}
	if stage.Terminal {
		return model.NewIllegalTransitionError(fmt.Sprintf("stage %q is terminal", stage.ID))
	}

	switch tr.TriggerType {
	case model.TriggerManual:
		if actor.System || actor.UserID == "" {
			return model.NewIllegalTransitionError(fmt.Sprintf("transition %q must be applied by a user", tr.ID))
		}
		if tr.RequiredRole != "" {
			granted, err := e.hasRole(ctx, actor.UserID, tr.RequiredRole)
			if err != nil {
				return e.surface(ctx, "check role", err)
			}
			if !granted {
				return model.NewIllegalTransitionError(fmt.Sprintf(
					"transition %q requires role %q", tr.ID, tr.RequiredRole,
				))
			}
		}
	case model.TriggerSLATimeout:
		if !stage.HasSLA() {
			return model.NewIllegalTransitionError(fmt.Sprintf("stage %q has no sla", stage.ID))
		}
		deadline := state.EnteredStageAt.Add(stage.SLA.Duration)
		if now.Before(deadline) {
			return model.NewIllegalTransitionError(fmt.Sprintf(
				"sla of stage %q elapses at %s", stage.ID, deadline.Format(time.RFC3339),
			))
		}
	case model.TriggerAutoCondition:
	default:
		return model.NewIllegalTransitionError(fmt.Sprintf("transition %q has unknown trigger %q", tr.ID, tr.TriggerType))
	}
	return nil
}

// guardHolds evaluates the transition guard. A guard that is false or cannot
// be evaluated yields GUARD_FAILED.
func (e *Engine) guardHolds(ctx context.Context, tr model.Transition, gc *guard.Context) error {
	if tr.Guard == nil {
		return nil
	}
	ok, err := e.guards.Evaluate(ctx, *tr.Guard, gc)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return model.NewGuardFailedError(fmt.Sprintf("guard of transition %q could not be evaluated: %v", tr.ID, err))
	}
	if !ok {
		return model.NewGuardFailedError(fmt.Sprintf("guard of transition %q does not hold", tr.ID))
	}
	return nil
}

func (e *Engine) hasRole(ctx context.Context, userID, role string) (bool, error) {
	if e.collab.Roles == nil {
		return false, nil
	}
	return e.collab.Roles.HasRole(ctx, userID, role)
}

// afterCommit writes the audit record and dispatches the notification.
// Neither can fail the transition.
func (e *Engine) afterCommit(ctx context.Context, state model.ApplicationWorkflowState, def model.WorkflowDefinition, target model.Stage, record model.StatusRecord) {
	if e.collab.Audit != nil {
		if err := e.collab.Audit.Record(ctx, record); err != nil {
			e.metrics.RecordAuditFailure("engine")
			e.logger.Warn("audit record failed",
				zap.String("application_id", record.ApplicationID),
				zap.Int64("sequence", record.Sequence),
				zap.Error(err),
			)
		}
	}

	if e.collab.Notifier == nil {
		return
	}
	event := model.TransitionCompleted{
		EventID:              uuid.New().String(),
		ApplicationID:        state.ApplicationID,
		ApplicationType:      state.ApplicationType,
		WorkflowDefinitionID: def.ID,
		TransitionID:         record.TransitionID,
		FromStageID:          record.FromStageID,
		ToStageID:            record.ToStageID,
		TriggerType:          record.TriggerType,
		TriggeredBy:          record.TriggeredBy,
		Terminal:             target.Terminal,
		Notes:                record.Notes,
		OccurredAt:           record.Timestamp,
	}
	if target.Terminal {
		event.Outcome = target.Outcome
		if event.Outcome == "" {
			event.Outcome = target.ID
		}
	}
	if err := e.collab.Notifier.Notify(ctx, event); err != nil {
		e.logger.Warn("notification dispatch failed",
			zap.String("application_id", state.ApplicationID),
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
	}
}

// surface passes taxonomy errors and context errors through and turns
// anything else into INTERNAL_ERROR after logging it.
func (e *Engine) surface(ctx context.Context, op string, err error) error {
	if _, ok := model.AsEnvelope(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	observability.RequestLogger(ctx, e.logger).Error("workflow operation failed",
		zap.String("op", op),
		zap.Error(err),
	)
	return model.NewInternalError()
}

// movedOutOf reports whether the latest committed record left stage.
func movedOutOf(state model.ApplicationWorkflowState, stage string) bool {
	last, ok := state.LastRecord()
	return ok && last.From() == stage
}

func outcomeOf(res ApplyResult, err error) string {
	switch {
	case err == nil && res.Idempotent:
		return observability.OutcomeIdempotent
	case err == nil:
		return observability.OutcomeApplied
	case model.IsCode(err, model.ErrStaleState):
		return observability.OutcomeStale
	case model.IsCode(err, model.ErrIllegalTransition):
		return observability.OutcomeIllegal
	case model.IsCode(err, model.ErrGuardFailed):
		return observability.OutcomeGuardFailed
	default:
		return observability.OutcomeError
	}
}

// Package scheduler fires SLA_TIMEOUT and AUTO_CONDITION transitions on
// behalf of the system, from a periodic scan and from application events.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/internal/definition"
	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/internal/workflow"
	"github.com/pitabwire/admissions/model"
)

// TransitionEngine is the part of the workflow engine the scheduler drives.
type TransitionEngine interface {
	GetLegalTransitions(ctx context.Context, applicationID string, actor model.Actor) ([]model.Transition, error)
	ApplyTransition(ctx context.Context, req workflow.ApplyRequest) (workflow.ApplyResult, error)
}

// DefinitionLister lists stored definitions.
type DefinitionLister interface {
	List(ctx context.Context, filter definition.ListFilter) ([]model.WorkflowDefinition, error)
}

// CandidateFinder pages through applications sitting in one stage.
type CandidateFinder interface {
	FindCandidates(ctx context.Context, q workflow.CandidateQuery) ([]model.ApplicationWorkflowState, error)
}

// Evaluation is what EvaluateApplication did for one application.
type Evaluation struct {
	ApplicationID string
	Applied       []model.StatusRecord
	// ChainLimited is set when further eligible transitions were left for
	// the next evaluation.
	ChainLimited bool
}

// ScanSummary totals one periodic scan.
type ScanSummary struct {
	// Skipped is set when another replica held the scan lease.
	Skipped      bool
	Candidates   int
	Applied      int
	Failed       int
	ChainLimited int
	Duration     time.Duration
}

// Scheduler evaluates applications against their bound definitions.
type Scheduler struct {
	engine      TransitionEngine
	definitions DefinitionLister
	candidates  CandidateFinder
	lease       Lease
	cfg         config.SchedulerConfig
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source used to compute SLA cut-offs.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger.Named("scheduler") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLease sets the scan lease. The default grants every scan.
func WithLease(l Lease) Option {
	return func(s *Scheduler) { s.lease = l }
}

// New creates a Scheduler.
func New(engine TransitionEngine, definitions DefinitionLister, candidates CandidateFinder, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ChainLimit < 1 {
		cfg.ChainLimit = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	s := &Scheduler{
		engine:      engine,
		definitions: definitions,
		candidates:  candidates,
		lease:       NoLease{},
		cfg:         cfg,
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules periodic scans on cfg.Schedule. Scans run with ctx and a
// tick is skipped while the previous scan is still running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler already running")
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Scan(ctx); err != nil {
			s.logger.Error("scheduler scan failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("scheduler started", zap.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop halts periodic scans and waits for a running scan to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Scan evaluates every application that may have an eligible SLA_TIMEOUT or
// AUTO_CONDITION transition. Per-application failures are counted and logged
// and never abort the scan.
func (s *Scheduler) Scan(ctx context.Context) (ScanSummary, error) {
	started := time.Now()
	ctx, span := observability.StartSpan(ctx, "scheduler.scan")
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Only one replica scans per tick.
	acquired, err := s.lease.Acquire(ctx, s.cfg.Lease.TTL)
	if err != nil {
		s.metrics.RecordSchedulerScan("error", time.Since(started), 0, 0, 0)
		err = fmt.Errorf("acquire scan lease: %w", err)
		return ScanSummary{}, err
	}
	if !acquired {
		s.metrics.RecordSchedulerScan("skipped", time.Since(started), 0, 0, 0)
		s.logger.Debug("scan lease held elsewhere")
		return ScanSummary{Skipped: true}, nil
	}
	defer func() {
		if rerr := s.lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn("release scan lease", zap.Error(rerr))
		}
	}()

	// 2. Every non-draft definition can still have applications in flight.
	defs, err := s.definitions.List(ctx, definition.ListFilter{})
	if err != nil {
		s.metrics.RecordSchedulerScan("error", time.Since(started), 0, 0, 0)
		err = fmt.Errorf("list definitions: %w", err)
		return ScanSummary{}, err
	}

	// 3. Evaluate candidates with bounded parallelism.
	now := s.now()
	var candidates, applied, failed, chainLimited atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)

	for _, def := range defs {
		if def.Status == model.DefinitionDraft {
			continue
		}
		for _, stage := range def.OrderedStages() {
			q, ok := candidateQuery(def, stage, now)
			if !ok {
				continue
			}
			if err = s.page(ctx, q, func(appID string) {
				candidates.Add(1)
				g.Go(func() error {
					ev, evErr := s.evaluate(ctx, appID)
					applied.Add(int64(len(ev.Applied)))
					if ev.ChainLimited {
						chainLimited.Add(1)
					}
					if evErr != nil {
						failed.Add(1)
						s.logger.Warn("scheduler evaluation failed",
							append(observability.ErrorFields(evErr), zap.String("application_id", appID))...,
						)
					}
					return nil
				})
			}); err != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	_ = g.Wait()

	summary := ScanSummary{
		Candidates:   int(candidates.Load()),
		Applied:      int(applied.Load()),
		Failed:       int(failed.Load()),
		ChainLimited: int(chainLimited.Load()),
		Duration:     time.Since(started),
	}
	status := "ok"
	if err != nil {
		status = "error"
		err = fmt.Errorf("find candidates: %w", err)
	}
	s.metrics.RecordSchedulerScan(status, summary.Duration, summary.Candidates, summary.Failed, summary.ChainLimited)
	s.logger.Info("scheduler scan completed",
		zap.Int("candidates", summary.Candidates),
		zap.Int("applied", summary.Applied),
		zap.Int("failed", summary.Failed),
		zap.Int("chain_limited", summary.ChainLimited),
		zap.Duration("duration", summary.Duration),
	)
	return summary, err
}

// page walks FindCandidates in batches, calling fn for each application.
func (s *Scheduler) page(ctx context.Context, q workflow.CandidateQuery, fn func(appID string)) error {
	q.Limit = s.cfg.BatchSize
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.candidates.FindCandidates(ctx, q)
		if err != nil {
			return err
		}
		for _, st := range batch {
			fn(st.ApplicationID)
		}
		if len(batch) < q.Limit {
			return nil
		}
		q.AfterApplicationID = batch[len(batch)-1].ApplicationID
	}
}

// candidateQuery selects the applications of one stage worth evaluating.
// Stages with an AUTO_CONDITION exit are always scanned; stages with only
// SLA_TIMEOUT exits are scanned once the SLA has elapsed.
func candidateQuery(def model.WorkflowDefinition, stage model.Stage, now time.Time) (workflow.CandidateQuery, bool) {
	if stage.Terminal {
		return workflow.CandidateQuery{}, false
	}
	var hasAuto, hasSLA bool
	for _, tr := range def.Outgoing(stage.ID) {
		switch tr.TriggerType {
		case model.TriggerAutoCondition:
			hasAuto = true
		case model.TriggerSLATimeout:
			hasSLA = true
		}
	}
	q := workflow.CandidateQuery{DefinitionID: def.ID, StageID: stage.ID}
	switch {
	case hasAuto:
		return q, true
	case hasSLA && stage.HasSLA():
		q.EnteredBefore = now.Add(-stage.SLA.Duration)
		return q, true
	}
	return q, false
}

// EvaluateApplication fires the application's eligible system transitions,
// AUTO_CONDITION before SLA_TIMEOUT and each in declaration order, and keeps
// going from the new stage up to the configured chain limit.
func (s *Scheduler) EvaluateApplication(ctx context.Context, applicationID string) (Evaluation, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.evaluate",
		observability.AttrApplicationID.String(applicationID),
	)
	ev, err := s.evaluate(ctx, applicationID)
	observability.EndSpanWithError(span, err)
	return ev, err
}

// HandleEvent evaluates the application named by an external event.
func (s *Scheduler) HandleEvent(ctx context.Context, event model.ApplicationEvent) (Evaluation, error) {
	if !event.Valid() {
		return Evaluation{}, model.NewBadRequestError(fmt.Sprintf("invalid application event %q", event.Kind))
	}
	s.logger.Debug("application event received",
		zap.String("application_id", event.ApplicationID),
		zap.String("kind", string(event.Kind)),
	)
	return s.EvaluateApplication(ctx, event.ApplicationID)
}

func (s *Scheduler) evaluate(ctx context.Context, applicationID string) (Evaluation, error) {
	if s.cfg.EvaluationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.EvaluationTimeout)
		defer cancel()
	}

	ev := Evaluation{ApplicationID: applicationID}
	system := model.SystemActor()
	for steps := 0; ; steps++ {
		// 1. Pick the next eligible system transition.
		legal, err := s.engine.GetLegalTransitions(ctx, applicationID, system)
		if err != nil {
			return ev, err
		}
		next, ok := pick(legal)
		if !ok {
			return ev, nil
		}

		// 2. Stop a runaway chain.
		if steps == s.cfg.ChainLimit {
			ev.ChainLimited = true
			s.logger.Warn("scheduler chain limit reached",
				zap.String("application_id", applicationID),
				zap.Int("chain_limit", s.cfg.ChainLimit),
				zap.String("pending_transition_id", next.ID),
			)
			return ev, nil
		}

		// 3. Apply. Losing a race or a guard flipping back is not a failure.
		res, err := s.engine.ApplyTransition(ctx, workflow.ApplyRequest{
			ApplicationID: applicationID,
			TransitionID:  next.ID,
			Actor:         system,
		})
		switch {
		case model.IsCode(err, model.ErrStaleState), model.IsCode(err, model.ErrGuardFailed):
			s.logger.Debug("scheduler transition not applied",
				append(observability.ErrorFields(err),
					zap.String("application_id", applicationID),
					zap.String("transition_id", next.ID),
				)...,
			)
			return ev, nil
		case err != nil:
			return ev, err
		case res.Idempotent:
			return ev, nil
		}
		ev.Applied = append(ev.Applied, res.Record)
		s.metrics.RecordSchedulerApplied(string(next.TriggerType))
	}
}

func pick(legal []model.Transition) (model.Transition, bool) {
	for _, want := range []model.TriggerType{model.TriggerAutoCondition, model.TriggerSLATimeout} {
		for _, tr := range legal {
			if tr.TriggerType == want {
				return tr, true
			}
		}
	}
	return model.Transition{}, false
}

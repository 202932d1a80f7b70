package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/internal/definition"
	"github.com/pitabwire/admissions/internal/external"
	"github.com/pitabwire/admissions/internal/workflow"
	"github.com/pitabwire/admissions/model"
)

var t0 = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type roles map[string][]string

func (r roles) HasRole(_ context.Context, userID, role string) (bool, error) {
	for _, have := range r[userID] {
		if have == role {
			return true, nil
		}
	}
	return false, nil
}

// reviewDefinition is submitted -> review (72h sla) -> decided.
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
			{ID: "start_review", Source: "submitted", Target: "review", TriggerType: model.TriggerManual, RequiredRole: "admissions_officer"},
			{ID: "review_expired", Source: "review", Target: "decided", TriggerType: model.TriggerSLATimeout},
		},
	}
}

// chainDefinition clears two automatic stages in a row once the fee is paid
// and the transcript is verified. The intake stage also expires after 24h.
func chainDefinition() model.WorkflowDefinition {
	paid := model.Pred("payment_complete")
	transcript := model.Pred("document_verified", "document_type", "TRANSCRIPT")
	return model.WorkflowDefinition{
		ID:              "graduate-v1",
		ApplicationType: "graduate",
		Version:         1,
		Stages: []model.Stage{
			{ID: "intake", Name: "Intake", Sequence: 1, SLA: model.NewDuration(24 * time.Hour)},
			{ID: "screening", Name: "Screening", Sequence: 2},
			{ID: "committee", Name: "Committee", Sequence: 3},
			{ID: "abandoned", Name: "Abandoned", Sequence: 4, Terminal: true, Outcome: "withdrawn"},
			{ID: "accepted", Name: "Accepted", Sequence: 5, Terminal: true, Outcome: "accepted"},
		},
		Transitions: []model.Transition{
			{ID: "intake_expired", Source: "intake", Target: "abandoned", TriggerType: model.TriggerSLATimeout},
			{ID: "fee_paid", Source: "intake", Target: "screening", TriggerType: model.TriggerAutoCondition, Guard: &paid},
			{ID: "screened", Source: "screening", Target: "committee", TriggerType: model.TriggerAutoCondition, Guard: &transcript},
			{ID: "accept", Source: "committee", Target: "accepted", TriggerType: model.TriggerManual},
		},
	}
}

type harness struct {
	sched    *Scheduler
	engine   *workflow.Engine
	registry *definition.Registry
	store    *workflow.MemoryStateStore
	status   *external.MemoryStatus
	clock    *testClock
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Enabled:           true,
		Schedule:          "@every 1m",
		Concurrency:       4,
		EvaluationTimeout: 5 * time.Second,
		BatchSize:         100,
		ChainLimit:        10,
		Lease:             config.LeaseConfig{TTL: time.Minute},
	}
}

func newHarness(t *testing.T, cfg config.SchedulerConfig, defs ...model.WorkflowDefinition) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		registry: definition.NewRegistry(definition.NewMemoryStore(), nil, nil, nil),
		store:    workflow.NewMemoryStateStore(),
		status:   external.NewMemoryStatus(),
		clock:    &testClock{t: t0},
	}
	h.registry.SetClock(h.clock.Now)
	for _, def := range defs {
		_, err := h.registry.Create(ctx, def)
		require.NoError(t, err)
		_, err = h.registry.Activate(ctx, def.ID)
		require.NoError(t, err)
	}
	h.engine = workflow.NewEngine(h.registry, h.store, nil, workflow.Collaborators{
		Documents: h.status,
		Payments:  h.status,
		Roles:     roles{"officer-1": {"admissions_officer"}},
	}, workflow.WithClock(h.clock.Now))
	h.sched = New(h.engine, h.registry, h.store, cfg, WithClock(h.clock.Now))
	return h
}

func (h *harness) submit(t *testing.T, appID, appType string) {
	t.Helper()
	_, err := h.engine.Submit(context.Background(), workflow.SubmitRequest{ApplicationID: appID, ApplicationType: appType})
	require.NoError(t, err)
}

func (h *harness) stage(t *testing.T, appID string) string {
	t.Helper()
	st, err := h.engine.GetState(context.Background(), appID)
	require.NoError(t, err)
	return st.CurrentStageID
}

// --- Start tests ---

func TestScan_sla_scenario(t *testing.T) {
	h := newHarness(t, testConfig(), reviewDefinition())
	ctx := context.Background()
	h.submit(t, "app-1", "undergraduate")
	_, err := h.engine.ApplyTransition(ctx, workflow.ApplyRequest{
		ApplicationID: "app-1", TransitionID: "start_review", Actor: model.UserActor("officer-1"),
	})
	require.NoError(t, err)

	h.clock.Advance(71 * time.Hour)
	summary, err := h.sched.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Candidates)
	assert.Equal(t, "review", h.stage(t, "app-1"))

	h.clock.Advance(2 * time.Hour)
	summary, err = h.sched.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Candidates)
	assert.Equal(t, 1, summary.Applied)
	assert.Equal(t, "decided", h.stage(t, "app-1"))

	timeline, err := h.engine.GetApplicationStatusTimeline(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Equal(t, "officer-1", timeline[0].TriggeredBy)
	assert.Equal(t, model.SystemActorID, timeline[1].TriggeredBy)
	assert.Equal(t, model.TriggerSLATimeout, timeline[1].TriggerType)

	// A second scan finds nothing left to do.
	summary, err = h.sched.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Applied)
}

func TestScan_skips_manual_only_stages(t *testing.T) {
	h := newHarness(t, testConfig(), reviewDefinition())
	h.submit(t, "app-1", "undergraduate")
	h.clock.Advance(30 * 24 * time.Hour)

	summary, err := h.sched.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Candidates)
	assert.Equal(t, "submitted", h.stage(t, "app-1"))
}

func TestEvaluateApplication_chains_auto_transitions(t *testing.T) {
	h := newHarness(t, testConfig(), chainDefinition())
	h.submit(t, "app-1", "graduate")
	h.status.SetPaymentComplete("app-1", true)
	h.status.SetDocumentVerified("app-1", "TRANSCRIPT", true)

	ev, err := h.sched.EvaluateApplication(context.Background(), "app-1")
	require.NoError(t, err)

	require.Len(t, ev.Applied, 2)
	assert.Equal(t, "fee_paid", ev.Applied[0].TransitionID)
	assert.Equal(t, "screened", ev.Applied[1].TransitionID)
	assert.False(t, ev.ChainLimited)
	assert.Equal(t, "committee", h.stage(t, "app-1"))
}

func TestEvaluateApplication_auto_before_sla(t *testing.T) {
	h := newHarness(t, testConfig(), chainDefinition())
	h.submit(t, "app-1", "graduate")
	h.status.SetPaymentComplete("app-1", true)
	h.clock.Advance(48 * time.Hour)

	ev, err := h.sched.EvaluateApplication(context.Background(), "app-1")
	require.NoError(t, err)

	require.Len(t, ev.Applied, 1)
	assert.Equal(t, "fee_paid", ev.Applied[0].TransitionID)
	assert.Equal(t, "screening", h.stage(t, "app-1"))
}

func TestEvaluateApplication_chain_limit(t *testing.T) {
	cfg := testConfig()
	cfg.ChainLimit = 1
	h := newHarness(t, cfg, chainDefinition())
	h.submit(t, "app-1", "graduate")
	h.status.SetPaymentComplete("app-1", true)
	h.status.SetDocumentVerified("app-1", "TRANSCRIPT", true)

	ev, err := h.sched.EvaluateApplication(context.Background(), "app-1")
	require.NoError(t, err)

	assert.Len(t, ev.Applied, 1)
	assert.True(t, ev.ChainLimited)
	assert.Equal(t, "screening", h.stage(t, "app-1"))
}

func TestEvaluateApplication_nothing_eligible(t *testing.T) {
	h := newHarness(t, testConfig(), chainDefinition())
	h.submit(t, "app-1", "graduate")

	ev, err := h.sched.EvaluateApplication(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Empty(t, ev.Applied)
	assert.Equal(t, "intake", h.stage(t, "app-1"))
}

func TestEvaluateApplication_not_found(t *testing.T) {
	h := newHarness(t, testConfig(), chainDefinition())

	_, err := h.sched.EvaluateApplication(context.Background(), "missing")
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}

func TestHandleEvent(t *testing.T) {
	h := newHarness(t, testConfig(), chainDefinition())
	h.submit(t, "app-1", "graduate")
	h.status.SetPaymentComplete("app-1", true)

	ev, err := h.sched.HandleEvent(context.Background(), model.ApplicationEvent{
		ApplicationID: "app-1", Kind: model.EventPaymentCompleted,
	})
	require.NoError(t, err)
	assert.Len(t, ev.Applied, 1)

	_, err = h.sched.HandleEvent(context.Background(), model.ApplicationEvent{ApplicationID: "app-1", Kind: "fax_received"})
	assert.True(t, model.IsCode(err, model.ErrBadRequest))
}

func TestScan_pages_through_batches(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	h := newHarness(t, cfg, chainDefinition())
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("app-%d", i)
		h.submit(t, id, "graduate")
		h.status.SetPaymentComplete(id, true)
	}

	summary, err := h.sched.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Applied)
	for i := 1; i <= 5; i++ {
		assert.Equal(t, "screening", h.stage(t, fmt.Sprintf("app-%d", i)))
	}
}

func TestScan_covers_retired_definitions(t *testing.T) {
	h := newHarness(t, testConfig(), chainDefinition())
	ctx := context.Background()
	h.submit(t, "app-old", "graduate")
	h.status.SetPaymentComplete("app-old", true)

	v2 := chainDefinition()
	v2.ID = "graduate-v2"
	v2.Version = 2
	_, err := h.registry.Create(ctx, v2)
	require.NoError(t, err)
	_, err = h.registry.Activate(ctx, v2.ID)
	require.NoError(t, err)

	summary, err := h.sched.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Applied)
	assert.Equal(t, "screening", h.stage(t, "app-old"))
}

// flakyEngine fails every evaluation of one application.
type flakyEngine struct {
	TransitionEngine
	broken string
}

func (f flakyEngine) GetLegalTransitions(ctx context.Context, appID string, actor model.Actor) ([]model.Transition, error) {
	if appID == f.broken {
		return nil, errors.New("connection reset")
	}
	return f.TransitionEngine.GetLegalTransitions(ctx, appID, actor)
}

func TestScan_isolates_failures(t *testing.T) {
	h := newHarness(t, testConfig(), chainDefinition())
	for _, id := range []string{"app-1", "app-2", "app-3"} {
		h.submit(t, id, "graduate")
		h.status.SetPaymentComplete(id, true)
	}
	sched := New(flakyEngine{TransitionEngine: h.engine, broken: "app-2"}, h.registry, h.store, testConfig(), WithClock(h.clock.Now))

	summary, err := sched.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Candidates)
	assert.Equal(t, 2, summary.Applied)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "intake", h.stage(t, "app-2"))
	assert.Equal(t, "screening", h.stage(t, "app-3"))
}

func TestScan_lease_held_elsewhere(t *testing.T) {
	lease := NewMemoryLease()
	ok, err := lease.Acquire(context.Background(), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	h := newHarness(t, testConfig(), chainDefinition())
	h.submit(t, "app-1", "graduate")
	h.status.SetPaymentComplete("app-1", true)
	sched := New(h.engine, h.registry, h.store, testConfig(), WithLease(lease))

	summary, err := sched.Scan(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Equal(t, "intake", h.stage(t, "app-1"))
}

func TestScan_releases_lease(t *testing.T) {
	lease := NewMemoryLease()
	h := newHarness(t, testConfig(), chainDefinition())
	sched := New(h.engine, h.registry, h.store, testConfig(), WithLease(lease))

	_, err := sched.Scan(context.Background())
	require.NoError(t, err)

	ok, err := lease.Acquire(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScan_concurrent_replicas_apply_once(t *testing.T) {
	h := newHarness(t, testConfig(), reviewDefinition())
	ctx := context.Background()
	h.submit(t, "app-1", "undergraduate")
	_, err := h.engine.ApplyTransition(ctx, workflow.ApplyRequest{
		ApplicationID: "app-1", TransitionID: "start_review", Actor: model.UserActor("officer-1"),
	})
	require.NoError(t, err)
	h.clock.Advance(73 * time.Hour)

	other := New(h.engine, h.registry, h.store, testConfig(), WithClock(h.clock.Now))
	var wg sync.WaitGroup
	for _, s := range []*Scheduler{h.sched, other} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			_, _ = s.Scan(ctx)
		}(s)
	}
	wg.Wait()

	timeline, err := h.engine.GetApplicationStatusTimeline(ctx, "app-1")
	require.NoError(t, err)
	assert.Len(t, timeline, 2)
}

func TestStart_rejects_bad_schedule(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule = "every now and then"
	h := newHarness(t, cfg, reviewDefinition())

	assert.Error(t, h.sched.Start(context.Background()))
}

func TestStart_and_Stop(t *testing.T) {
	h := newHarness(t, testConfig(), reviewDefinition())

	require.NoError(t, h.sched.Start(context.Background()))
	assert.Error(t, h.sched.Start(context.Background()))
	h.sched.Stop()
	h.sched.Stop()
}

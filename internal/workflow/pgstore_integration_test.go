//go:build integration

package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pitabwire/admissions/internal/audit"
	"github.com/pitabwire/admissions/internal/definition"
	"github.com/pitabwire/admissions/internal/external"
	"github.com/pitabwire/admissions/internal/workflow"
	"github.com/pitabwire/admissions/model"
)

// setupPostgres starts a disposable Postgres, applies the migrations, and
// returns a pool that is closed when the test ends.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "admissions",
				"POSTGRES_PASSWORD": "admissions",
				"POSTGRES_DB":       "admissions",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://admissions:admissions@%s:%s/admissions?sslmode=disable", host, port.Port())

	m, err := migrate.New("file://../../migrations", dsn)
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("apply migrations: %v", err)
	}
	m.Close()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func reviewFlow() model.WorkflowDefinition {
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

// --- Postgres round trips ---

func TestPostgres_transitionLifecycle(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()

	registry := definition.NewRegistry(definition.NewPgStore(pool), nil, nil, nil)
	_, err := registry.Create(ctx, reviewFlow())
	require.NoError(t, err)
	_, err = registry.Activate(ctx, "undergraduate-v1")
	require.NoError(t, err)

	store := workflow.NewPgStateStore(pool)
	sink := audit.NewPgSink(pool)
	status := external.NewMemoryStatus()
	engine := workflow.NewEngine(registry, store, nil, workflow.Collaborators{
		Documents: status,
		Payments:  status,
		Audit:     sink,
	})

	state, err := engine.Submit(ctx, workflow.SubmitRequest{
		ApplicationID:   "app-1",
		ApplicationType: "undergraduate",
		Attributes:      map[string]string{"program": "law"},
		Actor:           model.UserActor("applicant-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, state.Version)

	v := 1
	res, err := engine.ApplyTransition(ctx, workflow.ApplyRequest{
		ApplicationID:   "app-1",
		TransitionID:    "start_review",
		Actor:           model.UserActor("officer-1"),
		ExpectedVersion: &v,
	})
	require.NoError(t, err)
	assert.Equal(t, "review", res.State.CurrentStageID)
	assert.Equal(t, 2, res.State.Version)
	assert.Positive(t, res.Record.Sequence)

	// A second writer holding the old version is rejected.
	_, err = store.Commit(ctx, state, model.StatusRecord{TransitionID: "start_review", ToStageID: "review"}, 1)
	assert.True(t, model.IsCode(err, model.ErrStaleState), "error = %v", err)

	timeline, err := engine.GetApplicationStatusTimeline(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, "start_review", timeline[0].TransitionID)
	assert.Equal(t, "submitted", timeline[0].From())

	got, err := store.Get(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "law", got.Attributes["program"])

	entries, err := sink.List(ctx, "app-1")
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	// Records already audited are not duplicated.
	require.NoError(t, sink.Record(ctx, res.Record))
	again, err := sink.List(ctx, "app-1")
	require.NoError(t, err)
	assert.Len(t, again, len(entries))
}

func TestPostgres_activationRetiresPrevious(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	registry := definition.NewRegistry(definition.NewPgStore(pool), nil, nil, nil)

	_, err := registry.Create(ctx, reviewFlow())
	require.NoError(t, err)
	_, err = registry.Activate(ctx, "undergraduate-v1")
	require.NoError(t, err)

	next := reviewFlow()
	next.ID, next.Version = "", 0
	created, err := registry.Create(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, "undergraduate-v2", created.ID)

	_, err = registry.Activate(ctx, created.ID)
	require.NoError(t, err)

	active, err := registry.GetActiveDefinition(ctx, "undergraduate")
	require.NoError(t, err)
	assert.Equal(t, "undergraduate-v2", active.ID)

	previous, err := registry.Get(ctx, "undergraduate-v1")
	require.NoError(t, err)
	assert.Equal(t, model.DefinitionRetired, previous.Status)

	err = registry.Delete(ctx, "undergraduate-v1")
	assert.True(t, model.IsCode(err, model.ErrConflict), "error = %v", err)
}

func TestPostgres_findCandidates(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()

	registry := definition.NewRegistry(definition.NewPgStore(pool), nil, nil, nil)
	_, err := registry.Create(ctx, reviewFlow())
	require.NoError(t, err)
	_, err = registry.Activate(ctx, "undergraduate-v1")
	require.NoError(t, err)

	store := workflow.NewPgStateStore(pool)
	base := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"app-b", "app-a", "app-c"} {
		require.NoError(t, store.Create(ctx, model.ApplicationWorkflowState{
			ApplicationID:        id,
			ApplicationType:      "undergraduate",
			WorkflowDefinitionID: "undergraduate-v1",
			CurrentStageID:       "review",
			EnteredStageAt:       base.Add(time.Duration(i) * time.Hour),
			Version:              1,
			CreatedAt:            base,
			UpdatedAt:            base,
		}))
	}

	got, err := store.FindCandidates(ctx, workflow.CandidateQuery{
		DefinitionID:  "undergraduate-v1",
		StageID:       "review",
		EnteredBefore: base.Add(90 * time.Minute),
	})
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.ApplicationID)
	}
	assert.Equal(t, []string{"app-a", "app-b"}, ids)

	page, err := store.FindCandidates(ctx, workflow.CandidateQuery{
		DefinitionID:       "undergraduate-v1",
		StageID:            "review",
		AfterApplicationID: "app-a",
		Limit:              1,
	})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "app-b", page[0].ApplicationID)
}

func TestPostgres_getReadsStateAndHistoryTogether(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()

	registry := definition.NewRegistry(definition.NewPgStore(pool), nil, nil, nil)
	_, err := registry.Create(ctx, reviewFlow())
	require.NoError(t, err)
	_, err = registry.Activate(ctx, "undergraduate-v1")
	require.NoError(t, err)

	store := workflow.NewPgStateStore(pool)
	engine := workflow.NewEngine(registry, store, nil, workflow.Collaborators{})
	_, err = engine.Submit(ctx, workflow.SubmitRequest{
		ApplicationID:   "app-1",
		ApplicationType: "undergraduate",
		Actor:           model.UserActor("applicant-1"),
	})
	require.NoError(t, err)

	const commits = 40
	done := make(chan error, 1)
	go func() {
		stages := []string{"review", "submitted"}
		for i := range commits {
			cur, err := store.Get(ctx, "app-1")
			if err != nil {
				done <- err
				return
			}
			from := cur.CurrentStageID
			next := cur
			next.CurrentStageID = stages[i%2]
			next.UpdatedAt = time.Now().UTC()
			_, err = store.Commit(ctx, next, model.StatusRecord{
				TransitionID: "start_review",
				FromStageID:  &from,
				ToStageID:    next.CurrentStageID,
				TriggeredBy:  "officer-1",
				TriggerType:  model.TriggerManual,
				Timestamp:    next.UpdatedAt,
			}, cur.Version)
			if err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			final, err := store.Get(ctx, "app-1")
			require.NoError(t, err)
			assert.Len(t, final.History, commits)
			return
		default:
		}
		got, err := store.Get(ctx, "app-1")
		require.NoError(t, err)
		require.Equal(t, got.Version, len(got.History)+1, "version and history disagree")
		if n := len(got.History); n > 0 {
			require.Equal(t, got.CurrentStageID, got.History[n-1].ToStageID)
		}
	}
}

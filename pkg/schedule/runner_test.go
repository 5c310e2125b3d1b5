package schedule_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quilfort/flowline/pkg/eventbus"
	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/persistence/memory"
	"github.com/quilfort/flowline/pkg/schedule"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, eventbus.Event) error { return nil }

func scheduledDefinition(t *testing.T, id, cronExpression string, lastSuccessful *time.Time) *models.WorkflowDefinition {
	t.Helper()

	return &models.WorkflowDefinition{
		ID:             id,
		OrganizationID: "org-1",
		Name:           "Nightly sync",
		TriggerType:    models.TriggerTypeSchedule,
		TriggerConfig: models.TriggerConfig{
			Schedule: &models.ScheduleTriggerConfig{CronExpression: cronExpression},
		},
		Steps: []models.StepDefinition{
			{ID: "sync", Order: 1, Kind: models.StepKindAction, ActionKey: "http_call"},
		},
		RetryPolicy:         models.DefaultRetryPolicy(),
		IsEnabled:           true,
		LastSuccessfulRunAt: lastSuccessful,
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}
}

func runsFor(t *testing.T, store *memory.Persistence, now time.Time) []*models.WorkflowRun {
	t.Helper()

	runs, err := store.DueRuns(context.Background(), now.Add(time.Hour), 100)
	require.NoError(t, err)

	return runs
}

func TestEvaluateFiresDueOccurrence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)
	lastSuccessful := now.Add(-90 * time.Second)

	store := memory.NewPersistence()
	require.NoError(t, store.SaveWorkflowDefinition(ctx, scheduledDefinition(t, "wf-s", "* * * * *", &lastSuccessful)))

	runner := schedule.NewRunner(slog.New(slog.DiscardHandler), store, nopPublisher{}, schedule.Config{})
	require.NoError(t, runner.Evaluate(ctx, now))

	runs := runsFor(t, store, now)
	require.Len(t, runs, 1) // 12:00:00

	run := runs[0]
	assert.Equal(t, models.RunStatusPending, run.Status)

	payload, ok := run.Context["trigger"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, run.TriggerSource, payload["scheduled_for"])
}

func TestEvaluateNeverFiresOccurrenceTwice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)
	lastSuccessful := now.Add(-time.Minute)

	store := memory.NewPersistence()
	require.NoError(t, store.SaveWorkflowDefinition(ctx, scheduledDefinition(t, "wf-s", "* * * * *", &lastSuccessful)))

	runner := schedule.NewRunner(slog.New(slog.DiscardHandler), store, nopPublisher{}, schedule.Config{})
	require.NoError(t, runner.Evaluate(ctx, now))
	require.NoError(t, runner.Evaluate(ctx, now))
	require.NoError(t, runner.Evaluate(ctx, now.Add(10*time.Second)))

	assert.Len(t, runsFor(t, store, now), 1)
}

func TestEvaluateTwoRunnersShareDedup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)
	lastSuccessful := now.Add(-time.Minute)

	store := memory.NewPersistence()
	require.NoError(t, store.SaveWorkflowDefinition(ctx, scheduledDefinition(t, "wf-s", "* * * * *", &lastSuccessful)))

	logger := slog.New(slog.DiscardHandler)
	first := schedule.NewRunner(logger, store, nopPublisher{}, schedule.Config{})
	second := schedule.NewRunner(logger, store, nopPublisher{}, schedule.Config{})

	require.NoError(t, first.Evaluate(ctx, now))
	require.NoError(t, second.Evaluate(ctx, now))

	assert.Len(t, runsFor(t, store, now), 1)
}

func TestEvaluateCatchUpAfterDowntime(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)
	lastSuccessful := now.Add(-5*time.Minute - 30*time.Second)

	store := memory.NewPersistence()
	require.NoError(t, store.SaveWorkflowDefinition(ctx, scheduledDefinition(t, "wf-s", "* * * * *", &lastSuccessful)))

	runner := schedule.NewRunner(slog.New(slog.DiscardHandler), store, nopPublisher{}, schedule.Config{})
	require.NoError(t, runner.Evaluate(ctx, now))

	runs := runsFor(t, store, now)
	assert.Len(t, runs, 5) // 11:56 through 12:00

	sources := make(map[string]struct{}, len(runs))
	for _, run := range runs {
		sources[run.TriggerSource] = struct{}{}
	}

	assert.Len(t, sources, len(runs))
}

func TestEvaluateCapsCatchUp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)
	lastSuccessful := now.Add(-time.Hour)

	store := memory.NewPersistence()
	require.NoError(t, store.SaveWorkflowDefinition(ctx, scheduledDefinition(t, "wf-s", "* * * * *", &lastSuccessful)))

	runner := schedule.NewRunner(slog.New(slog.DiscardHandler), store, nopPublisher{}, schedule.Config{
		MaxCatchUpOccurrences: 3,
	})
	require.NoError(t, runner.Evaluate(ctx, now))

	runs := runsFor(t, store, now)
	require.Len(t, runs, 3)

	// The retained occurrences are the most recent ones.
	for _, run := range runs {
		occurrence, err := time.Parse(time.RFC3339, run.TriggerSource)
		require.NoError(t, err)
		assert.False(t, occurrence.Before(now.Add(-3*time.Minute)))
	}
}

func TestEvaluateClampsCatchUpWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)
	lastSuccessful := now.AddDate(0, -2, 0)

	store := memory.NewPersistence()
	require.NoError(t, store.SaveWorkflowDefinition(ctx, scheduledDefinition(t, "wf-s", "* * * * *", &lastSuccessful)))

	runner := schedule.NewRunner(slog.New(slog.DiscardHandler), store, nopPublisher{}, schedule.Config{
		MaxCatchUpWindow: 2 * time.Minute,
	})
	require.NoError(t, runner.Evaluate(ctx, now))

	// Months of missed minutes before the scan window are never enumerated;
	// only the occurrences inside the window fire.
	runs := runsFor(t, store, now)
	require.Len(t, runs, 2) // 11:59 and 12:00

	for _, run := range runs {
		occurrence, err := time.Parse(time.RFC3339, run.TriggerSource)
		require.NoError(t, err)
		assert.False(t, occurrence.Before(now.Add(-2*time.Minute)))
	}
}

func TestEvaluateFreshScheduleFiresNothingImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)

	store := memory.NewPersistence()
	require.NoError(t, store.SaveWorkflowDefinition(ctx, scheduledDefinition(t, "wf-s", "* * * * *", nil)))

	runner := schedule.NewRunner(slog.New(slog.DiscardHandler), store, nopPublisher{}, schedule.Config{})
	require.NoError(t, runner.Evaluate(ctx, now))
	assert.Empty(t, runsFor(t, store, now))

	// The next minute boundary fires.
	require.NoError(t, runner.Evaluate(ctx, now.Add(time.Minute)))
	assert.Len(t, runsFor(t, store, now.Add(time.Minute)), 1)
}

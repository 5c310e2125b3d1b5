package callback_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quilfort/flowline/pkg/callback"
	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/persistence/memory"
)

func succeededRun() *models.WorkflowRun {
	return &models.WorkflowRun{
		ID:     "run-1",
		Status: models.RunStatusSucceeded,
		Context: map[string]any{
			"trigger": map[string]any{"ticket_id": "t-42"},
			"enrich":  map[string]any{"priority": "high", "score": 88},
		},
	}
}

func TestApplyWritesMappedFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	writer := callback.NewWriter(slog.New(slog.DiscardHandler), store)

	definition := &models.WorkflowDefinition{
		CompletionCallbacks: []models.CompletionCallback{
			{
				TargetType:         "ticket",
				TargetIDExpression: `trigger.ticket_id`,
				FieldMappings: map[string]any{
					"priority": "{{enrich.priority}}",
					"score":    "{{enrich.score}}",
					"source":   "flowline",
				},
			},
		},
	}

	require.NoError(t, writer.Apply(ctx, definition, succeededRun()))

	record, err := store.Record(ctx, "ticket", "t-42")
	require.NoError(t, err)
	assert.Equal(t, "high", record["priority"])
	assert.Equal(t, 88, record["score"])
	assert.Equal(t, "flowline", record["source"])
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	writer := callback.NewWriter(slog.New(slog.DiscardHandler), store)

	definition := &models.WorkflowDefinition{
		CompletionCallbacks: []models.CompletionCallback{
			{
				TargetType:         "ticket",
				TargetIDExpression: `trigger.ticket_id`,
				FieldMappings:      map[string]any{"priority": "{{enrich.priority}}"},
			},
		},
	}

	run := succeededRun()
	require.NoError(t, writer.Apply(ctx, definition, run))

	first, err := store.Record(ctx, "ticket", "t-42")
	require.NoError(t, err)

	// Re-applying after a crash between callback and run update must
	// converge, not double-apply.
	require.NoError(t, writer.Apply(ctx, definition, run))

	second, err := store.Record(ctx, "ticket", "t-42")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestApplyTargetExpressionFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	writer := callback.NewWriter(slog.New(slog.DiscardHandler), store)

	definition := &models.WorkflowDefinition{
		CompletionCallbacks: []models.CompletionCallback{
			{
				TargetType:         "ticket",
				TargetIDExpression: `missing.ticket_id`,
				FieldMappings:      map[string]any{"priority": "x"},
			},
		},
	}

	err := writer.Apply(ctx, definition, succeededRun())
	require.Error(t, err)

	var callbackErr *models.CallbackError
	assert.ErrorAs(t, err, &callbackErr)
	assert.Equal(t, "ticket", callbackErr.TargetType)
}

func TestApplyContinuesPastFailingCallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	writer := callback.NewWriter(slog.New(slog.DiscardHandler), store)

	definition := &models.WorkflowDefinition{
		CompletionCallbacks: []models.CompletionCallback{
			{
				TargetType:         "ticket",
				TargetIDExpression: `trigger.missing_field`,
				FieldMappings:      map[string]any{"priority": "x"},
			},
			{
				TargetType:         "account",
				TargetIDExpression: `trigger.ticket_id`,
				FieldMappings:      map[string]any{"last_score": "{{enrich.score}}"},
			},
		},
	}

	err := writer.Apply(ctx, definition, succeededRun())
	require.Error(t, err)

	record, err := store.Record(ctx, "account", "t-42")
	require.NoError(t, err)
	assert.Equal(t, 88, record["last_score"])
}

func TestApplyUnresolvedMappingReference(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	writer := callback.NewWriter(slog.New(slog.DiscardHandler), store)

	definition := &models.WorkflowDefinition{
		CompletionCallbacks: []models.CompletionCallback{
			{
				TargetType:         "ticket",
				TargetIDExpression: `trigger.ticket_id`,
				FieldMappings:      map[string]any{"priority": "{{never_ran.priority}}"},
			},
		},
	}

	err := writer.Apply(ctx, definition, succeededRun())
	require.Error(t, err)

	_, err = store.Record(ctx, "ticket", "t-42")
	assert.Error(t, err)
}

package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quilfort/flowline/pkg/models"
)

func TestRunStatus_CanTransitionTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from    models.RunStatus
		to      models.RunStatus
		allowed bool
	}{
		{models.RunStatusPending, models.RunStatusRunning, true},
		{models.RunStatusPending, models.RunStatusFailed, true},
		{models.RunStatusPending, models.RunStatusSucceeded, false},
		{models.RunStatusRunning, models.RunStatusSucceeded, true},
		{models.RunStatusRunning, models.RunStatusWaitingRetry, true},
		{models.RunStatusRunning, models.RunStatusFailed, true},
		{models.RunStatusRunning, models.RunStatusPending, false},
		{models.RunStatusWaitingRetry, models.RunStatusRunning, true},
		{models.RunStatusWaitingRetry, models.RunStatusFailed, true},
		{models.RunStatusWaitingRetry, models.RunStatusSucceeded, false},
		{models.RunStatusSucceeded, models.RunStatusRunning, false},
		{models.RunStatusSucceeded, models.RunStatusFailed, false},
		{models.RunStatusFailed, models.RunStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+" to "+string(tt.to), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestRunStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, models.RunStatusSucceeded.IsTerminal())
	assert.True(t, models.RunStatusFailed.IsTerminal())
	assert.False(t, models.RunStatusPending.IsTerminal())
	assert.False(t, models.RunStatusRunning.IsTerminal())
	assert.False(t, models.RunStatusWaitingRetry.IsTerminal())
}

func TestWorkflowRun_RecordOutput(t *testing.T) {
	t.Parallel()

	def := validWebhookDefinition()
	run := models.NewWorkflowRun("run-1", def, "evt-1", map[string]any{"customer_id": 42})

	require.NoError(t, run.RecordOutput("step1", map[string]any{"name": "Acme"}))

	// Context entries are immutable once written.
	err := run.RecordOutput("step1", map[string]any{"name": "Other"})
	require.Error(t, err)

	assert.Equal(t, map[string]any{"name": "Acme"}, run.Context["step1"])
	assert.Equal(t, map[string]any{"customer_id": 42}, run.TriggerPayload())
}

func TestWorkflowRun_IsDue(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	def := validWebhookDefinition()

	pending := models.NewWorkflowRun("run-1", def, "evt-1", nil)
	assert.True(t, pending.IsDue(now))

	waiting := models.NewWorkflowRun("run-2", def, "evt-2", nil)
	waiting.Status = models.RunStatusWaitingRetry
	waiting.NextRetryAt = &later
	assert.False(t, waiting.IsDue(now))

	waiting.NextRetryAt = &earlier
	assert.True(t, waiting.IsDue(now))

	done := models.NewWorkflowRun("run-3", def, "evt-3", nil)
	done.Status = models.RunStatusSucceeded
	assert.False(t, done.IsDue(now))
}

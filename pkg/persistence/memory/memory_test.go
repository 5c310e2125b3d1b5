package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/persistence"
	"github.com/quilfort/flowline/pkg/persistence/memory"
)

func webhookDefinition(id, org, key string) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:             id,
		OrganizationID: org,
		Name:           "Test workflow",
		TriggerType:    models.TriggerTypeWebhook,
		TriggerConfig: models.TriggerConfig{
			Webhook: &models.WebhookTriggerConfig{TriggerKey: key, Secret: "s"},
		},
		Steps: []models.StepDefinition{
			{ID: "step1", Order: 1, Kind: models.StepKindAction, ActionKey: "noop"},
		},
		RetryPolicy: models.DefaultRetryPolicy(),
		IsEnabled:   true,
	}
}

func TestTriggerKeyUniquePerOrganization(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()

	require.NoError(t, store.SaveWorkflowDefinition(ctx, webhookDefinition("wf-1", "org-1", "deploy")))

	err := store.SaveWorkflowDefinition(ctx, webhookDefinition("wf-2", "org-1", "deploy"))
	require.ErrorIs(t, err, persistence.ErrDuplicateTriggerKey)

	// Same key in another organization is fine.
	require.NoError(t, store.SaveWorkflowDefinition(ctx, webhookDefinition("wf-3", "org-2", "deploy")))

	found, err := store.WorkflowDefinitionByTriggerKey(ctx, "org-1", "deploy")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", found.ID)
}

func TestClaimRun_SingleWriter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	def := webhookDefinition("wf-1", "org-1", "deploy")
	require.NoError(t, store.SaveWorkflowDefinition(ctx, def))

	run := models.NewWorkflowRun("run-1", def, "evt-1", nil)
	require.NoError(t, store.CreateRun(ctx, run))

	now := time.Now().UTC()

	claimed, err := store.ClaimRun(ctx, "run-1", now)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, claimed.Status)

	// A second claim is rejected, not queued.
	_, err = store.ClaimRun(ctx, "run-1", now)
	require.ErrorIs(t, err, models.ErrRunConflict)
}

func TestClaimRun_LeaseExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	def := webhookDefinition("wf-1", "org-1", "deploy")
	require.NoError(t, store.SaveWorkflowDefinition(ctx, def))

	run := models.NewWorkflowRun("run-1", def, "evt-1", nil)
	require.NoError(t, store.CreateRun(ctx, run))

	now := time.Now().UTC()

	claimed, err := store.ClaimRun(ctx, "run-1", now)
	require.NoError(t, err)
	require.NotNil(t, claimed.ClaimedAt)

	// A crashed worker leaves the run in running; once the lease lapses, the
	// due-run scan surfaces it and another worker can reclaim.
	later := now.Add(persistence.ClaimLeaseTimeout + time.Second)

	due, err := store.DueRuns(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "run-1", due[0].ID)

	reclaimed, err := store.ClaimRun(ctx, "run-1", later)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, reclaimed.Status)
	assert.Equal(t, claimed.Version+1, reclaimed.Version)
	assert.True(t, reclaimed.ClaimedAt.Equal(later))

	// Reclaiming restarts the lease.
	_, err = store.ClaimRun(ctx, "run-1", later)
	require.ErrorIs(t, err, models.ErrRunConflict)
}

func TestUpdateRun_VersionConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	def := webhookDefinition("wf-1", "org-1", "deploy")
	require.NoError(t, store.SaveWorkflowDefinition(ctx, def))

	run := models.NewWorkflowRun("run-1", def, "evt-1", nil)
	require.NoError(t, store.CreateRun(ctx, run))

	first, err := store.RunByID(ctx, "run-1")
	require.NoError(t, err)

	second, err := store.RunByID(ctx, "run-1")
	require.NoError(t, err)

	first.Status = models.RunStatusFailed
	require.NoError(t, store.UpdateRun(ctx, first))

	second.Status = models.RunStatusFailed
	require.ErrorIs(t, store.UpdateRun(ctx, second), persistence.ErrVersionConflict)
}

func TestUpsertInboundEvent_Dedup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()

	event := &models.InboundEvent{
		WorkflowID:      "wf-1",
		ExternalEventID: "evt-abc",
		Payload:         map[string]any{"n": float64(1)},
		Verified:        true,
		ProducedRunID:   "run-1",
	}

	stored, created, err := store.UpsertInboundEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, stored.ID)

	duplicate, created, err := store.UpsertInboundEvent(ctx, &models.InboundEvent{
		WorkflowID:      "wf-1",
		ExternalEventID: "evt-abc",
		Payload:         map[string]any{"n": float64(2)},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "run-1", duplicate.ProducedRunID)
	assert.Equal(t, map[string]any{"n": float64(1)}, duplicate.Payload)
}

func TestDueRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	def := webhookDefinition("wf-1", "org-1", "deploy")
	require.NoError(t, store.SaveWorkflowDefinition(ctx, def))

	now := time.Now().UTC()
	future := now.Add(time.Hour)

	ready := models.NewWorkflowRun("run-ready", def, "evt-1", nil)
	require.NoError(t, store.CreateRun(ctx, ready))

	waiting := models.NewWorkflowRun("run-waiting", def, "evt-2", nil)
	waiting.Status = models.RunStatusWaitingRetry
	waiting.NextRetryAt = &future
	require.NoError(t, store.CreateRun(ctx, waiting))

	done := models.NewWorkflowRun("run-done", def, "evt-3", nil)
	done.Status = models.RunStatusSucceeded
	require.NoError(t, store.CreateRun(ctx, done))

	due, err := store.DueRuns(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "run-ready", due[0].ID)
}

func TestApplyRecordFields_Idempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()

	fields := map[string]any{"status": "resolved", "score": 10}

	require.NoError(t, store.ApplyRecordFields(ctx, "ticket", "t-1", fields))
	require.NoError(t, store.ApplyRecordFields(ctx, "ticket", "t-1", fields))

	record, err := store.Record(ctx, "ticket", "t-1")
	require.NoError(t, err)
	assert.Equal(t, "resolved", record["status"])
	assert.Equal(t, 10, record["score"])
}

func TestReadsDoNotAliasStoredState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	def := webhookDefinition("wf-1", "org-1", "deploy")
	require.NoError(t, store.SaveWorkflowDefinition(ctx, def))

	run := models.NewWorkflowRun("run-1", def, "evt-1", map[string]any{"k": "v"})
	require.NoError(t, store.CreateRun(ctx, run))

	loaded, err := store.RunByID(ctx, "run-1")
	require.NoError(t, err)
	loaded.Context["mutated"] = true

	fresh, err := store.RunByID(ctx, "run-1")
	require.NoError(t, err)
	assert.NotContains(t, fresh.Context, "mutated")
}

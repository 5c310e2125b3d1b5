// Package persistence provides the data storage abstraction for workflow
// definitions, runs, inbound events and callback target records.
package persistence

import (
	"context"
	"time"

	"github.com/quilfort/flowline/pkg/models"
)

// Persistence is the single source of truth for engine state. Run state
// transitions are serialized per run through version-checked writes.
type Persistence interface {
	WorkflowDefinitionStore
	RunStore
	InboundEventStore
	RecordStore

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowDefinitionStore holds the per-organization automation definitions.
// The engine reads definitions and only ever writes LastSuccessfulRunAt.
type WorkflowDefinitionStore interface {
	WorkflowDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error)
	WorkflowDefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)

	// WorkflowDefinitionByTriggerKey resolves a webhook trigger key within
	// one organization.
	WorkflowDefinitionByTriggerKey(ctx context.Context, organizationID, triggerKey string) (*models.WorkflowDefinition, error)

	// ScheduledWorkflowDefinitions returns the enabled schedule-triggered
	// definitions.
	ScheduledWorkflowDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error)

	// SaveWorkflowDefinition creates or replaces a definition. Webhook
	// trigger keys are unique per organization.
	SaveWorkflowDefinition(ctx context.Context, definition *models.WorkflowDefinition) error

	SetWorkflowEnabled(ctx context.Context, id string, enabled bool) error

	// TouchLastSuccessfulRun records the completion time of a succeeded run.
	TouchLastSuccessfulRun(ctx context.Context, id string, at time.Time) error
}

// ClaimLeaseTimeout bounds how long a claimed run may go without a
// checkpoint before the due-run scan treats its worker as dead and offers
// the run for reclaim.
const ClaimLeaseTimeout = 5 * time.Minute

// RunStore holds workflow runs. Runs are never deleted by the engine.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.WorkflowRun) error
	RunByID(ctx context.Context, id string) (*models.WorkflowRun, error)

	// RunByTriggerSource finds the run created for a specific triggering
	// occurrence, used for schedule and webhook dedup.
	RunByTriggerSource(ctx context.Context, workflowID, triggerSource string) (*models.WorkflowRun, error)

	// DueRuns returns runs in pending or waiting_retry whose nextRetryAt has
	// elapsed, plus running runs whose claim lease lapsed, up to limit.
	DueRuns(ctx context.Context, now time.Time, limit int) ([]*models.WorkflowRun, error)

	// ClaimRun atomically moves a due run to running, stamps the claim lease
	// and bumps the version. A running run is claimable again once its lease
	// lapses. Returns ErrRunConflict when another worker holds the run or the
	// run is not claimable.
	ClaimRun(ctx context.Context, id string, now time.Time) (*models.WorkflowRun, error)

	// UpdateRun persists a run mutation with compare-and-swap on Version.
	// Returns ErrVersionConflict when a concurrent writer got there first.
	UpdateRun(ctx context.Context, run *models.WorkflowRun) error
}

// InboundEventStore records webhook deliveries. (WorkflowID, ExternalEventID)
// is unique: duplicate deliveries converge on the first record.
type InboundEventStore interface {
	// UpsertInboundEvent inserts the event if (workflowID, externalEventID)
	// is unseen and returns (event, true). On a duplicate it returns the
	// existing record and false, without modifying it.
	UpsertInboundEvent(ctx context.Context, event *models.InboundEvent) (*models.InboundEvent, bool, error)

	// UpdateInboundEvent rewrites a previously inserted event record.
	UpdateInboundEvent(ctx context.Context, event *models.InboundEvent) error
}

// RecordStore is the idempotent write-back surface for completion callbacks
// and the read surface for data_query steps. ApplyRecordFields sets fields to
// absolute values, so re-applying a callback converges instead of
// double-applying.
type RecordStore interface {
	ApplyRecordFields(ctx context.Context, targetType, targetID string, fields map[string]any) error
	Record(ctx context.Context, targetType, targetID string) (map[string]any, error)
}

package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/persistence"
)

// RunRepository handles workflow run database operations. All mutations go
// through version-checked updates so a retry-due pickup and a manual
// re-trigger cannot both transition the same run.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

const runColumns = `
	id
  , workflow_id
  , organization_id
  , trigger_source
  , status
  , current_step_index
  , context
  , attempt_count
  , next_retry_at
  , claimed_at
  , history
  , version
  , started_at
  , completed_at
  , last_error
  , callback_error
`

// Create inserts a new run.
func (r *RunRepository) Create(ctx context.Context, run *models.WorkflowRun) error {
	runContext, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal run context: %w", err)
	}

	history, err := json.Marshal(run.History)
	if err != nil {
		return fmt.Errorf("failed to marshal run history: %w", err)
	}

	query := `
		INSERT INTO workflow_runs (
			id, workflow_id, organization_id, trigger_source, status,
			current_step_index, context, attempt_count, next_retry_at, claimed_at,
			history, version, started_at, completed_at, last_error, callback_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		run.WorkflowID,
		run.OrganizationID,
		run.TriggerSource,
		string(run.Status),
		run.CurrentStepIndex,
		runContext,
		run.AttemptCount,
		run.NextRetryAt,
		run.ClaimedAt,
		history,
		run.Version,
		run.StartedAt,
		run.CompletedAt,
		nullableString(run.LastError),
		nullableString(run.CallbackError),
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow run: %w", err)
	}

	return nil
}

// GetByID returns a run by its ID.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE id = $1`

	return r.scanRun(r.db.QueryRowContext(ctx, query, id))
}

// GetByTriggerSource finds the run created for a triggering occurrence.
func (r *RunRepository) GetByTriggerSource(ctx context.Context, workflowID, triggerSource string) (*models.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE workflow_id = $1 AND trigger_source = $2`

	return r.scanRun(r.db.QueryRowContext(ctx, query, workflowID, triggerSource))
}

// GetDue returns pending runs, waiting runs whose retry time elapsed, and
// running runs whose claim lease lapsed.
func (r *RunRepository) GetDue(ctx context.Context, now time.Time, limit int) ([]*models.WorkflowRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM workflow_runs
		WHERE status = $1
		   OR (status = $2 AND (next_retry_at IS NULL OR next_retry_at <= $3))
		   OR (status = $4 AND (claimed_at IS NULL OR claimed_at <= $5))
		ORDER BY started_at
		LIMIT $6
	`

	rows, err := r.db.QueryContext(ctx, query,
		string(models.RunStatusPending), string(models.RunStatusWaitingRetry), now,
		string(models.RunStatusRunning), now.Add(-persistence.ClaimLeaseTimeout), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due runs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	runs := make([]*models.WorkflowRun, 0)

	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating due runs: %w", err)
	}

	return runs, nil
}

// Claim atomically moves a due run to running and stamps the claim lease.
// The WHERE clause is the single-writer guard: only one worker's update can
// match, and a running run matches again only once its lease lapsed.
func (r *RunRepository) Claim(ctx context.Context, id string, now time.Time) (*models.WorkflowRun, error) {
	query := `
		UPDATE workflow_runs
		SET status = $1, claimed_at = $2, next_retry_at = NULL, version = version + 1
		WHERE id = $3
		  AND (status = $4
		       OR (status = $5 AND (next_retry_at IS NULL OR next_retry_at <= $6))
		       OR (status = $1 AND (claimed_at IS NULL OR claimed_at <= $7)))
		RETURNING ` + runColumns

	run, err := r.scanRun(r.db.QueryRowContext(ctx, query,
		string(models.RunStatusRunning), now, id,
		string(models.RunStatusPending), string(models.RunStatusWaitingRetry), now,
		now.Add(-persistence.ClaimLeaseTimeout)))
	if err != nil {
		if persistence.IsRunNotFound(err) {
			// Distinguish a missing run from one held elsewhere.
			_, lookupErr := r.GetByID(ctx, id)
			if lookupErr != nil {
				return nil, lookupErr
			}

			return nil, models.ErrRunConflict
		}

		return nil, err
	}

	return run, nil
}

// Update persists a run mutation with compare-and-swap on version.
func (r *RunRepository) Update(ctx context.Context, run *models.WorkflowRun) error {
	runContext, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal run context: %w", err)
	}

	history, err := json.Marshal(run.History)
	if err != nil {
		return fmt.Errorf("failed to marshal run history: %w", err)
	}

	query := `
		UPDATE workflow_runs
		SET status = $1,
			current_step_index = $2,
			context = $3,
			attempt_count = $4,
			next_retry_at = $5,
			claimed_at = $6,
			history = $7,
			completed_at = $8,
			last_error = $9,
			callback_error = $10,
			version = version + 1
		WHERE id = $11 AND version = $12
	`

	result, err := r.db.ExecContext(ctx, query,
		string(run.Status),
		run.CurrentStepIndex,
		runContext,
		run.AttemptCount,
		run.NextRetryAt,
		run.ClaimedAt,
		history,
		run.CompletedAt,
		nullableString(run.LastError),
		nullableString(run.CallbackError),
		run.ID,
		run.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrVersionConflict
	}

	run.Version++

	return nil
}

func (r *RunRepository) scanRun(row rowScanner) (*models.WorkflowRun, error) {
	var (
		run           models.WorkflowRun
		runContext    []byte
		history       []byte
		nextRetryAt   sql.NullTime
		claimedAt     sql.NullTime
		completedAt   sql.NullTime
		lastError     sql.NullString
		callbackError sql.NullString
	)

	err := row.Scan(
		&run.ID,
		&run.WorkflowID,
		&run.OrganizationID,
		&run.TriggerSource,
		&run.Status,
		&run.CurrentStepIndex,
		&runContext,
		&run.AttemptCount,
		&nextRetryAt,
		&claimedAt,
		&history,
		&run.Version,
		&run.StartedAt,
		&completedAt,
		&lastError,
		&callbackError,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrRunNotFound
		}

		return nil, fmt.Errorf("failed to scan workflow run: %w", err)
	}

	if err := json.Unmarshal(runContext, &run.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run context: %w", err)
	}

	if err := json.Unmarshal(history, &run.History); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run history: %w", err)
	}

	if nextRetryAt.Valid {
		at := nextRetryAt.Time
		run.NextRetryAt = &at
	}

	if claimedAt.Valid {
		at := claimedAt.Time
		run.ClaimedAt = &at
	}

	if completedAt.Valid {
		at := completedAt.Time
		run.CompletedAt = &at
	}

	run.LastError = lastError.String
	run.CallbackError = callbackError.String

	return &run, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/persistence"
)

// DefinitionRepository handles workflow definition database operations.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDefinitionRepository creates a new definition repository.
func NewDefinitionRepository(db *sql.DB, logger *slog.Logger) *DefinitionRepository {
	return &DefinitionRepository{db: db, logger: logger}
}

const definitionColumns = `
	id
  , organization_id
  , name
  , trigger_type
  , trigger_config
  , steps
  , retry_policy
  , completion_callbacks
  , is_enabled
  , last_successful_run_at
  , created_at
  , updated_at
`

// GetAll returns all workflow definitions.
func (r *DefinitionRepository) GetAll(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions ORDER BY created_at DESC`

	return r.queryDefinitions(ctx, query)
}

// GetScheduled returns enabled schedule-triggered definitions.
func (r *DefinitionRepository) GetScheduled(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM workflow_definitions
		WHERE trigger_type = $1 AND is_enabled = TRUE
		ORDER BY created_at
	`

	return r.queryDefinitions(ctx, query, string(models.TriggerTypeSchedule))
}

// GetByID returns a workflow definition by its ID.
func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE id = $1`

	return r.scanDefinition(r.db.QueryRowContext(ctx, query, id))
}

// GetByTriggerKey resolves an organization-scoped webhook trigger key.
func (r *DefinitionRepository) GetByTriggerKey(ctx context.Context, organizationID, triggerKey string) (*models.WorkflowDefinition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM workflow_definitions
		WHERE organization_id = $1 AND trigger_key = $2
	`

	return r.scanDefinition(r.db.QueryRowContext(ctx, query, organizationID, triggerKey))
}

// Save creates or replaces a workflow definition. The trigger_key column is
// extracted from webhook configs so the per-organization unique index can
// enforce key uniqueness.
func (r *DefinitionRepository) Save(ctx context.Context, definition *models.WorkflowDefinition) error {
	if definition.ID == "" {
		definition.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	if definition.CreatedAt.IsZero() {
		definition.CreatedAt = now
	}

	definition.UpdatedAt = now

	triggerConfig, err := json.Marshal(definition.TriggerConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger config: %w", err)
	}

	steps, err := json.Marshal(definition.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	retryPolicy, err := json.Marshal(definition.RetryPolicy)
	if err != nil {
		return fmt.Errorf("failed to marshal retry policy: %w", err)
	}

	callbacks, err := json.Marshal(definition.CompletionCallbacks)
	if err != nil {
		return fmt.Errorf("failed to marshal completion callbacks: %w", err)
	}

	var triggerKey sql.NullString
	if cfg := definition.WebhookConfig(); cfg != nil {
		triggerKey = sql.NullString{String: cfg.TriggerKey, Valid: true}
	}

	query := `
		INSERT INTO workflow_definitions (
			id, organization_id, name, trigger_type, trigger_key, trigger_config,
			steps, retry_policy, completion_callbacks, is_enabled,
			last_successful_run_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id)
		DO UPDATE SET
			name = EXCLUDED.name,
			trigger_type = EXCLUDED.trigger_type,
			trigger_key = EXCLUDED.trigger_key,
			trigger_config = EXCLUDED.trigger_config,
			steps = EXCLUDED.steps,
			retry_policy = EXCLUDED.retry_policy,
			completion_callbacks = EXCLUDED.completion_callbacks,
			is_enabled = EXCLUDED.is_enabled,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		definition.ID,
		definition.OrganizationID,
		definition.Name,
		string(definition.TriggerType),
		triggerKey,
		triggerConfig,
		steps,
		retryPolicy,
		callbacks,
		definition.IsEnabled,
		definition.LastSuccessfulRunAt,
		definition.CreatedAt,
		definition.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: %q in organization %s",
				persistence.ErrDuplicateTriggerKey, triggerKey.String, definition.OrganizationID)
		}

		return fmt.Errorf("failed to save workflow definition: %w", err)
	}

	return nil
}

// SetEnabled flips a definition's enabled flag.
func (r *DefinitionRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE workflow_definitions SET is_enabled = $2, updated_at = NOW() WHERE id = $1`,
		id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update workflow enabled flag: %w", err)
	}

	return r.requireRow(result)
}

// TouchLastSuccessfulRun records a successful completion time.
func (r *DefinitionRepository) TouchLastSuccessfulRun(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE workflow_definitions SET last_successful_run_at = $2 WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to update last successful run: %w", err)
	}

	return r.requireRow(result)
}

func (r *DefinitionRepository) requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrWorkflowNotFound
	}

	return nil
}

func (r *DefinitionRepository) queryDefinitions(ctx context.Context, query string, args ...any) ([]*models.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow definitions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	definitions := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		definition, err := r.scanDefinition(rows)
		if err != nil {
			return nil, err
		}

		definitions = append(definitions, definition)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflow definitions: %w", err)
	}

	return definitions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *DefinitionRepository) scanDefinition(row rowScanner) (*models.WorkflowDefinition, error) {
	var (
		definition    models.WorkflowDefinition
		triggerConfig []byte
		steps         []byte
		retryPolicy   []byte
		callbacks     []byte
		lastRun       sql.NullTime
	)

	err := row.Scan(
		&definition.ID,
		&definition.OrganizationID,
		&definition.Name,
		&definition.TriggerType,
		&triggerConfig,
		&steps,
		&retryPolicy,
		&callbacks,
		&definition.IsEnabled,
		&lastRun,
		&definition.CreatedAt,
		&definition.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("failed to scan workflow definition: %w", err)
	}

	if err := json.Unmarshal(triggerConfig, &definition.TriggerConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger config: %w", err)
	}

	if err := json.Unmarshal(steps, &definition.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	if err := json.Unmarshal(retryPolicy, &definition.RetryPolicy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal retry policy: %w", err)
	}

	if err := json.Unmarshal(callbacks, &definition.CompletionCallbacks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal completion callbacks: %w", err)
	}

	if lastRun.Valid {
		at := lastRun.Time
		definition.LastSuccessfulRunAt = &at
	}

	return &definition, nil
}

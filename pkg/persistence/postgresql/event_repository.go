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

	"github.com/quilfort/flowline/pkg/models"
)

// InboundEventRepository handles webhook ingestion records. The unique
// (workflow_id, external_event_id) constraint makes duplicate deliveries
// converge on the first record.
type InboundEventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInboundEventRepository creates a new inbound event repository.
func NewInboundEventRepository(db *sql.DB, logger *slog.Logger) *InboundEventRepository {
	return &InboundEventRepository{db: db, logger: logger}
}

// Upsert inserts the event if unseen and reports whether this call created
// it. On a duplicate delivery the existing record is returned untouched.
func (r *InboundEventRepository) Upsert(ctx context.Context, event *models.InboundEvent) (*models.InboundEvent, bool, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	headers, err := json.Marshal(event.Headers)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal event headers: %w", err)
	}

	insert := `
		INSERT INTO inbound_events (
			id, workflow_id, external_event_id, payload, headers, verified,
			processed, processed_at, error_message, produced_run_id, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (workflow_id, external_event_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, insert,
		event.ID,
		event.WorkflowID,
		event.ExternalEventID,
		payload,
		headers,
		event.Verified,
		event.Processed,
		event.ProcessedAt,
		nullableString(event.ErrorMessage),
		nullableString(event.ProducedRunID),
		event.ReceivedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert inbound event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 1 {
		return event, true, nil
	}

	existing, err := r.getByNaturalKey(ctx, event.WorkflowID, event.ExternalEventID)
	if err != nil {
		return nil, false, err
	}

	return existing, false, nil
}

// Update rewrites a previously inserted event record.
func (r *InboundEventRepository) Update(ctx context.Context, event *models.InboundEvent) error {
	query := `
		UPDATE inbound_events
		SET verified = $1,
			processed = $2,
			processed_at = $3,
			error_message = $4,
			produced_run_id = $5
		WHERE workflow_id = $6 AND external_event_id = $7
	`

	result, err := r.db.ExecContext(ctx, query,
		event.Verified,
		event.Processed,
		event.ProcessedAt,
		nullableString(event.ErrorMessage),
		nullableString(event.ProducedRunID),
		event.WorkflowID,
		event.ExternalEventID,
	)
	if err != nil {
		return fmt.Errorf("failed to update inbound event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("inbound event %s not found", event.ID)
	}

	return nil
}

func (r *InboundEventRepository) getByNaturalKey(ctx context.Context, workflowID, externalEventID string) (*models.InboundEvent, error) {
	query := `
		SELECT
			id
		  , workflow_id
		  , external_event_id
		  , payload
		  , headers
		  , verified
		  , processed
		  , processed_at
		  , error_message
		  , produced_run_id
		  , received_at
		FROM inbound_events
		WHERE workflow_id = $1 AND external_event_id = $2
	`

	var (
		event        models.InboundEvent
		payload      []byte
		headers      []byte
		processedAt  sql.NullTime
		errorMessage sql.NullString
		producedRun  sql.NullString
	)

	err := r.db.QueryRowContext(ctx, query, workflowID, externalEventID).Scan(
		&event.ID,
		&event.WorkflowID,
		&event.ExternalEventID,
		&payload,
		&headers,
		&event.Verified,
		&event.Processed,
		&processedAt,
		&errorMessage,
		&producedRun,
		&event.ReceivedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("inbound event (%s, %s) not found", workflowID, externalEventID)
		}

		return nil, fmt.Errorf("failed to scan inbound event: %w", err)
	}

	if err := json.Unmarshal(payload, &event.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
	}

	if err := json.Unmarshal(headers, &event.Headers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event headers: %w", err)
	}

	if processedAt.Valid {
		at := processedAt.Time
		event.ProcessedAt = &at
	}

	event.ErrorMessage = errorMessage.String
	event.ProducedRunID = producedRun.String

	return &event, nil
}

package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quilfort/flowline/pkg/persistence"
)

// RecordRepository is the idempotent write-back surface for completion
// callbacks. Fields are merged by absolute value, so re-applying the same
// callback converges instead of double-applying.
type RecordRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRecordRepository creates a new business record repository.
func NewRecordRepository(db *sql.DB, logger *slog.Logger) *RecordRepository {
	return &RecordRepository{db: db, logger: logger}
}

// ApplyFields sets fields on a business record, creating it if needed.
func (r *RecordRepository) ApplyFields(ctx context.Context, targetType, targetID string, fields map[string]any) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal record fields: %w", err)
	}

	query := `
		INSERT INTO business_records (target_type, target_id, fields, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (target_type, target_id)
		DO UPDATE SET
			fields = business_records.fields || EXCLUDED.fields,
			updated_at = NOW()
	`

	_, err = r.db.ExecContext(ctx, query, targetType, targetID, payload)
	if err != nil {
		return fmt.Errorf("failed to apply record fields: %w", err)
	}

	return nil
}

// Get returns the current fields of a business record.
func (r *RecordRepository) Get(ctx context.Context, targetType, targetID string) (map[string]any, error) {
	var payload []byte

	err := r.db.QueryRowContext(ctx,
		`SELECT fields FROM business_records WHERE target_type = $1 AND target_id = $2`,
		targetType, targetID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", persistence.ErrRecordNotFound, targetType, targetID)
		}

		return nil, fmt.Errorf("failed to query business record: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record fields: %w", err)
	}

	return fields, nil
}

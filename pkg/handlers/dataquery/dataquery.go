// Package dataquery provides the reserved handler behind data_query steps:
// a read-only lookup of business records.
package dataquery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/persistence"
	"github.com/quilfort/flowline/pkg/registry"
)

var (
	// ErrTargetTypeMissing is returned when the step input has no target_type.
	ErrTargetTypeMissing = errors.New("missing or invalid 'target_type' in input")
	// ErrTargetIDMissing is returned when the step input has no target_id.
	ErrTargetIDMissing = errors.New("missing or invalid 'target_id' in input")
)

// Handler resolves data_query steps against the record store. A missing
// record is not a failure: the step output carries found=false so condition
// steps can branch on it.
type Handler struct {
	logger  *slog.Logger
	records persistence.RecordStore
}

func NewHandler(logger *slog.Logger, records persistence.RecordStore) *Handler {
	return &Handler{
		logger:  logger.With("module", "data_query_handler"),
		records: records,
	}
}

func (h *Handler) Execute(ctx context.Context, input registry.HandlerInput) (map[string]any, error) {
	targetType, ok := input.Input["target_type"].(string)
	if !ok || targetType == "" {
		return nil, models.NewHandlerError(models.DataQueryActionKey, false, ErrTargetTypeMissing)
	}

	targetID, ok := input.Input["target_id"].(string)
	if !ok || targetID == "" {
		return nil, models.NewHandlerError(models.DataQueryActionKey, false, ErrTargetIDMissing)
	}

	record, err := h.records.Record(ctx, targetType, targetID)
	if err != nil {
		if errors.Is(err, persistence.ErrRecordNotFound) {
			return map[string]any{"found": false, "record": map[string]any{}}, nil
		}

		return nil, models.NewHandlerError(models.DataQueryActionKey, true,
			fmt.Errorf("record lookup failed: %w", err))
	}

	h.logger.DebugContext(ctx, "Record resolved", "target_type", targetType, "target_id", targetID)

	return map[string]any{"found": true, "record": record}, nil
}

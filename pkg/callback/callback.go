// Package callback writes slices of a succeeded run's context back into
// business records.
package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/expr-lang/expr"

	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/persistence"
	"github.com/quilfort/flowline/pkg/template"
)

// Writer applies completion callbacks. Field writes go through the record
// store's absolute-value upsert, so re-applying a callback after a crash
// converges on the same record state instead of double-applying.
type Writer struct {
	logger  *slog.Logger
	records persistence.RecordStore
}

func NewWriter(logger *slog.Logger, records persistence.RecordStore) *Writer {
	return &Writer{
		logger:  logger.With("module", "callback"),
		records: records,
	}
}

// Apply executes every completion callback of the definition against the
// run's final context. Callbacks run independently: one failing does not
// stop the others. The returned error aggregates the failures; the run's
// own outcome is never affected by it.
func (w *Writer) Apply(ctx context.Context, definition *models.WorkflowDefinition, run *models.WorkflowRun) error {
	var failures []error

	for _, cb := range definition.CompletionCallbacks {
		if err := w.applyOne(ctx, cb, run); err != nil {
			w.logger.ErrorContext(ctx, "Completion callback failed",
				"run_id", run.ID, "target_type", cb.TargetType, "error", err)

			failures = append(failures, err)

			continue
		}

		w.logger.InfoContext(ctx, "Completion callback applied",
			"run_id", run.ID, "target_type", cb.TargetType)
	}

	return errors.Join(failures...)
}

func (w *Writer) applyOne(ctx context.Context, cb models.CompletionCallback, run *models.WorkflowRun) error {
	targetID, err := w.resolveTargetID(cb.TargetIDExpression, run.Context)
	if err != nil {
		return &models.CallbackError{TargetType: cb.TargetType, Err: err}
	}

	fields, err := template.Resolve(cb.FieldMappings, run.Context)
	if err != nil {
		return &models.CallbackError{TargetType: cb.TargetType, TargetID: targetID, Err: err}
	}

	if err := w.records.ApplyRecordFields(ctx, cb.TargetType, targetID, fields); err != nil {
		return &models.CallbackError{TargetType: cb.TargetType, TargetID: targetID, Err: err}
	}

	return nil
}

func (w *Writer) resolveTargetID(expression string, runContext map[string]any) (string, error) {
	value, err := expr.Eval(expression, runContext)
	if err != nil {
		return "", fmt.Errorf("target id expression failed: %w", err)
	}

	targetID := fmt.Sprintf("%v", value)
	if value == nil || targetID == "" {
		return "", fmt.Errorf("target id expression %q produced no identifier", expression)
	}

	return targetID, nil
}

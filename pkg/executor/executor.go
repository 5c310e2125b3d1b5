// Package executor runs claimed workflow runs step by step, checkpointing
// after every step so a crashed worker never re-runs completed work.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/expr-lang/expr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quilfort/flowline/pkg/callback"
	"github.com/quilfort/flowline/pkg/eventbus"
	"github.com/quilfort/flowline/pkg/events"
	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/persistence"
	"github.com/quilfort/flowline/pkg/registry"
	"github.com/quilfort/flowline/pkg/retry"
	"github.com/quilfort/flowline/pkg/template"
	"github.com/quilfort/flowline/pkg/tracer"
)

// Executor interprets workflow runs. A run is claimed through a versioned
// compare-and-swap, so at most one executor drives a given run at a time;
// every subsequent checkpoint re-validates the version, and a conflict stops
// the pass without scheduling further steps.
type Executor struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	retries     *retry.Controller
	callbacks   *callback.Writer
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
	workerID    string
	model       registry.ModelConfig
}

func NewExecutor(
	logger *slog.Logger,
	p persistence.Persistence,
	reg *registry.Registry,
	retries *retry.Controller,
	callbacks *callback.Writer,
	publisher eventbus.EventPublisher,
	tr trace.Tracer,
	workerID string,
	model registry.ModelConfig,
) *Executor {
	return &Executor{
		logger:      logger.With("module", "executor", "worker_id", workerID),
		persistence: p,
		registry:    reg,
		retries:     retries,
		callbacks:   callbacks,
		publisher:   publisher,
		tracer:      tr,
		workerID:    workerID,
		model:       model,
	}
}

// ExecuteRun claims the run and drives it forward until it suspends,
// finishes or fails. Losing the claim to another worker is not an error.
func (e *Executor) ExecuteRun(ctx context.Context, runID string) error {
	run, err := e.persistence.ClaimRun(ctx, runID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, models.ErrRunConflict) {
			e.logger.DebugContext(ctx, "Run already claimed", "run_id", runID)

			return nil
		}

		return fmt.Errorf("failed to claim run %s: %w", runID, err)
	}

	ctx, span := tracer.StartSpan(ctx, e.tracer, "executor.execute_run",
		attribute.String(tracer.RunIDKey, run.ID),
		attribute.String(tracer.WorkflowIDKey, run.WorkflowID),
		attribute.String(tracer.OrganizationIDKey, run.OrganizationID),
		attribute.String(tracer.WorkerIDKey, e.workerID),
	)
	defer span.End()

	var passErr error

	definition, err := e.persistence.WorkflowDefinitionByID(ctx, run.WorkflowID)
	if err != nil {
		tracer.SetError(span, err)

		passErr = e.failRun(ctx, run, "", fmt.Errorf("workflow definition unavailable: %w", err))
	} else {
		passErr = e.advance(ctx, definition, run)
	}

	// Losing a checkpoint mid-pass means another writer (a cancellation,
	// typically) owns the run now. The pass already stopped; nothing to
	// surface.
	if errors.Is(passErr, models.ErrRunConflict) {
		return nil
	}

	return passErr
}

// advance walks the run's remaining steps in order. Each completed step is
// checkpointed before the next one starts.
func (e *Executor) advance(ctx context.Context, definition *models.WorkflowDefinition, run *models.WorkflowRun) error {
	steps := definition.OrderedSteps()

	for run.CurrentStepIndex < len(steps) {
		step := steps[run.CurrentStepIndex]

		done, err := e.executeStep(ctx, definition, run, step)
		if err != nil || done {
			return err
		}
	}

	return e.succeedRun(ctx, definition, run)
}

// executeStep runs one step. done reports that this pass is over: the run
// suspended or reached a terminal state.
func (e *Executor) executeStep(ctx context.Context, definition *models.WorkflowDefinition, run *models.WorkflowRun, step models.StepDefinition) (bool, error) {
	ctx, span := tracer.StartSpan(ctx, e.tracer, "executor.execute_step",
		attribute.String(tracer.RunIDKey, run.ID),
		attribute.String(tracer.StepIDKey, step.ID),
		attribute.String(tracer.StepKindKey, string(step.Kind)),
	)
	defer span.End()

	e.logger.InfoContext(ctx, "Executing step",
		"run_id", run.ID, "step_id", step.ID, "kind", step.Kind, "attempt", run.AttemptCount)

	started := time.Now().UTC()

	switch step.Kind {
	case models.StepKindCondition:
		return e.executeCondition(ctx, definition, run, step, started)
	case models.StepKindWait:
		return true, e.suspendRun(ctx, run, step, started, time.Now().UTC().Add(step.WaitFor), "wait step", false)
	case models.StepKindAction, models.StepKindDataQuery:
		output, err := e.invokeHandler(ctx, definition, run, step)
		if err != nil {
			tracer.SetError(span, err)

			return true, e.handleStepFailure(ctx, definition, run, step, started, err)
		}

		if err := run.RecordOutput(step.ID, output); err != nil {
			return true, e.failRun(ctx, run, step.ID, err)
		}

		e.recordHistory(run, step, started, "succeeded", "")
		run.CurrentStepIndex++
		run.AttemptCount = 0
		run.LastError = ""

		return false, e.checkpoint(ctx, run)
	default:
		return true, e.failRun(ctx, run, step.ID, fmt.Errorf("unknown step kind %q", step.Kind))
	}
}

// executeCondition evaluates the step's expression against the run context.
// True advances. False jumps to the skip-to step when one is configured and
// otherwise short-circuits the run to succeeded.
func (e *Executor) executeCondition(ctx context.Context, definition *models.WorkflowDefinition, run *models.WorkflowRun, step models.StepDefinition, started time.Time) (bool, error) {
	value, err := expr.Eval(step.Condition, run.Context)
	if err != nil {
		evalErr := fmt.Errorf("%w: condition %q: %v", models.ErrTemplateError, step.Condition, err)
		e.recordHistory(run, step, started, "failed", evalErr.Error())

		return true, e.failRun(ctx, run, step.ID, evalErr)
	}

	pass, ok := value.(bool)
	if !ok {
		evalErr := fmt.Errorf("%w: condition %q produced %T, want bool", models.ErrTemplateError, step.Condition, value)
		e.recordHistory(run, step, started, "failed", evalErr.Error())

		return true, e.failRun(ctx, run, step.ID, evalErr)
	}

	e.recordHistory(run, step, started, "succeeded", "")
	run.AttemptCount = 0

	if pass {
		run.CurrentStepIndex++

		return false, e.checkpoint(ctx, run)
	}

	if step.SkipTo != "" {
		steps := definition.OrderedSteps()
		for index, candidate := range steps {
			if candidate.ID == step.SkipTo {
				run.CurrentStepIndex = index

				return false, e.checkpoint(ctx, run)
			}
		}

		return true, e.failRun(ctx, run, step.ID, fmt.Errorf("skip-to step %q not found", step.SkipTo))
	}

	// A false condition without a skip target short-circuits the run.
	e.logger.InfoContext(ctx, "Condition false, short-circuiting run",
		"run_id", run.ID, "step_id", step.ID)

	return true, e.succeedRun(ctx, definition, run)
}

// invokeHandler resolves the step's input template and calls the registered
// handler. Data query steps route through the reserved data query handler.
func (e *Executor) invokeHandler(ctx context.Context, definition *models.WorkflowDefinition, run *models.WorkflowRun, step models.StepDefinition) (map[string]any, error) {
	actionKey := step.ActionKey
	if step.Kind == models.StepKindDataQuery {
		actionKey = models.DataQueryActionKey
	}

	input, err := template.Resolve(step.InputTemplate, run.Context)
	if err != nil {
		return nil, fmt.Errorf("%w: step %s: %v", models.ErrTemplateError, step.ID, err)
	}

	handler, err := e.registry.Handler(actionKey)
	if err != nil {
		return nil, err
	}

	return handler.Execute(ctx, registry.HandlerInput{
		OrganizationID: definition.OrganizationID,
		ActionKey:      actionKey,
		Input:          input,
		Model:          e.model,
	})
}

// handleStepFailure consults the retry controller and either suspends the
// run for a backoff or fails it permanently. Template errors never retry.
func (e *Executor) handleStepFailure(ctx context.Context, definition *models.WorkflowDefinition, run *models.WorkflowRun, step models.StepDefinition, started time.Time, stepErr error) error {
	e.recordHistory(run, step, started, "failed", stepErr.Error())

	if errors.Is(stepErr, models.ErrTemplateError) {
		return e.failRun(ctx, run, step.ID, stepErr)
	}

	decision := e.retries.OnStepFailure(stepErr, run.AttemptCount, definition.RetryPolicy)

	if decision.Kind == retry.DecisionPermanentFailure {
		if decision.Exhausted {
			stepErr = fmt.Errorf("%w: %v", models.ErrRetryExhausted, stepErr)
		}

		return e.failRun(ctx, run, step.ID, stepErr)
	}

	run.AttemptCount++

	return e.suspendRun(ctx, run, step, started, time.Now().UTC().Add(decision.Delay), stepErr.Error(), true)
}

// suspendRun parks the run in waiting_retry until at. For wait steps the
// step is complete, so the index advances and the attempt counter stays
// untouched; for retries the index stays on the failed step.
func (e *Executor) suspendRun(ctx context.Context, run *models.WorkflowRun, step models.StepDefinition, started time.Time, at time.Time, reason string, isRetry bool) error {
	if !isRetry {
		e.recordHistory(run, step, started, "waiting", "")
		run.CurrentStepIndex++
	} else {
		run.LastError = reason
	}

	run.Status = models.RunStatusWaitingRetry
	run.NextRetryAt = &at

	if err := e.checkpoint(ctx, run); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "Run suspended",
		"run_id", run.ID, "step_id", step.ID, "next_retry_at", at, "retry", isRetry)

	baseEvent := events.NewBaseEvent(events.RunSuspendedEvent, run.WorkflowID, run.ID)
	baseEvent.OrganizationID = run.OrganizationID
	baseEvent.WorkerID = e.workerID

	e.publish(ctx, run, events.RunSuspended{
		BaseEvent:   baseEvent,
		NextRetryAt: at,
		Reason:      reason,
	})

	return nil
}

// succeedRun finalizes a run whose steps all completed: callbacks fire,
// the definition's last successful run timestamp moves forward, and the
// terminal state is persisted.
func (e *Executor) succeedRun(ctx context.Context, definition *models.WorkflowDefinition, run *models.WorkflowRun) error {
	now := time.Now().UTC()
	run.Status = models.RunStatusSucceeded
	run.CompletedAt = &now
	run.NextRetryAt = nil
	run.LastError = ""

	if err := e.callbacks.Apply(ctx, definition, run); err != nil {
		// The run stays succeeded; the write-back failure is kept apart so
		// operators can re-apply callbacks.
		run.CallbackError = err.Error()
	}

	if err := e.checkpoint(ctx, run); err != nil {
		return err
	}

	if err := e.persistence.TouchLastSuccessfulRun(ctx, definition.ID, now); err != nil {
		e.logger.ErrorContext(ctx, "Failed to update last successful run",
			"workflow_id", definition.ID, "error", err)
	}

	e.logger.InfoContext(ctx, "Run succeeded",
		"run_id", run.ID, "workflow_id", run.WorkflowID, "duration", now.Sub(run.StartedAt))

	baseEvent := events.NewBaseEvent(events.RunSucceededEvent, run.WorkflowID, run.ID)
	baseEvent.OrganizationID = run.OrganizationID
	baseEvent.WorkerID = e.workerID

	e.publish(ctx, run, events.RunSucceeded{
		BaseEvent: baseEvent,
		Duration:  now.Sub(run.StartedAt),
	})

	return nil
}

func (e *Executor) failRun(ctx context.Context, run *models.WorkflowRun, stepID string, runErr error) error {
	now := time.Now().UTC()
	run.Status = models.RunStatusFailed
	run.CompletedAt = &now
	run.NextRetryAt = nil
	run.LastError = runErr.Error()

	if err := e.checkpoint(ctx, run); err != nil {
		return err
	}

	e.logger.ErrorContext(ctx, "Run failed",
		"run_id", run.ID, "workflow_id", run.WorkflowID, "step_id", stepID, "error", runErr)

	baseEvent := events.NewBaseEvent(events.RunFailedEvent, run.WorkflowID, run.ID)
	baseEvent.OrganizationID = run.OrganizationID
	baseEvent.WorkerID = e.workerID

	e.publish(ctx, run, events.RunFailed{
		BaseEvent: baseEvent,
		Error:     runErr.Error(),
		StepID:    stepID,
		Duration:  now.Sub(run.StartedAt),
	})

	return nil
}

// checkpoint persists the run with its version check and renews the claim
// lease while the run keeps running. A version conflict means another writer
// (a cancellation, typically) took the run over; it surfaces as
// ErrRunConflict so callers end the pass without scheduling further steps
// or applying callbacks.
func (e *Executor) checkpoint(ctx context.Context, run *models.WorkflowRun) error {
	if run.Status == models.RunStatusRunning {
		now := time.Now().UTC()
		run.ClaimedAt = &now
	} else {
		run.ClaimedAt = nil
	}

	err := e.persistence.UpdateRun(ctx, run)
	if err == nil {
		return nil
	}

	if persistence.IsVersionConflict(err) {
		e.logger.WarnContext(ctx, "Run checkpoint lost to concurrent writer",
			"run_id", run.ID, "version", run.Version)

		return fmt.Errorf("run %s: %w", run.ID, models.ErrRunConflict)
	}

	return fmt.Errorf("failed to checkpoint run %s: %w", run.ID, err)
}

func (e *Executor) recordHistory(run *models.WorkflowRun, step models.StepDefinition, started time.Time, status, errMessage string) {
	run.History = append(run.History, models.StepHistoryEntry{
		StepID:     step.ID,
		Kind:       step.Kind,
		Attempt:    run.AttemptCount,
		Status:     status,
		Error:      errMessage,
		Duration:   time.Since(started),
		RecordedAt: time.Now().UTC(),
	})
}

func (e *Executor) publish(ctx context.Context, run *models.WorkflowRun, event eventbus.Event) {
	if err := e.publisher.Publish(ctx, run.WorkflowID, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish run event",
			"run_id", run.ID, "event_type", event.GetType(), "error", err)
	}
}

// CancelRun force-fails a run that has not reached a terminal state. An
// in-flight handler call completes, but its checkpoint loses the version
// race and no further steps are scheduled.
func (e *Executor) CancelRun(ctx context.Context, runID, reason string) error {
	run, err := e.persistence.RunByID(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s is already %s", runID, run.Status)
	}

	now := time.Now().UTC()
	run.Status = models.RunStatusFailed
	run.CompletedAt = &now
	run.NextRetryAt = nil
	run.ClaimedAt = nil
	run.LastError = "cancelled: " + reason

	if err := e.persistence.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to cancel run %s: %w", runID, err)
	}

	e.logger.InfoContext(ctx, "Run cancelled", "run_id", runID, "reason", reason)

	baseEvent := events.NewBaseEvent(events.RunFailedEvent, run.WorkflowID, run.ID)
	baseEvent.OrganizationID = run.OrganizationID

	e.publish(ctx, run, events.RunFailed{
		BaseEvent: baseEvent,
		Error:     run.LastError,
		Duration:  now.Sub(run.StartedAt),
	})

	return nil
}

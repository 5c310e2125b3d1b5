package models

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a workflow run. Transitions are
// monotonic: a terminal run never leaves its terminal state.
type RunStatus string

const (
	RunStatusPending      RunStatus = "pending"
	RunStatusRunning      RunStatus = "running"
	RunStatusWaitingRetry RunStatus = "waiting_retry"
	RunStatusSucceeded    RunStatus = "succeeded"
	RunStatusFailed       RunStatus = "failed"
)

// IsTerminal reports whether the status is succeeded or failed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// CanTransitionTo reports whether the state machine allows moving from s to
// next.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusFailed
	case RunStatusRunning:
		return next == RunStatusSucceeded || next == RunStatusWaitingRetry || next == RunStatusFailed
	case RunStatusWaitingRetry:
		return next == RunStatusRunning || next == RunStatusFailed
	default:
		return false
	}
}

// StepHistoryEntry records one attempt at one step, for operator inspection.
type StepHistoryEntry struct {
	StepID     string        `json:"step_id"`
	Kind       StepKind      `json:"kind"`
	Attempt    int           `json:"attempt"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// WorkflowRun is one execution instance of a workflow definition. The context
// is append-only: once a step's output is recorded, the step is never re-run,
// even across retries. Runs are never deleted by the engine.
type WorkflowRun struct {
	ID             string `json:"id"`
	WorkflowID     string `json:"workflow_id"`
	OrganizationID string `json:"organization_id"`

	// TriggerSource identifies the triggering occurrence: a webhook event id,
	// a schedule occurrence timestamp (RFC 3339), or a manual invoker id.
	TriggerSource string `json:"trigger_source"`

	Status           RunStatus `json:"status"`
	CurrentStepIndex int       `json:"current_step_index"`

	// Context maps step id to that step's recorded output, plus the reserved
	// "trigger" entry holding the triggering payload.
	Context map[string]any `json:"context"`

	AttemptCount int        `json:"attempt_count"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`

	// ClaimedAt is the worker's claim lease, renewed at every checkpoint. A
	// running run whose lease lapses was abandoned by a dead worker and may
	// be reclaimed.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	History []StepHistoryEntry `json:"history,omitempty"`

	// Version guards concurrent writers: every store update compares and
	// increments it, so a retry-due pickup and a manual re-trigger cannot
	// both transition the same run.
	Version int `json:"version"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	LastError     string `json:"last_error,omitempty"`
	CallbackError string `json:"callback_error,omitempty"`
}

// NewWorkflowRun creates a pending run with the triggering payload recorded
// under the reserved trigger context key.
func NewWorkflowRun(id string, definition *WorkflowDefinition, triggerSource string, payload map[string]any) *WorkflowRun {
	runContext := map[string]any{}
	if payload != nil {
		runContext["trigger"] = payload
	}

	return &WorkflowRun{
		ID:             id,
		WorkflowID:     definition.ID,
		OrganizationID: definition.OrganizationID,
		TriggerSource:  triggerSource,
		Status:         RunStatusPending,
		Context:        runContext,
		StartedAt:      time.Now().UTC(),
	}
}

// RecordOutput appends a step output to the run context. Outputs are
// immutable once written.
func (r *WorkflowRun) RecordOutput(stepID string, output map[string]any) error {
	if _, exists := r.Context[stepID]; exists {
		return fmt.Errorf("output for step %q already recorded", stepID)
	}

	if r.Context == nil {
		r.Context = map[string]any{}
	}

	r.Context[stepID] = output

	return nil
}

// TriggerPayload returns the triggering payload from the reserved context
// entry.
func (r *WorkflowRun) TriggerPayload() map[string]any {
	payload, _ := r.Context["trigger"].(map[string]any)

	return payload
}

// ClaimExpired reports whether a running run's claim lease has lapsed: its
// worker died without checkpointing a waiting or terminal state, so the run
// must be offered for reclaim.
func (r *WorkflowRun) ClaimExpired(now time.Time, lease time.Duration) bool {
	if r.Status != RunStatusRunning {
		return false
	}

	return r.ClaimedAt == nil || !r.ClaimedAt.Add(lease).After(now)
}

// IsDue reports whether a pending or waiting run is runnable at now.
func (r *WorkflowRun) IsDue(now time.Time) bool {
	switch r.Status {
	case RunStatusPending:
		return true
	case RunStatusWaitingRetry:
		return r.NextRetryAt == nil || !r.NextRetryAt.After(now)
	default:
		return false
	}
}

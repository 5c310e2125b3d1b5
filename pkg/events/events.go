// Package events defines event types for run lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies one run lifecycle event.
type EventType string

// Topic is the event bus topic carrying run lifecycle events.
const Topic = "flowline.runs"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// RunCreatedEvent announces a freshly created pending run. Executor
	// workers react to it for low-latency pickup; the due-run scan is the
	// durable fallback.
	RunCreatedEvent EventType = "run.created"

	// RunSucceededEvent announces terminal success.
	RunSucceededEvent EventType = "run.succeeded"

	// RunFailedEvent announces terminal failure.
	RunFailedEvent EventType = "run.failed"

	// RunSuspendedEvent announces a run entering waiting_retry.
	RunSuspendedEvent EventType = "run.suspended"
)

// BaseEvent carries the fields common to all run lifecycle events.
type BaseEvent struct {
	ID             string      `json:"id"`
	Type           EventType   `json:"type"`
	Timestamp      time.Time   `json:"timestamp"`
	WorkflowID     string      `json:"workflow_id"`
	RunID          string      `json:"run_id"`
	OrganizationID string      `json:"organization_id,omitempty"`
	WorkerID       string      `json:"worker_id,omitempty"`
}

// NewBaseEvent creates the common event envelope.
func NewBaseEvent(eventType EventType, workflowID, runID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		RunID:      runID,
	}
}

// RunCreated is published when a dispatcher, the schedule runner or a manual
// trigger creates a run.
type RunCreated struct {
	BaseEvent

	TriggerSource string `json:"trigger_source"`
}

func (e RunCreated) GetType() EventType {
	return RunCreatedEvent
}

// RunSucceeded is published after a run reaches succeeded.
type RunSucceeded struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
}

func (e RunSucceeded) GetType() EventType {
	return RunSucceededEvent
}

// RunFailed is published after a run reaches failed.
type RunFailed struct {
	BaseEvent

	Error    string        `json:"error"`
	StepID   string        `json:"step_id,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

// RunSuspended is published when a run enters waiting_retry, either from a
// retry backoff or a wait step.
type RunSuspended struct {
	BaseEvent

	NextRetryAt time.Time `json:"next_retry_at"`
	Reason      string    `json:"reason"`
}

func (e RunSuspended) GetType() EventType {
	return RunSuspendedEvent
}

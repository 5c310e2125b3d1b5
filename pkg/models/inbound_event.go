package models

import "time"

// InboundEvent is the ingestion record for one webhook delivery. The pair
// (WorkflowID, ExternalEventID) is unique, so a duplicate delivery of the
// same external event can never create a second run.
type InboundEvent struct {
	ID              string            `json:"id"`
	WorkflowID      string            `json:"workflow_id"`
	ExternalEventID string            `json:"external_event_id"`
	Payload         map[string]any    `json:"payload"`
	Headers         map[string]string `json:"headers,omitempty"`
	Verified        bool              `json:"verified"`
	Processed       bool              `json:"processed"`
	ProcessedAt     *time.Time        `json:"processed_at,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	ProducedRunID   string            `json:"produced_run_id,omitempty"`
	ReceivedAt      time.Time         `json:"received_at"`
}

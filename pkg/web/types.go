package web

import (
	"github.com/quilfort/flowline/pkg/models"
)

// CreateWorkflowRequest is the payload for POST /workflows.
type CreateWorkflowRequest struct {
	ID                  string                      `json:"id,omitempty"`
	OrganizationID      string                      `json:"organization_id"      validate:"required"`
	Name                string                      `json:"name"                 validate:"required,min=3"`
	TriggerType         models.TriggerType          `json:"trigger_type"         validate:"required,oneof=webhook schedule manual"`
	TriggerConfig       models.TriggerConfig        `json:"trigger_config"`
	Steps               []models.StepDefinition     `json:"steps"                validate:"required,min=1,dive"`
	RetryPolicy         *models.RetryPolicy         `json:"retry_policy,omitempty"`
	CompletionCallbacks []models.CompletionCallback `json:"completion_callbacks,omitempty" validate:"dive"`
	IsEnabled           *bool                       `json:"is_enabled,omitempty"`
}

// ManualTriggerRequest is the payload for POST /workflows/:id/trigger.
type ManualTriggerRequest struct {
	InvokerID string         `json:"invoker_id" validate:"required"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// SetEnabledRequest is the payload for PATCH /workflows/:id/enabled.
type SetEnabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// CancelRunRequest is the payload for POST /runs/:id/cancel.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TriggerResponse acknowledges an accepted trigger.
type TriggerResponse struct {
	RunID     string `json:"run_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quilfort/flowline/pkg/template"
)

// TriggerType identifies how a workflow's runs are created.
type TriggerType string

const (
	TriggerTypeWebhook  TriggerType = "webhook"
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypeManual   TriggerType = "manual"
)

// WebhookTriggerConfig configures a webhook-triggered workflow.
type WebhookTriggerConfig struct {
	// TriggerKey is the organization-scoped key in the ingress URL.
	TriggerKey string `json:"trigger_key" validate:"required"`

	// Secret signs inbound payloads (HMAC-SHA256, hex in the signature header).
	Secret string `json:"secret" validate:"required"`

	// PayloadSchema optionally validates the inbound payload (JSON Schema).
	PayloadSchema map[string]any `json:"payload_schema,omitempty"`
}

// ScheduleTriggerConfig configures a schedule-triggered workflow.
type ScheduleTriggerConfig struct {
	// CronExpression uses the standard 5-field format
	// (minute hour day month weekday).
	CronExpression string `json:"cron_expression" validate:"required"`
}

// TriggerConfig holds exactly the variant matching the definition's
// trigger type. Manual workflows carry no trigger configuration.
type TriggerConfig struct {
	Webhook  *WebhookTriggerConfig  `json:"webhook,omitempty"`
	Schedule *ScheduleTriggerConfig `json:"schedule,omitempty"`
}

// RetryPolicy controls per-step retry behavior for transient failures.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"       validate:"gte=1"`
	BaseDelay         time.Duration `json:"base_delay"         validate:"gt=0"`
	BackoffMultiplier float64       `json:"backoff_multiplier" validate:"gte=1"`
	MaxDelay          time.Duration `json:"max_delay"          validate:"gt=0"`
}

// DefaultRetryPolicy applies when a definition does not configure retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          time.Minute,
	}
}

// CompletionCallback writes a slice of a succeeded run's context back into a
// business record.
type CompletionCallback struct {
	// TargetType names the business record collection (e.g. "ticket").
	TargetType string `json:"target_type" validate:"required"`

	// TargetIDExpression is an expr-language expression evaluated against
	// the run's final context, producing the target record identifier.
	TargetIDExpression string `json:"target_id_expression" validate:"required"`

	// FieldMappings maps target field names to literals or
	// {{stepID.field}} references into the final context.
	FieldMappings map[string]any `json:"field_mappings" validate:"required"`
}

// WorkflowDefinition is one automation owned by an organization. The engine
// treats it as read-only at run time except for LastSuccessfulRunAt.
type WorkflowDefinition struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organization_id" validate:"required"`
	Name           string      `json:"name"            validate:"required,min=3"`
	TriggerType    TriggerType `json:"trigger_type"    validate:"required,oneof=webhook schedule manual"`

	TriggerConfig TriggerConfig `json:"trigger_config"`

	Steps []StepDefinition `json:"steps" validate:"required,min=1,dive"`

	RetryPolicy RetryPolicy `json:"retry_policy"`

	CompletionCallbacks []CompletionCallback `json:"completion_callbacks,omitempty" validate:"dive"`

	IsEnabled           bool       `json:"is_enabled"`
	LastSuccessfulRunAt *time.Time `json:"last_successful_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WebhookConfig returns the webhook trigger configuration, or nil for
// non-webhook workflows.
func (w *WorkflowDefinition) WebhookConfig() *WebhookTriggerConfig {
	return w.TriggerConfig.Webhook
}

// ScheduleConfig returns the schedule trigger configuration, or nil for
// non-schedule workflows.
func (w *WorkflowDefinition) ScheduleConfig() *ScheduleTriggerConfig {
	return w.TriggerConfig.Schedule
}

// StepByID returns the step with the given ID.
func (w *WorkflowDefinition) StepByID(stepID string) (StepDefinition, bool) {
	for _, step := range w.Steps {
		if step.ID == stepID {
			return step, true
		}
	}

	return StepDefinition{}, false
}

// OrderedSteps returns the steps sorted by ascending order.
func (w *WorkflowDefinition) OrderedSteps() []StepDefinition {
	steps := make([]StepDefinition, len(w.Steps))
	copy(steps, w.Steps)

	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	return steps
}

// Validate performs the semantic checks that struct tags cannot express:
// trigger config shape must match trigger type, step orders must be unique,
// cron expressions must parse, and every template reference must name a step
// with a strictly smaller order. Violations are definition defects and are
// rejected before any run exists.
func (w *WorkflowDefinition) Validate() error {
	if err := w.validateTriggerConfig(); err != nil {
		return err
	}

	if err := w.validateSteps(); err != nil {
		return err
	}

	for i, cb := range w.CompletionCallbacks {
		for _, ref := range template.CollectReferences(cb.FieldMappings) {
			if ref.StepID == template.TriggerKey {
				continue
			}

			if _, ok := w.StepByID(ref.StepID); !ok {
				return fmt.Errorf("%w: callback %d references unknown step %q", ErrInvalidDefinition, i, ref.StepID)
			}
		}
	}

	return nil
}

func (w *WorkflowDefinition) validateTriggerConfig() error {
	switch w.TriggerType {
	case TriggerTypeWebhook:
		if w.TriggerConfig.Webhook == nil || w.TriggerConfig.Schedule != nil {
			return fmt.Errorf("%w: webhook workflow requires exactly a webhook trigger config", ErrInvalidDefinition)
		}

		if w.TriggerConfig.Webhook.TriggerKey == "" || w.TriggerConfig.Webhook.Secret == "" {
			return fmt.Errorf("%w: webhook trigger config requires trigger_key and secret", ErrInvalidDefinition)
		}
	case TriggerTypeSchedule:
		if w.TriggerConfig.Schedule == nil || w.TriggerConfig.Webhook != nil {
			return fmt.Errorf("%w: schedule workflow requires exactly a schedule trigger config", ErrInvalidDefinition)
		}

		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(w.TriggerConfig.Schedule.CronExpression); err != nil {
			return fmt.Errorf("%w: invalid cron expression %q: %w",
				ErrInvalidDefinition, w.TriggerConfig.Schedule.CronExpression, err)
		}
	case TriggerTypeManual:
		if w.TriggerConfig.Webhook != nil || w.TriggerConfig.Schedule != nil {
			return fmt.Errorf("%w: manual workflow must not carry a trigger config", ErrInvalidDefinition)
		}
	default:
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidDefinition, w.TriggerType)
	}

	return nil
}

func (w *WorkflowDefinition) validateSteps() error {
	orderByID := make(map[string]int, len(w.Steps))
	seenOrders := make(map[int]string, len(w.Steps))

	for _, step := range w.Steps {
		if prev, dup := seenOrders[step.Order]; dup {
			return fmt.Errorf("%w: steps %q and %q share order %d", ErrInvalidDefinition, prev, step.ID, step.Order)
		}

		seenOrders[step.Order] = step.ID
		orderByID[step.ID] = step.Order
	}

	for _, step := range w.Steps {
		switch step.Kind {
		case StepKindAction:
			if step.ActionKey == "" {
				return fmt.Errorf("%w: action step %q requires an action key", ErrInvalidDefinition, step.ID)
			}
		case StepKindCondition:
			if step.Condition == "" {
				return fmt.Errorf("%w: condition step %q requires an expression", ErrInvalidDefinition, step.ID)
			}

			if step.SkipTo != "" {
				target, ok := orderByID[step.SkipTo]
				if !ok {
					return fmt.Errorf("%w: step %q skips to unknown step %q", ErrInvalidDefinition, step.ID, step.SkipTo)
				}

				if target <= step.Order {
					return fmt.Errorf("%w: step %q skip target %q must come later", ErrInvalidDefinition, step.ID, step.SkipTo)
				}
			}
		case StepKindWait:
			if step.WaitFor <= 0 {
				return fmt.Errorf("%w: wait step %q requires a positive duration", ErrInvalidDefinition, step.ID)
			}
		case StepKindDataQuery:
		default:
			return fmt.Errorf("%w: step %q has unknown kind %q", ErrInvalidDefinition, step.ID, step.Kind)
		}

		// Template references may only point backwards. This rules out
		// forward and self references, so reference cycles cannot exist.
		for _, ref := range template.CollectReferences(step.InputTemplate) {
			if ref.StepID == template.TriggerKey {
				continue
			}

			refOrder, ok := orderByID[ref.StepID]
			if !ok {
				return fmt.Errorf("%w: step %q references unknown step %q", ErrInvalidDefinition, step.ID, ref.StepID)
			}

			if refOrder >= step.Order {
				return fmt.Errorf("%w: step %q references step %q which does not precede it",
					ErrInvalidDefinition, step.ID, ref.StepID)
			}
		}
	}

	return nil
}

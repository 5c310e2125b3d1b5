package models

import "time"

// StepKind identifies the interpreter instruction a step executes.
type StepKind string

const (
	// StepKindAction invokes a registered action handler.
	StepKindAction StepKind = "action"

	// StepKindDataQuery performs a read-only lookup through the reserved
	// data-query handler. Retry semantics are identical to an action.
	StepKindDataQuery StepKind = "data_query"

	// StepKindCondition evaluates a boolean expression against the run
	// context. A false result short-circuits the run to succeeded, or jumps
	// to the configured skip-to step.
	StepKindCondition StepKind = "condition"

	// StepKindWait suspends the run for a configured duration. A wait is not
	// a failure and does not touch the step attempt counter.
	StepKindWait StepKind = "wait"
)

// DataQueryActionKey is the reserved handler key used for data_query steps.
const DataQueryActionKey = "data_query"

// StepDefinition is one ordered instruction within a workflow definition.
type StepDefinition struct {
	ID    string   `json:"id"    validate:"required,lowercase,alphanum"`
	Order int      `json:"order" validate:"gte=0"`
	Kind  StepKind `json:"kind"  validate:"required,oneof=action data_query condition wait"`

	// ActionKey selects the registered handler. Required for action steps;
	// data_query steps always use the reserved data-query handler.
	ActionKey string `json:"action_key,omitempty"`

	// InputTemplate maps handler parameter names to literals or
	// {{stepID.field}} references into earlier step outputs.
	InputTemplate map[string]any `json:"input_template,omitempty"`

	// Condition is a boolean expr-language expression, evaluated against the
	// run context. Only meaningful for condition steps.
	Condition string `json:"condition,omitempty"`

	// SkipTo names the step a false condition jumps to. Empty means a false
	// condition ends the run as succeeded.
	SkipTo string `json:"skip_to,omitempty"`

	// WaitFor is the suspension duration for wait steps.
	WaitFor time.Duration `json:"wait_for,omitempty"`
}

// Package models defines the core domain models for the workflow automation engine.
package models

import (
	"errors"
	"fmt"
)

// Standard engine error types. These form the error taxonomy that the
// dispatcher, executor and retry controller decide on.
var (
	// ErrUnknownTrigger indicates an inbound event referenced a trigger key
	// that no enabled workflow owns. Never retried, never produces a run.
	ErrUnknownTrigger = errors.New("unknown trigger key")

	// ErrVerificationFailed indicates an inbound event failed signature or
	// payload-schema verification. Never retried, never produces a run.
	ErrVerificationFailed = errors.New("webhook verification failed")

	// ErrTemplateError indicates a step input template could not be resolved
	// against the run context. A definition defect, permanent by policy.
	ErrTemplateError = errors.New("template resolution failed")

	// ErrRetryExhausted indicates a step failed more times than the workflow's
	// retry policy allows.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrRunConflict indicates a concurrent writer already holds the run.
	ErrRunConflict = errors.New("run is held by another worker")

	// ErrInvalidDefinition indicates a workflow definition failed validation.
	ErrInvalidDefinition = errors.New("invalid workflow definition")
)

// HandlerError wraps a failure from an action handler. The handler classifies
// its own failure as retryable or not at the point of origin; the retry
// controller never guesses from the error text.
type HandlerError struct {
	ActionKey string
	Retryable bool
	Err       error
}

func (e *HandlerError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}

	return fmt.Sprintf("handler %s failed (%s): %v", e.ActionKey, kind, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// NewHandlerError creates a classified handler error.
func NewHandlerError(actionKey string, retryable bool, err error) *HandlerError {
	return &HandlerError{ActionKey: actionKey, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err carries a retryable classification.
// Errors without a classification are treated as permanent.
func IsRetryable(err error) bool {
	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		return handlerErr.Retryable
	}

	return false
}

// CallbackError records a post-success write-back failure. It is kept apart
// from the run's own error so a succeeded run stays succeeded.
type CallbackError struct {
	TargetType string
	TargetID   string
	Err        error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback to %s/%s failed: %v", e.TargetType, e.TargetID, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

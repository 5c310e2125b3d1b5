// Package retry decides whether a failed step is retried and with what
// backoff, as a pure function of the classified error and the workflow's
// retry policy.
package retry

import (
	"math"
	"time"

	"github.com/quilfort/flowline/pkg/models"
)

// DecisionKind tells the executor what to do with a failed step.
type DecisionKind string

const (
	// DecisionRetryAfter suspends the run until the delay elapses.
	DecisionRetryAfter DecisionKind = "retry_after"

	// DecisionPermanentFailure moves the run to failed.
	DecisionPermanentFailure DecisionKind = "permanent_failure"
)

// Decision is the outcome of consulting the controller for one step failure.
type Decision struct {
	Kind  DecisionKind
	Delay time.Duration

	// Exhausted is set when a retryable error ran out of attempts.
	Exhausted bool
}

// Controller implements the retry decision. It holds no state: attempt
// counters live on the run.
type Controller struct{}

// NewController creates a retry controller.
func NewController() *Controller {
	return &Controller{}
}

// OnStepFailure decides between RetryAfter and PermanentFailure.
//
// Non-retryable errors fail permanently regardless of the attempt count.
// attemptCount is the number of failed attempts at the current step before
// this one; it is scoped to the current step only and resets when the run
// advances.
func (c *Controller) OnStepFailure(err error, attemptCount int, policy models.RetryPolicy) Decision {
	if !models.IsRetryable(err) {
		return Decision{Kind: DecisionPermanentFailure}
	}

	if attemptCount >= policy.MaxAttempts {
		return Decision{Kind: DecisionPermanentFailure, Exhausted: true}
	}

	return Decision{
		Kind:  DecisionRetryAfter,
		Delay: Backoff(attemptCount, policy),
	}
}

// Backoff computes min(baseDelay × multiplier^attemptCount, maxDelay).
func Backoff(attemptCount int, policy models.RetryPolicy) time.Duration {
	multiplier := policy.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := time.Duration(float64(policy.BaseDelay) * math.Pow(multiplier, float64(attemptCount)))
	if delay > policy.MaxDelay || delay <= 0 {
		delay = policy.MaxDelay
	}

	return delay
}

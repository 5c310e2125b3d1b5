// Package persistence provides standardized error types for storage
// operations.
package persistence

import "errors"

var (
	// ErrWorkflowNotFound indicates no definition exists for the identifier.
	ErrWorkflowNotFound = errors.New("workflow definition not found")

	// ErrRunNotFound indicates no run exists for the identifier.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrRecordNotFound indicates no business record exists at the target.
	ErrRecordNotFound = errors.New("business record not found")

	// ErrDuplicateTriggerKey indicates another workflow in the same
	// organization already owns the webhook trigger key.
	ErrDuplicateTriggerKey = errors.New("trigger key already in use")

	// ErrVersionConflict indicates a compare-and-swap write lost to a
	// concurrent writer.
	ErrVersionConflict = errors.New("run version conflict")
)

// IsWorkflowNotFound reports whether err wraps ErrWorkflowNotFound.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsRunNotFound reports whether err wraps ErrRunNotFound.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsVersionConflict reports whether err wraps ErrVersionConflict.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

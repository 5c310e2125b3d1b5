// Package registry maps action keys to the executable capabilities that
// workflow steps invoke. The registry is read-only after startup and safely
// shared across all executor workers.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ModelConfig carries the organization's AI model settings into a handler
// invocation. It is threaded explicitly per call, never read from
// process-wide state.
type ModelConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Endpoint    string  `json:"endpoint"`
	APIKey      string  `json:"api_key"`
	Temperature float64 `json:"temperature"`
}

// HandlerInput is the typed input for one handler invocation.
type HandlerInput struct {
	OrganizationID string
	ActionKey      string

	// Input is the step's input template after reference resolution.
	Input map[string]any

	// Model holds the organization's model settings for generation handlers.
	Model ModelConfig
}

// Handler is one executable capability. Implementations classify their own
// failures via models.HandlerError so the retry controller never guesses.
type Handler interface {
	Execute(ctx context.Context, input HandlerInput) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, input HandlerInput) (map[string]any, error)

func (f HandlerFunc) Execute(ctx context.Context, input HandlerInput) (map[string]any, error) {
	return f(ctx, input)
}

// Registry holds the registered action handlers.
type Registry struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("module", "registry"),
		handlers: make(map[string]Handler),
	}
}

// Register binds an action key to a handler. Registering the same key twice
// replaces the previous handler.
func (r *Registry) Register(actionKey string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[actionKey]; exists {
		r.logger.Warn("Replacing registered action handler", "action_key", actionKey)
	}

	r.handlers[actionKey] = handler
}

// Handler returns the handler for an action key.
func (r *Registry) Handler(actionKey string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[actionKey]
	if !ok {
		return nil, fmt.Errorf("action key %q not registered", actionKey)
	}

	return handler, nil
}

// ActionKeys returns the registered keys, sorted.
func (r *Registry) ActionKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// HealthCheck reports the registry state for the health endpoint.
func (r *Registry) HealthCheck() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.handlers) == 0 {
		return "no action handlers registered", false
	}

	return fmt.Sprintf("%d action handlers registered", len(r.handlers)), true
}

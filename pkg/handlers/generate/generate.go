// Package generate provides the templated model-generation action handler.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/registry"
)

// ActionKey registers this handler in the action registry.
const ActionKey = "generate"

const defaultTimeout = 60 * time.Second

var (
	// ErrPromptMissing is returned when the step input has no prompt.
	ErrPromptMissing = errors.New("missing or invalid 'prompt' in input")
	// ErrModelNotConfigured is returned when no model endpoint is configured.
	ErrModelNotConfigured = errors.New("model endpoint is not configured")
)

// Handler calls a text-generation model endpoint with the step's resolved
// prompt. The model configuration is threaded in per invocation, never read
// from process globals.
type Handler struct {
	logger *slog.Logger
	client *http.Client
}

func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{
		logger: logger.With("module", "generate_handler"),
		client: &http.Client{Timeout: defaultTimeout},
	}
}

type generationRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature,omitempty"`
}

type generationResponse struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

func (h *Handler) Execute(ctx context.Context, input registry.HandlerInput) (map[string]any, error) {
	prompt, ok := input.Input["prompt"].(string)
	if !ok || prompt == "" {
		return nil, models.NewHandlerError(ActionKey, false, ErrPromptMissing)
	}

	if input.Model.Endpoint == "" {
		return nil, models.NewHandlerError(ActionKey, false, ErrModelNotConfigured)
	}

	payload, err := json.Marshal(generationRequest{
		Model:       input.Model.Model,
		Prompt:      prompt,
		Temperature: input.Model.Temperature,
	})
	if err != nil {
		return nil, models.NewHandlerError(ActionKey, false, fmt.Errorf("failed to encode generation request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, input.Model.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, models.NewHandlerError(ActionKey, false, err)
	}

	req.Header.Set("Content-Type", "application/json")
	if input.Model.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+input.Model.APIKey)
	}

	h.logger.InfoContext(ctx, "Executing generation call",
		"model", input.Model.Model, "organization_id", input.OrganizationID)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, models.NewHandlerError(ActionKey, true, fmt.Errorf("generation request failed: %w", err))
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			h.logger.ErrorContext(ctx, "failed to close response body", "error", err)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewHandlerError(ActionKey, true, fmt.Errorf("failed to read generation response: %w", err))
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, models.NewHandlerError(ActionKey, true,
			fmt.Errorf("model endpoint responded %d", resp.StatusCode))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, models.NewHandlerError(ActionKey, false,
			fmt.Errorf("model endpoint rejected request with %d", resp.StatusCode))
	}

	var generation generationResponse
	if err := json.Unmarshal(raw, &generation); err != nil {
		return nil, models.NewHandlerError(ActionKey, false,
			fmt.Errorf("malformed generation response: %w", err))
	}

	return map[string]any{
		"text":  generation.Text,
		"model": generation.Model,
	}, nil
}

// Package httpcall provides the HTTP action handler for workflow steps.
package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/registry"
)

// ActionKey registers this handler in the action registry.
const ActionKey = "http_call"

const defaultTimeout = 30 * time.Second

var (
	// ErrURLMissing is returned when the step input has no url.
	ErrURLMissing = errors.New("missing or invalid 'url' in input")
	// ErrMethodInvalid is returned when the HTTP method is not recognized.
	ErrMethodInvalid = errors.New("invalid HTTP method")
)

// Handler performs one HTTP request per step invocation. Connection errors,
// timeouts, 429 and 5xx responses are classified retryable; everything else
// is permanent.
type Handler struct {
	logger *slog.Logger
	client *http.Client
}

func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{
		logger: logger.With("module", "http_call_handler"),
		client: &http.Client{Timeout: defaultTimeout},
	}
}

func (h *Handler) Execute(ctx context.Context, input registry.HandlerInput) (map[string]any, error) {
	url, ok := input.Input["url"].(string)
	if !ok || url == "" {
		return nil, models.NewHandlerError(ActionKey, false, ErrURLMissing)
	}

	method, _ := input.Input["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	method = strings.ToUpper(method)

	body, err := requestBody(input.Input["body"])
	if err != nil {
		return nil, models.NewHandlerError(ActionKey, false, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, models.NewHandlerError(ActionKey, false, fmt.Errorf("%w: %v", ErrMethodInvalid, err))
	}

	if headers, ok := input.Input["headers"].(map[string]any); ok {
		for key, value := range headers {
			if strVal, ok := value.(string); ok {
				req.Header.Set(key, strVal)
			}
		}
	}

	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	h.logger.InfoContext(ctx, "Executing HTTP call", "method", method, "url", url)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, models.NewHandlerError(ActionKey, true, fmt.Errorf("http request failed: %w", err))
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			h.logger.ErrorContext(ctx, "failed to close response body", "error", err)
		}
	}()

	return h.processResponse(resp)
}

func requestBody(raw any) (io.Reader, error) {
	switch value := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if value == "" {
			return nil, nil
		}

		return strings.NewReader(value), nil
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}

		return bytes.NewReader(encoded), nil
	}
}

func (h *Handler) processResponse(resp *http.Response) (map[string]any, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewHandlerError(ActionKey, true, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, models.NewHandlerError(ActionKey, true,
			fmt.Errorf("server responded %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, models.NewHandlerError(ActionKey, false,
			fmt.Errorf("request rejected with %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		body = string(raw)
	}

	return map[string]any{
		"status": resp.StatusCode,
		"body":   body,
	}, nil
}

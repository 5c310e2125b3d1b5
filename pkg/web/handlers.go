// Package web provides the HTTP surface: webhook ingress, manual triggers,
// run inspection and workflow definition management.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/quilfort/flowline/pkg/dispatch"
	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/persistence"
	"github.com/quilfort/flowline/pkg/registry"
)

// RunCanceller force-fails a non-terminal run.
type RunCanceller interface {
	CancelRun(ctx context.Context, runID, reason string) error
}

type APIHandlers struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	dispatcher  *dispatch.Dispatcher
	canceller   RunCanceller
	validator   *validator.Validate
	registry    *registry.Registry
}

func NewAPIHandlers(
	logger *slog.Logger,
	p persistence.Persistence,
	dispatcher *dispatch.Dispatcher,
	canceller RunCanceller,
	validate *validator.Validate,
	reg *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		logger:      logger.With("module", "web"),
		persistence: p,
		dispatcher:  dispatcher,
		canceller:   canceller,
		validator:   validate,
		registry:    reg,
	}
}

// IngestWebhook is the public webhook ingress. It acknowledges with 202 as
// soon as the run exists; execution is asynchronous.
func (h *APIHandlers) IngestWebhook(c fiber.Ctx) error {
	organizationID := c.Params("orgID")
	triggerKey := c.Params("triggerKey")

	if organizationID == "" || triggerKey == "" {
		return badRequest(c, "Organization ID and trigger key are required")
	}

	headers := make(map[string]string)
	for name, values := range c.GetReqHeaders() {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	result, err := h.dispatcher.IngestWebhook(c.Context(), organizationID, triggerKey, c.Body(), headers)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUnknownTrigger):
			return notFound(c, "Unknown trigger key")
		case errors.Is(err, models.ErrVerificationFailed):
			return unauthorized(c, "Webhook verification failed")
		default:
			return internalError(c, err)
		}
	}

	return c.Status(fiber.StatusAccepted).JSON(TriggerResponse{
		RunID:     result.RunID,
		Duplicate: result.Duplicate,
	})
}

func (h *APIHandlers) TriggerWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req ManualTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.dispatcher.TriggerManual(c.Context(), id, req.InvokerID, req.Payload)
	if err != nil {
		switch {
		case persistence.IsWorkflowNotFound(err):
			return notFound(c, "Workflow not found")
		case errors.Is(err, models.ErrUnknownTrigger):
			return conflict(c, "Workflow is disabled")
		default:
			return internalError(c, err)
		}
	}

	return c.Status(fiber.StatusAccepted).JSON(TriggerResponse{RunID: result.RunID})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.persistence.RunByID(c.Context(), id)
	if err != nil {
		if persistence.IsRunNotFound(err) {
			return notFound(c, "Run not found")
		}

		return internalError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	var req CancelRunRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if req.Reason == "" {
		req.Reason = "api request"
	}

	if err := h.canceller.CancelRun(c.Context(), id, req.Reason); err != nil {
		if persistence.IsRunNotFound(err) {
			return notFound(c, "Run not found")
		}

		return conflict(c, err.Error())
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	definitions, err := h.persistence.WorkflowDefinitions(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	if organizationID := c.Query("organization_id"); organizationID != "" {
		filtered := make([]*models.WorkflowDefinition, 0, len(definitions))
		for _, definition := range definitions {
			if definition.OrganizationID == organizationID {
				filtered = append(filtered, definition)
			}
		}

		definitions = filtered
	}

	return c.JSON(fiber.Map{"workflows": definitions, "total_count": len(definitions)})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	definition, err := h.persistence.WorkflowDefinitionByID(c.Context(), id)
	if err != nil {
		if persistence.IsWorkflowNotFound(err) {
			return notFound(c, "Workflow not found")
		}

		return internalError(c, err)
	}

	return c.JSON(definition)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	now := time.Now().UTC()

	definition := &models.WorkflowDefinition{
		ID:                  req.ID,
		OrganizationID:      req.OrganizationID,
		Name:                req.Name,
		TriggerType:         req.TriggerType,
		TriggerConfig:       req.TriggerConfig,
		Steps:               req.Steps,
		RetryPolicy:         models.DefaultRetryPolicy(),
		CompletionCallbacks: req.CompletionCallbacks,
		IsEnabled:           true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if definition.ID == "" {
		definition.ID = uuid.New().String()
	}

	if req.RetryPolicy != nil {
		definition.RetryPolicy = *req.RetryPolicy
	}

	if req.IsEnabled != nil {
		definition.IsEnabled = *req.IsEnabled
	}

	if err := definition.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.persistence.SaveWorkflowDefinition(c.Context(), definition); err != nil {
		if errors.Is(err, persistence.ErrDuplicateTriggerKey) {
			return conflict(c, "Trigger key is already in use in this organization")
		}

		return internalError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Workflow created",
		"workflow_id", definition.ID, "organization_id", definition.OrganizationID)

	return c.Status(fiber.StatusCreated).JSON(definition)
}

func (h *APIHandlers) SetWorkflowEnabled(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req SetEnabledRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.persistence.SetWorkflowEnabled(c.Context(), id, *req.Enabled); err != nil {
		if persistence.IsWorkflowNotFound(err) {
			return notFound(c, "Workflow not found")
		}

		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"id": id, "is_enabled": *req.Enabled})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()

	storeOk := true
	storeCheck := "ok"

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		storeOk = false
		storeCheck = err.Error()
	}

	status := "unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOk && storeOk {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"registry": registryCheck,
			"store":    storeCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

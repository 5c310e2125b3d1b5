// Package dispatch turns inbound webhook deliveries and manual invocations
// into workflow runs, exactly one run per distinct triggering occurrence.
package dispatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/quilfort/flowline/pkg/eventbus"
	"github.com/quilfort/flowline/pkg/events"
	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/persistence"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the raw request body,
	// keyed with the workflow's webhook secret.
	SignatureHeader = "X-Flowline-Signature"

	// EventIDHeader lets the sender name the external event explicitly.
	EventIDHeader = "X-Event-Id"

	payloadEventIDField = "event_id"
)

// Result reports the outcome of one ingestion.
type Result struct {
	RunID string

	// Duplicate is true when the occurrence was already ingested and RunID
	// points at the previously created run.
	Duplicate bool
}

// Dispatcher resolves trigger keys, verifies deliveries, deduplicates them
// and creates runs.
type Dispatcher struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
}

func NewDispatcher(logger *slog.Logger, p persistence.Persistence, publisher eventbus.EventPublisher) *Dispatcher {
	return &Dispatcher{
		logger:      logger.With("module", "dispatch"),
		persistence: p,
		publisher:   publisher,
	}
}

// IngestWebhook handles one webhook delivery for the given organization and
// trigger key. body is the raw request body; headers are the request headers.
//
// An unknown or disabled trigger key returns models.ErrUnknownTrigger. A
// signature or payload-schema failure returns models.ErrVerificationFailed.
// Neither produces a run. A redelivery of an already-seen external event
// returns the original run with Duplicate set.
func (d *Dispatcher) IngestWebhook(ctx context.Context, organizationID, triggerKey string, body []byte, headers map[string]string) (*Result, error) {
	definition, err := d.persistence.WorkflowDefinitionByTriggerKey(ctx, organizationID, triggerKey)
	if err != nil {
		if persistence.IsWorkflowNotFound(err) {
			return nil, models.ErrUnknownTrigger
		}

		return nil, fmt.Errorf("failed to resolve trigger key: %w", err)
	}

	webhookConfig := definition.WebhookConfig()
	if !definition.IsEnabled || definition.TriggerType != models.TriggerTypeWebhook || webhookConfig == nil {
		return nil, models.ErrUnknownTrigger
	}

	var payload map[string]any

	verifyErr := verifySignature(webhookConfig.Secret, body, headerValue(headers, SignatureHeader))

	if verifyErr == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			verifyErr = fmt.Errorf("%w: malformed JSON payload", models.ErrVerificationFailed)
		}
	}

	if verifyErr == nil && webhookConfig.PayloadSchema != nil {
		verifyErr = validatePayload(webhookConfig.PayloadSchema, payload)
	}

	externalEventID := externalEventID(body, payload, headers)

	event := &models.InboundEvent{
		ID:              uuid.New().String(),
		WorkflowID:      definition.ID,
		ExternalEventID: externalEventID,
		Payload:         payload,
		Headers:         headers,
		Verified:        verifyErr == nil,
		ReceivedAt:      time.Now().UTC(),
	}
	if verifyErr != nil {
		event.ErrorMessage = verifyErr.Error()
	}

	stored, created, err := d.persistence.UpsertInboundEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("failed to record inbound event: %w", err)
	}

	if verifyErr != nil {
		// Recorded for operators, but a failed verification never produces
		// a run.
		d.logger.WarnContext(ctx, "Webhook delivery rejected",
			"workflow_id", definition.ID, "trigger_key", triggerKey, "error", verifyErr)

		return nil, verifyErr
	}

	if !created {
		if stored.ProducedRunID != "" {
			d.logger.InfoContext(ctx, "Duplicate webhook delivery",
				"workflow_id", definition.ID, "external_event_id", externalEventID)

			return &Result{RunID: stored.ProducedRunID, Duplicate: true}, nil
		}

		// The earlier delivery of this event never verified or never got a
		// run; this delivery takes over its record.
		stored.Payload = payload
		stored.Headers = headers
		stored.Verified = true
		stored.ErrorMessage = ""
	}

	run, err := d.createRun(ctx, definition, externalEventID, payload)
	if err != nil {
		return nil, err
	}

	stored.Processed = true
	now := time.Now().UTC()
	stored.ProcessedAt = &now
	stored.ProducedRunID = run.ID

	if err := d.persistence.UpdateInboundEvent(ctx, stored); err != nil {
		d.logger.ErrorContext(ctx, "Failed to link inbound event to run",
			"event_id", stored.ID, "run_id", run.ID, "error", err)
	}

	return &Result{RunID: run.ID}, nil
}

// TriggerManual creates a run for an explicit operator or API invocation.
// Every manual invocation is a distinct occurrence.
func (d *Dispatcher) TriggerManual(ctx context.Context, workflowID, invokerID string, payload map[string]any) (*Result, error) {
	definition, err := d.persistence.WorkflowDefinitionByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if !definition.IsEnabled {
		return nil, fmt.Errorf("%w: workflow %s is disabled", models.ErrUnknownTrigger, workflowID)
	}

	triggerSource := fmt.Sprintf("manual:%s:%s", invokerID, uuid.New().String())

	run, err := d.createRun(ctx, definition, triggerSource, payload)
	if err != nil {
		return nil, err
	}

	return &Result{RunID: run.ID}, nil
}

func (d *Dispatcher) createRun(ctx context.Context, definition *models.WorkflowDefinition, triggerSource string, payload map[string]any) (*models.WorkflowRun, error) {
	run := models.NewWorkflowRun(uuid.New().String(), definition, triggerSource, payload)

	if err := d.persistence.CreateRun(ctx, run); err != nil {
		// A concurrent ingestion of the same occurrence may have won the
		// insert; converge on its run.
		existing, lookupErr := d.persistence.RunByTriggerSource(ctx, definition.ID, triggerSource)
		if lookupErr == nil {
			return existing, nil
		}

		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	d.logger.InfoContext(ctx, "Run created",
		"run_id", run.ID, "workflow_id", definition.ID, "trigger_source", triggerSource)

	baseEvent := events.NewBaseEvent(events.RunCreatedEvent, definition.ID, run.ID)
	baseEvent.OrganizationID = definition.OrganizationID

	err := d.publisher.Publish(ctx, definition.ID, events.RunCreated{
		BaseEvent:     baseEvent,
		TriggerSource: triggerSource,
	})
	if err != nil {
		// The due-run scan will still pick the run up.
		d.logger.ErrorContext(ctx, "Failed to publish run created event",
			"run_id", run.ID, "error", err)
	}

	return run, nil
}

// Sign computes the hex HMAC-SHA256 signature senders put in
// SignatureHeader.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret string, body []byte, signature string) error {
	if signature == "" {
		return fmt.Errorf("%w: missing signature header", models.ErrVerificationFailed)
	}

	if !hmac.Equal([]byte(Sign(secret, body)), []byte(strings.ToLower(signature))) {
		return fmt.Errorf("%w: signature mismatch", models.ErrVerificationFailed)
	}

	return nil
}

func validatePayload(schema map[string]any, payload map[string]any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(payload),
	)
	if err != nil {
		return fmt.Errorf("%w: %s", models.ErrVerificationFailed, err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, resultError := range result.Errors() {
			details = append(details, resultError.String())
		}

		return fmt.Errorf("%w: %s", models.ErrVerificationFailed, strings.Join(details, "; "))
	}

	return nil
}

// externalEventID derives the dedup identity of a delivery: the explicit
// header wins, then an event_id payload field, then a content hash.
func externalEventID(body []byte, payload map[string]any, headers map[string]string) string {
	if id := headerValue(headers, EventIDHeader); id != "" {
		return id
	}

	if id, ok := payload[payloadEventIDField].(string); ok && id != "" {
		return id
	}

	sum := sha256.Sum256(body)

	return hex.EncodeToString(sum[:])
}

func headerValue(headers map[string]string, name string) string {
	for key, value := range headers {
		if strings.EqualFold(key, name) {
			return value
		}
	}

	return ""
}

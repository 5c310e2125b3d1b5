// Package memory provides an in-memory persistence implementation for tests
// and local development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/persistence"
)

// Persistence keeps all engine state in process memory, guarded by one
// mutex. Version checks behave exactly as the durable implementations so the
// executor's concurrency guard is exercised in tests.
type Persistence struct {
	mu sync.Mutex

	definitions map[string]*models.WorkflowDefinition
	runs        map[string]*models.WorkflowRun
	events      map[string]*models.InboundEvent // keyed workflowID + "\x00" + externalEventID
	records     map[string]map[string]any      // keyed targetType + "\x00" + targetID
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		definitions: make(map[string]*models.WorkflowDefinition),
		runs:        make(map[string]*models.WorkflowRun),
		events:      make(map[string]*models.InboundEvent),
		records:     make(map[string]map[string]any),
	}
}

func eventKey(workflowID, externalEventID string) string {
	return workflowID + "\x00" + externalEventID
}

func recordKey(targetType, targetID string) string {
	return targetType + "\x00" + targetID
}

// clone round-trips through JSON so callers never alias stored state.
func clone[T any](in *T) *T {
	raw, err := json.Marshal(in)
	if err != nil {
		panic(fmt.Sprintf("memory persistence clone: %v", err))
	}

	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("memory persistence clone: %v", err))
	}

	return out
}

func (p *Persistence) WorkflowDefinitions(_ context.Context) ([]*models.WorkflowDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*models.WorkflowDefinition, 0, len(p.definitions))
	for _, def := range p.definitions {
		out = append(out, clone(def))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (p *Persistence) WorkflowDefinitionByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	def, ok := p.definitions[id]
	if !ok {
		return nil, persistence.ErrWorkflowNotFound
	}

	return clone(def), nil
}

func (p *Persistence) WorkflowDefinitionByTriggerKey(_ context.Context, organizationID, triggerKey string) (*models.WorkflowDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, def := range p.definitions {
		cfg := def.WebhookConfig()
		if cfg != nil && def.OrganizationID == organizationID && cfg.TriggerKey == triggerKey {
			return clone(def), nil
		}
	}

	return nil, persistence.ErrWorkflowNotFound
}

func (p *Persistence) ScheduledWorkflowDefinitions(_ context.Context) ([]*models.WorkflowDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*models.WorkflowDefinition

	for _, def := range p.definitions {
		if def.TriggerType == models.TriggerTypeSchedule && def.IsEnabled {
			out = append(out, clone(def))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (p *Persistence) SaveWorkflowDefinition(_ context.Context, definition *models.WorkflowDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cfg := definition.WebhookConfig(); cfg != nil {
		for _, existing := range p.definitions {
			other := existing.WebhookConfig()
			if existing.ID != definition.ID && other != nil &&
				existing.OrganizationID == definition.OrganizationID && other.TriggerKey == cfg.TriggerKey {
				return fmt.Errorf("%w: %q in organization %s",
					persistence.ErrDuplicateTriggerKey, cfg.TriggerKey, definition.OrganizationID)
			}
		}
	}

	stored := clone(definition)

	now := time.Now().UTC()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
		definition.ID = stored.ID
	}

	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}

	stored.UpdatedAt = now
	p.definitions[stored.ID] = stored

	return nil
}

func (p *Persistence) SetWorkflowEnabled(_ context.Context, id string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	def, ok := p.definitions[id]
	if !ok {
		return persistence.ErrWorkflowNotFound
	}

	def.IsEnabled = enabled
	def.UpdatedAt = time.Now().UTC()

	return nil
}

func (p *Persistence) TouchLastSuccessfulRun(_ context.Context, id string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	def, ok := p.definitions[id]
	if !ok {
		return persistence.ErrWorkflowNotFound
	}

	def.LastSuccessfulRunAt = &at

	return nil
}

func (p *Persistence) CreateRun(_ context.Context, run *models.WorkflowRun) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}

	p.runs[run.ID] = clone(run)

	return nil
}

func (p *Persistence) RunByID(_ context.Context, id string) (*models.WorkflowRun, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	run, ok := p.runs[id]
	if !ok {
		return nil, persistence.ErrRunNotFound
	}

	return clone(run), nil
}

func (p *Persistence) RunByTriggerSource(_ context.Context, workflowID, triggerSource string) (*models.WorkflowRun, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, run := range p.runs {
		if run.WorkflowID == workflowID && run.TriggerSource == triggerSource {
			return clone(run), nil
		}
	}

	return nil, persistence.ErrRunNotFound
}

func (p *Persistence) DueRuns(_ context.Context, now time.Time, limit int) ([]*models.WorkflowRun, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var due []*models.WorkflowRun

	for _, run := range p.runs {
		if run.IsDue(now) || run.ClaimExpired(now, persistence.ClaimLeaseTimeout) {
			due = append(due, clone(run))
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].StartedAt.Before(due[j].StartedAt) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (p *Persistence) ClaimRun(_ context.Context, id string, now time.Time) (*models.WorkflowRun, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	run, ok := p.runs[id]
	if !ok {
		return nil, persistence.ErrRunNotFound
	}

	claimable := run.IsDue(now) && run.Status.CanTransitionTo(models.RunStatusRunning)
	if !claimable && !run.ClaimExpired(now, persistence.ClaimLeaseTimeout) {
		return nil, models.ErrRunConflict
	}

	run.Status = models.RunStatusRunning
	run.ClaimedAt = &now
	run.NextRetryAt = nil
	run.Version++

	return clone(run), nil
}

func (p *Persistence) UpdateRun(_ context.Context, run *models.WorkflowRun) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.runs[run.ID]
	if !ok {
		return persistence.ErrRunNotFound
	}

	if stored.Version != run.Version {
		return persistence.ErrVersionConflict
	}

	updated := clone(run)
	updated.Version++
	p.runs[run.ID] = updated
	run.Version = updated.Version

	return nil
}

func (p *Persistence) UpsertInboundEvent(_ context.Context, event *models.InboundEvent) (*models.InboundEvent, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := eventKey(event.WorkflowID, event.ExternalEventID)

	if existing, ok := p.events[key]; ok {
		return clone(existing), false, nil
	}

	stored := clone(event)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
		event.ID = stored.ID
	}

	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = time.Now().UTC()
	}

	p.events[key] = stored

	return clone(stored), true, nil
}

func (p *Persistence) UpdateInboundEvent(_ context.Context, event *models.InboundEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := eventKey(event.WorkflowID, event.ExternalEventID)
	if _, ok := p.events[key]; !ok {
		return fmt.Errorf("inbound event %s not found", event.ID)
	}

	p.events[key] = clone(event)

	return nil
}

func (p *Persistence) ApplyRecordFields(_ context.Context, targetType, targetID string, fields map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := recordKey(targetType, targetID)

	record, ok := p.records[key]
	if !ok {
		record = make(map[string]any, len(fields))
		p.records[key] = record
	}

	for field, value := range fields {
		record[field] = value
	}

	return nil
}

func (p *Persistence) Record(_ context.Context, targetType, targetID string) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.records[recordKey(targetType, targetID)]
	if !ok {
		return nil, persistence.ErrRecordNotFound
	}

	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}

	return out, nil
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

var _ persistence.Persistence = (*Persistence)(nil)

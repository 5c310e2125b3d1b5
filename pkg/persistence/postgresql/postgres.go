// Package postgresql provides the PostgreSQL persistence implementation for
// workflow definitions, runs, inbound events and callback target records.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/persistence"
	"github.com/quilfort/flowline/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	definitionRepo *DefinitionRepository
	runRepo        *RunRepository
	eventRepo      *InboundEventRepository
	recordRepo     *RecordRepository
}

// NewPersistence connects, migrates and returns a PostgreSQL persistence
// layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:             database,
		logger:         logger.With("component", "postgres_persistence"),
		definitionRepo: NewDefinitionRepository(database, logger),
		runRepo:        NewRunRepository(database, logger),
		eventRepo:      NewInboundEventRepository(database, logger),
		recordRepo:     NewRecordRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) WorkflowDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return p.definitionRepo.GetAll(ctx)
}

func (p *Persistence) WorkflowDefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return p.definitionRepo.GetByID(ctx, id)
}

func (p *Persistence) WorkflowDefinitionByTriggerKey(ctx context.Context, organizationID, triggerKey string) (*models.WorkflowDefinition, error) {
	return p.definitionRepo.GetByTriggerKey(ctx, organizationID, triggerKey)
}

func (p *Persistence) ScheduledWorkflowDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return p.definitionRepo.GetScheduled(ctx)
}

func (p *Persistence) SaveWorkflowDefinition(ctx context.Context, definition *models.WorkflowDefinition) error {
	return p.definitionRepo.Save(ctx, definition)
}

func (p *Persistence) SetWorkflowEnabled(ctx context.Context, id string, enabled bool) error {
	return p.definitionRepo.SetEnabled(ctx, id, enabled)
}

func (p *Persistence) TouchLastSuccessfulRun(ctx context.Context, id string, at time.Time) error {
	return p.definitionRepo.TouchLastSuccessfulRun(ctx, id, at)
}

func (p *Persistence) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	return p.runRepo.Create(ctx, run)
}

func (p *Persistence) RunByID(ctx context.Context, id string) (*models.WorkflowRun, error) {
	return p.runRepo.GetByID(ctx, id)
}

func (p *Persistence) RunByTriggerSource(ctx context.Context, workflowID, triggerSource string) (*models.WorkflowRun, error) {
	return p.runRepo.GetByTriggerSource(ctx, workflowID, triggerSource)
}

func (p *Persistence) DueRuns(ctx context.Context, now time.Time, limit int) ([]*models.WorkflowRun, error) {
	return p.runRepo.GetDue(ctx, now, limit)
}

func (p *Persistence) ClaimRun(ctx context.Context, id string, now time.Time) (*models.WorkflowRun, error) {
	return p.runRepo.Claim(ctx, id, now)
}

func (p *Persistence) UpdateRun(ctx context.Context, run *models.WorkflowRun) error {
	return p.runRepo.Update(ctx, run)
}

func (p *Persistence) UpsertInboundEvent(ctx context.Context, event *models.InboundEvent) (*models.InboundEvent, bool, error) {
	return p.eventRepo.Upsert(ctx, event)
}

func (p *Persistence) UpdateInboundEvent(ctx context.Context, event *models.InboundEvent) error {
	return p.eventRepo.Update(ctx, event)
}

func (p *Persistence) ApplyRecordFields(ctx context.Context, targetType, targetID string, fields map[string]any) error {
	return p.recordRepo.ApplyFields(ctx, targetType, targetID, fields)
}

func (p *Persistence) Record(ctx context.Context, targetType, targetID string) (map[string]any, error) {
	return p.recordRepo.Get(ctx, targetType, targetID)
}

var _ persistence.Persistence = (*Persistence)(nil)

// Package schedule evaluates cron expressions for schedule-triggered
// workflows and creates one run per occurrence.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/quilfort/flowline/pkg/eventbus"
	"github.com/quilfort/flowline/pkg/events"
	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/persistence"
)

const (
	// DefaultInterval is how often the runner re-evaluates schedules.
	DefaultInterval = 30 * time.Second

	// DefaultMaxCatchUpOccurrences bounds how many missed occurrences fire
	// after downtime. Older missed occurrences are skipped and logged.
	DefaultMaxCatchUpOccurrences = 10

	// DefaultMaxCatchUpWindow bounds how far back occurrence enumeration
	// reaches. A minute-level cron behind a months-old last run would
	// otherwise walk every missed minute on each tick.
	DefaultMaxCatchUpWindow = 24 * time.Hour
)

// Config tunes the schedule runner.
type Config struct {
	Interval              time.Duration
	MaxCatchUpOccurrences int
	MaxCatchUpWindow      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}

	if c.MaxCatchUpOccurrences <= 0 {
		c.MaxCatchUpOccurrences = DefaultMaxCatchUpOccurrences
	}

	if c.MaxCatchUpWindow <= 0 {
		c.MaxCatchUpWindow = DefaultMaxCatchUpWindow
	}

	return c
}

// Runner periodically walks the enabled schedule-triggered definitions and
// creates runs for occurrences that have come due. Dedup rides on the run
// store's (workflowID, triggerSource) uniqueness, so multiple runners can
// evaluate the same schedules without double-firing.
type Runner struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	parser      cron.Parser
	config      Config

	lastEvaluated map[string]time.Time
}

func NewRunner(logger *slog.Logger, p persistence.Persistence, publisher eventbus.EventPublisher, config Config) *Runner {
	return &Runner{
		logger:        logger.With("module", "schedule"),
		persistence:   p,
		publisher:     publisher,
		parser:        cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		config:        config.withDefaults(),
		lastEvaluated: make(map[string]time.Time),
	}
}

// Start blocks evaluating schedules until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Schedule runner started", "interval", r.config.Interval)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Schedule runner stopped")

			return ctx.Err()
		case now := <-ticker.C:
			if err := r.Evaluate(ctx, now.UTC()); err != nil {
				r.logger.ErrorContext(ctx, "Schedule evaluation failed", "error", err)
			}
		}
	}
}

// Evaluate fires every due, unfired occurrence for every enabled scheduled
// workflow, up to the catch-up cap per workflow.
func (r *Runner) Evaluate(ctx context.Context, now time.Time) error {
	definitions, err := r.persistence.ScheduledWorkflowDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list scheduled workflows: %w", err)
	}

	for _, definition := range definitions {
		if err := r.evaluateWorkflow(ctx, definition, now); err != nil {
			r.logger.ErrorContext(ctx, "Failed to evaluate workflow schedule",
				"workflow_id", definition.ID, "error", err)
		}
	}

	return nil
}

func (r *Runner) evaluateWorkflow(ctx context.Context, definition *models.WorkflowDefinition, now time.Time) error {
	scheduleConfig := definition.ScheduleConfig()
	if scheduleConfig == nil {
		return fmt.Errorf("workflow %s has no schedule configuration", definition.ID)
	}

	spec, err := r.parser.Parse(scheduleConfig.CronExpression)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", scheduleConfig.CronExpression, err)
	}

	from := r.startTime(definition, now)
	if floor := now.Add(-r.config.MaxCatchUpWindow); from.Before(floor) {
		r.logger.WarnContext(ctx, "Clamping schedule catch-up to the scan window",
			"workflow_id", definition.ID, "window", r.config.MaxCatchUpWindow)

		from = floor
	}

	occurrences, skipped := dueOccurrences(spec, from, now, r.config.MaxCatchUpOccurrences)
	if len(occurrences) == 0 {
		r.lastEvaluated[definition.ID] = now

		return nil
	}

	if skipped > 0 {
		r.logger.WarnContext(ctx, "Skipping missed schedule occurrences beyond catch-up cap",
			"workflow_id", definition.ID,
			"skipped", skipped,
			"oldest_kept", occurrences[0].Format(time.RFC3339))
	}

	for _, occurrence := range occurrences {
		if err := r.fireOccurrence(ctx, definition, occurrence); err != nil {
			return err
		}
	}

	r.lastEvaluated[definition.ID] = now

	return nil
}

// startTime picks where occurrence enumeration begins: the last in-process
// evaluation if there was one, otherwise the definition's last successful
// run, otherwise now (a fresh schedule fires from its next occurrence on).
func (r *Runner) startTime(definition *models.WorkflowDefinition, now time.Time) time.Time {
	if last, ok := r.lastEvaluated[definition.ID]; ok {
		return last
	}

	if definition.LastSuccessfulRunAt != nil {
		return *definition.LastSuccessfulRunAt
	}

	return now
}

// dueOccurrences enumerates occurrences strictly after from up to now,
// keeping only the most recent keep of them. skipped counts the older
// occurrences dropped along the way.
func dueOccurrences(spec cron.Schedule, from, now time.Time, keep int) ([]time.Time, int) {
	var (
		occurrences []time.Time
		skipped     int
	)

	for next := spec.Next(from); !next.After(now); next = spec.Next(next) {
		occurrences = append(occurrences, next)
		if len(occurrences) > keep {
			occurrences = occurrences[1:]
			skipped++
		}
	}

	return occurrences, skipped
}

// fireOccurrence creates the run for one schedule occurrence. The occurrence
// timestamp is the run's trigger source, so an occurrence already fired by a
// previous evaluation or another runner is skipped.
func (r *Runner) fireOccurrence(ctx context.Context, definition *models.WorkflowDefinition, occurrence time.Time) error {
	triggerSource := occurrence.UTC().Format(time.RFC3339)

	_, err := r.persistence.RunByTriggerSource(ctx, definition.ID, triggerSource)
	if err == nil {
		return nil
	}

	if !persistence.IsRunNotFound(err) {
		return fmt.Errorf("failed to check occurrence %s: %w", triggerSource, err)
	}

	payload := map[string]any{"scheduled_for": triggerSource}

	run := models.NewWorkflowRun(uuid.New().String(), definition, triggerSource, payload)
	if err := r.persistence.CreateRun(ctx, run); err != nil {
		// Another runner fired this occurrence between our check and insert.
		if existing, lookupErr := r.persistence.RunByTriggerSource(ctx, definition.ID, triggerSource); lookupErr == nil && existing != nil {
			return nil
		}

		return fmt.Errorf("failed to create run for occurrence %s: %w", triggerSource, err)
	}

	r.logger.InfoContext(ctx, "Schedule occurrence fired",
		"run_id", run.ID, "workflow_id", definition.ID, "occurrence", triggerSource)

	baseEvent := events.NewBaseEvent(events.RunCreatedEvent, definition.ID, run.ID)
	baseEvent.OrganizationID = definition.OrganizationID

	err = r.publisher.Publish(ctx, definition.ID, events.RunCreated{
		BaseEvent:     baseEvent,
		TriggerSource: triggerSource,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to publish run created event",
			"run_id", run.ID, "error", err)
	}

	return nil
}

package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quilfort/flowline/pkg/eventbus"
	"github.com/quilfort/flowline/pkg/events"
	"github.com/quilfort/flowline/pkg/persistence"
)

const (
	DefaultConcurrency  = 4
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 50
)

// WorkerConfig tunes the run worker pool.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	BatchSize    int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}

	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}

	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}

	return c
}

// Worker consumes runnable work from two sources: run created events for
// low-latency pickup, and a periodic due-run scan that catches retries,
// wait expirations and events lost in transit. Claiming makes the overlap
// harmless.
type Worker struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	executor    *Executor
	bus         eventbus.EventBus
	config      WorkerConfig

	queue chan string
}

func NewWorker(logger *slog.Logger, p persistence.Persistence, exec *Executor, bus eventbus.EventBus, config WorkerConfig) *Worker {
	config = config.withDefaults()

	return &Worker{
		logger:      logger.With("module", "worker"),
		persistence: p,
		executor:    exec,
		bus:         bus,
		config:      config,
		queue:       make(chan string, config.BatchSize*2),
	}
}

// Start blocks processing runs until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.bus.Handle(events.RunCreatedEvent, w.onRunCreated); err != nil {
		return fmt.Errorf("failed to register run created handler: %w", err)
	}

	if err := w.bus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to run events: %w", err)
	}

	w.logger.InfoContext(ctx, "Worker started",
		"concurrency", w.config.Concurrency, "poll_interval", w.config.PollInterval)

	var wg sync.WaitGroup
	for range w.config.Concurrency {
		wg.Add(1)

		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}

	w.poll(ctx)

	wg.Wait()
	w.logger.InfoContext(ctx, "Worker stopped")

	return ctx.Err()
}

func (w *Worker) onRunCreated(ctx context.Context, event any) error {
	created, ok := event.(*events.RunCreated)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", event)
	}

	w.enqueue(ctx, created.RunID)

	return nil
}

// poll scans for due runs until ctx is cancelled.
func (w *Worker) poll(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			runs, err := w.persistence.DueRuns(ctx, now.UTC(), w.config.BatchSize)
			if err != nil {
				w.logger.ErrorContext(ctx, "Due run scan failed", "error", err)

				continue
			}

			for _, run := range runs {
				w.enqueue(ctx, run.ID)
			}
		}
	}
}

// enqueue hands a run id to the pool. A full queue drops the id; the next
// scan picks the run up again.
func (w *Worker) enqueue(ctx context.Context, runID string) {
	select {
	case w.queue <- runID:
	case <-ctx.Done():
	default:
		w.logger.DebugContext(ctx, "Run queue full, deferring to next scan", "run_id", runID)
	}
}

func (w *Worker) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-w.queue:
			if err := w.executor.ExecuteRun(ctx, runID); err != nil {
				w.logger.ErrorContext(ctx, "Run execution failed", "run_id", runID, "error", err)
			}
		}
	}
}

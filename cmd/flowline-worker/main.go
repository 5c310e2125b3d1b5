// Package main provides the Flowline worker, which claims due runs,
// executes their steps and evaluates workflow schedules.
package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/quilfort/flowline/pkg/callback"
	"github.com/quilfort/flowline/pkg/cmd"
	"github.com/quilfort/flowline/pkg/config"
	"github.com/quilfort/flowline/pkg/executor"
	"github.com/quilfort/flowline/pkg/log"
	"github.com/quilfort/flowline/pkg/retry"
	"github.com/quilfort/flowline/pkg/schedule"
	"github.com/quilfort/flowline/pkg/tracer"
)

func main() {
	command := &cli.Command{
		Name:                  "flowline-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker to execute workflow runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL (postgres://... or memory://)",
				Value:   "memory://",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the worker configuration file",
				Value:   "",
				Sources: cli.EnvVars("FLOWLINE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log output format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: run,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("flowline-worker").With("worker_id", workerID)

	logger.InfoContext(ctx, "Initializing Flowline Worker")

	cfg := config.LoadWorkerConfigOrDefault(command.String("config"))

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), "flowline-worker", logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	tr, err := tracer.NewTracer(ctx, "flowline-worker")
	if err != nil {
		logger.WarnContext(ctx, "Tracing disabled", "error", err)

		tr = tracer.NoopTracer()
	}

	reg := cmd.NewRegistry(logger, persistence)

	exec := executor.NewExecutor(
		logger, persistence, reg, retry.NewController(),
		callback.NewWriter(logger, persistence),
		eventBus, tr, workerID, cfg.ModelConfig(),
	)

	runner := schedule.NewRunner(logger, persistence, eventBus, cfg.ScheduleConfig())

	go func() {
		if err := runner.Start(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorContext(ctx, "Schedule runner stopped", "error", err)
		}
	}()

	worker := executor.NewWorker(logger, persistence, exec, eventBus, cfg.WorkerPoolConfig())

	if err := worker.Start(ctx); err != nil && ctx.Err() == nil {
		logger.ErrorContext(ctx, "Worker stopped", "error", err)

		return err
	}

	return nil
}

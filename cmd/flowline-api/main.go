// Package main provides the Flowline API server.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/quilfort/flowline/pkg/callback"
	"github.com/quilfort/flowline/pkg/cmd"
	"github.com/quilfort/flowline/pkg/dispatch"
	"github.com/quilfort/flowline/pkg/executor"
	"github.com/quilfort/flowline/pkg/log"
	"github.com/quilfort/flowline/pkg/registry"
	"github.com/quilfort/flowline/pkg/retry"
	"github.com/quilfort/flowline/pkg/tracer"
	"github.com/quilfort/flowline/pkg/web"
)

func main() {
	command := &cli.Command{
		Name:                  "flowline-api",
		EnableShellCompletion: true,
		Usage:                 "Start the Flowline HTTP API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "Port to listen on",
				Value:   8080,
				Sources: cli.EnvVars("PORT"),
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
	logger := log.WithModule("flowline-api")

	logger.InfoContext(ctx, "Initializing Flowline API")

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), "flowline-api", logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	reg := cmd.NewRegistry(logger, persistence)
	dispatcher := dispatch.NewDispatcher(logger, persistence, eventBus)

	// The API only cancels runs; it never claims them, so it carries no
	// model configuration and no tracing exporter of its own.
	canceller := executor.NewExecutor(
		logger, persistence, reg, retry.NewController(),
		callback.NewWriter(logger, persistence),
		eventBus, tracer.NoopTracer(), "flowline-api", registry.ModelConfig{},
	)

	api := web.NewAPI(logger, persistence, dispatcher, canceller, reg)

	return api.Start(command.Int("port"))
}

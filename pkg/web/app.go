package web

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/quilfort/flowline/pkg/dispatch"
	"github.com/quilfort/flowline/pkg/persistence"
	"github.com/quilfort/flowline/pkg/registry"
)

// API bundles the HTTP server dependencies.
type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	dispatcher  *dispatch.Dispatcher
	canceller   RunCanceller
	registry    *registry.Registry
	validate    *validator.Validate
}

func NewAPI(
	log *slog.Logger,
	p persistence.Persistence,
	dispatcher *dispatch.Dispatcher,
	canceller RunCanceller,
	reg *registry.Registry,
) *API {
	return &API{
		logger:      log,
		persistence: p,
		dispatcher:  dispatcher,
		canceller:   canceller,
		registry:    reg,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := NewAPIHandlers(a.logger, a.persistence, a.dispatcher, a.canceller, a.validate, a.registry)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Flowline API")
	})

	app.Post("/organizations/:orgID/workflows/webhook/:triggerKey", handlers.IngestWebhook)

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Patch("/:id/enabled", handlers.SetWorkflowEnabled)
	w.Post("/:id/trigger", handlers.TriggerWorkflow)

	r := app.Group("/runs")
	r.Get("/:id", handlers.GetRun)
	r.Post("/:id/cancel", handlers.CancelRun)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	return a.App().Listen(":" + strconv.Itoa(port))
}

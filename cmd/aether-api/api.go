// Package main provides the Aether API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dukex/aether/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type API struct {
	logger   *slog.Logger
	services web.Services
	handlers *web.APIHandlers
	registry *prometheus.Registry
	app      *fiber.App
}

func NewAPI(
	logger *slog.Logger,
	services web.Services,
	registry *prometheus.Registry,
	apiKey string,
) *API {
	validate := validator.New(validator.WithRequiredStructEnabled())

	a := &API{
		logger:   logger,
		services: services,
		handlers: web.NewAPIHandlers(services, validate, apiKey, logger),
		registry: registry,
	}
	a.app = a.App()

	return a
}

func (a *API) App() *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return a.services.Runs.Health(c.Context()).Store.OK
		},
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Aether API")
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	a.handlers.Register(app)

	return app
}

// Start serves on port until Shutdown is called.
func (a *API) Start(port int) error {
	return a.app.Listen(":" + strconv.Itoa(port))
}

// Shutdown closes open event streams, then stops the server.
func (a *API) Shutdown(ctx context.Context) error {
	a.handlers.Close()

	return a.app.ShutdownWithContext(ctx)
}

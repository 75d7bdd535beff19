package routes

import (
	controller "mailwarm/controllers"
	"mailwarm/middleware"
	"mailwarm/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers are the controllers the router mounts.
type Handlers struct {
	Health *controller.HealthController
	Warmup *controller.WarmupController
	Live   *controller.LiveController
}

// Options carries the HTTP-only settings.
type Options struct {
	APIToken    string
	RateLimit   int
	RateStorage fiber.Storage
	AccessLog   bool
}

func SetupAPIRoutes(app *fiber.App, h Handlers, opts Options) {
	var chain []fiber.Handler
	if opts.AccessLog {
		chain = append(chain, logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}
	chain = append(chain, middleware.ServiceToken(opts.APIToken))
	if opts.RateLimit > 0 {
		chain = append(chain, middleware.APIRateLimiter(opts.RateLimit, opts.RateStorage))
	}

	api := app.Group("/api/v1", chain...)
	warmup := api.Group("/warmup")

	accounts := warmup.Group("/accounts/:id")
	accounts.Get("/status", h.Warmup.GetStatus)
	accounts.Post("/start", h.Warmup.StartWarmup)
	accounts.Post("/resume", h.Warmup.StartWarmup)
	accounts.Post("/pause", h.Warmup.PauseWarmup)
	accounts.Put("/settings", h.Warmup.UpdateSettings)
	accounts.Get("/metrics", h.Warmup.GetMetrics)

	warmup.Post("/replies", h.Warmup.RecordReply)

	warmup.Get("/live", h.Live.Upgrade, websocket.New(h.Live.Stream))

	utils.Component("routes").Info("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, h Handlers, opts Options) {
	app.Get("/health", h.Health.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	SetupAPIRoutes(app, h, opts)

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}

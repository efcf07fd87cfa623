package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/carebridge-health/carebridge-go-api/internal/config"
	"github.com/carebridge-health/carebridge-go-api/internal/handler"
	"github.com/carebridge-health/carebridge-go-api/internal/middleware"
	"github.com/carebridge-health/carebridge-go-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ParticipantHandler  *handler.ParticipantHandler
	PresenceHandler     *handler.PresenceHandler
	CallHandler         *handler.CallHandler
	ChatHandler         *handler.ChatHandler
	NotificationHandler *handler.NotificationHandler
	UploadHandler       *handler.UploadHandler
	DiagnosisHandler    *handler.DiagnosisHandler
	JWTMiddleware       fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))
	app.Get("/metrics", observability.MetricsHandler())

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.ParticipantHandler != nil {
		participants := api.Group("/participants", jwtMiddleware)
		deps.ParticipantHandler.Register(participants)
	}

	if deps.PresenceHandler != nil {
		presence := api.Group("/presence", jwtMiddleware)
		deps.PresenceHandler.Register(presence)
	}

	if deps.CallHandler != nil {
		calls := api.Group("/calls", jwtMiddleware,
			middleware.RateLimit("calls", 30, time.Minute))
		deps.CallHandler.Register(calls)
	}

	if deps.ChatHandler != nil {
		chat := api.Group("/chat", jwtMiddleware)
		deps.ChatHandler.Register(chat)
	}

	if deps.NotificationHandler != nil {
		notifications := api.Group("/notifications", jwtMiddleware)
		deps.NotificationHandler.Register(notifications)
	}

	if deps.UploadHandler != nil {
		uploads := api.Group("/uploads", jwtMiddleware,
			middleware.RateLimit("uploads", 10, time.Minute))
		deps.UploadHandler.Register(uploads)
	}

	if deps.DiagnosisHandler != nil {
		diagnosis := api.Group("/diagnosis", jwtMiddleware,
			middleware.RateLimit("diagnosis", 10, time.Minute))
		deps.DiagnosisHandler.Register(diagnosis)
	}
}

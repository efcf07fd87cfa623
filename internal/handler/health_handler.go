package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/carebridge-health/carebridge-go-api/internal/config"
	"github.com/carebridge-health/carebridge-go-api/internal/utils"
)

var processStart = time.Now().UTC()

// HealthResponse is the liveness payload. Uptime is measured from process
// start, not from the last successful dependency check.
type HealthResponse struct {
	Status      string    `json:"status"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Uptime      string    `json:"uptime"`
	CheckedAt   time.Time `json:"checked_at"`
}

// HealthCheck reports process liveness. Dependency health is left to the
// readiness probes on the database and Redis connections at startup.
func HealthCheck(cfg config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return utils.SendSuccess(c, "service healthy", HealthResponse{
			Status:      "ok",
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Uptime:      time.Since(processStart).Round(time.Second).String(),
			CheckedAt:   time.Now().UTC(),
		})
	}
}

package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/carebridge-health/carebridge-go-api/internal/dto"
	"github.com/carebridge-health/carebridge-go-api/internal/middleware"
	"github.com/carebridge-health/carebridge-go-api/internal/service"
	"github.com/carebridge-health/carebridge-go-api/internal/utils"
)

// PresenceHandler exposes schedule management and availability checks.
type PresenceHandler struct {
	service service.PresenceService
	logger  zerolog.Logger
}

// NewPresenceHandler creates a presence handler instance.
func NewPresenceHandler(service service.PresenceService, logger zerolog.Logger) *PresenceHandler {
	return &PresenceHandler{
		service: service,
		logger:  logger.With().Str("component", "presence_handler").Logger(),
	}
}

// Register binds presence routes under the provided router group. Schedule
// writes are doctor-only; availability reads are open to any participant.
func (h *PresenceHandler) Register(router fiber.Router) {
	router.Put("/schedule", middleware.RequireRole(middleware.RoleDoctor), h.updateSchedule)
	router.Get("/schedule", middleware.RequireRole(middleware.RoleDoctor), h.getSchedule)
	router.Get("/:id", h.check)
}

func (h *PresenceHandler) updateSchedule(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.ScheduleUpdateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	schedule, err := h.service.UpdateSchedule(requestContext(c), userID, payload)
	if err != nil {
		status := statusForError(err)
		if status == fiber.StatusInternalServerError {
			h.logger.Error().Err(err).Msg("schedule update failed")
			return utils.SendError(c, status, "schedule update failed")
		}
		return utils.SendError(c, status, err.Error())
	}

	return utils.SendSuccess(c, "schedule saved", schedule)
}

func (h *PresenceHandler) getSchedule(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	schedule, err := h.service.GetSchedule(requestContext(c), userID)
	if err != nil {
		status := statusForError(err)
		if status == fiber.StatusInternalServerError {
			h.logger.Error().Err(err).Msg("schedule lookup failed")
			return utils.SendError(c, status, "schedule lookup failed")
		}
		return utils.SendError(c, status, err.Error())
	}

	return utils.SendSuccess(c, "schedule", schedule)
}

// check recomputes the participant's availability on demand so callers always
// see a fresh answer rather than the cached column.
func (h *PresenceHandler) check(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "participant id required")
	}

	presence, err := h.service.Refresh(requestContext(c), id)
	if err != nil {
		status := statusForError(err)
		if status == fiber.StatusInternalServerError {
			h.logger.Error().Err(err).Msg("presence check failed")
			return utils.SendError(c, status, "presence check failed")
		}
		return utils.SendError(c, status, err.Error())
	}

	return utils.SendSuccess(c, "presence", presence)
}

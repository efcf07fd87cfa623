package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/carebridge-health/carebridge-go-api/internal/dto"
	"github.com/carebridge-health/carebridge-go-api/internal/service"
	"github.com/carebridge-health/carebridge-go-api/internal/utils"
)

// ParticipantHandler exposes the participant directory.
type ParticipantHandler struct {
	service service.ParticipantService
	logger  zerolog.Logger
}

// NewParticipantHandler creates a participant handler instance.
func NewParticipantHandler(service service.ParticipantService, logger zerolog.Logger) *ParticipantHandler {
	return &ParticipantHandler{
		service: service,
		logger:  logger.With().Str("component", "participant_handler").Logger(),
	}
}

// Register binds directory routes under the provided router group.
func (h *ParticipantHandler) Register(router fiber.Router) {
	router.Put("/me", h.upsert)
	router.Get("/doctors", h.listDoctors)
	router.Get("/:id", h.get)
}

func (h *ParticipantHandler) upsert(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.ParticipantUpsertRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	// A participant may only maintain their own profile; the role comes from
	// the token, not the body.
	payload.ID = userID
	if role := userRoleFromContext(c); role != "" {
		payload.Role = role
	}

	participant, err := h.service.Upsert(requestContext(c), payload)
	if err != nil {
		status := statusForError(err)
		if status == fiber.StatusInternalServerError {
			h.logger.Error().Err(err).Msg("participant upsert failed")
			return utils.SendError(c, status, "participant upsert failed")
		}
		return utils.SendError(c, status, err.Error())
	}

	return utils.SendSuccess(c, "participant saved", participant)
}

func (h *ParticipantHandler) get(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "participant id required")
	}

	participant, err := h.service.Get(requestContext(c), id)
	if err != nil {
		status := statusForError(err)
		if status == fiber.StatusInternalServerError {
			h.logger.Error().Err(err).Msg("participant lookup failed")
			return utils.SendError(c, status, "participant lookup failed")
		}
		return utils.SendError(c, status, err.Error())
	}

	return utils.SendSuccess(c, "participant", participant)
}

func (h *ParticipantHandler) listDoctors(c *fiber.Ctx) error {
	doctors, err := h.service.ListDoctors(requestContext(c))
	if err != nil {
		h.logger.Error().Err(err).Msg("doctor listing failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "doctor listing failed")
	}

	return utils.SendSuccess(c, "doctors", doctors)
}

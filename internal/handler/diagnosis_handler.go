package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/carebridge-health/carebridge-go-api/internal/dto"
	"github.com/carebridge-health/carebridge-go-api/internal/service"
	"github.com/carebridge-health/carebridge-go-api/internal/utils"
)

// DiagnosisHandler exposes the preliminary symptom-checker endpoint.
type DiagnosisHandler struct {
	service service.DiagnosisService
	logger  zerolog.Logger
}

// NewDiagnosisHandler creates a diagnosis handler instance.
func NewDiagnosisHandler(service service.DiagnosisService, logger zerolog.Logger) *DiagnosisHandler {
	return &DiagnosisHandler{
		service: service,
		logger:  logger.With().Str("component", "diagnosis_handler").Logger(),
	}
}

// Register binds the diagnosis route.
func (h *DiagnosisHandler) Register(router fiber.Router) {
	router.Post("", h.consult)
}

func (h *DiagnosisHandler) consult(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.DiagnosisRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.service.Consult(requestContext(c), userID, payload)
	if err != nil {
		status := statusForError(err)
		if status == fiber.StatusInternalServerError {
			h.logger.Error().Err(err).Msg("symptom consultation failed")
			return utils.SendError(c, status, "symptom consultation failed")
		}
		return utils.SendError(c, status, err.Error())
	}

	return utils.SendSuccess(c, "consultation reply", result)
}

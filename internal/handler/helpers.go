package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/carebridge-health/carebridge-go-api/internal/middleware"
	"github.com/carebridge-health/carebridge-go-api/internal/repository"
	"github.com/carebridge-health/carebridge-go-api/internal/service"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func parseUintParam(c *fiber.Ctx, key string) (uint, error) {
	raw := c.Params(key)
	if raw == "" {
		return 0, errors.New("missing id")
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(parsed), nil
}

func userIDFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_id"); v != nil {
		if id, ok := v.(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

func userRoleFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_role"); v != nil {
		if role, ok := v.(string); ok {
			return role
		}
	}
	return ""
}

func websocketUserID(conn *websocket.Conn) string {
	if value := conn.Locals("user_id"); value != nil {
		if id, ok := value.(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

// requestContext carries the correlation id from the fiber request into the
// context handed to services.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

// statusForError maps domain errors to HTTP status codes. Anything unmapped
// is a 500 and should be logged by the caller.
func statusForError(err error) int {
	switch {
	case isValidationError(err):
		return fiber.StatusBadRequest
	case errors.Is(err, repository.ErrParticipantNotFound),
		errors.Is(err, repository.ErrScheduleNotFound),
		errors.Is(err, repository.ErrCallNotFound),
		errors.Is(err, repository.ErrSessionNotFound),
		errors.Is(err, repository.ErrNotificationNotFound),
		errors.Is(err, repository.ErrMediaNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, repository.ErrCallInProgress):
		return fiber.StatusConflict
	case errors.Is(err, repository.ErrSessionEnded),
		errors.Is(err, service.ErrCallUnanswerable),
		errors.Is(err, service.ErrCalleeUnavailable):
		return fiber.StatusConflict
	case errors.Is(err, service.ErrNotCallParty),
		errors.Is(err, service.ErrNotCallee),
		errors.Is(err, service.ErrChatNotAuthorised):
		return fiber.StatusForbidden
	case errors.Is(err, service.ErrSelfCall),
		errors.Is(err, service.ErrInvalidTimeRange),
		errors.Is(err, service.ErrEmptyMessage):
		return fiber.StatusBadRequest
	case errors.Is(err, service.ErrDuplicateNotification):
		return fiber.StatusConflict
	case errors.Is(err, service.ErrDiagnosisUnavailable):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

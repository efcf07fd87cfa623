package handler

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/carebridge-health/carebridge-go-api/internal/dto"
	"github.com/carebridge-health/carebridge-go-api/internal/middleware"
	"github.com/carebridge-health/carebridge-go-api/internal/service"
	"github.com/carebridge-health/carebridge-go-api/internal/utils"
)

// CallHandler wires the call lifecycle endpoints and the signaling websocket.
type CallHandler struct {
	calls   service.CallService
	signals service.SignalService
	logger  zerolog.Logger
}

// NewCallHandler creates a call handler instance.
func NewCallHandler(calls service.CallService, signals service.SignalService, logger zerolog.Logger) *CallHandler {
	return &CallHandler{
		calls:   calls,
		signals: signals,
		logger:  logger.With().Str("component", "call_handler").Logger(),
	}
}

// Register binds call routes under the provided router group.
func (h *CallHandler) Register(router fiber.Router) {
	router.Post("/", h.request)
	router.Get("/:id", h.get)
	router.Post("/:id/accept", h.accept)
	router.Post("/:id/decline", h.decline)
	router.Post("/:id/end", h.end)
	router.Post("/:id/abort", h.abort)

	router.Use("/:id/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			ctx := c.UserContext()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
			c.Locals("request_ctx", ctx)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/:id/ws", websocket.New(h.handleSignaling))
}

func (h *CallHandler) request(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.CallCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	call, err := h.calls.Request(requestContext(c), userID, payload)
	if err != nil {
		return h.fail(c, err, "call request failed")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "call requested", call)
}

func (h *CallHandler) get(c *fiber.Ctx) error {
	return h.act(c, "call", h.calls.Get)
}

func (h *CallHandler) accept(c *fiber.Ctx) error {
	return h.act(c, "call accepted", h.calls.Accept)
}

func (h *CallHandler) decline(c *fiber.Ctx) error {
	return h.act(c, "call declined", h.calls.Decline)
}

func (h *CallHandler) end(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}
	callID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid call id")
	}

	call, err := h.calls.End(requestContext(c), callID, userID, "hangup")
	if err != nil {
		return h.fail(c, err, "call end failed")
	}
	return utils.SendSuccess(c, "call ended", call)
}

func (h *CallHandler) abort(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}
	callID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid call id")
	}

	var payload dto.CallAbortRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	call, err := h.calls.Abort(requestContext(c), callID, userID, payload)
	if err != nil {
		return h.fail(c, err, "call abort failed")
	}
	return utils.SendSuccess(c, "call aborted", call)
}

type callAction func(ctx context.Context, callID uint, userID string) (dto.CallResponse, error)

func (h *CallHandler) act(c *fiber.Ctx, message string, action callAction) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}
	callID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid call id")
	}

	call, err := action(requestContext(c), callID, userID)
	if err != nil {
		return h.fail(c, err, "call action failed")
	}
	return utils.SendSuccess(c, message, call)
}

func (h *CallHandler) fail(c *fiber.Ctx, err error, message string) error {
	status := statusForError(err)
	if status == fiber.StatusInternalServerError {
		h.logger.Error().Err(err).Msg(message)
		return utils.SendError(c, status, message)
	}
	return utils.SendError(c, status, err.Error())
}

func (h *CallHandler) handleSignaling(conn *websocket.Conn) {
	userID := websocketUserID(conn)
	if userID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(fiber.StatusUnauthorized, "user id missing"))
		_ = conn.Close()
		return
	}

	callID, err := strconv.ParseUint(strings.TrimSpace(conn.Params("id")), 10, 64)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(fiber.StatusBadRequest, "invalid call id"))
		_ = conn.Close()
		return
	}

	correlation, _ := conn.Locals("correlation_id").(string)
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)

	opts := service.SignalConnectionOptions{
		UserID:        userID,
		CallID:        uint(callID),
		CorrelationID: correlation,
		Context:       baseCtx,
	}

	h.logger.Info().Str("user_id", userID).Uint64("call_id", callID).Msg("signaling websocket connected")
	h.signals.ServeConnection(conn, opts)
	h.logger.Info().Str("user_id", userID).Uint64("call_id", callID).Msg("signaling websocket disconnected")
}

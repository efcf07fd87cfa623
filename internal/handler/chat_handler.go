package handler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/carebridge-health/carebridge-go-api/internal/dto"
	"github.com/carebridge-health/carebridge-go-api/internal/middleware"
	"github.com/carebridge-health/carebridge-go-api/internal/service"
	"github.com/carebridge-health/carebridge-go-api/internal/utils"
)

// ChatHandler wires chat endpoints including the websocket upgrade.
type ChatHandler struct {
	service   service.ChatService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(service service.ChatService, validator *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
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

	router.Get("/ws", websocket.New(h.handleConnection))
	router.Get("/history", h.history)
	router.Get("/sessions", h.listSessions)
	router.Post("/sessions", h.ensureSession)
	router.Patch("/sessions/:id/read", h.markRead)
	router.Post("/messages", h.postMessage)
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	userID := websocketUserID(conn)
	if userID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(fiber.StatusUnauthorized, "user id missing"))
		_ = conn.Close()
		return
	}

	sessionID, err := strconv.ParseUint(strings.TrimSpace(conn.Query("session_id")), 10, 64)
	if err != nil || sessionID == 0 {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(fiber.StatusBadRequest, "session_id required"))
		_ = conn.Close()
		return
	}

	correlation, _ := conn.Locals("correlation_id").(string)
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)

	opts := service.ChatConnectionOptions{
		UserID:        userID,
		SessionID:     uint(sessionID),
		CorrelationID: correlation,
		Context:       baseCtx,
	}

	h.logger.Info().Str("user_id", userID).Uint64("session_id", sessionID).Msg("chat websocket connected")
	h.service.ServeConnection(conn, opts)
	h.logger.Info().Str("user_id", userID).Uint64("session_id", sessionID).Msg("chat websocket disconnected")
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	sessionID, err := parseQueryInt(c, "session_id")
	if err != nil || sessionID <= 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "session_id required")
	}

	var beforePtr *time.Time
	if before := c.Query("before"); before != "" {
		parsed, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid before timestamp")
		}
		beforePtr = &parsed
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	query := dto.ChatHistoryQuery{
		SessionID: uint(sessionID),
		Before:    beforePtr,
		Limit:     limit,
	}

	messages, err := h.service.History(requestContext(c), userID, query)
	if err != nil {
		return h.fail(c, err, "chat history failed")
	}

	return utils.SendSuccess(c, "chat history", messages)
}

func (h *ChatHandler) listSessions(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	sessions, err := h.service.ListSessions(requestContext(c), userID)
	if err != nil {
		return h.fail(c, err, "session listing failed")
	}

	return utils.SendSuccess(c, "chat sessions", sessions)
}

func (h *ChatHandler) ensureSession(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload struct {
		OtherID string `json:"other_id"`
	}
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(payload.OtherID) == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "other_id required")
	}

	session, err := h.service.EnsureSession(requestContext(c), userID, strings.TrimSpace(payload.OtherID))
	if err != nil {
		return h.fail(c, err, "session creation failed")
	}

	return utils.SendSuccess(c, "chat session", session)
}

func (h *ChatHandler) markRead(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	sessionID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid session id")
	}

	session, err := h.service.MarkRead(requestContext(c), sessionID, userID)
	if err != nil {
		return h.fail(c, err, "mark read failed")
	}

	return utils.SendSuccess(c, "session updated", session)
}

func (h *ChatHandler) postMessage(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.ChatSendRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	message, err := h.service.PostMessage(requestContext(c), userID, payload)
	if err != nil {
		return h.fail(c, err, "message post failed")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", message)
}

func (h *ChatHandler) fail(c *fiber.Ctx, err error, message string) error {
	status := statusForError(err)
	if status == fiber.StatusInternalServerError {
		h.logger.Error().Err(err).Msg(message)
		return utils.SendError(c, status, message)
	}
	return utils.SendError(c, status, err.Error())
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/carebridge-health/carebridge-go-api/internal/dto"
	"github.com/carebridge-health/carebridge-go-api/internal/middleware"
	"github.com/carebridge-health/carebridge-go-api/internal/models"
	"github.com/carebridge-health/carebridge-go-api/internal/observability"
	"github.com/carebridge-health/carebridge-go-api/internal/repository"
)

const (
	chatRedisTTL       = 30 * time.Minute
	chatSendBufferSize = 32
)

var (
	// ErrChatNotAuthorised indicates the acting user is not a session member.
	ErrChatNotAuthorised = errors.New("not a member of this session")
	// ErrEmptyMessage indicates a post with neither text nor media.
	ErrEmptyMessage = errors.New("message needs text or media")
)

// ChatConnectionOptions wraps metadata extracted during the HTTP upgrade.
type ChatConnectionOptions struct {
	UserID        string
	SessionID     uint
	CorrelationID string
	Context       context.Context
}

// ChatService manages the session ledger, message delivery over websockets
// and the unread accounting that goes with it.
type ChatService interface {
	ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions)
	EnsureSession(ctx context.Context, requesterID, otherID string) (dto.ChatSessionResponse, error)
	ListSessions(ctx context.Context, userID string) ([]dto.ChatSessionResponse, error)
	PostMessage(ctx context.Context, authorID string, payload dto.ChatSendRequest) (dto.ChatMessageResponse, error)
	History(ctx context.Context, userID string, query dto.ChatHistoryQuery) ([]dto.ChatMessageResponse, error)
	MarkRead(ctx context.Context, sessionID uint, viewerID string) (dto.ChatSessionResponse, error)
	ForceEndSessionsFor(ctx context.Context, participantID, reason string) ([]models.ChatSession, error)
	Start(ctx context.Context)
}

type chatService struct {
	sessions      repository.ChatRepository
	messages      repository.MessageRepository
	participants  repository.ParticipantRepository
	media         repository.MediaRepository
	notifications NotificationPublisher
	redis         *redis.Client
	redisStream   string
	redisCache    string
	nats          *nats.Conn
	natsSubject   string
	validator     *validator.Validate
	logger        zerolog.Logger
	tracer        trace.Tracer
	sanitizer     *bluemonday.Policy
	hub           *chatHub
	nodeID        string
	now           func() time.Time
}

// chatHub keeps track of active websocket clients per session.
type chatHub struct {
	mu    sync.RWMutex
	rooms map[uint]map[*chatClient]struct{}
	log   zerolog.Logger
}

type chatClient struct {
	conn    *websocket.Conn
	send    chan dto.ChatMessageResponse
	options ChatConnectionOptions
	service *chatService
	closed  chan struct{}
	once    sync.Once
	baseCtx context.Context
}

type chatEvent struct {
	Source  string                  `json:"source"`
	Message dto.ChatMessageResponse `json:"message"`
	SentAt  time.Time               `json:"sent_at"`
}

// NewChatService creates the chat session service.
func NewChatService(sessions repository.ChatRepository, messages repository.MessageRepository, participants repository.ParticipantRepository, media repository.MediaRepository, notifications NotificationPublisher, redisClient *redis.Client, channelBase string, natsConn *nats.Conn, validate *validator.Validate, logger zerolog.Logger) ChatService {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	hub := &chatHub{
		rooms: make(map[uint]map[*chatClient]struct{}),
		log:   logger.With().Str("component", "chat_hub").Logger(),
	}

	streamChannel := ""
	cachePrefix := ""
	natsSubject := ""
	if channelBase != "" {
		streamChannel = channelBase + ":chat"
		cachePrefix = channelBase + ":chat:last"
		natsSubject = strings.ReplaceAll(channelBase, ":", ".") + ".chat"
	}

	return &chatService{
		sessions:      sessions,
		messages:      messages,
		participants:  participants,
		media:         media,
		notifications: notifications,
		redis:         redisClient,
		redisStream:   streamChannel,
		redisCache:    cachePrefix,
		nats:          natsConn,
		natsSubject:   natsSubject,
		validator:     validate,
		logger:        logger.With().Str("component", "chat_service").Logger(),
		tracer:        otel.Tracer("github.com/carebridge-health/carebridge-go-api/internal/service/chat"),
		sanitizer:     sanitizer,
		hub:           hub,
		nodeID:        uuid.NewString(),
		now:           time.Now,
	}
}

func (s *chatService) Start(ctx context.Context) {
	if s.redis != nil && s.redisStream != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

func (s *chatService) ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	session, err := s.sessions.FindSession(baseCtx, opts.SessionID)
	if err != nil || !session.Involves(opts.UserID) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "not a session member"))
		_ = conn.Close()
		return
	}

	client := &chatClient{
		conn:    conn,
		send:    make(chan dto.ChatMessageResponse, chatSendBufferSize),
		options: opts,
		service: s,
		closed:  make(chan struct{}),
		baseCtx: baseCtx,
	}

	s.hub.register(client)
	observability.ChatConnectionsTotal().Inc()

	if last := s.fetchLastMessage(baseCtx, opts.SessionID); last != nil {
		select {
		case client.send <- *last:
		default:
			s.logger.Debug().Uint("session_id", opts.SessionID).Msg("dropping cached chat message due to slow consumer")
		}
	}

	go client.writer()
	client.reader()
}

// EnsureSession returns the one session for the unordered pair, creating it
// on first contact and refreshing the denormalized participant details.
func (s *chatService) EnsureSession(ctx context.Context, requesterID, otherID string) (dto.ChatSessionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "chat.ensure_session", trace.WithAttributes(
		attribute.String("chat.requester", requesterID),
		attribute.String("chat.other", otherID),
	))
	defer span.End()

	if requesterID == otherID {
		return dto.ChatSessionResponse{}, ErrChatNotAuthorised
	}

	requester, err := s.participants.FindByID(ctx, requesterID)
	if err != nil {
		return dto.ChatSessionResponse{}, err
	}
	other, err := s.participants.FindByID(ctx, otherID)
	if err != nil {
		return dto.ChatSessionResponse{}, err
	}
	if other.IsDoctor() && !other.IsAvailable {
		return dto.ChatSessionResponse{}, ErrCalleeUnavailable
	}

	session, err := s.sessions.EnsureSession(ctx, requester, other)
	if err != nil {
		span.RecordError(err)
		return dto.ChatSessionResponse{}, err
	}
	return dto.NewChatSessionResponse(session), nil
}

func (s *chatService) ListSessions(ctx context.Context, userID string) ([]dto.ChatSessionResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	sessions, err := s.sessions.ListSessionsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return dto.NewChatSessionResponseSlice(sessions), nil
}

// PostMessage appends one message to an active session. Media must reference
// an asset the author previously committed through the upload flow.
func (s *chatService) PostMessage(ctx context.Context, authorID string, payload dto.ChatSendRequest) (dto.ChatMessageResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.ChatMessageResponse{}, err
	}

	session, err := s.sessions.FindSession(ctx, payload.SessionID)
	if err != nil {
		return dto.ChatMessageResponse{}, err
	}
	if !session.Involves(authorID) {
		return dto.ChatMessageResponse{}, ErrChatNotAuthorised
	}
	if session.Status != models.SessionStatusActive {
		return dto.ChatMessageResponse{}, repository.ErrSessionEnded
	}

	clean := strings.TrimSpace(s.sanitizer.Sanitize(payload.Text))

	message := models.ChatMessage{
		SessionID: session.ID,
		AuthorID:  authorID,
		Text:      clean,
	}
	if payload.MediaID != 0 {
		asset, err := s.media.FindOwned(ctx, payload.MediaID, authorID)
		if err != nil {
			return dto.ChatMessageResponse{}, err
		}
		message.MediaURL = asset.URL
		message.MediaKind = asset.Kind
	}
	if message.Text == "" && message.MediaURL == "" {
		return dto.ChatMessageResponse{}, ErrEmptyMessage
	}

	kind := message.MediaKind
	if kind == "" {
		kind = "text"
	}

	spanCtx, span := s.tracer.Start(ctx, "chat.post", trace.WithAttributes(
		attribute.Int("chat.session_id", int(session.ID)),
		attribute.String("chat.author_id", authorID),
		attribute.String("chat.kind", kind),
	))
	defer span.End()

	if err := s.sessions.AppendMessage(spanCtx, &session, &message); err != nil {
		span.RecordError(err)
		return dto.ChatMessageResponse{}, err
	}

	response := dto.NewChatMessageResponse(message)
	s.cacheLastMessage(spanCtx, response)
	s.broadcast(response)
	if err := s.publish(spanCtx, response); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish chat event")
	}
	s.notifyRecipient(spanCtx, session, response)

	observability.ChatMessagesTotal().WithLabelValues(kind).Inc()

	return response, nil
}

func (s *chatService) History(ctx context.Context, userID string, query dto.ChatHistoryQuery) ([]dto.ChatMessageResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}

	session, err := s.sessions.FindSession(ctx, query.SessionID)
	if err != nil {
		return nil, err
	}
	if !session.Involves(userID) {
		return nil, ErrChatNotAuthorised
	}

	before := time.Time{}
	if query.Before != nil {
		before = *query.Before
	}

	messages, err := s.messages.ListBySession(ctx, query.SessionID, before, query.Limit)
	if err != nil {
		return nil, err
	}
	return dto.NewChatMessageResponseSlice(messages), nil
}

// MarkRead flips every message from the other party to read and zeroes the
// viewer's unread counter. Safe to repeat.
func (s *chatService) MarkRead(ctx context.Context, sessionID uint, viewerID string) (dto.ChatSessionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "chat.mark_read", trace.WithAttributes(
		attribute.Int("chat.session_id", int(sessionID)),
		attribute.String("chat.viewer_id", viewerID),
	))
	defer span.End()

	session, err := s.sessions.FindSession(ctx, sessionID)
	if err != nil {
		return dto.ChatSessionResponse{}, err
	}
	if !session.Involves(viewerID) {
		return dto.ChatSessionResponse{}, ErrChatNotAuthorised
	}

	updated, err := s.sessions.MarkRead(ctx, sessionID, viewerID)
	if err != nil {
		span.RecordError(err)
		return dto.ChatSessionResponse{}, err
	}
	return dto.NewChatSessionResponse(updated), nil
}

// ForceEndSessionsFor closes every active session involving the participant
// and alerts the people on the other end. Invoked when a doctor's presence
// drops mid-conversation.
func (s *chatService) ForceEndSessionsFor(ctx context.Context, participantID, reason string) ([]models.ChatSession, error) {
	ended, err := s.sessions.ForceEndFor(ctx, participantID, reason, s.now())
	if err != nil {
		return nil, err
	}

	for _, session := range ended {
		other := session.OtherParty(participantID)
		if s.notifications == nil {
			continue
		}
		sessionID := session.ID
		_, err := s.notifications.Publish(ctx, dto.NotificationCreateRequest{
			UserID:    other,
			Type:      models.NotificationTypePresence,
			Message:   "The conversation ended because the other participant became unavailable",
			SessionID: &sessionID,
			DedupKey:  fmt.Sprintf("session:%d:forceend", session.ID),
		})
		if err != nil && !errors.Is(err, ErrDuplicateNotification) {
			s.logger.Warn().Err(err).Uint("session_id", session.ID).Msg("failed to notify session force-end")
		}
	}
	return ended, nil
}

func (s *chatService) notifyRecipient(ctx context.Context, session models.ChatSession, message dto.ChatMessageResponse) {
	if s.notifications == nil {
		return
	}
	sessionID := session.ID
	_, err := s.notifications.Publish(ctx, dto.NotificationCreateRequest{
		UserID:    session.OtherParty(message.AuthorID),
		Type:      models.NotificationTypeChat,
		Message:   "New message received",
		SessionID: &sessionID,
		DedupKey:  fmt.Sprintf("chat:msg:%d", message.ID),
	})
	if err != nil && !errors.Is(err, ErrDuplicateNotification) {
		s.logger.Warn().Err(err).Uint("session_id", session.ID).Msg("failed to publish chat notification")
	}
}

func (s *chatService) cacheLastMessage(ctx context.Context, message dto.ChatMessageResponse) {
	if s.redis == nil || s.redisCache == "" {
		return
	}

	payload, err := json.Marshal(message)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal chat message for cache")
		return
	}

	key := fmt.Sprintf("%s:%d", s.redisCache, message.SessionID)
	if err := s.redis.Set(ctx, key, payload, chatRedisTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache chat message")
	}
}

func (s *chatService) fetchLastMessage(ctx context.Context, sessionID uint) *dto.ChatMessageResponse {
	if s.redis == nil || s.redisCache == "" {
		return nil
	}

	key := fmt.Sprintf("%s:%d", s.redisCache, sessionID)
	result, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		return nil
	}

	var message dto.ChatMessageResponse
	if err := json.Unmarshal([]byte(result), &message); err != nil {
		s.logger.Warn().Err(err).Msg("failed to unmarshal cached chat message")
		return nil
	}
	return &message
}

func (s *chatService) broadcast(message dto.ChatMessageResponse) {
	s.hub.broadcast(message.SessionID, message)
}

func (s *chatService) publish(ctx context.Context, message dto.ChatMessageResponse) error {
	event := chatEvent{
		Source:  s.nodeID,
		Message: message,
		SentAt:  time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisStream != "" {
		if err := s.redis.Publish(ctx, s.redisStream, payload).Err(); err != nil {
			return err
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (s *chatService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisStream)
	defer func() {
		_ = pubsub.Close()
	}()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("chat redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *chatService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.QueueSubscribe(s.natsSubject, "carebridge-chat", func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats chat subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain chat nats subscription")
		}
	}()
}

func (s *chatService) handleEvent(data []byte) {
	var event chatEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid chat event")
		return
	}

	if event.Source == s.nodeID {
		return
	}

	s.broadcast(event.Message)
}

func (h *chatHub) register(client *chatClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := client.options.SessionID
	if _, exists := h.rooms[room]; !exists {
		h.rooms[room] = make(map[*chatClient]struct{})
	}
	h.rooms[room][client] = struct{}{}
	h.log.Debug().Uint("session_id", room).Str("user_id", client.options.UserID).Msg("chat client connected")
}

func (h *chatHub) unregister(client *chatClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := client.options.SessionID
	if clients, ok := h.rooms[room]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	h.log.Debug().Uint("session_id", room).Str("user_id", client.options.UserID).Msg("chat client disconnected")
}

func (h *chatHub) broadcast(sessionID uint, message dto.ChatMessageResponse) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := h.rooms[sessionID]
	for client := range clients {
		select {
		case client.send <- message:
		default:
			h.log.Warn().Uint("session_id", sessionID).Str("user_id", client.options.UserID).Msg("dropping chat message for slow client")
		}
	}
}

func (c *chatClient) reader() {
	defer c.close()

	connCtx := c.baseCtx
	if connCtx == nil {
		connCtx = context.Background()
	}
	if c.options.CorrelationID != "" {
		connCtx = middleware.ContextWithCorrelation(connCtx, c.options.CorrelationID)
	}

	for {
		var payload dto.ChatSendRequest
		if err := c.conn.ReadJSON(&payload); err != nil {
			c.service.logger.Debug().Err(err).Msg("chat read loop ended")
			return
		}

		// The connection is bound to one session regardless of what the
		// frame claims.
		payload.SessionID = c.options.SessionID

		if _, err := c.service.PostMessage(connCtx, c.options.UserID, payload); err != nil {
			c.service.logger.Warn().Err(err).Msg("failed to process chat message")
			continue
		}
	}
}

func (c *chatClient) writer() {
	defer c.close()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.service.logger.Debug().Err(err).Msg("chat write loop terminated")
				return
			}
		case <-time.After(30 * time.Second):
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.service.logger.Debug().Err(err).Msg("chat ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *chatClient) close() {
	c.once.Do(func() {
		close(c.closed)
		c.service.hub.unregister(c)
		_ = c.conn.Close()
	})
}

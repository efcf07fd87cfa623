package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/carebridge-health/carebridge-go-api/internal/dto"
	"github.com/carebridge-health/carebridge-go-api/internal/models"
	"github.com/carebridge-health/carebridge-go-api/internal/observability"
	"github.com/carebridge-health/carebridge-go-api/internal/repository"
)

const signalSendBufferSize = 32

// ErrSignalNotAllowed indicates a frame that the call's current state does
// not permit, such as an answer before any offer exists.
var ErrSignalNotAllowed = errors.New("signal not allowed in current call state")

// CallEnder finishes a call on behalf of a signaling client that sent an end
// frame. Implemented by the call service and injected after construction to
// break the mutual dependency with CallEndBroadcaster.
type CallEnder interface {
	End(ctx context.Context, callID uint, userID, reason string) (dto.CallResponse, error)
}

// SignalConnectionOptions wraps metadata extracted during the HTTP upgrade.
type SignalConnectionOptions struct {
	UserID        string
	CallID        uint
	CorrelationID string
	Context       context.Context
}

// SignalService relays session descriptions and connectivity candidates
// between the two parties of an accepted call. Frames are persisted before
// relay so a reconnecting peer can replay the exchange, and published on
// Redis/NATS so peers attached to different nodes still hear each other.
type SignalService interface {
	ServeConnection(conn *websocket.Conn, opts SignalConnectionOptions)
	BroadcastEnd(callID uint, from, reason string)
	SetCallEnder(ender CallEnder)
	Start(ctx context.Context)
}

type signalService struct {
	calls       repository.CallRepository
	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	natsSubject string
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
	hub         *signalHub
	nodeID      string

	enderMu sync.RWMutex
	ender   CallEnder
}

type signalEvent struct {
	Source   string             `json:"source"`
	CallID   uint               `json:"call_id"`
	Envelope dto.SignalEnvelope `json:"envelope"`
	SentAt   time.Time          `json:"sent_at"`
}

type signalHub struct {
	mu    sync.RWMutex
	rooms map[uint]map[*signalClient]struct{}
	log   zerolog.Logger
}

type signalClient struct {
	conn    *websocket.Conn
	send    chan dto.SignalEnvelope
	options SignalConnectionOptions
	service *signalService
	closed  chan struct{}
	once    sync.Once
	baseCtx context.Context
}

// NewSignalService constructs the signaling relay.
func NewSignalService(calls repository.CallRepository, redisClient *redis.Client, channelBase string, natsConn *nats.Conn, validate *validator.Validate, logger zerolog.Logger) SignalService {
	streamChannel := ""
	natsSubject := ""
	if channelBase != "" {
		streamChannel = channelBase + ":signal"
		natsSubject = strings.ReplaceAll(channelBase, ":", ".") + ".signal"
	}

	return &signalService{
		calls:       calls,
		redis:       redisClient,
		redisStream: streamChannel,
		nats:        natsConn,
		natsSubject: natsSubject,
		validator:   validate,
		logger:      logger.With().Str("component", "signal_service").Logger(),
		tracer:      otel.Tracer("github.com/carebridge-health/carebridge-go-api/internal/service/signal"),
		hub: &signalHub{
			rooms: make(map[uint]map[*signalClient]struct{}),
			log:   logger.With().Str("component", "signal_hub").Logger(),
		},
		nodeID: uuid.NewString(),
	}
}

// Start launches the cross-node consumers until ctx is done.
func (s *signalService) Start(ctx context.Context) {
	if s.redis != nil && s.redisStream != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

func (s *signalService) SetCallEnder(ender CallEnder) {
	s.enderMu.Lock()
	defer s.enderMu.Unlock()
	s.ender = ender
}

func (s *signalService) callEnder() CallEnder {
	s.enderMu.RLock()
	defer s.enderMu.RUnlock()
	return s.ender
}

func (s *signalService) ServeConnection(conn *websocket.Conn, opts SignalConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	call, err := s.calls.FindByID(baseCtx, opts.CallID)
	if err != nil || !canJoin(call, opts.UserID) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "call not joinable"))
		_ = conn.Close()
		return
	}

	client := &signalClient{
		conn:    conn,
		send:    make(chan dto.SignalEnvelope, signalSendBufferSize),
		options: opts,
		service: s,
		closed:  make(chan struct{}),
		baseCtx: baseCtx,
	}

	s.hub.register(client)
	s.replay(call, client)

	go client.writer()
	client.reader()
}

// canJoin scopes the signaling websocket to the parties of an accepted call.
// Pending and terminal calls are not joinable.
func canJoin(call models.CallRequest, userID string) bool {
	return call.Involves(userID) && call.Status == models.CallStatusAccepted
}

// replay pushes the persisted exchange to a joining client so a reconnect
// picks up where the peer left off.
func (s *signalService) replay(call models.CallRequest, client *signalClient) {
	if len(call.Offer) > 0 && call.FromID != client.options.UserID {
		client.enqueue(dto.SignalEnvelope{Type: dto.SignalTypeOffer, Payload: json.RawMessage(call.Offer), From: call.FromID})
	}
	if len(call.Answer) > 0 && call.ToID != client.options.UserID {
		client.enqueue(dto.SignalEnvelope{Type: dto.SignalTypeAnswer, Payload: json.RawMessage(call.Answer), From: call.ToID})
	}
	if len(call.Candidates) > 0 {
		var candidates []json.RawMessage
		if err := json.Unmarshal(call.Candidates, &candidates); err == nil {
			other := call.OtherParty(client.options.UserID)
			for _, candidate := range candidates {
				client.enqueue(dto.SignalEnvelope{Type: dto.SignalTypeCandidate, Payload: candidate, From: other})
			}
		}
	}
}

// BroadcastEnd pushes an end frame to every client attached to the call,
// on this node directly and on other nodes through the bus.
func (s *signalService) BroadcastEnd(callID uint, from, reason string) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	envelope := dto.SignalEnvelope{Type: dto.SignalTypeEnd, Payload: payload, From: from}
	s.hub.broadcastAll(callID, envelope)
	if err := s.publish(context.Background(), callID, envelope); err != nil {
		s.logger.Warn().Err(err).Uint("call_id", callID).Msg("failed to publish signal end event")
	}
	observability.SignalFrames().WithLabelValues(dto.SignalTypeEnd).Inc()
}

// handleFrame validates, persists and relays one inbound frame. Duplicate
// offers, answers and candidates are dropped without relay.
func (s *signalService) handleFrame(ctx context.Context, client *signalClient, envelope dto.SignalEnvelope) error {
	if err := s.validator.Struct(envelope); err != nil {
		return err
	}
	envelope.From = client.options.UserID

	ctx, span := s.tracer.Start(ctx, "signal.frame", trace.WithAttributes(
		attribute.Int("call.id", int(client.options.CallID)),
		attribute.String("signal.type", envelope.Type),
	))
	defer span.End()

	call, err := s.calls.FindByID(ctx, client.options.CallID)
	if err != nil {
		return err
	}
	if !call.Involves(envelope.From) {
		return ErrNotCallParty
	}

	if envelope.Type == dto.SignalTypeEnd {
		ender := s.callEnder()
		if ender == nil {
			return ErrSignalNotAllowed
		}
		// End broadcasts back through BroadcastEnd, reaching both peers.
		_, err := ender.End(ctx, call.ID, envelope.From, "hangup")
		return err
	}

	if call.Status != models.CallStatusAccepted {
		return ErrSignalNotAllowed
	}

	// Offer and answer roles are asymmetric and fixed per call: the caller
	// offers, the callee answers.
	var applied bool
	switch envelope.Type {
	case dto.SignalTypeOffer:
		if envelope.From != call.FromID {
			return ErrSignalNotAllowed
		}
		applied, err = s.calls.SetOfferIfAbsent(ctx, call.ID, envelope.Payload)
	case dto.SignalTypeAnswer:
		if envelope.From != call.ToID || len(call.Offer) == 0 {
			return ErrSignalNotAllowed
		}
		applied, err = s.calls.SetAnswerIfAbsent(ctx, call.ID, envelope.Payload)
	case dto.SignalTypeCandidate:
		applied, err = s.calls.AppendCandidate(ctx, call.ID, envelope.Payload)
	default:
		return ErrSignalNotAllowed
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !applied {
		s.logger.Debug().Uint("call_id", call.ID).Str("type", envelope.Type).Msg("duplicate signal frame dropped")
		return nil
	}

	observability.SignalFrames().WithLabelValues(envelope.Type).Inc()
	s.hub.broadcast(client.options.CallID, client, envelope)
	if err := s.publish(ctx, call.ID, envelope); err != nil {
		s.logger.Warn().Err(err).Uint("call_id", call.ID).Msg("failed to publish signal event")
	}
	return nil
}

func (s *signalService) publish(ctx context.Context, callID uint, envelope dto.SignalEnvelope) error {
	event := signalEvent{
		Source:   s.nodeID,
		CallID:   callID,
		Envelope: envelope,
		SentAt:   time.Now().UTC(),
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

func (s *signalService) consumeRedis(ctx context.Context) {
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
			s.logger.Error().Err(err).Msg("signal redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *signalService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.QueueSubscribe(s.natsSubject, "carebridge-signal", func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats signal subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain signal nats subscription")
		}
	}()
}

// handleEvent delivers a frame relayed from another node to the local room.
// The sender's own node already delivered it locally, so events sourced here
// are skipped, as is the sending peer if it reconnected to this node.
func (s *signalService) handleEvent(data []byte) {
	var event signalEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid signal event")
		return
	}

	if event.Source == s.nodeID {
		return
	}

	if event.Envelope.Type == dto.SignalTypeEnd {
		s.hub.broadcastAll(event.CallID, event.Envelope)
		return
	}
	s.hub.broadcastExcept(event.CallID, event.Envelope.From, event.Envelope)
}

func (h *signalHub) register(client *signalClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := client.options.CallID
	if _, exists := h.rooms[room]; !exists {
		h.rooms[room] = make(map[*signalClient]struct{})
	}
	h.rooms[room][client] = struct{}{}
	h.log.Debug().Uint("call_id", room).Str("user_id", client.options.UserID).Msg("signal client connected")
}

func (h *signalHub) unregister(client *signalClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := client.options.CallID
	if clients, ok := h.rooms[room]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	h.log.Debug().Uint("call_id", room).Str("user_id", client.options.UserID).Msg("signal client disconnected")
}

// broadcast relays a frame to everyone in the room except the sender.
func (h *signalHub) broadcast(callID uint, sender *signalClient, envelope dto.SignalEnvelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[callID] {
		if client == sender {
			continue
		}
		client.enqueue(envelope)
	}
}

func (h *signalHub) broadcastAll(callID uint, envelope dto.SignalEnvelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[callID] {
		client.enqueue(envelope)
	}
}

// broadcastExcept relays a frame to everyone in the room except the named
// user, used for frames that originated on another node.
func (h *signalHub) broadcastExcept(callID uint, userID string, envelope dto.SignalEnvelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[callID] {
		if client.options.UserID == userID {
			continue
		}
		client.enqueue(envelope)
	}
}

func (c *signalClient) enqueue(envelope dto.SignalEnvelope) {
	select {
	case c.send <- envelope:
	default:
		c.service.logger.Warn().Uint("call_id", c.options.CallID).Str("user_id", c.options.UserID).Msg("dropping signal frame for slow client")
	}
}

func (c *signalClient) reader() {
	defer c.close()

	connCtx := c.baseCtx
	if connCtx == nil {
		connCtx = context.Background()
	}

	for {
		var envelope dto.SignalEnvelope
		if err := c.conn.ReadJSON(&envelope); err != nil {
			c.service.logger.Debug().Err(err).Msg("signal read loop ended")
			return
		}

		if err := c.service.handleFrame(connCtx, c, envelope); err != nil {
			c.service.logger.Warn().Err(err).Uint("call_id", c.options.CallID).Msg("failed to process signal frame")
			continue
		}
	}
}

func (c *signalClient) writer() {
	defer c.close()

	for {
		select {
		case envelope, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(envelope); err != nil {
				c.service.logger.Debug().Err(err).Msg("signal write loop terminated")
				return
			}
		case <-time.After(30 * time.Second):
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.service.logger.Debug().Err(err).Msg("signal ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *signalClient) close() {
	c.once.Do(func() {
		close(c.closed)
		c.service.hub.unregister(c)
		_ = c.conn.Close()
	})
}

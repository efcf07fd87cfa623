package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/carebridge-health/carebridge-go-api/internal/dto"
	"github.com/carebridge-health/carebridge-go-api/internal/models"
	"github.com/carebridge-health/carebridge-go-api/internal/observability"
	"github.com/carebridge-health/carebridge-go-api/internal/repository"
)

var (
	// ErrSelfCall indicates a participant tried to call themselves.
	ErrSelfCall = errors.New("cannot call yourself")
	// ErrNotCallParty indicates the acting user is neither side of the call.
	ErrNotCallParty = errors.New("not a party to this call")
	// ErrNotCallee indicates an answer action came from the caller side.
	ErrNotCallee = errors.New("only the callee can answer this call")
	// ErrCallUnanswerable indicates the call already reached a terminal state.
	ErrCallUnanswerable = errors.New("call is no longer answerable")
	// ErrCalleeUnavailable indicates the other party cannot be reached right
	// now: busy, off schedule, or otherwise marked unavailable.
	ErrCalleeUnavailable = errors.New("recipient is currently unavailable")
)

// BusySetter flips a participant's busy flag around an active call. Clearing
// busy recomputes presence from the schedule. Implemented by the presence
// service.
type BusySetter interface {
	SetBusy(ctx context.Context, participantID string, busy bool) error
}

// CallEndBroadcaster pushes an end frame to a call's connected signaling
// clients so both peers tear down media even when the end arrived over REST.
// Implemented by the signaling service.
type CallEndBroadcaster interface {
	BroadcastEnd(callID uint, from, reason string)
}

// CallService drives the call-request lifecycle: requesting, accepted,
// declined, expired, ended. Every transition is compare-and-swap guarded so
// racing accept, decline and expiry writers settle deterministically.
type CallService interface {
	Request(ctx context.Context, fromID string, payload dto.CallCreateRequest) (dto.CallResponse, error)
	Get(ctx context.Context, callID uint, userID string) (dto.CallResponse, error)
	Accept(ctx context.Context, callID uint, userID string) (dto.CallResponse, error)
	Decline(ctx context.Context, callID uint, userID string) (dto.CallResponse, error)
	End(ctx context.Context, callID uint, userID, reason string) (dto.CallResponse, error)
	Abort(ctx context.Context, callID uint, userID string, payload dto.CallAbortRequest) (dto.CallResponse, error)
	Start(ctx context.Context)
}

type callService struct {
	calls         repository.CallRepository
	participants  repository.ParticipantRepository
	presence      BusySetter
	notifications NotificationPublisher
	signals       CallEndBroadcaster
	validator     *validator.Validate
	logger        zerolog.Logger
	tracer        trace.Tracer
	sweepInterval time.Duration
	now           func() time.Time
}

// NewCallService constructs the call lifecycle service. The sweep interval
// controls the background expiry loop; zero disables it.
func NewCallService(calls repository.CallRepository, participants repository.ParticipantRepository, presence BusySetter, notifications NotificationPublisher, signals CallEndBroadcaster, validate *validator.Validate, sweepInterval time.Duration, logger zerolog.Logger) CallService {
	return &callService{
		calls:         calls,
		participants:  participants,
		presence:      presence,
		notifications: notifications,
		signals:       signals,
		validator:     validate,
		logger:        logger.With().Str("component", "call_service").Logger(),
		tracer:        otel.Tracer("github.com/carebridge-health/carebridge-go-api/internal/service/call"),
		sweepInterval: sweepInterval,
		now:           time.Now,
	}
}

func (s *callService) Request(ctx context.Context, fromID string, payload dto.CallCreateRequest) (dto.CallResponse, error) {
	ctx, span := s.tracer.Start(ctx, "call.request", trace.WithAttributes(
		attribute.String("call.from", fromID),
		attribute.String("call.to", payload.ToID),
	))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		return dto.CallResponse{}, err
	}
	if fromID == payload.ToID {
		return dto.CallResponse{}, ErrSelfCall
	}

	caller, err := s.participants.FindByID(ctx, fromID)
	if err != nil {
		return dto.CallResponse{}, err
	}
	callee, err := s.participants.FindByID(ctx, payload.ToID)
	if err != nil {
		return dto.CallResponse{}, err
	}
	if callee.Status == models.StatusBusy || (callee.IsDoctor() && !callee.IsAvailable) {
		return dto.CallResponse{}, ErrCalleeUnavailable
	}

	now := s.now()
	call := models.CallRequest{
		PairKey:   models.PairKey(fromID, payload.ToID),
		FromID:    fromID,
		ToID:      payload.ToID,
		Status:    models.CallStatusRequesting,
		ExpiresAt: now.Add(models.CallRequestTTL),
	}
	if err := s.calls.CreateIfIdle(ctx, &call); err != nil {
		span.RecordError(err)
		return dto.CallResponse{}, err
	}
	observability.CallTransitions().WithLabelValues(models.CallStatusRequesting).Inc()

	s.notify(ctx, callee.ID, fmt.Sprintf("%s is calling you", caller.Name), call.ID,
		fmt.Sprintf("call:%d:requested", call.ID))

	s.logger.Info().Uint("call_id", call.ID).Str("from", fromID).Str("to", payload.ToID).Msg("call requested")
	return dto.NewCallResponse(call), nil
}

// Get returns the call as seen by one of its parties. A pending request past
// its deadline is expired on the way out, so readers never observe a stale
// requesting state.
func (s *callService) Get(ctx context.Context, callID uint, userID string) (dto.CallResponse, error) {
	call, err := s.loadForParty(ctx, callID, userID)
	if err != nil {
		return dto.CallResponse{}, err
	}
	return dto.NewCallResponse(call), nil
}

func (s *callService) Accept(ctx context.Context, callID uint, userID string) (dto.CallResponse, error) {
	ctx, span := s.tracer.Start(ctx, "call.accept", trace.WithAttributes(
		attribute.Int("call.id", int(callID)),
	))
	defer span.End()

	call, err := s.loadForParty(ctx, callID, userID)
	if err != nil {
		return dto.CallResponse{}, err
	}
	if call.ToID != userID {
		return dto.CallResponse{}, ErrNotCallee
	}
	if call.Status != models.CallStatusRequesting {
		return dto.NewCallResponse(call), ErrCallUnanswerable
	}

	updated, err := s.calls.Transition(ctx, callID, models.CallStatusRequesting, models.CallStatusAccepted, nil)
	if errors.Is(err, repository.ErrStaleTransition) {
		return dto.NewCallResponse(updated), ErrCallUnanswerable
	}
	if err != nil {
		span.RecordError(err)
		return dto.CallResponse{}, err
	}
	observability.CallTransitions().WithLabelValues(models.CallStatusAccepted).Inc()

	s.setBusy(ctx, true, updated.FromID, updated.ToID)
	s.notify(ctx, updated.FromID, "Your call was accepted", updated.ID,
		fmt.Sprintf("call:%d:accepted", updated.ID))

	s.logger.Info().Uint("call_id", callID).Str("by", userID).Msg("call accepted")
	return dto.NewCallResponse(updated), nil
}

func (s *callService) Decline(ctx context.Context, callID uint, userID string) (dto.CallResponse, error) {
	ctx, span := s.tracer.Start(ctx, "call.decline", trace.WithAttributes(
		attribute.Int("call.id", int(callID)),
	))
	defer span.End()

	call, err := s.loadForParty(ctx, callID, userID)
	if err != nil {
		return dto.CallResponse{}, err
	}
	if call.ToID != userID {
		return dto.CallResponse{}, ErrNotCallee
	}
	if call.Status != models.CallStatusRequesting {
		return dto.NewCallResponse(call), ErrCallUnanswerable
	}

	now := s.now()
	updated, err := s.calls.Transition(ctx, callID, models.CallStatusRequesting, models.CallStatusDeclined, map[string]interface{}{
		"end_reason": "declined",
		"ended_at":   now,
	})
	if errors.Is(err, repository.ErrStaleTransition) {
		return dto.NewCallResponse(updated), ErrCallUnanswerable
	}
	if err != nil {
		span.RecordError(err)
		return dto.CallResponse{}, err
	}
	observability.CallTransitions().WithLabelValues(models.CallStatusDeclined).Inc()

	s.notify(ctx, updated.FromID, "Your call was declined", updated.ID,
		fmt.Sprintf("call:%d:declined", updated.ID))

	s.logger.Info().Uint("call_id", callID).Str("by", userID).Msg("call declined")
	return dto.NewCallResponse(updated), nil
}

// End finishes an accepted call. Either party may end; the other side is told
// over the signaling channel and both parties leave busy.
func (s *callService) End(ctx context.Context, callID uint, userID, reason string) (dto.CallResponse, error) {
	ctx, span := s.tracer.Start(ctx, "call.end", trace.WithAttributes(
		attribute.Int("call.id", int(callID)),
	))
	defer span.End()

	call, err := s.loadForParty(ctx, callID, userID)
	if err != nil {
		return dto.CallResponse{}, err
	}
	if call.IsTerminal() {
		// Ending twice is a harmless no-op; return the settled record.
		return dto.NewCallResponse(call), nil
	}
	if call.Status != models.CallStatusAccepted {
		return dto.NewCallResponse(call), ErrCallUnanswerable
	}

	if reason == "" {
		reason = "hangup"
	}
	now := s.now()
	updated, err := s.calls.Transition(ctx, callID, models.CallStatusAccepted, models.CallStatusEnded, map[string]interface{}{
		"end_reason": reason,
		"ended_at":   now,
	})
	if errors.Is(err, repository.ErrStaleTransition) {
		return dto.NewCallResponse(updated), nil
	}
	if err != nil {
		span.RecordError(err)
		return dto.CallResponse{}, err
	}
	observability.CallTransitions().WithLabelValues(models.CallStatusEnded).Inc()

	s.setBusy(ctx, false, updated.FromID, updated.ToID)
	if s.signals != nil {
		s.signals.BroadcastEnd(updated.ID, userID, reason)
	}
	s.notify(ctx, updated.OtherParty(userID), "Call ended", updated.ID,
		fmt.Sprintf("call:%d:ended", updated.ID))

	s.logger.Info().Uint("call_id", callID).Str("by", userID).Str("reason", reason).Msg("call ended")
	return dto.NewCallResponse(updated), nil
}

// Abort tears a live call down after a client-side failure. It works from
// either live state, unlike End which requires an accepted call.
func (s *callService) Abort(ctx context.Context, callID uint, userID string, payload dto.CallAbortRequest) (dto.CallResponse, error) {
	ctx, span := s.tracer.Start(ctx, "call.abort", trace.WithAttributes(
		attribute.Int("call.id", int(callID)),
	))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		return dto.CallResponse{}, err
	}

	call, err := s.loadForParty(ctx, callID, userID)
	if err != nil {
		return dto.CallResponse{}, err
	}
	if call.IsTerminal() {
		return dto.NewCallResponse(call), nil
	}

	wasAccepted := call.Status == models.CallStatusAccepted
	now := s.now()
	updated, err := s.calls.Transition(ctx, callID, call.Status, models.CallStatusEnded, map[string]interface{}{
		"end_reason": payload.Reason,
		"ended_at":   now,
	})
	if errors.Is(err, repository.ErrStaleTransition) {
		return dto.NewCallResponse(updated), nil
	}
	if err != nil {
		span.RecordError(err)
		return dto.CallResponse{}, err
	}
	observability.CallTransitions().WithLabelValues(models.CallStatusEnded).Inc()

	if wasAccepted {
		s.setBusy(ctx, false, updated.FromID, updated.ToID)
	}
	if s.signals != nil {
		s.signals.BroadcastEnd(updated.ID, userID, payload.Reason)
	}
	s.notify(ctx, updated.OtherParty(userID), "Call ended", updated.ID,
		fmt.Sprintf("call:%d:ended", updated.ID))

	s.logger.Info().Uint("call_id", callID).Str("by", userID).Str("reason", payload.Reason).Msg("call aborted")
	return dto.NewCallResponse(updated), nil
}

// Start runs the background expiry sweep until ctx is done.
func (s *callService) Start(ctx context.Context) {
	if s.sweepInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *callService) sweep(ctx context.Context) {
	expired, err := s.calls.ExpireStale(ctx, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("call expiry sweep failed")
		return
	}
	for _, call := range expired {
		observability.CallTransitions().WithLabelValues(models.CallStatusExpired).Inc()
		s.notify(ctx, call.FromID, "Your call was not answered", call.ID,
			fmt.Sprintf("call:%d:expired", call.ID))
		s.notify(ctx, call.ToID, "You missed a call", call.ID,
			fmt.Sprintf("call:%d:missed", call.ID))
		s.logger.Info().Uint("call_id", call.ID).Msg("call expired")
	}
}

// loadForParty fetches the call, enforces party membership and applies lazy
// expiry so a pending request past its deadline reads as expired.
func (s *callService) loadForParty(ctx context.Context, callID uint, userID string) (models.CallRequest, error) {
	call, err := s.calls.FindByID(ctx, callID)
	if err != nil {
		return models.CallRequest{}, err
	}
	if !call.Involves(userID) {
		return models.CallRequest{}, ErrNotCallParty
	}

	if call.Status == models.CallStatusRequesting && s.now().After(call.ExpiresAt) {
		updated, err := s.calls.Transition(ctx, callID, models.CallStatusRequesting, models.CallStatusExpired, map[string]interface{}{
			"end_reason": "timeout",
		})
		if errors.Is(err, repository.ErrStaleTransition) {
			// Another writer settled the call first; the reloaded record wins.
			return updated, nil
		}
		if err != nil {
			return models.CallRequest{}, err
		}
		observability.CallTransitions().WithLabelValues(models.CallStatusExpired).Inc()
		return updated, nil
	}
	return call, nil
}

func (s *callService) setBusy(ctx context.Context, busy bool, participantIDs ...string) {
	if s.presence == nil {
		return
	}
	for _, id := range participantIDs {
		if err := s.presence.SetBusy(ctx, id, busy); err != nil {
			s.logger.Warn().Err(err).Str("participant_id", id).Bool("busy", busy).Msg("failed to update busy state")
		}
	}
}

func (s *callService) notify(ctx context.Context, userID, message string, callID uint, dedupKey string) {
	if s.notifications == nil {
		return
	}
	id := callID
	_, err := s.notifications.Publish(ctx, dto.NotificationCreateRequest{
		UserID:   userID,
		Type:     models.NotificationTypeCall,
		Message:  message,
		CallID:   &id,
		DedupKey: dedupKey,
	})
	if err != nil && !errors.Is(err, ErrDuplicateNotification) {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to publish call notification")
	}
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
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

// ErrInvalidTimeRange indicates a schedule slot where start is not strictly
// before end, or a clock value that does not parse as "HH:MM".
var ErrInvalidTimeRange = errors.New("invalid time range")

// SessionCloser force-ends a participant's active chat sessions. Implemented
// by the chat service; presence drops cascade through it.
type SessionCloser interface {
	ForceEndSessionsFor(ctx context.Context, participantID, reason string) ([]models.ChatSession, error)
}

// PresenceService derives availability from weekly schedules and keeps the
// persisted presence cache current.
type PresenceService interface {
	ComputeAvailability(week models.Week, now time.Time) models.PresenceStatus
	Refresh(ctx context.Context, participantID string) (dto.PresenceResponse, error)
	UpdateSchedule(ctx context.Context, participantID string, payload dto.ScheduleUpdateRequest) (dto.ScheduleResponse, error)
	GetSchedule(ctx context.Context, participantID string) (dto.ScheduleResponse, error)
	SetBusy(ctx context.Context, participantID string, busy bool) error
	Start(ctx context.Context)
}

type presenceService struct {
	participants repository.ParticipantRepository
	schedules    repository.ScheduleRepository
	sessions     SessionCloser
	validator    *validator.Validate
	logger       zerolog.Logger
	tracer       trace.Tracer
	interval     time.Duration
	now          func() time.Time
}

// NewPresenceService constructs a presence service. The refresh interval
// controls the background recomputation loop; zero disables it.
func NewPresenceService(participants repository.ParticipantRepository, schedules repository.ScheduleRepository, sessions SessionCloser, validate *validator.Validate, interval time.Duration, logger zerolog.Logger) PresenceService {
	return &presenceService{
		participants: participants,
		schedules:    schedules,
		sessions:     sessions,
		validator:    validate,
		logger:       logger.With().Str("component", "presence_service").Logger(),
		tracer:       otel.Tracer("github.com/carebridge-health/carebridge-go-api/internal/service/presence"),
		interval:     interval,
		now:          time.Now,
	}
}

// ComputeAvailability resolves now to a weekday and local clock time and scans
// that day's slots. Both slot endpoints are inclusive, and overlapping slots
// behave as their union. Malformed or missing data degrades to unavailable;
// this function never fails. A busy state is never produced here.
func (s *presenceService) ComputeAvailability(week models.Week, now time.Time) models.PresenceStatus {
	unavailable := models.PresenceStatus{Status: models.StatusUnavailable, IsAvailable: false}
	if len(week) == 0 {
		return unavailable
	}

	day, ok := week[now.Weekday().String()]
	if !ok || !day.IsAvailable {
		return unavailable
	}

	minuteOfDay := now.Hour()*60 + now.Minute()
	for _, slot := range day.TimeSlots {
		start, err := parseClock(slot.Start)
		if err != nil {
			continue
		}
		end, err := parseClock(slot.End)
		if err != nil {
			continue
		}
		if minuteOfDay >= start && minuteOfDay <= end {
			return models.PresenceStatus{Status: models.StatusAvailable, IsAvailable: true}
		}
	}
	return unavailable
}

// Refresh recomputes a doctor's presence from the stored schedule, persists
// the cached value and, on a drop to unavailable, force-ends the doctor's
// active chat sessions. A busy participant is left alone; the call that set
// busy clears it when it ends.
func (s *presenceService) Refresh(ctx context.Context, participantID string) (dto.PresenceResponse, error) {
	return s.refresh(ctx, participantID, false)
}

func (s *presenceService) refresh(ctx context.Context, participantID string, overrideBusy bool) (dto.PresenceResponse, error) {
	ctx, span := s.tracer.Start(ctx, "presence.refresh", trace.WithAttributes(
		attribute.String("participant.id", participantID),
	))
	defer span.End()

	participant, err := s.participants.FindByID(ctx, participantID)
	if err != nil {
		span.RecordError(err)
		return dto.PresenceResponse{}, err
	}

	now := s.now()
	if participant.Status == models.StatusBusy && !overrideBusy {
		return dto.PresenceResponse{
			ParticipantID: participantID,
			Status:        participant.Status,
			IsAvailable:   participant.IsAvailable,
			CheckedAt:     now,
		}, nil
	}
	status := models.PresenceStatus{Status: models.StatusUnavailable, IsAvailable: false}
	if participant.IsDoctor() {
		schedule, err := s.schedules.FindByParticipant(ctx, participantID)
		if err == nil {
			var week models.Week
			if unmarshalErr := json.Unmarshal(schedule.Days, &week); unmarshalErr == nil {
				status = s.ComputeAvailability(week, now)
			}
		} else if !errors.Is(err, repository.ErrScheduleNotFound) {
			// Transient read failures also degrade to unavailable rather than
			// blocking the caller, but are worth a warning.
			s.logger.Warn().Err(err).Str("participant_id", participantID).Msg("schedule read failed, treating as unavailable")
		}
	}

	if err := s.participants.UpdatePresence(ctx, participantID, status, now); err != nil {
		span.RecordError(err)
		return dto.PresenceResponse{}, err
	}
	observability.PresenceUpdates().WithLabelValues(status.Status).Inc()

	if participant.IsAvailable && !status.IsAvailable {
		ended, err := s.sessions.ForceEndSessionsFor(ctx, participantID, "doctor_unavailable")
		if err != nil {
			s.logger.Error().Err(err).Str("participant_id", participantID).Msg("failed to force-end sessions on presence drop")
		} else if len(ended) > 0 {
			s.logger.Info().Str("participant_id", participantID).Int("sessions", len(ended)).Msg("force-ended active sessions, doctor unavailable")
		}
	}

	return dto.PresenceResponse{
		ParticipantID: participantID,
		Status:        status.Status,
		IsAvailable:   status.IsAvailable,
		CheckedAt:     now,
	}, nil
}

func (s *presenceService) UpdateSchedule(ctx context.Context, participantID string, payload dto.ScheduleUpdateRequest) (dto.ScheduleResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.ScheduleResponse{}, err
	}

	week := payload.Week()
	for day, schedule := range week {
		for _, slot := range schedule.TimeSlots {
			start, err := parseClock(slot.Start)
			if err != nil {
				return dto.ScheduleResponse{}, fmt.Errorf("%w: %s %q", ErrInvalidTimeRange, day, slot.Start)
			}
			end, err := parseClock(slot.End)
			if err != nil {
				return dto.ScheduleResponse{}, fmt.Errorf("%w: %s %q", ErrInvalidTimeRange, day, slot.End)
			}
			if start >= end {
				return dto.ScheduleResponse{}, fmt.Errorf("%w: %s %s-%s", ErrInvalidTimeRange, day, slot.Start, slot.End)
			}
		}
	}

	encoded, err := json.Marshal(week)
	if err != nil {
		return dto.ScheduleResponse{}, err
	}

	schedule := models.WeeklySchedule{ParticipantID: participantID, Days: encoded}
	if err := s.schedules.Save(ctx, &schedule); err != nil {
		return dto.ScheduleResponse{}, err
	}

	// The cached presence may have changed with the new schedule.
	if _, err := s.Refresh(ctx, participantID); err != nil {
		s.logger.Warn().Err(err).Str("participant_id", participantID).Msg("presence refresh after schedule update failed")
	}

	return dto.NewScheduleResponse(schedule), nil
}

func (s *presenceService) GetSchedule(ctx context.Context, participantID string) (dto.ScheduleResponse, error) {
	schedule, err := s.schedules.FindByParticipant(ctx, participantID)
	if err != nil {
		return dto.ScheduleResponse{}, err
	}
	return dto.NewScheduleResponse(schedule), nil
}

// SetBusy applies the external mid-call signal the schedule derivation never
// produces. Clearing busy recomputes from the schedule.
func (s *presenceService) SetBusy(ctx context.Context, participantID string, busy bool) error {
	if !busy {
		_, err := s.refresh(ctx, participantID, true)
		return err
	}
	status := models.PresenceStatus{Status: models.StatusBusy, IsAvailable: false}
	if err := s.participants.UpdatePresence(ctx, participantID, status, s.now()); err != nil {
		return err
	}
	observability.PresenceUpdates().WithLabelValues(models.StatusBusy).Inc()
	return nil
}

// Start runs the periodic refresh loop for all doctors until ctx is done.
func (s *presenceService) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refreshAll(ctx)
			}
		}
	}()
}

func (s *presenceService) refreshAll(ctx context.Context) {
	doctors, err := s.participants.ListByRole(ctx, models.RoleDoctor)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list doctors for presence refresh")
		return
	}
	for _, doctor := range doctors {
		if doctor.Status == models.StatusBusy {
			// An active call owns the status until it ends.
			continue
		}
		if _, err := s.Refresh(ctx, doctor.ID); err != nil {
			s.logger.Warn().Err(err).Str("participant_id", doctor.ID).Msg("presence refresh failed")
		}
	}
}

// parseClock converts "HH:MM" to minutes from midnight.
func parseClock(value string) (int, error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed clock value %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("malformed hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("malformed minute in %q", value)
	}
	return hour*60 + minute, nil
}

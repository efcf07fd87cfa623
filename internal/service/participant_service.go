package service

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/carebridge-health/carebridge-go-api/internal/dto"
	"github.com/carebridge-health/carebridge-go-api/internal/models"
	"github.com/carebridge-health/carebridge-go-api/internal/repository"
)

// ParticipantService maintains the participant directory the realtime
// features hang off: profile upserts and the doctor roster with presence.
type ParticipantService interface {
	Upsert(ctx context.Context, payload dto.ParticipantUpsertRequest) (dto.ParticipantResponse, error)
	Get(ctx context.Context, id string) (dto.ParticipantResponse, error)
	ListDoctors(ctx context.Context) ([]dto.ParticipantResponse, error)
}

type participantService struct {
	repo      repository.ParticipantRepository
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
}

// NewParticipantService constructs a participant directory service.
func NewParticipantService(repo repository.ParticipantRepository, validate *validator.Validate, logger zerolog.Logger) ParticipantService {
	return &participantService{
		repo:      repo,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "participant_service").Logger(),
	}
}

func (s *participantService) Upsert(ctx context.Context, payload dto.ParticipantUpsertRequest) (dto.ParticipantResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.ParticipantResponse{}, err
	}

	participant := models.Participant{
		ID:        payload.ID,
		Name:      strings.TrimSpace(s.sanitizer.Sanitize(payload.Name)),
		AvatarURL: payload.AvatarURL,
		Role:      payload.Role,
		Status:    models.StatusUnavailable,
	}
	if err := s.repo.Upsert(ctx, &participant); err != nil {
		return dto.ParticipantResponse{}, err
	}

	// The upsert only touches profile columns; read back the full row so the
	// response carries the current presence.
	stored, err := s.repo.FindByID(ctx, payload.ID)
	if err != nil {
		return dto.ParticipantResponse{}, err
	}

	s.logger.Debug().Str("participant_id", stored.ID).Str("role", stored.Role).Msg("participant upserted")
	return dto.NewParticipantResponse(stored), nil
}

func (s *participantService) Get(ctx context.Context, id string) (dto.ParticipantResponse, error) {
	participant, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return dto.ParticipantResponse{}, err
	}
	return dto.NewParticipantResponse(participant), nil
}

func (s *participantService) ListDoctors(ctx context.Context) ([]dto.ParticipantResponse, error) {
	doctors, err := s.repo.ListByRole(ctx, models.RoleDoctor)
	if err != nil {
		return nil, err
	}
	return dto.NewParticipantResponseSlice(doctors), nil
}

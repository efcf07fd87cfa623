package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/carebridge-health/carebridge-go-api/internal/dto"
	"github.com/carebridge-health/carebridge-go-api/pkg/ai"
)

const diagnosisDisclaimer = "This is not a medical diagnosis. Always consult a licensed clinician about your symptoms."

// ErrDiagnosisUnavailable indicates no AI assistant is configured.
var ErrDiagnosisUnavailable = errors.New("symptom assistant is not configured")

// DiagnosisService runs the preliminary symptom-checker conversation.
type DiagnosisService interface {
	Consult(ctx context.Context, userID string, payload dto.DiagnosisRequest) (dto.DiagnosisResponse, error)
}

type diagnosisService struct {
	assistant ai.Assistant
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewDiagnosisService constructs a diagnosis service. A nil assistant keeps
// the endpoint registered but answering with a configuration error.
func NewDiagnosisService(assistant ai.Assistant, validate *validator.Validate, logger zerolog.Logger) DiagnosisService {
	return &diagnosisService{
		assistant: assistant,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "diagnosis_service").Logger(),
		tracer:    otel.Tracer("github.com/carebridge-health/carebridge-go-api/internal/service/diagnosis"),
	}
}

func (s *diagnosisService) Consult(ctx context.Context, userID string, payload dto.DiagnosisRequest) (dto.DiagnosisResponse, error) {
	if s.assistant == nil {
		return dto.DiagnosisResponse{}, ErrDiagnosisUnavailable
	}
	if err := s.validator.Struct(payload); err != nil {
		return dto.DiagnosisResponse{}, err
	}

	ctx, span := s.tracer.Start(ctx, "diagnosis.consult", trace.WithAttributes(
		attribute.String("diagnosis.user_id", userID),
		attribute.Int("diagnosis.history_len", len(payload.History)),
	))
	defer span.End()

	symptoms := strings.TrimSpace(s.sanitizer.Sanitize(payload.Symptoms))
	if symptoms == "" {
		return dto.DiagnosisResponse{}, errors.New("symptoms empty after sanitization")
	}

	history := make([]ai.Turn, 0, len(payload.History))
	for _, turn := range payload.History {
		history = append(history, ai.Turn{
			Role:    turn.Role,
			Content: strings.TrimSpace(s.sanitizer.Sanitize(turn.Content)),
		})
	}

	result, err := s.assistant.Consult(ctx, ai.ConsultInput{
		Symptoms: symptoms,
		History:  history,
		Profile:  flattenProfile(payload.Profile),
	})
	if err != nil {
		span.RecordError(err)
		return dto.DiagnosisResponse{}, err
	}

	s.logger.Debug().Str("user_id", userID).Str("model", result.Model).Msg("symptom consultation answered")
	return dto.DiagnosisResponse{
		Reply:      result.Reply,
		Disclaimer: diagnosisDisclaimer,
	}, nil
}

func flattenProfile(profile map[string]string) string {
	if len(profile) == 0 {
		return ""
	}
	keys := make([]string, 0, len(profile))
	for key := range profile {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", key, profile[key]))
	}
	return strings.Join(parts, ", ")
}

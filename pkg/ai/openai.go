package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "carebridge",
		Subsystem: "ai",
		Name:      "consult_duration_seconds",
		Help:      "Duration of AI consultation requests",
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "carebridge",
		Subsystem: "ai",
		Name:      "consult_failures_total",
		Help:      "Number of AI consultation failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI assistant.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIAssistant implements Assistant against the OpenAI chat completion API.
type OpenAIAssistant struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIAssistant builds an assistant using the provided configuration.
func NewOpenAIAssistant(cfg OpenAIConfig) (*OpenAIAssistant, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}

	tracer := otel.Tracer("github.com/carebridge-health/carebridge-go-api/pkg/ai/openai")
	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	client := openai.NewClientWithConfig(config)

	return &OpenAIAssistant{
		client: client,
		cfg:    cfg,
		tracer: tracer,
		logger: logger,
	}, nil
}

// Consult sends the consultation thread to OpenAI and returns the reply.
func (a *OpenAIAssistant) Consult(parent context.Context, input ConsultInput) (ConsultResult, error) {
	ctx, span := a.tracer.Start(parent, "openai.consult", trace.WithAttributes(
		attribute.String("model", a.cfg.Model),
	))
	defer span.End()

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: assistantSystemPrompt(),
		},
	}
	for _, turn := range input.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: buildUserPrompt(input),
	})

	start := time.Now()
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
		Messages:    messages,
	})
	aiDuration.WithLabelValues(a.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		aiFailures.WithLabelValues(a.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ConsultResult{}, fmt.Errorf("openai consult: %w", err)
	}

	if len(resp.Choices) == 0 {
		err := fmt.Errorf("no choices returned from openai")
		aiFailures.WithLabelValues(a.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ConsultResult{}, err
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		err := fmt.Errorf("empty reply from openai")
		aiFailures.WithLabelValues(a.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ConsultResult{}, err
	}

	span.SetStatus(codes.Ok, "answered")
	return ConsultResult{Reply: reply, Model: a.cfg.Model}, nil
}

func assistantSystemPrompt() string {
	return strings.Join([]string{
		"You are a cautious medical pre-consultation assistant for a telehealth service.",
		"You do not diagnose, prescribe, or estimate probabilities of conditions.",
		"Summarise the reported symptoms, ask clarifying questions when useful,",
		"flag red-flag symptoms that need urgent in-person care,",
		"and always direct the patient to discuss findings with a licensed clinician.",
	}, " ")
}

func buildUserPrompt(input ConsultInput) string {
	var b strings.Builder
	if profile := strings.TrimSpace(input.Profile); profile != "" {
		b.WriteString("Patient profile: ")
		b.WriteString(profile)
		b.WriteString("\n")
	}
	b.WriteString("Reported symptoms: ")
	b.WriteString(strings.TrimSpace(input.Symptoms))
	return b.String()
}

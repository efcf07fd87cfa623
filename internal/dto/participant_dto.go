package dto

import (
	"time"

	"github.com/carebridge-health/carebridge-go-api/internal/models"
)

// ParticipantUpsertRequest registers or refreshes a directory entry.
type ParticipantUpsertRequest struct {
	ID        string `json:"id" validate:"required,max=64"`
	Name      string `json:"name" validate:"required,min=1,max=160"`
	AvatarURL string `json:"avatar_url" validate:"omitempty,url,max=512"`
	Role      string `json:"role" validate:"required,oneof=patient doctor"`
}

// ParticipantResponse is the directory view of one participant.
type ParticipantResponse struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	AvatarURL        string    `json:"avatar_url,omitempty"`
	Role             string    `json:"role"`
	Status           string    `json:"status"`
	IsAvailable      bool      `json:"is_available"`
	LastStatusUpdate time.Time `json:"last_status_update"`
}

// NewParticipantResponse converts a participant model into a DTO.
func NewParticipantResponse(participant models.Participant) ParticipantResponse {
	return ParticipantResponse{
		ID:               participant.ID,
		Name:             participant.Name,
		AvatarURL:        participant.AvatarURL,
		Role:             participant.Role,
		Status:           participant.Status,
		IsAvailable:      participant.IsAvailable,
		LastStatusUpdate: participant.LastStatusUpdate,
	}
}

// NewParticipantResponseSlice converts participants into DTOs.
func NewParticipantResponseSlice(participants []models.Participant) []ParticipantResponse {
	out := make([]ParticipantResponse, 0, len(participants))
	for _, participant := range participants {
		out = append(out, NewParticipantResponse(participant))
	}
	return out
}

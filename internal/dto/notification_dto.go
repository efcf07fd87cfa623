package dto

import (
	"time"

	"github.com/carebridge-health/carebridge-go-api/internal/models"
)

// NotificationCreateRequest describes an alert to fan out to one participant.
type NotificationCreateRequest struct {
	UserID    string `json:"user_id" validate:"required,max=64"`
	Type      string `json:"type" validate:"required,oneof=call chat presence"`
	Message   string `json:"message" validate:"required,min=1,max=2000"`
	CallID    *uint  `json:"call_id,omitempty"`
	SessionID *uint  `json:"session_id,omitempty"`
	DedupKey  string `json:"dedup_key" validate:"omitempty,max=128"`
}

// NotificationResponse represents notification data returned to clients.
type NotificationResponse struct {
	ID        uint      `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CallID    *uint     `json:"call_id,omitempty"`
	SessionID *uint     `json:"session_id,omitempty"`
	Read      bool      `json:"read"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// NewNotificationResponse converts a notification model to a DTO.
func NewNotificationResponse(model models.Notification) NotificationResponse {
	return NotificationResponse{
		ID:        model.ID,
		UserID:    model.UserID,
		Type:      model.Type,
		Message:   model.Message,
		CallID:    model.CallID,
		SessionID: model.SessionID,
		Read:      model.Read,
		ExpiresAt: model.ExpiresAt,
		CreatedAt: model.CreatedAt,
	}
}

// NewNotificationResponseSlice converts a slice to DTOs.
func NewNotificationResponseSlice(items []models.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewNotificationResponse(item))
	}
	return out
}

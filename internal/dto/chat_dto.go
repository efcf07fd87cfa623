package dto

import (
	"encoding/json"
	"time"

	"github.com/carebridge-health/carebridge-go-api/internal/models"
)

// ChatSendRequest is the payload posting one message into a session.
type ChatSendRequest struct {
	SessionID uint   `json:"session_id" validate:"required"`
	Text      string `json:"text" validate:"omitempty,max=4000"`
	MediaID   uint   `json:"media_id" validate:"omitempty"`
}

// ChatHistoryQuery filters message history for one session.
type ChatHistoryQuery struct {
	SessionID uint       `query:"session_id" validate:"required"`
	Before    *time.Time `query:"before"`
	Limit     int        `query:"limit" validate:"omitempty,min=1,max=100"`
}

// ChatMessageResponse is the serialized representation of a message.
type ChatMessageResponse struct {
	ID        uint      `json:"id"`
	SessionID uint      `json:"session_id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	MediaURL  string    `json:"media_url,omitempty"`
	MediaKind string    `json:"media_kind,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// NewChatMessageResponse converts a message model into a DTO.
func NewChatMessageResponse(message models.ChatMessage) ChatMessageResponse {
	return ChatMessageResponse{
		ID:        message.ID,
		SessionID: message.SessionID,
		AuthorID:  message.AuthorID,
		Text:      message.Text,
		MediaURL:  message.MediaURL,
		MediaKind: message.MediaKind,
		Read:      message.Read,
		CreatedAt: message.CreatedAt,
	}
}

// NewChatMessageResponseSlice converts a slice of messages into DTOs.
func NewChatMessageResponseSlice(messages []models.ChatMessage) []ChatMessageResponse {
	out := make([]ChatMessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewChatMessageResponse(message))
	}
	return out
}

// ChatSessionResponse is the serialized session ledger entry.
type ChatSessionResponse struct {
	ID            uint                                 `json:"id"`
	PairKey       string                               `json:"pair_key"`
	Participants  []string                             `json:"participants"`
	Details       map[string]models.ParticipantDetail  `json:"details,omitempty"`
	LastMessage   string                               `json:"last_message"`
	LastMessageAt time.Time                            `json:"last_message_at"`
	UnreadCounts  map[string]int                       `json:"unread_counts"`
	Status        string                               `json:"status"`
	EndReason     string                               `json:"end_reason,omitempty"`
	CreatedAt     time.Time                            `json:"created_at"`
}

// NewChatSessionResponse converts a session model into a DTO.
func NewChatSessionResponse(session models.ChatSession) ChatSessionResponse {
	response := ChatSessionResponse{
		ID:            session.ID,
		PairKey:       session.PairKey,
		Participants:  []string{session.ParticipantA, session.ParticipantB},
		LastMessage:   session.LastMessage,
		LastMessageAt: session.LastMessageAt,
		Status:        session.Status,
		EndReason:     session.EndReason,
		CreatedAt:     session.CreatedAt,
	}
	if len(session.Details) > 0 {
		_ = json.Unmarshal(session.Details, &response.Details)
	}
	if len(session.UnreadCounts) > 0 {
		_ = json.Unmarshal(session.UnreadCounts, &response.UnreadCounts)
	}
	if response.UnreadCounts == nil {
		response.UnreadCounts = map[string]int{}
	}
	return response
}

// NewChatSessionResponseSlice converts sessions into DTOs.
func NewChatSessionResponseSlice(sessions []models.ChatSession) []ChatSessionResponse {
	out := make([]ChatSessionResponse, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, NewChatSessionResponse(session))
	}
	return out
}

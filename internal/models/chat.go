package models

import (
	"time"

	"gorm.io/datatypes"
)

// ChatSession is the per-pair conversation ledger: participant details, last
// message preview and per-participant unread counters. Created lazily on the
// first message, never deleted.
type ChatSession struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	PairKey       string         `gorm:"size:160;uniqueIndex;not null" json:"pair_key"`
	ParticipantA  string         `gorm:"size:64;index;not null" json:"participant_a"`
	ParticipantB  string         `gorm:"size:64;index;not null" json:"participant_b"`
	Details       datatypes.JSON `gorm:"type:json" json:"details"`
	LastMessage   string         `gorm:"size:512" json:"last_message"`
	LastMessageAt time.Time      `json:"last_message_at"`
	UnreadCounts  datatypes.JSON `gorm:"type:json" json:"unread_counts"`
	Status        string         `gorm:"size:16;index;default:active" json:"status"`
	EndReason     string         `gorm:"size:64" json:"end_reason,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

const (
	// SessionStatusActive means the session accepts new messages.
	SessionStatusActive = "active"
	// SessionStatusEnded means no further messages are accepted.
	SessionStatusEnded = "ended"
)

// Involves reports whether id is one of the two session participants.
func (s ChatSession) Involves(id string) bool {
	return s.ParticipantA == id || s.ParticipantB == id
}

// OtherParty returns the participant on the far side of the session from id.
func (s ChatSession) OtherParty(id string) string {
	if s.ParticipantA == id {
		return s.ParticipantB
	}
	return s.ParticipantA
}

// ParticipantDetail is the denormalized display data kept on a session.
type ParticipantDetail struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Role   string `json:"role"`
}

// ChatMessage belongs to exactly one session, ordered by creation time.
// Immutable once created except for the one-way read transition.
type ChatMessage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID uint      `gorm:"index;not null" json:"session_id"`
	AuthorID  string    `gorm:"size:64;index;not null" json:"author_id"`
	Text      string    `gorm:"type:text" json:"text"`
	MediaURL  string    `gorm:"size:512" json:"media_url,omitempty"`
	MediaKind string    `gorm:"size:16" json:"media_kind,omitempty"`
	Read      bool      `gorm:"not null;default:false" json:"read"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	// MediaKindImage marks an image attachment.
	MediaKindImage = "image"
	// MediaKindVideo marks a video attachment.
	MediaKindVideo = "video"
)

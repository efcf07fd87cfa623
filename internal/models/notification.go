package models

import "time"

// Notification is a transient alert addressed to one participant, referencing
// a call or chat session. Rows past ExpiresAt are invisible to reads and
// reaped lazily; live delivery happens over SSE.
type Notification struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"size:64;index;not null" json:"user_id"`
	Type      string    `gorm:"size:32;not null" json:"type"`
	Message   string    `gorm:"type:text" json:"message"`
	CallID    *uint     `gorm:"index" json:"call_id,omitempty"`
	SessionID *uint     `gorm:"index" json:"session_id,omitempty"`
	DedupKey  string    `gorm:"size:128;index" json:"dedup_key"`
	Read      bool      `gorm:"not null;default:false" json:"read"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	// NotificationTypeCall announces an incoming or transitioned call request.
	NotificationTypeCall = "call"
	// NotificationTypeChat announces chat activity.
	NotificationTypeChat = "chat"
	// NotificationTypePresence announces an availability change.
	NotificationTypePresence = "presence"
)

// NotificationTTL is the local auto-expiry window for alerts, matching the
// call-request answer window.
const NotificationTTL = 60 * time.Second

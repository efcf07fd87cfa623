package models

import "time"

// Participant represents an actor in the system. Identity is owned by the
// external auth provider; rows here carry display data and, for doctors, the
// persisted presence cache.
type Participant struct {
	ID               string    `gorm:"primaryKey;size:64" json:"id"`
	Name             string    `gorm:"size:255;not null" json:"name"`
	AvatarURL        string    `gorm:"size:512" json:"avatar_url"`
	Role             string    `gorm:"size:16;index;not null" json:"role"`
	Status           string    `gorm:"size:16;default:unavailable" json:"status"`
	IsAvailable      bool      `gorm:"not null;default:false" json:"is_available"`
	LastStatusUpdate time.Time `json:"last_status_update"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

const (
	// RolePatient identifies a care-seeking participant.
	RolePatient = "patient"
	// RoleDoctor identifies a care-providing participant with a weekly schedule.
	RoleDoctor = "doctor"
)

const (
	// StatusAvailable means the participant may receive calls and chats.
	StatusAvailable = "available"
	// StatusBusy is reserved for external signals such as an active call; the
	// schedule derivation never produces it.
	StatusBusy = "busy"
	// StatusUnavailable means calls and chats must not be initiated.
	StatusUnavailable = "unavailable"
)

// IsDoctor reports whether the participant carries the doctor role.
func (p Participant) IsDoctor() bool {
	return p.Role == RoleDoctor
}

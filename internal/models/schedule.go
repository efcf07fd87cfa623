package models

import (
	"time"

	"gorm.io/datatypes"
)

// WeeklySchedule stores one doctor's declared availability as a JSON document
// keyed by weekday name. Edited only by the owning doctor; overwritten, never
// deleted.
type WeeklySchedule struct {
	ParticipantID string         `gorm:"primaryKey;size:64" json:"participant_id"`
	Days          datatypes.JSON `gorm:"type:json" json:"days"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Week maps weekday names ("Monday".."Sunday") to that day's availability.
type Week map[string]DaySchedule

// DaySchedule describes availability within a single weekday.
type DaySchedule struct {
	IsAvailable bool        `json:"isAvailable"`
	TimeSlots   []TimeRange `json:"timeSlots"`
}

// TimeRange is a local clock-time window in 24h "HH:MM" form. Start must be
// strictly before End.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// PresenceStatus is the value derived from a schedule and a timestamp.
type PresenceStatus struct {
	Status      string `json:"status"`
	IsAvailable bool   `json:"isAvailable"`
}

package dto

import (
	"encoding/json"
	"time"

	"github.com/carebridge-health/carebridge-go-api/internal/models"
)

// ScheduleUpdateRequest replaces a doctor's weekly schedule document.
type ScheduleUpdateRequest struct {
	Days map[string]DayScheduleRequest `json:"days" validate:"required,min=1,max=7,dive"`
}

// DayScheduleRequest carries one weekday's availability.
type DayScheduleRequest struct {
	IsAvailable bool               `json:"isAvailable"`
	TimeSlots   []TimeRangeRequest `json:"timeSlots" validate:"omitempty,dive"`
}

// TimeRangeRequest is a single "HH:MM" clock-time window.
type TimeRangeRequest struct {
	Start string `json:"start" validate:"required,len=5"`
	End   string `json:"end" validate:"required,len=5"`
}

// Week converts the request into the domain document.
func (r ScheduleUpdateRequest) Week() models.Week {
	week := make(models.Week, len(r.Days))
	for day, schedule := range r.Days {
		slots := make([]models.TimeRange, 0, len(schedule.TimeSlots))
		for _, slot := range schedule.TimeSlots {
			slots = append(slots, models.TimeRange{Start: slot.Start, End: slot.End})
		}
		week[day] = models.DaySchedule{IsAvailable: schedule.IsAvailable, TimeSlots: slots}
	}
	return week
}

// ScheduleResponse is the serialized weekly schedule.
type ScheduleResponse struct {
	ParticipantID string      `json:"participant_id"`
	Days          models.Week `json:"days"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// NewScheduleResponse converts a schedule row into a DTO.
func NewScheduleResponse(schedule models.WeeklySchedule) ScheduleResponse {
	var week models.Week
	if len(schedule.Days) > 0 {
		_ = json.Unmarshal(schedule.Days, &week)
	}
	return ScheduleResponse{
		ParticipantID: schedule.ParticipantID,
		Days:          week,
		UpdatedAt:     schedule.UpdatedAt,
	}
}

// PresenceResponse reports a participant's derived availability.
type PresenceResponse struct {
	ParticipantID string    `json:"participant_id"`
	Status        string    `json:"status"`
	IsAvailable   bool      `json:"is_available"`
	CheckedAt     time.Time `json:"checked_at"`
}

package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/carebridge-health/carebridge-go-api/internal/dto"
	"github.com/carebridge-health/carebridge-go-api/internal/models"
	"github.com/carebridge-health/carebridge-go-api/internal/repository"
)

type sessionCloserStub struct {
	calls []string
	ended []models.ChatSession
}

func (s *sessionCloserStub) ForceEndSessionsFor(_ context.Context, participantID, reason string) ([]models.ChatSession, error) {
	s.calls = append(s.calls, participantID+":"+reason)
	return s.ended, nil
}

// mondayAt returns a clock on Monday 2024-01-01 in UTC.
func mondayAt(hour, minute int) time.Time {
	return time.Date(2024, time.January, 1, hour, minute, 0, 0, time.UTC)
}

func officeHoursWeek() models.Week {
	return models.Week{
		"Monday": {
			IsAvailable: true,
			TimeSlots:   []models.TimeRange{{Start: "09:00", End: "17:00"}},
		},
	}
}

func setupPresenceService(t *testing.T, closer SessionCloser) (*gorm.DB, PresenceService) {
	t.Helper()

	dsn := fmt.Sprintf("file:presence_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Participant{}, &models.WeeklySchedule{}))

	participants := repository.NewParticipantRepository(db)
	schedules := repository.NewScheduleRepository(db)
	validate := validator.New(validator.WithRequiredStructEnabled())

	svc := NewPresenceService(participants, schedules, closer, validate, 0, zerolog.Nop())
	return db, svc
}

func TestComputeAvailabilityInclusiveBoundaries(t *testing.T) {
	svc := &presenceService{logger: zerolog.Nop()}
	week := officeHoursWeek()

	cases := []struct {
		name      string
		at        time.Time
		available bool
	}{
		{"minute before start", mondayAt(8, 59), false},
		{"exactly at start", mondayAt(9, 0), true},
		{"mid window", mondayAt(12, 30), true},
		{"exactly at end", mondayAt(17, 0), true},
		{"minute after end", mondayAt(17, 1), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := svc.ComputeAvailability(week, tc.at)
			require.Equal(t, tc.available, status.IsAvailable)
			if tc.available {
				require.Equal(t, models.StatusAvailable, status.Status)
			} else {
				require.Equal(t, models.StatusUnavailable, status.Status)
			}
		})
	}
}

func TestComputeAvailabilityDegradesToUnavailable(t *testing.T) {
	svc := &presenceService{logger: zerolog.Nop()}

	status := svc.ComputeAvailability(nil, mondayAt(10, 0))
	require.False(t, status.IsAvailable)

	// Tuesday missing entirely.
	status = svc.ComputeAvailability(officeHoursWeek(), mondayAt(10, 0).AddDate(0, 0, 1))
	require.False(t, status.IsAvailable)

	disabled := models.Week{
		"Monday": {IsAvailable: false, TimeSlots: []models.TimeRange{{Start: "09:00", End: "17:00"}}},
	}
	status = svc.ComputeAvailability(disabled, mondayAt(10, 0))
	require.False(t, status.IsAvailable)

	malformed := models.Week{
		"Monday": {IsAvailable: true, TimeSlots: []models.TimeRange{
			{Start: "9am", End: "25:99"},
			{Start: "14:00", End: "15:00"},
		}},
	}
	status = svc.ComputeAvailability(malformed, mondayAt(10, 0))
	require.False(t, status.IsAvailable, "malformed slot must be skipped, not matched")
	status = svc.ComputeAvailability(malformed, mondayAt(14, 30))
	require.True(t, status.IsAvailable, "well-formed sibling slot still applies")
}

func TestComputeAvailabilityOverlappingSlotsActAsUnion(t *testing.T) {
	svc := &presenceService{logger: zerolog.Nop()}
	week := models.Week{
		"Monday": {IsAvailable: true, TimeSlots: []models.TimeRange{
			{Start: "09:00", End: "12:00"},
			{Start: "11:00", End: "15:00"},
		}},
	}

	require.True(t, svc.ComputeAvailability(week, mondayAt(11, 30)).IsAvailable)
	require.True(t, svc.ComputeAvailability(week, mondayAt(13, 0)).IsAvailable)
	require.False(t, svc.ComputeAvailability(week, mondayAt(15, 1)).IsAvailable)
}

func TestPresenceServiceRefreshDropForcesSessionEnd(t *testing.T) {
	closer := &sessionCloserStub{ended: []models.ChatSession{{ID: 1}}}
	db, svc := setupPresenceService(t, closer)

	doctor := models.Participant{
		ID:          "doc-1",
		Name:        "Dr. Reyes",
		Role:        models.RoleDoctor,
		Status:      models.StatusAvailable,
		IsAvailable: true,
	}
	require.NoError(t, db.Create(&doctor).Error)

	concrete := svc.(*presenceService)
	concrete.now = func() time.Time { return mondayAt(18, 0) }

	_, err := svc.UpdateSchedule(context.Background(), "doc-1", dto.ScheduleUpdateRequest{
		Days: map[string]dto.DayScheduleRequest{
			"Monday": {IsAvailable: true, TimeSlots: []dto.TimeRangeRequest{{Start: "09:00", End: "17:00"}}},
		},
	})
	require.NoError(t, err)

	var stored models.Participant
	require.NoError(t, db.First(&stored, "id = ?", "doc-1").Error)
	require.Equal(t, models.StatusUnavailable, stored.Status)
	require.False(t, stored.IsAvailable)

	require.Contains(t, closer.calls, "doc-1:doctor_unavailable")
}

func TestPresenceServiceRefreshLeavesBusyAlone(t *testing.T) {
	closer := &sessionCloserStub{}
	db, svc := setupPresenceService(t, closer)

	doctor := models.Participant{ID: "doc-2", Name: "Dr. Chen", Role: models.RoleDoctor, Status: models.StatusBusy}
	require.NoError(t, db.Create(&doctor).Error)

	resp, err := svc.Refresh(context.Background(), "doc-2")
	require.NoError(t, err)
	require.Equal(t, models.StatusBusy, resp.Status)
	require.Empty(t, closer.calls)
}

func TestPresenceServiceBusyLifecycle(t *testing.T) {
	closer := &sessionCloserStub{}
	db, svc := setupPresenceService(t, closer)

	doctor := models.Participant{ID: "doc-3", Name: "Dr. Okafor", Role: models.RoleDoctor}
	require.NoError(t, db.Create(&doctor).Error)

	concrete := svc.(*presenceService)
	concrete.now = func() time.Time { return mondayAt(10, 0) }

	_, err := svc.UpdateSchedule(context.Background(), "doc-3", dto.ScheduleUpdateRequest{
		Days: map[string]dto.DayScheduleRequest{
			"Monday": {IsAvailable: true, TimeSlots: []dto.TimeRangeRequest{{Start: "09:00", End: "17:00"}}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, svc.SetBusy(context.Background(), "doc-3", true))
	var stored models.Participant
	require.NoError(t, db.First(&stored, "id = ?", "doc-3").Error)
	require.Equal(t, models.StatusBusy, stored.Status)

	// Schedule refresh must not clear an externally set busy flag.
	resp, err := svc.Refresh(context.Background(), "doc-3")
	require.NoError(t, err)
	require.Equal(t, models.StatusBusy, resp.Status)

	// Clearing busy recomputes from the schedule instead of restoring blindly.
	require.NoError(t, svc.SetBusy(context.Background(), "doc-3", false))
	require.NoError(t, db.First(&stored, "id = ?", "doc-3").Error)
	require.Equal(t, models.StatusAvailable, stored.Status)
	require.True(t, stored.IsAvailable)
}

func TestPresenceServiceUpdateScheduleRejectsBadRanges(t *testing.T) {
	closer := &sessionCloserStub{}
	db, svc := setupPresenceService(t, closer)

	doctor := models.Participant{ID: "doc-4", Name: "Dr. Silva", Role: models.RoleDoctor}
	require.NoError(t, db.Create(&doctor).Error)

	inverted := dto.ScheduleUpdateRequest{
		Days: map[string]dto.DayScheduleRequest{
			"Monday": {IsAvailable: true, TimeSlots: []dto.TimeRangeRequest{{Start: "18:00", End: "09:00"}}},
		},
	}
	_, err := svc.UpdateSchedule(context.Background(), "doc-4", inverted)
	require.ErrorIs(t, err, ErrInvalidTimeRange)

	zeroWidth := dto.ScheduleUpdateRequest{
		Days: map[string]dto.DayScheduleRequest{
			"Monday": {IsAvailable: true, TimeSlots: []dto.TimeRangeRequest{{Start: "09:00", End: "09:00"}}},
		},
	}
	_, err = svc.UpdateSchedule(context.Background(), "doc-4", zeroWidth)
	require.ErrorIs(t, err, ErrInvalidTimeRange)

	garbage := dto.ScheduleUpdateRequest{
		Days: map[string]dto.DayScheduleRequest{
			"Monday": {IsAvailable: true, TimeSlots: []dto.TimeRangeRequest{{Start: "aa:bb", End: "17:00"}}},
		},
	}
	_, err = svc.UpdateSchedule(context.Background(), "doc-4", garbage)
	require.ErrorIs(t, err, ErrInvalidTimeRange)
}

func TestPresenceServiceRefreshUnknownParticipant(t *testing.T) {
	_, svc := setupPresenceService(t, &sessionCloserStub{})

	_, err := svc.Refresh(context.Background(), "ghost")
	require.ErrorIs(t, err, repository.ErrParticipantNotFound)
}

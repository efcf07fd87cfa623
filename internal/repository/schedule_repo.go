package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/carebridge-health/carebridge-go-api/internal/models"
)

// ErrScheduleNotFound indicates the doctor has not declared a schedule yet.
var ErrScheduleNotFound = errors.New("schedule not found")

// ScheduleRepository persists weekly schedule documents. Schedules are only
// ever overwritten, never deleted.
type ScheduleRepository interface {
	Save(ctx context.Context, schedule *models.WeeklySchedule) error
	FindByParticipant(ctx context.Context, participantID string) (models.WeeklySchedule, error)
}

type scheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository constructs a repository backed by GORM.
func NewScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &scheduleRepository{db: db}
}

func (r *scheduleRepository) Save(ctx context.Context, schedule *models.WeeklySchedule) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "participant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"days", "updated_at"}),
	}).Create(schedule).Error
}

func (r *scheduleRepository) FindByParticipant(ctx context.Context, participantID string) (models.WeeklySchedule, error) {
	var schedule models.WeeklySchedule
	if err := r.db.WithContext(ctx).First(&schedule, "participant_id = ?", participantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.WeeklySchedule{}, ErrScheduleNotFound
		}
		return models.WeeklySchedule{}, err
	}
	return schedule, nil
}

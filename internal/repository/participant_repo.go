package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/carebridge-health/carebridge-go-api/internal/models"
)

// ErrParticipantNotFound indicates the referenced participant does not exist.
// Callers must surface it as not-found rather than creating a placeholder.
var ErrParticipantNotFound = errors.New("participant not found")

// ParticipantRepository reads and updates participant reference data.
type ParticipantRepository interface {
	Upsert(ctx context.Context, participant *models.Participant) error
	FindByID(ctx context.Context, id string) (models.Participant, error)
	ListByRole(ctx context.Context, role string) ([]models.Participant, error)
	UpdatePresence(ctx context.Context, id string, status models.PresenceStatus, at time.Time) error
}

type participantRepository struct {
	db *gorm.DB
}

// NewParticipantRepository constructs a repository backed by GORM.
func NewParticipantRepository(db *gorm.DB) ParticipantRepository {
	return &participantRepository{db: db}
}

func (r *participantRepository) Upsert(ctx context.Context, participant *models.Participant) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "avatar_url", "role", "updated_at"}),
	}).Create(participant).Error
}

func (r *participantRepository) FindByID(ctx context.Context, id string) (models.Participant, error) {
	var participant models.Participant
	if err := r.db.WithContext(ctx).First(&participant, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Participant{}, ErrParticipantNotFound
		}
		return models.Participant{}, err
	}
	return participant, nil
}

func (r *participantRepository) ListByRole(ctx context.Context, role string) ([]models.Participant, error) {
	var participants []models.Participant
	if err := r.db.WithContext(ctx).Where("role = ?", role).Order("name ASC").Find(&participants).Error; err != nil {
		return nil, err
	}
	return participants, nil
}

func (r *participantRepository) UpdatePresence(ctx context.Context, id string, status models.PresenceStatus, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Participant{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":             status.Status,
		"is_available":       status.IsAvailable,
		"last_status_update": at,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/carebridge-health/carebridge-go-api/internal/models"
)

// ErrMediaNotFound indicates no committed asset exists for the reference.
var ErrMediaNotFound = errors.New("media asset not found")

// MediaRepository persists metadata for durably stored chat attachments.
type MediaRepository interface {
	Create(ctx context.Context, asset *models.MediaAsset) error
	FindOwned(ctx context.Context, id uint, ownerID string) (models.MediaAsset, error)
}

type mediaRepository struct {
	db *gorm.DB
}

// NewMediaRepository constructs a repository for media assets.
func NewMediaRepository(db *gorm.DB) MediaRepository {
	return &mediaRepository{db: db}
}

func (r *mediaRepository) Create(ctx context.Context, asset *models.MediaAsset) error {
	return r.db.WithContext(ctx).Create(asset).Error
}

func (r *mediaRepository) FindOwned(ctx context.Context, id uint, ownerID string) (models.MediaAsset, error) {
	var asset models.MediaAsset
	if err := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&asset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.MediaAsset{}, ErrMediaNotFound
		}
		return models.MediaAsset{}, err
	}
	return asset, nil
}

package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/carebridge-health/carebridge-go-api/internal/models"
)

// MessageRepository reads message history. Writes go through
// ChatRepository.AppendMessage so ledger bookkeeping stays atomic.
type MessageRepository interface {
	ListBySession(ctx context.Context, sessionID uint, before time.Time, limit int) ([]models.ChatMessage, error)
	CountUnread(ctx context.Context, sessionID uint, viewerID string) (int64, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) ListBySession(ctx context.Context, sessionID uint, before time.Time, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}

	var messages []models.ChatMessage
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Reverse to ascending creation order for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *messageRepository) CountUnread(ctx context.Context, sessionID uint, viewerID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("session_id = ? AND author_id <> ? AND read = ?", sessionID, viewerID, false).
		Count(&count).Error
	return count, err
}

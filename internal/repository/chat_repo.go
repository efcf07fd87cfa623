package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/carebridge-health/carebridge-go-api/internal/models"
)

var (
	// ErrSessionNotFound indicates no chat session exists for the identifier.
	ErrSessionNotFound = errors.New("chat session not found")
	// ErrSessionEnded indicates the session no longer accepts messages.
	ErrSessionEnded = errors.New("chat session has ended")
)

// ChatRepository maintains the session ledger: one row per participant pair,
// carrying last-message metadata and per-participant unread counters.
type ChatRepository interface {
	EnsureSession(ctx context.Context, a, b models.Participant) (models.ChatSession, error)
	FindSession(ctx context.Context, id uint) (models.ChatSession, error)
	FindSessionByPair(ctx context.Context, pairKey string) (models.ChatSession, error)
	ListSessionsFor(ctx context.Context, participantID string) ([]models.ChatSession, error)
	AppendMessage(ctx context.Context, session *models.ChatSession, message *models.ChatMessage) error
	MarkRead(ctx context.Context, sessionID uint, viewerID string) (models.ChatSession, error)
	ForceEndFor(ctx context.Context, participantID, reason string, at time.Time) ([]models.ChatSession, error)
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository constructs a chat repository backed by GORM.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

// EnsureSession creates the pair's session on first use and merges display
// details on later calls. Unread counters and message history are never reset
// by repeated calls.
func (r *chatRepository) EnsureSession(ctx context.Context, a, b models.Participant) (models.ChatSession, error) {
	pairKey := models.PairKey(a.ID, b.ID)
	first, second := a, b
	if first.ID > second.ID {
		first, second = second, first
	}

	details, err := json.Marshal(map[string]models.ParticipantDetail{
		a.ID: {Name: a.Name, Avatar: a.AvatarURL, Role: a.Role},
		b.ID: {Name: b.Name, Avatar: b.AvatarURL, Role: b.Role},
	})
	if err != nil {
		return models.ChatSession{}, err
	}
	counts, err := json.Marshal(map[string]int{a.ID: 0, b.ID: 0})
	if err != nil {
		return models.ChatSession{}, err
	}

	var session models.ChatSession
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("pair_key = ?", pairKey).First(&session)
		if result.Error == nil {
			return tx.Model(&session).Update("details", datatypes.JSON(details)).Error
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return result.Error
		}

		session = models.ChatSession{
			PairKey:      pairKey,
			ParticipantA: first.ID,
			ParticipantB: second.ID,
			Details:      datatypes.JSON(details),
			UnreadCounts: datatypes.JSON(counts),
			Status:       models.SessionStatusActive,
		}
		return tx.Create(&session).Error
	})
	if err != nil {
		return models.ChatSession{}, err
	}
	return session, nil
}

func (r *chatRepository) FindSession(ctx context.Context, id uint) (models.ChatSession, error) {
	var session models.ChatSession
	if err := r.db.WithContext(ctx).First(&session, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ChatSession{}, ErrSessionNotFound
		}
		return models.ChatSession{}, err
	}
	return session, nil
}

func (r *chatRepository) FindSessionByPair(ctx context.Context, pairKey string) (models.ChatSession, error) {
	var session models.ChatSession
	if err := r.db.WithContext(ctx).Where("pair_key = ?", pairKey).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ChatSession{}, ErrSessionNotFound
		}
		return models.ChatSession{}, err
	}
	return session, nil
}

func (r *chatRepository) ListSessionsFor(ctx context.Context, participantID string) ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	err := r.db.WithContext(ctx).
		Where("participant_a = ? OR participant_b = ?", participantID, participantID).
		Order("last_message_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// AppendMessage commits the message and ledger bookkeeping atomically: the
// session preview advances and every non-author unread counter increments, or
// nothing happens at all.
func (r *chatRepository) AppendMessage(ctx context.Context, session *models.ChatSession, message *models.ChatMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.ChatSession
		if err := tx.First(&current, session.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if current.Status != models.SessionStatusActive {
			return ErrSessionEnded
		}

		if err := tx.Create(message).Error; err != nil {
			return err
		}

		counts := map[string]int{}
		if len(current.UnreadCounts) > 0 {
			if err := json.Unmarshal(current.UnreadCounts, &counts); err != nil {
				return err
			}
		}
		for _, id := range []string{current.ParticipantA, current.ParticipantB} {
			if id != message.AuthorID {
				counts[id]++
			}
		}
		encoded, err := json.Marshal(counts)
		if err != nil {
			return err
		}

		preview := message.Text
		if preview == "" && message.MediaKind != "" {
			preview = "[" + message.MediaKind + "]"
		}

		if err := tx.Model(&current).Updates(map[string]interface{}{
			"last_message":    preview,
			"last_message_at": message.CreatedAt,
			"unread_counts":   datatypes.JSON(encoded),
		}).Error; err != nil {
			return err
		}

		*session = current
		session.LastMessage = preview
		session.LastMessageAt = message.CreatedAt
		session.UnreadCounts = datatypes.JSON(encoded)
		return nil
	})
}

// MarkRead flips every message authored by the other party to read and zeroes
// the viewer's unread counter.
func (r *chatRepository) MarkRead(ctx context.Context, sessionID uint, viewerID string) (models.ChatSession, error) {
	var session models.ChatSession
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&session, sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}

		if err := tx.Model(&models.ChatMessage{}).
			Where("session_id = ? AND author_id <> ? AND read = ?", sessionID, viewerID, false).
			Update("read", true).Error; err != nil {
			return err
		}

		counts := map[string]int{}
		if len(session.UnreadCounts) > 0 {
			if err := json.Unmarshal(session.UnreadCounts, &counts); err != nil {
				return err
			}
		}
		counts[viewerID] = 0
		encoded, err := json.Marshal(counts)
		if err != nil {
			return err
		}

		if err := tx.Model(&session).Update("unread_counts", datatypes.JSON(encoded)).Error; err != nil {
			return err
		}
		session.UnreadCounts = datatypes.JSON(encoded)
		return nil
	})
	if err != nil {
		return models.ChatSession{}, err
	}
	return session, nil
}

// ForceEndFor terminates every active session the participant is part of and
// records the reason. Used when presence drops to unavailable.
func (r *chatRepository) ForceEndFor(ctx context.Context, participantID, reason string, at time.Time) ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("(participant_a = ? OR participant_b = ?) AND status = ?", participantID, participantID, models.SessionStatusActive).
			Find(&sessions).Error; err != nil {
			return err
		}
		if len(sessions) == 0 {
			return nil
		}

		ids := make([]uint, 0, len(sessions))
		for _, session := range sessions {
			ids = append(ids, session.ID)
		}
		return tx.Model(&models.ChatSession{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"status":     models.SessionStatusEnded,
			"end_reason": reason,
			"ended_at":   at,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/carebridge-health/carebridge-go-api/internal/models"
)

var (
	// ErrCallNotFound indicates no call record exists for the identifier.
	ErrCallNotFound = errors.New("call not found")
	// ErrCallInProgress indicates a live call already exists for the pair.
	ErrCallInProgress = errors.New("a live call already exists for this pair")
	// ErrStaleTransition indicates the guarded status update matched nothing:
	// the record had already moved on. Treated as a no-op by callers.
	ErrStaleTransition = errors.New("call status changed concurrently")
)

// CallRepository persists call-request records. All status changes go through
// compare-and-swap writes so a concurrent accept and expiry can never clobber
// each other, and the one-live-call-per-pair invariant is enforced by a
// conditional create inside a transaction.
type CallRepository interface {
	CreateIfIdle(ctx context.Context, call *models.CallRequest) error
	FindByID(ctx context.Context, id uint) (models.CallRequest, error)
	FindLiveByPair(ctx context.Context, pairKey string) (models.CallRequest, error)
	Transition(ctx context.Context, id uint, from, to string, updates map[string]interface{}) (models.CallRequest, error)
	SetOfferIfAbsent(ctx context.Context, id uint, offer json.RawMessage) (bool, error)
	SetAnswerIfAbsent(ctx context.Context, id uint, answer json.RawMessage) (bool, error)
	AppendCandidate(ctx context.Context, id uint, candidate json.RawMessage) (bool, error)
	ExpireStale(ctx context.Context, now time.Time) ([]models.CallRequest, error)
}

type callRepository struct {
	db *gorm.DB
}

// NewCallRepository constructs a repository backed by GORM.
func NewCallRepository(db *gorm.DB) CallRepository {
	return &callRepository{db: db}
}

func (r *callRepository) CreateIfIdle(ctx context.Context, call *models.CallRequest) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var live int64
		if err := tx.Model(&models.CallRequest{}).
			Where("pair_key = ? AND status IN ?", call.PairKey, models.LiveCallStatuses).
			Count(&live).Error; err != nil {
			return err
		}
		if live > 0 {
			return ErrCallInProgress
		}
		return tx.Create(call).Error
	})
}

func (r *callRepository) FindByID(ctx context.Context, id uint) (models.CallRequest, error) {
	var call models.CallRequest
	if err := r.db.WithContext(ctx).First(&call, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.CallRequest{}, ErrCallNotFound
		}
		return models.CallRequest{}, err
	}
	return call, nil
}

func (r *callRepository) FindLiveByPair(ctx context.Context, pairKey string) (models.CallRequest, error) {
	var call models.CallRequest
	err := r.db.WithContext(ctx).
		Where("pair_key = ? AND status IN ?", pairKey, models.LiveCallStatuses).
		Order("created_at DESC").
		First(&call).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.CallRequest{}, ErrCallNotFound
		}
		return models.CallRequest{}, err
	}
	return call, nil
}

// Transition moves the call from one exact status to another. The guard is a
// conditional update; a zero row count means another writer won the race and
// ErrStaleTransition is returned together with the authoritative record.
func (r *callRepository) Transition(ctx context.Context, id uint, from, to string, updates map[string]interface{}) (models.CallRequest, error) {
	fields := map[string]interface{}{"status": to}
	for key, value := range updates {
		fields[key] = value
	}

	result := r.db.WithContext(ctx).Model(&models.CallRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(fields)
	if result.Error != nil {
		return models.CallRequest{}, result.Error
	}

	call, err := r.FindByID(ctx, id)
	if err != nil {
		return models.CallRequest{}, err
	}
	if result.RowsAffected == 0 {
		return call, ErrStaleTransition
	}
	return call, nil
}

func (r *callRepository) SetOfferIfAbsent(ctx context.Context, id uint, offer json.RawMessage) (bool, error) {
	return r.setDescriptionIfAbsent(ctx, id, "offer", offer)
}

func (r *callRepository) SetAnswerIfAbsent(ctx context.Context, id uint, answer json.RawMessage) (bool, error) {
	return r.setDescriptionIfAbsent(ctx, id, "answer", answer)
}

// setDescriptionIfAbsent writes a session description only when the column is
// still empty, so re-applying an already-delivered offer or answer is a no-op.
func (r *callRepository) setDescriptionIfAbsent(ctx context.Context, id uint, column string, value json.RawMessage) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.CallRequest{}).
		Where("id = ? AND ("+column+" IS NULL OR "+column+" = '')", id).
		Update(column, datatypes.JSON(value))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// AppendCandidate adds one candidate blob to the ordered sequence, skipping
// byte-identical duplicates. Returns whether the candidate was new.
func (r *callRepository) AppendCandidate(ctx context.Context, id uint, candidate json.RawMessage) (bool, error) {
	appended := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var call models.CallRequest
		if err := tx.First(&call, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCallNotFound
			}
			return err
		}

		var candidates []json.RawMessage
		if len(call.Candidates) > 0 {
			if err := json.Unmarshal(call.Candidates, &candidates); err != nil {
				return err
			}
		}
		for _, existing := range candidates {
			if bytes.Equal(existing, candidate) {
				return nil
			}
		}

		candidates = append(candidates, candidate)
		encoded, err := json.Marshal(candidates)
		if err != nil {
			return err
		}

		if err := tx.Model(&models.CallRequest{}).Where("id = ?", id).
			Update("candidates", datatypes.JSON(encoded)).Error; err != nil {
			return err
		}
		appended = true
		return nil
	})
	return appended, err
}

// ExpireStale moves every answerless request past its deadline to expired.
// Each row is transitioned individually under the requesting guard so a
// concurrent accept or decline always wins.
func (r *callRepository) ExpireStale(ctx context.Context, now time.Time) ([]models.CallRequest, error) {
	var stale []models.CallRequest
	if err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", models.CallStatusRequesting, now).
		Find(&stale).Error; err != nil {
		return nil, err
	}

	expired := make([]models.CallRequest, 0, len(stale))
	for _, call := range stale {
		updated, err := r.Transition(ctx, call.ID, models.CallStatusRequesting, models.CallStatusExpired, map[string]interface{}{
			"end_reason": "timeout",
		})
		if errors.Is(err, ErrStaleTransition) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired = append(expired, updated)
	}
	return expired, nil
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/carebridge-health/carebridge-go-api/internal/models"
)

func setupRealtimeTestDB(t *testing.T, entities ...interface{}) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(entities...))
	return db
}

func newRequestingCall(t *testing.T, repo CallRepository, from, to string, expiresAt time.Time) models.CallRequest {
	t.Helper()
	call := models.CallRequest{
		PairKey:   models.PairKey(from, to),
		FromID:    from,
		ToID:      to,
		Status:    models.CallStatusRequesting,
		ExpiresAt: expiresAt,
	}
	require.NoError(t, repo.CreateIfIdle(context.Background(), &call))
	return call
}

func TestCallRepositoryCreateIfIdleGuardsPair(t *testing.T) {
	db := setupRealtimeTestDB(t, &models.CallRequest{})
	repo := NewCallRepository(db)
	deadline := time.Now().Add(time.Minute)

	first := newRequestingCall(t, repo, "patient-1", "doctor-1", deadline)

	second := models.CallRequest{
		PairKey:   models.PairKey("doctor-1", "patient-1"),
		FromID:    "doctor-1",
		ToID:      "patient-1",
		Status:    models.CallStatusRequesting,
		ExpiresAt: deadline,
	}
	require.ErrorIs(t, repo.CreateIfIdle(context.Background(), &second), ErrCallInProgress)

	// A different pair is unaffected.
	other := models.CallRequest{
		PairKey:   models.PairKey("patient-2", "doctor-1"),
		FromID:    "patient-2",
		ToID:      "doctor-1",
		Status:    models.CallStatusRequesting,
		ExpiresAt: deadline,
	}
	require.NoError(t, repo.CreateIfIdle(context.Background(), &other))

	// Settling the first call frees its pair.
	_, err := repo.Transition(context.Background(), first.ID, models.CallStatusRequesting, models.CallStatusDeclined, nil)
	require.NoError(t, err)
	require.NoError(t, repo.CreateIfIdle(context.Background(), &models.CallRequest{
		PairKey:   first.PairKey,
		FromID:    "patient-1",
		ToID:      "doctor-1",
		Status:    models.CallStatusRequesting,
		ExpiresAt: deadline,
	}))
}

func TestCallRepositoryTransitionIsCompareAndSwap(t *testing.T) {
	db := setupRealtimeTestDB(t, &models.CallRequest{})
	repo := NewCallRepository(db)

	call := newRequestingCall(t, repo, "patient-1", "doctor-1", time.Now().Add(time.Minute))

	accepted, err := repo.Transition(context.Background(), call.ID, models.CallStatusRequesting, models.CallStatusAccepted, nil)
	require.NoError(t, err)
	require.Equal(t, models.CallStatusAccepted, accepted.Status)

	// The losing writer gets the authoritative record, not its own outcome.
	stale, err := repo.Transition(context.Background(), call.ID, models.CallStatusRequesting, models.CallStatusExpired, map[string]interface{}{
		"end_reason": "timeout",
	})
	require.ErrorIs(t, err, ErrStaleTransition)
	require.Equal(t, models.CallStatusAccepted, stale.Status)
	require.Empty(t, stale.EndReason)
}

func TestCallRepositoryOfferAndAnswerSetOnce(t *testing.T) {
	db := setupRealtimeTestDB(t, &models.CallRequest{})
	repo := NewCallRepository(db)

	call := newRequestingCall(t, repo, "patient-1", "doctor-1", time.Now().Add(time.Minute))

	offer := json.RawMessage(`{"sdp":"v=0 original"}`)
	applied, err := repo.SetOfferIfAbsent(context.Background(), call.ID, offer)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = repo.SetOfferIfAbsent(context.Background(), call.ID, json.RawMessage(`{"sdp":"v=0 imposter"}`))
	require.NoError(t, err)
	require.False(t, applied, "a present offer is never overwritten")

	stored, err := repo.FindByID(context.Background(), call.ID)
	require.NoError(t, err)
	require.JSONEq(t, string(offer), string(stored.Offer))

	answer := json.RawMessage(`{"sdp":"v=0 answer"}`)
	applied, err = repo.SetAnswerIfAbsent(context.Background(), call.ID, answer)
	require.NoError(t, err)
	require.True(t, applied)
	applied, err = repo.SetAnswerIfAbsent(context.Background(), call.ID, answer)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestCallRepositoryAppendCandidateDedupes(t *testing.T) {
	db := setupRealtimeTestDB(t, &models.CallRequest{})
	repo := NewCallRepository(db)

	call := newRequestingCall(t, repo, "patient-1", "doctor-1", time.Now().Add(time.Minute))

	first := json.RawMessage(`{"candidate":"host 10.0.0.1"}`)
	second := json.RawMessage(`{"candidate":"srflx 203.0.113.9"}`)

	appended, err := repo.AppendCandidate(context.Background(), call.ID, first)
	require.NoError(t, err)
	require.True(t, appended)

	appended, err = repo.AppendCandidate(context.Background(), call.ID, first)
	require.NoError(t, err)
	require.False(t, appended, "byte-identical candidate is dropped")

	appended, err = repo.AppendCandidate(context.Background(), call.ID, second)
	require.NoError(t, err)
	require.True(t, appended)

	stored, err := repo.FindByID(context.Background(), call.ID)
	require.NoError(t, err)
	var candidates []json.RawMessage
	require.NoError(t, json.Unmarshal(stored.Candidates, &candidates))
	require.Len(t, candidates, 2)
	require.JSONEq(t, string(first), string(candidates[0]))
	require.JSONEq(t, string(second), string(candidates[1]))

	_, err = repo.AppendCandidate(context.Background(), 9999, first)
	require.ErrorIs(t, err, ErrCallNotFound)
}

func TestCallRepositoryExpireStale(t *testing.T) {
	db := setupRealtimeTestDB(t, &models.CallRequest{})
	repo := NewCallRepository(db)
	now := time.Now()

	overdue := newRequestingCall(t, repo, "patient-1", "doctor-1", now.Add(-time.Second))
	pending := newRequestingCall(t, repo, "patient-2", "doctor-1", now.Add(time.Minute))

	answered := newRequestingCall(t, repo, "patient-3", "doctor-2", now.Add(-time.Second))
	_, err := repo.Transition(context.Background(), answered.ID, models.CallStatusRequesting, models.CallStatusAccepted, nil)
	require.NoError(t, err)

	expired, err := repo.ExpireStale(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, overdue.ID, expired[0].ID)
	require.Equal(t, "timeout", expired[0].EndReason)

	stored, err := repo.FindByID(context.Background(), pending.ID)
	require.NoError(t, err)
	require.Equal(t, models.CallStatusRequesting, stored.Status)

	stored, err = repo.FindByID(context.Background(), answered.ID)
	require.NoError(t, err)
	require.Equal(t, models.CallStatusAccepted, stored.Status, "an accepted call never expires")
}

func TestCallRepositoryFindLiveByPair(t *testing.T) {
	db := setupRealtimeTestDB(t, &models.CallRequest{})
	repo := NewCallRepository(db)

	pairKey := models.PairKey("patient-1", "doctor-1")
	_, err := repo.FindLiveByPair(context.Background(), pairKey)
	require.ErrorIs(t, err, ErrCallNotFound)

	call := newRequestingCall(t, repo, "patient-1", "doctor-1", time.Now().Add(time.Minute))
	live, err := repo.FindLiveByPair(context.Background(), pairKey)
	require.NoError(t, err)
	require.Equal(t, call.ID, live.ID)

	_, err = repo.Transition(context.Background(), call.ID, models.CallStatusRequesting, models.CallStatusEnded, nil)
	require.NoError(t, err)
	_, err = repo.FindLiveByPair(context.Background(), pairKey)
	require.ErrorIs(t, err, ErrCallNotFound)
}

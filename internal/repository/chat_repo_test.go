package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carebridge-health/carebridge-go-api/internal/models"
)

var (
	chatPatient = models.Participant{ID: "patient-1", Name: "Ana", AvatarURL: "https://cdn.test/ana.png", Role: models.RolePatient}
	chatDoctor  = models.Participant{ID: "doctor-1", Name: "Dr. Reyes", Role: models.RoleDoctor}
)

func unreadCounts(t *testing.T, session models.ChatSession) map[string]int {
	t.Helper()
	counts := map[string]int{}
	if len(session.UnreadCounts) > 0 {
		require.NoError(t, json.Unmarshal(session.UnreadCounts, &counts))
	}
	return counts
}

func TestChatRepositoryEnsureSessionNormalizesPair(t *testing.T) {
	db := setupRealtimeTestDB(t, &models.ChatSession{})
	repo := NewChatRepository(db)

	first, err := repo.EnsureSession(context.Background(), chatPatient, chatDoctor)
	require.NoError(t, err)
	require.Equal(t, models.PairKey("patient-1", "doctor-1"), first.PairKey)
	require.Equal(t, models.SessionStatusActive, first.Status)

	details := map[string]models.ParticipantDetail{}
	require.NoError(t, json.Unmarshal(first.Details, &details))
	require.Equal(t, "Ana", details["patient-1"].Name)
	require.Equal(t, models.RoleDoctor, details["doctor-1"].Role)

	// Swapped argument order resolves to the same row.
	second, err := repo.EnsureSession(context.Background(), chatDoctor, chatPatient)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	var total int64
	require.NoError(t, db.Model(&models.ChatSession{}).Count(&total).Error)
	require.Equal(t, int64(1), total)
}

func TestChatRepositoryEnsureSessionRefreshesDetailsOnly(t *testing.T) {
	db := setupRealtimeTestDB(t, &models.ChatSession{}, &models.ChatMessage{})
	repo := NewChatRepository(db)

	session, err := repo.EnsureSession(context.Background(), chatPatient, chatDoctor)
	require.NoError(t, err)

	message := &models.ChatMessage{SessionID: session.ID, AuthorID: "patient-1", Text: "hello", CreatedAt: time.Now()}
	require.NoError(t, repo.AppendMessage(context.Background(), &session, message))

	renamed := chatPatient
	renamed.Name = "Ana Maria"
	refreshed, err := repo.EnsureSession(context.Background(), renamed, chatDoctor)
	require.NoError(t, err)
	require.Equal(t, session.ID, refreshed.ID)

	reloaded, err := repo.FindSession(context.Background(), session.ID)
	require.NoError(t, err)
	details := map[string]models.ParticipantDetail{}
	require.NoError(t, json.Unmarshal(reloaded.Details, &details))
	require.Equal(t, "Ana Maria", details["patient-1"].Name)
	require.Equal(t, 1, unreadCounts(t, reloaded)["doctor-1"], "unread counters survive the refresh")
	require.Equal(t, "hello", reloaded.LastMessage)
}

func TestChatRepositoryAppendMessageBookkeeping(t *testing.T) {
	db := setupRealtimeTestDB(t, &models.ChatSession{}, &models.ChatMessage{})
	repo := NewChatRepository(db)

	session, err := repo.EnsureSession(context.Background(), chatPatient, chatDoctor)
	require.NoError(t, err)

	now := time.Now()
	first := &models.ChatMessage{SessionID: session.ID, AuthorID: "patient-1", Text: "hello", CreatedAt: now}
	require.NoError(t, repo.AppendMessage(context.Background(), &session, first))
	require.Equal(t, "hello", session.LastMessage)
	require.Equal(t, 1, unreadCounts(t, session)["doctor-1"])
	require.Equal(t, 0, unreadCounts(t, session)["patient-1"])

	second := &models.ChatMessage{SessionID: session.ID, AuthorID: "doctor-1", MediaURL: "https://cdn.test/scan.png", MediaKind: models.MediaKindImage, CreatedAt: now.Add(time.Second)}
	require.NoError(t, repo.AppendMessage(context.Background(), &session, second))
	require.Equal(t, "[image]", session.LastMessage, "media-only message gets a kind preview")
	require.Equal(t, 1, unreadCounts(t, session)["doctor-1"])
	require.Equal(t, 1, unreadCounts(t, session)["patient-1"])
}

func TestChatRepositoryMarkRead(t *testing.T) {
	db := setupRealtimeTestDB(t, &models.ChatSession{}, &models.ChatMessage{})
	repo := NewChatRepository(db)
	messages := NewMessageRepository(db)

	session, err := repo.EnsureSession(context.Background(), chatPatient, chatDoctor)
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 2; i++ {
		message := &models.ChatMessage{SessionID: session.ID, AuthorID: "patient-1", Text: "ping", CreatedAt: now.Add(time.Duration(i) * time.Second)}
		require.NoError(t, repo.AppendMessage(context.Background(), &session, message))
	}
	reply := &models.ChatMessage{SessionID: session.ID, AuthorID: "doctor-1", Text: "pong", CreatedAt: now.Add(3 * time.Second)}
	require.NoError(t, repo.AppendMessage(context.Background(), &session, reply))

	updated, err := repo.MarkRead(context.Background(), session.ID, "doctor-1")
	require.NoError(t, err)
	require.Equal(t, 0, unreadCounts(t, updated)["doctor-1"])
	require.Equal(t, 1, unreadCounts(t, updated)["patient-1"], "the other counter is untouched")

	unread, err := messages.CountUnread(context.Background(), session.ID, "doctor-1")
	require.NoError(t, err)
	require.Zero(t, unread)

	// The doctor's own message stays unread from the patient's side.
	unread, err = messages.CountUnread(context.Background(), session.ID, "patient-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), unread)
}

func TestChatRepositoryForceEndFor(t *testing.T) {
	db := setupRealtimeTestDB(t, &models.ChatSession{}, &models.ChatMessage{})
	repo := NewChatRepository(db)

	withDoctor, err := repo.EnsureSession(context.Background(), chatPatient, chatDoctor)
	require.NoError(t, err)
	otherPatient := models.Participant{ID: "patient-2", Name: "Ben", Role: models.RolePatient}
	alsoWithDoctor, err := repo.EnsureSession(context.Background(), otherPatient, chatDoctor)
	require.NoError(t, err)
	unrelated, err := repo.EnsureSession(context.Background(), chatPatient, otherPatient)
	require.NoError(t, err)

	at := time.Now()
	ended, err := repo.ForceEndFor(context.Background(), "doctor-1", "doctor_unavailable", at)
	require.NoError(t, err)
	require.Len(t, ended, 2)

	for _, id := range []uint{withDoctor.ID, alsoWithDoctor.ID} {
		session, err := repo.FindSession(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, models.SessionStatusEnded, session.Status)
		require.Equal(t, "doctor_unavailable", session.EndReason)
		require.NotNil(t, session.EndedAt)

		message := &models.ChatMessage{SessionID: id, AuthorID: "patient-1", Text: "late", CreatedAt: time.Now()}
		require.ErrorIs(t, repo.AppendMessage(context.Background(), &session, message), ErrSessionEnded)
	}

	session, err := repo.FindSession(context.Background(), unrelated.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusActive, session.Status)

	// Nothing active remains, so the second sweep is empty.
	again, err := repo.ForceEndFor(context.Background(), "doctor-1", "doctor_unavailable", at)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestChatRepositoryListSessionsOrdering(t *testing.T) {
	db := setupRealtimeTestDB(t, &models.ChatSession{}, &models.ChatMessage{})
	repo := NewChatRepository(db)

	otherPatient := models.Participant{ID: "patient-2", Name: "Ben", Role: models.RolePatient}
	older, err := repo.EnsureSession(context.Background(), chatPatient, chatDoctor)
	require.NoError(t, err)
	newer, err := repo.EnsureSession(context.Background(), otherPatient, chatDoctor)
	require.NoError(t, err)

	base := time.Now()
	require.NoError(t, repo.AppendMessage(context.Background(), &older, &models.ChatMessage{SessionID: older.ID, AuthorID: "patient-1", Text: "first", CreatedAt: base}))
	require.NoError(t, repo.AppendMessage(context.Background(), &newer, &models.ChatMessage{SessionID: newer.ID, AuthorID: "patient-2", Text: "second", CreatedAt: base.Add(time.Minute)}))

	listed, err := repo.ListSessionsFor(context.Background(), "doctor-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, newer.ID, listed[0].ID, "most recent conversation first")

	listed, err = repo.ListSessionsFor(context.Background(), "patient-2")
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

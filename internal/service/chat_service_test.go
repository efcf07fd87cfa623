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

type chatFixture struct {
	db        *gorm.DB
	service   ChatService
	media     repository.MediaRepository
	publisher *publisherStub
}

func setupChatService(t *testing.T) chatFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:chat_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Participant{}, &models.ChatSession{}, &models.ChatMessage{}, &models.MediaAsset{}))

	patient := models.Participant{ID: "patient-1", Name: "Ana", Role: models.RolePatient}
	doctor := models.Participant{ID: "doctor-1", Name: "Dr. Reyes", Role: models.RoleDoctor, Status: models.StatusAvailable, IsAvailable: true}
	require.NoError(t, db.Create(&patient).Error)
	require.NoError(t, db.Create(&doctor).Error)

	media := repository.NewMediaRepository(db)
	publisher := &publisherStub{}
	validate := validator.New(validator.WithRequiredStructEnabled())

	svc := NewChatService(
		repository.NewChatRepository(db),
		repository.NewMessageRepository(db),
		repository.NewParticipantRepository(db),
		media,
		publisher,
		nil, "carebridge-test", nil,
		validate,
		zerolog.Nop(),
	)
	return chatFixture{db: db, service: svc, media: media, publisher: publisher}
}

func TestChatServiceEnsureSessionIsIdempotent(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	first, err := fx.service.EnsureSession(ctx, "patient-1", "doctor-1")
	require.NoError(t, err)
	require.Equal(t, models.PairKey("patient-1", "doctor-1"), first.PairKey)
	require.Equal(t, models.SessionStatusActive, first.Status)
	require.Contains(t, first.Details, "patient-1")
	require.Contains(t, first.Details, "doctor-1")

	// Same session regardless of who asks.
	second, err := fx.service.EnsureSession(ctx, "doctor-1", "patient-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, fx.db.Model(&models.ChatSession{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestChatServiceEnsureSessionRejectsSelf(t *testing.T) {
	fx := setupChatService(t)

	_, err := fx.service.EnsureSession(context.Background(), "patient-1", "patient-1")
	require.ErrorIs(t, err, ErrChatNotAuthorised)
}

func TestChatServiceEnsureSessionGatedOnDoctorAvailability(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	require.NoError(t, fx.db.Model(&models.Participant{}).Where("id = ?", "doctor-1").
		Updates(map[string]interface{}{"status": models.StatusUnavailable, "is_available": false}).Error)

	_, err := fx.service.EnsureSession(ctx, "patient-1", "doctor-1")
	require.ErrorIs(t, err, ErrCalleeUnavailable)

	// The doctor can still reach out; only the unavailable side is shielded.
	_, err = fx.service.EnsureSession(ctx, "doctor-1", "patient-1")
	require.NoError(t, err)
}

func TestChatServicePostMessageUpdatesLedger(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	session, err := fx.service.EnsureSession(ctx, "patient-1", "doctor-1")
	require.NoError(t, err)

	message, err := fx.service.PostMessage(ctx, "patient-1", dto.ChatSendRequest{
		SessionID: session.ID,
		Text:      "  Hello doctor <script>alert('x')</script>  ",
	})
	require.NoError(t, err)
	require.Equal(t, "Hello doctor", message.Text)
	require.False(t, message.Read)

	sessions, err := fx.service.ListSessions(ctx, "doctor-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "Hello doctor", sessions[0].LastMessage)
	require.Equal(t, 1, sessions[0].UnreadCounts["doctor-1"], "recipient unread count increments")
	require.Equal(t, 0, sessions[0].UnreadCounts["patient-1"], "author unread count does not")

	require.Contains(t, fx.publisher.dedupKeys(), fmt.Sprintf("chat:msg:%d", message.ID))
	require.Equal(t, "doctor-1", fx.publisher.published[0].UserID)
}

func TestChatServiceMarkReadZeroesCounter(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	session, err := fx.service.EnsureSession(ctx, "patient-1", "doctor-1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = fx.service.PostMessage(ctx, "patient-1", dto.ChatSendRequest{SessionID: session.ID, Text: fmt.Sprintf("message %d", i)})
		require.NoError(t, err)
	}

	updated, err := fx.service.MarkRead(ctx, session.ID, "doctor-1")
	require.NoError(t, err)
	require.Equal(t, 0, updated.UnreadCounts["doctor-1"])

	history, err := fx.service.History(ctx, "doctor-1", dto.ChatHistoryQuery{SessionID: session.ID})
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, item := range history {
		require.True(t, item.Read, "messages from the other party flip to read")
	}

	// Repeating it is harmless.
	_, err = fx.service.MarkRead(ctx, session.ID, "doctor-1")
	require.NoError(t, err)

	_, err = fx.service.MarkRead(ctx, session.ID, "stranger")
	require.ErrorIs(t, err, ErrChatNotAuthorised)
}

func TestChatServicePostMessageRejectsDanglingMedia(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	session, err := fx.service.EnsureSession(ctx, "patient-1", "doctor-1")
	require.NoError(t, err)

	_, err = fx.service.PostMessage(ctx, "patient-1", dto.ChatSendRequest{SessionID: session.ID, MediaID: 777})
	require.ErrorIs(t, err, repository.ErrMediaNotFound)

	// An asset someone else uploaded is just as dangling.
	asset := models.MediaAsset{OwnerID: "doctor-1", URL: "https://cdn.test/scan.png", Kind: models.MediaKindImage}
	require.NoError(t, fx.media.Create(ctx, &asset))
	_, err = fx.service.PostMessage(ctx, "patient-1", dto.ChatSendRequest{SessionID: session.ID, MediaID: asset.ID})
	require.ErrorIs(t, err, repository.ErrMediaNotFound)
}

func TestChatServicePostMessageWithCommittedMedia(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	session, err := fx.service.EnsureSession(ctx, "patient-1", "doctor-1")
	require.NoError(t, err)

	asset := models.MediaAsset{OwnerID: "patient-1", URL: "https://cdn.test/rash.png", Kind: models.MediaKindImage}
	require.NoError(t, fx.media.Create(ctx, &asset))

	message, err := fx.service.PostMessage(ctx, "patient-1", dto.ChatSendRequest{SessionID: session.ID, MediaID: asset.ID})
	require.NoError(t, err)
	require.Equal(t, asset.URL, message.MediaURL)
	require.Equal(t, models.MediaKindImage, message.MediaKind)

	sessions, err := fx.service.ListSessions(ctx, "patient-1")
	require.NoError(t, err)
	require.Equal(t, "[image]", sessions[0].LastMessage)
}

func TestChatServicePostMessageRejectsEmpty(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	session, err := fx.service.EnsureSession(ctx, "patient-1", "doctor-1")
	require.NoError(t, err)

	// Sanitization can empty a message out entirely.
	_, err = fx.service.PostMessage(ctx, "patient-1", dto.ChatSendRequest{SessionID: session.ID, Text: "<script>alert('x')</script>"})
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = fx.service.PostMessage(ctx, "patient-1", dto.ChatSendRequest{SessionID: session.ID, Text: "   "})
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestChatServicePostMessageRequiresMembership(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	session, err := fx.service.EnsureSession(ctx, "patient-1", "doctor-1")
	require.NoError(t, err)

	_, err = fx.service.PostMessage(ctx, "stranger", dto.ChatSendRequest{SessionID: session.ID, Text: "hi"})
	require.ErrorIs(t, err, ErrChatNotAuthorised)

	_, err = fx.service.History(ctx, "stranger", dto.ChatHistoryQuery{SessionID: session.ID})
	require.ErrorIs(t, err, ErrChatNotAuthorised)
}

func TestChatServiceForceEndStopsConversation(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	session, err := fx.service.EnsureSession(ctx, "patient-1", "doctor-1")
	require.NoError(t, err)
	_, err = fx.service.PostMessage(ctx, "patient-1", dto.ChatSendRequest{SessionID: session.ID, Text: "hello"})
	require.NoError(t, err)

	ended, err := fx.service.ForceEndSessionsFor(ctx, "doctor-1", "doctor_unavailable")
	require.NoError(t, err)
	require.Len(t, ended, 1)

	require.Contains(t, fx.publisher.dedupKeys(), fmt.Sprintf("session:%d:forceend", session.ID))
	last := fx.publisher.published[len(fx.publisher.published)-1]
	require.Equal(t, "patient-1", last.UserID, "the participant left behind is the one alerted")
	require.Equal(t, models.NotificationTypePresence, last.Type)

	_, err = fx.service.PostMessage(ctx, "patient-1", dto.ChatSendRequest{SessionID: session.ID, Text: "are you there?"})
	require.ErrorIs(t, err, repository.ErrSessionEnded)

	// History of an ended session stays readable.
	history, err := fx.service.History(ctx, "patient-1", dto.ChatHistoryQuery{SessionID: session.ID})
	require.NoError(t, err)
	require.Len(t, history, 1)

	// Nothing left to end on the second pass.
	again, err := fx.service.ForceEndSessionsFor(ctx, "doctor-1", "doctor_unavailable")
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestChatServiceHistoryPagination(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	session, err := fx.service.EnsureSession(ctx, "patient-1", "doctor-1")
	require.NoError(t, err)

	base := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		message := models.ChatMessage{SessionID: session.ID, AuthorID: "patient-1", Text: fmt.Sprintf("m%d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, fx.db.Create(&message).Error)
	}

	recent, err := fx.service.History(ctx, "patient-1", dto.ChatHistoryQuery{SessionID: session.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "m3", recent[0].Text)
	require.Equal(t, "m4", recent[1].Text, "ascending order, newest window")

	cursor := base.Add(3 * time.Minute)
	older, err := fx.service.History(ctx, "patient-1", dto.ChatHistoryQuery{SessionID: session.ID, Before: &cursor, Limit: 2})
	require.NoError(t, err)
	require.Len(t, older, 2)
	require.Equal(t, "m1", older[0].Text)
	require.Equal(t, "m2", older[1].Text)
}

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

type busySetterStub struct {
	changes []string
}

func (b *busySetterStub) SetBusy(_ context.Context, participantID string, busy bool) error {
	b.changes = append(b.changes, fmt.Sprintf("%s=%t", participantID, busy))
	return nil
}

type publisherStub struct {
	published []dto.NotificationCreateRequest
}

func (p *publisherStub) Publish(_ context.Context, payload dto.NotificationCreateRequest) (dto.NotificationResponse, error) {
	p.published = append(p.published, payload)
	return dto.NotificationResponse{ID: uint(len(p.published)), UserID: payload.UserID, Type: payload.Type, Message: payload.Message}, nil
}

func (p *publisherStub) dedupKeys() []string {
	keys := make([]string, 0, len(p.published))
	for _, item := range p.published {
		keys = append(keys, item.DedupKey)
	}
	return keys
}

type endBroadcasterStub struct {
	ends []string
}

func (e *endBroadcasterStub) BroadcastEnd(callID uint, from, reason string) {
	e.ends = append(e.ends, fmt.Sprintf("%d:%s:%s", callID, from, reason))
}

type callFixture struct {
	db        *gorm.DB
	service   CallService
	concrete  *callService
	busy      *busySetterStub
	publisher *publisherStub
	signals   *endBroadcasterStub
}

func setupCallService(t *testing.T) callFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:call_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Participant{}, &models.CallRequest{}))

	patient := models.Participant{ID: "patient-1", Name: "Ana", Role: models.RolePatient}
	doctor := models.Participant{ID: "doctor-1", Name: "Dr. Reyes", Role: models.RoleDoctor, Status: models.StatusAvailable, IsAvailable: true}
	require.NoError(t, db.Create(&patient).Error)
	require.NoError(t, db.Create(&doctor).Error)

	busy := &busySetterStub{}
	publisher := &publisherStub{}
	signals := &endBroadcasterStub{}
	validate := validator.New(validator.WithRequiredStructEnabled())

	svc := NewCallService(repository.NewCallRepository(db), repository.NewParticipantRepository(db), busy, publisher, signals, validate, 0, zerolog.Nop())
	concrete := svc.(*callService)
	concrete.now = func() time.Time { return time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC) }

	return callFixture{db: db, service: svc, concrete: concrete, busy: busy, publisher: publisher, signals: signals}
}

func TestCallServiceRequestAcceptLifecycle(t *testing.T) {
	fx := setupCallService(t)
	ctx := context.Background()

	created, err := fx.service.Request(ctx, "patient-1", dto.CallCreateRequest{ToID: "doctor-1"})
	require.NoError(t, err)
	require.Equal(t, models.CallStatusRequesting, created.Status)
	require.Equal(t, models.PairKey("patient-1", "doctor-1"), created.PairKey)
	require.Equal(t, fx.concrete.now().Add(models.CallRequestTTL), created.ExpiresAt)
	require.Contains(t, fx.publisher.dedupKeys(), fmt.Sprintf("call:%d:requested", created.ID))
	require.Equal(t, "doctor-1", fx.publisher.published[0].UserID, "callee gets the incoming-call alert")

	accepted, err := fx.service.Accept(ctx, created.ID, "doctor-1")
	require.NoError(t, err)
	require.Equal(t, models.CallStatusAccepted, accepted.Status)
	require.ElementsMatch(t, []string{"patient-1=true", "doctor-1=true"}, fx.busy.changes)
	require.Contains(t, fx.publisher.dedupKeys(), fmt.Sprintf("call:%d:accepted", created.ID))
}

func TestCallServiceRejectsSelfCall(t *testing.T) {
	fx := setupCallService(t)

	_, err := fx.service.Request(context.Background(), "patient-1", dto.CallCreateRequest{ToID: "patient-1"})
	require.ErrorIs(t, err, ErrSelfCall)
}

func TestCallServiceRequestGatedOnDoctorAvailability(t *testing.T) {
	fx := setupCallService(t)
	ctx := context.Background()

	require.NoError(t, fx.db.Model(&models.Participant{}).Where("id = ?", "doctor-1").
		Updates(map[string]interface{}{"status": models.StatusUnavailable, "is_available": false}).Error)

	_, err := fx.service.Request(ctx, "patient-1", dto.CallCreateRequest{ToID: "doctor-1"})
	require.ErrorIs(t, err, ErrCalleeUnavailable)
	require.Empty(t, fx.publisher.published, "no alert for an unreachable callee")
}

func TestCallServiceRequestGatedOnBusyCallee(t *testing.T) {
	fx := setupCallService(t)
	ctx := context.Background()

	// A patient mid-call with someone else cannot be rung either.
	require.NoError(t, fx.db.Model(&models.Participant{}).Where("id = ?", "patient-1").
		Update("status", models.StatusBusy).Error)

	_, err := fx.service.Request(ctx, "doctor-1", dto.CallCreateRequest{ToID: "patient-1"})
	require.ErrorIs(t, err, ErrCalleeUnavailable)
}

func TestCallServiceOneLiveCallPerPair(t *testing.T) {
	fx := setupCallService(t)
	ctx := context.Background()

	first, err := fx.service.Request(ctx, "patient-1", dto.CallCreateRequest{ToID: "doctor-1"})
	require.NoError(t, err)

	_, err = fx.service.Request(ctx, "patient-1", dto.CallCreateRequest{ToID: "doctor-1"})
	require.ErrorIs(t, err, repository.ErrCallInProgress)

	// The reverse direction is the same pair.
	_, err = fx.service.Request(ctx, "doctor-1", dto.CallCreateRequest{ToID: "patient-1"})
	require.ErrorIs(t, err, repository.ErrCallInProgress)

	// A settled call frees the pair.
	_, err = fx.service.Decline(ctx, first.ID, "doctor-1")
	require.NoError(t, err)
	_, err = fx.service.Request(ctx, "patient-1", dto.CallCreateRequest{ToID: "doctor-1"})
	require.NoError(t, err)
}

func TestCallServiceOnlyCalleeAnswers(t *testing.T) {
	fx := setupCallService(t)
	ctx := context.Background()

	created, err := fx.service.Request(ctx, "patient-1", dto.CallCreateRequest{ToID: "doctor-1"})
	require.NoError(t, err)

	_, err = fx.service.Accept(ctx, created.ID, "patient-1")
	require.ErrorIs(t, err, ErrNotCallee)
	_, err = fx.service.Decline(ctx, created.ID, "patient-1")
	require.ErrorIs(t, err, ErrNotCallee)

	_, err = fx.service.Accept(ctx, created.ID, "stranger")
	require.ErrorIs(t, err, ErrNotCallParty)
}

func TestCallServiceDeclineIsTerminal(t *testing.T) {
	fx := setupCallService(t)
	ctx := context.Background()

	created, err := fx.service.Request(ctx, "patient-1", dto.CallCreateRequest{ToID: "doctor-1"})
	require.NoError(t, err)

	declined, err := fx.service.Decline(ctx, created.ID, "doctor-1")
	require.NoError(t, err)
	require.Equal(t, models.CallStatusDeclined, declined.Status)
	require.Equal(t, "declined", declined.EndReason)
	require.NotNil(t, declined.EndedAt)
	require.Empty(t, fx.busy.changes, "declining never marks anyone busy")

	// A declined call cannot be accepted, even past the deadline.
	resp, err := fx.service.Accept(ctx, created.ID, "doctor-1")
	require.ErrorIs(t, err, ErrCallUnanswerable)
	require.Equal(t, models.CallStatusDeclined, resp.Status)
}

func TestCallServiceEndClearsBusyAndBroadcasts(t *testing.T) {
	fx := setupCallService(t)
	ctx := context.Background()

	created, err := fx.service.Request(ctx, "patient-1", dto.CallCreateRequest{ToID: "doctor-1"})
	require.NoError(t, err)
	_, err = fx.service.Accept(ctx, created.ID, "doctor-1")
	require.NoError(t, err)
	fx.busy.changes = nil

	ended, err := fx.service.End(ctx, created.ID, "patient-1", "")
	require.NoError(t, err)
	require.Equal(t, models.CallStatusEnded, ended.Status)
	require.Equal(t, "hangup", ended.EndReason)
	require.ElementsMatch(t, []string{"patient-1=false", "doctor-1=false"}, fx.busy.changes)
	require.Equal(t, []string{fmt.Sprintf("%d:patient-1:hangup", created.ID)}, fx.signals.ends)
	require.Contains(t, fx.publisher.dedupKeys(), fmt.Sprintf("call:%d:ended", created.ID))

	// Ending again is a no-op returning the settled record.
	fx.busy.changes = nil
	again, err := fx.service.End(ctx, created.ID, "doctor-1", "")
	require.NoError(t, err)
	require.Equal(t, models.CallStatusEnded, again.Status)
	require.Empty(t, fx.busy.changes)
}

func TestCallServiceAbortFromRequestingSkipsBusyClear(t *testing.T) {
	fx := setupCallService(t)
	ctx := context.Background()

	created, err := fx.service.Request(ctx, "patient-1", dto.CallCreateRequest{ToID: "doctor-1"})
	require.NoError(t, err)

	aborted, err := fx.service.Abort(ctx, created.ID, "patient-1", dto.CallAbortRequest{Reason: "cancelled"})
	require.NoError(t, err)
	require.Equal(t, models.CallStatusEnded, aborted.Status)
	require.Equal(t, "cancelled", aborted.EndReason)
	require.Empty(t, fx.busy.changes, "busy was never set for an unanswered call")
}

func TestCallServiceAbortAfterAcceptClearsBusy(t *testing.T) {
	fx := setupCallService(t)
	ctx := context.Background()

	created, err := fx.service.Request(ctx, "patient-1", dto.CallCreateRequest{ToID: "doctor-1"})
	require.NoError(t, err)
	_, err = fx.service.Accept(ctx, created.ID, "doctor-1")
	require.NoError(t, err)
	fx.busy.changes = nil

	aborted, err := fx.service.Abort(ctx, created.ID, "doctor-1", dto.CallAbortRequest{Reason: "media_failed"})
	require.NoError(t, err)
	require.Equal(t, "media_failed", aborted.EndReason)
	require.ElementsMatch(t, []string{"patient-1=false", "doctor-1=false"}, fx.busy.changes)
}

func TestCallServiceAbortRejectsUnknownReason(t *testing.T) {
	fx := setupCallService(t)

	created, err := fx.service.Request(context.Background(), "patient-1", dto.CallCreateRequest{ToID: "doctor-1"})
	require.NoError(t, err)

	_, err = fx.service.Abort(context.Background(), created.ID, "patient-1", dto.CallAbortRequest{Reason: "felt like it"})
	require.Error(t, err)
}

func TestCallServiceLazyExpiryOnRead(t *testing.T) {
	fx := setupCallService(t)
	ctx := context.Background()

	created, err := fx.service.Request(ctx, "patient-1", dto.CallCreateRequest{ToID: "doctor-1"})
	require.NoError(t, err)

	base := fx.concrete.now()
	fx.concrete.now = func() time.Time { return base.Add(models.CallRequestTTL + time.Second) }

	got, err := fx.service.Get(ctx, created.ID, "patient-1")
	require.NoError(t, err)
	require.Equal(t, models.CallStatusExpired, got.Status)
	require.Equal(t, "timeout", got.EndReason)

	// The late answer observes the authoritative expired record.
	resp, err := fx.service.Accept(ctx, created.ID, "doctor-1")
	require.ErrorIs(t, err, ErrCallUnanswerable)
	require.Equal(t, models.CallStatusExpired, resp.Status)
}

func TestCallServiceSweepNotifiesBothParties(t *testing.T) {
	fx := setupCallService(t)
	ctx := context.Background()

	created, err := fx.service.Request(ctx, "patient-1", dto.CallCreateRequest{ToID: "doctor-1"})
	require.NoError(t, err)

	base := fx.concrete.now()
	fx.concrete.now = func() time.Time { return base.Add(models.CallRequestTTL + time.Second) }
	fx.concrete.sweep(ctx)

	keys := fx.publisher.dedupKeys()
	require.Contains(t, keys, fmt.Sprintf("call:%d:expired", created.ID))
	require.Contains(t, keys, fmt.Sprintf("call:%d:missed", created.ID))

	var stored models.CallRequest
	require.NoError(t, fx.db.First(&stored, created.ID).Error)
	require.Equal(t, models.CallStatusExpired, stored.Status)

	// Sweeping again finds nothing new.
	before := len(fx.publisher.published)
	fx.concrete.sweep(ctx)
	require.Len(t, fx.publisher.published, before)
}

func TestCallServiceGetRequiresParty(t *testing.T) {
	fx := setupCallService(t)

	created, err := fx.service.Request(context.Background(), "patient-1", dto.CallCreateRequest{ToID: "doctor-1"})
	require.NoError(t, err)

	_, err = fx.service.Get(context.Background(), created.ID, "stranger")
	require.ErrorIs(t, err, ErrNotCallParty)

	_, err = fx.service.Get(context.Background(), 9999, "patient-1")
	require.ErrorIs(t, err, repository.ErrCallNotFound)
}

func TestCallServiceRequestUnknownCallee(t *testing.T) {
	fx := setupCallService(t)

	_, err := fx.service.Request(context.Background(), "patient-1", dto.CallCreateRequest{ToID: "ghost"})
	require.ErrorIs(t, err, repository.ErrParticipantNotFound)
}

package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"subscription_bot/internal/app/tasks"
	"subscription_bot/internal/domain/audit"
	"subscription_bot/internal/domain/batch"
	"subscription_bot/internal/domain/subscription"
	"subscription_bot/internal/testutils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/telebot.v3"
)

type fixture struct {
	batches  *testutils.BatchStore
	audits   *testutils.AuditStore
	subs     *testutils.SubscriptionStore
	telegram *testutils.TelegramClient
	service  *BackgroundTaskService
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		batches:  testutils.NewBatchStore(),
		audits:   testutils.NewAuditStore(),
		subs:     testutils.NewSubscriptionStore(),
		telegram: testutils.NewTelegramClient(),
	}
	reg, err := tasks.NewRegistry(tasks.Dependencies{
		Telegram:      f.telegram,
		Subscriptions: f.subs,
		Audits:        f.audits,
		Logger:        testLogger(),
		InviteLinkTTL: time.Hour,
	})
	require.NoError(t, err)

	cfg := tasks.ProcessorConfig{ChunkSize: tasks.DefaultChunkSize}
	processor := tasks.NewProcessor(f.batches, reg, cfg, testLogger())
	f.service = NewBackgroundTaskService(f.batches, f.audits, f.subs, f.subs, processor, testLogger())
	return f
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.service.Wait(ctx))
}

func (f *fixture) batch(t *testing.T, id uuid.UUID) *batch.Batch {
	t.Helper()
	b, err := f.batches.GetByID(context.Background(), id)
	require.NoError(t, err)
	return b
}

func subscriber(id int64, name string) *subscription.Subscriber {
	return &subscription.Subscriber{
		TelegramID:       id,
		FullName:         name,
		SubscriptionName: "Premium",
		ExpiryDate:       time.Now().Add(72 * time.Hour),
	}
}

func TestBroadcastBatchRecordsBlockedUser(t *testing.T) {
	f := newFixture(t)
	f.subs.Audiences[subscription.GroupActiveSubscribers] = []*subscription.Subscriber{
		subscriber(1, "Ann Lee"), subscriber(2, "Bob Roe"), subscriber(3, "Cid Poe"),
	}
	f.telegram.SendFunc = func(chatID int64, _ string) error {
		if chatID == 2 {
			return errors.New("telegram: Forbidden: bot was blocked by the user (403)")
		}
		return nil
	}

	id, err := f.service.StartEnhancedBroadcastBatch(context.Background(), "Hi {FIRST_NAME}", subscription.GroupActiveSubscribers, nil)
	require.NoError(t, err)
	f.wait(t)

	b := f.batch(t, id)
	assert.Equal(t, batch.StatusCompleted, b.Status)
	assert.Equal(t, 3, b.TotalUsers)
	assert.Equal(t, 2, b.SuccessfulSends)
	assert.Equal(t, 1, b.FailedSends)
	assert.Equal(t, map[string]int{"user_blocked": 1}, b.ErrorSummary)
	require.Len(t, b.ErrorDetails, 1)
	assert.Equal(t, int64(2), b.ErrorDetails[0].TelegramID)
	assert.False(t, b.ErrorDetails[0].IsRetryable)
	assert.True(t, b.CompletedAt.Valid)
	assert.Equal(t, []string{"Hi Ann"}, f.telegram.SentTo(1))
	assert.Empty(t, f.service.InFlight())
}

func TestBroadcastFailsFastWithoutCreatingBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.StartEnhancedBroadcastBatch(ctx, "hello", subscription.GroupAllUsers, nil)
	assert.ErrorIs(t, err, ErrNoTargets)

	_, err = f.service.StartEnhancedBroadcastBatch(ctx, "hello", subscription.TargetGroup("vip"), nil)
	assert.ErrorIs(t, err, subscription.ErrUnknownTargetGroup)

	_, err = f.service.StartEnhancedBroadcastBatch(ctx, "hello", subscription.GroupSubscriptionTypeActive, nil)
	assert.ErrorIs(t, err, subscription.ErrTargetGroupNeedsType)

	_, err = f.service.StartEnhancedBroadcastBatch(ctx, "", subscription.GroupAllUsers, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Empty(t, f.batches.All())
	assert.Empty(t, f.service.InFlight())
}

func TestInviteBatchSendsLinks(t *testing.T) {
	f := newFixture(t)
	f.subs.ActiveByType[7] = []*subscription.Subscriber{subscriber(10, "Ann Lee")}

	id, err := f.service.StartInviteBatch(context.Background(), 7, []tasks.ChannelRef{{ChannelID: -100, ChannelName: "News"}}, "Premium")
	require.NoError(t, err)
	f.wait(t)

	b := f.batch(t, id)
	assert.Equal(t, batch.TypeInvite, b.Type)
	assert.Equal(t, batch.StatusCompleted, b.Status)
	assert.Equal(t, int64(7), b.SubscriptionTypeID.Int64)
	sent := f.telegram.SentTo(10)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "https://t.me/+invite-100")
}

func TestInviteBatchValidatesRequest(t *testing.T) {
	f := newFixture(t)
	f.subs.ActiveByType[7] = []*subscription.Subscriber{subscriber(10, "Ann Lee")}
	ctx := context.Background()

	_, err := f.service.StartInviteBatch(ctx, 7, nil, "Premium")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.service.StartInviteBatch(ctx, 7, []tasks.ChannelRef{{ChannelName: "News"}}, "Premium")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.service.StartInviteBatch(ctx, 8, []tasks.ChannelRef{{ChannelID: -100}}, "Premium")
	assert.ErrorIs(t, err, ErrNoTargets)

	assert.Empty(t, f.batches.All())
}

func TestRemovalSchedulingBatch(t *testing.T) {
	f := newFixture(t)
	sub := subscriber(10, "Ann Lee")
	f.subs.ActiveByType[7] = []*subscription.Subscriber{sub}

	id, err := f.service.StartChannelRemovalSchedulingBatch(context.Background(), 7, []tasks.ChannelRef{{ChannelID: -100}, {ChannelID: -200}})
	require.NoError(t, err)
	f.wait(t)

	assert.Equal(t, batch.StatusCompleted, f.batch(t, id).Status)
	assert.Equal(t, map[int64]time.Time{-100: sub.ExpiryDate, -200: sub.ExpiryDate}, f.subs.Scheduled[10])
}

func TestRetryFailedSendsOnlyRetriesRetryableFailures(t *testing.T) {
	f := newFixture(t)
	original := &batch.Batch{
		ID:             uuid.New(),
		Type:           batch.TypeBroadcast,
		Status:         batch.StatusCompleted,
		TotalUsers:     5,
		FailedSends:    4,
		MessageContent: []byte(`{"text":"Hello {FULL_NAME}"}`),
		TargetGroup:    sql.NullString{String: string(subscription.GroupAllUsers), Valid: true},
		ErrorDetails: []batch.FailedSendDetail{
			{TelegramID: 1, FullName: "Ann Lee", ErrorKey: "unknown_error", IsRetryable: true},
			{TelegramID: 2, FullName: "Bob Roe", ErrorKey: "flood_wait", IsRetryable: true},
			{TelegramID: 2, FullName: "Bob Roe", ErrorKey: "flood_wait", IsRetryable: true},
			{TelegramID: 3, FullName: "Cid Poe", ErrorKey: "user_blocked"},
		},
	}
	f.batches.Put(original)

	id, err := f.service.RetryFailedSendsInBatch(context.Background(), original.ID)
	require.NoError(t, err)
	f.wait(t)

	retry := f.batch(t, id)
	assert.NotEqual(t, original.ID, id)
	assert.Equal(t, 2, retry.TotalUsers)
	assert.Equal(t, batch.StatusCompleted, retry.Status)
	assert.Equal(t, original.TargetGroup, retry.TargetGroup)
	assert.Equal(t, []string{"Hello Ann Lee"}, f.telegram.SentTo(1))
	assert.Equal(t, []string{"Hello Bob Roe"}, f.telegram.SentTo(2))
	assert.Empty(t, f.telegram.SentTo(3))
}

func TestRetryEnrichesTargetsFromActiveSubscribers(t *testing.T) {
	f := newFixture(t)
	fresh := subscriber(1, "Ann Lee")
	f.subs.ActiveByType[7] = []*subscription.Subscriber{fresh}
	original := &batch.Batch{
		ID:                 uuid.New(),
		Type:               batch.TypeScheduleRemoval,
		Status:             batch.StatusFailed,
		SubscriptionTypeID: sql.NullInt64{Int64: 7, Valid: true},
		ContextData:        []byte(`{"channels_to_schedule":[{"channel_id":-100}]}`),
		ErrorDetails: []batch.FailedSendDetail{
			{TelegramID: 1, ErrorKey: "unknown_error", IsRetryable: true},
		},
	}
	f.batches.Put(original)

	id, err := f.service.RetryFailedSendsInBatch(context.Background(), original.ID)
	require.NoError(t, err)
	f.wait(t)

	assert.Equal(t, batch.StatusCompleted, f.batch(t, id).Status)
	assert.Equal(t, fresh.ExpiryDate, f.subs.Scheduled[1][-100])
}

func TestRetryFailedSendsErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.RetryFailedSendsInBatch(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrBatchNotFound)

	running := &batch.Batch{ID: uuid.New(), Type: batch.TypeBroadcast, Status: batch.StatusInProgress}
	f.batches.Put(running)
	_, err = f.service.RetryFailedSendsInBatch(ctx, running.ID)
	assert.ErrorIs(t, err, ErrBatchNotFinished)

	done := &batch.Batch{
		ID:           uuid.New(),
		Type:         batch.TypeBroadcast,
		Status:       batch.StatusCompleted,
		ErrorDetails: []batch.FailedSendDetail{{TelegramID: 3, ErrorKey: "user_blocked"}},
	}
	f.batches.Put(done)
	_, err = f.service.RetryFailedSendsInBatch(ctx, done.ID)
	assert.ErrorIs(t, err, ErrNoRetryableFailures)

	assert.Len(t, f.batches.All(), 2)
}

func TestChannelAuditAndCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subs.Channels = []subscription.Channel{
		{ID: -100, Name: "News", SubscriptionTypeID: 7},
		{ID: -100, Name: "News", SubscriptionTypeID: 8},
	}
	f.subs.ChannelTypes[-100] = 7
	f.subs.ActiveByType[7] = []*subscription.Subscriber{subscriber(1, "Ann Lee")}
	f.subs.UserIDs = []int64{1, 2, 3}
	f.telegram.MemberCounts[-100] = 5
	f.telegram.AddMember(-100, 1, telebot.Member)
	f.telegram.AddMember(-100, 2, telebot.Member)
	f.telegram.AddMember(-100, 3, telebot.Left)

	auditID, err := f.service.StartChannelAudit(ctx)
	require.NoError(t, err)
	f.wait(t)

	rows, err := f.service.GetChannelAuditStatus(ctx, auditID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, audit.StatusCompleted, row.Status)
	assert.Equal(t, []int64{2}, row.UsersToRemove)
	assert.Equal(t, 5, row.TotalMembersAPI)
	assert.Equal(t, 1, row.ActiveSubscribersDB)
	assert.Equal(t, 1, row.InactiveInChannelDB)
	assert.Equal(t, 3, row.UnidentifiedMembers)
	assert.Empty(t, f.batches.All(), "audits are not tracked as batches")

	f.telegram.RemoveFunc = func(int64, int64) (bool, error) { return false, nil }
	firstID, err := f.service.StartChannelCleanupBatch(ctx, auditID, -100)
	require.NoError(t, err)
	f.wait(t)
	assert.Equal(t, batch.StatusFailed, f.batch(t, firstID).Status)

	f.telegram.RemoveFunc = nil
	secondID, err := f.service.StartChannelCleanupBatch(ctx, auditID, -100)
	require.NoError(t, err)
	f.wait(t)
	assert.Equal(t, batch.StatusCompleted, f.batch(t, secondID).Status)

	row, err = f.audits.GetChannelAudit(ctx, auditID, -100)
	require.NoError(t, err)
	assert.Empty(t, row.UsersToRemove)
	assert.Equal(t, 0, row.UsersToRemoveCount)

	_, err = f.service.StartChannelCleanupBatch(ctx, auditID, -100)
	assert.ErrorIs(t, err, ErrNothingToCleanup)
}

func TestChannelAuditPreparationFailureFailsEveryChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subs.Channels = []subscription.Channel{
		{ID: -100, Name: "News", SubscriptionTypeID: 7},
		{ID: -200, Name: "Chat", SubscriptionTypeID: 7},
	}
	f.subs.UserIDsErr = errors.New("connection refused")

	auditID, err := f.service.StartChannelAudit(ctx)
	require.NoError(t, err)
	f.wait(t)

	rows, err := f.service.GetChannelAuditStatus(ctx, auditID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, audit.StatusFailed, row.Status, "channel %d", row.ChannelID)
		assert.Equal(t, "failed to list users: connection refused", row.ErrorMessage.String)
		assert.True(t, row.CompletedAt.Valid)
	}
	assert.Empty(t, f.service.InFlight())
}

func TestChannelAuditWithoutHandlerFailsEveryChannel(t *testing.T) {
	audits := testutils.NewAuditStore()
	subs := testutils.NewSubscriptionStore()
	subs.Channels = []subscription.Channel{{ID: -100, Name: "News", SubscriptionTypeID: 7}}
	processor := tasks.NewProcessor(testutils.NewBatchStore(), tasks.Registry{}, tasks.DefaultProcessorConfig(), testLogger())
	service := NewBackgroundTaskService(testutils.NewBatchStore(), audits, subs, subs, processor, testLogger())

	auditID, err := service.StartChannelAudit(context.Background())
	require.NoError(t, err)
	require.NoError(t, service.Wait(context.Background()))

	row, err := audits.GetChannelAudit(context.Background(), auditID, -100)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusFailed, row.Status)
	assert.Contains(t, row.ErrorMessage.String, "No handler registered")
}

func TestPartialCleanupKeepsUsersNotRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auditID := uuid.New()
	f.audits.Put(&audit.ChannelAudit{
		AuditUUID:          auditID,
		ChannelID:          -100,
		Status:             audit.StatusCompleted,
		UsersToRemove:      []int64{1, 2, 3},
		UsersToRemoveCount: 3,
	})
	f.telegram.RemoveFunc = func(_, userID int64) (bool, error) {
		switch userID {
		case 2:
			return false, errors.New("connection reset")
		case 3:
			return false, errors.New("telegram: Bad Request: user is deactivated (400)")
		}
		return true, nil
	}

	firstID, err := f.service.StartChannelCleanupBatch(ctx, auditID, -100)
	require.NoError(t, err)
	f.wait(t)
	row, err := f.audits.GetChannelAudit(ctx, auditID, -100)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, row.UsersToRemove)

	f.telegram.RemoveFunc = nil
	_, err = f.service.RetryFailedSendsInBatch(ctx, firstID)
	require.NoError(t, err)
	f.wait(t)
	row, err = f.audits.GetChannelAudit(ctx, auditID, -100)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, row.UsersToRemove, "non-retryable failures stay on the list")
	assert.Equal(t, 1, row.UsersToRemoveCount)

	removedBefore := len(f.telegram.Removed)
	_, err = f.service.StartChannelCleanupBatch(ctx, auditID, -100)
	require.NoError(t, err)
	f.wait(t)
	assert.Equal(t, []testutils.Removal{{ChannelID: -100, UserID: 3}}, f.telegram.Removed[removedBefore:])

	row, err = f.audits.GetChannelAudit(ctx, auditID, -100)
	require.NoError(t, err)
	assert.Empty(t, row.UsersToRemove)
}

func TestConcurrentCleanupStartsOneBatch(t *testing.T) {
	batches := testutils.NewBatchStore()
	audits := testutils.NewAuditStore()
	subs := testutils.NewSubscriptionStore()
	auditID := uuid.New()
	audits.Put(&audit.ChannelAudit{AuditUUID: auditID, ChannelID: -100, Status: audit.StatusCompleted, UsersToRemove: []int64{1}})
	runner := &blockingRunner{release: make(chan struct{})}
	service := NewBackgroundTaskService(batches, audits, subs, subs, runner, testLogger())

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		started  int
		rejected int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.StartChannelCleanupBatch(context.Background(), auditID, -100)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				started++
			} else if errors.Is(err, ErrCleanupInProgress) {
				rejected++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, started)
	assert.Equal(t, 7, rejected)
	assert.Len(t, batches.All(), 1)

	close(runner.release)
	require.NoError(t, service.Wait(context.Background()))
	_, err := service.StartChannelCleanupBatch(context.Background(), auditID, -100)
	assert.NoError(t, err, "the key is free once the batch ends")
	require.NoError(t, service.Wait(context.Background()))
}

func TestCleanupKeyReleasedWhenBatchCannotBeCreated(t *testing.T) {
	batches := testutils.NewBatchStore()
	audits := testutils.NewAuditStore()
	subs := testutils.NewSubscriptionStore()
	auditID := uuid.New()
	audits.Put(&audit.ChannelAudit{AuditUUID: auditID, ChannelID: -100, Status: audit.StatusCompleted, UsersToRemove: []int64{1}})
	runner := &blockingRunner{release: make(chan struct{})}
	close(runner.release)
	service := NewBackgroundTaskService(batches, audits, subs, subs, runner, testLogger())

	batches.CreateErr = errors.New("connection refused")
	_, err := service.StartChannelCleanupBatch(context.Background(), auditID, -100)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCleanupInProgress)

	batches.CreateErr = nil
	_, err = service.StartChannelCleanupBatch(context.Background(), auditID, -100)
	assert.NoError(t, err)
	require.NoError(t, service.Wait(context.Background()))
}

func TestChannelCleanupRequiresCompletedAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auditID := uuid.New()

	_, err := f.service.StartChannelCleanupBatch(ctx, auditID, -100)
	assert.ErrorIs(t, err, ErrAuditNotFound)

	f.audits.Put(&audit.ChannelAudit{AuditUUID: auditID, ChannelID: -100, Status: audit.StatusRunning, UsersToRemove: []int64{1}})
	_, err = f.service.StartChannelCleanupBatch(ctx, auditID, -100)
	assert.ErrorIs(t, err, ErrAuditNotFound)
	assert.Empty(t, f.batches.All())
}

func TestStartChannelAuditWithoutChannels(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.StartChannelAudit(context.Background())
	assert.ErrorIs(t, err, ErrNoTargets)
}

type blockingRunner struct {
	release chan struct{}
}

func (r *blockingRunner) Run(context.Context, tasks.Job, []batch.Target) batch.Result {
	<-r.release
	return batch.Result{Status: batch.StatusCompleted}
}

func TestInFlightTracksRunningBatches(t *testing.T) {
	batches := testutils.NewBatchStore()
	subs := testutils.NewSubscriptionStore()
	subs.Audiences[subscription.GroupAllUsers] = []*subscription.Subscriber{subscriber(1, "Ann Lee")}
	runner := &blockingRunner{release: make(chan struct{})}
	service := NewBackgroundTaskService(batches, testutils.NewAuditStore(), subs, subs, runner, testLogger())

	id, err := service.StartEnhancedBroadcastBatch(context.Background(), "hi", subscription.GroupAllUsers, nil)
	require.NoError(t, err)

	inFlight := service.InFlight()
	require.Len(t, inFlight, 1)
	assert.Equal(t, id, inFlight[0].ID)
	assert.Equal(t, batch.TypeBroadcast, inFlight[0].Type)

	status, err := service.GetBatchStatus(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, status.InFlight)
	assert.Equal(t, batch.StatusPending, status.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, service.Wait(ctx), context.DeadlineExceeded)

	close(runner.release)
	require.NoError(t, service.Wait(context.Background()))
	assert.Empty(t, service.InFlight())

	_, err = service.GetBatchStatus(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

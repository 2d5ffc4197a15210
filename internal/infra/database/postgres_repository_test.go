package database

import (
	"context"
	"database/sql"
	"io"
	"os"
	"testing"
	"time"

	"subscription_bot/internal/domain/audit"
	"subscription_bot/internal/domain/batch"
	"subscription_bot/internal/domain/subscription"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB connects to TEST_DATABASE_URL, migrates it and truncates every
// table. Tests are skipped when the variable is unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()
	db, err := NewPostgresConnection(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l := logrus.New()
	l.SetOutput(io.Discard)
	require.NoError(t, Migrate(db, logrus.NewEntry(l)))

	_, err = db.ExecContext(ctx, `TRUNCATE background_batches, channel_audits, scheduled_removals,
        subscriptions, subscription_type_channels, subscription_types, users RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return db
}

func TestBatchRepositoryLifecycle(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresBatchRepository(db)
	ctx := context.Background()

	b := &batch.Batch{
		ID:             uuid.New(),
		Type:           batch.TypeBroadcast,
		TotalUsers:     3,
		TargetGroup:    sql.NullString{String: "all_users", Valid: true},
		MessageContent: []byte(`{"text": "hi"}`),
	}
	require.NoError(t, repo.Create(ctx, b))
	require.NoError(t, repo.MarkInProgress(ctx, b.ID))
	require.NoError(t, repo.IncrementCounters(ctx, b.ID, 1, 0))
	require.NoError(t, repo.IncrementCounters(ctx, b.ID, 1, 1))

	got, err := repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusInProgress, got.Status)
	assert.Equal(t, 2, got.SuccessfulSends)
	assert.Equal(t, 1, got.FailedSends)
	assert.True(t, got.StartedAt.Valid)
	assert.JSONEq(t, `{"text": "hi"}`, string(got.MessageContent))

	details := []batch.FailedSendDetail{{TelegramID: 2, ErrorKey: "user_blocked", ErrorMessage: "blocked"}}
	require.NoError(t, repo.Complete(ctx, b.ID, batch.Result{
		Status:          batch.StatusCompleted,
		SuccessfulSends: 2,
		FailedSends:     1,
		ErrorDetails:    details,
		ErrorSummary:    batch.Summarize(details),
	}))
	got, err = repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, got.Status)
	assert.Equal(t, details, got.ErrorDetails)
	assert.Equal(t, map[string]int{"user_blocked": 1}, got.ErrorSummary)
	assert.True(t, got.CompletedAt.Valid)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, batch.ErrNotFound)
}

func TestBatchRepositoryFailStale(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresBatchRepository(db)
	ctx := context.Background()

	running := &batch.Batch{ID: uuid.New(), Type: batch.TypeInvite, TotalUsers: 10}
	require.NoError(t, repo.Create(ctx, running))
	require.NoError(t, repo.MarkInProgress(ctx, running.ID))
	require.NoError(t, repo.IncrementCounters(ctx, running.ID, 4, 1))

	n, err := repo.FailStale(ctx, "restart")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.GetByID(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, got.Status)
	assert.Equal(t, 4, got.SuccessfulSends)
	assert.Equal(t, 1, got.FailedSends)
	assert.Equal(t, 1, got.ErrorSummary["server_restart"])
	require.Len(t, got.ErrorDetails, 1)
	assert.Equal(t, "server_restart", got.ErrorDetails[0].ErrorKey)
	assert.True(t, got.CompletedAt.Valid)
}

func TestAuditRepositoryLifecycle(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresAuditRepository(db)
	ctx := context.Background()
	auditID := uuid.New()

	require.NoError(t, repo.CreateChannelAudits(ctx, auditID, []audit.Channel{{ID: -1, Name: "A"}, {ID: -2, Name: "B"}}))
	require.NoError(t, repo.StartChannelAudit(ctx, auditID, audit.Channel{ID: -1, Name: "A"}))
	require.NoError(t, repo.SaveChannelAuditProgress(ctx, auditID, -1, 100, []int64{5}))
	require.NoError(t, repo.CompleteChannelAudit(ctx, auditID, -1, audit.Counts{
		TotalMembersAPI:     100,
		ActiveSubscribersDB: 60,
		InactiveInChannelDB: 2,
		UnidentifiedMembers: 38,
		UsersToRemove:       []int64{5, 6},
	}))
	require.NoError(t, repo.FailChannelAudit(ctx, auditID, -2, "member count unavailable"))

	row, err := repo.GetChannelAudit(ctx, auditID, -1)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusCompleted, row.Status)
	assert.Equal(t, []int64{5, 6}, row.UsersToRemove)
	assert.Equal(t, 2, row.UsersToRemoveCount)
	assert.Equal(t, 38, row.UnidentifiedMembers)

	require.NoError(t, repo.UpdateUsersToRemove(ctx, auditID, -1, nil))
	row, err = repo.GetChannelAudit(ctx, auditID, -1)
	require.NoError(t, err)
	assert.Empty(t, row.UsersToRemove)
	assert.Equal(t, 0, row.UsersToRemoveCount)

	rows, err := repo.ListChannelAudits(ctx, auditID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, audit.StatusFailed, rows[1].Status)
	assert.Equal(t, "member count unavailable", rows[1].ErrorMessage.String)

	_, err = repo.GetChannelAudit(ctx, uuid.New(), -1)
	assert.ErrorIs(t, err, audit.ErrNotFound)
}

func TestSubscriptionRepositoryAudiences(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresSubscriptionRepository(db)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
        INSERT INTO users (telegram_id, full_name, username) VALUES
            (1, 'Ann Lee', 'ann'), (2, 'Bob Roe', ''), (3, 'Cid Poe', 'cid');
        INSERT INTO subscription_types (id, name) VALUES (1, 'Premium'), (2, 'Basic');
        INSERT INTO subscription_type_channels (subscription_type_id, channel_id, channel_name) VALUES
            (1, -100, 'Premium News'), (2, -100, 'Premium News'), (2, -200, 'Basic Chat');
        INSERT INTO subscriptions (telegram_id, subscription_type_id, expires_at) VALUES
            (1, 1, NOW() + INTERVAL '10 days'),
            (2, 1, NOW() - INTERVAL '3 days')`)
	require.NoError(t, err)

	ids := func(subs []*subscription.Subscriber) []int64 {
		out := make([]int64, 0, len(subs))
		for _, s := range subs {
			out = append(out, s.TelegramID)
		}
		return out
	}
	premium := int64(1)
	cases := map[subscription.TargetGroup][]int64{
		subscription.GroupAllUsers:                {1, 2, 3},
		subscription.GroupNoSubscription:          {3},
		subscription.GroupActiveSubscribers:       {1},
		subscription.GroupExpiredSubscribers:      {2},
		subscription.GroupSubscriptionTypeActive:  {1},
		subscription.GroupSubscriptionTypeExpired: {2},
	}
	for group, want := range cases {
		subs, err := repo.Resolve(ctx, group, &premium)
		require.NoError(t, err, group)
		assert.Equal(t, want, ids(subs), group)
	}

	active, err := repo.ListActiveSubscribers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Premium", active[0].SubscriptionName)
	assert.WithinDuration(t, time.Now().Add(10*24*time.Hour), active[0].ExpiryDate, time.Minute)

	types, err := repo.ChannelSubscriptionTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{-100: 1, -200: 2}, types)

	byType, err := repo.ActiveSubscriberIDsByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64][]int64{1: {1}}, byType)

	removeAt := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, repo.ScheduleRemovals(ctx, 1, []int64{-100, -200}, removeAt))
	require.NoError(t, repo.ScheduleRemovals(ctx, 1, []int64{-100}, removeAt.Add(time.Hour)))
	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled_removals WHERE telegram_id = 1`).Scan(&count))
	assert.Equal(t, 2, count)
}

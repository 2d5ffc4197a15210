package app

import (
	"context"
	"testing"

	"subscription_bot/internal/domain/subscription"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminID = int64(1000)

func TestParseBroadcastPayload(t *testing.T) {
	group, typeID, text, err := ParseBroadcastPayload("active_subscribers | Hello {FIRST_NAME}!\nSee you")
	require.NoError(t, err)
	assert.Equal(t, subscription.GroupActiveSubscribers, group)
	assert.Nil(t, typeID)
	assert.Equal(t, "Hello {FIRST_NAME}!\nSee you", text)

	group, typeID, _, err = ParseBroadcastPayload("SUBSCRIPTION_TYPE_EXPIRED 3 | Come back")
	require.NoError(t, err)
	assert.Equal(t, subscription.GroupSubscriptionTypeExpired, group)
	require.NotNil(t, typeID)
	assert.Equal(t, int64(3), *typeID)

	_, _, _, err = ParseBroadcastPayload("all_users Hello")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, _, err = ParseBroadcastPayload("all_users |   ")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, _, err = ParseBroadcastPayload("subscription_type_active | hi")
	assert.ErrorIs(t, err, subscription.ErrTargetGroupNeedsType)

	_, _, _, err = ParseBroadcastPayload("everyone | hi")
	assert.ErrorIs(t, err, subscription.ErrUnknownTargetGroup)

	_, _, _, err = ParseBroadcastPayload("subscription_type_active x | hi")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestParseChannelIDs(t *testing.T) {
	ids, err := ParseChannelIDs("-100, -200,")
	require.NoError(t, err)
	assert.Equal(t, []int64{-100, -200}, ids)

	_, err = ParseChannelIDs(",")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = ParseChannelIDs("-100,news")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAdminServiceRejectsOtherUsers(t *testing.T) {
	f := newFixture(t)
	admin := NewAdminService(f.service, f.subs, adminID)
	ctx := context.Background()

	_, err := admin.Broadcast(ctx, 1, "all_users | hi")
	assert.ErrorIs(t, err, ErrAdminNotAuthorized)
	_, err = admin.StartChannelAudit(ctx, 1)
	assert.ErrorIs(t, err, ErrAdminNotAuthorized)
	_, err = admin.ListTasks(1)
	assert.ErrorIs(t, err, ErrAdminNotAuthorized)
	_, err = admin.CleanupChannel(ctx, 1, []string{uuid.NewString(), "-100"})
	assert.ErrorIs(t, err, ErrAdminNotAuthorized)
	assert.Empty(t, f.batches.All())
}

func TestAdminServiceInviteResolvesChannelNames(t *testing.T) {
	f := newFixture(t)
	f.subs.Channels = []subscription.Channel{{ID: -100, Name: "Premium News", SubscriptionTypeID: 7}}
	f.subs.ActiveByType[7] = []*subscription.Subscriber{subscriber(10, "Ann Lee")}
	admin := NewAdminService(f.service, f.subs, adminID)

	id, err := admin.InviteToChannels(context.Background(), adminID, []string{"7", "-100", "Premium", "Plan"})
	require.NoError(t, err)
	f.wait(t)

	sent := f.telegram.SentTo(10)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "Premium News")

	status, err := admin.BatchStatus(context.Background(), adminID, []string{id.String()})
	require.NoError(t, err)
	assert.False(t, status.InFlight)
	assert.Equal(t, 1, status.SuccessfulSends)
}

func TestAdminServiceArgumentErrors(t *testing.T) {
	f := newFixture(t)
	admin := NewAdminService(f.service, f.subs, adminID)
	ctx := context.Background()

	_, err := admin.BatchStatus(ctx, adminID, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = admin.RetryBatch(ctx, adminID, []string{"not-a-uuid"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = admin.CleanupChannel(ctx, adminID, []string{uuid.NewString(), "abc"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = admin.ScheduleRemovals(ctx, adminID, []string{"7"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = admin.InviteToChannels(ctx, adminID, []string{"x", "-100", "Premium"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// internal/domain/subscription/subscription.go
package subscription

import (
	"context"
	"time"
)

// Subscriber is a user record with the display fields batches need.
type Subscriber struct {
	TelegramID       int64
	FullName         string
	Username         string
	SubscriptionName string
	ExpiryDate       time.Time // zero when the user has no subscription
}

// Channel is a Telegram channel granted by a subscription type.
type Channel struct {
	ID                 int64
	Name               string
	SubscriptionTypeID int64
}

// Repository exposes the subscription data batches read and the removal
// schedule they write.
type Repository interface {
	ListActiveSubscribers(ctx context.Context, subscriptionTypeID int64) ([]*Subscriber, error)
	ListAllUserIDs(ctx context.Context) ([]int64, error)
	// ActiveSubscriberIDsByType groups active subscribers by subscription type ID.
	ActiveSubscriberIDsByType(ctx context.Context) (map[int64][]int64, error)
	// ChannelSubscriptionTypes maps channel ID to the subscription type granting it.
	ChannelSubscriptionTypes(ctx context.Context) (map[int64]int64, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	// ScheduleRemovals upserts a removal at removeAt for every channel, all or nothing.
	ScheduleRemovals(ctx context.Context, telegramID int64, channelIDs []int64, removeAt time.Time) error
}

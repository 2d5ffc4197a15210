package tasks

import (
	"context"
	"fmt"

	"subscription_bot/internal/domain/batch"
	"subscription_bot/internal/domain/subscription"
)

// RemovalContext is the context_data of a removal scheduling batch.
type RemovalContext struct {
	ChannelsToSchedule []ChannelRef `json:"channels_to_schedule"`
}

// RemovalSchedulerHandler schedules each user's removal from the listed
// channels at their subscription expiry. Nothing is sent to Telegram.
type RemovalSchedulerHandler struct {
	NoopCompletion
	subscriptions subscription.Repository
}

func NewRemovalSchedulerHandler(subs subscription.Repository) *RemovalSchedulerHandler {
	return &RemovalSchedulerHandler{subscriptions: subs}
}

func (h *RemovalSchedulerHandler) Prepare(_ context.Context, job Job) (any, error) {
	var rc RemovalContext
	if err := decodeContext(job.ContextData, &rc); err != nil {
		return nil, err
	}
	channelIDs := make([]int64, 0, len(rc.ChannelsToSchedule))
	for _, ch := range rc.ChannelsToSchedule {
		channelIDs = append(channelIDs, ch.ChannelID)
	}
	return channelIDs, nil
}

func (h *RemovalSchedulerHandler) ProcessItem(ctx context.Context, _ Job, item batch.Target, prepared any) error {
	channelIDs, ok := prepared.([]int64)
	if !ok {
		return fmt.Errorf("removal scheduler: unexpected prepared data %T", prepared)
	}
	if !item.HasSubject() {
		return ErrMissingTelegramID
	}
	if item.ExpiryDate.IsZero() {
		return validationErrorf("subscription expiry date is missing for user %d", item.TelegramID)
	}
	if len(channelIDs) == 0 {
		return nil
	}
	return h.subscriptions.ScheduleRemovals(ctx, item.TelegramID, channelIDs, item.ExpiryDate)
}

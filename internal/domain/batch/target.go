package batch

import "time"

// Target is one unit of work handed to a handler: a user, or a channel for
// channel-centric batches.
type Target struct {
	TelegramID       int64
	FullName         string
	Username         string
	SubscriptionName string
	ExpiryDate       time.Time // zero when unknown

	ChannelID   int64
	ChannelName string
}

// HasSubject reports whether the target identifies a Telegram user.
func (t Target) HasSubject() bool {
	return t.TelegramID != 0
}

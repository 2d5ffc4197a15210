package telegram

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/telebot.v3"
)

// ErrMemberNotFound is returned by MemberStatus when the user is not in the chat.
var ErrMemberNotFound = errors.New("telegram: chat member not found")

// Client defines the Telegram operations batches need.
// This helps in decoupling the application logic from the specific bot library.
type Client interface {
	SendMessage(recipientChatID int64, text string, options *telebot.SendOptions) error
	MemberCount(channelID int64) (int, error)
	MemberStatus(channelID, userID int64) (telebot.MemberStatus, error)
	RemoveMember(channelID, userID int64) (bool, error)
	CreateInviteLink(channelID int64, name string, ttl time.Duration) (string, error)
}

// FloodWaitError reports Telegram flood control; callers must pause for
// RetryAfter before sending again.
type FloodWaitError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("telegram: too many requests, retry after %d", int(e.RetryAfter/time.Second))
}

func (e *FloodWaitError) Unwrap() error {
	return e.Cause
}

// IsMember reports whether a member status means the user is in the chat.
func IsMember(status telebot.MemberStatus) bool {
	switch status {
	case telebot.Creator, telebot.Administrator, telebot.Member, telebot.Restricted:
		return true
	default:
		return false
	}
}

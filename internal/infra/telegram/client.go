// internal/infra/telegram/client.go
package telegram

import (
	"errors"
	"fmt"
	"strings"
	"time"

	domainTelegram "subscription_bot/internal/domain/telegram"

	"gopkg.in/telebot.v3"
)

// TelebotAdapter implements the Client interface using the gopkg.in/telebot.v3 library.
type TelebotAdapter struct {
	bot *telebot.Bot
	now func() time.Time
}

func NewTelebotAdapter(b *telebot.Bot) *TelebotAdapter {
	return &TelebotAdapter{bot: b, now: time.Now}
}

// SendMessage sends a text message to the specified recipient.
func (tba *TelebotAdapter) SendMessage(recipientChatID int64, text string, options *telebot.SendOptions) error {
	if options == nil {
		options = &telebot.SendOptions{}
	}

	recipient := &telebot.User{ID: recipientChatID}
	_, err := tba.bot.Send(recipient, text, options)
	return translateError(err)
}

// MemberCount returns the live member count of a channel.
func (tba *TelebotAdapter) MemberCount(channelID int64) (int, error) {
	n, err := tba.bot.Len(&telebot.Chat{ID: channelID})
	return n, translateError(err)
}

// MemberStatus returns the user's status in the channel, or
// ErrMemberNotFound when Telegram does not know the user there.
func (tba *TelebotAdapter) MemberStatus(channelID, userID int64) (telebot.MemberStatus, error) {
	member, err := tba.bot.ChatMemberOf(&telebot.Chat{ID: channelID}, &telebot.User{ID: userID})
	if err != nil {
		return "", translateError(err)
	}
	return member.Role, nil
}

// RemoveMember kicks the user by banning and immediately unbanning them,
// so they can rejoin later with a new invite. A user who is already gone
// counts as removed.
func (tba *TelebotAdapter) RemoveMember(channelID, userID int64) (bool, error) {
	chat := &telebot.Chat{ID: channelID}
	user := &telebot.User{ID: userID}

	if err := tba.bot.Ban(chat, &telebot.ChatMember{User: user}); err != nil {
		err = translateError(err)
		if errors.Is(err, domainTelegram.ErrMemberNotFound) {
			return true, nil
		}
		return false, err
	}
	if err := tba.bot.Unban(chat, user, true); err != nil {
		return false, fmt.Errorf("user %d banned but unban failed: %w", userID, translateError(err))
	}
	return true, nil
}

// CreateInviteLink creates a named link that expires after ttl; zero ttl
// means no expiry.
func (tba *TelebotAdapter) CreateInviteLink(channelID int64, name string, ttl time.Duration) (string, error) {
	link := &telebot.ChatInviteLink{Name: name}
	if ttl > 0 {
		link.ExpireUnixtime = tba.now().Add(ttl).Unix()
	}
	created, err := tba.bot.CreateInviteLink(&telebot.Chat{ID: channelID}, link)
	if err != nil {
		return "", translateError(err)
	}
	return created.InviteLink, nil
}

var memberNotFoundMarkers = []string{
	"user not found",
	"participant_id_invalid",
	"member not found",
	"user_not_participant",
}

// translateError maps telebot errors onto the domain error types.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var flood telebot.FloodError
	if errors.As(err, &flood) {
		return &domainTelegram.FloodWaitError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second, Cause: err}
	}
	var floodPtr *telebot.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &domainTelegram.FloodWaitError{RetryAfter: time.Duration(floodPtr.RetryAfter) * time.Second, Cause: err}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range memberNotFoundMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", domainTelegram.ErrMemberNotFound, err)
		}
	}
	return err
}

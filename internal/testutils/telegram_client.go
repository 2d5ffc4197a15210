package testutils

import (
	"fmt"
	"sync"
	"time"

	domainTelegram "subscription_bot/internal/domain/telegram"

	"gopkg.in/telebot.v3"
)

// SentMessage is one recorded SendMessage call.
type SentMessage struct {
	ChatID int64
	Text   string
}

// Removal is one recorded RemoveMember call.
type Removal struct {
	ChannelID int64
	UserID    int64
}

// TelegramClient is a scriptable domainTelegram.Client.
type TelegramClient struct {
	mu sync.Mutex

	// SendFunc decides the outcome of each send; nil means success.
	SendFunc func(chatID int64, text string) error
	Sent     []SentMessage // every attempt, including failed ones

	MemberCounts      map[int64]int
	MemberCountErr    map[int64]error
	Members           map[int64]map[int64]telebot.MemberStatus
	MemberStatusCalls int

	RemoveFunc func(channelID, userID int64) (bool, error)
	Removed    []Removal

	InviteLinkFunc func(channelID int64) (string, error)
}

func NewTelegramClient() *TelegramClient {
	return &TelegramClient{
		MemberCounts:   make(map[int64]int),
		MemberCountErr: make(map[int64]error),
		Members:        make(map[int64]map[int64]telebot.MemberStatus),
	}
}

func (c *TelegramClient) SendMessage(chatID int64, text string, _ *telebot.SendOptions) error {
	c.mu.Lock()
	c.Sent = append(c.Sent, SentMessage{ChatID: chatID, Text: text})
	fn := c.SendFunc
	c.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(chatID, text)
}

func (c *TelegramClient) MemberCount(channelID int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.MemberCountErr[channelID]; err != nil {
		return 0, err
	}
	return c.MemberCounts[channelID], nil
}

func (c *TelegramClient) MemberStatus(channelID, userID int64) (telebot.MemberStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MemberStatusCalls++
	status, ok := c.Members[channelID][userID]
	if !ok {
		return "", domainTelegram.ErrMemberNotFound
	}
	return status, nil
}

// AddMember marks userID as a member of channelID.
func (c *TelegramClient) AddMember(channelID, userID int64, status telebot.MemberStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Members[channelID] == nil {
		c.Members[channelID] = make(map[int64]telebot.MemberStatus)
	}
	c.Members[channelID][userID] = status
}

func (c *TelegramClient) RemoveMember(channelID, userID int64) (bool, error) {
	c.mu.Lock()
	c.Removed = append(c.Removed, Removal{ChannelID: channelID, UserID: userID})
	fn := c.RemoveFunc
	c.mu.Unlock()
	if fn == nil {
		return true, nil
	}
	return fn(channelID, userID)
}

func (c *TelegramClient) CreateInviteLink(channelID int64, _ string, _ time.Duration) (string, error) {
	c.mu.Lock()
	fn := c.InviteLinkFunc
	c.mu.Unlock()
	if fn == nil {
		return fmt.Sprintf("https://t.me/+invite%d", channelID), nil
	}
	return fn(channelID)
}

// SentTo returns the texts attempted for chatID.
func (c *TelegramClient) SentTo(chatID int64) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.Sent {
		if m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

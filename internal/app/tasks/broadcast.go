package tasks

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"subscription_bot/internal/domain/batch"
	domainTelegram "subscription_bot/internal/domain/telegram"

	"gopkg.in/telebot.v3"
)

// BroadcastContent is the message_content of a broadcast batch.
type BroadcastContent struct {
	Text string `json:"text"`
}

// BroadcastHandler sends a personalised template to each user.
type BroadcastHandler struct {
	NoopCompletion
	telegramClient domainTelegram.Client
	now            func() time.Time
}

func NewBroadcastHandler(tc domainTelegram.Client) *BroadcastHandler {
	return &BroadcastHandler{telegramClient: tc, now: time.Now}
}

func (h *BroadcastHandler) Prepare(context.Context, Job) (any, error) {
	return nil, nil
}

func (h *BroadcastHandler) ProcessItem(ctx context.Context, job Job, item batch.Target, _ any) error {
	var content BroadcastContent
	if len(job.MessageContent) > 0 {
		if err := json.Unmarshal(job.MessageContent, &content); err != nil {
			return validationErrorf("malformed message content: %v", err)
		}
	}
	if strings.TrimSpace(content.Text) == "" {
		return validationErrorf("message content is empty")
	}

	now := h.now()
	return sendWithFallback(h.telegramClient, item, func(target batch.Target) string {
		return renderTemplate(content.Text, target, now)
	})
}

// sendWithFallback sends render(item) as HTML. On a parse error it retries
// once with a neutral identity; if that fails too the first error is kept.
func sendWithFallback(tc domainTelegram.Client, item batch.Target, render func(batch.Target) string) error {
	opts := &telebot.SendOptions{ParseMode: telebot.ModeHTML}
	err := tc.SendMessage(item.TelegramID, render(item), opts)
	if err == nil {
		return nil
	}
	if Classify(err).Key != KeyParseError {
		return err
	}
	if retryErr := tc.SendMessage(item.TelegramID, render(withFallbackIdentity(item)), opts); retryErr == nil {
		return nil
	}
	return err
}

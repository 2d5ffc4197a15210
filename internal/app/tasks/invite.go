package tasks

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"subscription_bot/internal/domain/batch"
	domainTelegram "subscription_bot/internal/domain/telegram"

	"github.com/sirupsen/logrus"
)

// ChannelRef names a channel inside a batch's context data.
type ChannelRef struct {
	ChannelID   int64  `json:"channel_id" validate:"ne=0"`
	ChannelName string `json:"channel_name"`
}

// InviteContext is the context_data of an invite batch.
type InviteContext struct {
	ChannelsToInvite     []ChannelRef `json:"channels_to_invite"`
	SubscriptionTypeName string       `json:"subscription_type_name"`
}

// InvitePrepared holds one invite link per channel, generated once per batch.
type InvitePrepared struct {
	Context  InviteContext
	LinksMap map[int64]string
}

// InviteHandler sends every user the invite links of newly added channels.
type InviteHandler struct {
	NoopCompletion
	telegramClient domainTelegram.Client
	linkTTL        time.Duration
	logger         *logrus.Entry
}

func NewInviteHandler(tc domainTelegram.Client, linkTTL time.Duration, logger *logrus.Entry) *InviteHandler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &InviteHandler{telegramClient: tc, linkTTL: linkTTL, logger: logger}
}

func (h *InviteHandler) Prepare(_ context.Context, job Job) (any, error) {
	var ic InviteContext
	if err := decodeContext(job.ContextData, &ic); err != nil {
		return nil, err
	}

	prepared := &InvitePrepared{Context: ic, LinksMap: make(map[int64]string, len(ic.ChannelsToInvite))}
	linkName := fmt.Sprintf("invite %s", job.BatchID.String()[:8])
	for _, ch := range ic.ChannelsToInvite {
		link, err := h.telegramClient.CreateInviteLink(ch.ChannelID, linkName, h.linkTTL)
		if err != nil {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"batch_id":   job.BatchID,
				"channel_id": ch.ChannelID,
			}).Warn("Failed to create invite link")
			continue
		}
		prepared.LinksMap[ch.ChannelID] = link
	}
	return prepared, nil
}

func (h *InviteHandler) ProcessItem(_ context.Context, _ Job, item batch.Target, prepared any) error {
	p, ok := prepared.(*InvitePrepared)
	if !ok {
		return fmt.Errorf("invite handler: unexpected prepared data %T", prepared)
	}
	if len(p.Context.ChannelsToInvite) > 0 && len(p.LinksMap) == 0 {
		return validationErrorf("no valid invite links could be generated")
	}

	return sendWithFallback(h.telegramClient, item, func(target batch.Target) string {
		return renderInviteMessage(target, p)
	})
}

func renderInviteMessage(item batch.Target, p *InvitePrepared) string {
	name := item.FullName
	if strings.TrimSpace(name) == "" {
		name = fallbackName
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hello, %s!\n\n", name)
	if p.Context.SubscriptionTypeName != "" {
		fmt.Fprintf(&b, "New channels were added to your <b>%s</b> subscription:\n", html.EscapeString(p.Context.SubscriptionTypeName))
	} else {
		b.WriteString("New channels were added to your subscription:\n")
	}
	for _, ch := range p.Context.ChannelsToInvite {
		link, ok := p.LinksMap[ch.ChannelID]
		if !ok {
			continue
		}
		title := ch.ChannelName
		if title == "" {
			title = fmt.Sprintf("Channel %d", ch.ChannelID)
		}
		fmt.Fprintf(&b, "• <a href=\"%s\">%s</a>\n", html.EscapeString(link), html.EscapeString(title))
	}
	return b.String()
}

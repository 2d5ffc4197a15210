package tasks

import (
	"context"
	"fmt"

	"subscription_bot/internal/domain/audit"
	"subscription_bot/internal/domain/batch"
	domainTelegram "subscription_bot/internal/domain/telegram"

	"github.com/google/uuid"
)

// CleanupContext is the context_data of a channel cleanup batch.
type CleanupContext struct {
	AuditUUID uuid.UUID `json:"audit_uuid"`
	ChannelID int64     `json:"channel_id"`
}

// ChannelCleanupHandler removes the users an audit flagged from one channel.
type ChannelCleanupHandler struct {
	telegramClient domainTelegram.Client
	audits         audit.Repository
}

func NewChannelCleanupHandler(tc domainTelegram.Client, audits audit.Repository) *ChannelCleanupHandler {
	return &ChannelCleanupHandler{telegramClient: tc, audits: audits}
}

func (h *ChannelCleanupHandler) Prepare(_ context.Context, job Job) (any, error) {
	var cc CleanupContext
	if err := decodeContext(job.ContextData, &cc); err != nil {
		return nil, err
	}
	if cc.ChannelID == 0 {
		return nil, validationErrorf("cleanup context has no channel_id")
	}
	return cc, nil
}

func (h *ChannelCleanupHandler) ProcessItem(_ context.Context, _ Job, item batch.Target, prepared any) error {
	cc, ok := prepared.(CleanupContext)
	if !ok {
		return fmt.Errorf("channel cleanup: unexpected prepared data %T", prepared)
	}
	removed, err := h.telegramClient.RemoveMember(cc.ChannelID, item.TelegramID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("telegram refused to remove user %d from channel %d", item.TelegramID, cc.ChannelID)
	}
	return nil
}

// OnBatchComplete drops the users this batch removed from the audit's
// remaining list. Users it never targeted stay on the list.
func (h *ChannelCleanupHandler) OnBatchComplete(ctx context.Context, job Job, succeeded, _ []batch.Target) error {
	var cc CleanupContext
	if err := decodeContext(job.ContextData, &cc); err != nil {
		return err
	}
	row, err := h.audits.GetChannelAudit(ctx, cc.AuditUUID, cc.ChannelID)
	if err != nil {
		return fmt.Errorf("failed to load audit %s channel %d: %w", cc.AuditUUID, cc.ChannelID, err)
	}

	removed := make(map[int64]struct{}, len(succeeded))
	for _, t := range succeeded {
		removed[t.TelegramID] = struct{}{}
	}
	remaining := make([]int64, 0, len(row.UsersToRemove))
	for _, id := range row.UsersToRemove {
		if _, ok := removed[id]; !ok {
			remaining = append(remaining, id)
		}
	}
	if err := h.audits.UpdateUsersToRemove(ctx, cc.AuditUUID, cc.ChannelID, remaining); err != nil {
		return fmt.Errorf("failed to update remaining users for audit %s channel %d: %w", cc.AuditUUID, cc.ChannelID, err)
	}
	return nil
}

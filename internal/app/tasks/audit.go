package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"subscription_bot/internal/domain/audit"
	"subscription_bot/internal/domain/batch"
	"subscription_bot/internal/domain/subscription"
	domainTelegram "subscription_bot/internal/domain/telegram"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const defaultAuditProgressEvery = 100

// AuditPrepared is loaded once per audit and shared by every channel.
type AuditPrepared struct {
	KnownUserIDs []int64
	ActiveByType map[int64]map[int64]struct{}
	ChannelTypes map[int64]int64
}

// ChannelAuditHandler compares each channel's real membership against the
// users that should have access to it. Items are channels, not users.
type ChannelAuditHandler struct {
	NoopCompletion
	telegramClient domainTelegram.Client
	subscriptions  subscription.Repository
	audits         audit.Repository
	checkLimit     rate.Limit
	progressEvery  int
	floodMargin    time.Duration
	logger         *logrus.Entry
	sleep          func(ctx context.Context, d time.Duration) error
}

func NewChannelAuditHandler(
	tc domainTelegram.Client,
	subs subscription.Repository,
	audits audit.Repository,
	checkLimit rate.Limit,
	progressEvery int,
	floodMargin time.Duration,
	logger *logrus.Entry,
) *ChannelAuditHandler {
	if checkLimit <= 0 {
		checkLimit = rate.Inf
	}
	if progressEvery <= 0 {
		progressEvery = defaultAuditProgressEvery
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ChannelAuditHandler{
		telegramClient: tc,
		subscriptions:  subs,
		audits:         audits,
		checkLimit:     checkLimit,
		progressEvery:  progressEvery,
		floodMargin:    floodMargin,
		logger:         logger,
		sleep:          sleepContext,
	}
}

func (h *ChannelAuditHandler) Prepare(ctx context.Context, _ Job) (any, error) {
	var (
		known    []int64
		byType   map[int64][]int64
		channels map[int64]int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := h.subscriptions.ListAllUserIDs(gctx)
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}
		known = ids
		return nil
	})
	g.Go(func() error {
		m, err := h.subscriptions.ActiveSubscriberIDsByType(gctx)
		if err != nil {
			return fmt.Errorf("failed to list active subscribers: %w", err)
		}
		byType = m
		return nil
	})
	g.Go(func() error {
		m, err := h.subscriptions.ChannelSubscriptionTypes(gctx)
		if err != nil {
			return fmt.Errorf("failed to load channel subscription types: %w", err)
		}
		channels = m
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(known, func(i, j int) bool { return known[i] < known[j] })
	active := make(map[int64]map[int64]struct{}, len(byType))
	for typeID, ids := range byType {
		set := make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		active[typeID] = set
	}
	return &AuditPrepared{KnownUserIDs: known, ActiveByType: active, ChannelTypes: channels}, nil
}

func (h *ChannelAuditHandler) ProcessItem(ctx context.Context, job Job, item batch.Target, prepared any) error {
	p, ok := prepared.(*AuditPrepared)
	if !ok {
		return fmt.Errorf("channel audit: unexpected prepared data %T", prepared)
	}
	if item.ChannelID == 0 {
		return validationErrorf("audit target has no channel_id")
	}

	auditID := job.BatchID
	logger := h.logger.WithFields(logrus.Fields{"audit_uuid": auditID, "channel_id": item.ChannelID})

	if err := h.audits.StartChannelAudit(ctx, auditID, audit.Channel{ID: item.ChannelID, Name: item.ChannelName}); err != nil {
		return fmt.Errorf("failed to mark channel audit running: %w", err)
	}

	total, err := h.telegramClient.MemberCount(item.ChannelID)
	if err != nil {
		return h.failChannel(ctx, logger, auditID, item.ChannelID, fmt.Errorf("failed to get member count: %w", err))
	}

	typeID, ok := p.ChannelTypes[item.ChannelID]
	if !ok {
		return h.failChannel(ctx, logger, auditID, item.ChannelID, validationErrorf("no subscription type is linked to channel %d", item.ChannelID))
	}
	shouldBeActive := p.ActiveByType[typeID]

	limiter := rate.NewLimiter(h.checkLimit, 1)
	toRemove := make([]int64, 0)
	checked := 0
	for _, userID := range p.KnownUserIDs {
		if _, ok := shouldBeActive[userID]; ok {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return h.failChannel(ctx, logger, auditID, item.ChannelID, err)
		}

		inChannel, err := h.isMember(ctx, item.ChannelID, userID)
		if err != nil {
			logger.WithError(err).WithField("user_id", userID).Debug("Membership check failed, skipping user")
		} else if inChannel {
			toRemove = append(toRemove, userID)
		}

		checked++
		if checked%h.progressEvery == 0 {
			if err := h.audits.SaveChannelAuditProgress(ctx, auditID, item.ChannelID, checked, toRemove); err != nil {
				logger.WithError(err).Error("Failed to save audit progress")
			}
		}
	}

	counts := audit.Counts{
		TotalMembersAPI:     total,
		ActiveSubscribersDB: len(shouldBeActive),
		InactiveInChannelDB: len(toRemove),
		UnidentifiedMembers: audit.Unidentified(total, len(shouldBeActive), len(toRemove)),
		UsersToRemove:       toRemove,
	}
	if err := h.audits.CompleteChannelAudit(ctx, auditID, item.ChannelID, counts); err != nil {
		return fmt.Errorf("failed to save channel audit result: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"total_members": counts.TotalMembersAPI,
		"active":        counts.ActiveSubscribersDB,
		"inactive":      counts.InactiveInChannelDB,
		"unidentified":  counts.UnidentifiedMembers,
		"checked_users": checked,
	}).Info("Channel audit completed")
	return nil
}

// isMember checks one user, waiting out a single flood-control response.
func (h *ChannelAuditHandler) isMember(ctx context.Context, channelID, userID int64) (bool, error) {
	status, err := h.telegramClient.MemberStatus(channelID, userID)
	var flood *domainTelegram.FloodWaitError
	if errors.As(err, &flood) {
		if sleepErr := h.sleep(ctx, flood.RetryAfter+h.floodMargin); sleepErr != nil {
			return false, sleepErr
		}
		status, err = h.telegramClient.MemberStatus(channelID, userID)
	}
	if errors.Is(err, domainTelegram.ErrMemberNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return domainTelegram.IsMember(status), nil
}

func (h *ChannelAuditHandler) failChannel(ctx context.Context, logger *logrus.Entry, auditID uuid.UUID, channelID int64, cause error) error {
	logger.WithError(cause).Warn("Channel audit failed")
	if err := h.audits.FailChannelAudit(ctx, auditID, channelID, cause.Error()); err != nil {
		logger.WithError(err).Error("Failed to mark channel audit as failed")
	}
	return cause
}

package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"subscription_bot/internal/app/tasks"
	"subscription_bot/internal/domain/audit"
	"subscription_bot/internal/domain/subscription"

	"github.com/google/uuid"
)

// ErrAdminNotAuthorized is returned for commands from anyone but the admin.
var ErrAdminNotAuthorized = fmt.Errorf("performing user is not authorized as an admin")

// BatchService is the part of BackgroundTaskService admin commands drive.
type BatchService interface {
	StartChannelRemovalSchedulingBatch(ctx context.Context, subscriptionTypeID int64, channels []tasks.ChannelRef) (uuid.UUID, error)
	StartInviteBatch(ctx context.Context, subscriptionTypeID int64, newChannels []tasks.ChannelRef, subscriptionTypeName string) (uuid.UUID, error)
	StartEnhancedBroadcastBatch(ctx context.Context, messageText string, targetGroup subscription.TargetGroup, subscriptionTypeID *int64) (uuid.UUID, error)
	StartChannelAudit(ctx context.Context) (uuid.UUID, error)
	StartChannelCleanupBatch(ctx context.Context, auditUUID uuid.UUID, channelID int64) (uuid.UUID, error)
	RetryFailedSendsInBatch(ctx context.Context, originalBatchID uuid.UUID) (uuid.UUID, error)
	GetBatchStatus(ctx context.Context, batchID uuid.UUID) (*BatchStatus, error)
	GetChannelAuditStatus(ctx context.Context, auditUUID uuid.UUID) ([]*audit.ChannelAudit, error)
	InFlight() []TaskInfo
}

var _ BatchService = (*BackgroundTaskService)(nil)

// AdminService parses admin command arguments and forwards them to the
// batch service.
type AdminService struct {
	batches         BatchService
	subscriptions   subscription.Repository
	adminTelegramID int64
}

func NewAdminService(batches BatchService, subscriptions subscription.Repository, adminID int64) *AdminService {
	return &AdminService{
		batches:         batches,
		subscriptions:   subscriptions,
		adminTelegramID: adminID,
	}
}

// Broadcast expects "<target_group> [subscription_type_id] | <message>".
func (s *AdminService) Broadcast(ctx context.Context, performingAdminID int64, payload string) (uuid.UUID, error) {
	if performingAdminID != s.adminTelegramID {
		return uuid.Nil, ErrAdminNotAuthorized
	}
	group, typeID, text, err := ParseBroadcastPayload(payload)
	if err != nil {
		return uuid.Nil, err
	}
	return s.batches.StartEnhancedBroadcastBatch(ctx, text, group, typeID)
}

// InviteToChannels expects "<subscription_type_id> <channel_id>[,<channel_id>...] <type name>".
func (s *AdminService) InviteToChannels(ctx context.Context, performingAdminID int64, args []string) (uuid.UUID, error) {
	if performingAdminID != s.adminTelegramID {
		return uuid.Nil, ErrAdminNotAuthorized
	}
	if len(args) < 3 {
		return uuid.Nil, fmt.Errorf("%w: expected <subscription_type_id> <channel_ids> <type name>", ErrInvalidRequest)
	}
	typeID, channels, err := s.parseTypeAndChannels(ctx, args[0], args[1])
	if err != nil {
		return uuid.Nil, err
	}
	return s.batches.StartInviteBatch(ctx, typeID, channels, strings.Join(args[2:], " "))
}

// ScheduleRemovals expects "<subscription_type_id> <channel_id>[,<channel_id>...]".
func (s *AdminService) ScheduleRemovals(ctx context.Context, performingAdminID int64, args []string) (uuid.UUID, error) {
	if performingAdminID != s.adminTelegramID {
		return uuid.Nil, ErrAdminNotAuthorized
	}
	if len(args) != 2 {
		return uuid.Nil, fmt.Errorf("%w: expected <subscription_type_id> <channel_ids>", ErrInvalidRequest)
	}
	typeID, channels, err := s.parseTypeAndChannels(ctx, args[0], args[1])
	if err != nil {
		return uuid.Nil, err
	}
	return s.batches.StartChannelRemovalSchedulingBatch(ctx, typeID, channels)
}

func (s *AdminService) BatchStatus(ctx context.Context, performingAdminID int64, args []string) (*BatchStatus, error) {
	if performingAdminID != s.adminTelegramID {
		return nil, ErrAdminNotAuthorized
	}
	id, err := singleUUIDArg(args)
	if err != nil {
		return nil, err
	}
	return s.batches.GetBatchStatus(ctx, id)
}

func (s *AdminService) RetryBatch(ctx context.Context, performingAdminID int64, args []string) (uuid.UUID, error) {
	if performingAdminID != s.adminTelegramID {
		return uuid.Nil, ErrAdminNotAuthorized
	}
	id, err := singleUUIDArg(args)
	if err != nil {
		return uuid.Nil, err
	}
	return s.batches.RetryFailedSendsInBatch(ctx, id)
}

func (s *AdminService) StartChannelAudit(ctx context.Context, performingAdminID int64) (uuid.UUID, error) {
	if performingAdminID != s.adminTelegramID {
		return uuid.Nil, ErrAdminNotAuthorized
	}
	return s.batches.StartChannelAudit(ctx)
}

func (s *AdminService) AuditStatus(ctx context.Context, performingAdminID int64, args []string) ([]*audit.ChannelAudit, error) {
	if performingAdminID != s.adminTelegramID {
		return nil, ErrAdminNotAuthorized
	}
	id, err := singleUUIDArg(args)
	if err != nil {
		return nil, err
	}
	return s.batches.GetChannelAuditStatus(ctx, id)
}

// CleanupChannel expects "<audit_uuid> <channel_id>".
func (s *AdminService) CleanupChannel(ctx context.Context, performingAdminID int64, args []string) (uuid.UUID, error) {
	if performingAdminID != s.adminTelegramID {
		return uuid.Nil, ErrAdminNotAuthorized
	}
	if len(args) != 2 {
		return uuid.Nil, fmt.Errorf("%w: expected <audit_uuid> <channel_id>", ErrInvalidRequest)
	}
	auditID, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid audit id %q", ErrInvalidRequest, args[0])
	}
	channelID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid channel id %q", ErrInvalidRequest, args[1])
	}
	return s.batches.StartChannelCleanupBatch(ctx, auditID, channelID)
}

func (s *AdminService) ListTasks(performingAdminID int64) ([]TaskInfo, error) {
	if performingAdminID != s.adminTelegramID {
		return nil, ErrAdminNotAuthorized
	}
	return s.batches.InFlight(), nil
}

// ParseBroadcastPayload splits "<target_group> [subscription_type_id] | <message>".
// The message keeps its line breaks.
func ParseBroadcastPayload(payload string) (subscription.TargetGroup, *int64, string, error) {
	head, text, found := strings.Cut(payload, "|")
	if !found {
		return "", nil, "", fmt.Errorf("%w: expected <target_group> [subscription_type_id] | <message>", ErrInvalidRequest)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil, "", fmt.Errorf("%w: message text is empty", ErrInvalidRequest)
	}

	fields := strings.Fields(head)
	if len(fields) == 0 || len(fields) > 2 {
		return "", nil, "", fmt.Errorf("%w: expected <target_group> [subscription_type_id] before '|'", ErrInvalidRequest)
	}
	group := subscription.TargetGroup(strings.ToLower(fields[0]))

	var typeID *int64
	if len(fields) == 2 {
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return "", nil, "", fmt.Errorf("%w: invalid subscription type id %q", ErrInvalidRequest, fields[1])
		}
		typeID = &id
	}
	if err := group.Validate(typeID); err != nil {
		return "", nil, "", err
	}
	return group, typeID, text, nil
}

// ParseChannelIDs parses a comma-separated channel ID list.
func ParseChannelIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid channel id %q", ErrInvalidRequest, part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no channel ids given", ErrInvalidRequest)
	}
	return ids, nil
}

// parseTypeAndChannels resolves channel names from the known channel list.
func (s *AdminService) parseTypeAndChannels(ctx context.Context, rawType, rawChannels string) (int64, []tasks.ChannelRef, error) {
	typeID, err := strconv.ParseInt(rawType, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: invalid subscription type id %q", ErrInvalidRequest, rawType)
	}
	ids, err := ParseChannelIDs(rawChannels)
	if err != nil {
		return 0, nil, err
	}

	known, err := s.subscriptions.ListChannels(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to list channels: %w", err)
	}
	names := make(map[int64]string, len(known))
	for _, ch := range known {
		names[ch.ID] = ch.Name
	}

	refs := make([]tasks.ChannelRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, tasks.ChannelRef{ChannelID: id, ChannelName: names[id]})
	}
	return typeID, refs, nil
}

func singleUUIDArg(args []string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, fmt.Errorf("%w: expected exactly one id", ErrInvalidRequest)
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id %q", ErrInvalidRequest, args[0])
	}
	return id, nil
}

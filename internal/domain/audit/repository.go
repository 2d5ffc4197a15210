package audit

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no audit row matches (audit UUID, channel ID).
var ErrNotFound = errors.New("channel audit not found")

// Channel names a channel to be audited.
type Channel struct {
	ID   int64
	Name string
}

// Repository persists per-channel audit rows.
type Repository interface {
	// CreateChannelAudits inserts a PENDING row per channel.
	CreateChannelAudits(ctx context.Context, auditUUID uuid.UUID, channels []Channel) error
	// StartChannelAudit upserts the row and marks it RUNNING.
	StartChannelAudit(ctx context.Context, auditUUID uuid.UUID, ch Channel) error
	SaveChannelAuditProgress(ctx context.Context, auditUUID uuid.UUID, channelID int64, checked int, usersToRemove []int64) error
	CompleteChannelAudit(ctx context.Context, auditUUID uuid.UUID, channelID int64, counts Counts) error
	FailChannelAudit(ctx context.Context, auditUUID uuid.UUID, channelID int64, message string) error
	GetChannelAudit(ctx context.Context, auditUUID uuid.UUID, channelID int64) (*ChannelAudit, error)
	ListChannelAudits(ctx context.Context, auditUUID uuid.UUID) ([]*ChannelAudit, error)
	// UpdateUsersToRemove replaces the remaining-removal list and its count.
	UpdateUsersToRemove(ctx context.Context, auditUUID uuid.UUID, channelID int64, userIDs []int64) error
	// FailStale fails rows left PENDING or RUNNING by a previous process.
	FailStale(ctx context.Context, reason string) (int64, error)
}

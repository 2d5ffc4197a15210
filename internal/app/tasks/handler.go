package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"subscription_bot/internal/domain/audit"
	"subscription_bot/internal/domain/batch"
	"subscription_bot/internal/domain/subscription"
	domainTelegram "subscription_bot/internal/domain/telegram"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Job is everything a handler may read about the batch it serves.
// MessageContent and ContextData are passed through verbatim; only handlers
// decode them.
type Job struct {
	BatchID            uuid.UUID
	Type               batch.Type
	MessageContent     json.RawMessage
	ContextData        json.RawMessage
	SubscriptionTypeID sql.NullInt64
	TargetGroup        sql.NullString
}

// JobFromBatch builds the job for a stored batch.
func JobFromBatch(b *batch.Batch) Job {
	return Job{
		BatchID:            b.ID,
		Type:               b.Type,
		MessageContent:     b.MessageContent,
		ContextData:        b.ContextData,
		SubscriptionTypeID: b.SubscriptionTypeID,
		TargetGroup:        b.TargetGroup,
	}
}

// Handler implements one batch type.
type Handler interface {
	// Prepare runs once per batch. An error aborts the batch before any item.
	Prepare(ctx context.Context, job Job) (any, error)
	// ProcessItem handles one target, reusing what Prepare returned.
	ProcessItem(ctx context.Context, job Job, item batch.Target, prepared any) error
	// OnBatchComplete runs after final state is written.
	OnBatchComplete(ctx context.Context, job Job, succeeded, failed []batch.Target) error
}

// NoopCompletion gives a handler an empty OnBatchComplete.
type NoopCompletion struct{}

func (NoopCompletion) OnBatchComplete(context.Context, Job, []batch.Target, []batch.Target) error {
	return nil
}

// Registry resolves the handler for a batch type.
type Registry map[batch.Type]Handler

// Lookup returns the handler for t, if registered.
func (r Registry) Lookup(t batch.Type) (Handler, bool) {
	h, ok := r[t]
	return h, ok
}

// Dependencies are the collaborators shared by the built-in handlers.
type Dependencies struct {
	Telegram      domainTelegram.Client
	Subscriptions subscription.Repository
	Audits        audit.Repository
	Logger        *logrus.Entry

	InviteLinkTTL      time.Duration
	AuditCheckLimit    rate.Limit
	AuditProgressEvery int
	FloodWaitMargin    time.Duration
}

// NewRegistry builds a handler for every batch.Types() entry.
func NewRegistry(deps Dependencies) (Registry, error) {
	reg := make(Registry, len(batch.Types()))
	for _, t := range batch.Types() {
		var h Handler
		switch t {
		case batch.TypeBroadcast:
			h = NewBroadcastHandler(deps.Telegram)
		case batch.TypeInvite:
			h = NewInviteHandler(deps.Telegram, deps.InviteLinkTTL, deps.Logger)
		case batch.TypeScheduleRemoval:
			h = NewRemovalSchedulerHandler(deps.Subscriptions)
		case batch.TypeChannelCleanup:
			h = NewChannelCleanupHandler(deps.Telegram, deps.Audits)
		case batch.TypeChannelAudit:
			h = NewChannelAuditHandler(deps.Telegram, deps.Subscriptions, deps.Audits, deps.AuditCheckLimit, deps.AuditProgressEvery, deps.FloodWaitMargin, deps.Logger)
		default:
			return nil, fmt.Errorf("no handler implemented for batch type %s", t)
		}
		reg[t] = h
	}
	return reg, nil
}

func decodeContext(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return validationErrorf("malformed context data: %v", err)
	}
	return nil
}

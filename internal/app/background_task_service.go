// internal/app/background_task_service.go
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"subscription_bot/internal/app/tasks"
	"subscription_bot/internal/domain/audit"
	"subscription_bot/internal/domain/batch"
	"subscription_bot/internal/domain/subscription"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Errors returned synchronously, before any batch is created.
var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrNoTargets           = errors.New("no targets found for batch")
	ErrBatchNotFound       = errors.New("batch not found")
	ErrBatchNotFinished    = errors.New("batch is still running")
	ErrNoRetryableFailures = errors.New("batch has no retryable failures")
	ErrAuditNotFound       = errors.New("completed channel audit not found")
	ErrNothingToCleanup    = errors.New("channel audit has no users to remove")
	ErrCleanupInProgress   = errors.New("cleanup for this channel audit is already running")
)

// BatchRunner executes a batch to completion.
type BatchRunner interface {
	Run(ctx context.Context, job tasks.Job, targets []batch.Target) batch.Result
}

// TaskInfo describes a batch running in this process.
type TaskInfo struct {
	ID        uuid.UUID
	Type      batch.Type
	Total     int
	StartedAt time.Time
}

// BatchStatus is a batch row plus whether this process is still running it.
type BatchStatus struct {
	*batch.Batch
	InFlight bool
}

type taskHandle struct {
	info TaskInfo
}

// BackgroundTaskService creates batches and runs them detached from the caller.
type BackgroundTaskService struct {
	batches       batch.Repository
	audits        audit.Repository
	subscriptions subscription.Repository
	audience      subscription.AudienceResolver
	runner        BatchRunner
	validate      *validator.Validate
	logger        *logrus.Entry
	now           func() time.Time

	// runCtx outlives the requests that start batches.
	runCtx   context.Context
	mu       sync.Mutex
	inFlight map[uuid.UUID]*taskHandle
	keys     map[string]struct{}
	wg       sync.WaitGroup
}

func NewBackgroundTaskService(
	batches batch.Repository,
	audits audit.Repository,
	subscriptions subscription.Repository,
	audience subscription.AudienceResolver,
	runner BatchRunner,
	logger *logrus.Entry,
) *BackgroundTaskService {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &BackgroundTaskService{
		batches:       batches,
		audits:        audits,
		subscriptions: subscriptions,
		audience:      audience,
		runner:        runner,
		validate:      validator.New(),
		logger:        logger,
		now:           time.Now,
		runCtx:        context.Background(),
		inFlight:      make(map[uuid.UUID]*taskHandle),
		keys:          make(map[string]struct{}),
	}
}

type channelBatchRequest struct {
	SubscriptionTypeID int64              `validate:"gt=0"`
	Channels           []tasks.ChannelRef `validate:"required,min=1,dive"`
}

// StartChannelRemovalSchedulingBatch schedules removal from channels at
// subscription expiry for every active subscriber of the type.
func (s *BackgroundTaskService) StartChannelRemovalSchedulingBatch(ctx context.Context, subscriptionTypeID int64, channels []tasks.ChannelRef) (uuid.UUID, error) {
	if err := s.check(channelBatchRequest{SubscriptionTypeID: subscriptionTypeID, Channels: channels}); err != nil {
		return uuid.Nil, err
	}
	targets, err := s.activeSubscriberTargets(ctx, subscriptionTypeID)
	if err != nil {
		return uuid.Nil, err
	}

	b := &batch.Batch{
		Type:               batch.TypeScheduleRemoval,
		SubscriptionTypeID: sql.NullInt64{Int64: subscriptionTypeID, Valid: true},
	}
	return s.submit(ctx, b, tasks.RemovalContext{ChannelsToSchedule: channels}, nil, targets, "")
}

type inviteRequest struct {
	SubscriptionTypeID   int64              `validate:"gt=0"`
	Channels             []tasks.ChannelRef `validate:"required,min=1,dive"`
	SubscriptionTypeName string             `validate:"required"`
}

// StartInviteBatch sends invite links for newly added channels to every
// active subscriber of the type.
func (s *BackgroundTaskService) StartInviteBatch(ctx context.Context, subscriptionTypeID int64, newChannels []tasks.ChannelRef, subscriptionTypeName string) (uuid.UUID, error) {
	req := inviteRequest{
		SubscriptionTypeID:   subscriptionTypeID,
		Channels:             newChannels,
		SubscriptionTypeName: subscriptionTypeName,
	}
	if err := s.check(req); err != nil {
		return uuid.Nil, err
	}
	targets, err := s.activeSubscriberTargets(ctx, subscriptionTypeID)
	if err != nil {
		return uuid.Nil, err
	}

	b := &batch.Batch{
		Type:               batch.TypeInvite,
		SubscriptionTypeID: sql.NullInt64{Int64: subscriptionTypeID, Valid: true},
	}
	ic := tasks.InviteContext{ChannelsToInvite: newChannels, SubscriptionTypeName: subscriptionTypeName}
	return s.submit(ctx, b, ic, nil, targets, "")
}

type broadcastRequest struct {
	MessageText string `validate:"required"`
	TargetGroup string `validate:"required"`
}

// StartEnhancedBroadcastBatch sends a personalised message to a target group.
func (s *BackgroundTaskService) StartEnhancedBroadcastBatch(ctx context.Context, messageText string, targetGroup subscription.TargetGroup, subscriptionTypeID *int64) (uuid.UUID, error) {
	if err := s.check(broadcastRequest{MessageText: messageText, TargetGroup: string(targetGroup)}); err != nil {
		return uuid.Nil, err
	}
	if err := targetGroup.Validate(subscriptionTypeID); err != nil {
		return uuid.Nil, err
	}

	audience, err := s.audience.Resolve(ctx, targetGroup, subscriptionTypeID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve target group %s: %w", targetGroup, err)
	}
	if len(audience) == 0 {
		return uuid.Nil, fmt.Errorf("%w: target group %s is empty", ErrNoTargets, targetGroup)
	}

	b := &batch.Batch{
		Type:        batch.TypeBroadcast,
		TargetGroup: sql.NullString{String: string(targetGroup), Valid: true},
	}
	if subscriptionTypeID != nil {
		b.SubscriptionTypeID = sql.NullInt64{Int64: *subscriptionTypeID, Valid: true}
	}
	content := tasks.BroadcastContent{Text: messageText}
	return s.submit(ctx, b, nil, content, subscribersToTargets(audience), "")
}

type auditContext struct {
	AuditUUID uuid.UUID `json:"audit_uuid"`
}

// StartChannelAudit audits every subscription channel. Progress is kept in
// per-channel audit rows rather than the batches table; the returned ID is
// the audit UUID.
func (s *BackgroundTaskService) StartChannelAudit(ctx context.Context) (uuid.UUID, error) {
	channels, err := s.subscriptions.ListChannels(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to list channels: %w", err)
	}

	seen := make(map[int64]struct{}, len(channels))
	auditChannels := make([]audit.Channel, 0, len(channels))
	targets := make([]batch.Target, 0, len(channels))
	for _, ch := range channels {
		if _, dup := seen[ch.ID]; dup {
			continue
		}
		seen[ch.ID] = struct{}{}
		auditChannels = append(auditChannels, audit.Channel{ID: ch.ID, Name: ch.Name})
		targets = append(targets, batch.Target{ChannelID: ch.ID, ChannelName: ch.Name})
	}
	if len(targets) == 0 {
		return uuid.Nil, fmt.Errorf("%w: no channels to audit", ErrNoTargets)
	}

	auditID := uuid.New()
	if err := s.audits.CreateChannelAudits(ctx, auditID, auditChannels); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create channel audit records: %w", err)
	}

	raw, err := json.Marshal(auditContext{AuditUUID: auditID})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode audit context: %w", err)
	}
	job := tasks.Job{BatchID: auditID, Type: batch.TypeChannelAudit, ContextData: raw}
	s.launch(job, targets, "", func(result batch.Result) {
		s.closeUnfinishedAudits(auditID, result)
	})
	s.logger.WithFields(logrus.Fields{"audit_uuid": auditID, "channels": len(targets)}).Info("Channel audit scheduled")
	return auditID, nil
}

// StartChannelCleanupBatch removes the users a completed audit flagged in one
// channel. Only users still on the audit's remaining list are targeted.
func (s *BackgroundTaskService) StartChannelCleanupBatch(ctx context.Context, auditUUID uuid.UUID, channelID int64) (uuid.UUID, error) {
	row, err := s.audits.GetChannelAudit(ctx, auditUUID, channelID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("%w: audit %s channel %d", ErrAuditNotFound, auditUUID, channelID)
		}
		return uuid.Nil, fmt.Errorf("failed to load channel audit: %w", err)
	}
	if row.Status != audit.StatusCompleted {
		return uuid.Nil, fmt.Errorf("%w: audit %s channel %d is %s", ErrAuditNotFound, auditUUID, channelID, row.Status)
	}
	if len(row.UsersToRemove) == 0 {
		return uuid.Nil, ErrNothingToCleanup
	}

	key := fmt.Sprintf("cleanup:%s:%d", auditUUID, channelID)
	if !s.reserve(key) {
		return uuid.Nil, ErrCleanupInProgress
	}

	targets := make([]batch.Target, 0, len(row.UsersToRemove))
	for _, id := range row.UsersToRemove {
		targets = append(targets, batch.Target{TelegramID: id, ChannelID: channelID, ChannelName: row.ChannelName})
	}
	b := &batch.Batch{Type: batch.TypeChannelCleanup}
	id, err := s.submit(ctx, b, tasks.CleanupContext{AuditUUID: auditUUID, ChannelID: channelID}, nil, targets, key)
	if err != nil {
		s.release(key)
	}
	return id, err
}

// RetryFailedSendsInBatch resubmits the retryable failures of a finished
// batch as a new batch with the same type, content and context.
func (s *BackgroundTaskService) RetryFailedSendsInBatch(ctx context.Context, originalBatchID uuid.UUID) (uuid.UUID, error) {
	original, err := s.batches.GetByID(ctx, originalBatchID)
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrBatchNotFound, originalBatchID)
		}
		return uuid.Nil, fmt.Errorf("failed to load batch %s: %w", originalBatchID, err)
	}
	if !original.Status.Terminal() {
		return uuid.Nil, fmt.Errorf("%w: %s is %s", ErrBatchNotFinished, originalBatchID, original.Status)
	}

	seen := make(map[int64]struct{})
	var retryable []batch.FailedSendDetail
	for _, d := range original.ErrorDetails {
		if !d.IsRetryable || d.TelegramID == 0 {
			continue
		}
		if _, dup := seen[d.TelegramID]; dup {
			continue
		}
		seen[d.TelegramID] = struct{}{}
		retryable = append(retryable, d)
	}
	if len(retryable) == 0 {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrNoRetryableFailures, originalBatchID)
	}

	targets := s.retryTargets(ctx, original, retryable)
	b := &batch.Batch{
		Type:               original.Type,
		SubscriptionTypeID: original.SubscriptionTypeID,
		TargetGroup:        original.TargetGroup,
		MessageContent:     original.MessageContent,
		ContextData:        original.ContextData,
	}
	id, err := s.submit(ctx, b, nil, nil, targets, "")
	if err == nil {
		s.logger.WithFields(logrus.Fields{"original_batch_id": originalBatchID, "batch_id": id, "retry_count": len(targets)}).Info("Retry batch submitted")
	}
	return id, err
}

// retryTargets rebuilds targets from failure details, preferring current
// subscriber data so expiry-dependent handlers and templates still resolve.
func (s *BackgroundTaskService) retryTargets(ctx context.Context, original *batch.Batch, details []batch.FailedSendDetail) []batch.Target {
	fresh := make(map[int64]*subscription.Subscriber)
	if original.SubscriptionTypeID.Valid {
		subs, err := s.subscriptions.ListActiveSubscribers(ctx, original.SubscriptionTypeID.Int64)
		if err != nil {
			s.logger.WithError(err).WithField("batch_id", original.ID).Warn("Could not refresh subscriber data for retry")
		}
		for _, sub := range subs {
			fresh[sub.TelegramID] = sub
		}
	}

	var channelID int64
	if original.Type == batch.TypeChannelCleanup {
		var cc tasks.CleanupContext
		if err := json.Unmarshal(original.ContextData, &cc); err == nil {
			channelID = cc.ChannelID
		}
	}

	targets := make([]batch.Target, 0, len(details))
	for _, d := range details {
		if sub, ok := fresh[d.TelegramID]; ok {
			targets = append(targets, subscriberToTarget(sub))
			continue
		}
		targets = append(targets, batch.Target{TelegramID: d.TelegramID, FullName: d.FullName, Username: d.Username, ChannelID: channelID})
	}
	return targets
}

// GetBatchStatus returns the stored batch and whether it is running here.
func (s *BackgroundTaskService) GetBatchStatus(ctx context.Context, batchID uuid.UUID) (*BatchStatus, error) {
	b, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
		}
		return nil, fmt.Errorf("failed to load batch %s: %w", batchID, err)
	}
	s.mu.Lock()
	_, running := s.inFlight[batchID]
	s.mu.Unlock()
	return &BatchStatus{Batch: b, InFlight: running}, nil
}

// GetChannelAuditStatus lists the per-channel rows of an audit.
func (s *BackgroundTaskService) GetChannelAuditStatus(ctx context.Context, auditUUID uuid.UUID) ([]*audit.ChannelAudit, error) {
	rows, err := s.audits.ListChannelAudits(ctx, auditUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel audits: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", audit.ErrNotFound, auditUUID)
	}
	return rows, nil
}

// InFlight lists batches running in this process, oldest first.
func (s *BackgroundTaskService) InFlight() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.inFlight))
	for _, h := range s.inFlight {
		out = append(out, h.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Wait blocks until every in-flight batch finishes or ctx is done.
func (s *BackgroundTaskService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit encodes payloads, creates the PENDING row and launches the batch.
// A nil contextData or content keeps what b already carries.
func (s *BackgroundTaskService) submit(ctx context.Context, b *batch.Batch, contextData, content any, targets []batch.Target, key string) (uuid.UUID, error) {
	if contextData != nil {
		raw, err := json.Marshal(contextData)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to encode context data: %w", err)
		}
		b.ContextData = raw
	}
	if content != nil {
		raw, err := json.Marshal(content)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to encode message content: %w", err)
		}
		b.MessageContent = raw
	}

	b.ID = uuid.New()
	b.Status = batch.StatusPending
	b.TotalUsers = len(targets)
	if err := s.batches.Create(ctx, b); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create batch: %w", err)
	}

	s.launch(tasks.JobFromBatch(b), targets, key, nil)
	s.logger.WithFields(logrus.Fields{
		"batch_id":   b.ID,
		"batch_type": b.Type,
		"total":      b.TotalUsers,
	}).Info("Batch scheduled")
	return b.ID, nil
}

// launch runs the job in the background. A non-empty key must already be
// reserved; it is released when the job ends. after, if set, sees the result.
func (s *BackgroundTaskService) launch(job tasks.Job, targets []batch.Target, key string, after func(batch.Result)) {
	h := &taskHandle{
		info: TaskInfo{ID: job.BatchID, Type: job.Type, Total: len(targets), StartedAt: s.now()},
	}
	s.mu.Lock()
	s.inFlight[job.BatchID] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, job.BatchID)
			if key != "" {
				delete(s.keys, key)
			}
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.logger.WithFields(logrus.Fields{"batch_id": job.BatchID, "panic": r}).Error("Batch runner panicked")
			}
		}()
		result := s.runner.Run(s.runCtx, job, targets)
		if after != nil {
			after(result)
		}
	}()
}

// reserve claims key for one batch. It reports false if the key is taken.
func (s *BackgroundTaskService) reserve(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.keys[key]; taken {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *BackgroundTaskService) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

// closeUnfinishedAudits fails the rows of a finished audit that the run never
// reached, such as when preparation failed or no handler was registered.
func (s *BackgroundTaskService) closeUnfinishedAudits(auditID uuid.UUID, result batch.Result) {
	if !result.Status.Terminal() {
		return
	}
	logger := s.logger.WithField("audit_uuid", auditID)
	rows, err := s.audits.ListChannelAudits(s.runCtx, auditID)
	if err != nil {
		logger.WithError(err).Error("Failed to load channel audits after run")
		return
	}
	message := unfinishedAuditMessage(result)
	for _, row := range rows {
		if row.Status != audit.StatusPending && row.Status != audit.StatusRunning {
			continue
		}
		if err := s.audits.FailChannelAudit(s.runCtx, auditID, row.ChannelID, message); err != nil {
			logger.WithError(err).WithField("channel_id", row.ChannelID).Error("Failed to mark unfinished channel audit as failed")
		}
	}
}

// unfinishedAuditMessage reuses the aggregate error of a batch that failed
// before any item ran.
func unfinishedAuditMessage(result batch.Result) string {
	if result.SuccessfulSends == 0 && len(result.ErrorDetails) == 1 {
		return result.ErrorDetails[0].ErrorMessage
	}
	return "Channel audit ended before this channel was processed"
}

func (s *BackgroundTaskService) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (s *BackgroundTaskService) activeSubscriberTargets(ctx context.Context, subscriptionTypeID int64) ([]batch.Target, error) {
	subs, err := s.subscriptions.ListActiveSubscribers(ctx, subscriptionTypeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscribers of type %d: %w", subscriptionTypeID, err)
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: no active subscribers for subscription type %d", ErrNoTargets, subscriptionTypeID)
	}
	return subscribersToTargets(subs), nil
}

func subscriberToTarget(sub *subscription.Subscriber) batch.Target {
	return batch.Target{
		TelegramID:       sub.TelegramID,
		FullName:         sub.FullName,
		Username:         sub.Username,
		SubscriptionName: sub.SubscriptionName,
		ExpiryDate:       sub.ExpiryDate,
	}
}

func subscribersToTargets(subs []*subscription.Subscriber) []batch.Target {
	targets := make([]batch.Target, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, subscriberToTarget(sub))
	}
	return targets
}

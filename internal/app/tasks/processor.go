package tasks

import (
	"context"
	"fmt"
	"time"

	"subscription_bot/internal/domain/batch"

	"github.com/sirupsen/logrus"
)

const (
	DefaultChunkSize       = 25
	DefaultChunkDelay      = time.Second
	DefaultFloodWaitMargin = time.Second
)

// ProcessorConfig bounds outbound throughput.
type ProcessorConfig struct {
	// ChunkSize is how many items are processed between progress flushes.
	ChunkSize int
	// ChunkDelay is the pause after every chunk except the last.
	ChunkDelay time.Duration
	// FloodWaitMargin is added to every flood-control wait.
	FloodWaitMargin time.Duration
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		ChunkSize:       DefaultChunkSize,
		ChunkDelay:      DefaultChunkDelay,
		FloodWaitMargin: DefaultFloodWaitMargin,
	}
}

// Processor drives one batch from PENDING to a terminal state.
type Processor struct {
	batches  batch.Repository
	handlers Registry
	cfg      ProcessorConfig
	logger   *logrus.Entry
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewProcessor(batches batch.Repository, handlers Registry, cfg ProcessorConfig, logger *logrus.Entry) *Processor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Processor{
		batches:  batches,
		handlers: handlers,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Run processes targets strictly in order. Item failures are recorded and
// never stop the loop; store failures are logged. Run returns early, leaving
// the batch IN_PROGRESS, only when ctx is cancelled.
func (p *Processor) Run(ctx context.Context, job Job, targets []batch.Target) batch.Result {
	logger := p.logger.WithFields(logrus.Fields{
		"batch_id":   job.BatchID,
		"batch_type": job.Type,
		"total":      len(targets),
	})
	tracked := job.Type.TracksBatchRecord()

	if tracked {
		if err := p.batches.MarkInProgress(ctx, job.BatchID); err != nil {
			logger.WithError(err).Error("Failed to mark batch in progress")
		}
	}
	logger.Info("Batch processing started")

	handler, ok := p.handlers.Lookup(job.Type)
	if !ok {
		c := Classification{
			Key:     KeyHandlerNotFound,
			Message: fmt.Sprintf("No handler registered for batch type %s", job.Type),
		}
		return p.failAll(ctx, logger, job, len(targets), c, "HandlerNotFound")
	}

	prepared, err := handler.Prepare(ctx, job)
	if err != nil {
		logger.WithError(err).Error("Batch preparation failed")
		return p.failAll(ctx, logger, job, len(targets), Classify(err), errorType(err))
	}

	var (
		details                     []batch.FailedSendDetail
		successful, failed          int
		pendingSuccess, pendingFail int
	)
	failedIdx := make(map[int]struct{})
	last := len(targets) - 1
	for i, item := range targets {
		err := p.processItem(ctx, handler, job, item, prepared)
		if err == nil {
			successful++
			pendingSuccess++
		} else {
			c := Classify(err)
			failed++
			pendingFail++
			failedIdx[i] = struct{}{}
			details = append(details, batch.FailedSendDetail{
				TelegramID:   item.TelegramID,
				FullName:     item.FullName,
				Username:     item.Username,
				ErrorMessage: c.Message,
				ErrorType:    errorType(err),
				ErrorKey:     c.Key,
				IsRetryable:  c.Retryable,
			})
			logger.WithError(err).WithFields(logrus.Fields{
				"telegram_id": item.TelegramID,
				"channel_id":  item.ChannelID,
				"error_key":   c.Key,
			}).Warn("Batch item failed")

			if c.Key == KeyFloodWait {
				wait := c.RetryAfter + p.cfg.FloodWaitMargin
				logger.WithField("wait", wait).Warn("Flood control hit, pausing batch")
				if err := p.sleep(ctx, wait); err != nil {
					logger.WithError(err).Warn("Batch interrupted during flood wait")
					return batch.Result{Status: batch.StatusInProgress, SuccessfulSends: successful, FailedSends: failed, ErrorDetails: details}
				}
			}
		}

		if (i+1)%p.cfg.ChunkSize == 0 || i == last {
			if tracked {
				if err := p.batches.IncrementCounters(ctx, job.BatchID, pendingSuccess, pendingFail); err != nil {
					logger.WithError(err).Error("Failed to flush batch progress")
				}
			}
			pendingSuccess, pendingFail = 0, 0

			if i != last && p.cfg.ChunkDelay > 0 {
				if err := p.sleep(ctx, p.cfg.ChunkDelay); err != nil {
					logger.WithError(err).Warn("Batch interrupted between chunks")
					return batch.Result{Status: batch.StatusInProgress, SuccessfulSends: successful, FailedSends: failed, ErrorDetails: details}
				}
			}
		}
	}

	result := batch.Result{
		Status:          batch.FinalStatus(successful, failed),
		SuccessfulSends: successful,
		FailedSends:     failed,
		ErrorDetails:    details,
		ErrorSummary:    batch.Summarize(details),
	}
	if tracked {
		if err := p.batches.Complete(ctx, job.BatchID, result); err != nil {
			logger.WithError(err).Error("Failed to save final batch state")
		}
	}

	succeededItems := make([]batch.Target, 0, successful)
	failedItems := make([]batch.Target, 0, failed)
	for i, item := range targets {
		if _, ok := failedIdx[i]; ok {
			failedItems = append(failedItems, item)
		} else {
			succeededItems = append(succeededItems, item)
		}
	}
	if err := handler.OnBatchComplete(ctx, job, succeededItems, failedItems); err != nil {
		logger.WithError(err).Error("Batch completion hook failed")
	}

	logger.WithFields(logrus.Fields{
		"status":     result.Status,
		"successful": successful,
		"failed":     failed,
	}).Info("Batch processing finished")
	return result
}

func (p *Processor) processItem(ctx context.Context, h Handler, job Job, item batch.Target, prepared any) (err error) {
	if job.Type.PerUser() && !item.HasSubject() {
		return ErrMissingTelegramID
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.ProcessItem(ctx, job, item, prepared)
}

// failAll fails the whole batch with one aggregate error entry.
func (p *Processor) failAll(ctx context.Context, logger *logrus.Entry, job Job, total int, c Classification, errType string) batch.Result {
	result := batch.Result{
		Status:      batch.FinalStatus(0, total),
		FailedSends: total,
		ErrorDetails: []batch.FailedSendDetail{{
			ErrorMessage: c.Message,
			ErrorType:    errType,
			ErrorKey:     c.Key,
			IsRetryable:  c.Retryable,
		}},
		ErrorSummary: map[string]int{c.Key: total},
	}
	if job.Type.TracksBatchRecord() {
		if err := p.batches.Complete(ctx, job.BatchID, result); err != nil {
			logger.WithError(err).Error("Failed to save failed batch state")
		}
	}
	logger.WithField("error_key", c.Key).Error("Batch failed before processing any item")
	return result
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

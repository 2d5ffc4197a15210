package app

import (
	"context"
	"errors"
	"fmt"

	"subscription_bot/internal/domain/audit"
	"subscription_bot/internal/domain/batch"

	"github.com/sirupsen/logrus"
)

const serverRestartReason = "Task interrupted by server restart"

// StaleTaskReconciler fails work left unfinished by a previous process.
// It must run before BackgroundTaskService accepts new batches.
type StaleTaskReconciler struct {
	batches batch.Repository
	audits  audit.Repository
	logger  *logrus.Entry
}

func NewStaleTaskReconciler(batches batch.Repository, audits audit.Repository, logger *logrus.Entry) *StaleTaskReconciler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &StaleTaskReconciler{batches: batches, audits: audits, logger: logger}
}

// Reconcile marks PENDING and IN_PROGRESS batches and PENDING and RUNNING
// audit rows as FAILED. Counters already written are kept.
func (r *StaleTaskReconciler) Reconcile(ctx context.Context) error {
	var errs []error

	nBatches, err := r.batches.FailStale(ctx, serverRestartReason)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to reconcile stale batches: %w", err))
	}
	nAudits, err := r.audits.FailStale(ctx, serverRestartReason)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to reconcile stale channel audits: %w", err))
	}

	r.logger.WithFields(logrus.Fields{
		"stale_batches": nBatches,
		"stale_audits":  nAudits,
	}).Info("Stale task reconciliation finished")
	return errors.Join(errs...)
}

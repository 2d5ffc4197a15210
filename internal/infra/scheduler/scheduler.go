package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// AuditStarter starts a channel audit.
type AuditStarter interface {
	StartChannelAudit(ctx context.Context) (uuid.UUID, error)
}

type AuditScheduler struct {
	cronEngine *cron.Cron
	audits     AuditStarter
	logger     *logrus.Entry
	cronSpec   string
}

// NewAuditScheduler runs a channel audit on cronSpec, in server local time.
func NewAuditScheduler(audits AuditStarter, logger *logrus.Entry, cronSpec string) *AuditScheduler {
	return &AuditScheduler{
		cronEngine: cron.New(cron.WithLocation(time.Local)),
		audits:     audits,
		logger:     logger,
		cronSpec:   cronSpec,
	}
}

func (s *AuditScheduler) Start() error {
	if _, err := s.cronEngine.AddFunc(s.cronSpec, s.runAudit); err != nil {
		return fmt.Errorf("could not add channel audit cron job %q: %w", s.cronSpec, err)
	}
	s.cronEngine.Start()
	s.logger.WithField("cron_spec", s.cronSpec).Info("Audit scheduler started")
	return nil
}

func (s *AuditScheduler) runAudit() {
	s.logger.Info("Cron job triggered for channel audit")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	auditID, err := s.audits.StartChannelAudit(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Scheduled channel audit could not start")
		return
	}
	s.logger.WithField("audit_uuid", auditID).Info("Scheduled channel audit started")
}

// Stop stops scheduling and waits for a running trigger to return.
func (s *AuditScheduler) Stop() {
	s.logger.Info("Stopping audit scheduler...")
	<-s.cronEngine.Stop().Done()
	s.logger.Info("Audit scheduler stopped")
}

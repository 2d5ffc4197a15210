package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"subscription_bot/internal/app"
	"subscription_bot/internal/domain/audit"
	"subscription_bot/internal/domain/subscription"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// RegisterAdminHandlers registers the batch management commands.
func RegisterAdminHandlers(ctx context.Context, b *telebot.Bot, adminService *app.AdminService, baseLogger *logrus.Entry) {
	b.Handle("/broadcast", func(c telebot.Context) error {
		logger := commandLogger(baseLogger, "/broadcast", c)
		id, err := adminService.Broadcast(ctx, c.Sender().ID, c.Message().Payload)
		if err != nil {
			return replyError(c, logger, err)
		}
		logger.WithField("batch_id", id).Info("Broadcast batch started")
		return c.Send(startedReply("Broadcast", id))
	})

	b.Handle("/invite", func(c telebot.Context) error {
		logger := commandLogger(baseLogger, "/invite", c)
		id, err := adminService.InviteToChannels(ctx, c.Sender().ID, c.Args())
		if err != nil {
			return replyError(c, logger, err)
		}
		logger.WithField("batch_id", id).Info("Invite batch started")
		return c.Send(startedReply("Invite batch", id))
	})

	b.Handle("/schedule_removal", func(c telebot.Context) error {
		logger := commandLogger(baseLogger, "/schedule_removal", c)
		id, err := adminService.ScheduleRemovals(ctx, c.Sender().ID, c.Args())
		if err != nil {
			return replyError(c, logger, err)
		}
		logger.WithField("batch_id", id).Info("Removal scheduling batch started")
		return c.Send(startedReply("Removal scheduling", id))
	})

	b.Handle("/batch_status", func(c telebot.Context) error {
		logger := commandLogger(baseLogger, "/batch_status", c)
		status, err := adminService.BatchStatus(ctx, c.Sender().ID, c.Args())
		if err != nil {
			return replyError(c, logger, err)
		}
		return c.Send(FormatBatchStatus(status))
	})

	b.Handle("/retry_batch", func(c telebot.Context) error {
		logger := commandLogger(baseLogger, "/retry_batch", c)
		id, err := adminService.RetryBatch(ctx, c.Sender().ID, c.Args())
		if err != nil {
			return replyError(c, logger, err)
		}
		logger.WithField("batch_id", id).Info("Retry batch started")
		return c.Send(startedReply("Retry batch", id))
	})

	b.Handle("/channel_audit", func(c telebot.Context) error {
		logger := commandLogger(baseLogger, "/channel_audit", c)
		id, err := adminService.StartChannelAudit(ctx, c.Sender().ID)
		if err != nil {
			return replyError(c, logger, err)
		}
		logger.WithField("audit_uuid", id).Info("Channel audit started")
		return c.Send(fmt.Sprintf("Channel audit started.\nID: %s\nUse /audit_status %s to see results.", id, id))
	})

	b.Handle("/audit_status", func(c telebot.Context) error {
		logger := commandLogger(baseLogger, "/audit_status", c)
		rows, err := adminService.AuditStatus(ctx, c.Sender().ID, c.Args())
		if err != nil {
			return replyError(c, logger, err)
		}
		return c.Send(FormatAuditStatus(rows))
	})

	b.Handle("/cleanup_channel", func(c telebot.Context) error {
		logger := commandLogger(baseLogger, "/cleanup_channel", c)
		id, err := adminService.CleanupChannel(ctx, c.Sender().ID, c.Args())
		if err != nil {
			return replyError(c, logger, err)
		}
		logger.WithField("batch_id", id).Info("Channel cleanup batch started")
		return c.Send(startedReply("Channel cleanup", id))
	})

	b.Handle("/tasks", func(c telebot.Context) error {
		logger := commandLogger(baseLogger, "/tasks", c)
		running, err := adminService.ListTasks(c.Sender().ID)
		if err != nil {
			return replyError(c, logger, err)
		}
		return c.Send(FormatTasks(running, time.Now()))
	})
}

func startedReply(kind string, id uuid.UUID) string {
	return fmt.Sprintf("%s started.\nID: %s\nUse /batch_status %s to follow progress.", kind, id, id)
}

func commandLogger(base *logrus.Entry, command string, c telebot.Context) *logrus.Entry {
	logger := base.WithFields(logrus.Fields{
		"handler":   command,
		"sender_id": c.Sender().ID,
	})
	logger.Info("Command received")
	return logger
}

func replyError(c telebot.Context, logger *logrus.Entry, err error) error {
	msg, expected := ErrorReply(err)
	if expected {
		logger.WithError(err).Warn("Command rejected")
	} else {
		logger.WithError(err).Error("Command failed")
	}
	return c.Send(msg)
}

// ErrorReply turns a command error into the admin-facing text. expected is
// false for errors that indicate a fault rather than bad input.
func ErrorReply(err error) (msg string, expected bool) {
	switch {
	case errors.Is(err, app.ErrAdminNotAuthorized):
		return "Error: you are not allowed to run this command.", true
	case errors.Is(err, app.ErrInvalidRequest):
		return fmt.Sprintf("Invalid command: %s", err), true
	case errors.Is(err, subscription.ErrUnknownTargetGroup), errors.Is(err, subscription.ErrTargetGroupNeedsType):
		groups := make([]string, 0, len(subscription.TargetGroups()))
		for _, g := range subscription.TargetGroups() {
			groups = append(groups, string(g))
		}
		return fmt.Sprintf("%s\nKnown groups: %s", err, strings.Join(groups, ", ")), true
	case errors.Is(err, app.ErrNoTargets):
		return "Nothing to do: no recipients matched.", true
	case errors.Is(err, app.ErrBatchNotFound), errors.Is(err, audit.ErrNotFound):
		return "Not found.", true
	case errors.Is(err, app.ErrBatchNotFinished):
		return "The batch is still running; retry it once it has finished.", true
	case errors.Is(err, app.ErrNoRetryableFailures):
		return "The batch has no failures that can be retried.", true
	case errors.Is(err, app.ErrAuditNotFound):
		return "No completed audit exists for that channel.", true
	case errors.Is(err, app.ErrNothingToCleanup):
		return "The audit found nobody to remove from that channel.", true
	case errors.Is(err, app.ErrCleanupInProgress):
		return "A cleanup for that channel is already running.", true
	default:
		return fmt.Sprintf("Something went wrong: %s", err), false
	}
}

// FormatBatchStatus renders a batch for /batch_status.
func FormatBatchStatus(s *app.BatchStatus) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Batch %s\n", s.ID)
	fmt.Fprintf(&out, "Type: %s\nStatus: %s", s.Type, s.Status)
	if s.InFlight {
		out.WriteString(" (running)")
	}
	fmt.Fprintf(&out, "\nProgress: %d sent, %d failed of %d\n", s.SuccessfulSends, s.FailedSends, s.TotalUsers)
	if s.CompletedAt.Valid {
		fmt.Fprintf(&out, "Finished: %s\n", s.CompletedAt.Time.Format("02.01.2006 15:04"))
	}
	if len(s.ErrorSummary) > 0 {
		keys := make([]string, 0, len(s.ErrorSummary))
		for k := range s.ErrorSummary {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out.WriteString("Errors:\n")
		for _, k := range keys {
			fmt.Fprintf(&out, "  %s: %d\n", k, s.ErrorSummary[k])
		}
	}
	return strings.TrimRight(out.String(), "\n")
}

// FormatAuditStatus renders one line per audited channel.
func FormatAuditStatus(rows []*audit.ChannelAudit) string {
	var out strings.Builder
	for i, r := range rows {
		if i > 0 {
			out.WriteString("\n")
		}
		name := r.ChannelName
		if name == "" {
			name = fmt.Sprintf("%d", r.ChannelID)
		}
		fmt.Fprintf(&out, "%s: %s", name, r.Status)
		switch r.Status {
		case audit.StatusCompleted:
			fmt.Fprintf(&out, ", members %d, active %d, to remove %d, unidentified %d",
				r.TotalMembersAPI, r.ActiveSubscribersDB, r.UsersToRemoveCount, r.UnidentifiedMembers)
			if r.UsersToRemoveCount > 0 {
				fmt.Fprintf(&out, "\n  /cleanup_channel %s %d", r.AuditUUID, r.ChannelID)
			}
		case audit.StatusRunning:
			fmt.Fprintf(&out, ", checked %d users", r.CheckedUsers)
		case audit.StatusFailed:
			fmt.Fprintf(&out, ", %s", r.ErrorMessage.String)
		}
	}
	return out.String()
}

// FormatTasks renders the in-flight batch list for /tasks.
func FormatTasks(running []app.TaskInfo, now time.Time) string {
	if len(running) == 0 {
		return "No batches are running."
	}
	var out strings.Builder
	out.WriteString("Running batches:")
	for _, t := range running {
		fmt.Fprintf(&out, "\n%s %s, %d items, for %s", t.Type, t.ID, t.Total, now.Sub(t.StartedAt).Truncate(time.Second))
	}
	return out.String()
}

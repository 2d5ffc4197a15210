// internal/infra/telegram/bot_commands_handler.go
package telegram

import (
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// RegisterBotCommands registers /start and /help.
func RegisterBotCommands(b *telebot.Bot, adminTelegramID int64, baseLogger *logrus.Entry) {
	logger := baseLogger.WithField("handler_group", "start_help")

	b.Handle("/start", func(c telebot.Context) error {
		logCtx := logger.WithField("command", "/start").WithField("sender_id", c.Sender().ID)
		logCtx.Info("Processing /start command")
		if c.Sender().ID == adminTelegramID {
			return c.Send("Hello, admin! Use /help to see the batch commands.")
		}
		return c.Send("Hello! This bot delivers messages about your subscription.")
	})

	b.Handle("/help", func(c telebot.Context) error {
		logCtx := logger.WithField("command", "/help").WithField("sender_id", c.Sender().ID)
		logCtx.Info("Processing /help command")
		if c.Sender().ID != adminTelegramID {
			return c.Send("There are no commands available for you.")
		}
		return c.Send(AdminHelp(), &telebot.SendOptions{ParseMode: telebot.ModeMarkdown})
	})
}

// AdminHelp lists the admin commands.
func AdminHelp() string {
	var help strings.Builder
	help.WriteString("Admin commands:\n\n")
	help.WriteString("`/broadcast <group> [type_id] | <text>`\n - Send a message to a target group. Placeholders: `{FULL_NAME}` `{FIRST_NAME}` `{USERNAME}` `{USER_ID}` `{SUBSCRIPTION_NAME}` `{EXPIRY_DATE}` `{DAYS_REMAINING}` `{DAYS_SINCE_EXPIRY}`.\n\n")
	help.WriteString("`/invite <type_id> <channel_ids> <type name>`\n - Send invite links for new channels to active subscribers.\n\n")
	help.WriteString("`/schedule_removal <type_id> <channel_ids>`\n - Schedule removal from channels at subscription expiry.\n\n")
	help.WriteString("`/batch_status <batch_id>`\n - Show batch progress and errors.\n\n")
	help.WriteString("`/retry_batch <batch_id>`\n - Retry the retryable failures of a finished batch.\n\n")
	help.WriteString("`/channel_audit`\n - Audit every subscription channel for members without an active subscription.\n\n")
	help.WriteString("`/audit_status <audit_id>`\n - Show audit results per channel.\n\n")
	help.WriteString("`/cleanup_channel <audit_id> <channel_id>`\n - Remove the users an audit flagged.\n\n")
	help.WriteString("`/tasks`\n - List running batches.")
	return help.String()
}

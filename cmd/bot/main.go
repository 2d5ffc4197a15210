package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"subscription_bot/internal/app"
	"subscription_bot/internal/app/tasks"
	"subscription_bot/internal/infra/config"
	idb "subscription_bot/internal/infra/database"
	"subscription_bot/internal/infra/logger"
	"subscription_bot/internal/infra/scheduler"
	"subscription_bot/internal/infra/telegram"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gopkg.in/telebot.v3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatalf("Could not load application configuration: %v", err)
	}
	logger.Init(cfg)
	mainLogger := logger.Component("main")
	mainLogger.WithFields(logrus.Fields{
		"environment": cfg.Environment,
		"admin_id":    cfg.AdminTelegramID,
	}).Info("Subscription bot starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := idb.NewPostgresConnection(ctx, cfg.DatabaseURL)
	if err != nil {
		mainLogger.WithError(err).Fatal("Could not connect to database")
	}
	defer db.Close()
	if err := idb.Migrate(db, logger.Component("migrations")); err != nil {
		mainLogger.WithError(err).Fatal("Could not apply database migrations")
	}
	mainLogger.Info("Database ready")

	batchRepo := idb.NewPostgresBatchRepository(db)
	auditRepo := idb.NewPostgresAuditRepository(db)
	subscriptionRepo := idb.NewPostgresSubscriptionRepository(db)

	// Work interrupted by the previous process must be closed out before new batches start.
	reconciler := app.NewStaleTaskReconciler(batchRepo, auditRepo, logger.Component("reconciler"))
	if err := reconciler.Reconcile(ctx); err != nil {
		mainLogger.WithError(err).Fatal("Could not reconcile stale tasks")
	}

	pref := telebot.Settings{
		Token:  cfg.TelegramToken,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c telebot.Context) {
			entry := logger.Component("telebot").WithError(err)
			if c != nil && c.Sender() != nil {
				entry = entry.WithField("sender_id", c.Sender().ID)
			}
			entry.Error("Bot handler error")
		},
	}
	bot, err := telebot.NewBot(pref)
	if err != nil {
		mainLogger.WithError(err).Fatal("Could not create Telegram bot")
	}
	telegramClient := telegram.NewTelebotAdapter(bot)

	checkLimit := rate.Inf
	if cfg.AuditCheckDelay > 0 {
		checkLimit = rate.Every(cfg.AuditCheckDelay)
	}
	registry, err := tasks.NewRegistry(tasks.Dependencies{
		Telegram:           telegramClient,
		Subscriptions:      subscriptionRepo,
		Audits:             auditRepo,
		Logger:             logger.Component("tasks"),
		InviteLinkTTL:      cfg.InviteLinkTTL,
		AuditCheckLimit:    checkLimit,
		AuditProgressEvery: cfg.AuditProgressEvery,
		FloodWaitMargin:    cfg.FloodWaitMargin,
	})
	if err != nil {
		mainLogger.WithError(err).Fatal("Could not build task handlers")
	}
	processor := tasks.NewProcessor(batchRepo, registry, tasks.ProcessorConfig{
		ChunkSize:       cfg.SendBatchSize,
		ChunkDelay:      cfg.SendBatchDelay,
		FloodWaitMargin: cfg.FloodWaitMargin,
	}, logger.Component("processor"))

	taskService := app.NewBackgroundTaskService(batchRepo, auditRepo, subscriptionRepo, subscriptionRepo, processor, logger.Component("background_tasks"))
	adminService := app.NewAdminService(taskService, subscriptionRepo, cfg.AdminTelegramID)

	var auditScheduler *scheduler.AuditScheduler
	if cfg.ChannelAuditEnabled() {
		auditScheduler = scheduler.NewAuditScheduler(taskService, logger.Component("scheduler"), cfg.CronSpecChannelAudit)
		if err := auditScheduler.Start(); err != nil {
			mainLogger.WithError(err).Fatal("Could not start audit scheduler")
		}
	} else {
		mainLogger.Info("Periodic channel audit disabled")
	}

	telegram.RegisterBotCommands(bot, cfg.AdminTelegramID, logger.Component("commands"))
	telegram.RegisterAdminHandlers(ctx, bot, adminService, logger.Component("admin"))

	go bot.Start()
	mainLogger.Info("Bot started")

	<-ctx.Done()
	mainLogger.Info("Shutting down...")
	bot.Stop()
	if auditScheduler != nil {
		auditScheduler.Stop()
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := taskService.Wait(waitCtx); err != nil {
		mainLogger.WithField("in_flight", len(taskService.InFlight())).Warn("Batches still running at shutdown; they will be failed on next start")
		return
	}
	mainLogger.Info("Shut down gracefully")
}

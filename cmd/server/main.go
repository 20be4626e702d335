package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"rentledger/internal/api"
	"rentledger/internal/config"
	"rentledger/internal/database"
	"rentledger/internal/events"
	"rentledger/internal/gateway"
	"rentledger/internal/logging"
	"rentledger/internal/metrics"
	"rentledger/internal/scheduler"
	"rentledger/internal/service"
	"rentledger/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("create database directory failed")
		return err
	}

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.Seed(ctx, cfg.SeedProperties(), cfg.SeedUnits()); err != nil {
		return err
	}

	metrics.Register()

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	gatewayClient := gateway.NewClient(cfg.Gateway, logging.Component(logger, "gateway"))
	eventBus := events.NewEventBus()
	subscribeLifecycleEvents(eventBus, logger)

	bookingService := service.NewBookingService(db, gatewayClient, eventBus, cfg.Gateway.PlatformShareBps, cfg.Gateway.CallbackURL, logger)

	retryPolicy := worker.RetryPolicy{
		MaxAttempts:   cfg.Worker.MaxAttempts,
		InitialDelay:  config.Duration(cfg.Worker.InitialDelay, 5*time.Second),
		MaxDelay:      config.Duration(cfg.Worker.MaxDelay, 2*time.Minute),
		BackoffFactor: cfg.Worker.BackoffFactor,
	}
	verifyWorker := worker.NewVerifyWorker(db, bookingService, redisClient, retryPolicy, cfg.Worker.Concurrency, logging.Component(logger, "verify-worker"))
	workerDone := make(chan struct{})
	go func() {
		verifyWorker.Start(ctx)
		close(workerDone)
	}()

	reconciler := scheduler.NewReconciler(db, bookingService,
		config.Duration(cfg.Reconciler.Interval, 15*time.Minute),
		config.Duration(cfg.Reconciler.GracePeriod, 5*time.Minute),
		cfg.Reconciler.MaxRetries,
		logging.Component(logger, "reconciler"))
	go reconciler.Start(ctx)

	escrowReleaser := scheduler.NewEscrowReleaser(db, bookingService,
		config.Duration(cfg.Escrow.Interval, time.Hour),
		config.Duration(cfg.Escrow.GracePeriod, 24*time.Hour),
		logging.Component(logger, "escrow"))
	go escrowReleaser.Start(ctx)

	reminders := scheduler.NewReminderScheduler(db, eventBus, cfg.Reminder.Hour, logging.Component(logger, "reminders"))
	go reminders.Start(ctx)

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(cfg.Database.Path, cfg.Backup, logger)
		go backupService.Start(ctx)
	}

	httpServer := api.NewHTTPServer(cfg.Server, db, bookingService, verifyWorker, cfg.Gateway.WebhookSecret, logging.Component(logger, "http"))
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("HTTP server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = httpServer.Shutdown(shutdownCtx)

	// Start's internal drain bounds the wait, so this join cannot hang.
	<-workerDone
	return err
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, err
	}

	return cfg, logger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		logger.Warn().Msg("redis not configured, verify queue runs on memory and polling only")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Queue still works off sqlite polling, so boot continues.
		logger.Warn().Err(err).Msg("redis unreachable at startup")
	}
	return client
}

// subscribeLifecycleEvents wires the default consumers. Notification and
// chat surfaces live in other services; here every event is at least
// logged so the lifecycle is traceable.
func subscribeLifecycleEvents(bus *events.EventBus, logger *zerolog.Logger) {
	eventLogger := logging.Component(logger, "events")
	logEvent := func(event *events.Event) error {
		var payload events.BookingEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		eventLogger.Info().
			Str("event", event.Type).
			Int64("booking_id", payload.BookingID).
			Str("status", payload.Status).
			Str("reference", payload.Reference).
			Msg("lifecycle event")
		return nil
	}

	for _, eventType := range []string{
		events.EventBookingRequested,
		events.EventBookingApproved,
		events.EventBookingDeclined,
		events.EventBookingConfirmed,
		events.EventBookingCancelled,
		events.EventBookingCompleted,
		events.EventPaymentFailed,
		events.EventEscrowReleased,
		events.EventBookingReminder,
		events.EventReviewReminder,
	} {
		bus.Subscribe(eventType, logEvent)
	}
}

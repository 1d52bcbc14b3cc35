package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"tg_events/internal/api"
	"tg_events/internal/config"
	"tg_events/internal/domain"
	"tg_events/internal/lock"
	"tg_events/internal/media"
	"tg_events/internal/publisher"
	"tg_events/internal/scheduler"
	"tg_events/internal/service"
	"tg_events/internal/storage/memory"
	"tg_events/internal/storage/sqlstore"
	"tg_events/internal/telegram"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Setup logger
	logger := setupLogger("info")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open event store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var opts []service.IngestorOption

	var pub service.Publisher
	if cfg.RabbitMQ.URL != "" {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to rabbitmq", "error", err)
			os.Exit(1)
		}
		defer rabbitMQ.Close()
		pub = rabbitMQ
		opts = append(opts, service.WithPublisher(rabbitMQ))
	}

	if cfg.Redis.Addr != "" {
		sweepLock, err := lock.NewRedisLock(ctx, lock.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.LockKey,
			TTL:      cfg.Redis.LockTTL,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer sweepLock.Close()
		opts = append(opts, service.WithLocker(sweepLock))
	}

	tg := telegram.NewConnector(cfg.Telegram, logger)
	connector := service.ConnectFunc(func(ctx context.Context, mode domain.LoginMode) (service.FeedSession, error) {
		sess, err := tg.Connect(ctx, mode)
		if err != nil {
			return nil, err
		}
		return sess, nil
	})

	fetcher := media.NewFetcher(media.Config{
		Root:        cfg.Media.Root,
		MaxAttempts: cfg.Media.MaxAttempts,
		BaseDelay:   cfg.Media.BaseDelay,
	}, logger)

	defaults := cfg.Polling.SweepOptions()
	defaults.LoginMode = cfg.Telegram.LoginMode

	ingestor := service.NewIngestor(connector, store, fetcher, cfg.Telegram.Channels, defaults, logger, opts...)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(api.Deps{
			Store:     store,
			Sweeper:   ingestor,
			Publisher: pub,
			Telegram:  cfg.Telegram,
			MediaRoot: fetcher.Root(),
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var sched *scheduler.Scheduler
	schedDone := make(chan error, 1)
	if cfg.PollingReady() {
		sched = scheduler.NewScheduler(ingestor, defaults, cfg.Polling.Interval, logger)
		go func() { schedDone <- sched.Run(ctx) }()
		logger.Info("polling enabled",
			"channels", len(cfg.Telegram.Channels),
			"interval", cfg.Polling.Interval,
			"login_mode", cfg.Telegram.LoginMode,
		)
	} else {
		logger.Warn("polling disabled",
			"enabled", cfg.Polling.Enabled,
			"channels", len(cfg.Telegram.Channels),
			"login_mode", cfg.Telegram.LoginMode,
		)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		logger.Error("http server error", "error", err)
		exitCode = 1
	}

	if sched != nil {
		// An in-flight sweep runs to completion before Run returns.
		sched.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}

	if sched != nil {
		if err := <-schedDone; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler error", "error", err)
		}
	}

	cancel()
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// openStore selects the durable store when a database is configured.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (service.EventStore, func(), error) {
	if !cfg.Durable() {
		logger.Info("using in-memory event store")
		return memory.NewEventStore(), func() {}, nil
	}

	db, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, nil, err
	}
	if err := sqlstore.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}

	logger.Info("connected to database", "driver", cfg.Driver)
	return sqlstore.NewEventStore(db), func() { db.Close() }, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lalith-99/relaychat/internal/api"
	"github.com/lalith-99/relaychat/internal/chat"
	"github.com/lalith-99/relaychat/internal/config"
	"github.com/lalith-99/relaychat/internal/db"
	"github.com/lalith-99/relaychat/internal/observ"
	"github.com/lalith-99/relaychat/internal/pubsub"
	"github.com/lalith-99/relaychat/internal/repository/postgres"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	pool := database.Pool()
	userRepo := postgres.NewUserStore(pool)
	chatRepo := postgres.NewChatStore(pool)
	messageRepo := postgres.NewMessageStore(pool)

	transport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	bus := pubsub.NewBus(transport, pubsub.Options{
		ReadyTimeout:     cfg.BusReadyTimeout,
		HealthInterval:   cfg.BusHealthInterval,
		ReconnectBackoff: cfg.BusReconnectBackoff,
		QueueSize:        cfg.BusQueueSize,
	}, logger)
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("close bus", zap.Error(err))
		}
	}()

	// Not fatal: sends still persist while the bus is down, and health
	// reports 503 until it recovers.
	if err := bus.WaitReady(ctx); err != nil {
		logger.Warn("bus not ready at startup", zap.Error(err))
	}

	svc := chat.NewService(chatRepo, messageRepo, bus, chat.Options{
		MaxContentLength:    cfg.MaxContentLength,
		HistoryDefaultLimit: cfg.HistoryDefaultLimit,
		HistoryMaxLimit:     cfg.HistoryMaxLimit,
		PublishTimeout:      cfg.PublishTimeout,
		GeneralChatSlug:     cfg.GeneralChatSlug,
		GeneralChatName:     cfg.GeneralChatName,
	}, logger)
	if _, err := svc.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	if err := api.RegisterValidators(); err != nil {
		return fmt.Errorf("register validators: %w", err)
	}
	engine := api.NewRouter(api.Handlers{
		Health:   api.NewHealthHandler(database, bus, svc, cfg.InstanceID),
		Users:    api.NewUserHandler(userRepo, cfg.JWTSecret, cfg.TokenTTL, logger),
		Chats:    api.NewChatHandler(svc, logger),
		Messages: api.NewMessageHandler(svc, logger),
		Stream:   api.NewStreamHandler(svc, cfg.WSWriteTimeout, cfg.WSPongWait, logger),
	}, cfg.JWTSecret, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting relaychat",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("bus", cfg.BusDriver),
		)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; closing
	// the bus afterwards ends their subscriptions.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (pubsub.Transport, error) {
	switch cfg.BusDriver {
	case config.BusDriverRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		opts.DialTimeout = cfg.BusDialTimeout
		dialCtx, cancel := context.WithTimeout(ctx, cfg.BusDialTimeout)
		defer cancel()
		return pubsub.NewRedisTransport(dialCtx, opts)
	case config.BusDriverNATS:
		return pubsub.NewNATSTransport(cfg.NatsURL, "relaychat-"+cfg.InstanceID, cfg.BusDialTimeout, logger)
	case config.BusDriverMemory:
		logger.Warn("memory bus only delivers within this process")
		return pubsub.NewBroker().Transport(), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"placechat-backend/internal/config"
	"placechat-backend/internal/database"
	"placechat-backend/internal/handler"
	"placechat-backend/internal/middleware"
	"placechat-backend/internal/permission"
	"placechat-backend/internal/repository"
	"placechat-backend/internal/service"
	"placechat-backend/internal/storage"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.RunMigrations(ctx, db, ""); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Repositories
	messageRepo := repository.NewMessageRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	directoryRepo := repository.NewDirectoryRepository(db)
	productRepo := repository.NewProductRepository(db)

	// Services
	metrics := service.NewMetrics(prometheus.DefaultRegisterer)
	resolver := permission.NewResolver(directoryRepo, cfg.RoleCacheTTL)
	broker := service.NewBroker(resolver, directoryRepo, cfg.SessionBuffer, metrics)

	var (
		publisher service.Publisher    = broker
		roles     service.RoleNotifier = broker
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		bridge := service.NewRedisBridge(rdb, cfg.RedisChannel, broker)
		go bridge.Run(ctx)
		publisher, roles = bridge, bridge
		slog.Info("redis fan-out enabled", "channel", cfg.RedisChannel)
	}

	relay := service.NewOutboxRelay(outboxRepo, publisher, cfg.OutboxPollInterval, cfg.OutboxBatchSize, metrics)
	messageRepo.OnCommit(relay.Wake)
	go relay.Run(ctx)

	messageSvc := service.NewMessageService(messageRepo, resolver, directoryRepo, productRepo, roles, slog.Default())
	uploader := storage.NewUploader(storage.Config{
		CloudName: cfg.UploadCloudName,
		APIKey:    cfg.UploadAPIKey,
		APISecret: cfg.UploadAPISecret,
		Folder:    cfg.UploadFolder,
		MaxBytes:  cfg.UploadMaxBytes,
	})

	// Fiber app
	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BodyLimit:    cfg.UploadMaxBytes + 1<<20,
	})

	app.Use(recover.New())
	app.Use(middleware.Logger(slog.Default(), 500*time.Millisecond))
	app.Use(cors.New())

	// Health and metrics
	healthH := handler.NewHealthHandler(db, broker.OnlineCount)
	app.Get("/health", healthH.Health)
	app.Get("/ready", healthH.Ready)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api/v1")

	// Server-to-server, registered before the JWT group
	serverH := handler.NewServerHandler(messageSvc)
	server := v1.Group("/server", middleware.ServerKey(cfg.ServerKey))
	server.Post("/places/:id/roles/invalidate", serverH.InvalidateRoles)

	protected := v1.Group("", middleware.Auth(cfg.JWTSecret))

	msgH := handler.NewMessageHandler(messageSvc)
	protected.Get("/me/roles", msgH.Roles)
	protected.Get("/places/:id/roster", msgH.Roster)

	protected.Get("/conversations", msgH.ListConversations)
	protected.Get("/conversations/:placeId/:counterpartyId/messages", msgH.ConversationMessages)
	protected.Post("/conversations/:placeId/:counterpartyId/read", msgH.MarkConversationRead)

	protected.Post("/messages", middleware.RateLimit(60, time.Minute), msgH.Send)
	protected.Post("/messages/read", msgH.MarkRead)
	protected.Get("/messages", msgH.Query)

	uploadH := handler.NewUploadHandler(uploader, cfg.UploadMaxBytes)
	protected.Post("/uploads", middleware.RateLimit(20, time.Minute), uploadH.Upload)

	// WebSocket
	wsH := handler.NewWSHandler(broker, messageSvc.ViewerContext, cfg.JWTSecret)
	app.Get("/ws", wsH.Upgrade)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	slog.Info("placechat backend running", "port", cfg.Port, "env", cfg.Env)

	<-ctx.Done()
	slog.Info("shutting down")
	_ = app.ShutdownWithTimeout(5 * time.Second)

	// Publish anything committed during shutdown before the pool closes.
	drainCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	relay.DrainAll(drainCtx)
	cancel()
	slog.Info("server stopped")
}

func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.IsProduction() {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

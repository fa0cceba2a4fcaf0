package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	httpAdapter "github.com/moolai/realtime-gateway/internal/adapters/primary/http"
	mw "github.com/moolai/realtime-gateway/internal/adapters/primary/http/middleware"
	"github.com/moolai/realtime-gateway/internal/adapters/primary/socket"
	"github.com/moolai/realtime-gateway/internal/adapters/primary/stream"
	"github.com/moolai/realtime-gateway/internal/adapters/secondary/redisbus"
	"github.com/moolai/realtime-gateway/internal/auth"
	"github.com/moolai/realtime-gateway/internal/config"
	"github.com/moolai/realtime-gateway/internal/core/domain"
	"github.com/moolai/realtime-gateway/internal/core/ports"
	"github.com/moolai/realtime-gateway/internal/core/services"
	"github.com/moolai/realtime-gateway/internal/infrastructure/logging"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	})

	logger.Info("starting service",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	// Each process instance gets a unique source name so backbone
	// listeners can skip events this instance already delivered locally.
	serviceName := cfg.App.Name + "-" + uuid.NewString()

	// 3. Initialize Event Backbone
	ctx := context.Background()
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	bus := redisbus.NewEventBus(redisClient, serviceName, logger,
		redisbus.WithPrefix(cfg.Redis.ChannelPrefix),
		redisbus.WithReplayWindow(cfg.Redis.ReplayMaxLen, cfg.Redis.ReplayTTL),
	)

	startCtx, cancelStart := context.WithTimeout(ctx, cfg.Redis.ConnectTimeout)
	backboneUp := true
	if err := bus.Start(startCtx); err != nil {
		// A dead backbone degrades to single-instance delivery; it never
		// prevents the gateway from serving local connections.
		backboneUp = false
		logger.Warn("event backbone unavailable, running local-only", "error", err)
	}
	cancelStart()
	if backboneUp {
		logger.Info("event backbone connected", "addr", cfg.Redis.Addr)
	}

	// 4. Initialize Security & Core Services
	tokenManager := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.AccessTokenTTL)
	registry := services.NewChannelRegistry(logger)
	commandRouter := services.NewCommandRouter(logger)

	// 5. Connection Managers (Primary Adapters)
	streamManager := stream.NewManager(stream.Config{
		ServiceName:       serviceName,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
	}, registry, bus, bus, logger)
	streamManager.RegisterBackboneListeners()

	socketManager := socket.NewManager(socket.Config{
		ServiceName:          serviceName,
		MaxConnectionsPerOrg: cfg.Socket.MaxConnectionsPerOrg,
		PingInterval:         cfg.Socket.PingInterval,
		AuthTimeout:          cfg.Socket.AuthTimeout,
	}, registry, bus, tokenManager, commandRouter, logger)
	socketManager.RegisterBackboneListeners()

	runCtx, cancelRun := context.WithCancel(ctx)
	go socketManager.Run(runCtx)
	if !backboneUp {
		// Keep retrying in the background so the gateway picks the
		// backbone up when Redis recovers instead of staying local-only
		// until a restart.
		go bus.StartWithRetry(runCtx)
	}

	eventRouter := services.NewEventRouter(serviceName, streamManager, socketManager)

	registerCommands(commandRouter, registry, socketManager, eventRouter)

	// 6. Rate Limiters
	var generalRateLimiter *mw.RateLimiter
	var publishLimiter *mw.RateLimitByKey
	if cfg.RateLimit.Enabled {
		generalRateLimiter = mw.NewRateLimiter(mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   time.Minute,
			TTL:               3 * time.Minute,
		})
		publishLimiter = mw.NewRateLimitByKey(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize)
	}

	// 7. Handlers (Primary Adapters)
	errorHandler := httpAdapter.NewErrorHandler(logger)
	streamHandler := httpAdapter.NewStreamHandler(streamManager, tokenManager, errorHandler, logger)
	socketHandler := httpAdapter.NewSocketHandler(socketManager, cfg, logger)
	publishHandler := httpAdapter.NewPublishHandler(eventRouter, registry, publishLimiter, errorHandler, logger)
	channelHandler := httpAdapter.NewChannelHandler(registry, errorHandler, logger)
	statsHandler := httpAdapter.NewStatsHandler(streamManager, socketManager, registry, errorHandler, logger)
	healthHandler := httpAdapter.NewHealthHandler(bus, cfg.App.Version)

	// 8. Setup Router
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(logger))
	r.Use(mw.RecoveryLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Socket.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Apply general rate limiting if enabled
	if generalRateLimiter != nil {
		r.Use(generalRateLimiter.Middleware)
	}

	// Health check endpoints (outside /api/v1 for standard probe paths)
	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/health/live", healthHandler.HandleLiveness)
	r.Get("/health/ready", healthHandler.HandleReadiness)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Streaming and socket endpoints authenticate inside the handler
		r.Get("/stream", streamHandler.ServeHTTP)
		r.Get("/ws/{organizationID}", socketHandler.ServeHTTP)

		// Protected REST routes
		r.Group(func(r chi.Router) {
			r.Use(mw.JWTMiddleware(tokenManager))
			r.Route("/channels", func(r chi.Router) {
				r.Post("/", channelHandler.HandleCreate)
				r.Post("/defaults", channelHandler.HandleCreateDefaults)
				r.Get("/", channelHandler.HandleList)
				r.Get("/subscriptions", channelHandler.HandleSubscriptions)
			})
			r.Route("/stats", func(r chi.Router) {
				r.Get("/connections", statsHandler.HandleConnections)
				r.Get("/organization", statsHandler.HandleOrganization)
			})
		})
	})

	// Internal producer surface
	r.Route("/internal/v1", func(r chi.Router) {
		r.Use(mw.JWTMiddleware(tokenManager))
		r.Post("/events", publishHandler.ServeHTTP)
	})

	// 9. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:        cfg.Server.Port,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays zero: streaming responses and socket
		// sessions outlive any fixed write deadline.
		WriteTimeout: 0,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting new connections first, then tear down the live ones
	// and the backbone.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	cancelRun()
	if err := bus.Stop(shutdownCtx); err != nil {
		logger.Warn("event bus shutdown error", "error", err)
	}

	logger.Info("server shutdown complete")
}

// registerCommands wires the built-in socket commands.
func registerCommands(
	router *services.CommandRouter,
	registry ports.ChannelRegistry,
	socketManager *socket.Manager,
	publisher ports.Publisher,
) {
	router.Register("get_stats", func(ctx context.Context, sender domain.ConnectionInfo, msg *domain.Message) (*domain.Message, error) {
		stats := socketManager.GetConnectionStats()
		return domain.NewMessage(domain.MessageTypeSuccess, map[string]any{
			"connections": stats,
		}), nil
	})

	router.Register("get_subscriptions", func(ctx context.Context, sender domain.ConnectionInfo, msg *domain.Message) (*domain.Message, error) {
		subs := registry.GetUserSubscriptions(sender.OrganizationID, sender.UserID)
		return domain.NewMessage(domain.MessageTypeSuccess, map[string]any{
			"channels": subs,
		}), nil
	})

	router.RegisterAdmin("org_broadcast", func(ctx context.Context, sender domain.ConnectionInfo, msg *domain.Message) (*domain.Message, error) {
		data, _ := msg.Data["data"].(map[string]any)
		if err := publisher.PublishToOrganization(ctx, sender.OrganizationID, domain.EventAdminCommand, data); err != nil {
			return nil, err
		}
		return domain.NewMessage(domain.MessageTypeSuccess, map[string]any{
			"message": "Broadcast sent",
		}), nil
	})
}

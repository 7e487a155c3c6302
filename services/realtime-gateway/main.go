package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chorus/services/realtime-gateway/config"
	"chorus/services/realtime-gateway/db"
	"chorus/services/realtime-gateway/handlers"
	"chorus/services/realtime-gateway/middleware"
	"chorus/services/realtime-gateway/services"
	"chorus/services/realtime-gateway/utils"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	logger := utils.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	database, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}

	// Connect to Redis
	redisClient, err := services.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", "error", err)
	}
	defer redisClient.Close()

	metrics := services.NewMetrics(prometheus.DefaultRegisterer)
	store := db.NewStore(database)

	// Initialize services
	ephemeral := services.NewEphemeralStore(redisClient, services.StoreOptions{
		MaxRetries:      cfg.StoreRetryMax,
		InitialInterval: cfg.StoreRetryInitial,
		MaxInterval:     cfg.StoreRetryMaxWait,
	}, logger, metrics)

	instanceID := uuid.NewString()
	router := services.NewRouter(store, redisClient, instanceID, logger.With("component", "router"), metrics)
	if err := router.Start(ctx); err != nil {
		logger.Fatal("Failed to start room router", "error", err)
	}

	presence := services.NewPresenceService(ephemeral, router, cfg.PresenceMode, cfg.PresenceTTL(), logger.With("component", "presence"), metrics)
	typing := services.NewTypingService(ephemeral, store, router, cfg.TypingTTL, logger.With("component", "typing"), metrics)
	paginator := services.NewPaginator(store, store, services.PaginationOptions{
		DefaultLimit: cfg.PageDefaultLimit,
		MaxLimit:     cfg.PageMaxLimit,
	}, logger.With("component", "pagination"), metrics)

	verifier := middleware.NewTokenVerifier(cfg.JWTSecret)
	manager := services.NewConnectionManager(verifier, presence, typing, router, ephemeral, services.ConnectionOptions{
		SessionRecovery: cfg.SessionRecovery,
	}, logger.With("component", "connections"), metrics)

	logger.Info("Presence configured",
		"mode", string(presence.Mode()),
		"ttl", cfg.PresenceTTL(),
		"instance_id", instanceID,
	)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.Logger(logger))

	handlers.Routes{
		Verifier:  verifier,
		WebSocket: handlers.NewWebSocketHandler(manager, cfg, logger.With("component", "websocket")),
		Messages:  handlers.NewMessageHandler(paginator, logger),
		Presence:  handlers.NewPresenceHandler(presence, typing, logger),
		Health: handlers.NewHealthHandler(map[string]handlers.Pinger{
			"redis":    ephemeral,
			"database": store,
		}, logger),
		Metrics: promhttp.Handler(),
	}.Register(engine)

	// Create HTTP server. No write timeout: websocket connections are
	// long-lived and manage their own write deadlines.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     engine,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting Realtime Gateway", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// Hijacked websocket connections are not tracked by the http server.
	closed := manager.Shutdown(shutdownCtx)
	logger.Info("Closed websocket sessions", "count", closed)

	router.Stop()

	logger.Info("Server exited")
}

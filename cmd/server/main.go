// Collaboration service: real-time shared code editing and session lifecycle.
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

	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/bus"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/config"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/doc"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/gateway"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/lifecycle"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/middleware"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting collaboration service",
		"port", cfg.Port,
		"replica_id", cfg.ReplicaID,
		"dev", cfg.IsDevelopment())

	// Initialize persistence.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Document cache and connection hub.
	cache := doc.NewCache(doc.Config{
		InactivityThreshold: cfg.Lifecycle.DocInactivity,
	})
	hub := gateway.NewHub()

	// Replication bus: Redis when configured, in-process otherwise.
	remote := gateway.RemoteHandler(cache, hub)
	var replication bus.Bus
	if cfg.RedisAddr != "" {
		redisBus, err := bus.NewRedisBus(bus.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.ReplicaID, remote)
		if err != nil {
			slog.Error("Failed to connect to replication bus", "error", err)
			os.Exit(1)
		}
		replication = redisBus
		slog.Info("Replication bus connected", "addr", cfg.RedisAddr)
	} else {
		replication = bus.NewBroker().Attach(cfg.ReplicaID, remote)
		slog.Info("Running single-replica with in-process bus")
	}
	defer func() {
		if closeErr := replication.Close(); closeErr != nil {
			slog.Error("Failed to close replication bus", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Drain outbound document updates onto the bus.
	go bus.Pump(ctx, replication, cache.Outbound())

	// Lifecycle policies.
	closer := lifecycle.NewCloser(repo, cache, repo, replication, hub)
	supervisor := lifecycle.NewSupervisor(closer, cfg.Lifecycle)
	supervisor.Start(ctx)
	defer supervisor.Stop()

	// Handlers.
	api := gateway.NewAPI(repo, cache, closer, cfg.Lifecycle.RejoinGrace)
	wsHandler := gateway.NewWSHandler(repo, repo, cache, replication, hub,
		cfg.MaxDocBytes, cfg.Lifecycle.RejoinGrace, cfg.FrontendURL, cfg.IsDevelopment())

	// Router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	api.RegisterRoutes(r)
	r.Get("/ws/sessions/{sessionID}", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived WebSocket connections
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// Package main is the entry point for the relay API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/streamlane/chat-relay/internal/config"
	"github.com/streamlane/chat-relay/internal/handler"
	"github.com/streamlane/chat-relay/internal/llm"
	"github.com/streamlane/chat-relay/internal/middleware"
	natsclient "github.com/streamlane/chat-relay/internal/nats"
	"github.com/streamlane/chat-relay/internal/service"
	"github.com/streamlane/chat-relay/internal/store"
	"github.com/streamlane/chat-relay/pkg/logger"
	"github.com/streamlane/chat-relay/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting relay API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-relay", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Initialize the persistence backend
	st, ready, cleanup, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
		os.Exit(1)
	}
	defer cleanup()

	// Initialize the upstream client
	llmClient, err := llm.NewOpenAIClient(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey)
	if err != nil {
		log.Error("failed to create upstream client", zap.Error(err))
		os.Exit(1)
	}

	// Initialize services
	conversationSvc := service.NewConversationService(st, log)
	turnSvc := service.NewTurnService(st, llmClient, cfg, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(ready)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	messageHandler := handler.NewMessageHandler(conversationSvc, log)
	streamHandler := handler.NewStreamHandler(turnSvc, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Get("/messages", messageHandler.List)
				r.Post("/stream", streamHandler.Turn)
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// openStore builds the persistence backend named by STORE_DRIVER and returns
// it with a readiness probe and a cleanup function.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, func() bool, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		st := store.NewMemoryStore()
		return st, func() bool { return true }, func() {}, nil

	case "nats":
		client, err := natsclient.Connect(natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, nil, nil, err
		}
		st, err := store.NewJetStreamStore(ctx, client)
		if err != nil {
			client.Close()
			return nil, nil, nil, err
		}
		return st, client.IsConnected, client.Close, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		st, err := store.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		ready := func() bool {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return pool.Ping(pingCtx) == nil
		}
		return st, ready, pool.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

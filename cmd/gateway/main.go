package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/modelbridge/modelbridge/config"
	"github.com/modelbridge/modelbridge/internal/client"
	"github.com/modelbridge/modelbridge/internal/proxy"
	"github.com/modelbridge/modelbridge/internal/telemetry"
	"github.com/modelbridge/modelbridge/internal/usage"
	"github.com/modelbridge/modelbridge/pkg/model"
	"github.com/modelbridge/modelbridge/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("modelbridge", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	shutdownMeter, err := telemetry.InitMeter("modelbridge", cfg)
	if err != nil {
		log.Fatalf("failed to init meter: %v", err)
	}
	defer shutdownMeter()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init usage store
	usageStore := usage.NewPostgresStore(pool)

	// 6. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 7. Init one client per configured provider
	var clients []*client.Client
	if cfg.OpenAIAPIKey != "" {
		c, err := client.New(client.Config{
			Provider:    model.ProviderOpenAI,
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Timeout:     cfg.RequestTimeout,
			MaxAttempts: cfg.MaxAttempts,
		})
		if err != nil {
			log.Fatalf("failed to init openai client: %v", err)
		}
		clients = append(clients, c)
	}
	if cfg.AnthropicAPIKey != "" {
		c, err := client.New(client.Config{
			Provider:    model.ProviderAnthropic,
			APIKey:      cfg.AnthropicAPIKey,
			BaseURL:     cfg.AnthropicBaseURL,
			Timeout:     cfg.RequestTimeout,
			MaxAttempts: cfg.MaxAttempts,
		})
		if err != nil {
			log.Fatalf("failed to init anthropic client: %v", err)
		}
		clients = append(clients, c)
	}

	// 8. Init router and handler
	router := proxy.NewRouter(clients)
	tracer := otel.GetTracerProvider().Tracer("modelbridge")
	handler := proxy.NewHandler(router, usageStore, limiter, tracer)

	// 9. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"modelbridge"}`))
	})

	r.Post("/v1/chat/completions", handler.HandleComplete)
	r.Post("/v1/chat/completions/stream", handler.HandleCompleteStream)
	r.Get("/v1/usage", handler.HandleUsage)

	// 10. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("modelbridge gateway starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}

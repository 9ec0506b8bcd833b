package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/bus"
	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/config"
	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/httpapi"
	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/store/postgres"
	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup(context.Background(), "call-center")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)
	eventBus := bus.New()
	handler := httpapi.NewHandler(store, eventBus, httpapi.Options{
		AIAPIKey:  cfg.AIAPIKey,
		Heartbeat: cfg.SSEHeartbeat,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.Handle("/", handler.Routes())

	wrapped := otelhttp.NewHandler(
		httpapi.LoggingMiddleware(limiter.Middleware(httpapi.AuthMiddleware(store, mux))),
		"call-center",
	)

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     wrapped,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("call-center listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"portal-runner/internal/accounts"
	"portal-runner/internal/api"
	"portal-runner/internal/audit"
	"portal-runner/internal/config"
	"portal-runner/internal/queue"
	"portal-runner/internal/ratelimit"
	"portal-runner/internal/store"
	"portal-runner/internal/telemetry"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	reg, err := accounts.Load(cfg.AccountsPath)
	if err != nil {
		log.Fatalf("load accounts: %v", err)
	}
	log.Printf("loaded %d portal accounts", reg.Len())

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	q := queue.NewRedisQueue(cfg)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	tracker := audit.NewTracker(st, 256)
	defer tracker.Close()

	server := api.NewServer(cfg, st, q, limiter, reg, tracker)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server,
	}
	go func() {
		log.Printf("api listening on :%s", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", telemetry.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	_ = metricsServer.Shutdown(shutdownCtx)
}

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

	"portal-runner/internal/accounts"
	"portal-runner/internal/audit"
	"portal-runner/internal/browser"
	"portal-runner/internal/captcha"
	"portal-runner/internal/config"
	"portal-runner/internal/queue"
	"portal-runner/internal/session"
	"portal-runner/internal/store"
	"portal-runner/internal/telemetry"
	"portal-runner/internal/worker"
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

	locators, err := browser.LoadLocators(cfg.LocatorConfigPath)
	if err != nil {
		log.Fatalf("load locators: %v", err)
	}

	controller := browser.NewController(cfg, locators)
	defer controller.Close()
	go controller.RunIdleLoop(ctx)

	pool := session.NewPool(controller, st, cfg)
	defer pool.Shutdown()

	publisher, err := captcha.NewPublisher(ctx, cfg)
	if err != nil {
		log.Fatalf("captcha publisher: %v", err)
	}

	tracker := audit.NewTracker(st, 256)
	defer tracker.Close()

	q := queue.NewRedisQueue(cfg)
	w := worker.New(cfg, st, q, pool, reg, tracker, publisher)

	go w.RunParkPoller(ctx)
	go w.RunSweeper(ctx)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", telemetry.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()

	log.Println("worker consuming operations")
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("worker stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	log.Println("worker shut down")
}

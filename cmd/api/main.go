package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/envelope-budget/backend/internal/config"
	"github.com/envelope-budget/backend/internal/httpapi"
	"github.com/envelope-budget/backend/internal/obs"
	"github.com/envelope-budget/backend/internal/store/sqlstore"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := sqlstore.Open(cfg.DSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	api := httpapi.New(
		httpapi.ReadyProbe{DB: store.DB()},
		version,
		store,
		httpapi.WithJWTSecret(cfg.JWTSecret),
		httpapi.WithRateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting envelope-budget-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = store.Close()
	log.Println("Stopped")
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raybit/mailmate/internal/api"
	"github.com/raybit/mailmate/internal/auth"
	"github.com/raybit/mailmate/internal/config"
	"github.com/raybit/mailmate/internal/gmail"
	"github.com/raybit/mailmate/internal/mailer"
	"github.com/raybit/mailmate/internal/newsletter"
	"github.com/raybit/mailmate/internal/ratelimit"
	"github.com/raybit/mailmate/internal/store"
	"github.com/raybit/mailmate/internal/tracking"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	st, err := store.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	limiter, err := ratelimit.New(ctx, cfg.Redis.Addr, cfg.Redis.SendPerMinute)
	if err != nil {
		log.Fatalf("ratelimit: %v", err)
	}
	defer limiter.Close()

	authManager := auth.NewManager(cfg.Google, cfg.Server.FrontendURL, st)
	gmailClient := gmail.NewClient(&http.Client{Timeout: cfg.Google.Timeout()})

	tracker := tracking.NewService(st)
	trackingHandler := tracking.NewHandler(tracker)

	composer := mailer.NewComposer(gmailClient, st, tracker, cfg.Tracking.BaseURL)
	reconciler := mailer.NewReconciler(gmailClient, st)
	ledger := newsletter.NewLedger(st)

	if cfg.Newsletter.Enabled {
		sender, err := newsletter.NewSender(ctx, cfg.Newsletter)
		if err != nil {
			log.Fatalf("newsletter sender: %v", err)
		}
		digest := newsletter.NewDigestBuilder(cfg.Newsletter.Subject, cfg.Newsletter.FeedURL)
		scheduler, err := newsletter.NewScheduler(cfg.Newsletter, ledger, digest, sender)
		if err != nil {
			log.Fatalf("newsletter scheduler: %v", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	handlers := api.NewHandlers(authManager, gmailClient, st, composer, reconciler, ledger, limiter, cfg.Tracking.BaseURL)
	server := api.NewServer(cfg.Server, handlers, authManager, trackingHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.Printf("listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

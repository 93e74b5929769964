package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/somnolog/somnolog/internal/backup"
	"github.com/somnolog/somnolog/internal/database"
	"github.com/somnolog/somnolog/internal/email"
	"github.com/somnolog/somnolog/internal/interpreter"
	"github.com/somnolog/somnolog/internal/logging"
	"github.com/somnolog/somnolog/internal/push"
	"github.com/somnolog/somnolog/internal/server"
	billing "github.com/somnolog/somnolog/internal/stripe"
)

func main() {
	godotenv.Load()

	logger := logging.Setup(os.Getenv("SOMNOLOG_LOG_LEVEL"), os.Getenv("SOMNOLOG_LOG_FORMAT"))

	port := envOr("SOMNOLOG_PORT", "8080")
	dbPath := envOr("SOMNOLOG_DB_PATH", "somnolog.db")
	baseURL := envOr("SOMNOLOG_BASE_URL", "http://localhost:"+port)

	shareSecret := os.Getenv("SOMNOLOG_SHARE_SECRET")
	if shareSecret == "" {
		log.Fatal("SOMNOLOG_SHARE_SECRET is required")
	}

	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	stripeClient := billing.NewClient(billing.Config{
		SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		BasicPriceID:  os.Getenv("STRIPE_PRICE_BASIC"),
		ProPriceID:    os.Getenv("STRIPE_PRICE_PRO"),
		Currency:      os.Getenv("STRIPE_CURRENCY"),
	})

	interpreterClient := interpreter.NewClient(
		os.Getenv("INTERPRETER_ENDPOINT"),
		os.Getenv("INTERPRETER_API_KEY"),
	)

	emailClient := email.NewClient(
		os.Getenv("POSTMARK_SERVER_TOKEN"),
		envOr("SOMNOLOG_FROM_EMAIL", "hello@somnolog.app"),
		baseURL,
	)

	pushService := push.NewService(
		os.Getenv("VAPID_PUBLIC_KEY"),
		os.Getenv("VAPID_PRIVATE_KEY"),
	)

	srv := server.New(db, server.Config{
		BaseURL:     baseURL,
		ShareSecret: []byte(shareSecret),
	}, stripeClient, interpreterClient, emailClient, pushService, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backupMgr := backup.NewManager(backup.Config{
		S3: backup.S3Config{
			Endpoint:  os.Getenv("BACKUP_S3_ENDPOINT"),
			Bucket:    os.Getenv("BACKUP_S3_BUCKET"),
			Region:    envOr("BACKUP_S3_REGION", "auto"),
			AccessKey: os.Getenv("BACKUP_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("BACKUP_S3_SECRET_KEY"),
		},
		DBPath:        dbPath,
		Passphrase:    os.Getenv("BACKUP_PASSPHRASE"),
		Hour:          envInt("BACKUP_HOUR_UTC", 3),
		RetentionDays: envInt("BACKUP_RETENTION_DAYS", 30),
	}, db, logger.With("component", "backup"))
	backupMgr.Start(ctx)
	defer backupMgr.Stop()

	// Hourly cleanup of expired sessions and stale rate-limit entries.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := srv.SessionStore().DeleteExpired(); err != nil {
					logger.Error("session cleanup failed", "error", err)
				}
				srv.RateLimiter().Cleanup()
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("somnolog listening", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Package main implements the notification fan-out service for the
// handbook platform: forum events arrive as authenticated webhooks and
// are fanned out to handbook members as in-app notifications and emails.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"handbook-notifier/email"
	"handbook-notifier/fanout"
	"handbook-notifier/server"
	"handbook-notifier/sink"
	storagepkg "handbook-notifier/storage"
)

// config gathers everything read from the environment. It is assembled
// once here and injected; nothing else reads env vars.
type config struct {
	Port          string
	DatabasePath  string
	BaseURL       string
	WebhookSecret string
	ServiceKey    string
	JWTSecret     string
	BrevoAPIKey   string
	EmailFrom     string
	EmailFromName string
	GoogleCreds   string
	FailureBucket string
	LocalFailures string
}

func loadConfig() config {
	cfg := config{
		Port:          os.Getenv("PORT"),
		DatabasePath:  os.Getenv("DATABASE_PATH"),
		BaseURL:       os.Getenv("BASE_URL"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		ServiceKey:    os.Getenv("SERVICE_API_KEY"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		BrevoAPIKey:   os.Getenv("BREVO_API_KEY"),
		EmailFrom:     os.Getenv("EMAIL_FROM"),
		EmailFromName: os.Getenv("EMAIL_FROM_NAME"),
		GoogleCreds:   os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		FailureBucket: os.Getenv("FAILURE_BUCKET"),
		LocalFailures: os.Getenv("LOCAL_FAILURE_PATH"),
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "./data/notifier.db"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:3000"
	}
	if cfg.EmailFrom == "" {
		cfg.EmailFrom = "notiser@example.se"
	}
	if cfg.EmailFromName == "" {
		cfg.EmailFromName = "Handboken"
	}
	return cfg
}

func main() {
	ctx := context.Background()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if cfg.WebhookSecret == "" && cfg.ServiceKey == "" {
		logger.Error("WEBHOOK_SECRET or SERVICE_API_KEY required")
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET environment variable required")
		os.Exit(1)
	}

	// Failure sink: Cloud Storage in production, local directory otherwise.
	failureSink, cleanup, err := initSink(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize failure sink", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	provider, err := initProvider(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize email provider", "error", err)
		os.Exit(1)
	}

	store, err := storagepkg.Open(cfg.DatabasePath, logger)
	if err != nil {
		logger.Error("Failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close database", "error", err)
		}
	}()

	dispatcher := email.NewDispatcher(provider, failureSink, logger, cfg.BaseURL)
	service := fanout.New(store, dispatcher, failureSink, logger)

	srv := server.New(&server.Config{
		FanOut:        service,
		Store:         store,
		Logger:        logger,
		WebhookSecret: cfg.WebhookSecret,
		ServiceKey:    cfg.ServiceKey,
		JWTSecret:     cfg.JWTSecret,
	})

	if err := srv.Start(cfg.Port); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// initProvider picks the email backend: Brevo when an API key is set,
// Gmail when Google credentials are set, mock otherwise.
func initProvider(ctx context.Context, cfg config, logger *slog.Logger) (email.Provider, error) {
	if cfg.BrevoAPIKey != "" {
		logger.Info("Using Brevo email provider", "from", cfg.EmailFrom)
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.EmailFrom, cfg.EmailFromName, logger), nil
	}

	if cfg.GoogleCreds != "" {
		service, err := gmail.NewService(ctx, option.WithCredentialsJSON([]byte(cfg.GoogleCreds)))
		if err != nil {
			return nil, fmt.Errorf("init gmail service: %w", err)
		}
		logger.Info("Using Gmail email provider")
		return email.NewGmailProvider(service, logger), nil
	}

	logger.Info("Mock email mode enabled (no provider credentials)")
	return email.NewMockProvider(logger), nil
}

func initSink(ctx context.Context, cfg config, logger *slog.Logger) (*sink.Store, func(), error) {
	if cfg.FailureBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		logger.Info("Failure sink using Cloud Storage", "bucket", cfg.FailureBucket)
		return sink.New(client, cfg.FailureBucket, "", logger), cleanup, nil
	}

	localPath := cfg.LocalFailures
	if localPath == "" {
		localPath = "./data/failures"
	}
	if err := os.MkdirAll(localPath, 0o755); err != nil {
		return nil, nil, err
	}
	logger.Info("Failure sink using local directory", "path", localPath)
	return sink.New(nil, "", localPath, logger), func() {}, nil
}

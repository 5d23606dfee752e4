// Package main implements a LinkedIn job-listing watcher: it runs configured
// job searches against one authenticated session, reconciles the results into
// a local ledger, and emails a digest of newly discovered listings.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"linkedin-watcher/config"
	"linkedin-watcher/email"
	"linkedin-watcher/extract"
	"linkedin-watcher/reconcile"
	"linkedin-watcher/server"
	"linkedin-watcher/session"
	"linkedin-watcher/store"
	"linkedin-watcher/watch"
)

func main() {
	configPath := flag.String("config", "watcher.yaml", "path to the config file")
	serve := flag.Bool("serve", false, "run the HTTP server with a scheduler instead of a single run")
	stats := flag.Bool("stats", false, "print ledger stats and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Credentials come from the environment; .env is a development nicety.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to load .env file", "error", err)
	}

	if err := run(context.Background(), logger, *configPath, *serve, *stats); err != nil {
		logger.Error("Watcher failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string, serve, stats bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close database", "error", err)
		}
	}()

	if stats {
		s, err := db.Stats(ctx)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(s)
	}

	client, err := extract.New(logger, cfg.Scrape.MaxPages, cfg.Scrape.PageSize)
	if err != nil {
		return err
	}

	artifacts, cleanup, err := buildArtifactStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	creds, autoLogin := config.LoadCredentials()
	sessions := session.NewManager(artifacts, client, session.Config{
		AutoLogin:        autoLogin,
		Credentials:      creds,
		ChallengeTimeout: cfg.ChallengeTimeout(),
		ChallengePoll:    cfg.ChallengePoll(),
	}, logger)

	engine := reconcile.New(db, reconcile.Config{
		DegradedThreshold: cfg.Reconcile.DegradedThreshold,
	}, logger)

	notifier, err := buildNotifier(ctx, cfg, logger)
	if err != nil {
		return err
	}

	runner := watch.New(client, sessions, engine, notifier, cfg.Searches,
		watch.Config{RequireAuth: cfg.Session.RequireAuth}, logger)

	if !serve {
		summary, err := runner.RunOnce(ctx)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(summary)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %dh", cfg.Serve.IntervalHours), func() {
		if _, err := runner.RunOnce(ctx); err != nil {
			logger.Error("Scheduled run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule runs: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()
	logger.Info("Scheduler started", "interval_hours", cfg.Serve.IntervalHours)

	srv := server.New(&server.Config{
		Runner: runner,
		Ledger: db,
		Logger: logger,
	})
	return srv.ListenAndServe(cfg.Serve.Port)
}

// buildArtifactStore picks the session artifact backend: a GCS object when a
// bucket is configured (serve mode on Cloud Run), the local file otherwise.
func buildArtifactStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (session.ArtifactStore, func(), error) {
	if cfg.Session.Bucket == "" {
		return session.NewFileStore(cfg.Session.ArtifactPath, logger), func() {}, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize storage client: %w", err)
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return session.NewGCSStore(client, cfg.Session.Bucket, cfg.Session.Object, logger), cleanup, nil
}

// buildNotifier assembles the digest sender, or nil when notification is
// disabled.
func buildNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (watch.Notifier, error) {
	var provider email.Provider
	switch cfg.Notify.Provider {
	case "":
		return nil, nil
	case "mock":
		provider = email.NewMockProvider(logger)
	case "gmail":
		service, err := initGmailService(ctx)
		if err != nil {
			return nil, fmt.Errorf("initialize Gmail service: %w", err)
		}
		provider = email.NewGmailProvider(service, logger)
	case "brevo":
		apiKey := os.Getenv("BREVO_API_KEY")
		if apiKey == "" {
			return nil, errors.New("BREVO_API_KEY required for the brevo provider")
		}
		provider = email.NewBrevoProvider(apiKey, cfg.Notify.From, "LinkedIn Watcher", logger)
	default:
		return nil, fmt.Errorf("unknown notify provider %q", cfg.Notify.Provider)
	}
	return email.New(provider, cfg.Notify.To, logger), nil
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	// Explicit credentials first; Cloud Run falls back to Application
	// Default Credentials with the service account's gmail.send scope.
	if credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON"); credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	if os.Getenv("K_SERVICE") != "" {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

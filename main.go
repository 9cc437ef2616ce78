package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ecoffie/market-assassin-sub003/internal/accesscode"
	"github.com/ecoffie/market-assassin-sub003/internal/adminauth"
	"github.com/ecoffie/market-assassin-sub003/internal/catalog"
	"github.com/ecoffie/market-assassin-sub003/internal/config"
	"github.com/ecoffie/market-assassin-sub003/internal/counterstore"
	"github.com/ecoffie/market-assassin-sub003/internal/email"
	"github.com/ecoffie/market-assassin-sub003/internal/entitlement"
	"github.com/ecoffie/market-assassin-sub003/internal/handlers"
	"github.com/ecoffie/market-assassin-sub003/internal/logger"
	"github.com/ecoffie/market-assassin-sub003/internal/ratelimit"
	"github.com/ecoffie/market-assassin-sub003/internal/storage"
	"github.com/ecoffie/market-assassin-sub003/internal/token"
	"github.com/ecoffie/market-assassin-sub003/internal/usage"
	"github.com/ecoffie/market-assassin-sub003/internal/version"
	"github.com/ecoffie/market-assassin-sub003/internal/webhook"
)

const memoryURL = "memory://"

// quotaFamilies get a usage tracker each.
var quotaFamilies = []string{"market-assassin", "content-engine"}

func main() {
	if err := run(); err != nil {
		logger.Error("Server exited with error", map[string]interface{}{"error": err.Error()})
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run() error {
	if _, err := version.Load("VERSION"); err != nil {
		logger.Debug("No VERSION file, using build version", map[string]interface{}{"version": version.Version})
	}

	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Env,
		Release:          version.Version,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openCounterStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	db, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	cat := catalog.Default()
	if cfg.CatalogFile != "" {
		if cat, err = catalog.Load(cfg.CatalogFile); err != nil {
			return err
		}
	}

	notifier, err := email.New(cfg)
	if err != nil {
		return err
	}

	resolver := entitlement.NewResolver(store, cat, entitlement.WithMirror(db))
	issuers := []*token.Issuer{
		token.NewIssuer(store, token.MarketAssassin),
		token.NewIssuer(store, token.Database),
	}
	trackers := make([]*usage.Tracker, 0, len(quotaFamilies))
	for _, family := range quotaFamilies {
		trackers = append(trackers, usage.NewTracker(store, resolver, cat, family))
	}

	pipeline, err := webhook.NewPipeline(webhook.Config{
		LiveSecret:   cfg.StripeWebhookSecret,
		TestSecret:   cfg.StripeTestWebhookSecret,
		Storage:      db,
		Resolver:     resolver,
		Issuers:      issuers,
		LineItems:    webhook.StripeLineItems{LiveKey: cfg.StripeKeyFor(false), TestKey: cfg.StripeKeyFor(true)},
		Notifier:     notifier,
		RecentEvents: cfg.RecentEventsCapacity,
		PublicURL:    cfg.PublicURL,
	})
	if err != nil {
		return err
	}

	admin := adminauth.New(cfg.AdminPassword)
	if !admin.Configured() {
		logger.Warn("ADMIN_PASSWORD is not set, every admin request will be rejected")
	}

	server := handlers.NewServer(handlers.Deps{
		Config:      cfg,
		Store:       store,
		Storage:     db,
		Resolver:    resolver,
		AccessCodes: accesscode.NewManager(store),
		Issuers:     issuers,
		Trackers:    trackers,
		Limiter:     ratelimit.New(store),
		Admin:       admin,
		Webhook:     pipeline,
		Notifier:    notifier,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Entitlement API starting", map[string]interface{}{
			"version": version.Version,
			"port":    cfg.Port,
			"env":     cfg.Env,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openCounterStore connects to Redis, or to an in-process store when
// REDIS_URL is memory:// outside production.
func openCounterStore(ctx context.Context, cfg *config.Config) (counterstore.Store, func(), error) {
	if cfg.RedisURL == memoryURL {
		if cfg.IsProduction() {
			return nil, nil, errors.New("REDIS_URL=memory:// is not allowed in production")
		}
		logger.Warn("Using in-memory counter store; state is lost on restart")
		return counterstore.NewMemoryStore(), func() {}, nil
	}

	rs, err := counterstore.Connect(ctx, cfg.RedisURL, cfg.RedisTimeout)
	if err != nil {
		return nil, nil, err
	}
	return rs, func() {
		if err := rs.Close(); err != nil {
			logger.Warn("Failed to close Redis client", map[string]interface{}{"error": err.Error()})
		}
	}, nil
}

func openStorage(cfg *config.Config) (storage.Storage, error) {
	if cfg.DatabaseURL == memoryURL {
		if cfg.IsProduction() {
			return nil, errors.New("DATABASE_URL=memory:// is not allowed in production")
		}
		logger.Warn("Using in-memory purchase ledger; state is lost on restart")
		return storage.NewMemoryStorage(), nil
	}
	return storage.NewSQLiteStorage(strings.TrimPrefix(cfg.DatabaseURL, "sqlite://"))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/crosslogic/metering/internal/billing"
	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/internal/gateway"
	"github.com/crosslogic/metering/internal/metering"
	"github.com/crosslogic/metering/internal/notifications"
	"github.com/crosslogic/metering/internal/quota"
	"github.com/crosslogic/metering/internal/snapshot"
	"github.com/crosslogic/metering/internal/store/postgres"
	"github.com/crosslogic/metering/internal/subscription"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/database"
	"github.com/crosslogic/metering/pkg/events"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *database.Database
	cache   *cache.Cache
	bus     *events.Bus
	sweeper *billing.Sweeper
	gateway *gateway.Gateway
	// notifier is nil when outbound notifications are disabled.
	notifier *notifications.Service
}

func openDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*database.Database, error) {
	db, err := database.NewDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("connected to database")
	return db, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, logger); err != nil {
			db.Close()
			return nil, err
		}
	}

	a := &app{cfg: cfg, logger: logger, db: db}

	// Redis is optional: without it the snapshot cache always misses and
	// webhook de-duplication stays in process.
	var kv snapshot.KV
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewCache(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("redis unavailable, continuing without snapshot cache", zap.Error(err))
		} else {
			a.cache = redisCache
			kv = redisCache
			logger.Info("connected to Redis")
		}
	}

	a.bus = events.NewBus(logger)
	registerEventLogging(a.bus, logger)

	if cfg.Notifications.Enabled {
		var dedupe notifications.Deduper
		if a.cache != nil {
			dedupe = a.cache
		}
		sender := notifications.NewWebhookSender(cfg.Notifications.WebhookURL, cfg.Notifications.WebhookSecret, logger)
		a.notifier = notifications.NewService(cfg.Notifications, sender, dedupe, logger)
		a.notifier.Subscribe(a.bus)
	}

	st := postgres.New(db)
	snaps := snapshot.New(kv, cfg.Metering.SnapshotTTL, cfg.Metering.CacheTimeout, logger)

	subs := subscription.NewService(st, snaps, a.bus, logger)
	meter := quota.NewMeter(st, logger)
	gate := metering.NewGate(subs, meter, st, snaps, a.bus, logger)

	reconciler := billing.NewReconciler(st, subs, snaps, a.bus, logger)
	webhooks := billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, reconciler, subs, a.cache, a.bus, logger)
	a.sweeper = billing.NewSweeper(st, subs, snaps, a.bus, logger)

	deps := map[string]gateway.HealthChecker{"postgres": db}
	if a.cache != nil {
		deps["redis"] = a.cache
	}

	a.gateway = gateway.NewGateway(gateway.Options{
		Metering:       gate,
		Subscriptions:  subs,
		Webhooks:       http.HandlerFunc(webhooks.HandleWebhook),
		Sweeper:        a.sweeper,
		Dependencies:   deps,
		AdminToken:     cfg.Security.AdminAPIToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MetricsPath:    cfg.Monitoring.MetricsPath,
		RequestTimeout: cfg.Server.WriteTimeout,
	}, logger)

	return a, nil
}

// serve runs the HTTP server and the background jobs until ctx is done.
func (a *app) serve(ctx context.Context) error {
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:      a.gateway,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.sweeper.Start(gctx, a.cfg.Billing.CycleResetInterval)
		return nil
	})

	if a.cfg.Monitoring.Enabled {
		a.gateway.StartHealthMetrics(gctx)
	}

	if a.notifier != nil {
		a.notifier.Start(gctx)
		g.Go(func() error {
			a.notifier.Wait()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server forced to shutdown", zap.Error(err))
		}
		if err := a.bus.Drain(shutdownCtx); err != nil {
			a.logger.Warn("event handlers still running at shutdown", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	a.logger.Info("server exited")
	return err
}

func (a *app) close() {
	if a.cache != nil {
		a.cache.Close()
	}
	a.db.Close()
}

// registerEventLogging records billing-relevant domain events in the service log.
func registerEventLogging(bus *events.Bus, logger *zap.Logger) {
	log := func(ctx context.Context, e events.Event) error {
		logger.Info("domain event",
			zap.String("event_type", string(e.Type)),
			zap.String("event_id", e.ID),
			zap.String("account_id", e.AccountID),
			zap.Any("payload", e.Payload),
		)
		return nil
	}
	for _, t := range []events.EventType{
		events.EventQuotaExceeded,
		events.EventQuotaWarning,
		events.EventSubscriptionDowngraded,
		events.EventTopUpPurchased,
		events.EventPaymentFailed,
	} {
		bus.Subscribe(t, log)
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/example/ridenow/internal/auth"
	"github.com/example/ridenow/internal/config"
	"github.com/example/ridenow/internal/dispatch"
	"github.com/example/ridenow/internal/events"
	"github.com/example/ridenow/internal/fare"
	"github.com/example/ridenow/internal/geo"
	httpapi "github.com/example/ridenow/internal/http"
	"github.com/example/ridenow/internal/logging"
	"github.com/example/ridenow/internal/offer"
	"github.com/example/ridenow/internal/payments"
	"github.com/example/ridenow/internal/routing"
	"github.com/example/ridenow/internal/storage"
	"github.com/example/ridenow/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("shutdown close", "error", err)
			}
		}
	}()

	store, closeStore := buildStore(ctx, cfg, logger)
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	var tracker geo.Tracker = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		closers = append(closers, rg.Close)
		tracker = rg
	}

	publisher := buildPublisher(cfg, logger)
	closers = append(closers, publisher.Close)

	wsreg := dispatch.NewWSRegistry()
	notifier := dispatch.Multi{wsreg}
	if cfg.StateWebhookURL != "" {
		notifier = append(notifier, dispatch.NewWebhookNotifier(cfg.StateWebhookURL))
	}

	var router routing.Router = routing.StraightLine{}
	if cfg.OSRMEndpoint != "" {
		router = routing.NewOSRMClient(cfg.OSRMEndpoint)
	}
	if cfg.RouteCacheTTL > 0 {
		router = &routing.CachedRouter{Next: router, Cache: routing.NewCache(cfg.RouteCacheTTL)}
	}

	var gateway payments.Gateway = payments.Simulated{}
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeClient(cfg.StripeAPIKey, cfg.StripePaymentMethod)
	}

	trips := trip.NewManager(trip.Config{
		SearchDelay:      cfg.SearchDelay,
		RejectDelay:      cfg.RejectDelay,
		StepInterval:     cfg.StepInterval,
		PaymentDelay:     cfg.PaymentDelay,
		PersistTimeout:   cfg.PersistTimeout,
		Currency:         cfg.Currency,
		IdleTTL:          cfg.TripIdleTTL,
		MaxTripsPerRider: cfg.MaxRiderTrips,
	}, trip.Deps{
		Router:   router,
		Store:    store,
		Gateway:  gateway,
		Tracker:  tracker,
		Events:   publisher,
		Notifier: notifier,
		Fares:    fare.New(fare.Config{PricePerKm: cfg.FarePricePerKm, Variance: cfg.FareVariance, Increment: cfg.FareIncrement}, nil),
		Offers:   offer.NewGenerator(nil),
		Logger:   logger,
	})
	closers = append(closers, func() error { trips.Close(); return nil })
	go trips.Janitor(ctx)

	srv := httpapi.NewServer(httpapi.Options{
		Trips:          trips,
		Store:          store,
		Tracker:        tracker,
		WSReg:          wsreg,
		Verifier:       auth.NewVerifier(cfg.JWTSecret),
		Logger:         logger,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		TrustProxy:     cfg.TrustProxy,
	})
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set; trusting " + auth.DevRiderHeader + " header")
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("ridenow listening", "addr", cfg.HTTPAddr)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("ridenow stopped")
}

// buildStore opens Postgres when PG_DSN is set and falls back to memory when
// it is not, or when the database is unreachable.
func buildStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.TripStore, func() error) {
	if cfg.PGDSN == "" {
		logger.Info("PG_DSN not set; trips are kept in memory")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDriver, cfg.PGDSN)
	if err != nil {
		logger.Error("postgres unavailable; falling back to memory store", "driver", cfg.PGDriver, "error", err)
		return storage.NewMemoryStore(), nil
	}
	if cfg.RunMigrations {
		if err := migrate(ctx, ps, cfg.MigrationsDir, logger); err != nil {
			logger.Error("migration failed", "error", err)
		}
	}
	return ps, ps.Close
}

func migrate(ctx context.Context, ps *storage.PostgresStore, dir string, logger *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := ps.DB().ExecContext(ctx, string(b)); err != nil {
			return err
		}
		logger.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}

func buildPublisher(cfg config.ServerConfig, logger *slog.Logger) events.Publisher {
	var pubs events.Multi
	if len(cfg.KafkaBrokers) > 0 {
		pubs = append(pubs, events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic))
	}
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Error("rabbitmq unavailable; trip events not sent there", "error", err)
		} else {
			pubs = append(pubs, p)
		}
	}
	if len(pubs) == 0 {
		return events.Nop{}
	}
	return pubs
}

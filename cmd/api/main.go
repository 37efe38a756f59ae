package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rentflow/internal/api"
	"rentflow/internal/config"
	"rentflow/internal/database"
	"rentflow/internal/domain"
	"rentflow/internal/events"
	"rentflow/internal/gateway"
	"rentflow/internal/lock"
	"rentflow/internal/logging"
	"rentflow/internal/metrics"
	"rentflow/internal/models"
	"rentflow/internal/notify"
	"rentflow/internal/pricing"
	"rentflow/internal/service"
	"rentflow/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	equipment, err := loadEquipment(cfg, &logger)
	if err != nil {
		return err
	}

	db, err := database.NewDBWithTimeout(cfg.Database.Path, cfg.Database.BusyTimeoutMS, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()
	db.SetBookingPrefix(cfg.Pricing.BookingPrefix)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer func() { _ = lock.Close(redisClient) }()
	}

	gw, err := gateway.New(cfg.Gateway, &logger)
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}
	notifier, err := notify.New(cfg.Notifications, &logger)
	if err != nil {
		return fmt.Errorf("init notifier: %w", err)
	}

	eventBus := events.NewEventBus()
	eventBus.OnError(func(event *events.Event, err error) {
		logger.Error().Err(err).Str("event", event.Type).Msg("event handler failed")
	})

	notifications := worker.NewNotificationWorker(db, notifier, redisClient, worker.NewRetryPolicy(cfg.Notifications.Retry), &logger)
	notifications.Subscribe(eventBus)

	svc := buildServices(cfg, db, gw, newLocker(redisClient, &logger), equipment, eventBus, &logger)

	scheduler, err := buildScheduler(cfg, db, svc.Holds, &logger)
	if err != nil {
		return err
	}

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
	}

	httpServer := api.NewHTTPServer(cfg.API, svc, &logger)

	// Settle whatever a previous run left in flight before taking traffic.
	if report, err := svc.Holds.ReconcileHolds(ctx); err != nil {
		logger.Error().Err(err).Msg("startup reconciliation")
	} else if report.Checked > 0 {
		logger.Info().Interface("report", report).Msg("startup reconciliation")
	}

	return serve(ctx, cfg, httpServer, notifications, scheduler, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

// loadEquipment prefers inline rate sheets and falls back to EQUIPMENT_PATH.
func loadEquipment(cfg *config.Config, logger *zerolog.Logger) ([]models.RateSheet, error) {
	if len(cfg.Equipment) > 0 {
		return cfg.Equipment, nil
	}

	path := os.Getenv("EQUIPMENT_PATH")
	if path == "" {
		path = "configs/equipment.yaml"
	}
	sheets, err := config.LoadEquipment(path)
	if err != nil {
		logger.Error().Err(err).Str("equipment_path", path).Msg("load equipment")
		return nil, err
	}
	logger.Info().Int("count", len(sheets)).Msg("equipment loaded")
	return sheets, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := lock.NewRedisClient(cfg.Redis)
	if err := lock.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = lock.Close(client)
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func newLocker(redisClient *redis.Client, logger *zerolog.Logger) domain.Locker {
	memory := lock.NewMemoryLocker()
	if redisClient == nil {
		logger.Warn().Msg("using in-process booking locks")
		return memory
	}
	return lock.NewFailoverLocker(lock.NewRedisLocker(redisClient), memory, logger)
}

func buildServices(
	cfg *config.Config,
	db *database.DB,
	gw gateway.Gateway,
	locker domain.Locker,
	equipment []models.RateSheet,
	eventBus *events.EventBus,
	logger *zerolog.Logger,
) api.Services {
	engine := pricing.NewEngine(pricing.Config{
		TaxRateBps:              cfg.Pricing.TaxRateBps,
		DeliveryZones:           cfg.Pricing.DeliveryZones,
		DefaultDeliveryFeeCents: cfg.Pricing.DefaultDeliveryFeeCents,
		ServiceRadiusKm:         cfg.Pricing.ServiceRadiusKm,
		SurchargePerKmCents:     cfg.Pricing.SurchargePerKmCents,
		RejectOutsideRadius:     cfg.Pricing.RejectOutsideRadius,
		InsuranceDailyCents:     cfg.Pricing.InsuranceDailyCents,
		OperatorDailyCents:      cfg.Pricing.OperatorDailyCents,
	})

	completion := service.NewCompletionService(db, db, eventBus, logger)
	balance := service.NewBalanceService(db, completion, eventBus, logger)
	holds := service.NewHoldService(db, gw, locker, completion, eventBus,
		service.NewHoldConfig(cfg.Holds, cfg.Scheduler.SweepBatchSize), logger)

	return api.Services{
		Bookings:   service.NewBookingService(db, engine, equipment, holds, eventBus, logger),
		Holds:      holds,
		Payments:   service.NewPaymentService(db, balance, completion, eventBus, logger),
		Balance:    balance,
		Completion: completion,
	}
}

func buildScheduler(cfg *config.Config, db *database.DB, holds *service.HoldService, logger *zerolog.Logger) (*worker.Scheduler, error) {
	if !cfg.Scheduler.Enabled {
		return nil, nil
	}

	s := worker.NewScheduler(10*time.Minute, logger)
	if err := s.AddJob("security_holds", cfg.Scheduler.SecurityHolds, func(ctx context.Context) error {
		report, err := holds.ProcessDueSecurityHolds(ctx)
		if report.Due > 0 {
			logger.Info().Interface("report", report).Msg("security hold sweep")
		}
		return err
	}); err != nil {
		return nil, err
	}
	if err := s.AddJob("reconciliation", cfg.Scheduler.Reconciliation, func(ctx context.Context) error {
		report, err := holds.ReconcileHolds(ctx)
		if report.Checked > 0 {
			logger.Info().Interface("report", report).Msg("hold reconciliation")
		}
		return err
	}); err != nil {
		return nil, err
	}

	backups := database.NewBackupService(db, cfg.Backup, logger)
	if err := s.AddJob("backups", cfg.Scheduler.Backups, backups.Run); err != nil {
		return nil, err
	}
	return s, nil
}

func serve(
	ctx context.Context,
	cfg *config.Config,
	httpServer *api.HTTPServer,
	notifications *worker.NotificationWorker,
	scheduler *worker.Scheduler,
	logger *zerolog.Logger,
) error {
	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.HTTP.Enabled {
		g.Go(httpServer.Start)
	}

	g.Go(func() error {
		notifications.Start(gctx)
		return nil
	})

	if scheduler != nil {
		scheduler.Start()
	}

	var metricsServer *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Bool("scheduler", scheduler != nil).Msg("rentflow started")

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if scheduler != nil {
			scheduler.Stop()
		}
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("rentflow stopped")
	return nil
}

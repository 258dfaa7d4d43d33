// Package app wires configuration, infrastructure, and the control-plane
// components (store, crypto, registration API, scheduler, queue consumer,
// maintenance) into the runnable "api", "scheduler", "worker", and
// "maintenance" modes. Grounded on the teacher's internal/app.Run: connect
// infra once, branch on mode, run until ctx is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/npcloud/internal/config"
	"github.com/wisbric/npcloud/internal/httpserver"
	"github.com/wisbric/npcloud/internal/platform"
	"github.com/wisbric/npcloud/internal/store"
	"github.com/wisbric/npcloud/internal/telemetry"
	"github.com/wisbric/npcloud/pkg/crypto"
	"github.com/wisbric/npcloud/pkg/maintenance"
	"github.com/wisbric/npcloud/pkg/queue"
	"github.com/wisbric/npcloud/pkg/registration"
	"github.com/wisbric/npcloud/pkg/scheduler"
)

// Run is the main application entry point. Given the loaded config, it
// connects to infrastructure and starts the mode selected by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting npcloud", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		return fmt.Errorf("running global migrations: %w", err)
	}
	logger.Info("global migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	keyRing, err := crypto.NewKeyRing(cfg.CloudPrivateKeysJSON, cfg.CloudActiveKid)
	if err != nil {
		return fmt.Errorf("building cloud key ring: %w", err)
	}

	jwksPublisher, err := crypto.NewJWKSPublisher(cfg.CloudJWKSJSON)
	if err != nil {
		return fmt.Errorf("building jwks publisher: %w", err)
	}

	st := store.New(db)
	if err := seedSigningKeys(ctx, st, keyRing, jwksPublisher); err != nil {
		return fmt.Errorf("seeding cloud signing keys: %w", err)
	}
	logger.Info("cloud signing keys seeded", "active_kid", keyRing.ActiveKid())

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, keyRing, jwksPublisher)
	case "scheduler":
		return runScheduler(ctx, cfg, logger, db, rdb)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb, keyRing)
	case "maintenance":
		return runMaintenanceOnce(ctx, cfg, logger, db)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// seedSigningKeys upserts every key the cloud is configured with into the
// cloud_signing_keys table: each private key the ring holds (active, or
// grace if not the active kid), plus any published JWKS entry that has no
// corresponding private key (a retained grace key verifiable but no longer
// signed with).
func seedSigningKeys(ctx context.Context, st *store.Store, keyRing *crypto.KeyRing, jwksPublisher *crypto.JWKSPublisher) error {
	privateKids := make(map[string]bool)
	for _, kid := range keyRing.Kids() {
		privateKids[kid] = true

		status := store.KeyGrace
		if kid == keyRing.ActiveKid() {
			status = store.KeyActive
		}
		material, err := keyRing.JWKJSON(kid)
		if err != nil {
			return fmt.Errorf("marshalling private key material for kid %q: %w", kid, err)
		}
		if err := st.UpsertCloudSigningKey(ctx, kid, status, material); err != nil {
			return fmt.Errorf("seeding signing key %q: %w", kid, err)
		}
	}

	for _, entry := range jwksPublisher.Entries() {
		if privateKids[entry.Kid] {
			continue
		}
		if err := st.UpsertCloudSigningKey(ctx, entry.Kid, store.KeyGrace, entry.RawJSON); err != nil {
			return fmt.Errorf("seeding published signing key %q: %w", entry.Kid, err)
		}
	}

	return nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, keyRing *crypto.KeyRing, jwksPublisher *crypto.JWKSPublisher) error {
	st := store.New(db)

	regHandler := registration.NewHandler(st, logger, keyRing.ActiveKid())

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, jwksPublisher.ServeHTTP, nil)
	regHandler.Mount(srv.APIRouter, cfg.SignatureWindowMs)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runScheduler drives the minute-granularity tick: scan due instances,
// reserve slots, enqueue deliveries, and run maintenance on the :13 tick.
func runScheduler(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	st := store.New(db)
	q := queue.NewClient(rdb)
	maintainer := maintenance.NewRunner(st, logger, time.Duration(cfg.DispatchMinuteLoadRetentionHours)*time.Hour)

	engine := scheduler.NewEngine(st, q, logger, scheduler.Config{
		MaxDispatchPerMinute:    cfg.MaxDispatchPerMinute,
		MaxSlotLookaheadMinutes: cfg.MaxSlotLookaheadMinutes,
		MaxScheduleScanPerTick:  cfg.MaxScheduleScanPerTick,
		ScheduleBatchLimit:      cfg.ScheduleBatchLimit,
	}, maintainer)

	return engine.Run(ctx)
}

// runWorker drives the queue consumer: promote due delayed messages, drain
// the ready queue and the DLQ, dispatching each message to its instance.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, keyRing *crypto.KeyRing) error {
	st := store.New(db)
	q := queue.NewClient(rdb)

	consumer := queue.NewConsumer(st, q, keyRing, logger, queue.Config{
		InstanceTriggerPath:     cfg.InstanceTriggerPath,
		RequestTimeout:          time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
		MaxRetryAttempts:        cfg.MaxRetryAttempts,
		MaxDispatchPerMinute:    cfg.MaxDispatchPerMinute,
		MaxSlotLookaheadMinutes: cfg.MaxSlotLookaheadMinutes,
		CloudIssuer:             cfg.CloudIssuer,
		InstanceAudience:        cfg.InstanceAudience,
		TelemetryRawMaxBytes:    cfg.TelemetryRawMaxBytes,
		TelemetrySchemaVersion:  cfg.TelemetrySchemaVersion,
	})

	promoteTicker := time.NewTicker(time.Second)
	defer promoteTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-promoteTicker.C:
				if _, err := q.PromoteDue(ctx, now); err != nil {
					logger.Error("promoting due dispatch messages", "error", err)
				}
			}
		}
	}()

	mainLoops := cfg.WorkerConcurrency
	if mainLoops < 1 {
		mainLoops = 1
	}

	errCh := make(chan error, mainLoops+1)
	for i := 0; i < mainLoops; i++ {
		go func() {
			errCh <- consumer.RunMainLoop(ctx)
		}()
	}
	go func() {
		errCh <- consumer.RunDLQLoop(ctx)
	}()

	select {
	case <-ctx.Done():
		for i := 0; i < mainLoops+1; i++ {
			<-errCh
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// runMaintenanceOnce runs a single maintenance sweep and exits, for
// deployments that schedule maintenance as a separate cron job rather than
// relying on the scheduler's :13 tick.
func runMaintenanceOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool) error {
	st := store.New(db)
	runner := maintenance.NewRunner(st, logger, time.Duration(cfg.DispatchMinuteLoadRetentionHours)*time.Hour)
	return runner.Run(ctx)
}

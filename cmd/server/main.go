package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/claim"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dedup"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/httpapi"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracker"
	"github.com/example/ride-dispatch/internal/visibility"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("api", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var store storage.RequestStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set; using in-memory request store")
		store = storage.NewMemoryStore()
	}

	var pres presence.Store
	if cfg.RedisAddr != "" {
		pres = presence.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		logger.Warn("REDIS_ADDR not set; using in-memory presence store")
		pres = presence.NewMemoryStore()
	}

	var snapper tracker.Snapper
	if cfg.MapsAPIKey != "" {
		rs, err := tracker.NewRoadsSnapper(cfg.MapsAPIKey)
		if err != nil {
			logger.Error("roads client init failed", "error", err)
			os.Exit(1)
		}
		snapper = rs
	}
	trk := tracker.New(pres, snapper, logger, cfg.ThrottleInterval, cfg.LocationRetries)

	var stripeClient *payments.StripeClient
	if cfg.StripeAPIKey != "" {
		stripeClient = payments.NewStripeClient(cfg.StripeAPIKey)
	}
	var holder claim.Holder
	var settler lifecycle.Settler
	var releaser httpapi.Releaser
	if stripeClient != nil {
		holder = stripeClient
		settler = stripeClient
		releaser = stripeClient
	}

	claims := claim.NewCoordinator(store, holder, logger)
	engine := lifecycle.NewEngine(store, settler, logger)
	filter := visibility.NewFilter(cfg.DispatchRadiusKm)
	wsreg := dispatch.NewWSRegistry()

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
	}

	var etaClient eta.Client
	if cfg.OSRMEndpoint != "" {
		etaClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := &dispatch.Notifier{
		Store:           store,
		Presence:        pres,
		Filter:          filter,
		Deduper:         dedup.New(cfg.DedupTTL, cfg.DedupMaxEntries),
		Offers:          dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey, wsreg),
		Logger:          logger,
		ETAClient:       etaClient,
		ETACache:        eta.NewCache(cfg.DedupTTL),
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		Tick:            cfg.NotifierTick,
	}
	go func() {
		if err := notifier.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("notifier stopped", "error", err)
		}
	}()

	api := httpapi.NewServer(httpapi.Deps{
		Logger:    logger,
		Store:     store,
		Presence:  pres,
		Tracker:   trk,
		Claims:    claims,
		Lifecycle: engine,
		Filter:    filter,
		WSReg:     wsreg,
		Kafka:     kp,
		Releaser:  releaser,
		PinTTL:    cfg.TargetPinTTL,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}

package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payout"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/wallet"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.RunMigrations && cfg.PGDSN != "" {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var geoIndex geo.Index
	if cfg.RedisAddr != "" {
		geoIndex = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.PresenceStale)
		logger.Info("geo index: redis", "addr", cfg.RedisAddr)
	} else {
		geoIndex = geo.NewMemoryIndex(cfg.PresenceStale)
		logger.Info("geo index: in-memory")
	}

	var rideStore rides.Store
	var walletStore wallet.Store
	if cfg.PGDSN != "" {
		rs, err := rides.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("ride store connect failed", "error", err)
			os.Exit(1)
		}
		ws, err := wallet.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("wallet store connect failed", "error", err)
			os.Exit(1)
		}
		rideStore, walletStore = rs, ws
		logger.Info("stores: postgres")
	} else {
		rideStore = rides.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		logger.Info("stores: in-memory")
	}

	router := realtime.NewRouter(logger)
	notifier := realtime.NewNotifier(router)
	registry := rides.NewRegistry(rideStore, notifier, logger)

	var payouts payout.Client
	if cfg.StripeKey != "" {
		payouts = payout.NewStripeClient(cfg.StripeKey, cfg.Currency)
	} else {
		payouts = payout.Noop{Logger: logger}
	}
	ledger := wallet.NewLedger(walletStore, payouts, cfg.Currency, cfg.SettlementDays, logger)

	// Completed rides fund the driver's wallet. The hook runs on the
	// finishing request's goroutine, after the transition committed.
	notifier.On(models.EventRideCompleted, func(ev models.Event) {
		driverID, _ := ev.Fields["driver_id"].(string)
		amount, _ := ev.Fields["final_price"].(models.Money)
		if driverID == "" || amount <= 0 {
			return
		}
		if _, err := ledger.Credit(context.Background(), driverID, amount, "ride:"+ev.RideID()); err != nil {
			logger.Error("ride credit failed", "ride_id", ev.RideID(), "driver_id", driverID, "error", err)
		}
	})

	dispatcher := dispatch.New(dispatch.Config{
		RadiiKm:   cfg.DispatchRadiiKm,
		Limit:     cfg.DispatchLimit,
		OfferTTL:  cfg.OfferTTL,
		MaxRounds: cfg.DispatchRounds,
		Backoff:   cfg.DispatchBackoff,
		SpeedMps:  cfg.DefaultSpeedMps,
	}, geoIndex, registry, router, logger)
	if endpoint := os.Getenv("OSRM_ENDPOINT"); endpoint != "" {
		dispatcher.WithETA(eta.NewOSRMClient(endpoint), eta.NewCache(30*time.Second))
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		logger.Info("location ingest: kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	srv := httpapi.NewServer(registry, dispatcher, ledger, pricing.NewService(cfg.DefaultSpeedMps), geoIndex, router, producer, logger)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Blocked funds mature on a schedule, not on request traffic.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				released, err := ledger.ReleaseDue(ctx, now)
				if err != nil {
					logger.Error("settlement sweep failed", "error", err)
					continue
				}
				if released > 0 {
					logger.Info("settlement sweep", "released", released)
				}
			}
		}
	}()

	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
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

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	// Dispatch policy.
	DispatchRadiiKm []float64     // expanding search radii, per round
	DispatchLimit   int           // candidates per round
	OfferTTL        time.Duration // per-offer deadline
	DispatchRounds  int           // rounds before auto-cancel
	DispatchBackoff time.Duration // pause between empty rounds
	PresenceStale   time.Duration // driver presence expiry
	DefaultSpeedMps float64

	// Wallet policy.
	SettlementDays int           // D+N business-day hold
	SweepInterval  time.Duration // blocked-funds release cadence
	Currency       string

	StripeKey string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		DispatchRadiiKm: []float64{2, 5},
		DispatchLimit:   8,
		OfferTTL:        15 * time.Second,
		DispatchRounds:  3,
		DispatchBackoff: 3 * time.Second,
		PresenceStale:   90 * time.Second,
		DefaultSpeedMps: 10,
		SettlementDays:  1,
		SweepInterval:   time.Minute,
		Currency:        "BRL",
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("DISPATCH_RADII_KM"); v != "" {
		radii, err := parseFloatList(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid DISPATCH_RADII_KM: %w", err))
		} else {
			cfg.DispatchRadiiKm = radii
		}
	}
	setIntFromEnv(&cfg.DispatchLimit, "DISPATCH_LIMIT", &errs)
	setDurationFromEnv(&cfg.OfferTTL, "DISPATCH_OFFER_TTL", &errs)
	setIntFromEnv(&cfg.DispatchRounds, "DISPATCH_ROUNDS", &errs)
	setDurationFromEnv(&cfg.DispatchBackoff, "DISPATCH_BACKOFF", &errs)
	setDurationFromEnv(&cfg.PresenceStale, "PRESENCE_STALE_AFTER", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	setIntFromEnv(&cfg.SettlementDays, "SETTLEMENT_DAYS", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SETTLEMENT_SWEEP_INTERVAL", &errs)
	setStringFromEnv(&cfg.Currency, "WALLET_CURRENCY")

	cfg.StripeKey = os.Getenv("STRIPE_API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.DispatchLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_LIMIT must be > 0"))
	}
	if cfg.DispatchRounds <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_ROUNDS must be > 0"))
	}
	if len(cfg.DispatchRadiiKm) == 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADII_KM must not be empty"))
	}
	if cfg.SettlementDays < 0 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_DAYS must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

func parseFloatList(v string) ([]float64, error) {
	parts := splitAndTrim(v)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

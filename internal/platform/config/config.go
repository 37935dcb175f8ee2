package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultDBMaxOpenConns       = 25
	defaultDBMaxIdleConns       = 5
	defaultDBConnMaxLifetime    = 30 * time.Minute
	defaultRedisDB              = 0
	defaultRatesSource          = RatesSourceCurrencyLayer
	defaultRatesPriceAPIURL     = "https://api.coingecko.com/api/v3"
	defaultRatesCurrencyAPIURL  = "https://api.currencylayer.com"
	defaultRatesTimeout         = 10 * time.Second
	defaultRatesPerSecond       = 5.0
	defaultRatesBurst           = 5
	defaultRatesCacheTTL        = 7 * 24 * time.Hour
	defaultNotificationsTopic   = "order-notifications"
	defaultSettlementInterval   = 30 * time.Second
	defaultSettlementBatch      = 50
	defaultSettlementLease      = 2 * time.Minute
	defaultSettlementAttempts   = 8
	defaultSettlementBaseDelay  = 30 * time.Second
	defaultSettlementMaxDelay   = 30 * time.Minute
	defaultSettlementMaxDueJobs = 500
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultIdempotencyBackend   = IdempotencyBackendMemory
)

// Supported exchange-rate sources.
const (
	RatesSourceCurrencyLayer = "currencylayer"
	RatesSourceStripe        = "stripe"
)

// Supported idempotency record stores.
const (
	IdempotencyBackendMemory    = "memory"
	IdempotencyBackendFirestore = "firestore"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Rates         RatesConfig
	PSP           PSPConfig
	PubSub        PubSubConfig
	Notifications NotificationsConfig
	Settlement    SettlementConfig
	Firestore     FirestoreConfig
	Idempotency   IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds the Postgres connection string and pool limits.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig points at the exchange-rate cache. An empty address disables caching.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RatesConfig configures the crypto price API and the fiat cross-rate source.
type RatesConfig struct {
	Source         string
	PriceAPIURL    string
	PriceAPIKey    string
	CurrencyAPIURL string
	CurrencyAPIKey string
	Timeout        time.Duration
	PerSecond      float64
	Burst          int
	CacheTTL       time.Duration
}

// PSPConfig collects payment provider credentials.
type PSPConfig struct {
	StripeAPIKey string
}

// PubSubConfig locates the notification topic. An empty project disables publishing.
type PubSubConfig struct {
	ProjectID          string
	NotificationsTopic string
}

// NotificationsConfig controls template overrides and the webhook channel.
type NotificationsConfig struct {
	TemplatesFile string
	WebhookURL    string
	WebhookSecret string
}

// SettlementConfig tunes the outbox worker. Values from the settings file fill unset keys.
type SettlementConfig struct {
	SettingsFile string
	Interval     time.Duration
	BatchSize    int
	Lease        time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	// MaxDueJobs is the due backlog above which readiness reports the queue degraded.
	MaxDueJobs int
	Settings   Settings
}

// FirestoreConfig stores the project used by the Firestore idempotency backend.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// ValidationError lists config fields, or raw env keys that failed to parse, which are missing
// or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns the offending names in the order they were found.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// Load builds Config from defaults, the dotenv file, the process environment, explicit values,
// the optional TOML settings file and Secret Manager, in increasing order of precedence except
// for the settings file, which only fills settlement keys the environment leaves unset.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := newLoaderOptions(opts)
	src, err := newSource(o)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         src.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  src.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: src.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  src.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Database: DatabaseConfig{
			URL:             src.str("API_DATABASE_URL", ""),
			MaxOpenConns:    src.integer("API_DATABASE_MAX_OPEN_CONNS", defaultDBMaxOpenConns),
			MaxIdleConns:    src.integer("API_DATABASE_MAX_IDLE_CONNS", defaultDBMaxIdleConns),
			ConnMaxLifetime: src.duration("API_DATABASE_CONN_MAX_LIFETIME", defaultDBConnMaxLifetime),
		},
		Redis: RedisConfig{
			Addr:     src.str("API_REDIS_ADDR", ""),
			Password: src.str("API_REDIS_PASSWORD", ""),
			DB:       src.integer("API_REDIS_DB", defaultRedisDB),
		},
		Rates: RatesConfig{
			Source:         src.lower("API_RATES_SOURCE", defaultRatesSource),
			PriceAPIURL:    src.str("API_RATES_PRICE_API_URL", defaultRatesPriceAPIURL),
			PriceAPIKey:    src.str("API_RATES_PRICE_API_KEY", ""),
			CurrencyAPIURL: src.str("API_RATES_CURRENCY_API_URL", defaultRatesCurrencyAPIURL),
			CurrencyAPIKey: src.str("API_RATES_CURRENCY_API_KEY", ""),
			Timeout:        src.duration("API_RATES_TIMEOUT", defaultRatesTimeout),
			PerSecond:      src.float("API_RATES_PER_SECOND", defaultRatesPerSecond),
			Burst:          src.integer("API_RATES_BURST", defaultRatesBurst),
			CacheTTL:       src.duration("API_RATES_CACHE_TTL", defaultRatesCacheTTL),
		},
		PSP: PSPConfig{StripeAPIKey: src.str("API_PSP_STRIPE_API_KEY", "")},
		PubSub: PubSubConfig{
			ProjectID:          src.str("API_PUBSUB_PROJECT_ID", ""),
			NotificationsTopic: src.str("API_PUBSUB_NOTIFICATIONS_TOPIC", defaultNotificationsTopic),
		},
		Notifications: NotificationsConfig{
			TemplatesFile: src.str("API_NOTIFICATIONS_TEMPLATES_FILE", ""),
			WebhookURL:    src.str("API_NOTIFICATIONS_WEBHOOK_URL", ""),
			WebhookSecret: src.str("API_NOTIFICATIONS_WEBHOOK_SECRET", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: src.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Idempotency: IdempotencyConfig{
			Backend:          src.lower("API_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend),
			Header:           src.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              src.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  src.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: src.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	if cfg.Settlement, err = loadSettlement(src); err != nil {
		return Config{}, err
	}

	resolved, err := resolveSecrets(ctx, &cfg, o.secret)
	if err != nil {
		return Config{}, err
	}
	if err := validate(cfg, src.malformed); err != nil {
		return Config{}, err
	}
	if missing := missingSecrets(o.requiredSecrets, resolved); missing != nil {
		if o.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %v\n", missing)
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

// loadSettlement reads the worker tuning. Environment keys win over the settings file, which
// wins over built-in defaults.
func loadSettlement(src *source) (SettlementConfig, error) {
	path := src.str("API_SETTLEMENT_FILE", "")
	settings, err := LoadSettings(path)
	if err != nil {
		return SettlementConfig{}, err
	}
	if countries := src.list("API_RATES_EURO_COUNTRIES"); len(countries) > 0 {
		settings.EuroCountries = countries
	}
	w := settings.Worker
	return SettlementConfig{
		SettingsFile: path,
		Interval:     src.duration("API_SETTLEMENT_INTERVAL", w.Interval.or(defaultSettlementInterval)),
		BatchSize:    src.integer("API_SETTLEMENT_BATCH_SIZE", positiveOr(w.BatchSize, defaultSettlementBatch)),
		Lease:        src.duration("API_SETTLEMENT_LEASE", w.Lease.or(defaultSettlementLease)),
		MaxAttempts:  src.integer("API_SETTLEMENT_MAX_ATTEMPTS", positiveOr(w.MaxAttempts, defaultSettlementAttempts)),
		BaseBackoff:  src.duration("API_SETTLEMENT_BASE_BACKOFF", w.BaseBackoff.or(defaultSettlementBaseDelay)),
		MaxBackoff:   src.duration("API_SETTLEMENT_MAX_BACKOFF", w.MaxBackoff.or(defaultSettlementMaxDelay)),
		MaxDueJobs:   src.integer("API_SETTLEMENT_MAX_DUE_JOBS", defaultSettlementMaxDueJobs),
		Settings:     settings,
	}, nil
}

// checks collects the names of failed conditions.
type checks []string

func (c *checks) require(ok bool, field string) {
	if !ok {
		*c = append(*c, field)
	}
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func validate(cfg Config, malformed []string) error {
	c := checks(append([]string(nil), malformed...))

	c.require(cfg.Server.Port != "", "Server.Port")
	c.require(!blank(cfg.Database.URL), "Database.URL")
	switch cfg.Rates.Source {
	case RatesSourceCurrencyLayer:
		c.require(!blank(cfg.Rates.CurrencyAPIKey), "Rates.CurrencyAPIKey")
	case RatesSourceStripe:
		c.require(!blank(cfg.PSP.StripeAPIKey), "PSP.StripeAPIKey")
	default:
		c.require(false, "Rates.Source")
	}
	c.require(cfg.Rates.Timeout > 0, "Rates.Timeout")
	c.require(cfg.Rates.PerSecond > 0 && cfg.Rates.Burst > 0, "Rates.RateLimit")
	c.require(cfg.PubSub.ProjectID == "" || !blank(cfg.PubSub.NotificationsTopic), "PubSub.NotificationsTopic")
	c.require(cfg.Notifications.WebhookURL == "" || !blank(cfg.Notifications.WebhookSecret), "Notifications.WebhookSecret")

	s := cfg.Settlement
	c.require(s.Interval > 0, "Settlement.Interval")
	c.require(s.BatchSize > 0, "Settlement.BatchSize")
	c.require(s.Lease > 0, "Settlement.Lease")
	c.require(s.MaxAttempts > 0, "Settlement.MaxAttempts")
	c.require(s.MaxBackoff >= s.BaseBackoff, "Settlement.MaxBackoff")
	c.require(s.MaxDueJobs > 0, "Settlement.MaxDueJobs")

	switch cfg.Idempotency.Backend {
	case IdempotencyBackendMemory:
	case IdempotencyBackendFirestore:
		c.require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	default:
		c.require(false, "Idempotency.Backend")
	}
	c.require(!blank(cfg.Idempotency.Header), "Idempotency.Header")
	c.require(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	c.require(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	c.require(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(c) > 0 {
		return &ValidationError{fields: c}
	}
	return nil
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

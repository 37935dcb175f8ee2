package di

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/commerce-dash/settlement/internal/platform/config"
	"github.com/commerce-dash/settlement/internal/platform/secrets"
	"github.com/commerce-dash/settlement/internal/repositories"
	"github.com/commerce-dash/settlement/internal/repositories/postgres"
	"github.com/commerce-dash/settlement/internal/services"
)

const defaultSecretFallbackFile = ".secrets.local"

// NewSecretFetcher builds the Secret Manager fetcher from API_SECRET_* environment values.
func NewSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = defaultSecretFallbackFile
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project := lookup("API_SECRET_PROJECT_ID"); project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if raw := lookup("API_SECRET_CACHE_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("secrets: parse API_SECRET_CACHE_TTL: %w", err)
		}
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if credentials := lookup("API_SECRET_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// RequiredSecretNames lists the config fields that must resolve to a non-empty value
// for the selected rate source and notification channels.
func RequiredSecretNames(env map[string]string) []string {
	required := []string{"Database.URL"}
	switch strings.ToLower(strings.TrimSpace(env["API_RATES_SOURCE"])) {
	case config.RatesSourceStripe:
		required = append(required, "PSP.StripeAPIKey")
	default:
		required = append(required, "Rates.CurrencyAPIKey")
	}
	if strings.TrimSpace(env["API_NOTIFICATIONS_WEBHOOK_URL"]) != "" {
		required = append(required, "Notifications.WebhookSecret")
	}
	return required
}

// LoadConfig reads the environment and resolves secret references through fetcher.
func LoadConfig(ctx context.Context, env map[string]string, fetcher *secrets.Fetcher) (config.Config, error) {
	opts := []config.Option{config.WithRequiredSecrets(RequiredSecretNames(env)...)}
	if fetcher != nil {
		opts = append(opts, config.WithSecretResolver(fetcher))
	}
	return config.Load(ctx, opts...)
}

// OpenStore connects to Postgres and returns the repository registry.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (*postgres.Store, error) {
	db, err := postgres.Open(ctx, postgres.Config{
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	store, err := postgres.NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// PostgresCheck pings the store's pool. A failed ping marks the service not ready.
func PostgresCheck(store *postgres.Store) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:     "postgres",
		Timeout:  2 * time.Second,
		Critical: true,
		Check: func(ctx context.Context) error {
			return store.DB().PingContext(ctx)
		},
	}
}

// BuildInfoFromEnv reads build metadata injected at deploy time.
func BuildInfoFromEnv(env map[string]string, started time.Time) services.BuildInfo {
	value := func(key, fallback string) string {
		if v := strings.TrimSpace(env[key]); v != "" {
			return v
		}
		return fallback
	}
	return services.BuildInfo{
		Version:     value("API_BUILD_VERSION", "dev"),
		CommitSHA:   value("API_BUILD_COMMIT_SHA", "unknown"),
		Environment: value("API_ENVIRONMENT", "local"),
		StartedAt:   started,
	}
}

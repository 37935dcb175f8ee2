package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/commerce-dash/settlement/internal/di"
	"github.com/commerce-dash/settlement/internal/platform/config"
	"github.com/commerce-dash/settlement/internal/repositories/postgres"
)

// EnvOpener loads configuration the same way the API does and wires the container.
func EnvOpener(logger *zap.Logger) Opener {
	return func(ctx context.Context) (*Runtime, error) {
		if logger == nil {
			logger = zap.NewNop()
		}
		env, err := config.EnvironmentValues()
		if err != nil {
			return nil, fmt.Errorf("read environment: %w", err)
		}
		fetcher, err := di.NewSecretFetcher(ctx, logger, env)
		if err != nil {
			return nil, err
		}
		cfg, err := di.LoadConfig(ctx, env, fetcher)
		if err != nil {
			var missing *config.MissingSecretsError
			if errors.As(err, &missing) {
				err = fmt.Errorf("missing required secrets: %v", missing.RedactedNames())
			}
			return nil, errors.Join(err, fetcher.Close())
		}
		store, err := di.OpenStore(ctx, cfg.Database)
		if err != nil {
			return nil, errors.Join(err, fetcher.Close())
		}
		container, err := di.NewContainer(ctx, cfg, store,
			di.WithLogger(logger),
			di.WithBuildInfo(di.BuildInfoFromEnv(env, time.Now().UTC())),
		)
		if err != nil {
			return nil, errors.Join(err, store.Close(ctx), fetcher.Close())
		}

		return &Runtime{
			Migrate: func(ctx context.Context) error {
				return postgres.Migrate(ctx, store.DB())
			},
			Orders:      store.Orders(),
			Worker:      container.Services.Worker,
			Snapshotter: container.Services.Snapshotter,
			Bonuses:     container.Services.Bonuses,
			Close: func(ctx context.Context) error {
				return errors.Join(container.Close(ctx), fetcher.Close())
			},
		}, nil
	}
}

package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/notifications"
	"github.com/commerce-dash/settlement/internal/platform/config"
	"github.com/commerce-dash/settlement/internal/platform/jobs"
	"github.com/commerce-dash/settlement/internal/platform/observability"
	"github.com/commerce-dash/settlement/internal/rates"
	"github.com/commerce-dash/settlement/internal/repositories"
	"github.com/commerce-dash/settlement/internal/services"
)

// Services bundles the service-layer contracts that handlers and the CLI rely upon.
type Services struct {
	Transitions services.OrderTransitionService
	Worker      *services.SettlementWorkerService
	Snapshotter services.RevenueSnapshotter
	Bonuses     services.BonusEvaluator
	Ledger      services.BalanceLedger
	Stock       services.StockAdjuster
	System      services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services

	closers []func() error
}

// Option customises container construction.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	clock      func() time.Time
	build      services.BuildInfo
	checks     []repositories.DependencyCheck
	publisher  notifications.Publisher
}

// WithLogger sets the base logger; each service gets a named child.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers worker metrics on reg. Without it metrics are not collected.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock overrides time.Now for every service.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithBuildInfo sets the metadata reported by readiness checks.
func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *options) { o.build = info }
}

// WithHealthChecks adds readiness probes such as the Postgres ping.
func WithHealthChecks(checks ...repositories.DependencyCheck) Option {
	return func(o *options) { o.checks = append(o.checks, checks...) }
}

// WithPublisher replaces the Pub/Sub notification publisher.
func WithPublisher(p notifications.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// NewContainer constructs the runtime dependencies from configuration.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	o := options{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	c := &Container{Config: cfg, Repositories: reg}
	svc, err := c.buildServices(ctx, reg, cfg, o)
	if err != nil {
		_ = c.closeResources()
		return nil, err
	}
	c.Services = svc
	return c, nil
}

// Close releases external clients and the repository registry.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	errs := []error{c.closeResources()}
	if c.Repositories != nil {
		errs = append(errs, c.Repositories.Close(ctx))
	}
	return errors.Join(errs...)
}

func (c *Container) closeResources() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) buildServices(ctx context.Context, reg repositories.Registry, cfg config.Config, o options) (Services, error) {
	var svc Services
	logger := o.logger
	eventLogger := func(name string) func(context.Context, string, map[string]any) {
		return observability.EventLogger(logger.Named(name), name)
	}

	zones := rates.NewCurrencyZones(cfg.Settlement.Settings.EuroCountries)
	checks := append([]repositories.DependencyCheck(nil), o.checks...)

	var cache rates.Cache
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.closers = append(c.closers, client.Close)
		redisCache, err := rates.NewRedisCache(client, cfg.Rates.CacheTTL)
		if err != nil {
			return Services{}, fmt.Errorf("build rate cache: %w", err)
		}
		cache = redisCache
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		})
	}

	source, err := buildQuoteSource(cfg, o.clock, eventLogger("rates"))
	if err != nil {
		return Services{}, err
	}
	crossRates, err := rates.NewCrossRates(rates.CrossRatesDeps{
		Store:  reg.ExchangeRates(),
		Source: source,
		Cache:  cache,
		Clock:  o.clock,
		Logger: eventLogger("rates"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cross rates: %w", err)
	}
	spot, err := rates.NewSpotPriceClient(cfg.Rates.PriceAPIURL, cfg.Rates.PriceAPIKey, cfg.Settlement.Settings.AssetIDs,
		rates.WithTimeout(cfg.Rates.Timeout),
		rates.WithRateLimit(cfg.Rates.PerSecond, cfg.Rates.Burst),
	)
	if err != nil {
		return Services{}, fmt.Errorf("build spot price client: %w", err)
	}

	ledger, err := services.NewBalanceLedger(services.BalanceLedgerDeps{
		Points: reg.Points(),
		Clock:  o.clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build balance ledger: %w", err)
	}
	svc.Ledger = ledger

	stock, err := services.NewStockAdjuster(services.StockAdjusterDeps{
		Stock:  reg.Stock(),
		Clock:  o.clock,
		Logger: eventLogger("stock"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build stock adjuster: %w", err)
	}
	svc.Stock = stock

	snapshotter, err := services.NewRevenueSnapshotter(services.RevenueSnapshotterDeps{
		Revenues:   reg.Revenues(),
		Orders:     reg.Orders(),
		Carts:      reg.Carts(),
		Rates:      crossRates,
		Spot:       spot,
		Currencies: zones,
		UnitOfWork: reg,
		Clock:      o.clock,
		Logger:     eventLogger("revenue"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build revenue snapshotter: %w", err)
	}
	svc.Snapshotter = snapshotter

	bonuses, err := services.NewBonusEvaluator(services.BonusEvaluatorDeps{
		Orders:      reg.Orders(),
		Clients:     reg.Clients(),
		Settings:    reg.AffiliateSettings(),
		Revenues:    reg.Revenues(),
		Points:      reg.Points(),
		Ledger:      ledger,
		Snapshotter: snapshotter,
		UnitOfWork:  reg,
		Clock:       o.clock,
		Logger:      eventLogger("bonus"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build bonus evaluator: %w", err)
	}
	svc.Bonuses = bonuses

	composer, dispatcher, err := c.buildNotifications(ctx, reg, cfg, o, eventLogger("notifications"))
	if err != nil {
		return Services{}, err
	}

	var metrics *services.SettlementMetrics
	if o.registerer != nil {
		metrics, err = services.NewSettlementMetrics(o.registerer)
		if err != nil {
			return Services{}, fmt.Errorf("build settlement metrics: %w", err)
		}
	}

	worker, err := services.NewSettlementWorker(services.SettlementWorkerDeps{
		Jobs:          reg.SettlementJobs(),
		Snapshotter:   snapshotter,
		Bonuses:       bonuses,
		Notifications: composer,
		Dispatcher:    dispatcher,
		Metrics:       metrics,
		Lease:         cfg.Settlement.Lease,
		MaxAttempts:   cfg.Settlement.MaxAttempts,
		BaseBackoff:   cfg.Settlement.BaseBackoff,
		MaxBackoff:    cfg.Settlement.MaxBackoff,
		BatchSize:     cfg.Settlement.BatchSize,
		Clock:         o.clock,
		Logger:        eventLogger("settlement"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build settlement worker: %w", err)
	}
	svc.Worker = worker

	transitions, err := services.NewOrderTransitionService(services.OrderTransitionServiceDeps{
		Orders:     reg.Orders(),
		Carts:      reg.Carts(),
		Jobs:       reg.SettlementJobs(),
		Stock:      stock,
		Ledger:     ledger,
		Currencies: zones,
		Trigger:    worker,
		UnitOfWork: reg,
		Clock:      o.clock,
		Logger:     eventLogger("orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order transition service: %w", err)
	}
	svc.Transitions = transitions

	if len(checks) > 0 {
		healthRepo, err := repositories.NewDependencyHealthRepository(checks)
		if err != nil {
			return Services{}, fmt.Errorf("build health repository: %w", err)
		}
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Jobs:             reg.SettlementJobs(),
			MaxDueJobs:       cfg.Settlement.MaxDueJobs,
			Clock:            o.clock,
			Build:            o.build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}

func buildQuoteSource(cfg config.Config, clock func() time.Time, logger func(context.Context, string, map[string]any)) (rates.QuoteSource, error) {
	switch cfg.Rates.Source {
	case config.RatesSourceStripe:
		source, err := rates.NewStripeSource(rates.StripeSourceConfig{
			APIKey: cfg.PSP.StripeAPIKey,
			Clock:  clock,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe rate source: %w", err)
		}
		return source, nil
	default:
		source, err := rates.NewCurrencyLayerClient(cfg.Rates.CurrencyAPIURL, cfg.Rates.CurrencyAPIKey, clock,
			rates.WithTimeout(cfg.Rates.Timeout),
			rates.WithRateLimit(cfg.Rates.PerSecond, cfg.Rates.Burst),
		)
		if err != nil {
			return nil, fmt.Errorf("build currencylayer rate source: %w", err)
		}
		return source, nil
	}
}

func (c *Container) buildNotifications(ctx context.Context, reg repositories.Registry, cfg config.Config, o options, logger func(context.Context, string, map[string]any)) (*notifications.Composer, *notifications.Dispatcher, error) {
	templates, err := notifications.DefaultTemplates()
	if cfg.Notifications.TemplatesFile != "" {
		templates, err = notifications.LoadTemplates(cfg.Notifications.TemplatesFile)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load notification templates: %w", err)
	}

	composer, err := notifications.NewComposer(notifications.ComposerDeps{
		Templates: templates,
		Clients:   reg.Clients(),
		Renderer:  notifications.NewRenderer(),
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build notification composer: %w", err)
	}

	deps := notifications.DispatcherDeps{Publisher: o.publisher, Logger: logger}
	if deps.Publisher == nil && cfg.PubSub.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("build pubsub client: %w", err)
		}
		topic := client.Topic(cfg.PubSub.NotificationsTopic)
		c.closers = append(c.closers, client.Close, func() error {
			topic.Stop()
			return nil
		})
		publisher, err := jobs.NewPubSubNotificationPublisher(topic)
		if err != nil {
			return nil, nil, fmt.Errorf("build notification publisher: %w", err)
		}
		deps.Publisher = publisher
	}
	if cfg.Notifications.WebhookURL != "" {
		webhook, err := notifications.NewHTTPWebhook(notifications.WebhookConfig{
			URL:    cfg.Notifications.WebhookURL,
			Secret: cfg.Notifications.WebhookSecret,
			Clock:  o.clock,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build notification webhook: %w", err)
		}
		deps.Webhook = webhook
	}
	if deps.Publisher == nil && deps.Webhook == nil {
		o.logger.Warn("no notification transport configured; notifications are logged and dropped")
		deps.Publisher = droppingPublisher{logger: logger}
	}

	dispatcher, err := notifications.NewDispatcher(deps)
	if err != nil {
		return nil, nil, fmt.Errorf("build notification dispatcher: %w", err)
	}
	return composer, dispatcher, nil
}

// droppingPublisher stands in for Pub/Sub in local runs.
type droppingPublisher struct {
	logger func(context.Context, string, map[string]any)
}

func (p droppingPublisher) PublishNotification(ctx context.Context, n domain.Notification, channels []domain.NotificationChannel) (string, error) {
	p.logger(ctx, "notifications.publish.dropped", map[string]any{
		"type":           n.Type,
		"organizationId": n.OrganizationID,
		"channels":       len(channels),
		"idempotencyKey": n.IdempotencyKey,
	})
	return "", nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/commerce-dash/settlement/internal/di"
	"github.com/commerce-dash/settlement/internal/handlers"
	"github.com/commerce-dash/settlement/internal/platform/config"
	pfirestore "github.com/commerce-dash/settlement/internal/platform/firestore"
	"github.com/commerce-dash/settlement/internal/platform/idempotency"
	"github.com/commerce-dash/settlement/internal/platform/observability"
	"github.com/commerce-dash/settlement/internal/repositories"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := di.NewSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := di.LoadConfig(ctx, envValues, fetcher)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := di.BuildInfoFromEnv(envValues, startedAt)

	store, err := di.OpenStore(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics, err := observability.NewHTTPMetrics(registry)
	if err != nil {
		logger.Fatal("failed to register http metrics", zap.Error(err))
	}

	checks := []repositories.DependencyCheck{di.PostgresCheck(store)}

	var idempotencyStore idempotency.Store
	var firestoreProvider *pfirestore.Provider
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendFirestore:
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore, pfirestore.WithPingCollection(idempotency.DefaultCollection))
		client, err := firestoreProvider.Client(ctx)
		if err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
		idempotencyStore = idempotency.NewFirestoreStore(client)
		checks = append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Timeout:  2 * time.Second,
			Critical: true,
			Check:    firestoreProvider.Ping,
		})
	default:
		idempotencyStore = idempotency.NewMemoryStore()
	}
	defer func() {
		if err := firestoreProvider.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	container, err := di.NewContainer(ctx, cfg, store,
		di.WithLogger(logger),
		di.WithRegisterer(registry),
		di.WithBuildInfo(buildInfo),
		di.WithHealthChecks(checks...),
	)
	if err != nil {
		_ = store.Close(ctx)
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithOptionalKey(),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	bgCtx = observability.WithLogger(bgCtx, logger)
	var bgWG sync.WaitGroup
	bgWG.Add(2)
	go func() {
		defer bgWG.Done()
		idempotency.RunCleanup(bgCtx, idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
	}()
	go func() {
		defer bgWG.Done()
		container.Services.Worker.Run(bgCtx, cfg.Settlement.Interval)
	}()

	orderHandlers, err := handlers.NewOrderHandlers(container.Services.Transitions)
	if err != nil {
		logger.Fatal("failed to initialise order handlers", zap.Error(err))
	}
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.ActorMiddleware,
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		httpMetrics.Middleware,
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithRequestTimeout(requestTimeout(cfg.Server.WriteTimeout)),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithOrderMiddlewares(idempotencyMiddleware),
		handlers.WithInternalRoutes(orderHandlers.InternalRoutes),
		handlers.WithInternalMiddlewares(idempotencyMiddleware),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("settlement api listening",
			zap.String("version", buildInfo.Version),
			zap.String("idempotencyBackend", cfg.Idempotency.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	bgCancel()
	bgWG.Wait()
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firestore.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.PubSub.ProjectID)
}

// requestTimeout leaves the server a second to write the timeout response.
func requestTimeout(write time.Duration) time.Duration {
	if write > 2*time.Second {
		return write - time.Second
	}
	return write
}

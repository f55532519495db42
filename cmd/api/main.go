package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	metricexporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/keymarket/api/internal/handlers"
	"github.com/keymarket/api/internal/platform/auth"
	"github.com/keymarket/api/internal/platform/config"
	"github.com/keymarket/api/internal/platform/dedup"
	pfirestore "github.com/keymarket/api/internal/platform/firestore"
	"github.com/keymarket/api/internal/platform/idempotency"
	"github.com/keymarket/api/internal/platform/jobs"
	"github.com/keymarket/api/internal/platform/mailer"
	"github.com/keymarket/api/internal/platform/observability"
	"github.com/keymarket/api/internal/platform/secrets"
	"github.com/keymarket/api/internal/repositories"
	firestoreRepo "github.com/keymarket/api/internal/repositories/firestore"
	"github.com/keymarket/api/internal/repositories/gcs"
	"github.com/keymarket/api/internal/repositories/memory"
	"github.com/keymarket/api/internal/services"
)

const (
	authVerifyTimeout  = 5 * time.Second
	pubsubEmulatorEnv  = "PUBSUB_EMULATOR_HOST"
	metricsExportEvery = time.Minute

	firestoreDialTimeout = 10 * time.Second
	jwksFetchTimeout     = 5 * time.Second
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

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Int("count", len(missing.Names())), zap.Error(err))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger = logger.With(zap.String("environment", cfg.Environment), zap.String("version", cfg.Version))

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))))
	otel.SetTracerProvider(tracerProvider)
	meterProvider := newMeterProvider(cfg, logger)
	otel.SetMeterProvider(meterProvider)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(flushCtx); err != nil {
			logger.Warn("meter provider shutdown error", zap.Error(err))
		}
		if err := tracerProvider.Shutdown(flushCtx); err != nil {
			logger.Warn("tracer provider shutdown error", zap.Error(err))
		}
	}()

	docs, err := newDocumentStore(ctx, cfg, logger.Named("store"))
	if err != nil {
		logger.Fatal("failed to initialise document store", zap.String("backend", cfg.Store.Backend), zap.Error(err))
	}
	defer docs.close()

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	var orderEvents *pubsub.Topic
	if topicID := strings.TrimSpace(cfg.PubSub.OrderEventsTopic); topicID != "" {
		if host := strings.TrimSpace(cfg.PubSub.EmulatorHost); host != "" && os.Getenv(pubsubEmulatorEnv) == "" {
			_ = os.Setenv(pubsubEmulatorEnv, host)
		}
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		orderEvents = pubsubClient.Topic(topicID)
		defer orderEvents.Stop()
	}

	loyaltySource, closeLoyaltySource, err := newLoyaltyConfigSource(ctx, cfg, docs.provider)
	if err != nil {
		logger.Fatal("failed to initialise loyalty config source", zap.Error(err))
	}
	defer closeLoyaltySource()
	loyaltyConfig, err := repositories.NewCachedLoyaltyConfig(loyaltySource, cfg.Loyalty.CacheTTL, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise loyalty config cache", zap.Error(err))
	}

	metrics, err := observability.NewFulfillmentMetrics(meterProvider)
	if err != nil {
		logger.Fatal("failed to initialise fulfillment metrics", zap.Error(err))
	}

	runner := jobs.NewRunner(logger.Named("jobs"), cfg.Fulfillment.SideEffectConcurrency, cfg.Fulfillment.SideEffectTimeout)

	var sender mailer.Sender = mailer.LogSender{Logger: logger.Named("mail")}
	if cfg.Mail.Enabled {
		smtpSender, err := mailer.NewSMTPSender(cfg.Mail, logger.Named("mail"))
		if err != nil {
			logger.Fatal("failed to initialise smtp sender", zap.Error(err))
		}
		sender = smtpSender
	}

	var publisher services.OrderEventPublisher
	if orderEvents != nil {
		pub, err := jobs.NewPubSubOrderEventPublisher(orderEvents)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		publisher = pub
	}

	loyaltyService, err := services.NewLoyaltyService(services.LoyaltyServiceDeps{
		Orders: docs.orders,
		Users:  docs.users,
		Config: loyaltyConfig,
		Clock:  time.Now,
		Logger: observability.EventLogger(logger.Named("loyalty")),
	})
	if err != nil {
		logger.Fatal("failed to initialise loyalty service", zap.Error(err))
	}

	renderer, err := services.NewStatusEmailRenderer(cfg.Mail.Locale, cfg.Server.BaseURL)
	if err != nil {
		logger.Fatal("failed to initialise status email renderer", zap.Error(err))
	}
	dispatcher, err := services.NewFulfillmentDispatcher(services.FulfillmentDispatcherDeps{
		Notifications: docs.notifications,
		Email:         sender,
		Events:        publisher,
		Renderer:      renderer,
		Runner:        runner,
		Metrics:       metrics,
		Clock:         time.Now,
		Logger:        observability.EventLogger(logger.Named("dispatch")),
	})
	if err != nil {
		logger.Fatal("failed to initialise fulfillment dispatcher", zap.Error(err))
	}

	// With queue dispatch the /internal push consumer owns recomputation.
	var inlineLoyalty services.LoyaltyService
	if cfg.Loyalty.Dispatch == config.LoyaltyDispatchInline {
		inlineLoyalty = loyaltyService
	}
	fulfillmentService, err := services.NewFulfillmentService(services.FulfillmentServiceDeps{
		Orders:          docs.orders,
		Products:        docs.products,
		Fulfillment:     docs.fulfillment,
		Loyalty:         inlineLoyalty,
		Dispatcher:      dispatcher,
		Runner:          runner,
		Metrics:         metrics,
		StatusAttempts:  cfg.Fulfillment.StatusAttempts,
		BulkConcurrency: cfg.Fulfillment.BulkConcurrency,
		BulkMaxOrders:   cfg.Fulfillment.BulkMaxOrders,
		Clock:           time.Now,
		Logger:          observability.EventLogger(logger.Named("fulfillment")),
	})
	if err != nil {
		logger.Fatal("failed to initialise fulfillment service", zap.Error(err))
	}

	build := services.BuildInfo{
		Version:     cfg.Version,
		CommitSHA:   cfg.CommitSHA,
		Environment: cfg.Environment,
		StartedAt:   startedAt,
	}
	systemService, err := newSystemService(systemProbes{
		store:    docs,
		fetcher:  fetcher,
		redis:    redisClient,
		topic:    orderEvents,
		loyalty:  loyaltyConfig,
		watch:    cfg.Health.WatchProducts,
		lowStock: cfg.Health.LowStockThreshold,
		build:    build,
	})
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	var idempotencyStore idempotency.Store = idempotency.NewMemoryStore()
	var eventDedup dedup.Store = dedup.NewMemoryStore(cfg.Redis.DedupTTL)
	if redisClient != nil {
		if cfg.Idempotency.Store == config.IdempotencyStoreRedis {
			store, err := idempotency.NewRedisStore(redisClient)
			if err != nil {
				logger.Fatal("failed to initialise idempotency store", zap.Error(err))
			}
			idempotencyStore = store
		}
		store, err := dedup.NewRedisStore(redisClient, "keymarket:dedup:", cfg.Redis.DedupTTL)
		if err != nil {
			logger.Fatal("failed to initialise dedup store", zap.Error(err))
		}
		eventDedup = store
	}
	idempotencyMiddleware := idempotency.Middleware(idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, authVerifyTimeout)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, authVerifyTimeout)

	adminHandlers := handlers.NewAdminFulfillmentHandlers(authenticator, fulfillmentService, loyaltyService,
		handlers.WithAdminMutationMiddleware(idempotencyMiddleware),
		handlers.WithBulkRateLimit(cfg.Fulfillment.BulkRateLimit, cfg.Fulfillment.BulkRateWindow, time.Now),
	)
	meHandlers := handlers.NewMeHandlers(authenticator, loyaltyService)
	internalHandlers := handlers.NewInternalHandlers(loyaltyService, eventDedup)

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(build)}
	if systemService != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(systemService))
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(traceProjectID(cfg)),
			observability.InjectLoggerMiddleware(logger),
			observability.RequestLoggerMiddleware(),
			observability.RecoveryMiddleware(logger),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithMeRoutes(meHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
		handlers.WithInternalMiddlewares(buildOIDCMiddleware(logger.Named("auth"), cfg)),
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
		serverLogger.Info("keymarket api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background tasks did not drain", zap.Error(err))
	}
}

func newMeterProvider(cfg config.Config, logger *zap.Logger) *sdkmetric.MeterProvider {
	if cfg.Environment == "local" {
		return sdkmetric.NewMeterProvider()
	}
	exporter, err := metricexporter.New(metricexporter.WithProjectID(traceProjectID(cfg)))
	if err != nil {
		logger.Warn("metrics: cloud monitoring exporter unavailable; metrics stay in-process", zap.Error(err))
		return sdkmetric.NewMeterProvider()
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(metricsExportEvery))),
	)
}

func newLoyaltyConfigSource(ctx context.Context, cfg config.Config, provider *pfirestore.Provider) (repositories.LoyaltyConfigRepository, func(), error) {
	noop := func() {}
	switch cfg.Loyalty.Source {
	case config.LoyaltySourceGCS:
		client, err := cloudstorage.NewClient(ctx)
		if err != nil {
			return nil, noop, err
		}
		repo, err := gcs.NewLoyaltyConfigRepository(client, cfg.Loyalty.Bucket, cfg.Loyalty.Object)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return repo, func() { _ = client.Close() }, nil
	case config.LoyaltySourceStatic:
		return memory.NewStaticLoyaltyConfigRepository(memory.DefaultLoyaltyConfig()), noop, nil
	default:
		repo, err := firestoreRepo.NewLoyaltyConfigRepository(provider)
		if err != nil {
			return nil, noop, err
		}
		return repo, noop, nil
	}
}

// systemProbes collects what the readiness report inspects.
type systemProbes struct {
	store    documentStore
	fetcher  *secrets.Fetcher
	redis    *redis.Client
	topic    *pubsub.Topic
	loyalty  repositories.LoyaltyConfigRepository
	watch    []string
	lowStock int
	build    services.BuildInfo
}

func newSystemService(probes systemProbes) (services.SystemService, error) {
	checks := append([]repositories.DependencyCheck(nil), probes.store.checks...)
	if probes.fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check:   probes.fetcher.Available,
		})
	}
	if probes.redis != nil {
		redisClient := probes.redis
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: 500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}
	if probes.topic != nil {
		topic := probes.topic
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("order events topic does not exist")
				}
				return nil
			},
		})
	}

	deps := services.SystemServiceDeps{
		LoyaltyConfig:     probes.loyalty,
		Products:          probes.store.products,
		WatchProducts:     probes.watch,
		LowStockThreshold: probes.lowStock,
		Clock:             time.Now,
		Build:             probes.build,
	}
	if len(checks) > 0 {
		repo, err := repositories.NewDependencyHealthRepository(checks)
		if err != nil {
			return nil, err
		}
		deps.HealthRepository = repo
	}
	return services.NewSystemService(deps)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Security.OIDC.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	keys := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSHTTPClient(&http.Client{Timeout: jwksFetchTimeout}))
	validator := auth.NewOIDCValidator(keys)
	return validator.RequireOIDC(cfg.Security.OIDC.Audience, cfg.Security.OIDC.Issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIRESTORE_PROJECT_ID")
	}
	if project == "" {
		project = lookup("GOOGLE_CLOUD_PROJECT")
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithMeter(otel.Meter("github.com/keymarket/api/internal/platform/secrets")),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if path := lookup("API_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists config fields whose env value is a secret reference; those
// must resolve to something non-empty or startup fails.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	for field, key := range map[string]string{
		"Mail.Password":  "API_MAIL_PASSWORD",
		"Redis.Password": "API_REDIS_PASSWORD",
	} {
		value := strings.TrimSpace(env[key])
		if strings.HasPrefix(value, "secret://") || strings.HasPrefix(value, "sm://") {
			required = append(required, field)
		}
	}
	return required
}

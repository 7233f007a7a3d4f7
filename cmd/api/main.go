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

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/makebelieve-imprints/api/internal/di"
	"github.com/makebelieve-imprints/api/internal/handlers"
	"github.com/makebelieve-imprints/api/internal/payments"
	"github.com/makebelieve-imprints/api/internal/platform/auth"
	"github.com/makebelieve-imprints/api/internal/platform/breaker"
	"github.com/makebelieve-imprints/api/internal/platform/config"
	pfirestore "github.com/makebelieve-imprints/api/internal/platform/firestore"
	"github.com/makebelieve-imprints/api/internal/platform/idempotency"
	"github.com/makebelieve-imprints/api/internal/platform/jobs"
	"github.com/makebelieve-imprints/api/internal/platform/observability"
	"github.com/makebelieve-imprints/api/internal/platform/secrets"
	platformstorage "github.com/makebelieve-imprints/api/internal/platform/storage"
	firestoreRepo "github.com/makebelieve-imprints/api/internal/repositories/firestore"
	"github.com/makebelieve-imprints/api/internal/services"
	"github.com/makebelieve-imprints/api/internal/shipping"
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
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(
			"PSP.StripeAPIKey",
			"PSP.StripePaymentsWebhookSecret",
			"Security.StaffTokenSigningKey",
		),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	registry, err := firestoreRepo.NewRegistry(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.Jobs.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()

	accountingTopic := pubsubClient.Topic(cfg.Jobs.AccountingTopic)
	notificationsTopic := pubsubClient.Topic(cfg.Jobs.NotificationsTopic)
	orderEventsTopic := pubsubClient.Topic(cfg.Jobs.OrderEventsTopic)
	defer func() {
		accountingTopic.Stop()
		notificationsTopic.Stop()
		orderEventsTopic.Stop()
	}()

	taskPublisher, err := jobs.NewPubSubTaskPublisher(accountingTopic, notificationsTopic)
	if err != nil {
		logger.Fatal("failed to initialise task publisher", zap.Error(err))
	}
	eventPublisher, err := jobs.NewPubSubOrderEventPublisher(orderEventsTopic)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}

	var archiver services.InvoiceArchiver
	if bucket := strings.TrimSpace(cfg.Storage.InvoicesBucket); bucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		archiverOpts := []platformstorage.ArchiverOption{}
		if key := strings.TrimSpace(cfg.Storage.SignerKey); key != "" {
			signer, err := platformstorage.NewKeySigner([]byte(key))
			if err != nil {
				logger.Fatal("failed to parse invoice signer key", zap.Error(err))
			}
			archiverOpts = append(archiverOpts, platformstorage.WithSigner(signer))
		}
		archiver, err = platformstorage.NewArchiver(storageClient, bucket, archiverOpts...)
		if err != nil {
			logger.Fatal("failed to initialise invoice archiver", zap.Error(err))
		}
	}

	breakers := breaker.NewRegistry(breaker.RegistryDeps{
		Presets: shippingPresets(cfg.Shipping),
		Metrics: prometheus.DefaultRegisterer,
		Logger:  zapEventLogger(logger.Named("breaker")),
	})

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: zapEventLogger(logger.Named("payments")),
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe payment provider", zap.Error(err))
	}

	paymentsVerifier, err := payments.NewSignatureVerifier(cfg.PSP.StripePaymentsWebhookSecret)
	if err != nil {
		logger.Fatal("failed to initialise payments webhook verifier", zap.Error(err))
	}
	var issuingVerifier *payments.SignatureVerifier
	if strings.TrimSpace(cfg.PSP.StripeIssuingWebhookSecret) != "" {
		issuingVerifier, err = payments.NewSignatureVerifier(cfg.PSP.StripeIssuingWebhookSecret)
		if err != nil {
			logger.Fatal("failed to initialise issuing webhook verifier", zap.Error(err))
		}
	}

	var carrier handlers.ShipmentCarrier
	if strings.TrimSpace(cfg.Shipping.BaseURL) != "" {
		shippingClient, err := shipping.NewClient(shipping.ClientDeps{
			BaseURL:    cfg.Shipping.BaseURL,
			APIKey:     cfg.Shipping.APIKey,
			HTTPClient: &http.Client{Timeout: cfg.Shipping.Timeout},
			Breakers:   breakers,
			Logger:     zapEventLogger(logger.Named("shipping")),
		})
		if err != nil {
			logger.Fatal("failed to initialise shipping client", zap.Error(err))
		}
		carrier = shippingClient
	}

	container, err := di.NewContainer(di.ContainerDeps{
		Config:       cfg,
		Repositories: registry,
		Tasks:        taskPublisher,
		Events:       eventPublisher,
		Archiver:     archiver,
		Gateway:      stripeProvider,
		Breakers:     breakers,
		Logger:       zapEventLogger(logger.Named("services")),
		Build:        buildInfo,
	})
	if err != nil {
		logger.Fatal("failed to assemble services", zap.Error(err))
	}

	jobsCtx, jobsCancel := context.WithCancel(context.Background())
	var jobsWG sync.WaitGroup
	if name := strings.TrimSpace(cfg.Jobs.AccountingSubscription); name != "" && container.Services.Accounting != nil {
		subscriber, err := jobs.NewAccountingTaskSubscriber(
			pubsubClient.Subscription(name),
			container.Services.Accounting,
			zapEventLogger(logger.Named("jobs")),
		)
		if err != nil {
			logger.Fatal("failed to initialise accounting subscriber", zap.Error(err))
		}
		jobsWG.Add(1)
		go func() {
			defer jobsWG.Done()
			if err := subscriber.Run(jobsCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("accounting subscriber stopped", zap.Error(err))
			}
		}()
	}

	authenticator, err := auth.NewAuthenticator(
		[]byte(cfg.Security.StaffTokenSigningKey),
		cfg.Security.StaffTokenIssuer,
		cfg.Security.StaffTokenAudience,
	)
	if err != nil {
		logger.Fatal("failed to initialise staff authenticator", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	orderOpts := []handlers.OrderOption{}
	if carrier != nil {
		orderOpts = append(orderOpts, handlers.WithOrderCarrier(carrier))
	}
	if container.Services.Accounting != nil {
		orderOpts = append(orderOpts, handlers.WithOrderAccounting(container.Services.Accounting))
	}
	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders, container.Services.Payments, orderOpts...)
	webhookHandlers := handlers.NewWebhookHandlers(paymentsVerifier, issuingVerifier, container.Services.Payments)

	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithOrderMiddlewares(idempotencyMiddleware),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
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
		serverLogger.Info("order api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	jobsCancel()
	jobsWG.Wait()

	if err := container.Close(shutdownCtx); err != nil {
		logger.Warn("container close error", zap.Error(err))
	}
}

// zapEventLogger adapts a zap logger to the event-callback shape the
// service and platform layers accept for structured diagnostics.
func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug(event, zFields...)
	}
}

// shippingPresets folds the configured carrier thresholds into the default
// breaker presets so the registry keeps its payment-gateway defaults.
func shippingPresets(cfg config.ShippingConfig) breaker.Presets {
	presets := breaker.DefaultPresets()
	preset := presets["royalmail"]
	if cfg.FailureThreshold > 0 {
		preset.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.ResetTimeout > 0 {
		preset.ResetTimeout = cfg.ResetTimeout
	}
	if cfg.SuccessThreshold > 0 {
		preset.SuccessThreshold = cfg.SuccessThreshold
	}
	if cfg.Timeout > 0 {
		preset.Timeout = cfg.Timeout
	}
	presets["royalmail"] = preset
	return presets
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := secretProjectMapFromEnv(env)
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	versionPins := secretVersionPinsFromEnv(env)
	credentialsFile := lookup("API_SECRET_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if len(versionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(versionPins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_PROJECT_IDS"]
	}
	raw = strings.TrimSpace(raw)
	projects := make(map[string]string)
	if raw == "" {
		return projects
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		envLabel := strings.ToLower(strings.TrimSpace(parts[0]))
		project := strings.TrimSpace(parts[1])
		if envLabel == "" || project == "" {
			continue
		}
		projects[envLabel] = project
	}
	return projects
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_VERSION_PINS"]
	}
	raw = strings.TrimSpace(raw)
	pins := make(map[string]string)
	if raw == "" {
		return pins
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		ref := strings.TrimSpace(parts[0])
		version := strings.TrimSpace(parts[1])
		if ref == "" || version == "" {
			continue
		}
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		ref = prefix + ref
		pins[ref] = version
	}
	return pins
}

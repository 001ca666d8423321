package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	alertrepo "aquaflow/internal/alerts/infrastructure/postgres"
	alertinterfaces "aquaflow/internal/alerts/interfaces"
	alertnotify "aquaflow/internal/alerts/notify"
	apihttp "aquaflow/internal/api/http"
	"aquaflow/internal/auth"
	brokerapp "aquaflow/internal/broker/application"
	brokerrepo "aquaflow/internal/broker/infrastructure/postgres"
	brokermqtt "aquaflow/internal/broker/mqtt"
	"aquaflow/internal/config"
	devicesapp "aquaflow/internal/devices/application"
	devicesrepo "aquaflow/internal/devices/infrastructure/postgres"
	"aquaflow/internal/eventing"
	measurementrepo "aquaflow/internal/measurements/infrastructure/postgres"
	"aquaflow/internal/observability/metrics"
	"aquaflow/internal/pipeline"
	processingapp "aquaflow/internal/processing/application"
	schemaapp "aquaflow/internal/schema/application"
	schemarepo "aquaflow/internal/schema/infrastructure/postgres"
	submissionapp "aquaflow/internal/submission/application"
	submissionrepo "aquaflow/internal/submission/infrastructure/postgres"
	"aquaflow/internal/submission/regulatory"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	runtime, err := config.LoadRuntime()
	if err != nil {
		logger.Fatalf("runtime config error: %v", err)
	}
	location, err := runtime.Location()
	if err != nil {
		logger.Fatalf("timezone error: %v", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)

	brokerConfigs := brokerrepo.NewConfigRepository(db)
	authorizationRepo := devicesrepo.NewAuthorizationRepository(db)
	schemaRepo := schemarepo.NewSchemaRepository(db)
	mappingRepo := schemarepo.NewMappingRepository(db)
	measurementRepo := measurementrepo.NewMeasurementRepository(db)
	alertRepo := alertrepo.NewAlertRepository(db)
	itemRepo := submissionrepo.NewItemRepository(db)

	authCache, err := devicesapp.NewCache(authorizationRepo, logger, devicesapp.WithTTL(cfg.AuthCacheTTL))
	if err != nil {
		logger.Fatalf("authorization cache error: %v", err)
	}
	resolver, err := schemaapp.NewResolver(mappingRepo, schemaRepo, logger)
	if err != nil {
		logger.Fatalf("schema resolver error: %v", err)
	}
	transformer := schemaapp.NewTransformer(logger)
	engine, err := processingapp.NewEngine(logger)
	if err != nil {
		logger.Fatalf("processing engine error: %v", err)
	}

	regulatoryClient, err := regulatory.NewClient(cfg.RegulatoryBaseURL, cfg.RegulatoryToken, regulatory.WithLocation(location))
	if err != nil {
		logger.Fatalf("regulatory client error: %v", err)
	}
	queue, err := submissionapp.NewQueue(itemRepo, measurementRepo, regulatoryClient, logger,
		submissionapp.WithMaxRetries(runtime.Queue.MaxRetries),
		submissionapp.WithBackoff(runtime.Queue.Backoff()),
	)
	if err != nil {
		logger.Fatalf("submission queue error: %v", err)
	}

	bus := eventing.NewInMemoryBus()

	var notifier alertnotify.Notifier
	if cfg.AlertWebhookURL != "" {
		var channelOpts []alertnotify.WebhookOption
		if cfg.AlertWebhookToken != "" {
			channelOpts = append(channelOpts, alertnotify.WithBearerToken(cfg.AlertWebhookToken))
		}
		channel, err := alertnotify.NewWebhookChannel(cfg.AlertWebhookURL, channelOpts...)
		if err != nil {
			logger.Fatalf("alert webhook error: %v", err)
		}
		channelNotifier, err := alertnotify.NewChannelNotifier(channel, logger, alertnotify.WithDedupeWindow(cfg.AlertDedupeWindow))
		if err != nil {
			logger.Fatalf("alert notifier error: %v", err)
		}
		notifier = channelNotifier
	}
	alertConsumer, err := alertinterfaces.NewMeasurementProcessedConsumer(alertRepo, notifier, logger)
	if err != nil {
		logger.Fatalf("alert consumer error: %v", err)
	}
	alertConsumer.Register(bus)

	service, err := pipeline.NewService(authCache, resolver, transformer, engine, measurementRepo, queue, bus, logger,
		pipeline.WithProcessingDefaults(processingapp.Config{
			FlowEpsilon:       runtime.Processing.FlowEpsilon,
			TotalDeltaEpsilon: runtime.Processing.TotalDeltaEpsilon,
			Ranges:            runtime.Processing.Ranges,
		}),
	)
	if err != nil {
		logger.Fatalf("pipeline error: %v", err)
	}

	manager, err := brokerapp.NewManager(brokermqtt.NewConnector(logger), brokerConfigs, service, logger)
	if err != nil {
		logger.Fatalf("broker manager error: %v", err)
	}

	ctx := context.Background()
	go queue.Run(ctx, runtime.Queue.Interval(), runtime.Queue.BatchSize)
	if err := manager.StartAll(ctx); err != nil {
		logger.Fatalf("broker start error: %v", err)
	}
	defer manager.StopAll()

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret))
	if err != nil {
		logger.Fatalf("auth verifier error: %v", err)
	}
	authMiddleware, err := auth.NewMiddleware(verifier, policy, logger)
	if err != nil {
		logger.Fatalf("auth middleware error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/status/connections", apihttp.NewConnectionsStatusHandler(brokerConfigs, manager))
	mux.Handle("/api/v1/connections/", apihttp.NewConnectionControlHandler(brokerConfigs, manager))
	mux.Handle("/api/v1/submissions/stats", apihttp.NewSubmissionStatsHandler(itemRepo))
	mux.Handle("/api/v1/alerts", apihttp.NewAlertsHandler(alertRepo))
	mux.Handle("/api/v1/measurements", apihttp.NewMeasurementsHandler(db))
	mux.Handle("/api/v1/measurements/stats", apihttp.NewMeasurementStatsHandler(measurementRepo))
	mux.Handle("/api/v1/devices/", apihttp.NewDeviceAuthorizationHandler(authorizationRepo, authCache))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

type appConfig struct {
	DatabaseURL       string
	HTTPAddr          string
	JWTSecret         string
	RegulatoryBaseURL string
	RegulatoryToken   string
	AlertWebhookURL   string
	AlertWebhookToken string
	AlertDedupeWindow time.Duration
	AuthCacheTTL      time.Duration
}

func loadConfig() appConfig {
	cfg := appConfig{
		DatabaseURL:       getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:         getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		RegulatoryBaseURL: getenvDefault("REGULATORY_BASE_URL", ""),
		RegulatoryToken:   getenvDefault("REGULATORY_TOKEN", ""),
		AlertWebhookURL:   getenvDefault("ALERT_WEBHOOK_URL", ""),
		AlertWebhookToken: getenvDefault("ALERT_WEBHOOK_TOKEN", ""),
		AlertDedupeWindow: getenvDuration("ALERT_DEDUP_WINDOW", 0),
		AuthCacheTTL:      getenvDuration("AUTH_CACHE_TTL", time.Hour),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.RegulatoryBaseURL == "" {
		log.Fatal("REGULATORY_BASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

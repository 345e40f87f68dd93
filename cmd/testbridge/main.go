// Package main provides the TestBridge QA intelligence service.
//
// TestBridge ingests test failure reports, deduplicates them into tracker
// issues through a durable retry-aware operation queue, processes inbound
// tracker webhooks, and dispatches scheduled test runs.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/testbridge-io/testbridge/internal/api"
	"github.com/testbridge-io/testbridge/internal/api/middleware"
	"github.com/testbridge-io/testbridge/internal/config"
	"github.com/testbridge-io/testbridge/internal/mapping"
	"github.com/testbridge-io/testbridge/internal/queue"
	"github.com/testbridge-io/testbridge/internal/scheduler"
	"github.com/testbridge-io/testbridge/internal/sink"
	"github.com/testbridge-io/testbridge/internal/storage"
	"github.com/testbridge-io/testbridge/internal/tracker"
	"github.com/testbridge-io/testbridge/internal/webhook"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "testbridge"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting TestBridge service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("producer_rps", middlewareConfig.ProducerRPS),
		slog.Int("producer_burst", middlewareConfig.ProducerBurst),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		slog.Int("unauth_burst", middlewareConfig.UnAuthBurst),
	)

	// Load storage configuration
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	// fatal closes the database connection before exiting because deferred
	// functions do not run on os.Exit.
	fatal := func(msg string, err error) {
		logger.Error(msg, slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	var apiKeyStore storage.APIKeyStore

	authEnabled := config.GetEnvBool("TESTBRIDGE_AUTH_ENABLED", false)
	if authEnabled {
		apiKeyStore, err = storage.NewPersistentKeyStore(dbConn)
		if err != nil {
			fatal("Failed to connect to persistent key store", err)
		}

		logger.Info("Producer authentication enabled",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("Producer authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set TESTBRIDGE_AUTH_ENABLED=true to enable API key authentication"),
		)
	}

	operationStore, err := storage.NewPersistentOperationStore(dbConn)
	if err != nil {
		fatal("Failed to connect to operation store", err)
	}

	eventStore, err := storage.NewPersistentEventStore(dbConn)
	if err != nil {
		fatal("Failed to connect to event store", err)
	}

	mappingStore, err := storage.NewPersistentMappingStore(dbConn)
	if err != nil {
		fatal("Failed to connect to mapping store", err)
	}

	logger.Info("Storage initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	// Notification sinks: logging always, Kafka when brokers are configured.
	sinks := sink.NewRegistry(logger)
	sinks.Register(sink.NewLogSink(logger))

	if brokers := config.GetEnvStr("TESTBRIDGE_KAFKA_BROKERS", ""); brokers != "" {
		topic := config.GetEnvStr("TESTBRIDGE_KAFKA_TOPIC", "testbridge.notifications")
		sinks.Register(sink.NewKafkaSink(config.ParseCommaSeparatedList(brokers), topic))

		logger.Info("Kafka sink enabled",
			slog.String("brokers", brokers),
			slog.String("topic", topic),
		)
	}

	defer sinks.Close()

	// Tracker port and operation queue.
	jiraConfig := tracker.JiraConfig{
		BaseURL:     config.GetEnvStr("JIRA_BASE_URL", ""),
		Username:    config.GetEnvStr("JIRA_USERNAME", ""),
		APIToken:    config.GetEnvStr("JIRA_API_TOKEN", ""), // pragma: allowlist secret
		ProjectKey:  config.GetEnvStr("JIRA_PROJECT_KEY", "QA"),
		HTTPTimeout: config.GetEnvDuration("JIRA_HTTP_TIMEOUT", 30*time.Second),
	}
	if jiraConfig.BaseURL == "" {
		logger.Warn("JIRA_BASE_URL not set - tracker operations will fail until configured")
	}

	trackerPort := tracker.NewJiraClient(jiraConfig)

	kindMux := queue.NewKindMux()
	queue.RegisterTrackerKinds(kindMux, trackerPort)

	recorder := mapping.NewIssueRecorder(mappingStore, logger)

	coordinator := queue.NewCoordinator(operationStore, kindMux, recorder, queue.Config{
		MaxConcurrent:    config.GetEnvInt("TESTBRIDGE_QUEUE_MAX_CONCURRENT", 0),
		TickInterval:     config.GetEnvDuration("TESTBRIDGE_QUEUE_TICK_INTERVAL", 0),
		MaxAttempts:      config.GetEnvInt("TESTBRIDGE_QUEUE_MAX_ATTEMPTS", 0),
		RetryBackoff:     config.GetEnvDuration("TESTBRIDGE_QUEUE_RETRY_BACKOFF", 0),
		RateLimitBuffer:  config.GetEnvDuration("TESTBRIDGE_QUEUE_RATE_LIMIT_BUFFER", 0),
		LeaseDuration:    config.GetEnvDuration("TESTBRIDGE_QUEUE_LEASE_DURATION", 0),
		OperationTimeout: config.GetEnvDuration("TESTBRIDGE_QUEUE_OPERATION_TIMEOUT", 0),
	}, logger)
	coordinator.SetNotifier(sinks)

	// Failure-to-issue mapping service.
	rulesConfig, err := mapping.LoadRulesConfigFromEnv()
	if err != nil {
		fatal("Failed to load resolution rules", err)
	}

	mappingService := mapping.NewService(mappingStore, coordinator, mapping.ServiceConfig{
		ProjectKey: jiraConfig.ProjectKey,
		IssueType:  config.GetEnvStr("TESTBRIDGE_ISSUE_TYPE", ""),
	}, mapping.NewClassifier(rulesConfig), logger)

	// Inbound webhook processing.
	webhookProcessor := webhook.NewProcessor(eventStore, mappingService, sinks, webhook.ProcessorConfig{
		Secret:            config.GetEnvStr("TESTBRIDGE_WEBHOOK_SECRET", ""), // pragma: allowlist secret
		SignatureRequired: config.GetEnvBool("TESTBRIDGE_SIGNATURE_REQUIRED", false),
		AllowedKinds:      config.ParseCommaSeparatedList(config.GetEnvStr("TESTBRIDGE_WEBHOOK_KINDS", "")),
	}, logger)

	sweeper := webhook.NewSweeper(eventStore, webhookProcessor, webhook.SweeperConfig{
		Interval:        config.GetEnvDuration("TESTBRIDGE_SWEEP_INTERVAL", 0),
		RedispatchAfter: config.GetEnvDuration("TESTBRIDGE_REDISPATCH_AFTER", 0),
		Retention:       config.GetEnvDuration("TESTBRIDGE_EVENT_RETENTION", 0),
	}, logger)

	// Scheduled test dispatch (optional).
	var dispatcher *scheduler.Dispatcher

	if config.GetEnvBool("TESTBRIDGE_SCHEDULER_ENABLED", false) {
		scheduleStore, err := storage.NewPersistentScheduleStore(dbConn)
		if err != nil {
			fatal("Failed to connect to schedule store", err)
		}

		runner := scheduler.NewHTTPRunner(scheduler.HTTPRunnerConfig{
			TriggerURL:  config.GetEnvStr("TESTBRIDGE_RUNNER_URL", ""),
			AuthToken:   config.GetEnvStr("TESTBRIDGE_RUNNER_TOKEN", ""), // pragma: allowlist secret
			HTTPTimeout: config.GetEnvDuration("TESTBRIDGE_RUNNER_TIMEOUT", 30*time.Second),
		})
		scheduler.RegisterRunSuiteKind(kindMux, runner)

		dispatcher = scheduler.NewDispatcher(scheduleStore, coordinator, scheduler.DispatcherConfig{
			Interval: config.GetEnvDuration("TESTBRIDGE_SCHEDULER_INTERVAL", 0),
		}, logger)

		logger.Info("Scheduler enabled",
			slog.String("runner_url", config.GetEnvStr("TESTBRIDGE_RUNNER_URL", "")),
		)
	}

	server := api.NewServer(serverConfig, api.Dependencies{
		APIKeyStore: apiKeyStore,
		RateLimiter: rateLimiter,
		Failures:    mappingService,
		Webhooks:    webhookProcessor,
		Operations:  coordinator,
	})

	// Background components start before the HTTP listener so leftover work
	// from a previous run is picked up immediately.
	coordinator.Start()
	defer coordinator.Stop()

	sweeper.Start()
	defer sweeper.Stop()

	if dispatcher != nil {
		dispatcher.Start()
		defer dispatcher.Stop()
	}

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("TestBridge service stopped")
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/duragraph/flowengine/cmd/server/config"
	"github.com/duragraph/flowengine/internal/application/service"
	domainversion "github.com/duragraph/flowengine/internal/domain/version"
	"github.com/duragraph/flowengine/internal/domain/worker"
	"github.com/duragraph/flowengine/internal/infrastructure/cache"
	"github.com/duragraph/flowengine/internal/infrastructure/engine"
	"github.com/duragraph/flowengine/internal/infrastructure/execution"
	"github.com/duragraph/flowengine/internal/infrastructure/http/handlers"
	"github.com/duragraph/flowengine/internal/infrastructure/http/middleware"
	"github.com/duragraph/flowengine/internal/infrastructure/maintenance"
	"github.com/duragraph/flowengine/internal/infrastructure/messaging"
	"github.com/duragraph/flowengine/internal/infrastructure/messaging/nats"
	"github.com/duragraph/flowengine/internal/infrastructure/monitoring"
	"github.com/duragraph/flowengine/internal/infrastructure/persistence/postgres"
	"github.com/duragraph/flowengine/internal/infrastructure/webhook"
	"github.com/duragraph/flowengine/internal/pkg/eventbus"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	fmt.Println("🚀 FlowEngine Server")
	fmt.Printf("📍 Server: %s (%s mode)\n", cfg.ServerAddr(), cfg.Engine.Mode)
	fmt.Printf("🗄️  Database: %s:%d/%s\n", cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	fmt.Printf("📨 NATS: %s\n", cfg.NATS.URL)

	ctx := context.Background()

	// Initialize tracing
	shutdownTracing, err := initTracing(ctx)
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	} else {
		defer shutdownTracing(ctx)
		fmt.Println("✅ Tracing initialized")
	}

	// Initialize PostgreSQL connection pool
	pool, err := postgres.NewPool(ctx, postgres.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer postgres.Close(pool)

	fmt.Println("✅ Database connected")

	// Initialize Redis
	redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisCache.Close()

	fmt.Println("✅ Redis connected")

	// Initialize event bus, event store and outbox
	eventBus := eventbus.New()
	eventStore := postgres.NewEventStore(pool)
	outbox := postgres.NewOutbox(pool)

	// Initialize repositories
	flowRepo := postgres.NewFlowRepository(pool)
	runRepo := postgres.NewRunRepository(pool, eventStore)
	entityRepo := postgres.NewEntityRepository(pool)
	webhookRepo := postgres.NewWebhookRepository(pool)

	// Initialize NATS publisher
	logger := watermill.NewStdLogger(false, false)
	publisher, err := nats.NewPublisher(cfg.NATS.URL, logger)
	if err != nil {
		log.Fatalf("failed to create NATS publisher: %v", err)
	}
	defer publisher.Close()

	fmt.Println("✅ NATS publisher connected")

	// Start outbox relay worker
	outboxRelay := messaging.NewOutboxRelay(outbox, publisher, 1*time.Second, 10)
	go func() {
		if err := outboxRelay.Start(ctx); err != nil {
			log.Printf("outbox relay error: %v", err)
		}
	}()

	// Start outbox cleanup worker
	cleanupWorker := messaging.NewCleanupWorker(outbox, 1*time.Hour, 7)
	go func() {
		if err := cleanupWorker.Start(ctx); err != nil {
			log.Printf("cleanup worker error: %v", err)
		}
	}()

	fmt.Println("✅ Outbox relay started")

	// Initialize Prometheus metrics
	metrics := monitoring.NewMetrics("flowengine")

	// Consume relayed events back off NATS to drive the consumed-events
	// counter; downstream systems subscribe to the same subjects.
	subscriber, err := nats.NewSubscriber(cfg.NATS.URL, "flowengine-server", logger)
	if err != nil {
		log.Fatalf("failed to create NATS subscriber: %v", err)
	}
	defer subscriber.Close()

	if messages, err := subscriber.Subscribe("flowengine.events.>"); err == nil {
		go func() {
			for msg := range messages {
				metrics.EventsConsumedTotal.WithLabelValues("run").Inc()
				msg.Ack()
			}
		}()
	}

	// Initialize worker registry with built-in kinds
	registry := worker.NewRegistry()
	execution.RegisterBuiltinWorkers(registry, cfg.Engine.AllowMockFallback)

	fmt.Println("✅ Worker registry initialized")

	// Initialize worker dispatcher
	dispatcher := execution.NewDispatcher(registry, execution.Options{
		CallbackBase:   cfg.Server.PublicBaseURL,
		DefaultTimeout: cfg.Engine.WorkerTimeoutDefault,
		TimeoutByKind:  cfg.Engine.WorkerTimeoutByKind,
	})

	// Version manager and cached OEG resolver (versions are immutable, so
	// the cache never goes stale)
	versionManager := domainversion.NewManager(flowRepo, registry)
	resolver := cache.NewCachedVersionResolver(flowRepo, redisCache, 15*time.Minute)

	// Entity movement hooks resolve the run's entity through the webhook
	// event log
	entityMover := service.NewEntityMover(entityRepo, webhookRepo)

	// Edge-walking engine
	eng := engine.New(runRepo, dispatcher, entityMover, eventBus)

	// Run service; the dispatcher resumes the walk through it
	runService := service.NewRunService(runRepo, versionManager, resolver, eng)
	dispatcher.SetResume(func(ctx context.Context, runID, nodeID string, output interface{}, errText string) {
		if err := runService.Resume(ctx, runID, nodeID, output, errText); err != nil {
			log.Printf("resume %s/%s: %v", runID, nodeID, err)
		}
	})

	// Webhook ingestion pipeline
	verifier := webhook.NewVerifier(cfg.Webhook.FreshnessWindow)
	limiter := middleware.NewRedisRateLimiter(redisCache.Client(), cfg.Webhook.RateLimitBurst, cfg.Webhook.RateLimitWindow)
	replayGuard := webhook.NewReplayGuard(redisCache.Client(), cfg.Webhook.FreshnessWindow)
	webhookService := webhook.NewService(webhookRepo, entityRepo, runService, verifier, limiter, replayGuard, webhook.ServiceOptions{
		RequireSignature: cfg.RequireWebhookSignature(),
	})

	// Maintenance sweeper: async worker timeouts + version retention
	sweeper := maintenance.NewSweeper(dispatcher.Pending(), runService, flowRepo, cfg.Engine.MaxVersionsPerFlow)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("failed to start maintenance sweeper: %v", err)
	}

	fmt.Println("✅ Maintenance sweeper started")

	// Initialize HTTP handlers
	runHandler := handlers.NewRunHandler(runService, dispatcher)
	flowHandler := handlers.NewFlowHandler(versionManager)
	webhookHandler := handlers.NewWebhookHandler(webhookService)
	systemHandler := handlers.NewSystemHandler(GetVersion().ShortVersion())

	// Initialize Echo server
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.ErrorHandler()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Metrics(metrics))
	e.Use(middleware.SimpleRateLimit(100, 200))
	e.Use(otelecho.Middleware("flowengine"))
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())

	// Routes
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{
			"status":  "healthy",
			"version": GetVersion().ShortVersion(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/ok", systemHandler.Ok)
	e.GET("/info", systemHandler.Info)

	// Run API
	e.POST("/run/:flow_id", runHandler.Start)
	e.GET("/status/:run_id", runHandler.Status)
	e.POST("/callback/:run_id/:node_id", runHandler.Callback)
	e.POST("/complete/:run_id/:node_id", runHandler.CompleteUX)
	e.POST("/retry/:run_id/:node_id", runHandler.Retry)
	e.POST("/cancel/:run_id", runHandler.Cancel)

	// Flow and version management
	e.POST("/flows", flowHandler.Create)
	e.POST("/flows/:flow_id/versions", flowHandler.CreateVersion)
	e.GET("/flows/:flow_id/versions", flowHandler.ListVersions)

	// Webhook ingestion; admission control happens inside the service so
	// every webhook-class route shares one limiter configuration
	e.POST("/webhooks/:slug", webhookHandler.Receive)

	// Start server
	go func() {
		fmt.Printf("🌐 Server listening on %s\n", cfg.ServerAddr())
		if err := e.Start(cfg.ServerAddr()); err != nil {
			log.Printf("server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("\n🛑 Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	sweeper.Stop()
	outboxRelay.Stop()
	cleanupWorker.Stop()

	fmt.Println("👋 Shutdown complete")
}

// initTracing wires the OTLP HTTP exporter and registers the global tracer
// provider. The collector endpoint comes from the standard OTEL_* env vars.
func initTracing(ctx context.Context) (func(context.Context) error, error) {
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Package app wires configuration, storage, transports and background loops
// into a runnable tool-execution gateway.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/toolgate/core/internal/config"
	"github.com/toolgate/core/internal/database"
	"github.com/toolgate/core/internal/middleware"
	"github.com/toolgate/core/internal/modules/accounts/appconfig"
	"github.com/toolgate/core/internal/modules/accounts/broker"
	"github.com/toolgate/core/internal/modules/accounts/linked"
	catalogapp "github.com/toolgate/core/internal/modules/catalog/app"
	"github.com/toolgate/core/internal/modules/catalog/function"
	"github.com/toolgate/core/internal/modules/execution"
	"github.com/toolgate/core/internal/modules/gateway"
	"github.com/toolgate/core/internal/modules/triggers/connectors"
	"github.com/toolgate/core/internal/modules/triggers/trigger"
	"github.com/toolgate/core/internal/modules/triggers/webhook"
	"github.com/toolgate/core/internal/pkg/archive"
	"github.com/toolgate/core/internal/pkg/bark"
	"github.com/toolgate/core/internal/pkg/cipher"
	"github.com/toolgate/core/internal/pkg/cluster"
	pkgcron "github.com/toolgate/core/internal/pkg/cron"
	"github.com/toolgate/core/internal/pkg/embedding"
	"github.com/toolgate/core/internal/pkg/inference"
	"github.com/toolgate/core/internal/pkg/metrics"
	pkgratelimit "github.com/toolgate/core/internal/pkg/ratelimit"
	pkgredis "github.com/toolgate/core/internal/pkg/redis"
	"github.com/toolgate/core/internal/pkg/taskqueue"
)

// App holds the composed application.
type App struct {
	cfg    *config.AppConfig
	router *gin.Engine
	db     *gorm.DB
	rc     *pkgredis.Client
	logger *zap.Logger
	sched  *pkgcron.Scheduler
	cancel context.CancelFunc
}

// services groups the module singletons handed to route registration and the
// scheduler.
type services struct {
	rc        *pkgredis.Client
	collector *metrics.Collector
	alerts    *bark.Service
	queue     *taskqueue.Service
	hub       *gateway.Hub
	registry  *connectors.Registry

	configs   *appconfig.Service
	broker    *broker.Service
	linked    *linked.Service
	apps      *catalogapp.Service
	functions *function.Service
	execution *execution.Service
	triggers  *trigger.Service
	webhooks  *webhook.Service
}

// New initializes the application: config → DB → Redis → services → routes →
// background loops.
func New(logger *zap.Logger, configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyRuntimeSettings(cfg, logger)

	db, err := database.Connect(cfg, cfg.ShouldAutoMigrate())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	rc, err := pkgredis.Connect(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
		if !cluster.ShouldLogDevDiagnostics() {
			gin.DebugPrintRouteFunc = func(string, string, string, int) {}
			gin.DebugPrintFunc = func(string, ...interface{}) {}
		}
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(cors.New(corsConfig(cfg)))

	deps, err := buildServices(cfg, db, rc, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go deps.hub.Run(ctx)

	sched := pkgcron.New()
	if cluster.ShouldRunScheduler() {
		registerCronJobs(sched, cfg, deps, logger)
		go sched.Start(ctx)
		go deps.queue.Consume(ctx, deliveryHandler(deps.webhooks, logger))
	} else if cluster.ShouldLogBootstrap() {
		logger.Info("scheduler and delivery consumer disabled on this worker")
	}

	app := &App{cfg: cfg, router: router, db: db, rc: rc, logger: logger, sched: sched, cancel: cancel}
	app.registerRoutes(cfg, db, deps)

	return app, nil
}

// buildServices constructs the module graph. Order follows the dependency
// chain: shared infrastructure first, then accounts, catalog, execution and
// triggers on top.
func buildServices(cfg *config.AppConfig, db *gorm.DB, rc *pkgredis.Client, logger *zap.Logger) (*services, error) {
	box, err := cipher.New(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	collector := metrics.NewCollector()
	alerts := bark.New(func() (key, serverURL, title string) {
		return cfg.Alert.BarkKey, cfg.Alert.BarkServer, cfg.Alert.Title
	})
	archiver := archive.New(archive.Config{
		Enabled:         cfg.Archive.Enabled,
		Endpoint:        cfg.Archive.Endpoint,
		Region:          cfg.Archive.Region,
		Bucket:          cfg.Archive.Bucket,
		AccessKeyID:     cfg.Archive.AccessKeyID,
		SecretAccessKey: cfg.Archive.SecretAccessKey,
		Prefix:          cfg.Archive.Prefix,
	})

	embedder := embedding.New(cfg.Embedding.APIKey, cfg.Embedding.BaseURL, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	llm := inference.New(inference.Config{
		Provider:   cfg.Inference.Provider,
		Model:      cfg.Inference.Model,
		APIKey:     cfg.Inference.APIKey,
		BaseURL:    cfg.Inference.BaseURL,
		Timeout:    cfg.InferenceTimeout(),
		MaxRetries: cfg.Inference.MaxRetries,
	})

	queue := taskqueue.NewService(rc)
	registry := connectors.NewRegistry(connectors.WithLogger(logger))

	hub := gateway.NewHub(rc, func(key string) (string, bool) {
		_, project, _, err := middleware.ValidateAPIKey(db, key)
		if err != nil {
			return "", false
		}
		return project.ID, true
	}, gateway.WithLogger(logger))

	configsSvc := appconfig.NewService(db, appconfig.WithLogger(logger))
	brokerSvc := broker.NewService(db, box, broker.WithLogger(logger))
	linkedSvc := linked.NewService(db, brokerSvc, configsSvc, cfg.BaseURL, linked.WithLogger(logger))

	appSvc := catalogapp.NewService(db, embedder, box, catalogapp.WithLogger(logger))
	stash := function.NewStash()
	functionSvc := function.NewService(db, embedder, llm, stash, collector,
		function.WithLogger(logger),
		function.WithRerank(cfg.RerankEnabled()))

	// The guard only sees a client when enabled; a nil client passes all calls.
	var guardLLM *inference.Client
	if cfg.Inference.GuardEnable {
		guardLLM = llm
	}
	executionSvc := execution.NewService(db, functionSvc, configsSvc, brokerSvc,
		execution.NewGuard(guardLLM, logger), stash, collector,
		execution.WithLogger(logger))

	triggerSvc := trigger.NewService(db, brokerSvc, configsSvc, registry, cfg.BaseURL,
		trigger.WithLogger(logger),
		trigger.WithArchiver(archiver),
		trigger.WithMetrics(collector))

	webhookSvc := webhook.NewService(db, registry, queue,
		webhook.WithLogger(logger),
		webhook.WithAlerts(alerts),
		webhook.WithMetrics(collector),
		webhook.WithBroadcaster(hub),
		webhook.WithLimits(
			pkgratelimit.New(int(cfg.Webhook.GlobalRate), int(cfg.Webhook.GlobalBurst)),
			pkgratelimit.New(int(cfg.Webhook.TriggerRate), int(cfg.Webhook.TriggerBurst)),
		))

	return &services{
		rc:        rc,
		collector: collector,
		alerts:    alerts,
		queue:     queue,
		hub:       hub,
		registry:  registry,
		configs:   configsSvc,
		broker:    brokerSvc,
		linked:    linkedSvc,
		apps:      appSvc,
		functions: functionSvc,
		execution: executionSvc,
		triggers:  triggerSvc,
		webhooks:  webhookSvc,
	}, nil
}

// deliveryHandler consumes the event-delivery queue: it stamps stored events
// as processed so the requeue sweep leaves them alone. Agents pull events and
// ack them through the trigger API.
func deliveryHandler(webhooks *webhook.Service, logger *zap.Logger) taskqueue.Handler {
	log := logger.Named("EventDelivery")
	return func(ctx context.Context, task *taskqueue.Task) error {
		if task.Type != taskqueue.TypeEventDelivery {
			return nil
		}
		var payload taskqueue.DeliveryPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("decode delivery payload: %w", err)
		}
		if err := webhooks.MarkEventProcessed(ctx, payload.EventID); err != nil {
			return err
		}
		log.Debug("event processed",
			zap.String("event_id", payload.EventID),
			zap.String("trigger_id", payload.TriggerID))
		return nil
	}
}

func corsConfig(cfg *config.AppConfig) cors.Config {
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", cfg.APIKeyHeader, "X-Idempotence"},
		ExposeHeaders:    []string{"Content-Length", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
	}
	if len(cfg.AllowedOrigins) > 0 && !cfg.IsDev() {
		patterns := cfg.AllowedOrigins
		corsCfg.AllowOriginFunc = func(origin string) bool {
			host := extractOriginHost(origin)
			for _, pattern := range patterns {
				if matchOriginPattern(pattern, host) {
					return true
				}
			}
			return false
		}
	} else {
		corsCfg.AllowOriginFunc = func(origin string) bool { return true }
	}
	return corsCfg
}

// Addr returns the listen address.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.cfg.Port) }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Shutdown stops background goroutines and closes the Redis pool. The HTTP
// server drains separately.
func (a *App) Shutdown() {
	a.cancel()
	_ = a.rc.Close()
}

var processStart = time.Now()

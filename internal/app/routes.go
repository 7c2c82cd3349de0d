package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/toolgate/core/internal/config"
	"github.com/toolgate/core/internal/middleware"
	"github.com/toolgate/core/internal/modules/accounts/appconfig"
	"github.com/toolgate/core/internal/modules/accounts/linked"
	catalogapp "github.com/toolgate/core/internal/modules/catalog/app"
	"github.com/toolgate/core/internal/modules/catalog/function"
	"github.com/toolgate/core/internal/modules/execution"
	"github.com/toolgate/core/internal/modules/gateway"
	"github.com/toolgate/core/internal/modules/system"
	"github.com/toolgate/core/internal/modules/triggers/trigger"
	"github.com/toolgate/core/internal/modules/triggers/webhook"
	pkgratelimit "github.com/toolgate/core/internal/pkg/ratelimit"
	"github.com/toolgate/core/internal/pkg/response"
)

// Per-IP budget for the agent API. The webhook receiver runs its own two-tier
// admission control and is mounted outside this limiter.
const (
	apiRatePerSecond = 100
	apiBurst         = 200
)

func (a *App) registerRoutes(cfg *config.AppConfig, db *gorm.DB, deps *services) {
	r := a.router

	r.NoRoute(func(c *gin.Context) { response.NotFound(c) })
	r.NoMethod(func(c *gin.Context) { response.MethodNotAllowed(c) })

	authMW := middleware.Auth(db, cfg.APIKeyHeader)
	adminMW := middleware.AdminAuth(cfg.AdminKey)
	idemMW := middleware.Idempotence(deps.rc.Raw())

	info := gin.H{
		"name":     "toolgate-core",
		"version":  "1.0.0",
		"homepage": "https://github.com/toolgate/core",
	}
	r.GET("/", func(c *gin.Context) { c.PureJSON(http.StatusOK, info) })

	// Socket.io event feed lives at the root path providers and SDKs expect.
	root := r.Group("")
	gateway.RegisterRoutes(root, deps.hub, adminMW)

	api := r.Group("/v1")

	// Inbound provider webhooks: admission control happens in the service so
	// a throttled provider still gets Retry-After with a drained body.
	webhook.NewHandler(deps.webhooks).RegisterRoutes(api)

	// Probes and scrapers must reach health/metrics even when an IP is
	// throttled, so the system surface sits outside the limiter too.
	system.NewHandler(db, deps.rc, a.sched, deps.collector).RegisterRoutes(api, adminMW)

	// Everything below shares the per-IP budget.
	guarded := api.Group("", middleware.IPRateLimit(
		pkgratelimit.New(apiRatePerSecond, apiBurst), deps.collector, deps.alerts))

	guarded.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": "pong"})
	})
	guarded.GET("/uptime", func(c *gin.Context) {
		uptime := time.Since(processStart)
		c.JSON(http.StatusOK, gin.H{
			"timestamp": uptime.Milliseconds(),
			"humanize":  humanizeDuration(uptime),
		})
	})

	// Catalog reads for agents plus the admin write path.
	appsHandler := catalogapp.NewHandler(deps.apps)
	appsHandler.RegisterRoutes(guarded, authMW)
	functionsHandler := function.NewHandler(deps.functions)
	functionsHandler.RegisterRoutes(guarded, authMW)

	admin := guarded.Group("", adminMW)
	appsHandler.RegisterAdminRoutes(admin)
	functionsHandler.RegisterAdminRoutes(admin)

	// Execution and account linking retry safely behind the idempotence
	// window; double-submits must not fire a remote API twice.
	execution.NewHandler(deps.execution).RegisterRoutes(guarded, authMW, idemMW)
	appconfig.NewHandler(deps.configs).RegisterRoutes(guarded, authMW)
	linked.NewHandler(deps.linked).RegisterRoutes(guarded, authMW, idemMW)
	trigger.NewHandler(deps.triggers).RegisterRoutes(guarded, authMW, idemMW)
}

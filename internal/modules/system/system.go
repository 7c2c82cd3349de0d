// Package system is the operator surface: liveness, metrics export and
// scheduler introspection. Health and metrics are unauthenticated so probes
// and scrapers can reach them; the jobs endpoints require the admin key.
package system

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/toolgate/core/internal/pkg/cron"
	"github.com/toolgate/core/internal/pkg/metrics"
	pkgredis "github.com/toolgate/core/internal/pkg/redis"
	"github.com/toolgate/core/internal/pkg/response"
)

// Handler serves the system endpoints.
type Handler struct {
	db        *gorm.DB
	rc        *pkgredis.Client
	scheduler *cron.Scheduler
	collector *metrics.Collector
}

func NewHandler(db *gorm.DB, rc *pkgredis.Client, scheduler *cron.Scheduler, collector *metrics.Collector) *Handler {
	return &Handler{
		db:        db,
		rc:        rc,
		scheduler: scheduler,
		collector: collector,
	}
}

// RegisterRoutes mounts the system endpoints on rg. adminMW guards the
// scheduler introspection group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, adminMW gin.HandlerFunc) {
	rg.GET("/health", h.health)
	rg.GET("/metrics", h.metricsJSON)
	rg.GET("/metrics/prometheus", h.metricsPrometheus)

	jobs := rg.Group("/system/jobs", adminMW)
	jobs.GET("", h.listJobs)
	jobs.GET("/:name", h.getJob)
	jobs.POST("/:name/run", h.runJob)
}

func (h *Handler) health(c *gin.Context) {
	ctx := c.Request.Context()

	dbOK := false
	if sqlDB, err := h.db.DB(); err == nil {
		dbOK = sqlDB.PingContext(ctx) == nil
	}
	redisOK := h.rc != nil && h.rc.Ping(ctx) == nil

	status := "ok"
	code := http.StatusOK
	if !dbOK || !redisOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":   status,
		"database": dbOK,
		"redis":    redisOK,
	})
}

func (h *Handler) metricsJSON(c *gin.Context) {
	c.JSON(http.StatusOK, h.collector.Get())
}

func (h *Handler) metricsPrometheus(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(h.collector.Prometheus()))
}

func (h *Handler) listJobs(c *gin.Context) {
	items := h.scheduler.List()
	byName := make(map[string]cron.ListItem, len(items))
	for _, item := range items {
		byName[item.Name] = item
	}
	response.OK(c, byName)
}

func (h *Handler) getJob(c *gin.Context) {
	result, err := h.scheduler.GetTask(c.Param("name"))
	if err != nil {
		response.NotFoundMsg(c, err.Error())
		return
	}
	response.OK(c, result)
}

func (h *Handler) runJob(c *gin.Context) {
	// The job outlives the request; a client disconnect must not cancel it.
	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.scheduler.Run(ctx, c.Param("name")); err != nil {
		response.NotFoundMsg(c, err.Error())
		return
	}
	response.OK(c, gin.H{"message": "job triggered"})
}

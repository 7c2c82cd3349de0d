package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/toolgate/core/internal/models"
)

// Logger returns a Gin middleware that logs each request using zap. Requests
// that resolved an API key also carry the project and agent ids so gateway
// traffic can be attributed per tenant.
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if v, ok := c.Get(ContextKeyProject); ok {
			if project, ok := v.(*models.ProjectModel); ok && project != nil {
				fields = append(fields, zap.String("project_id", project.ID))
			}
		}
		if v, ok := c.Get(ContextKeyAgent); ok {
			if agent, ok := v.(*models.AgentModel); ok && agent != nil {
				fields = append(fields, zap.String("agent_id", agent.ID))
			}
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
			log.Warn("request", fields...)
			return
		}

		log.Info("request", fields...)
	}
}

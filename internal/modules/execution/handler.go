package execution

import (
	"github.com/gin-gonic/gin"

	"github.com/toolgate/core/internal/middleware"
	"github.com/toolgate/core/internal/pkg/response"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes mounts the execute endpoint. executeMW (idempotence) wraps
// the call so agent retries do not fire the remote API twice.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc, executeMW ...gin.HandlerFunc) {
	g := rg.Group("/functions", authMW)
	g = g.Group("", executeMW...)
	g.POST("/:name/execute", h.execute)
}

func (h *Handler) execute(c *gin.Context) {
	project := middleware.CurrentProject(c)
	agent := middleware.CurrentAgent(c)

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.Execute(c.Request.Context(), project, agent, c.Param("name"), &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, result)
}

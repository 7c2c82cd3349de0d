package appconfig

import (
	"github.com/gin-gonic/gin"

	"github.com/toolgate/core/internal/middleware"
	"github.com/toolgate/core/internal/pkg/pagination"
	"github.com/toolgate/core/internal/pkg/response"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/app-configurations", authMW)
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:app_name", h.get)
	g.PATCH("/:app_name", h.update)
	g.DELETE("/:app_name", h.remove)
}

func (h *Handler) create(c *gin.Context) {
	project := middleware.CurrentProject(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	view, err := h.service.Create(c.Request.Context(), project, &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Created(c, view)
}

func (h *Handler) list(c *gin.Context) {
	project := middleware.CurrentProject(c)

	views, page, err := h.service.List(c.Request.Context(), project, pagination.FromContext(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Paged(c, views, page)
}

func (h *Handler) get(c *gin.Context) {
	project := middleware.CurrentProject(c)

	view, err := h.service.Get(c.Request.Context(), project, c.Param("app_name"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, view)
}

func (h *Handler) update(c *gin.Context) {
	project := middleware.CurrentProject(c)

	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	view, err := h.service.Update(c.Request.Context(), project, c.Param("app_name"), &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, view)
}

func (h *Handler) remove(c *gin.Context) {
	project := middleware.CurrentProject(c)

	if err := h.service.Delete(c.Request.Context(), project, c.Param("app_name")); err != nil {
		response.FromError(c, err)
		return
	}
	response.NoContent(c)
}

package app

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/toolgate/core/internal/middleware"
	"github.com/toolgate/core/internal/pkg/pagination"
	"github.com/toolgate/core/internal/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	apps := rg.Group("/apps", authMW)
	apps.GET("", h.list)
	apps.GET("/search", h.search)
	apps.GET("/:name", h.get)
}

// RegisterAdminRoutes attaches the catalog write path. rg must already carry
// the admin-key middleware.
func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	apps := rg.Group("/apps")
	apps.PUT("", h.upsert)
	apps.DELETE("/:name", h.delete)
}

func (h *Handler) list(c *gin.Context) {
	q := pagination.FromContext(c)
	views, page, err := h.svc.List(c.Request.Context(), middleware.CurrentProject(c), q, c.Query("category"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Paged(c, views, page)
}

func (h *Handler) search(c *gin.Context) {
	limit := pagination.LimitFromContext(c, 10)
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	views, err := h.svc.Search(c.Request.Context(), middleware.CurrentProject(c), c.Query("intent"), limit, offset)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, views)
}

func (h *Handler) get(c *gin.Context) {
	view, err := h.svc.Get(c.Request.Context(), middleware.CurrentProject(c), c.Param("name"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, view)
}

func (h *Handler) upsert(c *gin.Context) {
	var m Manifest
	if err := c.ShouldBindJSON(&m); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	row, err := h.svc.Upsert(c.Request.Context(), &m)
	if err != nil {
		response.FromError(c, err)
		return
	}
	view := toView(row)
	response.OK(c, view)
}

func (h *Handler) delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("name")); err != nil {
		response.FromError(c, err)
		return
	}
	response.NoContent(c)
}

package trigger

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/toolgate/core/internal/middleware"
	"github.com/toolgate/core/internal/pkg/pagination"
	"github.com/toolgate/core/internal/pkg/response"
)

const defaultEventPageSize = 50

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes mounts the trigger management endpoints. createMW
// (idempotence) wraps creation, the one call with a provider-side effect
// that must not double-register on retry.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc, createMW ...gin.HandlerFunc) {
	g := rg.Group("/triggers", authMW)

	g.GET("", h.list)
	g.GET("/events/all", h.listAllEvents)
	g.DELETE("/events/:event_id", h.ackEvent)
	g.GET("/:id", h.get)
	g.PATCH("/:id", h.update)
	g.DELETE("/:id", h.remove)
	g.GET("/:id/verification-token", h.revealToken)
	g.GET("/:id/events", h.listEvents)
	g.GET("/:id/health", h.health)
	g.GET("/:id/stats", h.stats)

	mutating := g.Group("", createMW...)
	mutating.POST("", h.create)
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

	views, page, err := h.service.List(c.Request.Context(), project,
		c.Query("app_name"), c.Query("status"), pagination.FromContext(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Paged(c, views, page)
}

func (h *Handler) get(c *gin.Context) {
	project := middleware.CurrentProject(c)

	view, err := h.service.Get(c.Request.Context(), project, c.Param("id"))
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

	view, err := h.service.Update(c.Request.Context(), project, c.Param("id"), &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, view)
}

func (h *Handler) remove(c *gin.Context) {
	project := middleware.CurrentProject(c)

	if err := h.service.Delete(c.Request.Context(), project, c.Param("id")); err != nil {
		response.FromError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) revealToken(c *gin.Context) {
	project := middleware.CurrentProject(c)

	token, err := h.service.Reveal(c.Request.Context(), project, c.Param("id"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{"verification_token": token})
}

// eventQuery lifts the shared event filters off the request.
func eventQuery(c *gin.Context) (EventQuery, error) {
	q := EventQuery{
		TriggerID: c.Query("trigger_id"),
		Status:    c.Query("status"),
		EventType: c.Query("event_type"),
		Cursor:    c.Query("cursor"),
		Limit:     pagination.LimitFromContext(c, defaultEventPageSize),
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, err
		}
		q.Since = &t
	}
	if raw := c.Query("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, err
		}
		q.Until = &t
	}
	return q, nil
}

func (h *Handler) listEvents(c *gin.Context) {
	project := middleware.CurrentProject(c)

	q, err := eventQuery(c)
	if err != nil {
		response.BadRequest(c, "since/until must be RFC 3339 timestamps")
		return
	}

	views, next, err := h.service.ListEvents(c.Request.Context(), project, c.Param("id"), q)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Cursor(c, views, next)
}

func (h *Handler) listAllEvents(c *gin.Context) {
	project := middleware.CurrentProject(c)

	q, err := eventQuery(c)
	if err != nil {
		response.BadRequest(c, "since/until must be RFC 3339 timestamps")
		return
	}

	views, next, err := h.service.ListAllEvents(c.Request.Context(), project, q)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Cursor(c, views, next)
}

func (h *Handler) ackEvent(c *gin.Context) {
	project := middleware.CurrentProject(c)

	if err := h.service.AckEvent(c.Request.Context(), project, c.Param("event_id")); err != nil {
		response.FromError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) health(c *gin.Context) {
	project := middleware.CurrentProject(c)

	view, err := h.service.Health(c.Request.Context(), project, c.Param("id"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, view)
}

func (h *Handler) stats(c *gin.Context) {
	project := middleware.CurrentProject(c)

	view, err := h.service.Stats(c.Request.Context(), project, c.Param("id"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, view)
}

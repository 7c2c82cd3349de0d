package function

import (
	"strconv"
	"strings"

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
	g := rg.Group("/functions", authMW)
	g.GET("", h.list)
	g.GET("/search", h.search)
	g.POST("/search/feedback", h.feedback)
	g.GET("/:name/definition", h.definition)
}

// RegisterAdminRoutes expects a group already guarded by admin auth.
func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.PUT("/apps/:name/functions", h.upsert)
}

func (h *Handler) list(c *gin.Context) {
	project := middleware.CurrentProject(c)
	limit := pagination.LimitFromContext(c, 20)

	results, next, err := h.service.List(c.Request.Context(), project, c.Query("app_name"), limit, c.Query("cursor"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Cursor(c, results, next)
}

func (h *Handler) search(c *gin.Context) {
	project := middleware.CurrentProject(c)
	agent := middleware.CurrentAgent(c)

	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	allowedOnly, _ := strconv.ParseBool(c.DefaultQuery("allowed_apps_only", "false"))

	params := SearchParams{
		Intent:          c.Query("intent"),
		AppNames:        splitAppNames(c.QueryArray("app_names")),
		Limit:           pagination.LimitFromContext(c, defaultSearchLimit),
		Offset:          offset,
		AllowedAppsOnly: allowedOnly,
	}

	results, err := h.service.Search(c.Request.Context(), project, agent, params)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, results)
}

// splitAppNames accepts both repeated app_names params and comma-joined
// values.
func splitAppNames(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, chunk := range raw {
		for _, name := range strings.Split(chunk, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func (h *Handler) feedback(c *gin.Context) {
	project := middleware.CurrentProject(c)
	agent := middleware.CurrentAgent(c)

	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	row, err := h.service.RecordFeedback(c.Request.Context(), project, agent, &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Created(c, row)
}

func (h *Handler) definition(c *gin.Context) {
	project := middleware.CurrentProject(c)

	def, err := h.service.Definition(c.Request.Context(), project, c.Param("name"), c.Query("format"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, def)
}

func (h *Handler) upsert(c *gin.Context) {
	var manifests []Manifest
	if err := c.ShouldBindJSON(&manifests); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if len(manifests) == 0 {
		response.BadRequest(c, "no function manifests provided")
		return
	}

	names, err := h.service.Upsert(c.Request.Context(), c.Param("name"), manifests)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{"upserted": names})
}

package linked

import (
	"net/http"

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

// RegisterRoutes mounts the account management and link endpoints. linkMW
// (idempotence) wraps the mutating link calls; the provider callbacks are
// unauthenticated because the signed state carries the context.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc, linkMW ...gin.HandlerFunc) {
	g := rg.Group("/linked-accounts")

	authed := g.Group("", authMW)
	authed.GET("", h.list)
	authed.GET("/:id", h.get)
	authed.PATCH("/:id", h.setEnabled)
	authed.DELETE("/:id", h.remove)
	authed.GET("/oauth2", h.startOAuth2)
	authed.GET("/oauth1", h.startOAuth1)

	mutating := authed.Group("", linkMW...)
	mutating.POST("/no-auth", h.linkNoAuth)
	mutating.POST("/api-key", h.linkAPIKey)
	mutating.POST("/default", h.linkDefault)

	g.GET("/oauth2/callback", h.oauth2Callback)
	g.GET("/oauth1/callback", h.oauth1Callback)
	g.GET("/oauth1/trello/callback", h.clientTokenPage)
	g.POST("/oauth1/trello/submit", h.clientTokenSubmit)
}

func (h *Handler) list(c *gin.Context) {
	project := middleware.CurrentProject(c)

	views, page, err := h.service.List(c.Request.Context(), project,
		c.Query("app_name"), c.Query("linked_account_owner_id"), pagination.FromContext(c))
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

func (h *Handler) setEnabled(c *gin.Context) {
	project := middleware.CurrentProject(c)

	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	view, err := h.service.SetEnabled(c.Request.Context(), project, c.Param("id"), *req.Enabled)
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

func (h *Handler) linkNoAuth(c *gin.Context) {
	project := middleware.CurrentProject(c)

	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	view, err := h.service.LinkNoAuth(c.Request.Context(), project, &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Created(c, view)
}

func (h *Handler) linkAPIKey(c *gin.Context) {
	project := middleware.CurrentProject(c)

	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	view, err := h.service.LinkAPIKey(c.Request.Context(), project, &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Created(c, view)
}

func (h *Handler) linkDefault(c *gin.Context) {
	project := middleware.CurrentProject(c)

	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	view, err := h.service.LinkDefault(c.Request.Context(), project, &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Created(c, view)
}

func (h *Handler) startOAuth2(c *gin.Context) {
	project := middleware.CurrentProject(c)

	appName := c.Query("app_name")
	ownerID := c.Query("linked_account_owner_id")
	if appName == "" || ownerID == "" {
		response.BadRequest(c, "app_name and linked_account_owner_id are required")
		return
	}

	url, err := h.service.StartOAuth2(c.Request.Context(), project, appName, ownerID, c.Query("after_link_redirect_url"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{"url": url})
}

func (h *Handler) startOAuth1(c *gin.Context) {
	project := middleware.CurrentProject(c)

	appName := c.Query("app_name")
	ownerID := c.Query("linked_account_owner_id")
	if appName == "" || ownerID == "" {
		response.BadRequest(c, "app_name and linked_account_owner_id are required")
		return
	}

	url, err := h.service.StartOAuth1(c.Request.Context(), project, appName, ownerID, c.Query("after_link_redirect_url"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{"url": url})
}

func (h *Handler) oauth2Callback(c *gin.Context) {
	if provErr := c.Query("error"); provErr != "" {
		desc := c.Query("error_description")
		if desc == "" {
			desc = provErr
		}
		response.BadRequest(c, "authorization denied: "+desc)
		return
	}

	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		response.BadRequest(c, "code and state are required")
		return
	}

	view, afterURL, err := h.service.CompleteOAuth2(c.Request.Context(), code, state)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if afterURL != "" {
		c.Redirect(http.StatusFound, afterURL)
		return
	}
	response.OK(c, view)
}

func (h *Handler) oauth1Callback(c *gin.Context) {
	view, afterURL, err := h.service.CompleteOAuth1(c.Request.Context(),
		c.Query("oauth_token"), c.Query("oauth_verifier"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	if afterURL != "" {
		c.Redirect(http.StatusFound, afterURL)
		return
	}
	response.OK(c, view)
}

// clientTokenPage serves a small page that lifts the token Trello returns in
// the URL fragment (invisible to the server) into a form POST.
func (h *Handler) clientTokenPage(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(clientTokenPageHTML))
}

func (h *Handler) clientTokenSubmit(c *gin.Context) {
	state := c.PostForm("state")
	token := c.PostForm("token")
	if state == "" || token == "" {
		response.BadRequest(c, "state and token are required")
		return
	}

	view, afterURL, err := h.service.CompleteClientToken(c.Request.Context(), state, token)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if afterURL != "" {
		c.Redirect(http.StatusFound, afterURL)
		return
	}
	response.OK(c, view)
}

const clientTokenPageHTML = `<!DOCTYPE html>
<html>
<head><title>Completing authorization...</title></head>
<body>
<p>Completing authorization...</p>
<form id="relay" method="POST" action="submit" style="display:none">
  <input type="hidden" name="state">
  <input type="hidden" name="token">
</form>
<script>
(function () {
  var form = document.getElementById("relay");
  var hash = window.location.hash.replace(/^#/, "");
  var token = new URLSearchParams(hash).get("token") || "";
  var state = new URLSearchParams(window.location.search).get("state") || "";
  form.elements["state"].value = state;
  form.elements["token"].value = token;
  form.submit();
})();
</script>
</body>
</html>`

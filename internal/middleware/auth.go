package middleware

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/pkg/response"
	"gorm.io/gorm"
)

const (
	ContextKeyAgent    = "agent"
	ContextKeyProject  = "project"
	ContextKeyAPIKeyID = "api_key_id"

	// DefaultAPIKeyHeader carries the agent API key unless the config
	// overrides the header name.
	DefaultAPIKeyHeader = "X-API-KEY"

	adminKeyHeader = "X-ADMIN-KEY"
)

// Auth returns a middleware that resolves the caller's API key to its agent
// and project. Requests without a live key never reach a handler.
func Auth(db *gorm.DB, headerName string) gin.HandlerFunc {
	if headerName == "" {
		headerName = DefaultAPIKeyHeader
	}
	return func(c *gin.Context) {
		agent, project, keyID, err := ValidateAPIKey(db, extractAPIKey(c, headerName))
		if err != nil {
			response.Unauthorized(c)
			return
		}
		c.Set(ContextKeyAgent, agent)
		c.Set(ContextKeyProject, project)
		c.Set(ContextKeyAPIKeyID, keyID)
		c.Next()
	}
}

// AdminAuth returns a middleware guarding operator endpoints (catalog writes,
// scheduler introspection) behind the configured admin key. An empty
// configured key disables the whole admin surface.
func AdminAuth(adminKey string) gin.HandlerFunc {
	expected := []byte(adminKey)
	return func(c *gin.Context) {
		provided := strings.TrimSpace(c.GetHeader(adminKeyHeader))
		if adminKey == "" || provided == "" ||
			subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			response.Unauthorized(c)
			return
		}
		c.Next()
	}
}

// ValidateAPIKey resolves a raw key to its agent, project and key row id.
// Shared with the gateway's handshake validator.
func ValidateAPIKey(db *gorm.DB, rawKey string) (*models.AgentModel, *models.ProjectModel, string, error) {
	key := NormalizeToken(rawKey)
	if key == "" {
		return nil, nil, "", errors.New("api key is required")
	}

	var row models.APIKeyModel
	err := db.Preload("Agent.Project").
		Where("`key` = ? AND status = ?", key, "active").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, "", errors.New("api key not found")
	}
	if err != nil {
		return nil, nil, "", err
	}
	if row.Agent == nil || row.Agent.Project == nil {
		return nil, nil, "", errors.New("api key is orphaned")
	}
	return row.Agent, row.Agent.Project, row.ID, nil
}

// CurrentAgent extracts the authenticated agent from context.
func CurrentAgent(c *gin.Context) *models.AgentModel {
	v, _ := c.Get(ContextKeyAgent)
	agent, _ := v.(*models.AgentModel)
	return agent
}

// CurrentProject extracts the authenticated agent's project from context.
func CurrentProject(c *gin.Context) *models.ProjectModel {
	v, _ := c.Get(ContextKeyProject)
	project, _ := v.(*models.ProjectModel)
	return project
}

// CurrentProjectID returns the project id for the authenticated request.
func CurrentProjectID(c *gin.Context) string {
	if p := CurrentProject(c); p != nil {
		return p.ID
	}
	return ""
}

// CurrentAgentID returns the agent id for the authenticated request.
func CurrentAgentID(c *gin.Context) string {
	if a := CurrentAgent(c); a != nil {
		return a.ID
	}
	return ""
}

func extractAPIKey(c *gin.Context, headerName string) string {
	if v := c.GetHeader(headerName); v != "" {
		return v
	}
	// Socket handshakes and redirects cannot always set headers.
	return c.Query("api_key")
}

// NormalizeToken trims spaces and strips an optional Bearer prefix.
func NormalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if token == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}

package app

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/toolgate/core/internal/models"
)

// Manifest is the admin upsert payload for one app, matching the manifest
// JSON shape operators maintain.
type Manifest struct {
	Name        string            `json:"name" binding:"required"`
	DisplayName string            `json:"display_name"`
	Description string            `json:"description"`
	Provider    string            `json:"provider"`
	Logo        string            `json:"logo"`
	Categories  []string          `json:"categories"`
	Visibility  models.Visibility `json:"visibility"`
	Active      *bool             `json:"active"`

	SecuritySchemes map[models.SecurityScheme]json.RawMessage `json:"security_schemes"`

	// DefaultSecurityCredentials carries operator-provisioned shared
	// credentials, keyed by scheme. Sealed before storage.
	DefaultSecurityCredentials map[models.SecurityScheme]json.RawMessage `json:"default_security_credentials_by_scheme"`
}

// View is the agent-facing app shape. Scheme configs hold client secrets and
// never leave the server; only the scheme kinds are exposed.
type View struct {
	ID                       string            `json:"id"`
	Name                     string            `json:"name"`
	DisplayName              string            `json:"display_name"`
	Description              string            `json:"description"`
	Provider                 string            `json:"provider"`
	Logo                     string            `json:"logo,omitempty"`
	Categories               []string          `json:"categories"`
	Visibility               models.Visibility `json:"visibility"`
	Active                   bool              `json:"active"`
	SupportedSecuritySchemes []string          `json:"supported_security_schemes"`
	Created                  time.Time         `json:"created"`
	Modified                 time.Time         `json:"modified"`
}

func toView(m *models.AppModel) View {
	schemes := make([]string, 0, len(m.SecuritySchemes))
	for s := range m.SecuritySchemes {
		schemes = append(schemes, string(s))
	}
	sort.Strings(schemes)

	return View{
		ID:                       m.ID,
		Name:                     m.Name,
		DisplayName:              m.DisplayName,
		Description:              m.Description,
		Provider:                 m.Provider,
		Logo:                     m.Logo,
		Categories:               m.Categories,
		Visibility:               m.Visibility,
		Active:                   m.Active,
		SupportedSecuritySchemes: schemes,
		Created:                  m.CreatedAt,
		Modified:                 m.UpdatedAt,
	}
}

func toViews(rows []models.AppModel) []View {
	views := make([]View, len(rows))
	for i := range rows {
		views[i] = toView(&rows[i])
	}
	return views
}

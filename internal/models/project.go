package models

// ProjectModel is the tenancy root. Agents, app configurations, linked
// accounts and triggers all hang off a project.
type ProjectModel struct {
	Base
	OrgID            string     `json:"org_id"            gorm:"index;not null"`
	Name             string     `json:"name"              gorm:"not null"`
	VisibilityAccess Visibility `json:"visibility_access" gorm:"default:'public'"`

	Agents []AgentModel `json:"agents,omitempty" gorm:"foreignKey:ProjectID"`
}

func (ProjectModel) TableName() string { return "projects" }

// AgentModel is an autonomous caller inside a project. AllowedApps bounds
// which integrations it may see and execute; CustomInstructions are
// per-function natural-language guardrails.
type AgentModel struct {
	Base
	ProjectID          string            `json:"project_id"  gorm:"index;not null"`
	Name               string            `json:"name"        gorm:"not null"`
	Description        string            `json:"description"`
	AllowedApps        StringArray       `json:"allowed_apps"        gorm:"type:longtext"`
	CustomInstructions map[string]string `json:"custom_instructions" gorm:"type:longtext;serializer:json"`

	Project *ProjectModel `json:"-" gorm:"foreignKey:ProjectID"`
}

func (AgentModel) TableName() string { return "agents" }

// APIKeyModel maps a bearer key to an agent (and through it, a project).
type APIKeyModel struct {
	Base
	Key     string `json:"-"        gorm:"uniqueIndex;not null"`
	AgentID string `json:"agent_id" gorm:"index;not null"`
	Status  string `json:"status"   gorm:"default:'active'"` // active | disabled

	Agent *AgentModel `json:"-" gorm:"foreignKey:AgentID"`
}

func (APIKeyModel) TableName() string { return "api_keys" }

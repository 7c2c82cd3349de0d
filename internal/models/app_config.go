package models

// AppConfigModel enables an app for a project and pins the security scheme
// its linked accounts must use. One row per (project, app).
type AppConfigModel struct {
	Base
	ProjectID      string         `json:"project_id"      gorm:"uniqueIndex:idx_appcfg_project_app;index;not null"`
	AppID          string         `json:"app_id"          gorm:"uniqueIndex:idx_appcfg_project_app;not null"`
	SecurityScheme SecurityScheme `json:"security_scheme" gorm:"not null"`
	Enabled        bool           `json:"enabled"         gorm:"default:true"`

	// SchemeOverrides lets a project substitute its own OAuth client
	// (client_id/client_secret/redirect_url) for the app default.
	SchemeOverrides map[string]interface{} `json:"security_scheme_overrides" gorm:"type:longtext;serializer:json"`

	App *AppModel `json:"app,omitempty" gorm:"foreignKey:AppID"`
}

func (AppConfigModel) TableName() string { return "app_configurations" }

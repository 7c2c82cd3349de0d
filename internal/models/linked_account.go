package models

import "time"

// LinkedAccountModel binds an end user of a project to credentials for one
// app. OwnerID is an opaque identifier chosen by the project (their own user
// id, an email, anything stable). One row per (project, app, owner).
type LinkedAccountModel struct {
	Base
	ProjectID      string         `json:"project_id" gorm:"uniqueIndex:idx_linked_project_app_owner;index;not null"`
	AppID          string         `json:"app_id"     gorm:"uniqueIndex:idx_linked_project_app_owner;index;not null"`
	OwnerID        string         `json:"linked_account_owner_id" gorm:"column:linked_account_owner_id;uniqueIndex:idx_linked_project_app_owner;not null"`
	SecurityScheme SecurityScheme `json:"security_scheme" gorm:"not null"`

	// SecurityCredentials is the credential JSON for the scheme, sealed at
	// rest when an encryption key is configured. Never serialized to clients.
	SecurityCredentials string `json:"-" gorm:"type:longtext"`

	Enabled    bool       `json:"enabled" gorm:"default:true"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	App *AppModel `json:"app,omitempty" gorm:"foreignKey:AppID"`
}

func (LinkedAccountModel) TableName() string { return "linked_accounts" }

// UsesAppDefaultCredentials reports whether this account rides on
// operator-provisioned app credentials instead of its own.
func (l *LinkedAccountModel) UsesAppDefaultCredentials() bool {
	return l.SecurityCredentials == ""
}

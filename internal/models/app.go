package models

import "encoding/json"

// AppModel is the integration manifest for one third-party service.
// Name is upper-snake (GMAIL, HUBSPOT) and immutable after creation; function
// names are prefixed with it.
type AppModel struct {
	Base
	Name        string      `json:"name"         gorm:"uniqueIndex;not null"`
	DisplayName string      `json:"display_name"`
	Description string      `json:"description"  gorm:"type:longtext"`
	Provider    string      `json:"provider"`
	Logo        string      `json:"logo,omitempty"`
	Categories  StringArray `json:"categories"   gorm:"type:longtext"`
	Visibility  Visibility  `json:"visibility"   gorm:"index;default:'public'"`
	Active      bool        `json:"active"       gorm:"index;default:true"`
	Embedding   Vector      `json:"-"            gorm:"type:longtext"`

	// SecuritySchemes maps scheme kind to its provider configuration
	// (client ids, endpoints, injection location). Raw JSON so each scheme
	// can be decoded into its own typed config by the broker.
	SecuritySchemes map[SecurityScheme]json.RawMessage `json:"security_schemes" gorm:"type:longtext;serializer:json"`

	// DefaultSecurityCredentials holds shared credentials an operator may
	// provision so linked accounts can be created without per-user secrets.
	// Sealed at rest when an encryption key is configured.
	DefaultSecurityCredentials map[SecurityScheme]string `json:"-" gorm:"type:longtext;serializer:json"`

	Functions []FunctionModel `json:"functions,omitempty" gorm:"foreignKey:AppID"`
}

func (AppModel) TableName() string { return "apps" }

// SchemeConfig returns the raw config for one scheme kind.
func (a *AppModel) SchemeConfig(scheme SecurityScheme) (json.RawMessage, bool) {
	raw, ok := a.SecuritySchemes[scheme]
	return raw, ok
}

// SupportsScheme reports whether the app declares the given scheme.
func (a *AppModel) SupportsScheme(scheme SecurityScheme) bool {
	_, ok := a.SecuritySchemes[scheme]
	return ok
}

// HasDefaultCredentials reports whether operator-provisioned credentials
// exist for the scheme.
func (a *AppModel) HasDefaultCredentials(scheme SecurityScheme) bool {
	v, ok := a.DefaultSecurityCredentials[scheme]
	return ok && v != ""
}

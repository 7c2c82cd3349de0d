package models

import "strings"

// FunctionModel is one invocable operation on an app, described by a
// JSON-Schema parameter object plus REST protocol data. Names take the form
// "<APP>__<ACTION>" and the prefix must match the owning app.
type FunctionModel struct {
	Base
	Name        string     `json:"name"        gorm:"uniqueIndex;not null"`
	AppID       string     `json:"app_id"      gorm:"index;not null"`
	Description string     `json:"description" gorm:"type:longtext"`
	Tags        StringArray `json:"tags"       gorm:"type:longtext"`
	Visibility  Visibility `json:"visibility"  gorm:"index;default:'public'"`
	Active      bool       `json:"active"      gorm:"index;default:true"`
	Protocol    Protocol   `json:"protocol"    gorm:"default:'rest'"`

	// ProtocolData for REST: {server_url, path, method, headers?}.
	ProtocolData map[string]interface{} `json:"protocol_data" gorm:"type:longtext;serializer:json"`

	// Parameters is a JSON-Schema object whose top-level properties are drawn
	// from {path, query, header, cookie, body}, each following the visible
	// properties convention.
	Parameters map[string]interface{} `json:"parameters" gorm:"type:longtext;serializer:json"`

	Embedding Vector `json:"-" gorm:"type:longtext"`

	App *AppModel `json:"app,omitempty" gorm:"foreignKey:AppID"`
}

func (FunctionModel) TableName() string { return "functions" }

// AppPrefix returns the app-name portion of the function name ("GMAIL" for
// "GMAIL__SEND_EMAIL"), or "" when the separator is missing.
func (f *FunctionModel) AppPrefix() string {
	name, _, found := strings.Cut(f.Name, "__")
	if !found {
		return ""
	}
	return name
}

// ShortName returns the action portion of the function name.
func (f *FunctionModel) ShortName() string {
	_, action, found := strings.Cut(f.Name, "__")
	if !found {
		return f.Name
	}
	return action
}

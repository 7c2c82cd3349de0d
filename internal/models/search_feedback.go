package models

// SearchFeedbackModel captures whether a function search served the agent
// well, either stated explicitly or inferred from a follow-up execution.
type SearchFeedbackModel struct {
	Base
	AgentID   string `json:"agent_id"   gorm:"index;not null"`
	ProjectID string `json:"project_id" gorm:"index;not null"`

	Intent                string      `json:"intent,omitempty"`
	ReturnedFunctionNames StringArray `json:"returned_function_names" gorm:"type:longtext"`
	SelectedFunctionName  *string     `json:"selected_function_name,omitempty"`

	WasHelpful      bool         `json:"was_helpful"`
	FeedbackType    FeedbackType `json:"feedback_type"    gorm:"index;not null"`
	FeedbackComment string       `json:"feedback_comment,omitempty"`

	SearchMetadata map[string]interface{} `json:"search_metadata" gorm:"type:longtext;serializer:json"`
}

func (SearchFeedbackModel) TableName() string { return "function_search_feedback" }

package function

import (
	"time"

	"github.com/toolgate/core/internal/models"
)

// Result is the lightweight function view returned by list and search. Full
// parameter schemas are served by the definition endpoint.
type Result struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	AppName     string   `json:"app_name"`
	Tags        []string `json:"tags,omitempty"`
	Created     time.Time `json:"created"`
}

func toResult(fn *models.FunctionModel) Result {
	appName := fn.AppPrefix()
	if fn.App != nil {
		appName = fn.App.Name
	}
	return Result{
		Name:        fn.Name,
		Description: fn.Description,
		AppName:     appName,
		Tags:        fn.Tags,
		Created:     fn.CreatedAt,
	}
}

func toResults(rows []models.FunctionModel) []Result {
	out := make([]Result, len(rows))
	for i := range rows {
		out[i] = toResult(&rows[i])
	}
	return out
}

// Manifest is the admin-side write shape for one function.
type Manifest struct {
	Name         string                 `json:"name" binding:"required"`
	Description  string                 `json:"description"`
	Tags         []string               `json:"tags"`
	Visibility   models.Visibility      `json:"visibility"`
	Active       *bool                  `json:"active"`
	Protocol     models.Protocol        `json:"protocol"`
	ProtocolData map[string]interface{} `json:"protocol_data"`
	Parameters   map[string]interface{} `json:"parameters"`
}

// FeedbackRequest is explicit agent feedback on a past search.
type FeedbackRequest struct {
	Intent                string                 `json:"intent"`
	ReturnedFunctionNames []string               `json:"returned_function_names"`
	SelectedFunctionName  *string                `json:"selected_function_name"`
	WasHelpful            *bool                  `json:"was_helpful" binding:"required"`
	FeedbackComment       string                 `json:"feedback_comment"`
	SearchMetadata        map[string]interface{} `json:"search_metadata"`
}

package function

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toolgate/core/internal/models"
)

func TestLexicalToken(t *testing.T) {
	tests := []struct {
		name   string
		intent string
		want   string
	}{
		{"empty", "", ""},
		{"too short", "hi", ""},
		{"short tokens dropped", "a an the", ""},
		{"first long token wins", "send email with gmail", "send"},
		{"punctuation stripped", "send, email!", "send"},
		{"symbols removed", "créate $$$ issue", "crate"},
		{"keeps dots dashes underscores", "use user.name-v2_id", "user.name-v2_id"},
		{"stops after three kept tokens", "alpha beta gamma delta epsilon", "alpha"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, lexicalToken(tc.intent))
		})
	}
}

func TestIntersectAllowed(t *testing.T) {
	allowed := models.StringArray{"GMAIL", "GITHUB"}

	require.Equal(t, []string{"GMAIL", "GITHUB"}, intersectAllowed(nil, allowed))
	require.Equal(t, []string{"GITHUB"}, intersectAllowed([]string{"GITHUB", "SLACK"}, allowed))
	require.Empty(t, intersectAllowed([]string{"SLACK"}, allowed))
	require.Empty(t, intersectAllowed([]string{"SLACK"}, nil))
}

func TestSplitAppNames(t *testing.T) {
	require.Equal(t, []string{"GMAIL", "GITHUB", "SLACK"},
		splitAppNames([]string{"GMAIL,GITHUB", " SLACK "}))
	require.Empty(t, splitAppNames(nil))
	require.Empty(t, splitAppNames([]string{",", ""}))
}

func TestToResultAppName(t *testing.T) {
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	fn := models.FunctionModel{
		Name:        "GMAIL__SEND_EMAIL",
		Description: "Send an email.",
		Tags:        models.StringArray{"email"},
		App:         &models.AppModel{Name: "GMAIL"},
	}
	fn.CreatedAt = created

	view := toResult(&fn)
	require.Equal(t, "GMAIL", view.AppName)
	require.Equal(t, created, view.Created)

	fn.App = nil
	require.Equal(t, "GMAIL", toResult(&fn).AppName, "falls back to the name prefix")
}

func TestNewImplicitExecutionFeedback(t *testing.T) {
	entry := StashEntry{Intent: "send an email", FunctionNames: []string{"GMAIL__SEND_EMAIL", "GMAIL__DRAFT"}}

	row := NewImplicitExecutionFeedback("proj-1", "agent-1", entry, "GMAIL__SEND_EMAIL", true)
	require.Equal(t, "proj-1", row.ProjectID)
	require.Equal(t, "agent-1", row.AgentID)
	require.Equal(t, models.FeedbackImplicitExecution, row.FeedbackType)
	require.NotNil(t, row.SelectedFunctionName)
	require.Equal(t, "GMAIL__SEND_EMAIL", *row.SelectedFunctionName)
	require.True(t, row.WasHelpful)
	require.Equal(t, models.StringArray{"GMAIL__SEND_EMAIL", "GMAIL__DRAFT"}, row.ReturnedFunctionNames)
}

func TestSameJSON(t *testing.T) {
	a := map[string]interface{}{"type": "object", "properties": map[string]interface{}{"q": "x"}}
	b := map[string]interface{}{"type": "object", "properties": map[string]interface{}{"q": "x"}}
	c := map[string]interface{}{"type": "object"}

	require.True(t, sameJSON(a, b))
	require.False(t, sameJSON(a, c))
	require.True(t, sameJSON(nil, nil))
}

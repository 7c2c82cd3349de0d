package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/pkg/inference"
)

func guardFunction() *models.FunctionModel {
	return &models.FunctionModel{
		Name:        "GMAIL__SEND_EMAIL",
		Description: "Send an email through Gmail.",
	}
}

// completionServer fakes an OpenAI-compatible chat completions endpoint that
// always answers with the given content.
func completionServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": content}},
			},
		})
	}))
}

func guardClient(baseURL string) *inference.Client {
	return inference.New(inference.Config{
		Provider: "openai-compatible",
		APIKey:   "test-key",
		BaseURL:  baseURL,
		Timeout:  2 * time.Second,
	})
}

func TestGuardPassesWithoutClient(t *testing.T) {
	g := NewGuard(nil, nil)
	require.NoError(t, g.Check(context.Background(), guardFunction(), nil, "never email externals"))

	g = NewGuard(inference.New(inference.Config{}), nil)
	require.NoError(t, g.Check(context.Background(), guardFunction(), nil, "never email externals"))
}

func TestGuardPassesWithoutInstruction(t *testing.T) {
	srv := completionServer(t, `{"violates": true, "reason": "should never be called"}`)
	defer srv.Close()

	g := NewGuard(guardClient(srv.URL), nil)
	require.NoError(t, g.Check(context.Background(), guardFunction(), nil, ""))
}

func TestGuardBlocksViolation(t *testing.T) {
	srv := completionServer(t, `{"violates": true, "reason": "recipient is outside the company"}`)
	defer srv.Close()

	g := NewGuard(guardClient(srv.URL), nil)
	input := map[string]interface{}{
		"body": map[string]interface{}{"to": "stranger@else.where"},
	}
	err := g.Check(context.Background(), guardFunction(), input, "only email @corp.example addresses")
	require.ErrorIs(t, err, apperrors.ErrInstructionViolation)
	require.Contains(t, err.Error(), "outside the company")
}

func TestGuardAllowsCleanVerdict(t *testing.T) {
	srv := completionServer(t, "```json\n{\"violates\": false, \"reason\": \"ok\"}\n```")
	defer srv.Close()

	g := NewGuard(guardClient(srv.URL), nil)
	err := g.Check(context.Background(), guardFunction(), nil, "only email @corp.example addresses")
	require.NoError(t, err)
}

func TestGuardUnreachableModelBlocks(t *testing.T) {
	srv := completionServer(t, "{}")
	url := srv.URL
	srv.Close()

	g := NewGuard(guardClient(url), nil)
	err := g.Check(context.Background(), guardFunction(), nil, "only email @corp.example addresses")
	require.Error(t, err)
	require.NotErrorIs(t, err, apperrors.ErrInstructionViolation)
}

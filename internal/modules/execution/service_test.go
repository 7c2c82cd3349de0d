package execution

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/pkg/metrics"
)

func dispatchService(srv *httptest.Server) *Service {
	return &Service{httpClient: srv.Client(), logger: zap.NewNop()}
}

func TestDispatchSuccessJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "msg_1", "sent": true}`))
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)

	result := dispatchService(srv).dispatch(req)
	require.True(t, result.Success)
	require.Empty(t, result.Error)

	data, ok := result.Data.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "msg_1", data["id"])
}

func TestDispatchSuccessNonJSONFallsBackToText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	result := dispatchService(srv).dispatch(req)
	require.True(t, result.Success)
	require.Equal(t, "pong", result.Data)
}

func TestDispatchEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL, nil)
	require.NoError(t, err)

	result := dispatchService(srv).dispatch(req)
	require.True(t, result.Success)
	require.Equal(t, map[string]interface{}{}, result.Data)
}

func TestDispatchNon2xxIsResultNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "mailbox gone"}`))
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	result := dispatchService(srv).dispatch(req)
	require.False(t, result.Success)
	require.JSONEq(t, `{"error": "mailbox gone"}`, result.Error)
}

func TestDispatchTransportErrorIsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	client := srv.Client()
	srv.Close()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)

	s := &Service{httpClient: client, logger: zap.NewNop()}
	result := s.dispatch(req)
	require.False(t, result.Success)
	require.NotEmpty(t, result.Error)
}

func TestExecuteRequiresAgent(t *testing.T) {
	s := NewService(nil, nil, nil, nil, nil, nil, metrics.NewCollector())

	_, err := s.Execute(context.Background(), &models.ProjectModel{}, nil, "GMAIL__SEND_EMAIL", &Request{OwnerID: "u1"})
	require.ErrorIs(t, err, apperrors.ErrAuthentication)
}

func TestContains(t *testing.T) {
	require.True(t, contains([]string{"GMAIL", "SLACK"}, "SLACK"))
	require.False(t, contains([]string{"GMAIL"}, "SLACK"))
	require.False(t, contains(nil, "SLACK"))
}

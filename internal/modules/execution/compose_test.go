package execution

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/modules/accounts/broker"
)

func restFunction(protocolData map[string]interface{}) *models.FunctionModel {
	return &models.FunctionModel{
		Name:         "GMAIL__SEND_EMAIL",
		Protocol:     models.ProtocolREST,
		ProtocolData: protocolData,
	}
}

func noAuthAccess() *broker.Access {
	return &broker.Access{Scheme: models.SchemeNoAuth, Credentials: json.RawMessage(`{}`)}
}

func oauth2App(t *testing.T, extra map[string]interface{}) *models.AppModel {
	t.Helper()
	cfg := map[string]interface{}{
		"client_id":        "cid",
		"client_secret":    "csecret",
		"authorize_url":    "https://provider.example.com/auth",
		"access_token_url": "https://provider.example.com/token",
	}
	for k, v := range extra {
		cfg[k] = v
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return &models.AppModel{
		Name:            "GMAIL",
		SecuritySchemes: map[models.SecurityScheme]json.RawMessage{models.SchemeOAuth2: raw},
	}
}

func oauth2Access(t *testing.T, creds broker.OAuth2Credentials) *broker.Access {
	t.Helper()
	raw, err := json.Marshal(creds)
	require.NoError(t, err)
	return &broker.Access{Scheme: models.SchemeOAuth2, Credentials: raw}
}

func TestParseRestMetadata(t *testing.T) {
	meta, err := parseRestMetadata(map[string]interface{}{
		"server_url": "https://api.example.com",
		"path":       "/v1/items",
		"method":     "post",
		"headers":    map[string]interface{}{"Accept": "application/json"},
	})
	require.NoError(t, err)
	require.Equal(t, "POST", meta.Method)
	require.Equal(t, "application/json", meta.Headers["Accept"])

	_, err = parseRestMetadata(nil)
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = parseRestMetadata(map[string]interface{}{"server_url": "https://a", "path": "/b"})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestSplitInput(t *testing.T) {
	parts, err := splitInput(map[string]interface{}{
		"path":   map[string]interface{}{"id": 42},
		"query":  map[string]interface{}{"limit": 5, "verbose": true},
		"header": map[string]interface{}{"X-Trace": "abc"},
		"body":   map[string]interface{}{"text": "hi"},
	})
	require.NoError(t, err)
	require.Equal(t, 42, parts.path["id"])
	require.Equal(t, "5", parts.query["limit"])
	require.Equal(t, "true", parts.query["verbose"])
	require.Equal(t, "abc", parts.headers["X-Trace"])
	require.Equal(t, "hi", parts.body["text"])

	_, err = splitInput(map[string]interface{}{"query": "not-an-object"})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = splitInput(map[string]interface{}{"params": map[string]interface{}{}})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestStringify(t *testing.T) {
	require.Equal(t, "plain", stringify("plain"))
	require.Equal(t, "true", stringify(true))
	require.Equal(t, "42", stringify(float64(42)))
	require.Equal(t, "4.5", stringify(4.5))
	require.Equal(t, "", stringify(nil))
	require.Equal(t, `["a","b"]`, stringify([]interface{}{"a", "b"}))
}

func TestComposePathSubstitutionAndQuery(t *testing.T) {
	fn := restFunction(map[string]interface{}{
		"server_url": "https://api.example.com",
		"path":       "/v1/users/{user_id}/items/{item_id}",
		"method":     "GET",
	})
	input := map[string]interface{}{
		"path":  map[string]interface{}{"user_id": "u1", "item_id": 7},
		"query": map[string]interface{}{"expand": "details"},
	}

	req, err := composeRequest(context.Background(), fn, &models.AppModel{Name: "X"}, nil, input, noAuthAccess())
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "https://api.example.com/v1/users/u1/items/7?expand=details", req.URL.String())
	require.Nil(t, req.Body)
}

func TestComposeHeaderMergeInputWins(t *testing.T) {
	fn := restFunction(map[string]interface{}{
		"server_url": "https://api.example.com",
		"path":       "/v1/send",
		"method":     "POST",
		"headers": map[string]interface{}{
			"Content-Type": "application/json",
			"X-Mode":       "default",
		},
	})
	input := map[string]interface{}{
		"header": map[string]interface{}{"X-Mode": "override"},
		"body":   map[string]interface{}{"text": "hello"},
	}

	req, err := composeRequest(context.Background(), fn, &models.AppModel{Name: "X"}, nil, input, noAuthAccess())
	require.NoError(t, err)
	require.Equal(t, "override", req.Header.Get("X-Mode"))
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))

	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"hello"}`, string(raw))
}

func TestComposeOAuth2HeaderInjection(t *testing.T) {
	app := oauth2App(t, map[string]interface{}{
		"prefix":             "Bearer",
		"additional_headers": map[string]interface{}{"orgId": "{{orgId}}"},
	})
	fn := restFunction(map[string]interface{}{
		"server_url": "https://api.example.com",
		"path":       "/v1/tickets",
		"method":     "GET",
	})
	access := oauth2Access(t, broker.OAuth2Credentials{
		AccessToken: "tok123",
		Metadata:    map[string]string{"orgId": "900042"},
	})

	req, err := composeRequest(context.Background(), fn, app, nil, nil, access)
	require.NoError(t, err)
	require.Equal(t, "Bearer tok123", req.Header.Get("Authorization"))
	require.Equal(t, "900042", req.Header.Get("orgId"))
}

func TestComposeOAuth2QueryLocation(t *testing.T) {
	app := oauth2App(t, map[string]interface{}{
		"location": "query",
		"name":     "access_token",
	})
	fn := restFunction(map[string]interface{}{
		"server_url": "https://api.example.com",
		"path":       "/v1/me",
		"method":     "GET",
	})
	access := oauth2Access(t, broker.OAuth2Credentials{AccessToken: "tok123"})

	req, err := composeRequest(context.Background(), fn, app, nil, nil, access)
	require.NoError(t, err)
	require.Equal(t, "tok123", req.URL.Query().Get("access_token"))
	require.Empty(t, req.Header.Get("Authorization"))
}

func TestComposeAPIKeyQueryInjection(t *testing.T) {
	raw, err := json.Marshal(map[string]interface{}{"location": "query", "name": "key"})
	require.NoError(t, err)
	app := &models.AppModel{
		Name:            "BRAVE",
		SecuritySchemes: map[models.SecurityScheme]json.RawMessage{models.SchemeAPIKey: raw},
	}
	fn := restFunction(map[string]interface{}{
		"server_url": "https://api.example.com",
		"path":       "/v1/search",
		"method":     "GET",
	})
	credsRaw, err := json.Marshal(broker.APIKeyCredentials{SecretKey: "sk-shared"})
	require.NoError(t, err)
	access := &broker.Access{Scheme: models.SchemeAPIKey, Credentials: credsRaw}

	req, err := composeRequest(context.Background(), fn, app, nil, nil, access)
	require.NoError(t, err)
	require.Equal(t, "sk-shared", req.URL.Query().Get("key"))
}

func TestComposeOAuth1QueryInjection(t *testing.T) {
	fn := restFunction(map[string]interface{}{
		"server_url": "https://api.trello.com",
		"path":       "/1/boards/{board_id}",
		"method":     "GET",
	})
	credsRaw, err := json.Marshal(broker.OAuth1Credentials{
		ConsumerKey: "ck-1",
		OAuthToken:  "ot-2",
	})
	require.NoError(t, err)
	access := &broker.Access{Scheme: models.SchemeOAuth1, Credentials: credsRaw}
	input := map[string]interface{}{
		"path": map[string]interface{}{"board_id": "b9"},
	}

	req, err := composeRequest(context.Background(), fn, &models.AppModel{Name: "TRELLO"}, nil, input, access)
	require.NoError(t, err)
	require.Equal(t, "ck-1", req.URL.Query().Get("key"))
	require.Equal(t, "ot-2", req.URL.Query().Get("token"))
	require.Equal(t, "/1/boards/b9", req.URL.Path)
}

func readMultipart(t *testing.T, req *http.Request) map[string][2]string {
	t.Helper()
	mediaType, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/form-data", mediaType)
	require.NotEmpty(t, params["boundary"])

	parts := map[string][2]string{}
	reader := multipart.NewReader(req.Body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(part)
		require.NoError(t, err)
		parts[part.FormName()] = [2]string{part.FileName(), string(content)}
	}
	return parts
}

func TestComposeMultipartExplicitContentType(t *testing.T) {
	fn := restFunction(map[string]interface{}{
		"server_url": "https://api.example.com",
		"path":       "/v1/upload",
		"method":     "POST",
		"headers":    map[string]interface{}{"Content-Type": "multipart/form-data"},
	})
	input := map[string]interface{}{
		"body": map[string]interface{}{
			"attachment": base64.StdEncoding.EncodeToString([]byte("hello world")),
			"filename":   "notes.txt",
			"channel":    "general",
		},
	}

	req, err := composeRequest(context.Background(), fn, &models.AppModel{Name: "X"}, nil, input, noAuthAccess())
	require.NoError(t, err)

	parts := readMultipart(t, req)
	require.Equal(t, [2]string{"notes.txt", "hello world"}, parts["attachment"])
	require.Equal(t, [2]string{"", "general"}, parts["channel"])
	_, hasFilenamePart := parts["filename"]
	require.False(t, hasFilenamePart)
}

func TestComposeMultipartAutoDetectedByFileKey(t *testing.T) {
	fn := restFunction(map[string]interface{}{
		"server_url": "https://api.example.com",
		"path":       "/v1/upload",
		"method":     "POST",
	})
	input := map[string]interface{}{
		"body": map[string]interface{}{
			"file": base64.StdEncoding.EncodeToString([]byte("payload")),
		},
	}

	req, err := composeRequest(context.Background(), fn, &models.AppModel{Name: "X"}, nil, input, noAuthAccess())
	require.NoError(t, err)

	parts := readMultipart(t, req)
	require.Equal(t, [2]string{"file", "payload"}, parts["file"])
}

func TestComposeMultipartNonBase64LongStringStaysField(t *testing.T) {
	fn := restFunction(map[string]interface{}{
		"server_url": "https://api.example.com",
		"path":       "/v1/upload",
		"method":     "POST",
		"headers":    map[string]interface{}{"Content-Type": "multipart/form-data"},
	})
	long := strings.Repeat("x", 150)
	input := map[string]interface{}{
		"body": map[string]interface{}{"data": long},
	}

	req, err := composeRequest(context.Background(), fn, &models.AppModel{Name: "X"}, nil, input, noAuthAccess())
	require.NoError(t, err)

	parts := readMultipart(t, req)
	require.Equal(t, [2]string{"", long}, parts["data"])
}

func TestComposeFormEncodedBody(t *testing.T) {
	fn := restFunction(map[string]interface{}{
		"server_url": "https://api.example.com",
		"path":       "/v1/token",
		"method":     "POST",
		"headers":    map[string]interface{}{"Content-Type": "application/x-www-form-urlencoded"},
	})
	input := map[string]interface{}{
		"body": map[string]interface{}{"grant_type": "refresh_token", "count": 3},
	}

	req, err := composeRequest(context.Background(), fn, &models.AppModel{Name: "X"}, nil, input, noAuthAccess())
	require.NoError(t, err)
	require.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))

	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	form, err := url.ParseQuery(string(raw))
	require.NoError(t, err)
	require.Equal(t, "refresh_token", form.Get("grant_type"))
	require.Equal(t, "3", form.Get("count"))
}

func TestComposeJSONBodySetsContentType(t *testing.T) {
	fn := restFunction(map[string]interface{}{
		"server_url": "https://api.example.com",
		"path":       "/v1/items",
		"method":     "POST",
	})
	input := map[string]interface{}{
		"body": map[string]interface{}{"name": "widget"},
	}

	req, err := composeRequest(context.Background(), fn, &models.AppModel{Name: "X"}, nil, input, noAuthAccess())
	require.NoError(t, err)
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))

	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"widget"}`, string(raw))
}

func TestComposeCookies(t *testing.T) {
	fn := restFunction(map[string]interface{}{
		"server_url": "https://api.example.com",
		"path":       "/v1/session",
		"method":     "GET",
	})
	input := map[string]interface{}{
		"cookie": map[string]interface{}{"sid": "abc123"},
	}

	req, err := composeRequest(context.Background(), fn, &models.AppModel{Name: "X"}, nil, input, noAuthAccess())
	require.NoError(t, err)
	cookie, err := req.Cookie("sid")
	require.NoError(t, err)
	require.Equal(t, "abc123", cookie.Value)
}

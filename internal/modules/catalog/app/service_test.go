package app

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/pkg/cipher"
	"github.com/toolgate/core/internal/pkg/embedding"
)

func newTestService(t *testing.T, secret string) *Service {
	t.Helper()
	box, err := cipher.New(secret)
	require.NoError(t, err)
	return NewService(nil, embedding.New("", "", "", 0), box)
}

func TestValidateManifest(t *testing.T) {
	svc := newTestService(t, "")

	cases := []struct {
		name     string
		manifest Manifest
		wantErr  bool
	}{
		{
			name:     "valid minimal",
			manifest: Manifest{Name: "GMAIL"},
		},
		{
			name:     "lowercase name rejected",
			manifest: Manifest{Name: "gmail"},
			wantErr:  true,
		},
		{
			name:     "name with dash rejected",
			manifest: Manifest{Name: "GOOGLE-CALENDAR"},
			wantErr:  true,
		},
		{
			name:     "bad visibility",
			manifest: Manifest{Name: "GMAIL", Visibility: "internal"},
			wantErr:  true,
		},
		{
			name: "valid schemes",
			manifest: Manifest{
				Name: "GMAIL",
				SecuritySchemes: map[models.SecurityScheme]json.RawMessage{
					models.SchemeNoAuth: json.RawMessage(`{}`),
					models.SchemeOAuth2: json.RawMessage(`{"client_id":"a","authorize_url":"u","access_token_url":"t"}`),
				},
			},
		},
		{
			name: "broken scheme config",
			manifest: Manifest{
				Name: "GMAIL",
				SecuritySchemes: map[models.SecurityScheme]json.RawMessage{
					models.SchemeOAuth2: json.RawMessage(`{"client_id":"a"}`),
				},
			},
			wantErr: true,
		},
		{
			name: "default credentials for undeclared scheme",
			manifest: Manifest{
				Name: "BRAVE",
				DefaultSecurityCredentials: map[models.SecurityScheme]json.RawMessage{
					models.SchemeAPIKey: json.RawMessage(`{"secret_key":"sk"}`),
				},
			},
			wantErr: true,
		},
		{
			name: "default credentials shape mismatch",
			manifest: Manifest{
				Name: "BRAVE",
				SecuritySchemes: map[models.SecurityScheme]json.RawMessage{
					models.SchemeAPIKey: json.RawMessage(`{"location":"header","name":"X-Key"}`),
				},
				DefaultSecurityCredentials: map[models.SecurityScheme]json.RawMessage{
					models.SchemeAPIKey: json.RawMessage(`{"token":"sk"}`),
				},
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.validateManifest(&tc.manifest)
			if tc.wantErr {
				require.ErrorIs(t, err, apperrors.ErrValidation)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSealDefaultCredentials(t *testing.T) {
	svc := newTestService(t, "app-test-key")

	sealed, err := svc.sealDefaultCredentials(&Manifest{
		Name: "BRAVE",
		DefaultSecurityCredentials: map[models.SecurityScheme]json.RawMessage{
			models.SchemeAPIKey: json.RawMessage(`{"secret_key":"sk"}`),
		},
	})
	require.NoError(t, err)
	require.Len(t, sealed, 1)
	require.Contains(t, sealed[models.SchemeAPIKey], cipher.Prefix)

	opened, err := svc.box.Open(sealed[models.SchemeAPIKey])
	require.NoError(t, err)
	require.JSONEq(t, `{"secret_key":"sk"}`, string(opened))
}

func TestToViewRedactsSchemeConfigs(t *testing.T) {
	row := &models.AppModel{
		Name:        "GMAIL",
		DisplayName: "Gmail",
		Categories:  models.StringArray{"email"},
		Visibility:  models.VisibilityPublic,
		Active:      true,
		SecuritySchemes: map[models.SecurityScheme]json.RawMessage{
			models.SchemeOAuth2: json.RawMessage(`{"client_secret":"top-secret"}`),
			models.SchemeNoAuth: json.RawMessage(`{}`),
		},
		DefaultSecurityCredentials: map[models.SecurityScheme]string{
			models.SchemeOAuth2: `{"access_token":"at"}`,
		},
	}

	view := toView(row)
	require.Equal(t, []string{"no_auth", "oauth2"}, view.SupportedSecuritySchemes)

	encoded, err := json.Marshal(view)
	require.NoError(t, err)
	require.NotContains(t, string(encoded), "top-secret")
	require.NotContains(t, string(encoded), "access_token")
}

func TestStringSlicesEqual(t *testing.T) {
	require.True(t, stringSlicesEqual(models.StringArray{"a", "b"}, []string{"a", "b"}))
	require.False(t, stringSlicesEqual(models.StringArray{"a"}, []string{"a", "b"}))
	require.False(t, stringSlicesEqual(models.StringArray{"a", "c"}, []string{"a", "b"}))
	require.True(t, stringSlicesEqual(nil, nil))
}

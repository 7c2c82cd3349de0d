package execution

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/modules/accounts/broker"
)

// restMetadata is the parsed protocol_data of a rest function.
type restMetadata struct {
	ServerURL string            `json:"server_url"`
	Path      string            `json:"path"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
}

func parseRestMetadata(data map[string]interface{}) (*restMetadata, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: function has no protocol data", apperrors.ErrValidation)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: protocol data not serializable: %v", apperrors.ErrValidation, err)
	}
	var meta restMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: malformed protocol data: %v", apperrors.ErrValidation, err)
	}
	if meta.ServerURL == "" || meta.Path == "" || meta.Method == "" {
		return nil, fmt.Errorf("%w: protocol data requires server_url, path and method", apperrors.ErrValidation)
	}
	meta.Method = strings.ToUpper(meta.Method)
	return &meta, nil
}

// inputParts is function_input split by parameter location.
type inputParts struct {
	path    map[string]interface{}
	query   map[string]string
	headers map[string]string
	cookies map[string]string
	body    map[string]interface{}
}

func splitInput(input map[string]interface{}) (*inputParts, error) {
	parts := &inputParts{
		path:    map[string]interface{}{},
		query:   map[string]string{},
		headers: map[string]string{},
		cookies: map[string]string{},
		body:    map[string]interface{}{},
	}
	for location, raw := range input {
		if raw == nil {
			continue
		}
		sub, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: function_input.%s must be an object", apperrors.ErrValidation, location)
		}
		switch location {
		case "path":
			for k, v := range sub {
				parts.path[k] = v
			}
		case "query":
			for k, v := range sub {
				parts.query[k] = stringify(v)
			}
		case "header":
			for k, v := range sub {
				parts.headers[k] = stringify(v)
			}
		case "cookie":
			for k, v := range sub {
				parts.cookies[k] = stringify(v)
			}
		case "body":
			for k, v := range sub {
				parts.body[k] = v
			}
		default:
			return nil, fmt.Errorf("%w: unknown function_input location %q", apperrors.ErrValidation, location)
		}
	}
	return parts, nil
}

// stringify renders a JSON value for use in a URL, header or form field.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case nil:
		return ""
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

// injectCredentials places the resolved credential into the request maps per
// the app's scheme config. body is mutated for BODY-located tokens.
func injectCredentials(app *models.AppModel, appCfg *models.AppConfigModel, access *broker.Access, parts *inputParts) error {
	switch access.Scheme {
	case models.SchemeNoAuth:
		return nil

	case models.SchemeOAuth2:
		cfg, err := broker.ResolveOAuth2Config(app, appCfg)
		if err != nil {
			return err
		}
		creds, err := access.OAuth2()
		if err != nil {
			return err
		}
		token := creds.AccessToken
		if cfg.Prefix != "" {
			token = cfg.Prefix + " " + token
		}
		if err := placeValue(cfg.Location, cfg.Name, token, parts); err != nil {
			return err
		}
		for name, template := range cfg.AdditionalHeaders {
			value := template
			for key, meta := range creds.Metadata {
				value = strings.ReplaceAll(value, "{{"+key+"}}", meta)
			}
			parts.headers[name] = value
		}
		return nil

	case models.SchemeOAuth1:
		creds, err := access.OAuth1()
		if err != nil {
			return err
		}
		parts.query["key"] = creds.ConsumerKey
		parts.query["token"] = creds.OAuthToken
		return nil

	case models.SchemeAPIKey:
		cfg, err := broker.ResolveAPIKeyConfig(app)
		if err != nil {
			return err
		}
		creds, err := access.APIKey()
		if err != nil {
			return err
		}
		key := creds.SecretKey
		if cfg.Prefix != "" {
			key = cfg.Prefix + " " + key
		}
		return placeValue(cfg.Location, cfg.Name, key, parts)

	default:
		return fmt.Errorf("%w: unsupported security scheme %s", apperrors.ErrValidation, access.Scheme)
	}
}

func placeValue(location broker.HTTPLocation, name, value string, parts *inputParts) error {
	switch location {
	case broker.LocationHeader:
		parts.headers[name] = value
	case broker.LocationQuery:
		parts.query[name] = value
	case broker.LocationBody:
		parts.body[name] = value
	case broker.LocationCookie:
		parts.cookies[name] = value
	default:
		return fmt.Errorf("%w: unsupported credential location %q", apperrors.ErrValidation, location)
	}
	return nil
}

// fileFieldNames flags body keys that mean "this is a file upload".
var fileFieldNames = map[string]struct{}{
	"attachment": {},
	"file":       {},
	"upload":     {},
}

// composeRequest turns (function, input, credentials) into the outbound HTTP
// request: path substitution, default-header merge, credential injection and
// content-type routing (multipart / form / JSON).
func composeRequest(ctx context.Context, fn *models.FunctionModel, app *models.AppModel, appCfg *models.AppConfigModel, input map[string]interface{}, access *broker.Access) (*http.Request, error) {
	meta, err := parseRestMetadata(fn.ProtocolData)
	if err != nil {
		return nil, err
	}
	parts, err := splitInput(input)
	if err != nil {
		return nil, err
	}

	rawURL := meta.ServerURL + meta.Path
	for name, value := range parts.path {
		rawURL = strings.ReplaceAll(rawURL, "{"+name+"}", stringify(value))
	}

	// Manifest default headers first; the caller's headers win.
	merged := map[string]string{}
	for k, v := range meta.Headers {
		merged[k] = v
	}
	for k, v := range parts.headers {
		merged[k] = v
	}
	parts.headers = merged

	if err := injectCredentials(app, appCfg, access, parts); err != nil {
		return nil, err
	}

	contentType := strings.ToLower(parts.headers["Content-Type"])
	isForm := strings.Contains(contentType, "application/x-www-form-urlencoded")
	isMultipart := strings.Contains(contentType, "multipart/form-data")
	// Key-name sniffing only applies when the manifest declares no content type.
	if contentType == "" && len(parts.body) > 0 {
		for key := range fileFieldNames {
			if _, ok := parts.body[key]; ok {
				isMultipart = true
				break
			}
		}
	}

	var bodyReader io.Reader
	multipartContentType := ""
	switch {
	case isMultipart:
		// The multipart writer owns Content-Type: a preset value has no
		// boundary and would break parsing.
		delete(parts.headers, "Content-Type")
		if len(parts.body) > 0 {
			buf, formContentType, err := encodeMultipart(parts.body)
			if err != nil {
				return nil, err
			}
			bodyReader = buf
			multipartContentType = formContentType
		}
	case isForm:
		form := url.Values{}
		for k, v := range parts.body {
			form.Set(k, stringify(v))
		}
		bodyReader = strings.NewReader(form.Encode())
	case len(parts.body) > 0:
		raw, err := json.Marshal(parts.body)
		if err != nil {
			return nil, fmt.Errorf("%w: body not serializable: %v", apperrors.ErrValidation, err)
		}
		bodyReader = bytes.NewReader(raw)
		if _, ok := parts.headers["Content-Type"]; !ok {
			parts.headers["Content-Type"] = "application/json"
		}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed target url: %v", apperrors.ErrValidation, err)
	}
	q := parsed.Query()
	for k, v := range parts.query {
		q.Set(k, v)
	}
	parsed.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, meta.Method, parsed.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", apperrors.ErrValidation, err)
	}
	for k, v := range parts.headers {
		req.Header.Set(k, v)
	}
	if multipartContentType != "" {
		req.Header.Set("Content-Type", multipartContentType)
	}
	for k, v := range parts.cookies {
		req.AddCookie(&http.Cookie{Name: k, Value: v})
	}
	return req, nil
}

// encodeMultipart builds the multipart body. File-flagged keys and long
// string values are tried as base64; anything that does not decode stays a
// plain form field. body["filename"] names the file parts.
func encodeMultipart(body map[string]interface{}) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	filename := "file"
	if v, ok := body["filename"].(string); ok && v != "" {
		filename = v
	}

	keys := make([]string, 0, len(body))
	for k := range body {
		if k == "filename" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := body[key]
		if str, ok := value.(string); ok && isFileCandidate(key, str) {
			if decoded, err := base64.StdEncoding.DecodeString(str); err == nil {
				part, err := w.CreateFormFile(key, filename)
				if err != nil {
					return nil, "", fmt.Errorf("multipart file part %s: %w", key, err)
				}
				if _, err := part.Write(decoded); err != nil {
					return nil, "", fmt.Errorf("multipart file part %s: %w", key, err)
				}
				continue
			}
		}
		if err := w.WriteField(key, stringify(value)); err != nil {
			return nil, "", fmt.Errorf("multipart field %s: %w", key, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

func isFileCandidate(key, value string) bool {
	if _, ok := fileFieldNames[key]; ok {
		return true
	}
	return len(value) > 100
}

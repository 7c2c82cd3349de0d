package embedding

import (
	"context"
	"fmt"
	"math"
	neturl "net/url"
	"sort"
	"strings"

	openaiclient "github.com/openai/openai-go/v2"
	openaioption "github.com/openai/openai-go/v2/option"

	"github.com/toolgate/core/internal/apperrors"
)

// Client produces fixed-dimension embedding vectors via the OpenAI
// embeddings API.
type Client struct {
	api        openaiclient.Client
	model      string
	dimensions int
	enabled    bool
}

// New builds an embedding client. An empty API key yields a disabled client
// whose Embed calls report ErrEmbeddingUnavailable.
func New(apiKey, baseURL, model string, dimensions int) *Client {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return &Client{enabled: false}
	}

	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(apiKey),
		openaioption.WithMaxRetries(0),
	}
	if normalized := normalizeBaseURL(baseURL); normalized != "" {
		opts = append(opts, openaioption.WithBaseURL(normalized))
	}

	return &Client{
		api:        openaiclient.NewClient(opts...),
		model:      model,
		dimensions: dimensions,
		enabled:    true,
	}
}

// Enabled reports whether the client has a configured provider.
func (c *Client) Enabled() bool { return c.enabled }

// Dimensions returns the configured vector width.
func (c *Client) Dimensions() int { return c.dimensions }

// Embed returns the vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per input text, in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if !c.enabled {
		return nil, apperrors.ErrEmbeddingUnavailable
	}
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	resp, err := c.api.Embeddings.New(ctx, openaiclient.EmbeddingNewParams{
		Input:      openaiclient.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:      openaiclient.EmbeddingModel(c.model),
		Dimensions: openaiclient.Int(int64(c.dimensions)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrEmbeddingUnavailable, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: provider returned %d vectors for %d inputs",
			apperrors.ErrEmbeddingUnavailable, len(resp.Data), len(texts))
	}

	vectors := make([][]float64, len(texts))
	for _, item := range resp.Data {
		if int(item.Index) >= len(vectors) {
			return nil, fmt.Errorf("%w: vector index out of range", apperrors.ErrEmbeddingUnavailable)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

// FunctionText builds the canonical embedding text for a function. The name
// is split on "__" into service prefix and short action name; up to the first
// ten parameter properties contribute "name: description" pairs.
func FunctionText(name, description string, parameters map[string]interface{}) string {
	shortName := name
	service := ""
	if idx := strings.Index(name, "__"); idx >= 0 {
		service = name[:idx]
		shortName = name[strings.LastIndex(name, "__")+2:]
	}

	parts := []string{"Function: " + shortName, "Description: " + description}

	if props, ok := parameters["properties"].(map[string]interface{}); ok && len(props) > 0 {
		names := make([]string, 0, len(props))
		for k := range props {
			names = append(names, k)
		}
		sort.Strings(names)
		if len(names) > 10 {
			names = names[:10]
		}

		descs := make([]string, 0, len(names))
		for _, k := range names {
			entry := k
			if schema, ok := props[k].(map[string]interface{}); ok {
				if d, ok := schema["description"].(string); ok && d != "" {
					entry = k + ": " + d
				}
			}
			descs = append(descs, entry)
		}
		parts = append(parts, "Parameters: "+strings.Join(descs, ", "))
	}

	if service != "" {
		parts = append(parts, "Service: "+service)
	}

	return strings.Join(parts, " | ")
}

// AppText builds the canonical embedding text for an app.
func AppText(name, displayName, description, provider string, categories []string) string {
	parts := []string{"App: " + name}
	if displayName != "" {
		parts = append(parts, "Display: "+displayName)
	}
	if description != "" {
		parts = append(parts, "Description: "+description)
	}
	if len(categories) > 0 {
		parts = append(parts, "Categories: "+strings.Join(categories, ", "))
	}
	if provider != "" {
		parts = append(parts, "Provider: "+provider)
	}
	return strings.Join(parts, " | ")
}

// CosineSimilarity returns the cosine of the angle between two vectors, or 0
// when either has zero magnitude or the lengths differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalizeBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return ""
	}
	parsed, err := neturl.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimRight(base, "/")
	}

	path := strings.TrimRight(parsed.Path, "/")
	if !strings.HasSuffix(path, "/v1") {
		path += "/v1"
	}
	parsed.Path = path
	return strings.TrimRight(parsed.String(), "/")
}

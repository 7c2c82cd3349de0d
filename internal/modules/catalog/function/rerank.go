package function

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/pkg/inference"
	"github.com/toolgate/core/internal/pkg/metrics"
)

const (
	rerankCacheTTL      = time.Hour
	rerankCacheCapacity = 100
	rerankTopN          = 20
	rerankMaxTokens     = 500

	rerankSystemPrompt = "You are a function matching expert. Analyze the user's intent and rank functions by relevance."
)

// rerankCache remembers LLM orderings keyed by (intent, candidate names).
// Expired entries are evicted on access; when full, the oldest by insertion
// time goes first.
type rerankCache struct {
	mu      sync.Mutex
	entries map[string]rerankCacheEntry
}

type rerankCacheEntry struct {
	indices  []int
	storedAt time.Time
}

func newRerankCache() *rerankCache {
	return &rerankCache{entries: make(map[string]rerankCacheEntry)}
}

func (c *rerankCache) get(key string) ([]int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) > rerankCacheTTL {
		delete(c.entries, key)
		return nil, false
	}
	indices := make([]int, len(entry.indices))
	copy(indices, entry.indices)
	return indices, true
}

func (c *rerankCache) put(key string, indices []int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.storedAt) > rerankCacheTTL {
			delete(c.entries, k)
		}
	}
	if len(c.entries) >= rerankCacheCapacity {
		oldestKey := ""
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.storedAt.Before(oldestAt) {
				oldestKey, oldestAt = k, e.storedAt
			}
		}
		delete(c.entries, oldestKey)
	}

	stored := make([]int, len(indices))
	copy(stored, indices)
	c.entries[key] = rerankCacheEntry{indices: stored, storedAt: now}
}

func (c *rerankCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// reranker reorders vector-ranked candidates with an LLM. Every failure mode
// falls back to the input order; a search never fails because rerank did.
type reranker struct {
	llm     *inference.Client
	cache   *rerankCache
	metrics *metrics.Collector
	logger  *zap.Logger
}

func newReranker(llm *inference.Client, mc *metrics.Collector, logger *zap.Logger) *reranker {
	return &reranker{llm: llm, cache: newRerankCache(), metrics: mc, logger: logger}
}

type rerankCandidate struct {
	Index          int    `json:"index"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	AppName        string `json:"app_name"`
	RequiredParams string `json:"required_params,omitempty"`
}

// rerank returns the candidates reordered by relevance to the intent. The
// order of functions beyond the top-N window is preserved after it.
func (r *reranker) rerank(ctx context.Context, intent string, candidates []models.FunctionModel) []models.FunctionModel {
	if r == nil || !r.llm.Enabled() || len(candidates) < 2 {
		return candidates
	}

	top := candidates
	if len(top) > rerankTopN {
		top = top[:rerankTopN]
	}

	key := cacheKey(intent, top)
	if indices, ok := r.cache.get(key); ok {
		r.metrics.RecordRerank(true)
		return applyOrder(candidates, indices, len(top))
	}

	indices, err := r.callLLM(ctx, intent, top)
	if err != nil {
		r.logger.Debug("rerank fell back to vector order", zap.Error(err))
		return candidates
	}

	r.cache.put(key, indices)
	r.metrics.RecordRerank(false)
	return applyOrder(candidates, indices, len(top))
}

func (r *reranker) callLLM(ctx context.Context, intent string, top []models.FunctionModel) ([]int, error) {
	list := make([]rerankCandidate, len(top))
	for i := range top {
		desc := top[i].Description
		if len(desc) > 200 {
			desc = desc[:200]
		}
		list[i] = rerankCandidate{
			Index:          i,
			Name:           top[i].Name,
			Description:    desc,
			AppName:        top[i].AppPrefix(),
			RequiredParams: strings.Join(requiredParamNames(top[i].Parameters, 5), ", "),
		}
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}

	var prompt strings.Builder
	prompt.WriteString("User intent: ")
	prompt.WriteString(intent)
	prompt.WriteString("\n\nFunctions:\n")
	prompt.Write(encoded)
	prompt.WriteString("\n\nReturn a JSON array of the function indices ordered from most to least relevant, e.g. [2,0,1]. Return only the JSON array.")

	reply, err := r.llm.Complete(ctx, rerankSystemPrompt, prompt.String(), rerankMaxTokens)
	if err != nil {
		return nil, err
	}

	var indices []int
	if err := inference.UnmarshalLoose(reply, &indices); err != nil {
		return nil, err
	}
	return validateIndices(indices, len(top))
}

// validateIndices rejects out-of-bounds or duplicate entries.
func validateIndices(indices []int, n int) ([]int, error) {
	seen := make(map[int]bool, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, errIndexOutOfRange
		}
		if seen[idx] {
			return nil, errDuplicateIndex
		}
		seen[idx] = true
	}
	return indices, nil
}

var (
	errIndexOutOfRange = errors.New("rerank index out of range")
	errDuplicateIndex  = errors.New("rerank index duplicated")
)

// applyOrder places the indexed candidates first, then the top-window rows
// the model skipped (in original order), then everything beyond the window.
func applyOrder(candidates []models.FunctionModel, indices []int, topN int) []models.FunctionModel {
	out := make([]models.FunctionModel, 0, len(candidates))
	used := make(map[int]bool, len(indices))
	for _, idx := range indices {
		out = append(out, candidates[idx])
		used[idx] = true
	}
	for i := 0; i < topN; i++ {
		if !used[i] {
			out = append(out, candidates[i])
		}
	}
	out = append(out, candidates[topN:]...)
	return out
}

func cacheKey(intent string, top []models.FunctionModel) string {
	names := make([]string, len(top))
	for i := range top {
		names[i] = top[i].Name
	}
	sum := md5.Sum([]byte(intent + "|" + strings.Join(names, "|")))
	return hex.EncodeToString(sum[:])
}

package function

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/pkg/inference"
	"github.com/toolgate/core/internal/pkg/metrics"
)

func namedFunctions(names ...string) []models.FunctionModel {
	out := make([]models.FunctionModel, len(names))
	for i, n := range names {
		out[i] = models.FunctionModel{Name: n}
	}
	return out
}

func functionNamesOf(rows []models.FunctionModel) []string {
	out := make([]string, len(rows))
	for i := range rows {
		out[i] = rows[i].Name
	}
	return out
}

func TestValidateIndices(t *testing.T) {
	indices, err := validateIndices([]int{2, 0, 1}, 3)
	require.NoError(t, err)
	require.Equal(t, []int{2, 0, 1}, indices)

	_, err = validateIndices([]int{0, 3}, 3)
	require.ErrorIs(t, err, errIndexOutOfRange)

	_, err = validateIndices([]int{-1}, 3)
	require.ErrorIs(t, err, errIndexOutOfRange)

	_, err = validateIndices([]int{0, 0}, 3)
	require.ErrorIs(t, err, errDuplicateIndex)
}

func TestApplyOrder(t *testing.T) {
	candidates := namedFunctions("A__0", "A__1", "A__2", "A__3", "A__4")

	t.Run("full permutation of window", func(t *testing.T) {
		out := applyOrder(candidates, []int{2, 0, 1}, 3)
		require.Equal(t, []string{"A__2", "A__0", "A__1", "A__3", "A__4"}, functionNamesOf(out))
	})

	t.Run("partial ranking keeps skipped then tail", func(t *testing.T) {
		out := applyOrder(candidates, []int{1}, 3)
		require.Equal(t, []string{"A__1", "A__0", "A__2", "A__3", "A__4"}, functionNamesOf(out))
	})

	t.Run("empty ranking preserves order", func(t *testing.T) {
		out := applyOrder(candidates, nil, 3)
		require.Equal(t, functionNamesOf(candidates), functionNamesOf(out))
	})
}

func TestRerankDisabledReturnsInput(t *testing.T) {
	r := newReranker(inference.New(inference.Config{}), metrics.NewCollector(), zap.NewNop())
	in := namedFunctions("A__0", "A__1")

	out := r.rerank(context.Background(), "send an email", in)
	require.Equal(t, functionNamesOf(in), functionNamesOf(out))
}

func TestRerankSingleCandidateUntouched(t *testing.T) {
	r := newReranker(nil, metrics.NewCollector(), zap.NewNop())
	in := namedFunctions("A__0")

	out := r.rerank(context.Background(), "anything", in)
	require.Equal(t, []string{"A__0"}, functionNamesOf(out))
}

func TestCacheKeyDependsOnIntentAndNames(t *testing.T) {
	a := namedFunctions("A__0", "A__1")
	b := namedFunctions("A__1", "A__0")

	require.Equal(t, cacheKey("x", a), cacheKey("x", a))
	require.NotEqual(t, cacheKey("x", a), cacheKey("y", a))
	require.NotEqual(t, cacheKey("x", a), cacheKey("x", b))
}

func TestRerankCachePutGet(t *testing.T) {
	c := newRerankCache()
	c.put("k", []int{1, 0})

	indices, ok := c.get("k")
	require.True(t, ok)
	require.Equal(t, []int{1, 0}, indices)

	indices[0] = 99
	again, ok := c.get("k")
	require.True(t, ok)
	require.Equal(t, []int{1, 0}, again, "cache hands out copies")

	_, ok = c.get("missing")
	require.False(t, ok)
}

func TestRerankCacheCapacity(t *testing.T) {
	c := newRerankCache()
	for i := 0; i < rerankCacheCapacity+10; i++ {
		c.put(fmt.Sprintf("k%d", i), []int{0})
	}
	require.LessOrEqual(t, c.len(), rerankCacheCapacity)
}

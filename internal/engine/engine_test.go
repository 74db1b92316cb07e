package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/internal/index/keyword"
	"github.com/midos-dev/knowledge-gateway/internal/index/vector"
	"github.com/midos-dev/knowledge-gateway/pkg/circuitbreaker"
	"github.com/midos-dev/knowledge-gateway/pkg/config"
)

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeVectorIndex struct {
	calls     int
	err       error
	neighbors []vector.Neighbor
}

func (f *fakeVectorIndex) Nearest(ctx context.Context, vec []float32, topK int, filters map[string]string) ([]vector.Neighbor, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if topK < len(f.neighbors) {
		return f.neighbors[:topK], nil
	}
	return f.neighbors, nil
}

type fakeSnippets struct {
	snippets map[string]string
}

func (f *fakeSnippets) Snippet(ctx context.Context, id string) (string, error) {
	if s, ok := f.snippets[id]; ok {
		return s, nil
	}
	return "", errors.New("not found")
}

type engineFixture struct {
	engine   *Engine
	embedder *fakeEmbedder
	vectors  *fakeVectorIndex
	breakers *circuitbreaker.Registry
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()

	idx := keyword.NewIndex(zap.NewNop())
	idx.Add(keyword.Doc{
		ID:      "doc-retry",
		Title:   "Retry with backoff",
		Text:    "Transient failures deserve retries with exponential backoff and jitter.",
		Topic:   "resilience",
		Snippet: "Transient failures deserve retries...",
	})
	idx.Add(keyword.Doc{
		ID:      "doc-breaker",
		Title:   "Circuit breaking",
		Text:    "A breaker short-circuits calls to an unhealthy dependency until it recovers.",
		Topic:   "resilience",
		Snippet: "A breaker short-circuits calls...",
	})

	embedder := &fakeEmbedder{}
	vectors := &fakeVectorIndex{neighbors: []vector.Neighbor{
		{ID: "doc-breaker", Distance: 0.2},
		{ID: "doc-retry", Distance: 0.8},
	}}
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 3})
	snippets := &fakeSnippets{snippets: map[string]string{
		"doc-retry":   "Transient failures deserve retries...",
		"doc-breaker": "A breaker short-circuits calls...",
	}}

	cfg := config.SearchConfig{RelevanceFloor: 0.25, RRFConstant: 60, CandidateCap: 30}
	return &engineFixture{
		engine:   New(idx, embedder, vectors, snippets, breakers, cfg, zap.NewNop()),
		embedder: embedder,
		vectors:  vectors,
		breakers: breakers,
	}
}

func TestSearchRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Search(ctx, "", ModeKeyword, nil, 5)
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = f.engine.Search(ctx, "   ", ModeKeyword, nil, 5)
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = f.engine.Search(ctx, "retries", ModeKeyword, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = f.engine.Search(ctx, "retries", Mode("fuzzy"), nil, 5)
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestKeywordModeNeverTouchesDependencies(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Search(context.Background(), "retries with backoff", ModeKeyword, nil, 5)
	require.NoError(t, err)

	assert.Equal(t, ModeKeyword, res.Executed)
	assert.False(t, res.Degraded)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, "doc-retry", res.Items[0].ID)
	assert.Zero(t, f.embedder.calls)
	assert.Zero(t, f.vectors.calls)
}

func TestSemanticModeRanksByDistance(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Search(context.Background(), "dependency health", ModeSemantic, nil, 5)
	require.NoError(t, err)

	assert.Equal(t, ModeSemantic, res.Executed)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "doc-breaker", res.Items[0].ID, "closer neighbor ranks first")
	assert.Greater(t, res.Items[0].Score, res.Items[1].Score)
	assert.Equal(t, "A breaker short-circuits calls...", res.Items[0].Snippet)
}

func TestSemanticDegradesToKeywordOnEmbedFailure(t *testing.T) {
	f := newFixture(t)
	f.embedder.err = errors.New("provider timeout")

	res, err := f.engine.Search(context.Background(), "retries with backoff", ModeSemantic, nil, 5)
	require.NoError(t, err, "degradation is not an error")

	assert.Equal(t, ModeKeyword, res.Executed)
	assert.True(t, res.Degraded)
	assert.Equal(t, "embedding failed", res.DegradedReason)
	assert.NotEmpty(t, res.Items, "keyword fallback still serves results")
	assert.Zero(t, f.vectors.calls, "vector index is not consulted without an embedding")
}

func TestHybridSkipsSemanticWhenBreakerOpen(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.breakers.RecordFailure(DepEmbeddingProvider, "timeout")
	}

	res, err := f.engine.Search(context.Background(), "retries with backoff", ModeHybrid, nil, 5)
	require.NoError(t, err)

	assert.Equal(t, ModeKeyword, res.Executed)
	assert.True(t, res.Degraded)
	assert.Equal(t, "embedding-provider circuit open", res.DegradedReason)
	assert.Zero(t, f.embedder.calls, "open circuit means no provider call at all")
}

func TestSemanticDegradesWhenVectorIndexFails(t *testing.T) {
	f := newFixture(t)
	f.vectors.err = errors.New("index unavailable")

	res, err := f.engine.Search(context.Background(), "retries with backoff", ModeSemantic, nil, 5)
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	assert.Equal(t, "vector index failed", res.DegradedReason)
	assert.Equal(t, 1, f.embedder.calls, "embedding succeeded before the index failed")
}

func TestHybridFusesBothLegs(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Search(context.Background(), "breaker dependency", ModeHybrid, nil, 5)
	require.NoError(t, err)

	assert.Equal(t, ModeHybrid, res.Executed)
	assert.False(t, res.Degraded)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, "doc-breaker", res.Items[0].ID,
		"item leading both legs wins the fusion")
	for i := 1; i < len(res.Items); i++ {
		assert.GreaterOrEqual(t, res.Items[i-1].Score, res.Items[i].Score)
	}
}

func TestAutoStaysOnKeywordForStrongMatch(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Search(context.Background(), "retries exponential backoff jitter", ModeAuto, nil, 5)
	require.NoError(t, err)

	assert.Equal(t, ModeKeyword, res.Executed)
	assert.Zero(t, f.embedder.calls, "a confident keyword hit never pays for an embedding")
}

func TestAutoEscalatesWhenKeywordComesUpEmpty(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Search(context.Background(), "zookeeper quorum", ModeAuto, nil, 5)
	require.NoError(t, err)

	assert.Equal(t, 1, f.embedder.calls, "empty keyword results trigger the semantic leg")
	assert.Equal(t, ModeHybrid, res.Executed)
	require.NotEmpty(t, res.Items)
}

func TestRRFFusePrefersConsensus(t *testing.T) {
	listA := []Item{{ID: "x", Snippet: "sx"}, {ID: "y"}, {ID: "z"}}
	listB := []Item{{ID: "y", Snippet: "sy"}, {ID: "x"}}

	fused := rrfFuse([][]Item{listA, listB}, 60, 10)
	require.Len(t, fused, 3)

	assert.Equal(t, "x", fused[0].ID)
	assert.Equal(t, "y", fused[1].ID)
	assert.Equal(t, "z", fused[2].ID)
	assert.Equal(t, "sx", fused[0].Snippet, "snippet comes from the first list carrying one")
}

func TestRRFFuseHonorsLimit(t *testing.T) {
	list := []Item{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	fused := rrfFuse([][]Item{list}, 60, 2)
	assert.Len(t, fused, 2)
}

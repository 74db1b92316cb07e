package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/internal/index/keyword"
	"github.com/midos-dev/knowledge-gateway/internal/index/vector"
	"github.com/midos-dev/knowledge-gateway/pkg/circuitbreaker"
	"github.com/midos-dev/knowledge-gateway/pkg/config"
	"github.com/midos-dev/knowledge-gateway/pkg/utils"
)

// Dependency names as tracked by the circuit breaker.
const (
	DepEmbeddingProvider = "embedding-provider"
	DepVectorIndex       = "vector-index"
)

var ErrInvalidQuery = errors.New("invalid query")

type Mode string

const (
	ModeKeyword  Mode = "keyword"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
	ModeAuto     Mode = "auto"
)

func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeKeyword, ModeSemantic, ModeHybrid, ModeAuto:
		return Mode(s), true
	default:
		return "", false
	}
}

// Item is one ranked hit.
type Item struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// Result is an ordered result set annotated with the mode that actually
// executed, so callers can detect silent degradation.
type Result struct {
	Items          []Item `json:"items"`
	Executed       Mode   `json:"executed_mode"`
	Degraded       bool   `json:"degraded"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// Embedder converts text to an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex performs nearest-neighbour lookup over indexed embeddings.
type VectorIndex interface {
	Nearest(ctx context.Context, vec []float32, topK int, filters map[string]string) ([]vector.Neighbor, error)
}

// SnippetResolver maps an item identifier to a display snippet.
type SnippetResolver interface {
	Snippet(ctx context.Context, id string) (string, error)
}

// Engine routes a query through the cheapest adequate search strategy.
// The keyword path has no external dependency; semantic and hybrid paths are
// gated by the circuit breaker and degrade to keyword instead of failing.
type Engine struct {
	keywordIdx *keyword.Index
	embedder   Embedder
	vectorIdx  VectorIndex
	snippets   SnippetResolver
	breakers   *circuitbreaker.Registry
	cfg        config.SearchConfig
	logger     *zap.Logger
}

func New(
	keywordIdx *keyword.Index,
	embedder Embedder,
	vectorIdx VectorIndex,
	snippets SnippetResolver,
	breakers *circuitbreaker.Registry,
	cfg config.SearchConfig,
	logger *zap.Logger,
) *Engine {
	if cfg.RRFConstant == 0 {
		cfg.RRFConstant = 60
	}
	if cfg.CandidateCap == 0 {
		cfg.CandidateCap = 30
	}
	return &Engine{
		keywordIdx: keywordIdx,
		embedder:   embedder,
		vectorIdx:  vectorIdx,
		snippets:   snippets,
		breakers:   breakers,
		cfg:        cfg,
		logger:     logger,
	}
}

func (e *Engine) Search(ctx context.Context, query string, mode Mode, filters map[string]string, topK int) (*Result, error) {
	if utils.NormalizeQuery(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}
	if topK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive", ErrInvalidQuery)
	}

	switch mode {
	case ModeKeyword:
		return e.searchKeyword(query, filters, topK), nil
	case ModeSemantic:
		return e.searchSemantic(ctx, query, filters, topK), nil
	case ModeHybrid:
		return e.searchHybrid(ctx, query, filters, topK), nil
	case ModeAuto:
		return e.searchAuto(ctx, query, filters, topK), nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidQuery, mode)
	}
}

func (e *Engine) searchKeyword(query string, filters map[string]string, topK int) *Result {
	matches := e.keywordIdx.Search(query, topK, filters)
	items := make([]Item, 0, len(matches))
	for _, m := range matches {
		items = append(items, Item{ID: m.ID, Score: m.Score, Snippet: m.Snippet})
	}
	return &Result{Items: items, Executed: ModeKeyword}
}

// searchSemantic attempts the embedding path; when it is unavailable the
// request is served by keyword search with the degradation flagged, never as
// an error.
func (e *Engine) searchSemantic(ctx context.Context, query string, filters map[string]string, topK int) *Result {
	items, reason := e.semanticCandidates(ctx, query, filters, topK)
	if reason != "" {
		degraded := e.searchKeyword(query, filters, topK)
		degraded.Degraded = true
		degraded.DegradedReason = reason
		return degraded
	}
	return &Result{Items: items, Executed: ModeSemantic}
}

// searchHybrid merges keyword and semantic candidates with reciprocal rank
// fusion. Losing the semantic leg downgrades to keyword-only with a flag.
func (e *Engine) searchHybrid(ctx context.Context, query string, filters map[string]string, topK int) *Result {
	retrieveK := topK * 3
	if retrieveK > e.cfg.CandidateCap {
		retrieveK = e.cfg.CandidateCap
	}
	if retrieveK < topK {
		retrieveK = topK
	}

	keywordLeg := e.keywordIdx.Search(query, retrieveK, filters)
	keywordItems := make([]Item, 0, len(keywordLeg))
	for _, m := range keywordLeg {
		keywordItems = append(keywordItems, Item{ID: m.ID, Score: m.Score, Snippet: m.Snippet})
	}

	semanticItems, reason := e.semanticCandidates(ctx, query, filters, retrieveK)
	if reason != "" {
		if len(keywordItems) > topK {
			keywordItems = keywordItems[:topK]
		}
		return &Result{
			Items:          keywordItems,
			Executed:       ModeKeyword,
			Degraded:       true,
			DegradedReason: reason,
		}
	}

	fused := rrfFuse([][]Item{keywordItems, semanticItems}, e.cfg.RRFConstant, topK)
	return &Result{Items: fused, Executed: ModeHybrid}
}

// searchAuto tries keyword first and escalates to hybrid when the result set
// is empty or its best score sits below the configured relevance floor.
func (e *Engine) searchAuto(ctx context.Context, query string, filters map[string]string, topK int) *Result {
	kw := e.searchKeyword(query, filters, topK)
	if len(kw.Items) > 0 && kw.Items[0].Score >= e.cfg.RelevanceFloor {
		return kw
	}

	e.logger.Debug("Auto mode escalating past keyword",
		zap.Int("keyword_results", len(kw.Items)),
		zap.Float64("relevance_floor", e.cfg.RelevanceFloor),
	)
	return e.searchHybrid(ctx, query, filters, topK)
}

// semanticCandidates runs the embed + nearest-neighbour pipeline under
// breaker supervision. A non-empty reason means the path was unavailable and
// the caller should fall back.
func (e *Engine) semanticCandidates(ctx context.Context, query string, filters map[string]string, topK int) ([]Item, string) {
	if !e.breakers.Allow(DepEmbeddingProvider) {
		return nil, "embedding-provider circuit open"
	}

	text := query
	if e.cfg.ExpandQueries {
		text = ExpandQuery(query)
	}

	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		e.breakers.RecordFailure(DepEmbeddingProvider, err.Error())
		e.logger.Warn("Embedding failed, semantic path unavailable", zap.Error(err))
		return nil, "embedding failed"
	}
	e.breakers.RecordSuccess(DepEmbeddingProvider)

	if !e.breakers.Allow(DepVectorIndex) {
		return nil, "vector-index circuit open"
	}

	neighbors, err := e.vectorIdx.Nearest(ctx, vec, topK, filters)
	if err != nil {
		e.breakers.RecordFailure(DepVectorIndex, err.Error())
		e.logger.Warn("Vector lookup failed, semantic path unavailable", zap.Error(err))
		return nil, "vector index failed"
	}
	e.breakers.RecordSuccess(DepVectorIndex)

	items := make([]Item, 0, len(neighbors))
	for _, n := range neighbors {
		item := Item{ID: n.ID, Score: similarity(n.Distance)}
		if snippet, err := e.snippets.Snippet(ctx, n.ID); err == nil {
			item.Snippet = snippet
		}
		items = append(items, item)
	}
	sortItems(items)
	return items, ""
}

// similarity maps an L2 distance onto a descending (0,1] score.
func similarity(distance float32) float64 {
	return 1.0 / (1.0 + float64(distance))
}

// sortItems enforces the ordering invariant: strictly descending by score,
// ties broken by item identifier.
func sortItems(items []Item) {
	sort.Slice(items, func(a, b int) bool {
		if items[a].Score != items[b].Score {
			return items[a].Score > items[b].Score
		}
		return items[a].ID < items[b].ID
	})
}

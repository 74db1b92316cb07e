package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/internal/cache"
	"github.com/midos-dev/knowledge-gateway/internal/decay"
	"github.com/midos-dev/knowledge-gateway/internal/engine"
	"github.com/midos-dev/knowledge-gateway/internal/events"
	"github.com/midos-dev/knowledge-gateway/internal/ratelimit"
	"github.com/midos-dev/knowledge-gateway/internal/tier"
	"github.com/midos-dev/knowledge-gateway/pkg/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSearcher struct {
	mu       sync.Mutex
	calls    int
	lastMode engine.Mode
	err      error
	result   *engine.Result
}

func (f *fakeSearcher) Search(ctx context.Context, query string, mode engine.Mode, filters map[string]string, topK int) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastMode = mode
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &engine.Result{
		Items:    []engine.Item{{ID: "doc-1", Score: 0.8, Snippet: "a snippet"}},
		Executed: mode,
	}, nil
}

func (f *fakeSearcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	orchestrator *Orchestrator
	searcher     *fakeSearcher
	clock        *fakeClock
	limiter      *ratelimit.Limiter
	proKey       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	proKey := "kgw_sk_protestkey"
	keyPath := filepath.Join(t.TempDir(), "keys.json")
	keys := map[string]tier.KeyRecord{
		proKey: {Name: "test", Tier: "pro", Active: true},
	}
	data, err := json.Marshal(keys)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, data, 0600))

	policies := map[string]config.TierPolicy{
		"anonymous": {Quota: 5, WindowSec: 60, Modes: []string{"keyword", "auto"}},
		"free":      {Quota: 10, WindowSec: 60, Modes: []string{"keyword", "auto"}},
		"dev":       {Quota: 50, WindowSec: 60, Modes: []string{"keyword", "semantic", "auto"}},
		"pro":       {Quota: 100, WindowSec: 60, Modes: []string{"keyword", "semantic", "hybrid", "auto"}},
		"team":      {Quota: 500, WindowSec: 60, Modes: []string{"keyword", "semantic", "hybrid", "auto"}},
	}

	registry := tier.NewRegistry(
		config.KeysConfig{Path: keyPath, ReloadIntervalSec: 3600},
		policies, zap.NewNop(),
	)

	clock := newFakeClock()
	limiter := ratelimit.New(ratelimit.Config{CleanupInterval: time.Hour, Now: clock.Now})
	t.Cleanup(limiter.Stop)

	resultCache := cache.New(config.CacheConfig{TTLSec: 300, MaxEntries: 64}, nil, zap.NewNop())

	tracker, err := decay.New(config.DecayConfig{HalfLifeSec: 3600}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })

	searcher := &fakeSearcher{}
	orchestrator := NewOrchestrator(
		registry, limiter, resultCache, searcher, tracker,
		events.NewHub(zap.NewNop()), zap.NewNop(),
	)

	return &fixture{
		orchestrator: orchestrator,
		searcher:     searcher,
		clock:        clock,
		limiter:      limiter,
		proKey:       proKey,
	}
}

func TestAnonymousQuotaEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		resp, err := f.orchestrator.Query(ctx, Request{
			AnonKey: "anon_ip1",
			Query:   "rolling deploys",
			Mode:    "keyword",
			TopK:    5,
		})
		require.NoError(t, err, "request %d is within the anonymous quota", i+1)
		assert.Equal(t, "anonymous", resp.Tier)
	}

	_, err := f.orchestrator.Query(ctx, Request{
		AnonKey: "anon_ip1",
		Query:   "rolling deploys",
		Mode:    "keyword",
		TopK:    5,
	})
	var rateLimited *RateLimitedError
	require.ErrorAs(t, err, &rateLimited)
	assert.Greater(t, rateLimited.RetryAfter, time.Duration(0))

	// A different anonymous pool is unaffected.
	_, err = f.orchestrator.Query(ctx, Request{
		AnonKey: "anon_ip2",
		Query:   "rolling deploys",
		Mode:    "keyword",
		TopK:    5,
	})
	assert.NoError(t, err)
}

func TestQuotaRecoversWhenWindowSlides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := Request{AnonKey: "anon_x", Query: "q", Mode: "keyword", TopK: 5}
	for i := 0; i < 5; i++ {
		_, err := f.orchestrator.Query(ctx, req)
		require.NoError(t, err)
	}
	_, err := f.orchestrator.Query(ctx, req)
	require.Error(t, err)

	f.clock.Advance(61 * time.Second)
	_, err = f.orchestrator.Query(ctx, req)
	assert.NoError(t, err)
}

func TestRepeatQueryServedFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := Request{
		Identity: f.proKey,
		Query:    "Streaming Replication Lag",
		Mode:     "semantic",
		TopK:     5,
	}

	first, err := f.orchestrator.Query(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, f.searcher.callCount())

	second, err := f.orchestrator.Query(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, f.searcher.callCount(), "cache hit must not reach the engine")
	assert.Equal(t, first.Items, second.Items, "ranking is identical across the hit")
}

func TestCacheKeyIncludesModeAndFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := Request{Identity: f.proKey, Query: "indexes", TopK: 5}

	r1 := base
	r1.Mode = "keyword"
	_, err := f.orchestrator.Query(ctx, r1)
	require.NoError(t, err)

	r2 := base
	r2.Mode = "semantic"
	_, err = f.orchestrator.Query(ctx, r2)
	require.NoError(t, err)
	assert.Equal(t, 2, f.searcher.callCount(), "different mode, different cache entry")

	r3 := r2
	r3.Filters = map[string]string{"topic": "storage"}
	_, err = f.orchestrator.Query(ctx, r3)
	require.NoError(t, err)
	assert.Equal(t, 3, f.searcher.callCount(), "different filters, different cache entry")
}

func TestTierRestrictedModeDowngrades(t *testing.T) {
	f := newFixture(t)

	// Anonymous callers may not run hybrid; the query still succeeds.
	resp, err := f.orchestrator.Query(context.Background(), Request{
		AnonKey: "anon_y",
		Query:   "hybrid please",
		Mode:    "hybrid",
		TopK:    5,
	})
	require.NoError(t, err)

	assert.Equal(t, engine.ModeAuto, f.searcher.lastMode, "downgrade lands on the best allowed mode")
	assert.True(t, resp.Degraded)
	assert.Equal(t, "tier_restricted", resp.DegradedReason)
	assert.Equal(t, "hybrid", resp.RequestedMode)
}

func TestProTierMayRunHybrid(t *testing.T) {
	f := newFixture(t)

	resp, err := f.orchestrator.Query(context.Background(), Request{
		Identity: f.proKey,
		Query:    "hybrid please",
		Mode:     "hybrid",
		TopK:     5,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.ModeHybrid, f.searcher.lastMode)
	assert.False(t, resp.Degraded)
	assert.Equal(t, "pro", resp.Tier)
}

func TestEmptyModeDefaultsToAuto(t *testing.T) {
	f := newFixture(t)

	resp, err := f.orchestrator.Query(context.Background(), Request{
		AnonKey: "anon_z",
		Query:   "defaults",
		TopK:    5,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.ModeAuto, f.searcher.lastMode)
	assert.Equal(t, "auto", resp.RequestedMode)
}

func TestUnknownModeRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.orchestrator.Query(context.Background(), Request{
		AnonKey: "anon_z",
		Query:   "q",
		Mode:    "psychic",
		TopK:    5,
	})
	assert.ErrorIs(t, err, engine.ErrInvalidQuery)
}

func TestInvalidQueryPassesThrough(t *testing.T) {
	f := newFixture(t)
	f.searcher.err = engine.ErrInvalidQuery

	_, err := f.orchestrator.Query(context.Background(), Request{
		AnonKey: "anon_z",
		Query:   "q",
		Mode:    "keyword",
		TopK:    5,
	})
	assert.ErrorIs(t, err, engine.ErrInvalidQuery)
}

func TestSearchFailureIsWrapped(t *testing.T) {
	f := newFixture(t)
	f.searcher.err = errors.New("index exploded")

	_, err := f.orchestrator.Query(context.Background(), Request{
		AnonKey: "anon_z",
		Query:   "q",
		Mode:    "keyword",
		TopK:    5,
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, engine.ErrInvalidQuery)
}

func TestDegradedResultPropagates(t *testing.T) {
	f := newFixture(t)
	f.searcher.result = &engine.Result{
		Items:          []engine.Item{{ID: "doc-1", Score: 0.5}},
		Executed:       engine.ModeKeyword,
		Degraded:       true,
		DegradedReason: "embedding-provider circuit open",
	}

	resp, err := f.orchestrator.Query(context.Background(), Request{
		Identity: f.proKey,
		Query:    "q",
		Mode:     "semantic",
		TopK:     5,
	})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, "embedding-provider circuit open", resp.DegradedReason)
	assert.Equal(t, "semantic", resp.RequestedMode)
	assert.Equal(t, "keyword", resp.ExecutedMode)
}

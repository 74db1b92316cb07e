package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/internal/cache"
	"github.com/midos-dev/knowledge-gateway/internal/decay"
	"github.com/midos-dev/knowledge-gateway/internal/engine"
	"github.com/midos-dev/knowledge-gateway/internal/events"
	"github.com/midos-dev/knowledge-gateway/internal/metrics"
	"github.com/midos-dev/knowledge-gateway/internal/ratelimit"
	"github.com/midos-dev/knowledge-gateway/internal/tier"
	"github.com/midos-dev/knowledge-gateway/pkg/utils"
)

// Request is a single inbound query as handed over by the transport layer.
// Identity is the raw credential string, empty for anonymous callers.
// AnonKey is the pooling key for anonymous callers (a hash of the
// originating context), so one anonymous caller cannot starve another.
type Request struct {
	Identity string
	AnonKey  string
	Query    string
	Mode     string
	Filters  map[string]string
	TopK     int
}

type Response struct {
	ID             string        `json:"id"`
	Items          []engine.Item `json:"items"`
	RequestedMode  string        `json:"requested_mode"`
	ExecutedMode   string        `json:"executed_mode"`
	Degraded       bool          `json:"degraded"`
	DegradedReason string        `json:"degraded_reason,omitempty"`
	Cached         bool          `json:"cached"`
	Tier           string        `json:"tier"`
	LatencyMS      int           `json:"latency_ms"`
}

// Searcher is the retrieval engine surface the orchestrator depends on.
type Searcher interface {
	Search(ctx context.Context, query string, mode engine.Mode, filters map[string]string, topK int) (*engine.Result, error)
}

// Orchestrator sequences a query through the gateway: resolve the tier,
// enforce the quota, consult the cache, fall back to the engine, and record
// outcomes into the decay tracker and event stream.
type Orchestrator struct {
	registry *tier.Registry
	limiter  *ratelimit.Limiter
	cache    *cache.Cache
	searcher Searcher
	decay    *decay.Tracker
	hub      *events.Hub
	logger   *zap.Logger
}

func NewOrchestrator(
	registry *tier.Registry,
	limiter *ratelimit.Limiter,
	resultCache *cache.Cache,
	searcher Searcher,
	decayTracker *decay.Tracker,
	hub *events.Hub,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		limiter:  limiter,
		cache:    resultCache,
		searcher: searcher,
		decay:    decayTracker,
		hub:      hub,
		logger:   logger,
	}
}

func (o *Orchestrator) Query(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	queryID := uuid.New().String()

	callerTier := o.registry.Resolve(req.Identity)
	limitKey := req.Identity
	if callerTier == tier.Anonymous {
		limitKey = req.AnonKey
		if limitKey == "" {
			limitKey = "anonymous"
		}
	}

	policy := o.registry.Policy(callerTier)
	decision := o.limiter.Check(limitKey, policy)
	if !decision.Allowed {
		metrics.RateLimitedTotal.WithLabelValues(callerTier.String()).Inc()
		o.hub.Publish(events.TypeRateLimited,
			fmt.Sprintf("Caller %s exceeded the %s tier quota", maskIdentity(limitKey), callerTier),
			map[string]string{"tier": callerTier.String()},
		)
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	mode, tierRestricted, err := o.effectiveMode(callerTier, req.Mode)
	if err != nil {
		return nil, err
	}

	fingerprint := utils.Fingerprint(req.Query, string(mode), req.Filters)
	if result, hit := o.cache.Get(ctx, fingerprint); hit {
		metrics.CacheHits.Inc()
		o.hub.Publish(events.TypeCacheHit, "Query served from cache", map[string]string{
			"mode": string(result.Executed),
		})
		o.touchItems(result.Items)
		return o.respond(queryID, req.Mode, result, true, tierRestricted, callerTier, started), nil
	}
	metrics.CacheMisses.Inc()

	result, err := o.searcher.Search(ctx, req.Query, mode, req.Filters, req.TopK)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidQuery) {
			return nil, err
		}
		o.logger.Error("Search failed",
			zap.String("query_id", queryID),
			zap.String("mode", string(mode)),
			zap.Error(err),
		)
		metrics.QueryTotal.WithLabelValues("error", string(mode)).Inc()
		return nil, fmt.Errorf("search failed: %w", err)
	}

	o.cache.Put(ctx, fingerprint, *result)
	o.touchItems(result.Items)

	if result.Degraded {
		metrics.DegradedTotal.WithLabelValues(result.DegradedReason).Inc()
		o.hub.Publish(events.TypeDegraded,
			fmt.Sprintf("Query degraded to %s: %s", result.Executed, result.DegradedReason),
			map[string]string{"executed_mode": string(result.Executed)},
		)
	}

	return o.respond(queryID, req.Mode, result, false, tierRestricted, callerTier, started), nil
}

// effectiveMode validates the requested mode and applies the tier permission
// table. A disallowed mode downgrades to the best the tier may invoke rather
// than erroring; the response carries the downgrade flag.
func (o *Orchestrator) effectiveMode(callerTier tier.Tier, requested string) (engine.Mode, bool, error) {
	if requested == "" {
		requested = string(engine.ModeAuto)
	}

	mode, ok := engine.ParseMode(requested)
	if !ok {
		return "", false, fmt.Errorf("%w: unknown mode %q", engine.ErrInvalidQuery, requested)
	}

	if o.registry.ModeAllowed(callerTier, string(mode)) {
		return mode, false, nil
	}

	for _, fallback := range []engine.Mode{engine.ModeAuto, engine.ModeKeyword} {
		if o.registry.ModeAllowed(callerTier, string(fallback)) {
			o.logger.Debug("Mode restricted by tier",
				zap.String("requested", requested),
				zap.String("granted", string(fallback)),
				zap.String("tier", callerTier.String()),
			)
			return fallback, true, nil
		}
	}
	return engine.ModeKeyword, true, nil
}

func (o *Orchestrator) respond(queryID, requestedMode string, result *engine.Result, cached, tierRestricted bool, callerTier tier.Tier, started time.Time) *Response {
	resp := &Response{
		ID:             queryID,
		Items:          result.Items,
		RequestedMode:  requestedMode,
		ExecutedMode:   string(result.Executed),
		Degraded:       result.Degraded,
		DegradedReason: result.DegradedReason,
		Cached:         cached,
		Tier:           callerTier.String(),
		LatencyMS:      int(time.Since(started).Milliseconds()),
	}
	if requestedMode == "" {
		resp.RequestedMode = string(engine.ModeAuto)
	}
	if tierRestricted {
		resp.Degraded = true
		if resp.DegradedReason == "" {
			resp.DegradedReason = "tier_restricted"
		}
	}

	status := "ok"
	if resp.Degraded {
		status = "degraded"
	}
	metrics.QueryTotal.WithLabelValues(status, resp.ExecutedMode).Inc()
	metrics.QueryDuration.WithLabelValues(resp.ExecutedMode).Observe(time.Since(started).Seconds())
	metrics.ResultCount.Observe(float64(len(resp.Items)))

	return resp
}

func (o *Orchestrator) touchItems(items []engine.Item) {
	for _, item := range items {
		o.decay.Touch(item.ID)
	}
}

func maskIdentity(identity string) string {
	if len(identity) <= 12 {
		return identity
	}
	return identity[:12] + "..."
}

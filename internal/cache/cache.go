package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/internal/engine"
	"github.com/midos-dev/knowledge-gateway/pkg/config"
)

type entry struct {
	fingerprint string
	result      engine.Result
	createdAt   time.Time
	accessCount int
}

// Cache memoizes fingerprint → ranked result set. A hit never reaches the
// embedding provider or the vector index; that is the component's entire
// reason to exist. Expired entries are evicted lazily on lookup, least
// recently used entries are evicted when the capacity bound is hit.
//
// The in-memory level is authoritative and volatile. When a redis store is
// attached, entries are written through so repeated queries survive restarts.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List

	ttl        time.Duration
	maxEntries int
	redis      *RedisStore
	logger     *zap.Logger
	now        func() time.Time
}

func New(cfg config.CacheConfig, redis *RedisStore, logger *zap.Logger) *Cache {
	ttl := time.Duration(cfg.TTLSec) * time.Second
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	maxEntries := cfg.MaxEntries
	if maxEntries == 0 {
		maxEntries = 2048
	}

	return &Cache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		redis:      redis,
		logger:     logger,
		now:        time.Now,
	}
}

// Get returns the cached result for a fingerprint, or a miss. Entries past
// their TTL are treated as a miss and removed.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*engine.Result, bool) {
	c.mu.Lock()

	elem, ok := c.entries[fingerprint]
	if ok {
		ent := elem.Value.(*entry)
		if c.now().Sub(ent.createdAt) >= c.ttl {
			c.removeLocked(elem)
			c.mu.Unlock()
			c.logger.Debug("Cache entry expired", zap.String("fingerprint", fingerprint))
			return nil, false
		}
		ent.accessCount++
		c.lru.MoveToFront(elem)
		result := ent.result
		c.mu.Unlock()
		return &result, true
	}
	c.mu.Unlock()

	if c.redis == nil {
		return nil, false
	}

	result, found, err := c.redis.Get(ctx, fingerprint)
	if err != nil {
		c.logger.Warn("Redis cache lookup failed", zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}

	// Promote into the memory level so the next hit is local.
	c.putMemory(fingerprint, *result)
	return result, true
}

// Put stores a result under its fingerprint, evicting the least recently
// used entry when over capacity.
func (c *Cache) Put(ctx context.Context, fingerprint string, result engine.Result) {
	c.putMemory(fingerprint, result)

	if c.redis != nil {
		if err := c.redis.Set(ctx, fingerprint, result, c.ttl); err != nil {
			c.logger.Warn("Redis cache write failed", zap.Error(err))
		}
	}
}

func (c *Cache) putMemory(fingerprint string, result engine.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[fingerprint]; ok {
		ent := elem.Value.(*entry)
		ent.result = result
		ent.createdAt = c.now()
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(&entry{
		fingerprint: fingerprint,
		result:      result,
		createdAt:   c.now(),
	})
	c.entries[fingerprint] = elem

	for len(c.entries) > c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry)
	c.lru.Remove(elem)
	delete(c.entries, ent.fingerprint)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

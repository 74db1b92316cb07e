package ratelimit

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/pkg/config"
)

// Decision is the outcome of a quota check. RetryAfter is only meaningful
// when Allowed is false: it is the time until the oldest recorded request
// leaves the rolling window.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

type UsageEntry struct {
	Identity string `json:"identity"`
	Count    int    `json:"count"`
}

type bucket struct {
	mu         sync.Mutex
	timestamps []time.Time
	lastSeen   time.Time
	window     time.Duration
}

// Limiter enforces a per-identity sliding-window quota. Windows are held in
// memory only; losing them on restart is acceptable.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	logger        *zap.Logger
	now           func() time.Time
	cleanupTicker *time.Ticker
	stopCh        chan struct{}
}

type Config struct {
	CleanupInterval time.Duration
	Logger          *zap.Logger
	Now             func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &Limiter{
		buckets:       make(map[string]*bucket),
		logger:        cfg.Logger,
		now:           cfg.Now,
		cleanupTicker: time.NewTicker(cfg.CleanupInterval),
		stopCh:        make(chan struct{}),
	}

	go l.cleanup()

	return l
}

// Check prunes the identity's window and admits the request if the tier
// quota has headroom. Prune, compare and record happen under one bucket
// lock, so two concurrent callers can never both take the last slot.
func (l *Limiter) Check(identity string, policy config.TierPolicy) Decision {
	b := l.getBucket(identity)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	window := policy.Window()
	b.lastSeen = now
	b.window = window

	cutoff := now.Add(-window)
	kept := b.timestamps[:0]
	for _, ts := range b.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.timestamps = kept

	if len(b.timestamps) >= policy.Quota {
		retryAfter := b.timestamps[0].Add(window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		l.logger.Warn("Rate limit exceeded",
			zap.String("identity", identity),
			zap.Int("quota", policy.Quota),
			zap.Duration("retry_after", retryAfter),
		)
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	b.timestamps = append(b.timestamps, now)
	return Decision{Allowed: true, Remaining: policy.Quota - len(b.timestamps)}
}

func (l *Limiter) getBucket(identity string) *bucket {
	l.mu.RLock()
	b, exists := l.buckets[identity]
	l.mu.RUnlock()
	if exists {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, exists := l.buckets[identity]; exists {
		return b
	}
	b = &bucket{lastSeen: l.now()}
	l.buckets[identity] = b
	return b
}

// Usage reports the number of in-window requests per identity, for the
// operator surface. Identities whose windows have fully drained are omitted.
func (l *Limiter) Usage() []UsageEntry {
	l.mu.RLock()
	identities := make([]string, 0, len(l.buckets))
	for id := range l.buckets {
		identities = append(identities, id)
	}
	l.mu.RUnlock()

	sort.Strings(identities)

	entries := make([]UsageEntry, 0, len(identities))
	for _, id := range identities {
		l.mu.RLock()
		b := l.buckets[id]
		l.mu.RUnlock()
		if b == nil {
			continue
		}
		b.mu.Lock()
		count := len(b.timestamps)
		b.mu.Unlock()
		if count > 0 {
			entries = append(entries, UsageEntry{Identity: id, Count: count})
		}
	}
	return entries
}

func (l *Limiter) cleanup() {
	for {
		select {
		case <-l.stopCh:
			return
		case <-l.cleanupTicker.C:
			l.removeIdle()
		}
	}
}

// removeIdle drops buckets whose identity has been inactive longer than its
// own window. Dropping earlier would hand an exhausted caller a fresh quota.
func (l *Limiter) removeIdle() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastSeen)
		threshold := b.window
		b.mu.Unlock()

		if threshold == 0 {
			// Bucket never completed a check; nothing recorded in it.
			threshold = 10 * time.Minute
		}
		if idle > threshold {
			delete(l.buckets, id)
		}
	}
}

func (l *Limiter) Stop() {
	l.cleanupTicker.Stop()
	close(l.stopCh)
}

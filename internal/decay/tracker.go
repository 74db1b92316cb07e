package decay

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/internal/metrics"
	"github.com/midos-dev/knowledge-gateway/pkg/config"
)

// ItemStatus is the operator-facing staleness view of one knowledge item.
type ItemStatus struct {
	ID           string    `json:"id"`
	LastAccessed time.Time `json:"last_accessed"`
	LastVerified time.Time `json:"last_verified"`
	Archived     bool      `json:"archived"`
	Score        float64   `json:"decay_score"`
}

type record struct {
	lastAccessed time.Time
	lastVerified time.Time
	archived     bool
}

// Tracker maintains a staleness score per knowledge item. The score is
// derived lazily: max of the elapsed time since last access and since last
// verification, normalized against the configured half-life. Items are never
// deleted; archival is a metadata flag.
//
// When a database path is configured, timestamps and archival flags are
// written through and survive restarts.
type Tracker struct {
	mu    sync.Mutex
	items map[string]*record

	halfLife time.Duration
	db       *sql.DB
	logger   *zap.Logger
	now      func() time.Time
}

func New(cfg config.DecayConfig, logger *zap.Logger) (*Tracker, error) {
	halfLife := time.Duration(cfg.HalfLifeSec) * time.Second
	if halfLife == 0 {
		halfLife = 7 * 24 * time.Hour
	}

	t := &Tracker{
		items:    make(map[string]*record),
		halfLife: halfLife,
		logger:   logger,
		now:      time.Now,
	}

	if cfg.Path != "" {
		db, err := sql.Open("sqlite3", cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open decay database: %w", err)
		}
		t.db = db
		if err := t.initSchema(); err != nil {
			return nil, err
		}
		if err := t.load(); err != nil {
			return nil, err
		}
		logger.Info("Decay tracker loaded", zap.Int("items", len(t.items)), zap.String("path", cfg.Path))
	}

	metrics.TrackedItems.Set(float64(len(t.items)))
	return t, nil
}

func (t *Tracker) Close() error {
	if t.db != nil {
		return t.db.Close()
	}
	return nil
}

func (t *Tracker) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS knowledge_items (
		id TEXT PRIMARY KEY,
		last_accessed INTEGER NOT NULL,
		last_verified INTEGER NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := t.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize decay schema: %w", err)
	}
	return nil
}

func (t *Tracker) load() error {
	rows, err := t.db.Query(`SELECT id, last_accessed, last_verified, archived FROM knowledge_items`)
	if err != nil {
		return fmt.Errorf("failed to load decay state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var accessed, verified int64
		var archived bool
		if err := rows.Scan(&id, &accessed, &verified, &archived); err != nil {
			return fmt.Errorf("failed to scan decay row: %w", err)
		}
		t.items[id] = &record{
			lastAccessed: time.Unix(accessed, 0),
			lastVerified: time.Unix(verified, 0),
			archived:     archived,
		}
	}
	return rows.Err()
}

// Touch records a successful retrieval of the item. First sight of an item
// initializes both timestamps so a fresh item starts at score zero.
func (t *Tracker) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	rec, ok := t.items[id]
	if !ok {
		rec = &record{lastVerified: now}
		t.items[id] = rec
		metrics.TrackedItems.Set(float64(len(t.items)))
	}
	rec.lastAccessed = now
	t.persist(id, rec)
}

// MarkVerified is the administrative refresh: the item's decay score is
// exactly zero immediately afterwards.
func (t *Tracker) MarkVerified(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	rec, ok := t.items[id]
	if !ok {
		rec = &record{}
		t.items[id] = rec
		metrics.TrackedItems.Set(float64(len(t.items)))
	}
	rec.lastAccessed = now
	rec.lastVerified = now
	t.persist(id, rec)
}

// Archive flips the archival flag. Archiving an archived item is a no-op.
func (t *Tracker) Archive(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.items[id]
	if !ok {
		now := t.now()
		rec = &record{lastAccessed: now, lastVerified: now}
		t.items[id] = rec
		metrics.TrackedItems.Set(float64(len(t.items)))
	}
	if rec.archived {
		return
	}
	rec.archived = true
	t.persist(id, rec)
	t.logger.Info("Knowledge item archived", zap.String("item_id", id))
}

// Score returns the current decay score for an item. Unknown items score
// zero. The score is monotonically non-decreasing between verifications.
func (t *Tracker) Score(id string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.items[id]
	if !ok {
		return 0
	}
	return t.scoreLocked(rec)
}

func (t *Tracker) scoreLocked(rec *record) float64 {
	now := t.now()
	sinceAccess := now.Sub(rec.lastAccessed)
	sinceVerify := now.Sub(rec.lastVerified)

	elapsed := sinceAccess
	if sinceVerify > elapsed {
		elapsed = sinceVerify
	}
	if elapsed < 0 {
		return 0
	}
	return float64(elapsed) / float64(t.halfLife)
}

// Report returns up to limit items ordered by descending decay score, ties
// broken by item identifier.
func (t *Tracker) Report(limit int) []ItemStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	statuses := make([]ItemStatus, 0, len(t.items))
	for id, rec := range t.items {
		statuses = append(statuses, ItemStatus{
			ID:           id,
			LastAccessed: rec.lastAccessed,
			LastVerified: rec.lastVerified,
			Archived:     rec.archived,
			Score:        t.scoreLocked(rec),
		})
	}

	sort.Slice(statuses, func(a, b int) bool {
		if statuses[a].Score != statuses[b].Score {
			return statuses[a].Score > statuses[b].Score
		}
		return statuses[a].ID < statuses[b].ID
	})

	if limit > 0 && len(statuses) > limit {
		statuses = statuses[:limit]
	}
	return statuses
}

// persist writes one record through to sqlite. Caller holds the mutex.
// Persistence failures are logged, not propagated: the in-memory state stays
// authoritative for the running process.
func (t *Tracker) persist(id string, rec *record) {
	if t.db == nil {
		return
	}

	_, err := t.db.Exec(
		`INSERT INTO knowledge_items (id, last_accessed, last_verified, archived)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   last_accessed = excluded.last_accessed,
		   last_verified = excluded.last_verified,
		   archived = excluded.archived`,
		id, rec.lastAccessed.Unix(), rec.lastVerified.Unix(), rec.archived,
	)
	if err != nil {
		t.logger.Error("Failed to persist decay record", zap.String("item_id", id), zap.Error(err))
	}
}

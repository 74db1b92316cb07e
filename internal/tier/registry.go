package tier

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/pkg/config"
)

const keyPrefix = "kgw_sk_"

// KeyRecord is one issued API key as stored in the key file.
type KeyRecord struct {
	Name      string `json:"name"`
	Tier      string `json:"tier"`
	Created   string `json:"created"`
	Active    bool   `json:"active"`
	RevokedAt string `json:"revoked_at,omitempty"`
}

// MaskedKey is the operator-facing view of a key. The full key string is
// shown only once, at issuance.
type MaskedKey struct {
	Prefix  string `json:"key_prefix"`
	Name    string `json:"name"`
	Tier    string `json:"tier"`
	Active  bool   `json:"active"`
	Created string `json:"created"`
}

// Registry resolves an opaque credential to a tier. Resolution never fails:
// absent, malformed, unknown or revoked credentials all map to anonymous.
// Keys live in a JSON file reloaded on an interval and on demand.
type Registry struct {
	path           string
	policies       map[string]config.TierPolicy
	reloadInterval time.Duration
	logger         *zap.Logger
	now            func() time.Time

	mu       sync.RWMutex
	keys     map[string]KeyRecord
	loadedAt time.Time
}

func NewRegistry(cfg config.KeysConfig, policies map[string]config.TierPolicy, logger *zap.Logger) *Registry {
	r := &Registry{
		path:           cfg.Path,
		policies:       policies,
		reloadInterval: time.Duration(cfg.ReloadIntervalSec) * time.Second,
		logger:         logger,
		now:            time.Now,
		keys:           make(map[string]KeyRecord),
	}
	if r.reloadInterval == 0 {
		r.reloadInterval = time.Minute
	}
	if err := r.Reload(); err != nil {
		logger.Warn("Key file not loaded, all callers resolve to anonymous", zap.Error(err))
	}
	return r
}

// Resolve maps a credential to its tier. The empty credential is anonymous.
func (r *Registry) Resolve(identity string) Tier {
	identity = strings.TrimSpace(identity)
	if identity == "" || !strings.HasPrefix(identity, keyPrefix) {
		return Anonymous
	}

	r.maybeReload()

	r.mu.RLock()
	record, ok := r.keys[identity]
	r.mu.RUnlock()

	if !ok || !record.Active {
		return Anonymous
	}
	return Parse(record.Tier)
}

// Policy returns the quota policy for a tier. Every tier present in config is
// guaranteed at startup; a missing entry falls back to the anonymous policy.
func (r *Registry) Policy(t Tier) config.TierPolicy {
	if p, ok := r.policies[t.String()]; ok {
		return p
	}
	return r.policies[Anonymous.String()]
}

// ModeAllowed reports whether a tier may invoke the given search mode.
func (r *Registry) ModeAllowed(t Tier, mode string) bool {
	for _, m := range r.Policy(t).Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Reload replaces the in-memory key set from the key file.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	keys := make(map[string]KeyRecord)
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("failed to parse key file: %w", err)
	}

	r.mu.Lock()
	r.keys = keys
	r.loadedAt = r.now()
	r.mu.Unlock()

	r.logger.Info("API keys loaded", zap.Int("count", len(keys)), zap.String("path", r.path))
	return nil
}

func (r *Registry) maybeReload() {
	r.mu.RLock()
	stale := r.now().Sub(r.loadedAt) > r.reloadInterval
	r.mu.RUnlock()
	if stale {
		if err := r.Reload(); err != nil {
			r.logger.Warn("Key reload failed, keeping previous set", zap.Error(err))
		}
	}
}

// Generate issues a new key for the given tier and persists it. Returns the
// full key string; it is never shown in full again.
func (r *Registry) Generate(name, tierName string) (string, error) {
	if _, ok := tiersByName[tierName]; !ok || tierName == "anonymous" {
		return "", fmt.Errorf("invalid tier for key issuance: %q", tierName)
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	key := keyPrefix + hex.EncodeToString(raw)

	r.mu.Lock()
	r.keys[key] = KeyRecord{
		Name:    name,
		Tier:    tierName,
		Created: r.now().UTC().Format(time.RFC3339),
		Active:  true,
	}
	err := r.persistLocked()
	r.mu.Unlock()

	if err != nil {
		return "", err
	}
	r.logger.Info("API key issued", zap.String("name", name), zap.String("tier", tierName))
	return key, nil
}

// Revoke deactivates a key. Returns false if the key does not exist.
func (r *Registry) Revoke(key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.keys[key]
	if !ok {
		return false, nil
	}
	record.Active = false
	record.RevokedAt = r.now().UTC().Format(time.RFC3339)
	r.keys[key] = record

	if err := r.persistLocked(); err != nil {
		return false, err
	}
	r.logger.Info("API key revoked", zap.String("key_prefix", maskKey(key)))
	return true, nil
}

// List returns all keys masked to their prefix.
func (r *Registry) List() []MaskedKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]MaskedKey, 0, len(r.keys))
	for k, v := range r.keys {
		out = append(out, MaskedKey{
			Prefix:  maskKey(k),
			Name:    v.Name,
			Tier:    v.Tier,
			Active:  v.Active,
			Created: v.Created,
		})
	}
	return out
}

func (r *Registry) persistLocked() error {
	data, err := json.MarshalIndent(r.keys, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keys: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func maskKey(key string) string {
	if len(key) <= 16 {
		return key
	}
	return key[:16] + "..."
}

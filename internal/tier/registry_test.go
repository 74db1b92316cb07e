package tier

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/pkg/config"
)

func testPolicies() map[string]config.TierPolicy {
	return map[string]config.TierPolicy{
		"anonymous": {Quota: 30, WindowSec: 60, Modes: []string{"keyword", "auto"}},
		"free":      {Quota: 60, WindowSec: 60, Modes: []string{"keyword", "auto"}},
		"dev":       {Quota: 300, WindowSec: 60, Modes: []string{"keyword", "semantic", "auto"}},
		"pro":       {Quota: 1000, WindowSec: 60, Modes: []string{"keyword", "semantic", "hybrid", "auto"}},
		"team":      {Quota: 5000, WindowSec: 60, Modes: []string{"keyword", "semantic", "hybrid", "auto"}},
	}
}

func writeKeyFile(t *testing.T, keys map[string]KeyRecord) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.json")
	data, err := json.Marshal(keys)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func newTestRegistry(t *testing.T, keys map[string]KeyRecord) *Registry {
	t.Helper()
	path := writeKeyFile(t, keys)
	return NewRegistry(config.KeysConfig{Path: path, ReloadIntervalSec: 3600}, testPolicies(), zap.NewNop())
}

func TestResolveNeverFails(t *testing.T) {
	r := newTestRegistry(t, map[string]KeyRecord{
		"kgw_sk_validkey": {Name: "alice", Tier: "pro", Active: true},
	})

	tests := []struct {
		name     string
		identity string
		want     Tier
	}{
		{"valid key", "kgw_sk_validkey", Pro},
		{"empty credential", "", Anonymous},
		{"missing prefix", "validkey", Anonymous},
		{"unknown key", "kgw_sk_doesnotexist", Anonymous},
		{"whitespace only", "   ", Anonymous},
		{"garbage", "Bearer something kgw", Anonymous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.identity))
		})
	}
}

func TestResolveRevokedKeyIsAnonymous(t *testing.T) {
	r := newTestRegistry(t, map[string]KeyRecord{
		"kgw_sk_revoked": {Name: "bob", Tier: "dev", Active: false, RevokedAt: "2026-01-10T00:00:00Z"},
	})
	assert.Equal(t, Anonymous, r.Resolve("kgw_sk_revoked"))
}

func TestMissingKeyFileResolvesAnonymous(t *testing.T) {
	r := NewRegistry(
		config.KeysConfig{Path: filepath.Join(t.TempDir(), "absent.json"), ReloadIntervalSec: 3600},
		testPolicies(), zap.NewNop(),
	)
	assert.Equal(t, Anonymous, r.Resolve("kgw_sk_whatever"))
}

func TestGenerateAndRevokeRoundTrip(t *testing.T) {
	r := newTestRegistry(t, map[string]KeyRecord{})

	key, err := r.Generate("ci-bot", "dev")
	require.NoError(t, err)
	assert.True(t, len(key) > len("kgw_sk_"))
	assert.Equal(t, Dev, r.Resolve(key))

	revoked, err := r.Revoke(key)
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.Equal(t, Anonymous, r.Resolve(key))

	// The revocation survives a reload from disk.
	require.NoError(t, r.Reload())
	assert.Equal(t, Anonymous, r.Resolve(key))
}

func TestGenerateRejectsInvalidTier(t *testing.T) {
	r := newTestRegistry(t, map[string]KeyRecord{})

	_, err := r.Generate("x", "platinum")
	assert.Error(t, err)

	_, err = r.Generate("x", "anonymous")
	assert.Error(t, err, "anonymous keys cannot be issued")
}

func TestRevokeUnknownKey(t *testing.T) {
	r := newTestRegistry(t, map[string]KeyRecord{})
	revoked, err := r.Revoke("kgw_sk_nope")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestListMasksKeys(t *testing.T) {
	r := newTestRegistry(t, map[string]KeyRecord{
		"kgw_sk_0123456789abcdef": {Name: "alice", Tier: "pro", Active: true},
	})

	keys := r.List()
	require.Len(t, keys, 1)
	assert.Equal(t, "kgw_sk_012345678...", keys[0].Prefix)
	assert.NotContains(t, keys[0].Prefix, "9abcdef")
}

func TestModeAllowed(t *testing.T) {
	r := newTestRegistry(t, map[string]KeyRecord{})

	assert.True(t, r.ModeAllowed(Anonymous, "keyword"))
	assert.False(t, r.ModeAllowed(Anonymous, "semantic"))
	assert.False(t, r.ModeAllowed(Free, "hybrid"))
	assert.True(t, r.ModeAllowed(Dev, "semantic"))
	assert.False(t, r.ModeAllowed(Dev, "hybrid"))
	assert.True(t, r.ModeAllowed(Pro, "hybrid"))
	assert.True(t, r.ModeAllowed(Team, "hybrid"))
}

func TestParseUnknownTier(t *testing.T) {
	assert.Equal(t, Anonymous, Parse("enterprise"))
	assert.Equal(t, Pro, Parse("pro"))
}

package cache

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/alucardeht/toolbridge/internal/config"
)

func newCache(t *testing.T, mutate func(*config.CacheConfig)) *Cache {
	t.Helper()
	cfg := config.Default().Cache
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestKeyIgnoresArgumentOrder(t *testing.T) {
	a := Key("search", json.RawMessage(`{"q":"x","limit":5}`))
	b := Key("search", json.RawMessage(`{"limit":5, "q":"x"}`))
	if a != b {
		t.Errorf("expected equal keys, got %s and %s", a, b)
	}
	if Key("search", nil) != Key("search", json.RawMessage(`{}`)) {
		t.Errorf("nil args should key like empty object")
	}
	if Key("other", nil) == Key("search", nil) {
		t.Errorf("tool name must be part of the key")
	}
}

func TestCacheablePatterns(t *testing.T) {
	c := newCache(t, func(cfg *config.CacheConfig) {
		cfg.Tools = []string{"fs/**", "status"}
	})

	tests := []struct {
		tool string
		want bool
	}{
		{"fs/read", true},
		{"fs/read/file", true},
		{"status", true},
		{"write", false},
		{"net/fetch", false},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			if got := c.Cacheable(tt.tool); got != tt.want {
				t.Errorf("Cacheable(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestInvalidPatternRejected(t *testing.T) {
	cfg := config.Default().Cache
	cfg.Tools = []string{"fs/[abc"}
	if _, err := New(cfg); err == nil {
		t.Fatal("expected invalid pattern error")
	}
}

func TestPutGetMemory(t *testing.T) {
	c := newCache(t, nil)

	if _, ok := c.Get("ping", nil); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	c.Put("ping", nil, json.RawMessage(`"pong"`))

	e, ok := c.Get("ping", json.RawMessage(`{}`))
	if !ok || string(e.Result) != `"pong"` {
		t.Fatalf("expected cached pong, got %+v %v", e, ok)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Entries != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestDisabledCacheStoresNothing(t *testing.T) {
	c := newCache(t, func(cfg *config.CacheConfig) { cfg.Enabled = false })
	c.Put("ping", nil, json.RawMessage(`"pong"`))
	if _, ok := c.Get("ping", nil); ok {
		t.Error("disabled cache returned a hit")
	}
}

func TestPersistentStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	cfg := config.Default().Cache
	cfg.Path = path

	first, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	first.Put("fs/read", json.RawMessage(`{"path":"a"}`), json.RawMessage(`{"content":"hello"}`))
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second, err := New(cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()

	e, ok := second.Get("fs/read", json.RawMessage(`{"path":"a"}`))
	if !ok {
		t.Fatal("expected persisted entry after reopen")
	}
	if string(e.Result) != `{"content":"hello"}` || e.Tool != "fs/read" {
		t.Errorf("unexpected entry %+v", e)
	}
	if st := second.Stats(); !st.Persistent || st.Persisted != 1 {
		t.Errorf("unexpected stats %+v", st)
	}

	if err := second.Purge(); err != nil {
		t.Fatal(err)
	}
	if _, ok := second.Get("fs/read", json.RawMessage(`{"path":"a"}`)); ok {
		t.Error("purge left an entry behind")
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := newCache(t, func(cfg *config.CacheConfig) { cfg.Size = 2 })

	c.Put("a", nil, json.RawMessage(`1`))
	c.Put("b", nil, json.RawMessage(`2`))
	c.Get("a", nil)
	c.Put("c", nil, json.RawMessage(`3`))

	if _, ok := c.Get("b", nil); ok {
		t.Error("expected b to be evicted")
	}
	if _, ok := c.Get("a", nil); !ok {
		t.Error("expected a to survive")
	}
}

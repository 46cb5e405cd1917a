// Package cache keeps the last successful result of cacheable tool calls so
// degraded levels have something real to serve.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/alucardeht/toolbridge/internal/config"
	"github.com/alucardeht/toolbridge/internal/logger"
)

var log = logger.ForComponent("cache")

type Entry struct {
	Key      string          `json:"key"`
	Tool     string          `json:"tool"`
	Result   json.RawMessage `json:"result"`
	StoredAt time.Time       `json:"stored_at"`
}

type Cache struct {
	mu       sync.RWMutex
	enabled  bool
	patterns []string

	memory *lru.Cache[string, Entry]
	store  *Store

	hits   atomic.Int64
	misses atomic.Int64
}

// New builds the memory cache and, when cfg.Path is set, opens the SQLite
// store behind it.
func New(cfg config.CacheConfig) (*Cache, error) {
	size := cfg.Size
	if size <= 0 {
		size = 256
	}
	memory, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}

	c := &Cache{memory: memory}
	if err := c.setPatterns(cfg); err != nil {
		return nil, err
	}

	if cfg.Enabled && cfg.Path != "" {
		store, err := NewStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open cache store: %w", err)
		}
		c.store = store
	}
	return c, nil
}

func (c *Cache) setPatterns(cfg config.CacheConfig) error {
	for _, p := range cfg.Tools {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid cache pattern %q", p)
		}
	}
	c.mu.Lock()
	c.enabled = cfg.Enabled
	c.patterns = append([]string(nil), cfg.Tools...)
	c.mu.Unlock()
	return nil
}

// SetConfig updates patterns and memory size. The store path is fixed for
// the life of the cache.
func (c *Cache) SetConfig(cfg config.CacheConfig) error {
	if err := c.setPatterns(cfg); err != nil {
		return err
	}
	if cfg.Size > 0 {
		c.memory.Resize(cfg.Size)
	}
	return nil
}

// Cacheable reports whether results of tool may be kept. Tool names are
// matched like slash-separated paths, so "fs/**" covers "fs/read/file".
func (c *Cache) Cacheable(tool string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.enabled {
		return false
	}
	for _, p := range c.patterns {
		if ok, _ := doublestar.Match(p, tool); ok {
			return true
		}
	}
	return false
}

// Key identifies a call by tool name and canonical JSON of its arguments.
func Key(tool string, args json.RawMessage) string {
	canonical := []byte("{}")
	if len(args) > 0 {
		var v any
		if err := json.Unmarshal(args, &v); err == nil {
			if b, err := json.Marshal(v); err == nil {
				canonical = b
			}
		} else {
			canonical = args
		}
	}
	sum := sha256.Sum256(canonical)
	return tool + ":" + hex.EncodeToString(sum[:12])
}

func (c *Cache) Put(tool string, args, result json.RawMessage) {
	if !c.Cacheable(tool) {
		return
	}

	e := Entry{
		Key:      Key(tool, args),
		Tool:     tool,
		Result:   append(json.RawMessage(nil), result...),
		StoredAt: time.Now(),
	}
	c.memory.Add(e.Key, e)

	if c.store != nil {
		if err := c.store.Put(e); err != nil {
			log.Warn("persist result failed", "tool", tool, "error", err)
		}
	}
}

func (c *Cache) Get(tool string, args json.RawMessage) (Entry, bool) {
	if !c.Cacheable(tool) {
		return Entry{}, false
	}

	key := Key(tool, args)
	if e, ok := c.memory.Get(key); ok {
		c.hits.Add(1)
		return e, true
	}

	if c.store != nil {
		e, ok, err := c.store.Get(key)
		if err != nil {
			log.Warn("load cached result failed", "tool", tool, "error", err)
		}
		if ok {
			c.memory.Add(key, e)
			c.hits.Add(1)
			return e, true
		}
	}

	c.misses.Add(1)
	return Entry{}, false
}

func (c *Cache) Purge() error {
	c.memory.Purge()
	c.hits.Store(0)
	c.misses.Store(0)
	if c.store != nil {
		return c.store.Clear()
	}
	return nil
}

func (c *Cache) Close() error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

type Stats struct {
	Entries    int   `json:"entries" yaml:"entries"`
	Persisted  int   `json:"persisted" yaml:"persisted"`
	Hits       int64 `json:"hits" yaml:"hits"`
	Misses     int64 `json:"misses" yaml:"misses"`
	Persistent bool  `json:"persistent" yaml:"persistent"`
}

func (c *Cache) Stats() Stats {
	s := Stats{
		Entries:    c.memory.Len(),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Persistent: c.store != nil,
	}
	if c.store != nil {
		if n, err := c.store.Count(); err == nil {
			s.Persisted = n
		}
	}
	return s
}

package cache

import (
	"container/list"
	"sync"
	"time"

	"impactlab/rulecore/pkg/rules"
)

// DefaultMaxEntries bounds the cache when Config.MaxEntries is zero.
const DefaultMaxEntries = 10000

// Observer receives cache events. The metrics collector implements it.
type Observer interface {
	CacheHit(rule string)
	CacheMiss()
	CacheEviction(reason string)
	CacheSize(entries int)
}

// Eviction reasons reported to the Observer.
const (
	ReasonCapacity    = "capacity"
	ReasonExpired     = "expired"
	ReasonInvalidated = "invalidated"
	ReasonFlushed     = "flushed"
)

// Config configures a Cache.
type Config struct {
	// MaxEntries is the LRU capacity (0 = DefaultMaxEntries).
	MaxEntries int

	// TTL assigns lifetimes by rule volatility.
	TTL TTLPolicy
}

// EntryInfo describes a cached entry without its result.
type EntryInfo struct {
	Key            string
	Rule           string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	TTL            time.Duration
	Hits           uint64
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries       int
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Expirations   uint64
	Invalidations uint64
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	info   EntryInfo
	result rules.EvaluationResult
	elem   *list.Element
}

// Cache maps fingerprints to evaluation results. Entries expire after their
// TTL and the least recently used entry is evicted when the cache is full.
// It is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	byRule     map[string]map[string]struct{}
	lru        *list.List // front = most recently used; values are keys
	maxEntries int
	ttl        TTLPolicy
	stats      Stats
	observer   Observer
	now        func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithObserver reports cache events to o.
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	c := &Cache{
		entries:    make(map[string]*entry),
		byRule:     make(map[string]map[string]struct{}),
		lru:        list.New(),
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTLFor returns the lifetime for results of a rule with the given volatility.
func (c *Cache) TTLFor(v rules.Volatility) time.Duration {
	return c.ttl.For(v)
}

// Get returns a copy of the cached result for key. Expired entries are
// removed and reported as misses.
func (c *Cache) Get(key string) (rules.EvaluationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		c.notifyMiss()
		return rules.EvaluationResult{}, false
	}

	now := c.now()
	if now.After(e.info.ExpiresAt) {
		c.removeLocked(e)
		c.stats.Expirations++
		c.stats.Misses++
		c.notifyEviction(ReasonExpired)
		c.notifyMiss()
		return rules.EvaluationResult{}, false
	}

	e.info.LastAccessedAt = now
	e.info.Hits++
	c.lru.MoveToFront(e.elem)
	c.stats.Hits++
	if c.observer != nil {
		c.observer.CacheHit(e.info.Rule)
	}
	return e.result.Clone(), true
}

// Put stores result under key for ttl. A non-positive ttl stores nothing and
// returns false. Writing an existing key replaces it; results for a
// fingerprint are deterministic so the last writer wins.
func (c *Cache) Put(key, rule string, result rules.EvaluationResult, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	for len(c.entries) >= c.maxEntries {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(c.entries[back.Value.(string)])
		c.stats.Evictions++
		c.notifyEviction(ReasonCapacity)
	}

	stored := result.Clone()
	stored.CacheHit = false
	e := &entry{
		info: EntryInfo{
			Key:            key,
			Rule:           rule,
			CreatedAt:      now,
			ExpiresAt:      now.Add(ttl),
			LastAccessedAt: now,
			TTL:            ttl,
		},
		result: stored,
	}
	e.elem = c.lru.PushFront(key)
	c.entries[key] = e
	keys, ok := c.byRule[rule]
	if !ok {
		keys = make(map[string]struct{})
		c.byRule[rule] = keys
	}
	keys[key] = struct{}{}
	c.notifySize()
	return true
}

// Peek returns entry metadata without counting a hit or touching LRU order.
func (c *Cache) Peek(key string) (EntryInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return EntryInfo{}, false
	}
	return e.info, true
}

// Invalidate drops every entry of the named rule and returns how many were removed.
func (c *Cache) Invalidate(rule string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.byRule[rule]
	n := 0
	for key := range keys {
		if e, ok := c.entries[key]; ok {
			c.removeLocked(e)
			n++
		}
	}
	c.stats.Invalidations += uint64(n)
	for i := 0; i < n; i++ {
		c.notifyEviction(ReasonInvalidated)
	}
	return n
}

// Flush empties the cache and returns how many entries were removed.
func (c *Cache) Flush() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*entry)
	c.byRule = make(map[string]map[string]struct{})
	c.lru.Init()
	c.stats.Invalidations += uint64(n)
	for i := 0; i < n; i++ {
		c.notifyEviction(ReasonFlushed)
	}
	c.notifySize()
	return n
}

// RemoveExpired sweeps expired entries and returns how many were removed.
func (c *Cache) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, e := range c.entries {
		if now.After(e.info.ExpiresAt) {
			c.removeLocked(e)
			n++
		}
	}
	c.stats.Expirations += uint64(n)
	for i := 0; i < n; i++ {
		c.notifyEviction(ReasonExpired)
	}
	return n
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

// removeLocked unlinks e. Must be called with mu held.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.info.Key)
	c.lru.Remove(e.elem)
	if keys, ok := c.byRule[e.info.Rule]; ok {
		delete(keys, e.info.Key)
		if len(keys) == 0 {
			delete(c.byRule, e.info.Rule)
		}
	}
	c.notifySize()
}

func (c *Cache) notifyMiss() {
	if c.observer != nil {
		c.observer.CacheMiss()
	}
}

func (c *Cache) notifyEviction(reason string) {
	if c.observer != nil {
		c.observer.CacheEviction(reason)
	}
}

func (c *Cache) notifySize() {
	if c.observer != nil {
		c.observer.CacheSize(len(c.entries))
	}
}

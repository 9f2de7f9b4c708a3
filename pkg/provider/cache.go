package provider

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how long a cached response stays servable.
const DefaultCacheTTL = 5 * time.Minute

// DefaultCacheSize is the LRU eviction threshold.
const DefaultCacheSize = 1000

// cacheKey derives the deterministic lookup key for a request. Tools
// and cost constraints are deliberately excluded so requests differing
// only in those still share entries.
func cacheKey(req Request) string {
	key := struct {
		Messages    []Message `json:"messages"`
		Model       string    `json:"model"`
		Temperature *float64  `json:"temperature"`
		MaxTokens   *int      `json:"max_tokens"`
	}{req.Messages, req.Model, req.Temperature, req.MaxTokens}
	b, err := json.Marshal(key)
	if err != nil {
		return ""
	}
	return string(b)
}

type cacheEntry struct {
	key      string
	resp     *Response
	storedAt time.Time
}

// responseCache is an LRU map with per-entry TTL. Entries expire lazily
// on lookup; inserts evict the least recently used entry at capacity.
type responseCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List
	entries map[string]*list.Element

	hits   int64
	misses int64
}

func newResponseCache(maxSize int, ttl time.Duration) *responseCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &responseCache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *responseCache) get(key string) (*Response, bool) {
	if key == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Since(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return entry.resp, true
}

func (c *responseCache) put(key string, resp *Response) {
	if key == "" || resp == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).resp = resp
		el.Value.(*cacheEntry).storedAt = time.Now()
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, resp: resp, storedAt: time.Now()})
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// CacheStats reports hit and miss counters.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

func (c *responseCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Size: c.order.Len()}
}

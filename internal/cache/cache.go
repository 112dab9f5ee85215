// Package cache holds recently computed chat responses. Entries expire
// after a TTL and are dropped eagerly whenever the document corpus changes.
// Lookups for the same key in flight are coalesced so N identical queries
// cost one retrieval and generation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/altiqa/helpchat/internal/generate"
)

// DefaultTTL is the production entry lifetime.
const DefaultTTL = time.Hour

// Key derives a deterministic cache key from normalized query text and the
// user-context fields that change the answer: roles, language, and current
// page. User identity is deliberately excluded; two users in the same
// situation share an entry.
func Key(query string, roles []string, language, currentPage string) string {
	h := sha256.New()
	h.Write([]byte(normalizeQuery(query)))
	h.Write([]byte{0})
	sorted := append([]string{}, roles...)
	sort.Strings(sorted)
	for _, r := range sorted {
		h.Write([]byte(r))
		h.Write([]byte{0})
	}
	h.Write([]byte(strings.ToLower(language)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(currentPage)))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

type entry struct {
	resp      generate.ChatResponse
	expiresAt time.Time
}

// ResponseCache is a TTL cache with per-key single-flight computation.
// Safe for concurrent use.
type ResponseCache struct {
	ttl   time.Duration
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry

	// now is swappable in tests.
	now func() time.Time
}

// New creates a cache. ttl <= 0 selects DefaultTTL.
func New(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResponseCache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the cached response for key when present and fresh.
func (c *ResponseCache) Get(key string) (generate.ChatResponse, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		return generate.ChatResponse{}, false
	}
	return e.resp, true
}

// Set stores a response. Overwriting an existing entry is fine: concurrent
// queries may race to populate the same key and any of their responses is
// valid.
func (c *ResponseCache) Set(key string, resp generate.ChatResponse) {
	c.mu.Lock()
	c.entries[key] = entry{resp: resp, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Do returns the cached response for key, or runs compute exactly once for
// all concurrent callers of the same key and caches its result. The second
// return reports whether this caller's response came from the cache or from
// another caller's in-flight computation rather than its own compute call.
//
// compute errors are not cached; the next caller recomputes.
func (c *ResponseCache) Do(ctx context.Context, key string, compute func(ctx context.Context) (generate.ChatResponse, error)) (generate.ChatResponse, bool, error) {
	if resp, ok := c.Get(key); ok {
		return resp, true, nil
	}

	computed := false
	v, err, shared := c.group.Do(key, func() (any, error) {
		// Another caller may have populated the entry while we waited for
		// the flight slot.
		if resp, ok := c.Get(key); ok {
			return resp, nil
		}
		computed = true
		resp, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, resp)
		return resp, nil
	})
	if err != nil {
		return generate.ChatResponse{}, false, err
	}
	return v.(generate.ChatResponse), shared || !computed, nil
}

// InvalidateAll drops every entry. Called on any corpus change; answers are
// cheap to recompute relative to serving one grounded in deleted text.
func (c *ResponseCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Len returns the number of stored entries, counting expired ones not yet
// evicted.
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries. Run it periodically from the server loop;
// correctness never depends on it, Get checks expiry itself.
func (c *ResponseCache) Sweep() {
	now := c.now()
	c.mu.Lock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

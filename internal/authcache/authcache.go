// Package authcache caches directory authentication results so repeated
// requests with the same credentials do not hit the directory every time.
package authcache

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultTTL bounds how long a cached verdict is trusted.
	DefaultTTL = 15 * time.Minute
	// DefaultSweepInterval is how often expired entries are purged.
	DefaultSweepInterval = 60 * time.Second
)

type entry struct {
	username string
	result   bool
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Sets    uint64  `json:"sets"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hitRate"`
}

// Cache stores authentication verdicts keyed by a salted hash of the
// credential pair. The raw password never enters the cache; the per-instance
// salt keeps keys unlinkable across restarts. Capacity is TTL-bounded only,
// acceptable because the keyspace is the small admin population.
type Cache struct {
	store *gocache.Cache
	salt  []byte

	mu     sync.Mutex
	hits   uint64
	misses uint64
	sets   uint64
}

// New builds a cache with the default TTL and sweep interval.
func New() *Cache {
	return NewWithTTL(DefaultTTL, DefaultSweepInterval)
}

// NewWithTTL builds a cache with explicit expiry parameters. Tests use short
// TTLs.
func NewWithTTL(ttl, sweep time.Duration) *Cache {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		// crypto/rand failing means the process environment is broken.
		log.Fatal().Err(err).Msg("Could not generate auth cache salt")
	}
	return &Cache{store: gocache.New(ttl, sweep), salt: salt}
}

func (c *Cache) key(username, password string) string {
	h := sha256.New()
	h.Write(c.salt)
	h.Write([]byte(username))
	h.Write([]byte(":"))
	h.Write([]byte(password))
	return "auth:" + hex.EncodeToString(h.Sum(nil))
}

// SetResult stores the verdict for a credential pair.
func (c *Cache) SetResult(username, password string, result bool) {
	c.store.SetDefault(c.key(username, password), entry{username: username, result: result})
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
}

// GetResult returns the cached verdict and whether one was present.
func (c *Cache) GetResult(username, password string) (bool, bool) {
	v, found := c.store.Get(c.key(username, password))
	c.mu.Lock()
	if found {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	if !found {
		return false, false
	}
	return v.(entry).result, true
}

// InvalidateUser drops every cached verdict for a username and returns how
// many were removed. The key embeds only a hash, so this is a full scan —
// fine at admin-console scale.
func (c *Cache) InvalidateUser(username string) int {
	removed := 0
	for key, item := range c.store.Items() {
		if e, ok := item.Object.(entry); ok && e.username == username {
			c.store.Delete(key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Str("username", username).Int("removed", removed).Msg("Auth cache invalidated")
	}
	return removed
}

// Clear drops every cached verdict.
func (c *Cache) Clear() {
	c.store.Flush()
}

// Stats snapshots the hit/miss counters and current size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Hits: c.hits, Misses: c.misses, Sets: c.sets, Size: c.store.ItemCount()}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

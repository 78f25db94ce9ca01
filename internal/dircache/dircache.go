// Package dircache implements the short-TTL directory listing cache.
//
// Entries are keyed by the directory path normalized to end with "/" and
// hold the name→metadata map of one tracker listing together with an
// absolute expiry deadline. Mutating filesystem operations invalidate the
// touched directory and cascade to its parents. Concurrent refreshes of
// the same directory are collapsed into a single tracker call.
package dircache

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mogfs/mogfs/internal/tracker"
)

// DefaultTTL is the listing lifetime when the mount does not override it.
const DefaultTTL = 2 * time.Second

// Lister fetches a fresh directory listing.
type Lister func(dir string) ([]tracker.Entry, error)

// Cache is a TTL map from directory path to its listing. Safe for
// concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	list    Lister
	ttl     time.Duration
	enabled bool
	now     func() time.Time
	group   singleflight.Group
}

type entry struct {
	expiresAt time.Time
	files     map[string]tracker.Entry
}

// New creates a cache over the lister. A disabled cache forwards every
// lookup to the lister.
func New(list Lister, ttl time.Duration, enabled bool) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]*entry),
		list:    list,
		ttl:     ttl,
		enabled: enabled,
		now:     time.Now,
	}
}

// Lookup returns the listing of dir, refreshing through the lister when the
// cached copy is missing or expired.
func (c *Cache) Lookup(dir string) (map[string]tracker.Entry, error) {
	key := normalizeDir(dir)

	if c.enabled {
		c.mu.RLock()
		e, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && c.now().Before(e.expiresAt) {
			return e.files, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		listing, err := c.list(strings.TrimSuffix(key, "/") + "/")
		if err != nil {
			return nil, err
		}
		files := make(map[string]tracker.Entry, len(listing))
		for _, e := range listing {
			files[e.Name] = e
		}
		if c.enabled {
			c.mu.Lock()
			c.entries[key] = &entry{expiresAt: c.now().Add(c.ttl), files: files}
			c.mu.Unlock()
		}
		return files, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]tracker.Entry), nil
}

// Invalidate flushes the directory's entry and, cascading, every parent up
// to the root.
func (c *Cache) Invalidate(dir string) {
	if !c.enabled {
		return
	}
	key := normalizeDir(dir)

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		delete(c.entries, key)
		if key == "/" {
			return
		}
		key = parentDir(key)
	}
}

// InvalidatePath flushes the directory containing path (and its parents).
func (c *Cache) InvalidatePath(path string) {
	c.Invalidate(parentDir(path))
}

func normalizeDir(dir string) string {
	if dir == "" || dir == "." {
		return "/"
	}
	if !strings.HasPrefix(dir, "/") {
		dir = "/" + dir
	}
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return dir
}

// parentDir returns the parent of a file path or of a normalized directory
// key, itself normalized with a trailing "/".
func parentDir(p string) string {
	p = strings.TrimSuffix(p, "/")
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i+1]
}

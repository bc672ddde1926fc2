package server

import (
	"strings"
	"time"

	"github.com/eroshiva/rateable/internal/ratings"
	"github.com/eroshiva/rateable/pkg/store"
	"github.com/maypok86/otter"
	"github.com/samber/lo"
)

const (
	entityKeyPrefix  = "entity:"
	summaryKeyPrefix = "summary:"
)

// Cache keeps entity snapshots and rating summaries served by the HTTP API.
type Cache struct {
	c otter.Cache[string, any]
}

// NewCache creates a new cache holding up to size entries for ttl each.
func NewCache(size int, ttl time.Duration) (*Cache, error) {
	c, err := otter.MustBuilder[string, any](size).
		CollectStats().
		Cost(func(key string, value any) uint32 {
			return 1
		}).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}

	return &Cache{c: c}, nil
}

func summaryKey(parent store.Ref, rater string) string {
	return summaryKeyPrefix + parent.String() + ":" + rater
}

// GetEntity gets an entity snapshot from the cache.
func (c *Cache) GetEntity(ref store.Ref) (*store.Entity, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.c.Get(entityKeyPrefix + ref.String())
	if !ok {
		return nil, false
	}

	// casting back to original structure
	e, ok := v.(*store.Entity)
	return e, ok
}

// SetEntity sets an entity snapshot in the cache.
func (c *Cache) SetEntity(e *store.Entity) {
	if c == nil {
		return
	}
	c.c.Set(entityKeyPrefix+e.Ref.String(), e)
}

// GetSummary gets the rating summary of parent as seen by rater from the cache.
func (c *Cache) GetSummary(parent store.Ref, rater string) (*ratings.Summary, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.c.Get(summaryKey(parent, rater))
	if !ok {
		return nil, false
	}

	// casting back to original structure
	s, ok := v.(*ratings.Summary)
	return s, ok
}

// SetSummary sets the rating summary of parent as seen by rater in the cache.
func (c *Cache) SetSummary(parent store.Ref, rater string, s *ratings.Summary) {
	if c == nil {
		return
	}
	c.c.Set(summaryKey(parent, rater), s)
}

// Invalidate drops the entity snapshots of refs and of their direct children, together with
// every rating summary of refs.
func (c *Cache) Invalidate(refs ...store.Ref) {
	if c == nil || len(refs) == 0 {
		return
	}
	prefixes := make([]string, 0, len(refs))
	for _, ref := range refs {
		c.c.Delete(entityKeyPrefix + ref.String())
		prefixes = append(prefixes, summaryKeyPrefix+ref.String()+":")
	}
	c.c.DeleteByFunc(func(key string, v any) bool {
		if e, ok := v.(*store.Entity); ok {
			return e.Parent != "" && lo.Contains(refs, e.Parent)
		}
		return lo.SomeBy(prefixes, func(prefix string) bool {
			return strings.HasPrefix(key, prefix)
		})
	})
}

// Stats returns cache hits and misses so far.
func (c *Cache) Stats() (hits, misses int64) {
	if c == nil {
		return 0, 0
	}
	s := c.c.Stats()
	return s.Hits(), s.Misses()
}

// Close stops the cache background goroutines.
func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.c.Close()
}

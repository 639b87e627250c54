// Package dedup keeps a bounded, time-limited record of update keys the
// bot has already handled. Long-poll restarts can replay recent updates;
// the cache makes re-processing a no-op.
package dedup

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key     string
	addedAt time.Time
}

// Cache is a TTL set with a hard size cap. When full, the oldest entry
// is evicted regardless of age.
type Cache struct {
	mu     sync.Mutex
	ttl    time.Duration
	max    int
	order  *list.List
	byKey  map[string]*list.Element

	now func() time.Time
}

func New(ttl time.Duration, max int) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 4096
	}
	return &Cache{
		ttl:   ttl,
		max:   max,
		order: list.New(),
		byKey: map[string]*list.Element{},
		now:   time.Now,
	}
}

// Seen records the key and reports whether it was already present and
// still fresh. A single call both checks and marks.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expire(now)

	if el, ok := c.byKey[key]; ok {
		if now.Sub(el.Value.(entry).addedAt) <= c.ttl {
			return true
		}
		c.order.Remove(el)
		delete(c.byKey, key)
	}

	for c.order.Len() >= c.max {
		c.evictOldest()
	}
	c.byKey[key] = c.order.PushBack(entry{key: key, addedAt: now})
	return false
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// expire drops entries past the TTL from the front (insertion order).
func (c *Cache) expire(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		if now.Sub(front.Value.(entry).addedAt) <= c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.byKey, front.Value.(entry).key)
	}
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.byKey, front.Value.(entry).key)
}

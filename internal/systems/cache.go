package systems

import (
	"container/list"
	"sync"
	"time"

	"vision-server/internal/domain"
	"vision-server/pkg/clock"
	"vision-server/pkg/geometry"
)

// CacheKey - ключ кэша видимости.
// Отпечаток набора препятствий делает устаревание по изменению карты автоматическим.
// Точка обзора хранится точно: внутри одной клетки может стоять тонкая дверь.
type CacheKey struct {
	Origin      geometry.Point
	Radius      float64
	AngularStep float64
	MarchStep   float64
	Mode        domain.VisionMode
	Intensity   float64
	Obstacles   uint64
}

func cacheKeyFor(o Origin, p QualityProfile, fingerprint uint64) CacheKey {
	return CacheKey{
		Origin:      o.Position,
		Radius:      o.Radius,
		AngularStep: p.AngularStep,
		MarchStep:   p.MarchStep,
		Mode:        o.Mode,
		Intensity:   o.Intensity,
		Obstacles:   fingerprint,
	}
}

type cachedSnapshot struct {
	key      CacheKey
	snapshot *Snapshot
	storedAt time.Time
}

// VisibilityCache - LRU кэш снимков видимости с TTL.
// Снимки в кэше неизменяемы: получатель не должен их модифицировать.
type VisibilityCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	clock    clock.Clock

	items map[CacheKey]*list.Element
	order *list.List

	hits, misses uint64
}

// NewVisibilityCache создает кэш. capacity <= 0 - 256 записей.
func NewVisibilityCache(ttl time.Duration, capacity int, clk clock.Clock) *VisibilityCache {
	if capacity <= 0 {
		capacity = 256
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &VisibilityCache{
		ttl:      ttl,
		capacity: capacity,
		clock:    clk,
		items:    make(map[CacheKey]*list.Element),
		order:    list.New(),
	}
}

// Get возвращает снимок, если он есть и не устарел.
func (c *VisibilityCache) Get(key CacheKey) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*cachedSnapshot)
	if c.ttl > 0 && c.clock.Now().Sub(entry.storedAt) >= c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return entry.snapshot, true
}

// Set кладет снимок, вытесняя самый старый при переполнении.
func (c *VisibilityCache) Set(key CacheKey, snap *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cachedSnapshot)
		entry.snapshot = snap
		entry.storedAt = c.clock.Now()
		c.order.MoveToFront(el)
		return
	}

	c.items[key] = c.order.PushFront(&cachedSnapshot{key: key, snapshot: snap, storedAt: c.clock.Now()})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cachedSnapshot).key)
	}
}

// Purge очищает кэш.
func (c *VisibilityCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[CacheKey]*list.Element)
	c.order.Init()
}

// Stats - попадания, промахи и текущий размер.
func (c *VisibilityCache) Stats() (hits, misses uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.order.Len()
}

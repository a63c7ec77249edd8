package engine

import (
	"sort"

	"vision-server/internal/domain"
)

// memoryBatch копит изменения памяти между отправками.
// Точка, созданная и удаленная внутри пачки, наружу не уходит.
type memoryBatch struct {
	points  map[string]domain.MemoryPoint
	added   map[string]bool
	removed map[string]bool
}

func newMemoryBatch() *memoryBatch {
	return &memoryBatch{
		points:  make(map[string]domain.MemoryPoint),
		added:   make(map[string]bool),
		removed: make(map[string]bool),
	}
}

func (b *memoryBatch) add(diff domain.MemoryDiff) {
	for _, p := range diff.Added {
		k := p.Key().String()
		b.points[k] = p
		if !b.removed[k] {
			b.added[k] = true
		}
		delete(b.removed, k)
	}
	for _, p := range diff.Updated {
		k := p.Key().String()
		b.points[k] = p
		delete(b.removed, k)
	}
	for _, k := range diff.Removed {
		delete(b.points, k)
		if b.added[k] {
			delete(b.added, k)
			continue
		}
		b.removed[k] = true
	}
}

func (b *memoryBatch) empty() bool {
	return len(b.points) == 0 && len(b.removed) == 0
}

// take возвращает накопленный дифф и очищает пачку.
func (b *memoryBatch) take() domain.MemoryDiff {
	var diff domain.MemoryDiff
	keys := make([]string, 0, len(b.points))
	for k := range b.points {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if b.added[k] {
			diff.Added = append(diff.Added, b.points[k])
		} else {
			diff.Updated = append(diff.Updated, b.points[k])
		}
	}
	for k := range b.removed {
		diff.Removed = append(diff.Removed, k)
	}
	sort.Strings(diff.Removed)

	b.points = make(map[string]domain.MemoryPoint)
	b.added = make(map[string]bool)
	b.removed = make(map[string]bool)
	return diff
}

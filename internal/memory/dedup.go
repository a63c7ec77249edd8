package memory

import (
	"math"
	"time"

	"vision-server/internal/domain"
	"vision-server/pkg/geometry"

	"github.com/sirupsen/logrus"
)

// dedup сливает точки наблюдателя, пока их число не уложится в MaxPoints.
// Вызывается под блокировкой.
//
// Сливаются только затухающие точки: видимая точка привязана к своей клетке,
// иначе Observe не переведет ее в Fading. Точки группируются по ячейке слияния;
// группа превращается в одну точку в центроиде с максимальной интенсивностью.
// Если точек все еще много, ячейка удваивается и слияние повторяется от
// исходного набора.
func (t *Tracker) dedup(viewerID string, now time.Time) domain.MemoryDiff {
	original := t.points[viewerID]
	f := t.factorsFor(viewerID)
	size := t.cfg.MergeCellSize * f.MergeCellMultiplier()
	if size <= 0 {
		size = 2 * t.cfg.CellSize
	}

	visible := 0
	for _, p := range original {
		if p.State == domain.StateVisible {
			visible++
		}
	}

	var merged map[geometry.CellKey]*domain.MemoryPoint
	var groups map[geometry.CellKey]int
	for i := 0; i < maxMergeIterations; i++ {
		merged, groups = t.mergeAt(original, size, now)
		// Затухающие слились в одну точку: дальше ужимать нечего
		if len(merged) <= t.cfg.MaxPoints || len(merged)-visible <= 1 {
			break
		}
		size *= 2
	}

	var diff domain.MemoryDiff
	for cell, p := range original {
		if _, kept := merged[cell]; !kept {
			diff.Removed = append(diff.Removed, p.Key().String())
		}
	}
	for cell, p := range merged {
		if _, existed := original[cell]; !existed {
			diff.Added = append(diff.Added, *p)
		} else if groups[cell] > 1 {
			diff.Updated = append(diff.Updated, *p)
		}
	}
	t.points[viewerID] = merged

	t.log.WithFields(logrus.Fields{
		"viewer_id":  viewerID,
		"before":     len(original),
		"after":      len(merged),
		"visible":    visible,
		"merge_cell": size,
	}).Debug("Memory points merged")
	return diff
}

// mergeAt группирует затухающие точки по ячейке size. Возвращает новые точки
// и размер каждой группы. Видимые точки переносятся как есть.
func (t *Tracker) mergeAt(pts map[geometry.CellKey]*domain.MemoryPoint, size float64, now time.Time) (map[geometry.CellKey]*domain.MemoryPoint, map[geometry.CellKey]int) {
	out := make(map[geometry.CellKey]*domain.MemoryPoint, len(pts))
	sizes := make(map[geometry.CellKey]int, len(pts))

	// 1. Видимые остаются в своих клетках; группы по ячейке слияния
	buckets := make(map[geometry.CellKey][]*domain.MemoryPoint)
	for cell, p := range pts {
		if p.State == domain.StateVisible {
			cp := *p
			out[cell] = &cp
			sizes[cell] = 1
			continue
		}
		mc := geometry.CellOf(p.Position(), size)
		buckets[mc] = append(buckets[mc], p)
	}

	// 2. Ключ группы - клетка ее центроида. Совпавшие ключи объединяются.
	byKey := make(map[geometry.CellKey][]*domain.MemoryPoint, len(buckets))
	for _, members := range buckets {
		if len(members) == 1 {
			byKey[members[0].Cell] = append(byKey[members[0].Cell], members[0])
			continue
		}
		key := geometry.CellOf(centroid(members), t.cfg.CellSize)
		byKey[key] = append(byKey[key], members...)
	}

	for key, members := range byKey {
		// Центроид попал в видимую клетку: она свежее любого следа
		if _, taken := out[key]; taken {
			sizes[key] += len(members)
			continue
		}
		sizes[key] = len(members)
		if len(members) == 1 && members[0].Cell == key {
			p := *members[0]
			out[key] = &p
			continue
		}
		out[key] = combine(key, members, size, now)
	}
	return out, sizes
}

func centroid(members []*domain.MemoryPoint) geometry.Point {
	pts := make([]geometry.Point, len(members))
	for i, m := range members {
		pts[i] = m.Position()
	}
	return geometry.Centroid(pts)
}

func combine(key geometry.CellKey, members []*domain.MemoryPoint, size float64, now time.Time) *domain.MemoryPoint {
	c := centroid(members)
	first := members[0]
	p := &domain.MemoryPoint{
		MapID:     first.MapID,
		ViewerID:  first.ViewerID,
		Cell:      key,
		X:         c.X,
		Y:         c.Y,
		Radius:    size / 2,
		State:     domain.StateFading,
		UpdatedAt: now,
	}
	for _, m := range members {
		p.Intensity = math.Max(p.Intensity, m.Intensity)
		p.Peak = math.Max(p.Peak, m.Peak)
		p.Radius = math.Max(p.Radius, m.Radius)
		if m.LastSeen.After(p.LastSeen) {
			p.LastSeen = m.LastSeen
		}
	}
	return p
}

// mergeDiffs накладывает b поверх a: удаленное в b выбрасывается из a,
// одинаковые ключи берутся из b.
func mergeDiffs(a, b domain.MemoryDiff) domain.MemoryDiff {
	removed := make(map[string]bool, len(b.Removed))
	for _, k := range b.Removed {
		removed[k] = true
	}
	fresh := make(map[string]bool, len(b.Added)+len(b.Updated))
	for _, p := range append(append([]domain.MemoryPoint(nil), b.Added...), b.Updated...) {
		fresh[p.Key().String()] = true
	}

	keep := func(in []domain.MemoryPoint) []domain.MemoryPoint {
		var out []domain.MemoryPoint
		for _, p := range in {
			k := p.Key().String()
			if removed[k] || fresh[k] {
				continue
			}
			out = append(out, p)
		}
		return out
	}

	out := domain.MemoryDiff{
		Added:   keep(a.Added),
		Updated: keep(a.Updated),
		Removed: append([]string(nil), a.Removed...),
	}
	out.Merge(b)
	return out
}

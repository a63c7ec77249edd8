// Package memory хранит затухающие следы ранее увиденных клеток.
//
// Жизненный цикл клетки: Unseen -> Visible -> Fading -> Visible (повторно увидена)
// или Fading -> Forgotten. Точка памяти создается в момент ухода клетки из
// видимости. Все операции возвращают дифф; рассылкой занимается вызывающий.
package memory

import (
	"math"
	"sort"
	"sync"
	"time"

	"vision-server/internal/domain"
	"vision-server/internal/systems"
	"vision-server/pkg/geometry"
	"vision-server/pkg/logger"

	"github.com/sirupsen/logrus"
)

// maxMergeIterations ограничивает удвоение ячейки слияния.
const maxMergeIterations = 32

// Config - параметры памяти карты.
type Config struct {
	CellSize      float64
	DecayRate     float64       // потеря интенсивности за интервал
	DecayInterval time.Duration // длина интервала затухания
	Floor         float64       // нижняя граница интенсивности
	MaxPoints     int           // лимит точек на наблюдателя; <=0 - без лимита
	MergeCellSize float64       // стартовый размер ячейки слияния
	ForgetAfter   time.Duration // 0 - никогда не забывать
}

// DefaultConfig - параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		CellSize:      domain.DefaultCellSize,
		DecayRate:     domain.DefaultDecayRate,
		DecayInterval: domain.DefaultDecayInterval,
		Floor:         domain.DefaultMemoryFloor,
		MaxPoints:     domain.DefaultMaxPoints,
		MergeCellSize: 2 * domain.DefaultCellSize,
	}
}

// Sighting - клетка, видимая наблюдателю в этом тике.
type Sighting struct {
	Point     geometry.Point
	Cell      geometry.CellKey
	Intensity float64
	// Direct - клетку видит сам наблюдатель. Иначе она видна только благодаря свету.
	Direct bool
}

// memorized - с какой интенсивностью клетка запоминается.
func (s Sighting) memorized() float64 {
	if s.Direct {
		return 1.0
	}
	return geometry.Clamp01(s.Intensity)
}

// SightingsFrom переводит снимок видимости в наблюдения.
func SightingsFrom(snap *systems.Snapshot) []Sighting {
	samples := snap.Samples()
	out := make([]Sighting, 0, len(samples))
	for _, s := range samples {
		out = append(out, Sighting{Point: s.Point, Cell: s.Cell, Intensity: s.Intensity, Direct: s.Direct})
	}
	return out
}

// Tracker - память всех наблюдателей одной карты.
type Tracker struct {
	mu    sync.RWMutex
	mapID string
	cfg   Config

	points  map[string]map[geometry.CellKey]*domain.MemoryPoint
	visible map[string]map[geometry.CellKey]Sighting
	factors map[string]domain.CognitiveFactors

	log *logrus.Entry
}

// NewTracker создает пустую память карты.
func NewTracker(mapID string, cfg Config) *Tracker {
	if cfg.CellSize <= 0 {
		cfg.CellSize = domain.DefaultCellSize
	}
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = domain.DefaultDecayInterval
	}
	if cfg.MergeCellSize <= 0 {
		cfg.MergeCellSize = 2 * cfg.CellSize
	}
	return &Tracker{
		mapID:   mapID,
		cfg:     cfg,
		points:  make(map[string]map[geometry.CellKey]*domain.MemoryPoint),
		visible: make(map[string]map[geometry.CellKey]Sighting),
		factors: make(map[string]domain.CognitiveFactors),
		log:     logger.For("memory_tracker").WithField("map_id", mapID),
	}
}

// Config - текущие параметры.
func (t *Tracker) Config() Config {
	return t.cfg
}

// SetFactors задает когнитивные факторы наблюдателя.
func (t *Tracker) SetFactors(viewerID string, f domain.CognitiveFactors) error {
	if err := f.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	t.factors[viewerID] = f
	t.mu.Unlock()
	return nil
}

// Factors - факторы наблюдателя (средние, если не заданы).
func (t *Tracker) Factors(viewerID string) domain.CognitiveFactors {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.factorsFor(viewerID)
}

func (t *Tracker) factorsFor(viewerID string) domain.CognitiveFactors {
	if f, ok := t.factors[viewerID]; ok {
		return f
	}
	return domain.AverageFactors
}

// Observe применяет видимое в этом тике.
//
// 1. Видимые клетки с существующей точкой возвращаются в Visible (интенсивность 1).
// 2. Клетки, ушедшие из видимости, становятся Fading c LastSeen = now.
// 3. При превышении MaxPoints точки сливаются.
func (t *Tracker) Observe(viewerID string, sightings []Sighting, now time.Time) domain.MemoryDiff {
	t.mu.Lock()
	defer t.mu.Unlock()

	var diff domain.MemoryDiff
	pts := t.viewerPoints(viewerID)
	prev := t.visible[viewerID]
	current := make(map[geometry.CellKey]Sighting, len(sightings))

	for _, s := range sightings {
		if old, ok := current[s.Cell]; ok && old.memorized() >= s.memorized() {
			continue
		}
		current[s.Cell] = s
	}

	for cell := range current {
		p, ok := pts[cell]
		if !ok || p.State == domain.StateVisible {
			continue
		}
		p.State = domain.StateVisible
		p.Intensity = 1.0
		p.UpdatedAt = now
		diff.Updated = append(diff.Updated, *p)
	}

	for cell, s := range prev {
		if _, still := current[cell]; still {
			continue
		}
		peak := s.memorized()
		if p, ok := pts[cell]; ok {
			p.State = domain.StateFading
			p.Peak = peak
			p.Intensity = peak
			p.LastSeen = now
			p.UpdatedAt = now
			diff.Updated = append(diff.Updated, *p)
			continue
		}
		center := cell.Center(t.cfg.CellSize)
		p := &domain.MemoryPoint{
			MapID:     t.mapID,
			ViewerID:  viewerID,
			Cell:      cell,
			X:         center.X,
			Y:         center.Y,
			Radius:    t.cfg.CellSize / 2,
			Intensity: peak,
			Peak:      peak,
			State:     domain.StateFading,
			LastSeen:  now,
			UpdatedAt: now,
		}
		pts[cell] = p
		diff.Added = append(diff.Added, *p)
	}
	t.visible[viewerID] = current

	if t.cfg.MaxPoints > 0 && len(pts) > t.cfg.MaxPoints {
		diff = mergeDiffs(diff, t.dedup(viewerID, now))
	}
	sortDiff(&diff)
	return diff
}

// Decay пересчитывает интенсивность всех затухающих точек.
// Результат зависит только от Peak, LastSeen и now, поэтому повторный вызов
// с тем же now ничего не меняет.
func (t *Tracker) Decay(now time.Time) domain.MemoryDiff {
	t.mu.Lock()
	defer t.mu.Unlock()

	var diff domain.MemoryDiff
	for viewerID, pts := range t.points {
		f := t.factorsFor(viewerID)
		rate := t.cfg.DecayRate * f.RateMultiplier()
		for cell, p := range pts {
			if p.State != domain.StateFading {
				continue
			}
			elapsed := now.Sub(p.LastSeen)
			if t.cfg.ForgetAfter > 0 && elapsed >= t.cfg.ForgetAfter {
				p.State = domain.StateForgotten
				delete(pts, cell)
				diff.Removed = append(diff.Removed, p.Key().String())
				continue
			}
			floor := math.Min(t.cfg.Floor*f.FloorMultiplier(), p.Peak)
			intervals := math.Floor(float64(elapsed) / float64(t.cfg.DecayInterval))
			if intervals < 0 {
				intervals = 0
			}
			v := math.Max(floor, p.Peak-rate*intervals)
			if v >= p.Intensity {
				continue
			}
			p.Intensity = v
			p.UpdatedAt = now
			diff.Updated = append(diff.Updated, *p)
		}
	}
	sortDiff(&diff)

	if len(diff.Removed) > 0 {
		t.log.WithField("forgotten", len(diff.Removed)).Debug("Memory points forgotten")
	}
	return diff
}

// Clear забывает все точки наблюдателя.
func (t *Tracker) Clear(viewerID string) domain.MemoryDiff {
	t.mu.Lock()
	defer t.mu.Unlock()

	var diff domain.MemoryDiff
	for _, p := range t.points[viewerID] {
		diff.Removed = append(diff.Removed, p.Key().String())
	}
	delete(t.points, viewerID)
	delete(t.visible, viewerID)
	sort.Strings(diff.Removed)

	t.log.WithFields(logrus.Fields{"viewer_id": viewerID, "removed": len(diff.Removed)}).Info("Memory cleared")
	return diff
}

// Forget убирает наблюдателя из отслеживания видимости (выход с карты).
// Точки памяти остаются.
func (t *Tracker) Forget(viewerID string, now time.Time) domain.MemoryDiff {
	diff := t.Observe(viewerID, nil, now)
	t.mu.Lock()
	delete(t.visible, viewerID)
	t.mu.Unlock()
	return diff
}

// ApplyRemote применяет точки с другого узла: побеждает более поздний UpdatedAt.
func (t *Tracker) ApplyRemote(points []domain.MemoryPoint, removed []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, in := range points {
		pts := t.viewerPoints(in.ViewerID)
		if cur, ok := pts[in.Cell]; ok && cur.UpdatedAt.After(in.UpdatedAt) {
			continue
		}
		p := in
		pts[in.Cell] = &p
	}
	for _, raw := range removed {
		key, err := domain.ParseMemoryKey(raw)
		if err != nil {
			t.log.WithError(err).Warn("Skipping malformed memory key")
			continue
		}
		if pts, ok := t.points[key.ViewerID]; ok {
			delete(pts, key.Cell)
		}
	}
}

// Load заменяет состояние точками из хранилища.
func (t *Tracker) Load(points []domain.MemoryPoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.points = make(map[string]map[geometry.CellKey]*domain.MemoryPoint)
	t.visible = make(map[string]map[geometry.CellKey]Sighting)
	for _, in := range points {
		p := in
		// После рестарта никто ничего не видит
		if p.State == domain.StateVisible {
			p.State = domain.StateFading
		}
		t.viewerPoints(p.ViewerID)[p.Cell] = &p
	}
}

// Points - точки наблюдателя, отсортированные по клетке.
func (t *Tracker) Points(viewerID string) []domain.MemoryPoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedPoints(t.points[viewerID])
}

// All - все точки карты.
func (t *Tracker) All() []domain.MemoryPoint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []domain.MemoryPoint
	viewers := make([]string, 0, len(t.points))
	for id := range t.points {
		viewers = append(viewers, id)
	}
	sort.Strings(viewers)
	for _, id := range viewers {
		out = append(out, sortedPoints(t.points[id])...)
	}
	return out
}

// Len - количество точек наблюдателя.
func (t *Tracker) Len(viewerID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.points[viewerID])
}

func (t *Tracker) viewerPoints(viewerID string) map[geometry.CellKey]*domain.MemoryPoint {
	pts, ok := t.points[viewerID]
	if !ok {
		pts = make(map[geometry.CellKey]*domain.MemoryPoint)
		t.points[viewerID] = pts
	}
	return pts
}

func sortedPoints(pts map[geometry.CellKey]*domain.MemoryPoint) []domain.MemoryPoint {
	out := make([]domain.MemoryPoint, 0, len(pts))
	for _, p := range pts {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cell < out[j].Cell })
	return out
}

func sortDiff(d *domain.MemoryDiff) {
	byCell := func(s []domain.MemoryPoint) {
		sort.Slice(s, func(i, j int) bool {
			if s[i].ViewerID != s[j].ViewerID {
				return s[i].ViewerID < s[j].ViewerID
			}
			return s[i].Cell < s[j].Cell
		})
	}
	byCell(d.Added)
	byCell(d.Updated)
	sort.Strings(d.Removed)
}

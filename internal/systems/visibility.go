package systems

import (
	"context"
	"math"
	"sort"

	"vision-server/internal/domain"
	"vision-server/pkg/geometry"
	"vision-server/pkg/logger"

	"github.com/sirupsen/logrus"
)

// Quality - пресет качества: шаг луча и шаг марша.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// QualityProfile ограничивает стоимость O(лучи × шаги × препятствия).
type QualityProfile struct {
	AngularStep   float64 // градусы между лучами
	MarchStep     float64 // шаг марша в единицах карты
	ShadowSamples int     // N для мягких теней
}

var qualityProfiles = map[Quality]QualityProfile{
	QualityLow:    {AngularStep: 4, MarchStep: 1, ShadowSamples: 4},
	QualityMedium: {AngularStep: 2, MarchStep: 0.5, ShadowSamples: 8},
	QualityHigh:   {AngularStep: 1, MarchStep: 0.25, ShadowSamples: 16},
}

// ProfileFor возвращает пресет. Неизвестное качество - medium.
func ProfileFor(q Quality) QualityProfile {
	if p, ok := qualityProfiles[q]; ok {
		return p
	}
	return qualityProfiles[QualityMedium]
}

// ParseQuality нормализует строку качества.
func ParseQuality(s string) Quality {
	if _, ok := qualityProfiles[Quality(s)]; ok {
		return Quality(s)
	}
	return QualityMedium
}

// Origin - точка обзора: позиция наблюдателя, чувство или источник света.
type Origin struct {
	Position geometry.Point
	Radius   float64
	Mode     domain.VisionMode
	// Intensity масштабирует спад. Для наблюдателя - 1, для света - яркость источника.
	Intensity float64
}

// Resolver - лучевой расчет видимости. Один на все режимы зрения.
type Resolver struct {
	CellSize float64
	// MarchStep - шаг марша для Compute (ComputeMany берет шаг из пресета).
	MarchStep float64

	cache *VisibilityCache
	log   *logrus.Entry
}

// NewResolver создает резолвер. cache может быть nil.
func NewResolver(cellSize float64, cache *VisibilityCache) *Resolver {
	if cellSize <= 0 {
		cellSize = domain.DefaultCellSize
	}
	return &Resolver{
		CellSize:  cellSize,
		MarchStep: cellSize / 2,
		cache:     cache,
		log:       logger.For("visibility_resolver"),
	}
}

// Compute считает видимость из одной точки обычным зрением.
func (r *Resolver) Compute(ctx context.Context, origin geometry.Point, maxRadius float64, obstacles *domain.ObstacleSet, angularStep float64, useCache bool) (*Snapshot, error) {
	profile := QualityProfile{AngularStep: angularStep, MarchStep: r.MarchStep}
	return r.ComputeOrigin(ctx, Origin{Position: origin, Radius: maxRadius, Mode: domain.VisionNormal, Intensity: 1}, obstacles, profile, useCache)
}

// ComputeOrigin считает видимость для одной точки обзора с явным профилем.
func (r *Resolver) ComputeOrigin(ctx context.Context, o Origin, obstacles *domain.ObstacleSet, profile QualityProfile, useCache bool) (*Snapshot, error) {
	if useCache && r.cache != nil {
		key := cacheKeyFor(o, profile, obstacles.Fingerprint())
		if snap, ok := r.cache.Get(key); ok {
			return snap, nil
		}
		snap, err := r.march(ctx, o, obstacles, profile)
		if err != nil {
			return nil, err
		}
		r.cache.Set(key, snap)
		return snap, nil
	}
	return r.march(ctx, o, obstacles, profile)
}

// ComputeMany объединяет несколько точек обзора. Дубликаты внутри клетки
// сливаются с максимальной интенсивностью.
func (r *Resolver) ComputeMany(ctx context.Context, origins []Origin, obstacles *domain.ObstacleSet, quality Quality) (*Snapshot, error) {
	profile := ProfileFor(quality)
	result := NewSnapshot(r.CellSize)
	for _, o := range origins {
		snap, err := r.ComputeOrigin(ctx, o, obstacles, profile, true)
		if err != nil {
			return nil, err
		}
		result.Merge(snap)
	}
	return result, nil
}

// march - ядро: 360/angularStep лучей, шаги марша до радиуса, остановка на
// первом перекрытии. Контекст проверяется между лучами.
func (r *Resolver) march(ctx context.Context, o Origin, obstacles *domain.ObstacleSet, profile QualityProfile) (*Snapshot, error) {
	snap := NewSnapshot(r.CellSize)
	snap.Origins = []Origin{o}

	rayLogger := r.log.WithFields(logrus.Fields{
		"origin": o.Position,
		"mode":   o.Mode,
		"radius": o.Radius,
	})

	if o.Radius <= 0 {
		rayLogger.Debug("Visibility skipped for blind origin (radius <= 0).")
		return snap, nil
	}

	angularStep := profile.AngularStep
	if angularStep <= 0 || angularStep > 360 {
		angularStep = ProfileFor(QualityMedium).AngularStep
	}
	step := profile.MarchStep
	if step <= 0 {
		step = r.MarchStep
	}
	intensity := o.Intensity
	if intensity <= 0 {
		intensity = 1
	}
	direct := o.Mode != domain.VisionLight

	// 1. Отбираем только препятствия, задевающие круг обзора
	var blockers []geometry.Rect
	if !o.Mode.BypassesObstacles() {
		area := geometry.Circle{Center: o.Position, Radius: o.Radius}.Bounds()
		for _, ob := range obstacles.Blocking() {
			b := ob.Bounds()
			if b.Intersects(area) {
				blockers = append(blockers, b)
			}
		}
	}

	// 2. Центр всегда виден
	snap.add(o.Position, intensity, direct)

	rays := int(math.Ceil(360 / angularStep))
	steps := int(math.Floor(o.Radius/step + geometry.Epsilon))

	// 3. Марш по лучам
	for i := 0; i < rays; i++ {
		if err := ctx.Err(); err != nil {
			rayLogger.WithError(err).Debug("Visibility computation cancelled.")
			return nil, err
		}

		angle := float64(i) * angularStep * math.Pi / 180
		dir := geometry.Point{X: math.Cos(angle), Y: math.Sin(angle)}
		last := o.Position

		for s := 1; s <= steps; s++ {
			d := float64(s) * step
			candidate := o.Position.Add(dir.Scale(d))
			if occluded(o.Position, candidate, blockers) {
				break
			}
			snap.add(candidate, intensity*(1-d/o.Radius), direct)
			last = candidate
		}
		snap.Outline = append(snap.Outline, last)
	}

	rayLogger.WithField("visible_cells", snap.Len()).Debug("Visibility computation complete.")
	return snap, nil
}

// occluded - отрезок from-to пересекает стену или точка to лежит в стене.
// Граница стены считается стеной: луч вдоль шва двух соседних стен не проходит.
func occluded(from, to geometry.Point, blockers []geometry.Rect) bool {
	for _, b := range blockers {
		if b.Contains(to) || geometry.SegmentIntersectsRect(from, to, b) {
			return true
		}
	}
	return false
}

// Sample - видимая клетка с интенсивностью.
//
// Direct=true, если клетку видит сам наблюдатель (а не только свет).
type Sample struct {
	Point     geometry.Point   `json:"point"`
	Cell      geometry.CellKey `json:"cell"`
	Intensity float64          `json:"intensity"`
	Direct    bool             `json:"direct"`
}

// Snapshot - видимое на текущий тик. Не сохраняется.
type Snapshot struct {
	CellSize float64
	Cells    map[geometry.CellKey]Sample
	// Outline - вершины полигона видимости (последняя открытая точка каждого луча).
	Outline []geometry.Point
	Origins []Origin
}

// NewSnapshot создает пустой снимок.
func NewSnapshot(cellSize float64) *Snapshot {
	if cellSize <= 0 {
		cellSize = domain.DefaultCellSize
	}
	return &Snapshot{CellSize: cellSize, Cells: make(map[geometry.CellKey]Sample)}
}

func (s *Snapshot) add(p geometry.Point, intensity float64, direct bool) {
	s.put(Sample{Point: p, Cell: geometry.CellOf(p, s.CellSize), Intensity: geometry.Clamp01(intensity), Direct: direct})
}

func (s *Snapshot) put(sample Sample) {
	cur, ok := s.Cells[sample.Cell]
	if !ok {
		s.Cells[sample.Cell] = sample
		return
	}
	if sample.Intensity > cur.Intensity {
		cur.Point = sample.Point
		cur.Intensity = sample.Intensity
	}
	cur.Direct = cur.Direct || sample.Direct
	s.Cells[sample.Cell] = cur
}

// Merge вливает другой снимок (max-merge по клеткам).
func (s *Snapshot) Merge(other *Snapshot) {
	if other == nil {
		return
	}
	for _, sample := range other.Cells {
		if other.CellSize != s.CellSize {
			sample.Cell = geometry.CellOf(sample.Point, s.CellSize)
		}
		s.put(sample)
	}
	s.Outline = append(s.Outline, other.Outline...)
	s.Origins = append(s.Origins, other.Origins...)
}

// IsVisible - клетка точки видна в этом тике.
func (s *Snapshot) IsVisible(p geometry.Point) bool {
	if s == nil {
		return false
	}
	_, ok := s.Cells[geometry.CellOf(p, s.CellSize)]
	return ok
}

// IntensityAt - интенсивность клетки точки (0, если не видна).
func (s *Snapshot) IntensityAt(p geometry.Point) float64 {
	if s == nil {
		return 0
	}
	return s.Cells[geometry.CellOf(p, s.CellSize)].Intensity
}

// Len - количество видимых клеток.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Cells)
}

// Samples - клетки в детерминированном порядке (по ключу).
func (s *Snapshot) Samples() []Sample {
	if s == nil {
		return nil
	}
	out := make([]Sample, 0, len(s.Cells))
	for _, sample := range s.Cells {
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cell < out[j].Cell })
	return out
}

// ViewerOrigins - точки обзора наблюдателя: обычное зрение и каждое чувство.
func ViewerOrigins(v *domain.Viewer) []Origin {
	origins := make([]Origin, 0, 1+len(v.Vision.Senses))
	origins = append(origins, Origin{Position: v.Position, Radius: v.Vision.Radius, Mode: domain.VisionNormal, Intensity: 1})
	for _, s := range v.Vision.Senses {
		if s.Radius <= 0 {
			continue
		}
		origins = append(origins, Origin{Position: v.Position, Radius: s.Radius, Mode: s.Mode, Intensity: 1})
	}
	return origins
}

// LightOrigins - точки обзора источников света. Интенсивность - текущая яркость.
func LightOrigins(lights []domain.LightSource) []Origin {
	origins := make([]Origin, 0, len(lights))
	for _, l := range lights {
		if l.Radius <= 0 || l.Intensity <= 0 {
			continue
		}
		origins = append(origins, Origin{Position: l.Position, Radius: l.Radius, Mode: domain.VisionLight, Intensity: l.Intensity})
	}
	return origins
}

// InSight оставляет из освещенных клеток те, до которых от from есть прямая линия.
// Освещенная комната за стеной наблюдателю не видна.
func (r *Resolver) InSight(ctx context.Context, from geometry.Point, lit *Snapshot, obstacles *domain.ObstacleSet) (*Snapshot, error) {
	result := NewSnapshot(r.CellSize)
	if lit.Len() == 0 {
		return result, nil
	}
	var blockers []geometry.Rect
	for _, ob := range obstacles.Blocking() {
		blockers = append(blockers, ob.Bounds())
	}
	n := 0
	for _, sample := range lit.Cells {
		if n++; n%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if occluded(from, sample.Point, blockers) {
			continue
		}
		if lit.CellSize != result.CellSize {
			sample.Cell = geometry.CellOf(sample.Point, result.CellSize)
		}
		result.put(sample)
	}
	return result, nil
}

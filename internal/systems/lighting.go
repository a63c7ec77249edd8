package systems

import (
	"context"
	"math"

	"vision-server/internal/domain"
	"vision-server/pkg/geometry"
	"vision-server/pkg/logger"

	"github.com/sirupsen/logrus"
)

// DefaultSoftness - разброс смещенных лучей мягкой тени (единицы карты).
const DefaultSoftness = 0.5

// Grid - сетка, на которой считается освещенность.
type Grid struct {
	Bounds   geometry.Rect
	CellSize float64
}

// Cols - число колонок сетки.
func (g Grid) Cols() int {
	if g.CellSize <= 0 {
		return 0
	}
	return int(math.Ceil(g.Bounds.Width/g.CellSize - geometry.Epsilon))
}

// Rows - число строк сетки.
func (g Grid) Rows() int {
	if g.CellSize <= 0 {
		return 0
	}
	return int(math.Ceil(g.Bounds.Height/g.CellSize - geometry.Epsilon))
}

// CellCenter - центр клетки (col, row) в координатах карты.
func (g Grid) CellCenter(col, row int) geometry.Point {
	return geometry.Point{
		X: g.Bounds.X + (float64(col)+0.5)*g.CellSize,
		Y: g.Bounds.Y + (float64(row)+0.5)*g.CellSize,
	}
}

// GridFor строит сетку по настройкам карты.
func GridFor(settings domain.MapSettings) Grid {
	cs := settings.CellSize
	if cs <= 0 {
		cs = domain.DefaultCellSize
	}
	return Grid{Bounds: settings.Bounds(), CellSize: cs}
}

// LightField - освещенность и оттенок по клеткам (row-major).
type LightField struct {
	Grid         Grid
	Cols, Rows   int
	Ambient      float64
	Illumination []float64
	Tint         []domain.Color
}

func (f *LightField) index(p geometry.Point) (int, bool) {
	if f == nil || f.Grid.CellSize <= 0 {
		return 0, false
	}
	col := int(math.Floor((p.X - f.Grid.Bounds.X) / f.Grid.CellSize))
	row := int(math.Floor((p.Y - f.Grid.Bounds.Y) / f.Grid.CellSize))
	if col < 0 || row < 0 || col >= f.Cols || row >= f.Rows {
		return 0, false
	}
	return row*f.Cols + col, true
}

// At - освещенность клетки точки. Вне сетки - только ambient.
func (f *LightField) At(p geometry.Point) float64 {
	if idx, ok := f.index(p); ok {
		return f.Illumination[idx]
	}
	if f == nil {
		return 0
	}
	return f.Ambient
}

// TintAt - оттенок света в клетке точки.
func (f *LightField) TintAt(p geometry.Point) domain.Color {
	if idx, ok := f.index(p); ok {
		return f.Tint[idx]
	}
	return domain.White
}

// Propagator - распространение света с мягкими тенями.
type Propagator struct {
	// Samples - N смещенных лучей на препятствие (4/8/16).
	Samples int
	// Softness - ширина разброса смещений перпендикулярно направлению на свет.
	Softness float64

	log *logrus.Entry
}

// NewPropagator создает пропагатор для качества.
func NewPropagator(quality Quality, softness float64) *Propagator {
	if softness < 0 {
		softness = DefaultSoftness
	}
	return &Propagator{
		Samples:  ProfileFor(quality).ShadowSamples,
		Softness: softness,
		log:      logger.For("light_propagator"),
	}
}

// Propagate считает освещенность всех клеток сетки.
// Контекст проверяется между строками.
func (p *Propagator) Propagate(ctx context.Context, lights []domain.LightSource, obstacles *domain.ObstacleSet, ambient float64, grid Grid) (*LightField, error) {
	cols, rows := grid.Cols(), grid.Rows()
	field := &LightField{
		Grid:         grid,
		Cols:         cols,
		Rows:         rows,
		Ambient:      geometry.Clamp01(ambient),
		Illumination: make([]float64, cols*rows),
		Tint:         make([]domain.Color, cols*rows),
	}

	shadowing := shadowingObstacles(obstacles)

	for row := 0; row < rows; row++ {
		if err := ctx.Err(); err != nil {
			p.log.WithError(err).Debug("Light propagation cancelled.")
			return nil, err
		}
		for col := 0; col < cols; col++ {
			idx := row*cols + col
			field.Illumination[idx], field.Tint[idx] = p.composite(grid.CellCenter(col, row), lights, shadowing, field.Ambient)
		}
	}

	p.log.WithFields(logrus.Fields{
		"lights": len(lights),
		"cells":  cols * rows,
	}).Debug("Light propagation complete.")
	return field, nil
}

// IlluminationAt - освещенность одной точки.
func (p *Propagator) IlluminationAt(point geometry.Point, lights []domain.LightSource, obstacles *domain.ObstacleSet, ambient float64) float64 {
	v, _ := p.composite(point, lights, shadowingObstacles(obstacles), geometry.Clamp01(ambient))
	return v
}

// Contribution - вклад одного источника в точку (без ambient).
func (p *Propagator) Contribution(point geometry.Point, light domain.LightSource, obstacles *domain.ObstacleSet) float64 {
	v, _, _, _ := p.contribution(point, light, shadowingObstacles(obstacles))
	return v
}

// composite складывает источники, клампит к 1, добавляет ambient и снова клампит.
func (p *Propagator) composite(point geometry.Point, lights []domain.LightSource, obstacles []domain.Obstacle, ambient float64) (float64, domain.Color) {
	var sum, tr, tg, tb float64
	for _, l := range lights {
		v, r, g, b := p.contribution(point, l, obstacles)
		if v <= 0 {
			continue
		}
		sum += v
		tr += r * v
		tg += g * v
		tb += b * v
	}

	tint := domain.White
	if sum > 0 {
		tint = domain.FromFloats(tr/sum, tg/sum, tb/sum)
	}
	lit := geometry.Clamp01(sum)
	return geometry.Clamp01(lit + ambient), tint
}

// contribution - радиальный спад, затем пропускание через каждое препятствие.
//
// Для каждого препятствия бросаются N лучей из точек, смещенных перпендикулярно
// направлению на свет. Каждый перекрытый луч дает тень opacity/N, отсюда полутень.
// Прозрачные препятствия еще и окрашивают проходящий свет.
func (p *Propagator) contribution(point geometry.Point, light domain.LightSource, obstacles []domain.Obstacle) (value, r, g, b float64) {
	if light.Radius <= 0 || light.Intensity <= 0 {
		return 0, 1, 1, 1
	}
	d := geometry.Distance(point, light.Position)
	if d >= light.Radius {
		return 0, 1, 1, 1
	}

	value = light.Intensity * (1 - d/light.Radius)
	r, g, b = light.Color.Floats()
	if light.Color == (domain.Color{}) {
		r, g, b = 1, 1, 1
	}
	if !light.CastShadows || len(obstacles) == 0 {
		return value, r, g, b
	}

	n := p.Samples
	if n <= 0 {
		n = 1
	}
	perp := point.Sub(light.Position).Normalize().Perp()
	reach := geometry.Rect{
		X:      math.Min(point.X, light.Position.X),
		Y:      math.Min(point.Y, light.Position.Y),
		Width:  math.Abs(point.X - light.Position.X),
		Height: math.Abs(point.Y - light.Position.Y),
	}.Expand(p.Softness)

	transmission := 1.0
	for _, ob := range obstacles {
		rect := ob.Bounds()
		if !rect.Intersects(reach) {
			continue
		}
		blocked := 0
		for k := 0; k < n; k++ {
			offset := p.Softness * ((float64(k)+0.5)/float64(n)*2 - 1)
			if n == 1 {
				offset = 0
			}
			src := light.Position.Add(perp.Scale(offset))
			if geometry.SegmentIntersectsRect(src, point, rect) {
				blocked++
			}
		}
		if blocked == 0 {
			continue
		}
		fraction := float64(blocked) / float64(n)
		transmission *= 1 - ob.Opacity*fraction
		if ob.IsTransparent() {
			or, og, obb := ob.Tint.Floats()
			r *= 1 - fraction + fraction*or
			g *= 1 - fraction + fraction*og
			b *= 1 - fraction + fraction*obb
		}
		if transmission <= 0 {
			return 0, r, g, b
		}
	}
	return value * transmission, r, g, b
}

// shadowingObstacles - препятствия, которые вообще влияют на свет.
func shadowingObstacles(set *domain.ObstacleSet) []domain.Obstacle {
	all := set.All()
	out := make([]domain.Obstacle, 0, len(all))
	for _, o := range all {
		if o.BlocksVision || o.Opacity > 0 {
			out = append(out, o)
		}
	}
	return out
}

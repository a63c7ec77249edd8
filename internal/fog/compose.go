package fog

import (
	"math"

	"vision-server/internal/domain"
	"vision-server/internal/systems"
	"vision-server/pkg/geometry"
)

// MemoryFidelity - насколько "прозрачна" запомненная клетка относительно видимой.
// Непрозрачность памяти = 1 - intensity*MemoryFidelity.
const MemoryFidelity = 0.7

// Frame - скомпонованный туман для одного наблюдателя (row-major).
type Frame struct {
	Bounds   geometry.Rect
	CellSize float64
	Cols     int
	Rows     int
	// Opacity - 1 полностью скрыто, 0 полностью открыто.
	Opacity []float64
	// Intensity - яркость клетки (видимость * освещенность либо память).
	Intensity []float64
	State     []domain.MemoryState
}

// Layers - входные данные композиции.
type Layers struct {
	Areas      []domain.RevealedArea
	Visible    *systems.Snapshot
	Memory     []domain.MemoryPoint
	Light      *systems.LightField
	Omniscient bool
}

// Index - индекс клетки точки или false, если точка вне кадра.
func (f *Frame) Index(p geometry.Point) (int, bool) {
	if f == nil || f.CellSize <= 0 {
		return 0, false
	}
	col := int(math.Floor((p.X - f.Bounds.X) / f.CellSize))
	row := int(math.Floor((p.Y - f.Bounds.Y) / f.CellSize))
	if col < 0 || row < 0 || col >= f.Cols || row >= f.Rows {
		return 0, false
	}
	return row*f.Cols + col, true
}

// OpacityAt - непрозрачность тумана в точке. Вне кадра - 1.
func (f *Frame) OpacityAt(p geometry.Point) float64 {
	if idx, ok := f.Index(p); ok {
		return f.Opacity[idx]
	}
	return 1
}

// StateAt - состояние клетки в точке.
func (f *Frame) StateAt(p geometry.Point) domain.MemoryState {
	if idx, ok := f.Index(p); ok {
		return f.State[idx]
	}
	return domain.StateUnseen
}

// Compose строит кадр тумана: непрозрачное поле, из которого вырезаются
// открытые области, видимые сейчас клетки и (частично) клетки памяти.
func Compose(grid systems.Grid, layers Layers) *Frame {
	cols, rows := grid.Cols(), grid.Rows()
	n := cols * rows
	f := &Frame{
		Bounds:    grid.Bounds,
		CellSize:  grid.CellSize,
		Cols:      cols,
		Rows:      rows,
		Opacity:   make([]float64, n),
		Intensity: make([]float64, n),
		State:     make([]domain.MemoryState, n),
	}
	for i := range f.Opacity {
		f.Opacity[i] = 1
	}

	// 1. Всеведение: все открыто
	if layers.Omniscient {
		for row := 0; row < rows; row++ {
			for col := 0; col < cols; col++ {
				idx := row*cols + col
				f.Opacity[idx] = 0
				f.Intensity[idx] = lightAt(layers.Light, grid.CellCenter(col, row), 1)
				f.State[idx] = domain.StateVisible
			}
		}
		return f
	}

	// 2. Память: клетки в радиусе точки
	for _, mp := range layers.Memory {
		if mp.State != domain.StateFading && mp.State != domain.StateVisible {
			continue
		}
		radius := math.Max(mp.Radius, grid.CellSize/2)
		opacity := 1 - geometry.Clamp01(mp.Intensity)*MemoryFidelity
		f.eachCellIn(grid, geometry.Circle{Center: mp.Position(), Radius: radius}, func(idx int) {
			if opacity < f.Opacity[idx] {
				f.Opacity[idx] = opacity
			}
			if mp.Intensity > f.Intensity[idx] {
				f.Intensity[idx] = mp.Intensity
			}
			if f.State[idx] == domain.StateUnseen {
				f.State[idx] = domain.StateFading
			}
		})
	}

	// 3. Постоянно открытые области
	for _, area := range layers.Areas {
		hole := 1 - area.Opacity
		b := area.Bounds()
		f.eachCellInRect(grid, b, func(idx int, center geometry.Point) {
			if !area.Contains(center) {
				return
			}
			if hole < f.Opacity[idx] {
				f.Opacity[idx] = hole
			}
			if f.Intensity[idx] < lightAt(layers.Light, center, 1) {
				f.Intensity[idx] = lightAt(layers.Light, center, 1)
			}
		})
	}

	// 4. Видимое сейчас
	if layers.Visible != nil {
		for row := 0; row < rows; row++ {
			for col := 0; col < cols; col++ {
				center := grid.CellCenter(col, row)
				sample, ok := layers.Visible.Cells[geometry.CellOf(center, layers.Visible.CellSize)]
				if !ok {
					continue
				}
				idx := row*cols + col
				f.Opacity[idx] = 0
				f.Intensity[idx] = sample.Intensity * lightAt(layers.Light, center, 1)
				f.State[idx] = domain.StateVisible
			}
		}
	}
	return f
}

func lightAt(field *systems.LightField, p geometry.Point, fallback float64) float64 {
	if field == nil {
		return fallback
	}
	return field.At(p)
}

func (f *Frame) eachCellIn(grid systems.Grid, c geometry.Circle, fn func(idx int)) {
	f.eachCellInRect(grid, c.Bounds(), func(idx int, center geometry.Point) {
		if c.Contains(center) {
			fn(idx)
		}
	})
}

func (f *Frame) eachCellInRect(grid systems.Grid, r geometry.Rect, fn func(idx int, center geometry.Point)) {
	if f.CellSize <= 0 {
		return
	}
	c0 := int(math.Floor((r.X - f.Bounds.X) / f.CellSize))
	r0 := int(math.Floor((r.Y - f.Bounds.Y) / f.CellSize))
	c1 := int(math.Floor((r.X + r.Width - f.Bounds.X) / f.CellSize))
	r1 := int(math.Floor((r.Y + r.Height - f.Bounds.Y) / f.CellSize))
	if c0 < 0 {
		c0 = 0
	}
	if r0 < 0 {
		r0 = 0
	}
	if c1 >= f.Cols {
		c1 = f.Cols - 1
	}
	if r1 >= f.Rows {
		r1 = f.Rows - 1
	}
	for row := r0; row <= r1; row++ {
		for col := c0; col <= c1; col++ {
			fn(row*f.Cols+col, grid.CellCenter(col, row))
		}
	}
}

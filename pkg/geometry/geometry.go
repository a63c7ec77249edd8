// Package geometry - общее геометрическое ядро движка видимости.
//
// Все функции чистые: без побочных эффектов, без паник на вырожденных входах.
// Вырожденные случаи (нулевая длина отрезка, совпадающие точки) трактуются как
// "пересечения нет".
package geometry

import "math"

// Epsilon - допуск для сравнения с нулём детерминанта и расстояний.
const Epsilon = 1e-9

// Point - 2D точка в координатах карты.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add возвращает сумму векторов.
func (p Point) Add(o Point) Point { return Point{X: p.X + o.X, Y: p.Y + o.Y} }

// Sub возвращает разность векторов.
func (p Point) Sub(o Point) Point { return Point{X: p.X - o.X, Y: p.Y - o.Y} }

// Scale умножает вектор на скаляр.
func (p Point) Scale(k float64) Point { return Point{X: p.X * k, Y: p.Y * k} }

// Len - длина вектора.
func (p Point) Len() float64 { return math.Hypot(p.X, p.Y) }

// Normalize возвращает единичный вектор. Для нулевого вектора возвращает нулевой.
func (p Point) Normalize() Point {
	l := p.Len()
	if l < Epsilon {
		return Point{}
	}
	return Point{X: p.X / l, Y: p.Y / l}
}

// Perp возвращает перпендикуляр (поворот на +90°).
func (p Point) Perp() Point { return Point{X: -p.Y, Y: p.X} }

// Cross - z-компонента векторного произведения.
func Cross(a, b Point) float64 { return a.X*b.Y - a.Y*b.X }

// Distance вычисляет евклидово расстояние.
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// DistanceSq - квадрат расстояния (без корня, для сравнений).
func DistanceSq(a, b Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return dx*dx + dy*dy
}

// Centroid вычисляет центр масс набора точек (среднее арифметическое).
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}
	var sx, sy float64
	for _, p := range points {
		sx += p.X
		sy += p.Y
	}
	n := float64(len(points))
	return Point{X: sx / n, Y: sy / n}
}

// Rect - прямоугольник, выровненный по осям. (X, Y) - левый верхний угол.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Min - левый верхний угол.
func (r Rect) Min() Point { return Point{X: r.X, Y: r.Y} }

// Max - правый нижний угол.
func (r Rect) Max() Point { return Point{X: r.X + r.Width, Y: r.Y + r.Height} }

// Center - центр прямоугольника.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Contains проверяет, лежит ли точка внутри прямоугольника (границы включены).
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X <= r.X+r.Width && p.Y >= r.Y && p.Y <= r.Y+r.Height
}

// Intersects проверяет пересечение двух прямоугольников.
func (r Rect) Intersects(o Rect) bool {
	return r.X <= o.X+o.Width && o.X <= r.X+r.Width &&
		r.Y <= o.Y+o.Height && o.Y <= r.Y+r.Height
}

// Expand расширяет прямоугольник на d во все стороны.
func (r Rect) Expand(d float64) Rect {
	return Rect{X: r.X - d, Y: r.Y - d, Width: r.Width + 2*d, Height: r.Height + 2*d}
}

// Edge - сторона прямоугольника с внешней нормалью.
type Edge struct {
	A, B   Point
	Normal Point
}

// Edges возвращает четыре стороны по часовой стрелке: верх, право, низ, лево.
func (r Rect) Edges() [4]Edge {
	tl := Point{X: r.X, Y: r.Y}
	tr := Point{X: r.X + r.Width, Y: r.Y}
	br := Point{X: r.X + r.Width, Y: r.Y + r.Height}
	bl := Point{X: r.X, Y: r.Y + r.Height}
	return [4]Edge{
		{A: tl, B: tr, Normal: Point{X: 0, Y: -1}},
		{A: tr, B: br, Normal: Point{X: 1, Y: 0}},
		{A: br, B: bl, Normal: Point{X: 0, Y: 1}},
		{A: bl, B: tl, Normal: Point{X: -1, Y: 0}},
	}
}

// Circle - круговая область.
type Circle struct {
	Center Point   `json:"center"`
	Radius float64 `json:"radius"`
}

// Contains проверяет попадание точки в круг.
func (c Circle) Contains(p Point) bool {
	return DistanceSq(c.Center, p) <= c.Radius*c.Radius
}

// Bounds - описывающий прямоугольник.
func (c Circle) Bounds() Rect {
	return Rect{X: c.Center.X - c.Radius, Y: c.Center.Y - c.Radius, Width: 2 * c.Radius, Height: 2 * c.Radius}
}

// Polygon - замкнутый полигон (первая точка не повторяется в конце).
type Polygon []Point

// Contains проверяет попадание точки в полигон (правило чёт-нечет).
// Полигоны меньше чем из трёх вершин не содержат ничего.
func (poly Polygon) Contains(p Point) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		a, b := poly[i], poly[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			xCross := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Bounds - описывающий прямоугольник полигона.
func (poly Polygon) Bounds() Rect {
	if len(poly) == 0 {
		return Rect{}
	}
	minX, minY := poly[0].X, poly[0].Y
	maxX, maxY := poly[0].X, poly[0].Y
	for _, p := range poly[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	return Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// Area - площадь полигона по формуле шнурования (всегда неотрицательная).
func (poly Polygon) Area() float64 {
	if len(poly) < 3 {
		return 0
	}
	var s float64
	j := len(poly) - 1
	for i := range poly {
		s += Cross(poly[j], poly[i])
		j = i
	}
	return math.Abs(s) / 2
}

// Clamp01 ограничивает значение диапазоном [0, 1].
func Clamp01(v float64) float64 {
	return Clamp(v, 0, 1)
}

// Clamp ограничивает значение диапазоном [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

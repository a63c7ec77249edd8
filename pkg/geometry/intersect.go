package geometry

import "math"

// SegmentIntersectsSegment проверяет пересечение отрезков a1-a2 и b1-b2.
//
// Используется параметрический тест через детерминант:
//
//	a1 + u*(a2-a1) = b1 + v*(b2-b1)
//
// Пересечение засчитывается только строго внутри обоих отрезков: u, v ∈ (0, 1).
// Касание концом или углом пересечением не считается. Параллельные и вырожденные
// отрезки (детерминант равен нулю) не пересекаются.
//
// Функция симметрична: f(a1,a2,b1,b2) == f(b1,b2,a1,a2).
func SegmentIntersectsSegment(a1, a2, b1, b2 Point) bool {
	_, _, ok := segmentParams(a1, a2, b1, b2)
	return ok
}

// SegmentIntersection возвращает точку пересечения и параметр u вдоль a1-a2.
func SegmentIntersection(a1, a2, b1, b2 Point) (Point, float64, bool) {
	u, _, ok := segmentParams(a1, a2, b1, b2)
	if !ok {
		return Point{}, 0, false
	}
	return a1.Add(a2.Sub(a1).Scale(u)), u, true
}

func segmentParams(a1, a2, b1, b2 Point) (u, v float64, ok bool) {
	r := a2.Sub(a1)
	s := b2.Sub(b1)

	det := Cross(r, s)
	if math.Abs(det) < Epsilon {
		return 0, 0, false
	}

	qp := b1.Sub(a1)
	u = Cross(qp, s) / det
	v = Cross(qp, r) / det

	if u <= 0 || u >= 1 || v <= 0 || v >= 1 {
		return 0, 0, false
	}
	return u, v, true
}

// SegmentIntersectsRect - OR четырёх проверок пересечения со сторонами прямоугольника.
//
// Отрезок, целиком лежащий внутри прямоугольника, сторон не пересекает и
// пересечением не считается - это согласовано с правилом строгой внутренности.
func SegmentIntersectsRect(p1, p2 Point, r Rect) bool {
	for _, e := range r.Edges() {
		if SegmentIntersectsSegment(p1, p2, e.A, e.B) {
			return true
		}
	}
	return false
}

// FirstRectHit возвращает минимальный параметр u вдоль p1-p2, на котором отрезок
// входит в прямоугольник.
func FirstRectHit(p1, p2 Point, r Rect) (float64, bool) {
	best := math.Inf(1)
	for _, e := range r.Edges() {
		if _, u, ok := SegmentIntersection(p1, p2, e.A, e.B); ok && u < best {
			best = u
		}
	}
	if math.IsInf(best, 1) {
		return 0, false
	}
	return best, true
}

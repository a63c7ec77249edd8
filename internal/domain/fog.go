package domain

import (
	"math"
	"time"

	"vision-server/pkg/geometry"
)

// ShapeKind - форма открытой области.
type ShapeKind string

const (
	ShapeCircle  ShapeKind = "circle"
	ShapeSquare  ShapeKind = "square"
	ShapePolygon ShapeKind = "polygon"
)

// RevealedArea - постоянный вырез в тумане, созданный game-master'ом.
// Живет до явного удаления или сброса тумана.
type RevealedArea struct {
	ID        string           `json:"id"`
	MapID     string           `json:"mapId"`
	Shape     ShapeKind        `json:"shape"`
	X         float64          `json:"x"`
	Y         float64          `json:"y"`
	Radius    float64          `json:"radius,omitempty"`
	Points    []geometry.Point `json:"points,omitempty"`
	Color     Color            `json:"color"`
	Opacity   float64          `json:"opacity"`
	CreatedBy string           `json:"createdBy"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Validate проверяет форму до любой мутации.
func (a RevealedArea) Validate() error {
	switch a.Shape {
	case ShapeCircle, ShapeSquare:
		if !finite(a.X) || !finite(a.Y) {
			return NewValidationError("position", "must be finite, got (%v, %v)", a.X, a.Y)
		}
		if a.Radius <= 0 || !finite(a.Radius) {
			return NewValidationError("radius", "must be positive for %s, got %v", a.Shape, a.Radius)
		}
	case ShapePolygon:
		if len(a.Points) < 3 {
			return NewValidationError("points", "polygon requires at least 3 points, got %d", len(a.Points))
		}
		for _, p := range a.Points {
			if !finite(p.X) || !finite(p.Y) {
				return NewValidationError("points", "polygon point must be finite, got (%v, %v)", p.X, p.Y)
			}
		}
	default:
		return NewValidationError("shape", "unknown shape %q", a.Shape)
	}
	if a.Opacity < 0 || a.Opacity > 1 || math.IsNaN(a.Opacity) {
		return NewValidationError("opacity", "must be within [0,1], got %v", a.Opacity)
	}
	return nil
}

// Contains проверяет, попадает ли точка в открытую область.
// Для square (X, Y) - центр, Radius - половина стороны.
func (a RevealedArea) Contains(p geometry.Point) bool {
	switch a.Shape {
	case ShapeCircle:
		return geometry.Circle{Center: geometry.Point{X: a.X, Y: a.Y}, Radius: a.Radius}.Contains(p)
	case ShapeSquare:
		return a.Bounds().Contains(p)
	case ShapePolygon:
		return geometry.Polygon(a.Points).Contains(p)
	}
	return false
}

// Bounds - описывающий прямоугольник области.
func (a RevealedArea) Bounds() geometry.Rect {
	switch a.Shape {
	case ShapeCircle, ShapeSquare:
		return geometry.Rect{X: a.X - a.Radius, Y: a.Y - a.Radius, Width: 2 * a.Radius, Height: 2 * a.Radius}
	case ShapePolygon:
		return geometry.Polygon(a.Points).Bounds()
	}
	return geometry.Rect{}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

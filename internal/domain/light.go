package domain

import (
	"math"

	"vision-server/pkg/geometry"
)

// Границы интенсивности мерцающего света.
const (
	MinFlickerIntensity = 0.1
	MaxFlickerIntensity = 1.0
)

// LightSource - источник света карты. Меняется только game-master'ом.
type LightSource struct {
	ID               string         `json:"id"`
	MapID            string         `json:"mapId"`
	Position         geometry.Point `json:"position"`
	Radius           float64        `json:"radius"`
	Color            Color          `json:"color"`
	Intensity        float64        `json:"intensity"`
	Flickering       bool           `json:"flickering"`
	FlickerIntensity float64        `json:"flickerIntensity"`
	CastShadows      bool           `json:"castShadows"`
}

// Validate проверяет параметры источника.
func (l LightSource) Validate() error {
	if l.Radius <= 0 || math.IsNaN(l.Radius) {
		return NewValidationError("radius", "must be positive, got %v", l.Radius)
	}
	if l.Intensity < 0 || l.Intensity > 1 || math.IsNaN(l.Intensity) {
		return NewValidationError("intensity", "must be within [0,1], got %v", l.Intensity)
	}
	if l.FlickerIntensity < 0 || l.FlickerIntensity > 1 {
		return NewValidationError("flickerIntensity", "must be within [0,1], got %v", l.FlickerIntensity)
	}
	return nil
}

// Bounds - область влияния источника.
func (l LightSource) Bounds() geometry.Rect {
	return geometry.Circle{Center: l.Position, Radius: l.Radius}.Bounds()
}

// MapSettings - настройки карты (ambient и размеры сетки).
type MapSettings struct {
	MapID    string  `json:"mapId"`
	Ambient  float64 `json:"ambient"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	CellSize float64 `json:"cellSize"`
}

// Validate проверяет настройки карты.
func (s MapSettings) Validate() error {
	if s.Ambient < 0 || s.Ambient > 1 || math.IsNaN(s.Ambient) {
		return NewValidationError("ambient", "must be within [0,1], got %v", s.Ambient)
	}
	if s.Width <= 0 || s.Height <= 0 {
		return NewValidationError("size", "map size must be positive, got %.1fx%.1f", s.Width, s.Height)
	}
	if s.CellSize <= 0 {
		return NewValidationError("cellSize", "must be positive, got %v", s.CellSize)
	}
	return nil
}

// Bounds - прямоугольник карты.
func (s MapSettings) Bounds() geometry.Rect {
	return geometry.Rect{Width: s.Width, Height: s.Height}
}

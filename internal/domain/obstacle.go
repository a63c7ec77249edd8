package domain

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"sort"

	"vision-server/pkg/geometry"
)

// ObstacleKind - тип препятствия.
type ObstacleKind string

const (
	KindWall      ObstacleKind = "wall"
	KindDoor      ObstacleKind = "door"
	KindWindow    ObstacleKind = "window"
	KindFurniture ObstacleKind = "furniture"
	KindWater     ObstacleKind = "water"
	KindGlass     ObstacleKind = "glass"
)

// Obstacle - прямоугольное препятствие. (X, Y) - левый верхний угол.
//
// Opacity ослабляет свет, проходящий через прозрачные препятствия (вода, стекло),
// но никогда не блокирует обычную видимость, если BlocksVision=false.
type Obstacle struct {
	ID           string       `json:"id"`
	MapID        string       `json:"mapId"`
	X            float64      `json:"x"`
	Y            float64      `json:"y"`
	Width        float64      `json:"width"`
	Height       float64      `json:"height"`
	Kind         ObstacleKind `json:"kind"`
	BlocksVision bool         `json:"blocksVision"`
	Opacity      float64      `json:"opacity"`
	Tint         Color        `json:"tint"`
}

// Bounds - прямоугольник препятствия.
func (o Obstacle) Bounds() geometry.Rect {
	return geometry.Rect{X: o.X, Y: o.Y, Width: o.Width, Height: o.Height}
}

// IsTransparent - препятствие пропускает свет (с ослаблением и оттенком).
func (o Obstacle) IsTransparent() bool {
	return !o.BlocksVision && o.Opacity < 1
}

// Validate проверяет геометрию и диапазоны.
func (o Obstacle) Validate() error {
	if o.Width <= 0 || o.Height <= 0 {
		return NewValidationError("size", "width and height must be positive, got %.2fx%.2f", o.Width, o.Height)
	}
	if o.Opacity < 0 || o.Opacity > 1 || math.IsNaN(o.Opacity) {
		return NewValidationError("opacity", "must be within [0,1], got %v", o.Opacity)
	}
	switch o.Kind {
	case KindWall, KindDoor, KindWindow, KindFurniture, KindWater, KindGlass:
	default:
		return NewValidationError("kind", "unknown obstacle kind %q", o.Kind)
	}
	return nil
}

// DefaultObstacle возвращает препятствие с параметрами по умолчанию для типа.
func DefaultObstacle(kind ObstacleKind) Obstacle {
	o := Obstacle{Kind: kind, Tint: White}
	switch kind {
	case KindWall, KindDoor:
		o.BlocksVision = true
		o.Opacity = 1
	case KindWindow:
		o.Opacity = 0.2
		o.Tint = Color{R: 220, G: 235, B: 255}
	case KindGlass:
		o.Opacity = 0.3
		o.Tint = Color{R: 200, G: 230, B: 255}
	case KindWater:
		o.Opacity = 0.5
		o.Tint = Color{R: 90, G: 150, B: 255}
	case KindFurniture:
		o.Opacity = 0.4
	}
	return o
}

// ObstacleSet - неизменяемый снимок препятствий карты на один тик.
// Создается через NewObstacleSet; срезы наружу не отдаются для записи.
type ObstacleSet struct {
	items       []Obstacle
	blocking    []Obstacle
	fingerprint uint64
}

// NewObstacleSet копирует входной срез и считает отпечаток.
func NewObstacleSet(obstacles []Obstacle) *ObstacleSet {
	items := make([]Obstacle, len(obstacles))
	copy(items, obstacles)
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	set := &ObstacleSet{items: items}
	for _, o := range items {
		if o.BlocksVision {
			set.blocking = append(set.blocking, o)
		}
	}
	set.fingerprint = fingerprint(items)
	return set
}

// All - все препятствия (только чтение).
func (s *ObstacleSet) All() []Obstacle {
	if s == nil {
		return nil
	}
	return s.items
}

// Blocking - препятствия с BlocksVision=true (только чтение).
func (s *ObstacleSet) Blocking() []Obstacle {
	if s == nil {
		return nil
	}
	return s.blocking
}

// Len - количество препятствий.
func (s *ObstacleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// Fingerprint меняется при любом изменении набора. Используется как ключ кэша.
func (s *ObstacleSet) Fingerprint() uint64 {
	if s == nil {
		return 0
	}
	return s.fingerprint
}

func fingerprint(items []Obstacle) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	writeF := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	for _, o := range items {
		h.Write([]byte(o.ID))
		h.Write([]byte(o.Kind))
		writeF(o.X)
		writeF(o.Y)
		writeF(o.Width)
		writeF(o.Height)
		writeF(o.Opacity)
		if o.BlocksVision {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		h.Write([]byte{o.Tint.R, o.Tint.G, o.Tint.B})
	}
	return h.Sum64()
}

package domain

import (
	"time"

	"vision-server/pkg/geometry"
)

// MemoryState - состояние отслеживаемой точки памяти.
type MemoryState uint8

const (
	StateUnseen MemoryState = iota
	StateVisible
	StateFading
	StateForgotten
)

func (s MemoryState) String() string {
	switch s {
	case StateVisible:
		return "visible"
	case StateFading:
		return "fading"
	case StateForgotten:
		return "forgotten"
	default:
		return "unseen"
	}
}

func (s MemoryState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *MemoryState) UnmarshalText(data []byte) error {
	switch string(data) {
	case "visible":
		*s = StateVisible
	case "fading":
		*s = StateFading
	case "forgotten":
		*s = StateForgotten
	default:
		*s = StateUnseen
	}
	return nil
}

// MemoryPoint - затухающая запись о ранее видимой клетке.
//
// Ключ записи - (MapID, ViewerID, Cell). Peak - интенсивность в момент
// ухода из видимости; Intensity всегда вычисляется от Peak и LastSeen, поэтому
// повторные тики затухания идемпотентны.
type MemoryPoint struct {
	MapID     string           `json:"mapId"`
	ViewerID  string           `json:"seenBy"`
	Cell      geometry.CellKey `json:"cell"`
	X         float64          `json:"x"`
	Y         float64          `json:"y"`
	Radius    float64          `json:"radius"`
	Intensity float64          `json:"intensity"`
	Peak      float64          `json:"peak"`
	State     MemoryState      `json:"state"`
	LastSeen  time.Time        `json:"lastSeen"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Position - координаты точки.
func (m MemoryPoint) Position() geometry.Point {
	return geometry.Point{X: m.X, Y: m.Y}
}

// MemoryKey - уникальный ключ записи памяти.
type MemoryKey struct {
	ViewerID string
	Cell     geometry.CellKey
}

// Key возвращает ключ записи.
func (m MemoryPoint) Key() MemoryKey {
	return MemoryKey{ViewerID: m.ViewerID, Cell: m.Cell}
}

// CognitiveFactors - внешние оценки памяти персонажа (0..1, 0.5 - средний).
// Считаются потребителем из характеристик персонажа; движок их только применяет.
type CognitiveFactors struct {
	QualityScore  float64 `json:"qualityScore"`
	DurationScore float64 `json:"durationScore"`
	DetailScore   float64 `json:"detailScore"`
}

// AverageFactors - нейтральные факторы (модификаторы равны 1).
var AverageFactors = CognitiveFactors{QualityScore: 0.5, DurationScore: 0.5, DetailScore: 0.5}

// Validate проверяет диапазоны оценок.
func (f CognitiveFactors) Validate() error {
	check := func(field string, v float64) error {
		if v < 0 || v > 1 {
			return NewValidationError(field, "must be within [0,1], got %v", v)
		}
		return nil
	}
	if err := check("qualityScore", f.QualityScore); err != nil {
		return err
	}
	if err := check("durationScore", f.DurationScore); err != nil {
		return err
	}
	return check("detailScore", f.DetailScore)
}

// RateMultiplier - множитель скорости затухания. Высокая "длительность" замедляет распад.
func (f CognitiveFactors) RateMultiplier() float64 {
	return 1.5 - f.DurationScore
}

// FloorMultiplier - множитель нижней границы интенсивности.
func (f CognitiveFactors) FloorMultiplier() float64 {
	return 0.5 + f.QualityScore
}

// MergeCellMultiplier - множитель размера ячейки слияния. Внимательные к деталям
// помнят мельче.
func (f CognitiveFactors) MergeCellMultiplier() float64 {
	return 1.5 - f.DetailScore
}

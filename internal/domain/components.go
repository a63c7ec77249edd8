package domain

import (
	"strings"

	"vision-server/pkg/geometry"
)

// --- КОМПОНЕНТЫ НАБЛЮДАТЕЛЯ ---

// VisionMode - режим зрения.
type VisionMode string

const (
	// VisionNormal - обычное зрение с проверкой препятствий.
	VisionNormal VisionMode = "normal"
	// VisionDarkvision - фиксированный радиус, препятствия проверяются.
	VisionDarkvision VisionMode = "darkvision"
	// VisionBlindsight - фиксированный радиус, препятствия игнорируются.
	VisionBlindsight VisionMode = "blindsight"
	// VisionTruesight - как blindsight.
	VisionTruesight VisionMode = "truesight"
	// VisionLight - точка обзора от источника света.
	VisionLight VisionMode = "light"
)

// ParseVisionMode конвертирует строку в режим. Неизвестное значение - normal.
func ParseVisionMode(s string) VisionMode {
	switch VisionMode(strings.ToLower(s)) {
	case VisionDarkvision:
		return VisionDarkvision
	case VisionBlindsight:
		return VisionBlindsight
	case VisionTruesight:
		return VisionTruesight
	case VisionLight:
		return VisionLight
	}
	return VisionNormal
}

// BypassesObstacles - режим видит сквозь препятствия в пределах радиуса.
func (m VisionMode) BypassesObstacles() bool {
	return m == VisionBlindsight || m == VisionTruesight
}

// Sense - одно "чувство" наблюдателя: режим и его радиус.
type Sense struct {
	Mode   VisionMode `json:"mode"`
	Radius float64    `json:"radius"`
}

// VisionComponent - настройки зрения наблюдателя.
type VisionComponent struct {
	Radius     float64 `json:"radius"`
	Senses     []Sense `json:"senses,omitempty"`
	Omniscient bool    `json:"omniscient"` // Всеведение (ГМ)
}

// Viewer - участник карты, для которого строится кадр.
type Viewer struct {
	ID       string           `json:"id"`
	Actor    Actor            `json:"actor"`
	Position geometry.Point   `json:"position"`
	Vision   VisionComponent  `json:"vision"`
	Factors  CognitiveFactors `json:"factors"`
}

// NewViewer создает наблюдателя с параметрами по умолчанию.
func NewViewer(actor Actor, pos geometry.Point) *Viewer {
	return &Viewer{
		ID:       actor.CallerID,
		Actor:    actor,
		Position: pos,
		Vision: VisionComponent{
			Radius:     DefaultVisionRadius,
			Omniscient: actor.IsGameMaster(),
		},
		Factors: AverageFactors,
	}
}

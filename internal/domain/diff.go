package domain

import (
	"fmt"
	"strconv"
	"strings"

	"vision-server/pkg/geometry"
)

// Diff - инкрементальное изменение коллекции сущностей.
type Diff[T any] struct {
	Added   []T      `json:"added,omitempty"`
	Updated []T      `json:"updated,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// IsEmpty - в диффе нет изменений.
func (d Diff[T]) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Merge дописывает другой дифф в конец.
func (d *Diff[T]) Merge(other Diff[T]) {
	d.Added = append(d.Added, other.Added...)
	d.Updated = append(d.Updated, other.Updated...)
	d.Removed = append(d.Removed, other.Removed...)
}

// Size - общее число изменений.
func (d Diff[T]) Size() int {
	return len(d.Added) + len(d.Updated) + len(d.Removed)
}

// Конкретные диффы
type (
	AreaDiff     = Diff[RevealedArea]
	LightDiff    = Diff[LightSource]
	MemoryDiff   = Diff[MemoryPoint]
	ObstacleDiff = Diff[Obstacle]
)

// AmbientUpdate - полезная нагрузка ambient-light-update.
type AmbientUpdate struct {
	MapID   string  `json:"mapId"`
	Ambient float64 `json:"ambient"`
}

// String кодирует ключ памяти как "viewer|cell".
func (k MemoryKey) String() string {
	return k.ViewerID + "|" + strconv.FormatUint(uint64(k.Cell), 10)
}

// ParseMemoryKey разбирает ключ вида "viewer|cell".
func ParseMemoryKey(s string) (MemoryKey, error) {
	idx := strings.LastIndexByte(s, '|')
	if idx < 0 {
		return MemoryKey{}, fmt.Errorf("invalid memory key %q", s)
	}
	cell, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return MemoryKey{}, fmt.Errorf("invalid memory key %q: %w", s, err)
	}
	return MemoryKey{ViewerID: s[:idx], Cell: geometry.CellKey(cell)}, nil
}

package geometry

import (
	"fmt"
	"math"
	"strconv"
)

// CellKey - 64-битный идентификатор ячейки сетки.
//
// CellKey является value-type: дешёвое копирование, сравнение и использование
// в качестве ключа map.
//
// Формат битов (от старших к младшим):
//
//	[ X (32, знаковое) | Y (32, знаковое) ]
//
// Размер ячейки в ключ не входит: его задаёт тот, кто строит сетку.
type CellKey uint64

const (
	bitsAxis  = 32
	shiftX    = bitsAxis
	maskAxis  = (1 << bitsAxis) - 1
	maxCellID = math.MaxInt32
	minCellID = math.MinInt32
)

// PackCell собирает CellKey из целочисленных координат ячейки.
func PackCell(cx, cy int32) CellKey {
	return CellKey(uint64(uint32(cx))<<shiftX | uint64(uint32(cy)))
}

// CellOf возвращает ячейку, в которую попадает точка при заданном размере ячейки.
// Неположительный размер трактуется как 1.
func CellOf(p Point, size float64) CellKey {
	if size <= 0 {
		size = 1
	}
	return PackCell(axisIndex(p.X, size), axisIndex(p.Y, size))
}

func axisIndex(v, size float64) int32 {
	f := math.Floor(v / size)
	if f > maxCellID {
		return maxCellID
	}
	if f < minCellID {
		return minCellID
	}
	return int32(f)
}

// X возвращает индекс ячейки по оси X.
func (k CellKey) X() int32 { return int32(uint32(k >> shiftX)) }

// Y возвращает индекс ячейки по оси Y.
func (k CellKey) Y() int32 { return int32(uint32(k & maskAxis)) }

// Center возвращает центр ячейки в координатах карты.
func (k CellKey) Center(size float64) Point {
	if size <= 0 {
		size = 1
	}
	return Point{
		X: (float64(k.X()) + 0.5) * size,
		Y: (float64(k.Y()) + 0.5) * size,
	}
}

// Rescale переводит ячейку в сетку другого размера (по центру ячейки).
func (k CellKey) Rescale(from, to float64) CellKey {
	return CellOf(k.Center(from), to)
}

// String - человекочитаемое представление для логов.
func (k CellKey) String() string {
	return fmt.Sprintf("[cell x=%d y=%d]", k.X(), k.Y())
}

// MarshalText кодирует ключ десятичной строкой (нужно для ключей map в JSON).
func (k CellKey) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(k), 10)), nil
}

// UnmarshalText декодирует ключ из десятичной строки.
func (k *CellKey) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*k = 0
		return nil
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return err
	}
	*k = CellKey(v)
	return nil
}

// MarshalJSON сериализует ключ как строку, чтобы не терять точность в JavaScript.
func (k CellKey) MarshalJSON() ([]byte, error) {
	return []byte(`"` + strconv.FormatUint(uint64(k), 10) + `"`), nil
}

// UnmarshalJSON принимает как строковое, так и числовое представление.
func (k *CellKey) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) > 1 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	return k.UnmarshalText([]byte(s))
}

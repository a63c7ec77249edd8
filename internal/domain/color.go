package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Color - RGB цвет. В JSON кодируется как "#rrggbb".
type Color struct {
	R, G, B uint8
}

// White - цвет по умолчанию для света без оттенка.
var White = Color{R: 255, G: 255, B: 255}

// ParseColor разбирает "#rgb" и "#rrggbb". Пустая строка дает белый.
func ParseColor(s string) (Color, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(s) {
	case 0:
		return White, nil
	case 3:
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	case 6:
	default:
		return Color{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return Color{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}

// Hex возвращает "#rrggbb".
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// Floats - компоненты в диапазоне [0, 1].
func (c Color) Floats() (r, g, b float64) {
	return float64(c.R) / 255, float64(c.G) / 255, float64(c.B) / 255
}

// FromFloats собирает цвет из компонент [0, 1] с клампом.
func FromFloats(r, g, b float64) Color {
	conv := func(v float64) uint8 {
		if v <= 0 {
			return 0
		}
		if v >= 1 {
			return 255
		}
		return uint8(v*255 + 0.5)
	}
	return Color{R: conv(r), G: conv(g), B: conv(b)}
}

func (c Color) MarshalText() ([]byte, error) {
	return []byte(c.Hex()), nil
}

func (c *Color) UnmarshalText(data []byte) error {
	parsed, err := ParseColor(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

package main

import (
	"fmt"

	"vision-server/pkg/api"

	"github.com/gdamore/tcell/v2"
)

// Состояния клетки кадра
const (
	cellUnseen  = 0
	cellVisible = 1
	cellFading  = 2
)

var (
	styleFog    = tcell.StyleDefault.Background(tcell.ColorBlack)
	styleViewer = tcell.StyleDefault.Foreground(tcell.ColorYellow).Bold(true)
	styleLight  = tcell.StyleDefault.Foreground(tcell.NewRGBColor(255, 200, 80))
	styleStatus = tcell.StyleDefault.Foreground(tcell.ColorWhite).Reverse(true)
)

// cellLook - символ и стиль клетки по состоянию, непрозрачности тумана и яркости.
func cellLook(state int, opacity, intensity float64) (rune, tcell.Style) {
	if state == cellUnseen || opacity >= 1 {
		return ' ', styleFog
	}
	level := clamp(intensity*(1-opacity), 0, 1)
	switch state {
	case cellFading:
		// Память: приглушенный синеватый оттенок
		v := int32(40 + level*120)
		return '░', tcell.StyleDefault.Foreground(tcell.NewRGBColor(v/2, v/2, v))
	default:
		v := int32(60 + level*195)
		return '·', tcell.StyleDefault.Foreground(tcell.NewRGBColor(v, v, v/2+60))
	}
}

// cellOf переводит точку карты в клетку кадра. ok=false - точка вне кадра.
func cellOf(f *api.FrameView, x, y float64) (col, row int, ok bool) {
	if f.CellSize <= 0 {
		return 0, 0, false
	}
	col = int((x - f.OriginX) / f.CellSize)
	row = int((y - f.OriginY) / f.CellSize)
	return col, row, col >= 0 && row >= 0 && col < f.Cols && row < f.Rows
}

// drawFrame рисует кадр в левом верхнем углу экрана, последняя строка - статус.
func drawFrame(s tcell.Screen, f *api.FrameView, status string) {
	s.Clear()
	width, height := s.Size()
	rows := min(f.Rows, height-1)
	cols := min(f.Cols, width)

	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			i := row*f.Cols + col
			if i >= len(f.State) || i >= len(f.Opacity) || i >= len(f.Intensity) {
				continue
			}
			r, st := cellLook(f.State[i], f.Opacity[i], f.Intensity[i])
			s.SetContent(col, row, r, nil, st)
		}
	}
	for _, l := range f.Lights {
		if col, row, ok := cellOf(f, l.X, l.Y); ok && col < cols && row < rows {
			s.SetContent(col, row, '*', nil, styleLight)
		}
	}
	if col, row, ok := cellOf(f, f.Viewer.X, f.Viewer.Y); ok && col < cols && row < rows {
		s.SetContent(col, row, '@', nil, styleViewer)
	}
	drawStatus(s, status)
	s.Show()
}

func drawStatus(s tcell.Screen, status string) {
	width, height := s.Size()
	if height == 0 {
		return
	}
	line := []rune(fmt.Sprintf("%-*s", width, status))
	for x := 0; x < width && x < len(line); x++ {
		s.SetContent(x, height-1, line[x], nil, styleStatus)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

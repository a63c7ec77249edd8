package main

import (
	"testing"

	"vision-server/pkg/api"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellLook(t *testing.T) {
	r, st := cellLook(cellUnseen, 0, 1)
	assert.Equal(t, ' ', r)
	assert.Equal(t, styleFog, st)

	r, _ = cellLook(cellVisible, 1, 1)
	assert.Equal(t, ' ', r, "fully fogged cell stays blank")

	r, _ = cellLook(cellVisible, 0, 1)
	assert.Equal(t, '·', r)

	r, _ = cellLook(cellFading, 0.3, 0.5)
	assert.Equal(t, '░', r)
}

func TestCellOf(t *testing.T) {
	f := &api.FrameView{Cols: 10, Rows: 5, CellSize: 2, OriginX: 0, OriginY: 0}

	col, row, ok := cellOf(f, 5, 3)
	require.True(t, ok)
	assert.Equal(t, 2, col)
	assert.Equal(t, 1, row)

	_, _, ok = cellOf(f, 25, 3)
	assert.False(t, ok)
	_, _, ok = cellOf(&api.FrameView{}, 1, 1)
	assert.False(t, ok)
}

func TestDrawFrame(t *testing.T) {
	s := tcell.NewSimulationScreen("")
	require.NoError(t, s.Init())
	defer s.Fini()
	s.SetSize(20, 6)

	f := &api.FrameView{
		Cols: 3, Rows: 2, CellSize: 1,
		Opacity:   []float64{0, 0, 1, 0, 0.5, 1},
		Intensity: []float64{1, 1, 1, 1, 1, 1},
		State:     []int{1, 1, 0, 2, 2, 0},
		Viewer:    api.PointView{X: 0.5, Y: 0.5},
		Lights:    []api.LightView{{ID: "l", X: 1.5, Y: 0.5}},
	}
	drawFrame(s, f, "status")

	cell := func(x, y int) rune {
		r, _, _, _ := s.GetContent(x, y)
		return r
	}
	assert.Equal(t, '@', cell(0, 0))
	assert.Equal(t, '*', cell(1, 0))
	assert.Equal(t, ' ', cell(2, 0))
	assert.Equal(t, '░', cell(0, 1))
	assert.Equal(t, 's', cell(0, 5))
}

package engine

import (
	"testing"
	"time"

	"vision-server/internal/domain"
	"vision-server/internal/systems"
	"vision-server/pkg/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func point(viewer string, x, y float64) domain.MemoryPoint {
	p := geometry.Point{X: x, Y: y}
	return domain.MemoryPoint{
		MapID:     "m1",
		ViewerID:  viewer,
		Cell:      geometry.CellOf(p, 1),
		X:         x,
		Y:         y,
		Intensity: 1,
		State:     domain.StateVisible,
		UpdatedAt: time.Unix(100, 0),
	}
}

func TestMemoryBatch_AddedThenRemovedLeavesNothing(t *testing.T) {
	b := newMemoryBatch()
	p := point("p1", 1.5, 1.5)

	b.add(domain.MemoryDiff{Added: []domain.MemoryPoint{p}})
	b.add(domain.MemoryDiff{Removed: []string{p.Key().String()}})

	assert.True(t, b.empty())
	assert.True(t, b.take().IsEmpty())
}

func TestMemoryBatch_RemovedThenAddedIsUpdate(t *testing.T) {
	b := newMemoryBatch()
	p := point("p1", 1.5, 1.5)

	b.add(domain.MemoryDiff{Removed: []string{p.Key().String()}})
	b.add(domain.MemoryDiff{Added: []domain.MemoryPoint{p}})

	diff := b.take()
	assert.Empty(t, diff.Added)
	assert.Empty(t, diff.Removed)
	require.Len(t, diff.Updated, 1)
	assert.Equal(t, p.Key(), diff.Updated[0].Key())
	assert.True(t, b.empty(), "take must reset the batch")
}

func TestMemoryBatch_LastWriteKept(t *testing.T) {
	b := newMemoryBatch()
	first := point("p1", 1.5, 1.5)
	second := first
	second.Intensity = 0.4
	second.State = domain.StateFading

	b.add(domain.MemoryDiff{Added: []domain.MemoryPoint{first}})
	b.add(domain.MemoryDiff{Updated: []domain.MemoryPoint{second}})
	b.add(domain.MemoryDiff{Added: []domain.MemoryPoint{point("p2", 3.5, 3.5)}})

	diff := b.take()
	require.Len(t, diff.Added, 2)
	assert.Equal(t, 0.4, diff.Added[0].Intensity)
	assert.Equal(t, "p2", diff.Added[1].ViewerID)
}

func TestFieldKey_ChangesWithInputs(t *testing.T) {
	obstacles := domain.NewObstacleSet(nil)
	grid := systems.GridFor(domain.MapSettings{MapID: "m1", Width: 10, Height: 10, CellSize: 1})
	light := domain.LightSource{ID: "l1", Position: geometry.Point{X: 2, Y: 2}, Radius: 5, Intensity: 1, Color: domain.White}

	base := computeRequest{obstacles: obstacles, grid: grid, ambient: 0.1, lights: []domain.LightSource{light}}
	same := base
	same.viewerID = "someone-else"
	assert.Equal(t, fieldKey(base), fieldKey(same), "viewer does not affect the light field")

	moved := base
	moved.lights = []domain.LightSource{light}
	moved.lights[0].Position.X = 3
	assert.NotEqual(t, fieldKey(base), fieldKey(moved))

	darker := base
	darker.ambient = 0.3
	assert.NotEqual(t, fieldKey(base), fieldKey(darker))

	walled := base
	walled.obstacles = domain.NewObstacleSet([]domain.Obstacle{{ID: "w", X: 5, Y: 0, Width: 1, Height: 10, Kind: domain.KindWall, BlocksVision: true, Opacity: 1}})
	assert.NotEqual(t, fieldKey(base), fieldKey(walled))
}

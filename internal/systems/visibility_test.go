package systems

import (
	"context"
	"testing"
	"time"

	"vision-server/internal/domain"
	"vision-server/pkg/clock"
	"vision-server/pkg/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wallBetween(blocks bool) domain.Obstacle {
	o := domain.DefaultObstacle(domain.KindWall)
	o.ID = "wall-1"
	o.X, o.Y, o.Width, o.Height = 2.5, -2.5, 5, 5
	o.BlocksVision = blocks
	return o
}

func TestResolver_WallOccludesProbe(t *testing.T) {
	r := NewResolver(1, nil)
	origin := geometry.Point{X: 0, Y: 0}
	probe := geometry.Point{X: 10, Y: 0}

	blocked := domain.NewObstacleSet([]domain.Obstacle{wallBetween(true)})
	snap, err := r.Compute(context.Background(), origin, 20, blocked, 1, false)
	require.NoError(t, err)
	assert.False(t, snap.IsVisible(probe), "probe behind the wall must be occluded")
	assert.True(t, snap.IsVisible(origin), "origin is always visible")

	// Тот же прямоугольник без BlocksVision не заслоняет ничего
	open := domain.NewObstacleSet([]domain.Obstacle{wallBetween(false)})
	snap, err = r.Compute(context.Background(), origin, 20, open, 1, false)
	require.NoError(t, err)
	assert.True(t, snap.IsVisible(probe), "non-blocking obstacle must not occlude")
}

func TestResolver_AbuttingWallsCloseTheSeam(t *testing.T) {
	r := NewResolver(1, nil)
	wall := func(id string, y float64) domain.Obstacle {
		o := domain.DefaultObstacle(domain.KindWall)
		o.ID = id
		o.X, o.Y, o.Width, o.Height = 5, y, 5, 5
		return o
	}
	probe := geometry.Point{X: 15, Y: 0}

	single := domain.NewObstacleSet([]domain.Obstacle{{ID: "w", X: 5, Y: -5, Width: 5, Height: 10, Kind: domain.KindWall, BlocksVision: true, Opacity: 1}})
	snap, err := r.Compute(context.Background(), geometry.Point{}, 20, single, 1, false)
	require.NoError(t, err)
	assert.False(t, snap.IsVisible(probe))

	pair := domain.NewObstacleSet([]domain.Obstacle{wall("top", -5), wall("bottom", 0)})
	snap, err = r.Compute(context.Background(), geometry.Point{}, 20, pair, 1, false)
	require.NoError(t, err)
	assert.False(t, snap.IsVisible(probe), "ray along the shared edge must be blocked")
	assert.True(t, snap.IsVisible(geometry.Point{X: 4, Y: 0}))
}

func TestResolver_NonBlockingNeverOccludes(t *testing.T) {
	r := NewResolver(1, nil)
	origin := geometry.Point{X: 0, Y: 0}

	var transparent []domain.Obstacle
	for i, kind := range []domain.ObstacleKind{domain.KindGlass, domain.KindWater, domain.KindWindow, domain.KindFurniture} {
		o := domain.DefaultObstacle(kind)
		o.ID = string(kind)
		o.X, o.Y, o.Width, o.Height = float64(3+i*3), -4, 1, 8
		transparent = append(transparent, o)
	}

	empty, err := r.Compute(context.Background(), origin, 15, domain.NewObstacleSet(nil), 2, false)
	require.NoError(t, err)
	withGlass, err := r.Compute(context.Background(), origin, 15, domain.NewObstacleSet(transparent), 2, false)
	require.NoError(t, err)

	assert.Equal(t, empty.Len(), withGlass.Len())
	for cell := range empty.Cells {
		_, ok := withGlass.Cells[cell]
		assert.True(t, ok, "cell %v lost behind a transparent obstacle", cell)
	}
}

func TestResolver_IntensityFalloff(t *testing.T) {
	r := NewResolver(1, nil)
	snap, err := r.Compute(context.Background(), geometry.Point{}, 10, domain.NewObstacleSet(nil), 1, false)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, snap.IntensityAt(geometry.Point{X: 0.1, Y: 0.1}), 1e-9)
	assert.InDelta(t, 0.5, snap.IntensityAt(geometry.Point{X: 5, Y: 0}), 0.06)
	assert.False(t, snap.IsVisible(geometry.Point{X: 12, Y: 0}))
	assert.Len(t, snap.Outline, 360)
}

func TestResolver_BlindsightBypassesObstacles(t *testing.T) {
	r := NewResolver(1, nil)
	obstacles := domain.NewObstacleSet([]domain.Obstacle{wallBetween(true)})
	probe := geometry.Point{X: 10, Y: 0}

	origins := []Origin{{Position: geometry.Point{}, Radius: 12, Mode: domain.VisionBlindsight, Intensity: 1}}
	snap, err := r.ComputeMany(context.Background(), origins, obstacles, QualityHigh)
	require.NoError(t, err)
	assert.True(t, snap.IsVisible(probe))

	origins[0].Mode = domain.VisionDarkvision
	snap, err = r.ComputeMany(context.Background(), origins, obstacles, QualityHigh)
	require.NoError(t, err)
	assert.False(t, snap.IsVisible(probe), "darkvision is occlusion-checked")
}

func TestResolver_ComputeManyKeepsMaxIntensity(t *testing.T) {
	r := NewResolver(1, nil)
	empty := domain.NewObstacleSet(nil)
	near := Origin{Position: geometry.Point{X: 5, Y: 0}, Radius: 10, Mode: domain.VisionNormal, Intensity: 1}
	far := Origin{Position: geometry.Point{X: -5, Y: 0}, Radius: 10, Mode: domain.VisionNormal, Intensity: 1}

	union, err := r.ComputeMany(context.Background(), []Origin{far, near}, empty, QualityMedium)
	require.NoError(t, err)
	single, err := r.ComputeMany(context.Background(), []Origin{near}, empty, QualityMedium)
	require.NoError(t, err)

	p := geometry.Point{X: 5.2, Y: 0.2}
	assert.InDelta(t, single.IntensityAt(p), union.IntensityAt(p), 1e-9)
	assert.GreaterOrEqual(t, union.Len(), single.Len())
}

func TestResolver_LightOriginIsIndirect(t *testing.T) {
	r := NewResolver(1, nil)
	light := Origin{Position: geometry.Point{X: 0, Y: 0}, Radius: 5, Mode: domain.VisionLight, Intensity: 0.5}
	snap, err := r.ComputeMany(context.Background(), []Origin{light}, domain.NewObstacleSet(nil), QualityLow)
	require.NoError(t, err)

	sample := snap.Cells[geometry.CellOf(geometry.Point{}, 1)]
	assert.False(t, sample.Direct)
	assert.InDelta(t, 0.5, sample.Intensity, 1e-9)
}

func TestResolver_Cancellation(t *testing.T) {
	r := NewResolver(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap, err := r.Compute(ctx, geometry.Point{}, 20, domain.NewObstacleSet(nil), 1, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, snap)
}

func TestResolver_CacheHitAndInvalidation(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cache := NewVisibilityCache(time.Second, 8, fake)
	r := NewResolver(1, cache)
	obstacles := domain.NewObstacleSet([]domain.Obstacle{wallBetween(true)})

	first, err := r.Compute(context.Background(), geometry.Point{X: 0.2}, 10, obstacles, 4, true)
	require.NoError(t, err)
	second, err := r.Compute(context.Background(), geometry.Point{X: 0.2}, 10, obstacles, 4, true)
	require.NoError(t, err)
	assert.Same(t, first, second, "same origin must hit the cache")

	// Другая точка той же клетки считается заново
	neighbour, err := r.Compute(context.Background(), geometry.Point{X: 0.4}, 10, obstacles, 4, true)
	require.NoError(t, err)
	assert.NotSame(t, first, neighbour)

	// Изменение препятствий меняет отпечаток
	moved := domain.NewObstacleSet([]domain.Obstacle{wallBetween(false)})
	third, err := r.Compute(context.Background(), geometry.Point{X: 0.2}, 10, moved, 4, true)
	require.NoError(t, err)
	assert.NotSame(t, first, third)

	// TTL
	fake.Advance(2 * time.Second)
	fourth, err := r.Compute(context.Background(), geometry.Point{X: 0.2}, 10, obstacles, 4, true)
	require.NoError(t, err)
	assert.NotSame(t, first, fourth)

	hits, misses, size := cache.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(4), misses)
	assert.Equal(t, 3, size)
}

// Дверь тоньше клетки: две точки обзора в одной клетке по разные стороны двери
// не должны делить снимок.
func TestResolver_CacheKeepsSidesOfThinDoor(t *testing.T) {
	cache := NewVisibilityCache(time.Minute, 8, clock.NewFake(time.Unix(0, 0)))
	r := NewResolver(1, cache)
	door := domain.DefaultObstacle(domain.KindDoor)
	door.ID = "door"
	door.X, door.Y, door.Width, door.Height = 0.45, -5, 0.1, 10
	door.BlocksVision = true
	obstacles := domain.NewObstacleSet([]domain.Obstacle{door})

	left := Origin{Position: geometry.Point{X: 0.2, Y: 0.5}, Radius: 6, Mode: domain.VisionNormal, Intensity: 1}
	right := Origin{Position: geometry.Point{X: 0.8, Y: 0.5}, Radius: 6, Mode: domain.VisionNormal, Intensity: 1}
	probe := geometry.Point{X: -3, Y: 0.5}

	_, err := r.ComputeMany(context.Background(), []Origin{left}, obstacles, QualityMedium)
	require.NoError(t, err)
	cached, err := r.ComputeMany(context.Background(), []Origin{right}, obstacles, QualityMedium)
	require.NoError(t, err)
	fresh, err := NewResolver(1, nil).ComputeMany(context.Background(), []Origin{right}, obstacles, QualityMedium)
	require.NoError(t, err)

	assert.False(t, fresh.IsVisible(probe))
	assert.Equal(t, fresh.IsVisible(probe), cached.IsVisible(probe), "cached view must come from the requested origin")
	assert.Equal(t, fresh.Len(), cached.Len())
}

func TestVisibilityCache_Capacity(t *testing.T) {
	cache := NewVisibilityCache(0, 2, nil)
	for i := 0; i < 3; i++ {
		cache.Set(CacheKey{Radius: float64(i)}, NewSnapshot(1))
	}
	_, ok := cache.Get(CacheKey{Radius: 0})
	assert.False(t, ok, "oldest entry must be evicted")
	_, ok = cache.Get(CacheKey{Radius: 2})
	assert.True(t, ok)
}

func TestProfileFor(t *testing.T) {
	assert.Equal(t, 16, ProfileFor(QualityHigh).ShadowSamples)
	assert.Equal(t, 4, ProfileFor(QualityLow).ShadowSamples)
	assert.Equal(t, ProfileFor(QualityMedium), ProfileFor("ultra"))
	assert.Equal(t, QualityMedium, ParseQuality("ultra"))
}

func TestResolver_InSightDropsLitCellsBehindWalls(t *testing.T) {
	r := NewResolver(1, nil)
	obstacles := domain.NewObstacleSet([]domain.Obstacle{wallBetween(true)})
	torch := domain.LightSource{ID: "torch", Position: geometry.Point{X: 10, Y: 0}, Radius: 3, Intensity: 0.8}

	lit, err := r.ComputeMany(context.Background(), LightOrigins([]domain.LightSource{torch}), obstacles, QualityLow)
	require.NoError(t, err)
	require.True(t, lit.IsVisible(torch.Position))

	hidden, err := r.InSight(context.Background(), geometry.Point{X: 0, Y: 0}, lit, obstacles)
	require.NoError(t, err)
	assert.False(t, hidden.IsVisible(torch.Position), "lit room behind the wall stays hidden")

	inSight, err := r.InSight(context.Background(), geometry.Point{X: 10, Y: 10}, lit, obstacles)
	require.NoError(t, err)
	assert.True(t, inSight.IsVisible(torch.Position))
	assert.False(t, inSight.Cells[geometry.CellOf(torch.Position, 1)].Direct)
}

func TestViewerOrigins(t *testing.T) {
	v := domain.NewViewer(domain.Actor{Role: domain.RolePlayer, CallerID: "hero"}, geometry.Point{X: 1, Y: 2})
	v.Vision.Senses = []domain.Sense{
		{Mode: domain.VisionDarkvision, Radius: 6},
		{Mode: domain.VisionBlindsight, Radius: 0},
	}
	origins := ViewerOrigins(v)
	require.Len(t, origins, 2, "zero-radius sense is skipped")
	assert.Equal(t, domain.VisionNormal, origins[0].Mode)
	assert.Equal(t, domain.VisionDarkvision, origins[1].Mode)

	lights := LightOrigins([]domain.LightSource{{ID: "off", Radius: 5}, {ID: "on", Radius: 5, Intensity: 0.3}})
	require.Len(t, lights, 1)
	assert.Equal(t, domain.VisionLight, lights[0].Mode)
}

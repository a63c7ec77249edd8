package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vision-server/internal/domain"
	"vision-server/pkg/geometry"
	"vision-server/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "vision.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_RoundTrip(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			empty, err := s.LoadMap(ctx, "map-1")
			require.NoError(t, err)
			assert.False(t, empty.Exists())

			settings := domain.MapSettings{MapID: "map-1", Ambient: 0.2, Width: 40, Height: 30, CellSize: 1}
			require.NoError(t, s.SaveSettings(ctx, settings))

			wall := domain.DefaultObstacle(domain.KindWall)
			wall.ID, wall.MapID = "w1", "map-1"
			wall.X, wall.Y, wall.Width, wall.Height = 1, 2, 3, 4
			glass := domain.DefaultObstacle(domain.KindGlass)
			glass.ID, glass.MapID = "g1", "map-1"
			glass.Width, glass.Height = 1, 1
			require.NoError(t, s.UpsertObstacles(ctx, "map-1", []domain.Obstacle{wall, glass}))

			light := domain.LightSource{ID: "l1", MapID: "map-1", Position: geometry.Point{X: 5, Y: 6}, Radius: 10,
				Color: domain.Color{R: 255, G: 170}, Intensity: 0.8, Flickering: true, FlickerIntensity: 0.3, CastShadows: true}
			require.NoError(t, s.UpsertLights(ctx, "map-1", []domain.LightSource{light}))

			poly := domain.RevealedArea{ID: "a1", MapID: "map-1", Shape: domain.ShapePolygon,
				Points:  []geometry.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 0, Y: 4}},
				Opacity: 1, Color: domain.White, CreatedBy: "gm", CreatedAt: created}
			require.NoError(t, s.UpsertAreas(ctx, "map-1", []domain.RevealedArea{poly}))

			mp := domain.MemoryPoint{MapID: "map-1", ViewerID: "v1", Cell: geometry.PackCell(-3, 7), X: -2.5, Y: 7.5,
				Radius: 0.5, Intensity: 0.6, Peak: 1, State: domain.StateFading, LastSeen: created, UpdatedAt: created}
			require.NoError(t, s.UpsertMemory(ctx, "map-1", []domain.MemoryPoint{mp}))

			state, err := s.LoadMap(ctx, "map-1")
			require.NoError(t, err)
			assert.True(t, state.Exists())
			assert.Equal(t, settings, state.Settings)
			require.Len(t, state.Obstacles, 2)
			assert.Equal(t, glass, state.Obstacles[0])
			assert.Equal(t, wall, state.Obstacles[1])
			assert.Equal(t, []domain.LightSource{light}, state.Lights)
			assert.Equal(t, []domain.RevealedArea{poly}, state.Areas)
			assert.Equal(t, []domain.MemoryPoint{mp}, state.Memory)

			maps, err := s.ListMaps(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"map-1"}, maps)
		})
	}
}

func TestStore_UpsertAndDelete(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			area := domain.RevealedArea{ID: "a", Shape: domain.ShapeCircle, Radius: 2, Opacity: 1, CreatedAt: t0}
			require.NoError(t, s.UpsertAreas(ctx, "m", []domain.RevealedArea{area}))
			area.Radius = 5
			require.NoError(t, s.UpsertAreas(ctx, "m", []domain.RevealedArea{area}))
			other := area
			other.ID = "b"
			require.NoError(t, s.UpsertAreas(ctx, "m", []domain.RevealedArea{other}))

			state, err := s.LoadMap(ctx, "m")
			require.NoError(t, err)
			require.Len(t, state.Areas, 2)
			assert.Equal(t, 5.0, state.Areas[0].Radius)

			require.NoError(t, s.DeleteAreas(ctx, "m", []string{"a", "missing"}))
			state, _ = s.LoadMap(ctx, "m")
			assert.Len(t, state.Areas, 1)

			require.NoError(t, s.DeleteAllAreas(ctx, "m"))
			state, _ = s.LoadMap(ctx, "m")
			assert.Empty(t, state.Areas)

			require.NoError(t, s.UpsertLights(ctx, "m", []domain.LightSource{{ID: "l", Radius: 1, Color: domain.White}}))
			require.NoError(t, s.DeleteLights(ctx, "m", []string{"l"}))
			require.NoError(t, s.UpsertObstacles(ctx, "m", []domain.Obstacle{{ID: "o", Width: 1, Height: 1, Kind: domain.KindDoor}}))
			require.NoError(t, s.DeleteObstacles(ctx, "m", []string{"o"}))

			mp := domain.MemoryPoint{ViewerID: "v", Cell: geometry.PackCell(1, 1), Intensity: 0.5, State: domain.StateFading, UpdatedAt: t0}
			require.NoError(t, s.UpsertMemory(ctx, "m", []domain.MemoryPoint{mp}))
			require.NoError(t, s.DeleteMemory(ctx, "m", []domain.MemoryKey{mp.Key()}))

			state, _ = s.LoadMap(ctx, "m")
			assert.Empty(t, state.Lights)
			assert.Empty(t, state.Obstacles)
			assert.Empty(t, state.Memory)
		})
	}
}

func TestSQLiteStore_MemoryLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "lww.db"))
	require.NoError(t, err)
	defer s.Close()

	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	mp := domain.MemoryPoint{ViewerID: "v", Cell: geometry.PackCell(2, 2), Intensity: 0.5, State: domain.StateFading, UpdatedAt: t0.Add(time.Minute)}
	require.NoError(t, s.UpsertMemory(ctx, "m", []domain.MemoryPoint{mp}))

	stale := mp
	stale.Intensity = 0.9
	stale.UpdatedAt = t0
	require.NoError(t, s.UpsertMemory(ctx, "m", []domain.MemoryPoint{stale}))

	state, err := s.LoadMap(ctx, "m")
	require.NoError(t, err)
	require.Len(t, state.Memory, 1)
	assert.Equal(t, 0.5, state.Memory[0].Intensity)
}

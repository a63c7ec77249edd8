package fog

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"vision-server/internal/domain"
	"vision-server/internal/systems"
	"vision-server/pkg/clock"
	"vision-server/pkg/geometry"
	"vision-server/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

type published struct {
	topic string
	diff  domain.AreaDiff
}

type recordingPublisher struct {
	mu    sync.Mutex
	calls []published
}

func (p *recordingPublisher) PublishFog(_ context.Context, _ string, topic string, diff domain.AreaDiff) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, published{topic: topic, diff: diff})
}

var (
	gm     = domain.Actor{Role: domain.RoleGameMaster, CallerID: "gm-1"}
	player = domain.Actor{Role: domain.RolePlayer, CallerID: "p-1"}
)

func newModel(t *testing.T) (*Model, *recordingPublisher, *clock.Fake) {
	t.Helper()
	pub := &recordingPublisher{}
	fake := clock.NewFake(time.Unix(1000, 0))
	return NewModel("map-1", pub, fake), pub, fake
}

func circle(x, y, r float64) domain.RevealedArea {
	return domain.RevealedArea{Shape: domain.ShapeCircle, X: x, Y: y, Radius: r}
}

func TestModel_RevealGrowsMonotonically(t *testing.T) {
	m, pub, fake := newModel(t)
	ctx := context.Background()

	p := geometry.Point{X: 3, Y: 3}
	assert.False(t, m.Covers(p))

	id1, err := m.RevealArea(ctx, gm, circle(3, 3, 2))
	require.NoError(t, err)
	assert.True(t, m.Covers(p))

	fake.Advance(time.Second)
	id2, err := m.RevealArea(ctx, gm, domain.RevealedArea{Shape: domain.ShapeSquare, X: 10, Y: 10, Radius: 1})
	require.NoError(t, err)
	assert.True(t, m.Covers(p), "earlier reveal must stay")
	assert.True(t, m.Covers(geometry.Point{X: 10.5, Y: 9.5}))

	areas := m.ListAreas()
	require.Len(t, areas, 2)
	assert.Equal(t, id1, areas[0].ID)
	assert.Equal(t, id2, areas[1].ID)
	assert.Equal(t, "map-1", areas[0].MapID)
	assert.Equal(t, "gm-1", areas[0].CreatedBy)
	assert.Equal(t, 1.0, areas[0].Opacity, "zero opacity means full reveal")

	require.Len(t, pub.calls, 2)
	assert.Equal(t, domain.TopicFogUpdate, pub.calls[0].topic)
	assert.Len(t, pub.calls[0].diff.Added, 1)
}

func TestModel_ResetLeavesEmptySet(t *testing.T) {
	m, pub, _ := newModel(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.RevealArea(ctx, gm, circle(float64(i*5), 0, 1))
		require.NoError(t, err)
	}

	require.NoError(t, m.ResetAll(ctx, gm))
	assert.Empty(t, m.ListAreas())
	assert.False(t, m.Covers(geometry.Point{}))

	last := pub.calls[len(pub.calls)-1]
	assert.Equal(t, domain.TopicFogReset, last.topic)
	assert.Len(t, last.diff.Removed, 3)
}

func TestModel_PlayerIsForbidden(t *testing.T) {
	m, pub, _ := newModel(t)
	ctx := context.Background()
	id, err := m.RevealArea(ctx, gm, circle(0, 0, 3))
	require.NoError(t, err)
	calls := len(pub.calls)

	_, err = m.RevealArea(ctx, player, circle(10, 10, 3))
	assert.True(t, domain.IsAuthorization(err))

	// Невалидная форма от игрока - все равно forbidden
	_, err = m.RevealArea(ctx, player, domain.RevealedArea{Shape: domain.ShapePolygon})
	assert.True(t, domain.IsAuthorization(err))

	assert.True(t, domain.IsAuthorization(m.DeleteArea(ctx, player, id)))
	assert.True(t, domain.IsAuthorization(m.ResetAll(ctx, player)))

	assert.Equal(t, 1, m.Len(), "state unchanged")
	assert.Len(t, pub.calls, calls, "nothing published")
}

func TestModel_ValidationBeforeMutation(t *testing.T) {
	m, pub, _ := newModel(t)
	ctx := context.Background()

	cases := []struct {
		name string
		area domain.RevealedArea
	}{
		{"polygon with two points", domain.RevealedArea{Shape: domain.ShapePolygon, Points: []geometry.Point{{X: 0, Y: 0}, {X: 1, Y: 1}}}},
		{"zero radius circle", circle(0, 0, 0)},
		{"negative square", domain.RevealedArea{Shape: domain.ShapeSquare, Radius: -1}},
		{"unknown shape", domain.RevealedArea{Shape: "hexagon", Radius: 1}},
		{"opacity out of range", domain.RevealedArea{Shape: domain.ShapeCircle, Radius: 1, Opacity: 1.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.RevealArea(ctx, gm, tc.area)
			assert.True(t, domain.IsValidation(err), "got %v", err)
		})
	}
	assert.Zero(t, m.Len())
	assert.Empty(t, pub.calls)
}

func TestModel_DeleteUnknown(t *testing.T) {
	m, _, _ := newModel(t)
	err := m.DeleteArea(context.Background(), gm, "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestModel_ApplyRemoteIsIdempotent(t *testing.T) {
	m, pub, _ := newModel(t)
	area := circle(1, 1, 2)
	area.ID = "remote-1"
	area.Opacity = 1
	diff := domain.AreaDiff{Added: []domain.RevealedArea{area}}

	m.ApplyRemote(domain.TopicFogUpdate, diff)
	m.ApplyRemote(domain.TopicFogUpdate, diff)
	assert.Equal(t, 1, m.Len())
	assert.Empty(t, pub.calls, "remote diffs are not re-published")

	m.ApplyRemote(domain.TopicFogDelete, domain.AreaDiff{Removed: []string{"remote-1"}})
	assert.Zero(t, m.Len())
}

func TestCompose_Layers(t *testing.T) {
	grid := systems.Grid{Bounds: geometry.Rect{Width: 10, Height: 10}, CellSize: 1}

	area := circle(8, 8, 1.5)
	area.Opacity = 1
	visible := systems.NewSnapshot(1)
	resolver := systems.NewResolver(1, nil)
	snap, err := resolver.Compute(context.Background(), geometry.Point{X: 1.5, Y: 1.5}, 2, domain.NewObstacleSet(nil), 4, false)
	require.NoError(t, err)
	visible.Merge(snap)

	memory := []domain.MemoryPoint{{X: 5.5, Y: 1.5, Radius: 0.5, Intensity: 0.5, State: domain.StateFading}}

	frame := Compose(grid, Layers{Areas: []domain.RevealedArea{area}, Visible: visible, Memory: memory})
	require.Equal(t, 100, len(frame.Opacity))

	assert.Equal(t, 0.0, frame.OpacityAt(geometry.Point{X: 1.5, Y: 1.5}), "visible cell is open")
	assert.Equal(t, domain.StateVisible, frame.StateAt(geometry.Point{X: 1.5, Y: 1.5}))
	assert.Equal(t, 0.0, frame.OpacityAt(geometry.Point{X: 8.5, Y: 8.5}), "revealed area is open")
	assert.InDelta(t, 1-0.5*MemoryFidelity, frame.OpacityAt(geometry.Point{X: 5.5, Y: 1.5}), 1e-9)
	assert.Equal(t, domain.StateFading, frame.StateAt(geometry.Point{X: 5.5, Y: 1.5}))
	assert.Equal(t, 1.0, frame.OpacityAt(geometry.Point{X: 5.5, Y: 8.5}), "unknown cell stays opaque")
	assert.Equal(t, 1.0, frame.OpacityAt(geometry.Point{X: -1, Y: -1}))
}

func TestCompose_Omniscient(t *testing.T) {
	grid := systems.Grid{Bounds: geometry.Rect{Width: 4, Height: 4}, CellSize: 1}
	frame := Compose(grid, Layers{Omniscient: true})
	for _, v := range frame.Opacity {
		assert.Equal(t, 0.0, v)
	}
}

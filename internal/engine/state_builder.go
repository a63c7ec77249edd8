package engine

import (
	"sort"

	"vision-server/internal/domain"
	"vision-server/internal/fog"
	"vision-server/internal/infrastructure/storage"
	"vision-server/pkg/api"
	"vision-server/pkg/geometry"
)

// buildFrame создает персональный кадр тумана для наблюдателя.
func buildFrame(f *fog.Frame, v *domain.Viewer, outline []geometry.Point, lights []domain.LightSource) *api.FrameView {
	view := &api.FrameView{
		Cols:      f.Cols,
		Rows:      f.Rows,
		CellSize:  f.CellSize,
		OriginX:   f.Bounds.X,
		OriginY:   f.Bounds.Y,
		Opacity:   f.Opacity,
		Intensity: f.Intensity,
		State:     make([]int, len(f.State)),
		Viewer:    pointView(v.Position),
	}
	for i, s := range f.State {
		view.State[i] = int(s)
	}
	for _, p := range outline {
		view.Outline = append(view.Outline, pointView(p))
	}
	// Клиент рисует только источники, попавшие в кадр
	for _, l := range lights {
		if v.Vision.Omniscient || f.OpacityAt(l.Position) < 1 {
			view.Lights = append(view.Lights, lightView(l))
		}
	}
	return view
}

// snapshotState - копия состояния карты для архива и хранилища.
func (i *Instance) snapshotState() storage.MapState {
	state := storage.MapState{
		Settings: i.settings,
		Lights:   i.baseLights(),
		Areas:    i.fog.ListAreas(),
		Memory:   i.memory.All(),
	}
	state.Obstacles = append(state.Obstacles, i.obstacleSet.All()...)
	return state
}

// buildStateView - полный снимок карты для клиента.
// Память и список наблюдателей видит только ведущий.
func (i *Instance) buildStateView(actor domain.Actor) *api.MapStateView {
	view := &api.MapStateView{
		MapID:     i.ID,
		Ambient:   i.settings.Ambient,
		Width:     i.settings.Width,
		Height:    i.settings.Height,
		CellSize:  i.settings.CellSize,
		Obstacles: make([]api.ObstacleView, 0, len(i.obstacles)),
		Lights:    make([]api.LightView, 0, len(i.lights)),
		Areas:     make([]api.AreaView, 0, i.fog.Len()),
	}
	for _, o := range i.obstacleSet.All() {
		view.Obstacles = append(view.Obstacles, obstacleView(o))
	}
	for _, l := range i.current {
		view.Lights = append(view.Lights, lightView(l))
	}
	for _, a := range i.fog.ListAreas() {
		view.Areas = append(view.Areas, areaView(a))
	}

	if actor.IsGameMaster() {
		view.Memory = memoryViews(i.memory.All())
		view.Viewers = i.viewerStatuses()
		return view
	}
	view.Memory = memoryViews(i.memory.Points(actor.CallerID))
	return view
}

func (i *Instance) viewerStatuses() []api.ViewerStatusView {
	out := make([]api.ViewerStatusView, 0, len(i.sessions))
	for _, s := range i.sessions {
		v := s.viewer
		out = append(out, api.ViewerStatusView{
			ID:       v.ID,
			Role:     string(v.Actor.Role),
			X:        v.Position.X,
			Y:        v.Position.Y,
			Radius:   v.Vision.Radius,
			Memories: i.memory.Len(v.ID),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// --- Конвертеры в DTO ---

func pointView(p geometry.Point) api.PointView {
	return api.PointView{X: p.X, Y: p.Y}
}

func lightView(l domain.LightSource) api.LightView {
	return api.LightView{
		ID:               l.ID,
		X:                l.Position.X,
		Y:                l.Position.Y,
		Radius:           l.Radius,
		Color:            l.Color.Hex(),
		Intensity:        l.Intensity,
		Flickering:       l.Flickering,
		FlickerIntensity: l.FlickerIntensity,
		CastShadows:      l.CastShadows,
	}
}

func obstacleView(o domain.Obstacle) api.ObstacleView {
	view := api.ObstacleView{
		ID:           o.ID,
		X:            o.X,
		Y:            o.Y,
		Width:        o.Width,
		Height:       o.Height,
		Kind:         string(o.Kind),
		BlocksVision: o.BlocksVision,
		Opacity:      o.Opacity,
	}
	if o.Tint != (domain.Color{}) {
		view.Tint = o.Tint.Hex()
	}
	return view
}

func areaView(a domain.RevealedArea) api.AreaView {
	view := api.AreaView{
		ID:        a.ID,
		Shape:     string(a.Shape),
		X:         a.X,
		Y:         a.Y,
		Radius:    a.Radius,
		Opacity:   a.Opacity,
		CreatedBy: a.CreatedBy,
		CreatedAt: a.CreatedAt.UnixMilli(),
	}
	if a.Color != (domain.Color{}) {
		view.Color = a.Color.Hex()
	}
	for _, p := range a.Points {
		view.Points = append(view.Points, pointView(p))
	}
	return view
}

func memoryViews(points []domain.MemoryPoint) []api.MemoryPointView {
	out := make([]api.MemoryPointView, 0, len(points))
	for _, p := range points {
		out = append(out, api.MemoryPointView{
			ViewerID:  p.ViewerID,
			X:         p.X,
			Y:         p.Y,
			Radius:    p.Radius,
			Intensity: p.Intensity,
			State:     p.State.String(),
			LastSeen:  p.LastSeen.UnixMilli(),
		})
	}
	return out
}

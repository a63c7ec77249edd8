package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"vision-server/internal/domain"
	"vision-server/internal/infrastructure/storage"
	"vision-server/pkg/api"
	"vision-server/pkg/clock"
)

// recordingPublisher запоминает все исходящие изменения.
type recordingPublisher struct {
	mu        sync.Mutex
	fog       []domain.AreaDiff
	lights    []domain.LightDiff
	ambient   []domain.MapSettings
	memory    []domain.MemoryDiff
	obstacles []domain.ObstacleDiff
}

func (p *recordingPublisher) PublishFog(_ context.Context, _, _ string, diff domain.AreaDiff) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fog = append(p.fog, diff)
}

func (p *recordingPublisher) PublishLights(_ context.Context, _ string, diff domain.LightDiff) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lights = append(p.lights, diff)
}

func (p *recordingPublisher) PublishAmbient(_ context.Context, s domain.MapSettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ambient = append(p.ambient, s)
}

func (p *recordingPublisher) PublishMemory(_ context.Context, _ string, diff domain.MemoryDiff) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memory = append(p.memory, diff)
}

func (p *recordingPublisher) PublishObstacles(_ context.Context, _ string, diff domain.ObstacleDiff) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.obstacles = append(p.obstacles, diff)
}

func (p *recordingPublisher) memoryPoints() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, d := range p.memory {
		n += len(d.Added) + len(d.Updated)
	}
	return n
}

var (
	gm     = domain.Actor{Role: domain.RoleGameMaster, CallerID: "gm"}
	player = domain.Actor{Role: domain.RolePlayer, CallerID: "p1"}
)

// Helper: Создает карту 20x20 с одной стеной и запускает ее цикл
func setupInstance(t *testing.T) (*Instance, *clock.Fake, *recordingPublisher, context.CancelFunc) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	pub := &recordingPublisher{}
	cfg := DefaultConfig()

	state := storage.MapState{
		Settings: domain.MapSettings{MapID: "m1", Width: 20, Height: 20, CellSize: 1, Ambient: 0.2},
		Obstacles: []domain.Obstacle{
			{ID: "wall", MapID: "m1", X: 10, Y: 0, Width: 1, Height: 20, Kind: domain.KindWall, BlocksVision: true, Opacity: 1},
		},
	}
	inst := NewInstance(state, cfg, InstanceDeps{
		Publisher: pub,
		Handlers:  NewHandlerTable(nil),
		Clock:     clk,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go inst.Run(ctx)
	// Цикл запущен и тикер создан
	if err := inst.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("instance did not start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		<-inst.Done()
	})
	return inst, clk, pub, cancel
}

func submit(t *testing.T, inst *Instance, actor domain.Actor, action domain.ActionType, payload any) domain.CommandResult {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := inst.Submit(ctx, domain.InternalCommand{Action: action, Actor: actor, Payload: raw})
	if err != nil {
		t.Fatalf("submit %s: %v", action, err)
	}
	return res
}

// nextFrame двигает часы на тик и ждет кадр наблюдателя.
func nextFrame(t *testing.T, inst *Instance, clk *clock.Fake, ch <-chan api.ServerMessage) api.ServerMessage {
	t.Helper()
	clk.Advance(inst.cfg.TickInterval)
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.Type == api.MsgTypeFrame {
				return msg
			}
		case <-timeout:
			t.Fatal("no frame received")
		}
	}
}

func TestInstance_InitProducesFrame(t *testing.T) {
	inst, clk, _, _ := setupInstance(t)
	ch := inst.Hub.Register(player.CallerID)

	res := submit(t, inst, player, domain.ActionInit, api.InitPayload{MapID: "m1", CallerID: "p1", X: 5, Y: 5})
	if res.Err != nil {
		t.Fatalf("INIT failed: %v", res.Err)
	}

	msg := nextFrame(t, inst, clk, ch)
	f := msg.Frame
	if f == nil {
		t.Fatal("frame is empty")
	}
	if f.Cols != 20 || f.Rows != 20 {
		t.Errorf("Frame size mismatch. Got %dx%d", f.Cols, f.Rows)
	}
	if f.Viewer.X != 5 || f.Viewer.Y != 5 {
		t.Errorf("Viewer position mismatch: %+v", f.Viewer)
	}

	// Клетка наблюдателя открыта, клетка за стеной - нет
	own := 5*f.Cols + 5
	behind := 5*f.Cols + 15
	if f.Opacity[own] >= 1 {
		t.Errorf("Viewer cell should be visible, opacity %.2f", f.Opacity[own])
	}
	if f.Opacity[behind] != 1 {
		t.Errorf("Cell behind the wall should stay hidden, opacity %.2f", f.Opacity[behind])
	}
}

func TestInstance_OutsideMapRejected(t *testing.T) {
	inst, _, _, _ := setupInstance(t)

	res := submit(t, inst, player, domain.ActionInit, api.InitPayload{MapID: "m1", CallerID: "p1", X: 50, Y: 5})
	if !domain.IsValidation(res.Err) {
		t.Fatalf("Expected validation error, got %v", res.Err)
	}
}

func TestInstance_PlayerCannotRevealArea(t *testing.T) {
	inst, _, pub, _ := setupInstance(t)

	// Даже некорректный payload получает отказ по роли
	res := submit(t, inst, player, domain.ActionRevealArea, api.AreaPayload{Shape: "hexagon"})
	if !domain.IsAuthorization(res.Err) {
		t.Fatalf("Expected authorization error, got %v", res.Err)
	}

	view, err := inst.StateView(context.Background(), gm)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Areas) != 0 {
		t.Errorf("Fog must be unchanged, got %d areas", len(view.Areas))
	}
	if len(pub.fog) != 0 {
		t.Errorf("Nothing must be published, got %d diffs", len(pub.fog))
	}
}

func TestInstance_GameMasterEditsWorld(t *testing.T) {
	inst, _, pub, _ := setupInstance(t)

	res := submit(t, inst, gm, domain.ActionRevealArea, api.AreaPayload{Shape: "circle", X: 15, Y: 5, Radius: 3})
	if res.Err != nil || res.ID == "" {
		t.Fatalf("REVEAL_AREA failed: %+v", res)
	}
	res = submit(t, inst, gm, domain.ActionUpsertLight, api.LightPayload{X: 3, Y: 3, Radius: 6, Intensity: 1})
	if res.Err != nil {
		t.Fatalf("UPSERT_LIGHT failed: %v", res.Err)
	}
	res = submit(t, inst, gm, domain.ActionDeleteObstacle, api.IDPayload{ID: "wall"})
	if res.Err != nil {
		t.Fatalf("DELETE_OBSTACLE failed: %v", res.Err)
	}
	res = submit(t, inst, gm, domain.ActionDeleteObstacle, api.IDPayload{ID: "wall"})
	if !domain.IsNotFound(res.Err) {
		t.Errorf("Second delete should be not found, got %v", res.Err)
	}

	view, err := inst.StateView(context.Background(), gm)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Areas) != 1 || len(view.Lights) != 1 || len(view.Obstacles) != 0 {
		t.Errorf("Unexpected state: %d areas, %d lights, %d obstacles", len(view.Areas), len(view.Lights), len(view.Obstacles))
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.fog) != 1 || len(pub.lights) != 1 || len(pub.obstacles) != 1 {
		t.Errorf("Expected one diff per change, got fog=%d lights=%d obstacles=%d", len(pub.fog), len(pub.lights), len(pub.obstacles))
	}
	if pub.lights[0].Added[0].Color != domain.White {
		t.Errorf("Default light color should be white, got %v", pub.lights[0].Added[0].Color)
	}
}

func TestInstance_RemoteChangesAreNotRepublished(t *testing.T) {
	inst, _, pub, _ := setupInstance(t)

	inst.ApplyObstacles(domain.ObstacleDiff{Added: []domain.Obstacle{
		{ID: "crate", MapID: "m1", X: 2, Y: 2, Width: 1, Height: 1, Kind: domain.KindFurniture, Opacity: 0.5},
	}})
	inst.ApplyAmbient(domain.AmbientUpdate{MapID: "m1", Ambient: 0.7})

	view, err := inst.StateView(context.Background(), gm)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Obstacles) != 2 {
		t.Errorf("Remote obstacle not applied, got %d obstacles", len(view.Obstacles))
	}
	if view.Ambient != 0.7 {
		t.Errorf("Remote ambient not applied, got %.2f", view.Ambient)
	}
	if len(pub.obstacles) != 0 || len(pub.ambient) != 0 {
		t.Error("Remote changes must not be published again")
	}
}

func TestInstance_MemoryFlushedOnShutdown(t *testing.T) {
	inst, clk, pub, cancel := setupInstance(t)
	ch := inst.Hub.Register(player.CallerID)

	submit(t, inst, player, domain.ActionInit, api.InitPayload{MapID: "m1", CallerID: "p1", X: 5, Y: 5})
	nextFrame(t, inst, clk, ch)

	cancel()
	select {
	case <-inst.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("instance did not stop")
	}
	if pub.memoryPoints() == 0 {
		t.Error("Observed memory should be published on shutdown")
	}
}

// Клетки, видимые в момент остановки, попадают в финальный снимок как затухающая память.
func TestInstance_FinalArchiveKeepsCellsInSight(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	var mu sync.Mutex
	var archived []storage.MapState
	inst := NewInstance(storage.MapState{
		Settings: domain.MapSettings{MapID: "m1", Width: 20, Height: 20, CellSize: 1, Ambient: 0.2},
	}, DefaultConfig(), InstanceDeps{
		Handlers: NewHandlerTable(nil),
		Clock:    clk,
		Archive: func(_ context.Context, _ string, state storage.MapState) error {
			mu.Lock()
			archived = append(archived, state)
			mu.Unlock()
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go inst.Run(ctx)
	ch := inst.Hub.Register(player.CallerID)
	submit(t, inst, player, domain.ActionInit, api.InitPayload{MapID: "m1", CallerID: "p1", X: 5, Y: 5})
	nextFrame(t, inst, clk, ch)

	cancel()
	<-inst.Done()

	mu.Lock()
	defer mu.Unlock()
	var final *storage.MapState
	for k := range archived {
		if len(archived[k].Memory) > 0 {
			final = &archived[k]
		}
	}
	if final == nil {
		t.Fatal("Cells in sight at shutdown must be archived as memory")
	}
	for _, p := range final.Memory {
		if p.ViewerID != "p1" || p.State != domain.StateFading {
			t.Fatalf("Unexpected archived point %+v", p)
		}
	}
}

func TestInstance_StaleResultDiscarded(t *testing.T) {
	inst := NewInstance(storage.MapState{
		Settings: domain.MapSettings{MapID: "m1", Width: 10, Height: 10, CellSize: 1},
	}, DefaultConfig(), InstanceDeps{Clock: clock.NewFake(time.Now())})

	v := domain.NewViewer(player, inst.grid.CellCenter(2, 2))
	inst.AddViewer(v)
	inst.sessions[v.ID].gen = 2
	ch := inst.Hub.Register(v.ID)

	inst.applyResult(computeResult{viewerID: v.ID, gen: 1})
	select {
	case msg := <-ch:
		t.Fatalf("Stale result produced a message: %s", msg.Type)
	default:
	}
	if inst.memory.Len(v.ID) != 0 {
		t.Error("Stale result must not touch memory")
	}
}

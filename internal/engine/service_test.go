package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"vision-server/internal/config"
	"vision-server/internal/domain"
	"vision-server/internal/infrastructure/archive"
	"vision-server/internal/infrastructure/storage"
	syncer "vision-server/internal/sync"
	"vision-server/pkg/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startService(t *testing.T, store storage.Store, arch archive.Archive) *MapService {
	t.Helper()
	return startServiceWith(t, DefaultConfig(), store, arch)
}

func startServiceWith(t *testing.T, cfg Config, store storage.Store, arch archive.Archive) *MapService {
	t.Helper()
	syn := syncer.New(syncer.DefaultConfig(), nil, store, nil)
	svc := NewService(cfg, syn, arch, nil, nil)
	runService(t, svc, syn)
	return svc
}

func runService(t *testing.T, svc *MapService, syn *syncer.Synchronizer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	go func() { _ = syn.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func command(t *testing.T, action domain.ActionType, payload any) api.ClientCommand {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return api.ClientCommand{Action: action.String(), Payload: raw}
}

func TestMapService_GetOrCreateUsesDefaults(t *testing.T) {
	svc := startService(t, storage.NewMemoryStore(), nil)
	ctx := context.Background()

	inst, err := svc.GetOrCreate(ctx, "dungeon")
	require.NoError(t, err)
	again, err := svc.GetOrCreate(ctx, "dungeon")
	require.NoError(t, err)
	assert.Same(t, inst, again)
	assert.Equal(t, []string{"dungeon"}, svc.List())

	view, err := inst.StateView(ctx, gm)
	require.NoError(t, err)
	def := DefaultConfig().DefaultSettings("dungeon")
	assert.Equal(t, def.Width, view.Width)
	assert.Equal(t, def.Ambient, view.Ambient)

	_, err = svc.GetOrCreate(ctx, "")
	assert.True(t, domain.IsValidation(err))
}

func TestMapService_SubmitErrors(t *testing.T) {
	svc := startService(t, storage.NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "m1", gm, api.ClientCommand{Action: "FLY"})
	assert.True(t, domain.IsValidation(err), "unknown action: %v", err)

	_, err = svc.Submit(ctx, "m1", player, command(t, domain.ActionSetAmbient, api.AmbientPayload{Ambient: 0.5}))
	assert.True(t, domain.IsAuthorization(err), "player ambient: %v", err)

	_, err = svc.Submit(ctx, "m1", gm, command(t, domain.ActionSetAmbient, api.AmbientPayload{Ambient: 2}))
	assert.True(t, domain.IsValidation(err), "ambient out of range: %v", err)

	res, err := svc.Submit(ctx, "m1", gm, command(t, domain.ActionUpsertObstacle, api.ObstaclePayload{X: 1, Y: 1, Width: 2, Height: 1, Kind: "door"}))
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
}

func TestMapService_ArchiveAndRestore(t *testing.T) {
	store := storage.NewMemoryStore()
	arch, err := archive.NewDirArchive(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first := startService(t, store, arch)
	_, err = first.Submit(ctx, "m1", gm, command(t, domain.ActionUpsertObstacle, api.ObstaclePayload{ID: "door-1", X: 1, Y: 1, Width: 1, Height: 2, Kind: "door"}))
	require.NoError(t, err)
	_, err = first.Submit(ctx, "m1", gm, command(t, domain.ActionRevealArea, api.AreaPayload{ID: "a1", Shape: "circle", X: 5, Y: 5, Radius: 2}))
	require.NoError(t, err)

	keys, err := first.ArchiveAll(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "snapshots/m1/")

	// Другой узел поднимает карту из архива
	second := startService(t, storage.NewMemoryStore(), arch)
	require.NoError(t, second.Restore(ctx, "m1"))
	assert.Error(t, second.Restore(ctx, "m1"), "restore of a running map")

	inst, ok := second.Get("m1")
	require.True(t, ok)
	view, err := inst.StateView(ctx, gm)
	require.NoError(t, err)
	require.Len(t, view.Obstacles, 1)
	assert.Equal(t, "door-1", view.Obstacles[0].ID)
	require.Len(t, view.Areas, 1)
	assert.Equal(t, "a1", view.Areas[0].ID)
}

func TestMapService_SyncEventsReachClients(t *testing.T) {
	svc := startService(t, storage.NewMemoryStore(), nil)
	ctx := context.Background()

	inst, err := svc.GetOrCreate(ctx, "m1")
	require.NoError(t, err)
	ch := inst.Hub.Register("watcher")

	_, err = svc.Submit(ctx, "m1", gm, command(t, domain.ActionUpsertLight, api.LightPayload{X: 2, Y: 2, Radius: 4, Intensity: 1}))
	require.NoError(t, err)

	select {
	case msg := <-ch:
		require.Equal(t, api.MsgTypeSync, msg.Type)
		var env syncer.Envelope
		require.NoError(t, json.Unmarshal(msg.Event, &env))
		assert.Equal(t, domain.TopicLightingUpdate, env.Topic)
		assert.Equal(t, "m1", env.MapID)
	case <-time.After(2 * time.Second):
		t.Fatal("sync event not delivered")
	}
}

func TestMapService_NewMapGetsLayout(t *testing.T) {
	c := config.Default()
	c.Engine.Layout = "dungeon"
	c.Engine.LayoutSeed = 5
	store := storage.NewMemoryStore()
	svc := startServiceWith(t, NewConfig(c), store, nil)
	ctx := context.Background()

	inst, err := svc.GetOrCreate(ctx, "crypt")
	require.NoError(t, err)
	view, err := inst.StateView(ctx, gm)
	require.NoError(t, err)
	assert.NotEmpty(t, view.Obstacles)
	assert.NotEmpty(t, view.Lights)

	// Стены уходят в хранилище через синхронизатор
	require.Eventually(t, func() bool {
		state, err := store.LoadMap(ctx, "crypt")
		return err == nil && len(state.Obstacles) == len(view.Obstacles)
	}, 2*time.Second, 10*time.Millisecond)
}

// loadHookStore вызывает onLoad после чтения карты, до запуска инстанса.
type loadHookStore struct {
	storage.Store
	onLoad func(mapID string)
}

func (s *loadHookStore) LoadMap(ctx context.Context, mapID string) (*storage.MapState, error) {
	state, err := s.Store.LoadMap(ctx, mapID)
	if s.onLoad != nil {
		s.onLoad(mapID)
	}
	return state, err
}

func TestMapService_ChangesDuringJoinAreReplayed(t *testing.T) {
	store := &loadHookStore{Store: storage.NewMemoryStore()}
	syn := syncer.New(syncer.DefaultConfig(), nil, store, nil)
	svc := NewService(DefaultConfig(), syn, nil, nil, nil)
	runService(t, svc, syn)

	area := domain.RevealedArea{ID: "late", MapID: "m1", Shape: domain.ShapeCircle, X: 5, Y: 5, Radius: 2, Opacity: 1}
	raw, err := json.Marshal(domain.AreaDiff{Added: []domain.RevealedArea{area}})
	require.NoError(t, err)
	data, err := json.Marshal(syncer.Envelope{
		EventID:   "e-late",
		Topic:     domain.TopicFogUpdate,
		MapID:     "m1",
		Origin:    "other-node",
		Timestamp: time.Now(),
		Payload:   raw,
	})
	require.NoError(t, err)
	store.onLoad = func(string) { syn.HandleInbound(data) }

	ctx := context.Background()
	inst, err := svc.GetOrCreate(ctx, "m1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		view, err := inst.StateView(ctx, gm)
		if err != nil {
			return false
		}
		for _, a := range view.Areas {
			if a.ID == "late" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "reveal received during join must reach the instance")
	assert.Zero(t, syn.Stats().Ignored)
}

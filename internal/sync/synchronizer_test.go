package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"vision-server/internal/domain"
	"vision-server/internal/infrastructure/storage"
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

// flakyTransport падает первые failures публикаций.
type flakyTransport struct {
	mu        sync.Mutex
	failures  int
	attempts  int
	published [][]byte
	handlers  map[string][]Handler
}

func (f *flakyTransport) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, payload)
	return nil
}

func (f *flakyTransport) Subscribe(topic string, h Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string][]Handler)
	}
	f.handlers[topic] = append(f.handlers[topic], h)
	return func() {}, nil
}

func (f *flakyTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type recordingApplier struct {
	mu      sync.Mutex
	fog     []domain.AreaDiff
	lights  []domain.LightDiff
	ambient []domain.AmbientUpdate
	memory  []domain.MemoryDiff
	walls   []domain.ObstacleDiff
}

func (r *recordingApplier) ApplyFog(_ string, d domain.AreaDiff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fog = append(r.fog, d)
}

func (r *recordingApplier) ApplyLights(d domain.LightDiff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lights = append(r.lights, d)
}

func (r *recordingApplier) ApplyAmbient(u domain.AmbientUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ambient = append(r.ambient, u)
}

func (r *recordingApplier) ApplyMemory(d domain.MemoryDiff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memory = append(r.memory, d)
}

func (r *recordingApplier) ApplyObstacles(d domain.ObstacleDiff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.walls = append(r.walls, d)
}

func fastConfig(origin string) Config {
	return Config{Origin: origin, QueueSize: 16, RetryAttempts: 3, RetryBase: time.Millisecond, RetryMax: 4 * time.Millisecond}
}

func run(t *testing.T, s *Synchronizer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func area(id string) domain.RevealedArea {
	return domain.RevealedArea{ID: id, MapID: "m", Shape: domain.ShapeCircle, Radius: 2, Opacity: 1, CreatedAt: time.Unix(100, 0).UTC()}
}

func TestSynchronizer_PersistsAndPublishes(t *testing.T) {
	transport := &flakyTransport{}
	store := storage.NewMemoryStore()
	s := New(fastConfig("node-a"), transport, store, nil)

	var seen []Envelope
	var mu sync.Mutex
	s.OnEnvelope(func(env Envelope) {
		mu.Lock()
		seen = append(seen, env)
		mu.Unlock()
	})
	run(t, s)

	ctx := context.Background()
	s.PublishFog(ctx, "m", domain.TopicFogUpdate, domain.AreaDiff{Added: []domain.RevealedArea{area("a1"), area("a2")}})
	s.PublishFog(ctx, "m", domain.TopicFogDelete, domain.AreaDiff{Removed: []string{"a1"}})
	s.PublishLights(ctx, "m", domain.LightDiff{Added: []domain.LightSource{{ID: "l1", Radius: 5, Color: domain.White}}})
	s.PublishAmbient(ctx, domain.MapSettings{MapID: "m", Ambient: 0.3, Width: 10, Height: 10, CellSize: 1})
	s.PublishMemory(ctx, "m", domain.MemoryDiff{Added: []domain.MemoryPoint{{ViewerID: "v", Cell: geometry.PackCell(1, 2), Intensity: 0.5}}})
	s.PublishObstacles(ctx, "m", domain.ObstacleDiff{Added: []domain.Obstacle{{ID: "o1", Width: 1, Height: 1, Kind: domain.KindWall}}})

	require.Eventually(t, func() bool { return transport.count() == 6 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Stats().Persisted == 6 }, time.Second, 5*time.Millisecond)

	state, err := s.Join(ctx, "m")
	require.NoError(t, err)
	require.Len(t, state.Areas, 1)
	assert.Equal(t, "a2", state.Areas[0].ID)
	assert.Len(t, state.Lights, 1)
	assert.Len(t, state.Memory, 1)
	assert.Len(t, state.Obstacles, 1)
	assert.Equal(t, 0.3, state.Settings.Ambient)

	var env Envelope
	require.NoError(t, json.Unmarshal(transport.published[0], &env))
	assert.Equal(t, "node-a", env.Origin)
	assert.Equal(t, domain.TopicFogUpdate, env.Topic)
	assert.Equal(t, "m", env.MapID)
	assert.NotEmpty(t, env.EventID)

	mu.Lock()
	assert.Len(t, seen, 6, "listeners see local changes")
	mu.Unlock()
}

func TestSynchronizer_RetriesWithBackoff(t *testing.T) {
	transport := &flakyTransport{failures: 2}
	s := New(fastConfig("node-a"), transport, nil, nil)
	run(t, s)

	s.PublishFog(context.Background(), "m", domain.TopicFogUpdate, domain.AreaDiff{Added: []domain.RevealedArea{area("a")}})

	require.Eventually(t, func() bool { return transport.count() == 1 }, time.Second, 5*time.Millisecond)
	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Zero(t, stats.Failed)
	transport.mu.Lock()
	assert.Equal(t, 3, transport.attempts)
	transport.mu.Unlock()
}

func TestSynchronizer_BackoffFollowsInjectedClock(t *testing.T) {
	transport := &flakyTransport{failures: 1}
	cfg := fastConfig("node-a")
	cfg.RetryBase = time.Minute
	cfg.RetryMax = time.Minute
	clk := clock.NewFake(time.Unix(0, 0))
	s := New(cfg, transport, nil, clk)
	run(t, s)

	s.PublishFog(context.Background(), "m", domain.TopicFogUpdate, domain.AreaDiff{Added: []domain.RevealedArea{area("a")}})
	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.attempts == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, transport.count(), "retry must wait for the clock")

	require.Eventually(t, func() bool {
		clk.Advance(time.Minute)
		return transport.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), s.Stats().Published)
}

func TestSynchronizer_ExhaustionIsCountedNotFatal(t *testing.T) {
	transport := &flakyTransport{failures: 100}
	s := New(fastConfig("node-a"), transport, nil, nil)
	run(t, s)

	s.PublishFog(context.Background(), "m", domain.TopicFogUpdate, domain.AreaDiff{Added: []domain.RevealedArea{area("a")}})
	s.PublishFog(context.Background(), "m", domain.TopicFogUpdate, domain.AreaDiff{Added: []domain.RevealedArea{area("b")}})

	require.Eventually(t, func() bool { return s.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Stats().Published)
}

func TestSynchronizer_QueueOverflowDrops(t *testing.T) {
	cfg := fastConfig("node-a")
	cfg.QueueSize = 1
	s := New(cfg, &flakyTransport{}, nil, nil)

	// Run не запущен: вторая задача не помещается
	s.PublishAmbient(context.Background(), domain.MapSettings{MapID: "m", Ambient: 0.1})
	s.PublishAmbient(context.Background(), domain.MapSettings{MapID: "m", Ambient: 0.2})

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Enqueued)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 1, s.Pending())
}

func TestSynchronizer_InboundDispatch(t *testing.T) {
	s := New(fastConfig("node-b"), &flakyTransport{}, nil, nil)
	applier := &recordingApplier{}
	s.Attach("m", applier)
	require.NoError(t, s.Start())

	envelope := func(origin, mapID, topic string, payload any) []byte {
		raw, _ := json.Marshal(payload)
		data, _ := json.Marshal(Envelope{EventID: "e", Origin: origin, MapID: mapID, Topic: topic, Payload: raw})
		return data
	}

	s.HandleInbound(envelope("node-a", "m", domain.TopicFogUpdate, domain.AreaDiff{Added: []domain.RevealedArea{area("x")}}))
	s.HandleInbound(envelope("node-a", "m", domain.TopicLightingUpdate, domain.LightDiff{Removed: []string{"l"}}))
	s.HandleInbound(envelope("node-a", "m", domain.TopicAmbientUpdate, domain.AmbientUpdate{MapID: "m", Ambient: 0.4}))
	s.HandleInbound(envelope("node-a", "m", domain.TopicMemoryUpdate, domain.MemoryDiff{Removed: []string{"v|1"}}))
	s.HandleInbound(envelope("node-a", "m", domain.TopicObstacleUpdate, domain.ObstacleDiff{Removed: []string{"o"}}))

	// Свое эхо и чужая карта игнорируются
	s.HandleInbound(envelope("node-b", "m", domain.TopicFogReset, domain.AreaDiff{}))
	s.HandleInbound(envelope("node-a", "other", domain.TopicFogReset, domain.AreaDiff{}))
	s.HandleInbound([]byte("not json"))

	applier.mu.Lock()
	defer applier.mu.Unlock()
	require.Len(t, applier.fog, 1)
	assert.Equal(t, "x", applier.fog[0].Added[0].ID)
	assert.Len(t, applier.lights, 1)
	require.Len(t, applier.ambient, 1)
	assert.Equal(t, 0.4, applier.ambient[0].Ambient)
	assert.Len(t, applier.memory, 1)
	assert.Len(t, applier.walls, 1)

	stats := s.Stats()
	assert.Equal(t, uint64(7), stats.Received)
	assert.Equal(t, uint64(2), stats.Ignored)
}

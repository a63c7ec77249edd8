package engine

import (
	"context"
	"sync"

	"vision-server/internal/domain"
	"vision-server/internal/infrastructure/storage"
	syncer "vision-server/internal/sync"
	"vision-server/pkg/api"
	"vision-server/pkg/geometry"
)

// Изменения с других узлов. Синхронизатор вызывает эти методы из своей
// горутины, поэтому каждое изменение ставится в цикл карты и не публикуется повторно.

func (i *Instance) ApplyFog(topic string, diff domain.AreaDiff) {
	i.post(func() {
		i.fog.ApplyRemote(topic, diff)
		i.markAll(false)
	})
}

func (i *Instance) ApplyLights(diff domain.LightDiff) {
	i.post(func() {
		for _, l := range append(diff.Added, diff.Updated...) {
			i.lights[l.ID] = l
		}
		for _, id := range diff.Removed {
			delete(i.lights, id)
			i.flicker.Forget(id)
		}
		i.refreshLights()
		i.markAll(false)
	})
}

func (i *Instance) ApplyAmbient(update domain.AmbientUpdate) {
	i.post(func() {
		i.settings.Ambient = geometry.Clamp01(update.Ambient)
		i.markAll(false)
	})
}

func (i *Instance) ApplyMemory(diff domain.MemoryDiff) {
	i.post(func() {
		i.memory.ApplyRemote(append(diff.Added, diff.Updated...), diff.Removed)
		i.markAll(false)
	})
}

func (i *Instance) ApplyObstacles(diff domain.ObstacleDiff) {
	i.post(func() {
		for _, o := range append(diff.Added, diff.Updated...) {
			i.obstacles[o.ID] = o
		}
		for _, id := range diff.Removed {
			delete(i.obstacles, id)
		}
		i.rebuildObstacles()
		i.markAll(false)
	})
}

// joinBuffer принимает изменения с других узлов, пока карта загружается из
// хранилища. После запуска инстанса накопленное переигрывается в его цикл,
// а новые изменения передаются напрямую.
type joinBuffer struct {
	mu      sync.Mutex
	pending []func(a syncer.Applier)
	target  syncer.Applier
}

func (b *joinBuffer) apply(fn func(a syncer.Applier)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.target != nil {
		fn(b.target)
		return
	}
	b.pending = append(b.pending, fn)
}

// handoff переигрывает накопленное в target по порядку поступления.
func (b *joinBuffer) handoff(target syncer.Applier) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, fn := range b.pending {
		fn(target)
	}
	n := len(b.pending)
	b.pending = nil
	b.target = target
	return n
}

func (b *joinBuffer) ApplyFog(topic string, diff domain.AreaDiff) {
	b.apply(func(a syncer.Applier) { a.ApplyFog(topic, diff) })
}

func (b *joinBuffer) ApplyLights(diff domain.LightDiff) {
	b.apply(func(a syncer.Applier) { a.ApplyLights(diff) })
}

func (b *joinBuffer) ApplyAmbient(update domain.AmbientUpdate) {
	b.apply(func(a syncer.Applier) { a.ApplyAmbient(update) })
}

func (b *joinBuffer) ApplyMemory(diff domain.MemoryDiff) {
	b.apply(func(a syncer.Applier) { a.ApplyMemory(diff) })
}

func (b *joinBuffer) ApplyObstacles(diff domain.ObstacleDiff) {
	b.apply(func(a syncer.Applier) { a.ApplyObstacles(diff) })
}

// --- Запросы состояния из других горутин ---

// StateView - полный снимок карты глазами actor.
func (i *Instance) StateView(ctx context.Context, actor domain.Actor) (*api.MapStateView, error) {
	var view *api.MapStateView
	err := i.Do(ctx, func() { view = i.buildStateView(actor) })
	return view, err
}

// Snapshot - копия состояния для архива.
func (i *Instance) Snapshot(ctx context.Context) (storage.MapState, error) {
	var state storage.MapState
	err := i.Do(ctx, func() { state = i.snapshotState() })
	return state, err
}

// Journal - последние выполненные команды.
func (i *Instance) Journal(ctx context.Context) ([]JournalEntry, error) {
	var entries []JournalEntry
	err := i.Do(ctx, func() { entries = i.journal.list() })
	return entries, err
}

// MemoryOf - точки памяти наблюдателя.
func (i *Instance) MemoryOf(ctx context.Context, viewerID string) ([]api.MemoryPointView, error) {
	var out []api.MemoryPointView
	err := i.Do(ctx, func() { out = memoryViews(i.memory.Points(viewerID)) })
	return out, err
}

// InstanceStatus - сводка карты для отладки.
type InstanceStatus struct {
	MapID       string                 `json:"mapId"`
	Tick        uint64                 `json:"tick"`
	Viewers     []api.ViewerStatusView `json:"viewers"`
	Subscribers int                    `json:"subscribers"`
	Obstacles   int                    `json:"obstacles"`
	Lights      int                    `json:"lights"`
	Areas       int                    `json:"areas"`
	Pending     bool                   `json:"pendingMemory"`
	CacheHits   uint64                 `json:"cacheHits"`
	CacheMisses uint64                 `json:"cacheMisses"`
	CacheSize   int                    `json:"cacheSize"`
}

// Status - сводка карты.
func (i *Instance) Status(ctx context.Context) (InstanceStatus, error) {
	var st InstanceStatus
	err := i.Do(ctx, func() {
		hits, misses, size := i.computer.cacheStats()
		st = InstanceStatus{
			MapID:       i.ID,
			Tick:        i.tick,
			Viewers:     i.viewerStatuses(),
			Subscribers: i.Hub.SubscriberCount(),
			Obstacles:   len(i.obstacles),
			Lights:      len(i.lights),
			Areas:       i.fog.Len(),
			Pending:     !i.pending.empty(),
			CacheHits:   hits,
			CacheMisses: misses,
			CacheSize:   size,
		}
	})
	return st, err
}

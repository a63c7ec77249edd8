package engine

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"time"

	"vision-server/internal/domain"
	"vision-server/internal/engine/handlers"
	"vision-server/internal/fog"
	"vision-server/internal/infrastructure/storage"
	"vision-server/internal/memory"
	"vision-server/internal/network"
	"vision-server/internal/systems"
	"vision-server/pkg/api"
	"vision-server/pkg/clock"
	"vision-server/pkg/geometry"
	"vision-server/pkg/logger"

	"github.com/sirupsen/logrus"
)

// ErrInstanceStopped - цикл карты уже завершен.
var ErrInstanceStopped = errors.New("map instance stopped")

// Publisher - исходящие изменения карты. Реализуется синхронизатором.
type Publisher interface {
	fog.Publisher
	PublishLights(ctx context.Context, mapID string, diff domain.LightDiff)
	PublishAmbient(ctx context.Context, settings domain.MapSettings)
	PublishMemory(ctx context.Context, mapID string, diff domain.MemoryDiff)
	PublishObstacles(ctx context.Context, mapID string, diff domain.ObstacleDiff)
}

// ArchiveFunc сохраняет снимок карты.
type ArchiveFunc func(ctx context.Context, mapID string, state storage.MapState) error

// InstanceDeps - внешние зависимости инстанса. Любое поле может быть nil.
type InstanceDeps struct {
	Publisher Publisher
	Archive   ArchiveFunc
	Handlers  map[domain.ActionType]handlers.HandlerFunc
	Clock     clock.Clock
	Rng       *rand.Rand
}

// session - наблюдатель и состояние его расчета.
type session struct {
	viewer *domain.Viewer

	gen      uint64 // поколение последнего запущенного расчета
	cancel   context.CancelFunc
	inflight bool
	dirty    bool // кадр устарел
	urgent   bool // изменился сам наблюдатель: текущий расчет можно отменить
	frames   uint64
}

// Instance - одна запущенная карта. Все состояние принадлежит циклу Run,
// снаружи к нему обращаются только через каналы.
type Instance struct {
	ID string

	cfg      Config
	settings domain.MapSettings
	grid     systems.Grid

	obstacles   map[string]domain.Obstacle
	obstacleSet *domain.ObstacleSet
	lights      map[string]domain.LightSource
	current     []domain.LightSource // с учетом мерцания, заменяется целиком

	sessions map[string]*session

	fog      *fog.Model
	memory   *memory.Tracker
	flicker  *systems.Flicker
	computer *computer

	pub      Publisher
	archive  ArchiveFunc
	handlers map[domain.ActionType]handlers.HandlerFunc
	clock    clock.Clock

	// Hub рассылает сообщения подключенным наблюдателям этой карты.
	Hub *network.Broadcaster

	// Каналы коммуникации
	CommandChan chan domain.InternalCommand // Команды от клиентов
	LeaveChan   chan string                 // Выход наблюдателей
	calls       chan func()                 // Удаленные изменения и запросы состояния
	results     chan computeResult

	tick     uint64
	schedule Schedule
	pending  *memoryBatch
	journal  *journal

	done chan struct{}
	log  *logrus.Entry
}

// NewInstance создает карту из сохраненного состояния. Цикл не запускается.
func NewInstance(state storage.MapState, cfg Config, deps InstanceDeps) *Instance {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	rng := deps.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(clk.Now().UnixNano()))
	}

	settings := state.Settings
	mapID := settings.MapID
	i := &Instance{
		ID:          mapID,
		cfg:         cfg,
		settings:    settings,
		grid:        systems.GridFor(settings),
		obstacles:   make(map[string]domain.Obstacle, len(state.Obstacles)),
		lights:      make(map[string]domain.LightSource, len(state.Lights)),
		sessions:    make(map[string]*session),
		memory:      memory.NewTracker(mapID, cfg.Memory(settings.CellSize)),
		flicker:     systems.NewFlicker(cfg.FlickerHz, clk, rng),
		computer:    newComputer(settings.CellSize, systems.NewVisibilityCache(cfg.CacheTTL, cfg.CacheSize, clk), cfg.Quality, cfg.Softness),
		pub:         deps.Publisher,
		archive:     deps.Archive,
		handlers:    deps.Handlers,
		clock:       clk,
		Hub:         network.NewBroadcaster(),
		CommandChan: make(chan domain.InternalCommand, 100),
		LeaveChan:   make(chan string, 10),
		calls:       make(chan func(), 100),
		results:     make(chan computeResult, 32),
		pending:     newMemoryBatch(),
		journal:     newJournal(mapID, journalSize),
		done:        make(chan struct{}),
		log:         logger.For("instance").WithField("map_id", mapID),
	}

	// nil-интерфейс с типом внутри fog.Model считал бы живым
	var fogPub fog.Publisher
	if deps.Publisher != nil {
		fogPub = deps.Publisher
	}
	i.fog = fog.NewModel(mapID, fogPub, clk)

	for _, o := range state.Obstacles {
		i.obstacles[o.ID] = o
	}
	for _, l := range state.Lights {
		i.lights[l.ID] = l
	}
	i.fog.Load(state.Areas)
	i.memory.Load(state.Memory)
	i.rebuildObstacles()
	i.refreshLights()
	return i
}

// Run запускает цикл карты до отмены ctx.
func (i *Instance) Run(ctx context.Context) {
	i.log.WithFields(logrus.Fields{
		"obstacles": len(i.obstacles),
		"lights":    len(i.lights),
		"areas":     i.fog.Len(),
	}).Info("Instance loop started")

	ticker := i.clock.NewTicker(i.cfg.TickInterval)
	defer ticker.Stop()

	now := i.clock.Now()
	i.schedule.Every(JobDecay, i.cfg.DecayEvery, now)
	i.schedule.Every(JobFlicker, i.cfg.flickerEvery(), now)
	i.schedule.Every(JobFlush, i.cfg.flushEvery(), now)
	if i.archive != nil {
		i.schedule.Every(JobArchive, i.cfg.ArchiveInterval, now)
	}

	for {
		select {
		case <-ctx.Done():
			i.shutdown()
			return

		case cmd := <-i.CommandChan:
			i.executeCommand(ctx, cmd)

		case viewerID := <-i.LeaveChan:
			i.removeViewer(viewerID)

		case fn := <-i.calls:
			fn()

		case res := <-i.results:
			i.applyResult(res)

		case now := <-ticker.C():
			i.onTick(ctx, now)
		}
	}
}

// Done закрывается после остановки цикла.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Submit отправляет команду в цикл и ждет результат.
func (i *Instance) Submit(ctx context.Context, cmd domain.InternalCommand) (domain.CommandResult, error) {
	if cmd.Reply == nil {
		cmd.Reply = make(chan domain.CommandResult, 1)
	}
	select {
	case i.CommandChan <- cmd:
	case <-ctx.Done():
		return domain.CommandResult{}, ctx.Err()
	case <-i.done:
		return domain.CommandResult{}, ErrInstanceStopped
	}
	select {
	case res := <-cmd.Reply:
		return res, nil
	case <-ctx.Done():
		return domain.CommandResult{}, ctx.Err()
	case <-i.done:
		return domain.CommandResult{}, ErrInstanceStopped
	}
}

// Do выполняет fn внутри цикла карты и ждет завершения.
func (i *Instance) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case i.calls <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-i.done:
		return ErrInstanceStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-i.done:
		return ErrInstanceStopped
	}
}

// post ставит fn в цикл, не дожидаясь выполнения.
func (i *Instance) post(fn func()) {
	select {
	case i.calls <- fn:
	case <-i.done:
	}
}

// Leave снимает наблюдателя с карты.
func (i *Instance) Leave(viewerID string) {
	select {
	case i.LeaveChan <- viewerID:
	case <-i.done:
	}
}

// --- Цикл ---

func (i *Instance) onTick(ctx context.Context, now time.Time) {
	i.tick++

	for _, kind := range i.schedule.PopDue(now) {
		i.runJob(ctx, kind, now)
	}

	for _, s := range i.sessions {
		if !s.dirty {
			continue
		}
		// Расчет уже идет: несрочное обновление подождет его завершения
		if s.inflight && !s.urgent {
			continue
		}
		i.startCompute(ctx, s)
	}
}

func (i *Instance) runJob(ctx context.Context, kind JobKind, now time.Time) {
	switch kind {
	case JobDecay:
		diff := i.memory.Decay(now)
		if !diff.IsEmpty() {
			i.pending.add(diff)
			i.markAll(false)
		}
	case JobFlicker:
		if lights, changed := i.flicker.Apply(i.baseLights()); changed {
			i.current = lights
			i.markAll(false)
		}
	case JobFlush:
		i.flushMemory(ctx)
	case JobArchive:
		i.archiveAsync(ctx)
	}
}

func (i *Instance) startCompute(ctx context.Context, s *session) {
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	cctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.inflight = true
	s.dirty = false
	s.urgent = false

	req := computeRequest{
		viewerID:  s.viewer.ID,
		gen:       s.gen,
		tick:      i.tick,
		viewer:    *s.viewer,
		obstacles: i.obstacleSet,
		lights:    i.current,
		ambient:   i.settings.Ambient,
		grid:      i.grid,
	}
	go func() {
		res := i.computer.run(cctx, req)
		select {
		case i.results <- res:
		case <-ctx.Done():
		}
	}()
}

// applyResult превращает готовый расчет в кадр. Устаревшие результаты отбрасываются.
func (i *Instance) applyResult(res computeResult) {
	s, ok := i.sessions[res.viewerID]
	if !ok || res.gen != s.gen {
		return
	}
	s.inflight = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if res.err != nil {
		if errors.Is(res.err, context.Canceled) {
			// Поколение актуально: отменен общий расчет поля освещения, повторяем
			s.dirty = true
			return
		}
		i.log.WithError(res.err).WithField("viewer_id", res.viewerID).Warn("Frame computation failed")
		return
	}

	v := s.viewer
	if !v.Vision.Omniscient && res.visible != nil {
		diff := i.memory.Observe(v.ID, memory.SightingsFrom(res.visible), i.clock.Now())
		i.pending.add(diff)
	}

	frame := fog.Compose(i.grid, fog.Layers{
		Areas:      i.fog.ListAreas(),
		Visible:    res.visible,
		Memory:     i.memory.Points(v.ID),
		Light:      res.field,
		Omniscient: v.Vision.Omniscient,
	})
	s.frames++
	i.Hub.SendTo(v.ID, api.ServerMessage{
		Type:     api.MsgTypeFrame,
		Tick:     res.tick,
		MapID:    i.ID,
		ViewerID: v.ID,
		Frame:    buildFrame(frame, v, res.outline, i.current),
	})
}

func (i *Instance) executeCommand(ctx context.Context, cmd domain.InternalCommand) {
	var (
		res handlers.Result
		err error
	)
	if h, ok := i.handlers[cmd.Action]; ok {
		res, err = h(handlers.Context{Ctx: ctx, Actor: cmd.Actor, Map: i}, cmd.Payload)
	} else {
		err = domain.NewValidationError("action", "unknown action %q", cmd.Action.String())
	}

	i.journal.record(i.tick, i.clock.Now(), cmd, res, err)

	if err == nil {
		switch res.Redraw {
		case handlers.RedrawSelf:
			if s, ok := i.sessions[cmd.Actor.CallerID]; ok {
				i.markDirty(s, true)
			}
		case handlers.RedrawAll:
			i.markAll(true)
		}
	}

	if cmd.Reply != nil {
		select {
		case cmd.Reply <- domain.CommandResult{ID: res.ID, Err: err}:
		default:
			i.log.WithField("action", cmd.Action.String()).Warn("Command reply dropped")
		}
	}
}

func (i *Instance) removeViewer(viewerID string) {
	s, ok := i.sessions[viewerID]
	if !ok {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	delete(i.sessions, viewerID)
	if !s.viewer.Vision.Omniscient {
		i.pending.add(i.memory.Forget(viewerID, i.clock.Now()))
	}
	i.log.WithFields(logrus.Fields{
		"viewer_id": viewerID,
		"frames":    s.frames,
	}).Info("Viewer left")
}

func (i *Instance) shutdown() {
	now := i.clock.Now()
	for id, s := range i.sessions {
		if s.cancel != nil {
			s.cancel()
		}
		// Видимое сейчас уходит в память, иначе оно не попадет ни в хранилище, ни в архив
		if !s.viewer.Vision.Omniscient {
			i.pending.add(i.memory.Forget(id, now))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Остаток памяти и финальный снимок
	i.flushMemory(ctx)
	if i.archive != nil {
		if err := i.archive(ctx, i.ID, i.snapshotState()); err != nil {
			i.log.WithError(err).Error("Final archive failed")
		}
	}
	i.Hub.CloseAll()
	close(i.done)
	i.log.Info("Instance loop stopped")
}

func (i *Instance) flushMemory(ctx context.Context) {
	if i.pending.empty() {
		return
	}
	diff := i.pending.take()
	if i.pub != nil {
		i.pub.PublishMemory(ctx, i.ID, diff)
	}
}

func (i *Instance) archiveAsync(ctx context.Context) {
	state := i.snapshotState()
	go func() {
		if err := i.archive(ctx, i.ID, state); err != nil && !errors.Is(err, context.Canceled) {
			i.log.WithError(err).Warn("Periodic archive failed")
		}
	}()
}

func (i *Instance) markDirty(s *session, urgent bool) {
	s.dirty = true
	if urgent {
		s.urgent = true
	}
}

func (i *Instance) markAll(urgent bool) {
	for _, s := range i.sessions {
		i.markDirty(s, urgent)
	}
}

func (i *Instance) rebuildObstacles() {
	list := make([]domain.Obstacle, 0, len(i.obstacles))
	for _, o := range i.obstacles {
		list = append(list, o)
	}
	sort.Slice(list, func(a, b int) bool { return list[a].ID < list[b].ID })
	i.obstacleSet = domain.NewObstacleSet(list)
}

func (i *Instance) baseLights() []domain.LightSource {
	list := make([]domain.LightSource, 0, len(i.lights))
	for _, l := range i.lights {
		list = append(list, l)
	}
	sort.Slice(list, func(a, b int) bool { return list[a].ID < list[b].ID })
	return list
}

func (i *Instance) refreshLights() {
	i.current, _ = i.flicker.Apply(i.baseLights())
}

// --- handlers.MapState ---

func (i *Instance) MapID() string                { return i.ID }
func (i *Instance) Settings() domain.MapSettings { return i.settings }
func (i *Instance) Now() time.Time               { return i.clock.Now() }
func (i *Instance) Fog() *fog.Model              { return i.fog }
func (i *Instance) Memory() *memory.Tracker      { return i.memory }

func (i *Instance) Viewer(id string) (*domain.Viewer, bool) {
	s, ok := i.sessions[id]
	if !ok {
		return nil, false
	}
	return s.viewer, true
}

func (i *Instance) AddViewer(v *domain.Viewer) {
	s := &session{viewer: v}
	i.markDirty(s, true)
	i.sessions[v.ID] = s
	i.log.WithFields(logrus.Fields{
		"viewer_id": v.ID,
		"role":      v.Actor.Role,
	}).Info("Viewer joined")
}

func (i *Instance) Light(id string) (domain.LightSource, bool) {
	l, ok := i.lights[id]
	return l, ok
}

func (i *Instance) PutLight(ctx context.Context, l domain.LightSource) {
	_, existed := i.lights[l.ID]
	i.lights[l.ID] = l
	if !l.Flickering {
		i.flicker.Forget(l.ID)
	}
	i.refreshLights()

	if i.pub == nil {
		return
	}
	var diff domain.LightDiff
	if existed {
		diff.Updated = []domain.LightSource{l}
	} else {
		diff.Added = []domain.LightSource{l}
	}
	i.pub.PublishLights(ctx, i.ID, diff)
}

func (i *Instance) RemoveLight(ctx context.Context, id string) bool {
	if _, ok := i.lights[id]; !ok {
		return false
	}
	delete(i.lights, id)
	i.flicker.Forget(id)
	i.refreshLights()
	if i.pub != nil {
		i.pub.PublishLights(ctx, i.ID, domain.LightDiff{Removed: []string{id}})
	}
	return true
}

func (i *Instance) SetAmbient(ctx context.Context, ambient float64) {
	i.settings.Ambient = geometry.Clamp01(ambient)
	if i.pub != nil {
		i.pub.PublishAmbient(ctx, i.settings)
	}
}

func (i *Instance) Obstacle(id string) (domain.Obstacle, bool) {
	o, ok := i.obstacles[id]
	return o, ok
}

func (i *Instance) PutObstacle(ctx context.Context, o domain.Obstacle) {
	_, existed := i.obstacles[o.ID]
	i.obstacles[o.ID] = o
	i.rebuildObstacles()

	if i.pub == nil {
		return
	}
	var diff domain.ObstacleDiff
	if existed {
		diff.Updated = []domain.Obstacle{o}
	} else {
		diff.Added = []domain.Obstacle{o}
	}
	i.pub.PublishObstacles(ctx, i.ID, diff)
}

func (i *Instance) RemoveObstacle(ctx context.Context, id string) bool {
	if _, ok := i.obstacles[id]; !ok {
		return false
	}
	delete(i.obstacles, id)
	i.rebuildObstacles()
	if i.pub != nil {
		i.pub.PublishObstacles(ctx, i.ID, domain.ObstacleDiff{Removed: []string{id}})
	}
	return true
}

// PublishMemory отправляет дифф сразу вместе с накопленной пачкой.
func (i *Instance) PublishMemory(ctx context.Context, diff domain.MemoryDiff) {
	i.pending.add(diff)
	i.flushMemory(ctx)
}

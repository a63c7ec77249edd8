package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"vision-server/internal/domain"
	"vision-server/internal/engine/handlers"
	"vision-server/internal/engine/handlers/actions"
	"vision-server/internal/engine/handlers/admin"
	"vision-server/internal/infrastructure/archive"
	"vision-server/internal/infrastructure/storage"
	syncer "vision-server/internal/sync"
	"vision-server/pkg/api"
	"vision-server/pkg/clock"
	"vision-server/pkg/logger"

	"github.com/sirupsen/logrus"
)

// ErrNotRunning - сервис еще не запущен или уже остановлен.
var ErrNotRunning = errors.New("map service is not running")

// MapService - реестр запущенных карт узла.
type MapService struct {
	cfg     Config
	sync    *syncer.Synchronizer
	archive archive.Archive
	clock   clock.Clock

	mu        sync.RWMutex
	Instances map[string]*Instance
	// live - те же карты для маршрутизации SYNC. Слушатель синхронизатора
	// вызывается и под mu (создание карты), поэтому без блокировки.
	live  sync.Map
	ctx   context.Context
	ready chan struct{}
	wg    sync.WaitGroup

	handlers map[domain.ActionType]handlers.HandlerFunc
	log      *logrus.Entry
}

// NewService создает сервис. syn обязателен, arch и schemas могут быть nil.
func NewService(cfg Config, syn *syncer.Synchronizer, arch archive.Archive, schemas handlers.PayloadSchema, clk clock.Clock) *MapService {
	if clk == nil {
		clk = clock.Real{}
	}
	s := &MapService{
		cfg:       cfg,
		sync:      syn,
		archive:   arch,
		clock:     clk,
		Instances: make(map[string]*Instance),
		ready:     make(chan struct{}),
		handlers:  NewHandlerTable(schemas),
		log:       logger.For("map_service"),
	}
	syn.OnEnvelope(s.routeEnvelope)
	return s
}

// NewHandlerTable собирает хендлеры команд: роль, затем схема, затем разбор payload.
// schemas может быть nil.
func NewHandlerTable(schemas handlers.PayloadSchema) map[domain.ActionType]handlers.HandlerFunc {
	table := make(map[domain.ActionType]handlers.HandlerFunc)
	register := func(action domain.ActionType, h handlers.HandlerFunc) {
		h = handlers.WithSchema(schemas, action, h)
		if action.IsGameMasterOnly() {
			h = handlers.GameMasterOnly(action, h)
		}
		table[action] = h
	}

	// Наблюдатель
	register(domain.ActionInit, handlers.WithPayload(actions.HandleInit))
	register(domain.ActionMove, handlers.WithPayload(actions.HandleMove))
	register(domain.ActionSetVision, handlers.WithPayload(actions.HandleSetVision))
	register(domain.ActionSetFactors, handlers.WithPayload(actions.HandleSetFactors))
	register(domain.ActionClearMemory, handlers.WithPayload(actions.HandleClearMemory))

	// Ведущий
	register(domain.ActionRevealArea, handlers.WithPayload(admin.HandleRevealArea))
	register(domain.ActionDeleteArea, handlers.WithPayload(admin.HandleDeleteArea))
	register(domain.ActionResetFog, handlers.WithEmptyPayload(admin.HandleResetFog))
	register(domain.ActionUpsertLight, handlers.WithPayload(admin.HandleUpsertLight))
	register(domain.ActionDeleteLight, handlers.WithPayload(admin.HandleDeleteLight))
	register(domain.ActionSetAmbient, handlers.WithPayload(admin.HandleSetAmbient))
	register(domain.ActionUpsertObstacle, handlers.WithPayload(admin.HandleUpsertObstacle))
	register(domain.ActionDeleteObstacle, handlers.WithPayload(admin.HandleDeleteObstacle))
	return table
}

// Run держит карты запущенными до отмены ctx и ждет их остановки.
func (s *MapService) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	close(s.ready)
	s.mu.Unlock()

	s.log.Info("Map service started")
	<-ctx.Done()

	// Под блокировкой: после этого новые карты не запускаются
	s.mu.Lock()
	ids := make([]string, 0, len(s.Instances))
	for id := range s.Instances {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	for _, id := range ids {
		s.sync.Detach(id)
		s.live.Delete(id)
	}
	s.log.Info("Map service stopped")
	return nil
}

// Get возвращает запущенную карту.
func (s *MapService) Get(mapID string) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.Instances[mapID]
	return inst, ok
}

// List - ID запущенных карт.
func (s *MapService) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.Instances))
	for id := range s.Instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetOrCreate возвращает карту, при необходимости загружая ее из хранилища.
// Новая карта получает настройки по умолчанию.
func (s *MapService) GetOrCreate(ctx context.Context, mapID string) (*Instance, error) {
	if mapID == "" {
		return nil, domain.NewValidationError("mapId", "map id is required")
	}
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.Instances[mapID]; ok {
		return inst, nil
	}
	if s.ctx.Err() != nil {
		return nil, ErrNotRunning
	}

	// Изменения, пришедшие во время загрузки, копятся до запуска инстанса
	buf := &joinBuffer{}
	s.sync.Attach(mapID, buf)
	state, err := s.sync.Join(ctx, mapID)
	if err != nil {
		s.sync.Detach(mapID)
		return nil, &domain.TransportError{Op: "join", Err: err}
	}
	if !state.Exists() {
		state.Settings = s.cfg.DefaultSettings(mapID)
		s.sync.SaveSettings(ctx, state.Settings)
		s.applyLayout(ctx, state)
		s.log.WithField("map_id", mapID).Info("New map created with default settings")
	}
	return s.startLocked(*state, buf), nil
}

// applyLayout заполняет новую карту стенами и факелами, если планировка настроена.
func (s *MapService) applyLayout(ctx context.Context, state *storage.MapState) {
	if s.cfg.Layout == nil {
		return
	}
	mapID := state.Settings.MapID
	obstacles, lights, err := s.cfg.Layout(state.Settings)
	if err != nil {
		s.log.WithError(err).WithField("map_id", mapID).Warn("Layout generation failed, map stays empty")
		return
	}
	state.Obstacles, state.Lights = obstacles, lights
	s.sync.PublishObstacles(ctx, mapID, domain.ObstacleDiff{Added: obstacles})
	s.sync.PublishLights(ctx, mapID, domain.LightDiff{Added: lights})
	s.log.WithFields(logrus.Fields{
		"map_id": mapID,
		"walls":  len(obstacles),
		"lights": len(lights),
	}).Info("Map layout generated")
}

// Restore поднимает карту из последнего снимка архива и переписывает хранилище.
func (s *MapService) Restore(ctx context.Context, mapID string) error {
	if s.archive == nil {
		return errors.New("archive is not configured")
	}
	if err := s.waitReady(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Instances[mapID]; ok {
		return fmt.Errorf("map %s is already running", mapID)
	}

	snap, err := s.archive.Latest(ctx, mapID)
	if err != nil {
		return err
	}
	snap.State.Settings.MapID = mapID
	buf := &joinBuffer{}
	s.sync.Attach(mapID, buf)
	current, err := s.sync.Join(ctx, mapID)
	if err != nil {
		s.sync.Detach(mapID)
		return &domain.TransportError{Op: "join", Err: err}
	}
	s.replaceStored(ctx, current, snap.State)
	s.startLocked(snap.State, buf)

	s.log.WithFields(logrus.Fields{
		"map_id":    mapID,
		"taken_at":  snap.TakenAt,
		"obstacles": len(snap.State.Obstacles),
		"lights":    len(snap.State.Lights),
		"areas":     len(snap.State.Areas),
		"memory":    len(snap.State.Memory),
	}).Info("Map restored from archive")
	return nil
}

// ArchiveAll сохраняет снимки всех запущенных карт.
func (s *MapService) ArchiveAll(ctx context.Context) ([]string, error) {
	if s.archive == nil {
		return nil, errors.New("archive is not configured")
	}
	s.mu.RLock()
	instances := make([]*Instance, 0, len(s.Instances))
	for _, inst := range s.Instances {
		instances = append(instances, inst)
	}
	s.mu.RUnlock()

	var (
		keys []string
		errs []error
	)
	for _, inst := range instances {
		state, err := inst.Snapshot(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("map %s: %w", inst.ID, err))
			continue
		}
		key, err := s.archive.Put(ctx, &archive.Snapshot{MapID: inst.ID, TakenAt: s.clock.Now(), State: state})
		if err != nil {
			errs = append(errs, fmt.Errorf("map %s: %w", inst.ID, err))
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, errors.Join(errs...)
}

// Submit выполняет команду на карте от имени actor.
func (s *MapService) Submit(ctx context.Context, mapID string, actor domain.Actor, cmd api.ClientCommand) (domain.CommandResult, error) {
	action := domain.ParseAction(cmd.Action)
	if action == domain.ActionUnknown {
		return domain.CommandResult{}, domain.NewValidationError("action", "unknown action %q", cmd.Action)
	}
	inst, err := s.GetOrCreate(ctx, mapID)
	if err != nil {
		return domain.CommandResult{}, err
	}
	res, err := inst.Submit(ctx, domain.InternalCommand{Action: action, Actor: actor, Payload: cmd.Payload})
	if err != nil {
		return domain.CommandResult{}, err
	}
	return res, res.Err
}

func (s *MapService) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startLocked создает и запускает инстанс. Вызывается под s.mu.
// Изменения, накопленные в buf за время загрузки, переигрываются в его цикл.
func (s *MapService) startLocked(state storage.MapState, buf *joinBuffer) *Instance {
	inst := NewInstance(state, s.cfg, InstanceDeps{
		Publisher: s.sync,
		Archive:   s.archiveFunc(),
		Handlers:  s.handlers,
		Clock:     s.clock,
	})
	s.Instances[inst.ID] = inst
	s.live.Store(inst.ID, inst)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		inst.Run(s.ctx)
	}()

	if replayed := buf.handoff(inst); replayed > 0 {
		s.log.WithFields(logrus.Fields{"map_id": inst.ID, "changes": replayed}).Info("Replayed changes received during join")
	}
	s.sync.Attach(inst.ID, inst)
	return inst
}

func (s *MapService) archiveFunc() ArchiveFunc {
	if s.archive == nil {
		return nil
	}
	return func(ctx context.Context, mapID string, state storage.MapState) error {
		key, err := s.archive.Put(ctx, &archive.Snapshot{MapID: mapID, TakenAt: s.clock.Now(), State: state})
		if err != nil {
			return err
		}
		s.log.WithFields(logrus.Fields{"map_id": mapID, "key": key}).Info("Map snapshot archived")
		return nil
	}
}

// replaceStored приводит хранилище к состоянию снимка через синхронизатор.
func (s *MapService) replaceStored(ctx context.Context, current *storage.MapState, target storage.MapState) {
	mapID := target.Settings.MapID
	s.sync.SaveSettings(ctx, target.Settings)

	obstacles := domain.ObstacleDiff{Added: target.Obstacles}
	obstacles.Removed = missingIDs(current.Obstacles, target.Obstacles, func(o domain.Obstacle) string { return o.ID })
	if !obstacles.IsEmpty() {
		s.sync.PublishObstacles(ctx, mapID, obstacles)
	}

	lights := domain.LightDiff{Added: target.Lights}
	lights.Removed = missingIDs(current.Lights, target.Lights, func(l domain.LightSource) string { return l.ID })
	if !lights.IsEmpty() {
		s.sync.PublishLights(ctx, mapID, lights)
	}

	s.sync.PublishFog(ctx, mapID, domain.TopicFogReset, domain.AreaDiff{Removed: areaIDs(current.Areas)})
	if len(target.Areas) > 0 {
		s.sync.PublishFog(ctx, mapID, domain.TopicFogUpdate, domain.AreaDiff{Added: target.Areas})
	}

	memory := domain.MemoryDiff{Added: target.Memory}
	memory.Removed = missingIDs(current.Memory, target.Memory, func(p domain.MemoryPoint) string { return p.Key().String() })
	if !memory.IsEmpty() {
		s.sync.PublishMemory(ctx, mapID, memory)
	}
}

// routeEnvelope пересылает изменения карты подключенным клиентам как SYNC.
// Память уходит только кадрами: чужие точки игрокам не показываются.
func (s *MapService) routeEnvelope(env syncer.Envelope) {
	if env.Topic == domain.TopicMemoryUpdate {
		return
	}
	v, ok := s.live.Load(env.MapID)
	if !ok {
		return
	}
	inst := v.(*Instance)
	raw, err := json.Marshal(env)
	if err != nil {
		s.log.WithError(err).Warn("Failed to encode sync event")
		return
	}
	inst.Hub.Broadcast(api.ServerMessage{Type: api.MsgTypeSync, MapID: env.MapID, Event: raw})
}

func missingIDs[T any](current, keep []T, id func(T) string) []string {
	kept := make(map[string]bool, len(keep))
	for _, item := range keep {
		kept[id(item)] = true
	}
	var out []string
	for _, item := range current {
		if k := id(item); !kept[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func areaIDs(areas []domain.RevealedArea) []string {
	out := make([]string, 0, len(areas))
	for _, a := range areas {
		out = append(out, a.ID)
	}
	return out
}

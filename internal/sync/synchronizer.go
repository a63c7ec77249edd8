package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vision-server/internal/domain"
	"vision-server/internal/infrastructure/storage"
	"vision-server/pkg/clock"
	"vision-server/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config - параметры синхронизатора.
type Config struct {
	// Origin - идентификатор узла; свои конверты на входе игнорируются.
	Origin        string
	QueueSize     int
	RetryAttempts int
	RetryBase     time.Duration
	RetryMax      time.Duration
	// DrainTimeout - сколько ждать недописанные задачи при остановке.
	DrainTimeout time.Duration
}

// DefaultConfig - параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		Origin:        uuid.NewString(),
		QueueSize:     1024,
		RetryAttempts: 5,
		RetryBase:     100 * time.Millisecond,
		RetryMax:      5 * time.Second,
		DrainTimeout:  5 * time.Second,
	}
}

// Applier применяет входящие изменения к карте.
type Applier interface {
	ApplyFog(topic string, diff domain.AreaDiff)
	ApplyLights(diff domain.LightDiff)
	ApplyAmbient(update domain.AmbientUpdate)
	ApplyMemory(diff domain.MemoryDiff)
	ApplyObstacles(diff domain.ObstacleDiff)
}

// Listener получает каждый принятый конверт (исходящий и входящий).
type Listener func(env Envelope)

// Stats - счетчики синхронизатора.
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Published uint64 `json:"published"`
	Persisted uint64 `json:"persisted"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Received  uint64 `json:"received"`
	Ignored   uint64 `json:"ignored"`
}

type job struct {
	env     Envelope
	data    []byte
	persist func(ctx context.Context) error
}

// Synchronizer - исходящая очередь с повторами и входящий диспетчер.
type Synchronizer struct {
	cfg       Config
	transport Transport
	store     storage.Store
	clock     clock.Clock
	queue     chan job

	mu        sync.RWMutex
	appliers  map[string]Applier
	listeners []Listener
	cancels   []func()

	enqueued, published, persisted, failed, dropped, received, ignored atomic.Uint64

	log *logrus.Entry
}

// New создает синхронизатор. transport и store могут быть nil (офлайн-режим).
func New(cfg Config, transport Transport, store storage.Store, clk clock.Clock) *Synchronizer {
	def := DefaultConfig()
	if cfg.Origin == "" {
		cfg.Origin = def.Origin
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Synchronizer{
		cfg:       cfg,
		transport: transport,
		store:     store,
		clock:     clk,
		queue:     make(chan job, cfg.QueueSize),
		appliers:  make(map[string]Applier),
		log:       logger.For("synchronizer").WithField("origin", cfg.Origin),
	}
}

// Origin - идентификатор узла.
func (s *Synchronizer) Origin() string {
	return s.cfg.Origin
}

// Attach регистрирует карту для входящих изменений.
func (s *Synchronizer) Attach(mapID string, a Applier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appliers[mapID] = a
}

// Detach снимает карту с входящего потока.
func (s *Synchronizer) Detach(mapID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.appliers, mapID)
}

// OnEnvelope добавляет слушателя конвертов.
func (s *Synchronizer) OnEnvelope(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Stats - снимок счетчиков.
func (s *Synchronizer) Stats() Stats {
	return Stats{
		Enqueued:  s.enqueued.Load(),
		Published: s.published.Load(),
		Persisted: s.persisted.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
		Received:  s.received.Load(),
		Ignored:   s.ignored.Load(),
	}
}

// Pending - задач в очереди.
func (s *Synchronizer) Pending() int {
	return len(s.queue)
}

// --- ИСХОДЯЩИЕ ---

// PublishFog рассылает и сохраняет дифф тумана.
func (s *Synchronizer) PublishFog(ctx context.Context, mapID, topic string, diff domain.AreaDiff) {
	s.enqueue(ctx, topic, mapID, diff, func(ctx context.Context) error {
		if topic == domain.TopicFogReset {
			return s.store.DeleteAllAreas(ctx, mapID)
		}
		if err := s.store.UpsertAreas(ctx, mapID, append(append([]domain.RevealedArea(nil), diff.Added...), diff.Updated...)); err != nil {
			return err
		}
		return s.store.DeleteAreas(ctx, mapID, diff.Removed)
	})
}

// PublishLights рассылает и сохраняет дифф источников света.
func (s *Synchronizer) PublishLights(ctx context.Context, mapID string, diff domain.LightDiff) {
	s.enqueue(ctx, domain.TopicLightingUpdate, mapID, diff, func(ctx context.Context) error {
		if err := s.store.UpsertLights(ctx, mapID, append(append([]domain.LightSource(nil), diff.Added...), diff.Updated...)); err != nil {
			return err
		}
		return s.store.DeleteLights(ctx, mapID, diff.Removed)
	})
}

// PublishAmbient рассылает новое фоновое освещение и сохраняет настройки карты.
func (s *Synchronizer) PublishAmbient(ctx context.Context, settings domain.MapSettings) {
	update := domain.AmbientUpdate{MapID: settings.MapID, Ambient: settings.Ambient}
	s.enqueue(ctx, domain.TopicAmbientUpdate, settings.MapID, update, func(ctx context.Context) error {
		return s.store.SaveSettings(ctx, settings)
	})
}

// PublishMemory рассылает и сохраняет дифф памяти.
func (s *Synchronizer) PublishMemory(ctx context.Context, mapID string, diff domain.MemoryDiff) {
	s.enqueue(ctx, domain.TopicMemoryUpdate, mapID, diff, func(ctx context.Context) error {
		if err := s.store.UpsertMemory(ctx, mapID, append(append([]domain.MemoryPoint(nil), diff.Added...), diff.Updated...)); err != nil {
			return err
		}
		keys := make([]domain.MemoryKey, 0, len(diff.Removed))
		for _, raw := range diff.Removed {
			k, err := domain.ParseMemoryKey(raw)
			if err != nil {
				continue
			}
			keys = append(keys, k)
		}
		return s.store.DeleteMemory(ctx, mapID, keys)
	})
}

// PublishObstacles рассылает и сохраняет дифф препятствий.
func (s *Synchronizer) PublishObstacles(ctx context.Context, mapID string, diff domain.ObstacleDiff) {
	s.enqueue(ctx, domain.TopicObstacleUpdate, mapID, diff, func(ctx context.Context) error {
		if err := s.store.UpsertObstacles(ctx, mapID, append(append([]domain.Obstacle(nil), diff.Added...), diff.Updated...)); err != nil {
			return err
		}
		return s.store.DeleteObstacles(ctx, mapID, diff.Removed)
	})
}

// SaveSettings сохраняет настройки карты без рассылки (создание карты).
func (s *Synchronizer) SaveSettings(ctx context.Context, settings domain.MapSettings) {
	s.push(job{
		env: Envelope{Topic: "settings", MapID: settings.MapID},
		persist: func(ctx context.Context) error {
			return s.store.SaveSettings(ctx, settings)
		},
	})
}

// enqueue не блокирует: при переполненной очереди задача отбрасывается.
func (s *Synchronizer) enqueue(ctx context.Context, topic, mapID string, payload any, persist func(context.Context) error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.WithError(err).WithField("topic", topic).Error("Failed to encode sync payload")
		return
	}
	env := Envelope{
		EventID:   uuid.NewString(),
		Topic:     topic,
		MapID:     mapID,
		Origin:    s.cfg.Origin,
		Timestamp: s.clock.Now().UTC(),
		Payload:   raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.log.WithError(err).WithField("topic", topic).Error("Failed to encode envelope")
		return
	}

	s.notify(env)
	s.push(job{env: env, data: data, persist: persist})
}

func (s *Synchronizer) push(j job) {
	select {
	case s.queue <- j:
		s.enqueued.Add(1)
	default:
		s.dropped.Add(1)
		s.log.WithFields(logrus.Fields{
			"topic":  j.env.Topic,
			"map_id": j.env.MapID,
		}).Warn("Sync queue is full, change dropped")
	}
}

// Run обрабатывает очередь до отмены ctx, затем дописывает остаток.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.log.WithField("queue_size", s.cfg.QueueSize).Info("Synchronizer started")
	for {
		select {
		case <-ctx.Done():
			s.drain()
			s.log.Info("Synchronizer stopped")
			return nil
		case j := <-s.queue:
			s.process(ctx, j)
		}
	}
}

func (s *Synchronizer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	for {
		select {
		case j := <-s.queue:
			s.process(ctx, j)
		default:
			return
		}
	}
}

func (s *Synchronizer) process(ctx context.Context, j job) {
	if s.store != nil && j.persist != nil {
		if err := s.retry(ctx, "persist", j.env, j.persist); err == nil {
			s.persisted.Add(1)
		}
	}
	if s.transport != nil && j.data != nil {
		err := s.retry(ctx, "publish", j.env, func(ctx context.Context) error {
			return s.transport.Publish(ctx, j.env.Topic, j.data)
		})
		if err == nil {
			s.published.Add(1)
		}
	}
}

// retry повторяет fn с экспоненциальной задержкой. Исчерпание попыток -
// предупреждение и счетчик, не ошибка процесса.
func (s *Synchronizer) retry(ctx context.Context, op string, env Envelope, fn func(context.Context) error) error {
	var err error
	delay := s.cfg.RetryBase
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == s.cfg.RetryAttempts {
			break
		}
		s.log.WithFields(logrus.Fields{
			"op":      op,
			"topic":   env.Topic,
			"map_id":  env.MapID,
			"attempt": attempt,
		}).WithError(err).Debug("Sync attempt failed, retrying")

		// Пауза от инжектированных часов: в тестах ее двигает Fake
		wait := s.clock.NewTicker(delay)
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempt = s.cfg.RetryAttempts
		case <-wait.C():
		}
		wait.Stop()
		if delay *= 2; delay > s.cfg.RetryMax {
			delay = s.cfg.RetryMax
		}
	}

	terr := &domain.TransportError{Op: op, Topic: env.Topic, Attempts: s.cfg.RetryAttempts, Err: err}
	s.failed.Add(1)
	s.log.WithFields(logrus.Fields{
		"op":       op,
		"topic":    env.Topic,
		"map_id":   env.MapID,
		"event_id": env.EventID,
	}).WithError(terr).Warn("Sync gave up")
	return terr
}

// --- ВХОДЯЩИЕ ---

// Start подписывается на все темы транспорта.
func (s *Synchronizer) Start() error {
	if s.transport == nil {
		return nil
	}
	for _, topic := range domain.AllTopics {
		cancel, err := s.transport.Subscribe(topic, s.HandleInbound)
		if err != nil {
			s.Close()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		s.mu.Lock()
		s.cancels = append(s.cancels, cancel)
		s.mu.Unlock()
	}
	s.log.WithField("topics", len(domain.AllTopics)).Info("Subscribed to sync topics")
	return nil
}

// Close снимает подписки.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// HandleInbound разбирает конверт и передает его карте.
func (s *Synchronizer) HandleInbound(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.WithError(err).Warn("Malformed sync envelope")
		return
	}
	s.received.Add(1)
	if env.Origin == s.cfg.Origin {
		s.ignored.Add(1)
		return
	}

	s.mu.RLock()
	applier, ok := s.appliers[env.MapID]
	s.mu.RUnlock()
	if !ok {
		s.ignored.Add(1)
		return
	}

	if err := dispatch(applier, env); err != nil {
		s.log.WithFields(logrus.Fields{
			"topic":    env.Topic,
			"map_id":   env.MapID,
			"event_id": env.EventID,
		}).WithError(err).Warn("Failed to apply remote change")
		return
	}
	s.notify(env)
}

func dispatch(a Applier, env Envelope) error {
	switch env.Topic {
	case domain.TopicFogUpdate, domain.TopicFogDelete, domain.TopicFogReset:
		var diff domain.AreaDiff
		if err := json.Unmarshal(env.Payload, &diff); err != nil {
			return err
		}
		a.ApplyFog(env.Topic, diff)
	case domain.TopicLightingUpdate:
		var diff domain.LightDiff
		if err := json.Unmarshal(env.Payload, &diff); err != nil {
			return err
		}
		a.ApplyLights(diff)
	case domain.TopicAmbientUpdate:
		var u domain.AmbientUpdate
		if err := json.Unmarshal(env.Payload, &u); err != nil {
			return err
		}
		a.ApplyAmbient(u)
	case domain.TopicMemoryUpdate:
		var diff domain.MemoryDiff
		if err := json.Unmarshal(env.Payload, &diff); err != nil {
			return err
		}
		a.ApplyMemory(diff)
	case domain.TopicObstacleUpdate:
		var diff domain.ObstacleDiff
		if err := json.Unmarshal(env.Payload, &diff); err != nil {
			return err
		}
		a.ApplyObstacles(diff)
	default:
		return fmt.Errorf("unknown topic %q", env.Topic)
	}
	return nil
}

func (s *Synchronizer) notify(env Envelope) {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, l := range listeners {
		l(env)
	}
}

// Join - полная загрузка карты из хранилища перед подключением к потоку.
func (s *Synchronizer) Join(ctx context.Context, mapID string) (*storage.MapState, error) {
	if s.store == nil {
		return &storage.MapState{}, nil
	}
	var state *storage.MapState
	err := s.retry(ctx, "join", Envelope{MapID: mapID}, func(ctx context.Context) error {
		var err error
		state, err = s.store.LoadMap(ctx, mapID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"map_id":    mapID,
		"areas":     len(state.Areas),
		"lights":    len(state.Lights),
		"obstacles": len(state.Obstacles),
		"memory":    len(state.Memory),
	}).Info("Map state pulled from store")
	return state, nil
}

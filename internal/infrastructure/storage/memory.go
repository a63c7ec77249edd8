package storage

import (
	"context"
	"sort"
	"sync"

	"vision-server/internal/domain"
)

type mapRows struct {
	settings  domain.MapSettings
	obstacles map[string]domain.Obstacle
	lights    map[string]domain.LightSource
	areas     map[string]domain.RevealedArea
	memory    map[domain.MemoryKey]domain.MemoryPoint
}

func newMapRows() *mapRows {
	return &mapRows{
		obstacles: make(map[string]domain.Obstacle),
		lights:    make(map[string]domain.LightSource),
		areas:     make(map[string]domain.RevealedArea),
		memory:    make(map[domain.MemoryKey]domain.MemoryPoint),
	}
}

// MemoryStore - хранилище в памяти процесса (dev, тесты).
type MemoryStore struct {
	mu   sync.RWMutex
	maps map[string]*mapRows
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{maps: make(map[string]*mapRows)}
}

func (s *MemoryStore) rows(mapID string) *mapRows {
	r, ok := s.maps[mapID]
	if !ok {
		r = newMapRows()
		s.maps[mapID] = r
	}
	return r
}

func (s *MemoryStore) LoadMap(ctx context.Context, mapID string) (*MapState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := &MapState{}
	r, ok := s.maps[mapID]
	if !ok {
		return state, nil
	}
	state.Settings = r.settings
	for _, o := range r.obstacles {
		state.Obstacles = append(state.Obstacles, o)
	}
	for _, l := range r.lights {
		state.Lights = append(state.Lights, l)
	}
	for _, a := range r.areas {
		state.Areas = append(state.Areas, a)
	}
	for _, m := range r.memory {
		state.Memory = append(state.Memory, m)
	}
	sortState(state)
	return state, nil
}

func (s *MemoryStore) ListMaps(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.maps))
	for id, r := range s.maps {
		if r.settings.MapID != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) SaveSettings(ctx context.Context, settings domain.MapSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows(settings.MapID).settings = settings
	return nil
}

func (s *MemoryStore) UpsertObstacles(ctx context.Context, mapID string, obstacles []domain.Obstacle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows(mapID)
	for _, o := range obstacles {
		r.obstacles[o.ID] = o
	}
	return nil
}

func (s *MemoryStore) DeleteObstacles(ctx context.Context, mapID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows(mapID)
	for _, id := range ids {
		delete(r.obstacles, id)
	}
	return nil
}

func (s *MemoryStore) UpsertLights(ctx context.Context, mapID string, lights []domain.LightSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows(mapID)
	for _, l := range lights {
		r.lights[l.ID] = l
	}
	return nil
}

func (s *MemoryStore) DeleteLights(ctx context.Context, mapID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows(mapID)
	for _, id := range ids {
		delete(r.lights, id)
	}
	return nil
}

func (s *MemoryStore) UpsertAreas(ctx context.Context, mapID string, areas []domain.RevealedArea) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows(mapID)
	for _, a := range areas {
		r.areas[a.ID] = a
	}
	return nil
}

func (s *MemoryStore) DeleteAreas(ctx context.Context, mapID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows(mapID)
	for _, id := range ids {
		delete(r.areas, id)
	}
	return nil
}

func (s *MemoryStore) DeleteAllAreas(ctx context.Context, mapID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows(mapID).areas = make(map[string]domain.RevealedArea)
	return nil
}

func (s *MemoryStore) UpsertMemory(ctx context.Context, mapID string, points []domain.MemoryPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows(mapID)
	for _, p := range points {
		r.memory[p.Key()] = p
	}
	return nil
}

func (s *MemoryStore) DeleteMemory(ctx context.Context, mapID string, keys []domain.MemoryKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows(mapID)
	for _, k := range keys {
		delete(r.memory, k)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func sortState(state *MapState) {
	sort.Slice(state.Obstacles, func(i, j int) bool { return state.Obstacles[i].ID < state.Obstacles[j].ID })
	sort.Slice(state.Lights, func(i, j int) bool { return state.Lights[i].ID < state.Lights[j].ID })
	sort.Slice(state.Areas, func(i, j int) bool {
		if state.Areas[i].CreatedAt.Equal(state.Areas[j].CreatedAt) {
			return state.Areas[i].ID < state.Areas[j].ID
		}
		return state.Areas[i].CreatedAt.Before(state.Areas[j].CreatedAt)
	})
	sort.Slice(state.Memory, func(i, j int) bool {
		if state.Memory[i].ViewerID != state.Memory[j].ViewerID {
			return state.Memory[i].ViewerID < state.Memory[j].ViewerID
		}
		return state.Memory[i].Cell < state.Memory[j].Cell
	})
}

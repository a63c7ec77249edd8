// Package storage - постоянное хранилище состояния карт.
//
// Хранилище - внешний коллаборатор: движок пишет в него асинхронно через
// синхронизатор и читает целиком при входе на карту.
package storage

import (
	"context"

	"vision-server/internal/domain"
)

// MapState - все сохраненное о карте.
type MapState struct {
	Settings  domain.MapSettings
	Obstacles []domain.Obstacle
	Lights    []domain.LightSource
	Areas     []domain.RevealedArea
	Memory    []domain.MemoryPoint
}

// Exists - карта когда-либо сохранялась.
func (s *MapState) Exists() bool {
	return s != nil && s.Settings.MapID != ""
}

// Store - операции хранилища. Все методы идемпотентны.
type Store interface {
	// LoadMap читает все по карте. Для неизвестной карты - пустое состояние.
	LoadMap(ctx context.Context, mapID string) (*MapState, error)
	ListMaps(ctx context.Context) ([]string, error)

	SaveSettings(ctx context.Context, settings domain.MapSettings) error

	UpsertObstacles(ctx context.Context, mapID string, obstacles []domain.Obstacle) error
	DeleteObstacles(ctx context.Context, mapID string, ids []string) error

	UpsertLights(ctx context.Context, mapID string, lights []domain.LightSource) error
	DeleteLights(ctx context.Context, mapID string, ids []string) error

	UpsertAreas(ctx context.Context, mapID string, areas []domain.RevealedArea) error
	DeleteAreas(ctx context.Context, mapID string, ids []string) error
	DeleteAllAreas(ctx context.Context, mapID string) error

	UpsertMemory(ctx context.Context, mapID string, points []domain.MemoryPoint) error
	DeleteMemory(ctx context.Context, mapID string, keys []domain.MemoryKey) error

	Close() error
}

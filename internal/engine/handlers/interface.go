package handlers

import (
	"context"
	"encoding/json"
	"time"

	"vision-server/internal/domain"
	"vision-server/internal/fog"
	"vision-server/internal/memory"
)

// MapState описывает карту, над которой работает хендлер.
// Instance неявно реализует этот интерфейс. Все методы вызываются из цикла карты.
type MapState interface {
	MapID() string
	Settings() domain.MapSettings
	Now() time.Time

	Fog() *fog.Model
	Memory() *memory.Tracker

	Viewer(id string) (*domain.Viewer, bool)
	AddViewer(v *domain.Viewer)

	Light(id string) (domain.LightSource, bool)
	PutLight(ctx context.Context, l domain.LightSource)
	RemoveLight(ctx context.Context, id string) bool
	SetAmbient(ctx context.Context, ambient float64)

	Obstacle(id string) (domain.Obstacle, bool)
	PutObstacle(ctx context.Context, o domain.Obstacle)
	RemoveObstacle(ctx context.Context, id string) bool

	PublishMemory(ctx context.Context, diff domain.MemoryDiff)
}

// Context передает хендлеру карту и вызывающего.
type Context struct {
	Ctx   context.Context
	Actor domain.Actor
	Map   MapState
}

// Redraw - кому нужно пересчитать кадр после команды.
type Redraw uint8

const (
	RedrawNone Redraw = iota
	RedrawSelf
	RedrawAll
)

// Result - результат выполнения команды.
// Хендлер НЕ рассылает кадры сам, он возвращает данные.
type Result struct {
	ID     string // ID созданной/измененной сущности
	Msg    string // Текст для журнала карты
	Redraw Redraw
}

// HandlerFunc - это контракт для любой команды (MOVE, REVEAL_AREA, etc).
type HandlerFunc func(ctx Context, payload json.RawMessage) (Result, error)

// EmptyResult - вспомогательная функция для пустого успешного ответа
func EmptyResult() Result {
	return Result{}
}

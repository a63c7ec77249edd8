// Package fog - постоянный туман войны: набор открытых game-master'ом областей.
//
// Объединение областей карты монотонно растет, кроме явных delete/reset.
// Мутации доступны только game-master'у; каждая мутация отдает дифф в Publisher
// (рассылка и персистентность происходят асинхронно, вне этого пакета).
package fog

import (
	"context"
	"sort"
	"sync"

	"vision-server/internal/domain"
	"vision-server/pkg/clock"
	"vision-server/pkg/geometry"
	"vision-server/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Publisher принимает диффы тумана. Не должен блокировать.
type Publisher interface {
	PublishFog(ctx context.Context, mapID, topic string, diff domain.AreaDiff)
}

// Model - авторитетный набор открытых областей одной карты.
type Model struct {
	mu    sync.RWMutex
	mapID string
	areas map[string]domain.RevealedArea

	pub   Publisher
	clock clock.Clock
	log   *logrus.Entry
}

// NewModel создает модель тумана. pub может быть nil (тесты, офлайн).
func NewModel(mapID string, pub Publisher, clk clock.Clock) *Model {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Model{
		mapID: mapID,
		areas: make(map[string]domain.RevealedArea),
		pub:   pub,
		clock: clk,
		log:   logger.For("fog_model").WithField("map_id", mapID),
	}
}

// RevealArea открывает область. Возвращает ID области.
//
// Порядок: авторизация, валидация, мутация, дифф. При любой ошибке состояние
// не меняется. Opacity=0 трактуется как полное открытие (1).
func (m *Model) RevealArea(ctx context.Context, actor domain.Actor, area domain.RevealedArea) (string, error) {
	if err := m.authorize(actor, "reveal area"); err != nil {
		return "", err
	}
	if area.Opacity == 0 {
		area.Opacity = 1
	}
	if err := area.Validate(); err != nil {
		m.log.WithFields(logrus.Fields{
			"caller_id": actor.CallerID,
			"shape":     area.Shape,
		}).WithError(err).Info("Reveal rejected: invalid shape")
		return "", err
	}

	if area.ID == "" {
		area.ID = uuid.NewString()
	}
	area.MapID = m.mapID
	if area.CreatedBy == "" {
		area.CreatedBy = actor.CallerID
	}
	if area.CreatedAt.IsZero() {
		area.CreatedAt = m.clock.Now()
	}
	area.Points = append([]geometry.Point(nil), area.Points...)

	m.mu.Lock()
	_, existed := m.areas[area.ID]
	m.areas[area.ID] = area
	m.mu.Unlock()

	diff := domain.AreaDiff{}
	if existed {
		diff.Updated = []domain.RevealedArea{area}
	} else {
		diff.Added = []domain.RevealedArea{area}
	}
	m.publish(ctx, domain.TopicFogUpdate, diff)

	m.log.WithFields(logrus.Fields{
		"area_id":   area.ID,
		"shape":     area.Shape,
		"caller_id": actor.CallerID,
	}).Info("Area revealed")
	return area.ID, nil
}

// DeleteArea удаляет область.
func (m *Model) DeleteArea(ctx context.Context, actor domain.Actor, id string) error {
	if err := m.authorize(actor, "delete area"); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.areas[id]; !ok {
		m.mu.Unlock()
		return &domain.NotFoundError{Kind: "area", ID: id}
	}
	delete(m.areas, id)
	m.mu.Unlock()

	m.publish(ctx, domain.TopicFogDelete, domain.AreaDiff{Removed: []string{id}})
	m.log.WithFields(logrus.Fields{"area_id": id, "caller_id": actor.CallerID}).Info("Area deleted")
	return nil
}

// ResetAll удаляет все области карты.
func (m *Model) ResetAll(ctx context.Context, actor domain.Actor) error {
	if err := m.authorize(actor, "reset fog"); err != nil {
		return err
	}

	m.mu.Lock()
	removed := make([]string, 0, len(m.areas))
	for id := range m.areas {
		removed = append(removed, id)
	}
	m.areas = make(map[string]domain.RevealedArea)
	m.mu.Unlock()

	sort.Strings(removed)
	m.publish(ctx, domain.TopicFogReset, domain.AreaDiff{Removed: removed})
	m.log.WithFields(logrus.Fields{"removed": len(removed), "caller_id": actor.CallerID}).Warn("Fog reset")
	return nil
}

// ListAreas - копия всех областей в порядке создания.
func (m *Model) ListAreas() []domain.RevealedArea {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.RevealedArea, 0, len(m.areas))
	for _, a := range m.areas {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get возвращает область по ID.
func (m *Model) Get(id string) (domain.RevealedArea, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.areas[id]
	return a, ok
}

// Len - количество областей.
func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.areas)
}

// Covers - точка под постоянно открытой областью.
func (m *Model) Covers(p geometry.Point) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.areas {
		if a.Contains(p) {
			return true
		}
	}
	return false
}

// Load заменяет состояние целиком (полная загрузка при входе на карту).
func (m *Model) Load(areas []domain.RevealedArea) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.areas = make(map[string]domain.RevealedArea, len(areas))
	for _, a := range areas {
		if a.Validate() != nil {
			m.log.WithField("area_id", a.ID).Warn("Skipping invalid stored area")
			continue
		}
		m.areas[a.ID] = a
	}
}

// ApplyRemote применяет дифф с другого узла. Идемпотентно; не рассылает дальше.
func (m *Model) ApplyRemote(topic string, diff domain.AreaDiff) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if topic == domain.TopicFogReset {
		m.areas = make(map[string]domain.RevealedArea)
		return
	}
	for _, a := range append(diff.Added, diff.Updated...) {
		if a.Validate() != nil {
			continue
		}
		m.areas[a.ID] = a
	}
	for _, id := range diff.Removed {
		delete(m.areas, id)
	}
}

func (m *Model) authorize(actor domain.Actor, op string) error {
	if err := actor.Authorize(op); err != nil {
		m.log.WithFields(logrus.Fields{
			"caller_id": actor.CallerID,
			"role":      actor.Role,
			"operation": op,
		}).Warn("Unauthorized fog mutation rejected")
		return err
	}
	return nil
}

func (m *Model) publish(ctx context.Context, topic string, diff domain.AreaDiff) {
	if m.pub == nil || diff.IsEmpty() && topic != domain.TopicFogReset {
		return
	}
	m.pub.PublishFog(ctx, m.mapID, topic, diff)
}

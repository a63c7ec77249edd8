package network

import (
	"sync"

	"vision-server/pkg/api"
)

// Broadcaster занимается только рассылкой сообщений сессиям одной карты
type Broadcaster struct {
	mu sync.RWMutex
	// Мапа: ViewerID -> Личный канал
	subscribers map[string]chan api.ServerMessage
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]chan api.ServerMessage),
	}
}

// Register создает личный канал для наблюдателя
func (b *Broadcaster) Register(viewerID string) chan api.ServerMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Если канал был (переподключение), закрываем
	if old, ok := b.subscribers[viewerID]; ok {
		close(old)
	}

	ch := make(chan api.ServerMessage, 100)
	b.subscribers[viewerID] = ch
	return ch
}

// Unregister удаляет подписчика, если канал все еще его.
// false - канал уже заменен переподключением или закрыт.
func (b *Broadcaster) Unregister(viewerID string, ch chan api.ServerMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.subscribers[viewerID]; ok && cur == ch {
		close(cur)
		delete(b.subscribers, viewerID)
		return true
	}
	return false
}

// SendTo отправляет сообщение конкретному наблюдателю (Unicast).
// false - подписчика нет или канал переполнен.
func (b *Broadcaster) SendTo(viewerID string, msg api.ServerMessage) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ch, ok := b.subscribers[viewerID]; ok {
		select {
		case ch <- msg:
			return true
		default:
		}
	}
	return false
}

// Broadcast отправляет всем
func (b *Broadcaster) Broadcast(msg api.ServerMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// HasSubscriber проверяет, подключен ли наблюдатель.
// Кадры для отключенных не считаются.
func (b *Broadcaster) HasSubscriber(viewerID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subscribers[viewerID]
	return ok
}

// SubscriberCount возвращает количество активных подписчиков.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// CloseAll закрывает все каналы (остановка карты).
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

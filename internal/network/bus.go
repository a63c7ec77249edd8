package network

import (
	"context"
	"sync"

	syncer "vision-server/internal/sync"
)

// LocalBus - транспорт синхронизации внутри процесса.
// Используется по умолчанию (один узел) и в тестах нескольких узлов.
type LocalBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]syncer.Handler
	closed bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[uint64]syncer.Handler)}
}

// Publish доставляет сообщение всем подписчикам темы синхронно.
func (b *LocalBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return context.Canceled
	}
	handlers := make([]syncer.Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		// Каждому подписчику своя копия
		h(append([]byte(nil), payload...))
	}
	return nil
}

// Subscribe регистрирует обработчик темы.
func (b *LocalBus) Subscribe(topic string, handler syncer.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]syncer.Handler)
	}
	b.subs[topic][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}, nil
}

// Close отключает все подписки.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[uint64]syncer.Handler)
	return nil
}

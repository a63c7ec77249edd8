// Package syncer зеркалирует изменения тумана, света и памяти между узлами
// и в постоянное хранилище.
//
// Локальное состояние всегда применяется первым; рассылка и запись идут
// асинхронно через ограниченную очередь и никогда не блокируют карту.
package syncer

import (
	"context"
	"encoding/json"
	"time"
)

// Handler получает сырой конверт из транспорта.
type Handler func(payload []byte)

// Transport - канал рассылки (локальный хаб, Kafka).
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler Handler) (cancel func(), err error)
}

// Envelope - сообщение синхронизации.
type Envelope struct {
	EventID   string          `json:"eventId"`
	Topic     string          `json:"topic"`
	MapID     string          `json:"mapId"`
	Origin    string          `json:"origin"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

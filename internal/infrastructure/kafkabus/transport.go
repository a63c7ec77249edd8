// Package kafkabus - транспорт синхронизации поверх Kafka.
package kafkabus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	syncer "vision-server/internal/sync"
	"vision-server/pkg/logger"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Config - параметры подключения.
type Config struct {
	Brokers []string
	// TopicPrefix добавляется к имени темы ("vision." + "fog_update").
	TopicPrefix string
	// GroupID - группа потребителей. У каждого узла своя, чтобы все узлы
	// получали все изменения.
	GroupID string
	MaxWait time.Duration
}

// Transport реализует syncer.Transport: один writer на тему, reader на подписку.
type Transport struct {
	cfg Config

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
	wg      sync.WaitGroup
	closed  bool

	log *logrus.Entry
}

var _ syncer.Transport = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka: group id is required")
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Second
	}
	return &Transport{
		cfg:     cfg,
		writers: make(map[string]*kafka.Writer),
		log:     logger.For("kafka_transport").WithField("brokers", strings.Join(cfg.Brokers, ",")),
	}, nil
}

func (t *Transport) topicName(topic string) string {
	return t.cfg.TopicPrefix + topic
}

func (t *Transport) writer(topic string) (*kafka.Writer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("kafka: transport closed")
	}
	w, ok := t.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:                   kafka.TCP(t.cfg.Brokers...),
			Topic:                  t.topicName(topic),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireOne,
		}
		t.writers[topic] = w
	}
	return w, nil
}

// Publish пишет конверт. Ключ сообщения - ID карты, чтобы изменения одной
// карты попадали в одну партицию и сохраняли порядок.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	w, err := t.writer(topic)
	if err != nil {
		return err
	}
	var head struct {
		MapID string `json:"mapId"`
	}
	_ = json.Unmarshal(payload, &head)

	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(head.MapID), Value: payload}); err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

// Subscribe запускает чтение темы в отдельной горутине.
func (t *Transport) Subscribe(topic string, handler syncer.Handler) (func(), error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("kafka: transport closed")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  t.cfg.Brokers,
		Topic:    t.topicName(topic),
		GroupID:  t.cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  t.cfg.MaxWait,
	})
	t.readers = append(t.readers, reader)
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer reader.Close()
		t.consume(ctx, topic, reader, handler)
	}()

	t.log.WithFields(logrus.Fields{"topic": topic, "group": t.cfg.GroupID}).Info("Subscribed")
	return cancel, nil
}

func (t *Transport) consume(ctx context.Context, topic string, reader *kafka.Reader, handler syncer.Handler) {
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				t.log.WithField("topic", topic).Debug("Subscription stopped")
				return
			default:
			}
			// Reader закрыт через Close
			if errors.Is(err, io.EOF) {
				return
			}
			t.log.WithField("topic", topic).WithError(err).Warn("Read error")
			time.Sleep(t.cfg.MaxWait)
			continue
		}
		handler(m.Value)
	}
}

// Close закрывает writer'ы и останавливает чтение.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	writers := t.writers
	readers := t.readers
	t.mu.Unlock()

	var firstErr error
	for topic, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close writer for topic %s: %w", topic, err)
		}
	}
	for _, r := range readers {
		_ = r.Close()
	}
	t.wg.Wait()
	return firstErr
}

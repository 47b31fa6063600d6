// internal/infrastructure/transport/event_bus/event_bus.go
package event_bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"crypto-market-sync/pkg/logger"
)

// EventBus - внутрипроцессная шина событий для мониторинга.
// Несёт служебные события (слияния, гэпы, состояние писателя), не рыночные данные:
// потоковый и опрашивающий контексты обмениваются данными только через кеш.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	eventBuffer chan Event
	metrics     *Metrics
	config      Config
	running     bool
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// Config - конфигурация шины
type Config struct {
	BufferSize  int
	WorkerCount int
}

// Metrics - счётчики шины
type Metrics struct {
	mu               sync.RWMutex
	EventsPublished  int64             `json:"events_published"`
	EventsProcessed  int64             `json:"events_processed"`
	EventsDropped    int64             `json:"events_dropped"`
	SubscribersCount map[EventType]int `json:"subscribers_count"`
}

// DefaultConfig - конфигурация по умолчанию
var DefaultConfig = Config{
	BufferSize:  256,
	WorkerCount: 2,
}

// NewEventBus создает новую шину событий
func NewEventBus(config ...Config) *EventBus {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		eventBuffer: make(chan Event, cfg.BufferSize),
		metrics: &Metrics{
			SubscribersCount: make(map[EventType]int),
		},
		config:   cfg,
		stopChan: make(chan struct{}),
	}
}

// Start запускает обработчиков событий
func (b *EventBus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return
	}
	b.running = true

	for i := 0; i < b.config.WorkerCount; i++ {
		b.wg.Add(1)
		go b.eventWorker()
	}

	logger.Info("🚀 Шина событий запущена (%d обработчиков)", b.config.WorkerCount)
}

// Stop останавливает шину, дожидаясь обработчиков
func (b *EventBus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopChan)
	b.wg.Wait()

	logger.Info("🛑 Шина событий остановлена")
}

// Subscribe подписывает обработчик на тип события
func (b *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)

	b.metrics.mu.Lock()
	b.metrics.SubscribersCount[eventType] = len(b.subscribers[eventType])
	b.metrics.mu.Unlock()

	logger.Debug("✅ %s подписался на %s", subscriber.GetName(), eventType)
}

// Publish публикует событие без блокировки вызывающего.
// Переполненный буфер роняет событие, не отправителя: мониторинг
// никогда не тормозит путь данных.
func (b *EventBus) Publish(event Event) error {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()

	if !running {
		return fmt.Errorf("event bus is not running")
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventBuffer <- event:
		b.metrics.mu.Lock()
		b.metrics.EventsPublished++
		b.metrics.mu.Unlock()
		return nil
	default:
		b.metrics.mu.Lock()
		b.metrics.EventsDropped++
		b.metrics.mu.Unlock()

		logger.Warn("⚠️ Буфер событий полон, событие отброшено: %s", event.Type)
		return fmt.Errorf("event buffer is full")
	}
}

// PublishSync обрабатывает событие в горутине вызывающего (для тестов и завершения)
func (b *EventBus) PublishSync(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return b.processEvent(event)
}

// GetMetrics возвращает снимок счётчиков
func (b *EventBus) GetMetrics() map[string]interface{} {
	b.metrics.mu.RLock()
	defer b.metrics.mu.RUnlock()

	counts := make(map[EventType]int, len(b.metrics.SubscribersCount))
	for k, v := range b.metrics.SubscribersCount {
		counts[k] = v
	}

	return map[string]interface{}{
		"events_published":  b.metrics.EventsPublished,
		"events_processed":  b.metrics.EventsProcessed,
		"events_dropped":    b.metrics.EventsDropped,
		"subscribers_count": counts,
	}
}

// eventWorker - цикл обработчика событий
func (b *EventBus) eventWorker() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.eventBuffer:
			b.processEvent(event)
		case <-b.stopChan:
			// добираем остаток буфера перед выходом
			for {
				select {
				case event := <-b.eventBuffer:
					b.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// processEvent раздаёт событие подписчикам
func (b *EventBus) processEvent(event Event) error {
	defer func() {
		b.metrics.mu.Lock()
		b.metrics.EventsProcessed++
		b.metrics.mu.Unlock()
	}()

	b.mu.RLock()
	subscribers := b.subscribers[event.Type]
	b.mu.RUnlock()

	var lastErr error
	for _, subscriber := range subscribers {
		if err := subscriber.HandleEvent(event); err != nil {
			lastErr = err
			logger.Warn("⚠️ Подписчик %s не обработал %s: %v",
				subscriber.GetName(), event.Type, err)
		}
	}

	return lastErr
}

// internal/infrastructure/transport/event_bus/subscribers.go
package event_bus

import (
	"crypto-market-sync/pkg/logger"
)

// BaseSubscriber - базовая реализация подписчика
type BaseSubscriber struct {
	name    string
	handler func(Event) error
}

// NewBaseSubscriber создает нового подписчика
func NewBaseSubscriber(name string, handler func(Event) error) *BaseSubscriber {
	return &BaseSubscriber{
		name:    name,
		handler: handler,
	}
}

// HandleEvent обрабатывает событие
func (s *BaseSubscriber) HandleEvent(event Event) error {
	return s.handler(event)
}

// GetName возвращает имя подписчика
func (s *BaseSubscriber) GetName() string {
	return s.name
}

// NewLogSubscriber - трассировка шины: дублирует служебные события в лог
// на уровне debug. Основные строки пишут сами источники событий,
// подписчик нужен для сквозной диагностики.
func NewLogSubscriber() *BaseSubscriber {
	return NewBaseSubscriber("log_monitor", func(event Event) error {
		switch event.Type {
		case EventCandleMerged:
			if data, ok := event.Data.(CandleMergedData); ok {
				logger.Debug("🚌 [%s] %s %s: +%d свечей (серия %d)",
					event.Type, data.Symbol, data.Timeframe, data.Added, data.SeriesLen)
			}
		case EventGapDetected, EventGapFilled:
			if data, ok := event.Data.(GapData); ok {
				logger.Debug("🚌 [%s] %s %s: [%d..%d] (обрезан: %v)",
					event.Type, data.Symbol, data.Timeframe, data.FromTS, data.ToTS, data.Clamped)
			}
		case EventWriterStateChanged:
			if data, ok := event.Data.(WriterStateData); ok {
				logger.Debug("🚌 [%s] включен=%v (записей: %d, отказов: %d)",
					event.Type, data.Enabled, data.SuccessCount, data.FailureCount)
			}
		case EventSyncError:
			if data, ok := event.Data.(SyncErrorData); ok {
				logger.Debug("🚌 [%s] %s %s на этапе %s: %s",
					event.Type, data.Symbol, data.Timeframe, data.Stage, data.Error)
			}
		default:
			logger.Debug("🚌 [%s] %v", event.Type, event.Data)
		}
		return nil
	})
}

// internal/infrastructure/transport/event_bus/event.go
package event_bus

import "time"

// Event - событие шины
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventType - тип события
type EventType string

// Константы типов событий
const (
	EventCandleMerged       EventType = "candle_merged"
	EventGapDetected        EventType = "gap_detected"
	EventGapFilled          EventType = "gap_filled"
	EventWriterStateChanged EventType = "writer_state_changed"
	EventStreamConnected    EventType = "stream_connected"
	EventStreamDisconnected EventType = "stream_disconnected"
	EventServiceStarted     EventType = "service_started"
	EventServiceStopped     EventType = "service_stopped"
	EventSyncError          EventType = "sync_error"
)

// Subscriber - интерфейс подписчика
type Subscriber interface {
	HandleEvent(event Event) error
	GetName() string
}

// CandleMergedData - полезная нагрузка candle_merged
type CandleMergedData struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Added     int    `json:"added"`
	SeriesLen int    `json:"series_len"`
}

// GapData - полезная нагрузка gap_detected / gap_filled
type GapData struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	FromTS    int64  `json:"from_ts"`
	ToTS      int64  `json:"to_ts"`
	Clamped   bool   `json:"clamped"`
}

// WriterStateData - полезная нагрузка writer_state_changed
type WriterStateData struct {
	Enabled      bool  `json:"enabled"`
	SuccessCount int64 `json:"success_count"`
	FailureCount int64 `json:"failure_count"`
}

// StreamStateData - полезная нагрузка stream_connected / stream_disconnected
type StreamStateData struct {
	URL           string `json:"url"`
	Subscriptions int    `json:"subscriptions"`
	Reconnects    int    `json:"reconnects"`
}

// ServiceStateData - полезная нагрузка service_started / service_stopped
type ServiceStateData struct {
	Symbols       int  `json:"symbols"`
	Timeframes    int  `json:"timeframes"`
	StreamEnabled bool `json:"stream_enabled"`
	WriterEnabled bool `json:"writer_enabled"`
}

// SyncErrorData - полезная нагрузка sync_error
type SyncErrorData struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
}
